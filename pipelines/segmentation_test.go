package pipelines

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sightglass-ml/sightglass/backends"
	"github.com/sightglass-ml/sightglass/util/imageutil"
)

func segmenterTestModel(env *backends.Environment) *backends.Model {
	return &backends.Model{
		Name:        "test-segmenter",
		GoModel:     &backends.GoModel{},
		Environment: env,
		InputsMeta: []backends.InputOutputInfo{
			{Name: "pixel_values", Dimensions: backends.NewShape(-1, 3, 512, 512)},
		},
		OutputsMeta: []backends.InputOutputInfo{
			{Name: "logits", Dimensions: backends.NewShape(-1, 150, 128, 128)},
		},
		IDLabelMap: map[int]string{0: "background", 1: "person"},
		Pipelines:  map[string]backends.Pipeline{},
	}
}

func TestSegmentationPostprocess(t *testing.T) {
	pipeline := &SemanticSegmentationPipeline{IDLabelMap: map[int]string{0: "background", 1: "person"}}

	// two class planes over a 2x2 grid: class 1 wins the top row
	batch := &backends.PipelineBatch{Outputs: []backends.RawOutput{{
		Name: "logits",
		Data: []float32{
			// class 0 plane
			0.1, 0.2,
			0.9, 0.8,
			// class 1 plane
			0.7, 0.6,
			0.1, 0.2,
		},
		Shape: backends.NewShape(1, 2, 2, 2),
	}}}

	output, err := pipeline.Postprocess(batch)
	require.NoError(t, err)
	require.Len(t, output.Masks, 1)

	mask := output.Masks[0]
	assert.Equal(t, 2, mask.Width)
	assert.Equal(t, 2, mask.Height)
	assert.Equal(t, int32(1), mask.At(0, 0))
	assert.Equal(t, int32(1), mask.At(1, 0))
	assert.Equal(t, int32(0), mask.At(0, 1))
	assert.Equal(t, int32(0), mask.At(1, 1))
	assert.Equal(t, map[string]int{"background": 2, "person": 2}, mask.PixelCounts)
}

func TestSegmentationPostprocessTies(t *testing.T) {
	// on equal scores the lowest class index wins
	pipeline := &SemanticSegmentationPipeline{}
	batch := &backends.PipelineBatch{Outputs: []backends.RawOutput{{
		Name:  "logits",
		Data:  []float32{0.5, 0.5},
		Shape: backends.NewShape(1, 2, 1, 1),
	}}}

	output, err := pipeline.Postprocess(batch)
	require.NoError(t, err)
	assert.Equal(t, int32(0), output.Masks[0].At(0, 0))
	assert.Equal(t, map[string]int{"class_0": 1}, output.Masks[0].PixelCounts)
}

func TestSegmentationPostprocessErrors(t *testing.T) {
	pipeline := &SemanticSegmentationPipeline{}

	_, err := pipeline.Postprocess(&backends.PipelineBatch{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no inference outputs")

	batch := &backends.PipelineBatch{Outputs: []backends.RawOutput{{
		Name:  "logits",
		Data:  make([]float32, 6),
		Shape: backends.NewShape(2, 3),
	}}}
	_, err = pipeline.Postprocess(batch)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected 4 dimensions")

	batch = &backends.PipelineBatch{Outputs: []backends.RawOutput{{
		Name:  "logits",
		Data:  nil,
		Shape: backends.NewShape(1, 0, 2, 2),
	}}}
	_, err = pipeline.Postprocess(batch)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no class planes")
}

func TestNewSemanticSegmentationPipeline(t *testing.T) {
	env := newTestEnvironment(t)
	model := segmenterTestModel(env)

	pipeline, err := NewSemanticSegmentationPipeline(
		backends.PipelineConfig[*SemanticSegmentationPipeline]{Name: "segmenter"}, env, model)
	require.NoError(t, err)

	assert.Equal(t, imageutil.NCHW, pipeline.format)
	assert.Equal(t, imageutil.Size{Height: 512, Width: 512}, pipeline.targetSize)
	assert.Equal(t, model.IDLabelMap, pipeline.IDLabelMap)
	assert.Len(t, pipeline.normalizationSteps, 2)
}

func TestSegmentationValidate(t *testing.T) {
	badOutput := &SemanticSegmentationPipeline{
		BasePipeline: &backends.BasePipeline{Model: &backends.Model{
			InputsMeta:  []backends.InputOutputInfo{{Name: "pixel_values", Dimensions: backends.NewShape(-1, 3, 512, 512)}},
			OutputsMeta: []backends.InputOutputInfo{{Name: "logits", Dimensions: backends.NewShape(-1, 150)}},
		}},
	}
	err := badOutput.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be a [batch, classes, height, width] tensor")
}
