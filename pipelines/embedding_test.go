package pipelines

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sightglass-ml/sightglass/backends"
	"github.com/sightglass-ml/sightglass/util/imageutil"
	"github.com/sightglass-ml/sightglass/util/vectorutil"
)

func embedderTestModel(env *backends.Environment) *backends.Model {
	return &backends.Model{
		Name:        "test-embedder",
		GoModel:     &backends.GoModel{},
		Environment: env,
		InputsMeta: []backends.InputOutputInfo{
			{Name: "pixel_values", Dimensions: backends.NewShape(-1, 3, 224, 224)},
		},
		OutputsMeta: []backends.InputOutputInfo{
			{Name: "last_hidden_state", Dimensions: backends.NewShape(-1, 197, 768)},
		},
		Pipelines: map[string]backends.Pipeline{},
	}
}

func TestMeanPool(t *testing.T) {
	pooled := meanPool([][]float32{{1, 3}, {3, 5}})
	require.Len(t, pooled, 2)
	assert.InDelta(t, 2.0, pooled[0], 0.0001)
	assert.InDelta(t, 4.0, pooled[1], 0.0001)

	assert.Nil(t, meanPool(nil))
}

func TestEmbeddingPostprocess2D(t *testing.T) {
	pipeline := &ImageEmbeddingPipeline{}
	batch := &backends.PipelineBatch{Outputs: []backends.RawOutput{{
		Name:  "embedding",
		Data:  []float32{0, 1, 2, 3, 4, 5},
		Shape: backends.NewShape(2, 3),
	}}}

	output, err := pipeline.Postprocess(batch)
	require.NoError(t, err)
	require.Len(t, output.Embeddings, 2)
	assert.Equal(t, []float32{0, 1, 2}, output.Embeddings[0])
	assert.Equal(t, []float32{3, 4, 5}, output.Embeddings[1])

	// embeddings are copies, not views into the raw output
	output.Embeddings[0][0] = 99
	assert.Equal(t, float32(0), batch.Outputs[0].Data[0])
}

func TestEmbeddingPostprocess3D(t *testing.T) {
	// token sequences are mean pooled to one vector per image
	pipeline := &ImageEmbeddingPipeline{}
	batch := &backends.PipelineBatch{Outputs: []backends.RawOutput{{
		Name:  "last_hidden_state",
		Data:  []float32{1, 3, 3, 5},
		Shape: backends.NewShape(1, 2, 2),
	}}}

	output, err := pipeline.Postprocess(batch)
	require.NoError(t, err)
	require.Len(t, output.Embeddings, 1)
	assert.InDelta(t, 2.0, output.Embeddings[0][0], 0.0001)
	assert.InDelta(t, 4.0, output.Embeddings[0][1], 0.0001)
}

func TestEmbeddingPostprocessNormalized(t *testing.T) {
	pipeline := &ImageEmbeddingPipeline{normalize: true}
	batch := &backends.PipelineBatch{Outputs: []backends.RawOutput{{
		Name:  "embedding",
		Data:  []float32{3, 4},
		Shape: backends.NewShape(1, 2),
	}}}

	output, err := pipeline.Postprocess(batch)
	require.NoError(t, err)

	embedding := output.Embeddings[0]
	assert.InDelta(t, 0.6, embedding[0], 0.0001)
	assert.InDelta(t, 0.8, embedding[1], 0.0001)
	assert.InDelta(t, 1.0, vectorutil.Norm(embedding, 2), 0.0001)
}

func TestEmbeddingOutputSelection(t *testing.T) {
	batch := &backends.PipelineBatch{Outputs: []backends.RawOutput{
		{Name: "logits", Shape: backends.NewShape(1, 2)},
		{Name: "embedding", Shape: backends.NewShape(1, 4)},
	}}

	// without a name the first output wins
	output, err := (&ImageEmbeddingPipeline{}).embeddingOutput(batch)
	require.NoError(t, err)
	assert.Equal(t, "logits", output.Name)

	output, err = (&ImageEmbeddingPipeline{OutputName: "embedding"}).embeddingOutput(batch)
	require.NoError(t, err)
	assert.Equal(t, "embedding", output.Name)

	_, err = (&ImageEmbeddingPipeline{OutputName: "absent"}).embeddingOutput(batch)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "output absent not found")

	_, err = (&ImageEmbeddingPipeline{}).embeddingOutput(&backends.PipelineBatch{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no inference outputs")
}

func TestEmbeddingPostprocessWrongRank(t *testing.T) {
	pipeline := &ImageEmbeddingPipeline{}
	batch := &backends.PipelineBatch{Outputs: []backends.RawOutput{{
		Name:  "embedding",
		Data:  make([]float32, 6),
		Shape: backends.NewShape(6),
	}}}

	_, err := pipeline.Postprocess(batch)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected [batch, dim] or [batch, tokens, dim]")
}

func TestNewImageEmbeddingPipeline(t *testing.T) {
	env := newTestEnvironment(t)
	model := embedderTestModel(env)

	pipeline, err := NewImageEmbeddingPipeline(
		backends.PipelineConfig[*ImageEmbeddingPipeline]{
			Name: "embedder",
			Options: []backends.PipelineOption[*ImageEmbeddingPipeline]{
				WithEmbeddingNormalization(),
				WithEmbeddingOutputName("last_hidden_state"),
			},
		}, env, model)
	require.NoError(t, err)

	assert.True(t, pipeline.normalize)
	assert.Equal(t, "last_hidden_state", pipeline.OutputName)
	assert.Equal(t, imageutil.NCHW, pipeline.format)
	assert.Equal(t, imageutil.Size{Height: 224, Width: 224}, pipeline.targetSize)
	assert.Len(t, pipeline.normalizationSteps, 2)
	assert.Same(t, model, pipeline.GetModel())
}

func TestEmbeddingValidate(t *testing.T) {
	badInput := &ImageEmbeddingPipeline{
		BasePipeline: &backends.BasePipeline{Model: &backends.Model{
			InputsMeta:  []backends.InputOutputInfo{{Name: "input_ids", Dimensions: backends.NewShape(1, 128)}},
			OutputsMeta: []backends.InputOutputInfo{{Name: "embedding", Dimensions: backends.NewShape(1, 768)}},
		}},
	}
	err := badInput.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be 4D image tensor")

	noOutputs := &ImageEmbeddingPipeline{
		BasePipeline: &backends.BasePipeline{Model: &backends.Model{
			InputsMeta: []backends.InputOutputInfo{{Name: "pixel_values", Dimensions: backends.NewShape(1, 3, 224, 224)}},
		}},
	}
	err = noOutputs.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model has no outputs")
}
