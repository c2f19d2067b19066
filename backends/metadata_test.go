package backends

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseModelKind(t *testing.T) {
	for _, name := range []string{"classification", "detection", "recognition", "segmentation"} {
		kind, err := ParseModelKind(name)
		require.NoError(t, err)
		assert.Equal(t, name, kind.String())
	}

	_, err := ParseModelKind("translation")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown model kind")
}

func TestMetadataLabel(t *testing.T) {
	meta := ModelMetadata{Labels: map[int]string{0: "cat", 1: "dog"}}
	assert.Equal(t, "cat", meta.Label(0))
	assert.Equal(t, "dog", meta.Label(1))
	assert.Equal(t, "class_7", meta.Label(7))

	// no labels at all: every class gets a synthesized name
	empty := ModelMetadata{}
	assert.Equal(t, "class_0", empty.Label(0))
}

func TestMetadataLabelList(t *testing.T) {
	meta := ModelMetadata{Labels: map[int]string{2: "bird", 0: "cat", 1: "dog"}}
	assert.Equal(t, []string{"cat", "dog", "bird"}, meta.LabelList())
	assert.Empty(t, ModelMetadata{}.LabelList())
}

func TestModelMetadataSnapshot(t *testing.T) {
	model := &Model{
		Name:    "vit-base",
		Version: "4.30.0",
		Kind:    KindClassification,
		InputsMeta: []InputOutputInfo{
			{Name: "pixel_values", Dimensions: NewShape(1, 3, 224, 224)},
		},
		OutputsMeta: []InputOutputInfo{
			{Name: "logits", Dimensions: NewShape(1, 2)},
		},
		IDLabelMap: map[int]string{0: "cat", 1: "dog"},
	}

	meta := model.Metadata()
	assert.Equal(t, "vit-base", meta.Name)
	assert.Equal(t, "4.30.0", meta.Version)
	assert.Equal(t, KindClassification, meta.Kind)
	assert.Equal(t, NewShape(1, 3, 224, 224), meta.InputShape)
	assert.Equal(t, NewShape(1, 2), meta.OutputShape)

	// the snapshot is a copy: mutating it never touches the model
	meta.Labels[0] = "mutated"
	meta.InputShape[0] = 99
	assert.Equal(t, "cat", model.IDLabelMap[0])
	assert.Equal(t, int64(1), model.InputsMeta[0].Dimensions[0])
}

func TestModelMetadataWithoutLabels(t *testing.T) {
	model := &Model{Name: "bare"}
	meta := model.Metadata()
	assert.Nil(t, meta.Labels)
	assert.Nil(t, meta.InputShape)
	assert.Equal(t, "class_3", meta.Label(3))
}
