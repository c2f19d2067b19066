package backends

import (
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sightglass-ml/sightglass/util/imageutil"
)

func testImage(width, height int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

func TestShape(t *testing.T) {
	shape := NewShape(1, 3, 224, 224)
	assert.Equal(t, "[1 3 224 224]", shape.String())
	assert.Equal(t, []int{1, 3, 224, 224}, shape.ValuesInt())
	assert.Equal(t, int64(1*3*224*224), shape.NumElements())
	assert.Equal(t, int64(1), NewShape().NumElements())
}

func TestRawOutputTo2D(t *testing.T) {
	out := RawOutput{Name: "logits", Data: []float32{1, 2, 3, 4, 5, 6}, Shape: NewShape(2, 3)}
	rows, err := out.To2D()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, []float32{1, 2, 3}, rows[0])
	assert.Equal(t, []float32{4, 5, 6}, rows[1])

	bad := RawOutput{Name: "logits", Data: []float32{1, 2}, Shape: NewShape(2)}
	_, err = bad.To2D()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected 2 dimensions")
}

func TestRawOutputTo3D(t *testing.T) {
	data := make([]float32, 2*2*3)
	for i := range data {
		data[i] = float32(i)
	}
	out := RawOutput{Name: "boxes", Data: data, Shape: NewShape(2, 2, 3)}
	cube, err := out.To3D()
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1, 2}, cube[0][0])
	assert.Equal(t, []float32{9, 10, 11}, cube[1][1])

	_, err = out.To2D()
	assert.Error(t, err)
}

func TestRawOutputTo4D(t *testing.T) {
	data := make([]float32, 1*2*2*2)
	for i := range data {
		data[i] = float32(i)
	}
	out := RawOutput{Name: "masks", Data: data, Shape: NewShape(1, 2, 2, 2)}
	planes, err := out.To4D()
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1}, planes[0][0][0])
	assert.Equal(t, []float32{6, 7}, planes[0][1][1])

	_, err = out.To3D()
	assert.Error(t, err)
}

func TestGetNames(t *testing.T) {
	info := []InputOutputInfo{
		{Name: "pixel_values"},
		{Name: "pixel_mask"},
	}
	assert.Equal(t, []string{"pixel_values", "pixel_mask"}, GetNames(info))
	assert.Empty(t, GetNames(nil))
}

func TestBatchDestroyIdempotent(t *testing.T) {
	batch := NewBatch(4)
	assert.Equal(t, 4, batch.Size)

	calls := 0
	batch.DestroyInputs = func() error {
		calls++
		return nil
	}
	require.NoError(t, batch.Destroy())
	require.NoError(t, batch.Destroy())
	assert.Equal(t, 1, calls)
}

func TestDetectImageTensorFormat(t *testing.T) {
	format, err := DetectImageTensorFormat(&Model{InputsMeta: []InputOutputInfo{
		{Name: "pixel_values", Dimensions: NewShape(1, 3, 224, 224)},
	}})
	require.NoError(t, err)
	assert.Equal(t, imageutil.NCHW, format)

	format, err = DetectImageTensorFormat(&Model{InputsMeta: []InputOutputInfo{
		{Name: "input", Dimensions: NewShape(-1, 224, 224, 3)},
	}})
	require.NoError(t, err)
	assert.Equal(t, imageutil.NHWC, format)

	// grayscale counts as a channel axis too
	format, err = DetectImageTensorFormat(&Model{InputsMeta: []InputOutputInfo{
		{Name: "input", Dimensions: NewShape(-1, 1, 28, 28)},
	}})
	require.NoError(t, err)
	assert.Equal(t, imageutil.NCHW, format)

	// dynamic spatial axes do not stop layout detection
	format, err = DetectImageTensorFormat(&Model{InputsMeta: []InputOutputInfo{
		{Name: "input", Dimensions: NewShape(-1, 3, -1, -1)},
	}})
	require.NoError(t, err)
	assert.Equal(t, imageutil.NCHW, format)

	_, err = DetectImageTensorFormat(&Model{Path: "some/model", InputsMeta: nil})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "has no inputs")

	_, err = DetectImageTensorFormat(&Model{InputsMeta: []InputOutputInfo{
		{Name: "input_ids", Dimensions: NewShape(1, 128)},
	}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected a 4-D image tensor")

	_, err = DetectImageTensorFormat(&Model{InputsMeta: []InputOutputInfo{
		{Name: "input", Dimensions: NewShape(1, 5, 5, 5)},
	}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot infer tensor layout")
}

func TestModelInputSize(t *testing.T) {
	model := &Model{InputsMeta: []InputOutputInfo{
		{Name: "pixel_values", Dimensions: NewShape(1, 3, 640, 480)},
	}}
	assert.Equal(t, imageutil.Size{Height: 640, Width: 480}, ModelInputSize(model, imageutil.NCHW))

	model = &Model{InputsMeta: []InputOutputInfo{
		{Name: "input", Dimensions: NewShape(1, 299, 299, 3)},
	}}
	assert.Equal(t, imageutil.Size{Height: 299, Width: 299}, ModelInputSize(model, imageutil.NHWC))

	// dynamic spatial axes fall back to the classification default
	model = &Model{InputsMeta: []InputOutputInfo{
		{Name: "pixel_values", Dimensions: NewShape(-1, 3, -1, -1)},
	}}
	assert.Equal(t, imageutil.Size{Height: 224, Width: 224}, ModelInputSize(model, imageutil.NCHW))
}

func TestResolveMaskShape(t *testing.T) {
	assert.Equal(t, []int64{2, 64, 48}, resolveMaskShape(NewShape(-1, -1, -1), 2, 64, 48))
	assert.Equal(t, []int64{2, 1, 64, 48}, resolveMaskShape(NewShape(-1, 1, -1, -1), 2, 64, 48))
	assert.Equal(t, []int64{2, 1, 64, 48}, resolveMaskShape(NewShape(-1, -1, -1, -1), 2, 64, 48))

	// static axes are kept, only the batch axis is overridden
	assert.Equal(t, []int64{2, 32, 32}, resolveMaskShape(NewShape(1, 32, 32), 2, 64, 48))
}

func TestPreprocessImagesNCHW(t *testing.T) {
	red := testImage(10, 10, color.NRGBA{255, 0, 0, 255})

	tensor, err := PreprocessImages(
		[]image.Image{red},
		imageutil.NCHW,
		imageutil.Size{Height: 5, Width: 5},
		nil,
		[]imageutil.NormalizationStep{imageutil.RescaleStep()},
	)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3, 5, 5}, tensor.Shape)
	require.Len(t, tensor.Data, 1*3*5*5)

	// planes are contiguous: all red, then all green, then all blue
	for i := 0; i < 25; i++ {
		assert.InDelta(t, 1.0, tensor.Data[i], 0.01)
		assert.InDelta(t, 0.0, tensor.Data[25+i], 0.01)
		assert.InDelta(t, 0.0, tensor.Data[50+i], 0.01)
	}
}

func TestPreprocessImagesNHWC(t *testing.T) {
	red := testImage(10, 10, color.NRGBA{255, 0, 0, 255})

	tensor, err := PreprocessImages(
		[]image.Image{red},
		imageutil.NHWC,
		imageutil.Size{Height: 5, Width: 5},
		nil,
		[]imageutil.NormalizationStep{imageutil.RescaleStep()},
	)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 5, 5, 3}, tensor.Shape)

	// channels are interleaved per pixel
	for i := 0; i < 25; i++ {
		assert.InDelta(t, 1.0, tensor.Data[i*3], 0.01)
		assert.InDelta(t, 0.0, tensor.Data[i*3+1], 0.01)
		assert.InDelta(t, 0.0, tensor.Data[i*3+2], 0.01)
	}
}

func TestPreprocessImagesBatch(t *testing.T) {
	red := testImage(10, 10, color.NRGBA{255, 0, 0, 255})
	blue := testImage(20, 8, color.NRGBA{0, 0, 255, 255})

	tensor, err := PreprocessImages(
		[]image.Image{red, blue},
		imageutil.NCHW,
		imageutil.Size{Height: 5, Width: 5},
		[]imageutil.PreprocessStep{imageutil.StretchStep(5, 5)},
		[]imageutil.NormalizationStep{imageutil.RescaleStep()},
	)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 3, 5, 5}, tensor.Shape)

	// second image, blue plane
	offset := (1*3 + 2) * 25
	for i := 0; i < 25; i++ {
		assert.InDelta(t, 1.0, tensor.Data[offset+i], 0.01)
	}
}

func TestPreprocessImagesEmpty(t *testing.T) {
	_, err := PreprocessImages(nil, imageutil.NCHW, imageutil.Size{Height: 5, Width: 5}, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no images provided")
}

func TestCreateImageTensorsGoMemory(t *testing.T) {
	env, err := NewEnvironment(Go, nil)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, env.Destroy())
	}()

	model := &Model{
		Name:        "test",
		GoModel:     &GoModel{},
		Environment: env,
		InputsMeta: []InputOutputInfo{
			{Name: "pixel_values", Dimensions: NewShape(-1, 3, -1, -1)},
		},
	}

	img, err := PreprocessImages(
		[]image.Image{testImage(8, 8, color.NRGBA{128, 128, 128, 255})},
		imageutil.NCHW,
		imageutil.Size{Height: 8, Width: 8},
		nil,
		[]imageutil.NormalizationStep{imageutil.RescaleStep()},
	)
	require.NoError(t, err)

	batch := NewBatch(1)
	require.NoError(t, CreateImageTensors(batch, model, img))
	assert.Equal(t, int64(1), env.Memory.LiveTensors())
	assert.Equal(t, int64(3*8*8*4), env.Memory.LiveTensorBytes())

	// destroying the batch releases every input tensor exactly once
	require.NoError(t, batch.Destroy())
	require.NoError(t, batch.Destroy())
	assert.Equal(t, int64(0), env.Memory.LiveTensors())
	assert.Equal(t, int64(0), env.Memory.LiveTensorBytes())
	assert.Equal(t, env.Memory.TensorsCreated(), env.Memory.TensorsFreed())
}

func TestCreateImageTensorsGoWithMask(t *testing.T) {
	env, err := NewEnvironment(Go, nil)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, env.Destroy())
	}()

	model := &Model{
		Name:        "detr",
		GoModel:     &GoModel{},
		Environment: env,
		InputsMeta: []InputOutputInfo{
			{Name: "pixel_values", Dimensions: NewShape(-1, 3, -1, -1)},
			{Name: "pixel_mask", Dimensions: NewShape(-1, -1, -1)},
		},
	}

	img, err := PreprocessImages(
		[]image.Image{testImage(8, 8, color.NRGBA{0, 0, 0, 255})},
		imageutil.NCHW,
		imageutil.Size{Height: 8, Width: 8},
		nil,
		nil,
	)
	require.NoError(t, err)

	batch := NewBatch(1)
	require.NoError(t, CreateImageTensors(batch, model, img))
	assert.Equal(t, int64(2), env.Memory.LiveTensors())

	require.NoError(t, batch.Destroy())
	assert.Equal(t, int64(0), env.Memory.LiveTensors())
	assert.Equal(t, int64(0), env.Memory.LiveTensorBytes())
}

func TestCreateImageTensorsValidation(t *testing.T) {
	env, err := NewEnvironment(Go, nil)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, env.Destroy())
	}()

	model := &Model{
		Name:        "test",
		GoModel:     &GoModel{},
		Environment: env,
		InputsMeta: []InputOutputInfo{
			{Name: "pixel_values", Dimensions: NewShape(-1, 3, -1, -1)},
		},
	}

	err = CreateImageTensors(NewBatch(1), model, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no preprocessed images")

	// a model that never came up on a backend cannot create tensors
	unloaded := &Model{Name: "unloaded", Environment: env}
	img, err := PreprocessImages(
		[]image.Image{testImage(4, 4, color.NRGBA{0, 0, 0, 255})},
		imageutil.NCHW,
		imageutil.Size{Height: 4, Width: 4},
		nil,
		nil,
	)
	require.NoError(t, err)

	err = CreateImageTensors(NewBatch(1), unloaded, img)
	require.Error(t, err)
	var notLoaded *NotLoadedError
	require.True(t, errors.As(err, &notLoaded))
	assert.Equal(t, "unloaded", notLoaded.Model)
}
