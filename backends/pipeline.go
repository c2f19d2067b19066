package backends

import (
	"errors"
	"fmt"
	"image"
	"math"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/sightglass-ml/sightglass/util/imageutil"
	"github.com/sightglass-ml/sightglass/util/safeconv"
)

// BasePipeline can be embedded by a pipeline.
type BasePipeline struct {
	PipelineName    string
	Runtime         Backend
	Model           *Model
	PipelineTimings *timings
	ImagesProcessed uint64
}

type InputOutputInfo struct {
	// The name of the input or output
	Name string
	// The input or output's dimensions, if it's a tensor. This should be
	// ignored for non-tensor types.
	Dimensions Shape
}

type Shape []int64

func (s Shape) String() string {
	return fmt.Sprintf("%v", []int64(s))
}

func (s Shape) ValuesInt() []int {
	output := make([]int, len(s))
	for i, v := range s {
		output[i] = safeconv.Int64ToInt(v)
	}
	return output
}

func (s Shape) NumElements() int64 {
	count := int64(1)
	for _, v := range s {
		count *= v
	}
	return count
}

// NewShape Returns a Shape, with the given dimensions.
func NewShape(dimensions ...int64) Shape {
	return dimensions
}

type OutputInfo struct {
	Name       string
	Dimensions []int64
}

type PipelineMetadata struct {
	OutputsInfo []OutputInfo
}

type PipelineBatchOutput interface {
	GetOutput() []any
}

// Pipeline is the interface that any pipeline must implement.
type Pipeline interface {
	GetStats() []string                        // Get the pipeline running stats
	GetStatistics() PipelineStatistics         // Get the pipeline running statistics
	Validate() error                           // Validate the pipeline for correctness
	GetMetadata() PipelineMetadata             // Return metadata information for the pipeline
	GetModel() *Model                          // Return the model used by the pipeline
	Run([]string) (PipelineBatchOutput, error) // Run the pipeline on a batch of image paths
}

type PipelineStatistics struct {
	TotalTime       time.Duration
	ExecutionCount  uint64
	AvgQueryTime    time.Duration
	ImagesProcessed uint64
	AvgBatchSize    float64
}

func (p *PipelineStatistics) ComputeStatistics(t *timings, images uint64) {
	p.TotalTime = safeconv.U64ToDuration(t.TotalNS)
	p.ExecutionCount = t.NumCalls
	p.AvgQueryTime = time.Duration(float64(t.TotalNS) / math.Max(1, float64(t.NumCalls)))
	p.ImagesProcessed = images
	p.AvgBatchSize = float64(images) / math.Max(1, float64(t.NumCalls))
}

func (p *PipelineStatistics) Print() {
	jsonData, err := jsoniter.MarshalIndent(p, "", "  ")
	if err != nil {
		fmt.Println(err)
	}
	fmt.Println(string(jsonData))
}

// PipelineOption is an option for a pipeline type.
type PipelineOption[T Pipeline] func(eo T) error

// PipelineConfig is a configuration for a pipeline type that can be used
// to create that pipeline.
type PipelineConfig[T Pipeline] struct {
	ModelPath    string
	Name         string
	OnnxFilename string
	Options      []PipelineOption[T]
}

type timings struct {
	NumCalls uint64
	TotalNS  uint64
}

// RawOutput is one raw model output with the shape it actually had for the
// run, after dynamic axes have been resolved. The data is plain Go memory:
// the backend tensor it was read from has already been destroyed.
type RawOutput struct {
	Name  string
	Data  []float32
	Shape Shape
}

// To2D views the data as [dim0][dim1].
func (o *RawOutput) To2D() ([][]float32, error) {
	if len(o.Shape) != 2 {
		return nil, fmt.Errorf("output %s has shape %s, expected 2 dimensions", o.Name, o.Shape)
	}
	d0, d1 := int(o.Shape[0]), int(o.Shape[1])
	out := make([][]float32, d0)
	for i := 0; i < d0; i++ {
		out[i] = o.Data[i*d1 : (i+1)*d1]
	}
	return out, nil
}

// To3D views the data as [dim0][dim1][dim2].
func (o *RawOutput) To3D() ([][][]float32, error) {
	if len(o.Shape) != 3 {
		return nil, fmt.Errorf("output %s has shape %s, expected 3 dimensions", o.Name, o.Shape)
	}
	d0, d1, d2 := int(o.Shape[0]), int(o.Shape[1]), int(o.Shape[2])
	out := make([][][]float32, d0)
	for i := 0; i < d0; i++ {
		rows := make([][]float32, d1)
		for j := 0; j < d1; j++ {
			offset := (i*d1 + j) * d2
			rows[j] = o.Data[offset : offset+d2]
		}
		out[i] = rows
	}
	return out, nil
}

// To4D views the data as [dim0][dim1][dim2][dim3].
func (o *RawOutput) To4D() ([][][][]float32, error) {
	if len(o.Shape) != 4 {
		return nil, fmt.Errorf("output %s has shape %s, expected 4 dimensions", o.Name, o.Shape)
	}
	d0, d1, d2, d3 := int(o.Shape[0]), int(o.Shape[1]), int(o.Shape[2]), int(o.Shape[3])
	out := make([][][][]float32, d0)
	for i := 0; i < d0; i++ {
		planes := make([][][]float32, d1)
		for j := 0; j < d1; j++ {
			rows := make([][]float32, d2)
			for k := 0; k < d2; k++ {
				offset := ((i*d1+j)*d2 + k) * d3
				rows[k] = o.Data[offset : offset+d3]
			}
			planes[j] = rows
		}
		out[i] = planes
	}
	return out, nil
}

// PipelineBatch represents a batch of inputs that runs through the pipeline.
// Destroying a batch releases the backend input tensors; outputs are plain
// Go memory and need no release.
type PipelineBatch struct {
	Input         *imageutil.Tensor
	OriginalSizes []imageutil.Size
	InputValues   any
	DestroyInputs func() error
	Outputs       []RawOutput
	Size          int
}

// Destroy releases the batch's backend tensors. Safe to call more than once.
func (b *PipelineBatch) Destroy() error {
	destroyer := b.DestroyInputs
	b.DestroyInputs = func() error {
		return nil
	}
	return destroyer()
}

// NewBatch initializes a new batch for inference.
func NewBatch(size int) *PipelineBatch {
	return &PipelineBatch{
		DestroyInputs: func() error {
			return nil
		},
		Size: size,
	}
}

func GetNames(info []InputOutputInfo) []string {
	names := make([]string, 0, len(info))
	for _, v := range info {
		names = append(names, v.Name)
	}
	return names
}

// DetectImageTensorFormat infers the input layout from the model's input
// shape: a channel dimension of 3 (or 1) right after the batch axis means
// NCHW, in last position NHWC.
func DetectImageTensorFormat(model *Model) (imageutil.Format, error) {
	if len(model.InputsMeta) == 0 {
		return "", fmt.Errorf("model %s has no inputs", model.Path)
	}
	dims := model.InputsMeta[0].Dimensions
	if len(dims) != 4 {
		return "", fmt.Errorf("input %s has shape %s, expected a 4-D image tensor", model.InputsMeta[0].Name, dims)
	}
	switch {
	case dims[1] == 3 || dims[1] == 1:
		return imageutil.NCHW, nil
	case dims[3] == 3 || dims[3] == 1:
		return imageutil.NHWC, nil
	}
	return "", fmt.Errorf("cannot infer tensor layout from input shape %s", dims)
}

// ModelInputSize resolves the spatial size the model expects. Dynamic
// spatial axes fall back to 224x224, the common default for classification
// models.
func ModelInputSize(model *Model, format imageutil.Format) imageutil.Size {
	dims := model.InputsMeta[0].Dimensions
	var h, w int64
	if format == imageutil.NCHW {
		h, w = dims[2], dims[3]
	} else {
		h, w = dims[1], dims[2]
	}
	if h <= 0 || w <= 0 {
		return imageutil.Size{Height: 224, Width: 224}
	}
	return imageutil.Size{Height: safeconv.Int64ToInt(h), Width: safeconv.Int64ToInt(w)}
}

// PreprocessImages chains the preprocessing steps over each image and packs
// the batch into a single tensor in the requested layout. Images whose
// processed size still differs from the target are stretch-resized so that
// the batch is always rectangular and matches the model input.
func PreprocessImages(images []image.Image, format imageutil.Format, target imageutil.Size, preprocess []imageutil.PreprocessStep, normalize []imageutil.NormalizationStep) (*imageutil.Tensor, error) {
	if len(images) == 0 {
		return nil, errors.New("no images provided")
	}
	n := len(images)
	h, w := target.Height, target.Width
	data := make([]float32, n*3*h*w)

	for i, img := range images {
		processed := img
		for _, step := range preprocess {
			var err error
			processed, err = step.Apply(processed)
			if err != nil {
				return nil, fmt.Errorf("failed to apply preprocessing step: %w", err)
			}
		}
		bounds := processed.Bounds()
		if bounds.Dx() != w || bounds.Dy() != h {
			resized, err := imageutil.Resize(processed, w, h)
			if err != nil {
				return nil, err
			}
			processed = resized
			bounds = processed.Bounds()
		}
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				r, g, b, _ := processed.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
				rf := float32(r >> 8)
				gf := float32(g >> 8)
				bf := float32(b >> 8)
				for _, step := range normalize {
					rf, gf, bf = step.Apply(rf, gf, bf)
				}
				if format == imageutil.NCHW {
					data[((i*3+0)*h+y)*w+x] = rf
					data[((i*3+1)*h+y)*w+x] = gf
					data[((i*3+2)*h+y)*w+x] = bf
				} else {
					offset := ((i*h+y)*w + x) * 3
					data[offset] = rf
					data[offset+1] = gf
					data[offset+2] = bf
				}
			}
		}
	}

	shape := []int64{int64(n), 3, int64(h), int64(w)}
	if format == imageutil.NHWC {
		shape = []int64{int64(n), int64(h), int64(w), 3}
	}
	return &imageutil.Tensor{Data: data, Shape: shape, Format: format}, nil
}

// resolveMaskShape fills the dynamic axes of a pixel mask input: the batch
// axis from the batch size, spatial axes from the image tensor.
func resolveMaskShape(dims Shape, batchSize int, height, width int64) []int64 {
	shape := make([]int64, len(dims))
	for i, d := range dims {
		switch {
		case i == 0:
			shape[i] = int64(batchSize)
		case d > 0:
			shape[i] = d
		case len(dims) == 4 && i == 1:
			shape[i] = 1
		case i == len(dims)-1:
			shape[i] = width
		default:
			shape[i] = height
		}
	}
	return shape
}

// CreateImageTensors turns the batch's image tensor into backend input
// tensors. The backend tensors are registered with the environment's memory
// accounting and released again when the batch is destroyed.
func CreateImageTensors(batch *PipelineBatch, model *Model, t *imageutil.Tensor) error {
	if t == nil || len(t.Data) == 0 {
		return errors.New("no preprocessed images provided")
	}
	if err := model.CheckLoaded(); err != nil {
		return err
	}
	batch.Input = t
	switch model.Environment.RuntimeBackend {
	case CUDA, TensorRT, CPU:
		return createImageTensorsORT(batch, model, t)
	case Go:
		return createImageTensorsGo(batch, model, t)
	}
	return fmt.Errorf("backend %s is not supported for image tensors", model.Environment.RuntimeBackend)
}

// RunSessionOnBatch runs one forward pass for the batch on the pipeline's
// model. Output backend tensors never survive this call: their data is
// copied out and they are destroyed before it returns.
func RunSessionOnBatch(batch *PipelineBatch, p *BasePipeline) error {
	if err := p.Model.CheckLoaded(); err != nil {
		return err
	}
	switch p.Runtime {
	case CUDA, TensorRT, CPU:
		return runORTSessionOnBatch(batch, p.Model)
	case Go:
		return runGoSessionOnBatch(batch, p.Model)
	}
	return fmt.Errorf("backend %s is not supported", p.Runtime)
}

func NewBasePipeline[T Pipeline](config PipelineConfig[T], env *Environment, model *Model) (*BasePipeline, error) {
	if env == nil {
		return nil, &NotInitializedError{Op: "create pipeline " + config.Name}
	}
	pipeline := &BasePipeline{}
	pipeline.Runtime = env.RuntimeBackend
	pipeline.PipelineName = config.Name
	pipeline.Model = model
	pipeline.PipelineTimings = &timings{}
	return pipeline, nil
}

func CreateModelBackend(model *Model, env *Environment) error {
	var err error
	switch {
	case env.RuntimeBackend.ORTFamily():
		err = createORTModelBackend(model, env)
	case env.RuntimeBackend == Go:
		err = createGoModelBackend(model)
	default:
		err = fmt.Errorf("unknown backend %q", env.RuntimeBackend)
	}
	return err
}
