package pipelines

import (
	"fmt"
	"image"

	"github.com/sightglass-ml/sightglass/backends"
	"github.com/sightglass-ml/sightglass/util/imageutil"
)

// imagePipeline is the minimal interface for pipelines that consume images.
// Every pipeline in this package implements it, so the options below can be
// shared across pipeline types without conflicting option names.
type imagePipeline interface {
	backends.Pipeline
	addPreprocessSteps(...imageutil.PreprocessStep)
	addNormalizationSteps(...imageutil.NormalizationStep)
	setImageFormat(imageutil.Format)
}

// WithPreprocessSteps adds image preprocessing steps, applied in order
// before the image is converted to a tensor.
func WithPreprocessSteps[T imagePipeline](steps ...imageutil.PreprocessStep) backends.PipelineOption[T] {
	return func(p T) error {
		p.addPreprocessSteps(steps...)
		return nil
	}
}

// WithNormalizationSteps sets the per-pixel normalization chain, replacing
// the pipeline's default rescaling.
func WithNormalizationSteps[T imagePipeline](steps ...imageutil.NormalizationStep) backends.PipelineOption[T] {
	return func(p T) error {
		p.addNormalizationSteps(steps...)
		return nil
	}
}

// WithNCHWFormat forces channels-first input tensors instead of detecting
// the layout from the model's input shape.
func WithNCHWFormat[T imagePipeline]() backends.PipelineOption[T] {
	return func(p T) error {
		p.setImageFormat(imageutil.NCHW)
		return nil
	}
}

// WithNHWCFormat forces channels-last input tensors instead of detecting
// the layout from the model's input shape.
func WithNHWCFormat[T imagePipeline]() backends.PipelineOption[T] {
	return func(p T) error {
		p.setImageFormat(imageutil.NHWC)
		return nil
	}
}

// imageProcessor holds the image-to-tensor configuration shared by all
// pipelines in this package. Pipelines embed it.
type imageProcessor struct {
	format             imageutil.Format
	targetSize         imageutil.Size
	preprocessSteps    []imageutil.PreprocessStep
	normalizationSteps []imageutil.NormalizationStep
}

func (ip *imageProcessor) addPreprocessSteps(steps ...imageutil.PreprocessStep) {
	ip.preprocessSteps = append(ip.preprocessSteps, steps...)
}

func (ip *imageProcessor) addNormalizationSteps(steps ...imageutil.NormalizationStep) {
	ip.normalizationSteps = append(ip.normalizationSteps, steps...)
}

func (ip *imageProcessor) setImageFormat(format imageutil.Format) {
	ip.format = format
}

// configure resolves the tensor layout and target size from the model once
// the options have been applied. Pipelines that were given no normalization
// chain fall back to the provided default.
func (ip *imageProcessor) configure(model *backends.Model, defaultNormalization ...imageutil.NormalizationStep) error {
	if ip.format == "" {
		format, err := backends.DetectImageTensorFormat(model)
		if err != nil {
			return err
		}
		ip.format = format
	}
	ip.targetSize = backends.ModelInputSize(model, ip.format)
	if len(ip.normalizationSteps) == 0 {
		ip.normalizationSteps = defaultNormalization
	}
	return nil
}

// preprocess converts a batch of images into the model's input tensor and
// registers it with the batch, recording the original sizes for
// postprocessing steps that map results back to image coordinates.
func (ip *imageProcessor) preprocess(batch *backends.PipelineBatch, images []image.Image, model *backends.Model) error {
	batch.OriginalSizes = make([]imageutil.Size, len(images))
	for i, img := range images {
		bounds := img.Bounds()
		batch.OriginalSizes[i] = imageutil.Size{Height: bounds.Dy(), Width: bounds.Dx()}
	}
	t, err := backends.PreprocessImages(images, ip.format, ip.targetSize, ip.preprocessSteps, ip.normalizationSteps)
	if err != nil {
		return fmt.Errorf("failed to preprocess images: %w", err)
	}
	return backends.CreateImageTensors(batch, model, t)
}

// tensorFor runs the full preprocessing chain for a single image and
// returns the resulting input tensor without touching any backend state.
func (ip *imageProcessor) tensorFor(img image.Image) (*imageutil.Tensor, error) {
	return backends.PreprocessImages([]image.Image{img}, ip.format, ip.targetSize, ip.preprocessSteps, ip.normalizationSteps)
}

// checkInput validates a caller-supplied tensor against the model input.
func (ip *imageProcessor) checkInput(t *imageutil.Tensor) error {
	if t == nil || len(t.Data) == 0 {
		return fmt.Errorf("input tensor is empty")
	}
	if int(t.Height()) != ip.targetSize.Height || int(t.Width()) != ip.targetSize.Width {
		return fmt.Errorf("input tensor is %dx%d, model expects %dx%d",
			t.Height(), t.Width(), ip.targetSize.Height, ip.targetSize.Width)
	}
	return nil
}
