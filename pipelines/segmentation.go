package pipelines

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"sync/atomic"
	"time"

	"github.com/sightglass-ml/sightglass/backends"
	"github.com/sightglass-ml/sightglass/util/imageutil"
	"github.com/sightglass-ml/sightglass/util/safeconv"
)

// SemanticSegmentationPipeline assigns a class to every pixel. It supports
// models that output a per-class score plane per pixel.
type SemanticSegmentationPipeline struct {
	*backends.BasePipeline
	imageProcessor
	IDLabelMap map[int]string
}

// SegmentationMask is the winning class per pixel at the model's output
// resolution, row major.
type SegmentationMask struct {
	Width   int
	Height  int
	Classes []int32
	// PixelCounts maps each label present in the mask to its pixel count.
	PixelCounts map[string]int
}

// At returns the class index at a pixel.
func (m *SegmentationMask) At(x, y int) int32 {
	return m.Classes[y*m.Width+x]
}

type SemanticSegmentationOutput struct {
	Masks []SegmentationMask
}

func (o *SemanticSegmentationOutput) GetOutput() []any {
	out := make([]any, len(o.Masks))
	for i := range o.Masks {
		out[i] = any(o.Masks[i])
	}
	return out
}

// NewSemanticSegmentationPipeline initializes a semantic segmentation
// pipeline.
func NewSemanticSegmentationPipeline(config backends.PipelineConfig[*SemanticSegmentationPipeline], env *backends.Environment, model *backends.Model) (*SemanticSegmentationPipeline, error) {
	base, err := backends.NewBasePipeline(config, env, model)
	if err != nil {
		return nil, err
	}
	p := &SemanticSegmentationPipeline{BasePipeline: base}
	for _, o := range config.Options {
		if err = o(p); err != nil {
			return nil, err
		}
	}
	p.IDLabelMap = model.IDLabelMap
	if err = p.configure(model, imageutil.RescaleStep(), imageutil.ImagenetPixelNormalizationStep()); err != nil {
		return nil, err
	}
	if err = p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Interface implementations.
func (p *SemanticSegmentationPipeline) GetModel() *backends.Model { return p.Model }

func (p *SemanticSegmentationPipeline) GetMetadata() backends.PipelineMetadata {
	outputs := make([]backends.OutputInfo, len(p.Model.OutputsMeta))
	for i, o := range p.Model.OutputsMeta {
		outputs[i] = backends.OutputInfo{Name: o.Name, Dimensions: o.Dimensions}
	}
	return backends.PipelineMetadata{OutputsInfo: outputs}
}

func (p *SemanticSegmentationPipeline) GetStats() []string {
	return []string{
		fmt.Sprintf("Statistics for pipeline: %s", p.PipelineName),
		fmt.Sprintf("ONNX: Total time=%s, Execution count=%d, Average query time=%s",
			safeconv.U64ToDuration(p.PipelineTimings.TotalNS),
			p.PipelineTimings.NumCalls,
			time.Duration(float64(p.PipelineTimings.TotalNS)/math.Max(1, float64(p.PipelineTimings.NumCalls)))),
		fmt.Sprintf("Images: Processed count=%d", atomic.LoadUint64(&p.ImagesProcessed)),
	}
}

func (p *SemanticSegmentationPipeline) GetStatistics() backends.PipelineStatistics {
	stats := backends.PipelineStatistics{}
	stats.ComputeStatistics(p.PipelineTimings, atomic.LoadUint64(&p.ImagesProcessed))
	return stats
}

func (p *SemanticSegmentationPipeline) Validate() error {
	var errs []error
	for _, input := range p.Model.InputsMeta {
		if len(input.Dimensions) != 4 {
			errs = append(errs, fmt.Errorf("input %s must be 4D image tensor", input.Name))
		}
	}
	if len(p.Model.OutputsMeta) == 0 {
		errs = append(errs, errors.New("model has no outputs"))
	} else if dims := p.Model.OutputsMeta[0].Dimensions; len(dims) != 4 {
		errs = append(errs, fmt.Errorf("output %s must be a [batch, classes, height, width] tensor", p.Model.OutputsMeta[0].Name))
	}
	return errors.Join(errs...)
}

func (p *SemanticSegmentationPipeline) Preprocess(batch *backends.PipelineBatch, inputs []image.Image) error {
	return p.preprocess(batch, inputs, p.Model)
}

func (p *SemanticSegmentationPipeline) Forward(batch *backends.PipelineBatch) error {
	start := time.Now()
	if err := backends.RunSessionOnBatch(batch, p.BasePipeline); err != nil {
		return err
	}
	atomic.AddUint64(&p.PipelineTimings.NumCalls, 1)
	atomic.AddUint64(&p.PipelineTimings.TotalNS, safeconv.DurationToU64(time.Since(start)))
	atomic.AddUint64(&p.ImagesProcessed, uint64(batch.Size))
	return nil
}

// Postprocess takes the class with the highest score at every pixel and
// tallies the pixel counts per label.
func (p *SemanticSegmentationPipeline) Postprocess(batch *backends.PipelineBatch) (*SemanticSegmentationOutput, error) {
	if len(batch.Outputs) == 0 {
		return nil, errors.New("no inference outputs to postprocess")
	}
	// logits [batch][classes][height][width]
	logits, err := batch.Outputs[0].To4D()
	if err != nil {
		return nil, err
	}

	out := &SemanticSegmentationOutput{Masks: make([]SegmentationMask, len(logits))}
	for b, planes := range logits {
		numClasses := len(planes)
		if numClasses == 0 {
			return nil, errors.New("segmentation output has no class planes")
		}
		height := len(planes[0])
		width := 0
		if height > 0 {
			width = len(planes[0][0])
		}

		mask := SegmentationMask{
			Width:       width,
			Height:      height,
			Classes:     make([]int32, height*width),
			PixelCounts: map[string]int{},
		}
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				best := 0
				bestScore := planes[0][y][x]
				for c := 1; c < numClasses; c++ {
					if planes[c][y][x] > bestScore {
						bestScore = planes[c][y][x]
						best = c
					}
				}
				mask.Classes[y*width+x] = int32(best)
				label := fmt.Sprintf("class_%d", best)
				if l, ok := p.IDLabelMap[best]; ok {
					label = l
				}
				mask.PixelCounts[label]++
			}
		}
		out.Masks[b] = mask
	}
	return out, nil
}

// Run runs the pipeline on a batch of image file paths.
func (p *SemanticSegmentationPipeline) Run(inputs []string) (backends.PipelineBatchOutput, error) {
	return p.RunPipeline(inputs)
}

func (p *SemanticSegmentationPipeline) RunPipeline(inputs []string) (*SemanticSegmentationOutput, error) {
	images, err := imageutil.LoadImagesFromPaths(context.Background(), inputs)
	if err != nil {
		return nil, fmt.Errorf("failed to load images: %w", err)
	}
	return p.RunWithImages(images)
}

func (p *SemanticSegmentationPipeline) RunWithImages(inputs []image.Image) (*SemanticSegmentationOutput, error) {
	var runErrors []error
	batch := backends.NewBatch(len(inputs))
	defer func(*backends.PipelineBatch) {
		runErrors = append(runErrors, batch.Destroy())
	}(batch)

	runErrors = append(runErrors, p.Preprocess(batch, inputs))
	if e := errors.Join(runErrors...); e != nil {
		return nil, e
	}

	runErrors = append(runErrors, p.Forward(batch))
	if e := errors.Join(runErrors...); e != nil {
		return nil, e
	}

	result, postErr := p.Postprocess(batch)
	runErrors = append(runErrors, postErr)
	return result, errors.Join(runErrors...)
}
