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
	"github.com/sightglass-ml/sightglass/util/vectorutil"
)

// ImageEmbeddingPipeline turns images into dense embedding vectors, for
// similarity search and recognition. Models that output token sequences are
// mean pooled to a single vector per image.
type ImageEmbeddingPipeline struct {
	*backends.BasePipeline
	imageProcessor
	OutputName string
	normalize  bool
}

type ImageEmbeddingOutput struct {
	Embeddings [][]float32
}

func (o *ImageEmbeddingOutput) GetOutput() []any {
	out := make([]any, len(o.Embeddings))
	for i, embedding := range o.Embeddings {
		out[i] = any(embedding)
	}
	return out
}

// WithEmbeddingNormalization scales each embedding to unit L2 norm, so that
// dot products become cosine similarities.
func WithEmbeddingNormalization() backends.PipelineOption[*ImageEmbeddingPipeline] {
	return func(p *ImageEmbeddingPipeline) error {
		p.normalize = true
		return nil
	}
}

// WithEmbeddingOutputName names the model output holding the embedding, for
// models with more than one output.
func WithEmbeddingOutputName(name string) backends.PipelineOption[*ImageEmbeddingPipeline] {
	return func(p *ImageEmbeddingPipeline) error {
		p.OutputName = name
		return nil
	}
}

// NewImageEmbeddingPipeline initializes an image embedding pipeline.
func NewImageEmbeddingPipeline(config backends.PipelineConfig[*ImageEmbeddingPipeline], env *backends.Environment, model *backends.Model) (*ImageEmbeddingPipeline, error) {
	base, err := backends.NewBasePipeline(config, env, model)
	if err != nil {
		return nil, err
	}
	p := &ImageEmbeddingPipeline{BasePipeline: base}
	for _, o := range config.Options {
		if err = o(p); err != nil {
			return nil, err
		}
	}
	if err = p.configure(model, imageutil.RescaleStep(), imageutil.ImagenetPixelNormalizationStep()); err != nil {
		return nil, err
	}
	if err = p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Interface implementations.
func (p *ImageEmbeddingPipeline) GetModel() *backends.Model { return p.Model }

func (p *ImageEmbeddingPipeline) GetMetadata() backends.PipelineMetadata {
	outputs := make([]backends.OutputInfo, len(p.Model.OutputsMeta))
	for i, o := range p.Model.OutputsMeta {
		outputs[i] = backends.OutputInfo{Name: o.Name, Dimensions: o.Dimensions}
	}
	return backends.PipelineMetadata{OutputsInfo: outputs}
}

func (p *ImageEmbeddingPipeline) GetStats() []string {
	return []string{
		fmt.Sprintf("Statistics for pipeline: %s", p.PipelineName),
		fmt.Sprintf("ONNX: Total time=%s, Execution count=%d, Average query time=%s",
			safeconv.U64ToDuration(p.PipelineTimings.TotalNS),
			p.PipelineTimings.NumCalls,
			time.Duration(float64(p.PipelineTimings.TotalNS)/math.Max(1, float64(p.PipelineTimings.NumCalls)))),
		fmt.Sprintf("Images: Processed count=%d", atomic.LoadUint64(&p.ImagesProcessed)),
	}
}

func (p *ImageEmbeddingPipeline) GetStatistics() backends.PipelineStatistics {
	stats := backends.PipelineStatistics{}
	stats.ComputeStatistics(p.PipelineTimings, atomic.LoadUint64(&p.ImagesProcessed))
	return stats
}

func (p *ImageEmbeddingPipeline) Validate() error {
	var errs []error
	for _, input := range p.Model.InputsMeta {
		if len(input.Dimensions) != 4 {
			errs = append(errs, fmt.Errorf("input %s must be 4D image tensor", input.Name))
		}
	}
	if len(p.Model.OutputsMeta) == 0 {
		errs = append(errs, errors.New("model has no outputs"))
	}
	return errors.Join(errs...)
}

func (p *ImageEmbeddingPipeline) Preprocess(batch *backends.PipelineBatch, inputs []image.Image) error {
	return p.preprocess(batch, inputs, p.Model)
}

func (p *ImageEmbeddingPipeline) Forward(batch *backends.PipelineBatch) error {
	start := time.Now()
	if err := backends.RunSessionOnBatch(batch, p.BasePipeline); err != nil {
		return err
	}
	atomic.AddUint64(&p.PipelineTimings.NumCalls, 1)
	atomic.AddUint64(&p.PipelineTimings.TotalNS, safeconv.DurationToU64(time.Since(start)))
	atomic.AddUint64(&p.ImagesProcessed, uint64(batch.Size))
	return nil
}

// Postprocess extracts one embedding per image, mean pooling token
// sequences, and optionally normalizes to unit length.
func (p *ImageEmbeddingPipeline) Postprocess(batch *backends.PipelineBatch) (*ImageEmbeddingOutput, error) {
	output, err := p.embeddingOutput(batch)
	if err != nil {
		return nil, err
	}

	var embeddings [][]float32
	switch len(output.Shape) {
	case 2:
		rows, err := output.To2D()
		if err != nil {
			return nil, err
		}
		embeddings = make([][]float32, len(rows))
		for i, row := range rows {
			embeddings[i] = append([]float32{}, row...)
		}
	case 3:
		sequences, err := output.To3D()
		if err != nil {
			return nil, err
		}
		embeddings = make([][]float32, len(sequences))
		for i, tokens := range sequences {
			embeddings[i] = meanPool(tokens)
		}
	default:
		return nil, fmt.Errorf("output %s has shape %s, expected [batch, dim] or [batch, tokens, dim]", output.Name, output.Shape)
	}

	if p.normalize {
		for i := range embeddings {
			embeddings[i] = vectorutil.Normalize(embeddings[i], 2)
		}
	}
	return &ImageEmbeddingOutput{Embeddings: embeddings}, nil
}

func (p *ImageEmbeddingPipeline) embeddingOutput(batch *backends.PipelineBatch) (*backends.RawOutput, error) {
	if len(batch.Outputs) == 0 {
		return nil, errors.New("no inference outputs to postprocess")
	}
	if p.OutputName == "" {
		return &batch.Outputs[0], nil
	}
	for i := range batch.Outputs {
		if batch.Outputs[i].Name == p.OutputName {
			return &batch.Outputs[i], nil
		}
	}
	return nil, fmt.Errorf("output %s not found", p.OutputName)
}

func meanPool(tokens [][]float32) []float32 {
	if len(tokens) == 0 {
		return nil
	}
	pooled := make([]float32, len(tokens[0]))
	for _, token := range tokens {
		for d, v := range token {
			pooled[d] += v
		}
	}
	for d := range pooled {
		pooled[d] /= float32(len(tokens))
	}
	return pooled
}

// Run runs the pipeline on a batch of image file paths.
func (p *ImageEmbeddingPipeline) Run(inputs []string) (backends.PipelineBatchOutput, error) {
	return p.RunPipeline(inputs)
}

func (p *ImageEmbeddingPipeline) RunPipeline(inputs []string) (*ImageEmbeddingOutput, error) {
	images, err := imageutil.LoadImagesFromPaths(context.Background(), inputs)
	if err != nil {
		return nil, fmt.Errorf("failed to load images: %w", err)
	}
	return p.RunWithImages(images)
}

func (p *ImageEmbeddingPipeline) RunWithImages(inputs []image.Image) (*ImageEmbeddingOutput, error) {
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
