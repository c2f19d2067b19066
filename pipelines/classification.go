package pipelines

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"sort"
	"sync/atomic"
	"time"

	"github.com/sightglass-ml/sightglass/backends"
	"github.com/sightglass-ml/sightglass/util/imageutil"
	"github.com/sightglass-ml/sightglass/util/safeconv"
	"github.com/sightglass-ml/sightglass/util/vectorutil"
)

// ImageClassificationPipeline assigns class labels to whole images. It takes
// images as file paths, as image.Image or as preprocessed tensors, and
// returns the top-k classes per image sorted by probability.
type ImageClassificationPipeline struct {
	*backends.BasePipeline
	imageProcessor
	TopK       int
	Threshold  float32
	IDLabelMap map[int]string
	useSigmoid bool
}

type ImageClassificationResult struct {
	Label      string
	Score      float32
	ClassIndex int
}

type ImageClassificationOutput struct {
	Predictions [][]ImageClassificationResult // batch of results
}

func (o *ImageClassificationOutput) GetOutput() []any {
	out := make([]any, len(o.Predictions))
	for i, preds := range o.Predictions {
		out[i] = any(preds)
	}
	return out
}

// PredictOptions control a single classification call. TopK must be at
// least 1. Predictions scoring strictly below Threshold are dropped, so the
// zero value keeps every class.
type PredictOptions struct {
	TopK      int
	Threshold float32
}

// WithTopK sets the default number of top classes returned per image.
func WithTopK(topK int) backends.PipelineOption[*ImageClassificationPipeline] {
	return func(pipeline *ImageClassificationPipeline) error {
		if topK < 1 {
			return fmt.Errorf("topK must be at least 1, got %d", topK)
		}
		pipeline.TopK = topK
		return nil
	}
}

// WithScoreThreshold sets the default probability below which predictions
// are dropped from the results.
func WithScoreThreshold(threshold float32) backends.PipelineOption[*ImageClassificationPipeline] {
	return func(pipeline *ImageClassificationPipeline) error {
		pipeline.Threshold = threshold
		return nil
	}
}

// WithSigmoid scores classes independently through a sigmoid instead of a
// softmax distribution, for multi-label models.
func WithSigmoid() backends.PipelineOption[*ImageClassificationPipeline] {
	return func(pipeline *ImageClassificationPipeline) error {
		pipeline.useSigmoid = true
		return nil
	}
}

// NewImageClassificationPipeline initializes an image classification
// pipeline on the environment's backend.
func NewImageClassificationPipeline(config backends.PipelineConfig[*ImageClassificationPipeline], env *backends.Environment, model *backends.Model) (*ImageClassificationPipeline, error) {
	defaultPipeline, err := backends.NewBasePipeline(config, env, model)
	if err != nil {
		return nil, err
	}

	pipeline := &ImageClassificationPipeline{BasePipeline: defaultPipeline, TopK: 5}
	for _, o := range config.Options {
		err = o(pipeline)
		if err != nil {
			return nil, err
		}
	}

	pipeline.IDLabelMap = model.IDLabelMap
	if err = pipeline.configure(model, imageutil.RescaleStep()); err != nil {
		return nil, err
	}

	// validate pipeline
	err = pipeline.Validate()
	if err != nil {
		return nil, err
	}
	return pipeline, nil
}

// INTERFACE IMPLEMENTATIONS

func (p *ImageClassificationPipeline) GetModel() *backends.Model {
	return p.BasePipeline.Model
}

func (p *ImageClassificationPipeline) GetMetadata() backends.PipelineMetadata {
	return backends.PipelineMetadata{
		OutputsInfo: []backends.OutputInfo{
			{
				Name:       p.Model.OutputsMeta[0].Name,
				Dimensions: p.Model.OutputsMeta[0].Dimensions,
			},
		},
	}
}

func (p *ImageClassificationPipeline) GetStats() []string {
	return []string{
		fmt.Sprintf("Statistics for pipeline: %s", p.PipelineName),
		fmt.Sprintf("ONNX: Total time=%s, Execution count=%d, Average query time=%s",
			safeconv.U64ToDuration(p.PipelineTimings.TotalNS),
			p.PipelineTimings.NumCalls,
			time.Duration(float64(p.PipelineTimings.TotalNS)/math.Max(1, float64(p.PipelineTimings.NumCalls)))),
		fmt.Sprintf("Images: Processed count=%d", atomic.LoadUint64(&p.ImagesProcessed)),
	}
}

func (p *ImageClassificationPipeline) GetStatistics() backends.PipelineStatistics {
	stats := backends.PipelineStatistics{}
	stats.ComputeStatistics(p.PipelineTimings, atomic.LoadUint64(&p.ImagesProcessed))
	return stats
}

func (p *ImageClassificationPipeline) Validate() error {
	var validationErrors []error
	if p.TopK < 1 {
		validationErrors = append(validationErrors, fmt.Errorf("topK must be at least 1, got %d", p.TopK))
	}
	for _, input := range p.Model.InputsMeta {
		dims := []int64(input.Dimensions)
		if len(dims) != 4 {
			validationErrors = append(validationErrors, fmt.Errorf("input %s: expected 4 dimensions (batch, channels, height, width), got %d", input.Name, len(dims)))
		}
	}
	if len(p.Model.OutputsMeta) == 0 {
		validationErrors = append(validationErrors, errors.New("model has no outputs"))
	}
	return errors.Join(validationErrors...)
}

// Preprocess converts the images into the model's input tensor and attaches
// it to the batch.
func (p *ImageClassificationPipeline) Preprocess(batch *backends.PipelineBatch, inputs []image.Image) error {
	return p.preprocess(batch, inputs, p.Model)
}

// PreprocessImage runs the pipeline's preprocessing chain for one image and
// returns the input tensor, without running inference.
func (p *ImageClassificationPipeline) PreprocessImage(img image.Image) (*imageutil.Tensor, error) {
	return p.tensorFor(img)
}

// Forward runs inference.
func (p *ImageClassificationPipeline) Forward(batch *backends.PipelineBatch) error {
	start := time.Now()
	if err := backends.RunSessionOnBatch(batch, p.BasePipeline); err != nil {
		return err
	}
	atomic.AddUint64(&p.PipelineTimings.NumCalls, 1)
	atomic.AddUint64(&p.PipelineTimings.TotalNS, safeconv.DurationToU64(time.Since(start)))
	atomic.AddUint64(&p.ImagesProcessed, uint64(batch.Size))
	return nil
}

// Postprocess maps logits to probabilities and returns the top predictions
// for each image, using the pipeline's default topK and threshold.
func (p *ImageClassificationPipeline) Postprocess(batch *backends.PipelineBatch) (*ImageClassificationOutput, error) {
	return p.postprocessWithOptions(batch, PredictOptions{TopK: p.TopK, Threshold: p.Threshold})
}

func (p *ImageClassificationPipeline) postprocessWithOptions(batch *backends.PipelineBatch, opts PredictOptions) (*ImageClassificationOutput, error) {
	if len(batch.Outputs) == 0 {
		return nil, errors.New("no inference outputs to postprocess")
	}
	output := batch.Outputs[0]

	var logits [][]float32
	switch len(output.Shape) {
	case 2:
		var err error
		logits, err = output.To2D()
		if err != nil {
			return nil, err
		}
	case 1:
		logits = [][]float32{output.Data}
	default:
		return nil, fmt.Errorf("output %s has shape %s, expected [batch, classes]", output.Name, output.Shape)
	}

	batchPreds := make([][]ImageClassificationResult, 0, len(logits))
	for _, logit := range logits {
		var probabilities []float32
		if p.useSigmoid {
			probabilities = vectorutil.Sigmoid(logit)
		} else {
			probabilities = vectorutil.SoftMax(logit)
		}
		batchPreds = append(batchPreds, getTopK(probabilities, opts.TopK, opts.Threshold, p.IDLabelMap))
	}
	return &ImageClassificationOutput{Predictions: batchPreds}, nil
}

// getTopK keeps the probabilities at or above threshold and returns the k
// best, sorted by descending probability with ties broken by ascending
// class index.
func getTopK(probabilities []float32, k int, threshold float32, labels map[int]string) []ImageClassificationResult {
	type kv struct {
		Idx int
		Val float32
	}
	arr := make([]kv, 0, len(probabilities))
	for i, v := range probabilities {
		if v >= threshold {
			arr = append(arr, kv{i, v})
		}
	}
	sort.Slice(arr, func(i, j int) bool {
		if arr[i].Val != arr[j].Val {
			return arr[i].Val > arr[j].Val
		}
		return arr[i].Idx < arr[j].Idx
	})
	if k > len(arr) {
		k = len(arr)
	}
	results := make([]ImageClassificationResult, 0, k)
	for i := 0; i < k; i++ {
		label := fmt.Sprintf("class_%d", arr[i].Idx)
		if labels != nil {
			if l, ok := labels[arr[i].Idx]; ok {
				label = l
			}
		}
		results = append(results, ImageClassificationResult{
			Label:      label,
			Score:      arr[i].Val,
			ClassIndex: arr[i].Idx,
		})
	}
	return results
}

// Predict classifies a preprocessed tensor with the pipeline's default
// options.
func (p *ImageClassificationPipeline) Predict(t *imageutil.Tensor) (*ImageClassificationOutput, error) {
	return p.PredictWithOptions(t, PredictOptions{TopK: p.TopK, Threshold: p.Threshold})
}

// PredictWithOptions classifies a preprocessed tensor. The tensor is
// transposed to the model's layout if needed; its spatial size must match
// the model input. All backend tensors created for the call are released
// before it returns.
func (p *ImageClassificationPipeline) PredictWithOptions(t *imageutil.Tensor, opts PredictOptions) (*ImageClassificationOutput, error) {
	if opts.TopK < 1 {
		return nil, fmt.Errorf("topK must be at least 1, got %d", opts.TopK)
	}
	if err := p.Model.CheckLoaded(); err != nil {
		return nil, err
	}
	input := t.Transposed(p.format)
	if err := p.checkInput(input); err != nil {
		return nil, err
	}

	var runErrors []error
	batch := backends.NewBatch(int(input.Batch()))
	defer func(*backends.PipelineBatch) {
		runErrors = append(runErrors, batch.Destroy())
	}(batch)

	runErrors = append(runErrors, backends.CreateImageTensors(batch, p.Model, input))
	if e := errors.Join(runErrors...); e != nil {
		return nil, e
	}

	runErrors = append(runErrors, p.Forward(batch))
	if e := errors.Join(runErrors...); e != nil {
		return nil, e
	}

	result, postErr := p.postprocessWithOptions(batch, opts)
	runErrors = append(runErrors, postErr)
	return result, errors.Join(runErrors...)
}

// Run runs the pipeline on a batch of image file paths.
func (p *ImageClassificationPipeline) Run(inputs []string) (backends.PipelineBatchOutput, error) {
	return p.RunPipeline(inputs)
}

// RunPipeline returns the concrete output type.
func (p *ImageClassificationPipeline) RunPipeline(inputs []string) (*ImageClassificationOutput, error) {
	images, err := imageutil.LoadImagesFromPaths(context.Background(), inputs)
	if err != nil {
		return nil, fmt.Errorf("failed to load images: %w", err)
	}
	return p.RunWithImages(images)
}

func (p *ImageClassificationPipeline) RunWithImages(inputs []image.Image) (*ImageClassificationOutput, error) {
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
