package pipelines

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sightglass-ml/sightglass/backends"
	"github.com/sightglass-ml/sightglass/util/imageutil"
	"github.com/sightglass-ml/sightglass/util/safeconv"
	"github.com/sightglass-ml/sightglass/util/vectorutil"
)

// ObjectDetectionPipeline finds labelled bounding boxes in images. It
// supports models that output box coordinates and per-box class scores,
// such as the DETR family.
type ObjectDetectionPipeline struct {
	*backends.BasePipeline
	imageProcessor
	IDLabelMap     map[int]string
	BoxesOutput    string
	ScoresOutput   string
	ScoreThreshold float32
	IouThreshold   float32
	TopK           int
}

type Detection struct {
	// Box is [xmin, ymin, xmax, ymax] in pixels of the original image.
	Box   [4]float32
	Label string
	Score float32
	Class int
}

type ObjectDetectionOutput struct {
	Detections [][]Detection
}

func (o *ObjectDetectionOutput) GetOutput() []any {
	out := make([]any, len(o.Detections))
	for i, dets := range o.Detections {
		out[i] = any(dets)
	}
	return out
}

// Options.

// WithBoxesOutput names the model output holding box coordinates, for
// models where it cannot be inferred from the output names.
func WithBoxesOutput(name string) backends.PipelineOption[*ObjectDetectionPipeline] {
	return func(p *ObjectDetectionPipeline) error { p.BoxesOutput = name; return nil }
}

// WithScoresOutput names the model output holding class scores.
func WithScoresOutput(name string) backends.PipelineOption[*ObjectDetectionPipeline] {
	return func(p *ObjectDetectionPipeline) error { p.ScoresOutput = name; return nil }
}

func WithDetectionScoreThreshold(th float32) backends.PipelineOption[*ObjectDetectionPipeline] {
	return func(p *ObjectDetectionPipeline) error { p.ScoreThreshold = th; return nil }
}

func WithDetectionIouThreshold(th float32) backends.PipelineOption[*ObjectDetectionPipeline] {
	return func(p *ObjectDetectionPipeline) error { p.IouThreshold = th; return nil }
}

func WithDetectionTopK(k int) backends.PipelineOption[*ObjectDetectionPipeline] {
	return func(p *ObjectDetectionPipeline) error { p.TopK = k; return nil }
}

// NewObjectDetectionPipeline initializes an object detection pipeline.
func NewObjectDetectionPipeline(config backends.PipelineConfig[*ObjectDetectionPipeline], env *backends.Environment, model *backends.Model) (*ObjectDetectionPipeline, error) {
	base, err := backends.NewBasePipeline(config, env, model)
	if err != nil {
		return nil, err
	}
	p := &ObjectDetectionPipeline{BasePipeline: base, ScoreThreshold: 0.25, IouThreshold: 0.45, TopK: 100}
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
func (p *ObjectDetectionPipeline) GetModel() *backends.Model { return p.Model }

func (p *ObjectDetectionPipeline) GetMetadata() backends.PipelineMetadata {
	outputs := make([]backends.OutputInfo, len(p.Model.OutputsMeta))
	for i, o := range p.Model.OutputsMeta {
		outputs[i] = backends.OutputInfo{Name: o.Name, Dimensions: o.Dimensions}
	}
	return backends.PipelineMetadata{OutputsInfo: outputs}
}

func (p *ObjectDetectionPipeline) GetStats() []string {
	return []string{
		fmt.Sprintf("Statistics for pipeline: %s", p.PipelineName),
		fmt.Sprintf("ONNX: Total time=%s, Execution count=%d, Average query time=%s",
			safeconv.U64ToDuration(p.PipelineTimings.TotalNS),
			p.PipelineTimings.NumCalls,
			time.Duration(float64(p.PipelineTimings.TotalNS)/math.Max(1, float64(p.PipelineTimings.NumCalls)))),
		fmt.Sprintf("Images: Processed count=%d", atomic.LoadUint64(&p.ImagesProcessed)),
	}
}

func (p *ObjectDetectionPipeline) GetStatistics() backends.PipelineStatistics {
	stats := backends.PipelineStatistics{}
	stats.ComputeStatistics(p.PipelineTimings, atomic.LoadUint64(&p.ImagesProcessed))
	return stats
}

func (p *ObjectDetectionPipeline) Validate() error {
	var errs []error
	for _, input := range p.Model.InputsMeta {
		lower := strings.ToLower(input.Name)
		if strings.Contains(lower, "mask") {
			if len(input.Dimensions) != 3 && len(input.Dimensions) != 4 {
				errs = append(errs, fmt.Errorf("input %s must be a 3D or 4D mask tensor", input.Name))
			}
			continue
		}
		if len(input.Dimensions) != 4 {
			errs = append(errs, fmt.Errorf("input %s must be 4D image tensor", input.Name))
		}
	}
	if p.BoxesOutput == "" || p.ScoresOutput == "" {
		var boxes, scores string
		for _, o := range p.Model.OutputsMeta {
			lower := strings.ToLower(o.Name)
			if boxes == "" && strings.Contains(lower, "box") {
				boxes = o.Name
			}
			if scores == "" && (strings.Contains(lower, "logit") || strings.Contains(lower, "score") || strings.Contains(lower, "class")) {
				scores = o.Name
			}
		}
		if boxes == "" || scores == "" {
			errs = append(errs, fmt.Errorf("could not infer boxes/scores outputs; set WithBoxesOutput/WithScoresOutput"))
		} else {
			p.BoxesOutput, p.ScoresOutput = boxes, scores
		}
	}
	return errors.Join(errs...)
}

// Preprocess images into tensors.
func (p *ObjectDetectionPipeline) Preprocess(batch *backends.PipelineBatch, inputs []image.Image) error {
	return p.preprocess(batch, inputs, p.Model)
}

// Forward inference.
func (p *ObjectDetectionPipeline) Forward(batch *backends.PipelineBatch) error {
	start := time.Now()
	if err := backends.RunSessionOnBatch(batch, p.BasePipeline); err != nil {
		return err
	}
	atomic.AddUint64(&p.PipelineTimings.NumCalls, 1)
	atomic.AddUint64(&p.PipelineTimings.TotalNS, safeconv.DurationToU64(time.Since(start)))
	atomic.AddUint64(&p.ImagesProcessed, uint64(batch.Size))
	return nil
}

// Postprocess decodes boxes and scores, applies the score threshold and
// non max suppression, and scales the boxes back to the original images.
func (p *ObjectDetectionPipeline) Postprocess(batch *backends.PipelineBatch) (*ObjectDetectionOutput, error) {
	var boxesOut, scoresOut *backends.RawOutput
	for i := range batch.Outputs {
		switch batch.Outputs[i].Name {
		case p.BoxesOutput:
			boxesOut = &batch.Outputs[i]
		case p.ScoresOutput:
			scoresOut = &batch.Outputs[i]
		}
	}
	if boxesOut == nil || scoresOut == nil {
		return nil, fmt.Errorf("boxes/scores outputs not found")
	}

	// boxes [batch][num][4], scores [batch][num][num_classes]
	boxes, err := boxesOut.To3D()
	if err != nil {
		return nil, err
	}
	scores, err := scoresOut.To3D()
	if err != nil {
		return nil, err
	}
	if len(boxes) != len(scores) {
		return nil, fmt.Errorf("boxes and scores disagree on batch size: %d vs %d", len(boxes), len(scores))
	}

	out := &ObjectDetectionOutput{Detections: make([][]Detection, len(boxes))}
	for b := range boxes {
		dets := decodeDetections(boxes[b], scores[b], p.IDLabelMap, p.ScoreThreshold, p.TopK)
		dets = nonMaxSuppress(dets, p.IouThreshold)
		if b < len(batch.OriginalSizes) {
			scaleDetections(dets, batch.OriginalSizes[b])
		}
		out.Detections[b] = dets
	}
	return out, nil
}

func decodeDetections(boxes [][]float32, scores [][]float32, labels map[int]string, scoreTh float32, topK int) []Detection {
	type cand struct {
		idx   int
		cls   int
		score float32
	}
	var cands []cand
	// Activate logits with softmax per box and pick best class (skip the
	// no-object class id 0).
	for i := range scores {
		probs := vectorutil.SoftMax(scores[i])
		bestCls := -1
		bestScore := float32(0)
		for c, prob := range probs {
			if c == 0 {
				continue
			}
			if prob > bestScore {
				bestScore = prob
				bestCls = c
			}
		}
		if bestCls >= 0 && bestScore >= scoreTh {
			cands = append(cands, cand{idx: i, cls: bestCls, score: bestScore})
		}
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].score != cands[j].score {
			return cands[i].score > cands[j].score
		}
		return cands[i].idx < cands[j].idx
	})
	if topK > 0 && topK < len(cands) {
		cands = cands[:topK]
	}
	dets := make([]Detection, 0, len(cands))
	for _, cd := range cands {
		box := convertBoxToCorners(boxes[cd.idx])
		label := fmt.Sprintf("class_%d", cd.cls)
		if labels != nil {
			if l, ok := labels[cd.cls]; ok {
				label = l
			}
		}
		dets = append(dets, Detection{Box: [4]float32{box[0], box[1], box[2], box[3]}, Label: label, Score: cd.score, Class: cd.cls})
	}
	return dets
}

// convertBoxToCorners assumes input box is [cx, cy, w, h] normalized to [0,1].
func convertBoxToCorners(b []float32) []float32 {
	if len(b) != 4 {
		return []float32{0, 0, 0, 0}
	}
	cx, cy, w, h := b[0], b[1], b[2], b[3]
	x1 := cx - w/2
	y1 := cy - h/2
	x2 := cx + w/2
	y2 := cy + h/2
	return []float32{x1, y1, x2, y2}
}

// scaleDetections maps normalized box corners to pixel coordinates of the
// original image.
func scaleDetections(dets []Detection, size imageutil.Size) {
	w := float32(size.Width)
	h := float32(size.Height)
	if w <= 0 || h <= 0 {
		return
	}
	for i := range dets {
		dets[i].Box[0] *= w
		dets[i].Box[1] *= h
		dets[i].Box[2] *= w
		dets[i].Box[3] *= h
	}
}

func iou(a, b [4]float32) float32 {
	ax1, ay1, ax2, ay2 := a[0], a[1], a[2], a[3]
	bx1, by1, bx2, by2 := b[0], b[1], b[2], b[3]
	interX1 := float32(math.Max(float64(ax1), float64(bx1)))
	interY1 := float32(math.Max(float64(ay1), float64(by1)))
	interX2 := float32(math.Min(float64(ax2), float64(bx2)))
	interY2 := float32(math.Min(float64(ay2), float64(by2)))
	iw := interX2 - interX1
	ih := interY2 - interY1
	if iw <= 0 || ih <= 0 {
		return 0
	}
	inter := iw * ih
	areaA := (ax2 - ax1) * (ay2 - ay1)
	areaB := (bx2 - bx1) * (by2 - by1)
	union := areaA + areaB - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

func nonMaxSuppress(dets []Detection, iouTh float32) []Detection {
	var keep []Detection
	for _, d := range dets {
		suppressed := false
		for _, k := range keep {
			if d.Class == k.Class && iou(d.Box, k.Box) > iouTh {
				suppressed = true
				break
			}
		}
		if !suppressed {
			keep = append(keep, d)
		}
	}
	return keep
}

// Run with file paths.
func (p *ObjectDetectionPipeline) Run(inputs []string) (backends.PipelineBatchOutput, error) {
	return p.RunPipeline(inputs)
}

func (p *ObjectDetectionPipeline) RunPipeline(inputs []string) (*ObjectDetectionOutput, error) {
	imgs, err := imageutil.LoadImagesFromPaths(context.Background(), inputs)
	if err != nil {
		return nil, fmt.Errorf("failed to load images: %w", err)
	}
	return p.RunWithImages(imgs)
}

func (p *ObjectDetectionPipeline) RunWithImages(inputs []image.Image) (*ObjectDetectionOutput, error) {
	var errs []error
	batch := backends.NewBatch(len(inputs))
	defer func(*backends.PipelineBatch) { errs = append(errs, batch.Destroy()) }(batch)
	errs = append(errs, p.Preprocess(batch, inputs))
	if e := errors.Join(errs...); e != nil {
		return nil, e
	}
	errs = append(errs, p.Forward(batch))
	if e := errors.Join(errs...); e != nil {
		return nil, e
	}
	res, postErr := p.Postprocess(batch)
	errs = append(errs, postErr)
	return res, errors.Join(errs...)
}
