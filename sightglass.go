package sightglass

import (
	"errors"
	"fmt"
	"image"
	"slices"
	"sync/atomic"
	"time"

	"github.com/sightglass-ml/sightglass/backends"
	"github.com/sightglass-ml/sightglass/options"
	"github.com/sightglass-ml/sightglass/pipelines"
	"github.com/sightglass-ml/sightglass/util/imageutil"
)

// DefaultImageSize is the spatial size PreprocessImage produces when no
// model dictates one.
var DefaultImageSize = imageutil.Size{Height: 224, Width: 224}

// Session owns one execution backend and the models and pipelines loaded on
// it. Models are cached by name: loading the same name again returns the
// instance already in memory. A session must be initialized with a backend
// before models can be loaded, and is unusable after Destroy.
type Session struct {
	classificationPipelines pipelineMap[*pipelines.ImageClassificationPipeline]
	detectionPipelines      pipelineMap[*pipelines.ObjectDetectionPipeline]
	embeddingPipelines      pipelineMap[*pipelines.ImageEmbeddingPipeline]
	segmentationPipelines   pipelineMap[*pipelines.SemanticSegmentationPipeline]
	models                  map[string]*backends.Model
	env                     *backends.Environment
	loads                   int64
	destroyed               bool
}

// NewSession creates a session with no active backend. Call Initialize, or
// use one of the backend-specific constructors.
func NewSession() *Session {
	return &Session{
		classificationPipelines: map[string]*pipelines.ImageClassificationPipeline{},
		detectionPipelines:      map[string]*pipelines.ObjectDetectionPipeline{},
		embeddingPipelines:      map[string]*pipelines.ImageEmbeddingPipeline{},
		segmentationPipelines:   map[string]*pipelines.SemanticSegmentationPipeline{},
		models:                  map[string]*backends.Model{},
	}
}

// NewCPUSession starts a session on onnxruntime with the default CPU
// provider.
func NewCPUSession(opts ...options.WithOption) (*Session, error) {
	return newSessionWithBackend(backends.CPU, opts...)
}

// NewCUDASession starts a session on onnxruntime with the CUDA execution
// provider.
func NewCUDASession(opts ...options.WithOption) (*Session, error) {
	return newSessionWithBackend(backends.CUDA, opts...)
}

// NewTensorRTSession starts a session on onnxruntime with the TensorRT
// execution provider.
func NewTensorRTSession(opts ...options.WithOption) (*Session, error) {
	return newSessionWithBackend(backends.TensorRT, opts...)
}

// NewGoSession starts a session on the pure Go interpreter backend. It
// needs no native libraries and works on any platform.
func NewGoSession(opts ...options.WithOption) (*Session, error) {
	return newSessionWithBackend(backends.Go, opts...)
}

func newSessionWithBackend(backend backends.Backend, opts ...options.WithOption) (*Session, error) {
	session := NewSession()
	if err := session.Initialize(backend, opts...); err != nil {
		return nil, err
	}
	return session, nil
}

// Initialize activates an execution backend for the session. Initializing
// again with the same backend is a no-op. Switching to a different backend
// is only allowed while no models are loaded; otherwise the session stays
// on its current backend and an error is returned.
func (s *Session) Initialize(backend backends.Backend, opts ...options.WithOption) error {
	if s.destroyed {
		return errors.New("session has been destroyed")
	}
	if s.env != nil && !s.env.Destroyed() {
		if s.env.RuntimeBackend == backend {
			return nil
		}
		if len(s.models) > 0 || s.pipelineCount() > 0 {
			return fmt.Errorf("cannot switch backend from %s to %s while models are loaded, destroy them first",
				s.env.RuntimeBackend, backend)
		}
		if err := s.env.Destroy(); err != nil {
			return err
		}
		s.env = nil
	}

	parsedOptions := options.Defaults()
	parsedOptions.Backend = string(backend)
	for _, option := range opts {
		if err := option(parsedOptions); err != nil {
			return err
		}
	}

	env, err := backends.NewEnvironment(backend, parsedOptions)
	if err != nil {
		return err
	}
	s.env = env
	return nil
}

// Initialized reports whether the session has an active backend.
func (s *Session) Initialized() bool {
	return s.env != nil && !s.env.Destroyed() && !s.destroyed
}

// GetBackend returns the active execution backend, or the empty string
// when the session is not initialized.
func (s *Session) GetBackend() backends.Backend {
	if !s.Initialized() {
		return ""
	}
	return s.env.RuntimeBackend
}

func (s *Session) pipelineCount() int {
	return len(s.classificationPipelines) + len(s.detectionPipelines) +
		len(s.embeddingPipelines) + len(s.segmentationPipelines)
}

// LoadCount returns how many times a model was actually brought up on the
// backend. Cache hits do not increment it.
func (s *Session) LoadCount() int64 {
	return atomic.LoadInt64(&s.loads)
}

type pipelineMap[T backends.Pipeline] map[string]T

func (m pipelineMap[T]) GetStats() []string {
	var stats []string
	for _, p := range m {
		stats = append(stats, p.GetStats()...)
	}
	return stats
}

// ImageClassificationConfig is the configuration for an image classification pipeline.
type ImageClassificationConfig = backends.PipelineConfig[*pipelines.ImageClassificationPipeline]

// ImageClassificationOption is an option for an image classification pipeline.
type ImageClassificationOption = backends.PipelineOption[*pipelines.ImageClassificationPipeline]

// ObjectDetectionConfig is the configuration for an object detection pipeline.
type ObjectDetectionConfig = backends.PipelineConfig[*pipelines.ObjectDetectionPipeline]

// ObjectDetectionOption is an option for an object detection pipeline.
type ObjectDetectionOption = backends.PipelineOption[*pipelines.ObjectDetectionPipeline]

// ImageEmbeddingConfig is the configuration for an image embedding pipeline.
type ImageEmbeddingConfig = backends.PipelineConfig[*pipelines.ImageEmbeddingPipeline]

// ImageEmbeddingOption is an option for an image embedding pipeline.
type ImageEmbeddingOption = backends.PipelineOption[*pipelines.ImageEmbeddingPipeline]

// SemanticSegmentationConfig is the configuration for a semantic segmentation pipeline.
type SemanticSegmentationConfig = backends.PipelineConfig[*pipelines.SemanticSegmentationPipeline]

// SemanticSegmentationOption is an option for a semantic segmentation pipeline.
type SemanticSegmentationOption = backends.PipelineOption[*pipelines.SemanticSegmentationPipeline]

// NewPipeline creates a new pipeline of type T on the session's backend.
// The initialised pipeline is returned and also stored in the session, so
// that all created pipelines can be destroyed with session.Destroy() at
// once. Models are cached by path: two pipelines over the same model path
// share one backend session.
func NewPipeline[T backends.Pipeline](s *Session, pipelineConfig backends.PipelineConfig[T]) (T, error) {
	var pipeline T
	if pipelineConfig.Name == "" {
		return pipeline, errors.New("a name for the pipeline is required")
	}
	if !s.Initialized() {
		return pipeline, &backends.NotInitializedError{Op: "create pipeline " + pipelineConfig.Name}
	}

	_, getError := GetPipeline[T](s, pipelineConfig.Name)
	var notFoundError *pipelineNotFoundError
	if getError == nil {
		return pipeline, fmt.Errorf("pipeline %s has already been initialised", pipelineConfig.Name)
	} else if !errors.As(getError, &notFoundError) {
		return pipeline, getError
	}

	// Load model if it has not been loaded already
	model, ok := s.models[pipelineConfig.ModelPath]

	var err error
	var name string

	if !ok {
		model, err = backends.LoadModel(pipelineConfig.ModelPath, pipelineConfig.OnnxFilename, pipelineKind[T](), s.env)
		if err != nil {
			return pipeline, err
		}
		s.models[pipelineConfig.ModelPath] = model
		atomic.AddInt64(&s.loads, 1)
	}

	pipeline, name, err = InitializePipeline(pipeline, pipelineConfig, s.env, model)
	if err != nil {
		return pipeline, err
	}

	switch typedPipeline := any(pipeline).(type) {
	case *pipelines.ImageClassificationPipeline:
		s.classificationPipelines[name] = typedPipeline
	case *pipelines.ObjectDetectionPipeline:
		s.detectionPipelines[name] = typedPipeline
	case *pipelines.ImageEmbeddingPipeline:
		s.embeddingPipelines[name] = typedPipeline
	case *pipelines.SemanticSegmentationPipeline:
		s.segmentationPipelines[name] = typedPipeline
	default:
		return pipeline, fmt.Errorf("pipeline type not supported: %T", typedPipeline)
	}
	return pipeline, nil
}

func pipelineKind[T backends.Pipeline]() backends.ModelKind {
	var pipeline T
	switch any(pipeline).(type) {
	case *pipelines.ImageClassificationPipeline:
		return backends.KindClassification
	case *pipelines.ObjectDetectionPipeline:
		return backends.KindDetection
	case *pipelines.ImageEmbeddingPipeline:
		return backends.KindRecognition
	case *pipelines.SemanticSegmentationPipeline:
		return backends.KindSegmentation
	}
	return ""
}

func InitializePipeline[T backends.Pipeline](p T, pipelineConfig backends.PipelineConfig[T], env *backends.Environment, model *backends.Model) (T, string, error) {
	var pipeline T
	var name string

	switch any(p).(type) {
	case *pipelines.ImageClassificationPipeline:
		config := any(pipelineConfig).(backends.PipelineConfig[*pipelines.ImageClassificationPipeline])
		pipelineInitialised, err := pipelines.NewImageClassificationPipeline(config, env, model)
		if err != nil {
			return pipeline, name, err
		}
		pipeline = any(pipelineInitialised).(T)
		name = config.Name
	case *pipelines.ObjectDetectionPipeline:
		config := any(pipelineConfig).(backends.PipelineConfig[*pipelines.ObjectDetectionPipeline])
		pipelineInitialised, err := pipelines.NewObjectDetectionPipeline(config, env, model)
		if err != nil {
			return pipeline, name, err
		}
		pipeline = any(pipelineInitialised).(T)
		name = config.Name
	case *pipelines.ImageEmbeddingPipeline:
		config := any(pipelineConfig).(backends.PipelineConfig[*pipelines.ImageEmbeddingPipeline])
		pipelineInitialised, err := pipelines.NewImageEmbeddingPipeline(config, env, model)
		if err != nil {
			return pipeline, name, err
		}
		pipeline = any(pipelineInitialised).(T)
		name = config.Name
	case *pipelines.SemanticSegmentationPipeline:
		config := any(pipelineConfig).(backends.PipelineConfig[*pipelines.SemanticSegmentationPipeline])
		pipelineInitialised, err := pipelines.NewSemanticSegmentationPipeline(config, env, model)
		if err != nil {
			return pipeline, name, err
		}
		pipeline = any(pipelineInitialised).(T)
		name = config.Name
	default:
		return pipeline, name, fmt.Errorf("not implemented")
	}

	model.Pipelines[name] = pipeline
	return pipeline, name, nil
}

// GetPipeline can be used to retrieve a pipeline of type T with the given name from the session.
func GetPipeline[T backends.Pipeline](s *Session, name string) (T, error) {
	var pipeline T
	switch any(pipeline).(type) {
	case *pipelines.ImageClassificationPipeline:
		p, ok := s.classificationPipelines[name]
		if !ok {
			return pipeline, &pipelineNotFoundError{pipelineName: name}
		}
		return any(p).(T), nil
	case *pipelines.ObjectDetectionPipeline:
		p, ok := s.detectionPipelines[name]
		if !ok {
			return pipeline, &pipelineNotFoundError{pipelineName: name}
		}
		return any(p).(T), nil
	case *pipelines.ImageEmbeddingPipeline:
		p, ok := s.embeddingPipelines[name]
		if !ok {
			return pipeline, &pipelineNotFoundError{pipelineName: name}
		}
		return any(p).(T), nil
	case *pipelines.SemanticSegmentationPipeline:
		p, ok := s.segmentationPipelines[name]
		if !ok {
			return pipeline, &pipelineNotFoundError{pipelineName: name}
		}
		return any(p).(T), nil
	default:
		return pipeline, errors.New("pipeline type not supported")
	}
}

// ClosePipeline removes a pipeline of type T from the session, destroying
// its model when no other pipeline shares it.
func ClosePipeline[T backends.Pipeline](s *Session, name string) error {
	var pipeline T
	switch any(pipeline).(type) {
	case *pipelines.ImageClassificationPipeline:
		p, ok := s.classificationPipelines[name]
		if ok {
			model := p.Model
			delete(s.classificationPipelines, name)
			delete(model.Pipelines, name)
			if len(model.Pipelines) == 0 {
				delete(s.models, model.Path)
				return model.Destroy()
			}
		}
	case *pipelines.ObjectDetectionPipeline:
		p, ok := s.detectionPipelines[name]
		if ok {
			model := p.Model
			delete(s.detectionPipelines, name)
			delete(model.Pipelines, name)
			if len(model.Pipelines) == 0 {
				delete(s.models, model.Path)
				return model.Destroy()
			}
		}
	case *pipelines.ImageEmbeddingPipeline:
		p, ok := s.embeddingPipelines[name]
		if ok {
			model := p.Model
			delete(s.embeddingPipelines, name)
			delete(model.Pipelines, name)
			if len(model.Pipelines) == 0 {
				delete(s.models, model.Path)
				return model.Destroy()
			}
		}
	case *pipelines.SemanticSegmentationPipeline:
		p, ok := s.segmentationPipelines[name]
		if ok {
			model := p.Model
			delete(s.segmentationPipelines, name)
			delete(model.Pipelines, name)
			if len(model.Pipelines) == 0 {
				delete(s.models, model.Path)
				return model.Destroy()
			}
		}
	default:
		return errors.New("pipeline type not supported")
	}
	return nil
}

type pipelineNotFoundError struct {
	pipelineName string
}

func (e *pipelineNotFoundError) Error() string {
	return fmt.Sprintf("Pipeline with name %s not found", e.pipelineName)
}

// LoadModel loads a classification model under a name and returns its
// pipeline. Loading the same name again returns the identical pipeline
// without touching the backend; loading the same name from a different
// path is an error.
func (s *Session) LoadModel(name string, path string, opts ...ImageClassificationOption) (*pipelines.ImageClassificationPipeline, error) {
	if existing, ok := s.classificationPipelines[name]; ok {
		if existing.Model.Path != path {
			return nil, fmt.Errorf("model %s is already loaded from %s, refusing to load it from %s", name, existing.Model.Path, path)
		}
		return existing, nil
	}
	return NewPipeline(s, ImageClassificationConfig{ModelPath: path, Name: name, Options: opts})
}

// LoadDetector loads an object detection model under a name, with the same
// caching behavior as LoadModel.
func (s *Session) LoadDetector(name string, path string, opts ...ObjectDetectionOption) (*pipelines.ObjectDetectionPipeline, error) {
	if existing, ok := s.detectionPipelines[name]; ok {
		if existing.Model.Path != path {
			return nil, fmt.Errorf("model %s is already loaded from %s, refusing to load it from %s", name, existing.Model.Path, path)
		}
		return existing, nil
	}
	return NewPipeline(s, ObjectDetectionConfig{ModelPath: path, Name: name, Options: opts})
}

// LoadEmbedder loads an image embedding model under a name, with the same
// caching behavior as LoadModel.
func (s *Session) LoadEmbedder(name string, path string, opts ...ImageEmbeddingOption) (*pipelines.ImageEmbeddingPipeline, error) {
	if existing, ok := s.embeddingPipelines[name]; ok {
		if existing.Model.Path != path {
			return nil, fmt.Errorf("model %s is already loaded from %s, refusing to load it from %s", name, existing.Model.Path, path)
		}
		return existing, nil
	}
	return NewPipeline(s, ImageEmbeddingConfig{ModelPath: path, Name: name, Options: opts})
}

// LoadSegmenter loads a semantic segmentation model under a name, with the
// same caching behavior as LoadModel.
func (s *Session) LoadSegmenter(name string, path string, opts ...SemanticSegmentationOption) (*pipelines.SemanticSegmentationPipeline, error) {
	if existing, ok := s.segmentationPipelines[name]; ok {
		if existing.Model.Path != path {
			return nil, fmt.Errorf("model %s is already loaded from %s, refusing to load it from %s", name, existing.Model.Path, path)
		}
		return existing, nil
	}
	return NewPipeline(s, SemanticSegmentationConfig{ModelPath: path, Name: name, Options: opts})
}

// UnloadModel removes the named model's pipeline from the session,
// whatever its kind, destroying the model when nothing else shares it.
func (s *Session) UnloadModel(name string) error {
	switch {
	case s.classificationPipelines[name] != nil:
		return ClosePipeline[*pipelines.ImageClassificationPipeline](s, name)
	case s.detectionPipelines[name] != nil:
		return ClosePipeline[*pipelines.ObjectDetectionPipeline](s, name)
	case s.embeddingPipelines[name] != nil:
		return ClosePipeline[*pipelines.ImageEmbeddingPipeline](s, name)
	case s.segmentationPipelines[name] != nil:
		return ClosePipeline[*pipelines.SemanticSegmentationPipeline](s, name)
	}
	return &backends.NotLoadedError{Model: name}
}

// ClassificationResult is the outcome of classifying one image.
type ClassificationResult struct {
	ModelName      string
	Predictions    []pipelines.ImageClassificationResult
	ProcessingTime time.Duration
}

// ClassifyImage preprocesses and classifies one image with the named
// model's default options.
func (s *Session) ClassifyImage(modelName string, img image.Image) (*ClassificationResult, error) {
	start := time.Now()
	p, ok := s.classificationPipelines[modelName]
	if !ok {
		return nil, &backends.NotLoadedError{Model: modelName}
	}
	output, err := p.RunWithImages([]image.Image{img})
	if err != nil {
		return nil, err
	}
	result := &ClassificationResult{ModelName: modelName, ProcessingTime: time.Since(start)}
	if len(output.Predictions) > 0 {
		result.Predictions = output.Predictions[0]
	}
	return result, nil
}

// PredictTensor classifies a preprocessed tensor with the named model.
func (s *Session) PredictTensor(modelName string, t *imageutil.Tensor, opts pipelines.PredictOptions) (*ClassificationResult, error) {
	start := time.Now()
	p, ok := s.classificationPipelines[modelName]
	if !ok {
		return nil, &backends.NotLoadedError{Model: modelName}
	}
	output, err := p.PredictWithOptions(t, opts)
	if err != nil {
		return nil, err
	}
	result := &ClassificationResult{ModelName: modelName, ProcessingTime: time.Since(start)}
	if len(output.Predictions) > 0 {
		result.Predictions = output.Predictions[0]
	}
	return result, nil
}

// PreprocessImage converts an image to a [1, 224, 224, 3] tensor with
// pixel values scaled to [0, 1]. It is pure and needs no active backend;
// use a pipeline's PreprocessImage to match a specific model instead.
func (s *Session) PreprocessImage(img image.Image) (*imageutil.Tensor, error) {
	return imageutil.ToTensor(img, DefaultImageSize, true)
}

// GetModelMetadata returns the metadata snapshot of a loaded model.
func (s *Session) GetModelMetadata(modelName string) (backends.ModelMetadata, error) {
	switch {
	case s.classificationPipelines[modelName] != nil:
		return s.classificationPipelines[modelName].Model.Metadata(), nil
	case s.detectionPipelines[modelName] != nil:
		return s.detectionPipelines[modelName].Model.Metadata(), nil
	case s.embeddingPipelines[modelName] != nil:
		return s.embeddingPipelines[modelName].Model.Metadata(), nil
	case s.segmentationPipelines[modelName] != nil:
		return s.segmentationPipelines[modelName].Model.Metadata(), nil
	}
	return backends.ModelMetadata{}, &backends.NotLoadedError{Model: modelName}
}

// GetMemoryInfo snapshots the backend's tensor accounting together with
// the session's model and pipeline counts.
func (s *Session) GetMemoryInfo() (backends.MemoryInfo, error) {
	if !s.Initialized() {
		return backends.MemoryInfo{}, &backends.NotInitializedError{Op: "get memory info"}
	}
	info := s.env.Snapshot()
	info.LoadedModels = len(s.models)
	info.ActivePipelines = s.pipelineCount()
	return info, nil
}

// GetStats returns runtime statistics for all initialized pipelines for
// profiling purposes. We currently record for each pipeline the total
// inference time, the number of inference calls, the average time per call
// and the number of images processed.
func (s *Session) GetStats() []string {
	return slices.Concat(
		s.classificationPipelines.GetStats(),
		s.detectionPipelines.GetStats(),
		s.embeddingPipelines.GetStats(),
		s.segmentationPipelines.GetStats(),
	)
}

// Destroy deletes the session's pipelines, models and backend environment,
// freeing memory. The session is unusable afterwards: Destroy is terminal
// and further calls to it are no-ops. A session should be destroyed when
// not needed any more, preferably with a defer() call.
func (s *Session) Destroy() error {
	if s.destroyed {
		return nil
	}
	s.destroyed = true

	var err error
	for _, model := range s.models {
		err = errors.Join(err, model.Destroy())
	}
	s.models = nil
	s.classificationPipelines = nil
	s.detectionPipelines = nil
	s.embeddingPipelines = nil
	s.segmentationPipelines = nil

	if s.env != nil {
		err = errors.Join(err, s.env.Destroy())
		s.env = nil
	}
	return err
}
