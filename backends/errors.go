package backends

import "fmt"

// NotInitializedError is returned when an operation that needs an active
// execution backend runs before one has been initialized, or after the
// session owning it has been destroyed.
type NotInitializedError struct {
	Op string
}

func (e *NotInitializedError) Error() string {
	return fmt.Sprintf("%s: no execution backend is active", e.Op)
}

// ModelLoadError is returned when a model cannot be loaded: the path is
// unreachable, no .onnx file is present, or the graph fails to compile.
type ModelLoadError struct {
	Path string
	Err  error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("cannot load model from %s: %v", e.Path, e.Err)
}

func (e *ModelLoadError) Unwrap() error {
	return e.Err
}

// NotLoadedError is returned when a pipeline runs against a model that has
// been destroyed or was never loaded. A destroyed model never comes back:
// the caller must load it again.
type NotLoadedError struct {
	Model string
}

func (e *NotLoadedError) Error() string {
	if e.Model == "" {
		return "model is not loaded"
	}
	return fmt.Sprintf("model %s is not loaded or has been destroyed", e.Model)
}
