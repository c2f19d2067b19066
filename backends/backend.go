package backends

import "fmt"

// Backend is the numeric-compute execution target that runs model graphs.
// Exactly one backend is active per process at a time: the onnxruntime
// environment is process-global, so activating a second environment while
// one is live fails.
type Backend string

const (
	// CUDA runs graphs on the GPU through the onnxruntime CUDA execution
	// provider.
	CUDA Backend = "cuda"
	// TensorRT runs graphs on the GPU through the onnxruntime TensorRT
	// execution provider.
	TensorRT Backend = "tensorrt"
	// CPU runs graphs on the native onnxruntime CPU execution provider.
	CPU Backend = "cpu"
	// Go runs graphs on a pure Go ONNX interpreter. Slower than the
	// onnxruntime backends but needs no shared library, so it works on any
	// platform the binary compiles for.
	Go Backend = "go"
)

// ORTFamily reports whether the backend is served by the onnxruntime shared
// library.
func (b Backend) ORTFamily() bool {
	switch b {
	case CUDA, TensorRT, CPU:
		return true
	}
	return false
}

func (b Backend) String() string {
	return string(b)
}

// ParseBackend maps a backend name to its Backend value.
func ParseBackend(name string) (Backend, error) {
	switch Backend(name) {
	case CUDA, TensorRT, CPU, Go:
		return Backend(name), nil
	}
	return "", fmt.Errorf("unknown backend %q, must be one of: cuda, tensorrt, cpu, go", name)
}
