package options

import (
	"fmt"
	"path/filepath"
	"runtime"

	"github.com/sightglass-ml/sightglass/util/fileutil"
)

type Options struct {
	RuntimeOptions any
	ORTOptions     *OrtOptions
	Destroy        func() error
	Backend        string
}

func Defaults() *Options {
	_, libraryDirDefault, libraryPathDefault := getDefaultLibraryPaths()
	return &Options{
		ORTOptions: &OrtOptions{
			LibraryDir:  &libraryDirDefault,
			LibraryPath: &libraryPathDefault,
		},
		Destroy: func() error {
			return nil
		},
	}
}

func getDefaultLibraryPaths() (string, string, string) {
	switch runtime.GOOS {
	case "windows":
		return `onnxruntime.dll`, `.\`, `.\onnxruntime.dll`
	case "darwin":
		return "libonnxruntime.dylib", "/usr/local/lib", "/usr/local/lib/libonnxruntime.dylib"
	default:
		return "libonnxruntime.so", "/usr/lib", "/usr/lib/libonnxruntime.so"
	}
}

type OrtOptions struct {
	LibraryPath       *string
	LibraryDir        *string
	Telemetry         *bool
	IntraOpNumThreads *int
	InterOpNumThreads *int
	CPUMemArena       *bool
	MemPattern        *bool
	CudaOptions       map[string]string
	TensorRTOptions   map[string]string
}

// ortBackend reports whether the selected backend runs on onnxruntime.
func (o *Options) ortBackend() bool {
	switch o.Backend {
	case "cuda", "tensorrt", "cpu":
		return true
	}
	return false
}

// WithOption is the interface for all option functions.
type WithOption func(o *Options) error

// WithOnnxLibraryPath (onnxruntime backends only) Use this function to set the location of the
// onnxruntime shared library: either the "libonnxruntime.so", "libonnxruntime.dylib" or
// "onnxruntime.dll" file itself, or the directory holding it.
func WithOnnxLibraryPath(ortLibraryPath string) WithOption {
	return func(o *Options) error {
		if !o.ortBackend() {
			return fmt.Errorf("WithOnnxLibraryPath is only supported for onnxruntime backends")
		}
		object, err := fileutil.FileStats(ortLibraryPath)
		if err != nil {
			return fmt.Errorf("failed to access onnxruntime library path %q: %w", ortLibraryPath, err)
		}
		if !object.IsDir() {
			libraryDir := filepath.Dir(ortLibraryPath)
			o.ORTOptions.LibraryPath = &ortLibraryPath
			o.ORTOptions.LibraryDir = &libraryDir
			return nil
		}

		libraryName, _, _ := getDefaultLibraryPaths()
		ortLibraryFullPath := fileutil.PathJoinSafe(ortLibraryPath, libraryName)
		exists, err := fileutil.FileExists(ortLibraryFullPath)
		if err != nil {
			return fmt.Errorf("error checking for existence of onnxruntime library file: %w", err)
		}
		if !exists {
			return fmt.Errorf("onnxruntime library %s does not exist at %q", libraryName, ortLibraryPath)
		}
		o.ORTOptions.LibraryPath = &ortLibraryFullPath
		o.ORTOptions.LibraryDir = &ortLibraryPath
		return nil
	}
}

// WithTelemetry (onnxruntime backends only) Enables telemetry events for the onnxruntime
// environment. Default is off.
func WithTelemetry() WithOption {
	return func(o *Options) error {
		if o.ortBackend() {
			enabled := true
			o.ORTOptions.Telemetry = &enabled
			return nil
		}
		return fmt.Errorf("WithTelemetry is only supported for onnxruntime backends")
	}
}

// WithIntraOpNumThreads (onnxruntime backends only) Sets the number of threads used to
// parallelize execution within onnxruntime graph nodes. If unspecified, onnxruntime uses the
// number of physical CPU cores.
func WithIntraOpNumThreads(numThreads int) WithOption {
	return func(o *Options) error {
		if o.ortBackend() {
			o.ORTOptions.IntraOpNumThreads = &numThreads
			return nil
		}
		return fmt.Errorf("WithIntraOpNumThreads is only supported for onnxruntime backends")
	}
}

// WithInterOpNumThreads (onnxruntime backends only) Sets the number of threads used to
// parallelize execution across separate onnxruntime graph nodes. If unspecified, onnxruntime
// uses the number of physical CPU cores.
func WithInterOpNumThreads(numThreads int) WithOption {
	return func(o *Options) error {
		if o.ortBackend() {
			o.ORTOptions.InterOpNumThreads = &numThreads
			return nil
		}
		return fmt.Errorf("WithInterOpNumThreads is only supported for onnxruntime backends")
	}
}

// WithCPUMemArena (onnxruntime backends only) Enable/Disable the usage of the memory arena
// on CPU. Arena may pre-allocate memory for future usage. Default is true.
func WithCPUMemArena(enable bool) WithOption {
	return func(o *Options) error {
		if o.ortBackend() {
			o.ORTOptions.CPUMemArena = &enable
			return nil
		}
		return fmt.Errorf("WithCPUMemArena is only supported for onnxruntime backends")
	}
}

// WithMemPattern (onnxruntime backends only) Enable/Disable the memory pattern optimization.
// If this is enabled memory is preallocated if all shapes are known. Default is true.
func WithMemPattern(enable bool) WithOption {
	return func(o *Options) error {
		if o.ortBackend() {
			o.ORTOptions.MemPattern = &enable
			return nil
		}
		return fmt.Errorf("WithMemPattern is only supported for onnxruntime backends")
	}
}

// WithCudaOptions (cuda only) Use this function to set the options for the CUDA provider.
// It takes a map of CUDA parameters as input, e.g. the device_id to run on.
func WithCudaOptions(options map[string]string) WithOption {
	return func(o *Options) error {
		if o.Backend == "cuda" {
			o.ORTOptions.CudaOptions = options
			return nil
		}
		return fmt.Errorf("WithCudaOptions is only supported for the cuda backend")
	}
}

// WithTensorRTOptions (tensorrt only) Use this function to set the options for the TensorRT
// provider, e.g. trt_max_workspace_size or trt_engine_cache_enable.
func WithTensorRTOptions(options map[string]string) WithOption {
	return func(o *Options) error {
		if o.Backend == "tensorrt" {
			o.ORTOptions.TensorRTOptions = options
			return nil
		}
		return fmt.Errorf("WithTensorRTOptions is only supported for the tensorrt backend")
	}
}
