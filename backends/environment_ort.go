package backends

import (
	"errors"
	"fmt"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/sightglass-ml/sightglass/util/fileutil"
)

// initialiseORT starts the process-global onnxruntime environment and builds
// the shared session options, appending the execution provider the backend
// asks for.
func initialiseORT(env *Environment) error {
	if ort.IsInitialized() {
		return errors.New("another onnxruntime environment is active, and only one backend can be active per process")
	}

	o := env.Options.ORTOptions
	if o.LibraryPath != nil {
		ortPathExists, err := fileutil.FileExists(*o.LibraryPath)
		if err != nil {
			return err
		}
		if !ortPathExists {
			return fmt.Errorf("cannot find the onnxruntime library at: %s", *o.LibraryPath)
		}
		ort.SetSharedLibraryPath(*o.LibraryPath)
	}

	if err := ort.InitializeEnvironment(); err != nil {
		return err
	}
	cleanup := func(err error) error {
		return errors.Join(err, ort.DestroyEnvironment())
	}

	if o.Telemetry != nil && *o.Telemetry {
		if err := ort.EnableTelemetry(); err != nil {
			return cleanup(err)
		}
	} else {
		if err := ort.DisableTelemetry(); err != nil {
			return cleanup(err)
		}
	}

	// Session options shared by every model loaded into this environment.
	sessionOptions, optionsError := ort.NewSessionOptions()
	if optionsError != nil {
		return cleanup(optionsError)
	}
	env.Options.RuntimeOptions = sessionOptions
	env.Options.Destroy = func() error {
		return sessionOptions.Destroy()
	}
	failed := func(err error) error {
		return cleanup(errors.Join(err, sessionOptions.Destroy()))
	}

	if o.IntraOpNumThreads != nil {
		if err := sessionOptions.SetIntraOpNumThreads(*o.IntraOpNumThreads); err != nil {
			return failed(err)
		}
	}
	if o.InterOpNumThreads != nil {
		if err := sessionOptions.SetInterOpNumThreads(*o.InterOpNumThreads); err != nil {
			return failed(err)
		}
	}
	if o.CPUMemArena != nil {
		if err := sessionOptions.SetCpuMemArena(*o.CPUMemArena); err != nil {
			return failed(err)
		}
	}
	if o.MemPattern != nil {
		if err := sessionOptions.SetMemPattern(*o.MemPattern); err != nil {
			return failed(err)
		}
	}

	switch env.RuntimeBackend {
	case CUDA:
		cudaOptions, optErr := ort.NewCUDAProviderOptions()
		if optErr != nil {
			return failed(optErr)
		}
		if len(o.CudaOptions) > 0 {
			if err := cudaOptions.Update(o.CudaOptions); err != nil {
				return failed(errors.Join(err, cudaOptions.Destroy()))
			}
		}
		if err := sessionOptions.AppendExecutionProviderCUDA(cudaOptions); err != nil {
			return failed(errors.Join(err, cudaOptions.Destroy()))
		}
		if err := cudaOptions.Destroy(); err != nil {
			return failed(err)
		}
	case TensorRT:
		tensorRTOptions, optErr := ort.NewTensorRTProviderOptions()
		if optErr != nil {
			return failed(optErr)
		}
		if len(o.TensorRTOptions) > 0 {
			if err := tensorRTOptions.Update(o.TensorRTOptions); err != nil {
				return failed(errors.Join(err, tensorRTOptions.Destroy()))
			}
		}
		if err := sessionOptions.AppendExecutionProviderTensorRT(tensorRTOptions); err != nil {
			return failed(errors.Join(err, tensorRTOptions.Destroy()))
		}
		if err := tensorRTOptions.Destroy(); err != nil {
			return failed(err)
		}
	case CPU:
		// The default provider, nothing to append.
	}

	env.destroy = func() error {
		return ort.DestroyEnvironment()
	}
	return nil
}
