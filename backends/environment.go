package backends

import (
	"errors"
	"fmt"

	"github.com/sightglass-ml/sightglass/options"
)

// Environment is one activated execution backend together with its runtime
// options and resource accounting. A session creates it on Initialize and
// destroys it on Destroy; models hold a reference to it for the lifetime of
// their graphs.
type Environment struct {
	RuntimeBackend Backend
	Options        *options.Options
	Memory         *MemoryStats
	destroy        func() error
	destroyed      bool
}

// NewEnvironment activates the given backend. For the onnxruntime family
// this loads the shared library, starts the process-global runtime and
// builds the session options all models will share; only one such
// environment can exist per process. The Go backend has no native runtime
// and always succeeds.
func NewEnvironment(backend Backend, opts *options.Options) (*Environment, error) {
	if opts == nil {
		opts = options.Defaults()
	}
	opts.Backend = string(backend)

	env := &Environment{
		RuntimeBackend: backend,
		Options:        opts,
		Memory:         &MemoryStats{},
		destroy: func() error {
			return nil
		},
	}

	switch {
	case backend.ORTFamily():
		if err := initialiseORT(env); err != nil {
			return nil, err
		}
	case backend == Go:
		// Nothing to bring up: gonnx interprets the graph in process.
	default:
		return nil, fmt.Errorf("unknown backend %q", backend)
	}
	return env, nil
}

// Destroy tears the backend down again. Safe to call more than once.
func (e *Environment) Destroy() error {
	if e.destroyed {
		return nil
	}
	e.destroyed = true
	return errors.Join(e.Options.Destroy(), e.destroy())
}

// Destroyed reports whether the environment has been torn down.
func (e *Environment) Destroyed() bool {
	return e.destroyed
}
