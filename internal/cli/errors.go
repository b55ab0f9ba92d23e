package cli

import "errors"

// Minimal sentinel errors - let Cobra handle usage/flag errors.
var (
	// ErrConfig indicates a configuration file failed to load or validate.
	ErrConfig = errors.New("configuration error")
	// ErrRuntime indicates the mesh sidecar failed after startup.
	ErrRuntime = errors.New("runtime error")
)
