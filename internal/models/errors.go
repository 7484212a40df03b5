package models

import "fmt"

// ModelLoadError reports a capability (or the runtime) that failed to load.
// It is terminal; the loader does not retry.
type ModelLoadError struct {
	Capability string
	Err        error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("failed to load %s: %v", e.Capability, e.Err)
}

func (e *ModelLoadError) Unwrap() error {
	return e.Err
}
