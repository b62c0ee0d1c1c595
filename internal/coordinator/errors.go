package coordinator

import "fmt"

// ValidationError rejects bad scan requests before any scan is created.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func validationf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// EngineExecutionError is a per-engine failure. It never cascades: sibling
// engines keep running and only total failure of every engine fails the scan.
type EngineExecutionError struct {
	Engine string
	Err    error
}

func (e *EngineExecutionError) Error() string {
	return fmt.Sprintf("engine %s: %v", e.Engine, e.Err)
}

func (e *EngineExecutionError) Unwrap() error { return e.Err }
