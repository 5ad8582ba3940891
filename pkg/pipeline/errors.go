package pipeline

import "fmt"

// Stage names the phases of a run, in execution order.
type Stage string

const (
	StagePolicy      Stage = "policy"
	StageCredentials Stage = "credentials"
	StageInventory   Stage = "inventory"
	StageApply       Stage = "apply"
)

// StageError reports which stage a run failed in.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
