package train

import "fmt"

// Stages reported by StageError.
const (
	StageSetup      = "setup"
	StageData       = "data loading"
	StageForward    = "forward"
	StageBackward   = "backward"
	StageCheckpoint = "checkpointing"
)

// StageError names the part of a run that failed.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("%s: %v", e.Stage, e.Err) }

func (e *StageError) Cause() error { return e.Err }

func stageErr(stage string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*StageError); ok {
		return err
	}
	return &StageError{Stage: stage, Err: err}
}

// StageOf returns the stage of a StageError anywhere in err's chain, or ""
// when none is found.
func StageOf(err error) string {
	for err != nil {
		if se, ok := err.(*StageError); ok {
			return se.Stage
		}
		c, ok := err.(interface{ Cause() error })
		if !ok {
			return ""
		}
		err = c.Cause()
	}
	return ""
}
