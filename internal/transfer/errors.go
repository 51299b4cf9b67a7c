package transfer

import (
	"errors"
	"fmt"
)

var ErrVerificationFailed = errors.New("transfer: destination does not match source")

// Stage is one step of the transfer pipeline.
type Stage int

const (
	StageBindPlatform Stage = iota
	StageSelectDevice
	StageCreateDevice
	StageAllocateBuffers
	StageRecordCopy
	StageSubmit
	StageWait
	StageVerify
)

func (s Stage) String() string {
	switch s {
	case StageBindPlatform:
		return "bind-platform"
	case StageSelectDevice:
		return "select-device"
	case StageCreateDevice:
		return "create-device"
	case StageAllocateBuffers:
		return "allocate-buffers"
	case StageRecordCopy:
		return "record-copy"
	case StageSubmit:
		return "submit"
	case StageWait:
		return "wait"
	case StageVerify:
		return "verify"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Failure names the class of failure a stage produces.
func (s Stage) Failure() string {
	switch s {
	case StageBindPlatform, StageSelectDevice:
		return "platform initialization failure"
	case StageCreateDevice, StageAllocateBuffers:
		return "resource creation failure"
	case StageRecordCopy:
		return "command construction failure"
	case StageSubmit:
		return "submission failure"
	case StageWait:
		return "wait failure"
	case StageVerify:
		return "verification failure"
	default:
		return "unknown failure"
	}
}

// StageError tags an error with the pipeline stage it came from.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Stage.Failure(), e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func stageError(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	var se *StageError
	if errors.As(err, &se) {
		return err
	}
	return &StageError{Stage: stage, Err: err}
}

// FailedStage returns the stage err was tagged with.
func FailedStage(err error) (Stage, bool) {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage, true
	}
	return 0, false
}
