package support

import (
	"context"
	"errors"

	"github.com/zhouzirui/support-desk/backend/internal/service/ai"
	"github.com/zhouzirui/support-desk/backend/internal/service/pipeline"
)

var (
	ErrInvalidCustomer = errors.New("invalid customer attributes")
	ErrEmptyMessage    = errors.New("message is required")
)

// FailureMessage is the only text a caller sees when an attempt fails.
const FailureMessage = "could not process the message, please try again"

// FailureKind classifies a failed attempt for logs and metrics.
type FailureKind string

const (
	FailureModelUnavailable FailureKind = "model_unavailable"
	FailureLoopExceeded     FailureKind = "loop_exceeded"
	FailureStage            FailureKind = "stage_failure"
	FailureStore            FailureKind = "store_failure"
	FailureTimeout          FailureKind = "timeout"
)

// ProcessingError reports a message attempt that was abandoned. Session state
// is unchanged and the caller may retry.
type ProcessingError struct {
	Kind  FailureKind
	Stage string
	Err   error
}

func (e *ProcessingError) Error() string { return FailureMessage }

func (e *ProcessingError) Unwrap() error { return e.Err }

func classify(err error) FailureKind {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return FailureTimeout
	case errors.Is(err, ai.ErrModelUnavailable):
		return FailureModelUnavailable
	case errors.Is(err, pipeline.ErrLoopExceeded):
		return FailureLoopExceeded
	default:
		return FailureStage
	}
}
