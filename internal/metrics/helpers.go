package metrics

import (
	"context"
	"errors"
)

// Label names
const (
	LabelOutcome = "outcome"
	LabelResult  = "result"
)

// Label values
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"

	ResultOK       = "ok"
	ResultError    = "error"
	ResultCanceled = "canceled"
)

func resultLabel(err error) string {
	switch {
	case err == nil:
		return ResultOK
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ResultCanceled
	default:
		return ResultError
	}
}
