package service

import (
	"context"
	"errors"
	"fmt"

	appErr "cloudeval/pkg/errors"
)

// ErrEvaluationCancelled is the cancellation cause installed on a job context
// when an operator cancels a running job.
var ErrEvaluationCancelled = appErr.New(appErr.EvaluationCancelled)

var errDispatcherStopped = errors.New("dispatcher stopped")

type cancelError struct {
	requestedBy string
}

func (e *cancelError) Error() string {
	if e.requestedBy == "" {
		return "evaluation cancelled"
	}
	return fmt.Sprintf("evaluation cancelled by %s", e.requestedBy)
}

func (e *cancelError) Is(target error) bool {
	return target == ErrEvaluationCancelled
}

func newCancelError(requestedBy string) error {
	return &cancelError{requestedBy: requestedBy}
}

// IsCancelled reports whether err signals operator cancellation rather than failure.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrEvaluationCancelled) || appErr.Is(err, appErr.EvaluationCancelled)
}

// interrupted returns the cancellation cause of ctx, or nil while it is live.
func interrupted(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	return context.Cause(ctx)
}
