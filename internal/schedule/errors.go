package schedule

import (
	"context"

	"github.com/cockroachdb/errors"
)

// Sentinel marks for failure classification. Producers and delivery
// targets mark errors; the engine decides retry behavior from the mark.
var (
	ErrPermanent = errors.New("permanent failure")
	ErrTransient = errors.New("transient failure")
)

// MarkPermanent marks err as not worth retrying.
func MarkPermanent(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, ErrPermanent)
}

// MarkTransient marks err as retryable.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, ErrTransient)
}

// MarkCanceled marks err as a cancellation; ClassifyError reports it as
// ErrKindCanceled and the engine does not retry it.
func MarkCanceled(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, context.Canceled)
}

// ClassifyError maps an execution error to an ErrorKind. Deadline and
// cancellation take precedence over marks; unmarked errors are treated
// as transient.
func ClassifyError(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return ErrKindTimeout
	case errors.Is(err, context.Canceled):
		return ErrKindCanceled
	case errors.Is(err, ErrPermanent):
		return ErrKindPermanent
	default:
		return ErrKindTransient
	}
}

// Retryable reports whether the engine should attempt err again.
// Timeouts count against the run's single deadline and are not retried.
func Retryable(err error) bool {
	return ClassifyError(err) == ErrKindTransient
}
