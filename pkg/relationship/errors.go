package relationship

import (
	"errors"
	"fmt"

	"socialmedia/pkg/model"
)

var (
	ErrNotFound         = errors.New("user record not found")
	ErrInvalidOperation = errors.New("invalid operation")
	ErrPartialFailure   = errors.New("partial failure")
	ErrTransientStore   = errors.New("transient store error")

	ErrSelfFollow   = fmt.Errorf("%w: self-follow is not permitted", ErrInvalidOperation)
	ErrUnknownState = fmt.Errorf("%w: unrecognized follow state", ErrInvalidOperation)
)

// PartialFailureError is returned when only one side of an edge was written.
// The pair has been handed to the ledger (when one is configured) so the
// reconciler can complete the missing side.
type PartialFailureError struct {
	ActorID   int64
	TargetID  int64
	Desired   model.FollowState
	Succeeded model.Side
	Failed    model.Side
	Recorded  bool // ledger entry appended
	Err       error
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("partial failure setting %d -> %d to %s: %s updated, %s not updated: %v",
		e.ActorID, e.TargetID, e.Desired, e.Succeeded, e.Failed, e.Err)
}

func (e *PartialFailureError) Is(target error) bool {
	return target == ErrPartialFailure
}

func (e *PartialFailureError) Unwrap() error {
	return e.Err
}

// TransientStoreError means the operation may be retried as a whole by the caller.
type TransientStoreError struct {
	Op  string
	Err error
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("transient store error during %s: %v", e.Op, e.Err)
}

func (e *TransientStoreError) Is(target error) bool {
	return target == ErrTransientStore
}

func (e *TransientStoreError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether the caller may safely retry the whole operation.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientStore) && !errors.Is(err, ErrPartialFailure)
}
