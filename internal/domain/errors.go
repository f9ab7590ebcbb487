package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNoActiveTrain = errors.New("no train is currently running")
	ErrNotIssuer     = errors.New("only the issuer can cancel the train")
)

// ActiveTrainError rejects a create request while another train is
// running. It carries enough of the running train to explain itself.
type ActiveTrainError struct {
	Destination string
	LaunchTime  time.Time
}

func (e *ActiveTrainError) Error() string {
	return fmt.Sprintf("there is already a train running (to %s at %s)",
		e.Destination, e.LaunchTime.Format("15:04"))
}

// ValidationError carries a human-readable message that is relayed
// verbatim to the requester.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// NotificationError is a per-recipient send or edit failure. Delivery
// failures never roll back a train transition.
type NotificationError struct {
	RecipientID string
	Err         error
}

func (e *NotificationError) Error() string {
	return fmt.Sprintf("notify %s: %v", e.RecipientID, e.Err)
}

func (e *NotificationError) Unwrap() error { return e.Err }

// SchedulingError means one of a train's timed callbacks could not be
// registered. It is fatal to train creation: the whole creation rolls
// back and the slot stays empty.
type SchedulingError struct {
	Op  string
	Err error
}

func (e *SchedulingError) Error() string {
	return fmt.Sprintf("schedule %s: %v", e.Op, e.Err)
}

func (e *SchedulingError) Unwrap() error { return e.Err }
