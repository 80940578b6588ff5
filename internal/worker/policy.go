package worker

import "github.com/JakeFAU/browsing-digest/internal/digest"

// Action decides the fate of a message whose transform failed.
type Action int

// Failure actions.
const (
	// Drop acknowledges the message; it will not be delivered again.
	Drop Action = iota
	// Requeue returns the message to the broker for redelivery.
	Requeue
)

func (a Action) String() string {
	if a == Requeue {
		return "requeue"
	}
	return "drop"
}

// FailurePolicy maps a transform failure to an Action.
type FailurePolicy func(stage digest.Stage, kind digest.FailureKind) Action

// DropAll drops every failed message.
func DropAll(digest.Stage, digest.FailureKind) Action {
	return Drop
}

// RequeueTimeouts requeues messages that failed on a deadline and drops the rest.
func RequeueTimeouts(_ digest.Stage, kind digest.FailureKind) Action {
	if kind == digest.KindTimeout {
		return Requeue
	}
	return Drop
}
