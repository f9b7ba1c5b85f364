package service

import (
	"fmt"

	"github.com/pesio-ai/be-wf-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-wf-approvals/internal/repository"
)

// Event drives an instance from one status to another.
type Event string

const (
	EventSubmit   Event = "SUBMIT"
	EventAdvance  Event = "ADVANCE"
	EventApprove  Event = "APPROVE_FINAL"
	EventReject   Event = "REJECT"
	EventEscalate Event = "ESCALATE"
	EventHold     Event = "HOLD"
	EventResume   Event = "RESUME"
	EventCancel   Event = "CANCEL"
	EventRecall   Event = "RECALL"
)

type transitionKey struct {
	from  repository.Status
	event Event
}

// transitions is the complete status graph. Anything absent is rejected.
var transitions = map[transitionKey]repository.Status{
	{repository.StatusDraft, EventSubmit}: repository.StatusPending,
	{repository.StatusDraft, EventHold}:   repository.StatusOnHold,
	{repository.StatusDraft, EventCancel}: repository.StatusCancelled,

	{repository.StatusPending, EventAdvance}:  repository.StatusPending,
	{repository.StatusPending, EventApprove}:  repository.StatusApproved,
	{repository.StatusPending, EventReject}:   repository.StatusRejected,
	{repository.StatusPending, EventEscalate}: repository.StatusEscalated,
	{repository.StatusPending, EventHold}:     repository.StatusOnHold,
	{repository.StatusPending, EventCancel}:   repository.StatusCancelled,
	{repository.StatusPending, EventRecall}:   repository.StatusCancelled,

	{repository.StatusEscalated, EventAdvance}: repository.StatusPending,
	{repository.StatusEscalated, EventApprove}: repository.StatusApproved,
	{repository.StatusEscalated, EventReject}:  repository.StatusRejected,
	{repository.StatusEscalated, EventHold}:    repository.StatusOnHold,
	{repository.StatusEscalated, EventCancel}:  repository.StatusCancelled,
	{repository.StatusEscalated, EventRecall}:  repository.StatusCancelled,

	{repository.StatusOnHold, EventResume}: repository.StatusPending,
	{repository.StatusOnHold, EventCancel}: repository.StatusCancelled,
}

// Transition returns the status reached from `from` on event.
func Transition(from repository.Status, event Event) (repository.Status, error) {
	to, ok := transitions[transitionKey{from, event}]
	if !ok {
		return from, errors.New(errors.ErrCodeConflict,
			fmt.Sprintf("cannot %s an instance in status %s", event, from)).
			WithReason(errors.ReasonInvalidTransition)
	}
	return to, nil
}

// CanTransition reports whether event is allowed from `from`.
func CanTransition(from repository.Status, event Event) bool {
	_, ok := transitions[transitionKey{from, event}]
	return ok
}

// IsEdge reports whether from -> to is an edge of the status graph.
func IsEdge(from, to repository.Status) bool {
	for k, target := range transitions {
		if k.from == from && target == to {
			return true
		}
	}
	return false
}
