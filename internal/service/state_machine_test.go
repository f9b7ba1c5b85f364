package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-wf-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-wf-approvals/internal/repository"
)

func TestTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    repository.Status
		event   Event
		want    repository.Status
		wantErr bool
	}{
		{"submit draft", repository.StatusDraft, EventSubmit, repository.StatusPending, false},
		{"hold draft", repository.StatusDraft, EventHold, repository.StatusOnHold, false},
		{"advance pending", repository.StatusPending, EventAdvance, repository.StatusPending, false},
		{"advance escalated", repository.StatusEscalated, EventAdvance, repository.StatusPending, false},
		{"final approve", repository.StatusPending, EventApprove, repository.StatusApproved, false},
		{"final approve escalated", repository.StatusEscalated, EventApprove, repository.StatusApproved, false},
		{"reject", repository.StatusPending, EventReject, repository.StatusRejected, false},
		{"escalate", repository.StatusPending, EventEscalate, repository.StatusEscalated, false},
		{"escalate twice", repository.StatusEscalated, EventEscalate, repository.StatusEscalated, true},
		{"resume hold", repository.StatusOnHold, EventResume, repository.StatusPending, false},
		{"cancel draft", repository.StatusDraft, EventCancel, repository.StatusCancelled, false},
		{"recall pending", repository.StatusPending, EventRecall, repository.StatusCancelled, false},
		{"recall draft", repository.StatusDraft, EventRecall, repository.StatusDraft, true},
		{"submit pending", repository.StatusPending, EventSubmit, repository.StatusPending, true},
		{"approve approved", repository.StatusApproved, EventAdvance, repository.StatusApproved, true},
		{"cancel rejected", repository.StatusRejected, EventCancel, repository.StatusRejected, true},
		{"resume cancelled", repository.StatusCancelled, EventResume, repository.StatusCancelled, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Transition(tt.from, tt.event)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.HasReason(err, errors.ReasonInvalidTransition))
				assert.Equal(t, tt.from, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTerminalStatusesHaveNoOutgoingEdges(t *testing.T) {
	events := []Event{EventSubmit, EventAdvance, EventApprove, EventReject, EventEscalate,
		EventHold, EventResume, EventCancel, EventRecall}

	for _, s := range []repository.Status{repository.StatusApproved, repository.StatusRejected, repository.StatusCancelled} {
		assert.True(t, s.IsTerminal())
		for _, ev := range events {
			assert.False(t, CanTransition(s, ev), "%s should not accept %s", s, ev)
		}
	}
}

func TestIsEdge(t *testing.T) {
	assert.True(t, IsEdge(repository.StatusPending, repository.StatusApproved))
	assert.True(t, IsEdge(repository.StatusOnHold, repository.StatusPending))
	assert.False(t, IsEdge(repository.StatusApproved, repository.StatusPending))
	assert.False(t, IsEdge(repository.StatusRejected, repository.StatusPending))
}
