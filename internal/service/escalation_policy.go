package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-wf-approvals/internal/platform/auth"
	"github.com/pesio-ai/be-wf-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-wf-approvals/internal/repository"
)

// EscalationPolicy picks who receives a pending decision when the current
// approver escalates or times out. The level never changes on escalation.
type EscalationPolicy struct {
	approvers ApproverStore
}

// NewEscalationPolicy creates a new EscalationPolicy.
func NewEscalationPolicy(approvers ApproverStore) *EscalationPolicy {
	return &EscalationPolicy{approvers: approvers}
}

// Candidates lists approvers configured at the current level or above who are
// eligible for the amount, excluding the current approver and the actor
// asking. Order is level, then display order; each user appears once.
func (p *EscalationPolicy) Candidates(ctx context.Context, inst *repository.WorkflowInstance, actor auth.Actor) ([]*repository.ApproverAssignment, error) {
	all, err := p.approvers.ListByWorkflow(ctx, inst.WorkflowID)
	if err != nil {
		return nil, err
	}

	var current *repository.ApproverAssignment
	if inst.CurrentApproverID != nil {
		for _, a := range all {
			if a.ID == *inst.CurrentApproverID {
				current = a
				break
			}
		}
	}

	seen := make(map[string]bool)
	var candidates []*repository.ApproverAssignment
	for _, a := range all {
		if a.Level < inst.CurrentLevel || a.UserID == nil || !IsEligible(a, inst.Amount) {
			continue
		}
		if current != nil && (a.ID == current.ID || sameUser(a, current)) {
			continue
		}
		if isActor(a, actor) {
			continue
		}
		if seen[*a.UserID] {
			continue
		}
		seen[*a.UserID] = true
		candidates = append(candidates, a)
	}
	return candidates, nil
}

// ResolveTarget returns the candidate assignment for targetUserID. An actor
// can never escalate to themselves.
func (p *EscalationPolicy) ResolveTarget(ctx context.Context, inst *repository.WorkflowInstance, actor auth.Actor, targetUserID string) (*repository.ApproverAssignment, error) {
	if actor.UserID != "" && targetUserID == actor.UserID {
		return nil, selfEscalation()
	}
	candidates, err := p.Candidates(ctx, inst, auth.Actor{})
	if err != nil {
		return nil, err
	}
	for _, c := range candidates {
		if *c.UserID != targetUserID {
			continue
		}
		if isActor(c, actor) {
			return nil, selfEscalation()
		}
		return c, nil
	}
	return nil, errors.InvalidInput("escalateToUserId",
		"escalation target is not an eligible approver for this instance")
}

// TimeoutTarget picks the escalation target for an elapsed timeout: the first
// candidate above the current level, falling back to any candidate.
func (p *EscalationPolicy) TimeoutTarget(ctx context.Context, inst *repository.WorkflowInstance) (*repository.ApproverAssignment, error) {
	candidates, err := p.Candidates(ctx, inst, auth.Actor{})
	if err != nil {
		return nil, err
	}
	for _, c := range candidates {
		if c.Level > inst.CurrentLevel {
			return c, nil
		}
	}
	if len(candidates) > 0 {
		return candidates[0], nil
	}
	return nil, errors.New(errors.ErrCodeConfiguration, "no escalation target is configured for this instance").
		WithReason(errors.ReasonNoEligibleApprover)
}

// IsOverdue reports whether the current approver's timeout elapsed at now.
func IsOverdue(inst *repository.WorkflowInstance, current *repository.ApproverAssignment, now time.Time) bool {
	if inst.Status != repository.StatusPending || current == nil ||
		current.EscalationTimeout == nil || inst.LevelEnteredAt == nil {
		return false
	}
	return inst.LevelEnteredAt.Add(*current.EscalationTimeout).Before(now)
}

func sameUser(a, b *repository.ApproverAssignment) bool {
	return a.UserID != nil && b.UserID != nil && *a.UserID == *b.UserID
}

// isActor reports whether a is bound to actor by user id or email.
func isActor(a *repository.ApproverAssignment, actor auth.Actor) bool {
	if actor.UserID != "" && a.UserID != nil && *a.UserID == actor.UserID {
		return true
	}
	return actor.EmailMatches(a.ApproverEmail)
}

func selfEscalation() error {
	return errors.InvalidInput("escalateToUserId", "you cannot escalate a decision to yourself")
}
