package service

import (
	"context"
	"fmt"
	"sort"

	"github.com/pesio-ai/be-wf-approvals/internal/platform/auth"
	"github.com/pesio-ai/be-wf-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-wf-approvals/internal/repository"
)

// ApproverDirectory resolves which configured approvers may act at a level
// for a given amount.
type ApproverDirectory struct {
	approvers ApproverStore
}

// NewApproverDirectory creates a new ApproverDirectory.
func NewApproverDirectory(approvers ApproverStore) *ApproverDirectory {
	return &ApproverDirectory{approvers: approvers}
}

// IsEligible applies the monetary limit rule. A nil amount is never gated.
func IsEligible(a *repository.ApproverAssignment, amount *int64) bool {
	if amount == nil || a.IsUnlimited {
		return true
	}
	return a.ApprovalLimit != nil && *amount <= *a.ApprovalLimit
}

// Levels returns the distinct configured levels of a workflow in increasing order.
func (d *ApproverDirectory) Levels(ctx context.Context, workflowID string) ([]int, error) {
	all, err := d.approvers.ListByWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	seen := make(map[int]bool)
	var levels []int
	for _, a := range all {
		if !seen[a.Level] {
			seen[a.Level] = true
			levels = append(levels, a.Level)
		}
	}
	sort.Ints(levels)
	return levels, nil
}

// NextLevel returns the first configured level above current.
func NextLevel(levels []int, current int) (int, bool) {
	for _, l := range levels {
		if l > current {
			return l, true
		}
	}
	return 0, false
}

// Eligible returns the approvers allowed to decide level for amount in
// display order. It fails with NoEligibleApprover when the amount exceeds
// every limit at the level.
func (d *ApproverDirectory) Eligible(ctx context.Context, workflowID string, level int, amount *int64) ([]*repository.ApproverAssignment, error) {
	configured, err := d.approvers.ListByLevel(ctx, workflowID, level)
	if err != nil {
		return nil, err
	}

	var eligible []*repository.ApproverAssignment
	for _, a := range configured {
		if IsEligible(a, amount) {
			eligible = append(eligible, a)
		}
	}
	if len(eligible) == 0 {
		return nil, noEligibleApprover(level)
	}
	return eligible, nil
}

// MatchActor finds the assignment bound to actor, by user id first and then
// by case-insensitive email.
func MatchActor(assignments []*repository.ApproverAssignment, actor auth.Actor) *repository.ApproverAssignment {
	for _, a := range assignments {
		if a.UserID != nil && actor.UserID != "" && *a.UserID == actor.UserID {
			return a
		}
	}
	for _, a := range assignments {
		if actor.EmailMatches(a.ApproverEmail) {
			return a
		}
	}
	return nil
}

// MatchEmail finds the assignment bound to email.
func MatchEmail(assignments []*repository.ApproverAssignment, email string) *repository.ApproverAssignment {
	return MatchActor(assignments, auth.Actor{Email: email})
}

func noEligibleApprover(level int) error {
	return errors.New(errors.ErrCodeConfiguration,
		fmt.Sprintf("no approver at level %d is eligible for this amount", level)).
		WithReason(errors.ReasonNoEligibleApprover)
}
