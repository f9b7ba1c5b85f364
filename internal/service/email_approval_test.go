package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-wf-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-wf-approvals/internal/repository"
)

func emailFixture(t *testing.T, configure ...func(*Options)) (*harness, *repository.WorkflowInstance) {
	h := newHarness(t, configure...)
	wf := h.workflow("PR")
	h.approver(wf, 1, alice, canEscalate())
	h.approver(wf, 1, bob, order(2))
	h.approver(wf, 2, carol)
	return h, h.submitted(wf, amount(2500))
}

func TestProcessEmailApproval_Approve(t *testing.T) {
	h, inst := emailFixture(t)
	token := h.store.tokenValue(inst.ID, alice.Email, repository.ActionApprove)
	require.NotEmpty(t, token)

	res, err := h.svc.ProcessEmailApproval(h.ctx, alice, EmailApprovalRequest{Token: token})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Instance.CurrentLevel)
	assert.Equal(t, repository.SourceEmail, res.Entry.Source)
	assert.Equal(t, "Approved via email", *res.Entry.Comments)
	for _, tok := range h.store.tokensOf(inst.ID) {
		if tok.Level == 1 {
			assert.True(t, tok.IsUsed, "%s token for %s still usable", tok.ActionType, tok.ApproverEmail)
		}
	}
	assert.NotEmpty(t, h.store.tokenValue(inst.ID, carol.Email, repository.ActionApprove))
}

func TestProcessEmailApproval_ReplayIsRejected(t *testing.T) {
	h, inst := emailFixture(t)
	token := h.store.tokenValue(inst.ID, alice.Email, repository.ActionApprove)

	_, err := h.svc.ProcessEmailApproval(h.ctx, alice, EmailApprovalRequest{Token: token})
	require.NoError(t, err)
	entries := len(h.store.historyOf(inst.ID))

	_, err = h.svc.ProcessEmailApproval(h.ctx, alice, EmailApprovalRequest{Token: token})

	requireError(t, err, errors.ErrCodeConflict, errors.ReasonTokenAlreadyUsed)
	assert.Len(t, h.store.historyOf(inst.ID), entries)
}

func TestProcessEmailApproval_SiblingTokenIsInvalidated(t *testing.T) {
	h, inst := emailFixture(t)
	bobToken := h.store.tokenValue(inst.ID, bob.Email, repository.ActionReject)

	h.mustAct(alice, inst.ID, 1, repository.ActionApprove, "")

	_, err := h.svc.ProcessEmailApproval(h.ctx, bob, EmailApprovalRequest{Token: bobToken, Comments: "no"})
	requireError(t, err, errors.ErrCodeConflict, errors.ReasonTokenAlreadyUsed)
}

func TestProcessEmailApproval_Identity(t *testing.T) {
	h, inst := emailFixture(t)
	token := h.store.tokenValue(inst.ID, alice.Email, repository.ActionApprove)

	_, err := h.svc.ProcessEmailApproval(h.ctx, bob, EmailApprovalRequest{Token: token})
	requireError(t, err, errors.ErrCodeForbidden, errors.ReasonEmailMismatch)

	upper := alice
	upper.Email = "ALICE@Example.com"
	_, err = h.svc.ProcessEmailApproval(h.ctx, upper, EmailApprovalRequest{Token: token})
	require.NoError(t, err)
}

func TestProcessEmailApproval_ActionMustMatchToken(t *testing.T) {
	h, inst := emailFixture(t)
	token := h.store.tokenValue(inst.ID, alice.Email, repository.ActionApprove)

	_, err := h.svc.ProcessEmailApproval(h.ctx, alice, EmailApprovalRequest{
		Token:    token,
		Action:   repository.ActionReject,
		Comments: "nope",
	})

	requireError(t, err, errors.ErrCodeInvalidInput, errors.ReasonInvalidAction)
	assert.NotEmpty(t, h.store.tokenValue(inst.ID, alice.Email, repository.ActionApprove))
}

func TestProcessEmailApproval_UnknownAndExpiredTokens(t *testing.T) {
	h, inst := emailFixture(t)

	_, err := h.svc.ProcessEmailApproval(h.ctx, alice, EmailApprovalRequest{Token: "not-a-token"})
	requireError(t, err, errors.ErrCodeNotFound, "")

	token := h.store.tokenValue(inst.ID, alice.Email, repository.ActionApprove)
	h.clock.Advance(49 * time.Hour)

	_, err = h.svc.ProcessEmailApproval(h.ctx, alice, EmailApprovalRequest{Token: token})
	requireError(t, err, errors.ErrCodeInvalidInput, errors.ReasonTokenExpired)
	assert.Equal(t, 1, h.store.instance(inst.ID).CurrentLevel)
}

func TestProcessEmailApproval_RejectNeedsComments(t *testing.T) {
	h, inst := emailFixture(t)
	token := h.store.tokenValue(inst.ID, alice.Email, repository.ActionReject)

	_, err := h.svc.ProcessEmailApproval(h.ctx, alice, EmailApprovalRequest{Token: token})
	requireError(t, err, errors.ErrCodeInvalidInput, errors.ReasonCommentsRequired)
	assert.NotEmpty(t, h.store.tokenValue(inst.ID, alice.Email, repository.ActionReject), "failed attempt must not consume the token")

	res, err := h.svc.ProcessEmailApproval(h.ctx, alice, EmailApprovalRequest{Token: token, Comments: "Duplicate request"})
	require.NoError(t, err)
	assert.Equal(t, repository.StatusRejected, res.Instance.Status)
}

func TestProcessEmailApproval_Escalate(t *testing.T) {
	h, inst := emailFixture(t)
	token := h.store.tokenValue(inst.ID, alice.Email, repository.ActionEscalate)

	_, err := h.svc.ProcessEmailApproval(h.ctx, alice, EmailApprovalRequest{Token: token})
	coded := requireError(t, err, errors.ErrCodeInvalidInput, "")
	assert.Equal(t, "escalateToUserId", coded.Field)
	assert.NotEmpty(t, h.store.tokenValue(inst.ID, alice.Email, repository.ActionEscalate))

	res, err := h.svc.ProcessEmailApproval(h.ctx, alice, EmailApprovalRequest{
		Token:            token,
		EscalateToUserID: carol.UserID,
	})
	require.NoError(t, err)

	assert.Equal(t, repository.StatusEscalated, res.Instance.Status)
	assert.Equal(t, 1, res.Instance.CurrentLevel)
	assert.Equal(t, "Escalated via email", *res.Entry.Comments)
	assert.Empty(t, h.store.tokenValue(inst.ID, bob.Email, repository.ActionApprove))
	assert.NotEmpty(t, h.store.tokenValue(inst.ID, carol.Email, repository.ActionApprove))

	escalated := 0
	for _, e := range h.store.historyOf(inst.ID) {
		if e.Action == repository.HistoryEscalated {
			escalated++
		}
	}
	assert.Equal(t, 1, escalated)
}

func TestProcessEmailApproval_TokenBoundEscalationTarget(t *testing.T) {
	h, inst := emailFixture(t)
	token := h.store.tokenValue(inst.ID, alice.Email, repository.ActionEscalate)
	target := carol.UserID
	h.store.updateToken(token, func(tok *repository.EmailApprovalToken) { tok.EscalateToUserID = &target })

	res, err := h.svc.ProcessEmailApproval(h.ctx, alice, EmailApprovalRequest{Token: token})

	require.NoError(t, err)
	assert.Equal(t, carol.UserID, *res.Entry.EscalatedTo)
}

func TestProcessEmailApproval_Review(t *testing.T) {
	h, inst := emailFixture(t)
	token := h.store.tokenValue(inst.ID, alice.Email, repository.ActionReview)
	entries := len(h.store.historyOf(inst.ID))

	res, err := h.svc.ProcessEmailApproval(h.ctx, alice, EmailApprovalRequest{Token: token})

	require.NoError(t, err)
	assert.Nil(t, res.Entry)
	assert.Equal(t, repository.StatusPending, res.Instance.Status)
	assert.Len(t, res.Instance.History, entries)
	assert.Len(t, h.store.historyOf(inst.ID), entries)
	assert.Empty(t, h.store.tokenValue(inst.ID, alice.Email, repository.ActionReview))
	assert.NotEmpty(t, h.store.tokenValue(inst.ID, alice.Email, repository.ActionApprove))
}

func TestProcessEmailApproval_Disabled(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.EmailApprovalEnabled = false })
	wf := h.workflow("PR")
	h.approver(wf, 1, alice)
	inst := h.submitted(wf, nil)

	assert.Empty(t, h.store.tokensOf(inst.ID))
	_, err := h.svc.ProcessEmailApproval(h.ctx, alice, EmailApprovalRequest{Token: "anything"})
	requireError(t, err, errors.ErrCodeForbidden, errors.ReasonEmailApprovalDisabled)
}

func TestValidateEmailToken(t *testing.T) {
	h, inst := emailFixture(t)
	token := h.store.tokenValue(inst.ID, alice.Email, repository.ActionApprove)

	res, err := h.svc.ValidateEmailToken(h.ctx, token)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.True(t, res.RequiresAuth)
	require.NotNil(t, res.Summary)
	assert.Equal(t, inst.ReferenceNumber, res.Summary.ReferenceNumber)
	assert.Equal(t, "PR approvals", res.Summary.WorkflowName)
	assert.Equal(t, repository.ActionApprove, res.Summary.ActionType)
	assert.Equal(t, int64(2500), *res.Summary.Amount)

	res, err = h.svc.ValidateEmailToken(h.ctx, "unknown")
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, TokenNotFound, res.Reason)
	assert.Nil(t, res.Summary)

	h.mustAct(bob, inst.ID, 1, repository.ActionApprove, "")
	res, err = h.svc.ValidateEmailToken(h.ctx, token)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, TokenAlreadyUsed, res.Reason)
}

func TestValidateEmailToken_LevelDecidedElsewhere(t *testing.T) {
	h, inst := emailFixture(t)
	token := h.store.tokenValue(inst.ID, alice.Email, repository.ActionApprove)

	stored := h.store.instance(inst.ID)
	stored.CurrentLevel = 2
	h.store.setInstance(stored)

	res, err := h.svc.ValidateEmailToken(h.ctx, token)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, TokenLevelProcessed, res.Reason)
}

func TestEmailEscalationTargetsAndInstance(t *testing.T) {
	h, inst := emailFixture(t)
	token := h.store.tokenValue(inst.ID, alice.Email, repository.ActionEscalate)
	assert.Empty(t, h.store.tokenValue(inst.ID, bob.Email, repository.ActionEscalate), "bob may not escalate")

	targets, err := h.svc.EmailEscalationTargets(h.ctx, alice, token)
	require.NoError(t, err)
	require.Len(t, targets, 2)
	assert.Equal(t, bob.UserID, targets[0].UserID)
	assert.Equal(t, carol.UserID, targets[1].UserID)

	_, err = h.svc.EmailEscalationTargets(h.ctx, carol, token)
	requireError(t, err, errors.ErrCodeForbidden, errors.ReasonEmailMismatch)

	got, err := h.svc.EmailInstance(h.ctx, alice, token)
	require.NoError(t, err)
	assert.Equal(t, inst.ID, got.ID)
	assert.NotEmpty(t, got.History)
}

func TestCleanupExpiredTokens(t *testing.T) {
	h, inst := emailFixture(t)
	total := len(h.store.tokensOf(inst.ID))

	n, err := h.svc.CleanupExpiredTokens(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.clock.Advance(72 * time.Hour)
	n, err = h.svc.CleanupExpiredTokens(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(total), n)
	assert.Empty(t, h.store.tokensOf(inst.ID))
}
