package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-wf-approvals/internal/platform/auth"
	"github.com/pesio-ai/be-wf-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-wf-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-wf-approvals/internal/repository"
)

var (
	initiator = auth.Actor{UserID: "u-ivy", Email: "ivy@example.com", Name: "Ivy Initiator"}
	alice     = auth.Actor{UserID: "u-alice", Email: "alice@example.com", Name: "Alice"}
	bob       = auth.Actor{UserID: "u-bob", Email: "bob@example.com", Name: "Bob"}
	carol     = auth.Actor{UserID: "u-carol", Email: "carol@example.com", Name: "Carol"}
	dave      = auth.Actor{UserID: "u-dave", Email: "dave@example.com", Name: "Dave"}
	admin     = auth.Actor{UserID: "u-admin", Email: "admin@example.com", Name: "Admin", Authorities: []string{auth.AuthorityAdmin}}
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	t        *testing.T
	ctx      context.Context
	store    *memStore
	clock    *testClock
	notifier *recordingNotifier
	tokens   *TokenService
	svc      *ApprovalRoutingService
}

func newHarness(t *testing.T, configure ...func(*Options)) *harness {
	t.Helper()
	store := newMemStore()
	clock := &testClock{now: time.Date(2026, 3, 1, 10, 20, 30, 0, time.UTC)}
	notifier := &recordingNotifier{}
	tokens := NewTokenService(memTokens{store}, 48*time.Hour, "https://approvals.example.com", clock.Now)

	opts := Options{EmailApprovalEnabled: true, Clock: clock.Now}
	for _, fn := range configure {
		fn(&opts)
	}

	svc := NewApprovalRoutingService(store,
		memWorkflows{store}, memApprovers{store}, memInstances{store}, memHistory{store},
		tokens, notifier, opts, logger.Nop())

	return &harness{
		t:        t,
		ctx:      context.Background(),
		store:    store,
		clock:    clock,
		notifier: notifier,
		tokens:   tokens,
		svc:      svc,
	}
}

func (h *harness) workflow(code string, configure ...func(*repository.Workflow)) *repository.Workflow {
	wf := repository.Workflow{Code: code, Name: code + " approvals", IsActive: true}
	for _, fn := range configure {
		fn(&wf)
	}
	return h.store.putWorkflow(wf)
}

type approverOpt func(*repository.ApproverAssignment)

func limit(minor int64) approverOpt {
	return func(a *repository.ApproverAssignment) {
		a.IsUnlimited = false
		a.ApprovalLimit = &minor
	}
}

func canEscalate() approverOpt {
	return func(a *repository.ApproverAssignment) { a.CanEscalate = true }
}

func timeout(d time.Duration) approverOpt {
	return func(a *repository.ApproverAssignment) { a.EscalationTimeout = &d }
}

func order(n int) approverOpt {
	return func(a *repository.ApproverAssignment) { a.DisplayOrder = n }
}

// approver binds actor to level; unlimited unless limit is given.
func (h *harness) approver(wf *repository.Workflow, level int, actor auth.Actor, opts ...approverOpt) *repository.ApproverAssignment {
	userID := actor.UserID
	a := repository.ApproverAssignment{
		WorkflowID:    wf.ID,
		Level:         level,
		DisplayOrder:  1,
		UserID:        &userID,
		ApproverEmail: actor.Email,
		ApproverName:  actor.Name,
		IsUnlimited:   true,
		IsActive:      true,
	}
	for _, fn := range opts {
		fn(&a)
	}
	return h.store.putApprover(a)
}

func (h *harness) draft(wf *repository.Workflow, amount *int64) *repository.WorkflowInstance {
	h.t.Helper()
	inst, err := h.svc.CreateDraft(h.ctx, initiator, CreateInstanceRequest{
		WorkflowID: wf.ID,
		Title:      "Laptop purchase",
		Amount:     amount,
	})
	require.NoError(h.t, err)
	return inst
}

func (h *harness) submitted(wf *repository.Workflow, amount *int64) *repository.WorkflowInstance {
	h.t.Helper()
	inst, err := h.svc.Submit(h.ctx, initiator, h.draft(wf, amount).ID)
	require.NoError(h.t, err)
	return inst
}

func (h *harness) act(actor auth.Actor, instanceID string, level int, action repository.Action, comments string) (*ApprovalResult, error) {
	return h.svc.ProcessApproval(h.ctx, actor, ApprovalRequest{
		InstanceID: instanceID,
		Level:      &level,
		Action:     action,
		Comments:   comments,
	})
}

func (h *harness) mustAct(actor auth.Actor, instanceID string, level int, action repository.Action, comments string) *ApprovalResult {
	h.t.Helper()
	res, err := h.act(actor, instanceID, level, action, comments)
	require.NoError(h.t, err)
	return res
}

func amount(minor int64) *int64 { return &minor }

func requireError(t *testing.T, err error, code errors.Code, reason errors.Reason) *errors.Error {
	t.Helper()
	require.Error(t, err)
	coded, ok := errors.As(err)
	require.True(t, ok, "expected coded error, got %v", err)
	assert.Equal(t, code, coded.Code, coded.Message)
	if reason != "" {
		assert.Equal(t, reason, coded.Reason, coded.Message)
	}
	return coded
}

func historyActions(entries []repository.HistoryEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, string(e.Action))
	}
	return out
}
