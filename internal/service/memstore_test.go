package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pesio-ai/be-wf-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-wf-approvals/internal/repository"
)

// memStore is an in-memory implementation of every store the routing service
// uses. Transactions are serialized and roll back by restoring a snapshot.
type memStore struct {
	txMu sync.Mutex
	mu   sync.Mutex
	d    memData

	appendErr error
	updateErr error
}

type memData struct {
	nextID    int
	refSeq    int64
	workflows map[string]repository.Workflow
	approvers map[string]repository.ApproverAssignment
	instances map[string]repository.WorkflowInstance
	history   []repository.HistoryEntry
	tokens    map[string]repository.EmailApprovalToken
}

type memTxKey struct{}

func newMemStore() *memStore {
	return &memStore{d: memData{
		workflows: map[string]repository.Workflow{},
		approvers: map[string]repository.ApproverAssignment{},
		instances: map[string]repository.WorkflowInstance{},
		tokens:    map[string]repository.EmailApprovalToken{},
	}}
}

func (d memData) clone() memData {
	cp := d
	cp.workflows = make(map[string]repository.Workflow, len(d.workflows))
	for k, v := range d.workflows {
		cp.workflows[k] = v
	}
	cp.approvers = make(map[string]repository.ApproverAssignment, len(d.approvers))
	for k, v := range d.approvers {
		cp.approvers[k] = v
	}
	cp.instances = make(map[string]repository.WorkflowInstance, len(d.instances))
	for k, v := range d.instances {
		cp.instances[k] = v
	}
	cp.tokens = make(map[string]repository.EmailApprovalToken, len(d.tokens))
	for k, v := range d.tokens {
		cp.tokens[k] = v
	}
	cp.history = append([]repository.HistoryEntry(nil), d.history...)
	return cp
}

func (m *memStore) id(prefix string) string {
	m.d.nextID++
	return fmt.Sprintf("%s-%d", prefix, m.d.nextID)
}

func (m *memStore) InTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(memTxKey{}) != nil {
		return fn(ctx)
	}
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.Lock()
	snapshot := m.d.clone()
	m.mu.Unlock()

	if err := fn(context.WithValue(ctx, memTxKey{}, true)); err != nil {
		m.mu.Lock()
		m.d = snapshot
		m.mu.Unlock()
		return err
	}
	return nil
}

// ── workflows and approvers ──────────────────────────────────────────────────

type memWorkflows struct{ *memStore }

func (m memWorkflows) GetByID(_ context.Context, id string) (*repository.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.d.workflows[id]
	if !ok {
		return nil, errors.NotFound("workflow", id)
	}
	return &wf, nil
}

func (m *memStore) putWorkflow(wf repository.Workflow) *repository.Workflow {
	m.mu.Lock()
	defer m.mu.Unlock()
	if wf.ID == "" {
		wf.ID = m.id("wf")
	}
	m.d.workflows[wf.ID] = wf
	return &wf
}

type memApprovers struct{ *memStore }

func (m memApprovers) list(filter func(repository.ApproverAssignment) bool) []*repository.ApproverAssignment {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*repository.ApproverAssignment
	for _, a := range m.d.approvers {
		if a.IsActive && filter(a) {
			a := a
			out = append(out, &a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Level != out[j].Level {
			return out[i].Level < out[j].Level
		}
		if out[i].DisplayOrder != out[j].DisplayOrder {
			return out[i].DisplayOrder < out[j].DisplayOrder
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m memApprovers) ListByLevel(_ context.Context, workflowID string, level int) ([]*repository.ApproverAssignment, error) {
	return m.list(func(a repository.ApproverAssignment) bool {
		return a.WorkflowID == workflowID && a.Level == level
	}), nil
}

func (m memApprovers) ListByWorkflow(_ context.Context, workflowID string) ([]*repository.ApproverAssignment, error) {
	return m.list(func(a repository.ApproverAssignment) bool { return a.WorkflowID == workflowID }), nil
}

func (m memApprovers) GetByID(_ context.Context, id string) (*repository.ApproverAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.d.approvers[id]
	if !ok {
		return nil, errors.NotFound("approver", id)
	}
	return &a, nil
}

func (m *memStore) putApprover(a repository.ApproverAssignment) *repository.ApproverAssignment {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == "" {
		a.ID = m.id("apr")
	}
	m.d.approvers[a.ID] = a
	return &a
}

// ── instances ────────────────────────────────────────────────────────────────

type memInstances struct{ *memStore }

func (m memInstances) Create(_ context.Context, inst *repository.WorkflowInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst.ID = m.id("inst")
	inst.CreatedAt = time.Now()
	inst.UpdatedAt = inst.CreatedAt
	cp := *inst
	cp.History = nil
	m.d.instances[inst.ID] = cp
	return nil
}

func (m memInstances) GetByID(_ context.Context, id string) (*repository.WorkflowInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.d.instances[id]
	if !ok {
		return nil, errors.NotFound("workflow_instance", id)
	}
	return &inst, nil
}

func (m memInstances) GetForUpdate(ctx context.Context, id string) (*repository.WorkflowInstance, error) {
	return m.GetByID(ctx, id)
}

func (m memInstances) Update(_ context.Context, inst *repository.WorkflowInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	if _, ok := m.d.instances[inst.ID]; !ok {
		return errors.NotFound("workflow_instance", inst.ID)
	}
	inst.UpdatedAt = time.Now()
	cp := *inst
	cp.History = nil
	m.d.instances[inst.ID] = cp
	return nil
}

func (m memInstances) GetByReference(_ context.Context, ref string) (*repository.WorkflowInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inst := range m.d.instances {
		if inst.ReferenceNumber == ref {
			inst := inst
			return &inst, nil
		}
	}
	return nil, errors.NotFound("workflow_instance", ref)
}

func (m memInstances) UpdateContent(ctx context.Context, inst *repository.WorkflowInstance) error {
	stored, err := m.GetByID(ctx, inst.ID)
	if err != nil {
		return err
	}
	stored.Title = inst.Title
	stored.Amount = inst.Amount
	stored.ScopeID = inst.ScopeID
	stored.Fields = inst.Fields
	stored.AttachmentRefs = inst.AttachmentRefs
	if err := m.Update(ctx, stored); err != nil {
		return err
	}
	inst.UpdatedAt = stored.UpdatedAt
	return nil
}

func (m memInstances) ListByInitiator(_ context.Context, initiatorID string) ([]*repository.WorkflowInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*repository.WorkflowInstance
	for _, inst := range m.d.instances {
		if inst.InitiatorID == initiatorID {
			inst := inst
			out = append(out, &inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReferenceNumber > out[j].ReferenceNumber })
	return out, nil
}

func (m memInstances) NextReferenceSequence(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.d.refSeq++
	return m.d.refSeq, nil
}

func (m memInstances) ListAwaitingApprover(_ context.Context, userID, email string) ([]*repository.WorkflowInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*repository.WorkflowInstance
	for _, inst := range m.d.instances {
		if inst.Lifecycle != repository.LifecycleActive || !inst.Status.AwaitingDecision() {
			continue
		}
		for _, a := range m.d.approvers {
			if !a.IsActive || a.WorkflowID != inst.WorkflowID || a.Level != inst.CurrentLevel {
				continue
			}
			bound := (a.UserID != nil && *a.UserID == userID) || strings.EqualFold(a.ApproverEmail, email)
			if !bound {
				continue
			}
			a := a
			if (inst.Status == repository.StatusPending && IsEligible(&a, inst.Amount)) ||
				(inst.Status == repository.StatusEscalated && inst.CurrentApproverID != nil && *inst.CurrentApproverID == a.ID) {
				inst := inst
				out = append(out, &inst)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m memInstances) ListOverdue(_ context.Context, now time.Time, limit int) ([]*repository.WorkflowInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*repository.WorkflowInstance
	for _, inst := range m.d.instances {
		if inst.Lifecycle != repository.LifecycleActive || inst.CurrentApproverID == nil {
			continue
		}
		a, ok := m.d.approvers[*inst.CurrentApproverID]
		if !ok {
			continue
		}
		inst := inst
		if IsOverdue(&inst, &a, now) {
			out = append(out, &inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ── history ──────────────────────────────────────────────────────────────────

type memHistory struct{ *memStore }

func (m memHistory) Append(_ context.Context, entry *repository.HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	entry.ID = m.id("hist")
	entry.CreatedAt = time.Now()
	m.d.history = append(m.d.history, *entry)
	return nil
}

func (m memHistory) ListByInstance(_ context.Context, instanceID string) ([]*repository.HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*repository.HistoryEntry
	for _, e := range m.d.history {
		if e.InstanceID == instanceID {
			e := e
			out = append(out, &e)
		}
	}
	return out, nil
}

// ── tokens ───────────────────────────────────────────────────────────────────

type memTokens struct{ *memStore }

func (m memTokens) CreateBatch(_ context.Context, tokens []*repository.EmailApprovalToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range tokens {
		if _, dup := m.d.tokens[t.Token]; dup {
			return errors.New(errors.ErrCodeConflict, "duplicate token")
		}
		t.ID = m.id("tok")
		t.CreatedAt = time.Now()
		m.d.tokens[t.Token] = *t
	}
	return nil
}

func (m memTokens) GetByToken(_ context.Context, token string) (*repository.EmailApprovalToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.d.tokens[token]
	if !ok {
		return nil, errors.NotFound("email_approval_token", "")
	}
	return &t, nil
}

func (m memTokens) MarkUsed(_ context.Context, token string, usedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.d.tokens[token]
	if !ok || t.IsUsed {
		return false, nil
	}
	t.IsUsed = true
	t.UsedAt = &usedAt
	m.d.tokens[token] = t
	return true, nil
}

func (m memTokens) invalidate(match func(repository.EmailApprovalToken) bool, at time.Time) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, t := range m.d.tokens {
		if !t.IsUsed && match(t) {
			t.IsUsed = true
			t.UsedAt = &at
			m.d.tokens[k] = t
			n++
		}
	}
	return n
}

func (m memTokens) InvalidateLevel(_ context.Context, instanceID string, level int, at time.Time) (int64, error) {
	return m.invalidate(func(t repository.EmailApprovalToken) bool {
		return t.InstanceID == instanceID && t.Level == level
	}, at), nil
}

func (m memTokens) InvalidateInstance(_ context.Context, instanceID string, at time.Time) (int64, error) {
	return m.invalidate(func(t repository.EmailApprovalToken) bool { return t.InstanceID == instanceID }, at), nil
}

func (m memTokens) DeleteExpired(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, t := range m.d.tokens {
		if t.ExpiresAt.Before(cutoff) {
			delete(m.d.tokens, k)
			n++
		}
	}
	return n, nil
}

// ── inspection helpers ───────────────────────────────────────────────────────

func (m *memStore) historyOf(instanceID string) []repository.HistoryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []repository.HistoryEntry
	for _, e := range m.d.history {
		if e.InstanceID == instanceID {
			out = append(out, e)
		}
	}
	return out
}

func (m *memStore) instance(id string) repository.WorkflowInstance {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.instances[id]
}

func (m *memStore) setInstance(inst repository.WorkflowInstance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.d.instances[inst.ID] = inst
}

// tokenValue returns the unused token issued to email for action on an
// instance, or "" when there is none.
func (m *memStore) tokenValue(instanceID, email string, action repository.Action) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	for v, t := range m.d.tokens {
		if t.InstanceID == instanceID && t.ApproverEmail == email && t.ActionType == action && !t.IsUsed {
			return v
		}
	}
	return ""
}

func (m *memStore) tokensOf(instanceID string) []repository.EmailApprovalToken {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []repository.EmailApprovalToken
	for _, t := range m.d.tokens {
		if t.InstanceID == instanceID {
			out = append(out, t)
		}
	}
	return out
}

func (m *memStore) updateToken(value string, fn func(*repository.EmailApprovalToken)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.d.tokens[value]
	fn(&t)
	m.d.tokens[value] = t
}

// ── notifier ─────────────────────────────────────────────────────────────────

type sentEvent struct {
	eventType  string
	instanceID string
	status     repository.Status
	recipients []string
	payload    map[string]any
}

type recordingNotifier struct {
	mu     sync.Mutex
	err    error
	events []sentEvent
}

func (n *recordingNotifier) PublishWorkflowEvent(_ context.Context, eventType string, inst *repository.WorkflowInstance,
	_ string, recipients []string, payload map[string]any,
) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, sentEvent{
		eventType:  eventType,
		instanceID: inst.ID,
		status:     inst.Status,
		recipients: recipients,
		payload:    payload,
	})
	return n.err
}

func (n *recordingNotifier) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.events))
	for _, e := range n.events {
		out = append(out, e.eventType)
	}
	return out
}
