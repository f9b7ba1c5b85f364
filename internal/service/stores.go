package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-wf-approvals/internal/repository"
)

// TxManager runs fn in a transaction carried by the context it passes on.
type TxManager interface {
	InTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// WorkflowStore reads workflow definitions.
type WorkflowStore interface {
	GetByID(ctx context.Context, id string) (*repository.Workflow, error)
}

// ApproverStore reads approver assignments.
type ApproverStore interface {
	ListByLevel(ctx context.Context, workflowID string, level int) ([]*repository.ApproverAssignment, error)
	ListByWorkflow(ctx context.Context, workflowID string) ([]*repository.ApproverAssignment, error)
	GetByID(ctx context.Context, id string) (*repository.ApproverAssignment, error)
}

// InstanceStore persists workflow instances. GetForUpdate holds the instance
// lock until the surrounding transaction ends.
type InstanceStore interface {
	Create(ctx context.Context, inst *repository.WorkflowInstance) error
	GetByID(ctx context.Context, id string) (*repository.WorkflowInstance, error)
	GetByReference(ctx context.Context, ref string) (*repository.WorkflowInstance, error)
	GetForUpdate(ctx context.Context, id string) (*repository.WorkflowInstance, error)
	Update(ctx context.Context, inst *repository.WorkflowInstance) error
	UpdateContent(ctx context.Context, inst *repository.WorkflowInstance) error
	NextReferenceSequence(ctx context.Context) (int64, error)
	ListAwaitingApprover(ctx context.Context, userID, email string) ([]*repository.WorkflowInstance, error)
	ListByInitiator(ctx context.Context, initiatorID string) ([]*repository.WorkflowInstance, error)
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]*repository.WorkflowInstance, error)
}

// HistoryStore is the append-only ledger.
type HistoryStore interface {
	Append(ctx context.Context, entry *repository.HistoryEntry) error
	ListByInstance(ctx context.Context, instanceID string) ([]*repository.HistoryEntry, error)
}

// TokenStore persists email approval tokens. MarkUsed is a compare-and-set
// that reports false when the token was already consumed.
type TokenStore interface {
	CreateBatch(ctx context.Context, tokens []*repository.EmailApprovalToken) error
	GetByToken(ctx context.Context, token string) (*repository.EmailApprovalToken, error)
	MarkUsed(ctx context.Context, token string, usedAt time.Time) (bool, error)
	InvalidateLevel(ctx context.Context, instanceID string, level int, at time.Time) (int64, error)
	InvalidateInstance(ctx context.Context, instanceID string, at time.Time) (int64, error)
	DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

// Notifier delivers workflow events after commit. Failures are logged by
// the caller and never affect the committed transition.
type Notifier interface {
	PublishWorkflowEvent(ctx context.Context, eventType string, inst *repository.WorkflowInstance,
		actorID string, recipients []string, payload map[string]any) error
}
