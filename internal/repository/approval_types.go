package repository

import "time"

// ── Enumerations ─────────────────────────────────────────────────────────────

// Status is the lifecycle state of a workflow instance.
type Status string

const (
	StatusDraft     Status = "DRAFT"
	StatusPending   Status = "PENDING"
	StatusEscalated Status = "ESCALATED"
	StatusApproved  Status = "APPROVED"
	StatusRejected  Status = "REJECTED"
	StatusCancelled Status = "CANCELLED"
	StatusOnHold    Status = "ON_HOLD"
)

// IsTerminal reports whether no transition leaves s.
func (s Status) IsTerminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusCancelled
}

// AwaitingDecision reports whether an approver may act on an instance in s.
func (s Status) AwaitingDecision() bool {
	return s == StatusPending || s == StatusEscalated
}

// Lifecycle separates live records from archived ones. Instances are never
// physically deleted once they have history.
type Lifecycle string

const (
	LifecycleActive   Lifecycle = "ACTIVE"
	LifecycleArchived Lifecycle = "ARCHIVED"
)

// Action is what an approver asks to do at the current level. REVIEW only
// exists as an email token type.
type Action string

const (
	ActionApprove  Action = "APPROVE"
	ActionReject   Action = "REJECT"
	ActionEscalate Action = "ESCALATE"
	ActionReview   Action = "REVIEW"
)

// TokenActions are issued to approvers when a level becomes current.
// ESCALATE goes only to approvers who may escalate.
var TokenActions = []Action{ActionApprove, ActionReject, ActionEscalate, ActionReview}

// HistoryAction is the fact recorded in the ledger.
type HistoryAction string

const (
	HistorySubmitted  HistoryAction = "SUBMITTED"
	HistoryApproved   HistoryAction = "APPROVED"
	HistoryRejected   HistoryAction = "REJECTED"
	HistoryEscalated  HistoryAction = "ESCALATED"
	HistoryCancelled  HistoryAction = "CANCELLED"
	// RETURNED and REASSIGNED are written by administrative tooling outside
	// the routing engine; the engine reads them back but never records them.
	HistoryReturned   HistoryAction = "RETURNED"
	HistoryReassigned HistoryAction = "REASSIGNED"
	HistoryRecalled   HistoryAction = "RECALLED"
)

// ActionSource tells how an action reached the engine.
type ActionSource string

const (
	SourceSystem ActionSource = "SYSTEM"
	SourceEmail  ActionSource = "EMAIL"
)

// ── Configuration (read-only to the engine) ──────────────────────────────────

// Workflow is a workflow definition.
type Workflow struct {
	ID                          string    `json:"id"`
	Code                        string    `json:"code"`
	Name                        string    `json:"name"`
	CommentsMandatory           bool      `json:"commentsMandatory"`
	CommentsMandatoryOnEscalate bool      `json:"commentsMandatoryOnEscalate"`
	IsActive                    bool      `json:"isActive"`
	CreatedAt                   time.Time `json:"createdAt"`
	UpdatedAt                   time.Time `json:"updatedAt"`
}

// ApproverAssignment binds an approver to a level of a workflow.
type ApproverAssignment struct {
	ID                string         `json:"id"`
	WorkflowID        string         `json:"workflowId"`
	Level             int            `json:"level"`
	DisplayOrder      int            `json:"displayOrder"`
	UserID            *string        `json:"userId,omitempty"`
	ApproverEmail     string         `json:"approverEmail"`
	ApproverName      string         `json:"approverName"`
	ApprovalLimit     *int64         `json:"approvalLimit,omitempty"` // minor units; nil with IsUnlimited=false means no amount is allowed
	IsUnlimited       bool           `json:"isUnlimited"`
	CanEscalate       bool           `json:"canEscalate"`
	EscalationTimeout *time.Duration `json:"escalationTimeout,omitempty"`
	IsActive          bool           `json:"isActive"`
	CreatedAt         time.Time      `json:"createdAt"`
	UpdatedAt         time.Time      `json:"updatedAt"`
}

// ── Instances ────────────────────────────────────────────────────────────────

// WorkflowInstance is one submission travelling through the approval levels.
type WorkflowInstance struct {
	ID                   string            `json:"id"`
	ReferenceNumber      string            `json:"referenceNumber"`
	WorkflowID           string            `json:"workflowId"`
	Title                string            `json:"title"`
	Status               Status            `json:"status"`
	Lifecycle            Lifecycle         `json:"lifecycle"`
	InitiatorID          string            `json:"initiatorId"`
	InitiatorEmail       string            `json:"initiatorEmail"`
	InitiatorName        string            `json:"initiatorName"`
	CurrentLevel         int               `json:"currentLevel"`
	CurrentApproverOrder int               `json:"currentApproverOrder"`
	CurrentApproverID    *string           `json:"currentApproverId,omitempty"` // approver assignment currently awaited
	Amount               *int64            `json:"amount,omitempty"`            // minor units
	ScopeID              *string           `json:"scopeId,omitempty"`
	Fields               map[string]string `json:"fields,omitempty"`
	AttachmentRefs       []string          `json:"attachmentRefs,omitempty"`
	HoldReason           *string           `json:"holdReason,omitempty"`
	LevelEnteredAt       *time.Time        `json:"levelEnteredAt,omitempty"`
	SubmittedAt          *time.Time        `json:"submittedAt,omitempty"`
	CompletedAt          *time.Time        `json:"completedAt,omitempty"`
	CreatedAt            time.Time         `json:"createdAt"`
	UpdatedAt            time.Time         `json:"updatedAt"`

	History []*HistoryEntry `json:"history,omitempty"`
}

// HistoryEntry is one immutable ledger fact.
type HistoryEntry struct {
	ID          string        `json:"id"`
	InstanceID  string        `json:"instanceId"`
	Level       int           `json:"level"`
	ActorID     *string       `json:"actorId,omitempty"`
	ActorName   *string       `json:"actorName,omitempty"`
	ActorEmail  *string       `json:"actorEmail,omitempty"`
	Action      HistoryAction `json:"action"`
	Comments    *string       `json:"comments,omitempty"`
	Source      ActionSource  `json:"source"`
	EscalatedTo *string       `json:"escalatedTo,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
}

// EmailApprovalToken lets an approver act on one instance level from an
// email link.
type EmailApprovalToken struct {
	ID               string     `json:"id"`
	Token            string     `json:"-"`
	InstanceID       string     `json:"instanceId"`
	ApproverEmail    string     `json:"approverEmail"`
	ApproverName     string     `json:"approverName"`
	Level            int        `json:"level"`
	ActionType       Action     `json:"actionType"`
	ExpiresAt        time.Time  `json:"expiresAt"`
	IsUsed           bool       `json:"isUsed"`
	UsedAt           *time.Time `json:"usedAt,omitempty"`
	EscalateToUserID *string    `json:"escalateToUserId,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
}

// IsExpired reports whether the token is past its expiry at now.
func (t *EmailApprovalToken) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// IsValid reports whether the token can still act at now.
func (t *EmailApprovalToken) IsValid(now time.Time) bool {
	return !t.IsUsed && !t.IsExpired(now)
}
