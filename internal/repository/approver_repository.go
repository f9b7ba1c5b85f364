package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-wf-approvals/internal/platform/database"
	"github.com/pesio-ai/be-wf-approvals/internal/platform/errors"
)

// ApproverRepository reads the approver assignments configured per workflow
// level.
type ApproverRepository struct {
	db *database.DB
}

// NewApproverRepository creates a new ApproverRepository.
func NewApproverRepository(db *database.DB) *ApproverRepository {
	return &ApproverRepository{db: db}
}

const approverColumns = `
	id, workflow_id, level, display_order,
	user_id, approver_email, approver_name,
	approval_limit, is_unlimited, can_escalate,
	escalation_timeout_seconds, is_active,
	created_at, updated_at`

// ListByLevel returns the active approvers at a level in display order.
func (r *ApproverRepository) ListByLevel(ctx context.Context, workflowID string, level int) ([]*ApproverAssignment, error) {
	query := `
		SELECT ` + approverColumns + `
		FROM workflow_approvers
		WHERE workflow_id = $1 AND level = $2 AND is_active
		ORDER BY display_order ASC, id ASC
	`

	rows, err := r.db.Query(ctx, query, workflowID, level)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approvers by level")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// ListByWorkflow returns every active approver ordered by level then display order.
func (r *ApproverRepository) ListByWorkflow(ctx context.Context, workflowID string) ([]*ApproverAssignment, error) {
	query := `
		SELECT ` + approverColumns + `
		FROM workflow_approvers
		WHERE workflow_id = $1 AND is_active
		ORDER BY level ASC, display_order ASC, id ASC
	`

	rows, err := r.db.Query(ctx, query, workflowID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approvers")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// GetByID retrieves one assignment, active or not.
func (r *ApproverRepository) GetByID(ctx context.Context, id string) (*ApproverAssignment, error) {
	query := `SELECT ` + approverColumns + ` FROM workflow_approvers WHERE id = $1`

	a, err := r.scanApprover(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approver_assignment", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approver")
	}
	return a, nil
}

// Upsert inserts or updates an assignment keyed by (workflow, level, email).
func (r *ApproverRepository) Upsert(ctx context.Context, a *ApproverAssignment) error {
	query := `
		INSERT INTO workflow_approvers
		    (workflow_id, level, display_order,
		     user_id, approver_email, approver_name,
		     approval_limit, is_unlimited, can_escalate,
		     escalation_timeout_seconds, is_active)
		VALUES ($1, $2, $3,
		        $4, $5, $6,
		        $7, $8, $9,
		        $10, $11)
		ON CONFLICT (workflow_id, level, approver_email) DO UPDATE
		SET display_order              = EXCLUDED.display_order,
		    user_id                    = EXCLUDED.user_id,
		    approver_name              = EXCLUDED.approver_name,
		    approval_limit             = EXCLUDED.approval_limit,
		    is_unlimited               = EXCLUDED.is_unlimited,
		    can_escalate               = EXCLUDED.can_escalate,
		    escalation_timeout_seconds = EXCLUDED.escalation_timeout_seconds,
		    is_active                  = EXCLUDED.is_active,
		    updated_at                 = NOW()
		RETURNING id, created_at, updated_at
	`

	err := r.db.QueryRow(ctx, query,
		a.WorkflowID,
		a.Level,
		a.DisplayOrder,
		a.UserID,
		a.ApproverEmail,
		a.ApproverName,
		a.ApprovalLimit,
		a.IsUnlimited,
		a.CanEscalate,
		durationSeconds(a.EscalationTimeout),
		a.IsActive,
	).Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to upsert approver")
	}
	return nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func (r *ApproverRepository) scanRows(rows pgx.Rows) ([]*ApproverAssignment, error) {
	var approvers []*ApproverAssignment
	for rows.Next() {
		a, err := r.scanApprover(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approver")
		}
		approvers = append(approvers, a)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to iterate approvers")
	}
	return approvers, nil
}

type approverScanner interface {
	Scan(dest ...any) error
}

func (r *ApproverRepository) scanApprover(sc approverScanner) (*ApproverAssignment, error) {
	a := &ApproverAssignment{}
	var timeoutSeconds *int64

	err := sc.Scan(
		&a.ID,
		&a.WorkflowID,
		&a.Level,
		&a.DisplayOrder,
		&a.UserID,
		&a.ApproverEmail,
		&a.ApproverName,
		&a.ApprovalLimit,
		&a.IsUnlimited,
		&a.CanEscalate,
		&timeoutSeconds,
		&a.IsActive,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if timeoutSeconds != nil {
		d := time.Duration(*timeoutSeconds) * time.Second
		a.EscalationTimeout = &d
	}
	return a, nil
}

func durationSeconds(d *time.Duration) *int64 {
	if d == nil {
		return nil
	}
	s := int64(d.Seconds())
	return &s
}
