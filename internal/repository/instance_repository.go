package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-wf-approvals/internal/platform/database"
	"github.com/pesio-ai/be-wf-approvals/internal/platform/errors"
)

// InstanceRepository persists workflow instances. Mutations of a submitted
// instance go through GetForUpdate inside a transaction so concurrent actions
// on the same instance are serialized by the row lock.
type InstanceRepository struct {
	db *database.DB
}

// NewInstanceRepository creates a new InstanceRepository.
func NewInstanceRepository(db *database.DB) *InstanceRepository {
	return &InstanceRepository{db: db}
}

const instanceColumns = `
	i.id, i.reference_number, i.workflow_id, i.title,
	i.status, i.lifecycle,
	i.initiator_id, i.initiator_email, i.initiator_name,
	i.current_level, i.current_approver_order, i.current_approver_id,
	i.amount, i.scope_id, i.fields, i.attachment_refs,
	i.hold_reason, i.level_entered_at,
	i.submitted_at, i.completed_at,
	i.created_at, i.updated_at`

// Create inserts a new instance.
func (r *InstanceRepository) Create(ctx context.Context, inst *WorkflowInstance) error {
	fieldsJSON, attachmentsJSON, err := marshalInstanceJSON(inst)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO workflow_instances
		    (reference_number, workflow_id, title,
		     status, lifecycle,
		     initiator_id, initiator_email, initiator_name,
		     current_level, current_approver_order,
		     amount, scope_id, fields, attachment_refs)
		VALUES ($1, $2, $3,
		        $4, $5,
		        $6, $7, $8,
		        $9, $10,
		        $11, $12, $13, $14)
		RETURNING id, created_at, updated_at
	`

	err = r.db.QueryRow(ctx, query,
		inst.ReferenceNumber,
		inst.WorkflowID,
		inst.Title,
		inst.Status,
		inst.Lifecycle,
		inst.InitiatorID,
		inst.InitiatorEmail,
		inst.InitiatorName,
		inst.CurrentLevel,
		inst.CurrentApproverOrder,
		inst.Amount,
		inst.ScopeID,
		fieldsJSON,
		attachmentsJSON,
	).Scan(&inst.ID, &inst.CreatedAt, &inst.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create workflow instance")
	}
	return nil
}

// GetByID retrieves an instance without locking it.
func (r *InstanceRepository) GetByID(ctx context.Context, id string) (*WorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM workflow_instances i WHERE i.id = $1`

	inst, err := r.scanInstance(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("workflow_instance", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get workflow instance")
	}
	return inst, nil
}

// GetForUpdate retrieves an instance and holds its row lock until the
// surrounding transaction ends. It must be called with a transaction context.
func (r *InstanceRepository) GetForUpdate(ctx context.Context, id string) (*WorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM workflow_instances i WHERE i.id = $1 FOR UPDATE`

	inst, err := r.scanInstance(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("workflow_instance", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to lock workflow instance")
	}
	return inst, nil
}

// Update writes the mutable routing state of an instance.
func (r *InstanceRepository) Update(ctx context.Context, inst *WorkflowInstance) error {
	query := `
		UPDATE workflow_instances
		SET status                 = $2,
		    lifecycle              = $3,
		    current_level          = $4,
		    current_approver_order = $5,
		    current_approver_id    = $6,
		    hold_reason            = $7,
		    level_entered_at       = $8,
		    submitted_at           = $9,
		    completed_at           = $10,
		    updated_at             = NOW()
		WHERE id = $1
		RETURNING updated_at
	`

	err := r.db.QueryRow(ctx, query,
		inst.ID,
		inst.Status,
		inst.Lifecycle,
		inst.CurrentLevel,
		inst.CurrentApproverOrder,
		inst.CurrentApproverID,
		inst.HoldReason,
		inst.LevelEnteredAt,
		inst.SubmittedAt,
		inst.CompletedAt,
	).Scan(&inst.UpdatedAt)
	if err == pgx.ErrNoRows {
		return errors.NotFound("workflow_instance", inst.ID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update workflow instance")
	}
	return nil
}

// GetByReference retrieves an instance by its human-readable reference number.
func (r *InstanceRepository) GetByReference(ctx context.Context, ref string) (*WorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM workflow_instances i WHERE i.reference_number = $1`

	inst, err := r.scanInstance(r.db.QueryRow(ctx, query, ref))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("workflow_instance", ref)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get workflow instance by reference")
	}
	return inst, nil
}

// UpdateContent writes the editable content of an instance: title, amount,
// scope, fields and attachments. Routing state is left untouched.
func (r *InstanceRepository) UpdateContent(ctx context.Context, inst *WorkflowInstance) error {
	fieldsJSON, attachmentsJSON, err := marshalInstanceJSON(inst)
	if err != nil {
		return err
	}

	query := `
		UPDATE workflow_instances
		SET title           = $2,
		    amount          = $3,
		    scope_id        = $4,
		    fields          = $5,
		    attachment_refs = $6,
		    updated_at      = NOW()
		WHERE id = $1
		RETURNING updated_at
	`

	err = r.db.QueryRow(ctx, query,
		inst.ID,
		inst.Title,
		inst.Amount,
		inst.ScopeID,
		fieldsJSON,
		attachmentsJSON,
	).Scan(&inst.UpdatedAt)
	if err == pgx.ErrNoRows {
		return errors.NotFound("workflow_instance", inst.ID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update workflow instance content")
	}
	return nil
}

// ListByInitiator returns the instances submitted or drafted by a user,
// newest first. Archived instances are included.
func (r *InstanceRepository) ListByInitiator(ctx context.Context, initiatorID string) ([]*WorkflowInstance, error) {
	query := `
		SELECT ` + instanceColumns + `
		FROM workflow_instances i
		WHERE i.initiator_id = $1
		ORDER BY i.created_at DESC
	`

	rows, err := r.db.Query(ctx, query, initiatorID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list submissions")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// NextReferenceSequence returns the next value of the reference number sequence.
func (r *InstanceRepository) NextReferenceSequence(ctx context.Context) (int64, error) {
	var seq int64
	if err := r.db.QueryRow(ctx, `SELECT nextval('workflow_instance_ref_seq')`).Scan(&seq); err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to allocate reference number")
	}
	return seq, nil
}

// ListAwaitingApprover returns active instances the given identity may act on
// at their current level: PENDING instances where it is an eligible approver
// and ESCALATED instances where it is the escalation target.
func (r *InstanceRepository) ListAwaitingApprover(ctx context.Context, userID, email string) ([]*WorkflowInstance, error) {
	query := `
		SELECT DISTINCT ` + instanceColumns + `
		FROM workflow_instances i
		JOIN workflow_approvers a
		  ON a.workflow_id = i.workflow_id
		 AND a.level = i.current_level
		 AND a.is_active
		WHERE i.lifecycle = 'ACTIVE'
		  AND (a.user_id = $1 OR LOWER(a.approver_email) = LOWER($2))
		  AND (
		        (i.status = 'PENDING'
		         AND (a.is_unlimited OR i.amount IS NULL OR i.amount <= a.approval_limit))
		     OR (i.status = 'ESCALATED' AND i.current_approver_id = a.id)
		  )
		ORDER BY i.submitted_at ASC
	`

	rows, err := r.db.Query(ctx, query, userID, email)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list awaiting instances")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// ListOverdue returns PENDING instances whose current approver has an
// escalation timeout that elapsed before now.
func (r *InstanceRepository) ListOverdue(ctx context.Context, now time.Time, limit int) ([]*WorkflowInstance, error) {
	query := `
		SELECT ` + instanceColumns + `
		FROM workflow_instances i
		JOIN workflow_approvers a ON a.id = i.current_approver_id
		WHERE i.status = 'PENDING'
		  AND i.lifecycle = 'ACTIVE'
		  AND a.escalation_timeout_seconds IS NOT NULL
		  AND i.level_entered_at + make_interval(secs => a.escalation_timeout_seconds) < $1
		ORDER BY i.level_entered_at ASC
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list overdue instances")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func marshalInstanceJSON(inst *WorkflowInstance) ([]byte, []byte, error) {
	fields := inst.Fields
	if fields == nil {
		fields = map[string]string{}
	}
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal instance fields")
	}

	attachments := inst.AttachmentRefs
	if attachments == nil {
		attachments = []string{}
	}
	attachmentsJSON, err := json.Marshal(attachments)
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal attachment refs")
	}
	return fieldsJSON, attachmentsJSON, nil
}

func (r *InstanceRepository) scanRows(rows pgx.Rows) ([]*WorkflowInstance, error) {
	var instances []*WorkflowInstance
	for rows.Next() {
		inst, err := r.scanInstance(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan workflow instance")
		}
		instances = append(instances, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to iterate workflow instances")
	}
	return instances, nil
}

type instanceScanner interface {
	Scan(dest ...any) error
}

func (r *InstanceRepository) scanInstance(sc instanceScanner) (*WorkflowInstance, error) {
	inst := &WorkflowInstance{}
	var fieldsJSON, attachmentsJSON []byte

	err := sc.Scan(
		&inst.ID,
		&inst.ReferenceNumber,
		&inst.WorkflowID,
		&inst.Title,
		&inst.Status,
		&inst.Lifecycle,
		&inst.InitiatorID,
		&inst.InitiatorEmail,
		&inst.InitiatorName,
		&inst.CurrentLevel,
		&inst.CurrentApproverOrder,
		&inst.CurrentApproverID,
		&inst.Amount,
		&inst.ScopeID,
		&fieldsJSON,
		&attachmentsJSON,
		&inst.HoldReason,
		&inst.LevelEnteredAt,
		&inst.SubmittedAt,
		&inst.CompletedAt,
		&inst.CreatedAt,
		&inst.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(fieldsJSON) > 0 {
		if err := json.Unmarshal(fieldsJSON, &inst.Fields); err != nil {
			return nil, err
		}
	}
	if len(attachmentsJSON) > 0 {
		if err := json.Unmarshal(attachmentsJSON, &inst.AttachmentRefs); err != nil {
			return nil, err
		}
	}
	return inst, nil
}
