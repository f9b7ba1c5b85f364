package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-wf-approvals/internal/platform/database"
	"github.com/pesio-ai/be-wf-approvals/internal/platform/errors"
)

// WorkflowRepository reads workflow definitions.
type WorkflowRepository struct {
	db *database.DB
}

// NewWorkflowRepository creates a new WorkflowRepository.
func NewWorkflowRepository(db *database.DB) *WorkflowRepository {
	return &WorkflowRepository{db: db}
}

const workflowColumns = `
	id, code, name,
	comments_mandatory, comments_mandatory_on_escalate,
	is_active, created_at, updated_at`

// GetByID retrieves a workflow definition.
func (r *WorkflowRepository) GetByID(ctx context.Context, id string) (*Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows WHERE id = $1`

	wf, err := r.scanWorkflow(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("workflow", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get workflow")
	}
	return wf, nil
}

// Upsert inserts or updates a workflow keyed by code.
func (r *WorkflowRepository) Upsert(ctx context.Context, wf *Workflow) error {
	query := `
		INSERT INTO workflows
		    (code, name, comments_mandatory,
		     comments_mandatory_on_escalate, is_active)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (code) DO UPDATE
		SET name                           = EXCLUDED.name,
		    comments_mandatory             = EXCLUDED.comments_mandatory,
		    comments_mandatory_on_escalate = EXCLUDED.comments_mandatory_on_escalate,
		    is_active                      = EXCLUDED.is_active,
		    updated_at                     = NOW()
		RETURNING id, created_at, updated_at
	`

	err := r.db.QueryRow(ctx, query,
		wf.Code,
		wf.Name,
		wf.CommentsMandatory,
		wf.CommentsMandatoryOnEscalate,
		wf.IsActive,
	).Scan(&wf.ID, &wf.CreatedAt, &wf.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to upsert workflow")
	}
	return nil
}

type workflowScanner interface {
	Scan(dest ...any) error
}

func (r *WorkflowRepository) scanWorkflow(row workflowScanner) (*Workflow, error) {
	wf := &Workflow{}
	err := row.Scan(
		&wf.ID,
		&wf.Code,
		&wf.Name,
		&wf.CommentsMandatory,
		&wf.CommentsMandatoryOnEscalate,
		&wf.IsActive,
		&wf.CreatedAt,
		&wf.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return wf, nil
}
