package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-wf-approvals/internal/platform/database"
	"github.com/pesio-ai/be-wf-approvals/internal/platform/errors"
)

// HistoryRepository appends and reads the approval ledger. The table has a
// trigger rejecting UPDATE and DELETE, so Append is the only mutation.
type HistoryRepository struct {
	db *database.DB
}

// NewHistoryRepository creates a new HistoryRepository.
func NewHistoryRepository(db *database.DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

// Append inserts one ledger entry.
func (r *HistoryRepository) Append(ctx context.Context, entry *HistoryEntry) error {
	query := `
		INSERT INTO approval_history
		    (instance_id, level,
		     actor_id, actor_name, actor_email,
		     action, comments, source, escalated_to)
		VALUES ($1, $2,
		        $3, $4, $5,
		        $6, $7, $8, $9)
		RETURNING id, created_at
	`

	err := r.db.QueryRow(ctx, query,
		entry.InstanceID,
		entry.Level,
		entry.ActorID,
		entry.ActorName,
		entry.ActorEmail,
		entry.Action,
		entry.Comments,
		entry.Source,
		entry.EscalatedTo,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append approval history")
	}
	return nil
}

// ListByInstance returns the ledger of an instance oldest-first.
func (r *HistoryRepository) ListByInstance(ctx context.Context, instanceID string) ([]*HistoryEntry, error) {
	query := `
		SELECT id, instance_id, level,
		       actor_id, actor_name, actor_email,
		       action, comments, source, escalated_to, created_at
		FROM approval_history
		WHERE instance_id = $1
		ORDER BY seq ASC
	`

	rows, err := r.db.Query(ctx, query, instanceID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval history")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func (r *HistoryRepository) scanRows(rows pgx.Rows) ([]*HistoryEntry, error) {
	var entries []*HistoryEntry
	for rows.Next() {
		entry, err := r.scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to iterate approval history")
	}
	return entries, nil
}

type historyScanner interface {
	Scan(dest ...any) error
}

func (r *HistoryRepository) scanEntry(sc historyScanner) (*HistoryEntry, error) {
	entry := &HistoryEntry{}
	err := sc.Scan(
		&entry.ID,
		&entry.InstanceID,
		&entry.Level,
		&entry.ActorID,
		&entry.ActorName,
		&entry.ActorEmail,
		&entry.Action,
		&entry.Comments,
		&entry.Source,
		&entry.EscalatedTo,
		&entry.CreatedAt,
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval history")
	}
	return entry, nil
}
