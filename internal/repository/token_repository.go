package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-wf-approvals/internal/platform/database"
	"github.com/pesio-ai/be-wf-approvals/internal/platform/errors"
)

// TokenRepository stores email approval tokens.
type TokenRepository struct {
	db *database.DB
}

// NewTokenRepository creates a new TokenRepository.
func NewTokenRepository(db *database.DB) *TokenRepository {
	return &TokenRepository{db: db}
}

const tokenColumns = `
	id, token, instance_id, approver_email, approver_name,
	level, action_type, expires_at, is_used, used_at,
	escalate_to_user_id, created_at`

// CreateBatch inserts tokens in one round trip.
func (r *TokenRepository) CreateBatch(ctx context.Context, tokens []*EmailApprovalToken) error {
	if len(tokens) == 0 {
		return nil
	}

	query := `
		INSERT INTO email_approval_tokens
		    (token, instance_id, approver_email, approver_name,
		     level, action_type, expires_at, escalate_to_user_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at
	`

	batch := &pgx.Batch{}
	for _, t := range tokens {
		batch.Queue(query,
			t.Token,
			t.InstanceID,
			t.ApproverEmail,
			t.ApproverName,
			t.Level,
			t.ActionType,
			t.ExpiresAt,
			t.EscalateToUserID,
		)
	}

	return r.db.SendBatch(ctx, batch, func(results pgx.BatchResults) error {
		for _, t := range tokens {
			if err := results.QueryRow().Scan(&t.ID, &t.CreatedAt); err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to create email approval token")
			}
		}
		return nil
	})
}

// GetByToken retrieves a token by its opaque value.
func (r *TokenRepository) GetByToken(ctx context.Context, token string) (*EmailApprovalToken, error) {
	query := `SELECT ` + tokenColumns + ` FROM email_approval_tokens WHERE token = $1`

	t, err := r.scanToken(r.db.QueryRow(ctx, query, token))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("email_approval_token", "")
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get email approval token")
	}
	return t, nil
}

// MarkUsed consumes a token with compare-and-set on the used flag. It
// reports false when the token was already consumed.
func (r *TokenRepository) MarkUsed(ctx context.Context, token string, usedAt time.Time) (bool, error) {
	query := `
		UPDATE email_approval_tokens
		SET is_used = TRUE, used_at = $2
		WHERE token = $1 AND NOT is_used
	`

	tag, err := r.db.Exec(ctx, query, token, usedAt)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to mark token used")
	}
	return tag.RowsAffected() == 1, nil
}

// InvalidateLevel consumes every outstanding token of an instance level.
func (r *TokenRepository) InvalidateLevel(ctx context.Context, instanceID string, level int, at time.Time) (int64, error) {
	query := `
		UPDATE email_approval_tokens
		SET is_used = TRUE, used_at = $3
		WHERE instance_id = $1 AND level = $2 AND NOT is_used
	`

	tag, err := r.db.Exec(ctx, query, instanceID, level, at)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to invalidate level tokens")
	}
	return tag.RowsAffected(), nil
}

// InvalidateInstance consumes every outstanding token of an instance.
func (r *TokenRepository) InvalidateInstance(ctx context.Context, instanceID string, at time.Time) (int64, error) {
	query := `
		UPDATE email_approval_tokens
		SET is_used = TRUE, used_at = $2
		WHERE instance_id = $1 AND NOT is_used
	`

	tag, err := r.db.Exec(ctx, query, instanceID, at)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to invalidate instance tokens")
	}
	return tag.RowsAffected(), nil
}

// DeleteExpired removes tokens that expired before cutoff.
func (r *TokenRepository) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM email_approval_tokens WHERE expires_at < $1`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to delete expired tokens")
	}
	return tag.RowsAffected(), nil
}

// ── scan helper ───────────────────────────────────────────────────────────────

type tokenScanner interface {
	Scan(dest ...any) error
}

func (r *TokenRepository) scanToken(sc tokenScanner) (*EmailApprovalToken, error) {
	t := &EmailApprovalToken{}
	err := sc.Scan(
		&t.ID,
		&t.Token,
		&t.InstanceID,
		&t.ApproverEmail,
		&t.ApproverName,
		&t.Level,
		&t.ActionType,
		&t.ExpiresAt,
		&t.IsUsed,
		&t.UsedAt,
		&t.EscalateToUserID,
		&t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return t, nil
}
