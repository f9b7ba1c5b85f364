package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/pesio-ai/be-wf-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-wf-approvals/internal/repository"
)

// TokenStatus is the outcome of validating an email approval token.
type TokenStatus string

const (
	TokenValid       TokenStatus = "VALID"
	TokenNotFound    TokenStatus = "NOT_FOUND"
	TokenExpired     TokenStatus = "EXPIRED"
	TokenAlreadyUsed TokenStatus = "ALREADY_USED"
)

const tokenBytes = 32

// ApprovalLink is an issued token with its email link.
type ApprovalLink struct {
	Token         *repository.EmailApprovalToken
	URL           string
	ApproverEmail string
}

// TokenService issues, validates and consumes email approval tokens.
type TokenService struct {
	tokens  TokenStore
	ttl     time.Duration
	baseURL string
	now     func() time.Time
}

// NewTokenService creates a new TokenService.
func NewTokenService(tokens TokenStore, ttl time.Duration, baseURL string, now func() time.Time) *TokenService {
	if now == nil {
		now = time.Now
	}
	return &TokenService{
		tokens:  tokens,
		ttl:     ttl,
		baseURL: strings.TrimRight(baseURL, "/"),
		now:     now,
	}
}

// GenerateTokenValue returns 32 random bytes encoded as unpadded base64url.
func GenerateTokenValue() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Issue creates one token for an approver at level.
func (s *TokenService) Issue(ctx context.Context, inst *repository.WorkflowInstance, level int,
	approverEmail, approverName string, action repository.Action, escalateTo *string,
) (*repository.EmailApprovalToken, error) {
	links, err := s.issue(ctx, inst, level, []tokenGrant{{approverEmail, approverName, action, escalateTo}})
	if err != nil {
		return nil, err
	}
	return links[0].Token, nil
}

// IssueForApprovers creates APPROVE, REJECT and REVIEW tokens for every
// approver at level, plus an ESCALATE token for those allowed to escalate.
func (s *TokenService) IssueForApprovers(ctx context.Context, inst *repository.WorkflowInstance, level int,
	approvers []*repository.ApproverAssignment,
) ([]ApprovalLink, error) {
	var grants []tokenGrant
	for _, a := range approvers {
		for _, action := range repository.TokenActions {
			if action == repository.ActionEscalate && !a.CanEscalate {
				continue
			}
			grants = append(grants, tokenGrant{a.ApproverEmail, a.ApproverName, action, nil})
		}
	}
	if len(grants) == 0 {
		return nil, nil
	}
	return s.issue(ctx, inst, level, grants)
}

type tokenGrant struct {
	email      string
	name       string
	action     repository.Action
	escalateTo *string
}

func (s *TokenService) issue(ctx context.Context, inst *repository.WorkflowInstance, level int, grants []tokenGrant) ([]ApprovalLink, error) {
	expiresAt := s.now().Add(s.ttl)
	tokens := make([]*repository.EmailApprovalToken, 0, len(grants))
	for _, g := range grants {
		value, err := GenerateTokenValue()
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to generate approval token")
		}
		tokens = append(tokens, &repository.EmailApprovalToken{
			Token:            value,
			InstanceID:       inst.ID,
			ApproverEmail:    g.email,
			ApproverName:     g.name,
			Level:            level,
			ActionType:       g.action,
			ExpiresAt:        expiresAt,
			EscalateToUserID: g.escalateTo,
		})
	}

	if err := s.tokens.CreateBatch(ctx, tokens); err != nil {
		return nil, err
	}

	links := make([]ApprovalLink, 0, len(tokens))
	for _, t := range tokens {
		links = append(links, ApprovalLink{Token: t, URL: s.ApprovalURL(t), ApproverEmail: t.ApproverEmail})
	}
	return links, nil
}

// ApprovalURL builds the link an approver clicks in the email.
func (s *TokenService) ApprovalURL(t *repository.EmailApprovalToken) string {
	q := url.Values{}
	q.Set("token", t.Token)
	q.Set("action", strings.ToLower(string(t.ActionType)))
	return s.baseURL + "/email-approval?" + q.Encode()
}

// Validate looks a token up and classifies it. A missing token is reported
// as TokenNotFound with a nil error.
func (s *TokenService) Validate(ctx context.Context, token string) (*repository.EmailApprovalToken, TokenStatus, error) {
	if token == "" {
		return nil, TokenNotFound, nil
	}
	t, err := s.tokens.GetByToken(ctx, token)
	if errors.CodeOf(err) == errors.ErrCodeNotFound {
		return nil, TokenNotFound, nil
	}
	if err != nil {
		return nil, "", err
	}
	return t, s.status(t), nil
}

func (s *TokenService) status(t *repository.EmailApprovalToken) TokenStatus {
	switch {
	case t.IsUsed:
		return TokenAlreadyUsed
	case t.IsExpired(s.now()):
		return TokenExpired
	default:
		return TokenValid
	}
}

// Consume checks a token and marks it used. The compare-and-set on the used
// flag makes a second consumer fail with TokenAlreadyUsed.
func (s *TokenService) Consume(ctx context.Context, t *repository.EmailApprovalToken) error {
	switch s.status(t) {
	case TokenAlreadyUsed:
		return tokenAlreadyUsed()
	case TokenExpired:
		return errors.InvalidInput("token", "this approval link has expired").
			WithReason(errors.ReasonTokenExpired)
	}

	ok, err := s.tokens.MarkUsed(ctx, t.Token, s.now())
	if err != nil {
		return err
	}
	if !ok {
		return tokenAlreadyUsed()
	}
	t.IsUsed = true
	return nil
}

// InvalidateSiblings consumes every other outstanding token for the level.
func (s *TokenService) InvalidateSiblings(ctx context.Context, instanceID string, level int) (int64, error) {
	return s.tokens.InvalidateLevel(ctx, instanceID, level, s.now())
}

// InvalidateInstance consumes every outstanding token for the instance.
func (s *TokenService) InvalidateInstance(ctx context.Context, instanceID string) (int64, error) {
	return s.tokens.InvalidateInstance(ctx, instanceID, s.now())
}

// CleanupExpired removes expired tokens.
func (s *TokenService) CleanupExpired(ctx context.Context) (int64, error) {
	return s.tokens.DeleteExpired(ctx, s.now())
}

func tokenAlreadyUsed() error {
	return errors.Conflict(errors.ReasonTokenAlreadyUsed, "this approval link has already been used")
}

func tokenNotFound() error {
	return errors.New(errors.ErrCodeNotFound, "approval link not found")
}
