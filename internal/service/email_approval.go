package service

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/pesio-ai/be-wf-approvals/internal/platform/auth"
	"github.com/pesio-ai/be-wf-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-wf-approvals/internal/platform/tracing"
	"github.com/pesio-ai/be-wf-approvals/internal/repository"
)

// TokenLevelProcessed reports a token whose level was decided by someone else.
const TokenLevelProcessed TokenStatus = "ALREADY_PROCESSED"

// EmailTokenSummary is what an unauthenticated caller may see about a token's
// instance: enough to render a decision screen and no internal identifiers.
type EmailTokenSummary struct {
	ReferenceNumber string            `json:"referenceNumber"`
	Title           string            `json:"title"`
	WorkflowName    string            `json:"workflowName"`
	Amount          *int64            `json:"amount,omitempty"`
	InitiatorName   string            `json:"initiatorName"`
	Level           int               `json:"level"`
	ActionType      repository.Action `json:"actionType"`
	ApproverName    string            `json:"approverName"`
	ExpiresAt       time.Time         `json:"expiresAt"`
}

// TokenValidation is the result of checking an email link.
type TokenValidation struct {
	Valid        bool               `json:"valid"`
	Reason       TokenStatus        `json:"reason,omitempty"`
	RequiresAuth bool               `json:"requiresAuth"`
	Summary      *EmailTokenSummary `json:"summary,omitempty"`
}

// ValidateEmailToken checks a link without consuming it.
func (s *ApprovalRoutingService) ValidateEmailToken(ctx context.Context, value string) (result *TokenValidation, err error) {
	ctx, span := tracing.StartSpan(ctx, "routing.ValidateEmailToken")
	defer func() { tracing.EndSpan(span, err) }()

	if !s.opts.EmailApprovalEnabled {
		return nil, emailApprovalDisabled()
	}

	token, status, err := s.tokens.Validate(ctx, value)
	if err != nil {
		return nil, err
	}
	if status != TokenValid {
		return &TokenValidation{Valid: false, Reason: status}, nil
	}

	inst, err := s.instances.GetByID(ctx, token.InstanceID)
	if err != nil {
		return nil, err
	}
	if !inst.Status.AwaitingDecision() || inst.CurrentLevel != token.Level ||
		inst.Lifecycle == repository.LifecycleArchived {
		return &TokenValidation{Valid: false, Reason: TokenLevelProcessed}, nil
	}
	wf, err := s.workflows.GetByID(ctx, inst.WorkflowID)
	if err != nil {
		return nil, err
	}

	return &TokenValidation{
		Valid:        true,
		Reason:       TokenValid,
		RequiresAuth: true,
		Summary: &EmailTokenSummary{
			ReferenceNumber: inst.ReferenceNumber,
			Title:           inst.Title,
			WorkflowName:    wf.Name,
			Amount:          inst.Amount,
			InitiatorName:   inst.InitiatorName,
			Level:           token.Level,
			ActionType:      token.ActionType,
			ApproverName:    token.ApproverName,
			ExpiresAt:       token.ExpiresAt,
		},
	}, nil
}

// ProcessEmailApproval applies the decision an email link grants. The
// caller must be authenticated as the approver the link was sent to.
func (s *ApprovalRoutingService) ProcessEmailApproval(ctx context.Context, actor auth.Actor, req EmailApprovalRequest) (*ApprovalResult, error) {
	token, err := s.boundToken(ctx, actor, req.Token)
	if err != nil {
		return nil, err
	}

	action := req.Action
	if action == "" {
		action = token.ActionType
	}
	if action != token.ActionType {
		return nil, errors.InvalidInput("action",
			fmt.Sprintf("this link grants %s, not %s", token.ActionType, action)).
			WithReason(errors.ReasonInvalidAction)
	}

	if action == repository.ActionReview {
		return s.review(ctx, token.InstanceID, req.Token)
	}

	level := token.Level
	return s.process(ctx, actor, processInput{
		req: ApprovalRequest{
			InstanceID:       token.InstanceID,
			Level:            &level,
			Action:           action,
			Comments:         req.Comments,
			EscalateToUserID: req.EscalateToUserID,
		},
		source: repository.SourceEmail,
		token:  req.Token,
	})
}

// review consumes a REVIEW link and returns the instance. Reviewing writes
// no ledger entry and moves nothing.
func (s *ApprovalRoutingService) review(ctx context.Context, instanceID, value string) (result *ApprovalResult, err error) {
	ctx, span := tracing.StartSpan(ctx, "routing.Review", attribute.String("instance_id", instanceID))
	defer func() { tracing.EndSpan(span, err) }()

	err = s.tx.InTransaction(ctx, func(ctx context.Context) error {
		inst, err := s.instances.GetForUpdate(ctx, instanceID)
		if err != nil {
			return err
		}
		token, err := s.lockedToken(ctx, inst, value)
		if err != nil {
			return err
		}
		if err := s.tokens.Consume(ctx, token); err != nil {
			return err
		}
		if inst.History, err = s.history.ListByInstance(ctx, inst.ID); err != nil {
			return err
		}
		result = &ApprovalResult{Instance: inst}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// EmailEscalationTargets lists escalation candidates for a link's instance.
func (s *ApprovalRoutingService) EmailEscalationTargets(ctx context.Context, actor auth.Actor, value string) ([]EscalationTarget, error) {
	token, err := s.boundToken(ctx, actor, value)
	if err != nil {
		return nil, err
	}
	inst, err := s.instances.GetByID(ctx, token.InstanceID)
	if err != nil {
		return nil, err
	}
	return s.escalationTargets(ctx, inst, actor)
}

// EmailInstance returns a link's instance with its ledger.
func (s *ApprovalRoutingService) EmailInstance(ctx context.Context, actor auth.Actor, value string) (*repository.WorkflowInstance, error) {
	token, err := s.boundToken(ctx, actor, value)
	if err != nil {
		return nil, err
	}
	return s.GetInstance(ctx, token.InstanceID)
}

// boundToken loads a link and checks it was sent to actor. Used and expired
// links are returned as-is; consumers decide what those states mean.
func (s *ApprovalRoutingService) boundToken(ctx context.Context, actor auth.Actor, value string) (*repository.EmailApprovalToken, error) {
	if !s.opts.EmailApprovalEnabled {
		return nil, emailApprovalDisabled()
	}
	if value == "" {
		return nil, errors.InvalidInput("token", "token is required")
	}

	token, status, err := s.tokens.Validate(ctx, value)
	if err != nil {
		return nil, err
	}
	if status == TokenNotFound {
		return nil, tokenNotFound()
	}
	if !actor.EmailMatches(token.ApproverEmail) {
		return nil, errors.Forbidden("this approval link was sent to a different user").
			WithReason(errors.ReasonEmailMismatch)
	}
	return token, nil
}

func emailApprovalDisabled() error {
	return errors.New(errors.ErrCodeForbidden, "email approval is disabled").
		WithReason(errors.ReasonEmailApprovalDisabled)
}
