package service

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/pesio-ai/be-wf-approvals/internal/platform/auth"
	"github.com/pesio-ai/be-wf-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-wf-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-wf-approvals/internal/platform/tracing"
	"github.com/pesio-ai/be-wf-approvals/internal/repository"
)

const (
	defaultEmailApproveComment  = "Approved via email"
	defaultEmailEscalateComment = "Escalated via email"
	timeoutEscalationComment    = "Escalated automatically after the approval timeout elapsed"
	overdueBatchSize            = 100
)

// Options tunes routing behavior.
type Options struct {
	EmailApprovalEnabled bool
	CommentsMandatory    bool
	Clock                func() time.Time
}

// ApprovalRoutingService owns every status, level and approver mutation of a
// workflow instance. Each operation runs in one transaction holding the
// instance lock; notifications go out only after commit.
type ApprovalRoutingService struct {
	tx         TxManager
	workflows  WorkflowStore
	approvers  ApproverStore
	instances  InstanceStore
	history    HistoryStore
	directory  *ApproverDirectory
	escalation *EscalationPolicy
	tokens     *TokenService
	notifier   Notifier
	opts       Options
	now        func() time.Time
	log *logger.Logger
}

// NewApprovalRoutingService creates a new ApprovalRoutingService.
func NewApprovalRoutingService(
	tx TxManager,
	workflows WorkflowStore,
	approvers ApproverStore,
	instances InstanceStore,
	history HistoryStore,
	tokens *TokenService,
	notifier Notifier,
	opts Options,
	log *logger.Logger,
) *ApprovalRoutingService {
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &ApprovalRoutingService{
		tx:         tx,
		workflows:  workflows,
		approvers:  approvers,
		instances:  instances,
		history:    history,
		directory:  NewApproverDirectory(approvers),
		escalation: NewEscalationPolicy(approvers),
		tokens:     tokens,
		notifier:   notifier,
		opts:       opts,
		now:        now,
		log:        log.Component("routing"),
	}
}

// ── Request and result types ─────────────────────────────────────────────────

// CreateInstanceRequest describes a new draft.
type CreateInstanceRequest struct {
	WorkflowID     string            `json:"workflowId"`
	Title          string            `json:"title"`
	Amount         *int64            `json:"amount,omitempty"`
	ScopeID        *string           `json:"scopeId,omitempty"`
	Fields         map[string]string `json:"fields,omitempty"`
	AttachmentRefs []string          `json:"attachmentRefs,omitempty"`
}

// UpdateDraftRequest edits a draft. Nil fields are left unchanged; a non-nil
// Fields or AttachmentRefs replaces the stored value.
type UpdateDraftRequest struct {
	Title          *string           `json:"title,omitempty"`
	Amount         *int64            `json:"amount,omitempty"`
	ScopeID        *string           `json:"scopeId,omitempty"`
	Fields         map[string]string `json:"fields,omitempty"`
	AttachmentRefs []string          `json:"attachmentRefs,omitempty"`
}

// Submissions is an initiator's own instances with summary counts.
type Submissions struct {
	Instances []*repository.WorkflowInstance `json:"instances"`
	Total     int                            `json:"total"`
	Drafts    int                            `json:"drafts"`
	Pending   int                            `json:"pending"`
	OnHold    int                            `json:"onHold"`
}

// ApprovalRequest is an approver's decision on the current level. Level is
// the caller's view of the current level; when set, a stale view fails with
// LevelMismatch.
type ApprovalRequest struct {
	InstanceID       string            `json:"instanceId"`
	Level            *int              `json:"level,omitempty"`
	Action           repository.Action `json:"action"`
	Comments         string            `json:"comments,omitempty"`
	EscalateToUserID string            `json:"escalateToUserId,omitempty"`
}

// EmailApprovalRequest is a decision made from an email link.
type EmailApprovalRequest struct {
	Token            string
	Action           repository.Action
	Comments         string
	EscalateToUserID string
}

// ApprovalResult is the instance after an action plus the ledger entry it wrote.
type ApprovalResult struct {
	Instance *repository.WorkflowInstance `json:"instance"`
	Entry    *repository.HistoryEntry     `json:"entry,omitempty"`
}

// EscalationTarget is a user who may receive an escalated decision.
type EscalationTarget struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Level  int    `json:"level"`
}

// ── Drafts ───────────────────────────────────────────────────────────────────

// CreateDraft creates a DRAFT instance owned by actor.
func (s *ApprovalRoutingService) CreateDraft(ctx context.Context, actor auth.Actor, req CreateInstanceRequest) (inst *repository.WorkflowInstance, err error) {
	ctx, span := tracing.StartSpan(ctx, "routing.CreateDraft", attribute.String("workflow_id", req.WorkflowID))
	defer func() { tracing.EndSpan(span, err) }()

	if req.WorkflowID == "" {
		return nil, errors.InvalidInput("workflowId", "workflow is required")
	}
	if strings.TrimSpace(req.Title) == "" {
		return nil, errors.InvalidInput("title", "title is required")
	}
	if req.Amount != nil && *req.Amount < 0 {
		return nil, errors.InvalidInput("amount", "amount must not be negative")
	}

	wf, err := s.workflows.GetByID(ctx, req.WorkflowID)
	if err != nil {
		return nil, err
	}
	if !wf.IsActive {
		return nil, errors.InvalidInput("workflowId", "workflow is not active")
	}

	err = s.tx.InTransaction(ctx, func(ctx context.Context) error {
		seq, err := s.instances.NextReferenceSequence(ctx)
		if err != nil {
			return err
		}
		inst = &repository.WorkflowInstance{
			ReferenceNumber: referenceNumber(wf.Code, s.now(), seq),
			WorkflowID:      wf.ID,
			Title:           strings.TrimSpace(req.Title),
			Status:          repository.StatusDraft,
			Lifecycle:       repository.LifecycleActive,
			InitiatorID:     actor.UserID,
			InitiatorEmail:  actor.Email,
			InitiatorName:   actor.Name,
			Amount:          req.Amount,
			ScopeID:         req.ScopeID,
			Fields:          req.Fields,
			AttachmentRefs:  req.AttachmentRefs,
		}
		return s.instances.Create(ctx, inst)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("instance_id", inst.ID).
		Str("reference", inst.ReferenceNumber).
		Str("initiator", actor.UserID).
		Msg("Workflow instance drafted")
	return inst, nil
}

// UpdateDraft edits the content of a DRAFT instance. Only the initiator or a
// workflow admin may edit, and never after submission.
func (s *ApprovalRoutingService) UpdateDraft(ctx context.Context, actor auth.Actor, instanceID string, req UpdateDraftRequest) (inst *repository.WorkflowInstance, err error) {
	ctx, span := tracing.StartSpan(ctx, "routing.UpdateDraft", attribute.String("instance_id", instanceID))
	defer func() { tracing.EndSpan(span, err) }()

	if req.Title != nil && strings.TrimSpace(*req.Title) == "" {
		return nil, errors.InvalidInput("title", "title is required")
	}
	if req.Amount != nil && *req.Amount < 0 {
		return nil, errors.InvalidInput("amount", "amount must not be negative")
	}

	err = s.tx.InTransaction(ctx, func(ctx context.Context) error {
		inst, err = s.lockOwned(ctx, actor, instanceID)
		if err != nil {
			return err
		}
		if inst.Status != repository.StatusDraft {
			return errors.Conflict(errors.ReasonInvalidTransition, "cannot update a submitted workflow instance")
		}

		if req.Title != nil {
			inst.Title = strings.TrimSpace(*req.Title)
		}
		if req.Amount != nil {
			inst.Amount = req.Amount
		}
		if req.ScopeID != nil {
			inst.ScopeID = req.ScopeID
		}
		if req.Fields != nil {
			inst.Fields = req.Fields
		}
		if req.AttachmentRefs != nil {
			inst.AttachmentRefs = req.AttachmentRefs
		}
		return s.instances.UpdateContent(ctx, inst)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("instance_id", inst.ID).
		Str("actor", actor.UserID).
		Msg("Workflow draft updated")
	return inst, nil
}

// Clone starts a new draft owned by actor from an existing instance in any
// status. Title, amount, scope and fields are copied; attachments are not.
func (s *ApprovalRoutingService) Clone(ctx context.Context, actor auth.Actor, instanceID string) (*repository.WorkflowInstance, error) {
	src, err := s.instances.GetByID(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	clone, err := s.CreateDraft(ctx, actor, CreateInstanceRequest{
		WorkflowID: src.WorkflowID,
		Title:      src.Title + " (Copy)",
		Amount:     src.Amount,
		ScopeID:    src.ScopeID,
		Fields:     maps.Clone(src.Fields),
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("instance_id", clone.ID).
		Str("source_id", src.ID).
		Msg("Workflow instance cloned")
	return clone, nil
}

// referenceNumber formats CODE-yyyyMMddHHmmss-NNNN.
func referenceNumber(code string, now time.Time, seq int64) string {
	return fmt.Sprintf("%s-%s-%04d", strings.ToUpper(code), now.UTC().Format("20060102150405"), seq%10000)
}

// ── Submission ───────────────────────────────────────────────────────────────

// Submit sends a draft to its lowest configured level. When nobody at that
// level is eligible for the amount the instance is committed ON_HOLD.
func (s *ApprovalRoutingService) Submit(ctx context.Context, actor auth.Actor, instanceID string) (inst *repository.WorkflowInstance, err error) {
	ctx, span := tracing.StartSpan(ctx, "routing.Submit", attribute.String("instance_id", instanceID))
	defer func() { tracing.EndSpan(span, err) }()

	var out outbox
	err = s.tx.InTransaction(ctx, func(ctx context.Context) error {
		out = outbox{}
		inst, err = s.lockOwned(ctx, actor, instanceID)
		if err != nil {
			return err
		}
		if _, err := Transition(inst.Status, EventSubmit); err != nil {
			return err
		}

		levels, err := s.directory.Levels(ctx, inst.WorkflowID)
		if err != nil {
			return err
		}
		if len(levels) == 0 {
			return errors.New(errors.ErrCodeConfiguration, "workflow has no approval levels configured").
				WithReason(errors.ReasonNoEligibleApprover)
		}

		now := s.now()
		inst.SubmittedAt = &now
		if err := s.routeToLevel(ctx, inst, levels[0], EventSubmit, &out); err != nil {
			return err
		}
		comments := ""
		if inst.Status == repository.StatusOnHold {
			comments = "On hold: " + *inst.HoldReason
		}

		return s.record(ctx, inst, s.entry(inst, actor, 0, repository.HistorySubmitted, comments, repository.SourceSystem))
	})
	if err != nil {
		return nil, err
	}

	s.dispatch(ctx, out)
	s.log.Info().
		Str("instance_id", inst.ID).
		Str("status", string(inst.Status)).
		Int("level", inst.CurrentLevel).
		Msg("Workflow instance submitted")
	return inst, nil
}

// Resubmit re-resolves the held level of an ON_HOLD instance after its
// configuration changed. If still nobody is eligible nothing changes.
func (s *ApprovalRoutingService) Resubmit(ctx context.Context, actor auth.Actor, instanceID string) (inst *repository.WorkflowInstance, err error) {
	ctx, span := tracing.StartSpan(ctx, "routing.Resubmit", attribute.String("instance_id", instanceID))
	defer func() { tracing.EndSpan(span, err) }()

	var out outbox
	err = s.tx.InTransaction(ctx, func(ctx context.Context) error {
		out = outbox{}
		inst, err = s.lockOwned(ctx, actor, instanceID)
		if err != nil {
			return err
		}
		next, err := Transition(inst.Status, EventResume)
		if err != nil {
			return err
		}

		eligible, err := s.directory.Eligible(ctx, inst.WorkflowID, inst.CurrentLevel, inst.Amount)
		if err != nil {
			return err
		}
		inst.Status = next
		if err := s.enterLevel(ctx, inst, inst.CurrentLevel, eligible, &out); err != nil {
			return err
		}

		return s.record(ctx, inst, s.entry(inst, actor, 0, repository.HistorySubmitted, "Resubmitted after hold", repository.SourceSystem))
	})
	if err != nil {
		return nil, err
	}

	s.dispatch(ctx, out)
	s.log.Info().Str("instance_id", inst.ID).Int("level", inst.CurrentLevel).Msg("Workflow instance resubmitted")
	return inst, nil
}

// ── Approval processing ──────────────────────────────────────────────────────

type processInput struct {
	req     ApprovalRequest
	source  repository.ActionSource
	token   string
	timeout bool
}

// ProcessApproval applies APPROVE, REJECT or ESCALATE to the current level
// of an instance on behalf of a bound approver.
func (s *ApprovalRoutingService) ProcessApproval(ctx context.Context, actor auth.Actor, req ApprovalRequest) (*ApprovalResult, error) {
	return s.process(ctx, actor, processInput{req: req, source: repository.SourceSystem})
}

func (s *ApprovalRoutingService) process(ctx context.Context, actor auth.Actor, in processInput) (result *ApprovalResult, err error) {
	ctx, span := tracing.StartSpan(ctx, "routing.ProcessApproval",
		attribute.String("instance_id", in.req.InstanceID),
		attribute.String("action", string(in.req.Action)),
		attribute.String("source", string(in.source)),
	)
	defer func() { tracing.EndSpan(span, err) }()

	if in.req.InstanceID == "" {
		return nil, errors.InvalidInput("instanceId", "instance is required")
	}
	switch in.req.Action {
	case repository.ActionApprove, repository.ActionReject, repository.ActionEscalate:
	default:
		return nil, errors.InvalidInput("action", fmt.Sprintf("unsupported action %q", in.req.Action)).
			WithReason(errors.ReasonInvalidAction)
	}

	var out outbox
	err = s.tx.InTransaction(ctx, func(ctx context.Context) error {
		out = outbox{}
		inst, err := s.instances.GetForUpdate(ctx, in.req.InstanceID)
		if err != nil {
			return err
		}

		var token *repository.EmailApprovalToken
		if in.token != "" {
			if token, err = s.lockedToken(ctx, inst, in.token); err != nil {
				return err
			}
		}
		if err := checkDecisionGuard(inst, in.req.Level); err != nil {
			return err
		}

		wf, err := s.workflows.GetByID(ctx, inst.WorkflowID)
		if err != nil {
			return err
		}
		if _, err := s.authorize(ctx, inst, actor, in); err != nil {
			return err
		}
		comments, err := s.validateComments(wf, in)
		if err != nil {
			return err
		}
		if token != nil {
			if err := s.tokens.Consume(ctx, token); err != nil {
				return err
			}
		}

		entry, err := s.apply(ctx, inst, actor, in, token, comments, &out)
		if err != nil {
			return err
		}
		if err := s.record(ctx, inst, entry); err != nil {
			return err
		}
		result = &ApprovalResult{Instance: inst, Entry: entry}
		return nil
	})
	if err != nil {
		s.log.Debug().Err(err).
			Str("instance_id", in.req.InstanceID).
			Str("action", string(in.req.Action)).
			Msg("Approval action refused")
		return nil, err
	}

	s.dispatch(ctx, out)
	s.log.Info().
		Str("instance_id", result.Instance.ID).
		Str("action", string(in.req.Action)).
		Str("source", string(in.source)).
		Str("status", string(result.Instance.Status)).
		Int("level", result.Instance.CurrentLevel).
		Msg("Approval action applied")
	return result, nil
}

// lockedToken reloads a token under the instance lock so two consumers of
// tokens for the same instance observe each other.
func (s *ApprovalRoutingService) lockedToken(ctx context.Context, inst *repository.WorkflowInstance, value string) (*repository.EmailApprovalToken, error) {
	token, status, err := s.tokens.Validate(ctx, value)
	if err != nil {
		return nil, err
	}
	switch status {
	case TokenNotFound:
		return nil, tokenNotFound()
	case TokenAlreadyUsed:
		return nil, tokenAlreadyUsed()
	case TokenExpired:
		return nil, errors.InvalidInput("token", "this approval link has expired").WithReason(errors.ReasonTokenExpired)
	}
	if token.InstanceID != inst.ID {
		return nil, tokenNotFound()
	}
	return token, nil
}

// checkDecisionGuard verifies the instance still awaits a decision at the
// level the caller saw.
func checkDecisionGuard(inst *repository.WorkflowInstance, expectedLevel *int) error {
	if inst.Lifecycle == repository.LifecycleArchived {
		return errors.Conflict(errors.ReasonArchived, "this instance has been archived")
	}
	if !inst.Status.AwaitingDecision() {
		if expectedLevel != nil && (inst.Status == repository.StatusApproved || inst.Status == repository.StatusRejected) {
			return levelMismatch()
		}
		return errors.Conflict(errors.ReasonInstanceNotPending,
			fmt.Sprintf("instance is not awaiting approval (status: %s)", inst.Status))
	}
	if expectedLevel != nil && *expectedLevel != inst.CurrentLevel {
		return levelMismatch()
	}
	return nil
}

func levelMismatch() error {
	return errors.Conflict(errors.ReasonLevelMismatch, "This approval level has already been processed")
}

// authorize returns the assignment the actor acts under. PENDING levels
// accept any eligible approver; ESCALATED levels accept only the escalation
// target. The scheduler may only escalate overdue instances.
func (s *ApprovalRoutingService) authorize(ctx context.Context, inst *repository.WorkflowInstance, actor auth.Actor, in processInput) (*repository.ApproverAssignment, error) {
	var current *repository.ApproverAssignment
	if inst.CurrentApproverID != nil {
		a, err := s.approvers.GetByID(ctx, *inst.CurrentApproverID)
		if err != nil {
			return nil, err
		}
		current = a
	}

	if actor.IsSystem() {
		if in.req.Action != repository.ActionEscalate || !in.timeout {
			return nil, errors.Forbidden("the system actor may only escalate overdue instances")
		}
		if !IsOverdue(inst, current, s.now()) {
			return nil, errors.Conflict(errors.ReasonInstanceNotPending, "instance is no longer overdue")
		}
		return current, nil
	}

	var bound []*repository.ApproverAssignment
	if inst.Status == repository.StatusEscalated {
		if current != nil {
			bound = append(bound, current)
		}
	} else {
		eligible, err := s.directory.Eligible(ctx, inst.WorkflowID, inst.CurrentLevel, inst.Amount)
		if err != nil {
			return nil, err
		}
		bound = eligible
	}

	match := MatchActor(bound, actor)
	if match == nil {
		return nil, errors.Forbidden("you are not an approver for the current level of this instance")
	}
	if in.req.Action == repository.ActionEscalate && !match.CanEscalate {
		return nil, errors.Forbidden("you are not permitted to escalate this instance")
	}
	return match, nil
}

// validateComments enforces the comment rules and returns the comment to
// record, defaulted for email actions.
func (s *ApprovalRoutingService) validateComments(wf *repository.Workflow, in processInput) (string, error) {
	comments := strings.TrimSpace(in.req.Comments)

	required := s.opts.CommentsMandatory || wf.CommentsMandatory
	switch in.req.Action {
	case repository.ActionReject:
		required = true
	case repository.ActionEscalate:
		required = required || wf.CommentsMandatoryOnEscalate
	}
	if in.timeout {
		required = false
	}
	if required && comments == "" {
		return "", errors.InvalidInput("comments",
			fmt.Sprintf("comments are required to %s", strings.ToLower(string(in.req.Action)))).
			WithReason(errors.ReasonCommentsRequired)
	}

	if comments == "" && in.source == repository.SourceEmail {
		switch in.req.Action {
		case repository.ActionApprove:
			comments = defaultEmailApproveComment
		case repository.ActionEscalate:
			comments = defaultEmailEscalateComment
		}
	}
	if comments == "" && in.timeout {
		comments = timeoutEscalationComment
	}
	return comments, nil
}

// apply moves the instance and returns the ledger entry for the decision.
func (s *ApprovalRoutingService) apply(
	ctx context.Context,
	inst *repository.WorkflowInstance,
	actor auth.Actor,
	in processInput,
	token *repository.EmailApprovalToken,
	comments string,
	out *outbox,
) (*repository.HistoryEntry, error) {
	level := inst.CurrentLevel
	var err error

	switch in.req.Action {
	case repository.ActionApprove:
		entry := s.entry(inst, actor, level, repository.HistoryApproved, comments, in.source)
		levels, err := s.directory.Levels(ctx, inst.WorkflowID)
		if err != nil {
			return nil, err
		}
		if _, err := s.tokens.InvalidateSiblings(ctx, inst.ID, level); err != nil {
			return nil, err
		}

		next, ok := NextLevel(levels, level)
		if !ok {
			if inst.Status, err = Transition(inst.Status, EventApprove); err != nil {
				return nil, err
			}
			s.complete(inst)
			if _, err := s.tokens.InvalidateInstance(ctx, inst.ID); err != nil {
				return nil, err
			}
			out.add("approved", inst, actor.UserID, []string{inst.InitiatorEmail}, nil)
			return entry, nil
		}
		if err := s.routeToLevel(ctx, inst, next, EventAdvance, out); err != nil {
			return nil, err
		}
		return entry, nil

	case repository.ActionReject:
		if inst.Status, err = Transition(inst.Status, EventReject); err != nil {
			return nil, err
		}
		s.complete(inst)
		if _, err := s.tokens.InvalidateInstance(ctx, inst.ID); err != nil {
			return nil, err
		}
		out.add("rejected", inst, actor.UserID, []string{inst.InitiatorEmail},
			map[string]any{"level": level, "comments": comments})
		return s.entry(inst, actor, level, repository.HistoryRejected, comments, in.source), nil

	case repository.ActionEscalate:
		if _, err := Transition(inst.Status, EventEscalate); err != nil {
			return nil, err
		}
		target, err := s.escalationTarget(ctx, inst, actor, in, token)
		if err != nil {
			return nil, err
		}
		if inst.Status, err = Transition(inst.Status, EventEscalate); err != nil {
			return nil, err
		}
		if _, err := s.tokens.InvalidateSiblings(ctx, inst.ID, level); err != nil {
			return nil, err
		}
		if err := s.assign(ctx, inst, level, target, []*repository.ApproverAssignment{target}, out); err != nil {
			return nil, err
		}

		entry := s.entry(inst, actor, level, repository.HistoryEscalated, comments, in.source)
		entry.EscalatedTo = target.UserID
		out.add("escalated", inst, actor.UserID, []string{inst.InitiatorEmail},
			map[string]any{"level": level, "escalated_to": target.ApproverName})
		return entry, nil
	}

	return nil, errors.InvalidInput("action", "unsupported action").WithReason(errors.ReasonInvalidAction)
}

// escalationTarget resolves the explicit target, the token-bound target, or
// for the scheduler the policy's timeout target.
func (s *ApprovalRoutingService) escalationTarget(
	ctx context.Context,
	inst *repository.WorkflowInstance,
	actor auth.Actor,
	in processInput,
	token *repository.EmailApprovalToken,
) (*repository.ApproverAssignment, error) {
	targetID := strings.TrimSpace(in.req.EscalateToUserID)
	if targetID == "" && token != nil && token.EscalateToUserID != nil {
		targetID = *token.EscalateToUserID
	}
	if targetID != "" {
		return s.escalation.ResolveTarget(ctx, inst, actor, targetID)
	}
	if actor.IsSystem() {
		return s.escalation.TimeoutTarget(ctx, inst)
	}
	return nil, errors.InvalidInput("escalateToUserId", "an escalation target is required")
}

// routeToLevel resolves eligibility at level and either enters it or puts
// the instance on hold. event is the transition taken when someone is eligible.
func (s *ApprovalRoutingService) routeToLevel(ctx context.Context, inst *repository.WorkflowInstance, level int, event Event, out *outbox) error {
	eligible, err := s.directory.Eligible(ctx, inst.WorkflowID, level, inst.Amount)
	if errors.HasReason(err, errors.ReasonNoEligibleApprover) {
		if inst.Status, err = Transition(inst.Status, EventHold); err != nil {
			return err
		}
		reason := fmt.Sprintf("no approver at level %d is eligible for this amount", level)
		inst.CurrentLevel = level
		inst.CurrentApproverID = nil
		inst.CurrentApproverOrder = 0
		inst.LevelEnteredAt = nil
		inst.HoldReason = &reason
		out.add("on_hold", inst, "", []string{inst.InitiatorEmail}, map[string]any{"reason": reason})
		s.log.Warn().Str("instance_id", inst.ID).Int("level", level).Msg("Workflow instance held: no eligible approver")
		return nil
	}
	if err != nil {
		return err
	}

	if inst.Status, err = Transition(inst.Status, event); err != nil {
		return err
	}
	return s.enterLevel(ctx, inst, level, eligible, out)
}

// enterLevel makes level current with the first eligible approver awaited
// and issues email tokens to every eligible approver.
func (s *ApprovalRoutingService) enterLevel(ctx context.Context, inst *repository.WorkflowInstance, level int, eligible []*repository.ApproverAssignment, out *outbox) error {
	inst.HoldReason = nil
	return s.assign(ctx, inst, level, eligible[0], eligible, out)
}

func (s *ApprovalRoutingService) assign(
	ctx context.Context,
	inst *repository.WorkflowInstance,
	level int,
	current *repository.ApproverAssignment,
	notify []*repository.ApproverAssignment,
	out *outbox,
) error {
	now := s.now()
	inst.CurrentLevel = level
	inst.CurrentApproverID = &current.ID
	inst.CurrentApproverOrder = current.DisplayOrder
	inst.LevelEnteredAt = &now

	links := map[string]map[string]string{}
	if s.opts.EmailApprovalEnabled {
		issued, err := s.tokens.IssueForApprovers(ctx, inst, level, notify)
		if err != nil {
			return err
		}
		for _, l := range issued {
			if links[l.ApproverEmail] == nil {
				links[l.ApproverEmail] = map[string]string{}
			}
			links[l.ApproverEmail][strings.ToLower(string(l.Token.ActionType))] = l.URL
		}
	}

	for _, a := range notify {
		payload := map[string]any{"level": level, "approver_name": a.ApproverName}
		if l := links[a.ApproverEmail]; l != nil {
			payload["links"] = l
		}
		out.add("approval_required", inst, inst.InitiatorID, []string{a.ApproverEmail}, payload)
	}
	return nil
}

func (s *ApprovalRoutingService) complete(inst *repository.WorkflowInstance) {
	now := s.now()
	inst.CompletedAt = &now
}

// ── Cancellation ─────────────────────────────────────────────────────────────

// Cancel withdraws an instance that has not been decided.
func (s *ApprovalRoutingService) Cancel(ctx context.Context, actor auth.Actor, instanceID string, expectedLevel *int, comments string) (*repository.WorkflowInstance, error) {
	return s.withdraw(ctx, actor, instanceID, expectedLevel, comments, EventCancel, repository.HistoryCancelled)
}

// Recall pulls a submitted instance back out of the approval chain.
func (s *ApprovalRoutingService) Recall(ctx context.Context, actor auth.Actor, instanceID string, expectedLevel *int, comments string) (*repository.WorkflowInstance, error) {
	return s.withdraw(ctx, actor, instanceID, expectedLevel, comments, EventRecall, repository.HistoryRecalled)
}

func (s *ApprovalRoutingService) withdraw(
	ctx context.Context,
	actor auth.Actor,
	instanceID string,
	expectedLevel *int,
	comments string,
	event Event,
	action repository.HistoryAction,
) (inst *repository.WorkflowInstance, err error) {
	ctx, span := tracing.StartSpan(ctx, "routing."+strings.ToLower(string(event)), attribute.String("instance_id", instanceID))
	defer func() { tracing.EndSpan(span, err) }()

	var out outbox
	err = s.tx.InTransaction(ctx, func(ctx context.Context) error {
		out = outbox{}
		inst, err = s.lockOwned(ctx, actor, instanceID)
		if err != nil {
			return err
		}
		if expectedLevel != nil && *expectedLevel != inst.CurrentLevel {
			return levelMismatch()
		}
		if inst.Status, err = Transition(inst.Status, event); err != nil {
			return err
		}
		s.complete(inst)
		if _, err := s.tokens.InvalidateInstance(ctx, inst.ID); err != nil {
			return err
		}
		out.add(strings.ToLower(string(action)), inst, actor.UserID, []string{inst.InitiatorEmail}, nil)
		return s.record(ctx, inst, s.entry(inst, actor, inst.CurrentLevel, action, strings.TrimSpace(comments), repository.SourceSystem))
	})
	if err != nil {
		return nil, err
	}

	s.dispatch(ctx, out)
	s.log.Info().Str("instance_id", inst.ID).Str("action", string(action)).Msg("Workflow instance withdrawn")
	return inst, nil
}

// Archive soft-deletes a draft or completed instance. Archived instances
// keep their ledger and reject every mutation.
func (s *ApprovalRoutingService) Archive(ctx context.Context, actor auth.Actor, instanceID string) (inst *repository.WorkflowInstance, err error) {
	ctx, span := tracing.StartSpan(ctx, "routing.Archive", attribute.String("instance_id", instanceID))
	defer func() { tracing.EndSpan(span, err) }()

	err = s.tx.InTransaction(ctx, func(ctx context.Context) error {
		inst, err = s.instances.GetForUpdate(ctx, instanceID)
		if err != nil {
			return err
		}
		if err := assertOwner(inst, actor); err != nil {
			return err
		}
		if inst.Lifecycle == repository.LifecycleArchived {
			return nil
		}
		if inst.Status != repository.StatusDraft && !inst.Status.IsTerminal() {
			return errors.New(errors.ErrCodeConflict, "only drafts and completed instances can be archived").
				WithReason(errors.ReasonInvalidTransition)
		}
		inst.Lifecycle = repository.LifecycleArchived
		return s.instances.Update(ctx, inst)
	})
	if err != nil {
		return nil, err
	}
	return inst, nil
}

// lockOwned locks an active instance the actor initiated.
func (s *ApprovalRoutingService) lockOwned(ctx context.Context, actor auth.Actor, instanceID string) (*repository.WorkflowInstance, error) {
	inst, err := s.instances.GetForUpdate(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Lifecycle == repository.LifecycleArchived {
		return nil, errors.Conflict(errors.ReasonArchived, "this instance has been archived")
	}
	if err := assertOwner(inst, actor); err != nil {
		return nil, err
	}
	return inst, nil
}

func assertOwner(inst *repository.WorkflowInstance, actor auth.Actor) error {
	if actor.UserID != "" && actor.UserID == inst.InitiatorID {
		return nil
	}
	if actor.Has(auth.AuthorityAdmin) {
		return nil
	}
	return errors.Forbidden("only the initiator can perform this action")
}

// ── Queries ──────────────────────────────────────────────────────────────────

// GetInstance returns an instance with its ledger.
func (s *ApprovalRoutingService) GetInstance(ctx context.Context, instanceID string) (*repository.WorkflowInstance, error) {
	inst, err := s.instances.GetByID(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.History, err = s.history.ListByInstance(ctx, instanceID); err != nil {
		return nil, err
	}
	return inst, nil
}

// GetHistory returns the ledger of an instance oldest-first.
func (s *ApprovalRoutingService) GetHistory(ctx context.Context, instanceID string) ([]*repository.HistoryEntry, error) {
	if _, err := s.instances.GetByID(ctx, instanceID); err != nil {
		return nil, err
	}
	return s.history.ListByInstance(ctx, instanceID)
}

// GetByReference returns an instance with its ledger by reference number.
func (s *ApprovalRoutingService) GetByReference(ctx context.Context, ref string) (*repository.WorkflowInstance, error) {
	if strings.TrimSpace(ref) == "" {
		return nil, errors.InvalidInput("referenceNumber", "reference number is required")
	}
	inst, err := s.instances.GetByReference(ctx, ref)
	if err != nil {
		return nil, err
	}
	if inst.History, err = s.history.ListByInstance(ctx, inst.ID); err != nil {
		return nil, err
	}
	return inst, nil
}

// ListMySubmissions returns the instances actor initiated, newest first.
func (s *ApprovalRoutingService) ListMySubmissions(ctx context.Context, actor auth.Actor) (*Submissions, error) {
	instances, err := s.instances.ListByInitiator(ctx, actor.UserID)
	if err != nil {
		return nil, err
	}

	out := &Submissions{Instances: instances, Total: len(instances)}
	if out.Instances == nil {
		out.Instances = []*repository.WorkflowInstance{}
	}
	for _, inst := range instances {
		if inst.Lifecycle != repository.LifecycleActive {
			continue
		}
		switch {
		case inst.Status == repository.StatusDraft:
			out.Drafts++
		case inst.Status == repository.StatusOnHold:
			out.OnHold++
		case inst.Status.AwaitingDecision():
			out.Pending++
		}
	}
	return out, nil
}

// ListPendingApprovals returns instances the actor may decide now.
func (s *ApprovalRoutingService) ListPendingApprovals(ctx context.Context, actor auth.Actor) ([]*repository.WorkflowInstance, error) {
	return s.instances.ListAwaitingApprover(ctx, actor.UserID, actor.Email)
}

// EscalationTargets lists who may receive an escalation of the instance from
// actor.
func (s *ApprovalRoutingService) EscalationTargets(ctx context.Context, actor auth.Actor, instanceID string) ([]EscalationTarget, error) {
	inst, err := s.instances.GetByID(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return s.escalationTargets(ctx, inst, actor)
}

func (s *ApprovalRoutingService) escalationTargets(ctx context.Context, inst *repository.WorkflowInstance, actor auth.Actor) ([]EscalationTarget, error) {
	candidates, err := s.escalation.Candidates(ctx, inst, actor)
	if err != nil {
		return nil, err
	}
	targets := make([]EscalationTarget, 0, len(candidates))
	for _, c := range candidates {
		targets = append(targets, EscalationTarget{
			UserID: *c.UserID,
			Name:   c.ApproverName,
			Email:  c.ApproverEmail,
			Level:  c.Level,
		})
	}
	return targets, nil
}

// ── Scheduled work ───────────────────────────────────────────────────────────

// EscalateOverdue escalates PENDING instances whose approver timeout elapsed.
// Failures on one instance are logged and do not stop the sweep.
func (s *ApprovalRoutingService) EscalateOverdue(ctx context.Context) (int, error) {
	overdue, err := s.instances.ListOverdue(ctx, s.now(), overdueBatchSize)
	if err != nil {
		return 0, err
	}

	escalated := 0
	for _, inst := range overdue {
		level := inst.CurrentLevel
		_, err := s.process(ctx, auth.SystemActor(), processInput{
			req: ApprovalRequest{
				InstanceID: inst.ID,
				Level:      &level,
				Action:     repository.ActionEscalate,
			},
			source:  repository.SourceSystem,
			timeout: true,
		})
		if err != nil {
			s.log.Warn().Err(err).Str("instance_id", inst.ID).Msg("Timeout escalation failed")
			continue
		}
		escalated++
	}
	return escalated, nil
}

// CleanupExpiredTokens deletes expired email approval tokens.
func (s *ApprovalRoutingService) CleanupExpiredTokens(ctx context.Context) (int64, error) {
	return s.tokens.CleanupExpired(ctx)
}

// ── Ledger and notifications ─────────────────────────────────────────────────

func (s *ApprovalRoutingService) entry(
	inst *repository.WorkflowInstance,
	actor auth.Actor,
	level int,
	action repository.HistoryAction,
	comments string,
	source repository.ActionSource,
) *repository.HistoryEntry {
	e := &repository.HistoryEntry{
		InstanceID: inst.ID,
		Level:      level,
		Action:     action,
		Source:     source,
	}
	if !actor.IsSystem() {
		e.ActorID = optional(actor.UserID)
		e.ActorName = optional(actor.Name)
		e.ActorEmail = optional(actor.Email)
	}
	e.Comments = optional(comments)
	return e
}

// record persists the instance and appends its ledger entry in the current
// transaction.
func (s *ApprovalRoutingService) record(ctx context.Context, inst *repository.WorkflowInstance, entry *repository.HistoryEntry) error {
	if err := s.instances.Update(ctx, inst); err != nil {
		return err
	}
	return s.history.Append(ctx, entry)
}

type outboundEvent struct {
	eventType  string
	instance   repository.WorkflowInstance
	actorID    string
	recipients []string
	payload    map[string]any
}

// outbox collects notifications during a transaction for delivery after commit.
type outbox []outboundEvent

func (o *outbox) add(eventType string, inst *repository.WorkflowInstance, actorID string, recipients []string, payload map[string]any) {
	*o = append(*o, outboundEvent{
		eventType:  eventType,
		instance:   *inst,
		actorID:    actorID,
		recipients: recipients,
		payload:    payload,
	})
}

func (s *ApprovalRoutingService) dispatch(ctx context.Context, out outbox) {
	if s.notifier == nil {
		return
	}
	for i := range out {
		ev := out[i]
		if err := s.notifier.PublishWorkflowEvent(ctx, ev.eventType, &ev.instance, ev.actorID, ev.recipients, ev.payload); err != nil {
			s.log.Warn().Err(err).
				Str("instance_id", ev.instance.ID).
				Str("event_type", ev.eventType).
				Msg("Notification failed after commit (non-fatal)")
		}
	}
}

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
