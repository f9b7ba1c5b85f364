package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/pesio-ai/be-wf-approvals/internal/platform/auth"
	"github.com/pesio-ai/be-wf-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-wf-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-wf-approvals/internal/platform/middleware"
	"github.com/pesio-ai/be-wf-approvals/internal/repository"
	"github.com/pesio-ai/be-wf-approvals/internal/service"
)

// RoutingService is the part of *service.ApprovalRoutingService the HTTP
// layer drives.
type RoutingService interface {
	CreateDraft(ctx context.Context, actor auth.Actor, req service.CreateInstanceRequest) (*repository.WorkflowInstance, error)
	UpdateDraft(ctx context.Context, actor auth.Actor, instanceID string, req service.UpdateDraftRequest) (*repository.WorkflowInstance, error)
	Clone(ctx context.Context, actor auth.Actor, instanceID string) (*repository.WorkflowInstance, error)
	GetInstance(ctx context.Context, instanceID string) (*repository.WorkflowInstance, error)
	GetByReference(ctx context.Context, ref string) (*repository.WorkflowInstance, error)
	ListMySubmissions(ctx context.Context, actor auth.Actor) (*service.Submissions, error)
	GetHistory(ctx context.Context, instanceID string) ([]*repository.HistoryEntry, error)
	Submit(ctx context.Context, actor auth.Actor, instanceID string) (*repository.WorkflowInstance, error)
	Resubmit(ctx context.Context, actor auth.Actor, instanceID string) (*repository.WorkflowInstance, error)
	Cancel(ctx context.Context, actor auth.Actor, instanceID string, expectedLevel *int, comments string) (*repository.WorkflowInstance, error)
	Recall(ctx context.Context, actor auth.Actor, instanceID string, expectedLevel *int, comments string) (*repository.WorkflowInstance, error)
	Archive(ctx context.Context, actor auth.Actor, instanceID string) (*repository.WorkflowInstance, error)
	EscalationTargets(ctx context.Context, actor auth.Actor, instanceID string) ([]service.EscalationTarget, error)
	ListPendingApprovals(ctx context.Context, actor auth.Actor) ([]*repository.WorkflowInstance, error)
	ProcessApproval(ctx context.Context, actor auth.Actor, req service.ApprovalRequest) (*service.ApprovalResult, error)
	ValidateEmailToken(ctx context.Context, token string) (*service.TokenValidation, error)
	ProcessEmailApproval(ctx context.Context, actor auth.Actor, req service.EmailApprovalRequest) (*service.ApprovalResult, error)
	EmailEscalationTargets(ctx context.Context, actor auth.Actor, token string) ([]service.EscalationTarget, error)
	EmailInstance(ctx context.Context, actor auth.Actor, token string) (*repository.WorkflowInstance, error)
}

// Pinger reports database reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HTTPHandler handles HTTP requests
type HTTPHandler struct {
	service RoutingService
	db      Pinger
	log     *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(service RoutingService, db Pinger, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		service: service,
		db:      db,
		log:     log.Component("http"),
	}
}

// RegisterRoutes mounts every endpoint. requireActor guards all routes except
// health and email link validation.
func (h *HTTPHandler) RegisterRoutes(r gin.IRouter, requireActor gin.HandlerFunc) {
	r.GET("/health", h.Health)

	v1 := r.Group("/api/v1")
	v1.GET("/email-approval/validate", h.ValidateEmailToken)

	authed := v1.Group("", requireActor)

	instances := authed.Group("/instances")
	instances.POST("", h.CreateInstance)
	instances.GET("/mine", h.ListMySubmissions)
	instances.GET("/by-reference/:ref", h.GetByReference)
	instances.GET("/:id", h.GetInstance)
	instances.PUT("/:id", h.UpdateDraft)
	instances.POST("/:id/clone", h.Clone)
	instances.GET("/:id/history", h.GetHistory)
	instances.GET("/:id/escalation-targets", h.EscalationTargets)
	instances.POST("/:id/submit", h.Submit)
	instances.POST("/:id/resubmit", h.Resubmit)
	instances.POST("/:id/cancel", h.Cancel)
	instances.POST("/:id/recall", h.Recall)
	instances.DELETE("/:id", h.Archive)

	authed.GET("/approvals/pending", h.ListPendingApprovals)
	authed.POST("/approvals", h.ProcessApproval)

	email := authed.Group("/email-approval")
	email.POST("/process", h.ProcessEmailApproval)
	email.GET("/escalation-targets", h.EmailEscalationTargets)
	email.GET("/instance", h.EmailInstance)
}

// ── Health ───────────────────────────────────────────────────────────────────

// Health reports whether the service can reach its database.
func (h *HTTPHandler) Health(c *gin.Context) {
	if err := h.db.Ping(c.Request.Context()); err != nil {
		h.log.Warn().Err(err).Msg("health check: database unreachable")
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "database": "unreachable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "database": "ok"})
}

// ── Instances ────────────────────────────────────────────────────────────────

// CreateInstance handles create draft HTTP requests
func (h *HTTPHandler) CreateInstance(c *gin.Context) {
	var req service.CreateInstanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badBody(c, err)
		return
	}

	inst, err := h.service.CreateDraft(c.Request.Context(), actor(c), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, inst)
}

// UpdateDraft handles edit draft HTTP requests
func (h *HTTPHandler) UpdateDraft(c *gin.Context) {
	var req service.UpdateDraftRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badBody(c, err)
		return
	}

	inst, err := h.service.UpdateDraft(c.Request.Context(), actor(c), c.Param("id"), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, inst)
}

// Clone handles clone instance HTTP requests
func (h *HTTPHandler) Clone(c *gin.Context) {
	inst, err := h.service.Clone(c.Request.Context(), actor(c), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, inst)
}

// GetByReference returns an instance with its history by reference number.
func (h *HTTPHandler) GetByReference(c *gin.Context) {
	inst, err := h.service.GetByReference(c.Request.Context(), c.Param("ref"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, inst)
}

// ListMySubmissions returns the caller's own instances with counts.
func (h *HTTPHandler) ListMySubmissions(c *gin.Context) {
	subs, err := h.service.ListMySubmissions(c.Request.Context(), actor(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, subs)
}

// GetInstance returns an instance with its history.
func (h *HTTPHandler) GetInstance(c *gin.Context) {
	inst, err := h.service.GetInstance(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, inst)
}

// GetHistory returns the approval ledger of an instance.
func (h *HTTPHandler) GetHistory(c *gin.Context) {
	history, err := h.service.GetHistory(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if history == nil {
		history = []*repository.HistoryEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"history": history})
}

// EscalationTargets lists who may receive an escalation.
func (h *HTTPHandler) EscalationTargets(c *gin.Context) {
	targets, err := h.service.EscalationTargets(c.Request.Context(), actor(c), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"targets": targets})
}

// Submit handles submit instance HTTP requests
func (h *HTTPHandler) Submit(c *gin.Context) {
	h.instanceAction(c, h.service.Submit)
}

// Resubmit handles resubmit held instance HTTP requests
func (h *HTTPHandler) Resubmit(c *gin.Context) {
	h.instanceAction(c, h.service.Resubmit)
}

// Archive handles archive instance HTTP requests
func (h *HTTPHandler) Archive(c *gin.Context) {
	h.instanceAction(c, h.service.Archive)
}

func (h *HTTPHandler) instanceAction(c *gin.Context, fn func(context.Context, auth.Actor, string) (*repository.WorkflowInstance, error)) {
	inst, err := fn(c.Request.Context(), actor(c), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, inst)
}

type withdrawRequest struct {
	Level    *int   `json:"level"`
	Comments string `json:"comments"`
}

// Cancel handles cancel instance HTTP requests
func (h *HTTPHandler) Cancel(c *gin.Context) {
	h.withdraw(c, h.service.Cancel)
}

// Recall handles recall instance HTTP requests
func (h *HTTPHandler) Recall(c *gin.Context) {
	h.withdraw(c, h.service.Recall)
}

func (h *HTTPHandler) withdraw(c *gin.Context, fn func(context.Context, auth.Actor, string, *int, string) (*repository.WorkflowInstance, error)) {
	var req withdrawRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.badBody(c, err)
			return
		}
	}

	inst, err := fn(c.Request.Context(), actor(c), c.Param("id"), req.Level, req.Comments)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, inst)
}

// ── Approvals ────────────────────────────────────────────────────────────────

// ListPendingApprovals returns instances awaiting the caller's decision.
func (h *HTTPHandler) ListPendingApprovals(c *gin.Context) {
	instances, err := h.service.ListPendingApprovals(c.Request.Context(), actor(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if instances == nil {
		instances = []*repository.WorkflowInstance{}
	}
	c.JSON(http.StatusOK, gin.H{"instances": instances, "total": len(instances)})
}

// ProcessApproval applies an approver's decision.
func (h *HTTPHandler) ProcessApproval(c *gin.Context) {
	var req service.ApprovalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badBody(c, err)
		return
	}
	req.Action = repository.Action(strings.ToUpper(strings.TrimSpace(string(req.Action))))

	result, err := h.service.ProcessApproval(c.Request.Context(), actor(c), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// ── Email approval ───────────────────────────────────────────────────────────

// ValidateEmailToken checks an email link without authentication.
func (h *HTTPHandler) ValidateEmailToken(c *gin.Context) {
	result, err := h.service.ValidateEmailToken(c.Request.Context(), c.Query("token"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// ProcessEmailApproval applies the decision an email link grants.
func (h *HTTPHandler) ProcessEmailApproval(c *gin.Context) {
	req := service.EmailApprovalRequest{
		Token:            c.Query("token"),
		Action:           repository.Action(strings.ToUpper(strings.TrimSpace(c.Query("action")))),
		Comments:         c.Query("comments"),
		EscalateToUserID: c.Query("escalateToUserId"),
	}

	result, err := h.service.ProcessEmailApproval(c.Request.Context(), actor(c), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// EmailEscalationTargets handles email escalation target HTTP requests
func (h *HTTPHandler) EmailEscalationTargets(c *gin.Context) {
	targets, err := h.service.EmailEscalationTargets(c.Request.Context(), actor(c), c.Query("token"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"targets": targets})
}

// EmailInstance handles email instance lookup HTTP requests
func (h *HTTPHandler) EmailInstance(c *gin.Context) {
	inst, err := h.service.EmailInstance(c.Request.Context(), actor(c), c.Query("token"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, inst)
}

// ── Responses ────────────────────────────────────────────────────────────────

func actor(c *gin.Context) auth.Actor {
	a, _ := middleware.ActorFrom(c)
	return a
}

func (h *HTTPHandler) badBody(c *gin.Context, err error) {
	h.writeError(c, errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid request body"))
}

// writeError renders a coded error. Uncoded errors are logged and hidden
// behind a generic 500.
func (h *HTTPHandler) writeError(c *gin.Context, err error) {
	coded, ok := errors.As(err)
	if !ok || coded.Code == errors.ErrCodeInternal {
		h.log.Error().Err(err).
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Msg("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   http.StatusText(http.StatusInternalServerError),
			"message": "an unexpected error occurred",
			"code":    errors.ErrCodeInternal,
		})
		return
	}

	status := coded.HTTPStatus()
	body := gin.H{
		"error":   http.StatusText(status),
		"message": coded.Message,
		"code":    coded.Code,
	}
	if coded.Reason != "" {
		body["reason"] = coded.Reason
	}
	if coded.Field != "" {
		body["field"] = coded.Field
	}
	c.JSON(status, body)
}
