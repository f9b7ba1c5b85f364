package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-wf-approvals/internal/repository"
)

// SubjectPrefix is prepended to every event type.
const SubjectPrefix = "notifications.workflow"

// Publisher sends a raw payload on a subject. *natsclient.Client satisfies it.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// NotificationPublisher publishes workflow events to NATS for the
// notifications service.
//
// Subject convention: notifications.workflow.<event_type>
// Event types: approval_required, approved, rejected, escalated, on_hold,
// cancelled, recalled.
//
// Callers publish only after the transition committed; a failed publish is
// returned for logging and never undoes the transition.
type NotificationPublisher struct {
	nats Publisher
	log  zerolog.Logger
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType       string         `json:"event_type"`
	ActorID         string         `json:"actor_id,omitempty"`
	Recipients      []string       `json:"recipients"`
	ResourceType    string         `json:"resource_type"`
	ResourceID      string         `json:"resource_id"`
	ReferenceNumber string         `json:"reference_number"`
	Title           string         `json:"title"`
	Status          string         `json:"status"`
	Level           int            `json:"level"`
	IsActionable    bool           `json:"is_actionable,omitempty"`
	Severity        string         `json:"severity,omitempty"`
	Category        string         `json:"category,omitempty"`
	Payload         map[string]any `json:"payload,omitempty"`
}

// NewNotificationPublisher creates a publisher. A nil publisher disables
// notifications.
func NewNotificationPublisher(nats Publisher, log zerolog.Logger) *NotificationPublisher {
	return &NotificationPublisher{nats: nats, log: log}
}

// PublishWorkflowEvent publishes one event for inst.
// Subject: notifications.workflow.<eventType>
func (p *NotificationPublisher) PublishWorkflowEvent(ctx context.Context, eventType string, inst *repository.WorkflowInstance,
	actorID string, recipients []string, payload map[string]any,
) error {
	if p.nats == nil || len(recipients) == 0 {
		return nil
	}

	event := &NotificationEvent{
		EventType:       eventType,
		ActorID:         actorID,
		Recipients:      recipients,
		ResourceType:    "workflow_instance",
		ResourceID:      inst.ID,
		ReferenceNumber: inst.ReferenceNumber,
		Title:           inst.Title,
		Status:          string(inst.Status),
		Level:           inst.CurrentLevel,
		IsActionable:    eventType == "approval_required",
		Severity:        severity(eventType),
		Category:        "workflow_approval",
		Payload:         payload,
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", eventType, err)
	}

	subject := SubjectPrefix + "." + eventType
	if err := p.nats.Publish(ctx, subject, data); err != nil {
		return err
	}

	p.log.Debug().
		Str("subject", subject).
		Str("instance_id", inst.ID).
		Int("recipients", len(recipients)).
		Msg("notification: event published")
	return nil
}

func severity(eventType string) string {
	switch eventType {
	case "rejected", "on_hold":
		return "warning"
	default:
		return "info"
	}
}
