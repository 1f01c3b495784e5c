package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-hse-approvals/internal/approval"
	"github.com/pesio-ai/be-hse-approvals/internal/metrics"
)

// Notification event types.
const (
	EventApprovalRequired = "approval_required"
	EventRequestApproved  = "request_approved"
	EventRequestRejected  = "request_rejected"
	EventRequestWithdrawn = "request_withdrawn"
)

// Notification is what the approval core hands to the notification
// subsystem. Recipients are computed by the caller; the publisher only
// delivers.
type Notification struct {
	EventType   string
	RequestID   string
	ProcessType string
	ActorID     string
	Level       int
	Title       string
	Payload     map[string]interface{}
}

// NotificationPublisher publishes approval events to NATS for consumption
// by the platform notification and email services.
//
// Subject convention: <prefix>.<process_type>.<event_type>
//
// All publish operations are non-fatal: errors are logged and counted but
// never propagated, so notification failures never interrupt approvals.
type NotificationPublisher struct {
	conn   *nats.Conn
	prefix string
	log    zerolog.Logger
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType    string                      `json:"event_type"`
	ActorID      string                      `json:"actor_id"`
	Recipients   []approval.ResolvedApprover `json:"recipients"`
	ResourceType string                      `json:"resource_type,omitempty"`
	ResourceID   string                      `json:"resource_id,omitempty"`
	Level        int                         `json:"level,omitempty"`
	Title        string                      `json:"title,omitempty"`
	IsActionable bool                        `json:"is_actionable,omitempty"`
	ActionURL    string                      `json:"action_url,omitempty"`
	Severity     string                      `json:"severity,omitempty"`
	Category     string                      `json:"category,omitempty"`
	OccurredAt   time.Time                   `json:"occurred_at"`
	Payload      map[string]interface{}      `json:"payload,omitempty"`
}

// ConnectNATS dials the NATS server with reconnect handling logged through log.
func ConnectNATS(url, name string, log zerolog.Logger) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
}

// NewNotificationPublisher creates a publisher. A nil conn yields a publisher
// that only logs, which is how the service runs without NATS configured.
func NewNotificationPublisher(conn *nats.Conn, prefix string, log zerolog.Logger) *NotificationPublisher {
	if prefix == "" {
		prefix = "notifications.hse"
	}
	return &NotificationPublisher{conn: conn, prefix: prefix, log: log}
}

// NotifyEntities publishes one event addressed to recipients.
func (p *NotificationPublisher) NotifyEntities(ctx context.Context, recipients []approval.ResolvedApprover, n Notification) {
	if len(recipients) == 0 {
		return
	}
	if p.conn == nil {
		p.log.Debug().
			Str("event_type", n.EventType).
			Str("request_id", n.RequestID).
			Int("recipients", len(recipients)).
			Msg("notification: NATS not configured, event dropped")
		return
	}

	event := &NotificationEvent{
		EventType:    n.EventType,
		ActorID:      n.ActorID,
		Recipients:   recipients,
		ResourceType: n.ProcessType,
		ResourceID:   n.RequestID,
		Level:        n.Level,
		Title:        n.Title,
		IsActionable: n.EventType == EventApprovalRequired,
		ActionURL:    fmt.Sprintf("/approvals/%s", n.RequestID),
		Severity:     "info",
		Category:     "hse_approval",
		OccurredAt:   time.Now().UTC(),
		Payload:      n.Payload,
	}
	if n.EventType == EventRequestRejected {
		event.Severity = "warning"
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", n.EventType).Msg("notification: failed to marshal event")
		metrics.RecordNotification(n.EventType, "error")
		return
	}

	subject := fmt.Sprintf("%s.%s.%s", p.prefix, n.ProcessType, n.EventType)
	msg := &nats.Msg{Subject: subject, Data: data, Header: nats.Header{}}
	msg.Header.Set(nats.MsgIdHdr, fmt.Sprintf("%s:%s:%d", n.RequestID, n.EventType, n.Level))

	if err := p.conn.PublishMsg(msg); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("request_id", n.RequestID).
			Msg("notification: failed to publish NATS event (non-fatal)")
		metrics.RecordNotification(n.EventType, "error")
		return
	}

	metrics.RecordNotification(n.EventType, "published")
	p.log.Debug().
		Str("subject", subject).
		Str("request_id", n.RequestID).
		Int("recipients", len(recipients)).
		Msg("notification: event published")
}

// Close drains the connection.
func (p *NotificationPublisher) Close() {
	if p.conn != nil {
		_ = p.conn.Drain()
	}
}
