// Package notification renders appointment messages and hands them to a
// Sender. Delivery transport is external; the shipped LogSender writes
// each message to the log.
package notification

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/citywaste/pickup/internal/domain/appointment"
)

type Kind string

const (
	KindConfirmation Kind = "appointment-confirmation"
	KindUpdate       Kind = "appointment-update"
	KindCancellation Kind = "appointment-cancellation"
	KindReminder     Kind = "appointment-reminder"
)

const (
	StatusSent   = "sent"
	StatusFailed = "failed"
)

// Message is one rendered notification and its delivery outcome.
type Message struct {
	ID            string     `json:"id"`
	Kind          Kind       `json:"kind"`
	Recipient     string     `json:"recipient"`
	AppointmentID string     `json:"appointment_id"`
	Subject       string     `json:"subject"`
	Body          string     `json:"body"`
	Status        string     `json:"status"`
	Error         string     `json:"error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	SentAt        *time.Time `json:"sent_at,omitempty"`
}

// Sender delivers a rendered message.
type Sender interface {
	Send(ctx context.Context, m *Message) error
}

// LogSender logs messages instead of delivering them.
type LogSender struct {
	logger zerolog.Logger
}

func NewLogSender(logger zerolog.Logger) *LogSender {
	return &LogSender{logger: logger.With().Str("component", "notification").Logger()}
}

func (s *LogSender) Send(_ context.Context, m *Message) error {
	s.logger.Info().
		Str("kind", string(m.Kind)).
		Str("recipient", m.Recipient).
		Str("appointment_id", m.AppointmentID).
		Str("subject", m.Subject).
		Msg(m.Body)
	return nil
}

// DefaultHistory bounds the number of messages kept for inspection.
const DefaultHistory = 500

// TemplateNotifier implements appointment.Notifier by rendering one of the
// built-in templates and passing the result to a Sender. The most recent
// messages are kept in memory for operators.
type TemplateNotifier struct {
	sender    Sender
	templates *TemplateEngine

	mu       sync.RWMutex
	history  []*Message
	capacity int
}

func NewTemplateNotifier(sender Sender, templates *TemplateEngine) *TemplateNotifier {
	if templates == nil {
		templates = NewTemplateEngine()
	}
	return &TemplateNotifier{sender: sender, templates: templates, capacity: DefaultHistory}
}

func (n *TemplateNotifier) SendConfirmation(ctx context.Context, a *appointment.Appointment) error {
	return n.deliver(ctx, KindConfirmation, a)
}

func (n *TemplateNotifier) SendUpdate(ctx context.Context, a *appointment.Appointment) error {
	return n.deliver(ctx, KindUpdate, a)
}

func (n *TemplateNotifier) SendCancellation(ctx context.Context, a *appointment.Appointment) error {
	return n.deliver(ctx, KindCancellation, a)
}

func (n *TemplateNotifier) SendReminder(ctx context.Context, a *appointment.Appointment) error {
	return n.deliver(ctx, KindReminder, a)
}

func templateData(a *appointment.Appointment) map[string]string {
	types := make([]string, len(a.WasteTypes))
	for i, t := range a.WasteTypes {
		types[i] = string(t)
	}
	data := map[string]string{
		"appointment_id": a.ID.String(),
		"resident":       a.ResidentID,
		"zone":           a.ZoneID,
		"date":           a.ServiceDate.String(),
		"start":          string(a.Start),
		"end":            string(a.End),
		"status":         string(a.Status),
		"waste_types":    strings.Join(types, ", "),
		"instructions":   a.SpecialInstructions,
		"vehicle":        a.AssignedVehicle,
		"driver":         a.AssignedDriver,
		"reason":         "",
	}
	if a.Cancellation != nil {
		data["reason"] = a.Cancellation.Reason
	}
	return data
}

func (n *TemplateNotifier) deliver(ctx context.Context, kind Kind, a *appointment.Appointment) error {
	subject, body, err := n.templates.Render(string(kind), templateData(a))
	if err != nil {
		return err
	}
	m := &Message{
		ID:            uuid.New().String(),
		Kind:          kind,
		Recipient:     a.ResidentID,
		AppointmentID: a.ID.String(),
		Subject:       subject,
		Body:          body,
		CreatedAt:     time.Now().UTC(),
	}

	sendErr := n.sender.Send(ctx, m)
	if sendErr != nil {
		m.Status = StatusFailed
		m.Error = sendErr.Error()
	} else {
		m.Status = StatusSent
		sentAt := time.Now().UTC()
		m.SentAt = &sentAt
	}
	n.record(m)
	return sendErr
}

func (n *TemplateNotifier) record(m *Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.history = append(n.history, m)
	if over := len(n.history) - n.capacity; over > 0 {
		n.history = append([]*Message(nil), n.history[over:]...)
	}
}

// ListByRecipient returns up to limit recent messages for recipient,
// newest first.
func (n *TemplateNotifier) ListByRecipient(recipient string, limit int) []*Message {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := []*Message{}
	for i := len(n.history) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if m := n.history[i]; m.Recipient == recipient {
			c := *m
			out = append(out, &c)
		}
	}
	return out
}

// Stats counts retained messages by status.
func (n *TemplateNotifier) Stats() map[string]int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	stats := map[string]int{StatusSent: 0, StatusFailed: 0}
	for _, m := range n.history {
		stats[m.Status]++
	}
	return stats
}

var _ appointment.Notifier = (*TemplateNotifier)(nil)
