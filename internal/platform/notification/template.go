package notification

import (
	"fmt"
	"strings"
	"sync"
)

// Template is a subject/body pair with {{key}} placeholders.
type Template struct {
	ID      string `json:"id"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// TemplateEngine holds the message templates keyed by ID.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateEngine creates a TemplateEngine with the appointment
// templates registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]*Template)}
	for _, t := range builtIn {
		e.RegisterTemplate(t)
	}
	return e
}

var builtIn = []Template{
	{
		ID:      string(KindConfirmation),
		Subject: "Pickup requested for {{date}}",
		Body:    "We received your {{waste_types}} pickup request for {{date}} between {{start}} and {{end}} in zone {{zone}}. Reference {{appointment_id}}.",
	},
	{
		ID:      string(KindUpdate),
		Subject: "Pickup on {{date}} is now {{status}}",
		Body:    "Your pickup {{appointment_id}} on {{date}} between {{start}} and {{end}} is now {{status}}.",
	},
	{
		ID:      string(KindCancellation),
		Subject: "Pickup on {{date}} cancelled",
		Body:    "Your pickup {{appointment_id}} on {{date}} between {{start}} and {{end}} was cancelled: {{reason}}",
	},
	{
		ID:      string(KindReminder),
		Subject: "Reminder: pickup {{date}} at {{start}}",
		Body:    "Please have your {{waste_types}} ready on {{date}} between {{start}} and {{end}}. {{instructions}}",
	},
}

// RegisterTemplate adds or replaces a template.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Render performs {{key}} replacement using data. Keys absent from data
// are left as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	subject = t.Subject
	body = t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, strings.TrimSpace(body), nil
}
