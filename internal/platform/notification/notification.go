// Package notification renders patient-facing billing messages (statements,
// reminders, payment-plan offers, escalation notices) from {{key}} templates
// and hands them to a channel sender.
package notification

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Channel is the delivery route for a message.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelMail  Channel = "mail"
)

// Built-in template ids.
const (
	TemplateStatement        = "statement"
	TemplateReminderCall     = "reminder-call"
	TemplatePaymentPlanOffer = "payment-plan-offer"
	TemplateEscalation       = "escalation"
	TemplatePlanDefaulted    = "payment-plan-defaulted"
)

var ErrTemplateNotFound = errors.New("template not found")

// Message is one rendered outbound notification.
type Message struct {
	ID         string            `json:"id"`
	Channel    Channel           `json:"channel"`
	Recipient  string            `json:"recipient"`
	Subject    string            `json:"subject,omitempty"`
	Body       string            `json:"body"`
	TemplateID string            `json:"template_id"`
	SentAt     time.Time         `json:"sent_at"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Sender delivers a rendered message over its channel.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

type Template struct {
	ID      string
	Subject string
	Body    string
	Channel Channel
}

type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]Template
}

var placeholder = regexp.MustCompile(`\{\{([a-z_]+)\}\}`)

func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]Template)}
	for _, t := range builtIn {
		e.templates[t.ID] = t
	}
	return e
}

var builtIn = []Template{
	{
		ID:      TemplateStatement,
		Channel: ChannelEmail,
		Subject: "Statement for account {{account_id}}",
		Body: "Dear {{name}}, your current balance is {{balance}} as of {{date}}. " +
			"The oldest unpaid charge is {{days_outstanding}} days old. Please remit payment or contact our billing office.",
	},
	{
		ID:      TemplateReminderCall,
		Channel: ChannelSMS,
		Body:    "{{name}}, this is a reminder that {{balance}} remains due on account {{account_id}}. Reply or call us to arrange payment.",
	},
	{
		ID:      TemplatePaymentPlanOffer,
		Channel: ChannelEmail,
		Subject: "Payment plan available for account {{account_id}}",
		Body:    "Dear {{name}}, you may settle your balance of {{balance}} in monthly installments. Contact our billing office to set up a plan.",
	},
	{
		ID:      TemplateEscalation,
		Channel: ChannelMail,
		Subject: "Final notice for account {{account_id}}",
		Body:    "Dear {{name}}, your balance of {{balance}} is {{days_outstanding}} days past due. Without payment or a plan the account will be referred for further collection.",
	},
	{
		ID:      TemplatePlanDefaulted,
		Channel: ChannelEmail,
		Subject: "Missed installment on account {{account_id}}",
		Body:    "Dear {{name}}, an installment on your payment plan was not received and the plan has been cancelled. The remaining {{balance}} is due as of {{date}}.",
	},
}

// Register adds or replaces a template.
func (e *TemplateEngine) Register(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = t
}

// Render substitutes {{key}} placeholders. Unlike a lenient mail merge it
// fails when a placeholder has no value so a statement never goes out with
// a literal "{{balance}}" in it.
func (e *TemplateEngine) Render(id string, data map[string]string) (Template, error) {
	e.mu.RLock()
	t, ok := e.templates[id]
	e.mu.RUnlock()
	if !ok {
		return Template{}, fmt.Errorf("%w: %s", ErrTemplateNotFound, id)
	}

	missing := map[string]bool{}
	fill := func(s string) string {
		return placeholder.ReplaceAllStringFunc(s, func(m string) string {
			key := m[2 : len(m)-2]
			v, ok := data[key]
			if !ok {
				missing[key] = true
				return m
			}
			return v
		})
	}
	out := Template{ID: t.ID, Channel: t.Channel, Subject: fill(t.Subject), Body: fill(t.Body)}
	if len(missing) > 0 {
		keys := make([]string, 0, len(missing))
		for k := range missing {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return Template{}, fmt.Errorf("template %s: missing values for %s", id, strings.Join(keys, ", "))
	}
	return out, nil
}

// Dispatcher renders a template and routes it to the sender registered for
// the template's channel.
type Dispatcher struct {
	templates *TemplateEngine
	senders   map[Channel]Sender
	clock     func() time.Time
}

func NewDispatcher(templates *TemplateEngine, senders map[Channel]Sender) *Dispatcher {
	return &Dispatcher{templates: templates, senders: senders, clock: time.Now}
}

// Send renders templateID with data and delivers it to recipient.
func (d *Dispatcher) Send(ctx context.Context, templateID, recipient string, data map[string]string) (*Message, error) {
	t, err := d.templates.Render(templateID, data)
	if err != nil {
		return nil, err
	}
	sender, ok := d.senders[t.Channel]
	if !ok {
		return nil, fmt.Errorf("no sender for channel %s", t.Channel)
	}
	if strings.TrimSpace(recipient) == "" {
		return nil, fmt.Errorf("template %s: recipient is required for %s", templateID, t.Channel)
	}
	msg := Message{
		ID:         uuid.NewString(),
		Channel:    t.Channel,
		Recipient:  recipient,
		Subject:    t.Subject,
		Body:       t.Body,
		TemplateID: templateID,
		SentAt:     d.clock().UTC(),
	}
	if err := sender.Send(ctx, msg); err != nil {
		return nil, fmt.Errorf("send %s via %s: %w", templateID, t.Channel, err)
	}
	return &msg, nil
}

// Channel reports which channel templateID is delivered on.
func (d *Dispatcher) Channel(templateID string) (Channel, bool) {
	d.templates.mu.RLock()
	defer d.templates.mu.RUnlock()
	t, ok := d.templates.templates[templateID]
	return t.Channel, ok
}

// LogSender writes messages to the structured log instead of delivering
// them. It stands in for the print/mail vendor and SMS gateway, which live
// outside this service.
type LogSender struct {
	logger zerolog.Logger
}

func NewLogSender(logger zerolog.Logger) *LogSender {
	return &LogSender{logger: logger.With().Str("component", "notification").Logger()}
}

func (s *LogSender) Send(_ context.Context, msg Message) error {
	s.logger.Info().
		Str("message_id", msg.ID).
		Str("channel", string(msg.Channel)).
		Str("template", msg.TemplateID).
		Str("recipient", msg.Recipient).
		Msg("notification dispatched")
	return nil
}

// RecordingSender keeps every message in memory and can be told to fail.
type RecordingSender struct {
	mu       sync.Mutex
	messages []Message
	Err      error
}

func (r *RecordingSender) Send(_ context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.messages = append(r.messages, msg)
	return nil
}

func (r *RecordingSender) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}
