package collection

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/rcm/internal/domain/account"
	"github.com/ehr/rcm/internal/platform/notification"
)

// Executor performs the side effect of a due task. A returned error counts
// as a failed attempt unless it wraps ErrUndeliverable.
type Executor interface {
	Execute(ctx context.Context, t *Task, a *account.Account) error
}

// ErrUndeliverable marks a task that can never succeed as configured, such
// as an email reminder to an account without an email address. The driver
// skips such tasks instead of retrying them.
var ErrUndeliverable = errors.New("undeliverable")

type StatementMarker interface {
	MarkStatement(ctx context.Context, id uuid.UUID, at time.Time) (*account.Account, error)
}

// NotificationExecutor renders each task into a patient message and hands
// it to the notification dispatcher. Sent statements are stamped on the
// account so later payments can be judged on time or late.
type NotificationExecutor struct {
	dispatcher *notification.Dispatcher
	accounts   StatementMarker
	clock      func() time.Time
}

func NewNotificationExecutor(d *notification.Dispatcher, accounts StatementMarker) *NotificationExecutor {
	return &NotificationExecutor{dispatcher: d, accounts: accounts, clock: time.Now}
}

// WithClock replaces the time source used for statement stamps and message
// dates.
func (x *NotificationExecutor) WithClock(now func() time.Time) *NotificationExecutor {
	x.clock = now
	return x
}

func templateFor(t *Task) string {
	if t.Workflow == WorkflowPlanDefault {
		return notification.TemplatePlanDefaulted
	}
	switch t.ActionType {
	case ActionReminderCall:
		return notification.TemplateReminderCall
	case ActionPaymentPlanOffer:
		return notification.TemplatePaymentPlanOffer
	case ActionEscalation:
		return notification.TemplateEscalation
	default:
		return notification.TemplateStatement
	}
}

func recipientFor(ch notification.Channel, a *account.Account) string {
	switch ch {
	case notification.ChannelEmail:
		return a.Email
	case notification.ChannelSMS:
		return a.Phone
	default:
		return a.Name
	}
}

func (x *NotificationExecutor) Execute(ctx context.Context, t *Task, a *account.Account) error {
	now := x.clock().UTC()
	tmpl := templateFor(t)
	ch, ok := x.dispatcher.Channel(tmpl)
	if !ok {
		return fmt.Errorf("%w: no template %s", ErrUndeliverable, tmpl)
	}
	to := recipientFor(ch, a)
	if to == "" {
		return fmt.Errorf("%w: account %s has no %s contact", ErrUndeliverable, a.ID, ch)
	}
	data := map[string]string{
		"account_id":       a.ID.String(),
		"name":             a.Name,
		"balance":          a.OutstandingBalance.StringFixed(2),
		"date":             now.Format("2006-01-02"),
		"days_outstanding": strconv.Itoa(a.DaysOutstanding(now)),
	}
	if _, err := x.dispatcher.Send(ctx, tmpl, to, data); err != nil {
		return err
	}
	if t.ActionType == ActionStatement {
		if _, err := x.accounts.MarkStatement(ctx, a.ID, now); err != nil {
			return fmt.Errorf("stamp statement on account %s: %w", a.ID, err)
		}
	}
	return nil
}
