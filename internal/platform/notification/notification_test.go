package notification

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func statementData() map[string]string {
	return map[string]string{
		"account_id":       "A-1",
		"name":             "Jane Doe",
		"balance":          "150.00",
		"date":             "2025-03-01",
		"days_outstanding": "45",
	}
}

func TestTemplateEngine_RenderStatement(t *testing.T) {
	e := NewTemplateEngine()
	out, err := e.Render(TemplateStatement, statementData())
	if err != nil {
		t.Fatalf("Render() error: %v", err)
	}
	if out.Subject != "Statement for account A-1" {
		t.Errorf("unexpected subject %q", out.Subject)
	}
	if !strings.Contains(out.Body, "150.00") || strings.Contains(out.Body, "{{") {
		t.Errorf("unexpected body %q", out.Body)
	}
}

func TestTemplateEngine_MissingValue(t *testing.T) {
	e := NewTemplateEngine()
	_, err := e.Render(TemplateStatement, map[string]string{"name": "Jane"})
	if err == nil {
		t.Fatal("expected error for missing placeholders")
	}
	if !strings.Contains(err.Error(), "account_id, balance") {
		t.Errorf("expected sorted missing keys in %q", err.Error())
	}
}

func TestTemplateEngine_UnknownTemplate(t *testing.T) {
	_, err := NewTemplateEngine().Render("nope", nil)
	if !errors.Is(err, ErrTemplateNotFound) {
		t.Errorf("expected ErrTemplateNotFound, got %v", err)
	}
}

func TestTemplateEngine_Register(t *testing.T) {
	e := NewTemplateEngine()
	e.Register(Template{ID: "custom", Channel: ChannelSMS, Body: "hi {{name}}"})
	out, err := e.Render("custom", map[string]string{"name": "Bo"})
	if err != nil {
		t.Fatalf("Render() error: %v", err)
	}
	if out.Body != "hi Bo" {
		t.Errorf("got %q", out.Body)
	}
}

func TestDispatcher_RoutesByChannel(t *testing.T) {
	email := &RecordingSender{}
	sms := &RecordingSender{}
	d := NewDispatcher(NewTemplateEngine(), map[Channel]Sender{ChannelEmail: email, ChannelSMS: sms})

	if _, err := d.Send(context.Background(), TemplateStatement, "jane@example.com", statementData()); err != nil {
		t.Fatalf("Send statement: %v", err)
	}
	if _, err := d.Send(context.Background(), TemplateReminderCall, "+15550100", statementData()); err != nil {
		t.Fatalf("Send reminder: %v", err)
	}
	if len(email.Messages()) != 1 || len(sms.Messages()) != 1 {
		t.Errorf("expected one message per channel, got email=%d sms=%d", len(email.Messages()), len(sms.Messages()))
	}
	if email.Messages()[0].Recipient != "jane@example.com" {
		t.Errorf("unexpected recipient %q", email.Messages()[0].Recipient)
	}
}

func TestDispatcher_Errors(t *testing.T) {
	failing := &RecordingSender{Err: errors.New("smtp down")}
	d := NewDispatcher(NewTemplateEngine(), map[Channel]Sender{ChannelEmail: failing})

	if _, err := d.Send(context.Background(), TemplateStatement, "x@example.com", statementData()); err == nil {
		t.Error("expected sender failure to surface")
	}
	if _, err := d.Send(context.Background(), TemplateEscalation, "x", statementData()); err == nil {
		t.Error("expected error for channel without sender")
	}
	if _, err := d.Send(context.Background(), TemplateStatement, " ", statementData()); err == nil {
		t.Error("expected error for blank recipient")
	}
}

func TestLogSender(t *testing.T) {
	s := NewLogSender(zerolog.Nop())
	if err := s.Send(context.Background(), Message{ID: "m1", Channel: ChannelMail}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
