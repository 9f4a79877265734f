// Package events carries domain events between components. The claim
// engine publishes denial events; the denial workflow consumes them.
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	TopicClaimDenied     = "claim.denied"
	TopicClaimPaid       = "claim.paid"
	TopicRemittanceApply = "remittance.applied"
)

type Event struct {
	ID         string          `json:"id"`
	Topic      string          `json:"topic"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v interface{}) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s event %s: %w", e.Topic, e.ID, err)
	}
	return nil
}

type Handler func(ctx context.Context, evt Event) error

type Bus interface {
	Publish(ctx context.Context, topic string, payload interface{}) error
	Subscribe(topic string, h Handler)
}

func newEvent(topic string, payload interface{}) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s payload: %w", topic, err)
	}
	return Event{ID: uuid.NewString(), Topic: topic, OccurredAt: time.Now().UTC(), Payload: raw}, nil
}

// MemoryBus delivers synchronously to every subscriber in registration
// order. Handler errors are logged and joined into Publish's return value.
type MemoryBus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	logger   zerolog.Logger
}

func NewMemoryBus(logger zerolog.Logger) *MemoryBus {
	return &MemoryBus{handlers: make(map[string][]Handler), logger: logger}
}

func (b *MemoryBus) Subscribe(topic string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], h)
}

func (b *MemoryBus) Publish(ctx context.Context, topic string, payload interface{}) error {
	evt, err := newEvent(topic, payload)
	if err != nil {
		return err
	}

	b.mu.RLock()
	hs := append([]Handler(nil), b.handlers[topic]...)
	b.mu.RUnlock()

	var errs []error
	for _, h := range hs {
		if err := h(ctx, evt); err != nil {
			b.logger.Warn().Err(err).Str("topic", topic).Str("event_id", evt.ID).Msg("event handler failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
