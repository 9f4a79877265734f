package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const (
	reconnectBase = 500 * time.Millisecond
	reconnectCap  = 30 * time.Second
)

var errConnectionLost = errors.New("amqp connection lost")

// AMQPBus publishes each topic to a durable queue of the same name with
// publisher confirms. Deliveries whose handler fails go to "<topic>.dlq".
// A dropped connection is redialed by the next publish and by the consumer.
type AMQPBus struct {
	url      string
	logger   zerolog.Logger
	prefetch int

	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	declared map[string]bool
	handlers map[string][]Handler
	closed   bool
}

func NewAMQPBus(url string, prefetch int, logger zerolog.Logger) (*AMQPBus, error) {
	if prefetch <= 0 {
		prefetch = 1
	}
	b := &AMQPBus{
		url:      url,
		logger:   logger.With().Str("component", "amqp-bus").Logger(),
		prefetch: prefetch,
		declared: make(map[string]bool),
		handlers: make(map[string][]Handler),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.connectLocked(); err != nil {
		return nil, err
	}
	return b, nil
}

// connectLocked dials and opens the confirm-mode publishing channel. Queue
// declarations are forgotten because they belong to the old channel.
func (b *AMQPBus) connectLocked() error {
	conn, err := amqp.Dial(b.url)
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return fmt.Errorf("enable confirms: %w", err)
	}
	b.conn, b.ch = conn, ch
	b.declared = make(map[string]bool)
	go b.watch(conn, conn.NotifyClose(make(chan *amqp.Error, 1)))
	return nil
}

// watch logs an unexpected connection close. The next user redials.
func (b *AMQPBus) watch(conn *amqp.Connection, closes <-chan *amqp.Error) {
	err, ok := <-closes
	if !ok || err == nil {
		return
	}
	b.logger.Warn().Str("reason", err.Reason).Int("code", err.Code).Msg("amqp connection closed, will reconnect")
	b.mu.Lock()
	if b.conn == conn {
		b.conn, b.ch = nil, nil
	}
	b.mu.Unlock()
}

// ensureLocked returns a usable publishing channel, redialing if needed.
func (b *AMQPBus) ensureLocked() (*amqp.Channel, error) {
	if b.closed {
		return nil, errors.New("amqp bus is closed")
	}
	if b.conn == nil || b.conn.IsClosed() || b.ch == nil || b.ch.IsClosed() {
		if b.conn != nil {
			b.conn.Close()
		}
		if err := b.connectLocked(); err != nil {
			return nil, err
		}
		b.logger.Info().Msg("amqp connection re-established")
	}
	return b.ch, nil
}

// connection returns the live connection for opening consumer channels.
func (b *AMQPBus) connection() (*amqp.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.ensureLocked(); err != nil {
		return nil, err
	}
	return b.conn, nil
}

// declareLocked must be called with mu held.
func (b *AMQPBus) declareLocked(ch *amqp.Channel, topic string) error {
	if b.declared[topic] {
		return nil
	}
	for _, q := range []string{topic, topic + ".dlq"} {
		if _, err := ch.QueueDeclare(q, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", q, err)
		}
	}
	b.declared[topic] = true
	return nil
}

func (b *AMQPBus) Publish(ctx context.Context, topic string, payload interface{}) error {
	evt, err := newEvent(topic, payload)
	if err != nil {
		return err
	}
	return b.publish(ctx, topic, evt)
}

// confirmation is the part of amqp.DeferredConfirmation publish waits on.
type confirmation interface {
	WaitContext(ctx context.Context) (bool, error)
}

// awaitConfirm waits for the broker's answer to one publishing. Each
// publishing has its own confirmation, so abandoning one on a cancelled
// context cannot leak into the next publish.
func awaitConfirm(ctx context.Context, queue string, dc confirmation) error {
	ack, err := dc.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	if !ack {
		return fmt.Errorf("publish to %s: broker nacked", queue)
	}
	return nil
}

func (b *AMQPBus) publish(ctx context.Context, queue string, evt Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		MessageId:    evt.ID,
		Timestamp:    evt.OccurredAt,
		DeliveryMode: amqp.Persistent,
		Body:         body,
	}

	dc, err := b.send(ctx, evt.Topic, queue, msg)
	if errors.Is(err, amqp.ErrClosed) {
		b.mu.Lock()
		b.conn, b.ch = nil, nil
		b.mu.Unlock()
		dc, err = b.send(ctx, evt.Topic, queue, msg)
	}
	if err != nil {
		return err
	}
	return awaitConfirm(ctx, queue, dc)
}

// send hands msg to the broker. The confirmation is awaited without the
// lock so slow confirms do not serialize publishers.
func (b *AMQPBus) send(ctx context.Context, topic, queue string, msg amqp.Publishing) (*amqp.DeferredConfirmation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, err := b.ensureLocked()
	if err != nil {
		return nil, err
	}
	if err := b.declareLocked(ch, topic); err != nil {
		return nil, err
	}
	dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, "", queue, false, false, msg)
	if err != nil {
		return nil, fmt.Errorf("publish to %s: %w", queue, err)
	}
	return dc, nil
}

// Subscribe registers h; deliveries start once Consume runs.
func (b *AMQPBus) Subscribe(topic string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], h)
}

// reconnectDelay is the pause before the given consumer reconnect attempt
// (1-based): doubling from reconnectBase up to reconnectCap.
func reconnectDelay(attempt int) time.Duration {
	d := reconnectBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= reconnectCap {
			return reconnectCap
		}
	}
	return d
}

// Consume reads every subscribed topic until ctx is done. Successful
// deliveries are acked; failed ones are moved to the DLQ. When the broker
// connection drops the consumer reconnects with backoff.
func (b *AMQPBus) Consume(ctx context.Context) error {
	b.mu.Lock()
	subscribed := len(b.handlers) > 0
	b.mu.Unlock()
	if !subscribed {
		return nil
	}
	attempt := 0
	for {
		started, err := b.consumeOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if started {
			attempt = 0
		}
		attempt++
		d := reconnectDelay(attempt)
		b.logger.Warn().Err(err).Int("attempt", attempt).Dur("backoff", d).Msg("amqp consumer interrupted, reconnecting")
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// consumeOnce runs the consumers on one connection. started reports whether
// deliveries were flowing before it returned.
func (b *AMQPBus) consumeOnce(ctx context.Context) (started bool, err error) {
	conn, err := b.connection()
	if err != nil {
		return false, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return false, fmt.Errorf("open consumer channel: %w", err)
	}
	defer ch.Close()
	if err := ch.Qos(b.prefetch, 0, false); err != nil {
		return false, fmt.Errorf("set consumer qos: %w", err)
	}

	b.mu.Lock()
	topics := make(map[string][]Handler, len(b.handlers))
	for t, hs := range b.handlers {
		topics[t] = append([]Handler(nil), hs...)
	}
	b.mu.Unlock()

	var wg sync.WaitGroup
	lost := make(chan struct{}, len(topics))
	for topic, hs := range topics {
		for _, q := range []string{topic, topic + ".dlq"} {
			if _, err := ch.QueueDeclare(q, true, false, false, false, nil); err != nil {
				return false, fmt.Errorf("declare queue %s: %w", q, err)
			}
		}
		deliveries, err := ch.Consume(topic, "", false, false, false, false, nil)
		if err != nil {
			return false, fmt.Errorf("consume %s: %w", topic, err)
		}
		wg.Add(1)
		go func(topic string, hs []Handler, deliveries <-chan amqp.Delivery) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-deliveries:
					if !ok {
						lost <- struct{}{}
						return
					}
					b.handle(ctx, topic, hs, d)
				}
			}
		}(topic, hs, deliveries)
	}
	wg.Wait()
	if ctx.Err() == nil && len(lost) > 0 {
		return true, errConnectionLost
	}
	return true, nil
}

func (b *AMQPBus) handle(ctx context.Context, topic string, hs []Handler, d amqp.Delivery) {
	var evt Event
	if err := json.Unmarshal(d.Body, &evt); err != nil {
		b.logger.Error().Err(err).Str("topic", topic).Msg("undecodable delivery; dropping")
		d.Nack(false, false) //nolint:errcheck
		return
	}
	for _, h := range hs {
		if err := h(ctx, evt); err != nil {
			b.logger.Warn().Err(err).Str("topic", topic).Str("event_id", evt.ID).Msg("handler failed; moving to dlq")
			if err := b.publish(ctx, topic+".dlq", evt); err != nil {
				b.logger.Error().Err(err).Str("event_id", evt.ID).Msg("dlq publish failed; requeueing")
				d.Nack(false, true) //nolint:errcheck
				return
			}
			break
		}
	}
	d.Ack(false) //nolint:errcheck
}

func (b *AMQPBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	if b.conn == nil {
		return nil
	}
	conn, ch := b.conn, b.ch
	b.conn, b.ch = nil, nil
	if ch != nil {
		if err := ch.Close(); err != nil {
			conn.Close()
			return err
		}
	}
	return conn.Close()
}
