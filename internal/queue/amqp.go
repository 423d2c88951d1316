package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	dialTimeout   = 5 * time.Second
	redialPause   = 10 * time.Second
	dialHeartbeat = 10 * time.Second
)

// ErrBrokerUnavailable is returned without dialing while a recent dial
// failure is still within its pause.
var ErrBrokerUnavailable = errors.New("queue: broker unavailable")

// AMQPPublisher keeps one connection and channel open and redials lazily
// after the broker drops them.
type AMQPPublisher struct {
	url string
	log *zap.Logger

	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	declared map[string]bool
	nextDial time.Time
}

func NewAMQPPublisher(url string, log *zap.Logger) *AMQPPublisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &AMQPPublisher{url: url, log: log.Named("amqp"), declared: map[string]bool{}}
}

func (p *AMQPPublisher) Publish(ctx context.Context, e Event) error {
	if e.Type == "" {
		return errors.New("queue: event type is required")
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("queue: marshal %s: %w", e.Type, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.channel(ctx)
	if err != nil {
		p.log.Warn("broker unavailable", zap.String("type", e.Type), zap.Error(err))
		return err
	}
	if !p.declared[e.Type] {
		// Durable so messages survive broker restarts.
		if _, err := ch.QueueDeclare(e.Type, true, false, false, false, nil); err != nil {
			p.reset()
			return fmt.Errorf("queue: declare %s: %w", e.Type, err)
		}
		p.declared[e.Type] = true
	}

	err = ch.PublishWithContext(ctx, "", e.Type, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    e.OccurredAt,
		Body:         body,
	})
	if err != nil {
		p.reset()
		return fmt.Errorf("queue: publish %s: %w", e.Type, err)
	}
	return nil
}

// channel must be called with p.mu held. The dial, including the AMQP
// handshake, is bounded by ctx and by dialTimeout.
func (p *AMQPPublisher) channel(ctx context.Context) (*amqp.Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	p.reset()
	if time.Now().Before(p.nextDial) {
		return nil, ErrBrokerUnavailable
	}

	timeout := dialTimeout
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < timeout {
			timeout = left
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		return nil, context.DeadlineExceeded
	}

	conn, err := amqp.DialConfig(p.url, amqp.Config{
		Heartbeat: dialHeartbeat,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(timeout),
	})
	if err != nil {
		p.nextDial = time.Now().Add(redialPause)
		return nil, fmt.Errorf("queue: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("queue: open channel: %w", err)
	}
	p.conn, p.ch = conn, ch
	return ch, nil
}

func (p *AMQPPublisher) reset() {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
	p.conn, p.ch = nil, nil
	p.declared = map[string]bool{}
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reset()
	return nil
}
