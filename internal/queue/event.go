// Package queue publishes engine events to RabbitMQ for downstream
// collaborators such as the payment service and operator alerting.
package queue

import (
	"context"
	"time"
)

const (
	SessionStarted   = "session.started"
	SessionCompleted = "session.completed"
	Reconciliation   = "reconciliation.event"
)

// Event is the JSON body of every published message. Type doubles as the
// queue name.
type Event struct {
	Type        string    `json:"type"`
	SessionId   string    `json:"sessionId,omitempty"`
	SpotId      string    `json:"spotId"`
	UserId      string    `json:"userId,omitempty"`
	LockSerial  string    `json:"lockSerial,omitempty"`
	TotalAmount *int64    `json:"totalAmount,omitempty"`
	Payable     bool      `json:"payable,omitempty"`
	Kind        string    `json:"kind,omitempty"`
	PriorStatus string    `json:"priorStatus,omitempty"`
	NewStatus   string    `json:"newStatus,omitempty"`
	Message     string    `json:"message,omitempty"`
	OccurredAt  time.Time `json:"occurredAt"`
}

// Publisher delivers events. Callers treat failures as non-fatal.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }
