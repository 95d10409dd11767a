package alerts

import (
	"context"
	"log"
	"time"
)

// Sink persists alerts; satisfied by Repository.
type Sink interface {
	Insert(ctx context.Context, a Alert) (string, error)
	HasActive(ctx context.Context, alertType string, deviceID, userID *string) (bool, error)
}

// Publisher stores alerts and hands them to the queue. Failures are
// logged and swallowed: a broken alert pipeline must never fail the
// ingestion path that raised the flag.
type Publisher struct {
	sink  Sink
	queue Queue
}

// NewPublisher creates a publisher.
func NewPublisher(sink Sink, queue Queue) *Publisher {
	return &Publisher{sink: sink, queue: queue}
}

// Raise records an alert, deduplicating against an existing active alert
// of the same type for the same device/user.
func (p *Publisher) Raise(ctx context.Context, a Alert) {
	if a.Timestamp == 0 {
		a.Timestamp = time.Now().UnixMilli()
	}
	if a.Status == "" {
		a.Status = "active"
	}
	if p.sink != nil {
		exists, err := p.sink.HasActive(ctx, a.Type, a.DeviceID, a.UserID)
		if err != nil {
			log.Printf("alert dedup check failed: %v", err)
		} else if exists {
			return
		}
		if _, err := p.sink.Insert(ctx, a); err != nil {
			log.Printf("alert persist failed: %v", err)
		}
	}
	if p.queue != nil {
		if err := p.queue.Publish(ctx, a); err != nil {
			log.Printf("alert publish failed: %v", err)
		}
	}
}
