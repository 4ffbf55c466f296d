// Package intake consumes the at-least-once work queue that feeds the
// orchestrator. Deliveries are acked only after the orchestrator has
// admitted the job, so a crash between receive and admit redelivers the
// message and the idempotency key absorbs the duplicate.
package intake

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrClosed signals that the source was shut down.
var ErrClosed = errors.New("intake source closed")

// Message is the submission payload carried on the work queue.
type Message struct {
	IdempotencyKey string `json:"idempotency_key"`
	OwnerID        string `json:"owner_id"`
	SourceStore    string `json:"source_store"`
	SourceKey      string `json:"source_key"`
	Filename       string `json:"filename"`
	SizeBytes      int64  `json:"size_bytes"`
}

// Validate reports the first structural problem with the message. Invalid
// messages are dropped, not requeued; redelivery cannot repair them.
func (m Message) Validate() error {
	if strings.TrimSpace(m.IdempotencyKey) == "" {
		return fmt.Errorf("missing idempotency_key")
	}
	if strings.TrimSpace(m.SourceKey) == "" {
		return fmt.Errorf("missing source_key")
	}
	if strings.TrimSpace(m.Filename) == "" {
		return fmt.Errorf("missing filename")
	}
	if m.SizeBytes < 0 {
		return fmt.Errorf("negative size_bytes")
	}
	return nil
}

// Delivery is one received message plus its acknowledgement handles.
type Delivery struct {
	Message Message

	ack     func() error
	requeue func() error
}

// Ack removes the message from the queue. Safe to call after the job it
// carries has been admitted to the store.
func (d *Delivery) Ack() error {
	if d.ack == nil {
		return nil
	}
	return d.ack()
}

// Requeue returns the message to the queue for redelivery, used when the
// store was unavailable and admission could not happen.
func (d *Delivery) Requeue() error {
	if d.requeue == nil {
		return nil
	}
	return d.requeue()
}

// Source is the work queue consumer contract.
type Source interface {
	// Receive blocks until a delivery arrives, the context ends, or the
	// source is closed.
	Receive(ctx context.Context) (*Delivery, error)
	Close() error
}
