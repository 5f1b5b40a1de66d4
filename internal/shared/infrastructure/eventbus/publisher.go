package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Routing keys for sync run summaries.
const (
	RoutingImportCompleted = "import.completed"
	RoutingImportAborted   = "import.aborted"
)

// Publisher defines the interface for publishing events to a message broker.
type Publisher interface {
	// Publish sends a message to the event bus.
	Publish(ctx context.Context, routingKey string, payload []byte) error

	// Close closes the publisher connection.
	Close() error
}

// PublishJSON marshals v and publishes it under routingKey.
func PublishJSON(ctx context.Context, p Publisher, routingKey string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", routingKey, err)
	}
	return p.Publish(ctx, routingKey, payload)
}

// Message is a payload captured by MemoryPublisher.
type Message struct {
	RoutingKey string
	Payload    []byte
}

// MemoryPublisher keeps published messages in memory.
type MemoryPublisher struct {
	mu       sync.Mutex
	messages []Message
}

// NewMemoryPublisher creates an empty in-memory publisher.
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

func (p *MemoryPublisher) Publish(ctx context.Context, routingKey string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, Message{RoutingKey: routingKey, Payload: append([]byte(nil), payload...)})
	return nil
}

func (p *MemoryPublisher) Close() error { return nil }

// Messages returns a copy of everything published so far.
func (p *MemoryPublisher) Messages() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Message, len(p.messages))
	copy(out, p.messages)
	return out
}
