package publish

import (
	"context"
	"sync"
)

// Message is one delivered payload.
type Message struct {
	Topic   string
	Payload []byte
}

// MemorySink buffers delivered messages in memory. It backs tests and runs
// without a configured bus.
type MemorySink struct {
	mu       sync.Mutex
	messages []Message
	closed   bool
}

// NewMemorySink constructs an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Publish records the message.
func (s *MemorySink) Publish(_ context.Context, topic string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return context.Canceled
	}
	buf := append([]byte(nil), payload...)
	s.messages = append(s.messages, Message{Topic: topic, Payload: buf})
	return nil
}

// Close marks the sink closed; later publishes fail.
func (s *MemorySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Messages returns a copy of everything delivered so far.
func (s *MemorySink) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}
