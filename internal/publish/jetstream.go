package publish

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
)

// StreamName is the JetStream stream holding all orderbook subjects.
const StreamName = "ORDERBOOKS"

// JetStreamSink publishes onto a NATS JetStream stream covering orderbook.>.
type JetStreamSink struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

// NewJetStreamSink connects to the NATS server and ensures the stream exists.
func NewJetStreamSink(url string) (*JetStreamSink, error) {
	nc, err := nats.Connect(url,
		nats.Name("depthstream-collector"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{"orderbook.>"},
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
	})
	if err != nil && err != nats.ErrStreamNameAlreadyInUse {
		nc.Close()
		return nil, fmt.Errorf("ensure stream: %w", err)
	}
	return &JetStreamSink{nc: nc, js: js}, nil
}

// Publish sends one message, acknowledged by the stream.
func (s *JetStreamSink) Publish(ctx context.Context, topic string, payload []byte) error {
	_, err := s.js.Publish(topic, payload, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("jetstream publish %s: %w", topic, err)
	}
	return nil
}

// Close drains the connection, flushing buffered messages.
func (s *JetStreamSink) Close() error {
	return s.nc.Drain()
}
