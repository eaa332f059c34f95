package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectPrefix namespaces every published subject.
const SubjectPrefix = "allowance."

// NATSNotifier publishes JSON-encoded messages to allowance.<kind>.
type NATSNotifier struct {
	conn *nats.Conn
}

// NewNATSNotifier connects to the NATS server at url with automatic reconnection.
func NewNATSNotifier(url string, opts ...nats.Option) (*NATSNotifier, error) {
	defaults := []nats.Option{
		nats.Name("allowance-agent"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	}
	nc, err := nats.Connect(url, append(defaults, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	return &NATSNotifier{conn: nc}, nil
}

// Subject returns the subject a message of kind is published on.
func Subject(kind string) string {
	return SubjectPrefix + kind
}

func (n *NATSNotifier) Send(_ context.Context, message Message) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("marshaling notification: %w", err)
	}
	return n.conn.Publish(Subject(message.Kind), data)
}

// Connected reports whether the connection is currently usable.
func (n *NATSNotifier) Connected() bool {
	return n.conn.IsConnected()
}

// Close drains pending publishes and closes the connection.
func (n *NATSNotifier) Close() error {
	return n.conn.Drain()
}
