package notification

import (
	"context"
	"errors"
	"log/slog"
)

const (
	// KindSubWalletLinked indicates a dependent's sub-wallet became observable and active.
	KindSubWalletLinked = "subwallet_linked"
	// KindSubWalletRevoked indicates a dependent's sub-wallet was deactivated.
	KindSubWalletRevoked = "subwallet_revoked"
	// KindPaymentSent indicates the relay accepted a spend.
	KindPaymentSent = "payment_sent"
)

// Message describes a notification payload.
type Message struct {
	Kind        string            `json:"kind"`
	Destination string            `json:"destination"`
	Body        string            `json:"body"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// Notifier delivers notifications to downstream systems.
type Notifier interface {
	Send(ctx context.Context, message Message) error
}

// LoggerNotifier writes notifications to the logger.
type LoggerNotifier struct {
	logger *slog.Logger
}

// NewLoggerNotifier constructs a logging notifier.
func NewLoggerNotifier(logger *slog.Logger) *LoggerNotifier {
	return &LoggerNotifier{logger: logger}
}

// Send writes the message to the structured logger.
func (n *LoggerNotifier) Send(_ context.Context, message Message) error {
	if n == nil || n.logger == nil {
		return nil
	}
	n.logger.Info("notification", "kind", message.Kind, "destination", message.Destination, "body", message.Body)
	return nil
}

// Multi fans a message out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Send(ctx context.Context, message Message) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Send(ctx, message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
