package notify

import (
	"context"
	"log/slog"
)

const (
	// KindActionRequired tells a user a purchase step is waiting for them.
	KindActionRequired = "action_required"
	// KindRejected tells the requester a purchase was turned down.
	KindRejected = "purchase_rejected"
	// KindCompleted tells the requester every step of a purchase is done.
	KindCompleted = "purchase_completed"
)

// Message describes a notification payload.
type Message struct {
	Kind        string
	Destination string // email address
	PurchaseID  string
	Body        string
}

// Notifier delivers notifications to downstream systems.
type Notifier interface {
	Send(ctx context.Context, message Message) error
}

// LoggerNotifier writes notifications to the structured logger.
type LoggerNotifier struct {
	logger *slog.Logger
}

func NewLoggerNotifier(logger *slog.Logger) *LoggerNotifier {
	return &LoggerNotifier{logger: logger}
}

// Send writes the message to the structured logger.
func (n *LoggerNotifier) Send(ctx context.Context, message Message) error {
	if n == nil || n.logger == nil {
		return nil
	}
	n.logger.InfoContext(ctx, "notification",
		"kind", message.Kind,
		"destination", message.Destination,
		"purchase_id", message.PurchaseID,
		"body", message.Body)
	return nil
}
