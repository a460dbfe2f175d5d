package notification

import (
	"context"
	"log/slog"
	"sync"
)

const (
	// KindDeposit is sent to the owner of a credited wallet.
	KindDeposit = "deposit"

	// KindWithdrawal is sent to the owner of a debited wallet.
	KindWithdrawal = "withdrawal"

	// KindTransfer is sent to the receiving side of a transfer.
	KindTransfer = "transfer"
)

// Message describes a notification payload.
type Message struct {
	Kind        string
	Destination string
	Body        string
}

// Notifier delivers notifications to downstream systems. Delivery happens
// after the ledger commit, so a failure never affects balances.
type Notifier interface {
	Send(ctx context.Context, message Message) error
}

// LoggerNotifier writes notifications to the structured logger.
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

// Recorder keeps every message in memory. Used in tests.
type Recorder struct {
	mu       sync.Mutex
	messages []Message
}

// Send appends the message.
func (r *Recorder) Send(_ context.Context, message Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, message)
	return nil
}

// Messages returns a copy of the recorded messages.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.messages))
	copy(out, r.messages)
	return out
}
