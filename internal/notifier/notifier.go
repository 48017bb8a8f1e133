// Package notifier
package notifier

// Notifier interface for sending notifications (e.g., Telegram, email).
type Notifier interface {
	Send(msg string) error
	SendWithRetry(msg string) error
	RetryWithNotification(action func() error, description string) error
}

// Nop discards every notification.
type Nop struct{}

func (Nop) Send(string) error { return nil }

func (Nop) SendWithRetry(string) error { return nil }

func (Nop) RetryWithNotification(action func() error, description string) error { return action() }
