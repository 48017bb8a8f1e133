package journal

import (
	"context"
	"time"

	"github.com/zeebo/errs"
)

// Event types written by the escrow engine.
const (
	TypeOrderOpened    = "order_opened"
	TypeOrderClosed    = "order_closed"
	TypeSwapDispatched = "swap_dispatched"
	TypeOrderSettled   = "order_settled"
	TypeSwapFailed     = "swap_failed"
	TypeStorageCleared = "storage_cleared"
	TypeTokensClaimed  = "tokens_claimed"
)

// Event represents a journaled event.
type Event struct {
	Time        time.Time
	Type        string // e.g., "order_opened", "order_settled", etc.
	Description string
	Data        map[string]any
}

// Journaler interface for journaling events.
type Journaler interface {
	LogEvent(ctx context.Context, event Event) error
	GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]Event, error)
}

// Tee writes every event to all journalers and reads from the first one.
type Tee []Journaler

func (t Tee) LogEvent(ctx context.Context, event Event) error {
	var group errs.Group
	for _, j := range t {
		group.Add(j.LogEvent(ctx, event))
	}
	return group.Err()
}

func (t Tee) GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]Event, error) {
	if len(t) == 0 {
		return nil, nil
	}
	return t[0].GetEvents(ctx, eventType, start, end)
}
