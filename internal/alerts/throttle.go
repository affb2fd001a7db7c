package alerts

import (
	"context"
	"fmt"
	"time"
)

// SendHistory exposes the ledger lookups the throttle depends on.
type SendHistory interface {
	LastSentAt(ctx context.Context, alertID string) (*time.Time, error)
}

// Throttle gates sends per alert according to its frequency policy.
type Throttle struct {
	history SendHistory
	now     func() time.Time
}

// NewThrottle builds a throttle backed by the notification ledger.
func NewThrottle(history SendHistory) *Throttle {
	return &Throttle{history: history, now: time.Now}
}

// WithClock overrides the wall clock, mainly for tests.
func (t *Throttle) WithClock(now func() time.Time) *Throttle {
	t.now = now
	return t
}

// ShouldSend decides whether the alert may notify now for the given trigger values.
func (t *Throttle) ShouldSend(ctx context.Context, alert Alert, triggers []TriggerValue) (bool, error) {
	if len(triggers) == 0 {
		return false, nil
	}

	window, interval := alert.Frequency.Window()
	if !interval && !alert.Frequency.OneShot() {
		return false, fmt.Errorf("alert %s: unknown notification frequency %q", alert.ID, alert.Frequency)
	}

	last, err := t.history.LastSentAt(ctx, alert.ID)
	if err != nil {
		return false, fmt.Errorf("lookup last notification for alert %s: %w", alert.ID, err)
	}
	if last == nil {
		return true, nil
	}
	if alert.Frequency.OneShot() {
		return false, nil
	}
	return t.now().Sub(*last) >= window, nil
}
