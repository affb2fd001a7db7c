package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"defi-alerts/internal/alerts"
	"defi-alerts/internal/storage"
)

// Ledger is the append-only record of sent notifications. Throttle and one-shot filtering read it.
type Ledger struct {
	store storage.LedgerStore
	now   func() time.Time
}

// NewLedger wraps a ledger store.
func NewLedger(store storage.LedgerStore) *Ledger {
	return &Ledger{store: store, now: time.Now}
}

// Record stores one notification for alertID with its condition ids and trigger values.
func (l *Ledger) Record(ctx context.Context, alertID string, triggers []alerts.TriggerValue) error {
	values, err := json.Marshal(triggers)
	if err != nil {
		return fmt.Errorf("marshal trigger values: %w", err)
	}

	_, err = l.store.RecordNotification(ctx, storage.NotificationRecord{
		AlertID:         alertID,
		ConditionIDs:    alerts.ConditionIDs(triggers),
		TriggeredValues: values,
		SentAt:          l.now().UTC(),
	})
	return err
}

// LastSentAt returns the most recent send time of alertID, nil if it never sent.
func (l *Ledger) LastSentAt(ctx context.Context, alertID string) (*time.Time, error) {
	return l.store.LastSentAt(ctx, alertID)
}

// SentConditionIDs returns the condition ids alertID has already notified for.
func (l *Ledger) SentConditionIDs(ctx context.Context, alertID string) (map[string]struct{}, error) {
	return l.store.SentConditionIDs(ctx, alertID)
}

var _ alerts.SendHistory = (*Ledger)(nil)
