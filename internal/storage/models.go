package storage

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// MarketSnapshot is one immutable observation of a market's rates.
type MarketSnapshot struct {
	ID          int64
	Protocol    string
	ChainID     int64
	AssetKey    string
	AssetSymbol string
	SupplyAPY   decimal.Decimal
	BorrowAPY   decimal.Decimal
	RecordedAt  time.Time
}

// NotificationRecord is a ledger entry: what an alert sent and when.
type NotificationRecord struct {
	ID              string
	AlertID         string
	ConditionIDs    []string
	TriggeredValues json.RawMessage
	CreatedAt       time.Time
	SentAt          time.Time
}
