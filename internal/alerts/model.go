// Package alerts holds the alert domain model together with the pure evaluation and throttling rules
// applied to it on every engine run.
package alerts

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Category separates wallet-bound alerts from generic market watches.
type Category string

const (
	CategoryPersonalized Category = "PERSONALIZED"
	CategoryGeneral      Category = "GENERAL"
)

// ActionType selects which side of the market an alert watches.
type ActionType string

const (
	ActionSupply ActionType = "SUPPLY"
	ActionBorrow ActionType = "BORROW"
)

// Status of an alert definition.
type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusInactive Status = "INACTIVE"
)

// Severity is carried through to notifications untouched.
type Severity string

const (
	SeverityNone   Severity = "NONE"
	SeverityLow    Severity = "LOW"
	SeverityMedium Severity = "MEDIUM"
	SeverityHigh   Severity = "HIGH"
)

// Frequency is the notification policy of an alert.
type Frequency string

const (
	FrequencyOncePerAlert Frequency = "ONCE_PER_ALERT"
	FrequencyEvery3Hours  Frequency = "AT_MOST_ONCE_PER_3_HOURS"
	FrequencyEvery6Hours  Frequency = "AT_MOST_ONCE_PER_6_HOURS"
	FrequencyEvery12Hours Frequency = "AT_MOST_ONCE_PER_12_HOURS"
	FrequencyDaily        Frequency = "AT_MOST_ONCE_PER_DAY"
	FrequencyWeekly       Frequency = "AT_MOST_ONCE_PER_WEEK"
)

var frequencyWindows = map[Frequency]time.Duration{
	FrequencyEvery3Hours:  3 * time.Hour,
	FrequencyEvery6Hours:  6 * time.Hour,
	FrequencyEvery12Hours: 12 * time.Hour,
	FrequencyDaily:        24 * time.Hour,
	FrequencyWeekly:       7 * 24 * time.Hour,
}

// Window returns the minimum spacing between two sends for interval policies.
// ok is false for ONCE_PER_ALERT and for unknown values.
func (f Frequency) Window() (time.Duration, bool) {
	w, ok := frequencyWindows[f]
	return w, ok
}

// OneShot reports whether every condition may fire at most once over the alert's lifetime.
func (f Frequency) OneShot() bool {
	return f == FrequencyOncePerAlert
}

// ChannelType names a delivery mechanism.
type ChannelType string

const (
	ChannelEmail   ChannelType = "EMAIL"
	ChannelWebhook ChannelType = "WEBHOOK"
)

// Chain is one selected network of an alert.
type Chain struct {
	ID   int64  `json:"chainId"`
	Name string `json:"name"`
}

// Asset is one selected market asset. Address doubles as the snapshot key.
type Asset struct {
	Symbol  string `json:"symbol"`
	Address string `json:"address"`
}

// Key is the normalised lookup key used for market snapshots.
func (a Asset) Key() string {
	return NormalizeAssetKey(a.Address)
}

// NormalizeAssetKey lower-cases and trims an asset address.
func NormalizeAssetKey(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// Channel is one delivery destination attached to an alert.
type Channel struct {
	ID         string      `json:"id"`
	Type       ChannelType `json:"channelType"`
	Email      string      `json:"email,omitempty"`
	WebhookURL string      `json:"webhookUrl,omitempty"`
}

// Destination returns the address the channel delivers to.
func (c Channel) Destination() string {
	if c.Type == ChannelWebhook {
		return c.WebhookURL
	}
	return c.Email
}

// Alert is a read-only view of an alert definition and its associations.
type Alert struct {
	ID            string      `json:"id"`
	Category      Category    `json:"category"`
	ActionType    ActionType  `json:"actionType"`
	IsComparison  bool        `json:"isComparison"`
	Status        Status      `json:"status"`
	Archived      bool        `json:"archive"`
	Frequency     Frequency   `json:"notificationFrequency"`
	WalletAddress string      `json:"walletAddress,omitempty"`
	Chains        []Chain     `json:"selectedChains"`
	Assets        []Asset     `json:"selectedAssets"`
	Conditions    []Condition `json:"conditions"`
	Channels      []Channel   `json:"deliveryChannelSettings"`
}

// Personalized reports whether the alert is bound to a wallet.
func (a Alert) Personalized() bool {
	return a.Category == CategoryPersonalized
}

// ConditionType is the persisted discriminator of a condition.
type ConditionType string

const (
	ConditionRiseAbove    ConditionType = "APR_RISE_ABOVE"
	ConditionFallsBelow   ConditionType = "APR_FALLS_BELOW"
	ConditionOutsideRange ConditionType = "APR_OUTSIDE_RANGE"
)

// Rule is the typed comparison behind a condition.
type Rule interface {
	Type() ConditionType
	Fires(rate decimal.Decimal) bool
}

// RiseAbove fires when the rate is strictly above the threshold.
type RiseAbove struct {
	Threshold decimal.NullDecimal
}

// Type returns the stored condition type.
func (RiseAbove) Type() ConditionType { return ConditionRiseAbove }

// Fires reports whether the rate is above the threshold.
func (r RiseAbove) Fires(rate decimal.Decimal) bool {
	return r.Threshold.Valid && rate.GreaterThan(r.Threshold.Decimal)
}

// FallsBelow fires when the rate is strictly below the threshold.
type FallsBelow struct {
	Threshold decimal.NullDecimal
}

// Type returns the stored condition type.
func (FallsBelow) Type() ConditionType { return ConditionFallsBelow }

// Fires reports whether the rate is below the threshold.
func (r FallsBelow) Fires(rate decimal.Decimal) bool {
	return r.Threshold.Valid && rate.LessThan(r.Threshold.Decimal)
}

// OutsideRange fires when the rate leaves [Low, High]. The bounds themselves count as inside and
// a missing bound is unbounded on that side.
type OutsideRange struct {
	Low  decimal.NullDecimal
	High decimal.NullDecimal
}

// Type returns the stored condition type.
func (OutsideRange) Type() ConditionType { return ConditionOutsideRange }

// Fires reports whether the rate is below Low or above High.
func (r OutsideRange) Fires(rate decimal.Decimal) bool {
	if r.Low.Valid && rate.LessThan(r.Low.Decimal) {
		return true
	}
	return r.High.Valid && rate.GreaterThan(r.High.Decimal)
}

// Condition is one trigger rule attached to an alert. Rule is nil when the stored type is unknown.
type Condition struct {
	ID       string
	RawType  ConditionType
	Severity Severity
	Rule     Rule
}

// NewRule builds the typed rule for a stored condition row.
func NewRule(kind ConditionType, value, low, high decimal.NullDecimal) (Rule, error) {
	switch kind {
	case ConditionRiseAbove:
		return RiseAbove{Threshold: value}, nil
	case ConditionFallsBelow:
		return FallsBelow{Threshold: value}, nil
	case ConditionOutsideRange:
		return OutsideRange{Low: low, High: high}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCondition, kind)
	}
}

// NewCondition parses a stored condition. Unknown types are kept with a nil Rule so the owning alert
// fails evaluation on its own instead of failing the whole load.
func NewCondition(id string, kind ConditionType, severity Severity, value, low, high decimal.NullDecimal) Condition {
	rule, _ := NewRule(kind, value, low, high)
	return Condition{ID: id, RawType: kind, Severity: severity, Rule: rule}
}

type conditionJSON struct {
	ID             string              `json:"id"`
	ConditionType  ConditionType       `json:"conditionType"`
	ThresholdValue decimal.NullDecimal `json:"thresholdValue"`
	ThresholdLow   decimal.NullDecimal `json:"thresholdLow"`
	ThresholdHigh  decimal.NullDecimal `json:"thresholdHigh"`
	Severity       Severity            `json:"severity"`
}

// MarshalJSON flattens the rule back into the persisted condition shape.
func (c Condition) MarshalJSON() ([]byte, error) {
	out := conditionJSON{ID: c.ID, ConditionType: c.RawType, Severity: c.Severity}
	switch r := c.Rule.(type) {
	case RiseAbove:
		out.ThresholdValue = r.Threshold
	case FallsBelow:
		out.ThresholdValue = r.Threshold
	case OutsideRange:
		out.ThresholdLow = r.Low
		out.ThresholdHigh = r.High
	}
	return json.Marshal(out)
}
