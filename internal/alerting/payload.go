package alerting

import (
	"fmt"
	"strings"
	"time"

	"defi-alerts/internal/alerts"
)

// DefaultAlertType labels payloads when no label is configured.
const DefaultAlertType = "COMPOUND_MARKET_ALERT"

// NotificationPayload is the body delivered to every channel of an alert.
type NotificationPayload struct {
	AlertType           string                `json:"alertType"`
	AlertCategory       alerts.Category       `json:"alertCategory"`
	ActionType          alerts.ActionType     `json:"actionType"`
	WalletAddress       string                `json:"walletAddress,omitempty"`
	TriggeredConditions []alerts.TriggerValue `json:"triggeredConditions"`
	Timestamp           string                `json:"timestamp"`
	Alert               alerts.Alert          `json:"alert"`
}

// BuildPayload assembles the payload of one alert. The wallet address is only carried for personalized alerts.
func BuildPayload(label string, alert alerts.Alert, triggers []alerts.TriggerValue, now time.Time) NotificationPayload {
	if label == "" {
		label = DefaultAlertType
	}
	payload := NotificationPayload{
		AlertType:           label,
		AlertCategory:       alert.Category,
		ActionType:          alert.ActionType,
		TriggeredConditions: triggers,
		Timestamp:           now.UTC().Format(time.RFC3339),
		Alert:               alert,
	}
	if alert.Personalized() {
		payload.WalletAddress = alert.WalletAddress
	}
	if payload.TriggeredConditions == nil {
		payload.TriggeredConditions = []alerts.TriggerValue{}
	}
	return payload
}

// Subject is the email subject line of a payload.
func (p NotificationPayload) Subject(prefix string) string {
	subject := fmt.Sprintf("%s %s alert: %d condition(s) triggered", p.AlertType, strings.ToLower(string(p.ActionType)), len(p.TriggeredConditions))
	if prefix != "" {
		subject = prefix + " " + subject
	}
	return subject
}

func renderText(p NotificationPayload) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[%s]\n", p.AlertType))
	builder.WriteString(fmt.Sprintf("Alert: %s (%s, %s)\n", p.Alert.ID, p.AlertCategory, p.ActionType))
	if p.WalletAddress != "" {
		builder.WriteString(fmt.Sprintf("Wallet: %s\n", p.WalletAddress))
	}
	builder.WriteString(fmt.Sprintf("Time: %s\n", p.Timestamp))
	builder.WriteString(fmt.Sprintf("Frequency: %s\n", p.Alert.Frequency))
	for _, tv := range p.TriggeredConditions {
		builder.WriteString(fmt.Sprintf("- %s on %s: rate %s%% %s (severity %s)\n",
			tv.AssetSymbol,
			tv.ChainName,
			tv.CurrentRate.StringFixed(3),
			describeCondition(tv.Condition),
			tv.Severity,
		))
	}
	return builder.String()
}

func describeCondition(c alerts.Condition) string {
	switch r := c.Rule.(type) {
	case alerts.RiseAbove:
		return "rose above " + nullString(r.Threshold.Valid, r.Threshold.Decimal.String())
	case alerts.FallsBelow:
		return "fell below " + nullString(r.Threshold.Valid, r.Threshold.Decimal.String())
	case alerts.OutsideRange:
		return fmt.Sprintf("left range [%s, %s]",
			nullString(r.Low.Valid, r.Low.Decimal.String()),
			nullString(r.High.Valid, r.High.Decimal.String()))
	default:
		return string(c.RawType)
	}
}

func nullString(valid bool, s string) string {
	if !valid {
		return "-"
	}
	return s + "%"
}
