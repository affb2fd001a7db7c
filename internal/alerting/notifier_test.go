package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"defi-alerts/internal/alerts"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func testPayload() NotificationPayload {
	alert := alerts.Alert{
		ID:            "alert-1",
		Category:      alerts.CategoryPersonalized,
		ActionType:    alerts.ActionSupply,
		Frequency:     alerts.FrequencyEvery6Hours,
		WalletAddress: "0xabc",
	}
	cond := alerts.NewCondition("c1", alerts.ConditionRiseAbove, alerts.SeverityHigh,
		decimal.NewNullDecimal(decimal.RequireFromString("5")), decimal.NullDecimal{}, decimal.NullDecimal{})
	triggers := []alerts.TriggerValue{{
		ChainID:     1,
		ChainName:   "Ethereum",
		AssetSymbol: "USDC",
		CurrentRate: decimal.RequireFromString("6.2"),
		Condition:   cond,
		Severity:    alerts.SeverityHigh,
		Frequency:   alerts.FrequencyEvery6Hours,
	}}
	return BuildPayload("", alert, triggers, time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
}

func TestWebhookSenderSuccess(t *testing.T) {
	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("应使用 POST, 实际 %s", r.Method)
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Fatalf("Content-Type 不正确: %s", r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sender := NewWebhookSender(time.Second, "defi-alerts/test", testLogger())
	if err := sender.Send(context.Background(), srv.URL, testPayload()); err != nil {
		t.Fatalf("Webhook 发送应成功: %v", err)
	}

	if received["alertType"] != DefaultAlertType {
		t.Fatalf("alertType 不正确: %#v", received["alertType"])
	}
	if received["walletAddress"] != "0xabc" {
		t.Fatalf("个性化告警应携带钱包地址: %#v", received)
	}
	if received["timestamp"] != "2025-03-01T12:00:00Z" {
		t.Fatalf("timestamp 应为 RFC3339: %#v", received["timestamp"])
	}
	conds, ok := received["triggeredConditions"].([]any)
	if !ok || len(conds) != 1 {
		t.Fatalf("triggeredConditions 不正确: %#v", received["triggeredConditions"])
	}
}

func TestWebhookSenderNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("bad gateway"))
	}))
	defer srv.Close()

	sender := NewWebhookSender(time.Second, "", testLogger())
	err := sender.Send(context.Background(), srv.URL, testPayload())
	if err == nil {
		t.Fatal("非 2xx 响应应报错")
	}
	if !strings.Contains(err.Error(), "502") {
		t.Fatalf("错误信息应包含状态码: %v", err)
	}
}

func TestBuildPayloadGeneralOmitsWallet(t *testing.T) {
	alert := alerts.Alert{ID: "g1", Category: alerts.CategoryGeneral, ActionType: alerts.ActionBorrow, WalletAddress: "0xdef"}
	payload := BuildPayload("CUSTOM", alert, nil, time.Now())

	if payload.WalletAddress != "" {
		t.Fatalf("通用告警不应携带钱包地址: %s", payload.WalletAddress)
	}
	if payload.AlertType != "CUSTOM" {
		t.Fatalf("alertType 应使用配置的标签: %s", payload.AlertType)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("序列化失败: %v", err)
	}
	if !strings.Contains(string(raw), `"triggeredConditions":[]`) {
		t.Fatalf("空触发列表应序列化为 []: %s", raw)
	}
}

func TestEmailSenderBuildsMessage(t *testing.T) {
	var (
		gotAddr string
		gotTo   []string
		gotMsg  string
	)
	sender := NewEmailSender(SMTPOptions{
		Host:          "smtp.local",
		Port:          2525,
		From:          "alerts@example.com",
		SubjectPrefix: "[defi]",
		Timeout:       time.Second,
	}, testLogger())
	sender.sendMail = func(addr string, _ smtp.Auth, _ string, to []string, msg []byte) error {
		gotAddr, gotTo, gotMsg = addr, to, string(msg)
		return nil
	}

	if err := sender.Send(context.Background(), "user@example.com", testPayload()); err != nil {
		t.Fatalf("邮件发送应成功: %v", err)
	}
	if gotAddr != "smtp.local:2525" {
		t.Fatalf("SMTP 地址不正确: %s", gotAddr)
	}
	if len(gotTo) != 1 || gotTo[0] != "user@example.com" {
		t.Fatalf("收件人不正确: %v", gotTo)
	}
	if !strings.Contains(gotMsg, "Subject: [defi] COMPOUND_MARKET_ALERT supply alert: 1 condition(s) triggered") {
		t.Fatalf("主题不正确: %s", gotMsg)
	}
	if !strings.Contains(gotMsg, "USDC on Ethereum: rate 6.200% rose above 5%") {
		t.Fatalf("正文应描述触发条件: %s", gotMsg)
	}
}

func TestEmailSenderErrors(t *testing.T) {
	sender := NewEmailSender(SMTPOptions{}, testLogger())
	if err := sender.Send(context.Background(), "user@example.com", testPayload()); err == nil {
		t.Fatal("未配置 SMTP 主机时应报错")
	}

	sender = NewEmailSender(SMTPOptions{Host: "smtp.local", Port: 25}, testLogger())
	sender.sendMail = func(string, smtp.Auth, string, []string, []byte) error {
		return errors.New("550 mailbox unavailable")
	}
	if err := sender.Send(context.Background(), "user@example.com", testPayload()); err == nil {
		t.Fatal("SMTP 失败应返回错误")
	}
}
