package alerting

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"defi-alerts/internal/alerts"
	"defi-alerts/internal/logging"
	"defi-alerts/internal/metrics"
)

type recordingReporter struct {
	mu      sync.Mutex
	reports []logging.Fields
}

func (r *recordingReporter) Report(_ context.Context, fields logging.Fields, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, fields)
}

func (r *recordingReporter) destinations() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.reports))
	for _, f := range r.reports {
		out = append(out, f["destination"].(string))
	}
	return out
}

type fakeSender struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (f *fakeSender) Send(_ context.Context, destination string, _ NotificationPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, destination)
	return nil
}

func TestDispatchIsolatesFailingChannel(t *testing.T) {
	var okHits atomic.Int32
	okSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		okHits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer okSrv.Close()
	badSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer badSrv.Close()

	reporter := &recordingReporter{}
	for _, concurrency := range []int{1, 4} {
		reporter.reports = nil
		okHits.Store(0)

		d := NewDispatcher(map[alerts.ChannelType]Sender{
			alerts.ChannelWebhook: NewWebhookSender(time.Second, "", testLogger()),
		}, reporter, metrics.New(), DispatcherOptions{Concurrency: concurrency}, testLogger())

		alert := testPayload().Alert
		alert.Channels = []alerts.Channel{
			{ID: "bad", Type: alerts.ChannelWebhook, WebhookURL: badSrv.URL},
			{ID: "ok", Type: alerts.ChannelWebhook, WebhookURL: okSrv.URL},
		}

		res := d.Dispatch(context.Background(), alert, testPayload().TriggeredConditions)
		assert.Equal(t, DispatchResult{Attempted: 2, Failed: 1}, res)
		assert.True(t, res.Delivered())
		assert.Equal(t, int32(1), okHits.Load(), "working webhook must still receive the payload")
		assert.Equal(t, []string{badSrv.URL}, reporter.destinations())

		reporter.mu.Lock()
		assert.Equal(t, alert.ID, reporter.reports[0]["alert_id"])
		assert.IsType(t, NotificationPayload{}, reporter.reports[0]["payload"])
		reporter.mu.Unlock()
	}
}

func TestDispatchRoutesByChannelType(t *testing.T) {
	email := &fakeSender{}
	webhook := &fakeSender{}
	d := NewDispatcher(map[alerts.ChannelType]Sender{
		alerts.ChannelEmail:   email,
		alerts.ChannelWebhook: webhook,
	}, &recordingReporter{}, nil, DispatcherOptions{}, testLogger())

	alert := testPayload().Alert
	alert.Channels = []alerts.Channel{
		{ID: "e", Type: alerts.ChannelEmail, Email: "user@example.com"},
		{ID: "w", Type: alerts.ChannelWebhook, WebhookURL: "https://hooks.example.com/x"},
	}

	res := d.Dispatch(context.Background(), alert, nil)
	assert.Equal(t, DispatchResult{Attempted: 2}, res)
	assert.Equal(t, []string{"user@example.com"}, email.sent)
	assert.Equal(t, []string{"https://hooks.example.com/x"}, webhook.sent)
}

func TestDispatchReportsInvalidOrUnroutable(t *testing.T) {
	reporter := &recordingReporter{}
	webhook := &fakeSender{}
	d := NewDispatcher(map[alerts.ChannelType]Sender{
		alerts.ChannelWebhook: webhook,
	}, reporter, nil, DispatcherOptions{Concurrency: 2}, testLogger())

	alert := testPayload().Alert
	alert.Channels = []alerts.Channel{
		{ID: "e", Type: alerts.ChannelEmail, Email: "user@example.com"},
		{ID: "w1", Type: alerts.ChannelWebhook, WebhookURL: "not a url"},
		{ID: "w2", Type: alerts.ChannelWebhook},
		{ID: "w3", Type: alerts.ChannelWebhook, WebhookURL: "https://hooks.example.com/ok"},
	}

	res := d.Dispatch(context.Background(), alert, nil)
	assert.Equal(t, 4, res.Attempted)
	assert.Equal(t, 3, res.Failed)
	assert.ElementsMatch(t, []string{"user@example.com", "not a url", ""}, reporter.destinations())
	assert.Equal(t, []string{"https://hooks.example.com/ok"}, webhook.sent)
}

type panickySender struct{}

func (panickySender) Send(context.Context, string, NotificationPayload) error {
	panic("boom")
}

func TestDispatchRecoversSenderPanic(t *testing.T) {
	reporter := &recordingReporter{}
	d := NewDispatcher(map[alerts.ChannelType]Sender{
		alerts.ChannelWebhook: panickySender{},
		alerts.ChannelEmail:   &fakeSender{err: errors.New("smtp down")},
	}, reporter, nil, DispatcherOptions{}, testLogger())

	alert := testPayload().Alert
	alert.Channels = []alerts.Channel{
		{ID: "w", Type: alerts.ChannelWebhook, WebhookURL: "https://hooks.example.com/x"},
		{ID: "e", Type: alerts.ChannelEmail, Email: "user@example.com"},
	}

	res := d.Dispatch(context.Background(), alert, nil)
	require.Equal(t, 2, res.Failed)
	assert.False(t, res.Delivered())
	assert.Len(t, reporter.destinations(), 2)
}

func TestDispatcherPayloadUsesClock(t *testing.T) {
	fixed := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	d := NewDispatcher(nil, nil, nil, DispatcherOptions{Label: "LABEL"}, testLogger()).
		WithClock(func() time.Time { return fixed })

	p := d.Payload(alerts.Alert{ID: "a"}, nil)
	assert.Equal(t, "2025-01-02T03:04:05Z", p.Timestamp)
	assert.Equal(t, "LABEL", p.AlertType)
}
