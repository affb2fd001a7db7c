package service

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"defi-alerts/internal/alerting"
	"defi-alerts/internal/alerts"
	"defi-alerts/internal/fetcher"
	"defi-alerts/internal/logging"
	"defi-alerts/internal/metrics"
	"defi-alerts/internal/storage"
)

const (
	usdcAddress = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
	protocol    = "COMPOUND"
)

type stubFetcher struct {
	mu    sync.Mutex
	rates []fetcher.MarketData
	err   error
	calls int
}

func (f *stubFetcher) FetchMarketRates(context.Context) ([]fetcher.MarketData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.rates, f.err
}

func (f *stubFetcher) setSupply(v string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rates = []fetcher.MarketData{{
		ChainID:      1,
		AssetAddress: usdcAddress,
		AssetSymbol:  "USDC",
		SupplyAPY:    decimal.RequireFromString(v),
		BorrowAPY:    decimal.RequireFromString("9"),
	}}
}

// memStore keeps snapshots, alerts and the ledger in memory.
type memStore struct {
	mu        sync.Mutex
	snapshots []storage.MarketSnapshot
	alerts    []alerts.Alert
	records   []storage.NotificationRecord
	loadErr   error
}

func (m *memStore) InsertSnapshots(_ context.Context, snaps []storage.MarketSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range snaps {
		s.ID = int64(len(m.snapshots) + 1)
		m.snapshots = append(m.snapshots, s)
	}
	return nil
}

func (m *memStore) LatestSnapshots(_ context.Context, proto string, keys []alerts.SnapshotKey) ([]storage.MarketSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wanted := make(map[alerts.SnapshotKey]struct{}, len(keys))
	for _, k := range keys {
		wanted[k] = struct{}{}
	}
	latest := make(map[alerts.SnapshotKey]storage.MarketSnapshot)
	for _, s := range m.snapshots {
		k := alerts.SnapshotKey{ChainID: s.ChainID, AssetKey: s.AssetKey}
		if _, ok := wanted[k]; !ok || s.Protocol != proto {
			continue
		}
		if cur, ok := latest[k]; !ok || !s.RecordedAt.Before(cur.RecordedAt) {
			latest[k] = s
		}
	}
	out := make([]storage.MarketSnapshot, 0, len(latest))
	for _, s := range latest {
		out = append(out, s)
	}
	return out, nil
}

func (m *memStore) ListRecentSnapshots(context.Context, int) ([]storage.MarketSnapshot, error) {
	return nil, nil
}

func (m *memStore) ListSnapshotsBetween(context.Context, string, int64, string, time.Time, time.Time) ([]storage.MarketSnapshot, error) {
	return nil, nil
}

func (m *memStore) LoadActiveAlerts(context.Context) ([]alerts.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	return append([]alerts.Alert(nil), m.alerts...), nil
}

func (m *memStore) RecordNotification(ctx context.Context, rec storage.NotificationRecord) (storage.NotificationRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.NotificationRecord{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.CreatedAt = rec.SentAt
	m.records = append(m.records, rec)
	return rec, nil
}

func (m *memStore) LastSentAt(_ context.Context, alertID string) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var last *time.Time
	for _, r := range m.records {
		if r.AlertID != alertID {
			continue
		}
		if last == nil || r.SentAt.After(*last) {
			t := r.SentAt
			last = &t
		}
	}
	return last, nil
}

func (m *memStore) SentConditionIDs(_ context.Context, alertID string) (map[string]struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make(map[string]struct{})
	for _, r := range m.records {
		if r.AlertID != alertID {
			continue
		}
		for _, id := range r.ConditionIDs {
			ids[id] = struct{}{}
		}
	}
	return ids, nil
}

func (m *memStore) ListRecentNotifications(context.Context, int) ([]storage.NotificationRecord, error) {
	return nil, nil
}

func (m *memStore) recordsFor(alertID string) []storage.NotificationRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.NotificationRecord
	for _, r := range m.records {
		if r.AlertID == alertID {
			out = append(out, r)
		}
	}
	return out
}

type captureSender struct {
	mu     sync.Mutex
	sent   []alerting.NotificationPayload
	to     []string
	err    error
	onSend func()
}

func (c *captureSender) Send(_ context.Context, destination string, payload alerting.NotificationPayload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.onSend != nil {
		c.onSend()
	}
	if c.err != nil {
		return c.err
	}
	c.to = append(c.to, destination)
	c.sent = append(c.sent, payload)
	return nil
}

func (c *captureSender) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

type collectingReporter struct {
	mu     sync.Mutex
	alerts []string
	errs   []error
}

func (r *collectingReporter) Report(_ context.Context, fields logging.Fields, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := fields["alert_id"].(string); ok {
		r.alerts = append(r.alerts, id)
	}
	r.errs = append(r.errs, err)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	engine   *Engine
	store    *memStore
	fetcher  *stubFetcher
	email    *captureSender
	webhook  *captureSender
	reporter *collectingReporter
	clock    *fakeClock
}

func newHarness(t *testing.T, list ...alerts.Alert) *harness {
	t.Helper()
	logger := zerolog.Nop()
	h := &harness{
		store:    &memStore{alerts: list},
		fetcher:  &stubFetcher{},
		email:    &captureSender{},
		webhook:  &captureSender{},
		reporter: &collectingReporter{},
		clock:    &fakeClock{now: time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)},
	}
	h.fetcher.setSupply("6")

	m := metrics.New()
	dispatcher := alerting.NewDispatcher(map[alerts.ChannelType]alerting.Sender{
		alerts.ChannelEmail:   h.email,
		alerts.ChannelWebhook: h.webhook,
	}, h.reporter, m, alerting.DispatcherOptions{Concurrency: 2}, logger).WithClock(h.clock.Now)

	h.engine = New(Deps{
		Ingestor:   NewIngestor(h.fetcher, h.store, protocol, m, logger),
		Alerts:     h.store,
		Snapshots:  h.store,
		Ledger:     NewLedger(h.store),
		Dispatcher: dispatcher,
		Reporter:   h.reporter,
		Metrics:    m,
	}, Options{Protocol: protocol, AlertConcurrency: 4}, logger).WithClock(h.clock.Now)
	return h
}

func riseAbove(id, v string) alerts.Condition {
	return alerts.NewCondition(id, alerts.ConditionRiseAbove, alerts.SeverityMedium,
		decimal.NewNullDecimal(decimal.RequireFromString(v)), decimal.NullDecimal{}, decimal.NullDecimal{})
}

func supplyAlert(id string, freq alerts.Frequency, conds ...alerts.Condition) alerts.Alert {
	return alerts.Alert{
		ID:            id,
		Category:      alerts.CategoryPersonalized,
		ActionType:    alerts.ActionSupply,
		Status:        alerts.StatusActive,
		Frequency:     freq,
		WalletAddress: "0x1111111111111111111111111111111111111111",
		Chains:        []alerts.Chain{{ID: 1, Name: "Ethereum"}},
		Assets:        []alerts.Asset{{Symbol: "USDC", Address: usdcAddress}},
		Conditions:    conds,
		Channels:      []alerts.Channel{{ID: "ch-" + id, Type: alerts.ChannelEmail, Email: "user@example.com"}},
	}
}

func TestRunOnceEndToEndThrottledAcrossRuns(t *testing.T) {
	h := newHarness(t, supplyAlert("a1", alerts.FrequencyEvery6Hours, riseAbove("c1", "5")))
	ctx := context.Background()

	first, err := h.engine.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Alerts)
	assert.Equal(t, 1, first.Triggered)
	assert.NotEmpty(t, first.RunID)
	require.Equal(t, 1, h.email.count())

	payload := h.email.sent[0]
	assert.Equal(t, []string{"user@example.com"}, h.email.to)
	assert.Equal(t, alerting.DefaultAlertType, payload.AlertType)
	assert.Equal(t, "0x1111111111111111111111111111111111111111", payload.WalletAddress)
	assert.Equal(t, "2025-05-01T08:00:00Z", payload.Timestamp)
	require.Len(t, payload.TriggeredConditions, 1)
	assert.True(t, payload.TriggeredConditions[0].CurrentRate.Equal(decimal.NewFromInt(6)))

	records := h.store.recordsFor("a1")
	require.Len(t, records, 1)
	assert.Equal(t, []string{"c1"}, records[0].ConditionIDs)
	var stored []map[string]any
	require.NoError(t, json.Unmarshal(records[0].TriggeredValues, &stored))
	require.Len(t, stored, 1)
	assert.Equal(t, "USDC", stored[0]["asset"])
	assert.Equal(t, "Ethereum", stored[0]["chainName"])

	h.clock.Advance(time.Hour)
	second, err := h.engine.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Triggered, "inside the 6h window nothing is sent")
	assert.Equal(t, 1, h.email.count())
	assert.Len(t, h.store.recordsFor("a1"), 1)

	h.clock.Advance(5 * time.Hour)
	third, err := h.engine.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, third.Triggered)
	assert.Equal(t, 2, h.email.count())
	assert.Len(t, h.store.snapshots, 3, "every run appends one snapshot generation")
}

func TestRunOnceOneShotNeverRefires(t *testing.T) {
	h := newHarness(t, supplyAlert("once", alerts.FrequencyOncePerAlert,
		riseAbove("low", "5"), riseAbove("high", "7")))
	ctx := context.Background()

	res, err := h.engine.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Triggered)

	h.fetcher.setSupply("8")
	for i := 0; i < 3; i++ {
		h.clock.Advance(24 * time.Hour)
		res, err = h.engine.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, res.Triggered)
	}

	records := h.store.recordsFor("once")
	require.Len(t, records, 1)
	seen := map[string]int{}
	for _, r := range records {
		for _, id := range r.ConditionIDs {
			seen[id]++
		}
	}
	assert.Equal(t, map[string]int{"low": 1}, seen)
	assert.Equal(t, 1, h.email.count())
}

func TestRunOnceIngestionFailureIsFatal(t *testing.T) {
	h := newHarness(t, supplyAlert("a1", alerts.FrequencyEvery3Hours, riseAbove("c1", "5")))
	h.fetcher.err = errors.New("provider down")

	_, err := h.engine.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fetch market rates")
	assert.Empty(t, h.store.snapshots)
	assert.Zero(t, h.email.count())
}

func TestRunOnceLoadFailureIsFatal(t *testing.T) {
	h := newHarness(t)
	h.store.loadErr = errors.New("db gone")

	_, err := h.engine.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load active alerts")
}

func TestRunOnceNoAlerts(t *testing.T) {
	h := newHarness(t)

	res, err := h.engine.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Alerts)
	assert.Equal(t, 0, res.Triggered)
	assert.Len(t, h.store.snapshots, 1)
}

func TestRunOnceIsolatesFailingAlert(t *testing.T) {
	broken := supplyAlert("broken", alerts.FrequencyDaily,
		alerts.NewCondition("weird", "APR_SIDEWAYS", alerts.SeverityLow, decimal.NullDecimal{}, decimal.NullDecimal{}, decimal.NullDecimal{}))
	good := supplyAlert("good", alerts.FrequencyDaily, riseAbove("c1", "5"))
	h := newHarness(t, broken, good)

	res, err := h.engine.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Alerts)
	assert.Equal(t, 1, res.Triggered)
	assert.Equal(t, 1, res.Failed)

	require.Len(t, h.reporter.errs, 1)
	assert.True(t, errors.Is(h.reporter.errs[0], alerts.ErrUnknownCondition))
	assert.Equal(t, []string{"broken"}, h.reporter.alerts)
	assert.Len(t, h.store.recordsFor("good"), 1)
}

func TestRunOnceRecordsDespiteChannelFailure(t *testing.T) {
	a := supplyAlert("mixed", alerts.FrequencyEvery12Hours, riseAbove("c1", "5"))
	a.Channels = []alerts.Channel{
		{ID: "e", Type: alerts.ChannelEmail, Email: "user@example.com"},
		{ID: "w", Type: alerts.ChannelWebhook, WebhookURL: "https://hooks.example.com/a"},
	}
	h := newHarness(t, a)
	h.email.err = errors.New("smtp unavailable")

	res, err := h.engine.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Triggered)
	assert.Equal(t, 1, h.webhook.count(), "webhook still delivered")
	assert.Len(t, h.store.recordsFor("mixed"), 1)
	assert.Contains(t, h.reporter.alerts, "mixed")
}

func TestRunOnceManyAlertsConcurrently(t *testing.T) {
	list := make([]alerts.Alert, 0, 20)
	for i := 0; i < 20; i++ {
		id := string(rune('a' + i))
		list = append(list, supplyAlert(id, alerts.FrequencyEvery3Hours, riseAbove("c-"+id, "5")))
	}
	h := newHarness(t, list...)

	res, err := h.engine.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 20, res.Triggered)
	assert.Equal(t, 20, h.email.count())

	ids := make([]string, 0, 20)
	for _, r := range h.store.records {
		ids = append(ids, r.AlertID)
	}
	sort.Strings(ids)
	assert.Len(t, ids, 20)
}

type heldLock struct{}

func (heldLock) TryLock(context.Context) (func(), bool, error) { return nil, false, nil }

func TestRunOnceSkipsWhenLocked(t *testing.T) {
	h := newHarness(t, supplyAlert("a1", alerts.FrequencyDaily, riseAbove("c1", "5")))
	h.engine.deps.Lock = heldLock{}

	_, err := h.engine.RunOnce(context.Background())
	assert.True(t, errors.Is(err, ErrRunInProgress))
	assert.Zero(t, h.fetcher.calls)
}

type fakeAdvisory struct {
	acquired bool
	unlocked bool
}

func (f *fakeAdvisory) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	if !f.acquired {
		return nil, false, nil
	}
	return func() { f.unlocked = true }, true, nil
}

func TestAdvisoryRunLock(t *testing.T) {
	adv := &fakeAdvisory{acquired: true}
	unlock, ok, err := AdvisoryRunLock{Locker: adv, Key: 42}.TryLock(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	unlock()
	assert.True(t, adv.unlocked)

	_, ok, err = AdvisoryRunLock{Locker: &fakeAdvisory{}, Key: 42}.TryLock(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	unlock, ok, err = AdvisoryRunLock{}.TryLock(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	unlock()
}

func TestPreviewDoesNotSendOrRecord(t *testing.T) {
	a := supplyAlert("p1", alerts.FrequencyDaily, riseAbove("c1", "5"))
	h := newHarness(t)
	require.NoError(t, h.engine.deps.Ingestor.PersistSnapshot(context.Background(), h.fetcher.rates))

	preview, err := h.engine.Preview(context.Background(), a)
	require.NoError(t, err)
	assert.True(t, preview.WouldSend)
	require.Len(t, preview.Triggers, 1)
	assert.Zero(t, h.email.count())
	assert.Empty(t, h.store.recordsFor("p1"))
}

func TestRunOnceSkipsMarketsMissingFromFetch(t *testing.T) {
	h := newHarness(t, supplyAlert("stale", alerts.FrequencyEvery3Hours, riseAbove("c1", "5")))
	ctx := context.Background()

	res, err := h.engine.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Triggered)

	h.fetcher.mu.Lock()
	h.fetcher.rates = []fetcher.MarketData{}
	h.fetcher.mu.Unlock()
	h.clock.Advance(30 * 24 * time.Hour)

	_, err = h.engine.RunOnce(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoMarketData))
	assert.Equal(t, 1, h.email.count())

	// Another market is fetched but USDC is not: the old USDC row must not be evaluated.
	h.fetcher.mu.Lock()
	h.fetcher.rates = []fetcher.MarketData{{
		ChainID:      1,
		AssetAddress: "0xdAC17F958D2ee523a2206206994597C13D831ec7",
		AssetSymbol:  "USDT",
		SupplyAPY:    decimal.RequireFromString("7"),
		BorrowAPY:    decimal.RequireFromString("9"),
	}}
	h.fetcher.mu.Unlock()

	res, err = h.engine.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Triggered)
	assert.Equal(t, 1, h.email.count())
	assert.Len(t, h.store.recordsFor("stale"), 1)
}

func TestRunOnceRecordsWhenCancelledAfterSend(t *testing.T) {
	h := newHarness(t, supplyAlert("once", alerts.FrequencyOncePerAlert, riseAbove("c1", "5")))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.email.onSend = cancel

	res, err := h.engine.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Triggered)
	assert.Equal(t, 1, h.email.count())

	records := h.store.recordsFor("once")
	require.Len(t, records, 1)
	assert.Equal(t, []string{"c1"}, records[0].ConditionIDs)

	h.clock.Advance(time.Hour)
	res, err = h.engine.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Triggered)
	assert.Equal(t, 1, h.email.count())
}
