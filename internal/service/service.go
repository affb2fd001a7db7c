package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"defi-alerts/internal/alerting"
	"defi-alerts/internal/alerts"
	"defi-alerts/internal/logging"
	"defi-alerts/internal/metrics"
	"defi-alerts/internal/scheduler"
	"defi-alerts/internal/storage"
)

const (
	outcomeSent      = "sent"
	outcomeQuiet     = "quiet"
	outcomeThrottled = "throttled"
	outcomeFailed    = "failed"
)

// ledgerTimeout bounds the ledger write once channels were attempted. It is not tied to the run context.
const ledgerTimeout = 15 * time.Second

// AlertLoader returns the alerts a run should evaluate.
type AlertLoader interface {
	LoadActiveAlerts(ctx context.Context) ([]alerts.Alert, error)
}

// SnapshotReader returns the latest snapshot per requested market.
type SnapshotReader interface {
	LatestSnapshots(ctx context.Context, protocol string, keys []alerts.SnapshotKey) ([]storage.MarketSnapshot, error)
}

// Dispatcher delivers one alert's notification to its channels.
type Dispatcher interface {
	Dispatch(ctx context.Context, alert alerts.Alert, triggers []alerts.TriggerValue) alerting.DispatchResult
}

// RunResult summarises one engine run.
type RunResult struct {
	RunID     string        `json:"runId"`
	Alerts    int           `json:"alerts"`
	Triggered int           `json:"triggeredNotifications"`
	Failed    int           `json:"failedAlerts"`
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`
}

// Preview is a dry evaluation of a single alert.
type Preview struct {
	Alert     alerts.Alert          `json:"alert"`
	Triggers  []alerts.TriggerValue `json:"triggers"`
	WouldSend bool                  `json:"wouldSend"`
}

// Options tune the engine.
type Options struct {
	Protocol         string
	AlertConcurrency int
	RunTimeout       time.Duration
}

// Deps are the collaborators of the engine.
type Deps struct {
	Ingestor   *Ingestor
	Alerts     AlertLoader
	Snapshots  SnapshotReader
	Ledger     *Ledger
	Dispatcher Dispatcher
	Reporter   logging.ErrorReporter
	Metrics    *metrics.Metrics
	Lock       RunLocker
	Scheduler  *scheduler.Scheduler
}

// Engine orchestrates ingest, load, evaluate, throttle, dispatch and record.
type Engine struct {
	deps     Deps
	throttle *alerts.Throttle
	opts     Options
	now      func() time.Time
	logger   zerolog.Logger
}

// New constructs the engine.
func New(deps Deps, opts Options, logger zerolog.Logger) *Engine {
	if opts.AlertConcurrency <= 0 {
		opts.AlertConcurrency = 1
	}
	if deps.Reporter == nil {
		deps.Reporter = logging.NewReporter(logger)
	}
	return &Engine{
		deps:     deps,
		throttle: alerts.NewThrottle(deps.Ledger),
		opts:     opts,
		now:      time.Now,
		logger:   logger.With().Str("component", "engine").Logger(),
	}
}

// WithClock overrides the clock of the engine, its throttle, ledger and ingestor.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	e.throttle.WithClock(now)
	if e.deps.Ledger != nil {
		e.deps.Ledger.now = now
	}
	if e.deps.Ingestor != nil {
		e.deps.Ingestor.now = now
	}
	return e
}

// Run executes RunOnce on every scheduler tick until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	if e.deps.Scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return e.deps.Scheduler.Run(ctx, e.tick)
}

func (e *Engine) tick(ctx context.Context, at time.Time) error {
	result, err := e.RunOnce(ctx)
	if errors.Is(err, ErrRunInProgress) {
		e.logger.Debug().Time("tick", at).Msg("skip tick because another run holds the lock")
		return nil
	}
	if err != nil {
		return err
	}
	e.logger.Debug().Time("tick", at).Str("run_id", result.RunID).Msg("tick finished")
	return nil
}

// RunOnce performs one full pass. Ingestion and alert loading failures fail the run; failures of a
// single alert are reported and counted without affecting the others.
func (e *Engine) RunOnce(ctx context.Context) (RunResult, error) {
	unlock, acquired, err := e.acquireLock(ctx)
	if err != nil {
		return RunResult{}, err
	}
	if !acquired {
		e.deps.Metrics.ObserveSkippedRun()
		return RunResult{}, ErrRunInProgress
	}
	defer unlock()

	if e.opts.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.RunTimeout)
		defer cancel()
	}

	result := RunResult{RunID: uuid.NewString(), StartedAt: e.now().UTC()}
	logger := e.logger.With().Str("run_id", result.RunID).Logger()

	err = e.execute(logger.WithContext(ctx), &result)
	result.Duration = e.now().Sub(result.StartedAt)
	e.deps.Metrics.ObserveRun(err, result.Duration)

	if err != nil {
		logger.Error().Err(err).Dur("duration", result.Duration).Msg("run failed")
		return result, err
	}

	logger.Info().Int("alerts", result.Alerts).
		Int("triggered", result.Triggered).
		Int("failed", result.Failed).
		Dur("duration", result.Duration).
		Msg("run complete")
	return result, nil
}

func (e *Engine) execute(ctx context.Context, result *RunResult) error {
	rates, err := e.deps.Ingestor.FetchMarketRates(ctx)
	if err != nil {
		return fmt.Errorf("fetch market rates: %w", err)
	}
	if len(rates) == 0 {
		return fmt.Errorf("fetch market rates: %w", ErrNoMarketData)
	}
	if err := e.deps.Ingestor.PersistSnapshot(ctx, rates); err != nil {
		return fmt.Errorf("persist snapshots: %w", err)
	}

	list, err := e.deps.Alerts.LoadActiveAlerts(ctx)
	if err != nil {
		return fmt.Errorf("load active alerts: %w", err)
	}
	result.Alerts = len(list)
	if len(list) == 0 {
		return nil
	}

	// Markets missing from this fetch are not evaluated against older generations.
	index, err := e.snapshotIndex(ctx, list, freshKeys(rates))
	if err != nil {
		return fmt.Errorf("load latest snapshots: %w", err)
	}

	var sent, failed atomic.Int32
	g := new(errgroup.Group)
	g.SetLimit(e.opts.AlertConcurrency)
	for _, alert := range list {
		alert := alert
		g.Go(func() error {
			outcome, err := e.processAlert(ctx, alert, index)
			e.deps.Metrics.ObserveAlert(outcome)
			switch {
			case err != nil:
				failed.Add(1)
				e.deps.Reporter.Report(ctx, logging.Fields{"alert_id": alert.ID}, err)
			case outcome == outcomeSent:
				sent.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	result.Triggered = int(sent.Load())
	result.Failed = int(failed.Load())
	return nil
}

func (e *Engine) processAlert(ctx context.Context, alert alerts.Alert, index alerts.SnapshotIndex) (outcome string, err error) {
	defer func() {
		if r := recover(); r != nil {
			outcome, err = outcomeFailed, fmt.Errorf("alert %s panicked: %v", alert.ID, r)
		}
	}()

	triggers, send, err := e.assess(ctx, alert, index)
	if err != nil {
		return outcomeFailed, err
	}
	if len(triggers) == 0 {
		return outcomeQuiet, nil
	}
	if !send {
		return outcomeThrottled, nil
	}

	res := e.deps.Dispatcher.Dispatch(ctx, alert, triggers)

	// Recorded even if every channel failed, and even if the run was cancelled mid-dispatch.
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ledgerTimeout)
	defer cancel()
	if err := e.deps.Ledger.Record(recordCtx, alert.ID, triggers); err != nil {
		return outcomeFailed, fmt.Errorf("record notification: %w", err)
	}

	zerolog.Ctx(ctx).Info().Str("alert_id", alert.ID).
		Int("triggers", len(triggers)).
		Int("channels", res.Attempted).
		Int("channel_failures", res.Failed).
		Msg("alert notified")
	return outcomeSent, nil
}

// assess evaluates alert and asks the throttle whether its triggers may go out.
func (e *Engine) assess(ctx context.Context, alert alerts.Alert, index alerts.SnapshotIndex) ([]alerts.TriggerValue, bool, error) {
	var previouslySent map[string]struct{}
	if alert.Frequency.OneShot() {
		ids, err := e.deps.Ledger.SentConditionIDs(ctx, alert.ID)
		if err != nil {
			return nil, false, fmt.Errorf("load sent conditions: %w", err)
		}
		previouslySent = ids
	}

	triggers, err := alerts.Evaluate(alert, index, previouslySent)
	if err != nil {
		return nil, false, fmt.Errorf("evaluate alert %s: %w", alert.ID, err)
	}
	if len(triggers) == 0 {
		return nil, false, nil
	}

	send, err := e.throttle.ShouldSend(ctx, alert, triggers)
	if err != nil {
		return triggers, false, fmt.Errorf("throttle alert %s: %w", alert.ID, err)
	}
	return triggers, send, nil
}

// Preview evaluates a single alert against the latest stored snapshots without dispatching or recording.
func (e *Engine) Preview(ctx context.Context, alert alerts.Alert) (Preview, error) {
	index, err := e.snapshotIndex(ctx, []alerts.Alert{alert}, nil)
	if err != nil {
		return Preview{}, fmt.Errorf("load latest snapshots: %w", err)
	}

	triggers, send, err := e.assess(ctx, alert, index)
	if err != nil {
		return Preview{}, err
	}
	if triggers == nil {
		triggers = []alerts.TriggerValue{}
	}
	return Preview{Alert: alert, Triggers: triggers, WouldSend: send}, nil
}

// snapshotIndex loads the latest snapshot of every market any alert selects, in one query.
// When only is non-nil, markets outside it are left out of the index.
func (e *Engine) snapshotIndex(ctx context.Context, list []alerts.Alert, only map[alerts.SnapshotKey]struct{}) (alerts.SnapshotIndex, error) {
	seen := make(map[alerts.SnapshotKey]struct{})
	keys := make([]alerts.SnapshotKey, 0)
	for _, a := range list {
		for _, k := range a.Keys() {
			if _, ok := seen[k]; ok {
				continue
			}
			if only != nil {
				if _, ok := only[k]; !ok {
					continue
				}
			}
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}

	index := make(alerts.SnapshotIndex, len(keys))
	if len(keys) == 0 {
		return index, nil
	}

	snapshots, err := e.deps.Snapshots.LatestSnapshots(ctx, e.opts.Protocol, keys)
	if err != nil {
		return nil, err
	}
	for _, s := range snapshots {
		index[alerts.SnapshotKey{ChainID: s.ChainID, AssetKey: s.AssetKey}] = alerts.Rates{
			SupplyAPY:  s.SupplyAPY,
			BorrowAPY:  s.BorrowAPY,
			RecordedAt: s.RecordedAt,
		}
	}
	return index, nil
}

func (e *Engine) acquireLock(ctx context.Context) (func(), bool, error) {
	if e.deps.Lock == nil {
		return func() {}, true, nil
	}
	unlock, acquired, err := e.deps.Lock.TryLock(ctx)
	if err != nil {
		return nil, false, err
	}
	if !acquired {
		return nil, false, nil
	}
	if unlock == nil {
		unlock = func() {}
	}
	return unlock, true, nil
}
