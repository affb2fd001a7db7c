package alerting

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"defi-alerts/internal/alerts"
	"defi-alerts/internal/logging"
	"defi-alerts/internal/metrics"
)

// DispatchResult summarises one alert's fan-out.
type DispatchResult struct {
	Attempted int
	Failed    int
}

// Delivered reports whether at least one channel succeeded.
func (r DispatchResult) Delivered() bool {
	return r.Attempted > r.Failed
}

// DispatcherOptions tune the dispatcher.
type DispatcherOptions struct {
	Label       string
	Concurrency int
}

// Dispatcher fans a payload out to every delivery channel of an alert. A failing channel never
// blocks or cancels the others.
type Dispatcher struct {
	senders  map[alerts.ChannelType]Sender
	reporter logging.ErrorReporter
	metrics  *metrics.Metrics
	validate *validator.Validate
	opts     DispatcherOptions
	now      func() time.Time
	logger   zerolog.Logger
}

// NewDispatcher wires channel senders. A channel type without a sender fails at delivery time.
func NewDispatcher(senders map[alerts.ChannelType]Sender, reporter logging.ErrorReporter, m *metrics.Metrics, opts DispatcherOptions, logger zerolog.Logger) *Dispatcher {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if reporter == nil {
		reporter = logging.NewReporter(logger)
	}
	return &Dispatcher{
		senders:  senders,
		reporter: reporter,
		metrics:  m,
		validate: validator.New(),
		opts:     opts,
		now:      time.Now,
		logger:   logger.With().Str("component", "dispatcher").Logger(),
	}
}

// WithClock overrides the payload timestamp source.
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// Payload builds the payload Dispatch would send.
func (d *Dispatcher) Payload(alert alerts.Alert, triggers []alerts.TriggerValue) NotificationPayload {
	return BuildPayload(d.opts.Label, alert, triggers, d.now())
}

// Dispatch delivers one payload to each channel of alert. Errors are reported and counted, never returned.
func (d *Dispatcher) Dispatch(ctx context.Context, alert alerts.Alert, triggers []alerts.TriggerValue) DispatchResult {
	payload := d.Payload(alert, triggers)

	var failed atomic.Int32
	g := new(errgroup.Group)
	g.SetLimit(d.opts.Concurrency)

	for _, ch := range alert.Channels {
		ch := ch
		g.Go(func() error {
			err := d.deliver(ctx, ch, payload)
			d.metrics.ObserveChannel(string(ch.Type), err)
			if err != nil {
				failed.Add(1)
				d.reporter.Report(ctx, logging.Fields{
					"alert_id":     alert.ID,
					"channel_id":   ch.ID,
					"channel_type": string(ch.Type),
					"destination":  ch.Destination(),
					"payload":      payload,
				}, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	result := DispatchResult{Attempted: len(alert.Channels), Failed: int(failed.Load())}
	d.logger.Info().Str("alert_id", alert.ID).
		Int("channels", result.Attempted).
		Int("failed", result.Failed).
		Int("triggers", len(triggers)).
		Msg("notification dispatched")
	return result
}

func (d *Dispatcher) deliver(ctx context.Context, ch alerts.Channel, payload NotificationPayload) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("channel %s panicked: %v", ch.ID, r)
		}
	}()

	sender, ok := d.senders[ch.Type]
	if !ok || sender == nil {
		return fmt.Errorf("no sender for channel type %q", ch.Type)
	}
	if err := d.validateDestination(ch); err != nil {
		return err
	}
	return sender.Send(ctx, ch.Destination(), payload)
}

func (d *Dispatcher) validateDestination(ch alerts.Channel) error {
	tag := "required"
	switch ch.Type {
	case alerts.ChannelEmail:
		tag = "required,email"
	case alerts.ChannelWebhook:
		tag = "required,http_url"
	}
	if err := d.validate.Var(ch.Destination(), tag); err != nil {
		return fmt.Errorf("invalid %s destination %q: %w", ch.Type, ch.Destination(), err)
	}
	return nil
}
