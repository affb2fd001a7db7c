package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"defi-alerts/internal/alerts"
	"defi-alerts/internal/fetcher"
	"defi-alerts/internal/metrics"
	"defi-alerts/internal/storage"
)

// ErrNoMarketData is returned when the provider yields no usable rates.
var ErrNoMarketData = errors.New("market provider returned no rates")

// Ingestor pulls market rates from the provider and appends them as snapshots.
type Ingestor struct {
	fetcher  fetcher.MarketRateFetcher
	store    storage.SnapshotStore
	protocol string
	metrics  *metrics.Metrics
	now      func() time.Time
	logger   zerolog.Logger
}

// NewIngestor builds an ingestor for one protocol.
func NewIngestor(f fetcher.MarketRateFetcher, store storage.SnapshotStore, protocol string, m *metrics.Metrics, logger zerolog.Logger) *Ingestor {
	return &Ingestor{
		fetcher:  f,
		store:    store,
		protocol: protocol,
		metrics:  m,
		now:      time.Now,
		logger:   logger.With().Str("component", "ingestor").Logger(),
	}
}

// FetchMarketRates asks the provider for current rates. Errors propagate unchanged.
func (i *Ingestor) FetchMarketRates(ctx context.Context) ([]fetcher.MarketData, error) {
	if i.fetcher == nil {
		return nil, fmt.Errorf("market fetcher not configured")
	}
	return i.fetcher.FetchMarketRates(ctx)
}

// freshKeys returns the markets present in rates.
func freshKeys(rates []fetcher.MarketData) map[alerts.SnapshotKey]struct{} {
	keys := make(map[alerts.SnapshotKey]struct{}, len(rates))
	for _, r := range rates {
		keys[alerts.SnapshotKey{ChainID: r.ChainID, AssetKey: alerts.NormalizeAssetKey(r.AssetAddress)}] = struct{}{}
	}
	return keys
}

// PersistSnapshot appends one snapshot per rate. All rows of a call share one recorded_at.
func (i *Ingestor) PersistSnapshot(ctx context.Context, rates []fetcher.MarketData) error {
	if len(rates) == 0 {
		i.logger.Warn().Msg("market provider returned no rates")
		return nil
	}

	recordedAt := i.now().UTC()
	snapshots := make([]storage.MarketSnapshot, 0, len(rates))
	for _, r := range rates {
		snapshots = append(snapshots, storage.MarketSnapshot{
			Protocol:    i.protocol,
			ChainID:     r.ChainID,
			AssetKey:    alerts.NormalizeAssetKey(r.AssetAddress),
			AssetSymbol: r.AssetSymbol,
			SupplyAPY:   r.SupplyAPY,
			BorrowAPY:   r.BorrowAPY,
			RecordedAt:  recordedAt,
		})
	}

	if err := i.store.InsertSnapshots(ctx, snapshots); err != nil {
		return err
	}
	i.metrics.AddSnapshots(len(snapshots))

	i.logger.Info().Int("markets", len(snapshots)).
		Time("recorded_at", recordedAt).
		Msg("market snapshots recorded")
	return nil
}
