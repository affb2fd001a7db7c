package app

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"defi-alerts/internal/storage"
)

// Export renders one market's snapshot history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if opts.ChainID == 0 || opts.Asset == "" {
		return errors.New("--chain and --asset are required")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Scheduler.Interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	snapshots, err := store.ListSnapshotsBetween(ctx, a.Config.Market.Protocol, opts.ChainID, opts.Asset, from, to)
	if err != nil {
		return err
	}
	if len(snapshots) == 0 {
		a.Logger.Info().Int64("chain_id", opts.ChainID).Str("asset", opts.Asset).Msg("no snapshots found for export window")
		return nil
	}

	downsampled := downsampleSnapshots(snapshots, opts.MaxPoints)
	a.Logger.Info().Int("total", len(snapshots)).Int("exported", len(downsampled)).Msg("exporting snapshots")

	if opts.CSVPath != "" {
		if err := writeFile(opts.CSVPath, func(w io.Writer) error { return writeSnapshotsCSV(w, downsampled) }); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeFile(opts.PNGPath, func(w io.Writer) error { return writeSnapshotsPNG(w, downsampled) }); err != nil {
			return err
		}
	}

	return nil
}

func downsampleSnapshots(snapshots []storage.MarketSnapshot, max int) []storage.MarketSnapshot {
	if max <= 0 || len(snapshots) <= max {
		return snapshots
	}
	if max == 1 {
		return snapshots[len(snapshots)-1:]
	}

	result := make([]storage.MarketSnapshot, 0, max)
	step := float64(len(snapshots)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(snapshots) {
			idx = len(snapshots) - 1
		}
		result = append(result, snapshots[idx])
	}
	return result
}

func writeSnapshotsCSV(out io.Writer, snapshots []storage.MarketSnapshot) error {
	writer := csv.NewWriter(out)

	header := []string{"recorded_at", "protocol", "chain_id", "asset_symbol", "asset_key", "supply_apy", "borrow_apy"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, s := range snapshots {
		record := []string{
			s.RecordedAt.UTC().Format(time.RFC3339),
			s.Protocol,
			strconv.FormatInt(s.ChainID, 10),
			s.AssetSymbol,
			s.AssetKey,
			s.SupplyAPY.String(),
			s.BorrowAPY.String(),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeSnapshotsPNG(out io.Writer, snapshots []storage.MarketSnapshot) error {
	x := make([]time.Time, len(snapshots))
	supply := make([]float64, len(snapshots))
	borrow := make([]float64, len(snapshots))

	for i, s := range snapshots {
		x[i] = s.RecordedAt
		supply[i] = s.SupplyAPY.InexactFloat64()
		borrow[i] = s.BorrowAPY.InexactFloat64()
	}

	percentFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f%%")
	}
	title := snapshots[0].AssetSymbol
	graph := chart.Chart{
		Title:  title,
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "APY (%)",
			ValueFormatter: percentFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Supply APY",
				XValues: x,
				YValues: supply,
			},
			chart.TimeSeries{
				Name:    "Borrow APY",
				XValues: x,
				YValues: borrow,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	return graph.Render(chart.PNG, out)
}

func writeFile(path string, render func(io.Writer) error) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := render(file); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
