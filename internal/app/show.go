package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"defi-alerts/internal/storage"
)

// Show prints the most recent market snapshots.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	snapshots, err := store.ListRecentSnapshots(ctx, opts.Limit)
	if err != nil {
		return err
	}
	return writeSnapshotTable(os.Stdout, snapshots)
}

// History prints the most recent ledger entries.
func (a *App) History(ctx context.Context, opts HistoryOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	records, err := store.ListRecentNotifications(ctx, opts.Limit)
	if err != nil {
		return err
	}
	return writeHistoryTable(os.Stdout, records)
}

func writeSnapshotTable(out io.Writer, snapshots []storage.MarketSnapshot) error {
	if len(snapshots) == 0 {
		_, err := fmt.Fprintln(out, "no snapshots found")
		return err
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tProtocol\tChain\tAsset\tSupply APY%\tBorrow APY%\tAsset Key")
	for _, s := range snapshots {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			s.RecordedAt.UTC().Format(time.RFC3339),
			s.Protocol,
			s.ChainID,
			s.AssetSymbol,
			s.SupplyAPY.StringFixed(3),
			s.BorrowAPY.StringFixed(3),
			s.AssetKey,
		)
	}
	return writer.Flush()
}

func writeHistoryTable(out io.Writer, records []storage.NotificationRecord) error {
	if len(records) == 0 {
		_, err := fmt.Fprintln(out, "no notifications recorded")
		return err
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Sent (UTC)\tAlert\tConditions\tNotification")
	for _, r := range records {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\n",
			r.SentAt.UTC().Format(time.RFC3339),
			r.AlertID,
			sanitizeInline(strings.Join(r.ConditionIDs, ",")),
			r.ID,
		)
	}
	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
