package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"defi-alerts/internal/alerts"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrAlertNotFound is returned when an alert id does not exist.
	ErrAlertNotFound = errors.New("storage: alert not found")
)

const (
	insertSnapshotSQL = `INSERT INTO market_snapshots (
        protocol,
        chain_id,
        asset_key,
        asset_symbol,
        supply_apy,
        borrow_apy,
        recorded_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    );`

	latestSnapshotsSQL = `SELECT DISTINCT ON (s.chain_id, s.asset_key)
        s.id,
        s.protocol,
        s.chain_id,
        s.asset_key,
        s.asset_symbol,
        s.supply_apy::text,
        s.borrow_apy::text,
        s.recorded_at
    FROM market_snapshots s
    JOIN unnest($2::bigint[], $3::text[]) AS k(chain_id, asset_key)
      ON k.chain_id = s.chain_id AND k.asset_key = s.asset_key
    WHERE s.protocol = $1
    ORDER BY s.chain_id, s.asset_key, s.recorded_at DESC, s.id DESC;`

	listRecentSnapshotsSQL = `SELECT
        id,
        protocol,
        chain_id,
        asset_key,
        asset_symbol,
        supply_apy::text,
        borrow_apy::text,
        recorded_at
    FROM market_snapshots
    ORDER BY recorded_at DESC, id DESC
    LIMIT $1;`

	listSnapshotsBetweenSQL = `SELECT
        id,
        protocol,
        chain_id,
        asset_key,
        asset_symbol,
        supply_apy::text,
        borrow_apy::text,
        recorded_at
    FROM market_snapshots
    WHERE protocol = $1
      AND chain_id = $2
      AND asset_key = $3
      AND recorded_at >= $4
      AND recorded_at < $5
    ORDER BY recorded_at;`

	activeAlertsSQL = `SELECT
        id,
        category,
        action_type,
        is_comparison,
        status,
        archive,
        notification_frequency,
        wallet_address
    FROM alerts
    WHERE is_comparison = false
      AND status = 'ACTIVE'
      AND archive = false
    ORDER BY created_at, id;`

	alertByIDSQL = `SELECT
        id,
        category,
        action_type,
        is_comparison,
        status,
        archive,
        notification_frequency,
        wallet_address
    FROM alerts
    WHERE id = $1;`

	selectedChainsSQL = `SELECT alert_id, chain_id, chain_name
    FROM alert_selected_chains
    WHERE alert_id = ANY($1)
    ORDER BY alert_id, position;`

	selectedAssetsSQL = `SELECT alert_id, symbol, address
    FROM alert_selected_assets
    WHERE alert_id = ANY($1)
    ORDER BY alert_id, position;`

	conditionsSQL = `SELECT
        alert_id,
        id,
        condition_type,
        threshold_value::text,
        threshold_low::text,
        threshold_high::text,
        severity
    FROM alert_conditions
    WHERE alert_id = ANY($1)
    ORDER BY alert_id, position;`

	channelsSQL = `SELECT alert_id, id, channel_type, email, webhook_url
    FROM alert_delivery_channels
    WHERE alert_id = ANY($1)
    ORDER BY alert_id, id;`

	insertNotificationSQL = `INSERT INTO alert_notifications (
        id,
        alert_id,
        condition_ids,
        triggered_values
    ) VALUES (
        $1,$2,$3,$4
    )
    RETURNING created_at;`

	insertSentNotificationSQL = `INSERT INTO sent_notifications (
        id,
        alert_notification_id,
        sent_at
    ) VALUES (
        $1,$2,$3
    );`

	lastSentAtSQL = `SELECT max(s.sent_at)
    FROM sent_notifications s
    JOIN alert_notifications n ON n.id = s.alert_notification_id
    WHERE n.alert_id = $1;`

	sentConditionIDsSQL = `SELECT DISTINCT unnest(condition_ids)
    FROM alert_notifications
    WHERE alert_id = $1;`

	listRecentNotificationsSQL = `SELECT
        n.id::text,
        n.alert_id,
        n.condition_ids,
        n.triggered_values,
        n.created_at,
        coalesce(max(s.sent_at), n.created_at)
    FROM alert_notifications n
    LEFT JOIN sent_notifications s ON s.alert_notification_id = n.id
    GROUP BY n.id
    ORDER BY n.created_at DESC
    LIMIT $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// SnapshotStore defines operations for market snapshot persistence.
type SnapshotStore interface {
	InsertSnapshots(ctx context.Context, snapshots []MarketSnapshot) error
	LatestSnapshots(ctx context.Context, protocol string, keys []alerts.SnapshotKey) ([]MarketSnapshot, error)
	ListRecentSnapshots(ctx context.Context, limit int) ([]MarketSnapshot, error)
	ListSnapshotsBetween(ctx context.Context, protocol string, chainID int64, assetKey string, from, to time.Time) ([]MarketSnapshot, error)
}

// AlertStore defines read access to alert definitions.
type AlertStore interface {
	LoadActiveAlerts(ctx context.Context) ([]alerts.Alert, error)
	GetAlert(ctx context.Context, id string) (alerts.Alert, error)
}

// LedgerStore defines operations on the notification ledger.
type LedgerStore interface {
	RecordNotification(ctx context.Context, record NotificationRecord) (NotificationRecord, error)
	LastSentAt(ctx context.Context, alertID string) (*time.Time, error)
	SentConditionIDs(ctx context.Context, alertID string) (map[string]struct{}, error)
	ListRecentNotifications(ctx context.Context, limit int) ([]NotificationRecord, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to snapshots, alerts and the ledger.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// session-level lock; a failed unlock is released when the connection closes
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertSnapshots appends one generation of snapshots in a single transaction.
func (s *Store) InsertSnapshots(ctx context.Context, snapshots []MarketSnapshot) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if len(snapshots) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, snap := range snapshots {
		batch.Queue(insertSnapshotSQL,
			snap.Protocol,
			snap.ChainID,
			snap.AssetKey,
			snap.AssetSymbol,
			snap.SupplyAPY.String(),
			snap.BorrowAPY.String(),
			snap.RecordedAt,
		)
	}

	txErr := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		return tx.SendBatch(ctx, batch).Close()
	})
	if txErr != nil {
		return fmt.Errorf("insert snapshots: %w", txErr)
	}
	return nil
}

// LatestSnapshots returns the most recent snapshot of each requested chain/asset pair that has one.
func (s *Store) LatestSnapshots(ctx context.Context, protocol string, keys []alerts.SnapshotKey) ([]MarketSnapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}

	chainIDs, assetKeys := splitKeys(keys)
	rows, queryErr := pool.Query(ctx, latestSnapshotsSQL, protocol, chainIDs, assetKeys)
	if queryErr != nil {
		return nil, fmt.Errorf("latest snapshots: %w", queryErr)
	}
	return collectSnapshots(rows, len(keys))
}

// ListRecentSnapshots lists the most recent snapshots across all markets.
func (s *Store) ListRecentSnapshots(ctx context.Context, limit int) ([]MarketSnapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentSnapshotsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent snapshots: %w", queryErr)
	}
	return collectSnapshots(rows, limit)
}

// ListSnapshotsBetween lists one market's snapshots within a time window.
func (s *Store) ListSnapshotsBetween(ctx context.Context, protocol string, chainID int64, assetKey string, from, to time.Time) ([]MarketSnapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSnapshotsBetweenSQL, protocol, chainID, alerts.NormalizeAssetKey(assetKey), from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list snapshots between: %w", queryErr)
	}
	return collectSnapshots(rows, 0)
}

// LoadActiveAlerts returns every active, non-archived, non-comparison alert with its associations.
func (s *Store) LoadActiveAlerts(ctx context.Context) ([]alerts.Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, activeAlertsSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("load active alerts: %w", queryErr)
	}
	list, err := collectAlerts(rows)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return list, nil
	}

	if err := s.loadAssociations(ctx, pool, list); err != nil {
		return nil, err
	}
	return list, nil
}

// GetAlert loads a single alert regardless of its status.
func (s *Store) GetAlert(ctx context.Context, id string) (alerts.Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return alerts.Alert{}, err
	}

	rows, queryErr := pool.Query(ctx, alertByIDSQL, id)
	if queryErr != nil {
		return alerts.Alert{}, fmt.Errorf("get alert: %w", queryErr)
	}
	list, err := collectAlerts(rows)
	if err != nil {
		return alerts.Alert{}, err
	}
	if len(list) == 0 {
		return alerts.Alert{}, ErrAlertNotFound
	}

	if err := s.loadAssociations(ctx, pool, list); err != nil {
		return alerts.Alert{}, err
	}
	return list[0], nil
}

// loadAssociations fills chains, assets, conditions and channels of all alerts in one batch round trip.
func (s *Store) loadAssociations(ctx context.Context, pool *pgxpool.Pool, list []alerts.Alert) error {
	ids := make([]string, len(list))
	byID := make(map[string]*alerts.Alert, len(list))
	for i := range list {
		ids[i] = list[i].ID
		byID[list[i].ID] = &list[i]
	}

	batch := &pgx.Batch{}
	batch.Queue(selectedChainsSQL, ids).Query(func(rows pgx.Rows) error {
		for rows.Next() {
			var alertID string
			var chain alerts.Chain
			if err := rows.Scan(&alertID, &chain.ID, &chain.Name); err != nil {
				return fmt.Errorf("scan selected chain: %w", err)
			}
			if a, ok := byID[alertID]; ok {
				a.Chains = append(a.Chains, chain)
			}
		}
		return rows.Err()
	})
	batch.Queue(selectedAssetsSQL, ids).Query(func(rows pgx.Rows) error {
		for rows.Next() {
			var alertID string
			var asset alerts.Asset
			if err := rows.Scan(&alertID, &asset.Symbol, &asset.Address); err != nil {
				return fmt.Errorf("scan selected asset: %w", err)
			}
			if a, ok := byID[alertID]; ok {
				a.Assets = append(a.Assets, asset)
			}
		}
		return rows.Err()
	})
	batch.Queue(conditionsSQL, ids).Query(func(rows pgx.Rows) error {
		for rows.Next() {
			var (
				alertID, id, kind, severity string
				value, low, high            *string
			)
			if err := rows.Scan(&alertID, &id, &kind, &value, &low, &high, &severity); err != nil {
				return fmt.Errorf("scan condition: %w", err)
			}
			cond, err := buildCondition(id, kind, severity, value, low, high)
			if err != nil {
				return err
			}
			if a, ok := byID[alertID]; ok {
				a.Conditions = append(a.Conditions, cond)
			}
		}
		return rows.Err()
	})
	batch.Queue(channelsSQL, ids).Query(func(rows pgx.Rows) error {
		for rows.Next() {
			var (
				alertID, id, kind string
				email, webhook    *string
			)
			if err := rows.Scan(&alertID, &id, &kind, &email, &webhook); err != nil {
				return fmt.Errorf("scan delivery channel: %w", err)
			}
			if a, ok := byID[alertID]; ok {
				a.Channels = append(a.Channels, alerts.Channel{
					ID:         id,
					Type:       alerts.ChannelType(kind),
					Email:      deref(email),
					WebhookURL: deref(webhook),
				})
			}
		}
		return rows.Err()
	})

	if err := pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("load alert associations: %w", err)
	}
	return nil
}

// RecordNotification appends one ledger entry and its sent row atomically.
func (s *Store) RecordNotification(ctx context.Context, record NotificationRecord) (NotificationRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return NotificationRecord{}, err
	}

	id := uuid.New()
	if record.ID != "" {
		parsed, parseErr := uuid.Parse(record.ID)
		if parseErr != nil {
			return NotificationRecord{}, fmt.Errorf("notification id: %w", parseErr)
		}
		id = parsed
	}
	record.ID = id.String()
	if record.SentAt.IsZero() {
		record.SentAt = time.Now().UTC()
	}
	if record.ConditionIDs == nil {
		record.ConditionIDs = []string{}
	}

	txErr := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, insertNotificationSQL,
			id,
			record.AlertID,
			record.ConditionIDs,
			[]byte(record.TriggeredValues),
		).Scan(&record.CreatedAt); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, insertSentNotificationSQL, uuid.New(), id, record.SentAt)
		return err
	})
	if txErr != nil {
		return NotificationRecord{}, fmt.Errorf("record notification: %w", txErr)
	}
	return record, nil
}

// LastSentAt returns when the alert last sent a notification, or nil if it never did.
func (s *Store) LastSentAt(ctx context.Context, alertID string) (*time.Time, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	var last *time.Time
	if scanErr := pool.QueryRow(ctx, lastSentAtSQL, alertID).Scan(&last); scanErr != nil {
		return nil, fmt.Errorf("last sent at: %w", scanErr)
	}
	return last, nil
}

// SentConditionIDs returns every condition id the alert has already notified for.
func (s *Store) SentConditionIDs(ctx context.Context, alertID string) (map[string]struct{}, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, sentConditionIDsSQL, alertID)
	if queryErr != nil {
		return nil, fmt.Errorf("sent condition ids: %w", queryErr)
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = struct{}{}
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return ids, nil
}

// ListRecentNotifications lists the latest ledger entries.
func (s *Store) ListRecentNotifications(ctx context.Context, limit int) ([]NotificationRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentNotificationsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent notifications: %w", queryErr)
	}
	defer rows.Close()

	records := make([]NotificationRecord, 0, limit)
	for rows.Next() {
		var rec NotificationRecord
		var payload []byte
		if err := rows.Scan(&rec.ID, &rec.AlertID, &rec.ConditionIDs, &payload, &rec.CreatedAt, &rec.SentAt); err != nil {
			return nil, err
		}
		rec.TriggeredValues = json.RawMessage(payload)
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

func collectAlerts(rows pgx.Rows) ([]alerts.Alert, error) {
	defer rows.Close()

	list := make([]alerts.Alert, 0)
	for rows.Next() {
		var (
			a                                   alerts.Alert
			category, action, status, frequency string
			wallet                              *string
		)
		if err := rows.Scan(&a.ID, &category, &action, &a.IsComparison, &status, &a.Archived, &frequency, &wallet); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		a.Category = alerts.Category(category)
		a.ActionType = alerts.ActionType(action)
		a.Status = alerts.Status(status)
		a.Frequency = alerts.Frequency(frequency)
		a.WalletAddress = deref(wallet)
		list = append(list, a)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return list, nil
}

func collectSnapshots(rows pgx.Rows, capacity int) ([]MarketSnapshot, error) {
	defer rows.Close()

	snapshots := make([]MarketSnapshot, 0, capacity)
	for rows.Next() {
		var (
			snap              MarketSnapshot
			supplyStr, borrow string
		)
		if err := rows.Scan(
			&snap.ID,
			&snap.Protocol,
			&snap.ChainID,
			&snap.AssetKey,
			&snap.AssetSymbol,
			&supplyStr,
			&borrow,
			&snap.RecordedAt,
		); err != nil {
			return nil, err
		}

		var convErr error
		snap.SupplyAPY, convErr = decimal.NewFromString(supplyStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse supply apy: %w", convErr)
		}
		snap.BorrowAPY, convErr = decimal.NewFromString(borrow)
		if convErr != nil {
			return nil, fmt.Errorf("parse borrow apy: %w", convErr)
		}
		snapshots = append(snapshots, snap)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return snapshots, nil
}

func buildCondition(id, kind, severity string, value, low, high *string) (alerts.Condition, error) {
	v, err := parseNullDecimal(value)
	if err != nil {
		return alerts.Condition{}, fmt.Errorf("condition %s threshold_value: %w", id, err)
	}
	l, err := parseNullDecimal(low)
	if err != nil {
		return alerts.Condition{}, fmt.Errorf("condition %s threshold_low: %w", id, err)
	}
	h, err := parseNullDecimal(high)
	if err != nil {
		return alerts.Condition{}, fmt.Errorf("condition %s threshold_high: %w", id, err)
	}
	return alerts.NewCondition(id, alerts.ConditionType(kind), alerts.Severity(severity), v, l, h), nil
}

func parseNullDecimal(raw *string) (decimal.NullDecimal, error) {
	if raw == nil || *raw == "" {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(*raw)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(d), nil
}

func splitKeys(keys []alerts.SnapshotKey) ([]int64, []string) {
	chainIDs := make([]int64, len(keys))
	assetKeys := make([]string, len(keys))
	for i, k := range keys {
		chainIDs[i] = k.ChainID
		assetKeys[i] = alerts.NormalizeAssetKey(k.AssetKey)
	}
	return chainIDs, assetKeys
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

var (
	_ SnapshotStore  = (*Store)(nil)
	_ AlertStore     = (*Store)(nil)
	_ LedgerStore    = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
