package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"crypto-price-alerts/internal/asset"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	appendPricePointSQL = `INSERT INTO price_points (
        symbol,
        usd_price,
        source_ts,
        recorded_at
    ) VALUES (
        $1,$2,$3,$4
    )
    RETURNING id;`

	queryPricePointsSQL = `SELECT
        id,
        symbol,
        usd_price::text,
        source_ts,
        recorded_at
    FROM price_points
    WHERE symbol = $1
      AND source_ts >= $2
      AND source_ts < $3
    ORDER BY source_ts, id;`

	latestAtOrBeforeSQL = `SELECT
        id,
        symbol,
        usd_price::text,
        source_ts,
        recorded_at
    FROM price_points
    WHERE symbol = $1
      AND source_ts <= $2
    ORDER BY source_ts DESC, id DESC
    LIMIT 1;`

	prunePricePointsSQL = `DELETE FROM price_points WHERE source_ts < $1;`

	insertAlertSQL = `INSERT INTO price_alerts (
        id,
        symbol,
        target_usd_price,
        email,
        created_at
    ) VALUES (
        $1::uuid,$2,$3,$4,$5
    );`

	selectAlertColumns = `SELECT
        id::text,
        symbol,
        target_usd_price::text,
        email,
        created_at
    FROM price_alerts`

	countAlertsByOwnerSQL = `SELECT COUNT(*) FROM price_alerts WHERE email = $1;`

	findAlertsByThresholdSQL = selectAlertColumns + `
    WHERE symbol = $1
      AND target_usd_price <= $2
    ORDER BY created_at;`

	deleteAlertsSQL = `DELETE FROM price_alerts WHERE id = ANY($1::uuid[]);`

	claimAlertsByThresholdSQL = `DELETE FROM price_alerts
    WHERE symbol = $1
      AND target_usd_price <= $2
    RETURNING
        id::text,
        symbol,
        target_usd_price::text,
        email,
        created_at;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// sortColumns maps accepted sort keys to SQL expressions.
var sortColumns = map[string]string{
	SortCreatedAt:   "created_at",
	SortTargetPrice: "target_usd_price",
	SortSymbol:      "symbol",
}

// PriceStore defines the append-only price time series.
type PriceStore interface {
	Append(ctx context.Context, point PricePoint) (PricePoint, error)
	Query(ctx context.Context, symbol asset.Symbol, from, to time.Time) ([]PricePoint, error)
	LatestAtOrBefore(ctx context.Context, symbol asset.Symbol, at time.Time) (PricePoint, bool, error)
	PruneBefore(ctx context.Context, before time.Time) (int64, error)
}

// AlertStore defines persistence for target price subscriptions.
type AlertStore interface {
	Create(ctx context.Context, alert Alert) error
	FindByOwner(ctx context.Context, email string, page Page) ([]Alert, int64, error)
	FindByThreshold(ctx context.Context, symbol asset.Symbol, maxTarget decimal.Decimal) ([]Alert, error)
	DeleteMany(ctx context.Context, ids []uuid.UUID) error
	// ClaimByThreshold removes and returns the alerts FindByThreshold would
	// match in one step, so concurrent callers never receive the same alert.
	ClaimByThreshold(ctx context.Context, symbol asset.Symbol, maxTarget decimal.Decimal) ([]Alert, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates Postgres access to price points and alerts.
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
		// a failed unlock is released with the session
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

// Append persists a new price point and returns it with its assigned ID.
func (s *Store) Append(ctx context.Context, point PricePoint) (PricePoint, error) {
	pool, err := s.getPool()
	if err != nil {
		return PricePoint{}, err
	}
	if point.RecordedAt.IsZero() {
		point.RecordedAt = time.Now().UTC()
	}

	if scanErr := pool.QueryRow(ctx, appendPricePointSQL,
		string(point.Symbol),
		point.USDPrice.String(),
		point.SourceTimestamp,
		point.RecordedAt,
	).Scan(&point.ID); scanErr != nil {
		return PricePoint{}, fmt.Errorf("append price point: %w", scanErr)
	}
	return point, nil
}

// Query lists points for symbol with source time in [from, to), ordered by source time.
func (s *Store) Query(ctx context.Context, symbol asset.Symbol, from, to time.Time) ([]PricePoint, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, queryPricePointsSQL, string(symbol), from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("query price points: %w", queryErr)
	}
	defer rows.Close()

	points := make([]PricePoint, 0)
	for rows.Next() {
		point, scanErr := scanPricePoint(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		points = append(points, point)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return points, nil
}

// LatestAtOrBefore returns the newest point for symbol whose source time is not after at.
func (s *Store) LatestAtOrBefore(ctx context.Context, symbol asset.Symbol, at time.Time) (PricePoint, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return PricePoint{}, false, err
	}

	rows, queryErr := pool.Query(ctx, latestAtOrBeforeSQL, string(symbol), at)
	if queryErr != nil {
		return PricePoint{}, false, fmt.Errorf("latest price point: %w", queryErr)
	}
	defer rows.Close()

	if !rows.Next() {
		return PricePoint{}, false, rows.Err()
	}
	point, scanErr := scanPricePoint(rows)
	if scanErr != nil {
		return PricePoint{}, false, scanErr
	}
	return point, true, nil
}

// PruneBefore deletes points with source time strictly before the cutoff.
func (s *Store) PruneBefore(ctx context.Context, before time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, prunePricePointsSQL, before)
	if execErr != nil {
		return 0, fmt.Errorf("prune price points: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

// Create persists a new alert.
func (s *Store) Create(ctx context.Context, alert Alert) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, insertAlertSQL,
		alert.ID.String(),
		string(alert.Symbol),
		alert.TargetUSDPrice.String(),
		alert.Email,
		alert.CreatedAt,
	); execErr != nil {
		return fmt.Errorf("insert alert: %w", execErr)
	}
	return nil
}

// FindByOwner lists a page of alerts for email along with the owner's total alert count.
func (s *Store) FindByOwner(ctx context.Context, email string, page Page) ([]Alert, int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, 0, err
	}

	column, ok := sortColumns[page.OrderBy]
	if !ok {
		column = sortColumns[SortCreatedAt]
	}
	direction := "ASC"
	if page.Order == OrderDesc {
		direction = "DESC"
	}

	var total int64
	if scanErr := pool.QueryRow(ctx, countAlertsByOwnerSQL, email).Scan(&total); scanErr != nil {
		return nil, 0, fmt.Errorf("count alerts: %w", scanErr)
	}

	query := fmt.Sprintf("%s\n    WHERE email = $1\n    ORDER BY %s %s, id\n    LIMIT $2 OFFSET $3;", selectAlertColumns, column, direction)
	rows, queryErr := pool.Query(ctx, query, email, page.Limit, page.Skip)
	if queryErr != nil {
		return nil, 0, fmt.Errorf("find alerts by owner: %w", queryErr)
	}
	defer rows.Close()

	alerts, scanErr := collectAlerts(rows)
	if scanErr != nil {
		return nil, 0, scanErr
	}
	return alerts, total, nil
}

// FindByThreshold lists alerts on symbol whose target is at or below maxTarget.
func (s *Store) FindByThreshold(ctx context.Context, symbol asset.Symbol, maxTarget decimal.Decimal) ([]Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, findAlertsByThresholdSQL, string(symbol), maxTarget.String())
	if queryErr != nil {
		return nil, fmt.Errorf("find alerts by threshold: %w", queryErr)
	}
	defer rows.Close()

	return collectAlerts(rows)
}

// DeleteMany removes the given alerts in a single statement.
func (s *Store) DeleteMany(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	raw := make([]string, len(ids))
	for i, id := range ids {
		raw[i] = id.String()
	}
	if _, execErr := pool.Exec(ctx, deleteAlertsSQL, raw); execErr != nil {
		return fmt.Errorf("delete alerts: %w", execErr)
	}
	return nil
}

// ClaimByThreshold deletes the matching alerts and returns the deleted rows.
func (s *Store) ClaimByThreshold(ctx context.Context, symbol asset.Symbol, maxTarget decimal.Decimal) ([]Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, claimAlertsByThresholdSQL, string(symbol), maxTarget.String())
	if queryErr != nil {
		return nil, fmt.Errorf("claim alerts by threshold: %w", queryErr)
	}
	defer rows.Close()

	alerts, scanErr := collectAlerts(rows)
	if scanErr != nil {
		return nil, scanErr
	}
	sortByCreatedAt(alerts)
	return alerts, nil
}

func collectAlerts(rows pgx.Rows) ([]Alert, error) {
	alerts := make([]Alert, 0)
	for rows.Next() {
		var (
			idStr     string
			symbol    string
			targetStr string
			alert     Alert
		)
		if err := rows.Scan(&idStr, &symbol, &targetStr, &alert.Email, &alert.CreatedAt); err != nil {
			return nil, err
		}

		id, err := uuid.Parse(idStr)
		if err != nil {
			return nil, fmt.Errorf("parse alert id: %w", err)
		}
		target, err := decimal.NewFromString(targetStr)
		if err != nil {
			return nil, fmt.Errorf("parse target price: %w", err)
		}

		alert.ID = id
		alert.Symbol = asset.Symbol(symbol)
		alert.TargetUSDPrice = target
		alerts = append(alerts, alert)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

func scanPricePoint(rows pgx.Rows) (PricePoint, error) {
	var (
		point    PricePoint
		symbol   string
		priceStr string
	)

	if err := rows.Scan(
		&point.ID,
		&symbol,
		&priceStr,
		&point.SourceTimestamp,
		&point.RecordedAt,
	); err != nil {
		return PricePoint{}, err
	}

	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return PricePoint{}, fmt.Errorf("parse usd price: %w", err)
	}
	point.Symbol = asset.Symbol(symbol)
	point.USDPrice = price
	return point, nil
}

var (
	_ PriceStore     = (*Store)(nil)
	_ AlertStore     = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
