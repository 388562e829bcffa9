package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rewired-gh/flowtrack/internal/models"
)

const aggregateCols = `symbol, timestamp, call_delta_volume, put_delta_volume, net_delta_volume, delta_ratio,
	call_volume, put_volume, total_volume, call_open_interest, put_open_interest, total_open_interest,
	put_call_ratio, put_call_oi_ratio, underlying_price, sentiment, sentiment_strength,
	total_records, collection_timestamp, data_available`

// InsertOrReplaceAggregate writes agg, replacing any aggregate with the same symbol and
// timestamp.
func (s *Store) InsertOrReplaceAggregate(ctx context.Context, agg *models.FlowAggregate) error {
	if err := agg.Validate(); err != nil {
		return fmt.Errorf("invalid aggregate: %w", err)
	}
	err := s.withWriteTx(ctx, "upsert_aggregate", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO options_flow_agg (`+aggregateCols+`, updated_at)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
			ON CONFLICT(symbol, timestamp) DO UPDATE SET
				call_delta_volume    = excluded.call_delta_volume,
				put_delta_volume     = excluded.put_delta_volume,
				net_delta_volume     = excluded.net_delta_volume,
				delta_ratio          = excluded.delta_ratio,
				call_volume          = excluded.call_volume,
				put_volume           = excluded.put_volume,
				total_volume         = excluded.total_volume,
				call_open_interest   = excluded.call_open_interest,
				put_open_interest    = excluded.put_open_interest,
				total_open_interest  = excluded.total_open_interest,
				put_call_ratio       = excluded.put_call_ratio,
				put_call_oi_ratio    = excluded.put_call_oi_ratio,
				underlying_price     = excluded.underlying_price,
				sentiment            = excluded.sentiment,
				sentiment_strength   = excluded.sentiment_strength,
				total_records        = excluded.total_records,
				collection_timestamp = excluded.collection_timestamp,
				data_available       = excluded.data_available,
				updated_at           = excluded.updated_at`,
			agg.Symbol, agg.Timestamp,
			agg.CallDeltaVolume, agg.PutDeltaVolume, agg.NetDeltaVolume, ratioValue(agg.DeltaRatio),
			agg.CallVolume, agg.PutVolume, agg.TotalVolume,
			agg.CallOpenInterest, agg.PutOpenInterest, agg.TotalOpenInterest,
			ratioValue(agg.PutCallRatio), ratioValue(agg.PutCallOIRatio),
			agg.UnderlyingPrice, agg.Sentiment, agg.SentimentStrength,
			agg.TotalRecords, agg.CollectionTimestamp, boolToInt(agg.DataAvailable),
			time.Now().UnixMilli(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to upsert aggregate %s@%d: %w", agg.Symbol, agg.Timestamp, err)
	}
	return nil
}

// QueryAggregates returns aggregates for symbol with start <= timestamp <= end, newest
// first. end <= 0 means no upper bound; limit <= 0 means no limit.
func (s *Store) QueryAggregates(ctx context.Context, symbol string, start, end int64, limit int) ([]models.FlowAggregate, error) {
	if end <= 0 {
		end = math.MaxInt64
	}
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.rdb.QueryContext(ctx, `SELECT `+aggregateCols+` FROM options_flow_agg
		WHERE symbol = ? AND timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp DESC
		LIMIT ?`, symbol, start, end, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query aggregates: %w", err)
	}
	defer rows.Close()

	aggs := []models.FlowAggregate{}
	for rows.Next() {
		a, err := scanAggregate(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan aggregate: %w", err)
		}
		aggs = append(aggs, a)
	}
	return aggs, rows.Err()
}

// LatestAggregate returns the newest aggregate for symbol.
func (s *Store) LatestAggregate(ctx context.Context, symbol string) (models.FlowAggregate, error) {
	row := s.rdb.QueryRowContext(ctx, `SELECT `+aggregateCols+` FROM options_flow_agg
		WHERE symbol = ? ORDER BY timestamp DESC LIMIT 1`, symbol)
	a, err := scanAggregate(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return a, fmt.Errorf("no aggregate for %s: %w", symbol, ErrNotFound)
	}
	if err != nil {
		return a, fmt.Errorf("failed to get latest aggregate: %w", err)
	}
	return a, nil
}

// AggregateAt returns the aggregate stored for symbol at timestamp.
func (s *Store) AggregateAt(ctx context.Context, symbol string, timestamp int64) (models.FlowAggregate, error) {
	row := s.rdb.QueryRowContext(ctx, `SELECT `+aggregateCols+` FROM options_flow_agg
		WHERE symbol = ? AND timestamp = ?`, symbol, timestamp)
	a, err := scanAggregate(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return a, fmt.Errorf("no aggregate for %s@%d: %w", symbol, timestamp, ErrNotFound)
	}
	if err != nil {
		return a, fmt.Errorf("failed to get aggregate: %w", err)
	}
	return a, nil
}

// FlowSummary computes per-timestamp delta volume directly from raw rows in SQL. It follows
// the same inclusion rules as the flow calculator and serves as an independent cross-check
// of stored aggregates. Rows are newest first.
func (s *Store) FlowSummary(ctx context.Context, symbol string, start, end int64) ([]models.FlowSummaryRow, error) {
	if end <= 0 {
		end = math.MaxInt64
	}
	rows, err := s.rdb.QueryContext(ctx, `
		SELECT timestamp, symbol, COALESCE(MAX(underlying_price), 0),
		       COALESCE(SUM(CASE WHEN option_type = 'CALL' AND total_volume > 0 AND delta <> 0
		                         THEN delta * total_volume END), 0),
		       COALESCE(SUM(CASE WHEN option_type = 'PUT' AND total_volume > 0 AND delta <> 0
		                         THEN ABS(delta) * total_volume END), 0),
		       COALESCE(SUM(CASE WHEN option_type = 'CALL' AND total_volume > 0 AND delta <> 0
		                         THEN total_volume END), 0),
		       COALESCE(SUM(CASE WHEN option_type = 'PUT' AND total_volume > 0 AND delta <> 0
		                         THEN total_volume END), 0)
		FROM options_data
		WHERE symbol = ? AND timestamp >= ? AND timestamp <= ?
		GROUP BY timestamp, symbol
		ORDER BY timestamp DESC`, symbol, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query flow summary: %w", err)
	}
	defer rows.Close()

	out := []models.FlowSummaryRow{}
	for rows.Next() {
		var r models.FlowSummaryRow
		if err := rows.Scan(&r.Timestamp, &r.Symbol, &r.UnderlyingPrice,
			&r.CallDeltaVolume, &r.PutDeltaVolume, &r.CallVolume, &r.PutVolume); err != nil {
			return nil, fmt.Errorf("failed to scan flow summary: %w", err)
		}
		r.NetDeltaVolume = r.CallDeltaVolume - r.PutDeltaVolume
		r.TotalVolume = r.CallVolume + r.PutVolume
		r.DeltaRatio = math.Inf(1)
		if r.PutDeltaVolume > 0 {
			r.DeltaRatio = r.CallDeltaVolume / r.PutDeltaVolume
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanAggregate(scan func(...any) error) (models.FlowAggregate, error) {
	var a models.FlowAggregate
	var deltaRatio, pcRatio, pcOIRatio sql.NullFloat64
	var available int
	err := scan(
		&a.Symbol, &a.Timestamp, &a.CallDeltaVolume, &a.PutDeltaVolume, &a.NetDeltaVolume, &deltaRatio,
		&a.CallVolume, &a.PutVolume, &a.TotalVolume,
		&a.CallOpenInterest, &a.PutOpenInterest, &a.TotalOpenInterest,
		&pcRatio, &pcOIRatio, &a.UnderlyingPrice, &a.Sentiment, &a.SentimentStrength,
		&a.TotalRecords, &a.CollectionTimestamp, &available,
	)
	if err != nil {
		return a, err
	}
	a.DeltaRatio = ratioFrom(deltaRatio)
	a.PutCallRatio = ratioFrom(pcRatio)
	a.PutCallOIRatio = ratioFrom(pcOIRatio)
	a.DataAvailable = available != 0
	return a, nil
}

// Undefined ratios are stored as NULL.
func ratioValue(v float64) any {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return nil
	}
	return v
}

func ratioFrom(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.Inf(1)
	}
	return v.Float64
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
