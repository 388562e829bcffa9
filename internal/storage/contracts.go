package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rewired-gh/flowtrack/internal/logger"
	"github.com/rewired-gh/flowtrack/internal/models"
)

// InsertResult counts the outcome of InsertContracts per row.
type InsertResult struct {
	Inserted   int
	Duplicates int
	Failed     int
}

const contractCols = `symbol, timestamp, option_type, expiration_date, strike_price,
	mark, bid, ask, last, total_volume, open_interest,
	delta, gamma, theta, vega, rho, implied_volatility, theoretical_value,
	days_to_expiration, intrinsic_value, extrinsic_value, underlying_price, data_source`

// InsertContracts appends raw snapshots in one transaction. A row whose identity already
// exists counts as a duplicate; a row that fails validation or insertion is logged and
// counted as failed. Neither stops the batch.
func (s *Store) InsertContracts(ctx context.Context, records []models.ContractSnapshot) (InsertResult, error) {
	if len(records) == 0 {
		return InsertResult{}, nil
	}
	var res InsertResult
	err := s.withWriteTx(ctx, "insert_contracts", func(tx *sql.Tx) error {
		res = InsertResult{}
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO options_data (`+contractCols+`, created_at)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		now := time.Now().UnixMilli()
		for i := range records {
			r := &records[i]
			if err := r.Validate(); err != nil {
				logger.Warn("Skipping invalid contract %s: %v", r.Key(), err)
				res.Failed++
				continue
			}
			_, err := stmt.ExecContext(ctx,
				r.Symbol, r.Timestamp, string(r.OptionType), r.ExpirationDate, r.StrikePrice,
				r.Mark, r.Bid, r.Ask, r.Last, r.TotalVolume, r.OpenInterest,
				r.Delta, r.Gamma, r.Theta, r.Vega, r.Rho, r.ImpliedVolatility, r.TheoreticalValue,
				r.DaysToExpiration, r.IntrinsicValue, r.ExtrinsicValue, r.UnderlyingPrice, r.DataSource,
				now,
			)
			switch {
			case err == nil:
				res.Inserted++
			case isUniqueViolation(err):
				res.Duplicates++
			case IsLocked(err) || ctx.Err() != nil:
				return err
			default:
				logger.Warn("Failed to insert contract %s: %v", r.Key(), err)
				res.Failed++
			}
		}
		return nil
	})
	if err != nil {
		return InsertResult{}, fmt.Errorf("failed to insert contracts: %w", err)
	}
	return res, nil
}

// ContractQuery selects raw rows. Start and End are inclusive epoch millis; End <= 0 means
// no upper bound. OptionType and Expiration filter when non-empty.
type ContractQuery struct {
	Symbol     string
	Start      int64
	End        int64
	OptionType models.OptionType
	Expiration string
}

// QueryContracts returns rows matching q ordered by timestamp, option type, expiration
// and strike.
func (s *Store) QueryContracts(ctx context.Context, q ContractQuery) ([]models.ContractSnapshot, error) {
	where := []string{"symbol = ?", "timestamp >= ?"}
	args := []any{q.Symbol, q.Start}
	if q.End > 0 {
		where = append(where, "timestamp <= ?")
		args = append(args, q.End)
	}
	if q.OptionType != "" {
		where = append(where, "option_type = ?")
		args = append(args, string(q.OptionType))
	}
	if q.Expiration != "" {
		where = append(where, "expiration_date = ?")
		args = append(args, q.Expiration)
	}
	return s.queryContracts(ctx, `SELECT `+contractCols+` FROM options_data
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY timestamp, option_type, expiration_date, strike_price`, args...)
}

// ContractsAt returns every raw row stored for symbol at exactly timestamp.
func (s *Store) ContractsAt(ctx context.Context, symbol string, timestamp int64) ([]models.ContractSnapshot, error) {
	return s.queryContracts(ctx, `SELECT `+contractCols+` FROM options_data
		WHERE symbol = ? AND timestamp = ?
		ORDER BY option_type, expiration_date, strike_price`, symbol, timestamp)
}

// RecentContracts returns the newest limit raw rows for symbol.
func (s *Store) RecentContracts(ctx context.Context, symbol string, limit int) ([]models.ContractSnapshot, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryContracts(ctx, `SELECT `+contractCols+` FROM options_data
		WHERE symbol = ?
		ORDER BY timestamp DESC, option_type, expiration_date, strike_price
		LIMIT ?`, symbol, limit)
}

func (s *Store) queryContracts(ctx context.Context, query string, args ...any) ([]models.ContractSnapshot, error) {
	rows, err := s.rdb.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query contracts: %w", err)
	}
	defer rows.Close()

	records := []models.ContractSnapshot{}
	for rows.Next() {
		var c models.ContractSnapshot
		var typ string
		var source sql.NullString
		err := rows.Scan(
			&c.Symbol, &c.Timestamp, &typ, &c.ExpirationDate, &c.StrikePrice,
			&c.Mark, &c.Bid, &c.Ask, &c.Last, &c.TotalVolume, &c.OpenInterest,
			&c.Delta, &c.Gamma, &c.Theta, &c.Vega, &c.Rho, &c.ImpliedVolatility, &c.TheoreticalValue,
			&c.DaysToExpiration, &c.IntrinsicValue, &c.ExtrinsicValue, &c.UnderlyingPrice, &source,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan contract: %w", err)
		}
		c.OptionType = models.OptionType(typ)
		c.DataSource = source.String
		records = append(records, c)
	}
	return records, rows.Err()
}

// SymbolStats summarizes the raw history of symbol. ErrNotFound when none is stored.
func (s *Store) SymbolStats(ctx context.Context, symbol string) (models.SymbolStats, error) {
	st := models.SymbolStats{Symbol: symbol}
	var earliest, latest sql.NullInt64
	var avgUnderlying sql.NullFloat64
	err := s.rdb.QueryRowContext(ctx, `
		SELECT COUNT(*), MIN(timestamp), MAX(timestamp),
		       COUNT(DISTINCT expiration_date),
		       COUNT(DISTINCT CASE WHEN option_type = 'CALL' THEN strike_price END),
		       COUNT(DISTINCT CASE WHEN option_type = 'PUT' THEN strike_price END),
		       AVG(underlying_price)
		FROM options_data WHERE symbol = ?`, symbol).Scan(
		&st.TotalRecords, &earliest, &latest, &st.ExpirationCount,
		&st.CallStrikes, &st.PutStrikes, &avgUnderlying,
	)
	if err != nil {
		return st, fmt.Errorf("failed to get symbol stats: %w", err)
	}
	if st.TotalRecords == 0 {
		return st, fmt.Errorf("no contracts for %s: %w", symbol, ErrNotFound)
	}
	st.EarliestTimestamp = earliest.Int64
	st.LatestTimestamp = latest.Int64
	st.AvgUnderlyingPrice = avgUnderlying.Float64
	return st, nil
}

// AllSymbols returns every symbol with raw or aggregate data, sorted.
func (s *Store) AllSymbols(ctx context.Context) ([]string, error) {
	return s.queryStrings(ctx, `
		SELECT symbol FROM options_data
		UNION
		SELECT symbol FROM options_flow_agg
		ORDER BY symbol`)
}

// ContractDates returns the distinct UTC dates (YYYY-MM-DD) with raw rows for symbol, or
// for all symbols when symbol is empty.
func (s *Store) ContractDates(ctx context.Context, symbol string) ([]string, error) {
	return s.queryStrings(ctx, `
		SELECT DISTINCT date(timestamp / 1000, 'unixepoch') AS d
		FROM options_data
		WHERE ? = '' OR symbol = ?
		ORDER BY d`, symbol, symbol)
}

// ContractTimestamps returns the distinct collection timestamps with raw rows for symbol
// on the UTC date.
func (s *Store) ContractTimestamps(ctx context.Context, symbol, date string) ([]int64, error) {
	start, end, err := dayBounds(date)
	if err != nil {
		return nil, err
	}
	return s.queryInts(ctx, `
		SELECT DISTINCT timestamp FROM options_data
		WHERE symbol = ? AND timestamp >= ? AND timestamp < ?
		ORDER BY timestamp`, symbol, start, end)
}

// AggregateTimestamps returns the timestamps already aggregated for symbol on the UTC date.
func (s *Store) AggregateTimestamps(ctx context.Context, symbol, date string) ([]int64, error) {
	start, end, err := dayBounds(date)
	if err != nil {
		return nil, err
	}
	return s.queryInts(ctx, `
		SELECT timestamp FROM options_flow_agg
		WHERE symbol = ? AND timestamp >= ? AND timestamp < ?
		ORDER BY timestamp`, symbol, start, end)
}

func dayBounds(date string) (int64, int64, error) {
	d, err := time.Parse(models.ExpirationLayout, date)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid date %q: %w", date, err)
	}
	return d.UnixMilli(), d.AddDate(0, 0, 1).UnixMilli(), nil
}

func (s *Store) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.rdb.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Store) queryInts(ctx context.Context, query string, args ...any) ([]int64, error) {
	rows, err := s.rdb.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer rows.Close()
	out := []int64{}
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
