package usage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/modelgate/modelgate/internal/canonical"
	"github.com/modelgate/modelgate/internal/logger"
	"github.com/modelgate/modelgate/internal/pricing"
)

// ErrInvalidQuery is wrapped by Query when the time range or timezone
// fails validation. The HTTP layer maps it to 400.
var ErrInvalidQuery = errors.New("invalid usage query")

// DefaultQueryWindow is the lookback applied when no range is given.
const DefaultQueryWindow = 7 * 24 * time.Hour

// DefaultRecordLimit caps the records slice returned by Query.
const DefaultRecordLimit = 100

// Record is one priced usage ledger row.
type Record struct {
	ID                    int64     `json:"id"`
	RequestID             string    `json:"requestId"`
	Provider              string    `json:"provider"`
	Model                 string    `json:"model"`
	Timestamp             time.Time `json:"timestamp"`
	InputTokens           int       `json:"inputTokens"`
	CacheWriteInputTokens int       `json:"cacheWriteInputTokens"`
	CacheReadInputTokens  int       `json:"cacheReadInputTokens"`
	OutputTokens          int       `json:"outputTokens"`
	TotalTokens           int       `json:"totalTokens"`
	InputCost             float64   `json:"inputCost"`
	CacheWriteCost        float64   `json:"cacheWriteCost"`
	CacheReadCost         float64   `json:"cacheReadCost"`
	OutputCost            float64   `json:"outputCost"`
	TotalCost             float64   `json:"totalCost"`
	Currency              string    `json:"currency"`
}

// Summary is the aggregation returned by Query.
type Summary struct {
	TotalRequests  int                `json:"totalRequests"`
	TotalCost      float64            `json:"totalCost"`
	TotalTokens    int                `json:"totalTokens"`
	CostByProvider map[string]float64 `json:"costByProvider"`
	CostByModel    map[string]float64 `json:"costByModel"`
	Records        []Record           `json:"records"`
}

// Store writes and reads the usage ledger.
type Store struct {
	db          *sql.DB
	catalog     *pricing.Catalog
	recordLimit int
	recorder    Recorder
}

// Recorder receives each priced record as it is written, implemented by
// the metrics collector.
type Recorder interface {
	RecordUsage(provider, model string, u canonical.Usage, cost pricing.Cost)
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithRecordLimit overrides the Query records cap.
func WithRecordLimit(n int) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.recordLimit = n
		}
	}
}

// WithRecorder forwards priced records to an observer.
func WithRecorder(r Recorder) StoreOption {
	return func(s *Store) {
		s.recorder = r
	}
}

// NewStore creates a ledger over an open database. The catalog prices
// each record at write time.
func NewStore(db *sql.DB, catalog *pricing.Catalog, opts ...StoreOption) *Store {
	s := &Store{
		db:          db,
		catalog:     catalog,
		recordLimit: DefaultRecordLimit,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Record prices the token counts and inserts one ledger row. Duplicate
// request IDs are ignored, so retried accounting never double-counts.
// A pricing miss logs a warning and stores the row with zero cost.
func (s *Store) Record(ctx context.Context, requestID string, prov, model string, u canonical.Usage) error {
	if requestID == "" {
		return fmt.Errorf("%w: request id is required", ErrInvalidQuery)
	}
	u.Normalize()

	price := s.catalog.LookupOrZero(ctx, prov, model)
	cost := pricing.Compute(price, u)
	total := u.InputTokens + u.CacheWriteTokens + u.CacheReadTokens + u.OutputTokens

	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO usage_records (
			request_id, provider, model, timestamp,
			input_tokens, cache_write_input_tokens, cache_read_input_tokens, output_tokens, total_tokens,
			input_cost, cache_write_cost, cache_read_cost, output_cost, total_cost, currency
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
	`,
		requestID, prov, model, sqlTime(time.Now()),
		u.InputTokens, u.CacheWriteTokens, u.CacheReadTokens, u.OutputTokens, total,
		cost.Input, cost.CacheWrite, cost.CacheRead, cost.Output, cost.Total, s.catalog.Currency(),
	)
	if err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		logger.Debug(ctx, "Duplicate usage record ignored", "requestId", requestID)
		return nil
	}
	if s.recorder != nil {
		s.recorder.RecordUsage(prov, model, u, cost)
	}
	return nil
}

// QueryParams bound a usage query. Zero times default to the last seven
// days; an empty timezone means UTC.
type QueryParams struct {
	Start    string
	End      string
	Timezone string
}

// resolve validates the raw parameters and returns the effective range
// and location.
func (p QueryParams) resolve() (start, end time.Time, loc *time.Location, err error) {
	loc = time.UTC
	if p.Timezone != "" {
		loc, err = time.LoadLocation(p.Timezone)
		if err != nil {
			return start, end, nil, fmt.Errorf("%w: unknown timezone %q", ErrInvalidQuery, p.Timezone)
		}
	}

	end = time.Now().UTC()
	if p.End != "" {
		end, err = time.Parse(time.RFC3339, p.End)
		if err != nil {
			return start, end, nil, fmt.Errorf("%w: endTime must be RFC3339: %v", ErrInvalidQuery, err)
		}
	}

	start = end.Add(-DefaultQueryWindow)
	if p.Start != "" {
		start, err = time.Parse(time.RFC3339, p.Start)
		if err != nil {
			return start, end, nil, fmt.Errorf("%w: startTime must be RFC3339: %v", ErrInvalidQuery, err)
		}
	}

	if end.Before(start) {
		return start, end, nil, fmt.Errorf("%w: endTime precedes startTime", ErrInvalidQuery)
	}
	return start, end, loc, nil
}

// Window validates the parameters and returns the effective time range.
func (p QueryParams) Window() (start, end time.Time, err error) {
	start, end, _, err = p.resolve()
	return start, end, err
}

// Query aggregates the ledger over the given range. Totals cover every
// matching row; the records slice is capped and ordered newest first,
// with timestamps rendered in the requested timezone.
func (s *Store) Query(ctx context.Context, p QueryParams) (*Summary, error) {
	start, end, loc, err := p.resolve()
	if err != nil {
		return nil, err
	}

	summary := &Summary{
		CostByProvider: make(map[string]float64),
		CostByModel:    make(map[string]float64),
		Records:        []Record{},
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT provider, model, COUNT(*), SUM(total_cost), SUM(total_tokens)
		FROM usage_records
		WHERE timestamp >= ? AND timestamp <= ?
		GROUP BY provider, model
	`, sqlTime(start), sqlTime(end))
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate usage: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var prov, model string
		var count, tokens int
		var cost float64
		if err := rows.Scan(&prov, &model, &count, &cost, &tokens); err != nil {
			return nil, fmt.Errorf("failed to scan usage aggregate: %w", err)
		}
		summary.TotalRequests += count
		summary.TotalTokens += tokens
		summary.TotalCost += cost
		summary.CostByProvider[prov] += cost
		summary.CostByModel[model] += cost
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to aggregate usage: %w", err)
	}
	summary.TotalCost = pricing.Round6(summary.TotalCost)
	for k, v := range summary.CostByProvider {
		summary.CostByProvider[k] = pricing.Round6(v)
	}
	for k, v := range summary.CostByModel {
		summary.CostByModel[k] = pricing.Round6(v)
	}

	records, err := s.queryRecords(ctx, start, end, s.recordLimit)
	if err != nil {
		return nil, err
	}
	for i := range records {
		records[i].Timestamp = records[i].Timestamp.In(loc)
	}
	summary.Records = records
	return summary, nil
}

func (s *Store) queryRecords(ctx context.Context, start, end time.Time, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, request_id, provider, model, timestamp,
			input_tokens, cache_write_input_tokens, cache_read_input_tokens, output_tokens, total_tokens,
			input_cost, cache_write_cost, cache_read_cost, output_cost, total_cost, currency
		FROM usage_records
		WHERE timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp DESC
		LIMIT ?
	`, sqlTime(start), sqlTime(end), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	records := []Record{}
	for rows.Next() {
		var r Record
		var ts string
		if err := rows.Scan(
			&r.ID, &r.RequestID, &r.Provider, &r.Model, &ts,
			&r.InputTokens, &r.CacheWriteInputTokens, &r.CacheReadInputTokens, &r.OutputTokens, &r.TotalTokens,
			&r.InputCost, &r.CacheWriteCost, &r.CacheReadCost, &r.OutputCost, &r.TotalCost, &r.Currency,
		); err != nil {
			return nil, fmt.Errorf("failed to scan usage record: %w", err)
		}
		r.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("failed to parse stored timestamp %q: %w", ts, err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// SpendSince sums total_cost over rows at or after the cutoff.
func (s *Store) SpendSince(ctx context.Context, cutoff time.Time) (float64, error) {
	var spent sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT SUM(total_cost) FROM usage_records WHERE timestamp >= ?`,
		sqlTime(cutoff),
	).Scan(&spent)
	if err != nil {
		return 0, fmt.Errorf("failed to sum spend: %w", err)
	}
	return pricing.Round6(spent.Float64), nil
}

// sqlTimeLayout is fixed-width so lexicographic comparison in sqlite
// matches chronological order. RFC3339Nano would trim trailing zeros and
// break that.
const sqlTimeLayout = "2006-01-02T15:04:05.000000000Z"

// sqlTime renders a timestamp the way rows store it.
func sqlTime(t time.Time) string {
	return t.UTC().Format(sqlTimeLayout)
}
