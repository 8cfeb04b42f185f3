package usage

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"
)

// csvHeader is the frozen export column order. Consumers key on these
// names; never reorder or rename them.
var csvHeader = []string{
	"request_id",
	"provider",
	"model",
	"timestamp",
	"input_tokens",
	"cache_write_input_tokens",
	"cache_read_input_tokens",
	"output_tokens",
	"total_tokens",
	"input_cost",
	"cache_write_cost",
	"cache_read_cost",
	"output_cost",
	"total_cost",
	"currency",
}

// WriteCSV streams every ledger row in the range to w, newest first.
// Unlike Query, the export is not capped.
func (s *Store) WriteCSV(ctx context.Context, w io.Writer, p QueryParams) error {
	start, end, _, err := p.resolve()
	if err != nil {
		return err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT request_id, provider, model, timestamp,
			input_tokens, cache_write_input_tokens, cache_read_input_tokens, output_tokens, total_tokens,
			input_cost, cache_write_cost, cache_read_cost, output_cost, total_cost, currency
		FROM usage_records
		WHERE timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp DESC
	`, sqlTime(start), sqlTime(end))
	if err != nil {
		return fmt.Errorf("failed to query usage records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("failed to write csv header: %w", err)
	}

	for rows.Next() {
		var r Record
		var ts string
		if err := rows.Scan(
			&r.RequestID, &r.Provider, &r.Model, &ts,
			&r.InputTokens, &r.CacheWriteInputTokens, &r.CacheReadInputTokens, &r.OutputTokens, &r.TotalTokens,
			&r.InputCost, &r.CacheWriteCost, &r.CacheReadCost, &r.OutputCost, &r.TotalCost, &r.Currency,
		); err != nil {
			return fmt.Errorf("failed to scan usage record: %w", err)
		}
		if err := cw.Write([]string{
			r.RequestID,
			r.Provider,
			r.Model,
			ts,
			strconv.Itoa(r.InputTokens),
			strconv.Itoa(r.CacheWriteInputTokens),
			strconv.Itoa(r.CacheReadInputTokens),
			strconv.Itoa(r.OutputTokens),
			strconv.Itoa(r.TotalTokens),
			formatCost(r.InputCost),
			formatCost(r.CacheWriteCost),
			formatCost(r.CacheReadCost),
			formatCost(r.OutputCost),
			formatCost(r.TotalCost),
			r.Currency,
		}); err != nil {
			return fmt.Errorf("failed to write csv row: %w", err)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read usage records: %w", err)
	}

	cw.Flush()
	return cw.Error()
}

// CSVFilename names an export download for the given range.
func CSVFilename(start, end time.Time) string {
	const layout = "20060102"
	return fmt.Sprintf("usage-%s-%s.csv", start.UTC().Format(layout), end.UTC().Format(layout))
}

// formatCost renders a cost with six fractional digits, matching the
// rounding applied when the row was priced.
func formatCost(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}
