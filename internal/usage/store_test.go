package usage

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelgate/modelgate/internal/canonical"
	"github.com/modelgate/modelgate/internal/pricing"
)

func testStore(t *testing.T) *Store {
	t.Helper()

	db, err := OpenDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	catalog := pricing.NewCatalog()
	require.NoError(t, catalog.LoadDescriptor([]byte(`
provider: openai
currency: USD
models:
  gpt-4o: {input: 2.5, output: 10, cache_read: 1.25}
`)))
	return NewStore(db, catalog)
}

func TestRecord(t *testing.T) {
	t.Parallel()

	t.Run("PricesAndStores", func(t *testing.T) {
		t.Parallel()
		s := testStore(t)
		ctx := context.Background()

		err := s.Record(ctx, "req-1", "openai", "gpt-4o", canonical.Usage{
			InputTokens:     1000,
			OutputTokens:    500,
			CacheReadTokens: 200,
		})
		require.NoError(t, err)

		sum, err := s.Query(ctx, QueryParams{})
		require.NoError(t, err)
		require.Len(t, sum.Records, 1)

		r := sum.Records[0]
		assert.Equal(t, "req-1", r.RequestID)
		assert.Equal(t, 1700, r.TotalTokens)
		assert.InDelta(t, 0.0025, r.InputCost, 1e-9)
		assert.InDelta(t, 0.005, r.OutputCost, 1e-9)
		assert.InDelta(t, 0.00025, r.CacheReadCost, 1e-9)
		// Stored total always equals the sum of the stored classes.
		assert.InDelta(t, r.InputCost+r.CacheWriteCost+r.CacheReadCost+r.OutputCost, r.TotalCost, 1e-6)
		assert.Equal(t, "USD", r.Currency)
	})

	t.Run("DuplicateRequestIDIgnored", func(t *testing.T) {
		t.Parallel()
		s := testStore(t)
		ctx := context.Background()

		u := canonical.Usage{InputTokens: 10, OutputTokens: 5}
		require.NoError(t, s.Record(ctx, "req-dup", "openai", "gpt-4o", u))
		require.NoError(t, s.Record(ctx, "req-dup", "openai", "gpt-4o", u))

		sum, err := s.Query(ctx, QueryParams{})
		require.NoError(t, err)
		assert.Equal(t, 1, sum.TotalRequests)
		assert.Len(t, sum.Records, 1)
	})

	t.Run("UnknownModelStoresZeroCost", func(t *testing.T) {
		t.Parallel()
		s := testStore(t)
		ctx := context.Background()

		require.NoError(t, s.Record(ctx, "req-2", "openai", "mystery-model", canonical.Usage{
			InputTokens:  100,
			OutputTokens: 50,
		}))

		sum, err := s.Query(ctx, QueryParams{})
		require.NoError(t, err)
		require.Len(t, sum.Records, 1)
		assert.Zero(t, sum.Records[0].TotalCost)
		assert.Equal(t, 150, sum.Records[0].TotalTokens)
	})

	t.Run("EmptyRequestID", func(t *testing.T) {
		t.Parallel()
		s := testStore(t)
		err := s.Record(context.Background(), "", "openai", "gpt-4o", canonical.Usage{})
		assert.Error(t, err)
	})
}

func TestQuery(t *testing.T) {
	t.Parallel()

	t.Run("Aggregates", func(t *testing.T) {
		t.Parallel()
		s := testStore(t)
		ctx := context.Background()

		require.NoError(t, s.Record(ctx, "a", "openai", "gpt-4o", canonical.Usage{InputTokens: 1000, OutputTokens: 100}))
		require.NoError(t, s.Record(ctx, "b", "openai", "gpt-4o", canonical.Usage{InputTokens: 2000, OutputTokens: 200}))
		require.NoError(t, s.Record(ctx, "c", "anthropic", "claude-sonnet-4-20250514", canonical.Usage{InputTokens: 500, OutputTokens: 50}))

		sum, err := s.Query(ctx, QueryParams{})
		require.NoError(t, err)

		assert.Equal(t, 3, sum.TotalRequests)
		assert.Equal(t, 3850, sum.TotalTokens)
		assert.Len(t, sum.CostByProvider, 2)
		assert.Contains(t, sum.CostByModel, "gpt-4o")
		// Records come back newest first.
		require.Len(t, sum.Records, 3)
		for i := 1; i < len(sum.Records); i++ {
			assert.False(t, sum.Records[i].Timestamp.After(sum.Records[i-1].Timestamp))
		}
	})

	t.Run("RecordCap", func(t *testing.T) {
		t.Parallel()
		db, err := OpenDB(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close() })

		s := NewStore(db, pricing.NewCatalog(), WithRecordLimit(2))
		ctx := context.Background()
		for _, id := range []string{"r1", "r2", "r3"} {
			require.NoError(t, s.Record(ctx, id, "openai", "gpt-4o", canonical.Usage{InputTokens: 1}))
		}

		sum, err := s.Query(ctx, QueryParams{})
		require.NoError(t, err)
		// Totals cover everything even when the record slice is capped.
		assert.Equal(t, 3, sum.TotalRequests)
		assert.Len(t, sum.Records, 2)
	})

	t.Run("WindowExcludesOutsideRange", func(t *testing.T) {
		t.Parallel()
		s := testStore(t)
		ctx := context.Background()
		require.NoError(t, s.Record(ctx, "now", "openai", "gpt-4o", canonical.Usage{InputTokens: 1}))

		past := time.Now().UTC().Add(-48 * time.Hour)
		sum, err := s.Query(ctx, QueryParams{
			Start: past.Add(-time.Hour).Format(time.RFC3339),
			End:   past.Format(time.RFC3339),
		})
		require.NoError(t, err)
		assert.Zero(t, sum.TotalRequests)
	})

	t.Run("TimezoneAppliedToRecords", func(t *testing.T) {
		t.Parallel()
		s := testStore(t)
		ctx := context.Background()
		require.NoError(t, s.Record(ctx, "tz", "openai", "gpt-4o", canonical.Usage{InputTokens: 1}))

		sum, err := s.Query(ctx, QueryParams{Timezone: "America/New_York"})
		require.NoError(t, err)
		require.Len(t, sum.Records, 1)
		assert.Equal(t, "America/New_York", sum.Records[0].Timestamp.Location().String())
	})

	t.Run("Validation", func(t *testing.T) {
		t.Parallel()
		s := testStore(t)
		ctx := context.Background()

		_, err := s.Query(ctx, QueryParams{Start: "yesterday"})
		assert.ErrorIs(t, err, ErrInvalidQuery)

		_, err = s.Query(ctx, QueryParams{Timezone: "Mars/Olympus"})
		assert.ErrorIs(t, err, ErrInvalidQuery)

		_, err = s.Query(ctx, QueryParams{
			Start: "2026-08-20T00:00:00Z",
			End:   "2026-08-10T00:00:00Z",
		})
		assert.ErrorIs(t, err, ErrInvalidQuery)
	})
}

func TestWriteCSV(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	ctx := context.Background()
	require.NoError(t, s.Record(ctx, "csv-1", "openai", "gpt-4o", canonical.Usage{
		InputTokens:  1000,
		OutputTokens: 100,
	}))

	var sb strings.Builder
	require.NoError(t, s.WriteCSV(ctx, &sb, QueryParams{}))

	lines := strings.Split(strings.TrimSpace(sb.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t,
		"request_id,provider,model,timestamp,input_tokens,cache_write_input_tokens,cache_read_input_tokens,output_tokens,total_tokens,input_cost,cache_write_cost,cache_read_cost,output_cost,total_cost,currency",
		lines[0])

	fields := strings.Split(lines[1], ",")
	require.Len(t, fields, 15)
	assert.Equal(t, "csv-1", fields[0])
	assert.Equal(t, "1000", fields[4])
	assert.Equal(t, "0.002500", fields[9])
}

func TestSpendSince(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	ctx := context.Background()
	require.NoError(t, s.Record(ctx, "s1", "openai", "gpt-4o", canonical.Usage{InputTokens: 1000}))
	require.NoError(t, s.Record(ctx, "s2", "openai", "gpt-4o", canonical.Usage{InputTokens: 1000}))

	spent, err := s.SpendSince(ctx, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.InDelta(t, 0.005, spent, 1e-9)

	spent, err = s.SpendSince(ctx, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, spent)
}

func TestCSVFilename(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "usage-20260801-20260825.csv", CSVFilename(start, end))
}

type captureRecorder struct {
	calls int
	prov  string
	model string
	usage canonical.Usage
	cost  pricing.Cost
}

func (c *captureRecorder) RecordUsage(provider, model string, u canonical.Usage, cost pricing.Cost) {
	c.calls++
	c.prov = provider
	c.model = model
	c.usage = u
	c.cost = cost
}

func TestRecorderHook(t *testing.T) {
	t.Parallel()

	db, err := OpenDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	catalog := pricing.NewCatalog()
	require.NoError(t, catalog.LoadDescriptor([]byte(`
provider: openai
currency: USD
models:
  gpt-4o: {input: 2.5, output: 10}
`)))

	rec := &captureRecorder{}
	s := NewStore(db, catalog, WithRecorder(rec))
	ctx := context.Background()

	u := canonical.Usage{InputTokens: 1000, OutputTokens: 500}
	require.NoError(t, s.Record(ctx, "req-hook", "openai", "gpt-4o", u))
	require.Equal(t, 1, rec.calls)
	assert.Equal(t, "openai", rec.prov)
	assert.Equal(t, "gpt-4o", rec.model)
	assert.Equal(t, 1000, rec.usage.InputTokens)
	assert.InDelta(t, 0.0075, rec.cost.Total, 1e-9)

	// A duplicate request ID must not be observed twice.
	require.NoError(t, s.Record(ctx, "req-hook", "openai", "gpt-4o", u))
	assert.Equal(t, 1, rec.calls)
}
