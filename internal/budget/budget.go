// Package budget stores the single advisory spending limit and reports
// month-to-date spend against it. The gateway never blocks a request on
// budget grounds; enforcement is the caller's concern.
package budget

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/modelgate/modelgate/internal/pricing"
	"github.com/modelgate/modelgate/internal/usage"
)

// ErrInvalidAmount is returned when an upsert carries a negative amount.
var ErrInvalidAmount = errors.New("budget amount must be null or >= 0")

// Settings is the persisted budget configuration. A nil AmountUSD means
// budget tracking is disabled.
type Settings struct {
	AmountUSD *float64  `json:"amountUsd"`
	AlertOnly bool      `json:"alertOnly"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Status is the settings merged with current-month spend. RemainingUSD is
// nil whenever no limit is set.
type Status struct {
	AmountUSD        *float64 `json:"amountUsd"`
	AlertOnly        bool     `json:"alertOnly"`
	SpentMonthToDate float64  `json:"spentMonthToDate"`
	RemainingUSD     *float64 `json:"remainingUsd"`
}

// Service reads and writes the singleton budget row.
type Service struct {
	db    *sql.DB
	store *usage.Store
	now   func() time.Time
}

// New creates a budget service over the shared gateway database.
func New(db *sql.DB, store *usage.Store) *Service {
	return &Service{db: db, store: store, now: time.Now}
}

// GetStatus returns the stored settings plus spend since the start of the
// current calendar month.
func (s *Service) GetStatus(ctx context.Context) (*Status, error) {
	settings, err := s.getSettings(ctx)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	spent, err := s.store.SpendSince(ctx, monthStart)
	if err != nil {
		return nil, err
	}

	status := &Status{
		AmountUSD:        settings.AmountUSD,
		AlertOnly:        settings.AlertOnly,
		SpentMonthToDate: spent,
	}
	if settings.AmountUSD != nil {
		remaining := pricing.Round6(*settings.AmountUSD - spent)
		status.RemainingUSD = &remaining
	}
	return status, nil
}

// Upsert replaces the budget settings. A nil amount disables tracking.
func (s *Service) Upsert(ctx context.Context, amountUSD *float64, alertOnly bool) (*Settings, error) {
	if amountUSD != nil && *amountUSD < 0 {
		return nil, ErrInvalidAmount
	}

	updatedAt := s.now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO budget_settings (id, amount_usd, alert_only, updated_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			amount_usd = excluded.amount_usd,
			alert_only = excluded.alert_only,
			updated_at = excluded.updated_at
	`, nullableFloat(amountUSD), alertOnly, updatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("failed to store budget settings: %w", err)
	}

	return &Settings{AmountUSD: amountUSD, AlertOnly: alertOnly, UpdatedAt: updatedAt}, nil
}

func (s *Service) getSettings(ctx context.Context) (*Settings, error) {
	var (
		amount    sql.NullFloat64
		alertOnly bool
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT amount_usd, alert_only, updated_at FROM budget_settings WHERE id = 1`,
	).Scan(&amount, &alertOnly, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		// No budget configured yet: tracking disabled, alerts only.
		return &Settings{AlertOnly: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read budget settings: %w", err)
	}

	settings := &Settings{AlertOnly: alertOnly}
	if amount.Valid {
		v := amount.Float64
		settings.AmountUSD = &v
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		settings.UpdatedAt = t
	}
	return settings, nil
}

func nullableFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
