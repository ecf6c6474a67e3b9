package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/hackgods/clinic-booking-queue/internal/db"
)

// ProcessedStore records webhook events that were already handled. Inside a
// transaction the insert shares the fate of the mutation it guards.
type ProcessedStore struct {
	pool db.Querier
}

func NewProcessedStore(pool db.Querier) *ProcessedStore {
	if pool == nil {
		panic("payment: querier required")
	}
	return &ProcessedStore{pool: pool}
}

// AlreadyProcessed is a lock-free read of the dedup table.
func (s *ProcessedStore) AlreadyProcessed(ctx context.Context, provider, eventID string) (bool, error) {
	query := `SELECT 1 FROM processed_events WHERE provider = $1 AND event_id = $2`
	var exists int
	if err := db.Conn(ctx, s.pool).QueryRow(ctx, query, provider, eventID).Scan(&exists); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("payment: check processed: %w", err)
	}
	return true, nil
}

// MarkProcessed inserts an event id for the provider, returning false if it already exists.
func (s *ProcessedStore) MarkProcessed(ctx context.Context, provider, eventID string) (bool, error) {
	query := `
		INSERT INTO processed_events (provider, event_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`
	ct, err := db.Conn(ctx, s.pool).Exec(ctx, query, provider, eventID)
	if err != nil {
		return false, fmt.Errorf("payment: mark processed: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}
