package store

import (
	"context"
	"fmt"
)

// Stats summarises the ledger for the storage-status surface.
type Stats struct {
	Attempts   int `json:"attempts"`
	Complete   int `json:"complete"`
	Failed     int `json:"failed"`
	InProgress int `json:"in_progress"`
	Purged     int `json:"purged"`
}

// Stats counts attempts by state.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	var st Stats
	err := s.DB.QueryRowContext(ctx, `SELECT
		COUNT(*),
		COALESCE(SUM(status = 'complete'), 0),
		COALESCE(SUM(status = 'failed'), 0),
		COALESCE(SUM(status NOT IN ('complete', 'failed')), 0),
		COALESCE(SUM(purged_at IS NOT NULL), 0)
		FROM capture_attempts`).Scan(&st.Attempts, &st.Complete, &st.Failed, &st.InProgress, &st.Purged)
	if err != nil {
		return nil, fmt.Errorf("store: stats: %w", err)
	}
	return &st, nil
}
