package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Replay run outcomes.
const (
	RunOutcomeOK     = "ok"
	RunOutcomeFailed = "failed"
)

// BeginReplayRun records the start of a replay invocation and returns its
// run identifier. Uses UUIDv7 so run ids sort by creation time.
func (s *Store) BeginReplayRun(ctx context.Context, inputPath string) (string, error) {
	id := uuid.Must(uuid.NewV7()).String()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO replay_runs (id, input_path, started_at)
		VALUES (?, ?, ?)
	`, id, inputPath, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return "", fmt.Errorf("record replay run: %w", err)
	}
	return id, nil
}

// FinishReplayRun records the outcome of a replay invocation.
func (s *Store) FinishReplayRun(ctx context.Context, id, outcome string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE replay_runs SET outcome = ? WHERE id = ?
	`, outcome, id)
	if err != nil {
		return fmt.Errorf("record replay outcome: %w", err)
	}
	return nil
}
