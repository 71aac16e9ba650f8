package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/pavelanni/grader/internal/model"
)

// StateStore persists the opaque state blob of one student on one problem.
// LoadState returns nil when nothing has been saved yet.
type StateStore interface {
	LoadState(ctx context.Context, problemID string, userID int64) (*model.StateRecord, error)
	SaveState(ctx context.Context, rec model.StateRecord) error
	DeleteState(ctx context.Context, problemID string, userID int64) error
}

var _ StateStore = (*Store)(nil)

const stateColumns = `problem_id, user_id, state, attempts, done, score, max_score, updated_at`

func scanState(row rowScanner) (*model.StateRecord, error) {
	var r model.StateRecord
	if err := row.Scan(&r.ProblemID, &r.UserID, &r.State, &r.Attempts, &r.Done, &r.Score, &r.MaxScore, &r.UpdatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

// LoadState returns the stored state for a student on a problem.
func (s *Store) LoadState(ctx context.Context, problemID string, userID int64) (*model.StateRecord, error) {
	r, err := scanState(s.db.QueryRowContext(ctx,
		`SELECT `+stateColumns+` FROM problem_states WHERE problem_id = ? AND user_id = ?`,
		problemID, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

// SaveState inserts or replaces the state for a student on a problem.
func (s *Store) SaveState(ctx context.Context, rec model.StateRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO problem_states (`+stateColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(problem_id, user_id) DO UPDATE SET
			state = excluded.state, attempts = excluded.attempts, done = excluded.done,
			score = excluded.score, max_score = excluded.max_score, updated_at = excluded.updated_at`,
		rec.ProblemID, rec.UserID, rec.State, rec.Attempts, rec.Done, rec.Score, rec.MaxScore, time.Now(),
	)
	return err
}

// DeleteState forgets a student's state so the next visit starts fresh.
func (s *Store) DeleteState(ctx context.Context, problemID string, userID int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM problem_states WHERE problem_id = ? AND user_id = ?`, problemID, userID)
	return err
}

// ListStates returns every stored state for a problem, ordered by user.
func (s *Store) ListStates(ctx context.Context, problemID string) ([]model.StateRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stateColumns+` FROM problem_states WHERE problem_id = ? ORDER BY user_id`, problemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var states []model.StateRecord
	for rows.Next() {
		r, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, *r)
	}
	return states, rows.Err()
}
