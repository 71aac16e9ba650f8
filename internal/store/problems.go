package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/pavelanni/grader/internal/model"
)

// UpsertProblem stores a problem definition, replacing the source of an
// existing problem with the same id.
func (s *Store) UpsertProblem(ctx context.Context, p model.ProblemRecord) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO problems (id, name, source, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, source = excluded.source, updated_at = excluded.updated_at`,
		p.ID, p.Name, p.Source, now, now,
	)
	return err
}

// GetProblem returns a problem by id, or nil if there is none.
func (s *Store) GetProblem(ctx context.Context, id string) (*model.ProblemRecord, error) {
	var p model.ProblemRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, source, created_at, updated_at FROM problems WHERE id = ?`, id,
	).Scan(&p.ID, &p.Name, &p.Source, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListProblems returns all problems ordered by id, without their sources.
func (s *Store) ListProblems(ctx context.Context) ([]model.ProblemRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, created_at, updated_at FROM problems ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var problems []model.ProblemRecord
	for rows.Next() {
		var p model.ProblemRecord
		if err := rows.Scan(&p.ID, &p.Name, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		problems = append(problems, p)
	}
	return problems, rows.Err()
}

// GetImportedFileHash returns the hash recorded for an imported file, or ""
// if the file was never imported.
func (s *Store) GetImportedFileHash(ctx context.Context, path string) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx, `SELECT hash FROM imported_files WHERE path = ?`, path).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return hash, err
}

// SetImportedFileHash records the hash of an imported file.
func (s *Store) SetImportedFileHash(ctx context.Context, path, hash string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO imported_files (path, hash) VALUES (?, ?)
		 ON CONFLICT(path) DO UPDATE SET hash = excluded.hash`,
		path, hash,
	)
	return err
}
