package store

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/pavelanni/grader/internal/model"
)

const authSessionTTL = 24 * time.Hour

// Only a digest of the token is stored; the token itself lives in the
// client's cookie.
func tokenDigest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// CreateAuthSession starts a login session for a user and returns its token.
func (s *Store) CreateAuthSession(ctx context.Context, userID int64) (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}
	token := hex.EncodeToString(b)

	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO auth_sessions (id, user_id, created_at, expires_at) VALUES (?, ?, ?, ?)`,
		tokenDigest(token), userID, now, now.Add(authSessionTTL),
	)
	if err != nil {
		return "", fmt.Errorf("insert auth session: %w", err)
	}
	return token, nil
}

// GetAuthSession resolves a token, or returns nil when it is unknown or
// expired. A session used in the second half of its lifetime is extended
// by a full TTL.
func (s *Store) GetAuthSession(ctx context.Context, token string) (*model.AuthSession, error) {
	id := tokenDigest(token)
	var sess model.AuthSession
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, created_at, expires_at FROM auth_sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &sess.UserID, &sess.CreatedAt, &sess.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if now.After(sess.ExpiresAt) {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM auth_sessions WHERE id = ?`, id)
		return nil, nil
	}
	if sess.ExpiresAt.Sub(now) < authSessionTTL/2 {
		sess.ExpiresAt = now.Add(authSessionTTL)
		if _, err := s.db.ExecContext(ctx,
			`UPDATE auth_sessions SET expires_at = ? WHERE id = ?`, sess.ExpiresAt, id); err != nil {
			return nil, fmt.Errorf("extend auth session: %w", err)
		}
	}
	return &sess, nil
}

// DeleteAuthSession ends the session behind a token.
func (s *Store) DeleteAuthSession(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM auth_sessions WHERE id = ?`, tokenDigest(token))
	return err
}

// CleanupExpiredSessions removes all expired auth sessions and reports how many.
func (s *Store) CleanupExpiredSessions(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM auth_sessions WHERE expires_at < ?`, time.Now())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
