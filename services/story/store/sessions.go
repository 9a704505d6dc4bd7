// Copyright (C) 2025 SamsaraWorks (dev@samsaraworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package store persists the story service state.
//
// This file contains user and game session operations. Both creation
// paths are get-or-create under a unique constraint: concurrent callers
// converge on one row.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/SamsaraWorks/RebirthBackend/services/story/storyerr"
)

// =============================================================================
// Users
// =============================================================================

// EnsureUser maps an authenticated subject onto a users row, creating
// it on first sight. The subject becomes the primary key so session
// ownership checks can compare token subjects to user_id columns
// directly. Emails compare case-insensitively; the stored form is
// lowercased. An empty subject mints a fresh UUID.
func (s *SQLStoryStore) EnsureUser(ctx context.Context, subject, email string) (*User, error) {
	normalized := strings.ToLower(strings.TrimSpace(email))
	if subject == "" && normalized == "" {
		return nil, fmt.Errorf("subject or email is required: %w", storyerr.ErrInvalidInput)
	}
	if subject == "" {
		subject = uuid.NewString()
	}

	if user, err := s.GetUserByID(ctx, subject); err == nil {
		return user, nil
	} else if !errors.Is(err, storyerr.ErrNotFound) {
		return nil, err
	}

	_, err := s.db.ExecContext(ctx, s.rebind(`
INSERT INTO users (id, email, password_hash, token_version, created_at)
VALUES (?, ?, '', 0, ?)`),
		subject, normalized, time.Now().UTC())
	if err != nil {
		if isUniqueViolation(err) {
			// Either a concurrent caller won the id, or the email already
			// belongs to a row under another id. Both resolve to a read.
			if user, rerr := s.GetUserByID(ctx, subject); rerr == nil {
				return user, nil
			}
			return s.getUserByEmail(ctx, normalized)
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	return s.GetUserByID(ctx, subject)
}

// GetUserByID fetches a user row.
func (s *SQLStoryStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx, s.rebind(`
SELECT id, email, password_hash, token_version, created_at FROM users WHERE id = ?`), id).
		Scan(&u.ID, &u.Email, &u.PasswordHash, &u.TokenVersion, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", id, storyerr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read user: %w", err)
	}
	return &u, nil
}

func (s *SQLStoryStore) getUserByEmail(ctx context.Context, normalized string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx, s.rebind(`
SELECT id, email, password_hash, token_version, created_at FROM users WHERE email = ?`), normalized).
		Scan(&u.ID, &u.Email, &u.PasswordHash, &u.TokenVersion, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", normalized, storyerr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read user: %w", err)
	}
	return &u, nil
}

// BumpTokenVersion invalidates every outstanding token for the user and
// returns the new version.
func (s *SQLStoryStore) BumpTokenVersion(ctx context.Context, id string) (int, error) {
	_, err := s.db.ExecContext(ctx,
		s.rebind(`UPDATE users SET token_version = token_version + 1 WHERE id = ?`), id)
	if err != nil {
		return 0, fmt.Errorf("failed to bump token version: %w", err)
	}
	user, err := s.GetUserByID(ctx, id)
	if err != nil {
		return 0, err
	}
	return user.TokenVersion, nil
}

// =============================================================================
// Sessions
// =============================================================================

// CreateSession returns the session for (user, wish), creating it if
// needed. Concurrent creators serialize on the unique constraint and
// all read the surviving row.
func (s *SQLStoryStore) CreateSession(ctx context.Context, userID, wish string) (*Session, error) {
	id, err := s.insertReturningID(ctx, s.db, s.rebind(`
INSERT INTO game_sessions (user_id, wish, created_at) VALUES (?, ?, ?)`),
		userID, wish, time.Now().UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return s.getSessionByUserAndWish(ctx, userID, wish)
		}
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return s.GetSession(ctx, id)
}

// GetSession fetches a session by id.
func (s *SQLStoryStore) GetSession(ctx context.Context, id int64) (*Session, error) {
	var sess Session
	err := s.db.QueryRowContext(ctx, s.rebind(`
SELECT id, user_id, wish, created_at FROM game_sessions WHERE id = ?`), id).
		Scan(&sess.ID, &sess.UserID, &sess.Wish, &sess.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %d: %w", id, storyerr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}
	return &sess, nil
}

// GetSessionForUser fetches a session and enforces ownership: a foreign
// session reads as forbidden, a missing one as not found.
func (s *SQLStoryStore) GetSessionForUser(ctx context.Context, userID string, id int64) (*Session, error) {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.UserID != userID {
		return nil, fmt.Errorf("session %d belongs to another user: %w", id, storyerr.ErrForbidden)
	}
	return sess, nil
}

// ListSessionsForUser returns the user's sessions newest first.
func (s *SQLStoryStore) ListSessionsForUser(ctx context.Context, userID string) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
SELECT id, user_id, wish, created_at FROM game_sessions
WHERE user_id = ? ORDER BY id DESC`), userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.UserID, &sess.Wish, &sess.CreatedAt); err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *SQLStoryStore) getSessionByUserAndWish(ctx context.Context, userID, wish string) (*Session, error) {
	var sess Session
	err := s.db.QueryRowContext(ctx, s.rebind(`
SELECT id, user_id, wish, created_at FROM game_sessions
WHERE user_id = ? AND wish = ? ORDER BY id DESC LIMIT 1`), userID, wish).
		Scan(&sess.ID, &sess.UserID, &sess.Wish, &sess.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session for wish not found after collision: %w", storyerr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}
	return &sess, nil
}
