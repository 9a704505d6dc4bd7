// Copyright (C) 2025 SamsaraWorks (dev@samsaraworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package store persists the story service state.
//
// This file contains save bookmarks and wish moderation records. Save
// ownership is always enforced through a join on game_sessions; saves
// have no user column of their own.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/SamsaraWorks/RebirthBackend/services/story/datatypes"
	"github.com/SamsaraWorks/RebirthBackend/services/story/storyerr"
)

// =============================================================================
// Saves
// =============================================================================

// CreateSave bookmarks a node. The session must belong to the user and
// the node to the session. An empty title defaults to the session wish.
func (s *SQLStoryStore) CreateSave(ctx context.Context, userID string, req datatypes.CreateSaveRequest) (*Save, error) {
	sess, err := s.GetSessionForUser(ctx, userID, req.SessionID)
	if err != nil {
		return nil, err
	}
	if _, err := s.GetNodeInSession(ctx, req.SessionID, req.NodeID); err != nil {
		return nil, err
	}

	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = sess.Wish
	}

	now := time.Now().UTC()
	id, err := s.insertReturningID(ctx, s.db, s.rebind(`
INSERT INTO story_saves (session_id, node_id, title, status, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)`),
		req.SessionID, req.NodeID, title, datatypes.SaveStatusActive, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create save: %w", err)
	}
	return s.GetSave(ctx, userID, id)
}

// ListSaves returns the user's saves ordered by last update, newest
// first. An empty status returns everything; handlers reject unknown
// statuses before calling.
func (s *SQLStoryStore) ListSaves(ctx context.Context, userID string, status string) ([]Save, error) {
	query := `
SELECT v.id, v.session_id, v.node_id, v.title, v.status, v.created_at, v.updated_at
FROM story_saves v
JOIN game_sessions g ON v.session_id = g.id
WHERE g.user_id = ?`
	args := []any{userID}
	if status != "" {
		query += ` AND v.status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY v.updated_at DESC, v.id DESC`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list saves: %w", err)
	}
	defer rows.Close()

	var saves []Save
	for rows.Next() {
		var v Save
		if err := rows.Scan(&v.ID, &v.SessionID, &v.NodeID, &v.Title, &v.Status, &v.CreatedAt, &v.UpdatedAt); err != nil {
			return nil, err
		}
		saves = append(saves, v)
	}
	return saves, rows.Err()
}

// GetSave fetches one save the user owns.
func (s *SQLStoryStore) GetSave(ctx context.Context, userID string, id int64) (*Save, error) {
	var v Save
	err := s.db.QueryRowContext(ctx, s.rebind(`
SELECT v.id, v.session_id, v.node_id, v.title, v.status, v.created_at, v.updated_at
FROM story_saves v
JOIN game_sessions g ON v.session_id = g.id
WHERE v.id = ? AND g.user_id = ?`), id, userID).
		Scan(&v.ID, &v.SessionID, &v.NodeID, &v.Title, &v.Status, &v.CreatedAt, &v.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("save %d: %w", id, storyerr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read save: %w", err)
	}
	return &v, nil
}

// UpdateSave patches title and/or status. Nil request fields are left
// alone; a no-op patch still refreshes nothing and returns the row.
func (s *SQLStoryStore) UpdateSave(ctx context.Context, userID string, id int64, req datatypes.UpdateSaveRequest) (*Save, error) {
	save, err := s.GetSave(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	var (
		sets []string
		args []any
	)
	if req.Title != nil {
		if title := strings.TrimSpace(*req.Title); title != "" && title != save.Title {
			sets = append(sets, "title = ?")
			args = append(args, title)
		}
	}
	if req.Status != nil && *req.Status != save.Status {
		if !datatypes.ValidSaveStatus(*req.Status) {
			return nil, fmt.Errorf("unknown save status %q: %w", *req.Status, storyerr.ErrInvalidInput)
		}
		sets = append(sets, "status = ?")
		args = append(args, *req.Status)
	}
	if len(sets) == 0 {
		return save, nil
	}

	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), id)

	_, err = s.db.ExecContext(ctx,
		s.rebind(`UPDATE story_saves SET `+strings.Join(sets, ", ")+` WHERE id = ?`), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update save: %w", err)
	}
	return s.GetSave(ctx, userID, id)
}

// DeleteSave removes a save the user owns.
func (s *SQLStoryStore) DeleteSave(ctx context.Context, userID string, id int64) error {
	if _, err := s.GetSave(ctx, userID, id); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM story_saves WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete save: %w", err)
	}
	return nil
}

// =============================================================================
// Moderation Records
// =============================================================================

// RecordWishModeration appends an audit row for a wish check. userID is
// nil for anonymous checks.
func (s *SQLStoryStore) RecordWishModeration(ctx context.Context, userID *string, wish, status, reason string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
INSERT INTO wish_moderation_records (user_id, wish_text, status, reason, created_at)
VALUES (?, ?, ?, ?, ?)`),
		userID, wish, status, nullIfEmpty(reason), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record wish moderation: %w", err)
	}
	return nil
}

func nullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}
