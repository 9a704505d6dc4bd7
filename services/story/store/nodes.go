// Copyright (C) 2025 SamsaraWorks (dev@samsaraworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package store persists the story service state.
//
// This file contains the story node operations: creation under the
// uniqueness constraint, speculative finalize/demote, tree walks, and
// the chronicle read queries.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/SamsaraWorks/RebirthBackend/services/story/storyerr"
)

// maxPathDepth caps ancestry walks. The tree invariants make cycles
// impossible, but a corrupted row must not hang a request.
const maxPathDepth = 1000

// =============================================================================
// Creation
// =============================================================================

// CreateNode inserts a node in its own implicit transaction. A second
// insert for the same (session, parent, choice) returns
// storyerr.ErrDuplicateChild; the caller reads the winner via
// GetChildByParentAndChoice.
func (s *SQLStoryStore) CreateNode(ctx context.Context, spec NodeSpec) (*Node, error) {
	return s.createNode(ctx, s.db, spec)
}

// CreateNodeTx inserts a node inside the caller's transaction. Used by
// the continue path: lock parent, re-check, insert, commit.
func (s *SQLStoryStore) CreateNodeTx(ctx context.Context, tx *sql.Tx, spec NodeSpec) (*Node, error) {
	return s.createNode(ctx, tx, spec)
}

func (s *SQLStoryStore) createNode(ctx context.Context, ex executor, spec NodeSpec) (*Node, error) {
	if spec.ParentID != nil {
		var parentSession int64
		err := ex.QueryRowContext(ctx,
			s.rebind(`SELECT session_id FROM story_nodes WHERE id = ?`), *spec.ParentID,
		).Scan(&parentSession)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("parent node %d does not exist: %w", *spec.ParentID, storyerr.ErrNotFound)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to check parent node: %w", err)
		}
		if parentSession != spec.SessionID {
			return nil, fmt.Errorf("parent node %d not in session %d: %w", *spec.ParentID, spec.SessionID, storyerr.ErrNotFound)
		}
	}

	choicesJSON, metaJSON, err := marshalNodeBlobs(spec.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize node payload: %w", err)
	}

	var depth *int
	if spec.Speculative {
		depth = spec.Depth
	}

	id, err := s.insertReturningID(ctx, ex, s.rebind(`
INSERT INTO story_nodes (session_id, parent_id, user_choice, story_text, choices, metadata,
    image_url, success_rate, is_speculative, speculative_depth, speculative_expires_at, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?)`),
		spec.SessionID, spec.ParentID, spec.UserChoice, spec.Payload.Text, choicesJSON, metaJSON,
		spec.Payload.ImageURL, spec.Payload.SuccessRate, spec.Speculative, depth, time.Now().UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("child for parent under this choice already exists: %w", storyerr.ErrDuplicateChild)
		}
		return nil, fmt.Errorf("failed to insert story node: %w", err)
	}

	return s.getNode(ctx, ex, id)
}

// =============================================================================
// Reads
// =============================================================================

// GetNode fetches a node by id.
func (s *SQLStoryStore) GetNode(ctx context.Context, id int64) (*Node, error) {
	return s.getNode(ctx, s.db, id)
}

func (s *SQLStoryStore) getNode(ctx context.Context, ex executor, id int64) (*Node, error) {
	row := ex.QueryRowContext(ctx,
		s.rebind(`SELECT `+nodeColumns+` FROM story_nodes WHERE id = ?`), id)
	node, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("node %d: %w", id, storyerr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read node %d: %w", id, err)
	}
	return node, nil
}

// GetNodeInSession fetches a node and verifies it belongs to sessionID.
func (s *SQLStoryStore) GetNodeInSession(ctx context.Context, sessionID, nodeID int64) (*Node, error) {
	node, err := s.GetNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if node.SessionID != sessionID {
		return nil, fmt.Errorf("node %d not in session %d: %w", nodeID, sessionID, storyerr.ErrNotFound)
	}
	return node, nil
}

// GetChildByParentAndChoice returns the latest (highest-id) child for
// the (parent, choice) pair regardless of speculative state, or
// (nil, nil) when no child exists. Highest id wins so a finalized child
// and a racing duplicate resolve the same way for every caller.
func (s *SQLStoryStore) GetChildByParentAndChoice(ctx context.Context, sessionID, parentID int64, choice string) (*Node, error) {
	return s.getChildByParentAndChoice(ctx, s.db, sessionID, parentID, choice)
}

// GetChildByParentAndChoiceTx is the in-transaction variant used after
// LockNodeForUpdate to re-check for a winner before insert.
func (s *SQLStoryStore) GetChildByParentAndChoiceTx(ctx context.Context, tx *sql.Tx, sessionID, parentID int64, choice string) (*Node, error) {
	return s.getChildByParentAndChoice(ctx, tx, sessionID, parentID, choice)
}

func (s *SQLStoryStore) getChildByParentAndChoice(ctx context.Context, ex executor, sessionID, parentID int64, choice string) (*Node, error) {
	row := ex.QueryRowContext(ctx, s.rebind(`
SELECT `+nodeColumns+` FROM story_nodes
WHERE session_id = ? AND parent_id = ? AND user_choice = ?
ORDER BY id DESC LIMIT 1`),
		sessionID, parentID, choice)
	node, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read child node: %w", err)
	}
	return node, nil
}

// GetChildren returns all children of a node in ascending id order,
// speculative included.
func (s *SQLStoryStore) GetChildren(ctx context.Context, parentID int64) ([]Node, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
SELECT `+nodeColumns+` FROM story_nodes WHERE parent_id = ? ORDER BY id ASC`), parentID)
	if err != nil {
		return nil, fmt.Errorf("failed to read children of node %d: %w", parentID, err)
	}
	defer rows.Close()
	return collectNodes(rows)
}

// LockNodeForUpdate reads a node under a row lock where the backend
// supports one (postgres, mysql); on sqlite the database-level write
// lock serves the same purpose and this is a plain read.
func (s *SQLStoryStore) LockNodeForUpdate(ctx context.Context, tx *sql.Tx, id int64) (*Node, error) {
	query := `SELECT ` + nodeColumns + ` FROM story_nodes WHERE id = ?`
	if s.dialect == "postgres" || s.dialect == "mysql" {
		query += ` FOR UPDATE`
	}
	node, err := scanNode(tx.QueryRowContext(ctx, s.rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("node %d: %w", id, storyerr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock node %d: %w", id, err)
	}
	return node, nil
}

// =============================================================================
// Speculative Lifecycle
// =============================================================================

// FinalizeSpeculative promotes a node to confirmed. Idempotent:
// finalizing a confirmed node changes nothing.
func (s *SQLStoryStore) FinalizeSpeculative(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
UPDATE story_nodes
SET is_speculative = FALSE, speculative_depth = NULL, speculative_expires_at = NULL
WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to finalize node %d: %w", id, err)
	}
	return nil
}

// PruneAfterNode demotes every descendant of the target to speculative
// so nothing generated is lost when the player rewinds: the subtree
// becomes reusable cache. The target itself is untouched. A
// fallbackDepth of 0 stores NULL.
func (s *SQLStoryStore) PruneAfterNode(ctx context.Context, id int64, fallbackDepth int) (*Node, error) {
	target, err := s.GetNode(ctx, id)
	if err != nil {
		return nil, err
	}

	// Collect the descendant set with an explicit stack.
	var descendants []int64
	stack := []int64{target.ID}
	for len(stack) > 0 {
		parentID := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		rows, err := s.db.QueryContext(ctx,
			s.rebind(`SELECT id FROM story_nodes WHERE parent_id = ?`), parentID)
		if err != nil {
			return nil, fmt.Errorf("failed to walk descendants of node %d: %w", id, err)
		}
		for rows.Next() {
			var childID int64
			if err := rows.Scan(&childID); err != nil {
				rows.Close()
				return nil, err
			}
			descendants = append(descendants, childID)
			stack = append(stack, childID)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}

	if len(descendants) > 0 {
		var depth *int
		if fallbackDepth > 0 {
			depth = &fallbackDepth
		}

		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(descendants)), ",")
		args := make([]any, 0, len(descendants)+1)
		args = append(args, depth)
		for _, d := range descendants {
			args = append(args, d)
		}

		_, err = s.db.ExecContext(ctx, s.rebind(`
UPDATE story_nodes
SET is_speculative = TRUE, speculative_depth = ?, speculative_expires_at = NULL
WHERE id IN (`+placeholders+`)`), args...)
		if err != nil {
			return nil, fmt.Errorf("failed to demote descendants of node %d: %w", id, err)
		}
		slog.Info("Rewound story after node",
			"node_id", target.ID,
			"demoted", len(descendants),
		)
	}

	return s.GetNode(ctx, id)
}

// =============================================================================
// Chronicle Queries
// =============================================================================

// GetLatestNodeInSession returns the highest-id node of a session the
// user owns. Missing and foreign sessions both read as not found so the
// query does not leak other users' session ids.
func (s *SQLStoryStore) GetLatestNodeInSession(ctx context.Context, userID string, sessionID int64) (*Node, error) {
	if _, err := s.GetSessionForUser(ctx, userID, sessionID); err != nil {
		if errors.Is(err, storyerr.ErrForbidden) {
			return nil, fmt.Errorf("session %d: %w", sessionID, storyerr.ErrNotFound)
		}
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, s.rebind(`
SELECT `+nodeColumns+` FROM story_nodes WHERE session_id = ? ORDER BY id DESC LIMIT 1`), sessionID)
	node, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %d has no nodes: %w", sessionID, storyerr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read latest node: %w", err)
	}
	return node, nil
}

// GetLatestNodeForUser returns the newest node across all of the user's
// sessions, id order standing in for time.
func (s *SQLStoryStore) GetLatestNodeForUser(ctx context.Context, userID string) (*Node, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
SELECT `+nodeColumnsPrefixed("n")+`
FROM story_nodes n
JOIN game_sessions s ON n.session_id = s.id
WHERE s.user_id = ?
ORDER BY n.id DESC LIMIT 1`), userID)
	node, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user has no nodes: %w", storyerr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read latest node: %w", err)
	}
	return node, nil
}

// GetDeepestNodeForUser returns the latest node of the user's furthest
// session: the one with the most nodes, ties broken by the larger
// session id.
func (s *SQLStoryStore) GetDeepestNodeForUser(ctx context.Context, userID string) (*Node, error) {
	var sessionID int64
	err := s.db.QueryRowContext(ctx, s.rebind(`
SELECT n.session_id
FROM story_nodes n
JOIN game_sessions s ON n.session_id = s.id
WHERE s.user_id = ?
GROUP BY n.session_id
ORDER BY COUNT(n.id) DESC, n.session_id DESC
LIMIT 1`), userID).Scan(&sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user has no sessions with nodes: %w", storyerr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find deepest session: %w", err)
	}

	row := s.db.QueryRowContext(ctx, s.rebind(`
SELECT `+nodeColumns+` FROM story_nodes WHERE session_id = ? ORDER BY id DESC LIMIT 1`), sessionID)
	node, err := scanNode(row)
	if err != nil {
		return nil, fmt.Errorf("failed to read deepest node: %w", err)
	}
	return node, nil
}

// GetSessionHistory returns the confirmed nodes of a session in
// ascending id order. Speculative nodes stay hidden so pre-generated
// branches never spoil the chronicle.
func (s *SQLStoryStore) GetSessionHistory(ctx context.Context, sessionID int64) ([]Node, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
SELECT `+nodeColumns+` FROM story_nodes
WHERE session_id = ? AND is_speculative = FALSE
ORDER BY id ASC`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to read session history: %w", err)
	}
	defer rows.Close()
	return collectNodes(rows)
}

// GetNodePath walks parent pointers from the node to the root and
// returns the chain in root-first order.
func (s *SQLStoryStore) GetNodePath(ctx context.Context, nodeID int64) ([]Node, error) {
	var path []Node
	visited := make(map[int64]bool)

	current, err := s.GetNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	for {
		if visited[current.ID] || len(path) >= maxPathDepth {
			slog.Warn("Node ancestry walk aborted", "node_id", current.ID, "depth", len(path))
			break
		}
		visited[current.ID] = true
		path = append(path, *current)

		if current.ParentID == nil {
			break
		}
		current, err = s.GetNode(ctx, *current.ParentID)
		if err != nil {
			if errors.Is(err, storyerr.ErrNotFound) {
				break
			}
			return nil, err
		}
	}

	// Reverse in place: the walk collected node-first.
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, nil
}

// CountNodesInSession counts every node in the session, speculative
// included.
func (s *SQLStoryStore) CountNodesInSession(ctx context.Context, sessionID int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT COUNT(*) FROM story_nodes WHERE session_id = ?`), sessionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count nodes: %w", err)
	}
	return count, nil
}

// CalculateChapterNumber reports the node's 1-based depth from the
// session root. A node outside the session or a broken chain reads as
// chapter 1 rather than an error; chapter numbering must never fail a
// story response.
func (s *SQLStoryStore) CalculateChapterNumber(ctx context.Context, sessionID, nodeID int64) (int, error) {
	target, err := s.GetNode(ctx, nodeID)
	if err != nil {
		if errors.Is(err, storyerr.ErrNotFound) {
			slog.Warn("Chapter number requested for missing node", "node_id", nodeID)
			return 1, nil
		}
		return 0, err
	}
	if target.SessionID != sessionID {
		slog.Warn("Chapter number requested across sessions",
			"node_id", nodeID, "session_id", sessionID)
		return 1, nil
	}

	depth := 1
	visited := make(map[int64]bool)
	current := target
	for current.ParentID != nil {
		if visited[current.ID] || depth >= maxPathDepth {
			slog.Warn("Cycle detected while computing chapter number", "node_id", current.ID)
			break
		}
		visited[current.ID] = true

		parent, err := s.GetNode(ctx, *current.ParentID)
		if err != nil {
			break
		}
		current = parent
		depth++
	}
	return depth, nil
}

// =============================================================================
// Helpers
// =============================================================================

func collectNodes(rows *sql.Rows) ([]Node, error) {
	var nodes []Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, *node)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return nodes, nil
}

// nodeColumnsPrefixed qualifies the shared column list for joins.
func nodeColumnsPrefixed(alias string) string {
	cols := strings.Split(strings.ReplaceAll(nodeColumns, "\n\t", " "), ", ")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}
