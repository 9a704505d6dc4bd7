// Copyright (C) 2025 SamsaraWorks (dev@samsaraworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package store persists the story service state.
//
// This file contains the persisted entity types, the node creation spec,
// and the row/error translation helpers shared by the query files.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/SamsaraWorks/RebirthBackend/services/story/datatypes"
)

// =============================================================================
// Entities
// =============================================================================

// User is an account row. IDs are UUID strings minted by the application
// so every dialect shares one insert path.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	TokenVersion int
	CreatedAt    time.Time
}

// Session is one (user, wish) run. The unique constraint on the pair
// means replaying the same wish resumes the same session.
type Session struct {
	ID        int64
	UserID    string
	Wish      string
	CreatedAt time.Time
}

// Node is one story beat. ParentID and UserChoice are nil exactly for
// the session root.
type Node struct {
	ID               int64
	SessionID        int64
	ParentID         *int64
	UserChoice       *string
	StoryText        string
	Choices          []datatypes.DisplayChoice
	Metadata         datatypes.NodeMetadata
	ImageURL         string
	SuccessRate      *float64
	IsSpeculative    bool
	SpeculativeDepth *int
	CreatedAt        time.Time
}

// Settled reports whether the node ends its chapter (no choices left).
func (n *Node) Settled() bool {
	return len(n.Choices) == 0
}

// Save is a user-named bookmark on a node.
type Save struct {
	ID        int64
	SessionID int64
	NodeID    int64
	Title     string
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NodeSpec describes a node to create. Payload carries the generated
// text, display choices, image URL, and metadata.
type NodeSpec struct {
	SessionID   int64
	ParentID    *int64
	UserChoice  *string
	Payload     datatypes.NodePayload
	Speculative bool
	// Depth is the remaining speculation budget; ignored unless
	// Speculative is set.
	Depth *int
}

// =============================================================================
// Row Scanning
// =============================================================================

// nodeColumns is the select list every node query shares, in scanNode
// order.
const nodeColumns = `id, session_id, parent_id, user_choice, story_text, choices, metadata,
	image_url, success_rate, is_speculative, speculative_depth, created_at`

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanNode hydrates one node row. Corrupt choices or metadata JSON is
// logged and left zero-valued rather than failing the read; the row id
// is still usable for recovery.
func scanNode(sc rowScanner) (*Node, error) {
	var (
		n           Node
		parentID    sql.NullInt64
		userChoice  sql.NullString
		choicesJSON string
		metaJSON    string
		successRate sql.NullFloat64
		specDepth   sql.NullInt64
	)
	err := sc.Scan(
		&n.ID, &n.SessionID, &parentID, &userChoice, &n.StoryText, &choicesJSON, &metaJSON,
		&n.ImageURL, &successRate, &n.IsSpeculative, &specDepth, &n.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if parentID.Valid {
		v := parentID.Int64
		n.ParentID = &v
	}
	if userChoice.Valid {
		v := userChoice.String
		n.UserChoice = &v
	}
	if successRate.Valid {
		v := successRate.Float64
		n.SuccessRate = &v
	}
	if specDepth.Valid {
		v := int(specDepth.Int64)
		n.SpeculativeDepth = &v
	}

	if choicesJSON != "" {
		if err := json.Unmarshal([]byte(choicesJSON), &n.Choices); err != nil {
			slog.Warn("Failed to parse node choices", "node_id", n.ID, "error", err)
			n.Choices = nil
		}
	}
	if metaJSON != "" {
		if err := json.Unmarshal([]byte(metaJSON), &n.Metadata); err != nil {
			slog.Warn("Failed to parse node metadata", "node_id", n.ID, "error", err)
			n.Metadata = datatypes.NodeMetadata{}
		}
	}
	return &n, nil
}

// marshalNodeBlobs serializes the payload's choices and metadata for
// storage. Choices always serialize as an array, never null, so clients
// and older rows agree on the shape.
func marshalNodeBlobs(p datatypes.NodePayload) (choicesJSON, metaJSON string, err error) {
	choices := p.Choices
	if choices == nil {
		choices = []datatypes.DisplayChoice{}
	}
	cb, err := json.Marshal(choices)
	if err != nil {
		return "", "", err
	}
	mb, err := json.Marshal(p.Metadata)
	if err != nil {
		return "", "", err
	}
	return string(cb), string(mb), nil
}

// =============================================================================
// Error Translation
// =============================================================================

// isUniqueViolation recognizes a duplicate-key error from any supported
// driver. These are control flow here, not failures: the caller reads
// the row that won.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	return false
}
