// Copyright (C) 2025 SamsaraWorks (dev@samsaraworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package store persists users, game sessions, story nodes, saves, and
// moderation records behind a single SQL-backed type.
//
// Concurrency is handled by database-level constraints and transactions:
// the unique index on (session_id, parent_id, user_choice) linearizes
// concurrent child creation, and unique-violation errors are surfaced as
// storyerr.ErrDuplicateChild for callers to convert into a read of the
// winning row. Supported dialects: sqlite, postgres, mysql.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/SamsaraWorks/RebirthBackend/services/story/datatypes"

	// SQL drivers
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Store is the persistence contract the rest of the service programs
// against. *SQLStoryStore is the only implementation; the interface
// exists for handler and scheduler tests.
type Store interface {
	// Users
	EnsureUser(ctx context.Context, subject, email string) (*User, error)
	GetUserByID(ctx context.Context, id string) (*User, error)
	BumpTokenVersion(ctx context.Context, id string) (int, error)

	// Sessions
	CreateSession(ctx context.Context, userID, wish string) (*Session, error)
	GetSession(ctx context.Context, id int64) (*Session, error)
	GetSessionForUser(ctx context.Context, userID string, id int64) (*Session, error)
	ListSessionsForUser(ctx context.Context, userID string) ([]Session, error)

	// Nodes
	CreateNode(ctx context.Context, spec NodeSpec) (*Node, error)
	CreateNodeTx(ctx context.Context, tx *sql.Tx, spec NodeSpec) (*Node, error)
	BeginTx(ctx context.Context) (*sql.Tx, error)
	GetNode(ctx context.Context, id int64) (*Node, error)
	GetNodeInSession(ctx context.Context, sessionID, nodeID int64) (*Node, error)
	GetChildByParentAndChoice(ctx context.Context, sessionID, parentID int64, choice string) (*Node, error)
	GetChildByParentAndChoiceTx(ctx context.Context, tx *sql.Tx, sessionID, parentID int64, choice string) (*Node, error)
	GetChildren(ctx context.Context, parentID int64) ([]Node, error)
	LockNodeForUpdate(ctx context.Context, tx *sql.Tx, id int64) (*Node, error)
	FinalizeSpeculative(ctx context.Context, id int64) error
	PruneAfterNode(ctx context.Context, id int64, fallbackDepth int) (*Node, error)
	GetLatestNodeInSession(ctx context.Context, userID string, sessionID int64) (*Node, error)
	GetLatestNodeForUser(ctx context.Context, userID string) (*Node, error)
	GetDeepestNodeForUser(ctx context.Context, userID string) (*Node, error)
	GetSessionHistory(ctx context.Context, sessionID int64) ([]Node, error)
	GetNodePath(ctx context.Context, nodeID int64) ([]Node, error)
	CountNodesInSession(ctx context.Context, sessionID int64) (int, error)
	CalculateChapterNumber(ctx context.Context, sessionID, nodeID int64) (int, error)

	// Saves
	CreateSave(ctx context.Context, userID string, req datatypes.CreateSaveRequest) (*Save, error)
	ListSaves(ctx context.Context, userID string, status string) ([]Save, error)
	GetSave(ctx context.Context, userID string, id int64) (*Save, error)
	UpdateSave(ctx context.Context, userID string, id int64, req datatypes.UpdateSaveRequest) (*Save, error)
	DeleteSave(ctx context.Context, userID string, id int64) error

	// Moderation
	RecordWishModeration(ctx context.Context, userID *string, wish, status, reason string) error

	Close() error
}

// SQLStoryStore implements Store on database/sql.
type SQLStoryStore struct {
	db      *sql.DB
	dialect string
}

var _ Store = (*SQLStoryStore)(nil)

// Open resolves a configured driver name to a database handle plus the
// normalized dialect NewSQLStoryStore expects.
func Open(driver, dsn string) (*sql.DB, string, error) {
	var driverName string
	switch driver {
	case "sqlite", "sqlite3":
		driverName = "sqlite3"
		driver = "sqlite"
	case "postgres":
		driverName = "postgres"
	case "mysql":
		driverName = "mysql"
	default:
		return nil, "", fmt.Errorf("unsupported database driver: %s (supported: sqlite, postgres, mysql)", driver)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open database: %w", err)
	}
	return db, driver, nil
}

// NewSQLStoryStore wraps an open database handle and creates the schema
// if it does not exist.
func NewSQLStoryStore(db *sql.DB, dialect string) (*SQLStoryStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	switch dialect {
	case "postgres", "mysql", "sqlite", "sqlite3":
		if dialect == "sqlite3" {
			dialect = "sqlite"
		}
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: postgres, mysql, sqlite)", dialect)
	}

	s := &SQLStoryStore{
		db:      db,
		dialect: dialect,
	}

	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// initSchema creates the required tables if they don't exist. Statements
// are executed one at a time for SQLite compatibility.
func (s *SQLStoryStore) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, stmt := range s.schemaStatements() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLStoryStore) Close() error {
	return s.db.Close()
}

// BeginTx starts a transaction for the short continue-story critical
// section. Callers must commit or roll back.
func (s *SQLStoryStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

// =============================================================================
// Schema
// =============================================================================

// pkColumn returns the auto-increment primary key column for the dialect.
func (s *SQLStoryStore) pkColumn() string {
	switch s.dialect {
	case "postgres":
		return "BIGSERIAL PRIMARY KEY"
	case "mysql":
		return "BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY"
	default: // sqlite
		return "INTEGER PRIMARY KEY AUTOINCREMENT"
	}
}

func (s *SQLStoryStore) schemaStatements() []string {
	pk := s.pkColumn()

	createUsers := `
CREATE TABLE IF NOT EXISTS users (
    id VARCHAR(36) PRIMARY KEY,
    email VARCHAR(100) NOT NULL,
    password_hash VARCHAR(255) NOT NULL DEFAULT '',
    token_version INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    UNIQUE (email)
)`

	createSessions := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS game_sessions (
    id %s,
    user_id VARCHAR(36) NOT NULL,
    wish VARCHAR(100) NOT NULL,
    created_at TIMESTAMP NOT NULL,
    UNIQUE (user_id, wish)
)`, pk)

	createNodes := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS story_nodes (
    id %s,
    session_id BIGINT NOT NULL,
    parent_id BIGINT,
    user_choice VARCHAR(255),
    story_text TEXT NOT NULL,
    choices TEXT NOT NULL,
    metadata TEXT NOT NULL,
    image_url TEXT NOT NULL,
    success_rate DOUBLE PRECISION,
    is_speculative BOOLEAN NOT NULL DEFAULT FALSE,
    speculative_depth INTEGER,
    speculative_expires_at TIMESTAMP,
    created_at TIMESTAMP NOT NULL,
    CHECK (parent_id != id),
    UNIQUE (session_id, parent_id, user_choice)
)`, pk)

	createSaves := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS story_saves (
    id %s,
    session_id BIGINT NOT NULL,
    node_id BIGINT NOT NULL,
    title VARCHAR(100) NOT NULL,
    status VARCHAR(20) NOT NULL DEFAULT 'active',
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
)`, pk)

	createModeration := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS wish_moderation_records (
    id %s,
    user_id VARCHAR(36),
    wish_text TEXT NOT NULL,
    status VARCHAR(20) NOT NULL,
    reason TEXT,
    created_at TIMESTAMP NOT NULL
)`, pk)

	return []string{
		createUsers,
		createSessions,
		createNodes,
		createSaves,
		createModeration,
		`CREATE INDEX IF NOT EXISTS idx_sessions_user ON game_sessions(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_nodes_session ON story_nodes(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_nodes_parent ON story_nodes(parent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_saves_session ON story_saves(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_moderation_user ON wish_moderation_records(user_id)`,
	}
}

// =============================================================================
// Query Helpers
// =============================================================================

// executor lets the same statement builders serve both *sql.DB and
// *sql.Tx paths.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// rebind converts ?-style placeholders for dialects that need it.
func (s *SQLStoryStore) rebind(query string) string {
	if s.dialect == "postgres" {
		return convertToPostgresPlaceholders(query)
	}
	return query
}

// insertReturningID runs an INSERT and reports the generated id across
// dialects: RETURNING on postgres, LastInsertId elsewhere.
func (s *SQLStoryStore) insertReturningID(ctx context.Context, ex executor, query string, args ...any) (int64, error) {
	if s.dialect == "postgres" {
		var id int64
		err := ex.QueryRowContext(ctx, convertToPostgresPlaceholders(query+" RETURNING id"), args...).Scan(&id)
		return id, err
	}
	res, err := ex.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// convertToPostgresPlaceholders rewrites ? placeholders as $1, $2, ...
func convertToPostgresPlaceholders(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 20)
	paramNum := 1
	for _, c := range query {
		if c == '?' {
			b.WriteString(fmt.Sprintf("$%d", paramNum))
			paramNum++
		} else {
			b.WriteRune(c)
		}
	}
	return b.String()
}
