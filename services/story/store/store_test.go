// Copyright (C) 2025 SamsaraWorks (dev@samsaraworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"context"
	"database/sql"
	"testing"

	"github.com/SamsaraWorks/RebirthBackend/services/story/datatypes"
)

// newTestStore opens an in-memory sqlite store. The pool is pinned to a
// single connection so every query sees the same memory database.
func newTestStore(t *testing.T) *SQLStoryStore {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)

	s, err := NewSQLStoryStore(db, "sqlite")
	if err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// seedSession creates a user and a session for it.
func seedSession(t *testing.T, s *SQLStoryStore, subject, wish string) *Session {
	t.Helper()

	ctx := context.Background()
	user, err := s.EnsureUser(ctx, subject, subject+"@example.com")
	if err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}
	sess, err := s.CreateSession(ctx, user.ID, wish)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return sess
}

// payload builds a minimal presentable node payload.
func payload(text string, choices ...string) datatypes.NodePayload {
	p := datatypes.NodePayload{
		Text:     text,
		ImageURL: "/static/images/castle.png",
		Metadata: datatypes.NodeMetadata{Source: "continue"},
	}
	for _, c := range choices {
		p.Choices = append(p.Choices, datatypes.DisplayChoice{Option: c, Summary: "选择" + c})
	}
	return p
}

// seedRoot creates the confirmed root node of a session.
func seedRoot(t *testing.T, s *SQLStoryStore, sessionID int64) *Node {
	t.Helper()

	root, err := s.CreateNode(context.Background(), NodeSpec{
		SessionID: sessionID,
		Payload:   payload("开局", "习武", "读书"),
	})
	if err != nil {
		t.Fatalf("CreateNode(root): %v", err)
	}
	return root
}

// seedChild creates a child under parent for the given choice.
func seedChild(t *testing.T, s *SQLStoryStore, sessionID int64, parentID int64, choice string, speculative bool) *Node {
	t.Helper()

	depth := 2
	spec := NodeSpec{
		SessionID:   sessionID,
		ParentID:    &parentID,
		UserChoice:  &choice,
		Payload:     payload("后续:"+choice, "前进", "后退"),
		Speculative: speculative,
	}
	if speculative {
		spec.Depth = &depth
	}
	child, err := s.CreateNode(context.Background(), spec)
	if err != nil {
		t.Fatalf("CreateNode(child %q): %v", choice, err)
	}
	return child
}

// =============================================================================
// Placeholder Rewriting
// =============================================================================

func TestConvertToPostgresPlaceholders(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"SELECT 1", "SELECT 1"},
		{"WHERE id = ?", "WHERE id = $1"},
		{"VALUES (?, ?, ?)", "VALUES ($1, $2, $3)"},
	}
	for _, tt := range tests {
		if got := convertToPostgresPlaceholders(tt.in); got != tt.want {
			t.Errorf("convertToPostgresPlaceholders(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// =============================================================================
// Schema / Open
// =============================================================================

func TestOpen_RejectsUnknownDriver(t *testing.T) {
	t.Parallel()

	if _, _, err := Open("oracle", "dsn"); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestNewSQLStoryStore_NormalizesSqlite3(t *testing.T) {
	t.Parallel()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)

	s, err := NewSQLStoryStore(db, "sqlite3")
	if err != nil {
		t.Fatalf("NewSQLStoryStore: %v", err)
	}
	defer s.Close()
	if s.dialect != "sqlite" {
		t.Errorf("dialect = %q, want sqlite", s.dialect)
	}
}
