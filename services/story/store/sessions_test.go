// Copyright (C) 2025 SamsaraWorks (dev@samsaraworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"context"
	"errors"
	"testing"

	"github.com/SamsaraWorks/RebirthBackend/services/story/storyerr"
)

// =============================================================================
// Users
// =============================================================================

func TestEnsureUser_SubjectBecomesID(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	user, err := s.EnsureUser(ctx, "auth0|alice", "Alice@Example.COM")
	if err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}
	if user.ID != "auth0|alice" {
		t.Errorf("ID = %q, want the auth subject", user.ID)
	}
	if user.Email != "alice@example.com" {
		t.Errorf("Email = %q, want lowercased", user.Email)
	}

	again, err := s.EnsureUser(ctx, "auth0|alice", "alice@example.com")
	if err != nil {
		t.Fatalf("EnsureUser(second): %v", err)
	}
	if again.ID != user.ID {
		t.Errorf("second call resolved to %q, want the same row", again.ID)
	}
}

func TestEnsureUser_EmptySubjectMintsID(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	user, err := s.EnsureUser(context.Background(), "", "bob@example.com")
	if err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}
	if user.ID == "" {
		t.Error("expected a minted id for empty subject")
	}
}

func TestEnsureUser_EmailCollisionResolvesToExistingRow(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.EnsureUser(ctx, "subject-a", "shared@example.com")
	if err != nil {
		t.Fatalf("EnsureUser(first): %v", err)
	}

	// A different subject claiming the same email converges on the row
	// that owns the email.
	second, err := s.EnsureUser(ctx, "subject-b", "shared@example.com")
	if err != nil {
		t.Fatalf("EnsureUser(second): %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("collision resolved to %q, want %q", second.ID, first.ID)
	}
}

func TestEnsureUser_RequiresSubjectOrEmail(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	_, err := s.EnsureUser(context.Background(), "", "")
	if !errors.Is(err, storyerr.ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
}

func TestBumpTokenVersion(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	user, err := s.EnsureUser(ctx, "carol", "carol@example.com")
	if err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}
	if user.TokenVersion != 0 {
		t.Fatalf("fresh user TokenVersion = %d, want 0", user.TokenVersion)
	}

	v, err := s.BumpTokenVersion(ctx, user.ID)
	if err != nil {
		t.Fatalf("BumpTokenVersion: %v", err)
	}
	if v != 1 {
		t.Errorf("TokenVersion = %d, want 1", v)
	}
}

// =============================================================================
// Sessions
// =============================================================================

func TestCreateSession_SameWishResumes(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	first := seedSession(t, s, "dave", "重生为项羽")
	second, err := s.CreateSession(ctx, "dave", "重生为项羽")
	if err != nil {
		t.Fatalf("CreateSession(second): %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("replaying the wish created session %d, want %d", second.ID, first.ID)
	}

	other, err := s.CreateSession(ctx, "dave", "重生为刘邦")
	if err != nil {
		t.Fatalf("CreateSession(other wish): %v", err)
	}
	if other.ID == first.ID {
		t.Error("a different wish must open a new session")
	}
}

func TestGetSessionForUser_Ownership(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	sess := seedSession(t, s, "erin", "wish")
	seedSession(t, s, "frank", "wish")

	if _, err := s.GetSessionForUser(ctx, "erin", sess.ID); err != nil {
		t.Fatalf("owner read failed: %v", err)
	}

	_, err := s.GetSessionForUser(ctx, "frank", sess.ID)
	if !errors.Is(err, storyerr.ErrForbidden) {
		t.Errorf("foreign session err = %v, want ErrForbidden", err)
	}

	_, err = s.GetSessionForUser(ctx, "erin", 9999)
	if !errors.Is(err, storyerr.ErrNotFound) {
		t.Errorf("missing session err = %v, want ErrNotFound", err)
	}
}

func TestListSessionsForUser_NewestFirst(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	a := seedSession(t, s, "gina", "wish-a")
	b, err := s.CreateSession(ctx, "gina", "wish-b")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	sessions, err := s.ListSessionsForUser(ctx, "gina")
	if err != nil {
		t.Fatalf("ListSessionsForUser: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("got %d sessions, want 2", len(sessions))
	}
	if sessions[0].ID != b.ID || sessions[1].ID != a.ID {
		t.Errorf("order = [%d %d], want newest first [%d %d]",
			sessions[0].ID, sessions[1].ID, b.ID, a.ID)
	}
}
