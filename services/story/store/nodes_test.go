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
// Creation
// =============================================================================

func TestCreateNode_DuplicateChoiceReadsWinner(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	sess := seedSession(t, s, "hugo", "wish")
	root := seedRoot(t, s, sess.ID)
	first := seedChild(t, s, sess.ID, root.ID, "习武", false)

	choice := "习武"
	_, err := s.CreateNode(ctx, NodeSpec{
		SessionID:  sess.ID,
		ParentID:   &root.ID,
		UserChoice: &choice,
		Payload:    payload("重复", "a", "b"),
	})
	if !errors.Is(err, storyerr.ErrDuplicateChild) {
		t.Fatalf("second insert err = %v, want ErrDuplicateChild", err)
	}

	winner, err := s.GetChildByParentAndChoice(ctx, sess.ID, root.ID, choice)
	if err != nil {
		t.Fatalf("GetChildByParentAndChoice: %v", err)
	}
	if winner == nil || winner.ID != first.ID {
		t.Errorf("winner = %+v, want node %d", winner, first.ID)
	}
}

func TestCreateNode_ParentMustBeInSession(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	sessA := seedSession(t, s, "iris", "wish-a")
	sessB, err := s.CreateSession(ctx, sessA.UserID, "wish-b")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	rootA := seedRoot(t, s, sessA.ID)

	choice := "前进"
	_, err = s.CreateNode(ctx, NodeSpec{
		SessionID:  sessB.ID,
		ParentID:   &rootA.ID,
		UserChoice: &choice,
		Payload:    payload("跨会话", "a", "b"),
	})
	if !errors.Is(err, storyerr.ErrNotFound) {
		t.Errorf("cross-session parent err = %v, want ErrNotFound", err)
	}

	missing := int64(9999)
	_, err = s.CreateNode(ctx, NodeSpec{
		SessionID:  sessA.ID,
		ParentID:   &missing,
		UserChoice: &choice,
		Payload:    payload("孤儿", "a", "b"),
	})
	if !errors.Is(err, storyerr.ErrNotFound) {
		t.Errorf("missing parent err = %v, want ErrNotFound", err)
	}
}

func TestGetChildByParentAndChoice_NoChildIsNilNil(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	sess := seedSession(t, s, "jack", "wish")
	root := seedRoot(t, s, sess.ID)

	child, err := s.GetChildByParentAndChoice(context.Background(), sess.ID, root.ID, "从未选过")
	if err != nil {
		t.Fatalf("err = %v, want nil", err)
	}
	if child != nil {
		t.Errorf("child = %+v, want nil", child)
	}
}

// =============================================================================
// Speculative Lifecycle
// =============================================================================

func TestFinalizeSpeculative_Idempotent(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	sess := seedSession(t, s, "kate", "wish")
	root := seedRoot(t, s, sess.ID)
	child := seedChild(t, s, sess.ID, root.ID, "读书", true)

	if !child.IsSpeculative || child.SpeculativeDepth == nil {
		t.Fatalf("seed child not speculative: %+v", child)
	}

	for i := 0; i < 2; i++ {
		if err := s.FinalizeSpeculative(ctx, child.ID); err != nil {
			t.Fatalf("FinalizeSpeculative(#%d): %v", i+1, err)
		}
	}

	got, err := s.GetNode(ctx, child.ID)
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if got.IsSpeculative {
		t.Error("node still speculative after finalize")
	}
	if got.SpeculativeDepth != nil {
		t.Errorf("SpeculativeDepth = %v, want nil", *got.SpeculativeDepth)
	}
}

func TestPruneAfterNode_DemotesDescendantsOnly(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	// root -> a -> b, plus sibling c under root.
	sess := seedSession(t, s, "liam", "wish")
	root := seedRoot(t, s, sess.ID)
	a := seedChild(t, s, sess.ID, root.ID, "习武", false)
	b := seedChild(t, s, sess.ID, a.ID, "出山", false)
	c := seedChild(t, s, sess.ID, root.ID, "读书", false)

	target, err := s.PruneAfterNode(ctx, a.ID, 3)
	if err != nil {
		t.Fatalf("PruneAfterNode: %v", err)
	}
	if target.IsSpeculative {
		t.Error("rewind target must stay confirmed")
	}

	demoted, err := s.GetNode(ctx, b.ID)
	if err != nil {
		t.Fatalf("GetNode(b): %v", err)
	}
	if !demoted.IsSpeculative {
		t.Error("descendant not demoted to speculative")
	}
	if demoted.SpeculativeDepth == nil || *demoted.SpeculativeDepth != 3 {
		t.Errorf("SpeculativeDepth = %v, want 3", demoted.SpeculativeDepth)
	}

	sibling, err := s.GetNode(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetNode(c): %v", err)
	}
	if sibling.IsSpeculative {
		t.Error("sibling branch must be untouched")
	}

	// Nothing is deleted on rewind; the subtree stays as reusable cache.
	count, err := s.CountNodesInSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("CountNodesInSession: %v", err)
	}
	if count != 4 {
		t.Errorf("node count = %d, want 4", count)
	}
}

func TestPruneAfterNode_ZeroFallbackStoresNullDepth(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	sess := seedSession(t, s, "mona", "wish")
	root := seedRoot(t, s, sess.ID)
	child := seedChild(t, s, sess.ID, root.ID, "习武", false)

	if _, err := s.PruneAfterNode(ctx, root.ID, 0); err != nil {
		t.Fatalf("PruneAfterNode: %v", err)
	}

	got, err := s.GetNode(ctx, child.ID)
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if !got.IsSpeculative {
		t.Error("descendant not demoted")
	}
	if got.SpeculativeDepth != nil {
		t.Errorf("SpeculativeDepth = %v, want nil", *got.SpeculativeDepth)
	}
}

// =============================================================================
// Chronicle Queries
// =============================================================================

func TestGetSessionHistory_ExcludesSpeculative(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	sess := seedSession(t, s, "nina", "wish")
	root := seedRoot(t, s, sess.ID)
	confirmed := seedChild(t, s, sess.ID, root.ID, "习武", false)
	seedChild(t, s, sess.ID, root.ID, "读书", true)

	history, err := s.GetSessionHistory(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("GetSessionHistory: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2 confirmed nodes", len(history))
	}
	if history[0].ID != root.ID || history[1].ID != confirmed.ID {
		t.Errorf("order = [%d %d], want ascending [%d %d]",
			history[0].ID, history[1].ID, root.ID, confirmed.ID)
	}
}

func TestGetNodePath_RootFirst(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	sess := seedSession(t, s, "omar", "wish")
	root := seedRoot(t, s, sess.ID)
	a := seedChild(t, s, sess.ID, root.ID, "习武", false)
	b := seedChild(t, s, sess.ID, a.ID, "出山", false)

	path, err := s.GetNodePath(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("GetNodePath: %v", err)
	}
	if len(path) != 3 {
		t.Fatalf("path length = %d, want 3", len(path))
	}
	want := []int64{root.ID, a.ID, b.ID}
	for i, id := range want {
		if path[i].ID != id {
			t.Errorf("path[%d].ID = %d, want %d", i, path[i].ID, id)
		}
	}
}

func TestCalculateChapterNumber(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	sess := seedSession(t, s, "pia", "wish")
	root := seedRoot(t, s, sess.ID)
	a := seedChild(t, s, sess.ID, root.ID, "习武", false)
	b := seedChild(t, s, sess.ID, a.ID, "出山", false)

	tests := []struct {
		name   string
		nodeID int64
		want   int
	}{
		{"root", root.ID, 1},
		{"child", a.ID, 2},
		{"grandchild", b.ID, 3},
		{"missing node falls back to 1", 9999, 1},
	}
	for _, tt := range tests {
		got, err := s.CalculateChapterNumber(ctx, sess.ID, tt.nodeID)
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if got != tt.want {
			t.Errorf("%s: chapter = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestCalculateChapterNumber_CrossSessionFallsBack(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	sessA := seedSession(t, s, "quinn", "wish-a")
	sessB, err := s.CreateSession(ctx, sessA.UserID, "wish-b")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	rootA := seedRoot(t, s, sessA.ID)
	seedChild(t, s, sessA.ID, rootA.ID, "习武", false)

	got, err := s.CalculateChapterNumber(ctx, sessB.ID, rootA.ID)
	if err != nil {
		t.Fatalf("CalculateChapterNumber: %v", err)
	}
	if got != 1 {
		t.Errorf("cross-session chapter = %d, want fallback 1", got)
	}
}

func TestGetLatestNodeInSession_HidesForeignSessions(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	sess := seedSession(t, s, "rosa", "wish")
	root := seedRoot(t, s, sess.ID)
	latest := seedChild(t, s, sess.ID, root.ID, "习武", false)
	seedSession(t, s, "sven", "wish")

	got, err := s.GetLatestNodeInSession(ctx, "rosa", sess.ID)
	if err != nil {
		t.Fatalf("owner read failed: %v", err)
	}
	if got.ID != latest.ID {
		t.Errorf("latest = %d, want %d", got.ID, latest.ID)
	}

	// A foreign session reads as not found, never forbidden, so the
	// response does not confirm the session id exists.
	_, err = s.GetLatestNodeInSession(ctx, "sven", sess.ID)
	if !errors.Is(err, storyerr.ErrNotFound) {
		t.Errorf("foreign session err = %v, want ErrNotFound", err)
	}
	if errors.Is(err, storyerr.ErrForbidden) {
		t.Error("foreign session must not surface ErrForbidden")
	}
}

func TestGetDeepestNodeForUser_PicksLongestSession(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	// Session A has one node, session B has three.
	sessA := seedSession(t, s, "tara", "wish-a")
	seedRoot(t, s, sessA.ID)

	sessB, err := s.CreateSession(ctx, sessA.UserID, "wish-b")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	rootB := seedRoot(t, s, sessB.ID)
	a := seedChild(t, s, sessB.ID, rootB.ID, "习武", false)
	deepest := seedChild(t, s, sessB.ID, a.ID, "出山", false)

	got, err := s.GetDeepestNodeForUser(ctx, "tara")
	if err != nil {
		t.Fatalf("GetDeepestNodeForUser: %v", err)
	}
	if got.SessionID != sessB.ID || got.ID != deepest.ID {
		t.Errorf("deepest = node %d in session %d, want node %d in session %d",
			got.ID, got.SessionID, deepest.ID, sessB.ID)
	}
}

func TestGetLatestNodeForUser_NoNodes(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	seedSession(t, s, "uma", "wish")

	_, err := s.GetLatestNodeForUser(context.Background(), "uma")
	if !errors.Is(err, storyerr.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
