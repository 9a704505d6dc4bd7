// Copyright (C) 2025 SamsaraWorks (dev@samsaraworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"fmt"
	"net/http"
	"testing"
)

// =============================================================================
// Run List
// =============================================================================

func TestListSessions(t *testing.T) {
	env := newTestEnv(t)
	env.seedGame(t, "player1", "重生为李白")
	env.seedGame(t, "player1", "重生为杜甫")
	env.seedGame(t, "player2", "重生为李白")

	w := env.do(t, http.MethodGet, "/story/sessions", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	body := decodeJSON(t, w)
	sessions := body["sessions"].([]any)
	if len(sessions) != 2 {
		t.Fatalf("got %d sessions, want only player1's 2", len(sessions))
	}
	// Newest first.
	if sessions[0].(map[string]any)["wish"] != "重生为杜甫" {
		t.Errorf("first wish = %v, want the newer run", sessions[0].(map[string]any)["wish"])
	}
}

// =============================================================================
// Session Detail
// =============================================================================

func TestSessionDetail_ConfirmedNodesOnly(t *testing.T) {
	env := newTestEnv(t)
	sess, root := env.seedGame(t, "player1", "wish")
	confirmed := env.seedChild(t, sess.ID, root.ID, "习武", false)
	env.seedChild(t, sess.ID, root.ID, "读书", true)

	w := env.do(t, http.MethodGet, fmt.Sprintf("/story/sessions/%d", sess.ID), nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	body := decodeJSON(t, w)
	nodes := body["nodes"].([]any)
	if len(nodes) != 2 {
		t.Fatalf("got %d nodes, want 2 confirmed (speculative hidden)", len(nodes))
	}

	second := nodes[1].(map[string]any)
	if int64(second["id"].(float64)) != confirmed.ID {
		t.Errorf("nodes[1].id = %v, want %d", second["id"], confirmed.ID)
	}
	if second["chapter_number"] != float64(2) {
		t.Errorf("chapter_number = %v, want position-derived 2", second["chapter_number"])
	}
	if second["user_choice"] != "习武" {
		t.Errorf("user_choice = %v", second["user_choice"])
	}
}

func TestSessionDetail_ForeignSession(t *testing.T) {
	env := newTestEnv(t)
	sess, _ := env.seedGame(t, "player1", "wish")

	w := env.do(t, http.MethodGet, fmt.Sprintf("/story/sessions/%d", sess.ID), nil, "player2")
	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
}

func TestSessionDetail_BadID(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/story/sessions/abc", nil, "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

// =============================================================================
// Resume Points
// =============================================================================

func TestSessionLatest(t *testing.T) {
	env := newTestEnv(t)
	sess, root := env.seedGame(t, "player1", "wish")
	latest := env.seedChild(t, sess.ID, root.ID, "习武", false)

	w := env.do(t, http.MethodGet, fmt.Sprintf("/story/sessions/%d/latest", sess.ID), nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	body := decodeJSON(t, w)
	if int64(body["node_id"].(float64)) != latest.ID {
		t.Errorf("node_id = %v, want %d", body["node_id"], latest.ID)
	}
}

func TestSessionLatest_ForeignReadsAsNotFound(t *testing.T) {
	env := newTestEnv(t)
	sess, _ := env.seedGame(t, "player1", "wish")

	w := env.do(t, http.MethodGet, fmt.Sprintf("/story/sessions/%d/latest", sess.ID), nil, "player2")
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 (never 403) for a foreign session", w.Code)
	}
}

func TestLatest_PicksFurthestRun(t *testing.T) {
	env := newTestEnv(t)
	env.seedGame(t, "player1", "wish-short")
	sess, root := env.seedGame(t, "player1", "wish-long")
	a := env.seedChild(t, sess.ID, root.ID, "习武", false)
	deepest := env.seedChild(t, sess.ID, a.ID, "出山", false)

	w := env.do(t, http.MethodGet, "/story/latest", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	body := decodeJSON(t, w)
	if int64(body["node_id"].(float64)) != deepest.ID {
		t.Errorf("node_id = %v, want deepest node %d", body["node_id"], deepest.ID)
	}
	if int64(body["session_id"].(float64)) != sess.ID {
		t.Errorf("session_id = %v, want furthest session %d", body["session_id"], sess.ID)
	}
}

func TestLatest_NoRuns(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/story/latest", nil, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

// =============================================================================
// Metrics
// =============================================================================

func TestStoryMetrics_OmitsLLMBlockWhenUnwired(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/story/metrics", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	body := decodeJSON(t, w)
	spec, ok := body["speculation"].(map[string]any)
	if !ok {
		t.Fatalf("speculation block missing: %v", body)
	}
	if spec["enabled"] != true {
		t.Errorf("speculation.enabled = %v", spec["enabled"])
	}
	if _, present := body["llm"]; present {
		t.Error("llm block must be omitted when no adapter is wired")
	}
}
