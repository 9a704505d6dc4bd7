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

	"github.com/SamsaraWorks/RebirthBackend/services/story/datatypes"
)

func TestCreateSave_HTTP(t *testing.T) {
	env := newTestEnv(t)
	sess, root := env.seedGame(t, "player1", "重生为霍去病")

	w := env.do(t, http.MethodPost, "/story/saves", datatypes.CreateSaveRequest{
		SessionID: sess.ID,
		NodeID:    root.ID,
	}, "")
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	body := decodeJSON(t, w)
	if body["title"] != "重生为霍去病" {
		t.Errorf("title = %v, want the wish as default", body["title"])
	}
	if body["status"] != datatypes.SaveStatusActive {
		t.Errorf("status = %v, want active", body["status"])
	}
}

func TestCreateSave_ForeignSession(t *testing.T) {
	env := newTestEnv(t)
	sess, root := env.seedGame(t, "player1", "wish")
	env.seedGame(t, "player2", "wish")

	w := env.do(t, http.MethodPost, "/story/saves", datatypes.CreateSaveRequest{
		SessionID: sess.ID,
		NodeID:    root.ID,
	}, "player2")
	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
}

func TestListSaves_RejectsUnknownStatusFilter(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/story/saves?status=paused", nil, "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}

	w = env.do(t, http.MethodGet, "/story/saves", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	body := decodeJSON(t, w)
	if saves := body["saves"].([]any); len(saves) != 0 {
		t.Errorf("saves = %v, want empty list", saves)
	}
}

func TestGetSave_ReturnsRenderedNode(t *testing.T) {
	env := newTestEnv(t)
	sess, root := env.seedGame(t, "player1", "wish")

	w := env.do(t, http.MethodPost, "/story/saves", datatypes.CreateSaveRequest{
		SessionID: sess.ID, NodeID: root.ID, Title: "第一章",
	}, "")
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d", w.Code)
	}
	saveID := int64(decodeJSON(t, w)["id"].(float64))

	w = env.do(t, http.MethodGet, fmt.Sprintf("/story/saves/%d", saveID), nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	body := decodeJSON(t, w)
	node := body["node"].(map[string]any)
	if int64(node["node_id"].(float64)) != root.ID {
		t.Errorf("node.node_id = %v, want %d", node["node_id"], root.ID)
	}
	// The embedded node goes through the same sanitization as live play.
	if node["success_rate"] != nil {
		t.Errorf("node.success_rate = %v, want null", node["success_rate"])
	}
	if node["metadata"].(map[string]any)["hide_success_rate"] != true {
		t.Error("embedded node must be sanitized")
	}
}

func TestUpdateSave_HTTP(t *testing.T) {
	env := newTestEnv(t)
	sess, root := env.seedGame(t, "player1", "wish")

	w := env.do(t, http.MethodPost, "/story/saves", datatypes.CreateSaveRequest{
		SessionID: sess.ID, NodeID: root.ID,
	}, "")
	saveID := int64(decodeJSON(t, w)["id"].(float64))

	completed := datatypes.SaveStatusCompleted
	w = env.do(t, http.MethodPatch, fmt.Sprintf("/story/saves/%d", saveID),
		datatypes.UpdateSaveRequest{Status: &completed}, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if decodeJSON(t, w)["status"] != completed {
		t.Errorf("status not updated: %s", w.Body.String())
	}

	// An empty patch is a client error, not a silent no-op.
	w = env.do(t, http.MethodPatch, fmt.Sprintf("/story/saves/%d", saveID),
		datatypes.UpdateSaveRequest{}, "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty patch status = %d, want 400", w.Code)
	}
}

func TestDeleteSave_HTTP(t *testing.T) {
	env := newTestEnv(t)
	sess, root := env.seedGame(t, "player1", "wish")

	w := env.do(t, http.MethodPost, "/story/saves", datatypes.CreateSaveRequest{
		SessionID: sess.ID, NodeID: root.ID,
	}, "")
	saveID := int64(decodeJSON(t, w)["id"].(float64))

	w = env.do(t, http.MethodDelete, fmt.Sprintf("/story/saves/%d", saveID), nil, "player2")
	if w.Code != http.StatusNotFound {
		t.Errorf("foreign delete status = %d, want 404", w.Code)
	}

	w = env.do(t, http.MethodDelete, fmt.Sprintf("/story/saves/%d", saveID), nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	w = env.do(t, http.MethodGet, fmt.Sprintf("/story/saves/%d", saveID), nil, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("read after delete status = %d, want 404", w.Code)
	}
}
