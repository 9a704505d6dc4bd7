// Copyright (C) 2025 SamsaraWorks (dev@samsaraworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/SamsaraWorks/RebirthBackend/pkg/extensions"
	"github.com/SamsaraWorks/RebirthBackend/services/story/config"
	"github.com/SamsaraWorks/RebirthBackend/services/story/datatypes"
	"github.com/SamsaraWorks/RebirthBackend/services/story/engine"
	"github.com/SamsaraWorks/RebirthBackend/services/story/middleware"
	"github.com/SamsaraWorks/RebirthBackend/services/story/priming"
	"github.com/SamsaraWorks/RebirthBackend/services/story/speculation"
	"github.com/SamsaraWorks/RebirthBackend/services/story/store"
)

// testUserHeader selects the authenticated identity per request so
// ownership tests can impersonate a second player.
const testUserHeader = "X-Test-User"

// =============================================================================
// Fakes
// =============================================================================

// fakeEngine serves canned payloads and counts calls.
type fakeEngine struct {
	mu            sync.Mutex
	prepareCalls  int
	startCalls    int
	continueCalls int

	synopsis    *datatypes.PrepareStartResponse
	startOut    *datatypes.NodePayload
	continueOut *datatypes.NodePayload
	err         error
}

func (f *fakeEngine) PrepareSynopsis(ctx context.Context, wish string) (*datatypes.PrepareStartResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prepareCalls++
	if f.err != nil {
		return nil, f.err
	}
	out := *f.synopsis
	return &out, nil
}

func (f *fakeEngine) StartStory(ctx context.Context, wish string) (*datatypes.NodePayload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	if f.err != nil {
		return nil, f.err
	}
	out := *f.startOut
	return &out, nil
}

func (f *fakeEngine) ContinueStory(ctx context.Context, p engine.ContinueParams) (*datatypes.NodePayload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.continueCalls++
	if f.err != nil {
		return nil, f.err
	}
	out := *f.continueOut
	return &out, nil
}

func (f *fakeEngine) calls() (prepare, start, cont int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prepareCalls, f.startCalls, f.continueCalls
}

// fakeExpander records enqueues; nothing is ever generating unless a
// test marks it so.
type fakeExpander struct {
	mu         sync.Mutex
	enqueued   []int64
	generating map[string]bool
}

func newFakeExpander() *fakeExpander {
	return &fakeExpander{generating: make(map[string]bool)}
}

func (f *fakeExpander) Enqueue(sessionID, nodeID int64, depth int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, nodeID)
}

func (f *fakeExpander) IsChoiceGenerating(sessionID, parentID int64, choice string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.generating[fmt.Sprintf("%d/%d/%s", sessionID, parentID, choice)]
}

func (f *fakeExpander) Stats() speculation.Snapshot {
	return speculation.Snapshot{Enabled: true, MaxDepth: 2}
}

func (f *fakeExpander) enqueuedNodes() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.enqueued...)
}

// =============================================================================
// Harness
// =============================================================================

type testEnv struct {
	h      *Handlers
	store  *store.SQLStoryStore
	engine *fakeEngine
	sched  *fakeExpander
	cache  *priming.Cache
	router *gin.Engine
}

// enginePayload builds a presentable payload the fake engine can serve.
// The library image prefix keeps the readiness gate from stat-ing disk.
func enginePayload(text string, choices ...string) *datatypes.NodePayload {
	p := &datatypes.NodePayload{
		Text:     text,
		ImageURL: "/static/images/castle.png",
		Metadata: datatypes.NodeMetadata{Source: datatypes.SourceContinue},
	}
	for _, c := range choices {
		p.Choices = append(p.Choices, datatypes.DisplayChoice{Option: c, Summary: "选择" + c})
	}
	return p
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	st, err := store.NewSQLStoryStore(db, "sqlite")
	if err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	eng := &fakeEngine{
		synopsis: &datatypes.PrepareStartResponse{
			LevelTitle: "乱世枭雄",
			Background: "东汉末年",
			MainQuest:  "一统天下",
		},
		startOut:    enginePayload("开局", "习武", "读书"),
		continueOut: enginePayload("后续", "前进", "后退"),
	}
	sched := newFakeExpander()
	cache := priming.NewCache(16)

	env := &testEnv{
		store:  st,
		engine: eng,
		sched:  sched,
		cache:  cache,
	}
	env.h = New(st, eng, sched, cache, nil, nil, config.Config{
		AuthDisabled:          true,
		StartCacheWaitSeconds: 1,
		AssetsDir:             t.TempDir(),
	})

	r := gin.New()
	r.Use(func(c *gin.Context) {
		user := c.GetHeader(testUserHeader)
		if user == "" {
			user = "player1"
		}
		middleware.SetAuthInfo(c, &extensions.AuthInfo{
			UserID: user,
			Email:  user + "@example.com",
		})
	})

	story := r.Group("/story")
	story.POST("/check_wish", env.h.CheckWish())
	story.POST("/prepare_start", env.h.PrepareStart())
	story.POST("/start", env.h.Start())
	story.POST("/continue", env.h.Continue())
	story.POST("/retry", env.h.Retry())
	story.GET("/latest", env.h.Latest())
	story.GET("/sessions", env.h.ListSessions())
	story.GET("/sessions/:id", env.h.SessionDetail())
	story.GET("/sessions/:id/latest", env.h.SessionLatest())
	story.POST("/saves", env.h.CreateSave())
	story.GET("/saves", env.h.ListSaves())
	story.GET("/saves/:id", env.h.GetSave())
	story.PATCH("/saves/:id", env.h.UpdateSave())
	story.DELETE("/saves/:id", env.h.DeleteSave())
	story.GET("/metrics", env.h.StoryMetrics())
	env.router = r

	return env
}

// do performs one request as the given user ("" means player1) and
// returns the recorder.
func (env *testEnv) do(t *testing.T, method, path string, body any, user string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(testUserHeader, user)
	}
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("response is not JSON: %v\nbody: %s", err, w.Body.String())
	}
	return out
}

// seedGame creates a user, session, and confirmed root directly through
// the store.
func (env *testEnv) seedGame(t *testing.T, user, wish string) (*store.Session, *store.Node) {
	t.Helper()
	ctx := context.Background()

	u, err := env.store.EnsureUser(ctx, user, user+"@example.com")
	if err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}
	sess, err := env.store.CreateSession(ctx, u.ID, wish)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	root, err := env.store.CreateNode(ctx, store.NodeSpec{
		SessionID: sess.ID,
		Payload:   *enginePayload("开局", "习武", "读书"),
	})
	if err != nil {
		t.Fatalf("CreateNode(root): %v", err)
	}
	return sess, root
}

func (env *testEnv) seedChild(t *testing.T, sessionID, parentID int64, choice string, speculative bool) *store.Node {
	t.Helper()

	depth := 1
	spec := store.NodeSpec{
		SessionID:   sessionID,
		ParentID:    &parentID,
		UserChoice:  &choice,
		Payload:     *enginePayload("后续:"+choice, "前进", "后退"),
		Speculative: speculative,
	}
	if speculative {
		spec.Depth = &depth
	}
	child, err := env.store.CreateNode(context.Background(), spec)
	if err != nil {
		t.Fatalf("CreateNode(child): %v", err)
	}
	return child
}
