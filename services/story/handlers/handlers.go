// Copyright (C) 2025 SamsaraWorks (dev@samsaraworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers implements the HTTP endpoints of the story service.
//
// # Description
//
// The interactive endpoints (prepare_start, start, continue, retry) drive
// the game loop; the chronicle and save endpoints are the read side; the
// metrics and watch endpoints expose the speculation machinery. Handlers
// own three cross-cutting duties the lower layers must be able to rely
// on:
//
//   - Ownership: every session and save access is checked against the
//     authenticated user before any state is touched.
//   - Sanitization: every StorySegment leaves through renderSegment, the
//     single chokepoint that strips the hidden effect map and nulls all
//     scoring fields.
//   - Speculation wiring: every confirmed node re-enqueues expansion so
//     the frontier stays pre-generated.
//
// # Error Mapping
//
// Handlers translate storyerr sentinels to HTTP statuses via respondError;
// nothing below this package writes a response.
package handlers

import (
	"context"
	"errors"
	"log/slog"

	"github.com/gin-gonic/gin"

	"github.com/SamsaraWorks/RebirthBackend/pkg/extensions"
	"github.com/SamsaraWorks/RebirthBackend/services/story/config"
	"github.com/SamsaraWorks/RebirthBackend/services/story/datatypes"
	"github.com/SamsaraWorks/RebirthBackend/services/story/engine"
	"github.com/SamsaraWorks/RebirthBackend/services/story/llm"
	"github.com/SamsaraWorks/RebirthBackend/services/story/middleware"
	"github.com/SamsaraWorks/RebirthBackend/services/story/moderation"
	"github.com/SamsaraWorks/RebirthBackend/services/story/priming"
	"github.com/SamsaraWorks/RebirthBackend/services/story/speculation"
	"github.com/SamsaraWorks/RebirthBackend/services/story/store"
	"github.com/SamsaraWorks/RebirthBackend/services/story/storyerr"
)

// =============================================================================
// Dependency Interfaces
// =============================================================================

// StoryEngine is the slice of the engine the handlers call. The concrete
// *engine.Engine satisfies it; tests substitute canned payloads.
type StoryEngine interface {
	PrepareSynopsis(ctx context.Context, wish string) (*datatypes.PrepareStartResponse, error)
	StartStory(ctx context.Context, wish string) (*datatypes.NodePayload, error)
	ContinueStory(ctx context.Context, p engine.ContinueParams) (*datatypes.NodePayload, error)
}

// Expander is the scheduler surface the handlers touch.
type Expander interface {
	Enqueue(sessionID, nodeID int64, depth int)
	IsChoiceGenerating(sessionID, parentID int64, choice string) bool
	Stats() speculation.Snapshot
}

// LLMStats reports adapter counters for the JSON metrics endpoint.
type LLMStats interface {
	Stats() llm.Stats
}

// WishChecker screens wishes. *moderation.Checker satisfies it.
type WishChecker interface {
	Check(ctx context.Context, wish string) moderation.Result
}

var (
	_ StoryEngine = (*engine.Engine)(nil)
	_ Expander    = (*speculation.Scheduler)(nil)
)

// =============================================================================
// Handler Set
// =============================================================================

// Handlers carries the shared dependencies of every endpoint.
type Handlers struct {
	store     store.Store
	engine    StoryEngine
	scheduler Expander
	cache     *priming.Cache
	checker   WishChecker
	llmStats  LLMStats
	cfg       config.Config
}

// New builds the handler set. checker and llmStats may be nil: check_wish
// then runs the local tier only, and the metrics endpoint omits the llm
// block.
func New(st store.Store, eng StoryEngine, sched Expander, cache *priming.Cache,
	checker WishChecker, llmStats LLMStats, cfg config.Config) *Handlers {

	return &Handlers{
		store:     st,
		engine:    eng,
		scheduler: sched,
		cache:     cache,
		checker:   checker,
		llmStats:  llmStats,
		cfg:       cfg.WithDefaults(),
	}
}

// =============================================================================
// Identity
// =============================================================================

// currentUser returns the authenticated identity or writes a 401. The
// auth middleware normally guarantees presence; the nil check guards
// routes wired without it.
func (h *Handlers) currentUser(c *gin.Context) (*extensions.AuthInfo, bool) {
	info := middleware.GetAuthInfo(c)
	if info == nil {
		c.JSON(401, gin.H{"error": "not authenticated"})
		return nil, false
	}
	return info, true
}

// ensureUser maps the authenticated subject onto a users row, creating
// it on first contact. Interactive endpoints call this before creating
// sessions so the foreign key always resolves.
func (h *Handlers) ensureUser(ctx context.Context, info *extensions.AuthInfo) (*store.User, error) {
	return h.store.EnsureUser(ctx, info.UserID, info.Email)
}

// =============================================================================
// Segment Rendering (sanitization chokepoint)
// =============================================================================

// renderSegment converts a persisted node into the client-facing shape.
//
// This is the only place StorySegments are built. The metadata is
// sanitized (hidden effect map stripped, hide_success_rate forced on),
// the chapter number is overwritten with the freshly computed one, and
// every scoring field — per-choice deltas, risk levels, tags, and the
// top-level success rate — is nulled regardless of what the row holds.
func renderSegment(node *store.Node, chapterNumber int) datatypes.StorySegment {
	meta := node.Metadata.Sanitized()
	if chapterNumber > 0 {
		meta.ChapterNumber = chapterNumber
	}

	choices := make([]datatypes.DisplayChoice, 0, len(node.Choices))
	for _, ch := range node.Choices {
		choices = append(choices, datatypes.DisplayChoice{
			Option:  ch.Option,
			Summary: ch.Summary,
		})
	}

	return datatypes.StorySegment{
		SessionID: node.SessionID,
		NodeID:    node.ID,
		Text:      node.StoryText,
		Choices:   choices,
		ImageURL:  node.ImageURL,
		Metadata:  meta,
	}
}

// chapterNumberOf recomputes the 1-based chapter number, falling back to
// the stored metadata value when the walk fails.
func (h *Handlers) chapterNumberOf(ctx context.Context, node *store.Node) int {
	n, err := h.store.CalculateChapterNumber(ctx, node.SessionID, node.ID)
	if err != nil {
		slog.Warn("Chapter number walk failed, using stored value",
			"node_id", node.ID, "error", err)
		return node.Metadata.ChapterNumber
	}
	return n
}

// =============================================================================
// Error Responses
// =============================================================================

// respondError maps a storyerr kind to its HTTP status with a short
// human reason. Unknown errors become a generic 500; the original is
// logged, never echoed.
func respondError(c *gin.Context, err error, op string) {
	status := storyerr.HTTPStatus(err)
	if status >= 500 {
		slog.Error("Request failed", "op", op, "path", c.FullPath(), "error", err)
	} else {
		slog.Info("Request rejected", "op", op, "path", c.FullPath(), "status", status, "error", err)
	}

	reason := "internal error"
	switch {
	case errors.Is(err, storyerr.ErrInvalidInput):
		reason = "invalid input"
	case errors.Is(err, storyerr.ErrForbidden):
		reason = "forbidden"
	case errors.Is(err, storyerr.ErrNotFound):
		reason = "not found"
	case errors.Is(err, storyerr.ErrInvalidModelOutput):
		reason = "the storyteller produced an unusable reply, please retry"
	case errors.Is(err, storyerr.ErrLLMUnavailable):
		reason = "the storyteller is unavailable, please retry shortly"
	}
	c.JSON(status, gin.H{"error": reason})
}
