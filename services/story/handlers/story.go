// Copyright (C) 2025 SamsaraWorks (dev@samsaraworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// This file contains the interactive endpoints: check_wish,
// prepare_start, start, continue, and retry.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/SamsaraWorks/RebirthBackend/pkg/extensions"
	"github.com/SamsaraWorks/RebirthBackend/services/story/datatypes"
	"github.com/SamsaraWorks/RebirthBackend/services/story/engine"
	"github.com/SamsaraWorks/RebirthBackend/services/story/moderation"
	"github.com/SamsaraWorks/RebirthBackend/services/story/observability"
	"github.com/SamsaraWorks/RebirthBackend/services/story/priming"
	"github.com/SamsaraWorks/RebirthBackend/services/story/store"
	"github.com/SamsaraWorks/RebirthBackend/services/story/storyerr"
)

// startCachePollInterval paces the priming-cache poll inside start.
const startCachePollInterval = 400 * time.Millisecond

// raceWaitInterval paces the continue endpoint's wait on an in-flight
// speculative generation of the requested choice.
const raceWaitInterval = 300 * time.Millisecond

// =============================================================================
// Check Wish
// =============================================================================

// CheckWish screens a wish before the synopsis screen. The verdict is
// advisory — prepare_start re-checks nothing — but every verdict is
// persisted to the moderation log.
func (h *Handlers) CheckWish() gin.HandlerFunc {
	return func(c *gin.Context) {
		info, ok := h.currentUser(c)
		if !ok {
			return
		}

		var req datatypes.WishRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, fmt.Errorf("%s: %w", err.Error(), storyerr.ErrInvalidInput), "check_wish")
			return
		}

		var result moderation.Result
		if h.checker != nil {
			result = h.checker.Check(c.Request.Context(), req.Wish)
		} else {
			result = moderation.CheckBasic(req.Wish)
		}

		userID := info.UserID
		if err := h.store.RecordWishModeration(c.Request.Context(), &userID,
			req.Wish, result.Status(), result.Reason); err != nil {
			slog.Warn("Failed to persist moderation record", "error", err)
		}

		c.JSON(http.StatusOK, datatypes.CheckWishResponse{OK: result.OK, Reason: result.Reason})
	}
}

// =============================================================================
// Prepare Start
// =============================================================================

// PrepareStart returns the synopsis after one model round-trip and kicks
// off root generation in the background. By the time the player reads
// the title card and presses start, the opening scene is usually primed.
func (h *Handlers) PrepareStart() gin.HandlerFunc {
	return func(c *gin.Context) {
		info, ok := h.currentUser(c)
		if !ok {
			return
		}

		var req datatypes.WishRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, fmt.Errorf("%s: %w", err.Error(), storyerr.ErrInvalidInput), "prepare_start")
			return
		}
		if err := req.Validate(); err != nil {
			respondError(c, fmt.Errorf("%s: %w", err.Error(), storyerr.ErrInvalidInput), "prepare_start")
			return
		}
		wish := strings.TrimSpace(req.Wish)

		synopsis, err := h.engine.PrepareSynopsis(c.Request.Context(), wish)
		if err != nil {
			respondError(c, err, "prepare_start")
			return
		}

		// The background task outlives the request; it must not inherit
		// the request context or gin would cancel it mid-generation.
		go h.primeOpening(context.Background(), info, wish)

		c.JSON(http.StatusOK, synopsis)
	}
}

// primeOpening is the prepare_start background task: reuse or create the
// session, reuse or generate the root, park the mapping in the priming
// cache, and pre-expand to one level short of the maximum (start tops up
// the last level). Failures remove the cache key so the player's start
// call falls through to the synchronous path without noticing.
func (h *Handlers) primeOpening(ctx context.Context, info *extensions.AuthInfo, wish string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Opening primer panicked", "wish", wish, "panic", r)
			h.cache.Remove(info.UserID, wish)
		}
	}()

	sess, root, err := h.openingFor(ctx, info, wish)
	if err != nil {
		slog.Warn("Opening primer failed", "wish", wish, "error", err)
		h.cache.Remove(info.UserID, wish)
		return
	}

	h.cache.Store(info.UserID, wish, priming.Entry{
		SessionID:  sess.ID,
		RootNodeID: root.ID,
		CreatedAt:  time.Now().UTC(),
	})
	h.scheduler.Enqueue(sess.ID, root.ID, h.cfg.SpeculationMaxDepth-1)
	slog.Info("Opening primed", "session_id", sess.ID, "root_id", root.ID)
}

// openingFor resolves (user, wish) to a session and its root node,
// generating and persisting the root when the session has none yet.
// Shared by the primer and the synchronous start fallback.
func (h *Handlers) openingFor(ctx context.Context, info *extensions.AuthInfo, wish string) (*store.Session, *store.Node, error) {
	user, err := h.ensureUser(ctx, info)
	if err != nil {
		return nil, nil, err
	}
	sess, err := h.store.CreateSession(ctx, user.ID, wish)
	if err != nil {
		return nil, nil, err
	}

	// Replaying a wish resumes the same session; reuse its root.
	if history, err := h.store.GetSessionHistory(ctx, sess.ID); err == nil && len(history) > 0 {
		return sess, &history[0], nil
	}

	payload, err := h.engine.StartStory(ctx, wish)
	if err != nil {
		return nil, nil, err
	}
	root, err := h.store.CreateNode(ctx, store.NodeSpec{
		SessionID: sess.ID,
		Payload:   *payload,
	})
	if errors.Is(err, storyerr.ErrDuplicateChild) {
		// A concurrent start created the root first.
		if history, herr := h.store.GetSessionHistory(ctx, sess.ID); herr == nil && len(history) > 0 {
			return sess, &history[0], nil
		}
	}
	if err != nil {
		return nil, nil, err
	}
	return sess, root, nil
}

// =============================================================================
// Start
// =============================================================================

// Start serves the opening scene. It polls the priming cache up to the
// configured budget before generating synchronously; either way the
// response is the session root rendered as a segment, and speculation is
// enqueued at full depth.
func (h *Handlers) Start() gin.HandlerFunc {
	return func(c *gin.Context) {
		info, ok := h.currentUser(c)
		if !ok {
			return
		}

		var req datatypes.WishRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, fmt.Errorf("%s: %w", err.Error(), storyerr.ErrInvalidInput), "start")
			return
		}
		if err := req.Validate(); err != nil {
			respondError(c, fmt.Errorf("%s: %w", err.Error(), storyerr.ErrInvalidInput), "start")
			return
		}
		wish := strings.TrimSpace(req.Wish)
		ctx := c.Request.Context()

		var root *store.Node
		entry, hit := h.cache.PopWait(ctx, info.UserID, wish,
			time.Duration(h.cfg.StartCacheWaitSeconds)*time.Second, startCachePollInterval)
		if hit {
			node, err := h.store.GetNode(ctx, entry.RootNodeID)
			if err != nil {
				slog.Warn("Primed root vanished, regenerating", "root_id", entry.RootNodeID, "error", err)
			} else {
				root = node
			}
		}

		if root == nil {
			_, node, err := h.openingFor(ctx, info, wish)
			if err != nil {
				respondError(c, err, "start")
				return
			}
			root = node
		}

		root, _ = h.waitForNodeComplete(ctx, root)
		h.scheduler.Enqueue(root.SessionID, root.ID, h.cfg.SpeculationMaxDepth)

		c.JSON(http.StatusOK, renderSegment(root, 1))
	}
}

// =============================================================================
// Continue
// =============================================================================

// Continue advances the story down one choice.
//
// The state machine: validate the request, check session ownership and
// parentage, wait out any speculative worker already generating this
// exact child, then either promote the existing child or generate
// inline under the (session, parent, choice) uniqueness constraint.
func (h *Handlers) Continue() gin.HandlerFunc {
	return func(c *gin.Context) {
		info, ok := h.currentUser(c)
		if !ok {
			return
		}

		var req datatypes.ContinueRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, fmt.Errorf("%s: %w", err.Error(), storyerr.ErrInvalidInput), "continue")
			return
		}
		if err := req.Validate(); err != nil {
			respondError(c, fmt.Errorf("%s: %w", err.Error(), storyerr.ErrInvalidInput), "continue")
			return
		}
		choice := strings.TrimSpace(req.Choice)
		if choice == "" {
			respondError(c, fmt.Errorf("empty choice: %w", storyerr.ErrInvalidInput), "continue")
			return
		}
		ctx := c.Request.Context()

		sess, err := h.store.GetSessionForUser(ctx, info.UserID, req.SessionID)
		if err != nil {
			respondError(c, err, "continue")
			return
		}
		parent, err := h.store.GetNodeInSession(ctx, sess.ID, req.NodeID)
		if err != nil {
			respondError(c, err, "continue")
			return
		}

		h.awaitSpeculativeRace(ctx, sess.ID, parent.ID, choice)

		child, err := h.store.GetChildByParentAndChoice(ctx, sess.ID, parent.ID, choice)
		if err != nil {
			respondError(c, err, "continue")
			return
		}
		if child != nil {
			h.recordSpeculationHit(true)
			h.serveChild(c, sess, child)
			return
		}
		h.recordSpeculationHit(false)

		child, err = h.generateChildInline(ctx, sess, parent, choice)
		if err != nil {
			respondError(c, err, "continue")
			return
		}
		h.serveChild(c, sess, child)
	}
}

// awaitSpeculativeRace parks the request while a speculation worker is
// generating this exact (parent, choice). Bounded: past the budget the
// handler falls through to inline generation, which the uniqueness
// constraint keeps safe even if the worker lands first.
func (h *Handlers) awaitSpeculativeRace(ctx context.Context, sessionID, parentID int64, choice string) {
	if !h.scheduler.IsChoiceGenerating(sessionID, parentID, choice) {
		return
	}
	deadline := time.Now().Add(time.Duration(h.cfg.ContinueRaceWaitSeconds) * time.Second)
	slog.Debug("Waiting on speculative generation of chosen branch",
		"session_id", sessionID, "parent_id", parentID, "choice", choice)

	for h.scheduler.IsChoiceGenerating(sessionID, parentID, choice) {
		if time.Now().After(deadline) {
			slog.Warn("Speculative race wait exceeded budget, generating inline",
				"session_id", sessionID, "parent_id", parentID, "choice", choice)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(raceWaitInterval):
		}
	}
}

// serveChild finalizes a speculative child, waits for readiness, keeps
// the frontier expanded, and writes the segment.
func (h *Handlers) serveChild(c *gin.Context, sess *store.Session, child *store.Node) {
	ctx := c.Request.Context()

	if child.IsSpeculative {
		if err := h.store.FinalizeSpeculative(ctx, child.ID); err != nil {
			respondError(c, err, "continue")
			return
		}
		child.IsSpeculative = false
		child.SpeculativeDepth = nil
	}

	child, _ = h.waitForNodeComplete(ctx, child)
	h.scheduler.Enqueue(sess.ID, child.ID, h.cfg.SpeculationMaxDepth)

	c.JSON(http.StatusOK, renderSegment(child, h.chapterNumberOf(ctx, child)))
}

// generateChildInline produces the child on the interactive path. The
// model call runs outside any transaction; the persist happens inside a
// short one that locks the parent row and double-checks for a concurrent
// winner before inserting.
func (h *Handlers) generateChildInline(ctx context.Context, sess *store.Session, parent *store.Node, choice string) (*store.Node, error) {
	path, err := h.store.GetNodePath(ctx, parent.ID)
	if err != nil {
		return nil, err
	}
	parentChapter, err := h.store.CalculateChapterNumber(ctx, sess.ID, parent.ID)
	if err != nil {
		parentChapter = parent.Metadata.ChapterNumber
	}

	payload, err := h.engine.ContinueStory(ctx, engine.ContinueParams{
		Wish:          sess.Wish,
		History:       engine.BuildStoryHistory(path),
		Choice:        choice,
		ChoiceSummary: engine.SummaryForChoice(parent.Choices, choice),
		ChapterNumber: parentChapter + 1,
		ParentMeta:    parent.Metadata,
	})
	if err != nil {
		return nil, err
	}

	tx, err := h.store.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := h.store.LockNodeForUpdate(ctx, tx, parent.ID); err != nil {
		return nil, err
	}

	// Double-check inside the lock: a speculative worker may have landed
	// the child between our read and the lock acquisition.
	winner, err := h.store.GetChildByParentAndChoiceTx(ctx, tx, sess.ID, parent.ID, choice)
	if err != nil {
		return nil, err
	}
	if winner != nil {
		if cerr := tx.Commit(); cerr != nil {
			return nil, cerr
		}
		return winner, nil
	}

	child, err := h.store.CreateNodeTx(ctx, tx, store.NodeSpec{
		SessionID:  sess.ID,
		ParentID:   &parent.ID,
		UserChoice: &choice,
		Payload:    *payload,
	})
	if err == nil {
		err = tx.Commit()
	}
	if errors.Is(err, storyerr.ErrDuplicateChild) || isSerializationLoss(err) {
		// Another actor created this child first; their row wins.
		winner, werr := h.store.GetChildByParentAndChoice(ctx, sess.ID, parent.ID, choice)
		if werr != nil {
			return nil, werr
		}
		if winner == nil {
			return nil, fmt.Errorf("winning child missing after collision: %w", storyerr.ErrNotFound)
		}
		return winner, nil
	}
	if err != nil {
		return nil, err
	}
	return child, nil
}

// isSerializationLoss recognizes commit-time losses on backends that
// surface unique violations only at COMMIT.
func isSerializationLoss(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique")
}

// =============================================================================
// Retry
// =============================================================================

// Retry re-serves a node after demoting every descendant to speculative.
// Nothing is deleted: revisiting a previously explored path later reuses
// the demoted nodes without new model calls.
func (h *Handlers) Retry() gin.HandlerFunc {
	return func(c *gin.Context) {
		info, ok := h.currentUser(c)
		if !ok {
			return
		}

		var req datatypes.RetryRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, fmt.Errorf("%s: %w", err.Error(), storyerr.ErrInvalidInput), "retry")
			return
		}
		ctx := c.Request.Context()

		node, err := h.store.GetNode(ctx, req.NodeID)
		if err != nil {
			respondError(c, err, "retry")
			return
		}
		if _, err := h.store.GetSessionForUser(ctx, info.UserID, node.SessionID); err != nil {
			respondError(c, err, "retry")
			return
		}

		node, err = h.store.PruneAfterNode(ctx, node.ID, h.cfg.SpeculationMaxDepth-1)
		if err != nil {
			respondError(c, err, "retry")
			return
		}

		c.JSON(http.StatusOK, renderSegment(node, h.chapterNumberOf(ctx, node)))
	}
}

// =============================================================================
// Metric Helpers
// =============================================================================

func (h *Handlers) recordSpeculationHit(hit bool) {
	if m := observability.DefaultMetrics; m != nil {
		m.RecordSpeculationHit(hit)
	}
}
