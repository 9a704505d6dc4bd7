// Copyright (C) 2025 SamsaraWorks (dev@samsaraworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// This file contains the chronicle endpoints: the player's run list,
// full session readouts, and the resume points.
package handlers

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/SamsaraWorks/RebirthBackend/services/story/datatypes"
	"github.com/SamsaraWorks/RebirthBackend/services/story/storyerr"
)

// pathID parses a positive int64 path parameter.
func pathID(c *gin.Context, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s: %w", name, storyerr.ErrInvalidInput)
	}
	return id, nil
}

// ListSessions returns the caller's runs, newest first.
func (h *Handlers) ListSessions() gin.HandlerFunc {
	return func(c *gin.Context) {
		info, ok := h.currentUser(c)
		if !ok {
			return
		}

		sessions, err := h.store.ListSessionsForUser(c.Request.Context(), info.UserID)
		if err != nil {
			respondError(c, err, "list_sessions")
			return
		}

		out := make([]datatypes.SessionSummary, 0, len(sessions))
		for _, s := range sessions {
			out = append(out, datatypes.SessionSummary{
				ID:        s.ID,
				Wish:      s.Wish,
				CreatedAt: s.CreatedAt,
			})
		}
		c.JSON(http.StatusOK, gin.H{"sessions": out})
	}
}

// SessionDetail returns one run with its confirmed nodes in play order.
// Chapter numbers come from the position in the confirmed chain, so a
// run that was rewound renumbers cleanly.
func (h *Handlers) SessionDetail() gin.HandlerFunc {
	return func(c *gin.Context) {
		info, ok := h.currentUser(c)
		if !ok {
			return
		}
		sessionID, err := pathID(c, "id")
		if err != nil {
			respondError(c, err, "session_detail")
			return
		}
		ctx := c.Request.Context()

		sess, err := h.store.GetSessionForUser(ctx, info.UserID, sessionID)
		if err != nil {
			respondError(c, err, "session_detail")
			return
		}
		history, err := h.store.GetSessionHistory(ctx, sess.ID)
		if err != nil {
			respondError(c, err, "session_detail")
			return
		}

		nodes := make([]datatypes.NodeDetail, 0, len(history))
		for i, n := range history {
			seg := renderSegment(&n, i+1)
			nodes = append(nodes, datatypes.NodeDetail{
				ID:            n.ID,
				StoryText:     seg.Text,
				ImageURL:      seg.ImageURL,
				UserChoice:    n.UserChoice,
				Choices:       seg.Choices,
				ChapterNumber: i + 1,
			})
		}

		c.JSON(http.StatusOK, datatypes.SessionDetail{
			ID:        sess.ID,
			Wish:      sess.Wish,
			CreatedAt: sess.CreatedAt,
			Nodes:     nodes,
		})
	}
}

// SessionLatest returns the newest node of one owned session, the resume
// point for "continue this run".
func (h *Handlers) SessionLatest() gin.HandlerFunc {
	return func(c *gin.Context) {
		info, ok := h.currentUser(c)
		if !ok {
			return
		}
		sessionID, err := pathID(c, "id")
		if err != nil {
			respondError(c, err, "session_latest")
			return
		}
		ctx := c.Request.Context()

		node, err := h.store.GetLatestNodeInSession(ctx, info.UserID, sessionID)
		if err != nil {
			respondError(c, err, "session_latest")
			return
		}
		c.JSON(http.StatusOK, renderSegment(node, h.chapterNumberOf(ctx, node)))
	}
}

// Latest returns the resume point of the caller's furthest run: the
// newest node of the session with the most nodes.
func (h *Handlers) Latest() gin.HandlerFunc {
	return func(c *gin.Context) {
		info, ok := h.currentUser(c)
		if !ok {
			return
		}
		ctx := c.Request.Context()

		node, err := h.store.GetDeepestNodeForUser(ctx, info.UserID)
		if err != nil {
			respondError(c, err, "latest")
			return
		}
		c.JSON(http.StatusOK, renderSegment(node, h.chapterNumberOf(ctx, node)))
	}
}
