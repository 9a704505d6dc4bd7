// Copyright (C) 2025 SamsaraWorks (dev@samsaraworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// This file contains the save-bookmark endpoints.
package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/SamsaraWorks/RebirthBackend/services/story/datatypes"
	"github.com/SamsaraWorks/RebirthBackend/services/story/store"
	"github.com/SamsaraWorks/RebirthBackend/services/story/storyerr"
)

func saveSummaryOf(s *store.Save) datatypes.SaveSummary {
	return datatypes.SaveSummary{
		ID:        s.ID,
		SessionID: s.SessionID,
		NodeID:    s.NodeID,
		Title:     s.Title,
		Status:    s.Status,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
}

// CreateSave bookmarks a node in one of the caller's sessions.
func (h *Handlers) CreateSave() gin.HandlerFunc {
	return func(c *gin.Context) {
		info, ok := h.currentUser(c)
		if !ok {
			return
		}

		var req datatypes.CreateSaveRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, fmt.Errorf("%s: %w", err.Error(), storyerr.ErrInvalidInput), "create_save")
			return
		}
		if err := req.Validate(); err != nil {
			respondError(c, fmt.Errorf("%s: %w", err.Error(), storyerr.ErrInvalidInput), "create_save")
			return
		}

		save, err := h.store.CreateSave(c.Request.Context(), info.UserID, req)
		if err != nil {
			respondError(c, err, "create_save")
			return
		}
		c.JSON(http.StatusCreated, saveSummaryOf(save))
	}
}

// ListSaves returns the caller's bookmarks, optionally filtered by a
// ?status= value. An unknown status is rejected rather than silently
// matching nothing.
func (h *Handlers) ListSaves() gin.HandlerFunc {
	return func(c *gin.Context) {
		info, ok := h.currentUser(c)
		if !ok {
			return
		}

		status := c.Query("status")
		if status != "" && !datatypes.ValidSaveStatus(status) {
			respondError(c, fmt.Errorf("unknown save status %q: %w", status, storyerr.ErrInvalidInput), "list_saves")
			return
		}

		saves, err := h.store.ListSaves(c.Request.Context(), info.UserID, status)
		if err != nil {
			respondError(c, err, "list_saves")
			return
		}

		out := make([]datatypes.SaveSummary, 0, len(saves))
		for _, s := range saves {
			out = append(out, saveSummaryOf(&s))
		}
		c.JSON(http.StatusOK, gin.H{"saves": out})
	}
}

// GetSave returns one bookmark with the saved node rendered as a
// segment, ready for the client to resume from.
func (h *Handlers) GetSave() gin.HandlerFunc {
	return func(c *gin.Context) {
		info, ok := h.currentUser(c)
		if !ok {
			return
		}
		saveID, err := pathID(c, "id")
		if err != nil {
			respondError(c, err, "get_save")
			return
		}
		ctx := c.Request.Context()

		save, err := h.store.GetSave(ctx, info.UserID, saveID)
		if err != nil {
			respondError(c, err, "get_save")
			return
		}
		node, err := h.store.GetNode(ctx, save.NodeID)
		if err != nil {
			respondError(c, err, "get_save")
			return
		}

		c.JSON(http.StatusOK, datatypes.SaveDetail{
			SaveSummary: saveSummaryOf(save),
			Node:        renderSegment(node, h.chapterNumberOf(ctx, node)),
		})
	}
}

// UpdateSave patches a bookmark's title or status.
func (h *Handlers) UpdateSave() gin.HandlerFunc {
	return func(c *gin.Context) {
		info, ok := h.currentUser(c)
		if !ok {
			return
		}
		saveID, err := pathID(c, "id")
		if err != nil {
			respondError(c, err, "update_save")
			return
		}

		var req datatypes.UpdateSaveRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, fmt.Errorf("%s: %w", err.Error(), storyerr.ErrInvalidInput), "update_save")
			return
		}
		if err := req.Validate(); err != nil {
			respondError(c, fmt.Errorf("%s: %w", err.Error(), storyerr.ErrInvalidInput), "update_save")
			return
		}

		save, err := h.store.UpdateSave(c.Request.Context(), info.UserID, saveID, req)
		if err != nil {
			respondError(c, err, "update_save")
			return
		}
		c.JSON(http.StatusOK, saveSummaryOf(save))
	}
}

// DeleteSave removes a bookmark. The story nodes it pointed at are
// untouched.
func (h *Handlers) DeleteSave() gin.HandlerFunc {
	return func(c *gin.Context) {
		info, ok := h.currentUser(c)
		if !ok {
			return
		}
		saveID, err := pathID(c, "id")
		if err != nil {
			respondError(c, err, "delete_save")
			return
		}

		if err := h.store.DeleteSave(c.Request.Context(), info.UserID, saveID); err != nil {
			respondError(c, err, "delete_save")
			return
		}
		c.JSON(http.StatusOK, gin.H{"deleted": saveID})
	}
}
