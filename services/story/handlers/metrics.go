// Copyright (C) 2025 SamsaraWorks (dev@samsaraworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// This file contains the JSON metrics endpoint. Prometheus scraping
// lives on /metrics; this is the human-readable sibling for the
// operator console.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// StoryMetrics returns a JSON snapshot of the model adapter counters and
// the speculation scheduler. The llm block is omitted when no adapter
// with stats is wired.
func (h *Handlers) StoryMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := h.currentUser(c); !ok {
			return
		}

		body := gin.H{
			"speculation": h.scheduler.Stats(),
		}
		if h.llmStats != nil {
			body["llm"] = h.llmStats.Stats()
		}
		c.JSON(http.StatusOK, body)
	}
}
