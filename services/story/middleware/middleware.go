// Copyright (C) 2025 SamsaraWorks (dev@samsaraworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package middleware

import (
	"strconv"
	"time"

	"github.com/SamsaraWorks/RebirthBackend/services/story/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// =============================================================================
// CORS Middleware
// =============================================================================

// CORSMiddleware allows browser frontends served from any origin to call
// the API. Because clients authenticate with a credentialed cookie, origins
// are echoed back rather than wildcarded; browsers reject "*" together with
// credentials.
func CORSMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc:  func(origin string) bool { return true },
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

// =============================================================================
// Metrics Middleware
// =============================================================================

// MetricsMiddleware records request count and latency per route template.
//
// The route template (c.FullPath) is used instead of the raw URL so that
// /story/sessions/42 and /story/sessions/7 fall into one series. Unmatched
// routes are grouped under a single label to keep cardinality bounded.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		m := observability.DefaultMetrics
		if m == nil {
			return
		}
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		m.RecordRequest(endpoint, strconv.Itoa(c.Writer.Status()), time.Since(start).Seconds())
	}
}
