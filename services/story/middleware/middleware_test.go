// Copyright (C) 2025 SamsaraWorks (dev@samsaraworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/SamsaraWorks/RebirthBackend/services/story/observability"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

// =============================================================================
// CORS Tests
// =============================================================================

func TestCORSMiddleware_PreflightEchoesOrigin(t *testing.T) {
	router := gin.New()
	router.Use(CORSMiddleware())
	router.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest("OPTIONS", "/ping", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", "GET")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://localhost:5173", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))
}

func TestCORSMiddleware_SimpleRequestPassesThrough(t *testing.T) {
	router := gin.New()
	router.Use(CORSMiddleware())
	router.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/ping", nil)
	req.Header.Set("Origin", "https://game.example.com")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "https://game.example.com", w.Header().Get("Access-Control-Allow-Origin"))
}

// =============================================================================
// Metrics Tests
// =============================================================================

func TestMetricsMiddleware_NoMetricsInitialized(t *testing.T) {
	saved := observability.DefaultMetrics
	observability.DefaultMetrics = nil
	defer func() { observability.DefaultMetrics = saved }()

	router := gin.New()
	router.Use(MetricsMiddleware())
	router.GET("/quiet", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/quiet", nil))

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMetricsMiddleware_RecordsRouteTemplate(t *testing.T) {
	m := observability.InitMetrics()

	router := gin.New()
	router.Use(MetricsMiddleware())
	router.GET("/story/sessions/:session_id", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	before := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("/story/sessions/:session_id", "200"))

	for _, path := range []string{"/story/sessions/7", "/story/sessions/42"} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("GET", path, nil))
		assert.Equal(t, http.StatusOK, w.Code)
	}

	after := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("/story/sessions/:session_id", "200"))
	assert.Equal(t, before+2, after)
}

func TestMetricsMiddleware_GroupsUnmatchedRoutes(t *testing.T) {
	m := observability.InitMetrics()

	router := gin.New()
	router.Use(MetricsMiddleware())

	before := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("unmatched", "404"))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/no/such/route", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
	after := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("unmatched", "404"))
	assert.Equal(t, before+1, after)
}
