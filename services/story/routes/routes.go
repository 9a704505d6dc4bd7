// Copyright (C) 2025 SamsaraWorks (dev@samsaraworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package routes centralizes route registration for the story service.
package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/SamsaraWorks/RebirthBackend/pkg/extensions"
	"github.com/SamsaraWorks/RebirthBackend/services/story/handlers"
	"github.com/SamsaraWorks/RebirthBackend/services/story/middleware"
)

// Deps carries what route registration needs beyond the handler set.
type Deps struct {
	Handlers     *handlers.Handlers
	AuthProvider extensions.AuthProvider
	AssetsDir    string
}

// SetupRoutes registers every endpoint on the router. Health, the
// Prometheus scrape, and static assets are unauthenticated; everything
// under /story requires a valid credential.
func SetupRoutes(router *gin.Engine, deps Deps) {
	router.Use(middleware.CORSMiddleware())

	router.GET("/health", healthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if deps.AssetsDir != "" {
		router.StaticFS("/static", http.Dir(deps.AssetsDir))
	}

	h := deps.Handlers
	story := router.Group("/story")
	story.Use(middleware.AuthMiddleware(deps.AuthProvider), middleware.MetricsMiddleware())
	{
		story.POST("/check_wish", h.CheckWish())
		story.POST("/prepare_start", h.PrepareStart())
		story.POST("/start", h.Start())
		story.POST("/continue", h.Continue())
		story.POST("/retry", h.Retry())

		story.GET("/latest", h.Latest())
		sessions := story.Group("/sessions")
		{
			sessions.GET("", h.ListSessions())
			sessions.GET("/:id", h.SessionDetail())
			sessions.GET("/:id/latest", h.SessionLatest())
		}

		saves := story.Group("/saves")
		{
			saves.POST("", h.CreateSave())
			saves.GET("", h.ListSaves())
			saves.GET("/:id", h.GetSave())
			saves.PATCH("/:id", h.UpdateSave())
			saves.DELETE("/:id", h.DeleteSave())
		}

		story.GET("/metrics", h.StoryMetrics())
		story.GET("/speculation/watch", h.WatchSpeculation())
	}
}

func healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
