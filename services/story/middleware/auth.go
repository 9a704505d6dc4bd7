// Copyright (C) 2025 SamsaraWorks (dev@samsaraworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package middleware provides HTTP middleware for the story service.
//
// This package contains middleware for authentication, CORS, and request
// metrics. It integrates with the extensions package so the auth scheme
// stays pluggable.
//
// # Authentication Flow
//
// The auth middleware extracts a bearer token from the Authorization header
// (falling back to the auth_token cookie for browser clients), validates it
// using the configured AuthProvider, and stores the resulting AuthInfo in
// the Gin context for downstream handlers.
//
//	Request
//	   │
//	   ▼
//	AuthMiddleware
//	   │
//	   ├─► Extract token from "Authorization: Bearer <token>" or auth_token cookie
//	   │
//	   ├─► provider.Validate(ctx, token)
//	   │
//	   └─► Store AuthInfo in context
//	           │
//	           ▼
//	       Handler (retrieves via GetAuthInfo)
//
// # Development Behavior
//
// When using NopAuthProvider (AUTH_DISABLED=true), all requests are
// authenticated as "local-user". This lets the game run locally without any
// authentication infrastructure.
//
// # Production Behavior
//
// JWTAuthProvider validates HS256 session tokens and rejects tokens whose
// version no longer matches the account row.
package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/SamsaraWorks/RebirthBackend/pkg/extensions"
	"github.com/gin-gonic/gin"
)

// =============================================================================
// Context Keys
// =============================================================================

// authInfoKey is the context key for storing AuthInfo.
// Using a dedicated key prevents collisions with other context values.
const authInfoKey = "rebirth_auth_info"

// authCookieName is the cookie browser clients carry the session token in.
// The Authorization header always wins when both are present.
const authCookieName = "auth_token"

// =============================================================================
// Context Helpers
// =============================================================================

// SetAuthInfo stores the authenticated user info in the Gin context.
//
// Called by AuthMiddleware after successful authentication. The stored
// AuthInfo can be retrieved by handlers via GetAuthInfo. Only valid for the
// current request; overwrites any previously set auth info.
func SetAuthInfo(c *gin.Context, info *extensions.AuthInfo) {
	c.Set(authInfoKey, info)
}

// GetAuthInfo retrieves the authenticated user info from the Gin context.
//
// Returns nil if no AuthInfo is present (request not authenticated) or if
// the stored value has the wrong type.
//
//	func (h *Handlers) Sessions(c *gin.Context) {
//	    authInfo := middleware.GetAuthInfo(c)
//	    if authInfo == nil {
//	        c.JSON(401, gin.H{"error": "not authenticated"})
//	        return
//	    }
//	    // Use authInfo.UserID.
//	}
func GetAuthInfo(c *gin.Context) *extensions.AuthInfo {
	if info, exists := c.Get(authInfoKey); exists {
		if authInfo, ok := info.(*extensions.AuthInfo); ok {
			return authInfo
		}
	}
	return nil
}

// =============================================================================
// Auth Middleware
// =============================================================================

// AuthMiddleware creates a Gin middleware that authenticates requests.
//
// # Description
//
// Extracts the session token, validates it using the provided AuthProvider,
// and stores the resulting AuthInfo in the context for downstream handlers.
//
// # Token Extraction
//
// The middleware looks for tokens in two places, in order:
//
//	Authorization: Bearer <token>
//	Cookie: auth_token=<token>
//
// If neither is present or the header is malformed, the token passed to
// Validate is the empty string. NopAuthProvider accepts this and returns
// local-user; JWTAuthProvider rejects it.
//
// # Examples
//
//	story := router.Group("/story")
//	story.Use(middleware.AuthMiddleware(opts.AuthProvider))
//
// # Assumptions
//
//   - Provider is non-nil and safe for concurrent calls
//   - ErrUnauthorized marks auth rejections (other errors are treated as
//     failures too, but logged differently by the provider)
func AuthMiddleware(provider extensions.AuthProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractToken(c)

		authInfo, err := provider.Validate(c.Request.Context(), token)
		if err != nil {
			if errors.Is(err, extensions.ErrUnauthorized) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error": "unauthorized",
				})
				return
			}
			// Provider failures (config, database) still deny the request.
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "authentication failed",
			})
			return
		}

		SetAuthInfo(c, authInfo)

		c.Next()
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

// extractToken pulls the session token from the request.
//
// The Authorization header is checked first, expecting "Bearer <token>" with
// a case-insensitive scheme per RFC 7235. When the header is missing or
// malformed the auth_token cookie is consulted so browser sessions survive
// page reloads without a token store on the frontend.
func extractToken(c *gin.Context) string {
	if token := extractBearerToken(c); token != "" {
		return token
	}
	if cookie, err := c.Cookie(authCookieName); err == nil {
		return strings.TrimSpace(cookie)
	}
	return ""
}

// extractBearerToken extracts the token from the Authorization header.
// Returns empty string if the header is missing or malformed.
func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}

	// Expected format: "Bearer <token>"
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
