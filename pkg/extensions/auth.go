// Copyright (C) 2025 SamsaraWorks (dev@samsaraworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"errors"
)

// ErrUnauthorized is returned when authentication fails.
//
// Providers wrap this error so middleware can map any validation
// failure onto a 401 with errors.Is:
//
//	if tokenExpired {
//	    return nil, fmt.Errorf("expired token: %w", extensions.ErrUnauthorized)
//	}
var ErrUnauthorized = errors.New("unauthorized")

// AuthInfo identifies an authenticated player.
//
// Example:
//
//	info := &AuthInfo{
//	    UserID: "7b0d2c9e-5a31-4f89-9c0e-2f6e8a1d4b55",
//	    Email:  "player@example.com",
//	}
type AuthInfo struct {
	// UserID is the stable user identifier, matching the users row
	// primary key. Never empty on a successful Validate.
	UserID string

	// Email is informational and may be empty when the token carries
	// no email claim.
	Email string
}

// AuthProvider validates request credentials.
//
// Implementations must be safe for concurrent use by multiple
// goroutines.
//
// # Open Source Behavior
//
// The backend ships two implementations: NopAuthProvider for local
// development (accepts everything as one fixed user) and
// JWTAuthProvider for real deployments (HS256 shared-secret tokens
// with revocation via a token version).
//
// # Hosted Implementation
//
// A hosted deployment validating against an external identity provider
// implements this interface and injects it via ServiceOptions:
//
//	func (p *SupabaseProvider) Validate(ctx context.Context, token string) (*AuthInfo, error) {
//	    claims, err := p.verify(ctx, token)
//	    if err != nil {
//	        return nil, fmt.Errorf("supabase verification failed: %w", ErrUnauthorized)
//	    }
//	    return &AuthInfo{UserID: claims.Subject, Email: claims.Email}, nil
//	}
type AuthProvider interface {
	// Validate checks the token and returns the caller's identity.
	//
	// Returns ErrUnauthorized (possibly wrapped) when the token is
	// missing, malformed, expired, or revoked. Other errors signal
	// provider failures; middleware treats both as a denied request.
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// =============================================================================
// Built-In Providers
// =============================================================================

// NopAuthProvider authenticates every request as a fixed local user.
//
// This is the AUTH_DISABLED development mode: any token, including
// none at all, validates. Never run it on a reachable host.
//
// Thread-safe: no mutable state.
type NopAuthProvider struct{}

// LocalUserID is the identity every request assumes under
// NopAuthProvider.
const LocalUserID = "local-user"

// Validate always succeeds with the local user.
func (p *NopAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return &AuthInfo{UserID: LocalUserID, Email: "local@localhost"}, nil
}

// StaticAuthProvider maps exact token strings to identities. Handler
// tests use it to impersonate specific players without minting JWTs.
//
// Thread-safe for reads; populate Tokens before serving.
type StaticAuthProvider struct {
	Tokens map[string]AuthInfo
}

// Validate looks the token up verbatim.
func (p *StaticAuthProvider) Validate(_ context.Context, token string) (*AuthInfo, error) {
	if info, ok := p.Tokens[token]; ok {
		out := info
		return &out, nil
	}
	return nil, ErrUnauthorized
}

// Compile-time interface compliance checks.
var (
	_ AuthProvider = (*NopAuthProvider)(nil)
	_ AuthProvider = (*StaticAuthProvider)(nil)
)
