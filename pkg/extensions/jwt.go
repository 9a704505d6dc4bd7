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
	"fmt"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// VersionLookup reports the current token version for a user. Bumping
// the stored version revokes every token minted before the bump.
//
// Return an error wrapping ErrUnauthorized when the user does not
// exist; other errors are treated as provider failures.
type VersionLookup func(ctx context.Context, userID string) (int, error)

// JWTAuthProvider validates HS256 shared-secret tokens.
//
// Claims: the subject is the user ID, "email" is optional, and
// "token_version" is compared against the stored version when a
// VersionLookup is wired. Signature and expiry checks come from the
// jwx validator.
//
// Thread-safe: no mutable state after construction.
type JWTAuthProvider struct {
	secret []byte
	lookup VersionLookup
}

// NewJWTAuthProvider builds a provider over a shared secret. A nil
// lookup skips the revocation check.
func NewJWTAuthProvider(secret string, lookup VersionLookup) *JWTAuthProvider {
	return &JWTAuthProvider{secret: []byte(secret), lookup: lookup}
}

// Validate parses and verifies the token, then checks revocation.
func (p *JWTAuthProvider) Validate(ctx context.Context, token string) (*AuthInfo, error) {
	if token == "" {
		return nil, fmt.Errorf("missing bearer token: %w", ErrUnauthorized)
	}
	if len(p.secret) == 0 {
		return nil, errors.New("jwt secret is not configured")
	}

	tok, err := jwt.Parse([]byte(token),
		jwt.WithKey(jwa.HS256, p.secret),
		jwt.WithValidate(true),
	)
	if err != nil {
		return nil, fmt.Errorf("token rejected: %v: %w", err, ErrUnauthorized)
	}

	userID := tok.Subject()
	if userID == "" {
		return nil, fmt.Errorf("token has no subject: %w", ErrUnauthorized)
	}

	info := &AuthInfo{UserID: userID}
	if raw, ok := tok.Get("email"); ok {
		if email, ok := raw.(string); ok {
			info.Email = email
		}
	}

	if p.lookup != nil {
		version := 0
		if raw, ok := tok.Get("token_version"); ok {
			if v, ok := claimInt(raw); ok {
				version = v
			}
		}
		current, err := p.lookup(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("token version lookup failed: %w", err)
		}
		if version != current {
			return nil, fmt.Errorf("token revoked: %w", ErrUnauthorized)
		}
	}

	return info, nil
}

// claimInt coerces a JSON numeric claim. jwx hands back float64 for
// numbers that arrived as JSON.
func claimInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int64:
		return int(n), true
	case int:
		return n, true
	default:
		return 0, false
	}
}

var _ AuthProvider = (*JWTAuthProvider)(nil)
