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
	"testing"
)

// ============================================================================
// ServiceOptions Tests
// ============================================================================

func TestDefaultOptions_PermissiveAuth(t *testing.T) {
	t.Parallel()

	opts := DefaultOptions()
	if opts.AuthProvider == nil {
		t.Fatal("Expected a default auth provider")
	}
	if _, ok := opts.AuthProvider.(*NopAuthProvider); !ok {
		t.Errorf("Expected NopAuthProvider by default, got %T", opts.AuthProvider)
	}
}

func TestWithAuth_ReplacesProvider(t *testing.T) {
	t.Parallel()

	static := &StaticAuthProvider{}
	original := DefaultOptions()
	opts := original.WithAuth(static)

	if opts.AuthProvider != static {
		t.Error("Expected WithAuth to install the given provider")
	}
	if _, ok := original.AuthProvider.(*NopAuthProvider); !ok {
		t.Error("Expected WithAuth to leave the original options untouched")
	}
}

// ============================================================================
// NopAuthProvider Tests
// ============================================================================

func TestNopAuthProvider_AcceptsAnything(t *testing.T) {
	t.Parallel()

	provider := &NopAuthProvider{}
	for _, token := range []string{"", "garbage", "Bearer nested"} {
		info, err := provider.Validate(context.Background(), token)
		if err != nil {
			t.Fatalf("Expected no error for token %q, got %v", token, err)
		}
		if info.UserID != LocalUserID {
			t.Errorf("Expected the local user, got %q", info.UserID)
		}
	}
}

// ============================================================================
// StaticAuthProvider Tests
// ============================================================================

func TestStaticAuthProvider_KnownToken(t *testing.T) {
	t.Parallel()

	provider := &StaticAuthProvider{Tokens: map[string]AuthInfo{
		"tok-alpha": {UserID: "user-a", Email: "a@example.com"},
	}}

	info, err := provider.Validate(context.Background(), "tok-alpha")
	if err != nil {
		t.Fatalf("Expected validation to pass, got %v", err)
	}
	if info.UserID != "user-a" || info.Email != "a@example.com" {
		t.Errorf("Unexpected identity: %+v", info)
	}

	// The returned value is a copy, not the map entry.
	info.UserID = "mutated"
	again, err := provider.Validate(context.Background(), "tok-alpha")
	if err != nil {
		t.Fatalf("Expected validation to pass twice, got %v", err)
	}
	if again.UserID != "user-a" {
		t.Error("Expected provider state to be immune to caller mutation")
	}
}

func TestStaticAuthProvider_UnknownToken(t *testing.T) {
	t.Parallel()

	provider := &StaticAuthProvider{Tokens: map[string]AuthInfo{
		"tok-alpha": {UserID: "user-a"},
	}}

	for _, token := range []string{"", "tok-unknown"} {
		_, err := provider.Validate(context.Background(), token)
		if !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("Expected ErrUnauthorized for token %q, got %v", token, err)
		}
	}
}
