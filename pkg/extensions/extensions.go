// Copyright (C) 2025 SamsaraWorks (dev@samsaraworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package extensions defines the pluggable seams of the rebirth backend.
//
// The open source backend is self-contained: it ships a shared-secret
// JWT validator and a permissive no-op provider for local development.
// Hosted deployments swap in their own identity stack by implementing
// these interfaces and injecting them via ServiceOptions — the story
// service itself never changes.
//
// # Extension Categories
//
//   - auth.go: request authentication (AuthProvider and AuthInfo)
//   - jwt.go:  the built-in HS256 token validator
//
// # Usage
//
// Local development (no auth infrastructure):
//
//	opts := extensions.DefaultOptions()
//	svc := story.New(cfg, opts)
//
// Production with the built-in validator:
//
//	provider := extensions.NewJWTAuthProvider(secret, versions)
//	svc := story.New(cfg, extensions.DefaultOptions().WithAuth(provider))
//
// # Thread Safety
//
// All interface implementations must be safe for concurrent use.
// Multiple goroutines may call methods simultaneously.
package extensions

// ServiceOptions groups the extension points a service accepts.
//
// All fields are optional; nil values are replaced with permissive
// defaults by DefaultOptions.
type ServiceOptions struct {
	// AuthProvider validates authentication tokens.
	// Default: NopAuthProvider (every request becomes the local user).
	AuthProvider AuthProvider
}

// DefaultOptions returns ServiceOptions with permissive local defaults.
func DefaultOptions() ServiceOptions {
	return ServiceOptions{
		AuthProvider: &NopAuthProvider{},
	}
}

// WithAuth returns a copy of opts with the given AuthProvider.
// Useful for fluent configuration.
func (opts ServiceOptions) WithAuth(provider AuthProvider) ServiceOptions {
	opts.AuthProvider = provider
	return opts
}
