// Copyright (C) 2025 SamsaraWorks (dev@samsaraworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package storyerr defines the error kinds shared across the story service.
//
// The kinds form a small taxonomy: handlers translate them to HTTP status
// codes at the edge, and every layer below wraps them with %w so errors.Is
// works through arbitrary call depths. Nothing in this package carries
// request-specific state; context goes into the wrapping message.
package storyerr

import (
	"errors"
	"net/http"
)

var (
	// ErrInvalidInput marks a request the caller can fix: empty wish,
	// blank choice, unknown save status, malformed payload.
	ErrInvalidInput = errors.New("invalid input")

	// ErrForbidden marks access to a resource owned by another user.
	ErrForbidden = errors.New("forbidden")

	// ErrNotFound marks a missing session, node, or save, or a node that
	// does not belong to the claimed session.
	ErrNotFound = errors.New("not found")

	// ErrInvalidModelOutput marks model output that survived extraction
	// and one repair pass but still does not parse into the expected
	// shape. No node is persisted when this is returned.
	ErrInvalidModelOutput = errors.New("invalid model output")

	// ErrLLMUnavailable marks exhaustion of the retry budget against the
	// configured language model backend.
	ErrLLMUnavailable = errors.New("llm unavailable")

	// ErrImageUnavailable marks a failed image fetch or generation. It
	// stays internal: story responses degrade to a library image or a
	// placeholder instead of failing the request.
	ErrImageUnavailable = errors.New("image unavailable")

	// ErrDuplicateChild reports that another writer created the same
	// (parent, choice) child first. It is control flow, not a failure:
	// the caller reads the winning row and continues.
	ErrDuplicateChild = errors.New("duplicate child node")
)

// HTTPStatus maps an error to the status code the HTTP edge emits for it.
//
// ErrDuplicateChild and ErrImageUnavailable are intentionally absent: both
// must be consumed before reaching a handler, so hitting the default branch
// for them is itself a bug worth surfacing as a 500.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidModelOutput), errors.Is(err, ErrLLMUnavailable):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
