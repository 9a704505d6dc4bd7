// Copyright (C) 2025 SamsaraWorks (dev@samsaraworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes provides data structures for the story service.
//
// This file contains the request and response types for the interactive
// story endpoints (check_wish, prepare_start, start, continue, retry).
package datatypes

import (
	"fmt"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Limits
// =============================================================================

const (
	// MaxWishRunes is the maximum wish length counted in runes, not
	// bytes. Wishes are Chinese text; byte limits would cut the budget
	// to a third.
	MaxWishRunes = 100

	// MaxChoiceRunes bounds the choice echoed back in continue requests.
	// Model-produced options are far shorter; anything near this limit
	// was not one of ours.
	MaxChoiceRunes = 200

	// MaxSaveTitleRunes bounds user-supplied save titles.
	MaxSaveTitleRunes = 60
)

// storyValidate is the shared validator for story datatypes.
var storyValidate = validator.New()

// =============================================================================
// Requests
// =============================================================================

// WishRequest is the body for check_wish, prepare_start, and start, which
// all key off the player's rebirth wish ("重生之我是李世民").
type WishRequest struct {
	Wish string `json:"wish" binding:"required"`
}

// Validate enforces the rune-length bound the binding tag cannot express.
func (r *WishRequest) Validate() error {
	if err := storyValidate.Struct(r); err != nil {
		return err
	}
	if utf8.RuneCountInString(r.Wish) > MaxWishRunes {
		return fmt.Errorf("wish exceeds %d characters", MaxWishRunes)
	}
	return nil
}

// ContinueRequest advances the story from a node the caller has seen.
type ContinueRequest struct {
	SessionID int64  `json:"session_id" binding:"required"`
	NodeID    int64  `json:"node_id" binding:"required"`
	Choice    string `json:"choice" binding:"required"`
}

// Validate rejects whitespace-only and oversized choices.
func (r *ContinueRequest) Validate() error {
	if err := storyValidate.Struct(r); err != nil {
		return err
	}
	if utf8.RuneCountInString(r.Choice) > MaxChoiceRunes {
		return fmt.Errorf("choice exceeds %d characters", MaxChoiceRunes)
	}
	return nil
}

// RetryRequest re-serves a node after demoting everything generated
// below it.
type RetryRequest struct {
	NodeID int64 `json:"node_id" binding:"required"`
}

// =============================================================================
// Responses
// =============================================================================

// DisplayChoice is a choice as clients see it. The scoring fields are
// typed pointers so they serialize as JSON null: clients are told the
// fields exist and that the values are withheld.
type DisplayChoice struct {
	Option           string   `json:"option"`
	Summary          string   `json:"summary"`
	SuccessRateDelta *float64 `json:"success_rate_delta"`
	RiskLevel        *string  `json:"risk_level"`
	Tags             []string `json:"tags"`
}

// StorySegment is the response shape for start, continue, and retry.
// Metadata must already be sanitized by the time a segment is built; the
// handlers own that chokepoint.
type StorySegment struct {
	SessionID   int64           `json:"session_id"`
	NodeID      int64           `json:"node_id"`
	Text        string          `json:"text"`
	Choices     []DisplayChoice `json:"choices"`
	ImageURL    string          `json:"image_url"`
	SuccessRate *float64        `json:"success_rate"`
	Metadata    NodeMetadata    `json:"metadata"`
}

// CheckWishResponse reports the moderation verdict for a wish.
type CheckWishResponse struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

// PrepareStartResponse is the synopsis returned while the root node is
// generated in the background.
type PrepareStartResponse struct {
	LevelTitle string       `json:"level_title"`
	Background string       `json:"background"`
	MainQuest  string       `json:"main_quest"`
	Metadata   NodeMetadata `json:"metadata"`
}

// =============================================================================
// Engine Payload
// =============================================================================

// NodePayload is what the story engine produces for one node, before it
// is persisted or serialized. Choices are display-shaped already; the
// hidden effects live only in Metadata.Chapter.HiddenEffects.
type NodePayload struct {
	Text        string
	Choices     []DisplayChoice
	ImageURL    string
	SuccessRate *float64
	Metadata    NodeMetadata
}

// Settled reports whether the payload ends its chapter (no choices).
func (p *NodePayload) Settled() bool {
	return p.Metadata.Chapter.Settled()
}
