// Copyright (C) 2025 SamsaraWorks (dev@samsaraworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes provides the data structures shared by the story
// service: request/response types for the HTTP surface, the node payload
// produced by the engine, and the chapter block carried inside node
// metadata.
//
// This file contains the chapter block. The block rides in every node's
// metadata and is the only place the hidden progress/risk/exposure state
// lives; Sanitized strips the parts that must never reach a client.
package datatypes

// =============================================================================
// Settlement Results and Grades
// =============================================================================

const (
	// SettlementSuccess ends a chapter because progress crossed the pass
	// threshold with enough nodes played.
	SettlementSuccess = "success"

	// SettlementFail ends a chapter because risk or exposure crossed the
	// fail threshold.
	SettlementFail = "fail"

	// SettlementAuto ends a chapter because the node budget ran out.
	SettlementAuto = "auto"
)

// Feedback bands for a single axis delta. Thresholds: ≥10 big, ≥5 mid,
// ≥2 small, mirrored for negative deltas, otherwise flat.
const (
	BandUpBig     = "up_big"
	BandUpMid     = "up_mid"
	BandUpSmall   = "up_small"
	BandDownSmall = "down_small"
	BandDownMid   = "down_mid"
	BandDownBig   = "down_big"
	BandFlat      = "flat"
)

// =============================================================================
// Chapter Block Types
// =============================================================================

// ChapterConfig holds the settlement thresholds for one chapter.
type ChapterConfig struct {
	MinNodes      int     `json:"min_nodes"`
	MaxNodes      int     `json:"max_nodes"`
	PassThreshold float64 `json:"pass_threshold"`
	FailThreshold float64 `json:"fail_threshold"`
}

// ChapterState is the hidden counter triple. Each axis is clamped to
// [0,100] whenever effects are applied.
type ChapterState struct {
	Progress float64 `json:"progress"`
	Risk     float64 `json:"risk"`
	Exposure float64 `json:"exposure"`
}

// Effects is one option's hidden impact on the chapter state. Tags are
// free-form labels from the model ("冒险", "隐忍") and never shown raw.
type Effects struct {
	DeltaProgress float64  `json:"delta_progress"`
	DeltaRisk     float64  `json:"delta_risk"`
	DeltaExposure float64  `json:"delta_exposure"`
	Tags          []string `json:"tags,omitempty"`
}

// TimelineEntry records one played choice in the chapter.
type TimelineEntry struct {
	Node   int    `json:"node"`
	Choice string `json:"choice"`
	Impact string `json:"impact"`
}

// AxisFeedback is the band plus a short localized hint for one axis.
type AxisFeedback struct {
	Band string `json:"band"`
	Hint string `json:"hint"`
}

// MicroFeedback is the per-continue nudge shown to the player. It reveals
// direction, never numbers.
type MicroFeedback struct {
	Progress AxisFeedback `json:"progress"`
	Risk     AxisFeedback `json:"risk"`
	Exposure AxisFeedback `json:"exposure"`
	Message  string       `json:"message"`
}

// Settlement is the chapter-ending evaluation. Result is one of the
// Settlement* constants, Grade one of S/A/B/C. The narrative fields come
// from the settlement oracle; on oracle parse failure they are filled from
// a fixed skeleton rather than failing the settlement.
type Settlement struct {
	Result           string          `json:"result"`
	Grade            string          `json:"grade"`
	Score            int             `json:"score"`
	ChapterSummary   string          `json:"chapter_summary"`
	Timeline         []TimelineEntry `json:"timeline"`
	KeyImpacts       []string        `json:"key_impacts"`
	NextChapterHook  string          `json:"next_chapter_hook"`
	CoverImagePrompt string          `json:"cover_image_prompt"`
}

// ChapterBlock is the structured chapter record inside node metadata.
//
// HiddenEffects maps option text to that option's Effects; it exists so a
// later continue can apply the chosen option's deltas without another model
// call. It MUST be stripped before any client-facing serialization — use
// Sanitized, never hand-copy.
type ChapterBlock struct {
	Config        ChapterConfig      `json:"config"`
	State         ChapterState       `json:"state"`
	Timeline      []TimelineEntry    `json:"timeline"`
	NodeIndex     int                `json:"node_index"`
	ImageToken    string             `json:"image_token"`
	HiddenEffects map[string]Effects `json:"hidden_effects_map,omitempty"`
	MicroFeedback *MicroFeedback     `json:"micro_feedback,omitempty"`
	Settlement    *Settlement        `json:"settlement,omitempty"`
}

// Settled reports whether this chapter has ended.
func (b *ChapterBlock) Settled() bool {
	return b != nil && b.Settlement != nil
}

// =============================================================================
// Node Metadata
// =============================================================================

// Node provenance values for NodeMetadata.Source.
const (
	SourcePrepare     = "prepare_start"
	SourceStart       = "start"
	SourceContinue    = "continue"
	SourceSpeculative = "speculative"
	SourcePrimed      = "primed"
	SourceRetry       = "retry"
	SourceSave        = "save"
)

// NodeMetadata is the metadata blob persisted with every story node and
// echoed (sanitized) in every StorySegment response.
type NodeMetadata struct {
	// Source records how the node came to exist: "start", "continue",
	// "speculative", or "primed".
	Source string `json:"source,omitempty"`

	// ChapterNumber is 1-based and derived from the node's ancestry.
	ChapterNumber int `json:"chapter_number,omitempty"`

	// HistoryProfile names the matched historical figure profile, if any.
	HistoryProfile string `json:"history_profile,omitempty"`

	// ImagePrompts keeps the model's scene prompts so a retry can
	// regenerate the illustration without another story call.
	ImagePrompts []string `json:"image_prompts,omitempty"`

	// HideSuccessRate tells clients that scoring fields are intentionally
	// null. Always true after sanitization.
	HideSuccessRate bool `json:"hide_success_rate,omitempty"`

	Chapter *ChapterBlock `json:"chapter,omitempty"`
}

// Sanitized returns a copy safe for clients: the hidden effects map is
// dropped and HideSuccessRate is forced on. The receiver is not mutated,
// and the copy shares no chapter block with it.
func (m NodeMetadata) Sanitized() NodeMetadata {
	out := m
	out.HideSuccessRate = true
	if m.Chapter != nil {
		ch := *m.Chapter
		ch.HiddenEffects = nil
		out.Chapter = &ch
	}
	return out
}
