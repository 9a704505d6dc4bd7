// Copyright (C) 2025 SamsaraWorks (dev@samsaraworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/SamsaraWorks/RebirthBackend/services/story/datatypes"
)

// =============================================================================
// Model Response Shapes
// =============================================================================

// modelChoice is one branch as the model emits it, hidden effects included.
type modelChoice struct {
	Option  string            `json:"option"`
	Summary string            `json:"summary"`
	Effects datatypes.Effects `json:"effects"`
}

// nodeModelResponse mirrors the JSON demanded by the node prompt.
type nodeModelResponse struct {
	Text                 string        `json:"text"`
	Choices              []modelChoice `json:"choices"`
	ImagePrompts         []string      `json:"image_prompts"`
	ImageContinuityToken string        `json:"image_continuity_token"`
}

// synopsisModelResponse mirrors the JSON demanded by the synopsis prompt.
type synopsisModelResponse struct {
	LevelTitle string `json:"level_title"`
	Background string `json:"background"`
	MainQuest  string `json:"main_quest"`
}

// settlementModelResponse mirrors the JSON demanded by the settlement
// prompt. Every field is optional; the caller falls back to a skeleton.
type settlementModelResponse struct {
	ChapterSummary   string                    `json:"chapter_summary"`
	Timeline         []datatypes.TimelineEntry `json:"timeline"`
	KeyImpacts       []string                  `json:"key_impacts"`
	NextChapterHook  string                    `json:"next_chapter_hook"`
	CoverImagePrompt string                    `json:"cover_image_prompt"`
}

// =============================================================================
// JSON Extraction
// =============================================================================

// decodeModelJSON unmarshals a model response that may be wrapped in prose
// or markdown fences. It tries the raw text first, then any fenced block,
// then the first balanced JSON object found in the text.
func decodeModelJSON(raw string, v any) error {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fmt.Errorf("empty model output")
	}

	if err := json.Unmarshal([]byte(trimmed), v); err == nil {
		return nil
	}
	if block := extractFencedBlock(trimmed); block != "" {
		if err := json.Unmarshal([]byte(block), v); err == nil {
			return nil
		}
	}
	obj, ok := firstJSONObject(trimmed)
	if !ok {
		return fmt.Errorf("no JSON object in model output")
	}
	if err := json.Unmarshal([]byte(obj), v); err != nil {
		return fmt.Errorf("model output is not valid JSON: %w", err)
	}
	return nil
}

// extractFencedBlock returns the contents of the first markdown code fence,
// or "" when the text has none.
func extractFencedBlock(s string) string {
	startMarkers := []string{"```json\n", "```json\r\n", "```\n", "```\r\n"}
	const endMarker = "```"

	for _, marker := range startMarkers {
		start := strings.Index(s, marker)
		if start == -1 {
			continue
		}
		rest := s[start+len(marker):]
		end := strings.Index(rest, endMarker)
		if end == -1 {
			continue
		}
		return strings.TrimSpace(rest[:end])
	}
	return ""
}

// firstJSONObject scans for the first balanced {...} in s, ignoring braces
// inside JSON string literals.
func firstJSONObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start == -1 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

// =============================================================================
// Response Validation
// =============================================================================

// parseNodeResponse decodes and validates a node generation response.
// More than three choices are truncated; fewer is an error, because a
// mid-chapter node with a short choice list would strand the player.
func parseNodeResponse(raw string, out *nodeModelResponse) error {
	*out = nodeModelResponse{}
	if err := decodeModelJSON(raw, out); err != nil {
		return err
	}

	if strings.TrimSpace(out.Text) == "" {
		return fmt.Errorf("model response has empty story text")
	}
	if len(out.Choices) > 3 {
		slog.Warn("Model returned extra choices, truncating", "count", len(out.Choices))
		out.Choices = out.Choices[:3]
	}
	if len(out.Choices) < 3 {
		return fmt.Errorf("model response has %d choices, want 3", len(out.Choices))
	}
	for i, choice := range out.Choices {
		if strings.TrimSpace(choice.Option) == "" {
			return fmt.Errorf("model response choice %d has empty option text", i+1)
		}
	}
	return nil
}

// parseSynopsisResponse decodes and validates a synopsis response.
func parseSynopsisResponse(raw string, out *synopsisModelResponse) error {
	*out = synopsisModelResponse{}
	if err := decodeModelJSON(raw, out); err != nil {
		return err
	}
	if strings.TrimSpace(out.LevelTitle) == "" {
		return fmt.Errorf("model response has empty level_title")
	}
	return nil
}
