// Copyright (C) 2025 SamsaraWorks (dev@samsaraworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package moderation screens rebirth wishes before a story may start.
//
// Screening is two-tier: a local pass (length bounds plus a small
// built-in banned-word table) that always runs, and an LLM gate tuned
// for a fast true/false verdict. The gate fails open — an unreachable
// or incoherent backend never blocks a wish the local pass accepted.
package moderation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/SamsaraWorks/RebirthBackend/services/story/llm"
)

// =============================================================================
// Verdicts
// =============================================================================

// Audit statuses persisted with every moderation record.
const (
	StatusAccepted = "accepted"
	StatusRejected = "rejected"
)

// maxWishRunes bounds the wish length. Counted in runes: the audience
// writes Chinese.
const maxWishRunes = 100

// Result is one moderation verdict. Category is set only for
// banned-word rejections.
type Result struct {
	OK       bool
	Reason   string
	Category string
}

// Status maps the verdict onto the persisted audit status.
func (r Result) Status() string {
	if r.OK {
		return StatusAccepted
	}
	return StatusRejected
}

// =============================================================================
// Local Tier
// =============================================================================

type bannedCategory struct {
	Name  string
	Words []string
}

// basicBannedWords is deliberately small; the LLM gate carries the
// nuanced cases.
var basicBannedWords = []bannedCategory{
	{Name: "暴恐/极端", Words: []string{"恐怖主义", "极端主义", "暴恐", "恐袭"}},
	{Name: "仇恨/歧视", Words: []string{"种族歧视", "仇恨言论"}},
	{Name: "违法犯罪", Words: []string{"毒品", "贩毒", "枪支", "走私", "诈骗"}},
	{Name: "色情", Words: []string{"色情", "淫秽"}},
}

// CheckBasic runs the local tier only: trims, bounds the length, and
// scans the banned-word table case-insensitively.
func CheckBasic(wish string) Result {
	text := strings.TrimSpace(wish)
	if text == "" {
		return Result{Reason: "重生愿望不能为空"}
	}
	if utf8.RuneCountInString(text) > maxWishRunes {
		return Result{Reason: "重生愿望过长，请控制在100字以内"}
	}

	lowered := strings.ToLower(text)
	for _, category := range basicBannedWords {
		for _, word := range category.Words {
			if word == "" {
				continue
			}
			if strings.Contains(lowered, strings.ToLower(word)) {
				slog.Warn("Wish hit the banned-word table",
					"word", word, "category", category.Name)
				return Result{Reason: "包含敏感词：" + word, Category: category.Name}
			}
		}
	}
	return Result{OK: true}
}

// =============================================================================
// LLM Gate
// =============================================================================

const gatePromptTemplate = `判断以下重生愿望是否合适。只能回答'true'或'false'，不要任何解释。

合适标准：积极正面，不涉及违法犯罪、仇恨歧视、色情暴力、自伤他伤等内容。

愿望：%s

回答（只能是true或false）：`

// Low temperature and a tiny token budget keep the gate fast.
const (
	gateTemperature float32 = 0.1
	gateMaxTokens           = 10
)

// Checker adds the LLM gate on top of the local tier.
type Checker struct {
	client llm.Client
}

// NewChecker builds a Checker. A nil client reduces Check to the local
// tier.
func NewChecker(client llm.Client) *Checker {
	return &Checker{client: client}
}

// Check runs both tiers. The model is asked for a bare true/false;
// "true" wins when both tokens appear. Any other answer, and any
// transport failure, keeps the local verdict.
func (c *Checker) Check(ctx context.Context, wish string) Result {
	basic := CheckBasic(wish)
	if !basic.OK || c.client == nil {
		return basic
	}

	temp := gateTemperature
	maxTokens := gateMaxTokens
	prompt := fmt.Sprintf(gatePromptTemplate, strings.TrimSpace(wish))
	raw, err := c.client.Generate(ctx, prompt, llm.GenerateOptions{
		Temperature: &temp,
		MaxTokens:   &maxTokens,
	})
	if err != nil {
		slog.Warn("Wish gate unavailable, keeping the local verdict", "error", err)
		return basic
	}

	verdict := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case strings.Contains(verdict, "true"):
		return Result{OK: true}
	case strings.Contains(verdict, "false"):
		return Result{Reason: "愿望内容不合适，请重新输入"}
	default:
		slog.Warn("Wish gate returned an unusable verdict", "verdict", raw)
		return basic
	}
}
