// Copyright (C) 2025 SamsaraWorks (dev@samsaraworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"math"
	"strings"

	"github.com/SamsaraWorks/RebirthBackend/services/story/config"
	"github.com/SamsaraWorks/RebirthBackend/services/story/datatypes"
)

// =============================================================================
// Chapter State
// =============================================================================

// newChapterConfig copies the settlement thresholds out of the service
// configuration. The copy is frozen into the chapter block at chapter
// start so a config change never moves the goalposts mid-chapter.
func newChapterConfig(cfg config.Config) datatypes.ChapterConfig {
	return datatypes.ChapterConfig{
		MinNodes:      cfg.ChapterMinNodes,
		MaxNodes:      cfg.ChapterMaxNodes,
		PassThreshold: cfg.ChapterPassThreshold,
		FailThreshold: cfg.ChapterFailThreshold,
	}
}

func clampAxis(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// applyEffects returns the state after one option's hidden deltas, each
// axis clamped to [0,100].
func applyEffects(state datatypes.ChapterState, eff datatypes.Effects) datatypes.ChapterState {
	state.Progress = clampAxis(state.Progress + eff.DeltaProgress)
	state.Risk = clampAxis(state.Risk + eff.DeltaRisk)
	state.Exposure = clampAxis(state.Exposure + eff.DeltaExposure)
	return state
}

// =============================================================================
// Micro Feedback
// =============================================================================

// feedbackBand buckets a state delta: ≥10 big, ≥5 mid, ≥2 small, mirrored
// for drops, otherwise flat.
func feedbackBand(delta float64) string {
	switch {
	case delta >= 10:
		return datatypes.BandUpBig
	case delta >= 5:
		return datatypes.BandUpMid
	case delta >= 2:
		return datatypes.BandUpSmall
	case delta <= -10:
		return datatypes.BandDownBig
	case delta <= -5:
		return datatypes.BandDownMid
	case delta <= -2:
		return datatypes.BandDownSmall
	default:
		return datatypes.BandFlat
	}
}

// Per-axis hint text. The hints reveal direction and magnitude in prose
// only; numbers never reach the player.
var (
	progressHints = map[string]string{
		datatypes.BandUpBig:     "大势向你倾斜，目标近在眼前",
		datatypes.BandUpMid:     "局面稳步推进",
		datatypes.BandUpSmall:   "你离目标又近了一小步",
		datatypes.BandDownSmall: "计划出现了小小的偏差",
		datatypes.BandDownMid:   "进展受挫，需要调整方向",
		datatypes.BandDownBig:   "局势急转直下，目标渐行渐远",
		datatypes.BandFlat:      "大局未见明显变化",
	}
	riskHints = map[string]string{
		datatypes.BandUpBig:     "杀机四伏，处境骤然凶险",
		datatypes.BandUpMid:     "暗流涌动，风险明显上升",
		datatypes.BandUpSmall:   "隐约有些不安的苗头",
		datatypes.BandDownSmall: "紧绷的局势稍稍缓和",
		datatypes.BandDownMid:   "你化解了不少潜在的危机",
		datatypes.BandDownBig:   "险境已远，可以稍作喘息",
		datatypes.BandFlat:      "风险一如既往",
	}
	exposureHints = map[string]string{
		datatypes.BandUpBig:     "你的行踪已被众人注视",
		datatypes.BandUpMid:     "越来越多的目光落在你身上",
		datatypes.BandUpSmall:   "有人开始留意你的动向",
		datatypes.BandDownSmall: "你的身影稍稍淡出了视线",
		datatypes.BandDownMid:   "你成功转移了外界的注意",
		datatypes.BandDownBig:   "你重新隐入了暗处",
		datatypes.BandFlat:      "没有引起额外的注意",
	}
)

// buildMicroFeedback diffs the previous and current state into per-axis
// bands and a short composite message.
func buildMicroFeedback(prev, cur datatypes.ChapterState) *datatypes.MicroFeedback {
	progressBand := feedbackBand(cur.Progress - prev.Progress)
	riskBand := feedbackBand(cur.Risk - prev.Risk)
	exposureBand := feedbackBand(cur.Exposure - prev.Exposure)

	fb := &datatypes.MicroFeedback{
		Progress: datatypes.AxisFeedback{Band: progressBand, Hint: progressHints[progressBand]},
		Risk:     datatypes.AxisFeedback{Band: riskBand, Hint: riskHints[riskBand]},
		Exposure: datatypes.AxisFeedback{Band: exposureBand, Hint: exposureHints[exposureBand]},
	}

	var parts []string
	if progressBand != datatypes.BandFlat {
		parts = append(parts, fb.Progress.Hint)
	}
	if riskBand != datatypes.BandFlat {
		parts = append(parts, fb.Risk.Hint)
	}
	if exposureBand != datatypes.BandFlat {
		parts = append(parts, fb.Exposure.Hint)
	}
	if len(parts) == 0 {
		fb.Message = "这一步波澜不惊。"
	} else {
		fb.Message = strings.Join(parts, "；") + "。"
	}
	return fb
}

// =============================================================================
// Settlement
// =============================================================================

// decideSettlement applies the chapter-ending rules in fixed order: a
// blown risk or exposure threshold fails the chapter before anything
// else, the node budget forces an auto ending, and success requires both
// enough nodes and enough progress.
func decideSettlement(state datatypes.ChapterState, nodesCount int, cfg datatypes.ChapterConfig) (string, bool) {
	switch {
	case state.Risk >= cfg.FailThreshold || state.Exposure >= cfg.FailThreshold:
		return datatypes.SettlementFail, true
	case nodesCount >= cfg.MaxNodes:
		return datatypes.SettlementAuto, true
	case nodesCount >= cfg.MinNodes && state.Progress >= cfg.PassThreshold:
		return datatypes.SettlementSuccess, true
	default:
		return "", false
	}
}

// settlementGrade scores a finished chapter. Progress is the base; risk
// and exposure above 70 eat into it at 0.6 and 0.4 per point.
func settlementGrade(state datatypes.ChapterState) (int, string) {
	base := state.Progress
	penalty := math.Max(0, state.Risk-70)*0.6 + math.Max(0, state.Exposure-70)*0.4
	final := int(math.Round(base - penalty))
	if final < 0 {
		final = 0
	}
	if final > 100 {
		final = 100
	}

	switch {
	case final >= 90:
		return final, "S"
	case final >= 75:
		return final, "A"
	case final >= 60:
		return final, "B"
	default:
		return final, "C"
	}
}

// settlementSkeleton is the fallback settlement narrative used when the
// oracle call fails or returns garbage. The chapter still ends; only the
// prose is generic.
func settlementSkeleton(result string, timeline []datatypes.TimelineEntry) settlementModelResponse {
	summary := "章节的时限已至，故事被迫翻页。"
	switch result {
	case datatypes.SettlementSuccess:
		summary = "本章目标达成，尘埃落定。"
	case datatypes.SettlementFail:
		summary = "风险失控，本章以失败告终。"
	}
	return settlementModelResponse{
		ChapterSummary:   summary,
		Timeline:         timeline,
		NextChapterHook:  "新的篇章即将开启。",
		CoverImagePrompt: "写实古风 章末落幕 余韵悠长",
	}
}
