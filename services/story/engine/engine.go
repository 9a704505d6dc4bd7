// Copyright (C) 2025 SamsaraWorks (dev@samsaraworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package engine turns player wishes and choices into story nodes.
//
// # Description
//
// The engine owns the narrative protocol with the model: it renders the
// Chinese prompt templates, parses the strict-JSON responses (with a
// one-shot repair call for malformed output), and evolves the hidden
// chapter state — progress, risk, exposure — that drives settlement.
// Player-visible choices never carry numbers; the per-option deltas live
// in a hidden effect map inside the chapter block and are applied when
// the player commits to a choice.
//
// # Flow
//
// PrepareSynopsis produces the chapter title card while the opening scene
// generates in the background. StartStory creates the root node of a
// session. ContinueStory advances one node: apply the chosen option's
// hidden effects, diff the state into micro-feedback, extend the
// timeline, and either emit three fresh choices or settle the chapter
// when a threshold rule fires.
//
// # Thread Safety
//
// Engine is stateless between calls and safe for concurrent use; all
// mutable story state rides in the chapter block of each node.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/SamsaraWorks/RebirthBackend/services/story/config"
	"github.com/SamsaraWorks/RebirthBackend/services/story/datatypes"
	"github.com/SamsaraWorks/RebirthBackend/services/story/history"
	"github.com/SamsaraWorks/RebirthBackend/services/story/images"
	"github.com/SamsaraWorks/RebirthBackend/services/story/llm"
	"github.com/SamsaraWorks/RebirthBackend/services/story/observability"
	"github.com/SamsaraWorks/RebirthBackend/services/story/storyerr"
	"github.com/SamsaraWorks/RebirthBackend/services/story/store"
)

// repairTemperature keeps the JSON repair call close to deterministic.
const repairTemperature float32 = 0.2

// Engine generates story nodes through the configured model backend.
type Engine struct {
	client  llm.Client
	images  *images.Service
	cfg     config.Config
	metrics *observability.GameMetrics
}

// New builds an Engine. The client should be the resilient wrapper so
// retries and rate limiting apply to every narrative call; imageSvc may
// be nil in tests, in which case nodes carry no illustration.
func New(client llm.Client, imageSvc *images.Service, cfg config.Config) *Engine {
	return &Engine{
		client:  client,
		images:  imageSvc,
		cfg:     cfg.WithDefaults(),
		metrics: observability.DefaultMetrics,
	}
}

// ContinueParams carries the inputs for one story continuation.
type ContinueParams struct {
	// Wish is the session's rebirth wish; it selects the history profile.
	Wish string

	// History is the conversation reconstructed from the root-to-parent
	// path, ending with the parent's narrative.
	History []llm.Message

	// Choice is the option text the player picked at the parent.
	Choice string

	// ChoiceSummary is the picked option's summary from the parent's
	// choice list; it becomes the timeline impact. Empty falls back to
	// the choice text.
	ChoiceSummary string

	// ChapterNumber is the 1-based depth of the node being generated
	// (parent's depth + 1).
	ChapterNumber int

	// ParentMeta is the parent node's metadata, unsanitized, carrying
	// the chapter block whose hidden effects drive the state update.
	ParentMeta datatypes.NodeMetadata
}

// =============================================================================
// Public Operations
// =============================================================================

// PrepareSynopsis generates the chapter title, backdrop, and main quest
// for a wish. It is the cheap first round-trip served while the opening
// scene generates in the background.
func (e *Engine) PrepareSynopsis(ctx context.Context, wish string) (*datatypes.PrepareStartResponse, error) {
	wish = strings.TrimSpace(wish)
	if wish == "" {
		return nil, fmt.Errorf("empty wish: %w", storyerr.ErrInvalidInput)
	}

	profile := history.BuildProfile(wish)
	prompt, err := renderPrompt(synopsisTmpl, synopsisPromptData{
		HistoryContext: profile.ContextBlock(),
		Wish:           wish,
	})
	if err != nil {
		return nil, err
	}

	var resp synopsisModelResponse
	if err := e.generateStrict(ctx, prompt, nil, func(raw string) error {
		return parseSynopsisResponse(raw, &resp)
	}); err != nil {
		return nil, err
	}

	return &datatypes.PrepareStartResponse{
		LevelTitle: resp.LevelTitle,
		Background: resp.Background,
		MainQuest:  resp.MainQuest,
		Metadata: datatypes.NodeMetadata{
			Source:          datatypes.SourcePrepare,
			HistoryProfile:  profile.Name,
			HideSuccessRate: true,
		},
	}, nil
}

// StartStory generates the opening scene for a wish: chapter 1, node 1,
// fresh hidden state, three choices.
func (e *Engine) StartStory(ctx context.Context, wish string) (*datatypes.NodePayload, error) {
	wish = strings.TrimSpace(wish)
	if wish == "" {
		return nil, fmt.Errorf("empty wish: %w", storyerr.ErrInvalidInput)
	}

	profile := history.BuildProfile(wish)
	token := newImageToken()
	prompt, err := renderPrompt(nodeTmpl, nodePromptData{
		HistoryContext:      profile.ContextBlock(),
		AnchorEvents:        strings.Join(profile.Anchors, "；"),
		ChapterNumber:       1,
		RecommendedChapters: profile.RecommendedChapterCount,
		ImageToken:          token,
	})
	if err != nil {
		return nil, err
	}

	var resp nodeModelResponse
	if err := e.generateStrict(ctx, prompt, nil, func(raw string) error {
		return parseNodeResponse(raw, &resp)
	}); err != nil {
		return nil, err
	}

	block := &datatypes.ChapterBlock{
		Config:        newChapterConfig(e.cfg),
		State:         datatypes.ChapterState{},
		Timeline:      []datatypes.TimelineEntry{},
		NodeIndex:     1,
		ImageToken:    token,
		HiddenEffects: hiddenEffectsFrom(resp.Choices),
	}

	slog.Info("Opening scene generated",
		"profile", profile.Name, "text_len", len(resp.Text))

	return &datatypes.NodePayload{
		Text:     resp.Text,
		Choices:  displayChoicesFrom(resp.Choices),
		ImageURL: e.imageFor(ctx, resp.Text, firstNonEmpty(resp.ImagePrompts)),
		Metadata: datatypes.NodeMetadata{
			Source:         datatypes.SourceStart,
			ChapterNumber:  1,
			HistoryProfile: profile.Name,
			ImagePrompts:   resp.ImagePrompts,
			Chapter:        block,
		},
	}, nil
}

// ContinueStory advances the story by one node along the chosen branch.
//
// The parent's chapter block is lifted forward: the chosen option's
// hidden effects move the state (clamped to [0,100] per axis), the diff
// becomes micro-feedback, and the timeline grows by one entry. When a
// settlement rule fires on the new state, the node ends the chapter: the
// settlement oracle narrates the recap and the payload carries no
// choices. A parent with a settled (or missing) chapter block opens a
// fresh chapter instead.
func (e *Engine) ContinueStory(ctx context.Context, p ContinueParams) (*datatypes.NodePayload, error) {
	choice := strings.TrimSpace(p.Choice)
	if choice == "" {
		return nil, fmt.Errorf("empty choice: %w", storyerr.ErrInvalidInput)
	}
	if p.ChapterNumber <= 0 {
		p.ChapterNumber = 1
	}

	profile := history.BuildProfile(p.Wish)

	var prevState datatypes.ChapterState
	var effects datatypes.Effects
	chapterCfg := newChapterConfig(e.cfg)
	nodeIndex := 1
	timeline := []datatypes.TimelineEntry{}
	imageToken := ""
	sameChapter := false

	prev := p.ParentMeta.Chapter
	switch {
	case prev == nil:
		slog.Warn("Parent carries no chapter block, opening a fresh chapter",
			"chapter_number", p.ChapterNumber)
		imageToken = newImageToken()
	case prev.Settled():
		// The previous chapter ended; this continue opens the next one
		// with reset state and a new continuity token.
		imageToken = newImageToken()
	default:
		sameChapter = true
		chapterCfg = prev.Config
		prevState = prev.State
		nodeIndex = prev.NodeIndex + 1
		imageToken = prev.ImageToken
		timeline = make([]datatypes.TimelineEntry, len(prev.Timeline), len(prev.Timeline)+1)
		copy(timeline, prev.Timeline)

		var known bool
		effects, known = prev.HiddenEffects[choice]
		if !known {
			slog.Warn("Choice missing from parent's hidden effect map",
				"choice", choice, "options", len(prev.HiddenEffects))
		}
	}

	prompt, err := renderPrompt(nodeTmpl, nodePromptData{
		HistoryContext:      profile.ContextBlock(),
		ChapterNumber:       p.ChapterNumber,
		RecommendedChapters: profile.RecommendedChapterCount,
		Choice:              choice,
		ImageToken:          imageToken,
	})
	if err != nil {
		return nil, err
	}

	var resp nodeModelResponse
	if err := e.generateStrict(ctx, prompt, p.History, func(raw string) error {
		return parseNodeResponse(raw, &resp)
	}); err != nil {
		return nil, err
	}

	newState := applyEffects(prevState, effects)

	var feedback *datatypes.MicroFeedback
	if sameChapter {
		feedback = buildMicroFeedback(prevState, newState)
		impact := strings.TrimSpace(p.ChoiceSummary)
		if impact == "" {
			impact = choice
		}
		timeline = append(timeline, datatypes.TimelineEntry{
			Node:   prev.NodeIndex,
			Choice: choice,
			Impact: impact,
		})
	}

	block := &datatypes.ChapterBlock{
		Config:        chapterCfg,
		State:         newState,
		Timeline:      timeline,
		NodeIndex:     nodeIndex,
		ImageToken:    imageToken,
		MicroFeedback: feedback,
	}

	choices := displayChoicesFrom(resp.Choices)
	imagePrompt := firstNonEmpty(resp.ImagePrompts)

	if result, settling := decideSettlement(newState, nodeIndex, chapterCfg); settling {
		settlement := e.runSettlementOracle(ctx, result, newState, timeline)
		block.Settlement = settlement
		choices = []datatypes.DisplayChoice{}
		if settlement.CoverImagePrompt != "" {
			imagePrompt = settlement.CoverImagePrompt
		}
		slog.Info("Chapter settled",
			"result", result, "grade", settlement.Grade,
			"score", settlement.Score, "nodes", nodeIndex)
	} else {
		block.HiddenEffects = hiddenEffectsFrom(resp.Choices)
	}

	return &datatypes.NodePayload{
		Text:     resp.Text,
		Choices:  choices,
		ImageURL: e.imageFor(ctx, resp.Text, imagePrompt),
		Metadata: datatypes.NodeMetadata{
			Source:         datatypes.SourceContinue,
			ChapterNumber:  p.ChapterNumber,
			HistoryProfile: profile.Name,
			ImagePrompts:   resp.ImagePrompts,
			Chapter:        block,
		},
	}, nil
}

// BuildStoryHistory converts a root-first node path into the conversation
// the model sees: the choice that led into each node becomes a user turn,
// followed by that node's narrative as an assistant turn. The path always
// ends on narrative, so the caller's next choice reads as the reply.
func BuildStoryHistory(path []store.Node) []llm.Message {
	msgs := make([]llm.Message, 0, len(path)*2)
	for i := range path {
		node := &path[i]
		if node.UserChoice != nil && *node.UserChoice != "" {
			msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: "我选择了：" + *node.UserChoice})
		}
		if strings.TrimSpace(node.StoryText) != "" {
			msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: node.StoryText})
		}
	}
	return msgs
}

// SummaryForChoice finds the summary attached to an option in a choice
// list. Empty when the option is not on the list.
func SummaryForChoice(choices []datatypes.DisplayChoice, option string) string {
	for _, c := range choices {
		if c.Option == option {
			return c.Summary
		}
	}
	return ""
}

// =============================================================================
// Settlement Oracle
// =============================================================================

// runSettlementOracle produces the chapter-ending settlement. The result,
// grade, and score are decided locally; the model only narrates. Any
// oracle failure falls back to the fixed skeleton — a settled chapter
// never un-settles because a recap could not be written.
func (e *Engine) runSettlementOracle(ctx context.Context, result string, state datatypes.ChapterState, timeline []datatypes.TimelineEntry) *datatypes.Settlement {
	score, grade := settlementGrade(state)
	narrative := settlementSkeleton(result, timeline)

	prompt, err := renderPrompt(settlementTmpl, settlementPromptData{
		TimelineBlock: renderTimelineBlock(timeline),
		Result:        result,
		Grade:         grade,
	})
	if err != nil {
		slog.Warn("Settlement prompt render failed, using skeleton", "error", err)
	} else if raw, genErr := e.client.Generate(ctx, prompt, e.generateOptions(nil)); genErr != nil {
		slog.Warn("Settlement oracle call failed, using skeleton", "error", genErr)
	} else {
		var resp settlementModelResponse
		if derr := decodeModelJSON(raw, &resp); derr != nil {
			slog.Warn("Settlement oracle output unparseable, using skeleton", "error", derr)
		} else {
			if strings.TrimSpace(resp.ChapterSummary) != "" {
				narrative.ChapterSummary = resp.ChapterSummary
			}
			if len(resp.KeyImpacts) > 0 {
				narrative.KeyImpacts = resp.KeyImpacts
			}
			if strings.TrimSpace(resp.NextChapterHook) != "" {
				narrative.NextChapterHook = resp.NextChapterHook
			}
			if strings.TrimSpace(resp.CoverImagePrompt) != "" {
				narrative.CoverImagePrompt = resp.CoverImagePrompt
			}
		}
	}

	if e.metrics != nil {
		e.metrics.RecordSettlement(result, grade)
	}

	// The timeline in the settlement is always the engine's record; the
	// oracle's retelling of it is advisory and may hallucinate entries.
	return &datatypes.Settlement{
		Result:           result,
		Grade:            grade,
		Score:            score,
		ChapterSummary:   narrative.ChapterSummary,
		Timeline:         timeline,
		KeyImpacts:       narrative.KeyImpacts,
		NextChapterHook:  narrative.NextChapterHook,
		CoverImagePrompt: narrative.CoverImagePrompt,
	}
}

// =============================================================================
// Generation Helpers
// =============================================================================

// generateStrict calls the model and parses its output through parse. A
// parse failure triggers exactly one repair call that feeds the broken
// output back with a stricter preamble; a second failure is
// ErrInvalidModelOutput.
func (e *Engine) generateStrict(ctx context.Context, prompt string, hist []llm.Message, parse func(raw string) error) error {
	raw, err := e.client.Generate(ctx, prompt, e.generateOptions(hist))
	if err != nil {
		return err
	}
	perr := parse(raw)
	if perr == nil {
		return nil
	}

	slog.Warn("Model output failed to parse, attempting repair",
		"backend", e.client.Name(), "error", perr, "output_len", len(raw))

	repaired, err := e.client.Generate(ctx, repairPromptPrefix+raw, e.repairOptions())
	if err != nil {
		return fmt.Errorf("json repair call failed: %w", err)
	}
	if perr = parse(repaired); perr != nil {
		return fmt.Errorf("model output unparseable after repair: %v: %w",
			perr, storyerr.ErrInvalidModelOutput)
	}
	return nil
}

func (e *Engine) generateOptions(hist []llm.Message) llm.GenerateOptions {
	temp := e.cfg.LLMTemperature
	maxTokens := e.cfg.LLMMaxTokens
	return llm.GenerateOptions{
		History:     hist,
		Temperature: &temp,
		MaxTokens:   &maxTokens,
		JSONMode:    true,
	}
}

func (e *Engine) repairOptions() llm.GenerateOptions {
	temp := repairTemperature
	maxTokens := e.cfg.LLMMaxTokens
	system := strictJSONPreamble
	return llm.GenerateOptions{
		Temperature: &temp,
		MaxTokens:   &maxTokens,
		System:      &system,
		JSONMode:    true,
	}
}

func (e *Engine) imageFor(ctx context.Context, text, prompt string) string {
	if e.images == nil {
		return ""
	}
	return e.images.GetImageForStory(ctx, text, prompt)
}

// newImageToken mints a continuity token tying a chapter's illustrations
// to one visual style.
func newImageToken() string {
	return "img-" + uuid.NewString()[:8]
}

func displayChoicesFrom(choices []modelChoice) []datatypes.DisplayChoice {
	out := make([]datatypes.DisplayChoice, 0, len(choices))
	for _, c := range choices {
		out = append(out, datatypes.DisplayChoice{
			Option:  c.Option,
			Summary: c.Summary,
		})
	}
	return out
}

func hiddenEffectsFrom(choices []modelChoice) map[string]datatypes.Effects {
	effects := make(map[string]datatypes.Effects, len(choices))
	for _, c := range choices {
		effects[c.Option] = c.Effects
	}
	return effects
}

func firstNonEmpty(values []string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
