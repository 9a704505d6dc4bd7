// Copyright (C) 2025 SamsaraWorks (dev@samsaraworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package llm adapts the story engine to pluggable text model backends.
//
// Three backends are supported: Ark/Doubao and OpenAI through the
// go-openai SDK (Doubao speaks the OpenAI wire protocol behind a custom
// base URL), and Ollama through its native HTTP API. The engine always
// talks to the Resilient wrapper, which owns retries, backoff, rate
// limiting, and the JSON response-format fallback.
package llm

import (
	"context"
	"fmt"

	"github.com/SamsaraWorks/RebirthBackend/services/story/config"
)

// Message is one turn of model-visible conversation history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Conversation roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// GenerateOptions carries per-call generation parameters. Nil pointer
// fields mean "backend default".
type GenerateOptions struct {
	// History is prepended to the prompt as prior conversation turns.
	History []Message

	// Temperature overrides the sampling temperature.
	Temperature *float32

	// MaxTokens caps the completion length.
	MaxTokens *int

	// System overrides the system message for this call.
	System *string

	// JSONMode asks the provider for a JSON-object response format.
	// Providers that reject the parameter are retried without it by the
	// Resilient wrapper.
	JSONMode bool
}

// Client is the interface every text model backend implements.
type Client interface {
	// Generate produces a completion for prompt given the options.
	Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error)

	// Name identifies the backend for logs and metric labels.
	Name() string
}

// New builds the configured backend client, un-wrapped. Most callers
// want NewResilient(New(cfg), cfg) instead.
func New(cfg config.Config) (Client, error) {
	backend := cfg.LLMBackend
	if backend == "auto" || backend == "" {
		switch {
		case cfg.DoubaoAPIKey.IsSet():
			backend = "doubao"
		case cfg.OpenAIAPIKey.IsSet():
			backend = "openai"
		default:
			backend = "ollama"
		}
	}

	switch backend {
	case "doubao":
		if !cfg.DoubaoAPIKey.IsSet() {
			return nil, fmt.Errorf("llm backend doubao selected but DOUBAO_API_KEY not set")
		}
		return NewOpenAICompatClient("doubao", cfg.DoubaoAPIKey.Reveal(), cfg.DoubaoBaseURL, cfg.DoubaoModel), nil
	case "openai":
		if !cfg.OpenAIAPIKey.IsSet() {
			return nil, fmt.Errorf("llm backend openai selected but OPENAI_API_KEY not set")
		}
		return NewOpenAICompatClient("openai", cfg.OpenAIAPIKey.Reveal(), cfg.OpenAIBaseURL, cfg.OpenAIModel), nil
	case "ollama":
		return NewOllamaClient(cfg.OllamaURL, cfg.OllamaModel, cfg.LLMTimeout()), nil
	default:
		return nil, fmt.Errorf("unknown llm backend %q", backend)
	}
}
