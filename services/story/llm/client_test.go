// Copyright (C) 2025 SamsaraWorks (dev@samsaraworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"testing"

	"github.com/SamsaraWorks/RebirthBackend/services/story/config"
)

func TestNew_AutoPrefersDoubao(t *testing.T) {
	cfg := config.Config{
		LLMBackend:   "auto",
		DoubaoAPIKey: config.NewSecret("doubao-key"),
		OpenAIAPIKey: config.NewSecret("openai-key"),
	}.WithDefaults()

	client, err := New(cfg)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if client.Name() != "doubao" {
		t.Errorf("Auto should prefer doubao when its key is set, got '%s'", client.Name())
	}
}

func TestNew_AutoPicksOpenAIWithoutDoubao(t *testing.T) {
	cfg := config.Config{
		LLMBackend:   "auto",
		OpenAIAPIKey: config.NewSecret("openai-key"),
	}.WithDefaults()

	client, err := New(cfg)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if client.Name() != "openai" {
		t.Errorf("Auto should pick openai when only its key is set, got '%s'", client.Name())
	}
}

func TestNew_AutoFallsBackToOllama(t *testing.T) {
	cfg := config.Config{LLMBackend: "auto"}.WithDefaults()

	client, err := New(cfg)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if client.Name() != "ollama" {
		t.Errorf("Auto should fall back to ollama without keys, got '%s'", client.Name())
	}
}

func TestNew_ExplicitBackendRequiresKey(t *testing.T) {
	for _, backend := range []string{"doubao", "openai"} {
		cfg := config.Config{LLMBackend: backend}.WithDefaults()
		if _, err := New(cfg); err == nil {
			t.Errorf("Backend %s without key should fail", backend)
		}
	}
}

func TestNew_UnknownBackend(t *testing.T) {
	cfg := config.Config{LLMBackend: "gemini"}.WithDefaults()
	if _, err := New(cfg); err == nil {
		t.Error("Unknown backend should fail")
	}
}
