// Copyright (C) 2025 SamsaraWorks (dev@samsaraworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// newMockOllamaServer creates a test server standing in for a local
// Ollama instance. Handlers respond to /api/chat.
func newMockOllamaServer(handler http.HandlerFunc) *httptest.Server {
	return httptest.NewServer(handler)
}

func TestOllamaClient_Generate_RequestShape(t *testing.T) {
	t.Parallel()

	var captured ollamaChatRequest
	server := newMockOllamaServer(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("Expected path /api/chat, got %s", r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Expected Content-Type application/json, got %s", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("Failed to decode request body: %v", err)
		}
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"once upon a time"},"done":true}`)
	})
	defer server.Close()

	client := NewOllamaClient(server.URL, "test-model", 30*time.Second)

	system := "you are a storyteller"
	temperature := float32(0.8)
	maxTokens := 512
	out, err := client.Generate(context.Background(), "tell me a story", GenerateOptions{
		System:      &system,
		Temperature: &temperature,
		MaxTokens:   &maxTokens,
		History: []Message{
			{Role: RoleUser, Content: "earlier question"},
			{Role: RoleAssistant, Content: "earlier answer"},
		},
	})
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	if out != "once upon a time" {
		t.Errorf("Expected assistant content, got '%s'", out)
	}

	if captured.Model != "test-model" {
		t.Errorf("Expected model 'test-model', got '%s'", captured.Model)
	}
	if captured.Stream {
		t.Error("Stream should be false for single-shot generation")
	}
	if captured.Format != "" {
		t.Errorf("Format should be empty without JSON mode, got '%s'", captured.Format)
	}

	// system, two history turns, then the prompt
	if len(captured.Messages) != 4 {
		t.Fatalf("Expected 4 messages, got %d", len(captured.Messages))
	}
	if captured.Messages[0].Role != RoleSystem || captured.Messages[0].Content != system {
		t.Errorf("First message should be the system prompt, got %+v", captured.Messages[0])
	}
	if captured.Messages[1].Content != "earlier question" {
		t.Errorf("History should precede the prompt, got %+v", captured.Messages[1])
	}
	if captured.Messages[3].Role != RoleUser || captured.Messages[3].Content != "tell me a story" {
		t.Errorf("Last message should be the user prompt, got %+v", captured.Messages[3])
	}

	if got, ok := captured.Options["temperature"].(float64); !ok || got != 0.8 {
		t.Errorf("Expected temperature option 0.8, got %v", captured.Options["temperature"])
	}
	if got, ok := captured.Options["num_predict"].(float64); !ok || got != 512 {
		t.Errorf("Expected num_predict option 512, got %v", captured.Options["num_predict"])
	}
}

func TestOllamaClient_Generate_JSONMode(t *testing.T) {
	t.Parallel()

	var captured ollamaChatRequest
	server := newMockOllamaServer(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("Failed to decode request body: %v", err)
		}
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"{\"ok\":true}"},"done":true}`)
	})
	defer server.Close()

	client := NewOllamaClient(server.URL, "test-model", 30*time.Second)

	out, err := client.Generate(context.Background(), "give me json",
		GenerateOptions{JSONMode: true})
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	if out != `{"ok":true}` {
		t.Errorf("Expected JSON body, got '%s'", out)
	}
	if captured.Format != "json" {
		t.Errorf("Expected format 'json', got '%s'", captured.Format)
	}
}

func TestOllamaClient_Generate_ModelNotFound(t *testing.T) {
	t.Parallel()

	server := newMockOllamaServer(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprintln(w, `{"error":"model 'missing-model' not found, try pulling it first"}`)
	})
	defer server.Close()

	client := NewOllamaClient(server.URL, "missing-model", 30*time.Second)

	_, err := client.Generate(context.Background(), "hi", GenerateOptions{})
	if err == nil {
		t.Fatal("Generate should fail for a missing model")
	}
	if !strings.Contains(err.Error(), "ollama pull missing-model") {
		t.Errorf("Error should suggest pulling the model, got: %v", err)
	}
}

func TestOllamaClient_Generate_ServerError(t *testing.T) {
	t.Parallel()

	server := newMockOllamaServer(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprintln(w, `{"error":"out of memory"}`)
	})
	defer server.Close()

	client := NewOllamaClient(server.URL, "test-model", 30*time.Second)

	_, err := client.Generate(context.Background(), "hi", GenerateOptions{})
	if err == nil {
		t.Fatal("Generate should fail for a server error")
	}
	if !strings.Contains(err.Error(), "500") {
		t.Errorf("Error should contain the status code, got: %v", err)
	}
}

func TestOllamaClient_Generate_ContextCancellation(t *testing.T) {
	t.Parallel()

	server := newMockOllamaServer(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"too late"},"done":true}`)
	})
	defer server.Close()

	client := NewOllamaClient(server.URL, "test-model", 30*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Generate(ctx, "hi", GenerateOptions{})
	if err == nil {
		t.Fatal("Generate should fail on context cancellation")
	}
}

func TestNewOllamaClient_TrimsTrailingSlash(t *testing.T) {
	t.Parallel()

	client := NewOllamaClient("http://localhost:11434/", "m", time.Second)
	if client.baseURL != "http://localhost:11434" {
		t.Errorf("Trailing slash should be trimmed, got '%s'", client.baseURL)
	}
}
