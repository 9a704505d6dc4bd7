// Copyright (C) 2025 SamsaraWorks (dev@samsaraworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package images

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/SamsaraWorks/RebirthBackend/services/story/config"
	"github.com/SamsaraWorks/RebirthBackend/services/story/storyerr"
)

// generationPromptPrefix frames the scene prompt for OneAPI-style
// endpoints that expose image models through chat completions.
const generationPromptPrefix = "Generate an image based on this prompt: "

// Generator produces illustrations through a OneAPI-compatible
// chat-completions endpoint. The model answers with an image URL (or
// inline data) in the assistant message content.
type Generator struct {
	httpClient *http.Client
	baseURL    string
	apiKey     *config.Secret
	model      string

	maxRetries       int
	firstReadTimeout time.Duration
	retryReadTimeout time.Duration
}

type imageChatContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type imageChatMessage struct {
	Role    string             `json:"role"`
	Content []imageChatContent `json:"content"`
}

type imageChatRequest struct {
	Model       string             `json:"model"`
	Messages    []imageChatMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float32            `json:"temperature"`
}

type imageChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// NewGenerator validates the image-generation configuration and builds
// the client. The connect timeout lives in the dialer; read deadlines
// are applied per attempt, longer on the first try.
func NewGenerator(cfg config.Config) (*Generator, error) {
	cfg = cfg.WithDefaults()
	if cfg.OneAPIBaseURL == "" {
		return nil, fmt.Errorf("image generation enabled but ONEAPI_BASE_URL not set")
	}
	if !cfg.OneAPIKey.IsSet() {
		return nil, fmt.Errorf("image generation enabled but ONEAPI_API_KEY not set")
	}

	dialer := &net.Dialer{
		Timeout: time.Duration(cfg.ImageConnectTimeoutSeconds) * time.Second,
	}
	slog.Info("Initializing image generation client",
		"base_url", cfg.OneAPIBaseURL, "model", cfg.OneAPIModel)

	return &Generator{
		httpClient: &http.Client{
			Transport: &http.Transport{DialContext: dialer.DialContext},
		},
		baseURL:          cfg.OneAPIBaseURL,
		apiKey:           cfg.OneAPIKey,
		model:            cfg.OneAPIModel,
		maxRetries:       cfg.ImageMaxRetries,
		firstReadTimeout: time.Duration(cfg.ImageFirstReadTimeoutSeconds) * time.Second,
		retryReadTimeout: time.Duration(cfg.ImageRetryReadTimeoutSeconds) * time.Second,
	}, nil
}

// Generate asks the model for an image matching prompt and returns the
// assistant content, normally a URL. Exhausted retries wrap
// storyerr.ErrImageUnavailable.
func (g *Generator) Generate(ctx context.Context, prompt string) (string, error) {
	payload := imageChatRequest{
		Model: g.model,
		Messages: []imageChatMessage{{
			Role: "user",
			Content: []imageChatContent{{
				Type: "text",
				Text: generationPromptPrefix + prompt,
			}},
		}},
		MaxTokens:   4096,
		Temperature: 0.7,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal image generation request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		if attempt > 0 {
			slog.Info("Retrying image generation",
				"attempt", attempt+1, "max_attempts", g.maxRetries+1, "error", lastErr)
		}

		readTimeout := g.firstReadTimeout
		if attempt > 0 {
			readTimeout = g.retryReadTimeout
		}

		content, err := g.post(ctx, body, readTimeout)
		if err == nil {
			return content, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			break
		}
	}

	return "", fmt.Errorf("image generation failed after %d attempts: %v: %w",
		g.maxRetries+1, lastErr, storyerr.ErrImageUnavailable)
}

func (g *Generator) post(ctx context.Context, body []byte, readTimeout time.Duration) (string, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, g.baseURL,
		bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create image generation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.apiKey.Reveal())

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("image generation request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read image generation response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("image generation returned status %d: %s",
			resp.StatusCode, string(respBody))
	}

	var parsed imageChatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("failed to parse image generation response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("image generation response contained no choices")
	}

	content := strings.TrimSpace(parsed.Choices[0].Message.Content)
	if content == "" {
		return "", fmt.Errorf("image generation response contained no image data")
	}

	slog.Debug("Image generation succeeded", "content_length", len(content))
	return content, nil
}
