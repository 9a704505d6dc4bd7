// Copyright (C) 2025 SamsaraWorks (dev@samsaraworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sashabaranov/go-openai"
)

// OpenAICompatClient speaks the OpenAI chat-completions protocol. It
// serves both the real OpenAI endpoint and Doubao's Ark endpoint, which
// is wire-compatible behind a different base URL.
type OpenAICompatClient struct {
	client *openai.Client
	model  string
	name   string
}

// NewOpenAICompatClient builds a client against an OpenAI-compatible
// endpoint. baseURL may be empty for the SDK default.
func NewOpenAICompatClient(name, apiKey, baseURL, model string) *OpenAICompatClient {
	clientConfig := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		clientConfig.BaseURL = baseURL
	}
	slog.Info("Initializing OpenAI-compatible LLM client",
		"backend", name, "model", model, "base_url", baseURL)
	return &OpenAICompatClient{
		client: openai.NewClientWithConfig(clientConfig),
		model:  model,
		name:   name,
	}
}

// Name implements the Client interface.
func (o *OpenAICompatClient) Name() string { return o.name }

// Generate implements the Client interface.
func (o *OpenAICompatClient) Generate(ctx context.Context, prompt string,
	opts GenerateOptions) (string, error) {

	slog.Debug("Generating text via OpenAI-compatible backend",
		"backend", o.name, "model", o.model, "history_turns", len(opts.History))

	messages := make([]openai.ChatCompletionMessage, 0, len(opts.History)+2)
	if opts.System != nil && *opts.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: *opts.System,
		})
	}
	for _, turn := range opts.History {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    turn.Role,
			Content: turn.Content,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: prompt,
	})

	req := openai.ChatCompletionRequest{
		Model:    o.model,
		Messages: messages,
	}
	if opts.Temperature != nil {
		req.Temperature = *opts.Temperature
	}
	if opts.MaxTokens != nil {
		req.MaxTokens = *opts.MaxTokens
	}
	if opts.JSONMode {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		slog.Error("OpenAI-compatible API call failed", "backend", o.name, "error", err)
		return "", fmt.Errorf("%s API call failed: %w", o.name, err)
	}
	if len(resp.Choices) == 0 {
		slog.Warn("Model returned no choices", "backend", o.name)
		return "", fmt.Errorf("%s returned no choices", o.name)
	}

	if resp.Usage.TotalTokens > 0 {
		slog.Debug("Received model response",
			"backend", o.name,
			"finish_reason", resp.Choices[0].FinishReason,
			"total_tokens", resp.Usage.TotalTokens,
		)
	} else {
		slog.Debug("Received model response",
			"backend", o.name,
			"finish_reason", resp.Choices[0].FinishReason,
		)
	}
	return resp.Choices[0].Message.Content, nil
}

var _ Client = (*OpenAICompatClient)(nil)
