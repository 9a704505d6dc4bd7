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
	"math/rand"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/SamsaraWorks/RebirthBackend/services/story/config"
	"github.com/SamsaraWorks/RebirthBackend/services/story/observability"
	"github.com/SamsaraWorks/RebirthBackend/services/story/storyerr"
)

// jsonSystemPreamble forces a bare JSON object out of models that like
// to wrap answers in prose or code fences.
const jsonSystemPreamble = "你是一个只输出JSON的接口。直接输出一个JSON对象，" +
	"不要任何解释、前缀、后缀或Markdown代码块标记。"

// Stats is a point-in-time snapshot of adapter activity, served by the
// JSON metrics endpoint.
type Stats struct {
	Backend      string  `json:"backend"`
	Calls        int64   `json:"calls"`
	Retries      int64   `json:"retries"`
	Failures     int64   `json:"failures"`
	LastLatency  float64 `json:"last_latency_seconds"`
	AvgLatency   float64 `json:"avg_latency_seconds"`
	RateLimited  bool    `json:"rate_limited"`
	MaxRetries   int     `json:"max_retries"`
	AttemptLimit float64 `json:"attempt_timeout_seconds"`
}

// Resilient wraps a backend Client with retries, randomized backoff,
// per-attempt timeouts, an optional process-wide rate limiter, and the
// response_format fallback for providers that reject the parameter.
//
// All story generation goes through this wrapper; the raw backends are
// never called directly outside tests.
type Resilient struct {
	inner          Client
	maxRetries     int
	backoffMin     time.Duration
	backoffMax     time.Duration
	attemptTimeout time.Duration
	limiter        *rate.Limiter
	metrics        *observability.GameMetrics

	mu           sync.Mutex
	calls        int64
	retries      int64
	failures     int64
	lastLatency  time.Duration
	totalLatency time.Duration
}

// NewResilient wraps inner with the retry policy from cfg. The
// observability singleton is picked up if initialized; nil is fine for
// tests.
func NewResilient(inner Client, cfg config.Config) *Resilient {
	cfg = cfg.WithDefaults()
	r := &Resilient{
		inner:          inner,
		maxRetries:     cfg.LLMMaxRetries,
		backoffMin:     time.Duration(cfg.LLMBackoffMinMS) * time.Millisecond,
		backoffMax:     time.Duration(cfg.LLMBackoffMaxMS) * time.Millisecond,
		attemptTimeout: cfg.LLMTimeout(),
		metrics:        observability.DefaultMetrics,
	}
	if cfg.LLMRequestsPerSecond > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(cfg.LLMRequestsPerSecond), 1)
	}
	return r
}

// Name implements the Client interface.
func (r *Resilient) Name() string { return r.inner.Name() }

// Generate implements the Client interface. It retries transient
// failures up to maxRetries extra attempts; exhaustion wraps
// storyerr.ErrLLMUnavailable so callers can map the condition without
// string matching.
func (r *Resilient) Generate(ctx context.Context, prompt string,
	opts GenerateOptions) (string, error) {

	if opts.JSONMode && opts.System == nil {
		preamble := jsonSystemPreamble
		opts.System = &preamble
	}

	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if attempt > 0 {
			wait := r.backoffDelay()
			slog.Warn("Retrying model call",
				"backend", r.inner.Name(),
				"attempt", attempt+1,
				"max_attempts", r.maxRetries+1,
				"backoff", wait,
				"error", lastErr,
			)
			select {
			case <-ctx.Done():
				r.recordFailure()
				return "", fmt.Errorf("model call canceled during backoff: %w", ctx.Err())
			case <-time.After(wait):
			}
			r.recordRetry()
		}

		out, err := r.attempt(ctx, prompt, opts)
		if err == nil {
			return out, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			// The parent gave up; more attempts cannot help.
			break
		}
	}

	r.recordFailure()
	return "", fmt.Errorf("model backend %s failed after %d attempts: %v: %w",
		r.inner.Name(), r.maxRetries+1, lastErr, storyerr.ErrLLMUnavailable)
}

// attempt runs one bounded call against the backend, including the
// single in-attempt fallback without response_format when the provider
// rejects the parameter.
func (r *Resilient) attempt(ctx context.Context, prompt string,
	opts GenerateOptions) (string, error) {

	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("rate limiter wait: %w", err)
		}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, r.attemptTimeout)
	defer cancel()

	start := time.Now()
	out, err := r.inner.Generate(attemptCtx, prompt, opts)
	r.recordCall(err == nil, time.Since(start))
	if err == nil {
		return out, nil
	}

	if opts.JSONMode && isResponseFormatRejection(err) {
		slog.Warn("Provider rejected response_format, retrying without it",
			"backend", r.inner.Name(), "error", err)
		stripped := opts
		stripped.JSONMode = false

		start = time.Now()
		out, retryErr := r.inner.Generate(attemptCtx, prompt, stripped)
		r.recordCall(retryErr == nil, time.Since(start))
		if retryErr == nil {
			return out, nil
		}
		return "", retryErr
	}

	return "", err
}

// backoffDelay returns a uniform random duration in
// [backoffMin, backoffMax].
func (r *Resilient) backoffDelay() time.Duration {
	if r.backoffMax <= r.backoffMin {
		return r.backoffMin
	}
	spread := int64(r.backoffMax - r.backoffMin)
	return r.backoffMin + time.Duration(rand.Int63n(spread+1))
}

// isResponseFormatRejection detects providers that error on the
// response_format parameter instead of ignoring it.
func isResponseFormatRejection(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "response_format")
}

// Stats returns a consistent snapshot of the adapter counters.
func (r *Resilient) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := Stats{
		Backend:      r.inner.Name(),
		Calls:        r.calls,
		Retries:      r.retries,
		Failures:     r.failures,
		LastLatency:  r.lastLatency.Seconds(),
		RateLimited:  r.limiter != nil,
		MaxRetries:   r.maxRetries,
		AttemptLimit: r.attemptTimeout.Seconds(),
	}
	if r.calls > 0 {
		stats.AvgLatency = (r.totalLatency / time.Duration(r.calls)).Seconds()
	}
	return stats
}

func (r *Resilient) recordCall(success bool, latency time.Duration) {
	r.mu.Lock()
	r.calls++
	r.lastLatency = latency
	r.totalLatency += latency
	r.mu.Unlock()
	if r.metrics != nil {
		r.metrics.RecordLLMCall(r.inner.Name(), success, latency.Seconds())
	}
}

func (r *Resilient) recordRetry() {
	r.mu.Lock()
	r.retries++
	r.mu.Unlock()
	if r.metrics != nil {
		r.metrics.RecordLLMRetry(r.inner.Name())
	}
}

func (r *Resilient) recordFailure() {
	r.mu.Lock()
	r.failures++
	r.mu.Unlock()
}

var _ Client = (*Resilient)(nil)
