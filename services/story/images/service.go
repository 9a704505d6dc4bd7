// Copyright (C) 2025 SamsaraWorks (dev@samsaraworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package images supplies illustrations for story nodes.
//
// The strategy is hybrid: when AI generation is enabled, a scene prompt
// goes to a OneAPI-compatible endpoint and the result is persisted to
// local disk under a content-addressed name; any failure on that path
// falls back silently to a keyword-matched pick from the pre-shipped
// library. Story generation never fails because of an image.
package images

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/dgraph-io/badger/v4"

	"github.com/SamsaraWorks/RebirthBackend/services/story/config"
	"github.com/SamsaraWorks/RebirthBackend/services/story/observability"
)

// Service is the image facade the story engine calls.
type Service struct {
	library   *Library
	generator *Generator
	storage   *Storage
	enabled   bool
	metrics   *observability.GameMetrics
}

// NewService wires the library, storage, and (when enabled) the
// generator from configuration. db backs the artifact index and may be
// nil.
func NewService(cfg config.Config, db *badger.DB) (*Service, error) {
	cfg = cfg.WithDefaults()

	library := NewLibrary(filepath.Join(cfg.AssetsDir, "images"))
	storage, err := NewStorage(filepath.Join(cfg.AssetsDir, "generated"), db)
	if err != nil {
		return nil, err
	}

	svc := &Service{
		library: library,
		storage: storage,
		enabled: cfg.EnableAIImages,
		metrics: observability.DefaultMetrics,
	}

	if cfg.EnableAIImages {
		generator, err := NewGenerator(cfg)
		if err != nil {
			return nil, err
		}
		svc.generator = generator
	} else {
		slog.Info("AI image generation disabled, using library only")
	}

	return svc, nil
}

// Library exposes the picker, mainly for the watcher lifecycle.
func (s *Service) Library() *Library { return s.library }

// Storage exposes the artifact store for the CLI maintenance commands.
func (s *Service) Storage() *Storage { return s.storage }

// Watch starts the library's directory watcher.
func (s *Service) Watch(ctx context.Context) error {
	return s.library.Watch(ctx)
}

// Stop halts background work.
func (s *Service) Stop() {
	s.library.Stop()
}

// GetImageForStory returns a web URL for the node illustration. prompt
// is the model's scene prompt and may be empty, in which case only the
// library is consulted. Every failure path degrades to a library pick;
// the returned URL is always usable.
func (s *Service) GetImageForStory(ctx context.Context, storyText, prompt string) string {
	if s.enabled && s.generator != nil && prompt != "" {
		if url, err := s.generateAndPersist(ctx, storyText, prompt); err == nil {
			s.recordServed(observability.ImageSourceGenerated)
			return url
		} else {
			slog.Warn("AI image generation failed, falling back to library", "error", err)
		}
	}

	name, ok := s.library.Pick(storyText)
	if !ok {
		s.recordServed(observability.ImageSourcePlaceholder)
		return LibraryWebPrefix + "/" + PlaceholderFile
	}
	s.recordServed(observability.ImageSourceLibrary)
	return LibraryWebPrefix + "/" + name
}

func (s *Service) generateAndPersist(ctx context.Context, storyText, prompt string) (string, error) {
	content, err := s.generator.Generate(ctx, prompt)
	if err != nil {
		return "", err
	}
	return s.storage.PersistRemoteImage(ctx, content, storyText)
}

func (s *Service) recordServed(source observability.ImageSource) {
	if s.metrics != nil {
		s.metrics.RecordImageServed(source)
	}
}
