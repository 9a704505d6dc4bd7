// Copyright (C) 2025 SamsaraWorks (dev@samsaraworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package images

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"golang.org/x/sync/singleflight"

	"github.com/SamsaraWorks/RebirthBackend/services/story/observability"
)

// GeneratedWebPrefix is the URL path generated artifacts are served
// under. The node-readiness gate keys off this prefix.
const GeneratedWebPrefix = "/static/generated"

// LibraryWebPrefix is the URL path library images are served under.
const LibraryWebPrefix = "/static/images"

const (
	artifactKeyPrefix = "image:"
	downloadTimeout   = 30 * time.Second
)

// ArtifactInfo is the badger index record for one stored artifact. The
// filesystem remains the source of truth; the index gives restart-safe
// idempotency without a stat and carries the response metadata.
type ArtifactInfo struct {
	LocalPath   string    `json:"local_path"`
	ContentType string    `json:"content_type"`
	SizeBytes   int64     `json:"size_bytes"`
	CreatedAt   time.Time `json:"created_at"`
}

// StorageStats summarizes the on-disk artifact set.
type StorageStats struct {
	TotalFiles     int     `json:"total_files"`
	TotalSizeBytes int64   `json:"total_size_bytes"`
	TotalSizeMB    float64 `json:"total_size_mb"`
	Dir            string  `json:"dir"`
}

// Storage downloads AI-generated images to local disk under
// content-addressed names. Persisting the same (url, context) twice is
// idempotent, and concurrent identical persists collapse into one
// download via singleflight.
type Storage struct {
	dir        string
	db         *badger.DB
	flight     singleflight.Group
	httpClient *http.Client
	metrics    *observability.GameMetrics
}

// NewStorage creates the artifact directory if needed. db may be nil;
// idempotency then falls back to stat checks only.
func NewStorage(dir string, db *badger.DB) (*Storage, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create image storage directory %s: %w", dir, err)
	}
	slog.Info("Image storage ready", "dir", dir)
	return &Storage{
		dir:        dir,
		db:         db,
		httpClient: &http.Client{Timeout: downloadTimeout},
		metrics:    observability.DefaultMetrics,
	}, nil
}

// Dir returns the artifact directory.
func (s *Storage) Dir() string { return s.dir }

// PersistRemoteImage downloads the image at rawURL and returns its
// local web URL under GeneratedWebPrefix. Non-external values (already
// local paths, inline data) pass through unchanged. An existing
// artifact short-circuits without a download.
func (s *Storage) PersistRemoteImage(ctx context.Context, rawURL, storyContext string) (string, error) {
	if !isExternalURL(rawURL) {
		slog.Debug("Image is not an external URL, passing through")
		return rawURL, nil
	}

	filename := artifactFilename(rawURL, storyContext)
	webURL := GeneratedWebPrefix + "/" + filename

	_, err, _ := s.flight.Do(filename, func() (interface{}, error) {
		if s.hasArtifact(filename) {
			slog.Info("Image artifact already stored", "file", filename)
			return nil, nil
		}
		return nil, s.download(ctx, rawURL, filename)
	})
	if err != nil {
		return "", err
	}
	return webURL, nil
}

// hasArtifact consults the index first, then the filesystem. A file
// present without an index entry still counts; the index is rebuilt on
// the next successful download.
func (s *Storage) hasArtifact(filename string) bool {
	if s.db != nil {
		err := s.db.View(func(txn *badger.Txn) error {
			_, err := txn.Get([]byte(artifactKeyPrefix + filename))
			return err
		})
		if err == nil {
			return true
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			slog.Warn("Image index read failed", "file", filename, "error", err)
		}
	}
	info, err := os.Stat(filepath.Join(s.dir, filename))
	return err == nil && info.Size() > 0
}

func (s *Storage) download(ctx context.Context, rawURL, filename string) error {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create image download request: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("image download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("image download returned status %d", resp.StatusCode)
	}
	contentType := strings.ToLower(resp.Header.Get("Content-Type"))
	if !strings.HasPrefix(contentType, "image/") {
		return fmt.Errorf("image URL returned non-image content type %q", contentType)
	}

	localPath := filepath.Join(s.dir, filename)
	f, err := os.OpenFile(localPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0640)
	if err != nil {
		return fmt.Errorf("failed to create image file: %w", err)
	}

	size, err := io.Copy(f, resp.Body)
	if err != nil {
		f.Close()
		os.Remove(localPath)
		return fmt.Errorf("failed to write image file: %w", err)
	}
	// The readiness gate reads this file the moment the node lands;
	// make sure the bytes are on disk before the URL escapes.
	if err := f.Sync(); err != nil {
		slog.Warn("Image file sync failed", "file", filename, "error", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close image file: %w", err)
	}

	s.indexArtifact(filename, ArtifactInfo{
		LocalPath:   localPath,
		ContentType: contentType,
		SizeBytes:   size,
		CreatedAt:   time.Now().UTC(),
	})

	elapsed := time.Since(start)
	if s.metrics != nil {
		s.metrics.RecordImageDownload(elapsed.Seconds())
	}
	slog.Info("Image downloaded", "file", filename, "bytes", size, "elapsed", elapsed)
	return nil
}

func (s *Storage) indexArtifact(filename string, info ArtifactInfo) {
	if s.db == nil {
		return
	}
	value, err := json.Marshal(info)
	if err != nil {
		slog.Warn("Image index marshal failed", "file", filename, "error", err)
		return
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(artifactKeyPrefix+filename), value)
	})
	if err != nil {
		slog.Warn("Image index write failed", "file", filename, "error", err)
	}
}

func (s *Storage) dropIndexEntry(filename string) {
	if s.db == nil {
		return
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(artifactKeyPrefix + filename))
	})
	if err != nil {
		slog.Warn("Image index delete failed", "file", filename, "error", err)
	}
}

// CleanupOldImages removes artifacts whose modification time is older
// than days. Returns the number of files removed.
func (s *Storage) CleanupOldImages(days int) (int, error) {
	cutoff := time.Now().Add(-time.Duration(days) * 24 * time.Hour)

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("read image storage directory: %w", err)
	}

	deleted := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, entry.Name())); err != nil {
			slog.Warn("Failed to remove old image", "file", entry.Name(), "error", err)
			continue
		}
		s.dropIndexEntry(entry.Name())
		deleted++
		slog.Debug("Removed old image", "file", entry.Name())
	}

	slog.Info("Image cleanup complete", "deleted", deleted, "older_than_days", days)
	return deleted, nil
}

// Stats walks the artifact directory. The filesystem is authoritative;
// the index may lag after manual deletions.
func (s *Storage) Stats() (StorageStats, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return StorageStats{}, fmt.Errorf("read image storage directory: %w", err)
	}

	stats := StorageStats{Dir: s.dir}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		stats.TotalFiles++
		stats.TotalSizeBytes += info.Size()
	}
	stats.TotalSizeMB = float64(stats.TotalSizeBytes) / (1024 * 1024)
	return stats, nil
}

func isExternalURL(raw string) bool {
	return strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://")
}

// artifactFilename derives the content-addressed name from the source
// URL and the first 100 runes of story context, so one scene maps to
// one artifact across retries.
func artifactFilename(rawURL, storyContext string) string {
	contextRunes := []rune(storyContext)
	if len(contextRunes) > 100 {
		contextRunes = contextRunes[:100]
	}
	sum := sha256.Sum256([]byte(rawURL + "_" + string(contextRunes)))
	hash := hex.EncodeToString(sum[:])[:32]

	ext := ".png"
	if parsed, err := url.Parse(rawURL); err == nil {
		switch {
		case strings.HasSuffix(strings.ToLower(parsed.Path), ".jpg"),
			strings.HasSuffix(strings.ToLower(parsed.Path), ".jpeg"):
			ext = ".jpg"
		case strings.HasSuffix(strings.ToLower(parsed.Path), ".gif"):
			ext = ".gif"
		case strings.HasSuffix(strings.ToLower(parsed.Path), ".webp"):
			ext = ".webp"
		}
	}
	return "ai_gen_" + hash + ext
}
