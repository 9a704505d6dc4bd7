// Copyright (C) 2025 SamsaraWorks (dev@samsaraworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package images

import (
	"context"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// PlaceholderFile is served when the library is empty. It is excluded
// from normal picks.
const PlaceholderFile = "error_placeholder.png"

// excludedFiles never appear in pick results.
var excludedFiles = map[string]bool{
	PlaceholderFile: true,
	"README.md":     true,
}

// libraryKeywords maps story-text keywords to filename tokens. Matching
// walks the list in order; several keywords can map to the same token.
var libraryKeywords = []struct {
	cn string
	en string
}{
	{"森林", "forest"},
	{"魔法", "magic"},
	{"奇幻", "fantasy"},
	{"城堡", "castle"},
	{"城市", "city"},
	{"赛博", "cyberpunk"},
	{"空间", "space"},
	{"太空", "space"},
	{"星际", "space"},
}

// Library picks a pre-shipped illustration for a story beat by matching
// keywords in the text against filename tokens. An fsnotify watcher
// keeps the listing current when images are added or removed at
// runtime.
//
// Thread safety: all methods are safe for concurrent use.
type Library struct {
	dir string

	mu    sync.RWMutex
	files []string

	watcher  *fsnotify.Watcher
	done     chan struct{}
	stopOnce sync.Once
}

// NewLibrary scans dir and returns a ready library. A missing directory
// is not an error; the library is simply empty and picks return the
// placeholder.
func NewLibrary(dir string) *Library {
	l := &Library{
		dir:  dir,
		done: make(chan struct{}),
	}
	if err := l.Refresh(); err != nil {
		slog.Warn("Image library directory not readable, starting empty",
			"dir", dir, "error", err)
	}
	return l
}

// Refresh rescans the directory. Corrupt or excluded entries are
// skipped.
func (l *Library) Refresh() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		l.mu.Lock()
		l.files = nil
		l.mu.Unlock()
		return err
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if excludedFiles[name] {
			continue
		}
		switch strings.ToLower(filepath.Ext(name)) {
		case ".png", ".jpg", ".jpeg":
			files = append(files, name)
		}
	}

	l.mu.Lock()
	l.files = files
	l.mu.Unlock()

	slog.Info("Image library loaded", "dir", l.dir, "count", len(files))
	return nil
}

// Len returns the number of pickable images.
func (l *Library) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.files)
}

// Pick selects an image filename for the story text. Keyword-matched
// candidates win; otherwise the pick is uniform over the whole library.
// ok is false when the library is empty, in which case the placeholder
// filename is returned.
func (l *Library) Pick(storyText string) (name string, ok bool) {
	l.mu.RLock()
	files := l.files
	l.mu.RUnlock()

	if len(files) == 0 {
		slog.Error("Image library is empty, serving placeholder")
		return PlaceholderFile, false
	}

	var matched []string
	for _, kw := range libraryKeywords {
		if !strings.Contains(storyText, kw.cn) {
			continue
		}
		for _, f := range files {
			if strings.Contains(strings.ToLower(f), kw.en) {
				matched = append(matched, f)
			}
		}
	}

	if len(matched) > 0 {
		pick := matched[rand.Intn(len(matched))]
		slog.Debug("Keyword-matched library image", "image", pick)
		return pick, true
	}

	pick := files[rand.Intn(len(files))]
	slog.Debug("Random library image", "image", pick)
	return pick, true
}

// Watch starts an fsnotify watcher on the library directory and
// refreshes the listing when files change. Events are debounced so a
// batch copy triggers a single rescan. Returns without error if the
// directory does not exist; the library stays empty until Refresh is
// called after the directory appears.
func (l *Library) Watch(ctx context.Context) error {
	if _, err := os.Stat(l.dir); err != nil {
		slog.Warn("Image library watch skipped, directory missing", "dir", l.dir)
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(l.dir); err != nil {
		watcher.Close()
		return err
	}
	l.watcher = watcher

	go l.watchLoop(ctx)
	return nil
}

// Stop halts the watcher. Safe to call multiple times and without a
// prior Watch.
func (l *Library) Stop() {
	l.stopOnce.Do(func() {
		close(l.done)
		if l.watcher != nil {
			l.watcher.Close()
		}
	})
}

const refreshDebounce = 200 * time.Millisecond

func (l *Library) watchLoop(ctx context.Context) {
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.done:
			return
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(refreshDebounce)
				timerC = timer.C
			} else {
				timer.Reset(refreshDebounce)
			}
		case <-timerC:
			timer = nil
			timerC = nil
			if err := l.Refresh(); err != nil {
				slog.Warn("Image library rescan failed", "error", err)
			}
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("Image library watcher error", "error", err)
		}
	}
}
