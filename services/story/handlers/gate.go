// Copyright (C) 2025 SamsaraWorks (dev@samsaraworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/SamsaraWorks/RebirthBackend/services/story/images"
	"github.com/SamsaraWorks/RebirthBackend/services/story/store"
)

// Node-readiness gate bounds. The poll is cheap (one row read plus at
// most one stat) so a tight interval keeps the perceived latency low.
const (
	nodeReadyMaxWait  = 60 * time.Second
	nodeReadyInterval = 500 * time.Millisecond
)

// waitForNodeComplete blocks until the node is presentable: narrative
// text present, an image URL present, and — when the URL points at a
// locally generated artifact — the file on disk with at least one
// readable byte. Speculative children can land before their image
// download finishes; this gate keeps half-baked scenes off the screen.
//
// Returns the freshest copy of the node and whether it became complete.
// On timeout the caller serves the node anyway; a missing illustration
// beats a hung request.
func (h *Handlers) waitForNodeComplete(ctx context.Context, node *store.Node) (*store.Node, bool) {
	deadline := time.Now().Add(nodeReadyMaxWait)

	for {
		if h.nodeComplete(node) {
			return node, true
		}
		if time.Now().After(deadline) {
			slog.Warn("Node readiness gate timed out, serving as-is",
				"node_id", node.ID, "has_text", node.StoryText != "",
				"image_url", node.ImageURL)
			return node, false
		}

		select {
		case <-ctx.Done():
			return node, false
		case <-time.After(nodeReadyInterval):
		}

		fresh, err := h.store.GetNode(ctx, node.ID)
		if err != nil {
			slog.Warn("Node readiness re-read failed", "node_id", node.ID, "error", err)
			return node, false
		}
		node = fresh
	}
}

// nodeComplete applies the readiness predicate to one snapshot.
func (h *Handlers) nodeComplete(node *store.Node) bool {
	if strings.TrimSpace(node.StoryText) == "" || node.ImageURL == "" {
		return false
	}
	rel, ok := strings.CutPrefix(node.ImageURL, images.GeneratedWebPrefix+"/")
	if !ok {
		// Library and remote URLs carry no local artifact to verify.
		return true
	}
	return generatedArtifactReadable(filepath.Join(h.cfg.AssetsDir, "generated", filepath.Base(rel)))
}

// generatedArtifactReadable checks existence, non-zero size, and one
// readable byte. The read catches files that exist but are still being
// written on filesystems where size appears early.
func generatedArtifactReadable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		return false
	}
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	buf := make([]byte, 1)
	n, err := f.Read(buf)
	return n == 1 && (err == nil || err == io.EOF)
}
