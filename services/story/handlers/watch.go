// Copyright (C) 2025 SamsaraWorks (dev@samsaraworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// This file contains the speculation watch endpoint: a websocket that
// streams scheduler snapshots so the operator console can chart queue
// depth and worker activity live.
package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// watchPushInterval paces snapshot pushes to watch clients.
const watchPushInterval = time.Second

var watchUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 4 * 1024,
}

// WatchSpeculation upgrades to a websocket and pushes one scheduler
// snapshot per second until the client disconnects. The read pump exists
// only to observe the close; client messages are discarded.
func (h *Handlers) WatchSpeculation() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := h.currentUser(c); !ok {
			return
		}

		ws, err := watchUpgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("Failed to upgrade speculation watch socket", "error", err)
			return
		}
		defer ws.Close()
		slog.Info("Speculation watch client connected", "remote", ws.RemoteAddr().String())

		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if _, _, err := ws.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(watchPushInterval)
		defer ticker.Stop()

		// Push one snapshot immediately so the console is never blank.
		if err := ws.WriteJSON(h.scheduler.Stats()); err != nil {
			return
		}
		for {
			select {
			case <-done:
				slog.Info("Speculation watch client disconnected")
				return
			case <-ticker.C:
				if err := ws.WriteJSON(h.scheduler.Stats()); err != nil {
					slog.Info("Speculation watch write failed, closing", "error", err)
					return
				}
			}
		}
	}
}
