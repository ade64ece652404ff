// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianChat/services/chatengine/store"
)

// =============================================================================
// Change Feed
// =============================================================================

const (
	// longPollTimeout bounds one GET /v1/changes wait. The client re-asks
	// with the version it last saw.
	longPollTimeout = 30 * time.Second

	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 25 * time.Second
)

var changesUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// The facade binds to loopback; the rendering layer is the only
		// expected peer.
		return true
	},
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 4 * 1024,
}

// ChangesHandler serves the change notifier to observers that cannot hold a
// reference to it in-process: a long-poll endpoint and a websocket tick
// feed. Observers react to a version tick by re-reading session snapshots.
type ChangesHandler struct {
	notifier *store.Notifier
}

// NewChangesHandler creates the handler. Panics when notifier is nil.
func NewChangesHandler(notifier *store.Notifier) *ChangesHandler {
	if notifier == nil {
		panic("handlers: notifier is required")
	}
	return &ChangesHandler{notifier: notifier}
}

// Poll handles GET /v1/changes?since=N.
//
// # Description
//
// Blocks until the version counter moves past `since` or the poll times
// out. A timeout is not an error: the current version comes back with
// changed=false and the client re-polls.
func (h *ChangesHandler) Poll(c *gin.Context) {
	since, err := strconv.ParseUint(c.DefaultQuery("since", "0"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since parameter"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), longPollTimeout)
	defer cancel()

	version, waitErr := h.notifier.Wait(ctx, since)
	if waitErr != nil {
		if errors.Is(waitErr, context.DeadlineExceeded) {
			c.JSON(http.StatusOK, gin.H{"version": version, "changed": false})
			return
		}
		// Client went away mid-poll.
		c.Status(http.StatusNoContent)
		return
	}

	c.JSON(http.StatusOK, gin.H{"version": version, "changed": true})
}

// Feed handles GET /v1/changes/ws: a websocket that pushes one JSON tick
// per observed version change, conflated for slow readers.
func (h *ChangesHandler) Feed(c *gin.Context) {
	ws, err := changesUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("Failed to upgrade changes websocket", "error", err)
		return
	}
	defer func() { _ = ws.Close() }()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// Reads are only consumed to detect the close handshake.
	go func() {
		for {
			if _, _, readErr := ws.ReadMessage(); readErr != nil {
				cancel()
				return
			}
		}
	}()

	ticks := h.notifier.Subscribe(ctx)
	pings := time.NewTicker(wsPingInterval)
	defer pings.Stop()

	// The current version goes out first so a reconnecting client can
	// detect changes it slept through.
	if writeErr := h.writeTick(ws, h.notifier.Version()); writeErr != nil {
		return
	}

	for {
		select {
		case version, ok := <-ticks:
			if !ok {
				return
			}
			if writeErr := h.writeTick(ws, version); writeErr != nil {
				return
			}
		case <-pings.C:
			_ = ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if pingErr := ws.WriteMessage(websocket.PingMessage, nil); pingErr != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (h *ChangesHandler) writeTick(ws *websocket.Conn, version uint64) error {
	_ = ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))

	err := ws.WriteJSON(gin.H{"version": version})
	if err != nil {
		slog.Debug("Changes websocket write failed", "error", err)
	}
	return err
}
