// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers exposes the chat engine to the rendering layer over
// HTTP.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianChat/services/chatengine/datatypes"
	"github.com/AleutianAI/AleutianChat/services/chatengine/engine"
)

// =============================================================================
// Chat Handler
// =============================================================================

// ChatHandler serves the session and stream lifecycle endpoints. It is a
// thin facade: all behavior lives in the controller and the store; the
// handler only validates, translates status codes, and shapes responses.
type ChatHandler struct {
	controller *engine.Controller
}

// NewChatHandler creates the handler. Panics when controller is nil.
func NewChatHandler(controller *engine.Controller) *ChatHandler {
	if controller == nil {
		panic("handlers: controller is required")
	}
	return &ChatHandler{controller: controller}
}

// StartStream handles POST /v1/streams.
//
// # Description
//
// Validates the request, opens the protocol stream, and returns the resolved
// session id. Stream failures are classified: auth expiry maps to 401,
// session creation to 502, upstream HTTP failures to 502. In every failure
// case the session (when one exists) also carries the error for pollers.
func (h *ChatHandler) StartStream(c *gin.Context) {
	var req datatypes.StartStreamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed: " + err.Error()})
		return
	}

	sessionID, err := h.controller.StartStream(c.Request.Context(), req, engine.Callbacks{})
	if err != nil {
		status := http.StatusBadGateway
		switch {
		case errors.Is(err, engine.ErrAuthExpired):
			status = http.StatusUnauthorized
		case errors.Is(err, engine.ErrSessionCreation):
			status = http.StatusBadGateway
		case errors.Is(err, engine.ErrStreamHTTP):
			status = http.StatusBadGateway
		default:
			status = http.StatusInternalServerError
		}

		slog.Warn("Stream start rejected",
			"session_id", sessionID,
			"error", err)
		c.JSON(status, gin.H{
			"error":      err.Error(),
			"session_id": sessionID,
		})
		return
	}

	c.JSON(http.StatusAccepted, datatypes.StartStreamResponse{
		SessionID: sessionID,
		Started:   true,
	})
}

// EndStream handles DELETE /v1/streams/:sessionId. Idempotent; was_live
// tells the caller whether a connection was actually torn down.
func (h *ChatHandler) EndStream(c *gin.Context) {
	sessionID := c.Param("sessionId")

	wasLive := h.controller.HasLiveStream(sessionID)
	h.controller.EndStream(sessionID)

	c.JSON(http.StatusOK, gin.H{
		"session_id": sessionID,
		"ended":      true,
		"was_live":   wasLive,
	})
}

// ListSessions handles GET /v1/sessions.
func (h *ChatHandler) ListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"sessions": h.controller.Store().List(),
		"version":  h.controller.Store().Notifier().Version(),
	})
}

// GetSession handles GET /v1/sessions/:sessionId. Returns the full snapshot
// the rendering layer derives its views from.
func (h *ChatHandler) GetSession(c *gin.Context) {
	sessionID := c.Param("sessionId")

	session, ok := h.controller.Store().Get(sessionID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown session: " + sessionID})
		return
	}

	c.JSON(http.StatusOK, session)
}

// GetSessionMessages handles GET /v1/sessions/:sessionId/messages.
func (h *ChatHandler) GetSessionMessages(c *gin.Context) {
	sessionID := c.Param("sessionId")

	session, ok := h.controller.Store().Get(sessionID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown session: " + sessionID})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session_id": sessionID,
		"messages":   session.Messages,
	})
}

// SwitchSession handles POST /v1/sessions/active.
func (h *ChatHandler) SwitchSession(c *gin.Context) {
	var req datatypes.SwitchSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed: " + err.Error()})
		return
	}

	resolved := h.controller.SwitchSession(req.SessionID, req.AgentID)

	c.JSON(http.StatusOK, gin.H{"session_id": resolved, "agent_id": req.AgentID})
}

// ClearSession handles DELETE /v1/sessions/:sessionId.
func (h *ChatHandler) ClearSession(c *gin.Context) {
	sessionID := c.Param("sessionId")

	h.controller.ClearSession(sessionID)

	c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "cleared": true})
}

// UpdateMessage handles PATCH /v1/sessions/:sessionId/messages/:messageId.
func (h *ChatHandler) UpdateMessage(c *gin.Context) {
	sessionID := c.Param("sessionId")
	messageID := c.Param("messageId")

	var req datatypes.UpdateMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	if !h.controller.UpdateMessage(sessionID, messageID, req) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown session or message"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "message_id": messageID})
}

// LoadHistory handles POST /v1/sessions/:sessionId/history. It hydrates a
// session from the backend's stored conversation.
func (h *ChatHandler) LoadHistory(c *gin.Context) {
	sessionID := c.Param("sessionId")
	agentID := c.Query("agent_id")

	if err := h.controller.LoadSessionHistory(c.Request.Context(), sessionID, agentID); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	session, _ := h.controller.Store().Get(sessionID)
	c.JSON(http.StatusOK, session)
}
