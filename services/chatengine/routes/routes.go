// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package routes registers the chat engine's HTTP surface.
package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/AleutianChat/services/chatengine/engine"
	"github.com/AleutianAI/AleutianChat/services/chatengine/handlers"
)

// SetupRoutes wires every endpoint onto the router.
func SetupRoutes(r *gin.Engine, controller *engine.Controller) {
	chat := handlers.NewChatHandler(controller)
	changes := handlers.NewChangesHandler(controller.Store().Notifier())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	{
		streams := v1.Group("/streams")
		{
			streams.POST("", chat.StartStream)
			streams.DELETE("/:sessionId", chat.EndStream)
		}

		sessions := v1.Group("/sessions")
		{
			sessions.GET("", chat.ListSessions)
			sessions.POST("/active", chat.SwitchSession)
			sessions.GET("/:sessionId", chat.GetSession)
			sessions.DELETE("/:sessionId", chat.ClearSession)
			sessions.GET("/:sessionId/messages", chat.GetSessionMessages)
			sessions.POST("/:sessionId/history", chat.LoadHistory)
			sessions.PATCH("/:sessionId/messages/:messageId", chat.UpdateMessage)
		}

		v1.GET("/changes", changes.Poll)
		v1.GET("/changes/ws", changes.Feed)
	}
}
