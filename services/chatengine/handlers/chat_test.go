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
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianChat/services/chatengine/datatypes"
	"github.com/AleutianAI/AleutianChat/services/chatengine/engine"
	"github.com/AleutianAI/AleutianChat/services/chatengine/store"
)

type stubSessionAPI struct{}

func (stubSessionAPI) CreateSession(context.Context, string) (string, error) {
	return "server-session", nil
}

func (stubSessionAPI) GetSession(context.Context, string) (engine.SessionInfo, error) {
	return engine.SessionInfo{}, nil
}

func (stubSessionAPI) GetSessionMessages(context.Context, string) ([]datatypes.Message, error) {
	return nil, nil
}

// newTestRouter builds a gin engine serving the chat endpoints over a
// controller streaming from a canned backend.
func newTestRouter(t *testing.T, frames []string) (*gin.Engine, *engine.Controller) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		w.WriteHeader(http.StatusOK)
		flusher.Flush()
		if frames == nil {
			<-r.Context().Done()
			return
		}
		for _, frame := range frames {
			fmt.Fprintf(w, "data: %s\n", frame)
			flusher.Flush()
		}
	}))
	t.Cleanup(backend.Close)

	ctrl := engine.NewController(store.NewSessionStore(store.NewNotifier()), engine.Config{
		API:      engine.APIConfig{BaseURL: backend.URL},
		Sessions: stubSessionAPI{},
	})
	t.Cleanup(ctrl.DisposeAll)

	chat := NewChatHandler(ctrl)
	changes := NewChangesHandler(ctrl.Store().Notifier())

	r := gin.New()
	r.POST("/v1/streams", chat.StartStream)
	r.DELETE("/v1/streams/:sessionId", chat.EndStream)
	r.GET("/v1/sessions", chat.ListSessions)
	r.GET("/v1/sessions/:sessionId", chat.GetSession)
	r.GET("/v1/sessions/:sessionId/messages", chat.GetSessionMessages)
	r.POST("/v1/sessions/active", chat.SwitchSession)
	r.DELETE("/v1/sessions/:sessionId", chat.ClearSession)
	r.PATCH("/v1/sessions/:sessionId/messages/:messageId", chat.UpdateMessage)
	r.GET("/v1/changes", changes.Poll)

	return r, ctrl
}

func doJSON(t *testing.T, r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestNewChatHandler_PanicsOnNilController(t *testing.T) {
	assert.Panics(t, func() {
		NewChatHandler(nil)
	})
}

func TestNewChangesHandler_PanicsOnNilNotifier(t *testing.T) {
	assert.Panics(t, func() {
		NewChangesHandler(nil)
	})
}

func TestStartStream_RejectsInvalidBody(t *testing.T) {
	r, _ := newTestRouter(t, []string{"[DONE]"})

	w := doJSON(t, r, http.MethodPost, "/v1/streams", `{not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Missing required agent_id.
	w = doJSON(t, r, http.MethodPost, "/v1/streams", `{"message":"hi"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Oversized message.
	big := strings.Repeat("a", datatypes.MaxMessageContentBytes+1)
	w = doJSON(t, r, http.MethodPost, "/v1/streams",
		`{"agent_id":"a","message":"`+big+`"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStartStream_ReturnsResolvedSessionID(t *testing.T) {
	r, ctrl := newTestRouter(t, []string{
		`{"event":"RunContent","content":"hello"}`,
		`[DONE]`,
	})

	w := doJSON(t, r, http.MethodPost, "/v1/streams", `{"agent_id":"agent-a","message":"hi"}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp datatypes.StartStreamResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "server-session", resp.SessionID)
	assert.True(t, resp.Started)

	require.Eventually(t, func() bool {
		session, ok := ctrl.Store().Get("server-session")
		return ok && !session.IsStreaming
	}, 5*time.Second, 10*time.Millisecond)
}

func TestGetSession_NotFound(t *testing.T) {
	r, _ := newTestRouter(t, nil)

	w := doJSON(t, r, http.MethodGet, "/v1/sessions/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSessionEndpoints_RoundTrip(t *testing.T) {
	r, ctrl := newTestRouter(t, nil)
	ctrl.Store().Ensure("sess-1", "agent-a")

	w := doJSON(t, r, http.MethodGet, "/v1/sessions", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "sess-1")

	w = doJSON(t, r, http.MethodGet, "/v1/sessions/sess-1", "")
	require.Equal(t, http.StatusOK, w.Code)

	var session datatypes.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &session))
	assert.Equal(t, datatypes.DefaultSessionTitle, session.Title)

	w = doJSON(t, r, http.MethodGet, "/v1/sessions/sess-1/messages", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, r, http.MethodDelete, "/v1/sessions/sess-1", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, r, http.MethodGet, "/v1/sessions/sess-1", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSwitchSession_Endpoint(t *testing.T) {
	r, ctrl := newTestRouter(t, nil)

	w := doJSON(t, r, http.MethodPost, "/v1/sessions/active", `{"session_id":"sess-9","agent_id":"agent-a"}`)
	require.Equal(t, http.StatusOK, w.Code)

	activeID, activeAgent := ctrl.ActiveSession()
	assert.Equal(t, "sess-9", activeID)
	assert.Equal(t, "agent-a", activeAgent)

	// agent_id is required.
	w = doJSON(t, r, http.MethodPost, "/v1/sessions/active", `{"session_id":"sess-9"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUpdateMessage_Endpoint(t *testing.T) {
	r, ctrl := newTestRouter(t, nil)
	ctrl.Store().Ensure("sess-1", "agent-a")
	ctrl.Store().Mutate("sess-1", func(s *datatypes.Session) {
		s.Messages = append(s.Messages, datatypes.Message{ID: "m1", Role: datatypes.RoleUser, Content: "hi"})
	})

	w := doJSON(t, r, http.MethodPatch, "/v1/sessions/sess-1/messages/m1", `{"feedback":"helpful"}`)
	require.Equal(t, http.StatusOK, w.Code)

	session, _ := ctrl.Store().Get("sess-1")
	assert.Equal(t, "helpful", session.Messages[0].Feedback)

	w = doJSON(t, r, http.MethodPatch, "/v1/sessions/sess-1/messages/unknown", `{"feedback":"x"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestEndStream_EndpointIsIdempotent(t *testing.T) {
	r, _ := newTestRouter(t, nil)

	var resp struct {
		Ended   bool `json:"ended"`
		WasLive bool `json:"was_live"`
	}

	w := doJSON(t, r, http.MethodDelete, "/v1/streams/sess-1", "")
	assert.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Ended)
	assert.False(t, resp.WasLive)

	w = doJSON(t, r, http.MethodDelete, "/v1/streams/sess-1", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestEndStream_ReportsLiveTeardown(t *testing.T) {
	r, ctrl := newTestRouter(t, nil) // backend holds the stream open

	w := doJSON(t, r, http.MethodPost, "/v1/streams", `{"agent_id":"agent-a","message":"hi"}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	var started datatypes.StartStreamResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &started))
	require.True(t, ctrl.HasLiveStream(started.SessionID))

	var resp struct {
		WasLive bool `json:"was_live"`
	}
	w = doJSON(t, r, http.MethodDelete, "/v1/streams/"+started.SessionID, "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.WasLive)
	assert.False(t, ctrl.HasLiveStream(started.SessionID))
}

func TestChangesPoll_ReturnsImmediatelyWhenBehind(t *testing.T) {
	r, ctrl := newTestRouter(t, nil)
	ctrl.Store().Ensure("sess-1", "agent-a")

	w := doJSON(t, r, http.MethodGet, "/v1/changes?since=0", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Version uint64 `json:"version"`
		Changed bool   `json:"changed"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Changed)
	assert.Greater(t, resp.Version, uint64(0))
}

func TestChangesPoll_RejectsBadSince(t *testing.T) {
	r, _ := newTestRouter(t, nil)

	w := doJSON(t, r, http.MethodGet, "/v1/changes?since=banana", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
