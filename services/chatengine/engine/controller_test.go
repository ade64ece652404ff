// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianChat/services/chatengine/datatypes"
	"github.com/AleutianAI/AleutianChat/services/chatengine/store"
)

// =============================================================================
// Mocks
// =============================================================================

type mockSessionAPI struct {
	nextID      string
	createErr   error
	createCalls atomic.Int32

	info        SessionInfo
	infoErr     error
	messages    []datatypes.Message
	messagesErr error
}

func (m *mockSessionAPI) CreateSession(_ context.Context, _ string) (string, error) {
	m.createCalls.Add(1)
	if m.createErr != nil {
		return "", m.createErr
	}
	if m.nextID == "" {
		return "server-session", nil
	}
	return m.nextID, nil
}

func (m *mockSessionAPI) GetSession(_ context.Context, _ string) (SessionInfo, error) {
	return m.info, m.infoErr
}

func (m *mockSessionAPI) GetSessionMessages(_ context.Context, _ string) ([]datatypes.Message, error) {
	return m.messages, m.messagesErr
}

type mockUploader struct {
	uploadErr   error
	uploadCalls atomic.Int32
	returned    []datatypes.Attachment
}

func (m *mockUploader) Upload(_ context.Context, _ []datatypes.AttachmentUpload, _ UploadOptions) ([]datatypes.Attachment, error) {
	m.uploadCalls.Add(1)
	if m.uploadErr != nil {
		return nil, m.uploadErr
	}
	return m.returned, nil
}

type mockRefresher struct {
	calls atomic.Int32
}

func (m *mockRefresher) OnTokenExpired(_ context.Context) {
	m.calls.Add(1)
}

// =============================================================================
// Helpers
// =============================================================================

// sseHandler writes the given frames and returns. A nil frames slice blocks
// until the client goes away instead.
func sseHandler(frames []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
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
	}
}

func newTestController(t *testing.T, backend http.Handler, cfg Config) *Controller {
	t.Helper()

	server := httptest.NewServer(backend)
	t.Cleanup(server.Close)

	cfg.API.BaseURL = server.URL
	if cfg.Sessions == nil {
		cfg.Sessions = &mockSessionAPI{}
	}
	cfg.NewAccumulator = func() RunAccumulator { return newPlainRunAccumulator() }
	if cfg.DebugMessageTTL == 0 {
		cfg.DebugMessageTTL = time.Second
	}

	ctrl := NewController(store.NewSessionStore(store.NewNotifier()), cfg)
	t.Cleanup(ctrl.DisposeAll)

	return ctrl
}

func waitForStreamEnd(t *testing.T, ctrl *Controller, sessionID string) datatypes.Session {
	t.Helper()

	require.Eventually(t, func() bool {
		session, ok := ctrl.Store().Get(sessionID)
		return ok && !session.IsStreaming && !ctrl.HasLiveStream(sessionID)
	}, 5*time.Second, 10*time.Millisecond)

	session, ok := ctrl.Store().Get(sessionID)
	require.True(t, ok)
	return session
}

// =============================================================================
// Tests
// =============================================================================

func TestNewController_PanicsOnNilDeps(t *testing.T) {
	assert.Panics(t, func() {
		NewController(nil, Config{Sessions: &mockSessionAPI{}})
	})
	assert.Panics(t, func() {
		NewController(store.NewSessionStore(store.NewNotifier()), Config{})
	})
}

func TestStartStream_AccumulatesDeltasToCompletion(t *testing.T) {
	ctrl := newTestController(t, sseHandler([]string{
		`{"event":"RunStarted"}`,
		`{"event":"RunContent","content":"Hel"}`,
		`{"event":"RunContent","content":"lo "}`,
		`{"event":"RunContent","content":"world"}`,
		`[DONE]`,
	}), Config{})

	sessionID, err := ctrl.StartStream(context.Background(), datatypes.StartStreamRequest{
		AgentID:   "agent-a",
		SessionID: "sess-1",
		Message:   "say hello",
	}, Callbacks{})

	require.NoError(t, err)
	assert.Equal(t, "sess-1", sessionID)

	session := waitForStreamEnd(t, ctrl, "sess-1")
	require.Len(t, session.Messages, 2)
	assert.Equal(t, datatypes.RoleUser, session.Messages[0].Role)
	assert.Equal(t, "say hello", session.Messages[0].Content)
	assert.Equal(t, "Hello world", session.Messages[1].Content)
	assert.False(t, session.IsAgentResponding)
	assert.Empty(t, session.Error)
	assert.Nil(t, session.CurrentToolCalls)
	assert.Nil(t, session.CurrentReasoningSteps)
}

func TestStartStream_ResolvesServerSessionID(t *testing.T) {
	api := &mockSessionAPI{nextID: "server-77"}
	ctrl := newTestController(t, sseHandler([]string{`[DONE]`}), Config{Sessions: api})

	var createdID string
	sessionID, err := ctrl.StartStream(context.Background(), datatypes.StartStreamRequest{
		AgentID: "agent-a",
		Message: "hi",
	}, Callbacks{
		OnNewSessionCreated: func(id string) { createdID = id },
	})

	require.NoError(t, err)
	assert.Equal(t, "server-77", sessionID)
	assert.Equal(t, "server-77", createdID)
	assert.Equal(t, int32(1), api.createCalls.Load())

	waitForStreamEnd(t, ctrl, "server-77")
}

func TestStartStream_SessionCreationFailure(t *testing.T) {
	api := &mockSessionAPI{createErr: errors.New("backend down")}
	ctrl := newTestController(t, sseHandler([]string{`[DONE]`}), Config{Sessions: api})

	sessionID, err := ctrl.StartStream(context.Background(), datatypes.StartStreamRequest{
		AgentID: "agent-a",
		Message: "hi",
	}, Callbacks{})

	require.ErrorIs(t, err, ErrSessionCreation)
	require.NotEmpty(t, sessionID)
	assert.False(t, ctrl.HasLiveStream(sessionID))

	session, ok := ctrl.Store().Get(sessionID)
	require.True(t, ok)
	assert.Contains(t, session.Error, "session creation failed")
	assert.Empty(t, session.Messages)
}

func TestStartStream_AuthExpiredAbortsSilently(t *testing.T) {
	refresher := &mockRefresher{}
	ctrl := newTestController(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}), Config{TokenRefresher: refresher})

	_, err := ctrl.StartStream(context.Background(), datatypes.StartStreamRequest{
		AgentID:   "agent-a",
		SessionID: "sess-1",
		Message:   "hi",
	}, Callbacks{})

	require.ErrorIs(t, err, ErrAuthExpired)
	assert.Equal(t, int32(1), refresher.calls.Load())

	session, ok := ctrl.Store().Get("sess-1")
	require.True(t, ok)
	assert.Empty(t, session.Error, "auth expiry must not land on the session")
	// The user message stays; only the stream was aborted.
	require.Len(t, session.Messages, 1)
	assert.False(t, session.Messages[0].IsError)
}

func TestStartStream_HTTPErrorInjectsSyntheticMessage(t *testing.T) {
	ctrl := newTestController(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "agent overloaded", http.StatusServiceUnavailable)
	}), Config{})

	_, err := ctrl.StartStream(context.Background(), datatypes.StartStreamRequest{
		AgentID:   "agent-a",
		SessionID: "sess-1",
		Message:   "hi",
	}, Callbacks{})

	require.ErrorIs(t, err, ErrStreamHTTP)

	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)

	session, ok := ctrl.Store().Get("sess-1")
	require.True(t, ok)
	assert.NotEmpty(t, session.Error)
	require.Len(t, session.Messages, 2)
	assert.True(t, session.Messages[1].IsError)
}

func TestStartStream_TransportErrorMidReadSetsError(t *testing.T) {
	ctrl := newTestController(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"event\":\"RunContent\",\"content\":\"par\"}\n")
		flusher.Flush()

		// Kill the connection without terminating the chunked body.
		hijacker, ok := w.(http.Hijacker)
		if !ok {
			return
		}
		conn, _, _ := hijacker.Hijack()
		_ = conn.Close()
	}), Config{})

	_, err := ctrl.StartStream(context.Background(), datatypes.StartStreamRequest{
		AgentID:   "agent-a",
		SessionID: "sess-1",
		Message:   "hi",
	}, Callbacks{})
	require.NoError(t, err)

	session := waitForStreamEnd(t, ctrl, "sess-1")
	assert.Contains(t, session.Error, "stream transport failed")

	last := session.Messages[len(session.Messages)-1]
	assert.True(t, last.IsError)
}

func TestStartStream_AtMostOneLiveStreamPerSession(t *testing.T) {
	var requests atomic.Int32
	ctrl := newTestController(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := requests.Add(1)
		if n == 1 {
			// First stream never produces frames; it parks until
			// cancelled.
			sseHandler(nil)(w, r)
			return
		}
		sseHandler([]string{
			`{"event":"RunContent","content":"second answer"}`,
			`[DONE]`,
		})(w, r)
	}), Config{})

	_, err := ctrl.StartStream(context.Background(), datatypes.StartStreamRequest{
		AgentID:   "agent-a",
		SessionID: "sess-1",
		Message:   "first",
	}, Callbacks{})
	require.NoError(t, err)
	require.True(t, ctrl.HasLiveStream("sess-1"))

	_, err = ctrl.StartStream(context.Background(), datatypes.StartStreamRequest{
		AgentID:   "agent-a",
		SessionID: "sess-1",
		Message:   "second",
	}, Callbacks{})
	require.NoError(t, err)

	session := waitForStreamEnd(t, ctrl, "sess-1")
	assert.Equal(t, int32(2), requests.Load())

	// Two user messages, exactly one assistant answer, no error from the
	// cancelled first stream.
	var assistants []datatypes.Message
	for _, msg := range session.Messages {
		if msg.Role == datatypes.RoleAssistant {
			assistants = append(assistants, msg)
		}
	}
	require.Len(t, assistants, 1)
	assert.Equal(t, "second answer", assistants[0].Content)
	assert.Empty(t, session.Error)
}

func TestEndStream_CancellationIsSilent(t *testing.T) {
	ctrl := newTestController(t, sseHandler(nil), Config{})

	_, err := ctrl.StartStream(context.Background(), datatypes.StartStreamRequest{
		AgentID:   "agent-a",
		SessionID: "sess-1",
		Message:   "hi",
	}, Callbacks{})
	require.NoError(t, err)

	ctrl.EndStream("sess-1")

	session, ok := ctrl.Store().Get("sess-1")
	require.True(t, ok)
	assert.Empty(t, session.Error)
	assert.False(t, session.IsStreaming)
	require.Len(t, session.Messages, 1, "no synthetic error message on cancellation")
	assert.Equal(t, datatypes.RoleUser, session.Messages[0].Role)
}

func TestEndStream_IsIdempotent(t *testing.T) {
	ctrl := newTestController(t, sseHandler(nil), Config{})

	_, err := ctrl.StartStream(context.Background(), datatypes.StartStreamRequest{
		AgentID:   "agent-a",
		SessionID: "sess-1",
		Message:   "hi",
	}, Callbacks{})
	require.NoError(t, err)

	ctrl.EndStream("sess-1")
	first, ok := ctrl.Store().Get("sess-1")
	require.True(t, ok)

	ctrl.EndStream("sess-1")
	second, ok := ctrl.Store().Get("sess-1")
	require.True(t, ok)

	assert.Equal(t, first.IsStreaming, second.IsStreaming)
	assert.Equal(t, first.Error, second.Error)
	assert.Equal(t, len(first.Messages), len(second.Messages))
	assert.Nil(t, second.CurrentToolCalls)
	assert.Nil(t, second.CurrentReasoningSteps)
}

func TestEndStream_UnknownSessionIsSafe(t *testing.T) {
	ctrl := newTestController(t, sseHandler(nil), Config{})

	assert.NotPanics(t, func() {
		ctrl.EndStream("never-seen")
	})
}

func TestSwitchSession_EndsPreviousActiveStream(t *testing.T) {
	ctrl := newTestController(t, sseHandler(nil), Config{})

	ctrl.SwitchSession("sess-1", "agent-a")
	_, err := ctrl.StartStream(context.Background(), datatypes.StartStreamRequest{
		AgentID:   "agent-a",
		SessionID: "sess-1",
		Message:   "hi",
	}, Callbacks{})
	require.NoError(t, err)

	resolved := ctrl.SwitchSession("sess-2", "agent-a")
	assert.Equal(t, "sess-2", resolved)

	require.Eventually(t, func() bool {
		return !ctrl.HasLiveStream("sess-1")
	}, 5*time.Second, 10*time.Millisecond)

	activeID, activeAgent := ctrl.ActiveSession()
	assert.Equal(t, "sess-2", activeID)
	assert.Equal(t, "agent-a", activeAgent)
}

func TestSwitchSession_SamePairIsNoOp(t *testing.T) {
	ctrl := newTestController(t, sseHandler(nil), Config{})

	first := ctrl.SwitchSession("sess-1", "agent-a")
	second := ctrl.SwitchSession("sess-1", "agent-a")

	assert.Equal(t, first, second)
}

func TestClearSession_EvictsAndTearsDown(t *testing.T) {
	ctrl := newTestController(t, sseHandler(nil), Config{})

	_, err := ctrl.StartStream(context.Background(), datatypes.StartStreamRequest{
		AgentID:   "agent-a",
		SessionID: "sess-1",
		Message:   "hi",
	}, Callbacks{})
	require.NoError(t, err)

	ctrl.ClearSession("sess-1")

	assert.False(t, ctrl.HasLiveStream("sess-1"))
	_, ok := ctrl.Store().Get("sess-1")
	assert.False(t, ok)
}

func TestUploadFailure_IsNonFatal(t *testing.T) {
	uploader := &mockUploader{uploadErr: errors.New("disk full")}
	ctrl := newTestController(t, sseHandler([]string{
		`{"event":"RunContent","content":"answer"}`,
		`[DONE]`,
	}), Config{Uploader: uploader})

	_, err := ctrl.StartStream(context.Background(), datatypes.StartStreamRequest{
		AgentID:   "agent-a",
		SessionID: "sess-1",
		Message:   "hi",
		Attachments: []datatypes.AttachmentUpload{
			{Name: "notes.txt", ContentType: "text/plain", Data: []byte("x")},
		},
	}, Callbacks{})
	require.NoError(t, err, "upload failure must not stop the message")

	session := waitForStreamEnd(t, ctrl, "sess-1")
	assert.Contains(t, session.Error, "attachment upload failed")

	// The answer still arrived.
	last := session.Messages[len(session.Messages)-1]
	assert.Equal(t, "answer", last.Content)
	assert.Empty(t, session.Messages[0].Attachments)
}

func TestUploadSuccess_AttachesDescriptors(t *testing.T) {
	uploader := &mockUploader{returned: []datatypes.Attachment{
		{ID: "f1", Name: "notes.txt", ContentType: "text/plain"},
	}}
	ctrl := newTestController(t, sseHandler([]string{`[DONE]`}), Config{Uploader: uploader})

	_, err := ctrl.StartStream(context.Background(), datatypes.StartStreamRequest{
		AgentID:   "agent-a",
		SessionID: "sess-1",
		Message:   "hi",
		Attachments: []datatypes.AttachmentUpload{
			{Name: "notes.txt", ContentType: "text/plain", Data: []byte("x")},
		},
	}, Callbacks{})
	require.NoError(t, err)

	session := waitForStreamEnd(t, ctrl, "sess-1")
	require.Len(t, session.Messages[0].Attachments, 1)
	assert.Equal(t, "f1", session.Messages[0].Attachments[0].ID)
}

func TestUpdateMessage_AttachesFeedback(t *testing.T) {
	ctrl := newTestController(t, sseHandler([]string{`[DONE]`}), Config{})

	_, err := ctrl.StartStream(context.Background(), datatypes.StartStreamRequest{
		AgentID:   "agent-a",
		SessionID: "sess-1",
		Message:   "hi",
	}, Callbacks{})
	require.NoError(t, err)
	session := waitForStreamEnd(t, ctrl, "sess-1")

	feedback := "helpful"
	ok := ctrl.UpdateMessage("sess-1", session.Messages[0].ID, datatypes.UpdateMessageRequest{
		Feedback: &feedback,
	})
	require.True(t, ok)

	updated, _ := ctrl.Store().Get("sess-1")
	assert.Equal(t, "helpful", updated.Messages[0].Feedback)

	assert.False(t, ctrl.UpdateMessage("sess-1", "missing", datatypes.UpdateMessageRequest{}))
	assert.False(t, ctrl.UpdateMessage("missing", "m1", datatypes.UpdateMessageRequest{}))
}

func TestLoadSessionHistory_HydratesFromCollaborator(t *testing.T) {
	api := &mockSessionAPI{
		info: SessionInfo{SessionID: "sess-1", Title: "Restored"},
		messages: []datatypes.Message{
			{ID: "m1", Role: datatypes.RoleUser, Content: "earlier question"},
			{ID: "m2", Role: datatypes.RoleAssistant, Content: "earlier answer"},
		},
	}
	ctrl := newTestController(t, sseHandler(nil), Config{Sessions: api})

	err := ctrl.LoadSessionHistory(context.Background(), "sess-1", "agent-a")
	require.NoError(t, err)

	session, ok := ctrl.Store().Get("sess-1")
	require.True(t, ok)
	assert.Equal(t, "Restored", session.Title)
	require.Len(t, session.Messages, 2)
	assert.Equal(t, "earlier answer", session.Messages[1].Content)
}

func TestDisposeAll_EndsEveryLiveStream(t *testing.T) {
	ctrl := newTestController(t, sseHandler(nil), Config{})

	for _, id := range []string{"sess-1", "sess-2", "sess-3"} {
		_, err := ctrl.StartStream(context.Background(), datatypes.StartStreamRequest{
			AgentID:   "agent-a",
			SessionID: id,
			Message:   "hi",
		}, Callbacks{})
		require.NoError(t, err)
	}

	ctrl.DisposeAll()

	for _, id := range []string{"sess-1", "sess-2", "sess-3"} {
		assert.False(t, ctrl.HasLiveStream(id))
		session, ok := ctrl.Store().Get(id)
		require.True(t, ok)
		assert.False(t, session.IsStreaming)
		assert.Empty(t, session.Error, "disposal is cancellation, not an error")
	}
}

func TestRekey_MovesTempSessionToServerID(t *testing.T) {
	ctrl := newTestController(t, sseHandler(nil), Config{})

	temp := ctrl.Store().Ensure("", "agent-a")
	require.True(t, ctrl.Rekey(temp.ID, "server-9"))

	_, ok := ctrl.Store().Get(temp.ID)
	assert.False(t, ok)
	session, ok := ctrl.Store().Get("server-9")
	require.True(t, ok)
	assert.Equal(t, "server-9", session.ID)

	assert.False(t, ctrl.Rekey("not-a-temp-id", "x"))
}

// A retry on a temporary session (held locally after a failed creation)
// must create a real server session and carry the local session over to it.
func TestStartStream_RetryOnTempSessionPromotesToServerID(t *testing.T) {
	api := &mockSessionAPI{createErr: errors.New("backend down")}
	ctrl := newTestController(t, sseHandler([]string{
		`{"event":"RunContent","content":"hi"}`,
		`[DONE]`,
	}), Config{Sessions: api})

	tempID, err := ctrl.StartStream(context.Background(), datatypes.StartStreamRequest{
		AgentID: "agent-a",
		Message: "hello",
	}, Callbacks{})
	require.ErrorIs(t, err, ErrSessionCreation)
	require.True(t, strings.HasPrefix(tempID, store.TempSessionPrefix))

	api.createErr = nil
	var announcedID string
	resolved, err := ctrl.StartStream(context.Background(), datatypes.StartStreamRequest{
		AgentID:   "agent-a",
		SessionID: tempID,
		Message:   "hello again",
	}, Callbacks{OnNewSessionCreated: func(id string) { announcedID = id }})
	require.NoError(t, err)
	assert.Equal(t, "server-session", resolved)
	assert.Equal(t, resolved, announcedID)

	_, stillThere := ctrl.Store().Get(tempID)
	assert.False(t, stillThere, "temp session must be promoted, not duplicated")

	session := waitForStreamEnd(t, ctrl, resolved)
	assert.Equal(t, resolved, session.ID)
	assert.Empty(t, session.Error)
	require.Len(t, session.Messages, 2)
	assert.Equal(t, "hello again", session.Messages[0].Content)
	assert.Equal(t, "hi", session.Messages[1].Content)
}
