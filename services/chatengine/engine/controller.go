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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianChat/services/chatengine/datatypes"
	"github.com/AleutianAI/AleutianChat/services/chatengine/observability"
	"github.com/AleutianAI/AleutianChat/services/chatengine/protocol"
	"github.com/AleutianAI/AleutianChat/services/chatengine/store"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// DefaultDebugMessageTTL is how long a debug message lives unless a
	// newer one replaces it.
	DefaultDebugMessageTTL = 5 * time.Second

	// streamRequestTimeout bounds one stream connection end to end.
	streamRequestTimeout = 5 * time.Minute
)

// =============================================================================
// Controller
// =============================================================================

// Config wires the controller to its collaborators.
type Config struct {
	// API configures the stream connection: base URL, CSRF token,
	// optional HTTP client.
	API APIConfig

	// Sessions is the session-management collaborator. Required.
	Sessions SessionAPI

	// Uploader handles attachment uploads. Optional; uploads fail softly
	// when absent.
	Uploader AttachmentUploader

	// TokenRefresher is notified on 401/403 stream responses. Optional.
	TokenRefresher TokenRefresher

	// DebugMessageTTL overrides DefaultDebugMessageTTL. Used by tests.
	DebugMessageTTL time.Duration

	// NewAccumulator overrides the run accumulator factory. Used by
	// tests; defaults to NewRunAccumulator.
	NewAccumulator func() RunAccumulator
}

// Controller owns the stream lifecycle for every session.
//
// # Description
//
// The controller is the only entry point for mutating stream state: it opens
// the protocol connection, runs the decode and interpret loop on its own
// goroutine, and guarantees teardown of the connection, the cancellation
// token, and the debug timer on every exit path. Per session there is at
// most one live connection; starting a replacement stream cancels the
// previous one first.
//
// # Limitations
//
//   - Explicit cancellation is not an error: it never populates the
//     session's error field and never injects a synthetic error message.
type Controller struct {
	store    *store.SessionStore
	registry *streamRegistry
	interp   *Interpreter
	cfg      Config
	tracer   trace.Tracer

	streamClient *http.Client

	mu              sync.Mutex
	activeSessionID string
	activeAgentID   string
}

// NewController creates a controller over the store. Panics when store or
// the session collaborator is nil.
func NewController(sessions *store.SessionStore, cfg Config) *Controller {
	if sessions == nil {
		panic("engine: session store is required")
	}
	if cfg.Sessions == nil {
		panic("engine: session collaborator is required")
	}

	if cfg.DebugMessageTTL <= 0 {
		cfg.DebugMessageTTL = DefaultDebugMessageTTL
	}
	if cfg.NewAccumulator == nil {
		cfg.NewAccumulator = NewRunAccumulator
	}

	registry := newStreamRegistry()

	return &Controller{
		store:        sessions,
		registry:     registry,
		interp:       newInterpreter(sessions, registry, cfg.DebugMessageTTL),
		cfg:          cfg,
		tracer:       otel.Tracer("aleutian.chatengine.engine"),
		streamClient: &http.Client{Timeout: streamRequestTimeout},
	}
}

// Store returns the session store the controller mutates.
func (c *Controller) Store() *store.SessionStore {
	return c.store
}

// =============================================================================
// StartStream
// =============================================================================

// StartStream opens a protocol stream for one user message.
//
// # Description
//
// Resolves a session id (creating a server session when none is given),
// uploads attachments, appends the user message, opens the POST connection,
// and hands the response body to the read loop goroutine. Returns as soon as
// the stream is live; decoded events become visible through the store and
// the change notifier.
//
// # Outputs
//
//   - string: the resolved session id, so a caller that started without one
//     learns the server-assigned id
//   - error: classified per the engine error taxonomy; also recorded on the
//     session except for auth expiry and cancellation
//
// Step 1: Cancel any existing stream for the session.
// Step 2: Resolve or create the session.
// Step 3: Upload attachments (soft failure).
// Step 4: Append the user message.
// Step 5: Open the connection and validate the response.
// Step 6: Launch the read loop.
func (c *Controller) StartStream(ctx context.Context, req datatypes.StartStreamRequest, callbacks Callbacks) (string, error) {
	ctx, span := c.tracer.Start(ctx, "chatengine.start_stream",
		trace.WithAttributes(
			attribute.String("chat.agent_id", req.AgentID),
			attribute.Bool("chat.reasoning", req.Reasoning),
		))
	defer span.End()

	// Step 1: Cancel any existing stream for the session.
	if req.SessionID != "" {
		c.cancelExisting(req.SessionID)
	}

	// Step 2: Resolve or create the session.
	sessionID, err := c.resolveSession(ctx, req.SessionID, req.AgentID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "session creation failed")
		return sessionID, err
	}
	span.SetAttributes(attribute.String("chat.session_id", sessionID))

	// A missing or temporary id means the server id was just resolved.
	hadServerID := req.SessionID != "" && !strings.HasPrefix(req.SessionID, store.TempSessionPrefix)
	if !hadServerID && callbacks.OnNewSessionCreated != nil {
		callbacks.OnNewSessionCreated(sessionID)
	}

	// A fresh attempt starts with a clean error field.
	c.store.Mutate(sessionID, func(s *datatypes.Session) {
		s.Error = ""
	})

	// Step 3: Upload attachments. Failure is recorded but the message
	// still sends.
	uploaded := c.uploadAttachments(ctx, sessionID, req.Attachments)

	// Step 4: Append the user message.
	c.store.Mutate(sessionID, func(s *datatypes.Session) {
		s.Messages = append(s.Messages, datatypes.Message{
			ID:          uuid.New().String(),
			Role:        datatypes.RoleUser,
			Content:     req.Message,
			CreatedAt:   time.Now().UTC(),
			Attachments: uploaded,
		})
	})

	// Step 5: Open the connection and validate the response.
	resp, streamCtx, cancel, err := c.openStream(ctx, sessionID, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "stream open failed")
		return sessionID, err
	}

	// Step 6: Launch the read loop.
	run := &runState{
		sessionID:   sessionID,
		agentID:     req.AgentID,
		callbacks:   callbacks,
		accumulator: c.cfg.NewAccumulator(),
		startedAt:   time.Now(),
	}

	handle := &streamHandle{cancel: cancel, done: make(chan struct{})}
	if previous := c.registry.put(sessionID, handle); previous != nil {
		// Lost a race with a concurrent start. The newer stream wins.
		previous.cancel()
		<-previous.done
	}

	c.store.Mutate(sessionID, func(s *datatypes.Session) {
		s.IsStreaming = true
	})
	if m := observability.DefaultMetrics; m != nil {
		m.ActiveStreams.Inc()
	}

	go c.readLoop(streamCtx, resp.Body, run, handle)

	slog.Info("Stream started",
		"session_id", sessionID,
		"agent_id", req.AgentID)

	return sessionID, nil
}

// cancelExisting tears down a live stream for the session, waiting for its
// read loop to drain so frames are never double-delivered.
func (c *Controller) cancelExisting(sessionID string) {
	handle := c.registry.take(sessionID)
	if handle == nil {
		return
	}

	slog.Debug("Cancelling existing stream before replacement", "session_id", sessionID)
	handle.cancel()
	<-handle.done
}

// resolveSession returns a usable session id, invoking the session
// collaborator when the caller has none. A temporary id counts as none: the
// backend never saw it, so a server session is created and the local session
// is promoted onto the new id, keeping whatever history and recorded error
// it accumulated. On collaborator failure the error is recorded on the
// temporary session (a fresh one when the caller had no id at all) so it is
// observable.
func (c *Controller) resolveSession(ctx context.Context, sessionID, agentID string) (string, error) {
	if sessionID != "" && !strings.HasPrefix(sessionID, store.TempSessionPrefix) {
		c.store.Ensure(sessionID, agentID)
		return sessionID, nil
	}

	created, err := c.cfg.Sessions.CreateSession(ctx, agentID)
	if err != nil {
		temp := sessionID
		if temp == "" {
			temp = c.store.Ensure("", agentID).ID
		} else {
			c.store.Ensure(temp, agentID)
		}
		failure := fmt.Errorf("%w: %v", ErrSessionCreation, err)
		c.store.Mutate(temp, func(s *datatypes.Session) {
			s.Error = failure.Error()
		})
		if m := observability.DefaultMetrics; m != nil {
			m.ErrorsTotal.WithLabelValues(string(observability.ErrorCodeSessionCreation)).Inc()
		}
		return temp, failure
	}

	if sessionID != "" {
		c.Rekey(sessionID, created)
	}
	c.store.Ensure(created, agentID)
	return created, nil
}

// uploadAttachments pushes files through the upload collaborator. Failure is
// non-fatal: it lands on the session's error field only.
func (c *Controller) uploadAttachments(ctx context.Context, sessionID string, files []datatypes.AttachmentUpload) []datatypes.Attachment {
	if len(files) == 0 {
		return nil
	}

	if c.cfg.Uploader == nil {
		c.recordUploadFailure(sessionID, errors.New("no uploader configured"))
		return nil
	}

	uploaded, err := c.cfg.Uploader.Upload(ctx, files, UploadOptions{SessionID: sessionID})
	if err != nil {
		c.recordUploadFailure(sessionID, err)
		return nil
	}
	return uploaded
}

func (c *Controller) recordUploadFailure(sessionID string, err error) {
	failure := fmt.Errorf("%w: %v", ErrUpload, err)
	slog.Warn("Attachment upload failed, sending message without files",
		"session_id", sessionID,
		"error", err)

	c.store.Mutate(sessionID, func(s *datatypes.Session) {
		s.Error = failure.Error()
	})
	if m := observability.DefaultMetrics; m != nil {
		m.ErrorsTotal.WithLabelValues(string(observability.ErrorCodeUpload)).Inc()
	}
}

// openStream performs the POST and validates the response status. The
// returned context and cancel func outlive the caller's ctx so background
// sessions keep streaming after the requester goes away.
func (c *Controller) openStream(ctx context.Context, sessionID string, req datatypes.StartStreamRequest) (*http.Response, context.Context, context.CancelFunc, error) {
	payload, err := json.Marshal(map[string]any{
		"agent_id":   req.AgentID,
		"message":    req.Message,
		"session_id": sessionID,
		"reasoning":  req.Reasoning,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal stream request: %w", err)
	}

	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	httpReq, err := http.NewRequestWithContext(streamCtx, http.MethodPost,
		c.cfg.API.url("/v1/agents/"+req.AgentID+"/runs"), bytes.NewReader(payload))
	if err != nil {
		cancel()
		return nil, nil, nil, fmt.Errorf("build stream request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	c.cfg.API.applyHeaders(httpReq)

	resp, err := c.streamClient.Do(httpReq)
	if err != nil {
		cancel()
		failure := fmt.Errorf("%w: %v", ErrStreamTransport, err)
		c.interp.failRun(sessionID, failure.Error(), observability.ErrorCodeStreamTransport)
		return nil, nil, nil, failure
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		statusErr := &HTTPStatusError{StatusCode: resp.StatusCode, Body: readErrorBody(resp)}
		_ = resp.Body.Close()
		cancel()

		if errors.Is(statusErr, ErrAuthExpired) {
			// Delegated to the refresher; aborts without touching the
			// session's error field.
			slog.Warn("Stream request rejected, refreshing credentials",
				"session_id", sessionID,
				"status", resp.StatusCode)
			if c.cfg.TokenRefresher != nil {
				c.cfg.TokenRefresher.OnTokenExpired(ctx)
			}
			if m := observability.DefaultMetrics; m != nil {
				m.ErrorsTotal.WithLabelValues(string(observability.ErrorCodeAuthExpired)).Inc()
			}
			return nil, nil, nil, statusErr
		}

		c.interp.failRun(sessionID, statusErr.Error(), observability.ErrorCodeStreamHTTP)
		return nil, nil, nil, statusErr
	}

	return resp, streamCtx, cancel, nil
}

// =============================================================================
// Read Loop
// =============================================================================

// readLoop drains the response body through the decoder and interpreter
// until end-of-stream, the [DONE] sentinel, cancellation, or a fatal frame.
// Cleanup of the body, the registry entry, and the run-scoped session fields
// is guaranteed on every path.
func (c *Controller) readLoop(ctx context.Context, body io.ReadCloser, run *runState, handle *streamHandle) {
	outcome := observability.OutcomeCompleted

	defer func() {
		_ = body.Close()
		c.registry.remove(run.sessionID, handle)
		c.finishStream(run, outcome)
		close(handle.done)
	}()

	decoder := protocol.NewDecoder(body)

	for {
		if ctx.Err() != nil {
			outcome = observability.OutcomeCancelled
			return
		}

		payload, err := decoder.Next()
		if err == nil {
			if fatal := c.interp.Apply(run, payload); fatal {
				outcome = observability.OutcomeError
				return
			}
			continue
		}

		switch {
		case errors.Is(err, protocol.ErrStreamComplete), errors.Is(err, io.EOF):
			c.interp.CompleteRun(run)
			return

		case ctx.Err() != nil:
			// The body read failed because the stream was cancelled.
			// Not an error; nothing lands on the session.
			outcome = observability.OutcomeCancelled
			return

		default:
			outcome = observability.OutcomeError
			failure := fmt.Errorf("%w: %v", ErrStreamTransport, err)
			c.interp.failRun(run.sessionID, failure.Error(), observability.ErrorCodeStreamTransport)
			return
		}
	}
}

// finishStream resets the run-scoped session fields and releases the run's
// resources. Runs exactly once per stream, on every exit path.
func (c *Controller) finishStream(run *runState, outcome observability.Outcome) {
	c.store.Mutate(run.sessionID, func(s *datatypes.Session) {
		s.IsStreaming = false
		s.IsAgentResponding = false
		s.IsMemoryUpdating = false
		s.CurrentToolCalls = nil
		s.CurrentReasoningSteps = nil
	})

	if run.accumulator != nil && !run.finalized {
		run.accumulator.Destroy()
	}

	if m := observability.DefaultMetrics; m != nil {
		m.ActiveStreams.Dec()
		m.StreamsTotal.WithLabelValues(run.agentID, string(outcome)).Inc()
		m.StreamDurationSeconds.WithLabelValues(string(outcome)).Observe(time.Since(run.startedAt).Seconds())
	}

	slog.Info("Stream finished",
		"session_id", run.sessionID,
		"outcome", string(outcome))
}

// =============================================================================
// Lifecycle Operations
// =============================================================================

// EndStream cancels the session's live stream, if any, and resets the
// run-scoped fields to their idle defaults. Idempotent; safe on a session
// with no active stream.
func (c *Controller) EndStream(sessionID string) {
	if handle := c.registry.take(sessionID); handle != nil {
		handle.cancel()
		<-handle.done
	}

	c.registry.stopDebugExpiry(sessionID)

	c.store.Mutate(sessionID, func(s *datatypes.Session) {
		s.IsStreaming = false
		s.IsAgentResponding = false
		s.IsMemoryUpdating = false
		s.CurrentToolCalls = nil
		s.CurrentReasoningSteps = nil
		s.DebugMessage = ""
	})
}

// SwitchSession marks a session active for the rendering layer. A no-op when
// the (id, agent) pair is already active; otherwise the previously active
// session's stream ends first. Does not itself start a stream. Returns the
// resolved session id.
func (c *Controller) SwitchSession(sessionID, agentID string) string {
	c.mu.Lock()
	if c.activeSessionID == sessionID && c.activeAgentID == agentID && sessionID != "" {
		c.mu.Unlock()
		return sessionID
	}

	resolved := c.store.Ensure(sessionID, agentID).ID
	previous := c.activeSessionID
	c.activeSessionID = resolved
	c.activeAgentID = agentID
	c.mu.Unlock()

	if previous != "" && previous != resolved {
		c.EndStream(previous)
	}

	slog.Debug("Switched active session",
		"session_id", resolved,
		"agent_id", agentID)

	return resolved
}

// ActiveSession returns the currently active (session, agent) pair.
func (c *Controller) ActiveSession() (string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeSessionID, c.activeAgentID
}

// ClearSession tears the session's stream down and evicts it from the
// store.
func (c *Controller) ClearSession(sessionID string) {
	c.EndStream(sessionID)
	c.store.Remove(sessionID)

	c.mu.Lock()
	if c.activeSessionID == sessionID {
		c.activeSessionID = ""
		c.activeAgentID = ""
	}
	c.mu.Unlock()
}

// UpdateMessage amends a stored message out of band, e.g. attaching feedback
// after the fact. Returns false when the session or message is unknown.
func (c *Controller) UpdateMessage(sessionID, messageID string, update datatypes.UpdateMessageRequest) bool {
	found := false

	c.store.Mutate(sessionID, func(s *datatypes.Session) {
		for idx := range s.Messages {
			if s.Messages[idx].ID != messageID {
				continue
			}
			if update.Feedback != nil {
				s.Messages[idx].Feedback = *update.Feedback
			}
			if update.Content != nil {
				s.Messages[idx].Content = *update.Content
			}
			found = true
			return
		}
	})

	return found
}

// LoadSessionHistory hydrates a session from the session collaborator's
// stored history. Existing local messages are replaced.
func (c *Controller) LoadSessionHistory(ctx context.Context, sessionID, agentID string) error {
	ctx, span := c.tracer.Start(ctx, "chatengine.load_session_history",
		trace.WithAttributes(attribute.String("chat.session_id", sessionID)))
	defer span.End()

	info, err := c.cfg.Sessions.GetSession(ctx, sessionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "session lookup failed")
		return fmt.Errorf("load session %s: %w", sessionID, err)
	}

	messages, err := c.cfg.Sessions.GetSessionMessages(ctx, sessionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "history fetch failed")
		return fmt.Errorf("load history for %s: %w", sessionID, err)
	}

	c.store.Ensure(sessionID, agentID)
	c.store.Mutate(sessionID, func(s *datatypes.Session) {
		if info.Title != "" {
			s.Title = info.Title
		}
		s.Messages = messages
	})

	slog.Info("Loaded session history",
		"session_id", sessionID,
		"messages", len(messages))

	return nil
}

// DisposeAll force-ends every live stream and stops every timer. Called on
// process shutdown.
func (c *Controller) DisposeAll() {
	handles := c.registry.drainAll()
	for _, handle := range handles {
		<-handle.done
	}

	for _, id := range c.store.IDs() {
		c.store.Mutate(id, func(s *datatypes.Session) {
			s.IsStreaming = false
			s.IsAgentResponding = false
			s.IsMemoryUpdating = false
			s.CurrentToolCalls = nil
			s.CurrentReasoningSteps = nil
		})
	}

	if len(handles) > 0 {
		slog.Info("Disposed live streams", "count", len(handles))
	}
}

// HasLiveStream reports whether the session currently owns a live
// connection.
func (c *Controller) HasLiveStream(sessionID string) bool {
	return c.registry.has(sessionID)
}

// Rekey moves a session and its live resources from a temporary id to a
// server-assigned one.
func (c *Controller) Rekey(oldID, newID string) bool {
	if !strings.HasPrefix(oldID, store.TempSessionPrefix) {
		return false
	}

	c.registry.rekey(oldID, newID)
	moved := c.store.Rekey(oldID, newID)

	c.mu.Lock()
	if c.activeSessionID == oldID {
		c.activeSessionID = newID
	}
	c.mu.Unlock()

	return moved
}
