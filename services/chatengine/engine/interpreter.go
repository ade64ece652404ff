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
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianChat/services/chatengine/datatypes"
	"github.com/AleutianAI/AleutianChat/services/chatengine/observability"
	"github.com/AleutianAI/AleutianChat/services/chatengine/store"
)

// =============================================================================
// Run State
// =============================================================================

// runState carries the per-stream context the interpreter needs: the target
// session, the caller's hooks, and the accumulator mirroring this run's
// deltas.
type runState struct {
	sessionID   string
	agentID     string
	callbacks   Callbacks
	accumulator RunAccumulator
	startedAt   time.Time
	sawDelta    bool
	finalized   bool
}

// =============================================================================
// Interpreter
// =============================================================================

// Interpreter folds decoded frame payloads into session state.
//
// # Description
//
// Apply handles exactly one frame and performs exactly one state transition,
// selected by the payload's event discriminator or its special error/debug
// fields. Malformed JSON is logged and skipped; one bad frame never aborts
// an otherwise healthy stream. Unknown discriminators are ignored so the
// server side can evolve first.
//
// # Assumptions
//
//   - Apply and CompleteRun for one run are called from a single goroutine,
//     the stream's read loop.
type Interpreter struct {
	store    *store.SessionStore
	registry *streamRegistry
	debugTTL time.Duration
}

// NewInterpreter wires an interpreter to the store. Panics when store is
// nil.
func newInterpreter(sessions *store.SessionStore, registry *streamRegistry, debugTTL time.Duration) *Interpreter {
	if sessions == nil {
		panic("engine: session store is required")
	}
	if registry == nil {
		panic("engine: stream registry is required")
	}
	return &Interpreter{
		store:    sessions,
		registry: registry,
		debugTTL: debugTTL,
	}
}

// Apply folds one frame payload into the run's session.
//
// # Outputs
//
//   - bool: true when the frame is fatal to the run and the read loop must
//     terminate (server-reported error)
func (i *Interpreter) Apply(run *runState, payload string) bool {
	var frame datatypes.EventFrame
	if err := json.Unmarshal([]byte(payload), &frame); err != nil {
		slog.Warn("Skipping malformed stream frame",
			"session_id", run.sessionID,
			"error", err)
		if m := observability.DefaultMetrics; m != nil {
			m.MalformedFramesTotal.Inc()
		}
		return false
	}

	i.countFrame(&frame)

	if frame.HasError() {
		i.applyServerError(run, frame.Error)
		return true
	}

	if frame.HasDebug() {
		i.applyDebug(run, frame.Debug)
		if frame.Event == "" {
			return false
		}
	}

	switch frame.Event {
	case datatypes.EventChatTitle:
		i.applyTitle(run, &frame)
	case datatypes.EventRunStarted:
		i.store.Mutate(run.sessionID, func(s *datatypes.Session) {
			s.IsAgentResponding = true
		})
	case datatypes.EventRunCompleted:
		i.applyRunCompleted(run, &frame)
	case datatypes.EventRunResponse, datatypes.EventRunResponseContent, datatypes.EventRunContent:
		i.applyContentDelta(run, &frame)
	case datatypes.EventToolCallStarted:
		i.applyToolCallStarted(run, &frame)
	case datatypes.EventToolCallCompleted:
		i.applyToolCallCompleted(run, &frame)
	case datatypes.EventMemoryUpdateStarted:
		i.store.Mutate(run.sessionID, func(s *datatypes.Session) {
			s.IsMemoryUpdating = true
		})
	case datatypes.EventMemoryUpdateCompleted:
		i.store.Mutate(run.sessionID, func(s *datatypes.Session) {
			s.IsMemoryUpdating = false
		})
	case datatypes.EventReferences:
		i.applyReferences(run, &frame)
	case "":
		// No discriminator and no special field. Nothing to do.
	default:
		slog.Debug("Unknown stream event type",
			"session_id", run.sessionID,
			"event", frame.Event)
	}

	return false
}

// CompleteRun runs the clean-termination transition: streaming flags drop,
// the final assistant message gets its content hash, and the completion
// callback fires once.
func (i *Interpreter) CompleteRun(run *runState) {
	contentHash := i.finalizeAccumulator(run)

	var final datatypes.Message
	haveFinal := false

	i.store.Mutate(run.sessionID, func(s *datatypes.Session) {
		s.IsStreaming = false
		s.IsAgentResponding = false

		last := s.LastMessage()
		if last != nil && last.Role == datatypes.RoleAssistant && !last.IsError {
			if contentHash != "" {
				last.ContentHash = contentHash
			}
			final = last.Clone()
			haveFinal = true
		}
	})

	if haveFinal && run.callbacks.OnMessageComplete != nil {
		run.callbacks.OnMessageComplete(run.sessionID, final)
	}
}

// =============================================================================
// Transitions
// =============================================================================

func (i *Interpreter) applyTitle(run *runState, frame *datatypes.EventFrame) {
	title := frame.Title
	if title == "" {
		title = frame.Content
	}
	if title == "" {
		return
	}

	i.store.Mutate(run.sessionID, func(s *datatypes.Session) {
		s.Title = title
	})

	if run.callbacks.OnTitleUpdate != nil {
		run.callbacks.OnTitleUpdate(run.sessionID, title)
	}
}

// applyContentDelta folds one token delta into the session.
//
// The first delta of a run appends a fresh assistant message seeded with the
// current tool-call and reasoning snapshots; later deltas extend that
// message in place.
func (i *Interpreter) applyContentDelta(run *runState, frame *datatypes.EventFrame) {
	if !run.sawDelta {
		run.sawDelta = true
		if m := observability.DefaultMetrics; m != nil {
			m.TimeToFirstDeltaSeconds.Observe(time.Since(run.startedAt).Seconds())
		}
	}

	if run.accumulator != nil && frame.Content != "" {
		if err := run.accumulator.Write(frame.Content); err != nil {
			slog.Warn("Run accumulator rejected delta",
				"session_id", run.sessionID,
				"error", err)
		}
	}

	i.store.Mutate(run.sessionID, func(s *datatypes.Session) {
		if steps := frame.ReasoningSteps(); steps != nil {
			s.CurrentReasoningSteps = append([]datatypes.ReasoningStep(nil), steps...)
		}

		last := s.LastMessage()
		if last == nil || last.Role != datatypes.RoleAssistant {
			id := frame.MessageID
			if id == "" {
				id = uuid.New().String()
			}
			s.Messages = append(s.Messages, datatypes.Message{
				ID:             id,
				Role:           datatypes.RoleAssistant,
				Content:        frame.Content,
				CreatedAt:      time.Now().UTC(),
				ToolCalls:      toolCallSnapshot(s.CurrentToolCalls),
				ReasoningSteps: append([]datatypes.ReasoningStep(nil), s.CurrentReasoningSteps...),
			})
		} else {
			last.Content += frame.Content
			if frame.MessageID != "" {
				last.ID = frame.MessageID
			}
		}

		s.IsAgentResponding = true
	})

	if m := observability.DefaultMetrics; m != nil {
		m.TokenDeltasTotal.Inc()
	}
}

func (i *Interpreter) applyRunCompleted(run *runState, frame *datatypes.EventFrame) {
	i.store.Mutate(run.sessionID, func(s *datatypes.Session) {
		s.IsAgentResponding = false

		last := s.LastMessage()
		if last == nil || last.Role != datatypes.RoleAssistant {
			return
		}
		if frame.Content != "" {
			last.Content = frame.Content
		}
		if frame.MessageID != "" {
			last.ID = frame.MessageID
		}
		last.ToolCalls = toolCallSnapshot(s.CurrentToolCalls)
		last.ReasoningSteps = append([]datatypes.ReasoningStep(nil), s.CurrentReasoningSteps...)
	})
}

func (i *Interpreter) applyToolCallStarted(run *runState, frame *datatypes.EventFrame) {
	if frame.Tool == nil || frame.Tool.ToolCallID == "" {
		return
	}

	call := datatypes.ToolCall{
		ID:        frame.Tool.ToolCallID,
		Name:      frame.Tool.ToolName,
		Arguments: frame.Tool.ToolArgs,
		Status:    datatypes.ToolCallStarted,
		StartedAt: time.Now().UTC(),
	}

	i.store.Mutate(run.sessionID, func(s *datatypes.Session) {
		// Replace the map wholesale so snapshot readers never iterate a
		// map that is being written.
		next := make(map[string]datatypes.ToolCall, len(s.CurrentToolCalls)+1)
		for id, tc := range s.CurrentToolCalls {
			next[id] = tc
		}
		next[call.ID] = call
		s.CurrentToolCalls = next
	})
}

func (i *Interpreter) applyToolCallCompleted(run *runState, frame *datatypes.EventFrame) {
	if frame.Tool == nil || frame.Tool.ToolCallID == "" {
		return
	}

	i.store.Mutate(run.sessionID, func(s *datatypes.Session) {
		existing, ok := s.CurrentToolCalls[frame.Tool.ToolCallID]
		if !ok {
			// No prior started event for this id. Tolerated for forward
			// compatibility.
			return
		}

		now := time.Now().UTC()
		existing.Status = datatypes.ToolCallCompleted
		existing.CompletedAt = &now
		existing.Result = frame.Tool.Result

		next := make(map[string]datatypes.ToolCall, len(s.CurrentToolCalls))
		for id, tc := range s.CurrentToolCalls {
			next[id] = tc
		}
		next[existing.ID] = existing
		s.CurrentToolCalls = next
	})
}

func (i *Interpreter) applyReferences(run *runState, frame *datatypes.EventFrame) {
	refs := frame.References()
	if len(refs) == 0 {
		return
	}

	i.store.Mutate(run.sessionID, func(s *datatypes.Session) {
		last := s.LastMessage()
		if last == nil || last.Role != datatypes.RoleAssistant {
			return
		}
		last.References = append([]datatypes.Reference(nil), refs...)
	})
}

// applyServerError runs the fatal server-error transition: the run stops and
// the failure becomes visible in-line in the conversation.
func (i *Interpreter) applyServerError(run *runState, errText string) {
	slog.Error("Server reported stream error",
		"session_id", run.sessionID,
		"error", errText)
	i.failRun(run.sessionID, errText, observability.ErrorCodeServerReported)
}

// failRun stops the session's run and makes the failure visible: the error
// field is set and a synthetic assistant message carries the text in-line.
// An empty in-progress assistant placeholder is overwritten rather than
// duplicated.
func (i *Interpreter) failRun(sessionID, errText string, code observability.ErrorCode) {
	if m := observability.DefaultMetrics; m != nil {
		m.ErrorsTotal.WithLabelValues(string(code)).Inc()
	}

	i.store.Mutate(sessionID, func(s *datatypes.Session) {
		s.IsStreaming = false
		s.IsAgentResponding = false
		s.Error = errText

		last := s.LastMessage()
		if last != nil && last.Role == datatypes.RoleAssistant && last.Content == "" {
			// Empty in-progress placeholder: overwrite in place instead
			// of duplicating.
			last.Content = errText
			last.IsError = true
			return
		}

		s.Messages = append(s.Messages, datatypes.Message{
			ID:        uuid.New().String(),
			Role:      datatypes.RoleAssistant,
			Content:   errText,
			CreatedAt: time.Now().UTC(),
			IsError:   true,
		})
	})
}

func (i *Interpreter) applyDebug(run *runState, raw json.RawMessage) {
	i.store.Mutate(run.sessionID, func(s *datatypes.Session) {
		s.DebugMessage = formatDebugPayload(raw)
	})

	sessionID := run.sessionID
	i.registry.armDebugExpiry(sessionID, i.debugTTL, func() {
		i.store.Mutate(sessionID, func(s *datatypes.Session) {
			s.DebugMessage = ""
		})
	})
}

// =============================================================================
// Helpers
// =============================================================================

// finalizeAccumulator drains the run accumulator exactly once and returns
// the content hash, or empty when unavailable.
func (i *Interpreter) finalizeAccumulator(run *runState) string {
	if run.accumulator == nil || run.finalized {
		return ""
	}
	run.finalized = true

	_, contentHash, err := run.accumulator.Finalize()
	if err != nil {
		slog.Warn("Could not finalize run accumulator",
			"session_id", run.sessionID,
			"error", err)
		return ""
	}
	return contentHash
}

func (i *Interpreter) countFrame(frame *datatypes.EventFrame) {
	m := observability.DefaultMetrics
	if m == nil {
		return
	}

	label := frame.Event
	switch {
	case frame.HasError():
		label = "error"
	case frame.HasDebug():
		label = "debug"
	case label == "":
		label = "unknown"
	}
	m.FramesTotal.WithLabelValues(label).Inc()
}

// toolCallSnapshot flattens the run's tool-call map into a stable slice,
// ordered by start time then id.
func toolCallSnapshot(calls map[string]datatypes.ToolCall) []datatypes.ToolCall {
	if len(calls) == 0 {
		return nil
	}

	out := make([]datatypes.ToolCall, 0, len(calls))
	for _, tc := range calls {
		out = append(out, tc.Clone())
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].StartedAt.Equal(out[b].StartedAt) {
			return out[a].StartedAt.Before(out[b].StartedAt)
		}
		return out[a].ID < out[b].ID
	})

	return out
}

// formatDebugPayload renders a debug payload for display: plain strings come
// through unquoted, anything else as indented JSON.
func formatDebugPayload(raw json.RawMessage) string {
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err == nil {
		return pretty.String()
	}
	return string(raw)
}
