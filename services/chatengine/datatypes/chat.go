// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides data structures for the chat engine service.
//
// This file contains the per-session conversational state types. For wire
// frame types decoded off the event stream, see events.go. For inbound
// request types, see requests.go.
package datatypes

import (
	"time"
)

// =============================================================================
// Roles and Statuses
// =============================================================================

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ToolCallStatus tracks the lifecycle of a tool invocation within a run.
type ToolCallStatus string

const (
	ToolCallStarted   ToolCallStatus = "started"
	ToolCallCompleted ToolCallStatus = "completed"
)

// DefaultSessionTitle is the placeholder title used until the server emits
// a ChatTitle event for the session.
const DefaultSessionTitle = "New Chat"

// =============================================================================
// Conversation Types
// =============================================================================

// ToolCall is one discrete invocation of an external capability by the agent
// during a run. Result is populated only once Status is ToolCallCompleted.
type ToolCall struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Arguments   map[string]any `json:"arguments,omitempty"`
	Status      ToolCallStatus `json:"status"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Result      string         `json:"result,omitempty"`
}

// ReasoningStep is a structured fragment of the agent's visible reasoning
// trace for a run.
type ReasoningStep struct {
	Title      string   `json:"title"`
	Reasoning  string   `json:"reasoning"`
	Action     string   `json:"action,omitempty"`
	Result     string   `json:"result,omitempty"`
	NextAction string   `json:"next_action,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// Reference is a citation attached to an assistant message, pointing at the
// source material a response drew on.
type Reference struct {
	Name    string `json:"name,omitempty"`
	Content string `json:"content,omitempty"`
	URL     string `json:"url,omitempty"`
}

// Attachment describes a file uploaded alongside a user message. The fields
// mirror what the upload collaborator returns.
type Attachment struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	URL         string `json:"url,omitempty"`
}

// Message is one entry in a session's conversation.
//
// # Description
//
// The identifier is locally generated (UUID) when the message is created
// client-side and reconciled to a server-assigned id when the stream supplies
// one. Content is mutable while the owning run is streaming and immutable once
// the run completes. ContentHash carries the SHA-256 of the finalized
// assistant content for integrity logging.
//
// # Assumptions
//
//   - Messages are held in chronological order by their containing Session.
//   - Only the last message of a session is ever amended in place.
type Message struct {
	ID             string          `json:"id"`
	Role           Role            `json:"role"`
	Content        string          `json:"content"`
	CreatedAt      time.Time       `json:"created_at"`
	Feedback       string          `json:"feedback,omitempty"`
	ToolCalls      []ToolCall      `json:"tool_calls,omitempty"`
	ReasoningSteps []ReasoningStep `json:"reasoning_steps,omitempty"`
	References     []Reference     `json:"references,omitempty"`
	Attachments    []Attachment    `json:"attachments,omitempty"`
	IsError        bool            `json:"is_error,omitempty"`
	ContentHash    string          `json:"content_hash,omitempty"`
}

// =============================================================================
// Session State
// =============================================================================

// Session is the complete conversational state for one chat session.
//
// # Description
//
// Sessions are keyed by a server-assigned id, or a temporary generated id
// before one exists. CurrentToolCalls and CurrentReasoningSteps are run-scoped
// caches: they are populated while a run streams and reset to empty whenever
// the stream ends, regardless of outcome. DebugMessage is transient and
// self-expires unless refreshed. Error holds the last stream failure and is
// cleared at the start of each new stream attempt.
//
// # Limitations
//
//   - Session values handed to consumers are snapshots; mutating one has no
//     effect on engine state. All mutation goes through the store.
type Session struct {
	ID                    string              `json:"id"`
	AgentID               string              `json:"agent_id"`
	Title                 string              `json:"title"`
	Messages              []Message           `json:"messages"`
	IsStreaming           bool                `json:"is_streaming"`
	IsAgentResponding     bool                `json:"is_agent_responding"`
	IsMemoryUpdating      bool                `json:"is_memory_updating"`
	CurrentToolCalls      map[string]ToolCall `json:"current_tool_calls,omitempty"`
	CurrentReasoningSteps []ReasoningStep     `json:"current_reasoning_steps,omitempty"`
	DebugMessage          string              `json:"debug_message,omitempty"`
	Error                 string              `json:"error,omitempty"`
	CreatedAt             time.Time           `json:"created_at"`
	UpdatedAt             time.Time           `json:"updated_at"`
}

// LastMessage returns a pointer to the most recent message, or nil when the
// session has none. Callers inside the engine use this for in-place amendment
// of the streaming assistant message.
func (s *Session) LastMessage() *Message {
	if len(s.Messages) == 0 {
		return nil
	}
	return &s.Messages[len(s.Messages)-1]
}

// Clone returns a deep copy of the session. Snapshot reads from the store use
// this so observers never share backing slices or maps with the live state.
func (s *Session) Clone() Session {
	out := *s

	if s.Messages != nil {
		out.Messages = make([]Message, len(s.Messages))
		for i := range s.Messages {
			out.Messages[i] = s.Messages[i].Clone()
		}
	}
	if s.CurrentToolCalls != nil {
		out.CurrentToolCalls = make(map[string]ToolCall, len(s.CurrentToolCalls))
		for id, tc := range s.CurrentToolCalls {
			out.CurrentToolCalls[id] = tc.Clone()
		}
	}
	out.CurrentReasoningSteps = cloneReasoningSteps(s.CurrentReasoningSteps)

	return out
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() Message {
	out := *m

	if m.ToolCalls != nil {
		out.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		for i := range m.ToolCalls {
			out.ToolCalls[i] = m.ToolCalls[i].Clone()
		}
	}
	out.ReasoningSteps = cloneReasoningSteps(m.ReasoningSteps)
	if m.References != nil {
		out.References = append([]Reference(nil), m.References...)
	}
	if m.Attachments != nil {
		out.Attachments = append([]Attachment(nil), m.Attachments...)
	}

	return out
}

// Clone returns a deep copy of the tool call.
func (t *ToolCall) Clone() ToolCall {
	out := *t

	if t.Arguments != nil {
		out.Arguments = make(map[string]any, len(t.Arguments))
		for k, v := range t.Arguments {
			out.Arguments[k] = v
		}
	}
	if t.CompletedAt != nil {
		done := *t.CompletedAt
		out.CompletedAt = &done
	}

	return out
}

func cloneReasoningSteps(steps []ReasoningStep) []ReasoningStep {
	if steps == nil {
		return nil
	}
	out := make([]ReasoningStep, len(steps))
	for i := range steps {
		out[i] = steps[i]
		if steps[i].Confidence != nil {
			c := *steps[i].Confidence
			out[i].Confidence = &c
		}
	}
	return out
}

// =============================================================================
// Derived Views
// =============================================================================

// SessionSummary is the listing view of a session, returned by the sessions
// index endpoint and the CLI session list.
type SessionSummary struct {
	ID           string    `json:"id"`
	AgentID      string    `json:"agent_id"`
	Title        string    `json:"title"`
	MessageCount int       `json:"message_count"`
	IsStreaming  bool      `json:"is_streaming"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Summary derives the listing view from a session.
func (s *Session) Summary() SessionSummary {
	return SessionSummary{
		ID:           s.ID,
		AgentID:      s.AgentID,
		Title:        s.Title,
		MessageCount: len(s.Messages),
		IsStreaming:  s.IsStreaming,
		UpdatedAt:    s.UpdatedAt,
	}
}
