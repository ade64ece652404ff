// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import "encoding/json"

// =============================================================================
// Event Discriminators
// =============================================================================

// Event discriminator values carried in a frame's "event" field. The set is
// closed on our side; unknown values are tolerated and ignored so the server
// can evolve its protocol without breaking deployed clients.
const (
	EventChatTitle             = "ChatTitle"
	EventRunStarted            = "RunStarted"
	EventRunCompleted          = "RunCompleted"
	EventRunResponse           = "RunResponse"
	EventRunResponseContent    = "RunResponseContent"
	EventRunContent            = "RunContent"
	EventToolCallStarted       = "ToolCallStarted"
	EventToolCallCompleted     = "ToolCallCompleted"
	EventMemoryUpdateStarted   = "MemoryUpdateStarted"
	EventMemoryUpdateCompleted = "MemoryUpdateCompleted"
	EventReferences            = "References"
)

// StreamDoneSentinel is the literal, non-JSON payload that signals clean
// termination of the event stream.
const StreamDoneSentinel = "[DONE]"

// =============================================================================
// Wire Frame Types
// =============================================================================

// ToolCallPayload is the tool descriptor embedded in ToolCallStarted and
// ToolCallCompleted frames.
type ToolCallPayload struct {
	ToolCallID string         `json:"tool_call_id"`
	ToolName   string         `json:"tool_name"`
	ToolArgs   map[string]any `json:"tool_args,omitempty"`
	Result     string         `json:"result,omitempty"`
}

// FrameExtraData carries optional structured payloads attached to a frame.
type FrameExtraData struct {
	ReasoningSteps []ReasoningStep `json:"reasoning_steps,omitempty"`
	References     []Reference     `json:"references,omitempty"`
}

// EventFrame is the decoded JSON payload of one stream frame.
//
// # Description
//
// A frame carries either an Event discriminator or one of the special Error
// and Debug fields. All other fields are optional and event-dependent:
// Content holds token deltas and final run content, Title the session title,
// SessionID and MessageID server-assigned identifiers for reconciliation,
// Tool the tool-call descriptor, ExtraData reasoning steps and references.
//
// # Assumptions
//
//   - Fields absent from the wire payload stay zero-valued; interpretation
//     never distinguishes absent from empty.
type EventFrame struct {
	Event     string           `json:"event,omitempty"`
	Content   string           `json:"content,omitempty"`
	Title     string           `json:"title,omitempty"`
	SessionID string           `json:"session_id,omitempty"`
	RunID     string           `json:"run_id,omitempty"`
	AgentID   string           `json:"agent_id,omitempty"`
	MessageID string           `json:"message_id,omitempty"`
	Tool      *ToolCallPayload `json:"tool,omitempty"`
	ExtraData *FrameExtraData  `json:"extra_data,omitempty"`
	Error     string           `json:"error,omitempty"`
	Debug     json.RawMessage  `json:"debug,omitempty"`
}

// HasError reports whether the frame carries a server-reported error.
func (f *EventFrame) HasError() bool {
	return f.Error != ""
}

// HasDebug reports whether the frame carries a debug payload.
func (f *EventFrame) HasDebug() bool {
	return len(f.Debug) > 0
}

// ReasoningSteps returns the embedded reasoning steps, if any.
func (f *EventFrame) ReasoningSteps() []ReasoningStep {
	if f.ExtraData == nil {
		return nil
	}
	return f.ExtraData.ReasoningSteps
}

// References returns the embedded references, if any.
func (f *EventFrame) References() []Reference {
	if f.ExtraData == nil {
		return nil
	}
	return f.ExtraData.References
}
