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

import (
	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Constants for Security Compliance
// =============================================================================

const (
	// MaxMessageContentBytes is the maximum size of a single user message.
	// Per SEC-003: Unbounded message input mitigation.
	MaxMessageContentBytes = 32 * 1024 // 32KB

	// MaxAttachmentsPerMessage bounds how many files can ride along with one
	// user message.
	MaxAttachmentsPerMessage = 10

	// MaxAttachmentBytes is the maximum decoded size of a single attachment.
	MaxAttachmentBytes = 8 * 1024 * 1024 // 8MB
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// chatValidate is the validator instance for chat engine datatypes.
var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()

	// Register custom validator for message content size (SEC-003)
	_ = chatValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes validates that a string field does not exceed
// MaxMessageContentBytes. Checks byte length, not rune count, so oversized
// multi-byte payloads are rejected too.
func validateMaxBytes(fl validator.FieldLevel) bool {
	content := fl.Field().String()
	return len(content) <= MaxMessageContentBytes
}

// =============================================================================
// Request Types
// =============================================================================

// AttachmentUpload is one file submitted with a StartStreamRequest. Data
// travels base64-encoded in JSON bodies.
type AttachmentUpload struct {
	Name        string `json:"name" validate:"required,max=255"`
	ContentType string `json:"content_type" validate:"required,max=255"`
	Data        []byte `json:"data" validate:"required"`
}

// StartStreamRequest is the body of POST /v1/streams.
//
// # Description
//
// AgentID selects the agent that will answer. SessionID is optional: when
// absent a new server session is created before streaming begins, and the
// resolved id is returned to the caller. Reasoning toggles the agent's
// visible reasoning trace for this run.
//
// # Validation
//
//   - AgentID: required
//   - Message: required, at most 32KB (SEC-003)
//   - Attachments: at most 10, each with name, content type and data
type StartStreamRequest struct {
	AgentID     string             `json:"agent_id" validate:"required,max=255"`
	SessionID   string             `json:"session_id,omitempty" validate:"max=255"`
	Message     string             `json:"message" validate:"required,maxbytes"`
	Reasoning   bool               `json:"reasoning,omitempty"`
	Attachments []AttachmentUpload `json:"attachments,omitempty" validate:"max=10,dive"`
}

// Validate checks the request against its validation rules.
func (r *StartStreamRequest) Validate() error {
	if err := chatValidate.Struct(r); err != nil {
		return err
	}
	for i := range r.Attachments {
		if len(r.Attachments[i].Data) > MaxAttachmentBytes {
			return &AttachmentTooLargeError{Name: r.Attachments[i].Name}
		}
	}
	return nil
}

// AttachmentTooLargeError reports an attachment exceeding MaxAttachmentBytes.
type AttachmentTooLargeError struct {
	Name string
}

func (e *AttachmentTooLargeError) Error() string {
	return "attachment exceeds size limit: " + e.Name
}

// SwitchSessionRequest is the body of POST /v1/sessions/active.
type SwitchSessionRequest struct {
	SessionID string `json:"session_id,omitempty" validate:"max=255"`
	AgentID   string `json:"agent_id" validate:"required,max=255"`
}

// Validate checks the request against its validation rules.
func (r *SwitchSessionRequest) Validate() error {
	return chatValidate.Struct(r)
}

// UpdateMessageRequest is the body of PATCH
// /v1/sessions/:sessionId/messages/:messageId. Nil fields are left untouched.
type UpdateMessageRequest struct {
	Feedback *string `json:"feedback,omitempty"`
	Content  *string `json:"content,omitempty"`
}

// StartStreamResponse is returned by POST /v1/streams once the stream has
// been accepted. SessionID is the resolved id, which differs from the request
// when the server created a new session.
type StartStreamResponse struct {
	SessionID string `json:"session_id"`
	Started   bool   `json:"started"`
}
