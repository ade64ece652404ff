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

	"github.com/AleutianAI/AleutianChat/services/chatengine/datatypes"
)

// =============================================================================
// Collaborator Interfaces
// =============================================================================

// SessionInfo is the metadata the session collaborator returns for one
// server-side session.
type SessionInfo struct {
	SessionID string `json:"session_id"`
	AgentID   string `json:"agent_id,omitempty"`
	Title     string `json:"title,omitempty"`
}

// SessionAPI is the external session-management collaborator. The engine
// calls it to create a session before streaming when no id is known, and to
// hydrate history for sessions it has not seen.
type SessionAPI interface {
	// CreateSession requests a new server session for the agent and
	// returns its id.
	CreateSession(ctx context.Context, agentID string) (string, error)

	// GetSession returns metadata for an existing session.
	GetSession(ctx context.Context, sessionID string) (SessionInfo, error)

	// GetSessionMessages returns the stored conversation history.
	GetSessionMessages(ctx context.Context, sessionID string) ([]datatypes.Message, error)
}

// UploadOptions qualifies an attachment upload.
type UploadOptions struct {
	SessionID string
	Ephemeral bool
}

// AttachmentUploader is the external file-upload collaborator. Uploads run
// before the user message is sent; a failure is recorded on the session but
// does not stop the message.
type AttachmentUploader interface {
	Upload(ctx context.Context, files []datatypes.AttachmentUpload, opts UploadOptions) ([]datatypes.Attachment, error)
}

// TokenRefresher is invoked when the stream request is rejected with 401 or
// 403. The engine aborts the stream silently and leaves re-authentication to
// this collaborator.
type TokenRefresher interface {
	OnTokenExpired(ctx context.Context)
}

// =============================================================================
// Stream Callbacks
// =============================================================================

// Callbacks are optional per-call side-effect hooks threaded through
// StartStream. Every field may be nil. They are invoked from the read loop
// goroutine; implementations must be quick and must not call back into the
// controller.
type Callbacks struct {
	// OnNewSessionCreated fires once when a server session id is resolved
	// for a call that started without one.
	OnNewSessionCreated func(sessionID string)

	// OnTitleUpdate fires when the server emits a title for the session.
	OnTitleUpdate func(sessionID, title string)

	// OnMessageComplete fires when a run finishes and the assistant
	// message is final.
	OnMessageComplete func(sessionID string, message datatypes.Message)
}
