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
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianChat/services/chatengine/datatypes"
)

// =============================================================================
// Shared API Client Configuration
// =============================================================================

const defaultAPITimeout = 30 * time.Second

// APIConfig configures the HTTP collaborators. One value is shared by the
// session API, the uploader, and the stream opener so credentials stay in
// one place.
type APIConfig struct {
	// BaseURL is the backend root, without a trailing slash.
	BaseURL string

	// CSRFToken, when set, is sent as the X-CSRF-Token header on every
	// request.
	CSRFToken string

	// HTTPClient overrides the default client. The stream opener ignores
	// its timeout; long-lived response bodies are bounded by the stream
	// context instead.
	HTTPClient *http.Client
}

func (c *APIConfig) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: defaultAPITimeout}
}

func (c *APIConfig) applyHeaders(req *http.Request) {
	if c.CSRFToken != "" {
		req.Header.Set("X-CSRF-Token", c.CSRFToken)
	}
}

func (c *APIConfig) url(path string) string {
	return strings.TrimRight(c.BaseURL, "/") + path
}

// readErrorBody extracts a short diagnostic string from a failed response.
func readErrorBody(resp *http.Response) string {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(body))
}

// =============================================================================
// Session API over HTTP
// =============================================================================

// HTTPSessionAPI talks to the backend session resource.
type HTTPSessionAPI struct {
	cfg APIConfig
}

var _ SessionAPI = (*HTTPSessionAPI)(nil)

// NewHTTPSessionAPI creates a session collaborator. Panics on an empty base
// URL.
func NewHTTPSessionAPI(cfg APIConfig) *HTTPSessionAPI {
	if cfg.BaseURL == "" {
		panic("engine: session API base URL is required")
	}
	return &HTTPSessionAPI{cfg: cfg}
}

// CreateSession requests a new server session for the agent.
func (a *HTTPSessionAPI) CreateSession(ctx context.Context, agentID string) (string, error) {
	payload, err := json.Marshal(map[string]string{"agent_id": agentID})
	if err != nil {
		return "", fmt.Errorf("marshal session request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.url("/v1/sessions"), bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build session request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	a.cfg.applyHeaders(req)

	resp, err := a.cfg.client().Do(req)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &HTTPStatusError{StatusCode: resp.StatusCode, Body: readErrorBody(resp)}
	}

	var info SessionInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", fmt.Errorf("decode session response: %w", err)
	}
	if info.SessionID == "" {
		return "", fmt.Errorf("session response carried no session id")
	}

	slog.Debug("Created server session",
		"session_id", info.SessionID,
		"agent_id", agentID)

	return info.SessionID, nil
}

// GetSession returns metadata for an existing session.
func (a *HTTPSessionAPI) GetSession(ctx context.Context, sessionID string) (SessionInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.url("/v1/sessions/"+sessionID), nil)
	if err != nil {
		return SessionInfo{}, fmt.Errorf("build session request: %w", err)
	}
	a.cfg.applyHeaders(req)

	resp, err := a.cfg.client().Do(req)
	if err != nil {
		return SessionInfo{}, fmt.Errorf("get session: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return SessionInfo{}, &HTTPStatusError{StatusCode: resp.StatusCode, Body: readErrorBody(resp)}
	}

	var info SessionInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return SessionInfo{}, fmt.Errorf("decode session response: %w", err)
	}
	return info, nil
}

// GetSessionMessages returns the stored conversation history.
func (a *HTTPSessionAPI) GetSessionMessages(ctx context.Context, sessionID string) ([]datatypes.Message, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.url("/v1/sessions/"+sessionID+"/messages"), nil)
	if err != nil {
		return nil, fmt.Errorf("build history request: %w", err)
	}
	a.cfg.applyHeaders(req)

	resp, err := a.cfg.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("get session messages: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPStatusError{StatusCode: resp.StatusCode, Body: readErrorBody(resp)}
	}

	var messages []datatypes.Message
	if err := json.NewDecoder(resp.Body).Decode(&messages); err != nil {
		return nil, fmt.Errorf("decode history response: %w", err)
	}
	return messages, nil
}

// =============================================================================
// Attachment Uploader over HTTP
// =============================================================================

// HTTPAttachmentUploader posts files as multipart form data.
type HTTPAttachmentUploader struct {
	cfg APIConfig
}

var _ AttachmentUploader = (*HTTPAttachmentUploader)(nil)

// NewHTTPAttachmentUploader creates an upload collaborator. Panics on an
// empty base URL.
func NewHTTPAttachmentUploader(cfg APIConfig) *HTTPAttachmentUploader {
	if cfg.BaseURL == "" {
		panic("engine: uploader base URL is required")
	}
	return &HTTPAttachmentUploader{cfg: cfg}
}

// Upload sends every file in one multipart request and returns the stored
// attachment descriptors.
func (u *HTTPAttachmentUploader) Upload(ctx context.Context, files []datatypes.AttachmentUpload, opts UploadOptions) ([]datatypes.Attachment, error) {
	if len(files) == 0 {
		return nil, nil
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	for i := range files {
		part, err := writer.CreateFormFile("files", files[i].Name)
		if err != nil {
			return nil, fmt.Errorf("build multipart body: %w", err)
		}
		if _, err := part.Write(files[i].Data); err != nil {
			return nil, fmt.Errorf("write multipart body: %w", err)
		}
	}
	if opts.SessionID != "" {
		_ = writer.WriteField("session_id", opts.SessionID)
	}
	if opts.Ephemeral {
		_ = writer.WriteField("ephemeral", "true")
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("finalize multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.cfg.url("/v1/files"), &body)
	if err != nil {
		return nil, fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	u.cfg.applyHeaders(req)

	resp, err := u.cfg.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload attachments: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPStatusError{StatusCode: resp.StatusCode, Body: readErrorBody(resp)}
	}

	var uploaded []datatypes.Attachment
	if err := json.NewDecoder(resp.Body).Decode(&uploaded); err != nil {
		return nil, fmt.Errorf("decode upload response: %w", err)
	}

	slog.Debug("Uploaded attachments",
		"count", len(uploaded),
		"session_id", opts.SessionID)

	return uploaded, nil
}
