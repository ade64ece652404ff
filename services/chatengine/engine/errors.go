// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine owns the stream lifecycle: it opens the protocol
// connection, runs the decode and interpret loop, and folds events into the
// session store.
package engine

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Taxonomy
// =============================================================================

// Error classes for stream failures. Callers match with errors.Is. Apart from
// StartStream's return value, failures surface only through the session's
// Error field; nothing is propagated past the controller boundary.
var (
	// ErrSessionCreation means no session id could be obtained before
	// streaming.
	ErrSessionCreation = errors.New("session creation failed")

	// ErrUpload means an attachment upload failed. Non-fatal: the message
	// still sends.
	ErrUpload = errors.New("attachment upload failed")

	// ErrAuthExpired means the stream request came back 401 or 403. The
	// token refresher is invoked and the stream aborts silently.
	ErrAuthExpired = errors.New("authentication expired")

	// ErrStreamHTTP means a non-2xx, non-auth response status.
	ErrStreamHTTP = errors.New("stream request failed")

	// ErrStreamTransport means a network failure or abrupt disconnect
	// mid-read.
	ErrStreamTransport = errors.New("stream transport failed")

	// ErrServerReported means the stream carried a frame with an explicit
	// error field. Always fatal to the current run.
	ErrServerReported = errors.New("server reported error")

	// ErrStreamActive means a second stream was requested while the
	// replacement of the previous one was still tearing down.
	ErrStreamActive = errors.New("stream already active")
)

// HTTPStatusError carries the status code and response body of a failed
// stream request. Wraps ErrStreamHTTP or ErrAuthExpired depending on the
// status.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status: %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status: %d: %s", e.StatusCode, e.Body)
}

// Unwrap classifies the status into the error taxonomy.
func (e *HTTPStatusError) Unwrap() error {
	if e.StatusCode == 401 || e.StatusCode == 403 {
		return ErrAuthExpired
	}
	return ErrStreamHTTP
}
