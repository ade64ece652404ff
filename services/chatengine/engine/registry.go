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
	"sync"
	"time"
)

// =============================================================================
// Stream Registry
// =============================================================================

// streamHandle tracks one live stream: its cancellation and a channel closed
// when the read loop has fully drained.
type streamHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// streamRegistry is the process-wide map from session id to live stream
// resources. It is only reachable through the controller's API; consumers
// never touch it directly. disposeAll is invoked on shutdown so no stream
// outlives the process gracefully.
type streamRegistry struct {
	mu          sync.Mutex
	streams     map[string]*streamHandle
	debugTimers map[string]*time.Timer
}

func newStreamRegistry() *streamRegistry {
	return &streamRegistry{
		streams:     make(map[string]*streamHandle),
		debugTimers: make(map[string]*time.Timer),
	}
}

// put registers a live stream for the session, returning the previous handle
// so the caller can cancel and await it. The new handle is installed
// atomically with the removal of the old one.
func (r *streamRegistry) put(sessionID string, handle *streamHandle) *streamHandle {
	r.mu.Lock()
	defer r.mu.Unlock()

	previous := r.streams[sessionID]
	r.streams[sessionID] = handle
	return previous
}

// remove drops the session's stream handle, but only when it still is the
// given one. A replacement stream registered in the meantime stays put.
func (r *streamRegistry) remove(sessionID string, handle *streamHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.streams[sessionID] == handle {
		delete(r.streams, sessionID)
	}
}

// take removes and returns the session's stream handle, if any.
func (r *streamRegistry) take(sessionID string) *streamHandle {
	r.mu.Lock()
	defer r.mu.Unlock()

	handle := r.streams[sessionID]
	delete(r.streams, sessionID)
	return handle
}

// has reports whether the session currently owns a live stream.
func (r *streamRegistry) has(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.streams[sessionID]
	return ok
}

// rekey moves any live resources from a temporary session id to the
// server-assigned one.
func (r *streamRegistry) rekey(oldID, newID string) {
	if oldID == newID {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if handle, ok := r.streams[oldID]; ok {
		delete(r.streams, oldID)
		r.streams[newID] = handle
	}
	if timer, ok := r.debugTimers[oldID]; ok {
		delete(r.debugTimers, oldID)
		r.debugTimers[newID] = timer
	}
}

// armDebugExpiry schedules fire after ttl for the session. A pending timer
// is replaced, so a refreshed debug message restarts its lifetime instead of
// stacking two expirations.
//
// Stop on the old timer can return false when its callback is already in
// flight, so the callback re-checks under the lock that it still owns the
// session's slot. A stale callback that lost the slot to a refresh must
// neither evict the replacement nor fire.
func (r *streamRegistry) armDebugExpiry(sessionID string, ttl time.Duration, fire func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if timer, ok := r.debugTimers[sessionID]; ok {
		timer.Stop()
	}

	var timer *time.Timer
	timer = time.AfterFunc(ttl, func() {
		r.mu.Lock()
		if r.debugTimers[sessionID] != timer {
			r.mu.Unlock()
			return
		}
		delete(r.debugTimers, sessionID)
		r.mu.Unlock()

		fire()
	})
	r.debugTimers[sessionID] = timer
}

// stopDebugExpiry cancels any pending debug timer for the session.
func (r *streamRegistry) stopDebugExpiry(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if timer, ok := r.debugTimers[sessionID]; ok {
		timer.Stop()
		delete(r.debugTimers, sessionID)
	}
}

// drainAll cancels every live stream and stops every timer, returning the
// handles so the caller can await the read loops outside the lock.
func (r *streamRegistry) drainAll() []*streamHandle {
	r.mu.Lock()
	defer r.mu.Unlock()

	handles := make([]*streamHandle, 0, len(r.streams))
	for id, handle := range r.streams {
		handle.cancel()
		handles = append(handles, handle)
		delete(r.streams, id)
	}
	for id, timer := range r.debugTimers {
		timer.Stop()
		delete(r.debugTimers, id)
	}

	return handles
}
