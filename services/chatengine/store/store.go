// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianChat/services/chatengine/datatypes"
)

// TempSessionPrefix marks locally generated session ids that have not yet
// been reconciled to a server-assigned id.
const TempSessionPrefix = "temp-"

// =============================================================================
// Session Store
// =============================================================================

// SessionStore is the keyed collection of per-session state.
//
// # Description
//
// All mutation goes through Mutate (and the lifecycle helpers built on it in
// the engine package); reads return deep-copied snapshots so a consumer can
// iterate messages or tool calls while the read loop keeps appending. Every
// successful mutation bumps the change notifier.
//
// # Assumptions
//
//   - Session ids are unique across temporary and server-assigned keys.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*datatypes.Session
	notifier *Notifier
}

// NewSessionStore creates an empty store bound to a notifier. Panics when
// notifier is nil.
func NewSessionStore(notifier *Notifier) *SessionStore {
	if notifier == nil {
		panic("store: notifier is required")
	}
	return &SessionStore{
		sessions: make(map[string]*datatypes.Session),
		notifier: notifier,
	}
}

// Notifier returns the change notifier the store bumps on mutation.
func (s *SessionStore) Notifier() *Notifier {
	return s.notifier
}

// NewTempSessionID generates a temporary session key used before a
// server-assigned id exists.
func NewTempSessionID() string {
	return TempSessionPrefix + uuid.New().String()
}

// Get returns a snapshot of the session, or false when absent.
func (s *SessionStore) Get(sessionID string) (datatypes.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return datatypes.Session{}, false
	}
	return session.Clone(), true
}

// Ensure returns a snapshot of the session, creating it with defaults when
// absent. An empty sessionID creates the session under a generated temporary
// id; the resolved id is on the returned snapshot.
func (s *SessionStore) Ensure(sessionID, agentID string) datatypes.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	resolved := sessionID
	if resolved == "" {
		resolved = NewTempSessionID()
	}

	session, ok := s.sessions[resolved]
	if !ok {
		now := time.Now().UTC()
		session = &datatypes.Session{
			ID:        resolved,
			AgentID:   agentID,
			Title:     datatypes.DefaultSessionTitle,
			Messages:  []datatypes.Message{},
			CreatedAt: now,
			UpdatedAt: now,
		}
		s.sessions[resolved] = session
		s.notifier.Bump()
	}

	return session.Clone()
}

// Remove evicts the session. No-op when absent.
func (s *SessionStore) Remove(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return
	}
	delete(s.sessions, sessionID)
	s.notifier.Bump()
}

// Mutate applies fn to the live session under the write lock and bumps the
// notifier. Returns false without calling fn when the session is absent.
//
// fn runs with the lock held: it must not call back into the store and must
// not retain the *Session past the call.
func (s *SessionStore) Mutate(sessionID string, fn func(*datatypes.Session)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return false
	}

	fn(session)
	session.UpdatedAt = time.Now().UTC()
	s.notifier.Bump()

	return true
}

// Rekey moves a session from a temporary id to its server-assigned id,
// updating the session's own ID field. No-op when ids are equal or the old
// id is absent. An existing entry under newID is replaced.
func (s *SessionStore) Rekey(oldID, newID string) bool {
	if oldID == newID || newID == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[oldID]
	if !ok {
		return false
	}

	delete(s.sessions, oldID)
	session.ID = newID
	session.UpdatedAt = time.Now().UTC()
	s.sessions[newID] = session
	s.notifier.Bump()

	return true
}

// List returns summaries of every session, newest activity first.
func (s *SessionStore) List() []datatypes.SessionSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]datatypes.SessionSummary, 0, len(s.sessions))
	for _, session := range s.sessions {
		out = append(out, session.Summary())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})

	return out
}

// IDs returns every session id. Used by teardown to end all live streams.
func (s *SessionStore) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		out = append(out, id)
	}
	return out
}
