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
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"log/slog"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// runBufferSize is the size of the mlocked buffer that mirrors one
	// run's streamed assistant content. 512 KB covers long responses.
	runBufferSize = 512 * 1024 // 512 KB

	// minMlockLimitKB is the minimum mlock limit required for secure
	// buffers, in kilobytes.
	minMlockLimitKB = 512
)

var (
	memguardInitOnce sync.Once
	mlockSufficient  bool
)

// =============================================================================
// Run Accumulator
// =============================================================================

// RunAccumulator mirrors the streamed deltas of one run and produces the
// final content together with its SHA-256 hash.
//
// # Description
//
// Deltas are hashed incrementally as they arrive. Finalize returns the
// accumulated content and hex hash, then wipes the buffer; Destroy wipes
// without returning data and is safe to call repeatedly. An accumulator
// serves exactly one run.
type RunAccumulator interface {
	// Write appends one content delta.
	Write(delta string) error

	// Finalize returns the accumulated content and its SHA-256 hex hash,
	// then wipes the buffer.
	Finalize() (content string, contentHash string, err error)

	// Destroy wipes the buffer without returning data. Idempotent.
	Destroy()

	// ID returns the unique identifier of this accumulator, for logging.
	ID() string
}

// NewRunAccumulator returns a secure, mlock-backed accumulator when the
// process rlimit allows it, and a plain in-memory fallback otherwise.
func NewRunAccumulator() RunAccumulator {
	initMemguard()

	if !mlockSufficient {
		return newPlainRunAccumulator()
	}

	return &secureRunAccumulator{
		id:        uuid.New().String(),
		createdAt: time.Now(),
		buffer:    memguard.NewBuffer(runBufferSize),
		hasher:    sha256.New(),
	}
}

// initMemguard checks the mlock rlimit once and arms memguard's interrupt
// handler so locked buffers are wiped on SIGINT.
func initMemguard() {
	memguardInitOnce.Do(func() {
		memguard.CatchInterrupt()

		var rlimit unix.Rlimit
		if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
			slog.Warn("Could not read RLIMIT_MEMLOCK, using plain buffers", "error", err)
			return
		}

		limitKB := int64(rlimit.Cur / 1024)
		mlockSufficient = rlimit.Cur == unix.RLIM_INFINITY || limitKB >= minMlockLimitKB
		if !mlockSufficient {
			slog.Warn("mlock limit too low for secure run buffers",
				"limit_kb", limitKB,
				"required_kb", minMlockLimitKB)
		}
	})
}

// =============================================================================
// Secure Implementation
// =============================================================================

// secureRunAccumulator stores run content in mlocked memory.
type secureRunAccumulator struct {
	mu        sync.Mutex
	id        string
	createdAt time.Time
	buffer    *memguard.LockedBuffer
	offset    int
	hasher    hash.Hash
	overflow  bool
	destroyed bool
}

var _ RunAccumulator = (*secureRunAccumulator)(nil)

func (a *secureRunAccumulator) Write(delta string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return fmt.Errorf("accumulator %s already destroyed", a.id)
	}
	if a.overflow {
		return fmt.Errorf("accumulator %s overflowed", a.id)
	}
	if a.offset+len(delta) > runBufferSize {
		a.overflow = true
		return fmt.Errorf("accumulator %s overflow: %d bytes do not fit", a.id, len(delta))
	}

	copy(a.buffer.Bytes()[a.offset:], delta)
	a.offset += len(delta)
	a.hasher.Write([]byte(delta))

	return nil
}

func (a *secureRunAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return "", "", fmt.Errorf("accumulator %s already destroyed", a.id)
	}
	if a.overflow {
		a.wipe()
		return "", "", fmt.Errorf("accumulator %s overflowed, content discarded", a.id)
	}

	content := string(a.buffer.Bytes()[:a.offset])
	contentHash := hex.EncodeToString(a.hasher.Sum(nil))
	a.wipe()

	slog.Debug("Finalized run accumulator",
		"accumulator_id", a.id,
		"bytes", len(content),
		"content_hash", contentHash)

	return content, contentHash, nil
}

func (a *secureRunAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return
	}
	a.wipe()
}

func (a *secureRunAccumulator) ID() string {
	return a.id
}

// wipe destroys the locked buffer. Caller holds the mutex.
func (a *secureRunAccumulator) wipe() {
	a.buffer.Destroy()
	a.destroyed = true
}

// =============================================================================
// Plain Fallback
// =============================================================================

// plainRunAccumulator is the fallback used when mlock limits are
// insufficient. Content may be swapped to disk.
type plainRunAccumulator struct {
	mu        sync.Mutex
	id        string
	data      []byte
	hasher    hash.Hash
	destroyed bool
}

var _ RunAccumulator = (*plainRunAccumulator)(nil)

func newPlainRunAccumulator() *plainRunAccumulator {
	id := uuid.New().String()

	slog.Warn("Created plain run accumulator, content may be swapped to disk",
		"accumulator_id", id)

	return &plainRunAccumulator{
		id:     id,
		data:   make([]byte, 0, 4*1024),
		hasher: sha256.New(),
	}
}

func (a *plainRunAccumulator) Write(delta string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return fmt.Errorf("accumulator %s already destroyed", a.id)
	}
	if len(a.data)+len(delta) > runBufferSize {
		return fmt.Errorf("accumulator %s overflow: %d bytes do not fit", a.id, len(delta))
	}

	a.data = append(a.data, delta...)
	a.hasher.Write([]byte(delta))

	return nil
}

func (a *plainRunAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return "", "", fmt.Errorf("accumulator %s already destroyed", a.id)
	}

	content := string(a.data)
	contentHash := hex.EncodeToString(a.hasher.Sum(nil))
	a.data = nil
	a.destroyed = true

	return content, contentHash, nil
}

func (a *plainRunAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.data = nil
	a.destroyed = true
}

func (a *plainRunAccumulator) ID() string {
	return a.id
}
