// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store holds per-session conversational state behind a versioned,
// snapshot-read interface.
package store

import (
	"context"
	"sync"
)

// =============================================================================
// Change Notifier
// =============================================================================

// Notifier is a monotonically increasing version counter. Every state
// mutation bumps it; observers wait for the version to move past what they
// last saw and then re-read the store.
//
// # Description
//
// Waiting is edge-triggered on the version number, not on individual events,
// so a slow observer coalesces any number of intermediate mutations into one
// wakeup. There is no cross-process transport here; the HTTP long-poll and
// websocket feeds in the handlers package are built on Wait.
type Notifier struct {
	mu      sync.Mutex
	version uint64
	changed chan struct{}
}

// NewNotifier creates a notifier starting at version zero.
func NewNotifier() *Notifier {
	return &Notifier{changed: make(chan struct{})}
}

// Version returns the current version.
func (n *Notifier) Version() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.version
}

// Bump increments the version and wakes every waiter. Returns the new
// version.
func (n *Notifier) Bump() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.version++
	close(n.changed)
	n.changed = make(chan struct{})

	return n.version
}

// Wait blocks until the version exceeds since, then returns the current
// version. Returns immediately when the version has already moved past
// since. Unblocks with ctx.Err() on cancellation.
func (n *Notifier) Wait(ctx context.Context, since uint64) (uint64, error) {
	for {
		n.mu.Lock()
		current := n.version
		changed := n.changed
		n.mu.Unlock()

		if current > since {
			return current, nil
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return current, ctx.Err()
		}
	}
}

// Subscribe starts a goroutine forwarding version ticks into the returned
// channel until ctx is cancelled. Ticks are conflated: a receiver that falls
// behind sees only the latest version, never a backlog.
func (n *Notifier) Subscribe(ctx context.Context) <-chan uint64 {
	out := make(chan uint64, 1)

	go func() {
		defer close(out)

		since := n.Version()
		for {
			version, err := n.Wait(ctx, since)
			if err != nil {
				return
			}
			since = version

			// Replace a pending tick instead of blocking.
			select {
			case out <- version:
			default:
				select {
				case <-out:
				default:
				}
				out <- version
			}
		}
	}()

	return out
}
