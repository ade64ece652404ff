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
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifier_VersionStartsAtZero(t *testing.T) {
	n := NewNotifier()
	assert.Equal(t, uint64(0), n.Version())
}

func TestNotifier_BumpIsMonotonic(t *testing.T) {
	n := NewNotifier()

	assert.Equal(t, uint64(1), n.Bump())
	assert.Equal(t, uint64(2), n.Bump())
	assert.Equal(t, uint64(2), n.Version())
}

func TestNotifier_WaitReturnsImmediatelyWhenBehind(t *testing.T) {
	n := NewNotifier()
	n.Bump()
	n.Bump()

	version, err := n.Wait(context.Background(), 0)

	require.NoError(t, err)
	assert.Equal(t, uint64(2), version)
}

func TestNotifier_WaitBlocksUntilBump(t *testing.T) {
	n := NewNotifier()

	done := make(chan uint64, 1)
	go func() {
		version, err := n.Wait(context.Background(), 0)
		if err == nil {
			done <- version
		}
	}()

	// Give the waiter time to park.
	time.Sleep(20 * time.Millisecond)
	n.Bump()

	select {
	case version := <-done:
		assert.Equal(t, uint64(1), version)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never woke up")
	}
}

func TestNotifier_WaitHonorsContext(t *testing.T) {
	n := NewNotifier()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := n.Wait(ctx, 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNotifier_SubscribeDeliversTicks(t *testing.T) {
	n := NewNotifier()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticks := n.Subscribe(ctx)
	n.Bump()

	select {
	case version := <-ticks:
		assert.Equal(t, uint64(1), version)
	case <-time.After(2 * time.Second):
		t.Fatal("no tick delivered")
	}

	cancel()
	for range ticks {
		// drain until closed
	}
}

func TestNotifier_SubscribeConflatesBacklog(t *testing.T) {
	n := NewNotifier()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticks := n.Subscribe(ctx)

	for i := 0; i < 10; i++ {
		n.Bump()
	}

	// The slow receiver must eventually observe the latest version without
	// having to consume ten ticks.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case version := <-ticks:
			if version == 10 {
				return
			}
		case <-deadline:
			t.Fatal("never observed latest version")
		}
	}
}
