// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package protocol decodes the newline-delimited event stream carried on a
// chunked HTTP response body into discrete frame payloads.
package protocol

import (
	"bufio"
	"errors"
	"io"
	"strings"

	"github.com/AleutianAI/AleutianChat/services/chatengine/datatypes"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// dataPrefix marks lines that carry a payload. Lines without it are
	// discarded without failing the stream.
	dataPrefix = "data: "

	// dataPrefixBare handles servers that omit the space after the colon.
	dataPrefixBare = "data:"

	// maxFrameBytes bounds a single line so a misbehaving server cannot
	// grow the scanner buffer without limit.
	maxFrameBytes = 1024 * 1024 // 1MB

	initialBufferBytes = 64 * 1024
)

// ErrStreamComplete is returned by Next once the [DONE] sentinel has been
// observed. Reaching end-of-stream without the sentinel yields io.EOF instead;
// neither is a transport failure.
var ErrStreamComplete = errors.New("stream complete")

// =============================================================================
// Decoder
// =============================================================================

// Decoder yields complete frame payloads from a raw byte stream.
//
// # Description
//
// A frame is a single line beginning with "data: "; the remainder of the line
// is the payload. Blank lines, comment lines (leading ':') and lines without
// the prefix are skipped. Partial lines are buffered across chunk boundaries,
// so frames come out identical regardless of how the transport split the
// bytes. Line order is preserved.
//
// # Limitations
//
//   - A decoder is bound to exactly one stream and consumed once. It is not
//     restartable and not safe for concurrent use.
type Decoder struct {
	scanner  *bufio.Scanner
	frames   uint64
	finished bool
}

// NewDecoder creates a decoder over an open response body.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, initialBufferBytes), maxFrameBytes)

	return &Decoder{scanner: scanner}
}

// Next returns the payload of the next frame.
//
// # Outputs
//
//   - string: the frame payload, without the "data: " prefix
//   - error: io.EOF when the byte stream ended without a sentinel,
//     ErrStreamComplete after the [DONE] sentinel, or a wrapped read error
//     from the underlying stream
//
// Once Next has returned a non-nil error, all subsequent calls return the
// same terminal condition.
func (d *Decoder) Next() (string, error) {
	if d.finished {
		return "", ErrStreamComplete
	}

	for d.scanner.Scan() {
		payload, ok := extractPayload(d.scanner.Text())
		if !ok {
			continue
		}

		if payload == datatypes.StreamDoneSentinel {
			d.finished = true
			return "", ErrStreamComplete
		}

		d.frames++
		return payload, nil
	}

	if err := d.scanner.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

// Frames returns how many payload frames have been yielded so far. The
// [DONE] sentinel is not counted.
func (d *Decoder) Frames() uint64 {
	return d.frames
}

// extractPayload strips the data prefix from a raw line. The second return
// is false for lines that carry no payload.
func extractPayload(line string) (string, bool) {
	line = strings.TrimSpace(line)

	if line == "" || strings.HasPrefix(line, ":") {
		return "", false
	}

	switch {
	case strings.HasPrefix(line, dataPrefix):
		return line[len(dataPrefix):], true
	case strings.HasPrefix(line, dataPrefixBare):
		return strings.TrimSpace(line[len(dataPrefixBare):]), true
	default:
		return "", false
	}
}
