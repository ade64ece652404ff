// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
)

// =============================================================================
// Input Readers
// =============================================================================

// InputReader reads one line of user input per call. ReadLine blocks until
// input is available and returns io.EOF when the source is exhausted.
type InputReader interface {
	ReadLine() (string, error)
}

// StdinReader is the plain line reader used for piped input and other
// non-TTY environments. It displays no prompt of its own.
type StdinReader struct {
	reader *bufio.Reader
}

func NewStdinReader() *StdinReader {
	return &StdinReader{reader: bufio.NewReader(os.Stdin)}
}

func (r *StdinReader) ReadLine() (string, error) {
	line, err := r.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// InteractiveInputReader reads input through a bubbletea prompt with
// up/down history recall and line editing. History lives in memory for the
// lifetime of the reader only.
//
// # Thread Safety
//
// Not thread-safe. One reader per terminal.
type InteractiveInputReader struct {
	prompt     string
	historyCap int
	history    []string
}

// NewInteractiveInputReader returns an interactive reader when stdin is a
// terminal and a StdinReader otherwise (piped input, CI/CD).
func NewInteractiveInputReader(prompt string, historyCap int) InputReader {
	if !isatty.IsTerminal(os.Stdin.Fd()) && !isatty.IsCygwinTerminal(os.Stdin.Fd()) {
		return NewStdinReader()
	}

	return &InteractiveInputReader{
		prompt:     prompt,
		historyCap: historyCap,
	}
}

// ReadLine runs one prompt cycle. Enter submits, Ctrl+C clears the line,
// Ctrl+D on an empty line is io.EOF, up/down walk the history.
func (r *InteractiveInputReader) ReadLine() (string, error) {
	ti := textinput.New()
	ti.Prompt = r.prompt
	ti.Focus()
	ti.CharLimit = 4096
	ti.Width = 80

	finalModel, err := tea.NewProgram(promptModel{
		input:   ti,
		history: r.history,
		cursor:  len(r.history),
	}, tea.WithOutput(os.Stderr)).Run()
	if err != nil {
		return "", err
	}

	m, ok := finalModel.(promptModel)
	if !ok {
		return "", fmt.Errorf("unexpected model type from bubbletea: %T", finalModel)
	}

	if m.eof && m.input.Value() == "" {
		return "", io.EOF
	}

	line := strings.TrimSpace(m.input.Value())
	r.remember(line)
	return line, nil
}

// remember appends a submitted line to the history, skipping blanks and
// immediate repeats and dropping the oldest entries past the cap.
func (r *InteractiveInputReader) remember(line string) {
	if line == "" {
		return
	}
	if n := len(r.history); n > 0 && r.history[n-1] == line {
		return
	}

	r.history = append(r.history, line)
	if over := len(r.history) - r.historyCap; over > 0 {
		r.history = r.history[over:]
	}
}

// =============================================================================
// Prompt Model
// =============================================================================

// promptModel is the bubbletea model for one prompt cycle. cursor indexes
// into history; cursor == len(history) means the live draft, which is
// stashed when the user starts browsing so down-arrow can restore it.
type promptModel struct {
	input   textinput.Model
	history []string
	cursor  int
	draft   string
	done    bool
	eof     bool
}

// recall moves the history cursor by step and swaps the matching entry (or
// the stashed draft) into the input. Out-of-range steps are ignored.
func (m promptModel) recall(step int) promptModel {
	next := m.cursor + step
	if next < 0 || next > len(m.history) {
		return m
	}

	if m.cursor == len(m.history) {
		m.draft = m.input.Value()
	}
	m.cursor = next

	if next == len(m.history) {
		m.input.SetValue(m.draft)
	} else {
		m.input.SetValue(m.history[next])
	}
	m.input.CursorEnd()
	return m
}

func (m promptModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m promptModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok {
		switch key.Type {
		case tea.KeyEnter:
			m.done = true
			return m, tea.Quit

		case tea.KeyCtrlC:
			m.input.SetValue("")
			m.done = true
			return m, tea.Quit

		case tea.KeyCtrlD:
			m.eof = true
			m.input.SetValue("")
			m.done = true
			return m, tea.Quit

		case tea.KeyUp:
			return m.recall(-1), nil

		case tea.KeyDown:
			return m.recall(1), nil
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m promptModel) View() string {
	if m.done {
		return ""
	}
	return m.input.View()
}
