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

import "github.com/charmbracelet/lipgloss"

// Aleutian color palette - deep ocean teals and arctic waters
var (
	colorTealBright  = lipgloss.Color("#2CD7C7") // Bright teal - highlights, success
	colorTealPrimary = lipgloss.Color("#20B9B4") // Primary teal - main brand color
	colorSlate       = lipgloss.Color("#2C4A54") // Slate - muted text, borders
	colorWarning     = lipgloss.Color("#F4D03F") // Gold/amber for warnings
	colorError       = lipgloss.Color("#E74C3C") // Red for errors
)

var styles = struct {
	Title   lipgloss.Style
	Agent   lipgloss.Style
	Muted   lipgloss.Style
	Tool    lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
}{
	Title:   lipgloss.NewStyle().Bold(true).Foreground(colorTealBright),
	Agent:   lipgloss.NewStyle().Foreground(colorTealPrimary),
	Muted:   lipgloss.NewStyle().Foreground(colorSlate),
	Tool:    lipgloss.NewStyle().Foreground(colorTealBright),
	Warning: lipgloss.NewStyle().Foreground(colorWarning),
	Error:   lipgloss.NewStyle().Foreground(colorError),
}
