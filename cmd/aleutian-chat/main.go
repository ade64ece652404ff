// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package main contains the Aleutian streaming chat CLI.
//
// The CLI runs the chat engine in-process: it opens protocol streams
// against the backend directly and renders session state as it changes,
// the same state the HTTP facade serves.
package main

import (
	"log"
	"os"

	"github.com/spf13/cobra"
)

var (
	backendURL string
	agentID    string
	csrfToken  string

	rootCmd = &cobra.Command{
		Use:   "aleutian-chat",
		Short: "A CLI for streaming chat against an Aleutian backend",
		Long: `aleutian-chat opens Server-Sent-Event streams against a running
backend and renders agent responses, tool activity, and reasoning as
they arrive.`,
	}
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&backendURL, "backend",
		envOr("ALEUTIAN_BACKEND_URL", "http://localhost:8000"),
		"Base URL of the backend API")
	rootCmd.PersistentFlags().StringVar(&agentID, "agent",
		envOr("ALEUTIAN_AGENT", "assistant"),
		"Agent id to chat with")
	rootCmd.PersistentFlags().StringVar(&csrfToken, "csrf-token",
		os.Getenv("ALEUTIAN_CSRF_TOKEN"),
		"CSRF token sent with every backend request")

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
