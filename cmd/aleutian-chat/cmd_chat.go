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
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianChat/services/chatengine/datatypes"
	"github.com/AleutianAI/AleutianChat/services/chatengine/engine"
	"github.com/AleutianAI/AleutianChat/services/chatengine/store"
)

var (
	resumeSessionID string
	withReasoning   bool

	chatCmd = &cobra.Command{
		Use:   "chat",
		Short: "Starts an interactive streaming chat session",
		Long: `Opens an interactive chat loop. Each message streams the agent's
response live, including tool activity and reasoning when enabled.
Type 'exit' or 'quit' (or press Ctrl+D) to leave.`,
		Run: runChatCommand,
	}

	sessionsCmd = &cobra.Command{
		Use:   "sessions",
		Short: "Lists sessions known to a running chat engine service",
		Run:   runSessionsCommand,
	}
)

func init() {
	chatCmd.Flags().StringVar(&resumeSessionID, "resume", "",
		"Session id to resume instead of starting fresh")
	chatCmd.Flags().BoolVar(&withReasoning, "reasoning", false,
		"Request the agent's visible reasoning trace")
}

// newEngine builds an in-process controller wired to the backend the
// flags point at.
func newEngine() (*engine.Controller, *store.Notifier) {
	notifier := store.NewNotifier()
	sessions := store.NewSessionStore(notifier)

	apiConf := engine.APIConfig{
		BaseURL:   backendURL,
		CSRFToken: csrfToken,
	}
	controller := engine.NewController(sessions, engine.Config{
		API:      apiConf,
		Sessions: engine.NewHTTPSessionAPI(apiConf),
		Uploader: engine.NewHTTPAttachmentUploader(apiConf),
	})
	return controller, notifier
}

func runChatCommand(cmd *cobra.Command, args []string) {
	controller, notifier := newEngine()
	defer controller.DisposeAll()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	sessionID := resumeSessionID
	if sessionID != "" {
		if err := controller.LoadSessionHistory(ctx, sessionID, agentID); err != nil {
			log.Fatalf("Could not resume session %s: %v", sessionID, err)
		}
		fmt.Println(styles.Muted.Render("Resumed session " + sessionID))
	}

	fmt.Println(styles.Title.Render("Aleutian Chat") +
		styles.Muted.Render("  (agent: "+agentID+", exit to quit)"))

	reader := NewInteractiveInputReader("you> ", 50)
	_, plainStdin := reader.(*StdinReader)

	for {
		if ctx.Err() != nil {
			return
		}

		if plainStdin {
			fmt.Print("you> ")
		}
		line, err := reader.ReadLine()
		if err == io.EOF {
			fmt.Println()
			return
		}
		if err != nil {
			log.Fatalf("Input error: %v", err)
		}
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return
		}

		sessionID = streamOnce(ctx, controller, notifier, sessionID, line)
	}
}

// streamOnce sends one message and renders the resulting stream until the
// run settles. Returns the resolved session id for the next turn.
func streamOnce(ctx context.Context, controller *engine.Controller, notifier *store.Notifier, sessionID, message string) string {
	callbacks := engine.Callbacks{
		OnNewSessionCreated: func(id string) {
			fmt.Println(styles.Muted.Render("session: " + id))
		},
		OnTitleUpdate: func(_, title string) {
			fmt.Println(styles.Title.Render("# " + title))
		},
	}

	resolved, err := controller.StartStream(ctx, datatypes.StartStreamRequest{
		AgentID:   agentID,
		SessionID: sessionID,
		Message:   message,
		Reasoning: withReasoning,
	}, callbacks)
	if err != nil {
		fmt.Println(styles.Error.Render("stream failed: " + err.Error()))
		if resolved != "" {
			return resolved
		}
		return sessionID
	}

	renderer := newStreamRenderer(os.Stdout)

	// Scoped so the subscription goroutine ends with this turn.
	tickCtx, stopTicks := context.WithCancel(ctx)
	defer stopTicks()
	ticks := notifier.Subscribe(tickCtx)

	for {
		session, ok := controller.Store().Get(resolved)
		if !ok {
			break
		}
		renderer.render(session)

		if !session.IsStreaming && !session.IsAgentResponding && !session.IsMemoryUpdating {
			break
		}

		select {
		case _, open := <-ticks:
			if !open {
				return resolved
			}
		case <-ctx.Done():
			controller.EndStream(resolved)
			return resolved
		}
	}

	fmt.Println()
	return resolved
}

// =============================================================================
// Stream Renderer
// =============================================================================

// streamRenderer turns successive session snapshots into incremental
// terminal output. It tracks how much of the in-progress assistant
// message has been printed and which tool transitions it already
// reported, so a render pass only emits what is new.
type streamRenderer struct {
	out          io.Writer
	printedBytes int
	printedError bool
	seenTools    map[string]datatypes.ToolCallStatus
}

func newStreamRenderer(out io.Writer) *streamRenderer {
	return &streamRenderer{
		out:       out,
		seenTools: make(map[string]datatypes.ToolCallStatus),
	}
}

// render emits whatever changed since the previous snapshot.
func (r *streamRenderer) render(session datatypes.Session) {
	r.renderTools(session)

	last := session.LastMessage()
	if last != nil && last.Role == datatypes.RoleAssistant {
		if len(last.Content) > r.printedBytes {
			fmt.Fprint(r.out, styles.Agent.Render(last.Content[r.printedBytes:]))
			r.printedBytes = len(last.Content)
		}
	}

	if session.Error != "" && !r.printedError {
		fmt.Fprintln(r.out, "\n"+styles.Error.Render("error: "+session.Error))
		r.printedError = true
	}
}

// renderTools prints one line per tool call state transition, in a stable
// order so interleaved runs read coherently.
func (r *streamRenderer) renderTools(session datatypes.Session) {
	if len(session.CurrentToolCalls) == 0 {
		return
	}

	ids := make([]string, 0, len(session.CurrentToolCalls))
	for id := range session.CurrentToolCalls {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		call := session.CurrentToolCalls[id]
		if r.seenTools[id] == call.Status {
			continue
		}
		r.seenTools[id] = call.Status

		switch call.Status {
		case datatypes.ToolCallStarted:
			fmt.Fprintln(r.out, styles.Tool.Render("⚙ "+call.Name+" running"))
		case datatypes.ToolCallCompleted:
			fmt.Fprintln(r.out, styles.Tool.Render("✓ "+call.Name+" done"))
		}
	}
}

// =============================================================================
// Sessions Command
// =============================================================================

func runSessionsCommand(cmd *cobra.Command, args []string) {
	engineURL := envOr("ALEUTIAN_CHATENGINE_URL", "http://127.0.0.1:8090")

	summaries, err := fetchSessionSummaries(engineURL)
	if err != nil {
		log.Fatalf("Could not list sessions: %v", err)
	}

	if len(summaries) == 0 {
		fmt.Println(styles.Muted.Render("No sessions."))
		return
	}

	for _, s := range summaries {
		line := fmt.Sprintf("%s  %s  (%d messages)",
			s.ID, s.Title, s.MessageCount)
		if s.IsStreaming {
			line += "  " + styles.Tool.Render("[streaming]")
		}
		fmt.Println(line)
	}
}

// fetchSessionSummaries queries a running chat engine facade for its
// session list.
func fetchSessionSummaries(engineURL string) ([]datatypes.SessionSummary, error) {
	resp, err := httpGetJSON(engineURL + "/v1/sessions")
	if err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

type sessionListResponse struct {
	Sessions []datatypes.SessionSummary `json:"sessions"`
	Version  uint64                     `json:"version"`
}

func httpGetJSON(url string) (*sessionListResponse, error) {
	client := &http.Client{Timeout: 10 * time.Second}
	httpResp, err := client.Get(url)
	if err != nil {
		return nil, err
	}
	defer func() { _ = httpResp.Body.Close() }()

	if httpResp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return nil, fmt.Errorf("chat engine returned %d: %s",
			httpResp.StatusCode, strings.TrimSpace(string(body)))
	}

	var resp sessionListResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
