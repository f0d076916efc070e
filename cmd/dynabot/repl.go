package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"github.com/memtensor/dynabot/pkg/engine"
	"github.com/memtensor/dynabot/pkg/learning"
	"github.com/memtensor/dynabot/pkg/memory"
)

// conversation is the part of the engine the interactive loop drives
type conversation interface {
	Start(ctx context.Context, userID string) (string, error)
	Process(ctx context.Context, sessionID, userID, text string) (*engine.Reply, error)
	End(ctx context.Context, sessionID string) (*memory.SessionSummary, error)
	Stats(ctx context.Context, sessionID string) (*engine.SessionStats, error)
	History(ctx context.Context, userID string, limit int) ([]memory.ConversationTurn, error)
	Preferences(ctx context.Context, userID string) (map[string][]learning.Preference, error)
}

const historyPreview = 60

// repl runs one interactive conversation over a line-oriented reader
type repl struct {
	bot     conversation
	name    string
	userID  string
	verbose bool
	in      io.Reader
	out     io.Writer
}

func (r *repl) printf(format string, args ...interface{}) {
	fmt.Fprintf(r.out, format, args...)
}

// Run starts a session, answers every line until quit or EOF, then ends the session
func (r *repl) Run(ctx context.Context) error {
	sessionID, err := r.bot.Start(ctx, r.userID)
	if err != nil {
		return fmt.Errorf("failed to start conversation: %w", err)
	}
	r.printf("Started conversation %s\n", sessionID)
	r.printf("Hello! I'm %s. Type /help for commands or /quit to exit.\n\n", r.name)

	defer func() {
		summary, err := r.bot.End(context.WithoutCancel(ctx), sessionID)
		if err != nil {
			r.printf("Failed to end conversation: %v\n", err)
			return
		}
		r.printf("Conversation saved: %s\n", summary.Summary)
	}()

	scanner := bufio.NewScanner(r.in)
	for {
		r.printf("You: ")
		if !scanner.Scan() {
			r.printf("\n")
			return scanner.Err()
		}
		if ctx.Err() != nil {
			return nil
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch strings.ToLower(strings.TrimPrefix(line, "/")) {
		case "quit", "exit", "bye":
			r.printf("Goodbye!\n")
			return nil
		case "help":
			r.help()
			continue
		case "stats":
			r.stats(ctx, sessionID)
			continue
		case "history":
			r.history(ctx)
			continue
		case "prefs", "preferences":
			r.preferences(ctx)
			continue
		}

		reply, err := r.bot.Process(ctx, sessionID, r.userID, line)
		if err != nil {
			r.printf("Error: %v\n\n", err)
			continue
		}
		r.printf("\n%s: %s\n", r.name, reply.Response)
		if r.verbose {
			r.printf("  confidence %.3f (%s), context %d, similar %d, intent %s, sentiment %s\n",
				reply.Confidence, confidenceBand(reply.Confidence), reply.ContextUsed, reply.SimilarFound, reply.Intent, reply.Sentiment)
		}
		r.printf("\n")
	}
}

func confidenceBand(c float64) string {
	switch {
	case c >= 0.8:
		return "high"
	case c >= 0.6:
		return "medium"
	default:
		return "low"
	}
}

func (r *repl) help() {
	r.printf(`
Commands:
  /help      show this message
  /stats     statistics of the current conversation
  /history   your most recent stored messages
  /prefs     what has been learned about you
  /quit      end the conversation

`)
}

func (r *repl) stats(ctx context.Context, sessionID string) {
	stats, err := r.bot.Stats(ctx, sessionID)
	if err != nil {
		r.printf("Error: %v\n", err)
		return
	}
	r.printf("\nSession:          %s\n", stats.SessionID)
	r.printf("Messages:         %d\n", stats.MessageCount)
	r.printf("Context keywords: %d\n", stats.ContextKeywords)
	r.printf("Duration:         %.1f minutes\n\n", stats.DurationMinutes)
}

func (r *repl) history(ctx context.Context) {
	turns, err := r.bot.History(ctx, r.userID, 5)
	if err != nil {
		r.printf("Error: %v\n", err)
		return
	}
	if len(turns) == 0 {
		r.printf("No conversation history available.\n")
		return
	}
	r.printf("\nRecent conversation history:\n")
	for i, t := range turns {
		r.printf("%d. [%s]\n", i+1, t.Timestamp.Format("2006-01-02 15:04:05"))
		r.printf("   You: %s\n", truncate(t.UserMessage, historyPreview))
		r.printf("   Bot: %s\n", truncate(t.BotResponse, historyPreview))
	}
	r.printf("\n")
}

func (r *repl) preferences(ctx context.Context) {
	prefs, err := r.bot.Preferences(ctx, r.userID)
	if err != nil {
		r.printf("Error: %v\n", err)
		return
	}
	if len(prefs) == 0 {
		r.printf("Nothing learned yet.\n")
		return
	}
	for _, kind := range slices.Sorted(maps.Keys(prefs)) {
		r.printf("%s:\n", kind)
		for _, p := range prefs[kind] {
			r.printf("  %-12s %.3f (x%d)\n", p.Value, p.Confidence, p.ReinforcementCount)
		}
	}
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
