package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/nanoclaw/nanoclaw/pkg/agent"
	"github.com/nanoclaw/nanoclaw/pkg/providers"
)

const defaultCLISession = "cli:default"

func newAgentCmd() *cobra.Command {
	var (
		message   string
		sessionID string
	)
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Chat with the agent",
		Long:  "Send a single message with -m, or start an interactive session.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			rt, err := newRuntime(cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			if message != "" {
				resp, err := rt.pool.Process(ctx, sessionID, message)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), resp.Content)
				return nil
			}
			return runREPL(ctx, rt.pool, sessionID)
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "message to send")
	cmd.Flags().StringVarP(&sessionID, "session", "s", defaultCLISession, "session id")
	return cmd
}

// chatSession is the part of the loop pool the REPL drives.
type chatSession interface {
	Process(ctx context.Context, sessionID, text string) (*agent.AgentResponse, error)
	History(sessionID string) []providers.Message
	Clear(sessionID string)
}

func runREPL(ctx context.Context, chat chatSession, sessionID string) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:            cyan("you> "),
		HistoryFile:       filepath.Join(homeDir(), "history"),
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize readline: %w", err)
	}
	defer rl.Close()

	fmt.Fprintf(rl.Stdout(), "%s session %s\n", bold("nanoclaw"), sessionID)
	fmt.Fprintln(rl.Stdout(), gray("Type exit or quit to leave, /clear to reset, /history to review."))

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if len(line) == 0 {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		if !handleLine(ctx, rl.Stdout(), chat, sessionID, line) {
			return nil
		}
	}
}

// handleLine executes one REPL input and reports whether the loop should
// continue.
func handleLine(ctx context.Context, out io.Writer, chat chatSession, sessionID, line string) bool {
	input := strings.TrimSpace(line)
	switch input {
	case "":
		return true
	case "exit", "quit":
		fmt.Fprintln(out, "Goodbye!")
		return false
	case "/clear":
		chat.Clear(sessionID)
		fmt.Fprintln(out, green("History cleared."))
		return true
	case "/history":
		printHistory(out, chat.History(sessionID))
		return true
	}

	resp, err := chat.Process(ctx, sessionID, input)
	if err != nil {
		fmt.Fprintf(out, "%s %v\n", red("error:"), err)
		return ctx.Err() == nil
	}
	if len(resp.ToolCalls) > 0 {
		names := make([]string, 0, len(resp.ToolCalls))
		for _, tc := range resp.ToolCalls {
			names = append(names, tc.Function.Name)
		}
		fmt.Fprintln(out, gray("tools: "+strings.Join(names, ", ")))
	}
	fmt.Fprintf(out, "%s %s\n", green("nanoclaw>"), resp.Content)
	if resp.FinishReason == agent.FinishReasonMaxIterations {
		fmt.Fprintln(out, yellow("(stopped after reaching the tool iteration limit)"))
	}
	return true
}

func printHistory(out io.Writer, history []providers.Message) {
	if len(history) == 0 {
		fmt.Fprintln(out, gray("(empty)"))
		return
	}
	for _, msg := range history {
		content := msg.Content
		if content == "" && len(msg.ToolCalls) > 0 {
			content = fmt.Sprintf("[%d tool call(s)]", len(msg.ToolCalls))
		}
		fmt.Fprintf(out, "%s %s\n", bold(msg.Role+":"), content)
	}
}
