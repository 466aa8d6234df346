package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
)

// newChatCmd creates the `crewclaw chat` command: a REPL (or one-shot turn)
// against a running daemon.
func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Chat with the running daemon",
		Long: `Talk to the parent agent of a running CrewClaw daemon. With a message
argument, runs a single turn and exits; without one, starts an interactive
REPL. Lines starting with / are sent as slash commands.

Examples:
  crewclaw chat "dispatch a task to summarize the repo"
  crewclaw chat /status
  crewclaw chat`,
		Args: cobra.MaximumNArgs(1),
		RunE: runChatCmd,
	}
	addClientFlags(cmd)
	return cmd
}

func runChatCmd(cmd *cobra.Command, args []string) error {
	client := newAPIClient(cmd)
	if client.token == "" {
		client.token = promptToken()
	}

	if len(args) > 0 {
		return runTurn(context.Background(), client, args[0])
	}
	return runREPL(client)
}

// runTurn sends one message (or slash command) and prints the response.
func runTurn(ctx context.Context, client *apiClient, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	if strings.HasPrefix(text, "/") {
		body, err := client.postJSON(ctx, "/api/command", map[string]string{"command": text})
		if err != nil {
			return err
		}
		var resp struct {
			Response string `json:"response"`
		}
		if json.Unmarshal(body, &resp) == nil && resp.Response != "" {
			fmt.Println(resp.Response)
		} else {
			printJSON(body)
		}
		return nil
	}

	err := client.chatStream(ctx, text, printFrame)
	fmt.Println()
	return err
}

// printFrame renders one stream frame: text deltas inline, tool and error
// events as bracketed status lines.
func printFrame(f streamFrame) {
	switch f.Type {
	case "text":
		var d struct {
			Delta string `json:"delta"`
		}
		if json.Unmarshal(f.Data, &d) == nil {
			fmt.Print(d.Delta)
		}
	case "tool_start":
		var call struct {
			Name string `json:"Name"`
		}
		if json.Unmarshal(f.Data, &call) == nil && call.Name != "" {
			fmt.Printf("\n[tool %s]\n", call.Name)
		}
	case "error":
		var d struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(f.Data, &d) == nil && d.Error != "" {
			fmt.Printf("\n[error] %s\n", d.Error)
		}
	}
}

// runREPL runs the interactive loop with readline history and Ctrl+C
// handling: interrupt clears the current line, EOF or /quit exits.
func runREPL(client *apiClient) error {
	historyFile := ""
	if home, err := os.UserHomeDir(); err == nil {
		cacheDir := filepath.Join(home, ".cache", "crewclaw")
		_ = os.MkdirAll(cacheDir, 0o755)
		historyFile = filepath.Join(cacheDir, "history")
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            "crewclaw> ",
		HistoryFile:       historyFile,
		HistorySearchFold: true,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
	})
	if err != nil {
		return fmt.Errorf("readline init: %w", err)
	}
	defer rl.Close()

	fmt.Println("Connected to", client.baseURL, "- /help for commands, /quit to exit.")

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				return nil
			}
			continue
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			return nil
		}

		if err := runTurn(context.Background(), client, line); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}
}
