package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"

	"github.com/dotsetgreg/hearthmind/pkg/assistant"
	"github.com/dotsetgreg/hearthmind/pkg/policy"
)

// runREPL drives an interactive session. Besides free-form chat it
// understands a few slash commands for the confirmation flow and
// housekeeping.
func runREPL(svc *assistant.Service, chatID string) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          fmt.Sprintf("%s You: ", appName),
		HistoryFile:     filepath.Join(os.TempDir(), ".hearthmind_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("init readline: %w", err)
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				fmt.Println("\nGoodbye!")
				return nil
			}
			fmt.Printf("Error reading input: %v\n", err)
			continue
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Println("Goodbye!")
			return nil
		}

		if strings.HasPrefix(input, "/") {
			handleSlashCommand(svc, chatID, input)
			continue
		}

		response, err := svc.Respond(context.Background(), chatID, input)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			continue
		}
		fmt.Printf("\n%s %s\n\n", appName, response)

		notePendingConfirmation(svc, chatID)
	}
}

func handleSlashCommand(svc *assistant.Service, chatID, input string) {
	fields := strings.Fields(input)
	switch fields[0] {
	case "/approve", "/yes":
		resolveFromREPL(svc, chatID, true)
	case "/reject", "/no":
		resolveFromREPL(svc, chatID, false)
	case "/pending":
		conf, err := svc.PendingConfirmation(chatID)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return
		}
		if conf == nil {
			fmt.Println("Nothing pending.")
			return
		}
		fmt.Printf("Pending: %v.%v on %v (/approve or /reject)\n",
			conf.Payload["domain"], conf.Payload["service"], conf.Payload["entity_id"])
	case "/forget":
		n, err := svc.ClearHistory(chatID)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return
		}
		fmt.Printf("Dropped %d stored messages.\n", n)
	case "/help":
		fmt.Println("Commands: /pending /approve /reject /forget /help exit")
	default:
		fmt.Printf("Unknown command %s (try /help)\n", fields[0])
	}
}

func resolveFromREPL(svc *assistant.Service, chatID string, approved bool) {
	outcome, err := svc.ResolveConfirmation(context.Background(), chatID, approved)
	if errors.Is(err, policy.ErrNoPendingConfirmation) {
		fmt.Println("Nothing pending.")
		return
	}
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	if outcome.Executed {
		fmt.Println("Done.")
		return
	}
	fmt.Println("Cancelled.")
}

func notePendingConfirmation(svc *assistant.Service, chatID string) {
	conf, err := svc.PendingConfirmation(chatID)
	if err != nil || conf == nil {
		return
	}
	fmt.Printf("(awaiting confirmation for %v.%v, use /approve or /reject)\n",
		conf.Payload["domain"], conf.Payload["service"])
}
