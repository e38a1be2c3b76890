package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dotsetgreg/hearthmind/pkg/assistant"
	"github.com/dotsetgreg/hearthmind/pkg/config"
	"github.com/dotsetgreg/hearthmind/pkg/ha"
	"github.com/dotsetgreg/hearthmind/pkg/logger"
)

var (
	flagConfig  string
	flagVerbose bool
)

func executeCLI() error {
	root := buildRootCommand()
	return root.Execute()
}

func buildRootCommand() *cobra.Command {
	var showVersion bool

	root := &cobra.Command{
		Use:   appName,
		Short: "Privacy-aware home assistant with a learned user profile",
		Long: strings.TrimSpace(`hearthmind is a local-first assistant for the home.

It keeps a learned user profile, retrieves device and preference
context for every turn, sanitizes anything that leaves the house, and
gates risky device actions behind explicit confirmation.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				fmt.Printf("%s %s\n", appName, formatVersion())
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show version")
	root.PersistentFlags().StringVar(&flagConfig, "config", defaultConfigPath(), "Path to config.json")
	root.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "Enable debug logging")

	root.AddCommand(newOnboardCommand())
	root.AddCommand(newServeCommand())
	root.AddCommand(newChatCommand())
	root.AddCommand(newReindexCommand())
	root.AddCommand(newProfileCommand())
	root.AddCommand(newAuditCommand())
	root.AddCommand(newConfirmationsCommand())
	root.AddCommand(newStatusCommand())

	return root
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(flagConfig)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", flagConfig, err)
	}
	if flagVerbose {
		cfg.Assistant.Verbose = true
	}
	return cfg, nil
}

// openService builds the full assistant. The caller owns Close.
func openService(start bool) (*assistant.Service, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	log, err := logger.New(cfg.Assistant.Verbose)
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}

	var states ha.StateProvider
	var caller ha.ServiceCaller
	if cfg.HomeAssistant.URL != "" {
		client := ha.NewClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, log)
		states = client
		caller = client
	}

	svc, err := assistant.New(cfg, states, caller, log)
	if err != nil {
		return nil, nil, err
	}
	if start {
		svc.Start()
	}
	return svc, cfg, nil
}

func newOnboardCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "onboard",
		Short:   "Write the default configuration",
		Example: "  hearthmind onboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(flagConfig); err == nil {
				fmt.Printf("Config already exists at %s\n", flagConfig)
				fmt.Print("Overwrite? (y/n): ")
				reader := bufio.NewReader(os.Stdin)
				response, readErr := reader.ReadString('\n')
				if readErr != nil {
					return fmt.Errorf("read input: %w", readErr)
				}
				response = strings.ToLower(strings.TrimSpace(response))
				if response != "y" && response != "yes" {
					fmt.Println("Aborted.")
					return nil
				}
			}

			cfg := config.DefaultConfig()
			if err := config.SaveConfig(flagConfig, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}

			fmt.Printf("%s is ready!\n", appName)
			fmt.Println("\nNext steps:")
			fmt.Println("  1. Point llm.api_base at your model server in", flagConfig)
			fmt.Println("  2. Add home_assistant.url and home_assistant.token to connect your home")
			fmt.Println("  3. Chat: hearthmind chat -m \"Hello!\"")
			fmt.Println("  4. Index your devices: hearthmind reindex")
			return nil
		},
	}
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the assistant as a long-lived service",
		Long:  "Run the assistant with its maintenance loop: confirmation sweeps, nightly profile decay and scheduled reindexing.",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cfg, err := openService(true)
			if err != nil {
				return err
			}
			defer svc.Close()

			fmt.Printf("%s running (workspace %s)\n", appName, cfg.WorkspacePath())
			fmt.Println("Press Ctrl+C to stop")

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
			<-sigChan

			fmt.Println("\nShutting down...")
			return nil
		},
	}
}

func newChatCommand() *cobra.Command {
	var (
		message string
		chatID  string
	)

	cmd := &cobra.Command{
		Use:     "chat",
		Aliases: []string{"repl"},
		Short:   "Talk to the assistant, one-shot or interactive",
		Example: strings.Join([]string{
			"  hearthmind chat",
			"  hearthmind chat --message \"is the front door locked?\"",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := openService(true)
			if err != nil {
				return err
			}
			defer svc.Close()

			if strings.TrimSpace(message) != "" {
				response, err := svc.Respond(cmd.Context(), chatID, message)
				if err != nil {
					return err
				}
				fmt.Printf("\n%s %s\n", appName, response)
				return nil
			}

			fmt.Printf("%s Interactive mode (Ctrl+C to exit)\n\n", appName)
			return runREPL(svc, chatID)
		},
	}

	cmd.Flags().StringVarP(&message, "message", "m", "", "One-shot message")
	cmd.Flags().StringVar(&chatID, "chat", "cli:default", "Chat id for session continuity")
	return cmd
}

func newReindexCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the retrieval store from devices and the profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := openService(false)
			if err != nil {
				return err
			}
			defer svc.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Minute)
			defer cancel()

			counts, err := svc.Reindex(ctx)
			if err != nil {
				return err
			}
			total := 0
			for source, n := range counts {
				fmt.Printf("  %-12s %d\n", source, n)
				total += n
			}
			fmt.Printf("Indexed %d documents.\n", total)
			return nil
		},
	}
}

func newProfileCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Inspect and edit the learned user profile",
	}

	var category string
	list := &cobra.Command{
		Use:   "list",
		Short: "List stored profile entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := openService(false)
			if err != nil {
				return err
			}
			defer svc.Close()

			entries, err := svc.ProfileEntries(category)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("No profile entries.")
				return nil
			}
			for _, e := range entries {
				fmt.Printf("  %s/%s = %s (confidence %.2f, %s, seen %dx)\n",
					e.Category, e.Key, e.Value, e.Confidence, e.Source, e.OccurrenceCount)
			}
			return nil
		},
	}
	list.Flags().StringVar(&category, "category", "", "Filter by category")

	set := &cobra.Command{
		Use:   "set <category> <key> <value>",
		Short: "Store an entry as directly told",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := openService(false)
			if err != nil {
				return err
			}
			defer svc.Close()

			entry, err := svc.SetProfileEntry(args[0], args[1], args[2])
			if err != nil {
				return err
			}
			fmt.Printf("Stored %s/%s = %s\n", entry.Category, entry.Key, entry.Value)
			return nil
		},
	}

	del := &cobra.Command{
		Use:   "delete <category> <key>",
		Short: "Delete one entry",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := openService(false)
			if err != nil {
				return err
			}
			defer svc.Close()

			removed, err := svc.DeleteProfileEntry(args[0], args[1])
			if err != nil {
				return err
			}
			if !removed {
				fmt.Println("Not found.")
				return nil
			}
			fmt.Println("Deleted.")
			return nil
		},
	}

	var clearCategory string
	clear := &cobra.Command{
		Use:   "clear",
		Short: "Remove profile entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := openService(false)
			if err != nil {
				return err
			}
			defer svc.Close()

			n, err := svc.ClearProfile(clearCategory)
			if err != nil {
				return err
			}
			fmt.Printf("Removed %d entries.\n", n)
			return nil
		},
	}
	clear.Flags().StringVar(&clearCategory, "category", "", "Only this category (default: everything)")

	cmd.AddCommand(list, set, del, clear)
	return cmd
}

func newAuditCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show recent outbound search attempts",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := openService(false)
			if err != nil {
				return err
			}
			defer svc.Close()

			records, err := svc.RecentSearchLog(limit)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Println("No search activity recorded.")
				return nil
			}
			for _, r := range records {
				when := time.UnixMilli(r.CreatedAtMS).Format("2006-01-02 15:04:05")
				if r.WasBlocked {
					fmt.Printf("  %s BLOCKED %q  (%s)\n", when, r.OriginalQuery, r.BlockReason)
					continue
				}
				fmt.Printf("  %s sent    %q\n", when, r.SanitizedQuery)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "How many records to show")
	return cmd
}

func newConfirmationsCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "confirmations",
		Short: "Show recent action confirmation requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := openService(false)
			if err != nil {
				return err
			}
			defer svc.Close()

			history, err := svc.ConfirmationHistory(limit)
			if err != nil {
				return err
			}
			if len(history) == 0 {
				fmt.Println("No confirmation requests recorded.")
				return nil
			}
			for _, c := range history {
				when := time.UnixMilli(c.CreatedAtMS).Format("2006-01-02 15:04:05")
				fmt.Printf("  %s [%s] %v.%v on %v\n",
					when, c.Status, c.Payload["domain"], c.Payload["service"], c.Payload["entity_id"])
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "How many records to show")
	return cmd
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration readiness",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			mark := func(ok bool) string {
				if ok {
					return "✓"
				}
				return "✗"
			}

			fmt.Printf("%s %s\n\n", appName, formatVersion())
			_, statErr := os.Stat(flagConfig)
			fmt.Printf("Config:    %s %s\n", flagConfig, mark(statErr == nil))
			_, statErr = os.Stat(cfg.DatabasePath())
			fmt.Printf("Database:  %s %s\n", cfg.DatabasePath(), mark(statErr == nil))
			fmt.Printf("Model:     %s via %s\n", cfg.LLM.Model, cfg.GetAPIBase())
			fmt.Printf("Home:      %s\n", mark(cfg.HomeAssistant.URL != ""))
			fmt.Printf("Learning:  %s\n", mark(cfg.Learning.Enabled))
			return nil
		},
	}
}
