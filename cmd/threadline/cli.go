package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dotsetgreg/threadline/pkg/config"
	"github.com/dotsetgreg/threadline/pkg/maintenance"
	"github.com/dotsetgreg/threadline/pkg/pipeline"
	"github.com/dotsetgreg/threadline/pkg/server"
)

func executeCLI() error {
	return buildRootCommand().Execute()
}

func buildRootCommand() *cobra.Command {
	var showVersion bool

	root := &cobra.Command{
		Use:   "threadline",
		Short: "Retrieval-augmented conversation service with durable thread memory",
		Long: strings.TrimSpace(`threadline keeps every conversation in a durable thread: replies are
grounded in past turns through semantic retrieval, checkpointed across
restarts, and streamed over SSE.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion()
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")

	root.AddCommand(newOnboardCommand())
	root.AddCommand(newServeCommand())
	root.AddCommand(newChatCommand())
	root.AddCommand(newVersionCommand())

	return root
}

func newOnboardCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "onboard",
		Short:   "Write the default config to ~/.threadline",
		Example: "  threadline onboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := getConfigPath()
			if _, err := os.Stat(path); err == nil {
				fmt.Printf("Config already exists at %s\n", path)
				return nil
			}
			if err := config.SaveConfig(path, config.DefaultConfig()); err != nil {
				return fmt.Errorf("write config: %w", err)
			}
			fmt.Printf("Wrote default config to %s\n", path)
			fmt.Println("Set THREADLINE_PROVIDER_API_KEY (or edit the config) before serving.")
			return nil
		},
	}
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "serve",
		Short:   "Run the HTTP gateway",
		Example: "  threadline serve",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			rt, err := buildRuntime(cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sweeper, err := maintenance.NewSweeper(cfg, rt.transcripts)
			if err != nil {
				return err
			}
			if sweeper != nil {
				go sweeper.Run(ctx)
			}

			srv := server.New(cfg, rt.pipe, rt.transcripts, rt.checkpoints, rt.retriever, rt.store)
			return server.Run(srv.HTTPServer())
		},
	}
}

func newChatCommand() *cobra.Command {
	var threadID string

	cmd := &cobra.Command{
		Use:     "chat",
		Short:   "Talk to a thread from the terminal",
		Example: "  threadline chat\n  threadline chat --thread 6f1e...",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if threadID == "" {
				threadID = uuid.NewString()
			} else if _, err := uuid.Parse(threadID); err != nil {
				return fmt.Errorf("--thread must be a UUID")
			}

			rt, err := buildRuntime(cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			fmt.Printf("%s thread %s (Ctrl+C to exit)\n\n", appName, threadID)
			return chatREPL(rt, threadID)
		},
	}
	cmd.Flags().StringVar(&threadID, "thread", "", "Resume an existing thread")
	return cmd
}

func chatREPL(rt *appRuntime, threadID string) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          fmt.Sprintf("%s You: ", appName),
		HistoryFile:     filepath.Join(os.TempDir(), ".threadline_history"),
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
			if err == readline.ErrInterrupt || err == io.EOF {
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

		fmt.Printf("\n%s ", appName)
		err = rt.pipe.Run(context.Background(), threadID, input, func(ev pipeline.Event) {
			switch ev.Type {
			case pipeline.EventToken:
				fmt.Print(ev.Token)
			case pipeline.EventContext:
				if ev.Context != nil && ev.Context.UsedSearch {
					fmt.Printf("\n  (grounded on %d past passages)", ev.Context.Sources)
				}
			}
		})
		if err != nil {
			fmt.Printf("Error: %v", err)
		}
		fmt.Print("\n\n")
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show build/version metadata",
		Run: func(cmd *cobra.Command, args []string) {
			printVersion()
		},
	}
}
