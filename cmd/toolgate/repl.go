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

	"github.com/toolgate/toolgate/pkg/auth"
	"github.com/toolgate/toolgate/pkg/pipeline"
)

// ------------------------------------------------------------------
// `toolgate repl`
// ------------------------------------------------------------------

func newReplCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repl",
		Short: "Interactive pipeline session",
		Long: `Open an interactive prompt. Every line runs through the full
execution pipeline in one shared session, so rate and session rules see
the running request count.

Examples:
  toolgate repl
  toolgate repl --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			slogger := newLogger(cfg)
			stack, err := newGatewayStack(cfg, slogger)
			if err != nil {
				return err
			}
			defer stack.Close()

			sweepCtx, cancel := context.WithTimeout(context.Background(), cfg.Discovery.Timeout())
			stack.ensureCatalog(sweepCtx)
			cancel()

			fmt.Printf("%s toolgate %s (type a request, 'exit' to leave)\n", logo, formatVersion())
			return runRepl(stack)
		},
	}
}

func runRepl(stack *gatewayStack) error {
	session := "repl:" + uuid.NewString()[:8]

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "toolgate> ",
		HistoryFile:     filepath.Join(os.TempDir(), ".toolgate_history"),
		HistoryLimit:    500,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("readline init: %w", err)
	}
	defer rl.Close()

	count := 0
	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt || err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			return nil
		}

		count++
		ctx, cancel := context.WithTimeout(context.Background(), stack.cfg.Client.ExecutionTimeout())
		in := pipeline.Input{
			Text:            input,
			UserID:          "cli",
			UserRole:        auth.RoleAdmin.Name,
			UserPermissions: auth.RolePermissions(auth.RoleAdmin.Name),
			SessionID:       session,
			RequestCount:    count,
		}
		res := stack.pipe.Execute(ctx, in)
		cancel()
		recordCLIRun(stack, in, res)

		// The exit status only matters for one-shot runs; in the loop
		// the rendered failure line is enough.
		_ = printPipelineResult(res)
		fmt.Println()
	}
}
