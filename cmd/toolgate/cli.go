package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/toolgate/toolgate/pkg/audit"
	"github.com/toolgate/toolgate/pkg/auth"
	"github.com/toolgate/toolgate/pkg/client"
	"github.com/toolgate/toolgate/pkg/config"
	"github.com/toolgate/toolgate/pkg/discovery"
	"github.com/toolgate/toolgate/pkg/gateway"
	"github.com/toolgate/toolgate/pkg/health"
	"github.com/toolgate/toolgate/pkg/intent"
	"github.com/toolgate/toolgate/pkg/observability"
	"github.com/toolgate/toolgate/pkg/pipeline"
	"github.com/toolgate/toolgate/pkg/registry"
	"github.com/toolgate/toolgate/pkg/rules"
	"github.com/toolgate/toolgate/pkg/tui"
)

// ------------------------------------------------------------------
// Global flags
// ------------------------------------------------------------------

var (
	flagDebug  bool
	flagJSON   bool
	flagConfig string
)

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg != nil {
		level = cfg.SlogLevel()
	}
	if flagDebug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// ------------------------------------------------------------------
// Gateway stack
// ------------------------------------------------------------------

// gatewayStack is the wired execution core shared by serve and the
// local commands: store, registry, engines, tool client, pipeline and
// discovery.
type gatewayStack struct {
	cfg     *config.Config
	store   registry.Store
	reg     *registry.Registry
	intents *intent.Engine
	rules   *rules.Engine
	client  *client.Client
	pipe    *pipeline.Pipeline
	disco   *discovery.Service
	log     *slog.Logger
}

// newGatewayStack builds the full execution stack and layers the
// store-kept rules and overrides onto the built-in defaults.
func newGatewayStack(cfg *config.Config, slogger *slog.Logger) (*gatewayStack, error) {
	store, err := registry.NewStore(cfg.Store, slogger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	reg := registry.New(store, slogger)
	intents := intent.NewEngine(cfg.Intent.ModelPath, slogger)
	ruleEngine := rules.NewEngine(cfg.Intent.ConfidenceThreshold, slogger)

	cl := client.New("toolgate", version, slogger)
	cl.SetRetry(cfg.Client.RetryAttempts, cfg.Client.RetryDelay())

	s := &gatewayStack{
		cfg:     cfg,
		store:   store,
		reg:     reg,
		intents: intents,
		rules:   ruleEngine,
		client:  cl,
		pipe:    pipeline.New(intents, ruleEngine, reg, cl, slogger),
		disco:   discovery.NewService(cfg.Discovery.ManifestPath, cl, reg, slogger),
		log:     slogger,
	}
	s.loadStoreState(context.Background())
	return s, nil
}

// loadStoreState pulls enabled rules and overrides from the store into
// the engines. Store errors are logged, not fatal: the gateway still
// runs on its built-ins.
func (s *gatewayStack) loadStoreState(ctx context.Context) {
	if records, err := s.store.ListRules(ctx, "", true); err != nil {
		s.log.Warn("load stored rules failed", "error", err)
	} else if len(records) > 0 {
		loaded := s.rules.Load(rulesFromRecords(records, s.log))
		s.log.Info("loaded stored rules", "count", loaded)
	}

	if records, err := s.store.ListOverrides(ctx, true); err != nil {
		s.log.Warn("load stored overrides failed", "error", err)
	} else if len(records) > 0 {
		loaded := s.intents.Overrides.Load(overridesFromRecords(records))
		s.log.Info("loaded stored overrides", "count", loaded)
	}
}

// Close tears down every server session and closes the store.
func (s *gatewayStack) Close() {
	s.client.DisconnectAll()
	if err := s.store.Close(); err != nil {
		s.log.Warn("close store failed", "error", err)
	}
}

// auditLogger returns the JSONL audit logger for CLI-originated events.
func (s *gatewayStack) auditLogger() *audit.Logger {
	return audit.NewLogger(audit.NewFileStore(s.cfg.Audit.Dir), "cli")
}

// ensureCatalog runs a discovery sweep when the store has no tools yet,
// so one-shot commands work on a fresh installation.
func (s *gatewayStack) ensureCatalog(ctx context.Context) {
	tools, err := s.store.ListTools(ctx, registry.ToolFilter{EnabledOnly: true})
	if err != nil || len(tools) > 0 {
		return
	}
	if _, err := s.disco.DiscoverAll(ctx); err != nil {
		s.log.Warn("discovery failed", "error", err)
	}
}

// rulesFromRecords maps stored rule rows onto engine rules. Rows with
// an unknown decision are skipped.
func rulesFromRecords(records []*registry.RuleRecord, log *slog.Logger) []rules.Rule {
	out := make([]rules.Rule, 0, len(records))
	for _, r := range records {
		decision, err := rules.ParseDecision(r.Decision)
		if err != nil {
			log.Warn("skipping stored rule", "rule", r.Name, "error", err)
			continue
		}
		out = append(out, rules.Rule{
			Name:          r.Name,
			Description:   r.Description,
			Kind:          r.Kind,
			Logic:         r.Logic,
			Priority:      r.Priority,
			Enabled:       r.Enabled,
			Decision:      decision,
			Modifications: r.Modifications,
		})
	}
	return out
}

func overridesFromRecords(records []*registry.OverrideRecord) []intent.Override {
	out := make([]intent.Override, 0, len(records))
	for _, o := range records {
		out = append(out, intent.Override{
			Pattern:      o.Pattern,
			Kind:         o.PatternType,
			TargetIntent: o.TargetIntent,
			Priority:     o.Priority,
			Enabled:      o.Enabled,
		})
	}
	return out
}

// ------------------------------------------------------------------
// Root command
// ------------------------------------------------------------------

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "toolgate",
		Short: "toolgate — deterministic natural-language tool gateway",
		Long: `Toolgate turns natural-language requests into validated tool calls.

A fixed eight-stage pipeline extracts entities, classifies the intent,
evaluates JSON-Logic rules and executes the selected tool on its server.
No request ever reaches a tool without passing schema validation and the
rule engine.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().BoolVarP(&flagDebug, "debug", "d", false, "Enable debug logging")
	root.PersistentFlags().BoolVar(&flagJSON, "json", false, "Output in JSON format")
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "Config file (default ~/.toolgate/config.json)")

	root.AddCommand(
		newServeCmd(),
		newDiscoverCmd(),
		newToolsCmd(),
		newServersCmd(),
		newRulesCmd(),
		newOverridesCmd(),
		newExecCmd(),
		newReplCmd(),
		newTrainCmd(),
		newDashCmd(),
		newUserCmd(),
		newAuditCmd(),
		newVersionCmd(),
	)

	return root
}

// ------------------------------------------------------------------
// `toolgate serve`
// ------------------------------------------------------------------

func newServeCmd() *cobra.Command {
	var flagAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway server",
		Long: `Start the HTTP/WebSocket gateway.

Loads the server manifest, sweeps the tool catalogs and serves the
execution API until SIGINT or SIGTERM.

Examples:
  toolgate serve
  toolgate serve --addr :8080
  LOG_LEVEL=debug toolgate serve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if flagAddr != "" {
				cfg.ListenAddr = flagAddr
			}

			slogger := newLogger(cfg)
			stack, err := newGatewayStack(cfg, slogger)
			if err != nil {
				return err
			}
			defer stack.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			host, port := splitListenAddr(cfg.ListenAddr)
			probes := health.NewServer(host, port)
			probes.RegisterCheck("store", func() (bool, string) {
				checkCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				if _, err := stack.store.ListServers(checkCtx, true); err != nil {
					return false, err.Error()
				}
				return true, "connected"
			})
			probes.RegisterCheck("sessions", func() (bool, string) {
				return true, fmt.Sprintf("%d connected", len(stack.client.Servers()))
			})

			srv := gateway.New(gateway.Deps{
				Config:    cfg,
				Registry:  stack.reg,
				Pipeline:  stack.pipe,
				Intents:   stack.intents,
				Rules:     stack.rules,
				Caller:    stack.client,
				Discovery: stack.disco,
				Audit:     audit.NewFileStore(cfg.Audit.Dir),
				Metrics:   observability.NewGatewayMetrics(),
				Tracer:    observability.NewTracer(4096, slogger),
				Health:    probes,
				Logger:    slogger,
			})

			// Initial catalog sweep. Unreachable servers are recorded
			// as errors and picked up again by the cron loop.
			sweepCtx, cancelSweep := context.WithTimeout(ctx, cfg.Discovery.Timeout())
			if _, err := stack.disco.DiscoverAll(sweepCtx); err != nil {
				slogger.Warn("initial discovery failed", "error", err)
			}
			cancelSweep()

			if cfg.Discovery.Cron != "" {
				sched, err := discovery.NewScheduler(cfg.Discovery.Cron, stack.disco, slogger)
				if err != nil {
					return fmt.Errorf("discovery cron: %w", err)
				}
				go sched.Run(ctx)
			}

			probes.SetReady(true)

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start(ctx) }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			slogger.Info("shutting down")
			probes.SetReady(false)
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Stop(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&flagAddr, "addr", "", "Listen address (overrides config)")

	return cmd
}

// ------------------------------------------------------------------
// `toolgate discover`
// ------------------------------------------------------------------

func newDiscoverCmd() *cobra.Command {
	var flagServer string

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Discover tool catalogs from configured servers",
		Long: `Connect to the servers in the manifest, pull their tool lists and
persist the catalogs.

Examples:
  toolgate discover
  toolgate discover --server files`,
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

			ctx, cancel := context.WithTimeout(context.Background(), cfg.Discovery.Timeout())
			defer cancel()

			var results []discovery.Result
			if flagServer != "" {
				if _, err := stack.disco.Load(); err != nil {
					return err
				}
				res, err := stack.disco.RefreshServer(ctx, flagServer)
				if err != nil {
					return err
				}
				results = []discovery.Result{res}
			} else {
				results, err = stack.disco.DiscoverAll(ctx)
				if err != nil {
					return err
				}
			}

			if flagJSON {
				data, _ := json.MarshalIndent(results, "", "  ")
				fmt.Println(string(data))
				return nil
			}

			if len(results) == 0 {
				fmt.Printf("No servers configured in %s\n", cfg.Discovery.ManifestPath)
				return nil
			}
			failed := 0
			for _, r := range results {
				if r.Success {
					fmt.Printf("✓ %s: %d tools\n", r.ServerID, r.Tools)
				} else {
					fmt.Printf("✗ %s: %s\n", r.ServerID, r.Error)
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d server(s) failed discovery", failed)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&flagServer, "server", "", "Discover a single server by id")

	return cmd
}

// ------------------------------------------------------------------
// `toolgate tools`
// ------------------------------------------------------------------

func newToolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Inspect the discovered tool catalog",
	}

	cmd.AddCommand(
		newToolsListCmd(),
		newToolsShowCmd(),
	)

	return cmd
}

func newToolsListCmd() *cobra.Command {
	var (
		flagServer   string
		flagCategory string
	)

	cmd := &cobra.Command{
		Use:     "list",
		Short:   "List discovered tools",
		Aliases: []string{"ls"},
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

			tools, err := stack.store.ListTools(context.Background(), registry.ToolFilter{
				ServerID: flagServer,
				Category: flagCategory,
			})
			if err != nil {
				return err
			}

			if flagJSON {
				data, _ := json.MarshalIndent(tools, "", "  ")
				fmt.Println(string(data))
				return nil
			}

			if len(tools) == 0 {
				fmt.Println("No tools discovered. Run 'toolgate discover' first.")
				return nil
			}

			fmt.Printf("%-26s %-14s %-12s %s\n", "TOOL", "SERVER", "CATEGORY", "DESCRIPTION")
			fmt.Println(strings.Repeat("─", 100))
			for _, t := range tools {
				category := t.Category
				if category == "" {
					category = "-"
				}
				fmt.Printf("%-26s %-14s %-12s %s\n", t.Name, t.ServerID, category, truncate(t.Description, 44))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&flagServer, "server", "", "Filter by server id")
	cmd.Flags().StringVar(&flagCategory, "category", "", "Filter by category")

	return cmd
}

func newToolsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [tool]",
		Short: "Show one tool's record and input schema",
		Args:  cobra.ExactArgs(1),
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

			tool, server, err := stack.reg.GetToolWithServer(context.Background(), args[0])
			if err != nil {
				return err
			}

			if flagJSON {
				data, _ := json.MarshalIndent(tool, "", "  ")
				fmt.Println(string(data))
				return nil
			}

			fmt.Printf("Tool: %s\n", tool.Name)
			fmt.Printf("  Server:   %s (%s)\n", server.ID, server.Transport)
			if tool.Description != "" {
				fmt.Printf("  About:    %s\n", tool.Description)
			}
			if tool.Category != "" {
				fmt.Printf("  Category: %s\n", tool.Category)
			}
			if len(tool.IntentPatterns) > 0 {
				fmt.Printf("  Intents:  %s\n", strings.Join(tool.IntentPatterns, ", "))
			}
			schema, _ := json.MarshalIndent(tool.InputSchema, "  ", "  ")
			fmt.Printf("  Schema:   %s\n", schema)
			return nil
		},
	}
}

// ------------------------------------------------------------------
// `toolgate servers`
// ------------------------------------------------------------------

func newServersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "servers",
		Short: "List registered tool servers",
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

			ctx := context.Background()
			servers, err := stack.store.ListServers(ctx, false)
			if err != nil {
				return err
			}

			if flagJSON {
				data, _ := json.MarshalIndent(servers, "", "  ")
				fmt.Println(string(data))
				return nil
			}

			if len(servers) == 0 {
				fmt.Println("No servers registered. Add them to the manifest and run 'toolgate discover'.")
				return nil
			}

			tools, _ := stack.store.ListTools(ctx, registry.ToolFilter{})
			counts := make(map[string]int)
			for _, t := range tools {
				counts[t.ServerID]++
			}

			fmt.Printf("%-16s %-20s %-11s %-16s %-6s %s\n", "SERVER", "NAME", "TRANSPORT", "STATUS", "TOOLS", "UPDATED")
			fmt.Println(strings.Repeat("─", 96))
			for _, s := range servers {
				status := statusIcon(s.Status) + " " + string(s.Status)
				updated := "never"
				if !s.UpdatedAt.IsZero() {
					updated = time.Since(s.UpdatedAt).Round(time.Second).String() + " ago"
				}
				fmt.Printf("%-16s %-20s %-11s %-16s %-6d %s\n", s.ID, s.Name, s.Transport, status, counts[s.ID], updated)
			}
			return nil
		},
	}
}

// ------------------------------------------------------------------
// `toolgate rules` / `toolgate overrides`
// ------------------------------------------------------------------

func newRulesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rules",
		Short: "List the active rule set",
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

			list := stack.rules.Rules()

			if flagJSON {
				data, _ := json.MarshalIndent(list, "", "  ")
				fmt.Println(string(data))
				return nil
			}

			fmt.Printf("%-30s %-12s %-8s %-9s %-8s %s\n", "RULE", "KIND", "DECISION", "PRIORITY", "ENABLED", "DESCRIPTION")
			fmt.Println(strings.Repeat("─", 112))
			for _, r := range list {
				enabled := "yes"
				if !r.Enabled {
					enabled = "no"
				}
				fmt.Printf("%-30s %-12s %-8s %-9d %-8s %s\n",
					r.Name, r.Kind, r.Decision, r.Priority, enabled, truncate(r.Description, 40))
			}
			return nil
		},
	}
}

func newOverridesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "overrides",
		Short: "List the forced intent overrides",
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

			list := stack.intents.Overrides.List()

			if flagJSON {
				data, _ := json.MarshalIndent(list, "", "  ")
				fmt.Println(string(data))
				return nil
			}

			fmt.Printf("%-48s %-10s %-20s %-9s %s\n", "PATTERN", "KIND", "TARGET INTENT", "PRIORITY", "ENABLED")
			fmt.Println(strings.Repeat("─", 100))
			for _, o := range list {
				enabled := "yes"
				if !o.Enabled {
					enabled = "no"
				}
				fmt.Printf("%-48s %-10s %-20s %-9d %s\n",
					truncate(o.Pattern, 46), o.Kind, o.TargetIntent, o.Priority, enabled)
			}
			return nil
		},
	}
}

// ------------------------------------------------------------------
// `toolgate exec`
// ------------------------------------------------------------------

func newExecCmd() *cobra.Command {
	var (
		flagSession string
		flagParams  []string
	)

	cmd := &cobra.Command{
		Use:   "exec [text]",
		Short: "Run one request through the execution pipeline",
		Long: `Run a natural-language request through all eight pipeline stages and
print the outcome.

Examples:
  toolgate exec "read file /tmp/notes.txt"
  toolgate exec "list files" --param path=/var/log
  toolgate exec "fetch url https://example.com" --json`,
		Args: cobra.MinimumNArgs(1),
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

			ctx, cancel := context.WithTimeout(context.Background(), cfg.Client.ExecutionTimeout())
			defer cancel()
			stack.ensureCatalog(ctx)

			session := flagSession
			if session == "" {
				session = "cli:" + uuid.NewString()[:8]
			}

			text := strings.Join(args, " ")
			in := pipeline.Input{
				Text:            text,
				UserID:          "cli",
				UserRole:        auth.RoleAdmin.Name,
				UserPermissions: auth.RolePermissions(auth.RoleAdmin.Name),
				SessionID:       session,
				Overrides:       parseParams(flagParams),
			}
			result := stack.pipe.Execute(ctx, in)
			recordCLIRun(stack, in, result)

			return printPipelineResult(result)
		},
	}

	cmd.Flags().StringVar(&flagSession, "session", "", "Session id (defaults to a fresh one)")
	cmd.Flags().StringArrayVar(&flagParams, "param", nil, "Parameter override in key=value form (repeatable)")

	return cmd
}

// recordCLIRun persists the execution record and the audit event for a
// pipeline run started from the CLI, mirroring what the gateway does
// for API runs.
func recordCLIRun(stack *gatewayStack, in pipeline.Input, result *pipeline.Result) {
	ctx := context.Background()
	rec := result.Record(in)
	if err := stack.store.RecordExecution(ctx, rec); err != nil {
		stack.log.Warn("persist execution failed", "execution_id", rec.ID, "error", err)
	}
	stack.auditLogger().LogPipelineExec(ctx, in.Text, in.SessionID, &audit.EventTarget{
		Tool:   rec.ToolName,
		Server: rec.ServerID,
		Intent: rec.Intent,
	}, &audit.EventResult{
		Status:      string(rec.Status),
		FailedStage: rec.FailedStage,
		DurationMS:  rec.DurationMS,
		Error:       rec.Error,
	})
}

// ------------------------------------------------------------------
// `toolgate train`
// ------------------------------------------------------------------

func newTrainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "train",
		Short: "Train the intent classifier from stored samples",
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

			ctx := context.Background()
			samples, err := stack.store.ListTrainingSamples(ctx, false)
			if err != nil {
				return err
			}

			texts := make([]string, 0, len(samples))
			labels := make([]string, 0, len(samples))
			for _, s := range samples {
				texts = append(texts, s.Text)
				labels = append(labels, s.Intent)
			}

			report, err := stack.intents.Train(texts, labels)
			if err != nil {
				return err
			}
			stack.auditLogger().LogTrain(ctx, len(samples), &audit.EventResult{Status: "success"})

			if flagJSON {
				data, _ := json.MarshalIndent(report, "", "  ")
				fmt.Println(string(data))
				return nil
			}

			fmt.Printf("✓ Trained on %d samples, %d intents (accuracy %.2f)\n", len(samples), report.NumClasses, report.Accuracy)
			fmt.Printf("  Model: %s\n\n", cfg.Intent.ModelPath)

			fmt.Printf("%-24s %-10s %-10s %-10s %s\n", "INTENT", "PRECISION", "RECALL", "F1", "SUPPORT")
			fmt.Println(strings.Repeat("─", 66))
			for _, class := range report.Classes {
				m := report.PerClass[class]
				fmt.Printf("%-24s %-10.2f %-10.2f %-10.2f %d\n", class, m.Precision, m.Recall, m.F1, m.Support)
			}
			return nil
		},
	}
}

// ------------------------------------------------------------------
// `toolgate dash`
// ------------------------------------------------------------------

func newDashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dash",
		Short: "Live registry dashboard",
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

			return tui.RunDashboard(stack.store)
		},
	}
}

// ------------------------------------------------------------------
// `toolgate user`
// ------------------------------------------------------------------

func newUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage gateway accounts",
	}

	cmd.AddCommand(newUserCreateCmd())
	return cmd
}

func newUserCreateCmd() *cobra.Command {
	var (
		flagName  string
		flagEmail string
		flagRole  string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a gateway account",
		Long: `Create an account directly in the store. The HTTP register endpoint
only mints user accounts; admin accounts are created here.

Examples:
  toolgate user create --name alice --role admin
  toolgate user create --name bob --email bob@example.com`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !auth.KnownRole(flagRole) {
				return fmt.Errorf("unknown role %q (admin, user, guest)", flagRole)
			}

			password, err := promptPassword()
			if err != nil {
				return err
			}

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

			hash, err := auth.HashPassword(password)
			if err != nil {
				return err
			}

			ctx := context.Background()
			user := &registry.UserRecord{
				ID:           uuid.NewString(),
				Username:     flagName,
				Email:        flagEmail,
				PasswordHash: hash,
				Role:         flagRole,
				IsActive:     true,
				CreatedAt:    time.Now().UTC(),
			}
			if err := stack.store.CreateUser(ctx, user); err != nil {
				return err
			}
			stack.auditLogger().LogUserCreate(ctx, flagName, flagRole)

			fmt.Printf("✓ User %s created (%s)\n", flagName, flagRole)
			return nil
		},
	}

	cmd.Flags().StringVar(&flagName, "name", "", "Username (required)")
	cmd.Flags().StringVar(&flagEmail, "email", "", "Email address")
	cmd.Flags().StringVar(&flagRole, "role", "user", "Role: admin, user or guest")
	cmd.MarkFlagRequired("name")

	return cmd
}

// ------------------------------------------------------------------
// `toolgate audit`
// ------------------------------------------------------------------

func newAuditCmd() *cobra.Command {
	var (
		flagUser  string
		flagSince string
		flagLimit int
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query the audit trail",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store := audit.NewFileStore(cfg.Audit.Dir)

			opts := audit.QueryOptions{User: flagUser, Limit: flagLimit}
			if flagSince != "" {
				dur, err := time.ParseDuration(flagSince)
				if err != nil {
					return fmt.Errorf("invalid --since duration: %w", err)
				}
				opts.Since = time.Now().Add(-dur)
			}

			events, err := store.Query(context.Background(), opts)
			if err != nil {
				return err
			}

			if flagJSON {
				data, _ := json.MarshalIndent(events, "", "  ")
				fmt.Println(string(data))
				return nil
			}

			if len(events) == 0 {
				fmt.Println("No audit events found.")
				return nil
			}

			fmt.Printf("%-20s %-12s %-15s %-24s %s\n", "TIMESTAMP", "USER", "TYPE", "ACTION", "STATUS")
			fmt.Println(strings.Repeat("─", 90))
			for _, e := range events {
				status := ""
				if e.Result != nil {
					status = e.Result.Status
				}
				fmt.Printf("%-20s %-12s %-15s %-24s %s\n",
					e.Timestamp.Format("2006-01-02 15:04:05"),
					e.User,
					e.Type,
					e.Action,
					status,
				)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&flagUser, "user", "", "Filter by user")
	cmd.Flags().StringVar(&flagSince, "since", "", "Filter since duration (e.g., 2h, 24h)")
	cmd.Flags().IntVar(&flagLimit, "limit", 50, "Max events to show")

	return cmd
}

// ------------------------------------------------------------------
// `toolgate version`
// ------------------------------------------------------------------

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			printVersion()
		},
	}
}

// ------------------------------------------------------------------
// Helpers
// ------------------------------------------------------------------

func statusIcon(status registry.ServerStatus) string {
	switch status {
	case registry.ServerStatusActive:
		return "●"
	case registry.ServerStatusInactive:
		return "○"
	case registry.ServerStatusDiscovering:
		return "◐"
	case registry.ServerStatusError:
		return "✗"
	default:
		return "?"
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-1] + "…"
}

// parseParams splits key=value pairs into the override map. Values
// that parse as JSON keep their type; everything else stays a string.
func parseParams(pairs []string) map[string]any {
	if len(pairs) == 0 {
		return nil
	}
	params := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			continue
		}
		var v any
		if err := json.Unmarshal([]byte(parts[1]), &v); err != nil {
			v = parts[1]
		}
		params[parts[0]] = v
	}
	return params
}

// printPipelineResult renders one pipeline outcome: intent, tool,
// parameters, then the result or the failed stage. Non-success returns
// an error so the process exits non-zero.
func printPipelineResult(res *pipeline.Result) error {
	if flagJSON {
		data, _ := json.MarshalIndent(res, "", "  ")
		fmt.Println(string(data))
		if !res.Success {
			return fmt.Errorf("execution %s", res.Status)
		}
		return nil
	}

	if res.Intent != nil {
		forced := ""
		if res.Intent.IsForced {
			forced = " (forced)"
		}
		fmt.Printf("Intent: %s (%.2f)%s\n", res.Intent.Intent, res.Intent.Confidence, forced)
	}
	if res.ToolName != "" {
		fmt.Printf("Tool:   %s @ %s\n", res.ToolName, res.ServerID)
	}
	if len(res.Parameters) > 0 {
		params, _ := json.Marshal(res.Parameters)
		fmt.Printf("Params: %s\n", params)
	}

	switch {
	case res.Success:
		fmt.Printf("✓ %s (%dms)\n", res.Status, res.DurationMS)
		if res.Output != nil {
			printOutput(res.Output)
		}
		return nil
	case res.Status == registry.ExecutionDenied:
		fmt.Printf("✗ denied: %s\n", res.Error)
		return fmt.Errorf("execution denied")
	default:
		fmt.Printf("✗ failed at %s: %s\n", res.FailedStage, res.Error)
		return fmt.Errorf("execution failed")
	}
}

func printOutput(out any) {
	switch v := out.(type) {
	case string:
		fmt.Println(v)
	default:
		data, _ := json.MarshalIndent(v, "", "  ")
		fmt.Println(string(data))
	}
}

// promptPassword reads the password without echo, twice. A non-terminal
// stdin falls back to a plain line read so scripts can pipe one in.
func promptPassword() (string, error) {
	fd := int(os.Stdin.Fd())
	var password string

	if term.IsTerminal(fd) {
		fmt.Print("Password: ")
		first, err := term.ReadPassword(fd)
		fmt.Println()
		if err != nil {
			return "", err
		}
		fmt.Print("Confirm:  ")
		second, err := term.ReadPassword(fd)
		fmt.Println()
		if err != nil {
			return "", err
		}
		if string(first) != string(second) {
			return "", fmt.Errorf("passwords do not match")
		}
		password = string(first)
	} else {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && err != io.EOF {
			return "", err
		}
		password = strings.TrimRight(line, "\r\n")
	}

	if len(password) < 8 {
		return "", fmt.Errorf("password must be at least 8 characters")
	}
	return password, nil
}

// splitListenAddr splits host:port for the health server. A bare or
// unparseable address falls back to all interfaces on port 8080.
func splitListenAddr(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "0.0.0.0", 8080
	}
	if host == "" {
		host = "0.0.0.0"
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		port = 8080
	}
	return host, port
}
