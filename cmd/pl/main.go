package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"planline/internal/config"
	"planline/internal/db"
	"planline/internal/engine"
	"planline/internal/execution"
	"planline/internal/migrate"
	"planline/internal/server"
	"planline/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "pl",
	Short: "Planline plan scheduler",
	Long: `Planline coordinates multi-step plans executed by an external fleet.
Plans are ingested over HTTP, persisted, and advanced one spec at a time as
status notifications arrive. 'pl serve' runs the HTTP service; the plan and
log subcommands inspect and drive the same store locally.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("PLANLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "", "log level (overrides config)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(storeCmd())
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	if lvl := viper.GetString("log-level"); lvl != "" {
		cfg.Service.LogLevel = lvl
	}
	if tok := viper.GetString("verification-token"); tok != "" {
		cfg.Auth.VerificationToken = tok
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Service.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(handler).With("service", cfg.Service.Name)
}

func openEngine(cfg *config.Config, logger *slog.Logger) (engine.Engine, *sql.DB, error) {
	conn, err := db.Open(db.Config{Workspace: cfg.Store.Workspace})
	if err != nil {
		return engine.Engine{}, nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return engine.Engine{}, nil, err
	}
	var trigger execution.Trigger
	if cfg.ExecutionEnabled() {
		trigger = execution.NewNotifier(cfg.Execution.URL, cfg.Execution.Token, logger)
	} else {
		trigger = execution.Disabled{Logger: logger}
	}
	return engine.New(conn, cfg, trigger, logger), conn, nil
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)
			eng, conn, err := openEngine(cfg, logger)
			if err != nil {
				return err
			}
			defer conn.Close()

			handler, err := server.New(server.Config{
				Engine: eng,
				Auth: server.AuthConfig{
					Mode:                        cfg.Auth.Mode,
					VerificationToken:           cfg.Auth.VerificationToken,
					Secret:                      cfg.Auth.Secret,
					ExpectedAudience:            cfg.Auth.ExpectedAudience,
					ExpectedIssuer:              cfg.Auth.ExpectedIssuer,
					ExpectedServiceAccountEmail: cfg.Auth.ExpectedServiceAccountEmail,
				},
				Logger: logger,
			})
			if err != nil {
				return err
			}
			listen := cfg.Service.Listen
			if addr, _ := cmd.Flags().GetString("listen"); addr != "" {
				listen = addr
			}
			logger.Info("listening", "addr", listen, "auth_mode", cfg.Auth.Mode,
				"execution_enabled", cfg.ExecutionEnabled())
			srv := &http.Server{Addr: listen, Handler: handler}
			return srv.ListenAndServe()
		},
	}
	cmd.Flags().String("listen", "", "listen address (overrides config)")
	return cmd
}

func planCmd() *cobra.Command {
	plan := &cobra.Command{Use: "plan", Short: "Manage plans"}
	plan.AddCommand(planIngestCmd())
	plan.AddCommand(planShowCmd())
	plan.AddCommand(planListCmd())
	return plan
}

func planListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List plans",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, eng engine.Engine) error {
				items, err := eng.Store.ListPlans(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"Plan", "Status", "Specs", "Completed", "Updated"})
				for _, p := range items {
					t.AppendRow(table.Row{p.PlanID, p.OverallStatus, p.TotalSpecs, p.CompletedSpecs, p.UpdatedAt})
				}
				t.Render()
				return nil
			})
		},
	}
}

func planIngestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest a plan from a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			if file == "" {
				return errors.New("--file is required")
			}
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var in engine.PlanInput
			if err := json.Unmarshal(data, &in); err != nil {
				return fmt.Errorf("parse plan file: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, eng engine.Engine) error {
				res, err := eng.IngestPlan(ctx, in)
				if err != nil {
					return err
				}
				fmt.Printf("%s: plan %s\n", res.Outcome, res.PlanID)
				return nil
			})
		},
	}
	cmd.Flags().String("file", "", "path to plan JSON")
	return cmd
}

func planShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <plan-id>",
		Short: "Show plan status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, eng engine.Engine) error {
				view, err := eng.PlanStatus(ctx, args[0], true)
				if err != nil {
					if errors.Is(err, store.ErrNotFound) {
						return fmt.Errorf("plan %s not found", args[0])
					}
					return err
				}
				if viper.GetBool("json") {
					return printJSON(view)
				}
				current := "-"
				if view.CurrentSpecIndex != nil {
					current = fmt.Sprintf("%d", *view.CurrentSpecIndex)
				}
				fmt.Printf("plan %s  status=%s  specs=%d/%d  current=%s\n",
					view.PlanID, view.OverallStatus, view.CompletedSpecs, view.TotalSpecs, current)
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"#", "Status", "Stage", "Updated"})
				for _, sp := range view.Specs {
					stage := ""
					if sp.Stage != nil {
						stage = *sp.Stage
					}
					t.AppendRow(table.Row{sp.SpecIndex, sp.Status, stage, sp.UpdatedAt})
				}
				t.Render()
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Operational event ledger"}
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show recent ledger events",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			return withEngine(cmd.Context(), func(ctx context.Context, eng engine.Engine) error {
				items, err := eng.Store.ListEvents(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"ID", "TS", "Type", "Plan", "Spec", "Message"})
				for _, e := range items {
					spec := ""
					if e.SpecIndex != nil {
						spec = fmt.Sprintf("%d", *e.SpecIndex)
					}
					t.AppendRow(table.Row{e.ID, e.TS, e.Type, e.PlanID, spec, e.MessageID})
				}
				t.Render()
				return nil
			})
		},
	}
	tail.Flags().Int("limit", 50, "max events")
	log.AddCommand(tail)
	return log
}

func storeCmd() *cobra.Command {
	st := &cobra.Command{Use: "store", Short: "Store utilities"}
	check := &cobra.Command{
		Use:   "check",
		Short: "Smoke-test store connectivity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, eng engine.Engine) error {
				if err := eng.Store.SmokeTest(ctx); err != nil {
					return err
				}
				fmt.Println("store ok")
				return nil
			})
		},
	}
	st.AddCommand(check)
	return st
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	eng, conn, err := openEngine(cfg, logger)
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, eng)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
