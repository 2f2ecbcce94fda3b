package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"flagdeck/internal/app"
	"flagdeck/internal/config"
	"flagdeck/internal/db"
	"flagdeck/internal/engine"
	"flagdeck/internal/engine/auth"
	"flagdeck/internal/instrument"
	"flagdeck/internal/migrate"
	"flagdeck/internal/repo"
	"flagdeck/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "flagdeck",
	Short: "Flagdeck CLI",
	Long: `Flagdeck serves a typed feature flag catalog and the developer overrides layered on top of it.
- Catalog: flagdeck.yml (or the built-in launcher catalog) declares every flag, its channel and its default state.
- Build info: debug_device and teamfood decide how teamfood flags resolve.
- Overrides: persisted in .flagdeck/flagdeck.db; only writable while the toggler is visible (debug device with developer options on).
- Event log: every override and setting change, view with 'flagdeck log tail'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		printErr(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("FLAGDECK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().StringP("config", "c", "", "catalog file (default <workspace>/flagdeck.yml, else built-in)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")
	for _, name := range []string{"workspace", "config", "json", "actor-id", "log-level"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(flagsCmd())
	rootCmd.AddCommand(catalogCmd())
	rootCmd.AddCommand(devoptsCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func newLogger() log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	var opt level.Option
	switch strings.ToLower(viper.GetString("log-level")) {
	case "debug":
		opt = level.AllowDebug()
	case "info":
		opt = level.AllowInfo()
	case "error":
		opt = level.AllowError()
	case "none":
		opt = level.AllowNone()
	default:
		opt = level.AllowWarn()
	}
	return level.NewFilter(logger, opt)
}

func flagsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flags",
		Short: "Inspect flags and manage developer overrides",
	}
	cmd.AddCommand(flagsListCmd())
	cmd.AddCommand(flagsGetCmd())
	cmd.AddCommand(flagsSetCmd())
	cmd.AddCommand(flagsResetCmd())
	cmd.AddCommand(flagsResetAllCmd())
	return cmd
}

func flagsListCmd() *cobra.Command {
	var channel string
	var overridden bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List flags with their resolved values",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListFlags(ctx)
				if err != nil {
					return err
				}
				filtered := items[:0]
				for _, f := range items {
					if channel != "" && f.Channel != channel {
						continue
					}
					if overridden && !f.Overridden {
						continue
					}
					filtered = append(filtered, f)
				}
				return printJSONOrTable(filtered, func() { renderFlags(filtered) })
			})
		},
	}
	cmd.Flags().StringVar(&channel, "channel", "", "channel filter (debug, release)")
	cmd.Flags().BoolVar(&overridden, "overridden", false, "only flags with an active override")
	return cmd
}

func flagsGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get NAME",
		Short: "Show one flag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f, err := e.GetFlag(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(f, func() { renderFlag(f) })
			})
		},
	}
}

func flagsSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set NAME VALUE",
		Short: "Override a flag (requires the toggler to be visible)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f, err := e.SetOverride(ctx, args[0], args[1], viper.GetString("actor-id"))
				if err != nil {
					var hidden auth.TogglerHiddenError
					if errors.As(err, &hidden) && hidden.DebugDevice {
						printWarning(os.Stderr, "run 'flagdeck devopts enable' first")
					}
					return err
				}
				return printJSONOrTable(f, func() {
					printSuccess(os.Stdout, "%s = %v", f.Name, f.Value)
				})
			})
		},
	}
}

func flagsResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset NAME",
		Short: "Clear a flag's override",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f, err := e.ClearOverride(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(f, func() {
					printSuccess(os.Stdout, "%s reset to %v", f.Name, f.Value)
				})
			})
		},
	}
}

func flagsResetAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-all",
		Short: "Clear every override",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.ClearAll(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]int64{"cleared": n}, func() {
					printSuccess(os.Stdout, "cleared %d override(s)", n)
				})
			})
		},
	}
}

func catalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect the flag catalog",
		Long:  "The catalog is flagdeck.yml in the workspace, or the built-in launcher catalog when none exists.",
	}
	cmd.AddCommand(catalogShowCmd())
	cmd.AddCommand(catalogValidateCmd())
	cmd.AddCommand(catalogExportCmd())
	return cmd
}

func catalogShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the loaded catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.ResolveConfig(viper.GetString("workspace"), viper.GetString("config"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg, func() { renderCatalog(cfg) })
		},
	}
}

type validateResult struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func newValidateResult(err error) validateResult {
	if err != nil {
		return validateResult{Error: err.Error()}
	}
	return validateResult{OK: true}
}

func catalogValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the catalog and assemble a registry from it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.ResolveConfig(viper.GetString("workspace"), viper.GetString("config"))
			if err == nil {
				_, err = app.Assemble(cfg, nil)
			}
			if viper.GetBool("json") {
				return printJSON(newValidateResult(err))
			}
			if err != nil {
				return err
			}
			printSuccess(os.Stdout, "catalog OK (%d flags)", len(cfg.Flags))
			return nil
		},
	}
}

func catalogExportCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the built-in catalog to flagdeck.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			printSuccess(os.Stdout, "wrote %s", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func devoptsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devopts",
		Short: "Developer options gate the override toggler",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show toggler availability",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Toggler(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(t, func() { renderToggler(t) })
			})
		},
	})
	for _, enabled := range []bool{true, false} {
		use, short := "enable", "Turn developer options on"
		if !enabled {
			use, short = "disable", "Turn developer options off"
		}
		cmd.AddCommand(&cobra.Command{
			Use:   use,
			Short: short,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
					t, err := e.SetDeveloperOptions(ctx, enabled, viper.GetString("actor-id"))
					if err != nil {
						return err
					}
					return printJSONOrTable(t, func() { renderToggler(t) })
				})
			},
		})
	}
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys for the HTTP server",
	}
	cmd.AddCommand(apikeyCreateCmd())
	cmd.AddCommand(apikeyListCmd())
	cmd.AddCommand(apikeyRevokeCmd())
	return cmd
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	var perms []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for --actor-id",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				key, secret, err := e.CreateAPIKey(ctx, viper.GetString("actor-id"), name, perms)
				if err != nil {
					return err
				}
				out := map[string]any{"key": key, "secret": secret}
				return printJSONOrTable(out, func() {
					printSuccess(os.Stdout, "created key %s for %s", key.ID, key.ActorID)
					printWarning(os.Stdout, "secret (shown once): %s", secret)
				})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	cmd.Flags().StringSliceVar(&perms, "perm", []string{auth.PermFlagsRead}, "permissions (flags.read, flags.write, *)")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys, func() { renderAPIKeys(keys) })
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor filter")
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke ID",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.RevokeAPIKey(ctx, args[0]); err != nil {
					return err
				}
				printSuccess(os.Stdout, "revoked %s", args[0])
				return nil
			})
		},
	}
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every override write, reset and developer options change.",
	}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(events, func() { renderEvents(events) })
			})
		},
	}
	cmd.Flags().IntVarP(&f.Limit, "n", "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin bool
	var refresh time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := app.ResolveConfig(workspace, viper.GetString("config"))
			if err != nil {
				return err
			}
			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			reads, err := instrument.NewReadCounter(reg)
			if err != nil {
				return err
			}
			writes, err := instrument.NewOverrideCounter(reg)
			if err != nil {
				return err
			}
			e, err := engine.Open(cmd.Context(), conn, cfg, engine.Options{Logger: logger, Reads: reads, Writes: writes})
			if err != nil {
				return err
			}
			authCfg := server.AuthConfig{JWTSecret: viper.GetString("jwt-secret"), DevLogin: devLogin}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("FLAGDECK_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: basePath,
				Auth:     authCfg,
				Logger:   logger,
				Metrics:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			})
			if err != nil {
				return err
			}
			if refresh > 0 {
				go e.Watch(cmd.Context(), refresh)
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			level.Info(logger).Log("msg", "serving", "addr", addr, "base_path", basePath, "flags", e.Registry.Len())
			fmt.Printf("Serving Flagdeck API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs, metrics at /metrics)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().DurationVar(&refresh, "refresh-interval", 2*time.Second, "how often to pick up overrides written by other processes (0 disables)")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST <base>/auth/dev/login (local testing only)")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := app.ResolveConfig(workspace, viper.GetString("config"))
	if err != nil {
		return err
	}
	e, err := engine.Open(ctx, conn, cfg, engine.Options{Logger: newLogger()})
	if err != nil {
		return err
	}
	return fn(ctx, e)
}
