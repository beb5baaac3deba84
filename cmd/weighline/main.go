package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"weighline/internal/app"
	"weighline/internal/db"
	"weighline/internal/domain"
	"weighline/internal/server"
	"weighline/internal/telemetry"
)

var rootCmd = &cobra.Command{
	Use:   "weighline",
	Short: "Weighline CLI",
	Long: `Weighline runs the vehicle flow of weighing sites.
- Workspace: a directory holding weighline.db and, optionally, weighline.yml.
- Ticket: one vehicle visit, numbered PREFIX-YYYYMMDD-NNNN per category and day.
- Workflow: the ordered steps a ticket walks through on a site (gate, sales, scale, dock).
- Queue: the waiting line in front of a step, ordered by priority tier then arrival.
- Event log: every ticket change, view with 'weighline log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		slog.SetDefault(newLogger())
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("WEIGHLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("config", "", "config file to import before running the command")
	flags.String("actor-id", "local-cli", "actor identifier")
	flags.String("role", string(domain.RoleAdministrator), "actor role")
	flags.String("site", "", "actor site")
	flags.String("redis-url", "", "redis url for the sequence backend and event stream")
	flags.String("pg-dsn", "", "postgres dsn for the sequence backend")
	flags.String("log-format", "text", "log format (text|json)")
	flags.String("log-level", "info", "log level (debug|info|warn|error)")
	for _, name := range []string{"workspace", "json", "config", "actor-id", "role", "site", "redis-url", "pg-dsn", "log-format", "log-level"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(ticketCmd())
	rootCmd.AddCommand(queueCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(rbacCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func newLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if viper.GetString("log-format") == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server and webhook dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("WEIGHLINE_JWT_SECRET is required for bearer auth")
			}
			shutdownTracing := telemetry.Setup("weighline")
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = shutdownTracing(ctx)
			}()
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				logger := slog.Default()
				handler, err := server.New(server.Config{
					Engine:   a.Engine,
					BasePath: basePath,
					Auth:     server.AuthConfig{JWTSecret: secret, DevLogin: devLogin, Logger: logger},
					Logger:   logger,
				})
				if err != nil {
					return err
				}
				if len(a.Config.Webhooks) > 0 {
					go server.NewWebhookDispatcher(a.Repo, a.Config.Webhooks, logger).Run(ctx)
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Weighline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at %s/docs)\n", addr, basePath, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST /auth/dev/login (never in production)")
	return cmd
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, app.Options{
		Workspace:   viper.GetString("workspace"),
		ConfigFile:  viper.GetString("config"),
		RedisURL:    viper.GetString("redis-url"),
		PostgresDSN: viper.GetString("pg-dsn"),
		Logger:      slog.Default(),
	})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// cliActor is the caller the local CLI acts as. Its company follows the site.
func cliActor(a *app.App) domain.Actor {
	actor := domain.Actor{
		ID:     viper.GetString("actor-id"),
		Role:   domain.Role(strings.ToUpper(viper.GetString("role"))),
		SiteID: viper.GetString("site"),
	}
	if company, ok := app.NewSiteDirectory(a.Config.DomainSites()).CompanyOf(actor.SiteID); ok {
		actor.CompanyID = company
	}
	return actor
}

func printJSONOrTable(v any, table func()) error {
	if viper.GetBool("json") || table == nil {
		return printJSON(v)
	}
	table()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}
