package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pavelanni/mirror/internal/analysis"
	"github.com/pavelanni/mirror/internal/bot"
	"github.com/pavelanni/mirror/internal/catalog"
	"github.com/pavelanni/mirror/internal/handler"
	appI18n "github.com/pavelanni/mirror/internal/i18n"
	"github.com/pavelanni/mirror/internal/llm"
	"github.com/pavelanni/mirror/internal/model"
	"github.com/pavelanni/mirror/internal/notify"
	"github.com/pavelanni/mirror/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "mirror",
		Short: "Psychometric test backend with LLM analysis and a Telegram bot",
	}

	serve := serveCmd()
	root.AddCommand(serve, exportCmd(), sessionsCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func addLogFlags(cmd *cobra.Command) {
	cmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
	cmd.Flags().String("log-format", "text", "Log format (text, json)")
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, the Telegram bot and the notification dispatcher",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8000", "HTTP listen address")
	f.String("db", "mirror.db", "SQLite database path")
	f.StringSliceP("catalog", "c", []string{"catalog/profile-v1.yaml"}, "Paths to test catalog YAML files (repeatable)")
	f.String("llm-url", "https://api.openai.com/v1", "OpenAI-compatible API base URL")
	f.String("llm-key", "", "API key for LLM")
	f.String("llm-model", "gpt-4o-mini", "LLM model name")
	f.Int("llm-max-tokens", llm.DefaultMaxTokens, "Maximum tokens per analysis")
	f.Duration("llm-timeout", llm.DefaultTimeout, "Timeout of a single analysis request")
	f.Bool("llm-ping", false, "Check the LLM endpoint at startup")
	f.String("telegram-token", "", "Telegram bot token (bot and notifications are disabled when empty)")
	f.String("webapp-url", "", "URL of the test web app linked from bot messages")
	f.String("entry-test", "profile-v1", "Test slug linked from bot messages")
	f.Duration("notify-delay", analysis.DefaultNotifyDelay, "Delay before the result notification is sent")
	f.Duration("notify-poll", notify.DefaultPoll, "How often due notifications are checked")
	f.StringP("lang", "l", "ru", "Default language (en, ru)")
	addLogFlags(cmd)
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export analyzed sessions as JSON for CRM import",
		RunE:  runExport,
	}
	f := cmd.Flags()
	f.String("db", "mirror.db", "SQLite database path")
	f.String("test", "", "Only export sessions of this test slug")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	addLogFlags(cmd)
	return cmd
}

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect test sessions",
	}
	stuck := &cobra.Command{
		Use:   "stuck",
		Short: "List sessions left in analyzing longer than a threshold",
		RunE:  runStuck,
	}
	f := stuck.Flags()
	f.String("db", "mirror.db", "SQLite database path")
	f.Duration("older-than", 10*time.Minute, "Minimum time since submission")
	addLogFlags(stuck)
	cmd.AddCommand(stuck)
	return cmd
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("MIRROR")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("mirror")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/mirror")
	v.AddConfigPath("/etc/mirror")
	v.AddConfigPath("/data")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := catalog.Sync(ctx, db, v.GetStringSlice("catalog")); err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}

	var (
		webAppURL   = v.GetString("webapp-url")
		entryTest   = v.GetString("entry-test")
		notifyDelay = v.GetDuration("notify-delay")
		lang        = v.GetString("lang")
	)
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	llmClient := llm.New(
		v.GetString("llm-url"),
		v.GetString("llm-key"),
		v.GetString("llm-model"),
		v.GetInt("llm-max-tokens"),
		v.GetDuration("llm-timeout"),
	)
	if v.GetBool("llm-ping") {
		if err := llmClient.Ping(ctx); err != nil {
			return fmt.Errorf("LLM health check: %w", err)
		}
		slog.Info("LLM endpoint OK", "url", v.GetString("llm-url"), "model", llmClient.Model())
	}

	var tg *bot.Bot
	if token := v.GetString("telegram-token"); token != "" {
		tg, err = bot.New(token, db, bot.Config{
			WebAppURL: webAppURL,
			EntryTest: entryTest,
			Lang:      lang,
		})
		if err != nil {
			return fmt.Errorf("create bot: %w", err)
		}
		go tg.Run(ctx)

		dispatcher := notify.NewDispatcher(db, tg, notify.Options{
			Poll:      v.GetDuration("notify-poll"),
			WebAppURL: webAppURL,
			EntryTest: entryTest,
			Lang:      lang,
		})
		if err := dispatcher.Start(); err != nil {
			return err
		}
		defer dispatcher.Stop()
	} else {
		slog.Warn("telegram token not set, bot and notifications disabled")
	}

	svc := analysis.NewService(db, llmClient, analysis.Options{
		Notify:      tg != nil,
		NotifyDelay: notifyDelay,
	})
	h := handler.New(svc, db)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(handler.CORS)
	h.Routes(r)

	addr := v.GetString("addr")
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	slog.Info("starting server",
		"addr", addr,
		"model", llmClient.Model(),
		"llm_url", v.GetString("llm-url"),
		"lang", lang,
		"bot", tg != nil,
		"webapp_url", webAppURL,
		"notify_delay", notifyDelay,
	)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	slug := v.GetString("test")
	results, err := db.ExportAnalyzed(cmd.Context(), slug)
	if err != nil {
		return fmt.Errorf("export sessions: %w", err)
	}

	export := model.ProfileExport{
		GeneratedAt: time.Now().UTC(),
		TestSlug:    slug,
		Count:       len(results),
		Results:     results,
	}

	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	outPath := v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = os.Stdout
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	_, _ = fmt.Fprintln(w)

	slog.Info("exported sessions", "count", len(results), "test", slug)
	return nil
}

func runStuck(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	olderThan := v.GetDuration("older-than")
	sessions, err := db.StuckSessions(cmd.Context(), time.Now().UTC().Add(-olderThan))
	if err != nil {
		return fmt.Errorf("list stuck sessions: %w", err)
	}
	if len(sessions) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no stuck sessions")
		return nil
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tUSER\tTEST\tSUBMITTED")
	for _, s := range sessions {
		submitted := "-"
		if s.SubmittedAt != nil {
			submitted = s.SubmittedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\n", s.ID, s.UserID, s.TestID, submitted)
	}
	return tw.Flush()
}
