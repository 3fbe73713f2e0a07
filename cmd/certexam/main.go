package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pavelanni/certexam/internal/certify"
	"github.com/pavelanni/certexam/internal/entitlement"
	"github.com/pavelanni/certexam/internal/exam"
	"github.com/pavelanni/certexam/internal/handler"
	appI18n "github.com/pavelanni/certexam/internal/i18n"
	"github.com/pavelanni/certexam/internal/model"
	"github.com/pavelanni/certexam/internal/selection"
	"github.com/pavelanni/certexam/internal/store"
)

const shutdownTimeout = 15 * time.Second

func main() {
	// A missing .env is fine; real environment variables still apply.
	_ = godotenv.Load()

	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "certexam",
		Short: "Question rotation and certification exam server",
	}

	serve := serveCmd()
	root.AddCommand(serve, importCmd(), exportCmd(), sweepCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `certexam --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func addCommonFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("db", "certexam.db", "SQLite database path")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

func addSeedFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringSlice("courses", nil, "Paths to course settings JSON files (repeatable)")
	f.StringSliceP("questions", "q", nil, "Paths to questions JSON files (repeatable)")
	f.StringSlice("players", nil, "Paths to player wallet JSON files (repeatable)")
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE:  runServe,
	}
	addCommonFlags(cmd)
	addSeedFlags(cmd)
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.StringP("lang", "l", "en", "Fallback language for messages (en, ru)")
	f.Duration("attempt-ttl", exam.DefaultTTL, "Idle time after which an active attempt expires")
	f.String("sweep-schedule", "@every 5m", "Cron schedule for expiring stale attempts (empty disables)")
	f.String("amqp-url", "", "AMQP broker URL for certificate requests (empty logs them instead)")
	f.String("amqp-exchange", certify.DefaultExchange, "AMQP exchange for certificate requests")
	f.String("admin-token-hash", "", "bcrypt hash of the admin bearer token (or set CERTEXAM_ADMIN_TOKEN_HASH)")
	return cmd
}

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Load courses, questions and player wallets from JSON files",
		RunE:  runImport,
	}
	addCommonFlags(cmd)
	addSeedFlags(cmd)
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export attempt results as JSON",
		RunE:  runExport,
	}
	addCommonFlags(cmd)
	f := cmd.Flags()
	f.Int64("course-id", 0, "Export only this course (0 = all courses)")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	return cmd
}

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Expire stale attempts once and exit",
		RunE:  runSweep,
	}
	addCommonFlags(cmd)
	cmd.Flags().Duration("attempt-ttl", exam.DefaultTTL, "Idle time after which an active attempt expires")
	return cmd
}

func setupLogging(v *viper.Viper) {
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

	v.SetEnvPrefix("CERTEXAM")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("certexam")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/certexam")
	v.AddConfigPath("/etc/certexam")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

// openStore sets up logging from the command's settings and opens the database.
func openStore(cmd *cobra.Command) (*viper.Viper, *store.Store, error) {
	v := viperForCmd(cmd)
	setupLogging(v)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	return v, db, nil
}

func seedPaths(v *viper.Viper) seedFiles {
	return seedFiles{
		Courses:   v.GetStringSlice("courses"),
		Questions: v.GetStringSlice("questions"),
		Players:   v.GetStringSlice("players"),
	}
}

func newExamService(db *store.Store, issuer certify.Issuer, ttl time.Duration) (*selection.Engine, *entitlement.Resolver, *exam.Service) {
	engine := selection.New(db)
	ent := entitlement.NewResolver(db)
	exams := exam.NewService(db, engine, ent, issuer, exam.Config{TTL: ttl})
	return engine, ent, exams
}

func runServe(cmd *cobra.Command, _ []string) error {
	v, db, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := seedAll(ctx, db, seedPaths(v)); err != nil {
		return fmt.Errorf("seed: %w", err)
	}

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	issuer, err := certify.New(v.GetString("amqp-url"), v.GetString("amqp-exchange"))
	if err != nil {
		return fmt.Errorf("create certificate issuer: %w", err)
	}
	defer issuer.Close()

	adminHash := v.GetString("admin-token-hash")
	if adminHash == "" {
		slog.Warn("admin token hash is not set, admin routes are disabled")
	}

	engine, ent, exams := newExamService(db, issuer, v.GetDuration("attempt-ttl"))

	if schedule := v.GetString("sweep-schedule"); schedule != "" {
		c := cron.New()
		_, err := c.AddFunc(schedule, func() { sweep(ctx, db, exams) })
		if err != nil {
			return fmt.Errorf("schedule sweep %q: %w", schedule, err)
		}
		c.Start()
		defer c.Stop()
		slog.Info("stale attempt sweep scheduled", "schedule", schedule)
	}

	h := handler.New(db, engine, ent, exams, handler.Config{AdminTokenHash: adminHash})

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	h.Routes(r)

	addr := v.GetString("addr")
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server",
			"addr", addr,
			"lang", lang,
			"attempt_ttl", v.GetDuration("attempt-ttl"),
			"amqp", v.GetString("amqp-url") != "",
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// sweep expires stale attempts and records when it last ran.
func sweep(ctx context.Context, db *store.Store, exams *exam.Service) {
	n, err := exams.ExpireStale(ctx)
	if err != nil {
		slog.Error("stale attempt sweep failed", "error", err)
		return
	}
	if err := db.SetMetadata(ctx, "last_sweep_at", time.Now().UTC().Format(time.RFC3339)); err != nil {
		slog.Warn("failed to record sweep time", "error", err)
	}
	slog.Info("stale attempt sweep finished", "expired", n)
}

func runImport(cmd *cobra.Command, _ []string) error {
	v, db, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	files := seedPaths(v)
	if files.empty() {
		return errors.New("nothing to import: pass --courses, --questions or --players")
	}
	return seedAll(cmd.Context(), db, files)
}

func runSweep(cmd *cobra.Command, _ []string) error {
	v, db, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	_, _, exams := newExamService(db, certify.LogIssuer{}, v.GetDuration("attempt-ttl"))
	sweep(cmd.Context(), db, exams)
	return nil
}

func runExport(cmd *cobra.Command, _ []string) error {
	v, db, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	courseID := v.GetInt64("course-id")
	results, err := db.ExportAttempts(cmd.Context(), courseID)
	if err != nil {
		return fmt.Errorf("export attempts: %w", err)
	}

	export := model.AttemptExport{
		ExportedAt: time.Now().UTC(),
		CourseID:   courseID,
		Results:    results,
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
	// Ensure trailing newline.
	_, _ = fmt.Fprintln(w)

	slog.Info("exported attempts", "count", len(results), "course_id", courseID)
	return nil
}
