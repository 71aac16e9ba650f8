package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/docker/go-units"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/grader/internal/handler"
	appI18n "github.com/pavelanni/grader/internal/i18n"
	"github.com/pavelanni/grader/internal/lifecycle"
	"github.com/pavelanni/grader/internal/llm"
	"github.com/pavelanni/grader/internal/llm/prompts"
	"github.com/pavelanni/grader/internal/model"
	"github.com/pavelanni/grader/internal/problem"
	"github.com/pavelanni/grader/internal/sandbox"
	"github.com/pavelanni/grader/internal/store"
)

func main() {
	// Must run before anything else: the sandbox re-executes this binary to
	// apply resource limits to the child.
	sandbox.ReexecHelper()

	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "grader",
		Short: "Interactive problem grader",
	}

	serve := serveCmd()
	root.AddCommand(serve, evalCmd(), latexCmd(), gradeCmd(), exportCmd(), importCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `grader --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func addLogFlags(cmd *cobra.Command) {
	cmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
	cmd.Flags().String("log-format", "text", "Log format (text, json)")
}

func addSandboxFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("python", "", "Python interpreter registered as the \"python\" sandbox command")
	f.String("sandbox-user", "", "Unprivileged user the python command runs as")
	f.Duration("sandbox-cpu-time", time.Second, "CPU time limit per sandbox run (negative = unlimited)")
	f.Duration("sandbox-wall-time", time.Second, "Wall clock limit per sandbox run (negative = unlimited)")
	f.String("sandbox-memory", "32MiB", "Memory limit per sandbox run (e.g. 64MiB, -1 = unlimited)")
	f.String("sandbox-file-size", "0", "Largest file a sandbox run may write (e.g. 1MiB, -1 = unlimited)")
	f.Int64("sandbox-processes", 0, "Extra processes a sandbox run may start (-1 = unlimited)")
	f.String("sandbox-tmp", "", "Parent directory for sandbox working directories")
	f.Bool("sandbox-docker", false, "Enable the docker backend for commands that name an image")
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP grading server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("db", "grader.db", "SQLite database path")
	f.String("redis-addr", "", "Keep problem states in Redis at this address instead of SQLite")
	f.String("problems-dir", "problems", "Directory resolving script src and grader file references")
	f.StringP("lang", "l", "en", "Message language (en, ru)")
	f.Bool("secure-cookies", true, "Set Secure flag on session cookies")
	f.StringSlice("cors-origins", nil, "Allowed CORS origins (repeatable)")
	f.Bool("require-complete", true, "Grade missing required answers as incorrect")
	f.Bool("charge-invalid", true, "Unparseable answers still use up an attempt")
	f.String("admin-password", "", "Initial admin password (or set GRADER_ADMIN_PASSWORD)")
	f.String("session-cleanup", "@hourly", "Cron schedule for removing expired login sessions")
	f.String("llm-url", "", "OpenAI-compatible API base URL for open-ended responses (empty = disabled)")
	f.String("llm-key", "ollama", "API key for LLM")
	f.String("llm-model", "llama3.2", "LLM model name")
	f.String("prompt-variant", string(prompts.PromptStandard), "Grading prompt variant (strict, standard, lenient)")
	f.Float64("llm-threshold", llm.DefaultThreshold, "Fraction of points an open-ended answer needs to count as correct")
	addSandboxFlags(cmd)
	addLogFlags(cmd)
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

	v.SetEnvPrefix("GRADER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("grader")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/grader")
	v.AddConfigPath("/etc/grader")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Debug("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

// parseSize accepts human sizes ("64MiB", "1g") and negative numbers for
// unlimited.
func parseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "-") {
		return -1, nil
	}
	return units.RAMInBytes(s)
}

func sandboxLimits(v *viper.Viper) (sandbox.Limits, error) {
	limits := sandbox.Limits{
		CPUTime:   v.GetDuration("sandbox-cpu-time"),
		WallTime:  v.GetDuration("sandbox-wall-time"),
		Processes: v.GetInt64("sandbox-processes"),
	}
	var err error
	if limits.Memory, err = parseSize(v.GetString("sandbox-memory")); err != nil {
		return limits, fmt.Errorf("sandbox-memory: %w", err)
	}
	if limits.FileSize, err = parseSize(v.GetString("sandbox-file-size")); err != nil {
		return limits, fmt.Errorf("sandbox-file-size: %w", err)
	}
	return limits, nil
}

// setupSandbox initializes the process-wide sandbox from flags and the
// sandbox.commands config list.
func setupSandbox(v *viper.Viper) error {
	limits, err := sandboxLimits(v)
	if err != nil {
		return err
	}

	var opts []sandbox.Option
	if dir := v.GetString("sandbox-tmp"); dir != "" {
		opts = append(opts, sandbox.WithTempDir(dir))
	}
	if v.GetBool("sandbox-docker") {
		cli, err := sandbox.NewDockerClient()
		if err != nil {
			return fmt.Errorf("docker: %w", err)
		}
		opts = append(opts, sandbox.WithDockerClient(cli))
	}
	sandbox.Init(limits, opts...)

	var commands []sandbox.Command
	if err := v.UnmarshalKey("sandbox.commands", &commands); err != nil {
		return fmt.Errorf("sandbox.commands: %w", err)
	}
	if py := v.GetString("python"); py != "" {
		commands = append(commands, sandbox.Command{
			Name:        "python",
			Interpreter: py,
			User:        v.GetString("sandbox-user"),
		})
	}
	for _, c := range commands {
		if err := sandbox.Configure(c); err != nil {
			return fmt.Errorf("configure sandbox command %q: %w", c.Name, err)
		}
		slog.Info("sandbox command configured", "name", c.Name, "interpreter", c.Interpreter, "image", c.Image, "user", c.User)
	}
	return nil
}

// openendedGrader returns the LLM plug-in for open-ended responses, or nil when
// no endpoint is configured.
func openendedGrader(ctx context.Context, v *viper.Viper) (*llm.Client, error) {
	url := v.GetString("llm-url")
	if url == "" {
		return nil, nil
	}
	variant := strings.ToLower(strings.TrimSpace(v.GetString("prompt-variant")))
	if !prompts.IsValidVariant(variant) {
		slog.Warn("invalid prompt-variant, using standard", "variant", variant)
		variant = string(prompts.PromptStandard)
	}
	client, err := llm.New(url, v.GetString("llm-key"), v.GetString("llm-model"), variant,
		llm.WithThreshold(v.GetFloat64("llm-threshold")))
	if err != nil {
		return nil, fmt.Errorf("create LLM client: %w", err)
	}
	if err := client.Ping(ctx); err != nil {
		return nil, fmt.Errorf("LLM health check: %w", err)
	}
	slog.Info("LLM endpoint OK", "url", url, "model", v.GetString("llm-model"), "variant", variant)
	return client, nil
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

	if err := seedAdmin(ctx, db, v.GetString("admin-password")); err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}

	var states store.StateStore
	if addr := v.GetString("redis-addr"); addr != "" {
		rs, err := store.NewRedisStates(ctx, addr)
		if err != nil {
			return err
		}
		defer rs.Close()
		states = rs
		slog.Info("problem states kept in redis", "addr", addr)
	}

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	if err := setupSandbox(v); err != nil {
		return fmt.Errorf("sandbox: %w", err)
	}
	defer sandbox.Reset()

	var opts []lifecycle.Option
	llmClient, err := openendedGrader(ctx, v)
	if err != nil {
		return err
	}
	if llmClient != nil {
		opts = append(opts, lifecycle.WithPlugin(problem.KindOpenEnded, llmClient))
	}

	cfg := model.ServerConfig{
		SecureCookies:   v.GetBool("secure-cookies"),
		RequireComplete: v.GetBool("require-complete"),
		ChargeInvalid:   v.GetBool("charge-invalid"),
		ProblemsDir:     v.GetString("problems-dir"),
		AllowedOrigins:  v.GetStringSlice("cors-origins"),
	}
	h := handler.New(db, states, cfg, opts...)

	c := cron.New()
	if _, err := c.AddFunc(v.GetString("session-cleanup"), func() {
		n, err := db.CleanupExpiredSessions(context.Background())
		if err != nil {
			slog.Error("session cleanup failed", "error", err)
			return
		}
		slog.Debug("expired sessions removed", "count", n)
	}); err != nil {
		return fmt.Errorf("session-cleanup schedule: %w", err)
	}
	c.Start()
	defer c.Stop()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appI18n.Middleware(lang))
	h.Routes(r)

	addr := v.GetString("addr")
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("starting server",
		"addr", addr,
		"lang", lang,
		"problems_dir", cfg.ProblemsDir,
		"require_complete", cfg.RequireComplete,
		"charge_invalid", cfg.ChargeInvalid,
		"llm", llmClient != nil,
	)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func seedAdmin(ctx context.Context, db *store.Store, password string) error {
	count, err := db.UserCount(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	if password == "" {
		return fmt.Errorf("admin password is required: set --admin-password flag or GRADER_ADMIN_PASSWORD env var")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}

	_, err = db.CreateUser(ctx, model.User{
		Username:     "admin",
		DisplayName:  "Administrator",
		PasswordHash: string(hash),
		Role:         model.UserRoleAdmin,
		Active:       true,
	})
	if err != nil {
		return fmt.Errorf("create admin user: %w", err)
	}

	slog.Info("seeded default admin user", "username", "admin")
	return nil
}
