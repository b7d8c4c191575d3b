package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mattn/go-isatty"
	"github.com/ollama/ollama/api"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pavelanni/grader/internal/catalog"
	"github.com/pavelanni/grader/internal/grader"
	"github.com/pavelanni/grader/internal/handler"
	appI18n "github.com/pavelanni/grader/internal/i18n"
	"github.com/pavelanni/grader/internal/llm"
	"github.com/pavelanni/grader/internal/llm/prompts"
	"github.com/pavelanni/grader/internal/model"
	"github.com/pavelanni/grader/internal/modelhub"
	"github.com/pavelanni/grader/internal/progress"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "grader",
		Short: "Grade student answers with an LLM, preparing the model on demand",
	}

	serve := serveCmd()
	root.AddCommand(serve, gradeCmd(), prepareCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `grader --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the grading HTTP server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8000", "HTTP listen address")
	f.StringSliceP("catalog", "c", []string{"catalog.json"}, "Paths to catalog JSON files (repeatable)")
	f.String("llm-url", "http://localhost:11434/v1", "OpenAI-compatible API base URL")
	f.String("llm-key", "ollama", "API key for LLM")
	f.String("llm-model", "gemma3:4b", "LLM model name")
	f.String("ollama-url", "http://localhost:11434", "Ollama server URL used to check and pull models")
	f.String("prompt-variant", string(prompts.PromptStandard), "Grading prompt variant (strict, standard, lenient)")
	f.Duration("stream-timeout", 30*time.Minute, "Maximum duration of one model preparation stream (0 = none)")
	addCommonFlags(cmd)
	return cmd
}

func gradeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grade ANSWER_ID...",
		Short: "Prepare the model and grade student answers through a grading server",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runGrade,
	}
	addClientFlags(cmd)
	return cmd
}

func prepareCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prepare ANSWER_ID",
		Short: "Prepare the grading model for an answer and show the download progress",
		Args:  cobra.ExactArgs(1),
		RunE:  runPrepare,
	}
	addClientFlags(cmd)
	return cmd
}

func addClientFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringP("server", "s", "http://localhost:8000", "Grading server base URL")
	f.Duration("idle-timeout", progress.DefaultIdleTimeout, "Abort when the progress stream is silent this long (0 = never)")
	f.Bool("strict", false, "Treat a progress stream that ends without a final status as a failure")
	f.Int("retry-attempts", grader.DefaultRetryConfig().MaxAttempts, "Attempts for the grade request")
	addCommonFlags(cmd)
}

func addCommonFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringP("lang", "l", "en", "Message language (en, ru)")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
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

	v.SetEnvPrefix("GRADER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("grader")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/grader")
	v.AddConfigPath("/etc/grader")
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

func runServe(cmd *cobra.Command, _ []string) error {
	v := viperForCmd(cmd)
	setupLogging(v)

	cat, err := catalog.Load(v.GetStringSlice("catalog"))
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	ollamaURL, err := url.Parse(v.GetString("ollama-url"))
	if err != nil {
		return fmt.Errorf("parse ollama-url: %w", err)
	}
	hub := modelhub.New(api.NewClient(ollamaURL, http.DefaultClient), slog.Default())

	promptVariant := strings.ToLower(strings.TrimSpace(v.GetString("prompt-variant")))
	if !prompts.IsValidVariant(promptVariant) {
		slog.Warn("invalid prompt-variant, using standard", "variant", promptVariant)
		promptVariant = string(prompts.PromptStandard)
	}
	set, err := prompts.Default()
	if err != nil {
		return fmt.Errorf("load prompts: %w", err)
	}
	modelName := v.GetString("llm-model")
	llmClient := llm.New(
		v.GetString("llm-url"),
		v.GetString("llm-key"),
		modelName,
		set,
		prompts.PromptVariant(promptVariant),
	)
	if err := llmClient.Ping(cmd.Context()); err != nil {
		return fmt.Errorf("LLM health check: %w", err)
	}
	slog.Info("LLM endpoint OK", "url", v.GetString("llm-url"), "model", llmClient.Model())

	cfg := model.ServerConfig{
		Addr:          v.GetString("addr"),
		Model:         modelName,
		PromptVariant: promptVariant,
		StreamTimeout: v.GetDuration("stream-timeout"),
	}
	h := handler.New(cat, hub, llmClient, cfg)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appI18n.Middleware(lang))
	h.Routes(r)

	slog.Info("starting server",
		"addr", cfg.Addr,
		"model", cfg.Model,
		"llm_url", v.GetString("llm-url"),
		"ollama_url", ollamaURL.String(),
		"prompt_variant", cfg.PromptVariant,
		"lang", lang,
		"questions", cat.QuestionCount(),
	)
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}

// cliSession is what the grade and prepare commands share.
type cliSession struct {
	ctx    context.Context
	client *grader.Client
}

func newCLISession(cmd *cobra.Command) (*cliSession, context.CancelFunc, error) {
	v := viperForCmd(cmd)
	setupLogging(v)

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return nil, nil, fmt.Errorf("init i18n: %w", err)
	}

	ctx := appI18n.WithLocalizer(cmd.Context(), appI18n.NewLocalizer(lang))

	policy := progress.Lenient
	if v.GetBool("strict") {
		policy = progress.Strict
	}
	retry := grader.DefaultRetryConfig()
	retry.MaxAttempts = v.GetInt("retry-attempts")

	tty := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
	r := newRenderer(ctx, os.Stderr, tty)
	client := grader.NewClient(v.GetString("server"), grader.Config{
		Policy:      policy,
		IdleTimeout: v.GetDuration("idle-timeout"),
		Retry:       retry,
		OnState:     r.OnState,
		Logger:      slog.Default(),
	})

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	ctx, cancel := abortOn(ctx, sigs, client.Abort)
	stop := func() {
		signal.Stop(sigs)
		cancel()
	}
	return &cliSession{ctx: ctx, client: client}, stop, nil
}

// abortOn returns a context that is cancelled on the first signal from sigs,
// after abort has stopped the preparation in flight.
func abortOn(parent context.Context, sigs <-chan os.Signal, abort func()) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case sig := <-sigs:
			slog.Warn("interrupted, aborting", "signal", sig)
			abort()
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func runPrepare(cmd *cobra.Command, args []string) error {
	id, err := parseAnswerID(args[0])
	if err != nil {
		return err
	}
	s, stop, err := newCLISession(cmd)
	if err != nil {
		return err
	}
	defer stop()

	fmt.Fprintln(os.Stderr, appI18n.Td(s.ctx, "PreparingModel", map[string]any{"AnswerID": id}))
	res := s.client.Prepare(s.ctx, id)
	if !res.Success {
		return &grader.PrepareError{AnswerID: id, Message: res.Message}
	}
	return nil
}

func runGrade(cmd *cobra.Command, args []string) error {
	ids := make([]int64, 0, len(args))
	for _, a := range args {
		id, err := parseAnswerID(a)
		if err != nil {
			return err
		}
		ids = append(ids, id)
	}
	s, stop, err := newCLISession(cmd)
	if err != nil {
		return err
	}
	defer stop()

	var graded, failed int
	err = s.client.GradeAll(s.ctx, ids, func(p grader.BulkProgress) {
		if len(ids) > 1 {
			fmt.Fprintln(os.Stderr, appI18n.Td(s.ctx, "BulkStep", map[string]any{
				"Done":     p.Done,
				"Total":    p.Total,
				"AnswerID": p.AnswerID,
			}))
		}
		if p.Err != nil {
			failed++
			fmt.Fprintln(os.Stderr, appI18n.Td(s.ctx, "AnswerFailed", map[string]any{
				"AnswerID": p.AnswerID,
				"Error":    p.Err,
			}))
			return
		}
		graded++
		fmt.Println(appI18n.Td(s.ctx, "AnswerGraded", map[string]any{
			"AnswerID":   p.AnswerID,
			"Grade":      strconv.FormatFloat(p.Response.Grade, 'f', 2, 64),
			"Confidence": p.Response.Confidence,
		}))
		if p.Response.Feedback != "" {
			fmt.Println(appI18n.Td(s.ctx, "Feedback", map[string]any{"Feedback": p.Response.Feedback}))
		}
	})

	fmt.Fprintln(os.Stderr, appI18n.Tp(s.ctx, "AnswersGraded", graded))
	if failed > 0 {
		fmt.Fprintln(os.Stderr, appI18n.Tp(s.ctx, "AnswersFailed", failed))
	}
	if err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d answers failed", failed, len(ids))
	}
	return nil
}

func parseAnswerID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid answer ID %q", s)
	}
	return id, nil
}
