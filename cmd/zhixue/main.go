package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zhixue/practice/internal/bank"
	"github.com/zhixue/practice/internal/cache"
	"github.com/zhixue/practice/internal/drafter"
	"github.com/zhixue/practice/internal/flow"
	"github.com/zhixue/practice/internal/grading"
	"github.com/zhixue/practice/internal/handler"
	appI18n "github.com/zhixue/practice/internal/i18n"
	"github.com/zhixue/practice/internal/llm"
	"github.com/zhixue/practice/internal/mistakes"
	"github.com/zhixue/practice/internal/model"
	"github.com/zhixue/practice/internal/quota"
	"github.com/zhixue/practice/internal/reference"
	"github.com/zhixue/practice/internal/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "zhixue",
		Short: "Regional history exam practice with AI grading",
	}

	serve := serveCmd()
	root.AddCommand(serve, exportCmd(), previewCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `zhixue --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP practice server",
		RunE:  runServe,
	}
	defaults := model.DefaultExamConfig()
	llmDefaults := llm.DefaultConfig()

	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("db", "zhixue.db", "SQLite database path")
	f.StringSliceP("questions", "q", []string{"questions/history.json"}, "Paths to question bank JSON files (repeatable)")
	f.String("knowledge", "", "Path to knowledge-point reference JSON (optional)")
	f.StringP("lang", "l", appI18n.DefaultLang, "UI language (zh, en)")
	f.String("grader", llmDefaults.Provider, "Grading provider (openai, gemini, mock)")
	f.String("llm-url", "", "OpenAI-compatible API base URL (empty for api.openai.com)")
	f.String("llm-key", "", "API key for the OpenAI-compatible grader")
	f.String("llm-model", llmDefaults.OpenAI.Model, "Model for the OpenAI-compatible grader")
	f.String("gemini-key", "", "API key for the Gemini grader")
	f.String("gemini-model", llmDefaults.Gemini.Model, "Gemini model name or alias")
	f.String("gemini-url", "", "Gemini API base URL (empty for the public endpoint)")
	f.Duration("grader-timeout", llmDefaults.Timeout, "Timeout for a single grading request")
	addShapeFlags(f)
	f.Int("daily-limit", defaults.DailyLimit, "Graded sessions per student per day (0 = unlimited)")
	f.Float64("mastery-threshold", defaults.MasteryThreshold, "Fraction of the maximum below which an open answer is a mistake")
	f.String("timezone", "Asia/Shanghai", "Time zone that defines the daily limit window")
	f.String("redis-url", "", "Redis URL for the shared client cache (empty = in-memory)")
	f.String("admin-password", "", "Admin password for /admin routes (or set ZHIXUE_ADMIN_PASSWORD)")
	f.Bool("secure-cookies", true, "Set Secure flag on session cookies")
	addLogFlags(f)
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export practice attempts as JSON",
		RunE:  runExport,
	}
	f := cmd.Flags()
	f.String("db", "zhixue.db", "SQLite database path")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	addLogFlags(f)
	return cmd
}

func previewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "draft-preview",
		Short: "Draft one session from the question bank and print it",
		RunE:  runPreview,
	}
	f := cmd.Flags()
	f.StringSliceP("questions", "q", []string{"questions/history.json"}, "Paths to question bank JSON files (repeatable)")
	f.StringP("region", "r", string(model.RegionGeneral), "Region to draft for")
	f.Uint64("seed", 0, "Shuffle seed (0 = random)")
	addShapeFlags(f)
	addLogFlags(f)
	return cmd
}

type flagSet interface {
	Int(name string, value int, usage string) *int
	String(name string, value string, usage string) *string
}

func addShapeFlags(f flagSet) {
	defaults := model.DefaultExamConfig()
	f.Int("objective-count", defaults.ObjectiveCount, "Objective questions per session")
	f.Int("open-count", defaults.OpenCount, "Open-response questions per session")
}

func addLogFlags(f flagSet) {
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
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

	v.SetEnvPrefix("ZHIXUE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("zhixue")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/zhixue")
	v.AddConfigPath("/etc/zhixue")
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

func examConfig(v *viper.Viper) (model.ExamConfig, error) {
	cfg := model.DefaultExamConfig()
	cfg.ObjectiveCount = v.GetInt("objective-count")
	cfg.OpenCount = v.GetInt("open-count")
	cfg.DailyLimit = v.GetInt("daily-limit")
	cfg.MasteryThreshold = v.GetFloat64("mastery-threshold")
	if tz := v.GetString("timezone"); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return cfg, fmt.Errorf("load timezone %q: %w", tz, err)
		}
		cfg.Location = loc
	}
	cfg.SecureCookies = v.GetBool("secure-cookies")

	if cfg.ObjectiveCount < 0 || cfg.OpenCount < 0 || cfg.ObjectiveCount+cfg.OpenCount == 0 {
		return cfg, fmt.Errorf("invalid session shape %d+%d", cfg.ObjectiveCount, cfg.OpenCount)
	}
	if cfg.MasteryThreshold < 0 || cfg.MasteryThreshold > 1 {
		return cfg, fmt.Errorf("mastery-threshold must be within [0, 1], got %v", cfg.MasteryThreshold)
	}
	return cfg, nil
}

func llmConfig(v *viper.Viper) llm.Config {
	cfg := llm.DefaultConfig()
	cfg.Provider = strings.ToLower(strings.TrimSpace(v.GetString("grader")))
	cfg.OpenAI = llm.OpenAIConfig{
		APIKey:  v.GetString("llm-key"),
		Model:   v.GetString("llm-model"),
		BaseURL: v.GetString("llm-url"),
	}
	cfg.Gemini = llm.GeminiConfig{
		APIKey:  v.GetString("gemini-key"),
		Model:   v.GetString("gemini-model"),
		BaseURL: v.GetString("gemini-url"),
	}
	cfg.Timeout = v.GetDuration("grader-timeout")
	return cfg
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := context.Background()

	examCfg, err := examConfig(v)
	if err != nil {
		return err
	}

	// Open database.
	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := db.CleanupExpiredSessions(ctx); err != nil {
		slog.Warn("cleanup expired sessions failed", "error", err)
	}

	// Load the question bank and check it against the session shape.
	paths := v.GetStringSlice("questions")
	checkBankHashes(ctx, db, paths)
	qb, err := bank.Load(paths...)
	if err != nil {
		return fmt.Errorf("load questions: %w", err)
	}
	shape := drafter.ShapeFromConfig(examCfg)
	if err := drafter.Validate(qb, shape); err != nil {
		slog.Warn("some regions cannot be drafted", "error", err)
	}

	knowledge, err := reference.Load(v.GetString("knowledge"))
	if err != nil {
		return fmt.Errorf("load knowledge points: %w", err)
	}

	// Initialize i18n.
	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	var kv cache.Cache = cache.NewMemory()
	if url := v.GetString("redis-url"); url != "" {
		rc, err := cache.NewRedis(ctx, url)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer rc.Close()
		kv = rc
	}

	// Create the grading client.
	llmCfg := llmConfig(v)
	provider, err := llm.NewProvider(ctx, llmCfg)
	if err != nil {
		return fmt.Errorf("create grader: %w", err)
	}
	grader := llm.New(provider, llmCfg.Timeout)

	flows := flow.NewRegistry(flow.Deps{
		Drafter:   drafter.New(qb, drafter.NewCacheLedger(kv), shape, nil),
		Grader:    grading.New(grader),
		Attempts:  db,
		Mistakes:  mistakes.New(db, qb, kv, examCfg.MasteryThreshold),
		Quota:     quota.New(db, kv, examCfg.DailyLimit, examCfg.Location),
		Reference: knowledge,
	})

	h, err := handler.New(db, flows, examCfg, v.GetString("admin-password"))
	if err != nil {
		return fmt.Errorf("create handler: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appI18n.Middleware(lang))
	h.Routes(r)

	addr := v.GetString("addr")
	slog.Info("starting server",
		"addr", addr,
		"grader", llmCfg.Provider,
		"model", grader.ModelID(),
		"lang", lang,
		"questions", qb.Len(),
		"regions", qb.Regions(),
		"knowledge_points", knowledge.Len(),
		"objective_count", shape.Objective,
		"open_count", shape.Open,
		"daily_limit", examCfg.DailyLimit,
		"timezone", examCfg.Location.String(),
	)
	return http.ListenAndServe(addr, r)
}

// checkBankHashes records each bank file's hash and warns when a file changed
// since the previous start, since stored mistakes may point at removed ids.
func checkBankHashes(ctx context.Context, db *store.Store, paths []string) {
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			// bank.Load reports the read error.
			continue
		}
		hash := sha256sum(data)
		stored, err := db.GetBankHash(ctx, path)
		if err != nil {
			slog.Warn("check bank hash failed", "path", path, "error", err)
			continue
		}
		if stored == hash {
			continue
		}
		if stored != "" {
			slog.Warn("question bank changed since last start", "path", path)
		}
		if err := db.SetBankHash(ctx, path, hash); err != nil {
			slog.Warn("record bank hash failed", "path", path, "error", err)
		}
	}
}

func sha256sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	results, err := db.ExportAttempts(context.Background())
	if err != nil {
		return fmt.Errorf("export attempts: %w", err)
	}

	export := model.AttemptExport{
		ExportedAt: time.Now().UTC(),
		Results:    results,
	}
	return writeJSONOutput(v.GetString("output"), export)
}

func runPreview(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	qb, err := bank.Load(v.GetStringSlice("questions")...)
	if err != nil {
		return fmt.Errorf("load questions: %w", err)
	}
	region := model.Region(v.GetString("region"))
	p, ok := qb.Partition(region)
	if !ok {
		return &drafter.ConfigurationError{Region: region, Err: drafter.ErrUnknownRegion}
	}

	var sh drafter.Shuffler
	if seed := v.GetUint64("seed"); seed != 0 {
		sh = rand.New(rand.NewPCG(seed, seed))
	}
	shape := drafter.Shape{Objective: v.GetInt("objective-count"), Open: v.GetInt("open-count")}
	draw, err := drafter.Draft(p, nil, shape, sh)
	if err != nil {
		return err
	}
	return writeJSONOutput("-", draw.Questions)
}

func writeJSONOutput(outPath string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

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
	return nil
}
