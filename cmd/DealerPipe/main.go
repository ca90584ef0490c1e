package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/DealerPipe/internal/api"
	"github.com/BTreeMap/DealerPipe/internal/catalog"
	"github.com/BTreeMap/DealerPipe/internal/flow"
	"github.com/BTreeMap/DealerPipe/internal/genai"
	"github.com/BTreeMap/DealerPipe/internal/lockfile"
	"github.com/BTreeMap/DealerPipe/internal/metrics"
	"github.com/BTreeMap/DealerPipe/internal/queue"
	"github.com/BTreeMap/DealerPipe/internal/sentry"
	"github.com/BTreeMap/DealerPipe/internal/session"
	"github.com/BTreeMap/DealerPipe/internal/store"
	"github.com/BTreeMap/DealerPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/DealerPipe/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for DealerPipe state data
	DefaultStateDir = "/var/lib/dealerpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "dealerpipe.db"
	// DefaultCatalogPath is the catalog CSV read at startup
	DefaultCatalogPath = "data/catalog.csv"

	dedupRetention     = 24 * time.Hour
	dedupPurgeInterval = time.Hour
	sentryFlushTimeout = 2 * time.Second
)

var logLevel = new(slog.LevelVar)

func main() {
	// Initialize structured logger
	initializeLogger()

	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags := parseCommandLineFlags(config)
	logLevel.Set(parseLogLevel(*flags.logLevel))

	if err := run(config, flags); err != nil {
		slog.Error("DealerPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("DealerPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir         string
	DatabaseURL      string
	CatalogPath      string
	ContextPath      string
	OpenAIKey        string
	OpenAIModel      string
	OpenAIBaseURL    string
	GenAIDebug       bool
	LLMTimeout       time.Duration
	HistoryLimit     int
	APIAddr          string
	TwilioAuthToken  string
	TwilioWebhookURL string
	SQSQueueURL      string
	AWSRegion        string
	AWSEndpoint      string
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	SessionTimeout   time.Duration
	SweepInterval    time.Duration
	SentryDSN        string
	AppEnv           string
	LogLevel         string
}

// Flags holds command line flag values
type Flags struct {
	stateDir       *string
	dbDSN          *string
	catalogPath    *string
	contextPath    *string
	openaiKey      *string
	openaiModel    *string
	genaiDebug     *bool
	apiAddr        *string
	redisAddr      *string
	sqsQueueURL    *string
	sessionTimeout *time.Duration
	sweepInterval  *time.Duration
	logLevel       *string
}

// initializeLogger sets up structured logging; the level is adjusted once
// configuration is loaded.
func initializeLogger() {
	logLevel.Set(slog.LevelDebug)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)
}

func parseLogLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		if s != "" {
			slog.Warn("invalid LOG_LEVEL, using debug", "value", s)
		}
		return slog.LevelDebug
	}
	return level
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:         util.GetenvDefault("DEALERPIPE_STATE_DIR", DefaultStateDir),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		CatalogPath:      util.GetenvDefault("CATALOG_PATH", DefaultCatalogPath),
		ContextPath:      os.Getenv("CONTEXT_PATH"),
		OpenAIKey:        os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:      util.GetenvDefault("OPENAI_MODEL", genai.DefaultModel),
		OpenAIBaseURL:    os.Getenv("OPENAI_BASE_URL"),
		GenAIDebug:       util.ParseBoolEnv("GENAI_DEBUG", false),
		LLMTimeout:       util.ParseDurationEnv("LLM_TIMEOUT", flow.DefaultLLMTimeout),
		HistoryLimit:     util.ParseIntEnv("HISTORY_LIMIT", flow.DefaultHistoryLimit),
		APIAddr:          util.GetenvDefault("API_ADDR", api.DefaultAddr),
		TwilioAuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioWebhookURL: os.Getenv("TWILIO_WEBHOOK_URL"),
		SQSQueueURL:      os.Getenv("SQS_QUEUE_URL"),
		AWSRegion:        util.GetenvDefault("AWS_REGION", queue.DefaultRegion),
		AWSEndpoint:      os.Getenv("AWS_ENDPOINT_URL"),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		RedisPassword:    os.Getenv("REDIS_PASSWORD"),
		RedisDB:          util.ParseIntEnv("REDIS_DB", 0),
		SessionTimeout:   util.ParseDurationEnv("SESSION_TIMEOUT", session.DefaultTimeout),
		SweepInterval:    util.ParseDurationEnv("SESSION_SWEEP_INTERVAL", session.DefaultSweepInterval),
		SentryDSN:        os.Getenv("SENTRY_DSN"),
		AppEnv:           util.GetenvDefault("APP_ENV", "development"),
		LogLevel:         util.GetenvDefault("LOG_LEVEL", "debug"),
	}

	// If no database URL is provided, default to SQLite in the state directory
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No DATABASE_URL provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"DEALERPIPE_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"CATALOG_PATH", config.CatalogPath,
		"CONTEXT_PATH", config.ContextPath,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"OPENAI_MODEL", config.OpenAIModel,
		"API_ADDR", config.APIAddr,
		"TWILIO_AUTH_TOKEN_SET", config.TwilioAuthToken != "",
		"SQS_QUEUE_URL_SET", config.SQSQueueURL != "",
		"REDIS_ADDR_SET", config.RedisAddr != "",
		"SESSION_TIMEOUT", config.SessionTimeout,
		"SENTRY_DSN_SET", config.SentryDSN != "")

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:       flag.String("state-dir", config.StateDir, "state directory for DealerPipe data (overrides $DEALERPIPE_STATE_DIR)"),
		dbDSN:          flag.String("db-dsn", config.DatabaseURL, "database DSN for history and dedup (overrides $DATABASE_URL)"),
		catalogPath:    flag.String("catalog", config.CatalogPath, "catalog CSV file (overrides $CATALOG_PATH)"),
		contextPath:    flag.String("context", config.ContextPath, "LLM system context document (overrides $CONTEXT_PATH)"),
		openaiKey:      flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		openaiModel:    flag.String("openai-model", config.OpenAIModel, "OpenAI chat model (overrides $OPENAI_MODEL)"),
		genaiDebug:     flag.Bool("genai-debug", config.GenAIDebug, "write LLM requests and responses to the state directory (overrides $GENAI_DEBUG)"),
		apiAddr:        flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		redisAddr:      flag.String("redis-addr", config.RedisAddr, "Redis address for sessions (overrides $REDIS_ADDR)"),
		sqsQueueURL:    flag.String("sqs-queue-url", config.SQSQueueURL, "SQS queue for plate lookups (overrides $SQS_QUEUE_URL)"),
		sessionTimeout: flag.Duration("session-timeout", config.SessionTimeout, "session inactivity timeout (overrides $SESSION_TIMEOUT)"),
		sweepInterval:  flag.Duration("sweep-interval", config.SweepInterval, "session sweep interval (overrides $SESSION_SWEEP_INTERVAL)"),
		logLevel:       flag.String("log-level", config.LogLevel, "log level: debug, info, warn or error (overrides $LOG_LEVEL)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"catalogPath", *flags.catalogPath,
		"openaiKeySet", *flags.openaiKey != "",
		"openaiModel", *flags.openaiModel,
		"apiAddr", *flags.apiAddr,
		"redisAddrSet", *flags.redisAddr != "",
		"sqsQueueURLSet", *flags.sqsQueueURL != "",
		"sessionTimeout", *flags.sessionTimeout)

	// Update database DSN if not explicitly set but state directory is provided
	if *flags.dbDSN == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "old_state_dir", config.StateDir, "new_state_dir", *flags.stateDir)
	}

	return flags
}

// run builds every component and serves until a signal arrives.
func run(config Config, flags Flags) error {
	if err := ensureDirectoriesExist(flags); err != nil {
		return fmt.Errorf("failed to create required directories: %w", err)
	}

	lock, err := lockfile.AcquireLock(*flags.stateDir, *flags.apiAddr)
	if err != nil {
		return err
	}
	defer lock.Release()

	if err := sentry.Initialize(buildSentryConfig(config)); err != nil {
		slog.Warn("Failed to initialize Sentry, continuing without error reporting", "error", err)
	}
	defer sentry.Flush(sentryFlushTimeout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.MustNewMetrics(registry)

	cat, err := catalog.Load(*flags.catalogPath)
	if err != nil {
		return fmt.Errorf("failed to load catalog: %w", err)
	}
	searcher, err := catalog.NewSearcher(cat, catalog.WithCacheObserver(m.ObserveCache))
	if err != nil {
		return fmt.Errorf("failed to create catalog searcher: %w", err)
	}

	st, err := store.New(buildStoreOptions(flags)...)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	sessions, closeSessions, err := buildSessionStore(ctx, config, flags)
	if err != nil {
		return fmt.Errorf("failed to create session store: %w", err)
	}
	defer closeSessions()

	publisher, err := buildPublisher(ctx, config, flags)
	if err != nil {
		return fmt.Errorf("failed to create plate lookup publisher: %w", err)
	}

	assistant, err := buildAssistant(config, flags, st)
	if err != nil {
		return fmt.Errorf("failed to create assistant: %w", err)
	}

	locker := session.NewLocker()
	dispatcher := flow.NewDispatcher(sessions, searcher, buildDispatcherOptions(locker, publisher, assistant, st, m)...)
	sweeper := session.NewSweeper(sessions, buildSweeperOptions(flags, locker, dispatcher, m)...)
	server := api.NewServer(dispatcher, buildAPIOptions(config, flags, st, m, registry, cat.Len())...)

	slog.Info("Bootstrapping DealerPipe with configured modules",
		"catalog_size", cat.Len(),
		"assistant", assistant != nil,
		"redis_sessions", *flags.redisAddr != "",
		"sqs_queue", *flags.sqsQueueURL != "",
		"sentry", sentry.IsEnabled())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx) })
	g.Go(func() error { return sweeper.Run(gctx) })
	g.Go(func() error { return purgeDedupRecords(gctx, st) })
	return g.Wait()
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if err := os.MkdirAll(*flags.stateDir, 0755); err != nil {
		slog.Error("Failed to create state directory", "error", err, "state_dir", *flags.stateDir)
		return err
	}
	if *flags.dbDSN != "" && store.DetectDSNType(*flags.dbDSN) == store.DSNTypeSQLite {
		dbDir := filepath.Dir(strings.TrimPrefix(*flags.dbDSN, "file:"))
		slog.Debug("Creating directory for SQLite database", "db_dir", dbDir)
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			slog.Error("Failed to create database directory", "error", err, "db_dir", dbDir)
			return err
		}
	}
	return nil
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	if *flags.dbDSN != "" {
		if store.DetectDSNType(*flags.dbDSN) == store.DSNTypePostgres {
			slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql", "dsn_set", true)
			storeOpts = append(storeOpts, store.WithPostgresDSN(*flags.dbDSN))
		} else {
			slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", *flags.dbDSN)
			storeOpts = append(storeOpts, store.WithSQLiteDSN(*flags.dbDSN))
		}
	} else {
		slog.Debug("No database DSN provided, will use in-memory store")
	}
	return storeOpts
}

// buildSessionStore picks Redis when an address is configured. The returned
// func releases the backend.
func buildSessionStore(ctx context.Context, config Config, flags Flags) (session.Store, func(), error) {
	if *flags.redisAddr == "" {
		slog.Debug("No REDIS_ADDR provided, sessions stay in memory")
		return session.NewMemoryStore(), func() {}, nil
	}
	redisStore, err := session.NewRedisStore(ctx,
		session.WithRedisAddr(*flags.redisAddr),
		session.WithRedisPassword(config.RedisPassword),
		session.WithRedisDB(config.RedisDB),
		session.WithTTL(2*(*flags.sessionTimeout)),
	)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		if err := redisStore.Close(); err != nil {
			slog.Warn("Failed to close Redis session store", "error", err)
		}
	}
	return redisStore, closeFn, nil
}

// buildPublisher uses SQS when a queue URL is configured and a log-only
// publisher otherwise.
func buildPublisher(ctx context.Context, config Config, flags Flags) (queue.Publisher, error) {
	if *flags.sqsQueueURL == "" {
		slog.Warn("No SQS_QUEUE_URL provided, plate lookups will only be logged")
		return queue.LogPublisher{}, nil
	}
	opts := []queue.SQSOption{
		queue.WithQueueURL(*flags.sqsQueueURL),
		queue.WithRegion(config.AWSRegion),
	}
	if config.AWSEndpoint != "" {
		opts = append(opts, queue.WithEndpoint(config.AWSEndpoint))
	}
	return queue.NewSQSPublisher(ctx, opts...)
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(config Config, flags Flags) []genai.Option {
	var genaiOpts []genai.Option
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	if *flags.openaiModel != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(*flags.openaiModel))
	}
	if config.OpenAIBaseURL != "" {
		genaiOpts = append(genaiOpts, genai.WithBaseURL(config.OpenAIBaseURL))
	}
	if *flags.genaiDebug {
		genaiOpts = append(genaiOpts, genai.WithDebugMode(true), genai.WithStateDir(*flags.stateDir))
	}
	return genaiOpts
}

// buildAssistant returns nil when no API key is configured; the dispatcher
// then answers free text with the apology.
func buildAssistant(config Config, flags Flags, history store.HistoryRepo) (*flow.Assistant, error) {
	client, err := genai.NewClient(buildGenAIOptions(config, flags)...)
	if errors.Is(err, genai.ErrMissingAPIKey) {
		slog.Warn("No OPENAI_API_KEY provided, the language model fallback is disabled")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	prompt, err := flow.LoadSystemPrompt(*flags.contextPath)
	if err != nil {
		return nil, err
	}
	return flow.NewAssistant(client, history,
		flow.WithSystemPrompt(prompt),
		flow.WithHistoryLimit(config.HistoryLimit),
		flow.WithLLMTimeout(config.LLMTimeout),
	), nil
}

// buildDispatcherOptions constructs dispatcher options
func buildDispatcherOptions(locker *session.Locker, publisher queue.Publisher, assistant *flow.Assistant, history store.HistoryRepo, m *metrics.Metrics) []flow.DispatcherOption {
	opts := []flow.DispatcherOption{
		flow.WithLocker(locker),
		flow.WithPublisher(publisher),
		flow.WithHistory(history),
		flow.WithMetrics(m),
	}
	if assistant != nil {
		opts = append(opts, flow.WithAssistant(assistant))
	}
	return opts
}

// buildSweeperOptions shares the dispatcher's lock so a sweep never clears a
// session mid-message.
func buildSweeperOptions(flags Flags, locker *session.Locker, dispatcher *flow.Dispatcher, m *metrics.Metrics) []session.SweeperOption {
	return []session.SweeperOption{
		session.WithInterval(*flags.sweepInterval),
		session.WithTimeout(*flags.sessionTimeout),
		session.WithLocker(locker),
		session.WithOnExpire(dispatcher.Expire),
		session.WithOnSwept(m.AddSwept),
	}
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(config Config, flags Flags, dedup store.DedupRepo, m *metrics.Metrics, gatherer prometheus.Gatherer, catalogSize int) []api.Option {
	apiOpts := []api.Option{
		api.WithValidator(twiliowhatsapp.NewValidator(
			twiliowhatsapp.WithAuthToken(config.TwilioAuthToken),
			twiliowhatsapp.WithWebhookURL(config.TwilioWebhookURL),
		)),
		api.WithDedup(dedup),
		api.WithMetrics(m),
		api.WithGatherer(gatherer),
		api.WithCatalogSize(catalogSize),
	}
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if config.TwilioAuthToken == "" {
		slog.Warn("No TWILIO_AUTH_TOKEN provided, webhook signatures are not checked")
	}
	return apiOpts
}

func buildSentryConfig(config Config) sentry.Config {
	return sentry.Config{
		DSN:         config.SentryDSN,
		Environment: config.AppEnv,
		Release:     "dealerpipe",
	}
}

// purgeDedupRecords drops old webhook dedup records every hour.
func purgeDedupRecords(ctx context.Context, dedup store.DedupRepo) error {
	ticker := time.NewTicker(dedupPurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := dedup.PurgeBefore(ctx, time.Now().Add(-dedupRetention))
			if err != nil {
				slog.Warn("Failed to purge dedup records", "error", err)
				continue
			}
			if n > 0 {
				slog.Debug("Purged dedup records", "count", n)
			}
		}
	}
}
