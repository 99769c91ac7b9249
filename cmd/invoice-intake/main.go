package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"go.etcd.io/bbolt"

	"github.com/zombor/invoice-intake/internal/invoice"
	"github.com/zombor/invoice-intake/internal/ocr"
	"github.com/zombor/invoice-intake/internal/server"
	"github.com/zombor/invoice-intake/internal/storage"
	"github.com/zombor/invoice-intake/internal/tempstore"
	"github.com/zombor/invoice-intake/internal/workflow"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	// A missing .env is fine; flags and the environment still apply
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Failed to load .env", "error", err)
	}

	fs := ff.NewFlagSet("invoice-intake")
	var (
		port          = fs.IntLong("port", 8080, "HTTP server port")
		dataDir       = fs.StringLong("data-dir", "./data", "Directory for the application and registry databases")
		storageType   = fs.StringLong("storage", "local", "Storage backend: 'local' or 's3'")
		storagePath   = fs.StringLong("storage-path", "./documents", "Local storage directory path")
		s3Endpoint    = fs.StringLong("s3-endpoint", "", "S3 endpoint for S3-compatible stores (optional)")
		s3Bucket      = fs.StringLong("s3-bucket", "", "S3 bucket name")
		s3Region      = fs.StringLong("s3-region", "us-east-1", "S3 region")
		s3Prefix      = fs.StringLong("s3-prefix", "", "Key prefix inside the bucket")
		s3AccessKey   = fs.StringLong("s3-access-key", "", "S3 access key ID")
		s3SecretKey   = fs.StringLong("s3-secret-key", "", "S3 secret access key")
		databaseURL   = fs.StringLong("database-url", "", "Postgres URL for confirmed invoices (bbolt is used when empty)")
		scannerType   = fs.StringLong("scanner", "gemini", "OCR engine: 'gemini' or 'ollama'")
		geminiKey     = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel   = fs.StringLong("gemini-model", "gemini-2.5-flash", "Google Gemini model name")
		ollamaURL     = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel   = fs.StringLong("ollama-model", "llava", "Ollama model name (e.g., llava, qwen2-vl)")
		tempTTL       = fs.DurationLong("temp-ttl", tempstore.DefaultTTL, "How long an unreviewed document is kept")
		sweepInterval = fs.DurationLong("sweep-interval", tempstore.DefaultSweepInterval, "Interval between expired document cleanups")
		pageTimeout   = fs.DurationLong("page-timeout", ocr.DefaultPageTimeout, "OCR timeout per page")
		ocrTimeout    = fs.DurationLong("ocr-timeout", ocr.DefaultDocumentTimeout, "OCR timeout per document")
		maxUpload     = fs.IntLong("max-upload-size", workflow.DefaultMaxUploadSize, "Largest accepted document in bytes")
		authUser      = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass      = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		showVersion   = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("INVOICE_INTAKE"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Check version flag after parsing
	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	if err := run(config{
		port:          *port,
		dataDir:       *dataDir,
		storageType:   *storageType,
		storagePath:   *storagePath,
		s3:            storage.S3Config{Endpoint: *s3Endpoint, AccessKeyID: *s3AccessKey, AccessKeySecret: *s3SecretKey, Bucket: *s3Bucket, Region: *s3Region, Prefix: *s3Prefix},
		databaseURL:   *databaseURL,
		scannerType:   *scannerType,
		geminiKey:     *geminiKey,
		geminiModel:   *geminiModel,
		ollamaURL:     *ollamaURL,
		ollamaModel:   *ollamaModel,
		tempTTL:       *tempTTL,
		sweepInterval: *sweepInterval,
		pageTimeout:   *pageTimeout,
		ocrTimeout:    *ocrTimeout,
		maxUpload:     *maxUpload,
		auth:          server.BasicAuth{Username: *authUser, Password: *authPass},
	}); err != nil {
		slog.Error("Fatal error", "error", err)
		os.Exit(1)
	}
}

// config is the parsed command line
type config struct {
	port          int
	dataDir       string
	storageType   string
	storagePath   string
	s3            storage.S3Config
	databaseURL   string
	scannerType   string
	geminiKey     string
	geminiModel   string
	ollamaURL     string
	ollamaModel   string
	tempTTL       time.Duration
	sweepInterval time.Duration
	pageTimeout   time.Duration
	ocrTimeout    time.Duration
	maxUpload     int
	auth          server.BasicAuth
}

// run wires the service and blocks until a shutdown signal. Returning instead
// of exiting lets the deferred closes flush the databases.
func run(cfg config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	// Initialize databases
	slog.Info("Initializing database...")
	db, err := bbolt.Open(filepath.Join(cfg.dataDir, "invoice-intake.db"), 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	registry, err := tempstore.OpenRegistry(filepath.Join(cfg.dataDir, "registry.db"))
	if err != nil {
		return fmt.Errorf("opening registry: %w", err)
	}
	defer registry.Close()

	// Initialize invoice repository
	var repo invoice.Repository
	if cfg.databaseURL != "" {
		slog.Info("Using Postgres invoice repository")
		pool, err := invoice.NewPostgresPool(ctx, cfg.databaseURL)
		if err != nil {
			return fmt.Errorf("connecting to Postgres: %w", err)
		}
		defer pool.Close()

		if repo, err = invoice.NewPostgresRepository(ctx, pool); err != nil {
			return fmt.Errorf("initializing Postgres repository: %w", err)
		}
	} else if repo, err = invoice.NewBoltRepository(db); err != nil {
		return fmt.Errorf("initializing invoice repository: %w", err)
	}

	docs, err := workflow.NewBoltStore(db)
	if err != nil {
		return fmt.Errorf("initializing document store: %w", err)
	}

	// Initialize OCR engine based on type
	var engine ocr.Engine
	switch cfg.scannerType {
	case "gemini":
		// Get Gemini API key from flag or environment
		apiKey := cfg.geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			return errors.New("gemini API key is required: set --gemini-key or GEMINI_API_KEY")
		}
		slog.Info("Initializing Gemini OCR...", "model", cfg.geminiModel)
		if engine, err = ocr.NewGemini(apiKey, cfg.geminiModel); err != nil {
			return fmt.Errorf("initializing Gemini: %w", err)
		}
	case "ollama":
		slog.Info("Initializing Ollama OCR...", "url", cfg.ollamaURL, "model", cfg.ollamaModel)
		if engine, err = ocr.NewOllama(cfg.ollamaURL, cfg.ollamaModel); err != nil {
			return fmt.Errorf("initializing Ollama: %w", err)
		}
	default:
		return fmt.Errorf("invalid scanner type %q, want gemini or ollama", cfg.scannerType)
	}
	defer engine.Close()

	// Initialize storage
	slog.Info("Initializing storage...", "type", cfg.storageType)
	var store storage.Storage
	switch cfg.storageType {
	case "local":
		store, err = storage.NewLocalStorage(cfg.storagePath)
	case "s3":
		store, err = storage.NewS3Storage(cfg.s3)
	default:
		err = fmt.Errorf("unknown storage type %q", cfg.storageType)
	}
	if err != nil {
		return fmt.Errorf("initializing storage: %w", err)
	}

	// Initialize services
	temp := tempstore.NewAdapter(store, registry, cfg.tempTTL)
	intake := workflow.NewService(docs, temp, ocr.NewService(engine, cfg.pageTimeout, cfg.ocrTimeout), store, repo, workflow.Options{
		TTL:           cfg.tempTTL,
		MaxUploadSize: cfg.maxUpload,
	})
	invoices := invoice.NewService(repo)

	sweeper := tempstore.NewSweeper(temp, cfg.sweepInterval, intake.MarkExpired)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	// Initialize server
	addr := fmt.Sprintf(":%d", cfg.port)
	httpServer := server.NewHTTPServer(addr, server.NewServer(intake, invoices, cfg.auth, int64(cfg.maxUpload)))

	// Start server in goroutine
	serveErr := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr), "version", version)
	if cfg.auth.Username != "" || cfg.auth.Password != "" {
		slog.Info("Basic auth enabled", "user", cfg.auth.Username)
	}

	// Wait for interrupt signal or a server failure
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serving http: %w", err)
		}
	}

	slog.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	return nil
}
