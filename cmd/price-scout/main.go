package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/zombor/price-scout/internal/receipt"
	"github.com/zombor/price-scout/internal/scanning"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("price-scout stopped", "error", err)
		os.Exit(1)
	}
}

// run wires the service from args and the environment and serves until a
// signal arrives. Everything opened here is closed before it returns.
func run(args []string) error {
	// Check for version flag before parsing other flags
	for _, arg := range args {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			return nil
		}
	}

	loadEnvFile(args)

	fs := ff.NewFlagSet("price-scout")
	var (
		port            = fs.IntLong("port", 8080, "HTTP server port")
		dbPath          = fs.StringLong("db", "", "Scan history database path (empty disables history)")
		storagePath     = fs.StringLong("storage", "./uploads", "Directory for archived uploads when history is enabled")
		endpointType    = fs.StringLong("endpoint", "gemini", "Model endpoint: 'gemini', 'gemini-sdk' or 'ollama'")
		geminiKey       = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel     = fs.StringLong("gemini-model", scanning.DefaultGeminiModel, "Google Gemini model name")
		geminiURL       = fs.StringLong("gemini-url", scanning.DefaultGeminiBaseURL, "Gemini REST API base URL")
		ollamaURL       = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel     = fs.StringLong("ollama-model", "llava", "Ollama model name (e.g., llava, llava-phi3, qwen2-vl)")
		upstreamTimeout = fs.DurationLong("upstream-timeout", 60*time.Second, "Timeout for a single model call")
		fieldName       = fs.StringLong("field-name", "receipt", "Multipart field carrying the receipt image")
		maxUploadMB     = fs.IntLong("max-upload-mb", 10, "Maximum request body size in megabytes")
		authUser        = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass        = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		_               = fs.StringLong("env-file", ".env", "Optional dotenv file loaded before flags are parsed")
		showVersion     = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, args,
		ff.WithEnvVarPrefix("PRICE_SCOUT"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		return fmt.Errorf("parsing flags: %w", err)
	}

	// Check version flag after parsing
	if *showVersion {
		fmt.Println(version)
		return nil
	}

	if *maxUploadMB <= 0 {
		return fmt.Errorf("max-upload-mb must be positive, got %d", *maxUploadMB)
	}

	config := receipt.Config{
		FieldName:      *fieldName,
		MaxUploadBytes: int64(*maxUploadMB) << 20,
	}

	// Initialize endpoint based on type. A missing Gemini key leaves the
	// endpoint nil; scans then answer with a configuration error.
	var endpoint scanning.Endpoint
	switch *endpointType {
	case "gemini", "gemini-sdk":
		apiKey := *geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			slog.Error("Gemini API key is not set; scans will fail until --gemini-key or GEMINI_API_KEY is provided")
			break
		}
		slog.Info("Initializing Gemini endpoint...", "type", *endpointType, "model", *geminiModel)
		if *endpointType == "gemini" {
			rest, err := scanning.NewGeminiREST(apiKey, *geminiModel, *geminiURL, *upstreamTimeout)
			if err != nil {
				return fmt.Errorf("initializing gemini: %w", err)
			}
			endpoint = rest
		} else {
			sdk, err := scanning.NewGeminiSDK(apiKey, *geminiModel, *upstreamTimeout)
			if err != nil {
				return fmt.Errorf("initializing gemini: %w", err)
			}
			endpoint = sdk
		}
	case "ollama":
		slog.Info("Initializing Ollama endpoint...", "url", *ollamaURL, "model", *ollamaModel)
		ollama, err := scanning.NewOllama(*ollamaURL, *ollamaModel, *upstreamTimeout)
		if err != nil {
			return fmt.Errorf("initializing ollama: %w", err)
		}
		endpoint = ollama
	default:
		return fmt.Errorf("invalid endpoint type %q: valid types are gemini, gemini-sdk or ollama", *endpointType)
	}
	if endpoint != nil {
		defer endpoint.Close()
	}

	// Scan history is optional
	var (
		history receipt.DB
		store   receipt.Storage
	)
	if *dbPath != "" {
		slog.Info("Initializing scan history...", "db", *dbPath, "storage", *storagePath)
		db, err := receipt.NewBoltDB(*dbPath)
		if err != nil {
			return fmt.Errorf("initializing database: %w", err)
		}
		defer db.Close()
		history = db

		local, err := receipt.NewLocalStorage(*storagePath)
		if err != nil {
			return fmt.Errorf("initializing storage: %w", err)
		}
		store = local
	}

	service := receipt.NewService(config, endpoint, history, store)

	basicAuth := receipt.BasicAuth{
		Username: *authUser,
		Password: *authPass,
	}
	server := receipt.NewServer(service, basicAuth)

	// Start server in goroutine
	addr := fmt.Sprintf(":%d", *port)
	errChan := make(chan error, 1)
	go func() {
		errChan <- server.Start(addr)
	}()

	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr), "version", version)
	if *authUser != "" || *authPass != "" {
		slog.Info("Basic auth enabled", "user", *authUser)
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	select {
	case <-sigChan:
	case err := <-errChan:
		if err != nil {
			return fmt.Errorf("serving: %w", err)
		}
	}

	slog.Info("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	return nil
}

// loadEnvFile loads the dotenv file named by --env-file (default .env) into
// the environment. A missing file is not an error.
func loadEnvFile(args []string) {
	path := ".env"
	if v := os.Getenv("PRICE_SCOUT_ENV_FILE"); v != "" {
		path = v
	}
	for i, arg := range args {
		switch {
		case strings.HasPrefix(arg, "--env-file="):
			path = strings.TrimPrefix(arg, "--env-file=")
		case arg == "--env-file" && i+1 < len(args):
			path = args[i+1]
		}
	}

	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Failed to load env file", "path", path, "error", err)
	}
}
