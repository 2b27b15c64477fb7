// Package main is the entry point for the flowstudio API server.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/tcmartin/flowstudio/pkg/api"
	"github.com/tcmartin/flowstudio/pkg/config"
	"github.com/tcmartin/flowstudio/pkg/logging"
	"github.com/tcmartin/flowstudio/pkg/middleware"
	"github.com/tcmartin/flowstudio/pkg/registry"
	"github.com/tcmartin/flowstudio/pkg/runtime"
	"github.com/tcmartin/flowstudio/pkg/statusbus"
	"github.com/tcmartin/flowstudio/pkg/storage"
)

var (
	// Command-line flags
	configPath = flag.String("config", "", "Path to config file")
	version    = flag.Bool("version", false, "Print version information")
)

// Version information
const (
	AppVersion = "0.1.0"
	AppName    = "flowstudio"
)

func main() {
	// Load environment variables from .env file
	_ = godotenv.Load()

	flag.Parse()

	if *version {
		fmt.Printf("%s version %s\n", AppName, AppVersion)
		return
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logCloser, err := logging.Setup(cfg.Logging)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to set up logging")
	}
	defer logCloser.Close()

	app, err := NewApp(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize application")
	}

	// Handle graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			log.Fatal().Err(err).Msg("Application failed")
		}
	case <-stop:
		log.Info().Msg("Shutting down gracefully...")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := app.Stop(ctx); err != nil {
			log.Error().Err(err).Msg("Error during shutdown")
		}
	}
}

// loadConfig loads the configuration from the specified path or the standard locations
func loadConfig() (*config.Config, error) {
	var cfg *config.Config

	if *configPath != "" {
		var err error
		cfg, err = config.LoadConfig(*configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", *configPath, err)
		}
	} else {
		locations := []string{
			"./config.json",
			"./configs/config.json",
			filepath.Join(os.Getenv("HOME"), ".flowstudio", "config.json"),
			"/etc/flowstudio/config.json",
		}
		for _, path := range locations {
			if loaded, err := config.LoadConfig(path); err == nil {
				cfg = loaded
				break
			}
		}
		if cfg == nil {
			cfg = config.DefaultConfig()
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}

	if cfg.Auth.JWTSecret == "" {
		secret, err := generateRandomKey(32)
		if err != nil {
			return nil, fmt.Errorf("failed to generate JWT secret: %w", err)
		}
		cfg.Auth.JWTSecret = secret
		// tokens signed with a generated secret do not survive a restart
		fmt.Fprintln(os.Stderr, "warning: FLOWSTUDIO_JWT_SECRET not set, using a generated secret")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// generateRandomKey generates a random key of the specified length
func generateRandomKey(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// App represents the flowstudio application
type App struct {
	config          *config.Config
	server          *api.Server
	storageProvider storage.StorageProvider
	bus             statusbus.Bus
}

// NewApp wires storage, the status bus, the engine client and the API server
func NewApp(cfg *config.Config) (*App, error) {
	storageProvider, err := storage.NewProviderFromConfig(cfg.Storage)
	if err != nil {
		return nil, err
	}
	if err := storageProvider.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	bus, err := newBus(cfg.Bus)
	if err != nil {
		storageProvider.Close()
		return nil, err
	}

	var engine runtime.Engine
	if cfg.Engine.URL != "" {
		engine = runtime.NewHTTPEngine(cfg.Engine.URL, cfg.Engine.Token, time.Duration(cfg.Engine.TimeoutSeconds)*time.Second)
		log.Info().Str("url", cfg.Engine.URL).Msg("Using execution engine")
	} else {
		engine = runtime.NewDetachedEngine()
		log.Warn().Msg("No execution engine configured, runs are only allocated")
	}

	reg := registry.NewWorkflowRegistry(storageProvider.GetWorkflowStore(), registry.Options{})
	tokens := middleware.NewJWTService(cfg.Auth.JWTSecret, cfg.Auth.TokenExpiration)
	server := api.NewServer(cfg, reg, engine, bus, tokens)

	return &App{
		config:          cfg,
		server:          server,
		storageProvider: storageProvider,
		bus:             bus,
	}, nil
}

func newBus(cfg config.BusConfig) (statusbus.Bus, error) {
	switch cfg.Type {
	case "redis":
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		bus, err := statusbus.NewRedisBus(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, fmt.Errorf("failed to connect status bus: %w", err)
		}
		log.Info().Str("addr", cfg.RedisAddr).Msg("Using Redis status bus")
		return bus, nil
	default:
		log.Info().Int("buffer", cfg.Buffer).Msg("Using in-memory status bus")
		return statusbus.NewMemoryBus(cfg.Buffer), nil
	}
}

// Start starts the application
func (a *App) Start() error {
	log.Info().Str("version", AppVersion).Msgf("Starting %s", AppName)
	return a.server.Start()
}

// Stop stops the application gracefully
func (a *App) Stop(ctx context.Context) error {
	if err := a.server.Stop(ctx); err != nil {
		return err
	}

	closers := []io.Closer{a.bus, a.storageProvider}
	for _, c := range closers {
		if err := c.Close(); err != nil {
			return fmt.Errorf("failed to close: %w", err)
		}
	}
	return nil
}
