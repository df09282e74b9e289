// Package codexmgmt assembles the session orchestration service: an HTTP and
// WebSocket API over an in-memory session store whose runs are executed by an
// external Codex engine under a global concurrency cap.
package codexmgmt

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/Tafka-4/codex-agent-management/internal/archive"
	"github.com/Tafka-4/codex-agent-management/internal/engine/codex"
	"github.com/Tafka-4/codex-agent-management/internal/hub"
	"github.com/Tafka-4/codex-agent-management/internal/janitor"
	"github.com/Tafka-4/codex-agent-management/internal/observability"
	"github.com/Tafka-4/codex-agent-management/internal/orchestrator"
	"github.com/Tafka-4/codex-agent-management/internal/prompt"
	"github.com/Tafka-4/codex-agent-management/internal/server"
	"github.com/Tafka-4/codex-agent-management/internal/session"
	"github.com/Tafka-4/codex-agent-management/internal/workspace"
)

// Config is the top-level service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Engine    EngineConfig    `yaml:"engine"`
	Runs      RunsConfig      `yaml:"runs"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Janitor   JanitorConfig   `yaml:"janitor"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Addr is the listen address. Default ":8080".
	Addr string `yaml:"addr"`
	// RateLimitRPS is the per-client request budget. Zero disables.
	RateLimitRPS float64 `yaml:"rate_limit_rps"`
	// RateLimitBurst is the per-client burst size.
	RateLimitBurst int `yaml:"rate_limit_burst"`
}

// EngineConfig configures the external Codex engine binding.
type EngineConfig struct {
	// APIKey authenticates against the engine API. Falls back to the
	// OPENAI_API_KEY environment variable.
	APIKey string `yaml:"api_key"`
	// Model selects the engine model. Default "gpt-5-codex".
	Model string `yaml:"model"`
	// BaseURL points the client at a compatible endpoint (optional).
	BaseURL string `yaml:"base_url"`
}

// RunsConfig bounds global run concurrency.
type RunsConfig struct {
	// MaxConcurrent is the admission permit count. Default 4, minimum 1.
	MaxConcurrent int `yaml:"max_concurrent"`
}

// WorkspaceConfig configures per-session working directories.
type WorkspaceConfig struct {
	// BaseDir roots all session workspaces. Default: system temp.
	BaseDir string `yaml:"base_dir"`
}

// ArchiveConfig configures the optional terminal-session archive.
type ArchiveConfig struct {
	// RedisAddr enables archiving when non-empty.
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	// Prefix is the Redis key prefix.
	Prefix string `yaml:"prefix"`
	// TTL is the archived-record expiry as a duration string ("0" = keep).
	TTL string `yaml:"ttl"`
}

// JanitorConfig configures the terminal-session sweep.
type JanitorConfig struct {
	// Schedule is a cron spec (e.g. "@every 10m"). Empty disables.
	Schedule string `yaml:"schedule"`
	// Retention is how long terminal sessions are kept, as a duration
	// string. Default "24h".
	Retention string `yaml:"retention"`
}

// FileReader interface for reading files (testable).
type FileReader interface {
	ReadFile(path string) ([]byte, error)
}

// OSFileReader implements FileReader using os.ReadFile.
type OSFileReader struct{}

func (r *OSFileReader) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path) // #nosec G304 - path comes from trusted CLI input
}

// ConfigLoader loads configuration from a file.
type ConfigLoader struct {
	fileReader FileReader
}

// NewConfigLoader creates a config loader.
func NewConfigLoader(fr FileReader) *ConfigLoader {
	return &ConfigLoader{fileReader: fr}
}

// LoadConfig reads, parses and defaults a config file.
func (cl *ConfigLoader) LoadConfig(configPath string) (*Config, error) {
	var config Config
	if configPath != "" {
		data, err := cl.fileReader.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	applyDefaults(&config)
	return &config, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Engine.APIKey == "" {
		cfg.Engine.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.Engine.Model == "" {
		cfg.Engine.Model = "gpt-5-codex"
	}
	if cfg.Runs.MaxConcurrent == 0 {
		cfg.Runs.MaxConcurrent = session.DefaultMaxConcurrentRuns
	}
	if cfg.Janitor.Retention == "" {
		cfg.Janitor.Retention = "24h"
	}
}

// Run starts the service from a config file and blocks until shutdown.
func Run(configPath string) error {
	loader := NewConfigLoader(&OSFileReader{})
	cfg, err := loader.LoadConfig(configPath)
	if err != nil {
		return err
	}
	return RunWithConfig(cfg)
}

// RunWithConfig starts the service with the provided configuration. It
// returns after a shutdown signal or a listener failure.
func RunWithConfig(cfg *Config) error {
	observability.InitMetrics()
	if err := observability.InitTracingFromEnv(); err != nil {
		log.Printf("Warning: failed to initialize tracing: %v", err)
	}

	store := session.NewStore()
	guard := session.NewRunGuard()
	admission := session.NewAdmission(cfg.Runs.MaxConcurrent)
	registry := hub.NewRegistry(store)

	orchCfg := orchestrator.Config{
		Store:     store,
		Guard:     guard,
		Admission: admission,
		Engine:    codex.New(cfg.Engine.APIKey, cfg.Engine.Model, cfg.Engine.BaseURL),
		Hub:       registry,
		Workspace: workspace.NewLocal(cfg.Workspace.BaseDir),
		Prompts:   prompt.NewBuilder(),
	}

	var archiver *archive.RedisArchiver
	if cfg.Archive.RedisAddr != "" {
		ttl, err := parseDuration(cfg.Archive.TTL)
		if err != nil {
			return fmt.Errorf("invalid archive ttl: %w", err)
		}
		archiver, err = archive.NewRedisArchiver(archive.RedisConfig{
			Addr:     cfg.Archive.RedisAddr,
			Password: cfg.Archive.RedisPassword,
			DB:       cfg.Archive.RedisDB,
			Prefix:   cfg.Archive.Prefix,
			TTL:      ttl,
		})
		if err != nil {
			return fmt.Errorf("failed to connect archive: %w", err)
		}
		orchCfg.Archiver = archiver
		log.Printf("Archiving terminal sessions to redis at %s", cfg.Archive.RedisAddr)
	}

	orch := orchestrator.New(orchCfg)
	srv := server.New(server.Config{
		Addr:           cfg.Server.Addr,
		RateLimitRPS:   cfg.Server.RateLimitRPS,
		RateLimitBurst: cfg.Server.RateLimitBurst,
	}, store, orch, registry)

	var jan *janitor.Janitor
	if cfg.Janitor.Schedule != "" {
		retention, err := parseDuration(cfg.Janitor.Retention)
		if err != nil {
			return fmt.Errorf("invalid janitor retention: %w", err)
		}
		jan = janitor.New(store, orch, retention)
		if err := jan.Start(cfg.Janitor.Schedule); err != nil {
			return fmt.Errorf("failed to start janitor: %w", err)
		}
		log.Printf("Janitor sweeping terminal sessions on schedule %q", cfg.Janitor.Schedule)
	}

	g, ctx := errgroup.WithContext(context.Background())

	g.Go(func() error {
		log.Printf("Listening on %s (max concurrent runs: %d)", cfg.Server.Addr, cfg.Runs.MaxConcurrent)
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigCh)

		select {
		case <-sigCh:
			log.Println("Shutting down...")
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if jan != nil {
			jan.Stop()
		}
		err := srv.Shutdown(shutdownCtx)
		if archiver != nil {
			_ = archiver.Close()
		}
		if terr := observability.ShutdownTracing(shutdownCtx); terr != nil {
			log.Printf("Warning: tracing shutdown failed: %v", terr)
		}
		store.Clear()
		return err
	})

	return g.Wait()
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" || s == "0" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
