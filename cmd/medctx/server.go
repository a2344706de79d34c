package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/medctx/internal/api"
	"github.com/kalambet/medctx/internal/config"
	"github.com/kalambet/medctx/internal/embedding"
	"github.com/kalambet/medctx/internal/ingest"
	"github.com/kalambet/medctx/internal/ollama"
	"github.com/kalambet/medctx/internal/retrieval"
	"github.com/kalambet/medctx/internal/session"
	"github.com/kalambet/medctx/internal/storage"
	"github.com/kalambet/medctx/internal/termsearch"
	"github.com/kalambet/medctx/internal/vault"
)

const (
	workerPollInterval = 500 * time.Millisecond
	shutdownTimeout    = 5 * time.Second
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the medctx server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show medctx system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "medctx.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// buildRegistry registers the primary provider and its fallbacks in order.
// OpenAI is skipped without an API key.
func buildRegistry(cfg config.Config) (*embedding.Registry, error) {
	reg := embedding.NewRegistry(embedding.RegistryConfig{
		CallTimeout:      cfg.Embedding.CallTimeoutDuration(),
		FailureThreshold: cfg.Embedding.FailureThreshold,
		Cooldown:         cfg.Embedding.CooldownDuration(),
	})

	fallbacks := cfg.Embedding.FallbackProviders()
	registered := 0
	for _, name := range append([]string{cfg.Embedding.Primary}, fallbacks...) {
		if _, err := reg.Get(name); err == nil {
			continue
		}
		switch name {
		case config.ProviderOllama:
			reg.Register(name, embedding.NewOllamaProvider(cfg.Ollama.BaseURL, cfg.Ollama.EmbedModel, cfg.Ollama.Dimensions))
		case config.ProviderOpenAI:
			if cfg.OpenAI.APIKey == "" {
				slog.Warn("openai embedding provider configured without an API key, skipping")
				continue
			}
			reg.Register(name, embedding.NewOpenAIProvider(cfg.OpenAI.BaseURL, cfg.OpenAI.APIKey, cfg.OpenAI.Model, cfg.OpenAI.Dimensions))
		case config.ProviderLocal:
			reg.Register(name, embedding.NewHashingProvider(embedding.DefaultHashingDimensions))
		default:
			return nil, fmt.Errorf("unknown embedding provider %q", name)
		}
		registered++
	}
	if registered == 0 {
		return nil, fmt.Errorf("no embedding provider could be registered")
	}
	if err := reg.SetPrimary(cfg.Embedding.Primary); err != nil {
		slog.Warn("primary embedding provider unavailable, using first fallback", "provider", cfg.Embedding.Primary, "primary", reg.Primary())
	}
	reg.SetFallbacks(fallbacks)
	return reg, nil
}

func sessionDeps(cfg config.Config, store *storage.Store, cipher *vault.Cipher, gen retrieval.Generator) session.Deps {
	return session.Deps{
		Documents:     store,
		Decrypter:     cipher,
		Generator:     gen,
		MaxMemoryMB:   cfg.Store.MaxMemoryMB,
		LoadGroupSize: cfg.Store.LoadGroupSize,
		Hybrid: &retrieval.HybridWeights{
			Vector:  cfg.Search.VectorWeight,
			Keyword: cfg.Search.KeywordWeight,
		},
		TermSearch: termsearch.Config{
			RecentWindow:     cfg.TermSearch.RecentWindow(),
			DefaultLimit:     cfg.TermSearch.Limit,
			DefaultThreshold: cfg.TermSearch.Threshold,
		},
	}
}

func searchDefaults(cfg config.Config) api.SearchDefaults {
	return api.SearchDefaults{
		MaxResults: cfg.Search.MaxResults,
		TimeDecay: retrieval.TimeDecay{
			HalfLifeDays: cfg.Search.HalfLifeDays,
			MinWeight:    cfg.Search.MinWeight,
		},
	}
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "medctx version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(cfg.Log.Level)})))

	kc := config.NewKeychain()
	apiToken, err := config.GetAPIToken(kc)
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	vaultKey, err := config.GetVaultKey(kc)
	if err != nil {
		return fmt.Errorf("initializing vault key: %w", err)
	}
	cipher, err := vault.NewCipher(vaultKey)
	if err != nil {
		return fmt.Errorf("creating vault cipher: %w", err)
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("medctx is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer os.Remove(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("closing storage", "error", err)
		}
	}()
	if n, err := store.ResetRunningJobs(); err != nil {
		return fmt.Errorf("resetting interrupted jobs: %w", err)
	} else if n > 0 {
		slog.Info("requeued interrupted jobs", "count", n)
	}

	registry, err := buildRegistry(cfg)
	if err != nil {
		return err
	}
	if p, err := registry.Get(config.ProviderOllama); err == nil && cfg.Ollama.AutoPull {
		client := p.(*embedding.OllamaProvider).Client()
		if err := ollama.EnsureReady(ctx, client, cfg.Ollama.EmbedModel, cfg.Ollama.Dimensions, os.Stderr); err != nil {
			slog.Warn("ollama not ready, embedding requests will fall back", "error", err)
		}
	}

	sess, err := session.Open(ctx, sessionDeps(cfg, store, cipher, registry))
	if err != nil {
		return fmt.Errorf("opening session: %w", err)
	}
	defer sess.Close()

	worker := ingest.NewWorker(store, registry, cipher, sess, workerPollInterval)

	defaults := searchDefaults(cfg)
	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr: addr,
		Handler: api.NewAppHandler(api.AppDeps{
			Store:      store,
			Session:    sess,
			Providers:  registry,
			Search:     defaults,
			Token:      apiToken,
			HTTPClient: &http.Client{Timeout: 15 * time.Second},
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		worker.Run(gctx)
		return nil
	})

	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "medctx listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if cfg.Server.MCPEnabled {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Store:     store,
			Session:   sess,
			Providers: registry,
			Search:    defaults,
		})
		stdio := server.NewStdioServer(mcpSrv)
		// A closed stdin ends the MCP session but not the HTTP server.
		g.Go(func() error {
			if err := stdio.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
			return nil
		})
		slog.Info("MCP server started (stdio transport)")
	}

	return g.Wait()
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	if v, err := ollama.New(cfg.Ollama.BaseURL).Version(ctx); err == nil {
		printStatus("Ollama", "%s running at %s", v, cfg.Ollama.BaseURL)
	} else {
		printStatus("Ollama", "not running")
	}
	printStatus("Embedding", "%s (fallbacks: %s)", cfg.Embedding.Primary, cfg.Embedding.Fallbacks)

	if running {
		if c, err := newAPIClient(); err == nil {
			var stats api.StatsResponse
			if sresp, err := c.get(ctx, "/v1/store/stats"); err == nil && decodeJSON(sresp, &stats) == nil {
				printStatus("Documents", "%d", stats.Documents)
				printStatus("Embeddings", "%s", countLabel(stats.Store.Count, stats.Documents))
				printStatus("Memory", "%.2f / %.0f MB", stats.Store.MemoryMB, stats.Store.MaxMemoryMB)
				printStatus("Jobs", "%d pending, %d failed", stats.Jobs[storage.JobPending], stats.Jobs[storage.JobFailed])
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

// countLabel renders "loaded of total", flagging documents not yet embedded.
func countLabel(loaded, total int) string {
	if loaded >= total {
		return strconv.Itoa(loaded)
	}
	return fmt.Sprintf("%d of %d", loaded, total)
}
