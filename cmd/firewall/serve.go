package main

import (
	"context"
	_ "embed"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/helm-firewall/pkg/api"
	"github.com/Mindburn-Labs/helm-firewall/pkg/config"
	"github.com/Mindburn-Labs/helm-firewall/pkg/node"
	"github.com/Mindburn-Labs/helm-firewall/pkg/observability"
	"github.com/Mindburn-Labs/helm-firewall/pkg/store"
)

//go:embed deployment.default.yaml
var defaultDeployment []byte

type receiptStore interface {
	store.ReceiptStore
	Close() error
}

func setupLogging(level string, w io.Writer) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: l})))
}

// loadDeployment reads DEPLOYMENT_FILE, falling back to the built-in
// single-vault deployment.
func loadDeployment(cfg *config.Config) (*config.Deployment, error) {
	if cfg.DeploymentFile == "" {
		log.Println("[firewall] deployment: using built-in default")
		return config.ParseDeployment(defaultDeployment)
	}
	log.Printf("[firewall] deployment: %s", cfg.DeploymentFile)
	return config.LoadDeployment(cfg.DeploymentFile)
}

// openReceipts connects to Postgres when DATABASE_URL is set and otherwise
// uses SQLite under DATA_DIR.
func openReceipts(ctx context.Context, cfg *config.Config) (receiptStore, error) {
	if cfg.DatabaseURL != "" {
		s, err := store.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		log.Println("[firewall] postgres: connected")
		return s, nil
	}
	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	path := filepath.Join(cfg.DataDir, "receipts.db")
	log.Printf("[firewall] lite mode: using sqlite at %s", path)
	return store.OpenSQLite(ctx, path)
}

func newLimiter(cfg *config.Config) api.Limiter {
	if cfg.RedisAddr == "" {
		return api.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	}
	log.Printf("[firewall] rate limiter: redis at %s", cfg.RedisAddr)
	return api.NewRedisLimiter(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}), cfg.RateLimitRPS, cfg.RateLimitBurst)
}

func runServe(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	deployment := cmd.String("deployment", "", "Deployment YAML (overrides DEPLOYMENT_FILE)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg := config.Load()
	if *deployment != "" {
		cfg.DeploymentFile = *deployment
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "Invalid configuration: %v\n", err)
		return 2
	}
	setupLogging(cfg.LogLevel, stderr)
	fmt.Fprintf(stdout, "%sHELM Firewall starting...%s\n", colorBold+colorBlue, colorReset)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelCfg := observability.DefaultConfig()
	otelCfg.Enabled = cfg.OTelEnabled
	otelCfg.OTLPEndpoint = cfg.OTelEndpoint
	telemetry, err := observability.New(ctx, otelCfg)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to init observability: %v\n", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = telemetry.Shutdown(shutdownCtx)
	}()

	receipts, err := openReceipts(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to open receipt store: %v\n", err)
		return 1
	}
	defer receipts.Close()

	d, err := loadDeployment(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load deployment: %v\n", err)
		return 1
	}
	n, err := node.Bootstrap(ctx, d, node.Options{
		Seed:      cfg.DevSeed,
		ChainID:   cfg.ChainID,
		Receipts:  receipts,
		Telemetry: telemetry,
		Observer:  telemetry,
	})
	if err != nil {
		fmt.Fprintf(stderr, "Failed to bootstrap deployment: %v\n", err)
		return 1
	}
	log.Printf("[firewall] firewall: %s", n.Firewall.Address().Hex())
	for name, addr := range n.Policies {
		log.Printf("[firewall] policy %s: %s", name, addr.Hex())
	}
	for name, v := range n.Consumers {
		log.Printf("[firewall] consumer %s: %s", name, v.Address().Hex())
	}
	if cfg.JWTSecret == "" {
		log.Println("[firewall] JWT_SECRET not set: transaction submission is disabled")
	}

	srv := api.NewServer(n.Chain, receipts,
		api.WithLimiter(newLimiter(cfg)),
		api.WithJWTSecret([]byte(cfg.JWTSecret)),
	)
	apiServer := &http.Server{Addr: ":" + cfg.Port, Handler: srv.Handler(), ReadHeaderTimeout: 10 * time.Second}

	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	healthServer := &http.Server{Addr: ":" + cfg.HealthPort, Handler: healthMux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 2)
	for _, s := range []*http.Server{apiServer, healthServer} {
		go func(s *http.Server) {
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}(s)
	}
	log.Printf("[firewall] health server: :%s", cfg.HealthPort)
	log.Printf("[firewall] ready: http://localhost:%s", cfg.Port)
	log.Println("[firewall] press ctrl+c to stop")

	code := 0
	select {
	case <-ctx.Done():
	case err := <-errCh:
		log.Printf("[firewall] server error: %v", err)
		code = 1
	}
	log.Println("[firewall] shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = apiServer.Shutdown(shutdownCtx)
	_ = healthServer.Shutdown(shutdownCtx)
	return code
}

func runHealthCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("health", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	url := cmd.String("url", "", "Health endpoint (default http://localhost:$HEALTH_PORT/health)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *url == "" {
		*url = "http://localhost:" + config.Load().HealthPort + "/health"
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*url)
	if err != nil {
		fmt.Fprintf(stderr, "Health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(stderr, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	fmt.Fprintln(stdout, "OK")
	return 0
}
