package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/wqdsca/police-thief-core/internal/v1/auth"
	"github.com/wqdsca/police-thief-core/internal/v1/config"
	"github.com/wqdsca/police-thief-core/internal/v1/eventbus"
	"github.com/wqdsca/police-thief-core/internal/v1/logging"
	"github.com/wqdsca/police-thief-core/internal/v1/ratelimit"
	"github.com/wqdsca/police-thief-core/internal/v1/registry"
	"github.com/wqdsca/police-thief-core/internal/v1/rpc"
	"github.com/wqdsca/police-thief-core/internal/v1/store"
	"github.com/wqdsca/police-thief-core/internal/v1/stream"
	"github.com/wqdsca/police-thief-core/internal/v1/tracing"
)

func main() {
	// Load .env for local development; production relies on real env vars.
	envPaths := []string{".env", "../../../.env", "../../.env"}
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			break
		}
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		// Invalid configuration is an unrecoverable startup failure.
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.GoEnv != "production"); err != nil {
		os.Stderr.WriteString("failed to initialize logging: " + err.Error() + "\n")
		os.Exit(1)
	}

	ctx := context.Background()

	if collectorAddr := os.Getenv("OTEL_COLLECTOR_ADDR"); collectorAddr != "" {
		tp, err := tracing.InitTracer(ctx, "police-thief-core", collectorAddr)
		if err != nil {
			logging.Warn(ctx, "tracing disabled: collector unreachable", zap.Error(err))
		} else {
			defer tp.Shutdown(ctx)
		}
	}

	st, err := store.New(cfg)
	if err != nil {
		logging.Error(ctx, "store unreachable, aborting startup", zap.Error(err))
		os.Exit(1)
	}
	defer st.Close()

	bus := eventbus.New()
	reg := registry.New(st, bus, cfg.MaxRoomCapacity, cfg.MembershipReap)

	// Startup reconciliation repairs rooms left behind by a previous run;
	// unrepairable rooms are quarantined, not fatal.
	if err := reg.Reconcile(ctx); err != nil {
		logging.Error(ctx, "room reconciliation failed, aborting startup", zap.Error(err))
		os.Exit(1)
	}

	limiter, err := ratelimit.NewRateLimiter(cfg, st.Client())
	if err != nil {
		logging.Error(ctx, "invalid rate limit configuration", zap.Error(err))
		os.Exit(1)
	}

	verifier, issuer, err := buildAuth(ctx, cfg)
	if err != nil {
		logging.Error(ctx, "failed to initialize auth", zap.Error(err))
		os.Exit(1)
	}

	hub := stream.NewHub(cfg, verifier, limiter, reg, bus)

	streamServer, err := stream.NewServer(cfg.ListenAddr, hub)
	if err != nil {
		logging.Error(ctx, "failed to bind stream listener", zap.Error(err))
		os.Exit(1)
	}

	rpcServer := rpc.NewServer(cfg, st, reg, verifier, issuer, limiter)
	httpServer := &http.Server{
		Addr:    cfg.RPCListenAddr,
		Handler: rpcServer.Router(),
	}

	serveCtx, cancelServe := context.WithCancel(ctx)
	errCh := make(chan error, 2)

	go func() {
		logging.Info(ctx, "RPC server starting", zap.String("addr", cfg.RPCListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	go func() {
		if err := streamServer.Serve(serveCtx); err != nil {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logging.Info(ctx, "shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		logging.Error(ctx, "server failed", zap.Error(err))
		cancelServe()
		os.Exit(1)
	}

	// Graceful drain: stop accepting, notify sessions, flush within the
	// configured deadline, then stop the RPC listener.
	cancelServe()

	drainCtx, cancelDrain := context.WithTimeout(ctx, cfg.ShutdownDrain+5*time.Second)
	defer cancelDrain()

	if err := hub.Shutdown(drainCtx); err != nil {
		logging.Warn(ctx, "stream hub drain incomplete", zap.Error(err))
	}
	if err := httpServer.Shutdown(drainCtx); err != nil {
		logging.Warn(ctx, "RPC server shutdown incomplete", zap.Error(err))
	}

	logging.Info(ctx, "server exiting")
}

// buildAuth selects the token verification path: an external JWKS endpoint
// when configured, a locally generated issuing key otherwise, or the
// signature-skipping mock in explicit dev mode.
func buildAuth(ctx context.Context, cfg *config.Config) (auth.Verifier, *auth.Issuer, error) {
	if cfg.SkipAuth {
		logging.Warn(ctx, "authentication DISABLED for development - DO NOT USE IN PRODUCTION")
		return &auth.MockValidator{}, nil, nil
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, err
	}
	issuer := auth.NewIssuer(key, uuid.NewString(), cfg.AuthIssuer, cfg.AuthAudience, 24*time.Hour)

	if cfg.JWKSURL != "" {
		validator, err := auth.NewValidator(ctx, cfg.JWKSURL, cfg.AuthIssuer, cfg.AuthAudience)
		if err != nil {
			return nil, nil, err
		}
		return validator, issuer, nil
	}

	// Single-process deployment: verify against the issuing key directly.
	return issuer.LocalVerifier(), issuer, nil
}
