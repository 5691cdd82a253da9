package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/voicebridge-io/voicebridge/internal/dotenv"
	"github.com/voicebridge-io/voicebridge/pkg/bridge/config"
	"github.com/voicebridge-io/voicebridge/pkg/bridge/metrics"
	bridgeserver "github.com/voicebridge-io/voicebridge/pkg/bridge/server"
	"github.com/voicebridge-io/voicebridge/pkg/bridge/session"
	"github.com/voicebridge-io/voicebridge/pkg/realtime"
	"github.com/voicebridge-io/voicebridge/pkg/voice/tts"
)

type bridgeDeps struct {
	loadConfig   func() (config.Config, error)
	newServer    func(config.Config, *slog.Logger) (*bridgeserver.Server, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultBridgeDeps() bridgeDeps {
	return bridgeDeps{
		loadConfig:   config.LoadFromEnv,
		newServer:    buildBridgeServer,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) { signal.Notify(c, sig...) },
		signalStop:   signal.Stop,
	}
}

func buildBridgeServer(cfg config.Config, logger *slog.Logger) (*bridgeserver.Server, error) {
	if err := cfg.Ready(); err != nil {
		return nil, err
	}

	met := metrics.New("voicebridge")
	dialer := realtime.NewOpenAIDialer(cfg.RealtimeURL, cfg.RealtimeAPIKey, cfg.TranscriptionModel)
	provider := tts.NewCartesia(cfg.CartesiaAPIKey)
	manager := session.NewManager(cfg, logger, met, dialer, provider)

	return bridgeserver.New(cfg, logger, met, manager), nil
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func runBridge(ctx context.Context, logger *slog.Logger, deps bridgeDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.newServer == nil {
		return errors.New("missing newServer dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	srv, err := deps.newServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}
	httpSrv := buildHTTPServer(cfg, srv.Handler())

	logger.Info("starting bridge", "addr", cfg.Addr)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	srv.SetDraining()
	if n := srv.ActiveSessions(); n > 0 {
		logger.Warn("draining live sessions", "sessions", n)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	if !waitSessions(srv, cfg.ShutdownGracePeriod) {
		srv.CloseSessions()
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("bridge stopped")
	return nil
}

// waitSessions polls for live sessions to finish on their own before the
// grace period expires.
func waitSessions(srv *bridgeserver.Server, grace time.Duration) bool {
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if srv.ActiveSessions() == 0 {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return srv.ActiveSessions() == 0
}

func runMain(ctx context.Context, stderr io.Writer, deps bridgeDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	if err := dotenv.Load(".env"); err != nil {
		fmt.Fprintf(stderr, "voicebridge: %v\n", err)
		return 1
	}

	if err := runBridge(ctx, logger, deps); err != nil {
		fmt.Fprintf(stderr, "voicebridge: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultBridgeDeps()))
}
