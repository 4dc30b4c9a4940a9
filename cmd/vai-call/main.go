package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/vango-go/vai-call/pkg/gateway/config"
	"github.com/vango-go/vai-call/pkg/gateway/realtime"
	gatewayserver "github.com/vango-go/vai-call/pkg/gateway/server"
	"github.com/vango-go/vai-call/pkg/gateway/transcript"
)

type callDeps struct {
	loadConfig   func() (config.Config, error)
	openStore    func(context.Context, config.Config, *slog.Logger) (transcript.Store, func(), error)
	newDialer    func(config.Config, *slog.Logger) (realtime.Dialer, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultCallDeps() callDeps {
	return callDeps{
		loadConfig: config.LoadFromEnv,
		openStore:  openTranscriptStore,
		newDialer:  newRealtimeDialer,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

// openTranscriptStore uses PostgreSQL when a database URL is configured and
// an in-memory store otherwise.
func openTranscriptStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (transcript.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("VAI_CALL_DATABASE_URL not set; transcripts are kept in memory only")
		return transcript.NewMemoryStore(), func() {}, nil
	}
	pool, err := transcript.OpenPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := transcript.Migrate(ctx, pool, logger); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return transcript.NewPostgresStore(pool), pool.Close, nil
}

func newRealtimeDialer(cfg config.Config, logger *slog.Logger) (realtime.Dialer, error) {
	return realtime.NewDialer(realtime.Config{
		Provider:     cfg.AIProvider,
		Instructions: cfg.AIInstructions,
		OpenAI: realtime.OpenAIConfig{
			APIKey:             cfg.OpenAIAPIKey,
			BaseURL:            cfg.OpenAIRealtimeURL,
			Model:              cfg.OpenAIRealtimeModel,
			Voice:              cfg.OpenAIVoice,
			TranscriptionModel: cfg.OpenAITranscribeModel,
		},
		Gemini: realtime.GeminiConfig{
			APIKey: cfg.GeminiAPIKey,
			Model:  cfg.GeminiLiveModel,
			Voice:  cfg.GeminiVoice,
		},
	}, logger.With("component", "realtime"))
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
	}
}

func runGateway(ctx context.Context, logger *slog.Logger, deps callDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.openStore == nil || deps.newDialer == nil {
		return errors.New("missing store or dialer dependency")
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

	dialer, err := deps.newDialer(cfg, logger)
	if err != nil {
		return fmt.Errorf("build ai dialer: %w", err)
	}
	store, closeStore, err := deps.openStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open transcript store: %w", err)
	}
	defer closeStore()

	gw := gatewayserver.New(cfg, dialer, store, logger)
	httpSrv := buildHTTPServer(cfg, gw.Handler())

	logger.Info("starting call gateway",
		"addr", cfg.Addr,
		"auth_mode", cfg.AuthMode,
		"ai_provider", cfg.AIProvider,
		"rtp_ports", fmt.Sprintf("%d-%d", cfg.RTPPortMin, cfg.RTPPortMax),
	)

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
		endCalls(gw, cfg, logger)
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		endCalls(gw, cfg, logger)
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	gw.SetDraining()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		endCalls(gw, cfg, logger)
		return fmt.Errorf("shutdown http server: %w", err)
	}
	endCalls(gw, cfg, logger)

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("call gateway stopped")
	return nil
}

func endCalls(gw *gatewayserver.Server, cfg config.Config, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer cancel()
	if err := gw.EndCalls(ctx); err != nil {
		logger.Warn("call handlers did not stop before the shutdown grace period", "error", err)
	}
}

// loadDotEnv reads .env when present. Variables already set in the
// environment win.
func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("load %s: %w", path, err)
}

func runMain(ctx context.Context, stderr io.Writer, deps callDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	if err := loadDotEnv(".env"); err != nil {
		fmt.Fprintf(stderr, "vai-call: %v\n", err)
		return 1
	}

	if err := runGateway(ctx, logger, deps); err != nil {
		fmt.Fprintf(stderr, "vai-call: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultCallDeps()))
}
