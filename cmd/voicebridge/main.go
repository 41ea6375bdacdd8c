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

	"github.com/joho/godotenv"

	"github.com/careloop/voicebridge/pkg/bridge/aiprovider"
	"github.com/careloop/voicebridge/pkg/bridge/config"
	"github.com/careloop/voicebridge/pkg/bridge/outcome"
	"github.com/careloop/voicebridge/pkg/bridge/server"
	"github.com/careloop/voicebridge/pkg/bridge/service"
	"github.com/careloop/voicebridge/pkg/bridge/session"
	"github.com/careloop/voicebridge/pkg/bridge/sessions"
	"github.com/careloop/voicebridge/pkg/bridge/telephony"
)

type bridgeDeps struct {
	loadConfig   func() (config.Config, error)
	openOutcomes func(ctx context.Context, cfg config.Config, logger *slog.Logger) (outcome.Store, func(), error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultBridgeDeps() bridgeDeps {
	return bridgeDeps{
		loadConfig:   config.LoadFromEnv,
		openOutcomes: openOutcomes,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func openOutcomes(ctx context.Context, cfg config.Config, logger *slog.Logger) (outcome.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("no database configured, logging call outcomes instead")
		return outcome.LogStore{Logger: logger}, func() {}, nil
	}
	pg, err := outcome.OpenPG(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("open outcome store: %w", err)
	}
	return pg, pg.Close, nil
}

func newAILinkFactory(cfg config.Config, logger *slog.Logger) session.AILinkFactory {
	return func(subjectName, customInstructions string) session.AILink {
		return aiprovider.NewLink(aiprovider.Config{
			URL:                cfg.AIRealtimeURL,
			APIKey:             cfg.AIAPIKey,
			SubjectName:        subjectName,
			CustomInstructions: customInstructions,
			Voice:              cfg.AIVoice,
			AudioFormat:        cfg.AudioFormat,
			VADThreshold:       cfg.VADThreshold,
			VADSilenceMS:       cfg.VADSilenceMS,
			TranscriptionModel: cfg.AITranscriptionModel,
		}, logger)
	}
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func runBridge(ctx context.Context, logger *slog.Logger, deps bridgeDeps) error {
	if deps.loadConfig == nil || deps.openOutcomes == nil {
		return errors.New("missing dependency")
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

	outcomes, closeOutcomes, err := deps.openOutcomes(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeOutcomes()

	store := sessions.New(cfg.MaxSessions, cfg.EvictTimeout, logger)
	svc, err := service.New(service.Config{
		AudioFormat: cfg.AudioFormat,
		Controller: session.Config{
			FrameBytes:       cfg.FrameBytes,
			CloseTimeout:     cfg.LinkCloseTimeout,
			MaxLifetime:      cfg.MaxSessionLifetime,
			CoalesceWindow:   cfg.CoalesceWindow,
			MaxPendingFrames: cfg.MaxPendingFrames,
		},
	}, store, outcomes, newAILinkFactory(cfg, logger), logger)
	if err != nil {
		return fmt.Errorf("build service: %w", err)
	}

	var caller *telephony.Caller
	if cfg.DialingEnabled() {
		caller = &telephony.Caller{
			AccountSID: cfg.TwilioAccountSID,
			AuthToken:  cfg.TwilioAuthToken,
			From:       cfg.TwilioFromNumber,
		}
	}

	srv := server.New(cfg, svc, caller, logger)
	httpSrv := buildHTTPServer(cfg, srv.Handler())

	logger.Info("starting voice bridge",
		"addr", cfg.Addr,
		"auth_mode", cfg.AuthMode,
		"audio_format", cfg.AudioFormat,
		"dialing_enabled", cfg.DialingEnabled(),
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
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer drainCancel()
	if err := svc.Shutdown(drainCtx); err != nil {
		logger.Warn("sessions did not drain within grace period", "error", err)
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("voice bridge stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps bridgeDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := slog.New(slog.NewJSONHandler(stderr, nil))

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
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
