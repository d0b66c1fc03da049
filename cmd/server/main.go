package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/Chorus/internal/adapters/control"
	"github.com/dkeye/Chorus/internal/adapters/httpadm"
	"github.com/dkeye/Chorus/internal/adapters/quicnet"
	"github.com/dkeye/Chorus/internal/adapters/store"
	"github.com/dkeye/Chorus/internal/app"
	"github.com/dkeye/Chorus/internal/auth"
	"github.com/dkeye/Chorus/internal/authz"
	"github.com/dkeye/Chorus/internal/config"
	"github.com/dkeye/Chorus/internal/domain"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger before anything else logs.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	// Human-friendly output for terminal; in production you may want JSON only.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Mode == "debug" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	serverID, err := domain.ParseServerID(cfg.DefaultServerID)
	if err != nil {
		log.Fatal().Err(err).Msg("default_server_id must be a UUID")
	}

	st, err := store.Open(cfg.DatabaseURL, serverID)
	if err != nil {
		log.Fatal().Err(err).Msg("open store")
	}
	defer st.Close()
	if err := store.Migrate(st); err != nil {
		log.Fatal().Err(err).Msg("migrate store")
	}

	metrics := app.NewMetrics()
	router := app.NewRouter(metrics, cfg.TalkerWindow, cfg.MaxTalkersDefault)
	registry := app.NewRegistry(router, metrics)
	resolver := authz.NewResolver(st)

	var provider auth.Provider = auth.NewJWTProvider(cfg.AuthSecret)
	if cfg.DevModeEnabled {
		log.Warn().Msg("dev mode enabled: reserved dev token accepted")
		provider = auth.DevProvider{Next: provider}
	}

	ctl := control.NewController(cfg, st, resolver, registry, router, metrics, provider, serverID)

	dispatcher := app.NewDispatcher(st, registry, router, resolver, metrics, app.DispatcherConfig{
		Poll:           cfg.OutboxPoll,
		Batch:          cfg.OutboxBatch,
		Lease:          cfg.OutboxLease,
		PublishTimeout: 5 * time.Second,
		MaxAttempts:    cfg.OutboxMaxAttempts,
	})

	ln, err := quicnet.Listen(quicnet.ListenConfig{
		Addr:           cfg.ListenAddr,
		TLSCert:        cfg.TLSCert,
		TLSKey:         cfg.TLSKey,
		ALPN:           cfg.ALPNToken,
		MaxConnections: cfg.MaxConnections,
		KeepAlive:      cfg.KeepaliveTimeout / 3,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("quic listen")
	}

	adminSrv := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: httpadm.SetupRouter(cfg, metrics, st),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			conn, err := ln.Accept(gctx)
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return err
			}
			go ctl.HandleConn(gctx, conn)
		}
	})

	g.Go(func() error {
		err := dispatcher.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		log.Info().Str("addr", cfg.MetricsAddr).Msg("admin server started")
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = adminSrv.Shutdown(shutdownCtx)
		_ = ln.Close()
		return nil
	})

	log.Info().Str("addr", cfg.ListenAddr).Msg("gateway started")
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server error")
	}
	log.Info().Msg("server exited gracefully")
}
