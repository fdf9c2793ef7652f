// Command canaria runs the earthquake bulletin aggregation server: feed
// connectors, ingest pipeline, signed WebSocket fan-out, and the HTTP
// API.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/canaria-project/canaria/internal/admin"
	"github.com/canaria-project/canaria/internal/backup"
	"github.com/canaria-project/canaria/internal/config"
	"github.com/canaria-project/canaria/internal/event"
	"github.com/canaria-project/canaria/internal/feeds"
	"github.com/canaria-project/canaria/internal/hub"
	"github.com/canaria-project/canaria/internal/ingest"
	"github.com/canaria-project/canaria/internal/logging"
	"github.com/canaria-project/canaria/internal/metrics"
	"github.com/canaria-project/canaria/internal/ratelimit"
	"github.com/canaria-project/canaria/internal/relay"
	"github.com/canaria-project/canaria/internal/server"
	"github.com/canaria-project/canaria/internal/signer"
	"github.com/canaria-project/canaria/internal/storage"
)

func main() {
	boot, err := config.Load()
	if err != nil {
		fallback := logging.New("info", "json")
		fallback.Fatal().Err(err).Msg("configuration invalid")
	}
	log := logging.New(boot.Logging.Level, boot.Logging.Format)
	clock := clockwork.NewRealClock()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(boot.DB.Path, log)
	if err != nil {
		log.Fatal().Err(err).Msg("storage open failed")
	}
	defer store.Close()

	cfg, err := config.NewManager(ctx, store, log)
	if err != nil {
		log.Fatal().Err(err).Msg("dynamic config load failed")
	}

	sig, err := signer.New(boot.Signing, clock, log)
	if err != nil {
		log.Fatal().Err(err).Msg("signer init failed")
	}

	m := metrics.New(store, cfg, clock, log)
	limiter := ratelimit.New(store, cfg, clock, log)
	guard := ratelimit.NewConnGuard(boot.WebSocket.ConnectionRate, boot.WebSocket.ConnectionBurst, clock)

	h := hub.New(store.Latest, clock, log)

	uploader, err := backup.New(ctx, boot.Backup, store, clock, log)
	if err != nil {
		log.Fatal().Err(err).Msg("backup init failed")
	}

	rly, err := relay.Connect(boot.Relay.NATSURL, log)
	if err != nil {
		log.Fatal().Err(err).Msg("relay connect failed")
	}
	defer rly.Close()

	var relayPub ingest.Publisher
	if rly != nil {
		relayPub = rly
	}
	ing := ingest.New(store, sig, h, uploader, relayPub, m, clock, log)
	m.SetHeartbeatAgeFunc(ing.HeartbeatAge)

	connectors := buildConnectors(boot, ing, m, clock, log)
	adminFeeds := make([]admin.Feed, 0, len(connectors))
	for _, c := range connectors {
		adminFeeds = append(adminFeeds, c)
	}

	adm := admin.New(store, cfg, limiter, m, ing, h, adminFeeds, sig.PublicKeyB64(), clock, log)
	srv := server.New(boot, cfg, store, limiter, guard, m, h, ing, adm, clock, log)

	maint := metrics.NewMaintenance(m, h.Size, func(ctx context.Context) {
		if _, err := limiter.Cleanup(ctx); err != nil {
			log.Error().Err(err).Msg("rate limit sweep failed")
		}
		guard.Sweep()
	})

	var wg sync.WaitGroup
	run := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}
	run(h.Run)
	run(ing.Run)
	run(maint.Run)
	run(guard.Run)
	run(uploader.Run)
	for _, c := range connectors {
		run(c.Run)
	}

	httpServer := &http.Server{
		Addr:         boot.Server.ListenAddr,
		Handler:      srv.Handler(),
		ReadTimeout:  boot.Server.ReadTimeout,
		WriteTimeout: boot.Server.WriteTimeout,
		IdleTimeout:  boot.Server.IdleTimeout,
	}
	go func() {
		log.Info().Str("addr", boot.Server.ListenAddr).Msg("listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), boot.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown incomplete")
	}
	wg.Wait()
	log.Info().Msg("stopped")
}

func buildConnectors(boot config.Config, ing *ingest.Ingestor, m *metrics.Metrics, clock clockwork.Clock, log zerolog.Logger) []*feeds.Connector {
	var out []*feeds.Connector
	if boot.Feeds.JMA.Enabled {
		out = append(out, feeds.NewConnector(feeds.Config{
			Name:          event.ReceiveWolfX,
			URL:           boot.Feeds.JMA.URL,
			HistoryURL:    boot.Feeds.JMA.HistoryURL,
			BackfillLimit: boot.Feeds.JMA.BackfillLimit,
			Normalizer:    feeds.NewWolfXNormalizer(log),
			Sink:          ing.Enqueue,
			Recorder:      m,
			Clock:         clock,
			Logger:        log,
		}))
	}
	if boot.Feeds.P2P.Enabled {
		out = append(out, feeds.NewConnector(feeds.Config{
			Name:          event.ReceiveP2P,
			URL:           boot.Feeds.P2P.URL,
			HistoryURL:    boot.Feeds.P2P.HistoryURL,
			BackfillLimit: boot.Feeds.P2P.BackfillLimit,
			Normalizer:    feeds.NewP2PNormalizer(log),
			Sink:          ing.Enqueue,
			Recorder:      m,
			Clock:         clock,
			Logger:        log,
		}))
	}
	return out
}
