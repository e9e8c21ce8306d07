package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"roundsync/internal/app"
	"roundsync/internal/config"
	"roundsync/internal/domain"
	"roundsync/internal/infra/memory"
	natsbus "roundsync/internal/infra/nats"
	rediscache "roundsync/internal/infra/redis"
	"roundsync/internal/logger"
	"roundsync/internal/metrics"
	transport "roundsync/internal/transport/http"
)

// session wires one engine to its API client and optional infrastructure.
type session struct {
	cfg       config.Config
	engine    *app.Engine
	publisher *natsbus.SnapshotPublisher
	registry  *prometheus.Registry

	detachForward func()
	closers       []func()
}

func openSession(opts *rootOptions) (*session, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if opts.baseURL != "" {
		cfg.API.BaseURL = opts.baseURL
	}
	if opts.sessionID == "" {
		return nil, errors.New("a session id is required (--session or ROUNDSYNC_SESSION)")
	}

	logCfg := logger.DefaultLogConfig()
	logCfg.Level = cfg.Log.Level
	logCfg.JSON = cfg.Log.JSON
	logCfg.FilePath = cfg.Log.File
	if cfg.Log.MaxSizeMB > 0 {
		logCfg.MaxSize = cfg.Log.MaxSizeMB
	}
	if cfg.Log.MaxBackups > 0 {
		logCfg.MaxBackups = cfg.Log.MaxBackups
	}
	if cfg.Log.MaxAgeDays > 0 {
		logCfg.MaxAge = cfg.Log.MaxAgeDays
	}
	logger.Init(logCfg)
	log := logger.For("cli")

	s := &session{cfg: cfg}
	game := domain.ParseGameType(opts.game)

	client := transport.NewClient(cfg.API.BaseURL, game)
	client.SetTimeout(config.TTLDuration(cfg.API.Timeout, 10*time.Second))
	client.SetLogger(logger.For("api"))
	if opts.token != "" {
		client.SetHeader("Authorization", "Bearer "+opts.token)
	}

	var cache app.ResponseTimeCache
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		s.closers = append(s.closers, func() { _ = rdb.Close() })
		cache = rediscache.NewResponseTimeCache(rdb, config.TTLDuration(cfg.Redis.TTL, 2*time.Hour))
		log.Info().Str("addr", cfg.Redis.Addr).Msg("response times cached in redis")
	} else {
		cache = memory.NewResponseTimeCache()
	}

	var collector *metrics.Collector
	if cfg.Metrics.Addr != "" {
		s.registry = prometheus.NewRegistry()
		s.registry.MustRegister(collectors.NewGoCollector())
		collector = metrics.New(s.registry)
	}

	if cfg.NATS.URL != "" {
		nc, err := natsbus.Connect(cfg.NATS.URL, logger.For("nats"))
		if err != nil {
			s.close()
			return nil, err
		}
		s.closers = append(s.closers, func() { _ = nc.Drain() })
		s.publisher = natsbus.NewSnapshotPublisher(nc, logger.For("nats"))
	}

	s.engine = app.NewEngine(app.Options{
		SessionID: opts.sessionID,
		UserUID:   opts.userUID,
		IsHost:    opts.host,
		GameType:  game,
		Settings:  cfg.Engine,
		API:       client,
		Cache:     cache,
		Logger:    logger.For("engine"),
		Metrics:   collector,
	})
	return s, nil
}

// start launches the optional side goroutines on g: the local status
// server (metrics, health, observer socket) and the NATS snapshot mirror. The mirror ends when detach is called, so
// the snapshot carrying the final result is still published.
func (s *session) start(ctx context.Context, g *errgroup.Group) {
	if s.registry != nil {
		srv := &http.Server{
			Addr:         s.cfg.Metrics.Addr,
			Handler:      s.statusMux(),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("status server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	if s.publisher != nil {
		updates, cancel := s.engine.Subscribe()
		s.detachForward = cancel
		g.Go(func() error {
			return s.publisher.Forward(context.WithoutCancel(ctx), updates)
		})
	}
}

func (s *session) statusMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/ws", transport.NewObserverHandler(s.engine, logger.For("observer")).ServeWS)
	return mux
}

func (s *session) detach() {
	if s.detachForward != nil {
		s.detachForward()
	}
}

func (s *session) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}
