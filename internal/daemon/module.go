package daemon

import (
	"context"
	"errors"
	"fmt"

	"github.com/matheus3301/chatrelay/internal/adminrpc"
	"github.com/matheus3301/chatrelay/internal/bus"
	"github.com/matheus3301/chatrelay/internal/config"
	"github.com/matheus3301/chatrelay/internal/conversation"
	"github.com/matheus3301/chatrelay/internal/fanout"
	"github.com/matheus3301/chatrelay/internal/httpapi"
	"github.com/matheus3301/chatrelay/internal/identity"
	"github.com/matheus3301/chatrelay/internal/ingest"
	"github.com/matheus3301/chatrelay/internal/lock"
	"github.com/matheus3301/chatrelay/internal/logging"
	"github.com/matheus3301/chatrelay/internal/paths"
	"github.com/matheus3301/chatrelay/internal/realtime"
	"github.com/matheus3301/chatrelay/internal/registry"
	"github.com/matheus3301/chatrelay/internal/spool"
	"github.com/matheus3301/chatrelay/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the command-line overrides passed to the fx module.
type Params struct {
	ConfigPath string
	DataDir    string
	// Config replaces file and environment resolution when set, for tests.
	Config *config.Config
	// SocketPath overrides the admin socket location; empty uses the data dir.
	SocketPath string
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLayout,
			provideLogger,
			provideLock,
			provideStore,
			provideBus,
			registry.New,
			provideAggregator,
			provideVerifier,
			provideRouter,
			provideHub,
			provideDispatcher,
			provideNotifier,
			providePipeline,
			provideSpool,
			providePublisher,
			provideForwarder,
			provideAdminService,
			NewServer,
			provideHTTPServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	cfg := p.Config
	if cfg == nil {
		path := p.ConfigPath
		if path == "" {
			path = paths.ConfigPath()
		}
		var err error
		if cfg, err = config.Resolve(path); err != nil {
			return nil, err
		}
	}
	if p.DataDir != "" {
		cfg.DataDir = p.DataDir
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func provideLayout(cfg *config.Config) (paths.Layout, error) {
	l := paths.New(cfg.DataDir)
	if err := l.EnsureDir(); err != nil {
		return paths.Layout{}, err
	}
	return l, nil
}

func provideLogger(l paths.Layout, cfg *config.Config) (*zap.Logger, error) {
	return logging.New(l.LogPath(), "relayd", cfg.LogLevel)
}

func provideLock(l paths.Layout, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring data dir lock", zap.String("dir", l.Root))
	lk, err := lock.Acquire(l.Root)
	if err != nil {
		return nil, err
	}
	logger.Info("data dir lock acquired")
	return lk, nil
}

// provideStore takes the lock so the database is never opened by two daemons.
func provideStore(l paths.Layout, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	db, err := store.Open(l.DBPath())
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", l.DBPath()))
	return db, nil
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideAggregator(db *store.DB, b *bus.Bus, logger *zap.Logger) *conversation.Aggregator {
	return conversation.New(db, b, logger.Named("conversation"))
}

func provideVerifier(cfg *config.Config, db *store.DB) identity.Verifier {
	if cfg.RequireKnownUsers {
		return identity.NewTokenVerifier(cfg.JWTSecret, db)
	}
	return identity.NewTokenVerifier(cfg.JWTSecret, nil)
}

func provideRouter(reg *registry.Registry, db *store.DB, agg *conversation.Aggregator, b *bus.Bus, logger *zap.Logger) *realtime.Router {
	return realtime.NewRouter(reg, db, agg, b, logger.Named("router"))
}

func provideHub(cfg *config.Config, v identity.Verifier, logger *zap.Logger) *realtime.Hub {
	return realtime.NewHub(v, realtime.HubOptions{
		QueueSize:      cfg.SendQueue,
		OriginPatterns: cfg.CORSOrigins,
	}, logger.Named("hub"))
}

func provideDispatcher(router *realtime.Router, reg *registry.Registry, hub *realtime.Hub, b *bus.Bus, logger *zap.Logger) *realtime.Dispatcher {
	d := realtime.NewDispatcher(router, reg, hub, b, logger.Named("dispatcher"))
	hub.Bind(d)
	return d
}

func provideNotifier(reg *registry.Registry, hub *realtime.Hub, logger *zap.Logger) *realtime.Notifier {
	return realtime.NewNotifier(reg, hub, logger.Named("notifier"))
}

func providePipeline(cfg *config.Config, db *store.DB, agg *conversation.Aggregator, n *realtime.Notifier, b *bus.Bus, logger *zap.Logger) (*ingest.Pipeline, error) {
	return ingest.New(db, agg, n, b, logger.Named("ingest"), ingest.Options{ChannelNumber: cfg.ChannelNumber})
}

func provideSpool(cfg *config.Config, l paths.Layout, pipeline *ingest.Pipeline, logger *zap.Logger) *spool.Watcher {
	dir := cfg.SpoolDir
	if dir == "" {
		dir = l.SpoolDir()
	}
	return spool.New(dir, pipeline, logger.Named("spool"))
}

// providePublisher returns nil when no broker is configured.
func providePublisher(cfg *config.Config, logger *zap.Logger) *fanout.Publisher {
	if cfg.AMQPURL == "" {
		return nil
	}
	return fanout.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange, fanout.DialAMQP, logger.Named("fanout"))
}

func provideForwarder(b *bus.Bus, pub *fanout.Publisher, logger *zap.Logger) *fanout.Forwarder {
	if pub == nil {
		return nil
	}
	return fanout.NewForwarder(b, pub, logger.Named("fanout"))
}

func provideAdminService(db *store.DB, pipeline *ingest.Pipeline, reg *registry.Registry, b *bus.Bus, logger *zap.Logger) *adminrpc.Service {
	return adminrpc.NewService(db, pipeline, reg, b, logger.Named("admin"))
}

func provideHTTPServer(
	cfg *config.Config,
	db *store.DB,
	router *realtime.Router,
	disp *realtime.Dispatcher,
	agg *conversation.Aggregator,
	pipeline *ingest.Pipeline,
	reg *registry.Registry,
	v identity.Verifier,
	hub *realtime.Hub,
	logger *zap.Logger,
) *httpapi.Server {
	h := httpapi.NewRouter(httpapi.Deps{
		Store:      db,
		Router:     router,
		Deliverer:  disp,
		Aggregator: agg,
		Pipeline:   pipeline,
		Registry:   reg,
		Verifier:   v,
		WS:         hub,
		Config:     cfg,
		Logger:     logger.Named("http"),
	})
	return httpapi.NewServer(cfg.ListenAddr, h, logger.Named("http"))
}

type lifecycleParams struct {
	fx.In

	Server    *Server
	HTTP      *httpapi.Server
	Hub       *realtime.Hub
	Spool     *spool.Watcher
	Publisher *fanout.Publisher
	Forwarder *fanout.Forwarder
	Store     *store.DB
	Lock      *lock.Lock
	Logger    *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, p lifecycleParams) {
	ctx, cancel := context.WithCancel(context.Background())
	logger := p.Logger

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			if p.Forwarder != nil {
				p.Forwarder.Start(ctx)
				logger.Info("event fanout enabled", zap.String("exchange", p.Publisher.Exchange()))
			}

			if err := p.Spool.Start(ctx); err != nil {
				return fmt.Errorf("start spool: %w", err)
			}

			// Start gRPC server in background.
			go func() {
				if err := p.Server.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			if err := p.HTTP.Start(); err != nil {
				return err
			}
			logger.Info("daemon started", zap.String("http", p.HTTP.Addr()), zap.String("socket", p.Server.SocketPath()))
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			var errs []error
			if err := p.HTTP.Stop(stopCtx); err != nil {
				errs = append(errs, fmt.Errorf("stop http: %w", err))
			}
			p.Hub.Close()
			p.Server.Stop(stopCtx)
			if err := p.Spool.Stop(); err != nil {
				errs = append(errs, fmt.Errorf("stop spool: %w", err))
			}
			cancel()
			if p.Forwarder != nil {
				p.Forwarder.Stop()
				if err := p.Publisher.Close(); err != nil {
					logger.Warn("error closing publisher", zap.Error(err))
				}
			}
			if err := p.Store.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close store: %w", err))
			}
			if err := p.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return errors.Join(errs...)
		},
	})
}
