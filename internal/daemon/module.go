package daemon

import (
	"context"
	"errors"

	"github.com/matheus3301/sealdm/internal/account"
	"github.com/matheus3301/sealdm/internal/api"
	"github.com/matheus3301/sealdm/internal/bus"
	"github.com/matheus3301/sealdm/internal/cache"
	"github.com/matheus3301/sealdm/internal/config"
	"github.com/matheus3301/sealdm/internal/e2ee"
	"github.com/matheus3301/sealdm/internal/keys"
	"github.com/matheus3301/sealdm/internal/logging"
	"github.com/matheus3301/sealdm/internal/metrics"
	"github.com/matheus3301/sealdm/internal/outbox"
	"github.com/matheus3301/sealdm/internal/rest"
	"github.com/matheus3301/sealdm/internal/status"
	"github.com/matheus3301/sealdm/internal/store"
	intsync "github.com/matheus3301/sealdm/internal/sync"
	"github.com/matheus3301/sealdm/internal/transport"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved account configuration passed to the fx module.
type Params struct {
	Account    string
	SocketPath string // optional override for testing; empty = use default
	Version    string
}

// Machines groups the two status machines; both have the same type.
type Machines struct {
	Auth *status.Machine
	Conn *status.Machine
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideMachines,
			provideLock,
			provideStore,
			provideMetrics,
			provideCache,
			provideREST,
			provideKeys,
			provideCipher,
			provideChannel,
			provideSender,
			provideEngine,
			provideService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig() (*config.Config, error) {
	return config.LoadOrDefault(account.ConfigPath())
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	if err := account.EnsureDir(p.Account); err != nil {
		return nil, err
	}
	return logging.New(account.LogPath(p.Account), p.Account, cfg.LogLevel)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideMachines(b *bus.Bus) Machines {
	return Machines{Auth: status.NewAuth(b), Conn: status.NewConnection(b)}
}

func provideLock(p Params, logger *zap.Logger) (*account.Lock, error) {
	logger.Info("acquiring account lock", zap.String("account", p.Account))
	l, err := account.AcquireLock(account.Dir(p.Account))
	if err != nil {
		return nil, err
	}
	logger.Info("account lock acquired")
	return l, nil
}

// provideStore takes the lock as a dependency so the database is never
// opened by a second daemon.
func provideStore(p Params, _ *account.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := account.DBPath(p.Account)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("from", result.From), zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideMetrics() *metrics.Metrics {
	return metrics.New()
}

func provideCache(p Params, _ *account.Lock, logger *zap.Logger, m *metrics.Metrics) (*cache.Cache, error) {
	return cache.New(account.CacheDir(p.Account), logger, m)
}

func provideREST(p Params, cfg *config.Config, logger *zap.Logger) *rest.Client {
	c := rest.New(cfg.Server.APIBaseURL, logger)
	if tok, err := config.LoadToken(account.EnvPath(p.Account)); err == nil {
		c.SetToken(tok)
	} else if !errors.Is(err, config.ErrNoToken) {
		logger.Warn("reading access token", zap.Error(err))
	}
	return c
}

func provideKeys(p Params, _ *account.Lock, logger *zap.Logger) *keys.Manager {
	return keys.NewManager(keys.NewFileStore(account.KeysDir(p.Account)), logger)
}

func provideCipher(cfg *config.Config, km *keys.Manager, rc *rest.Client) *e2ee.MessageCipher {
	return e2ee.NewMessageCipher(e2ee.New(km), km, rc, cfg.Server.UserID)
}

func provideChannel(cfg *config.Config, ms Machines, logger *zap.Logger, m *metrics.Metrics) *transport.Channel {
	return transport.New(transport.Options{
		BaseURL:     cfg.Server.WSBaseURL,
		Heartbeat:   cfg.Transport.Heartbeat.Duration,
		MaxBackoff:  cfg.Transport.MaxBackoff.Duration,
		SwitchDelay: cfg.Transport.SwitchDelay.Duration,
	}, ms.Conn, logger, m)
}

func provideSender(db *store.DB, ch *transport.Channel, logger *zap.Logger, m *metrics.Metrics) *outbox.Sender {
	return outbox.NewSender(db, ch, logger, m)
}

func provideEngine(
	cfg *config.Config,
	db *store.DB,
	ch *transport.Channel,
	rc *rest.Client,
	cipher *e2ee.MessageCipher,
	c *cache.Cache,
	sender *outbox.Sender,
	m *metrics.Metrics,
	b *bus.Bus,
	logger *zap.Logger,
) *intsync.Engine {
	return intsync.NewEngine(ch, intsync.Options{
		SelfID:             cfg.Server.UserID,
		PageSize:           cfg.Sync.PageSize,
		ReadDebounce:       cfg.Sync.ReadDebounce.Duration,
		MatchWindow:        cfg.Sync.MatchWindow.Duration,
		DecryptConcurrency: cfg.Sync.DecryptConcurrency,
	}, intsync.Deps{
		API:         rc,
		Cipher:      cipher,
		Cache:       c,
		Outbox:      sender,
		Checkpoints: intsync.NewReconciler(db, logger),
		Metrics:     m,
		Bus:         b,
		Logger:      logger,
	})
}

func provideService(
	p Params,
	cfg *config.Config,
	ms Machines,
	km *keys.Manager,
	cipher *e2ee.MessageCipher,
	rc *rest.Client,
	engine *intsync.Engine,
	c *cache.Cache,
	sender *outbox.Sender,
	db *store.DB,
	b *bus.Bus,
	logger *zap.Logger,
) *api.Service {
	envPath := account.EnvPath(p.Account)
	return api.NewService(api.Deps{
		Account:   p.Account,
		SelfID:    cfg.Server.UserID,
		Device:    keys.CurrentDevice(p.Version),
		Auth:      ms.Auth,
		Conn:      ms.Conn,
		Keys:      km,
		Session:   cipher,
		Directory: rc,
		Rooms:     engine,
		Bus:       b,
		// Re-read on every room open so a token saved while the daemon
		// runs is picked up.
		Token: func() (string, error) {
			tok, err := config.LoadToken(envPath)
			if err != nil {
				return "", err
			}
			rc.SetToken(tok)
			return tok, nil
		},
		Purge: func() error {
			c.Clear()
			return errors.Join(sender.Clear(), db.ClearCheckpoints())
		},
		Logger: logger,
	})
}

func registerLifecycle(
	lc fx.Lifecycle,
	cfg *config.Config,
	srv *Server,
	lk *account.Lock,
	db *store.DB,
	c *cache.Cache,
	ch *transport.Channel,
	engine *intsync.Engine,
	sender *outbox.Sender,
	m *metrics.Metrics,
	logger *zap.Logger,
) {
	var scrape *metrics.Server
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			engine.Start(context.Background())
			sender.Start(context.Background())

			if cfg.MetricsAddr != "" {
				s, err := m.Listen(cfg.MetricsAddr, logger)
				if err != nil {
					logger.Warn("metrics endpoint disabled", zap.Error(err))
				} else {
					scrape = s
				}
			}

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			srv.Stop(ctx)
			engine.Stop()
			sender.Stop()
			_ = ch.Close()
			if err := c.Close(); err != nil {
				logger.Warn("error closing cache", zap.Error(err))
			}
			if scrape != nil {
				_ = scrape.Shutdown(ctx)
			}
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
