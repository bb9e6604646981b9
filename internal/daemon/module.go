package daemon

import (
	"context"
	"errors"
	"os"

	"github.com/commsync/commsync/internal/bus"
	"github.com/commsync/commsync/internal/cache"
	"github.com/commsync/commsync/internal/config"
	"github.com/commsync/commsync/internal/engine"
	"github.com/commsync/commsync/internal/lock"
	"github.com/commsync/commsync/internal/logging"
	"github.com/commsync/commsync/internal/notify"
	"github.com/commsync/commsync/internal/profile"
	"github.com/commsync/commsync/internal/push"
	"github.com/commsync/commsync/internal/rest"
	"github.com/commsync/commsync/internal/scheduler"
	"github.com/commsync/commsync/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile string
}

// Module returns the fx module for the daemon, composing all providers
// and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideCache,
			provideRestClient,
			providePush,
			provideRouter,
			provideEngine,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig() (*config.Config, error) {
	cfg, err := config.Load(profile.ConfigPath())
	if errors.Is(err, os.ErrNotExist) {
		// First run: defaults only, no accounts to sync yet.
		return config.Default(), nil
	}
	return cfg, err
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.Profile), p.Profile)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(profile.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.Profile)
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
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideCache() *cache.Cache {
	return cache.New()
}

func provideRestClient(cfg *config.Config, logger *zap.Logger) (*rest.Client, error) {
	return rest.NewClient(cfg.API.BaseURL, cfg.API.Token, logger)
}

func providePush(cfg *config.Config, db *store.DB, b *bus.Bus, logger *zap.Logger) *push.Client {
	if cfg.API.PushURL == "" {
		return nil
	}
	return push.NewClient(cfg.API.PushURL, cfg.API.Token, db, b, logger)
}

// openGuard allows every contact. The daemon runs for a single local
// operator whose token already scopes what the store will return; the
// hosted CRM injects its real permission layer here instead.
type openGuard struct{}

func (openGuard) CheckAccess(context.Context, string, string) (bool, error) {
	return true, nil
}

func provideRouter(cfg *config.Config, c *cache.Cache, b *bus.Bus, logger *zap.Logger) *notify.Router {
	return notify.NewRouter(cfg.API.ActorID, openGuard{}, c, b, logger)
}

func provideEngine(api *rest.Client, db *store.DB, b *bus.Bus, logger *zap.Logger, cfg *config.Config, c *cache.Cache, router *notify.Router, pushClient *push.Client) *engine.Engine {
	opts := engine.Options{
		Accounts: cfg.ModelAccounts(),
		Scheduler: scheduler.Options{
			Interval: cfg.PollInterval(),
			Guard:    cfg.ActivityGuard(),
			Ceiling:  cfg.RefreshCeiling(),
			Recheck:  cfg.RecheckDelay(),
		},
		EchoTolerance: cfg.EchoTolerance(),
		Router:        router,
		Cache:         c,
	}
	if pushClient != nil {
		opts.Push = pushClient
	}
	return engine.New(api, db, b, logger, opts)
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, eng *engine.Engine, db *store.DB, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			return eng.Start(context.Background())
		},
		OnStop: func(_ context.Context) error {
			eng.Stop()
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
