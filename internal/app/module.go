// Package app composes the daemon from its parts via fx.
package app

import (
	"context"
	"os"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"wabot/internal/ai"
	"wabot/internal/archive"
	"wabot/internal/bot"
	"wabot/internal/bus"
	"wabot/internal/config"
	"wabot/internal/directory"
	"wabot/internal/history"
	"wabot/internal/lock"
	"wabot/internal/logging"
	"wabot/internal/outbox"
	"wabot/internal/profile"
	"wabot/internal/refreshq"
	"wabot/internal/registry"
	"wabot/internal/resolver"
	"wabot/internal/snapshot"
	"wabot/internal/status"
	"wabot/internal/wa"
)

// snapshotVersion tags cache files; bump on payload shape changes so
// old snapshots read as misses instead of decoding garbage.
const snapshotVersion = "1"

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("app",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideArchive,
			provideAdapter,
			provideDirectory,
			provideRegistry,
			provideHistory,
			provideResolver,
			provideRefreshQueue,
			provideAI,
			provideSender,
			provideBot,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig() *config.Config {
	return config.LoadOrDefault(profile.ConfigPath())
}

func provideLogger(p Params) (*zap.Logger, error) {
	if err := profile.EnsureDirs(p.ProfileName); err != nil {
		return nil, err
	}
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName)
}

func provideBus(logger *zap.Logger) *bus.Bus {
	b := bus.New()
	b.AddTap("", bus.LoggingTap(logger))
	return b
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(p.ProfileName)
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideArchive(p Params, logger *zap.Logger) (*archive.DB, error) {
	dbPath := profile.ArchiveDBPath(p.ProfileName)
	db, err := archive.Open(dbPath)
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
	logger.Info("archive initialized", zap.String("path", dbPath))
	return db, nil
}

func provideAdapter(p Params, b *bus.Bus, logger *zap.Logger) (*wa.Adapter, error) {
	return wa.NewAdapter(context.Background(), p.ProfileName, b, logger)
}

func provideDirectory(p Params, cfg *config.Config, logger *zap.Logger) *directory.Store {
	return directory.Open(
		profile.ContactsPath(p.ProfileName),
		profile.ContactsBackupPath(p.ProfileName),
		cfg.FlushDebounce(),
		logger,
	)
}

func provideRegistry(p Params, cfg *config.Config, adapter *wa.Adapter, logger *zap.Logger) *registry.Registry {
	store := snapshot.New[registry.Group](
		profile.CacheDir(p.ProfileName), ".json", cfg.GroupsTTL(), snapshotVersion, logger)
	return registry.New(store, adapter, logger)
}

func provideHistory(p Params, cfg *config.Config, db *archive.DB, dir *directory.Store, logger *zap.Logger) *history.Cache {
	store := snapshot.New[history.Message](
		profile.HistoryDir(p.ProfileName), "_history.json", cfg.HistoryTTL(), snapshotVersion, logger)
	return history.New(store, bot.NewHistorySource(db, dir), logger)
}

func provideResolver(dir *directory.Store, adapter *wa.Adapter, logger *zap.Logger) *resolver.Resolver {
	return resolver.New(dir, adapter, logger)
}

func provideRefreshQueue(reg *registry.Registry, adapter *wa.Adapter, logger *zap.Logger) *refreshq.Queue {
	return refreshq.New(bot.NewGroupRefresher(reg, adapter), logger)
}

func provideAI(cfg *config.Config, logger *zap.Logger) *ai.Client {
	return ai.New(cfg.AI.BaseURL, cfg.AI.APIKey, cfg.AI.ChatModel, cfg.AI.TranscribeModel, logger)
}

func provideSender(db *archive.DB, adapter *wa.Adapter, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, adapter, b, logger)
}

func provideBot(
	cfg *config.Config,
	db *archive.DB,
	dir *directory.Store,
	reg *registry.Registry,
	hist *history.Cache,
	res *resolver.Resolver,
	refresh *refreshq.Queue,
	client *ai.Client,
	adapter *wa.Adapter,
	b *bus.Bus,
	logger *zap.Logger,
) *bot.Bot {
	return bot.New(bot.Deps{
		DB:          db,
		Directory:   dir,
		Registry:    reg,
		History:     hist,
		Resolver:    res,
		Refresh:     refresh,
		AI:          client,
		Audio:       adapter,
		Bus:         b,
		Logger:      logger,
		Instruction: cfg.AI.Instruction,
		Language:    cfg.AI.Language,
	})
}

func registerLifecycle(
	lc fx.Lifecycle,
	lk *lock.Lock,
	adapter *wa.Adapter,
	pipeline *bot.Bot,
	sender *outbox.Sender,
	dir *directory.Store,
	db *archive.DB,
	machine *status.Machine,
	b *bus.Bus,
	logger *zap.Logger,
) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Bot pipeline subscribes to wa.* bus events.
			pipeline.Start(context.Background())

			// Register event handler for whatsmeow events.
			handler := wa.NewEventHandler(b, machine, adapter, logger)
			adapter.RegisterEventHandler(handler.Handle)

			// Start outbox sender.
			sender.Start(context.Background())

			if adapter.IsLoggedIn() {
				_ = machine.Transition(status.Connecting)
				go func() {
					if err := adapter.Connect(); err != nil {
						logger.Error("auto-connect failed", zap.Error(err))
						_ = machine.Transition(status.Error)
						return
					}
					seedDirectory(adapter, dir, logger)
				}()
			} else {
				logger.Info("no credentials found, auth required")
				_ = machine.Transition(status.AuthRequired)
				go runQRAuth(adapter, dir, logger)
			}

			return nil
		},
		OnStop: func(_ context.Context) error {
			pipeline.Stop()
			sender.Stop()
			adapter.Disconnect()
			dir.Close()
			if err := db.Close(); err != nil {
				logger.Warn("error closing archive", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}

// runQRAuth drives the pairing flow, printing QR codes to the terminal
// until the phone links or the flow times out.
func runQRAuth(adapter *wa.Adapter, dir *directory.Store, logger *zap.Logger) {
	events, err := adapter.StartQRAuth(context.Background())
	if err != nil {
		logger.Error("QR auth start failed", zap.Error(err))
		return
	}
	for evt := range events {
		switch evt.Type {
		case wa.AuthEventQRCode:
			os.Stdout.WriteString("\nScan this QR code with WhatsApp on your phone:\n")
			wa.RenderQR(evt.QRCode, os.Stdout)
		case wa.AuthEventAuthenticated:
			logger.Info("paired with phone")
			seedDirectory(adapter, dir, logger)
		case wa.AuthEventAuthFailed, wa.AuthEventTimeout:
			logger.Error("QR auth failed", zap.String("reason", evt.Message))
		}
	}
}

// seedDirectory primes the contact directory from the device store so
// name resolution works before the first live message arrives.
func seedDirectory(adapter *wa.Adapter, dir *directory.Store, logger *zap.Logger) {
	contacts := adapter.GetContacts(context.Background())
	for id, rec := range contacts {
		dir.Put(id, rec)
	}
	if len(contacts) > 0 {
		logger.Info("directory seeded from device store", zap.Int("contacts", len(contacts)))
	}
}
