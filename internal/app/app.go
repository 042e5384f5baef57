// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/gridbroker/internal/broker"
	"github.com/JakeFAU/gridbroker/internal/clock/system"
	"github.com/JakeFAU/gridbroker/internal/config"
	"github.com/JakeFAU/gridbroker/internal/metrics"
	"github.com/JakeFAU/gridbroker/internal/queue"
	amqpqueue "github.com/JakeFAU/gridbroker/internal/queue/amqp"
	"github.com/JakeFAU/gridbroker/internal/queue/local"
	memoryqueue "github.com/JakeFAU/gridbroker/internal/queue/memory"
	"github.com/JakeFAU/gridbroker/internal/queue/proxy"
	"github.com/JakeFAU/gridbroker/internal/storage"
	memorystore "github.com/JakeFAU/gridbroker/internal/storage/memory"
	pebblestore "github.com/JakeFAU/gridbroker/internal/storage/pebble"
	redisstore "github.com/JakeFAU/gridbroker/internal/storage/redis"
	"github.com/JakeFAU/gridbroker/internal/telemetry"
)

// memoryAddress is the primary address used with primary.provider=memory.
const memoryAddress = "memory"

// App holds the shared, long-lived services: the broker, its local store and
// the tracer provider.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	broker   *broker.Broker
	store    storage.Provider
	shutdown telemetry.Shutdown
}

// Config returns the loaded configuration.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Broker returns the tiered broker.
func (a *App) Broker() *broker.Broker { return a.broker }

// New builds every service from cfg. It fails fast when the local store
// cannot be opened; remote tiers are dialed lazily by the broker.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("Initializing application services...")
	metrics.Init()

	shutdown, err := telemetry.Init(ctx, cfg.Tracing, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	store, err := openLocalStore(ctx, cfg.Local, logger)
	if err != nil {
		_ = shutdown(ctx)
		return nil, fmt.Errorf("failed to initialize local store: %w", err)
	}

	a := &App{cfg: cfg, logger: logger, store: store, shutdown: shutdown}
	tiers := broker.Tiers{Local: local.NewFactory(store, logger)}
	tiers.Primary, tiers.PrimaryAddress, err = primaryDialer(cfg, logger)
	if err != nil {
		_ = store.Close()
		_ = shutdown(ctx)
		return nil, err
	}
	if cfg.Proxy.URL != "" {
		tiers.ProxyAddress = cfg.Proxy.URL
		tiers.Proxy = proxyDialer(cfg.Proxy, logger, func(address string) { a.broker.Discover(address) })
	}

	a.broker, err = broker.New(tiers, broker.Config{
		AutoAck:           cfg.Broker.AutoAck,
		ReconnectInterval: cfg.Broker.ReconnectInterval,
		AvailabilityTTL:   cfg.Broker.AvailabilityTTL,
		PeekTimeout:       cfg.Broker.PeekTimeout,
		Clock:             system.New(),
	}, logger)
	if err != nil {
		_ = store.Close()
		_ = shutdown(ctx)
		return nil, fmt.Errorf("failed to initialize broker: %w", err)
	}

	logger.Info("Application services initialized successfully.",
		zap.String("primary", cfg.Primary.Provider),
		zap.String("proxy", cfg.Proxy.URL),
		zap.String("local", cfg.Local.Provider),
	)
	return a, nil
}

func openLocalStore(ctx context.Context, cfg config.LocalConfig, logger *zap.Logger) (storage.Provider, error) {
	switch cfg.Provider {
	case config.ProviderPebble:
		mode, err := pebblestore.ParseFsyncMode(cfg.Fsync)
		if err != nil {
			return nil, err
		}
		logger.Info("Using Pebble local store", zap.String("path", cfg.Path), zap.Stringer("fsync", mode))
		return pebblestore.Open(pebblestore.Options{
			DataDir:       cfg.Path,
			Fsync:         mode,
			FsyncInterval: cfg.FsyncInterval,
		})
	case config.ProviderRedis:
		logger.Info("Using Redis local store", zap.String("prefix", cfg.RedisPrefix))
		return redisstore.Connect(ctx, redisstore.Config{URL: cfg.RedisURL, Prefix: cfg.RedisPrefix})
	case config.ProviderMemory:
		logger.Warn("Using in-memory local store. Messages on the local tier will not survive a restart.")
		return memorystore.NewProvider(), nil
	default:
		return nil, fmt.Errorf("unknown local provider: %s", cfg.Provider)
	}
}

func primaryDialer(cfg config.Config, logger *zap.Logger) (broker.Dialer, string, error) {
	switch cfg.Primary.Provider {
	case config.ProviderAMQP:
		opts := amqpqueue.Options{
			Host:           cfg.Primary.Host,
			Port:           cfg.Primary.Port,
			Username:       cfg.Primary.Username,
			Password:       cfg.Primary.Password,
			VHost:          cfg.Primary.VHost,
			Lazy:           cfg.Broker.Lazy,
			MaxLength:      cfg.Broker.MaxLength(),
			DialTimeout:    cfg.Primary.DialTimeout,
			ConfirmTimeout: cfg.Primary.ConfirmTimeout,
			PollInterval:   cfg.Primary.PollInterval,
			Logger:         logger,
		}
		address := ""
		if cfg.Primary.Host != "" {
			address = opts.Address()
		}
		return amqpDialer(opts), address, nil
	case config.ProviderMemory:
		f := memoryqueue.NewFactory(memoryqueue.Options{MaxLength: cfg.Broker.MaxLength()})
		return func(context.Context, string) (queue.Factory, error) { return f, nil }, memoryAddress, nil
	case config.ProviderNone:
		return nil, "", nil
	default:
		return nil, "", fmt.Errorf("unknown primary provider: %s", cfg.Primary.Provider)
	}
}

// amqpDialer dials the configured broker, or the one a proxy service advertised.
func amqpDialer(base amqpqueue.Options) broker.Dialer {
	return func(_ context.Context, address string) (queue.Factory, error) {
		opts, err := base.WithAddress(address)
		if err != nil {
			return nil, err
		}
		return amqpqueue.Dial(opts)
	}
}

func proxyDialer(cfg config.ProxyConfig, logger *zap.Logger, discover func(string)) broker.Dialer {
	return func(_ context.Context, address string) (queue.Factory, error) {
		return proxy.New(proxy.Options{
			URL:      address,
			Timeout:  cfg.Timeout,
			APIKey:   cfg.APIKey,
			Discover: discover,
			Logger:   logger,
		})
	}
}

// Close shuts down the broker, the local store and the tracer provider.
func (a *App) Close(ctx context.Context) error {
	a.logger.Info("Shutting down application services...")
	var errs []error
	if err := a.broker.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close local store: %w", err))
	}
	if err := a.shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
