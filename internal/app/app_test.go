// Package app_test contains unit tests for the app package.
package app_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/gridbroker/internal/api"
	"github.com/JakeFAU/gridbroker/internal/app"
	"github.com/JakeFAU/gridbroker/internal/config"
	"github.com/JakeFAU/gridbroker/internal/queue"
	"github.com/JakeFAU/gridbroker/internal/shard"
)

var target = shard.Request{Service: "crawler", Shards: []string{"00"}}

func baseConfig() config.Config {
	return config.Config{
		Server: config.ServerConfig{Port: 8080, RequestTimeout: 10 * time.Second, MaxReceiveWait: 5 * time.Second},
		Broker: config.BrokerConfig{PeekTimeout: 10 * time.Millisecond},
		Primary: config.PrimaryConfig{
			Provider:    config.ProviderNone,
			DialTimeout: 500 * time.Millisecond,
		},
		Proxy:   config.ProxyConfig{Timeout: 5 * time.Second},
		Local:   config.LocalConfig{Provider: config.ProviderMemory},
		Tracing: config.TracingConfig{ServiceName: "gridbroker-test"},
	}
}

func newApp(t *testing.T, cfg config.Config) *app.App {
	t.Helper()
	a, err := app.New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	return a
}

func TestNewApp_MemoryPrimary(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	cfg.Primary.Provider = config.ProviderMemory
	cfg.Broker.Throttling = true
	cfg.Broker.MaxQueueLength = 1
	a := newApp(t, cfg)
	ctx := context.Background()

	tier, err := a.Broker().Send(ctx, target, []byte("first"))
	require.NoError(t, err)
	assert.Equal(t, queue.TierPrimary, tier)

	_, err = a.Broker().Send(ctx, target, []byte("second"))
	assert.ErrorIs(t, err, queue.ErrCapacityRejected, "throttled memory primary rejects past the limit")
}

func TestNewApp_NoPrimaryUsesLocal(t *testing.T) {
	t.Parallel()

	a := newApp(t, baseConfig())
	tier, err := a.Broker().Send(context.Background(), target, []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, queue.TierLocal, tier)
	assert.Equal(t, config.ProviderNone, a.Config().Primary.Provider)
	assert.NotNil(t, a.Logger())
}

func TestNewApp_UnreachableAMQPFallsThrough(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	cfg.Primary.Provider = config.ProviderAMQP
	cfg.Primary.Host = "127.0.0.1"
	cfg.Primary.Port = 1
	a := newApp(t, cfg)

	tier, err := a.Broker().Send(context.Background(), target, []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, queue.TierLocal, tier)
	assert.False(t, a.Broker().Connected(queue.TierPrimary))
}

func TestNewApp_AMQPWithoutHostWaitsForDiscovery(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	cfg.Primary.Provider = config.ProviderAMQP
	a := newApp(t, cfg)

	tier, err := a.Broker().Send(context.Background(), target, []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, queue.TierLocal, tier)
}

func TestNewApp_PebbleSurvivesRestart(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	cfg.Local = config.LocalConfig{Provider: config.ProviderPebble, Path: t.TempDir(), Fsync: "always"}
	ctx := context.Background()

	first, err := app.New(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	_, err = first.Broker().Send(ctx, target, []byte("persisted"))
	require.NoError(t, err)
	require.NoError(t, first.Close(ctx))

	second := newApp(t, cfg)
	env, err := second.Broker().Receive(ctx, target, time.Second, true)
	require.NoError(t, err)
	require.NotNil(t, env)
	assert.Equal(t, "persisted", string(env.Payload))
	assert.Equal(t, queue.TierLocal, env.Tier)
}

func TestNewApp_RedisLocal(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	cfg := baseConfig()
	cfg.Local = config.LocalConfig{Provider: config.ProviderRedis, RedisURL: "redis://" + mr.Addr(), RedisPrefix: "test:"}
	a := newApp(t, cfg)

	_, err := a.Broker().Send(context.Background(), target, []byte("x"))
	require.NoError(t, err)
	assert.True(t, mr.Exists("test:crawler_00"))
}

func TestNewApp_ProxyTier(t *testing.T) {
	t.Parallel()

	serviceCfg := baseConfig()
	serviceCfg.Primary.Provider = config.ProviderMemory
	service := newApp(t, serviceCfg)
	srv := httptest.NewServer(api.NewServer(service.Broker(), serviceCfg, zap.NewNop()).Handler())
	t.Cleanup(srv.Close)

	cfg := baseConfig()
	cfg.Proxy.URL = srv.URL
	client := newApp(t, cfg)
	ctx := context.Background()

	tier, err := client.Broker().Send(ctx, target, []byte("via proxy"))
	require.NoError(t, err)
	assert.Equal(t, queue.TierProxy, tier)

	env, err := service.Broker().Receive(ctx, target, time.Second, true)
	require.NoError(t, err)
	require.NotNil(t, env)
	assert.Equal(t, "via proxy", string(env.Payload))
	assert.Equal(t, queue.TierPrimary, env.Tier)
}

func TestNewApp_InvalidProviders(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	cfg.Local.Provider = "disk"
	_, err := app.New(context.Background(), cfg, zap.NewNop())
	assert.ErrorContains(t, err, "unknown local provider")

	cfg = baseConfig()
	cfg.Primary.Provider = "kafka"
	_, err = app.New(context.Background(), cfg, zap.NewNop())
	assert.ErrorContains(t, err, "unknown primary provider")

	cfg = baseConfig()
	cfg.Local = config.LocalConfig{Provider: config.ProviderPebble, Path: t.TempDir(), Fsync: "sometimes"}
	_, err = app.New(context.Background(), cfg, zap.NewNop())
	assert.ErrorContains(t, err, "fsync")
}
