package proxy_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/gridbroker/internal/api"
	"github.com/JakeFAU/gridbroker/internal/broker"
	"github.com/JakeFAU/gridbroker/internal/config"
	"github.com/JakeFAU/gridbroker/internal/queue"
	"github.com/JakeFAU/gridbroker/internal/queue/local"
	"github.com/JakeFAU/gridbroker/internal/queue/memory"
	"github.com/JakeFAU/gridbroker/internal/queue/proxy"
	storagememory "github.com/JakeFAU/gridbroker/internal/storage/memory"
)

// startService runs a proxy service whose primary is the given memory factory.
func startService(t *testing.T, primary *memory.Factory, cfg config.Config) *httptest.Server {
	t.Helper()
	tiers := broker.Tiers{Local: local.NewFactory(storagememory.NewProvider(), nil)}
	if primary != nil {
		tiers.PrimaryAddress = "memory"
		tiers.Primary = func(context.Context, string) (queue.Factory, error) { return primary, nil }
	}
	b, err := broker.New(tiers, broker.Config{PeekTimeout: 10 * time.Millisecond}, zap.NewNop())
	require.NoError(t, err)
	if cfg.Server.RequestTimeout == 0 {
		cfg.Server.RequestTimeout = 10 * time.Second
		cfg.Server.MaxReceiveWait = 5 * time.Second
	}
	srv := httptest.NewServer(api.NewServer(b, cfg, zap.NewNop()).Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = b.Close()
	})
	return srv
}

func newClient(t *testing.T, opts proxy.Options) *proxy.Factory {
	t.Helper()
	f, err := proxy.New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestProxyRoundTrip(t *testing.T) {
	t.Parallel()

	srv := startService(t, nil, config.Config{})
	f := newClient(t, proxy.Options{URL: srv.URL})
	ctx := context.Background()

	q, err := f.Queue(ctx, "crawler_00")
	require.NoError(t, err)
	require.NoError(t, q.CheckConnection(ctx))

	require.NoError(t, q.Send(ctx, []byte("first")))
	require.NoError(t, q.Send(ctx, []byte("second")))
	n, err := q.Available(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	env, err := q.Receive(ctx, time.Second, true)
	require.NoError(t, err)
	require.NotNil(t, env)
	assert.Equal(t, "first", string(env.Payload))
	assert.Equal(t, queue.TierProxy, env.Tier)
	assert.Equal(t, "crawler_00", env.Queue)

	require.NoError(t, q.Clear(ctx))
	n, err = q.Available(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestProxyReceiveTimeoutReturnsNil(t *testing.T) {
	t.Parallel()

	srv := startService(t, nil, config.Config{})
	f := newClient(t, proxy.Options{URL: srv.URL})
	q, err := f.Queue(context.Background(), "crawler_00")
	require.NoError(t, err)

	env, err := q.Receive(context.Background(), 20*time.Millisecond, true)
	require.NoError(t, err)
	assert.Nil(t, env)
}

func TestProxyUnboundedReceiveOutlastsServiceCap(t *testing.T) {
	t.Parallel()

	cfg := config.Config{Server: config.ServerConfig{RequestTimeout: 5 * time.Second, MaxReceiveWait: 30 * time.Millisecond}}
	srv := startService(t, nil, cfg)
	f := newClient(t, proxy.Options{URL: srv.URL})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	q, err := f.Queue(ctx, "crawler_00")
	require.NoError(t, err)

	go func() {
		time.Sleep(150 * time.Millisecond)
		_ = q.Send(ctx, []byte("late"))
	}()

	env, err := q.Receive(ctx, 0, true)
	require.NoError(t, err)
	require.NotNil(t, env, "an unbounded receive must not return on the service's cap")
	assert.Equal(t, "late", string(env.Payload))
}

func TestProxyCapacityRejection(t *testing.T) {
	t.Parallel()

	srv := startService(t, memory.NewFactory(memory.Options{MaxLength: 1}), config.Config{})
	f := newClient(t, proxy.Options{URL: srv.URL})
	q, err := f.Queue(context.Background(), "crawler_00")
	require.NoError(t, err)

	require.NoError(t, q.Send(context.Background(), []byte("fits")))
	err = q.Send(context.Background(), []byte("overflow"))
	require.ErrorIs(t, err, queue.ErrCapacityRejected)
}

func TestProxySettlementRoutesToRemoteTier(t *testing.T) {
	t.Parallel()

	srv := startService(t, memory.NewFactory(memory.Options{}), config.Config{})
	f := newClient(t, proxy.Options{URL: srv.URL})
	ctx := context.Background()
	q, err := f.Queue(ctx, "crawler_00")
	require.NoError(t, err)

	require.NoError(t, q.Send(ctx, []byte("job")))
	env, err := q.Receive(ctx, time.Second, false)
	require.NoError(t, err)
	require.NotNil(t, env)

	require.NoError(t, q.Reject(ctx, env.DeliveryTag))
	n, err := q.Available(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	env, err = q.Receive(ctx, time.Second, false)
	require.NoError(t, err)
	require.NotNil(t, env)
	require.NoError(t, q.Acknowledge(ctx, env.DeliveryTag))

	require.NoError(t, q.Send(ctx, []byte("again")))
	_, err = q.Receive(ctx, time.Second, false)
	require.NoError(t, err)
	require.NoError(t, q.Recover(ctx))
	n, err = q.Available(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestProxyDiscoversPrimary(t *testing.T) {
	t.Parallel()

	srv := startService(t, memory.NewFactory(memory.Options{URL: "amqp://grid@rabbit.local:5672/"}), config.Config{})
	var (
		mu         sync.Mutex
		discovered []string
	)
	f := newClient(t, proxy.Options{URL: srv.URL, Discover: func(u string) {
		mu.Lock()
		defer mu.Unlock()
		discovered = append(discovered, u)
	}})
	q, err := f.Queue(context.Background(), "crawler_00")
	require.NoError(t, err)
	require.NoError(t, q.Send(context.Background(), []byte("x")))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"amqp://grid@rabbit.local:5672/"}, discovered)
}

func TestProxyAPIKey(t *testing.T) {
	t.Parallel()

	cfg := config.Config{Auth: config.AuthConfig{Enabled: true, APIKey: "secret"}}
	srv := startService(t, nil, cfg)
	ctx := context.Background()

	denied := newClient(t, proxy.Options{URL: srv.URL})
	q, err := denied.Queue(ctx, "crawler_00")
	require.NoError(t, err)
	assert.Error(t, q.Send(ctx, []byte("x")))
	assert.Error(t, q.CheckConnection(ctx))

	allowed := newClient(t, proxy.Options{URL: srv.URL, APIKey: "secret"})
	q, err = allowed.Queue(ctx, "crawler_00")
	require.NoError(t, err)
	assert.NoError(t, q.Send(ctx, []byte("x")))
	assert.NoError(t, q.CheckConnection(ctx))
}

func TestProxyProtocolErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case proxy.MessagesPath + proxy.OpSend:
			_, _ = w.Write([]byte("<html>not json</html>"))
		case proxy.MessagesPath + proxy.OpAvailable:
			_, _ = w.Write([]byte(`{"success":true}`))
		case proxy.MessagesPath + proxy.OpClear:
			_, _ = w.Write([]byte(`{"success":false}`))
		default:
			_, _ = w.Write([]byte(`{"success":true,"message":null}`))
		}
	}))
	t.Cleanup(srv.Close)

	f := newClient(t, proxy.Options{URL: srv.URL})
	ctx := context.Background()
	q, err := f.Queue(ctx, "crawler_00")
	require.NoError(t, err)

	assert.ErrorIs(t, q.Send(ctx, []byte("x")), queue.ErrProtocol)
	_, err = q.Available(ctx)
	assert.ErrorIs(t, err, queue.ErrProtocol)
	assert.ErrorIs(t, q.Clear(ctx), queue.ErrProtocol)
	_, err = q.Receive(ctx, time.Second, true)
	assert.ErrorIs(t, err, queue.ErrProtocol)
}

func TestProxyUnreachable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	f := newClient(t, proxy.Options{URL: url, Timeout: time.Second})
	q, err := f.Queue(context.Background(), "crawler_00")
	require.NoError(t, err)
	err = q.Send(context.Background(), []byte("x"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, queue.ErrCapacityRejected)
}

func TestProxyFactoryValidation(t *testing.T) {
	t.Parallel()

	_, err := proxy.New(proxy.Options{URL: "ftp://proxy.local"})
	assert.Error(t, err)
	_, err = proxy.New(proxy.Options{URL: "/relative"})
	assert.Error(t, err)

	f := newClient(t, proxy.Options{URL: "https://proxy.local"})
	assert.Equal(t, queue.TierProxy, f.Tier())
	assert.Equal(t, "proxy.local", f.Host())
	assert.Equal(t, 443, f.Port())
	assert.Equal(t, "https://proxy.local", f.ConnectionURL())

	_, err = f.Queue(context.Background(), "nounderscore")
	assert.Error(t, err)

	require.NoError(t, f.Close())
	_, err = f.Queue(context.Background(), "crawler_00")
	assert.ErrorIs(t, err, queue.ErrClosed)
}
