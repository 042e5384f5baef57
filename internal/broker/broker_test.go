package broker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/gridbroker/internal/queue"
	"github.com/JakeFAU/gridbroker/internal/queue/local"
	"github.com/JakeFAU/gridbroker/internal/queue/memory"
	"github.com/JakeFAU/gridbroker/internal/shard"
	storagememory "github.com/JakeFAU/gridbroker/internal/storage/memory"
)

var crawlerReq = shard.Request{Service: "crawler", Shards: []string{"00"}}

func newLocal() queue.Factory {
	return local.NewFactory(storagememory.NewProvider(), nil)
}

func staticDialer(f queue.Factory) Dialer {
	return func(context.Context, string) (queue.Factory, error) { return f, nil }
}

func failingDialer(calls *atomic.Int32) Dialer {
	return func(context.Context, string) (queue.Factory, error) {
		if calls != nil {
			calls.Add(1)
		}
		return nil, errors.New("connection refused")
	}
}

func newBroker(t *testing.T, tiers Tiers, cfg Config) *Broker {
	t.Helper()
	if tiers.Local == nil {
		tiers.Local = newLocal()
	}
	b, err := New(tiers, cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestNewRequiresLocalTier(t *testing.T) {
	t.Parallel()

	_, err := New(Tiers{}, Config{}, nil)
	assert.Error(t, err)
}

func TestLocalOnlyFIFO(t *testing.T) {
	t.Parallel()

	b := newBroker(t, Tiers{}, Config{})
	ctx := context.Background()
	for _, v := range []string{"1", "2", "3"} {
		tier, err := b.Send(ctx, crawlerReq, []byte(v))
		require.NoError(t, err)
		assert.Equal(t, queue.TierLocal, tier)
	}
	for _, want := range []string{"1", "2", "3"} {
		env, err := b.Receive(ctx, crawlerReq, time.Second, true)
		require.NoError(t, err)
		require.NotNil(t, env)
		assert.Equal(t, want, string(env.Payload))
	}
}

func TestPrimaryRoundTripAndRejectRedeliver(t *testing.T) {
	t.Parallel()

	primary := memory.NewFactory(memory.Options{URL: "mem://primary"})
	b := newBroker(t, Tiers{Primary: staticDialer(primary), PrimaryAddress: "mem://primary"}, Config{})
	ctx := context.Background()

	tier, err := b.Send(ctx, crawlerReq, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, queue.TierPrimary, tier)
	assert.True(t, b.Connected(queue.TierPrimary))
	assert.Equal(t, "mem://primary", b.ConnectionURL(queue.TierPrimary))

	before, err := b.Available(ctx, crawlerReq)
	require.NoError(t, err)
	assert.Equal(t, int64(1), before.Count)
	assert.Equal(t, "crawler_00", before.Queue)

	env, err := b.Receive(ctx, crawlerReq, time.Second, false)
	require.NoError(t, err)
	require.NotNil(t, env)
	assert.Equal(t, queue.TierPrimary, env.Tier)

	require.NoError(t, b.RejectEnvelope(ctx, env))
	after, err := b.Available(ctx, crawlerReq)
	require.NoError(t, err)
	assert.Equal(t, before.Count, after.Count)

	again, err := b.Receive(ctx, crawlerReq, time.Second, false)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, "hello", string(again.Payload))
	require.NoError(t, b.AcknowledgeEnvelope(ctx, again))
	require.NoError(t, b.AcknowledgeEnvelope(ctx, again), "acknowledging twice must not fail")
}

func TestRouteBasedSettlement(t *testing.T) {
	t.Parallel()

	primary := memory.NewFactory(memory.Options{})
	b := newBroker(t, Tiers{Primary: staticDialer(primary), PrimaryAddress: "mem"}, Config{})
	ctx := context.Background()

	_, err := b.Send(ctx, crawlerReq, []byte("x"))
	require.NoError(t, err)
	env, err := b.Receive(ctx, crawlerReq, time.Second, false)
	require.NoError(t, err)
	require.NotNil(t, env)
	require.NoError(t, b.Reject(ctx, crawlerReq, env.DeliveryTag))

	env, err = b.Receive(ctx, crawlerReq, time.Second, false)
	require.NoError(t, err)
	require.NotNil(t, env)
	require.NoError(t, b.Acknowledge(ctx, crawlerReq, env.DeliveryTag))

	_, err = b.Send(ctx, crawlerReq, []byte("y"))
	require.NoError(t, err)
	_, err = b.Receive(ctx, crawlerReq, time.Second, false)
	require.NoError(t, err)
	require.NoError(t, b.Recover(ctx, crawlerReq))
	n, err := b.Available(ctx, crawlerReq)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n.Count)
}

func TestCapacityRejectionDoesNotFallThrough(t *testing.T) {
	t.Parallel()

	primary := memory.NewFactory(memory.Options{MaxLength: 1})
	localFactory := newLocal()
	b := newBroker(t, Tiers{Primary: staticDialer(primary), PrimaryAddress: "mem", Local: localFactory}, Config{})
	ctx := context.Background()

	_, err := b.Send(ctx, crawlerReq, []byte("fits"))
	require.NoError(t, err)
	tier, err := b.Send(ctx, crawlerReq, []byte("overflow"))
	require.ErrorIs(t, err, queue.ErrCapacityRejected)
	assert.Equal(t, queue.TierPrimary, tier)

	q, err := localFactory.Queue(ctx, "crawler_00")
	require.NoError(t, err)
	n, err := q.Available(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "rejected message must not land on the local tier")
}

func TestCapacityRejectionFromMockedPrimary(t *testing.T) {
	t.Parallel()

	q := new(queue.MockQueue)
	q.On("Send", mock.Anything, []byte("m")).Return(queue.ErrCapacityRejected)
	f := new(queue.MockFactory)
	f.On("Queue", mock.Anything, "crawler_00").Return(q, nil)
	f.On("Close").Return(nil)

	proxyCalls := atomic.Int32{}
	b := newBroker(t, Tiers{
		Primary: staticDialer(f), PrimaryAddress: "amqp://mock",
		Proxy: failingDialer(&proxyCalls), ProxyAddress: "http://proxy",
	}, Config{})

	_, err := b.Send(context.Background(), crawlerReq, []byte("m"))
	require.ErrorIs(t, err, queue.ErrCapacityRejected)
	assert.Zero(t, proxyCalls.Load(), "proxy must not be tried after a capacity rejection")
	q.AssertExpectations(t)
}

func TestFullFallthroughToLocal(t *testing.T) {
	t.Parallel()

	transient := errors.New("broker hiccup")
	pq := new(queue.MockQueue)
	pq.On("Send", mock.Anything, mock.Anything).Return(transient)
	pf := new(queue.MockFactory)
	pf.On("Queue", mock.Anything, mock.Anything).Return(pq, nil)
	pf.On("Close").Return(nil)

	xq := new(queue.MockQueue)
	xq.On("Send", mock.Anything, mock.Anything).Return(transient)
	xf := new(queue.MockFactory)
	xf.On("Queue", mock.Anything, mock.Anything).Return(xq, nil)
	xf.On("Close").Return(nil)

	b := newBroker(t, Tiers{
		Primary: staticDialer(pf), PrimaryAddress: "amqp://mock",
		Proxy: staticDialer(xf), ProxyAddress: "http://proxy",
	}, Config{})

	tier, err := b.Send(context.Background(), crawlerReq, []byte("safe"))
	require.NoError(t, err)
	assert.Equal(t, queue.TierLocal, tier)
	pq.AssertNumberOfCalls(t, "Send", 1)
	xq.AssertNumberOfCalls(t, "Send", 1)
	assert.True(t, b.Connected(queue.TierPrimary), "transient errors keep the connection")
}

func TestUnreachableTiersFallThrough(t *testing.T) {
	t.Parallel()

	var primaryCalls, proxyCalls atomic.Int32
	b := newBroker(t, Tiers{
		Primary: failingDialer(&primaryCalls), PrimaryAddress: "amqp://down",
		Proxy: failingDialer(&proxyCalls), ProxyAddress: "http://down",
	}, Config{})
	ctx := context.Background()

	tier, err := b.Send(ctx, crawlerReq, []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, queue.TierLocal, tier)

	// Failed tiers are retried on the next call.
	_, err = b.Send(ctx, crawlerReq, []byte("b"))
	require.NoError(t, err)
	assert.Equal(t, int32(2), primaryCalls.Load())
	assert.Equal(t, int32(2), proxyCalls.Load())
	assert.False(t, b.Connected(queue.TierPrimary))
}

func TestReconnectIntervalLimitsRedials(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	b := newBroker(t, Tiers{Primary: failingDialer(&calls), PrimaryAddress: "amqp://down"},
		Config{ReconnectInterval: time.Hour})
	ctx := context.Background()
	for range 3 {
		_, err := b.Send(ctx, crawlerReq, []byte("x"))
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestTierRecoversAfterOutage(t *testing.T) {
	t.Parallel()

	primary := memory.NewFactory(memory.Options{})
	var up atomic.Bool
	dial := func(context.Context, string) (queue.Factory, error) {
		if !up.Load() {
			return nil, errors.New("down")
		}
		return primary, nil
	}
	b := newBroker(t, Tiers{Primary: dial, PrimaryAddress: "amqp://flaky"}, Config{})
	ctx := context.Background()

	tier, err := b.Send(ctx, crawlerReq, []byte("during outage"))
	require.NoError(t, err)
	assert.Equal(t, queue.TierLocal, tier)

	up.Store(true)
	tier, err = b.Send(ctx, crawlerReq, []byte("after outage"))
	require.NoError(t, err)
	assert.Equal(t, queue.TierPrimary, tier)

	// Tiers are independent queues: the outage message stays on the local tier.
	env, err := b.Receive(ctx, crawlerReq, time.Second, true)
	require.NoError(t, err)
	require.NotNil(t, env)
	assert.Equal(t, "after outage", string(env.Payload))
	env, err = b.Receive(ctx, crawlerReq, 20*time.Millisecond, true)
	require.NoError(t, err)
	assert.Nil(t, env)
}

func TestClosedFactoryIsRedialed(t *testing.T) {
	t.Parallel()

	var dials atomic.Int32
	dial := func(context.Context, string) (queue.Factory, error) {
		dials.Add(1)
		return memory.NewFactory(memory.Options{}), nil
	}
	b := newBroker(t, Tiers{Primary: dial, PrimaryAddress: "mem"}, Config{})
	ctx := context.Background()

	_, err := b.Send(ctx, crawlerReq, []byte("x"))
	require.NoError(t, err)
	b.primary.current().Close()

	tier, err := b.Send(ctx, crawlerReq, []byte("y"))
	require.NoError(t, err)
	assert.Equal(t, queue.TierLocal, tier, "closed primary falls through")
	assert.False(t, b.Connected(queue.TierPrimary))

	tier, err = b.Send(ctx, crawlerReq, []byte("z"))
	require.NoError(t, err)
	assert.Equal(t, queue.TierPrimary, tier)
	assert.Equal(t, int32(2), dials.Load())
}

func TestConnectOnDiscovery(t *testing.T) {
	t.Parallel()

	primary := memory.NewFactory(memory.Options{URL: "mem://discovered"})
	var dialed atomic.Value
	dial := func(_ context.Context, address string) (queue.Factory, error) {
		dialed.Store(address)
		return primary, nil
	}
	b := newBroker(t, Tiers{Primary: dial}, Config{})
	ctx := context.Background()

	tier, err := b.Send(ctx, crawlerReq, []byte("before"))
	require.NoError(t, err)
	assert.Equal(t, queue.TierLocal, tier)

	b.Discover("mem://discovered")
	tier, err = b.Send(ctx, crawlerReq, []byte("after"))
	require.NoError(t, err)
	assert.Equal(t, queue.TierPrimary, tier)
	assert.Equal(t, "mem://discovered", dialed.Load())

	// Once connected, further discoveries are ignored.
	b.Discover("mem://elsewhere")
	assert.Equal(t, "mem://discovered", b.ConnectionURL(queue.TierPrimary))
}

func TestPeekRestoresMessages(t *testing.T) {
	t.Parallel()

	b := newBroker(t, Tiers{}, Config{PeekTimeout: 10 * time.Millisecond})
	ctx := context.Background()
	for _, v := range []string{"a", "b", "c"} {
		_, err := b.Send(ctx, crawlerReq, []byte(v))
		require.NoError(t, err)
	}

	peeked, err := b.Peek(ctx, crawlerReq, 2)
	require.NoError(t, err)
	require.Len(t, peeked, 2)
	assert.Equal(t, "a", string(peeked[0].Payload))
	assert.Equal(t, "b", string(peeked[1].Payload))

	n, err := b.Available(ctx, crawlerReq)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n.Count)

	all, err := b.Peek(ctx, crawlerReq, 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestReceiveTimeoutReturnsNil(t *testing.T) {
	t.Parallel()

	b := newBroker(t, Tiers{}, Config{})
	env, err := b.Receive(context.Background(), crawlerReq, 20*time.Millisecond, true)
	require.NoError(t, err)
	assert.Nil(t, env)
}

func TestCanceledContextDoesNotFallThrough(t *testing.T) {
	t.Parallel()

	primary := memory.NewFactory(memory.Options{})
	b := newBroker(t, Tiers{Primary: staticDialer(primary), PrimaryAddress: "mem"}, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := b.Receive(ctx, crawlerReq, 0, true)
	require.ErrorIs(t, err, context.Canceled)
}

func TestClearReportsTier(t *testing.T) {
	t.Parallel()

	b := newBroker(t, Tiers{}, Config{})
	ctx := context.Background()
	_, err := b.Send(ctx, crawlerReq, []byte("x"))
	require.NoError(t, err)
	tier, err := b.Clear(ctx, crawlerReq)
	require.NoError(t, err)
	assert.Equal(t, queue.TierLocal, tier)
	n, _ := b.Available(ctx, crawlerReq)
	assert.Zero(t, n.Count)
}

func TestSettleOnDisconnectedTier(t *testing.T) {
	t.Parallel()

	b := newBroker(t, Tiers{}, Config{})
	err := b.AcknowledgeEnvelope(context.Background(), &queue.Envelope{Tier: queue.TierPrimary, Queue: "crawler_00", DeliveryTag: 1})
	assert.ErrorIs(t, err, queue.ErrTierUnavailable)
	assert.Error(t, b.RejectEnvelope(context.Background(), nil))
}

func TestShardSelectionUsesBrokerAvailability(t *testing.T) {
	t.Parallel()

	b := newBroker(t, Tiers{}, Config{})
	ctx := context.Background()
	req := shard.Request{Service: "crawler", Shards: []string{"a", "b"}, Method: shard.LeastFilled}

	// Fill shard a directly so LEAST_FILLED must pick b.
	_, err := b.Send(ctx, shard.Request{Service: "crawler", Shards: []string{"a"}}, []byte("x"))
	require.NoError(t, err)
	name, err := b.QueueName(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "crawler_b", name)

	_, err = b.QueueName(ctx, shard.Request{Service: "crawler"})
	assert.ErrorIs(t, err, shard.ErrInvalidRequest)
}

func TestSelectorStateIsPerBroker(t *testing.T) {
	t.Parallel()

	req := shard.Request{Service: "crawler", Shards: []string{"a", "b", "c"}, Method: shard.RoundRobin}
	first := newBroker(t, Tiers{}, Config{})
	second := newBroker(t, Tiers{}, Config{})
	ctx := context.Background()

	_, _ = first.QueueName(ctx, req)
	n, _ := first.QueueName(ctx, req)
	assert.Equal(t, "crawler_b", n)
	m, _ := second.QueueName(ctx, req)
	assert.Equal(t, "crawler_a", m)
}
