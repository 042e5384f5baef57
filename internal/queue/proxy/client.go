// Package proxy implements the indirect broker tier: every queue operation is
// one JSON request to a gridbroker proxy service, which runs the operation on
// its own broker. Responses may name the primary broker the service uses, which
// lets callers connect to it directly.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/gridbroker/internal/queue"
)

// Options configures the proxy client.
type Options struct {
	// URL is the base URL of the proxy service.
	URL string
	// Timeout bounds each call. Receive adds its own wait to it.
	Timeout time.Duration
	// APIKey is sent as X-API-Key when set.
	APIKey string
	// HTTPClient overrides the default client.
	HTTPClient *http.Client
	// Discover is called with the primary broker URL a response advertises.
	Discover func(serviceURL string)
	Logger   *zap.Logger
}

// Factory builds proxy queues for one service URL.
type Factory struct {
	opts   Options
	base   *url.URL
	client *http.Client
	logger *zap.Logger

	mu     sync.Mutex
	queues map[string]*Queue
	closed bool
}

// New validates the URL and returns a Factory. No request is made.
func New(opts Options) (*Factory, error) {
	base, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse proxy url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" || base.Host == "" {
		return nil, fmt.Errorf("proxy url %q must be an absolute http(s) url", opts.URL)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{
		opts:   opts,
		base:   base,
		client: client,
		logger: logger.Named("proxy"),
		queues: make(map[string]*Queue),
	}, nil
}

// Tier returns queue.TierProxy.
func (f *Factory) Tier() queue.Tier { return queue.TierProxy }

// Host returns the proxy service host.
func (f *Factory) Host() string { return f.base.Hostname() }

// Port returns the proxy service port, defaulting by scheme.
func (f *Factory) Port() int {
	if p := f.base.Port(); p != "" {
		n, _ := strconv.Atoi(p)
		return n
	}
	if f.base.Scheme == "https" {
		return 443
	}
	return 80
}

// ConnectionURL returns the proxy service URL.
func (f *Factory) ConnectionURL() string { return f.opts.URL }

// Queue returns the handle for name, which must be {service}_{shard}.
func (f *Factory) Queue(_ context.Context, name string) (queue.Queue, error) {
	service, shard, err := queue.SplitName(name)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, queue.ErrClosed
	}
	q, ok := f.queues[name]
	if !ok {
		q = &Queue{
			f:       f,
			name:    name,
			service: service,
			shard:   shard,
			issued:  make(map[uint64]string),
		}
		f.queues[name] = q
	}
	return q, nil
}

// Close drops idle connections.
func (f *Factory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.queues = nil
	f.client.CloseIdleConnections()
	return nil
}

func (f *Factory) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// call posts req to op and decodes the reply. A reply with success=false is
// returned together with a non-nil error. The call is bounded by Timeout+wait;
// a negative wait leaves only the caller's context.
func (f *Factory) call(ctx context.Context, op string, req Request, wait time.Duration) (*Response, error) {
	if f.isClosed() {
		return nil, queue.ErrClosed
	}
	if wait >= 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.opts.Timeout+wait)
		defer cancel()
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", op, err)
	}
	endpoint := f.base.JoinPath(MessagesPath, op)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", op, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if f.opts.APIKey != "" {
		httpReq.Header.Set("X-API-Key", f.opts.APIKey)
	}

	httpResp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("proxy %s: %w", op, err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 64<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", op, err)
	}
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("proxy %s: status %d: %w", op, httpResp.StatusCode, queue.ErrProtocol)
	}
	if resp.Service != "" && f.opts.Discover != nil {
		f.logger.Debug("Proxy advertised primary broker", zap.String("service", resp.Service))
		f.opts.Discover(resp.Service)
	}
	if !resp.Success {
		return &resp, responseError(op, &resp)
	}
	return &resp, nil
}

func responseError(op string, resp *Response) error {
	switch {
	case strings.Contains(resp.Comment, queue.CapacityRejectedComment):
		return fmt.Errorf("proxy %s: %w", op, queue.ErrCapacityRejected)
	case resp.Comment == "":
		return fmt.Errorf("proxy %s: unsuccessful response without comment: %w", op, queue.ErrProtocol)
	default:
		return fmt.Errorf("proxy %s: %s", op, resp.Comment)
	}
}

// Queue is a proxy handle for one {service}_{shard} queue.
type Queue struct {
	f       *Factory
	name    string
	service string
	shard   string

	mu sync.Mutex
	// issued remembers which remote tier served each delivery tag.
	issued map[uint64]string
}

func (q *Queue) request() Request {
	return Request{ServiceName: q.service, QueueName: q.shard}
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// CheckConnection probes the service's health endpoint.
func (q *Queue) CheckConnection(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, q.f.opts.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, q.f.base.JoinPath("/healthz").String(), nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	if q.f.opts.APIKey != "" {
		req.Header.Set("X-API-Key", q.f.opts.APIKey)
	}
	resp, err := q.f.client.Do(req)
	if err != nil {
		return fmt.Errorf("proxy health: %w", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("proxy health: status %d: %w", resp.StatusCode, queue.ErrTierUnavailable)
	}
	return nil
}

// Send forwards message.
func (q *Queue) Send(ctx context.Context, message []byte) error {
	req := q.request()
	req.Message = message
	if _, err := q.f.call(ctx, OpSend, req, 0); err != nil {
		return err
	}
	return nil
}

// Receive asks the service to wait up to timeout for a message.
func (q *Queue) Receive(ctx context.Context, timeout time.Duration, autoAck bool) (*queue.Envelope, error) {
	req := q.request()
	req.TimeoutMs = timeout.Milliseconds()
	req.AutoAck = &autoAck
	wait := timeout
	if wait <= 0 {
		wait = -1
	}
	resp, err := q.f.call(ctx, OpReceive, req, wait)
	// The service caps each wait, so an unbounded receive asks again.
	for timeout <= 0 && isTimeout(resp) && ctx.Err() == nil && !q.f.isClosed() {
		resp, err = q.f.call(ctx, OpReceive, req, wait)
	}
	if isTimeout(resp) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if resp.Message == nil {
		return nil, fmt.Errorf("proxy receive: response without message: %w", queue.ErrProtocol)
	}
	if !autoAck && resp.Tier != "" {
		q.mu.Lock()
		q.issued[resp.DeliveryTag] = resp.Tier
		q.mu.Unlock()
	}
	return &queue.Envelope{
		Tier:        queue.TierProxy,
		Queue:       q.name,
		Payload:     resp.Message,
		DeliveryTag: resp.DeliveryTag,
	}, nil
}

func isTimeout(resp *Response) bool {
	return resp != nil && !resp.Success && resp.Comment == TimeoutComment
}

func (q *Queue) settle(ctx context.Context, op string, deliveryTag uint64) error {
	q.mu.Lock()
	tier := q.issued[deliveryTag]
	q.mu.Unlock()

	req := q.request()
	req.DeliveryTag = deliveryTag
	req.Tier = tier
	if _, err := q.f.call(ctx, op, req, 0); err != nil {
		return err
	}
	q.mu.Lock()
	delete(q.issued, deliveryTag)
	q.mu.Unlock()
	return nil
}

// Acknowledge settles deliveryTag on the remote tier that issued it.
func (q *Queue) Acknowledge(ctx context.Context, deliveryTag uint64) error {
	return q.settle(ctx, OpAcknowledge, deliveryTag)
}

// Reject requeues deliveryTag on the remote tier that issued it.
func (q *Queue) Reject(ctx context.Context, deliveryTag uint64) error {
	return q.settle(ctx, OpReject, deliveryTag)
}

// Recover asks the service to requeue unacknowledged deliveries.
func (q *Queue) Recover(ctx context.Context) error {
	if _, err := q.f.call(ctx, OpRecover, q.request(), 0); err != nil {
		return err
	}
	q.mu.Lock()
	clear(q.issued)
	q.mu.Unlock()
	return nil
}

// Available returns the remote ready count.
func (q *Queue) Available(ctx context.Context) (int64, error) {
	resp, err := q.f.call(ctx, OpAvailable, q.request(), 0)
	if err != nil {
		return 0, err
	}
	if resp.Available == nil {
		return 0, fmt.Errorf("proxy available: response without count: %w", queue.ErrProtocol)
	}
	return *resp.Available, nil
}

// Clear drops remote ready messages.
func (q *Queue) Clear(ctx context.Context) error {
	if _, err := q.f.call(ctx, OpClear, q.request(), 0); err != nil {
		return err
	}
	return nil
}

// Close is a no-op; the factory owns the HTTP client.
func (q *Queue) Close() error { return nil }

var _ queue.Factory = (*Factory)(nil)
