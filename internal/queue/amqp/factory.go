// Package amqp implements the primary broker tier on RabbitMQ.
//
// One Factory holds one connection and one channel in publisher-confirm mode.
// Queues are durable, named {service}_{shard}, and optionally length-limited
// with reject-publish overflow so a full queue nacks instead of dropping.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/JakeFAU/gridbroker/internal/queue"
)

// Options configures the RabbitMQ connection and queue declaration.
type Options struct {
	Host     string
	Port     int
	Username string
	Password string
	VHost    string

	// Lazy declares queues with x-queue-mode=lazy.
	Lazy bool
	// MaxLength adds x-max-length and x-overflow=reject-publish when > 0.
	MaxLength int

	DialTimeout    time.Duration
	ConfirmTimeout time.Duration
	PollInterval   time.Duration

	Logger *zap.Logger
}

func (o *Options) setDefaults() {
	if o.Port == 0 {
		o.Port = 5672
	}
	if o.VHost == "" {
		o.VHost = "/"
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.ConfirmTimeout <= 0 {
		o.ConfirmTimeout = 10 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Factory owns the connection to one RabbitMQ host.
type Factory struct {
	opts   Options
	logger *zap.Logger

	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	confirms *confirmTracker
	queues   map[string]*Queue
	closed   bool

	// pubMu keeps sequence number reads and publishes in the same order.
	pubMu sync.Mutex
}

// Dial connects to RabbitMQ and opens a confirm-mode channel.
func Dial(opts Options) (*Factory, error) {
	opts.setDefaults()
	if opts.Host == "" {
		return nil, errors.New("amqp: host is required")
	}
	f := &Factory{
		opts:   opts,
		logger: opts.Logger.Named("amqp"),
		queues: make(map[string]*Queue),
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.connectLocked(); err != nil {
		return nil, err
	}
	f.logger.Info("Connected to RabbitMQ", zap.String("url", f.ConnectionURL()))
	return f, nil
}

// Tier returns queue.TierPrimary.
func (f *Factory) Tier() queue.Tier { return queue.TierPrimary }

// Host returns the broker host.
func (f *Factory) Host() string { return f.opts.Host }

// Port returns the broker port.
func (f *Factory) Port() int { return f.opts.Port }

// ConnectionURL returns the broker URL without the password.
func (f *Factory) ConnectionURL() string {
	return f.opts.brokerURL(url.User(f.opts.Username))
}

func (f *Factory) dialURL() string {
	return f.opts.brokerURL(url.UserPassword(f.opts.Username, f.opts.Password))
}

// Address returns the password-free broker URL these options connect to.
func (o Options) Address() string {
	o.setDefaults()
	return o.brokerURL(url.User(o.Username))
}

// WithAddress returns a copy of o pointed at an amqp:// address, as
// advertised by a proxy service. The password is kept only when the address
// names no user or the configured one.
func (o Options) WithAddress(address string) (Options, error) {
	u, err := url.Parse(address)
	if err != nil {
		return o, fmt.Errorf("parse amqp address: %w", err)
	}
	if u.Scheme != "amqp" || u.Hostname() == "" {
		return o, fmt.Errorf("amqp address %q must be amqp://host[:port][/vhost]", address)
	}
	o.Host = u.Hostname()
	o.Port = 0
	if p := u.Port(); p != "" {
		if o.Port, err = strconv.Atoi(p); err != nil {
			return o, fmt.Errorf("amqp address port %q: %w", p, err)
		}
	}
	o.VHost = strings.TrimPrefix(u.Path, "/")
	if name := u.User.Username(); name != "" && name != o.Username {
		o.Username = name
		o.Password = ""
	}
	if pw, ok := u.User.Password(); ok {
		o.Password = pw
	}
	return o, nil
}

func (o Options) brokerURL(user *url.Userinfo) string {
	u := url.URL{
		Scheme: "amqp",
		Host:   net.JoinHostPort(o.Host, strconv.Itoa(o.Port)),
		Path:   "/" + strings.TrimPrefix(o.VHost, "/"),
	}
	if o.Username != "" {
		u.User = user
	}
	return u.String()
}

// Queue declares name on first use and returns its handle.
func (f *Factory) Queue(_ context.Context, name string) (queue.Queue, error) {
	if name == "" {
		return nil, errors.New("amqp: queue name is required")
	}
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, queue.ErrClosed
	}
	if q, ok := f.queues[name]; ok {
		f.mu.Unlock()
		return q, nil
	}
	f.mu.Unlock()

	if err := f.declare(name); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if q, ok := f.queues[name]; ok {
		return q, nil
	}
	q := &Queue{name: name, f: f}
	f.queues[name] = q
	return q, nil
}

// Close closes the connection. Closing twice is safe.
func (f *Factory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	f.queues = nil
	if f.conn == nil || f.conn.IsClosed() {
		return nil
	}
	if err := f.conn.Close(); err != nil {
		return fmt.Errorf("close amqp connection: %w", err)
	}
	return nil
}

func queueArguments(lazy bool, maxLength int) amqp.Table {
	args := amqp.Table{"x-queue-mode": "default"}
	if lazy {
		args["x-queue-mode"] = "lazy"
	}
	if maxLength > 0 {
		args["x-max-length"] = int64(maxLength)
		args["x-overflow"] = "reject-publish"
	}
	return args
}

// declare creates the durable queue. An existing queue declared with other
// arguments makes the server close the channel with PRECONDITION_FAILED; the
// declaration is then retried without the length limit and finally passively.
func (f *Factory) declare(name string) error {
	attempts := []struct {
		desc string
		fn   func(ch *amqp.Channel) error
	}{
		{"declare", func(ch *amqp.Channel) error {
			_, err := ch.QueueDeclare(name, true, false, false, false, queueArguments(f.opts.Lazy, f.opts.MaxLength))
			return err
		}},
		{"declare without length limit", func(ch *amqp.Channel) error {
			_, err := ch.QueueDeclare(name, true, false, false, false, queueArguments(f.opts.Lazy, 0))
			return err
		}},
		{"passive declare", func(ch *amqp.Channel) error {
			_, err := ch.QueueDeclarePassive(name, true, false, false, false, nil)
			return err
		}},
	}
	var err error
	for _, a := range attempts {
		err = f.withChannel(a.fn)
		if err == nil {
			return nil
		}
		var amqpErr *amqp.Error
		if !errors.As(err, &amqpErr) || amqpErr.Code != amqp.PreconditionFailed {
			break
		}
		f.logger.Warn("Queue declaration conflicts with existing queue",
			zap.String("queue", name), zap.String("attempt", a.desc), zap.Error(err))
	}
	return fmt.Errorf("declare %s: %w", name, err)
}

// withChannel runs fn on the current channel. A failure that is not a
// capacity rejection reopens the channel (and the connection if needed)
// and runs fn once more.
func (f *Factory) withChannel(fn func(ch *amqp.Channel) error) error {
	ch, _, err := f.channel()
	if err != nil {
		return err
	}
	err = fn(ch)
	if err == nil || errors.Is(err, queue.ErrCapacityRejected) {
		return err
	}
	f.logger.Debug("AMQP operation failed, reopening channel", zap.Error(err))
	ch, _, rerr := f.channel()
	if rerr != nil {
		return errors.Join(err, rerr)
	}
	return fn(ch)
}

// channel returns a live channel and its confirm tracker, reconnecting as needed.
func (f *Factory) channel() (*amqp.Channel, *confirmTracker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, nil, queue.ErrClosed
	}
	if f.conn == nil || f.conn.IsClosed() {
		if err := f.connectLocked(); err != nil {
			return nil, nil, err
		}
		f.logger.Info("Reconnected to RabbitMQ", zap.String("url", f.ConnectionURL()))
	} else if f.ch == nil || f.ch.IsClosed() {
		if err := f.openChannelLocked(); err != nil {
			return nil, nil, err
		}
	}
	return f.ch, f.confirms, nil
}

func (f *Factory) connectLocked() error {
	if f.conn != nil && !f.conn.IsClosed() {
		_ = f.conn.Close()
	}
	conn, err := amqp.DialConfig(f.dialURL(), amqp.Config{
		Dial:       amqp.DefaultDial(f.opts.DialTimeout),
		Properties: amqp.Table{"connection_name": "gridbroker"},
	})
	if err != nil {
		return fmt.Errorf("dial %s: %w", f.ConnectionURL(), err)
	}
	f.conn = conn
	if err := f.openChannelLocked(); err != nil {
		_ = conn.Close()
		f.conn = nil
		return err
	}
	return nil
}

func (f *Factory) openChannelLocked() error {
	ch, err := f.conn.Channel()
	if err != nil {
		return fmt.Errorf("open amqp channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return fmt.Errorf("enable publisher confirms: %w", err)
	}
	tracker := newConfirmTracker()
	go tracker.listen(ch.NotifyPublish(make(chan amqp.Confirmation, 128)))
	f.ch = ch
	f.confirms = tracker
	return nil
}
