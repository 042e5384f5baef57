package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/gridbroker/internal/config"
	"github.com/JakeFAU/gridbroker/internal/metrics"
	"github.com/JakeFAU/gridbroker/internal/queue"
	"github.com/JakeFAU/gridbroker/internal/queue/proxy"
	"github.com/JakeFAU/gridbroker/internal/shard"
)

// Broker is the subset of *broker.Broker the service exposes.
type Broker interface {
	Send(ctx context.Context, req shard.Request, message []byte) (queue.Tier, error)
	Receive(ctx context.Context, req shard.Request, timeout time.Duration, autoAck bool) (*queue.Envelope, error)
	Acknowledge(ctx context.Context, req shard.Request, deliveryTag uint64) error
	Reject(ctx context.Context, req shard.Request, deliveryTag uint64) error
	AcknowledgeEnvelope(ctx context.Context, env *queue.Envelope) error
	RejectEnvelope(ctx context.Context, env *queue.Envelope) error
	Recover(ctx context.Context, req shard.Request) error
	Available(ctx context.Context, req shard.Request) (queue.Availability, error)
	Clear(ctx context.Context, req shard.Request) (queue.Tier, error)
	Peek(ctx context.Context, req shard.Request, count int) ([]*queue.Envelope, error)
	Connected(tier queue.Tier) bool
	ConnectionURL(tier queue.Tier) string
	AutoAck() bool
}

const missingNamesComment = "the request must contain a serviceName and a queueName"

// Server wires HTTP handlers to a Broker.
type Server struct {
	router chi.Router
	broker Broker
	cfg    config.Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(b Broker, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		broker: b,
		cfg:    cfg,
		logger: logger.Named("api"),
	}
	requestTimeout := cfg.Server.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = 60 * time.Second
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(requestTimeout))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1/messages", func(r chi.Router) {
		r.Get("/queues", s.listQueues)
		r.Post("/"+proxy.OpSend, s.send)
		r.Post("/"+proxy.OpReceive, s.receive)
		r.Post("/"+proxy.OpAcknowledge, s.acknowledge)
		r.Post("/"+proxy.OpReject, s.reject)
		r.Post("/"+proxy.OpRecover, s.recover)
		r.Post("/"+proxy.OpAvailable, s.available)
		r.Post("/"+proxy.OpClear, s.clear)
		r.Post("/"+proxy.OpPeek, s.peek)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyz reports which remote tiers hold a connection. The local tier always answers.
func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ready",
		"primary": s.broker.Connected(queue.TierPrimary),
		"proxy":   s.broker.Connected(queue.TierProxy),
	})
}

func (s *Server) listQueues(w http.ResponseWriter, _ *http.Request) {
	services := make([]string, 0, len(s.cfg.Services))
	for name := range s.cfg.Services {
		services = append(services, name)
	}
	sort.Strings(services)
	queues := make([]string, 0)
	for _, service := range services {
		for _, sh := range s.cfg.Services[service] {
			queues = append(queues, queue.Name(service, sh))
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"services": s.cfg.Services, "queues": queues})
}

// decode reads a proxy request and checks the names every operation needs.
func (s *Server) decode(w http.ResponseWriter, r *http.Request) (proxy.Request, shard.Request, bool) {
	var req proxy.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return req, shard.Request{}, false
	}
	if req.ServiceName == "" || req.QueueName == "" {
		writeError(w, http.StatusBadRequest, missingNamesComment)
		return req, shard.Request{}, false
	}
	return req, shard.Request{Service: req.ServiceName, Shards: []string{req.QueueName}}, true
}

func (s *Server) send(w http.ResponseWriter, r *http.Request) {
	req, target, ok := s.decode(w, r)
	if !ok {
		return
	}
	if req.Message == nil {
		writeError(w, http.StatusBadRequest, "the request must contain a message")
		return
	}
	tier, err := s.broker.Send(r.Context(), target, req.Message)
	if err != nil {
		s.fail(w, proxy.OpSend, err)
		return
	}
	s.succeed(w, tier, proxy.Response{})
}

func (s *Server) receive(w http.ResponseWriter, r *http.Request) {
	req, target, ok := s.decode(w, r)
	if !ok {
		return
	}
	autoAck := s.broker.AutoAck()
	if req.AutoAck != nil {
		autoAck = *req.AutoAck
	}
	env, err := s.broker.Receive(r.Context(), target, s.receiveWait(req.TimeoutMs), autoAck)
	if err != nil {
		s.fail(w, proxy.OpReceive, err)
		return
	}
	if env == nil {
		writeJSON(w, http.StatusOK, proxy.Response{Comment: proxy.TimeoutComment})
		return
	}
	s.succeed(w, env.Tier, proxy.Response{
		Message:     env.Payload,
		DeliveryTag: env.DeliveryTag,
	})
}

// receiveWait caps a requested wait at the configured maximum so the reply
// always beats the request timeout. Zero and negative waits use the maximum.
func (s *Server) receiveWait(timeoutMs int64) time.Duration {
	limit := s.cfg.Server.MaxReceiveWait
	wait := time.Duration(timeoutMs) * time.Millisecond
	if limit <= 0 {
		return wait
	}
	if wait <= 0 || wait > limit {
		return limit
	}
	return wait
}

func (s *Server) acknowledge(w http.ResponseWriter, r *http.Request) {
	s.settle(w, r, proxy.OpAcknowledge, s.broker.Acknowledge, s.broker.AcknowledgeEnvelope)
}

func (s *Server) reject(w http.ResponseWriter, r *http.Request) {
	s.settle(w, r, proxy.OpReject, s.broker.Reject, s.broker.RejectEnvelope)
}

// settle routes a delivery tag to the tier named in the request, or to the
// first reachable tier when the request names none.
func (s *Server) settle(
	w http.ResponseWriter,
	r *http.Request,
	op string,
	byRoute func(context.Context, shard.Request, uint64) error,
	byTier func(context.Context, *queue.Envelope) error,
) {
	req, target, ok := s.decode(w, r)
	if !ok {
		return
	}
	if req.DeliveryTag == 0 {
		writeError(w, http.StatusBadRequest, "the request must contain a deliveryTag")
		return
	}
	var err error
	if req.Tier == "" {
		err = byRoute(r.Context(), target, req.DeliveryTag)
	} else {
		tier, perr := queue.ParseTier(req.Tier)
		if perr != nil {
			writeError(w, http.StatusBadRequest, perr.Error())
			return
		}
		err = byTier(r.Context(), &queue.Envelope{
			Tier:        tier,
			Queue:       queue.Name(req.ServiceName, req.QueueName),
			DeliveryTag: req.DeliveryTag,
		})
	}
	if err != nil {
		s.fail(w, op, err)
		return
	}
	writeJSON(w, http.StatusOK, proxy.Response{Success: true})
}

func (s *Server) recover(w http.ResponseWriter, r *http.Request) {
	_, target, ok := s.decode(w, r)
	if !ok {
		return
	}
	if err := s.broker.Recover(r.Context(), target); err != nil {
		s.fail(w, proxy.OpRecover, err)
		return
	}
	writeJSON(w, http.StatusOK, proxy.Response{Success: true})
}

func (s *Server) available(w http.ResponseWriter, r *http.Request) {
	_, target, ok := s.decode(w, r)
	if !ok {
		return
	}
	a, err := s.broker.Available(r.Context(), target)
	if err != nil {
		s.fail(w, proxy.OpAvailable, err)
		return
	}
	count := a.Count
	s.succeed(w, a.Tier, proxy.Response{Available: &count})
}

func (s *Server) clear(w http.ResponseWriter, r *http.Request) {
	_, target, ok := s.decode(w, r)
	if !ok {
		return
	}
	tier, err := s.broker.Clear(r.Context(), target)
	if err != nil {
		s.fail(w, proxy.OpClear, err)
		return
	}
	s.succeed(w, tier, proxy.Response{})
}

func (s *Server) peek(w http.ResponseWriter, r *http.Request) {
	req, target, ok := s.decode(w, r)
	if !ok {
		return
	}
	count := req.Count
	if count <= 0 {
		count = 1
	}
	envs, err := s.broker.Peek(r.Context(), target, count)
	if err != nil {
		s.fail(w, proxy.OpPeek, err)
		return
	}
	messages := make([][]byte, 0, len(envs))
	for _, env := range envs {
		messages = append(messages, env.Payload)
	}
	writeJSON(w, http.StatusOK, proxy.Response{Success: true, Messages: messages})
}

// succeed writes resp as a success served by tier. When the primary served
// the call its URL is advertised so clients can connect to it directly.
func (s *Server) succeed(w http.ResponseWriter, tier queue.Tier, resp proxy.Response) {
	resp.Success = true
	resp.Tier = tier.String()
	if tier == queue.TierPrimary {
		resp.Service = s.broker.ConnectionURL(queue.TierPrimary)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, queue.ErrCapacityRejected):
		writeError(w, http.StatusTooManyRequests, queue.CapacityRejectedComment)
	case errors.Is(err, shard.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, queue.ErrUnknownDeliveryTag):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		writeError(w, http.StatusRequestTimeout, err.Error())
	default:
		s.logger.Error("Proxied operation failed", zap.String("op", op), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, err.Error())
	}
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestID returns the id assigned by the request id middleware, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Debug("Request completed",
				zap.String("request_id", RequestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("Panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

// writeError replies with an unsuccessful proxy response carrying msg.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, proxy.Response{Comment: msg})
}
