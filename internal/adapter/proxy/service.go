package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/quenby/porter/internal/app/middleware"
	"github.com/quenby/porter/internal/config"
	"github.com/quenby/porter/internal/core/constants"
	"github.com/quenby/porter/internal/core/domain"
	"github.com/quenby/porter/internal/core/ports"
	"github.com/quenby/porter/internal/logger"
	"github.com/quenby/porter/internal/util"
	"github.com/quenby/porter/pkg/pool"
)

const (
	DefaultTLSHandshakeTimeout = 10 * time.Second
	DefaultIdleConnTimeout     = 90 * time.Second
	DefaultKeepAlive           = 60 * time.Second
)

// Service is the request dispatcher: it reads the inbound request, consults
// the tracker, drives the 429 retry loop for buffered requests, and passes
// streaming responses through unbuffered.
type Service struct {
	transport  *http.Transport
	baseURL    *url.URL
	cfg        config.ProxyConfig
	tracker    ports.SubscriptionTracker
	hints      ports.HintSource
	store      ports.UsageStore
	metrics    ports.MetricsCollector
	bufferPool *pool.Pool[*[]byte]
	logger     *logger.StyledLogger
}

// NewService builds the dispatcher around a single long-lived transport with
// a bounded keep-alive pool. hints, store, and metrics may be nil; routing
// never depends on them.
func NewService(
	cfg config.ProxyConfig,
	tracker ports.SubscriptionTracker,
	hints ports.HintSource,
	store ports.UsageStore,
	metrics ports.MetricsCollector,
	log *logger.StyledLogger,
) (*Service, error) {
	baseURL, err := url.Parse(util.NormaliseBaseURL(cfg.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("invalid upstream base URL %q: %w", cfg.BaseURL, err)
	}

	bufferPool, err := pool.NewLitePool(func() *[]byte {
		buf := make([]byte, cfg.StreamBufferSize)
		return &buf
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create buffer pool: %w", err)
	}

	transport := &http.Transport{
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConns,
		MaxConnsPerHost:     cfg.MaxConns,
		IdleConnTimeout:     DefaultIdleConnTimeout,
		TLSHandshakeTimeout: DefaultTLSHandshakeTimeout,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			dialer := &net.Dialer{
				Timeout:   cfg.ConnectTimeout,
				KeepAlive: DefaultKeepAlive,
			}
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			// Disable Nagle's algorithm for token streaming
			if tcpConn, ok := conn.(*net.TCPConn); ok {
				if terr := tcpConn.SetNoDelay(true); terr != nil {
					log.Warn("failed to set NoDelay", "error", terr)
				}
			}
			return conn, nil
		},
	}

	return &Service{
		transport:  transport,
		baseURL:    baseURL,
		cfg:        cfg,
		tracker:    tracker,
		hints:      hints,
		store:      store,
		metrics:    metrics,
		bufferPool: bufferPool,
		logger:     log,
	}, nil
}

// UpdateConfig swaps in new dispatcher settings on reload. The transport and
// its connection pool are kept.
func (s *Service) UpdateConfig(cfg config.ProxyConfig) error {
	baseURL, err := url.Parse(util.NormaliseBaseURL(cfg.BaseURL))
	if err != nil {
		return fmt.Errorf("invalid upstream base URL %q: %w", cfg.BaseURL, err)
	}
	s.baseURL = baseURL
	s.cfg = cfg
	return nil
}

// Cleanup closes idle upstream connections.
func (s *Service) Cleanup() {
	if s.transport != nil {
		s.transport.CloseIdleConnections()
	}
	s.logger.Debug("Proxy service cleaned up")
}

// streamProbe is the only request-body field the dispatcher inspects.
type streamProbe struct {
	Stream bool   `json:"stream"`
	Model  string `json:"model"`
}

// ProxyRequest handles one inbound proxy request end to end.
func (s *Service) ProxyRequest(ctx context.Context, w http.ResponseWriter, r *http.Request, rlog *logger.StyledLogger) {
	defer func() {
		if rec := recover(); rec != nil {
			rlog.Error("proxy request panic recovered", "panic", rec, "method", r.Method, "path", r.URL.Path)
			if w.Header().Get(constants.ContentTypeHeader) == "" {
				WriteError(w, http.StatusBadGateway, domain.ErrKindProxyError, "internal proxy failure")
			}
		}
	}()

	if r.ContentLength > s.cfg.MaxBodyBytes {
		rlog.Warn("Request body exceeds size cap", "content_length", r.ContentLength, "cap", s.cfg.MaxBodyBytes)
		WriteError(w, http.StatusRequestEntityTooLarge, domain.ErrKindRequestTooLarge,
			fmt.Sprintf("request body exceeds %d byte limit", s.cfg.MaxBodyBytes))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxBodyBytes+1))
	if err != nil {
		if isClientDisconnect(ctx, err) {
			rlog.Debug("client disconnected while sending body")
			return
		}
		rlog.Error("failed to read request body", "error", err)
		WriteError(w, http.StatusBadGateway, domain.ErrKindProxyError, "failed to read request body")
		return
	}
	if int64(len(body)) > s.cfg.MaxBodyBytes {
		rlog.Warn("Request body exceeds size cap after read", "cap", s.cfg.MaxBodyBytes)
		WriteError(w, http.StatusRequestEntityTooLarge, domain.ErrKindRequestTooLarge,
			fmt.Sprintf("request body exceeds %d byte limit", s.cfg.MaxBodyBytes))
		return
	}

	// Non-parsable bodies are treated as non-streaming.
	var probe streamProbe
	_ = json.Unmarshal(body, &probe)

	clientID := r.Header.Get(constants.HeaderClientID)
	var hints *domain.SelectionHints
	if s.hints != nil {
		hints = s.hints.Hints(clientID)
	}

	if probe.Stream {
		s.proxyStreaming(ctx, w, r, body, probe.Model, clientID, hints, rlog)
		return
	}
	s.proxyBuffered(ctx, w, r, body, probe.Model, clientID, hints, rlog)
}

// nextSubscription asks the tracker for a credential with spare capacity for
// one upstream attempt.
func (s *Service) nextSubscription(hints *domain.SelectionHints) (*domain.SubscriptionState, error) {
	state := s.tracker.Select(hints)
	if state == nil {
		return nil, domain.ErrNoCapacity
	}
	return state, nil
}

// wrapAttemptError attaches request context to an upstream transport failure
// so a single log line carries everything needed to trace the attempt.
func (s *Service) wrapAttemptError(ctx context.Context, r *http.Request, state *domain.SubscriptionState, err error, latency time.Duration) error {
	return &domain.ProxyError{
		Err:          err,
		RequestID:    middleware.GetRequestID(ctx),
		Subscription: state.Name(),
		Method:       r.Method,
		Path:         r.URL.Path,
		Latency:      latency,
	}
}

// bufferedResult is one completed upstream attempt on the non-streaming path.
type bufferedResult struct {
	status  int
	header  http.Header
	body    []byte
	latency time.Duration
}

// proxyBuffered drives the retry loop: up to 1+max_retries_429 attempts, each
// on a fresh selection, with 429 the only status that triggers another
// attempt. Transport failures end the loop immediately because the upstream
// may already have executed the request.
func (s *Service) proxyBuffered(ctx context.Context, w http.ResponseWriter, r *http.Request, body []byte, model, clientID string, hints *domain.SelectionHints, rlog *logger.StyledLogger) {
	excluded := make(map[string]struct{})
	attempts := s.cfg.MaxRetries429 + 1

	for attempt := 0; attempt < attempts; attempt++ {
		state, err := s.nextSubscription(hints)
		if err != nil {
			if len(excluded) > 0 {
				break
			}
			rlog.Warn("No subscription capacity", "attempt", attempt+1, "error", err)
			WriteError(w, http.StatusServiceUnavailable, domain.ErrKindOverloaded, "all subscriptions at capacity or cooling down")
			return
		}
		if _, done := excluded[state.Name()]; done {
			// Selection has wrapped back onto a subscription this request
			// already rate-limited; the pool is exhausted.
			break
		}

		release, ok := s.tracker.Acquire(state)
		if !ok {
			// Lost the race for the last slot; re-select.
			rlog.Debug("Acquire lost capacity race", "subscription", state.Name(), "attempt", attempt+1)
			continue
		}

		attemptStart := time.Now()
		result, err := s.sendBuffered(ctx, r, body, state, release, rlog)
		if err != nil {
			if isClientDisconnect(ctx, err) {
				rlog.Debug("client disconnected during upstream attempt", "subscription", state.Name())
				return
			}
			s.tracker.RecordError(state)
			status, kind, message := classifyTransportError(err)
			s.recordMetrics(state.Name(), status, false, 0)
			rlog.ErrorWithSubscription("Upstream attempt failed", state.Name(),
				"error", s.wrapAttemptError(ctx, r, state, err, time.Since(attemptStart)),
				"attempt", attempt+1)
			WriteError(w, status, kind, message)
			return
		}

		if result.status == http.StatusTooManyRequests {
			s.tracker.RecordRateLimit(state)
			if s.metrics != nil {
				s.metrics.RecordRateLimit(state.Name())
			}
			excluded[state.Name()] = struct{}{}
			rlog.WarnCooldown("Upstream rate limited, retrying on another subscription", state.Name(), "attempt", attempt+1)
			continue
		}

		if result.status >= http.StatusInternalServerError {
			s.tracker.RecordError(state)
		}
		s.recordMetrics(state.Name(), result.status, false, result.latency)
		s.recordUsage(clientID, state.Name(), model, result.status, result.latency, result.body)

		copyResponseHeaders(w, result.header)
		w.WriteHeader(result.status)
		if _, werr := w.Write(result.body); werr != nil {
			rlog.Debug("failed to write response to client", "error", werr)
		}
		rlog.Debug("proxy request completed",
			"subscription", state.Name(),
			"status", result.status,
			"latency_ms", result.latency.Milliseconds(),
			"attempts", attempt+1,
			"bytes", len(result.body))
		return
	}

	rlog.Warn("All subscriptions rate limited for request", "excluded", len(excluded))
	WriteError(w, http.StatusTooManyRequests, domain.ErrKindRateLimit, "All subscriptions rate limited, please retry later")
}

// sendBuffered performs one upstream attempt. The release handle runs on
// every exit path via defer, so a panic or early return can never leak a
// capacity slot.
func (s *Service) sendBuffered(ctx context.Context, r *http.Request, body []byte, state *domain.SubscriptionState, release func(), rlog *logger.StyledLogger) (*bufferedResult, error) {
	defer release()

	if s.metrics != nil {
		s.metrics.IncActive(state.Name())
		defer s.metrics.DecActive(state.Name())
	}

	attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.ResponseTimeout)
	defer cancel()

	req, err := s.buildUpstreamRequest(attemptCtx, r, body, state)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := s.transport.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	return &bufferedResult{
		status:  resp.StatusCode,
		header:  resp.Header,
		body:    respBody,
		latency: time.Since(start),
	}, nil
}

func (s *Service) buildUpstreamRequest(ctx context.Context, r *http.Request, body []byte, state *domain.SubscriptionState) (*http.Request, error) {
	target := s.baseURL.ResolveReference(&url.URL{Path: r.URL.Path})
	if r.URL.RawQuery != "" {
		target.RawQuery = r.URL.RawQuery
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, target.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream request: %w", err)
	}
	req.Header = buildUpstreamHeaders(r.Header, state.Config)
	req.ContentLength = int64(len(body))
	return req, nil
}

// usageEnvelope is the slice of the upstream response the usage store cares
// about.
type usageEnvelope struct {
	Model string `json:"model"`
	Usage struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

// recordUsage writes one request record fire-and-forget; the store is never
// on the routing correctness path.
func (s *Service) recordUsage(clientID, subscription, model string, status int, latency time.Duration, respBody []byte) {
	if s.store == nil {
		return
	}

	var envelope usageEnvelope
	_ = json.Unmarshal(respBody, &envelope)
	if envelope.Model != "" {
		model = envelope.Model
	}

	rec := ports.RequestRecord{
		Timestamp:    time.Now(),
		ClientID:     clientID,
		Subscription: subscription,
		Model:        model,
		InputTokens:  envelope.Usage.InputTokens,
		OutputTokens: envelope.Usage.OutputTokens,
		StatusCode:   status,
		LatencyMs:    latency.Milliseconds(),
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.store.RecordRequest(ctx, rec); err != nil {
			s.logger.Debug("failed to record usage", "error", err)
		}
	}()
}

func (s *Service) recordMetrics(subscription string, status int, streaming bool, latency time.Duration) {
	if s.metrics != nil {
		s.metrics.RecordRequest(subscription, status, streaming, latency)
	}
}
