package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/quenby/porter/internal/core/domain"
	"github.com/quenby/porter/internal/logger"
)

// proxyStreaming is the no-retry path: one selection, one upstream attempt,
// chunks forwarded as they arrive. Once the first byte reaches the client the
// response status is committed, so a 429 check happens before any write.
func (s *Service) proxyStreaming(ctx context.Context, w http.ResponseWriter, r *http.Request, body []byte, model, clientID string, hints *domain.SelectionHints, rlog *logger.StyledLogger) {
	state, err := s.nextSubscription(hints)
	if err != nil {
		rlog.Warn("No subscription capacity for streaming request", "error", err)
		WriteError(w, http.StatusServiceUnavailable, domain.ErrKindOverloaded, "all subscriptions at capacity or cooling down")
		return
	}

	release, ok := s.tracker.Acquire(state)
	if !ok {
		rlog.Debug("Acquire lost capacity race on streaming request", "subscription", state.Name())
		WriteError(w, http.StatusServiceUnavailable, domain.ErrKindOverloaded, "all subscriptions at capacity or cooling down")
		return
	}
	defer release()

	if s.metrics != nil {
		s.metrics.IncActive(state.Name())
		defer s.metrics.DecActive(state.Name())
	}

	attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.ResponseTimeout)
	defer cancel()

	req, err := s.buildUpstreamRequest(attemptCtx, r, body, state)
	if err != nil {
		s.tracker.RecordError(state)
		rlog.Error("failed to build streaming request", "error", err)
		WriteError(w, http.StatusBadGateway, domain.ErrKindProxyError, "upstream request failed")
		return
	}

	start := time.Now()
	resp, err := s.transport.RoundTrip(req)
	if err != nil {
		if isClientDisconnect(ctx, err) {
			rlog.Debug("client disconnected before upstream responded", "subscription", state.Name())
			return
		}
		s.tracker.RecordError(state)
		status, kind, message := classifyTransportError(err)
		s.recordMetrics(state.Name(), status, true, 0)
		rlog.ErrorWithSubscription("Streaming upstream attempt failed", state.Name(),
			"error", s.wrapAttemptError(ctx, r, state, err, time.Since(start)))
		WriteError(w, status, kind, message)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		s.tracker.RecordRateLimit(state)
		if s.metrics != nil {
			s.metrics.RecordRateLimit(state.Name())
		}
		rlog.WarnCooldown("Streaming request rate limited", state.Name())
		WriteError(w, http.StatusTooManyRequests, domain.ErrKindRateLimit, "upstream rate limited")
		return
	}

	copyResponseHeaders(w, resp.Header)
	w.WriteHeader(resp.StatusCode)

	written, streamErr := s.streamBody(ctx, w, resp.Body, rlog)
	latency := time.Since(start)

	if streamErr != nil && !errors.Is(streamErr, context.Canceled) {
		// Mid-stream upstream failure; the status line is already committed,
		// so all that remains is accounting.
		s.tracker.RecordError(state)
		rlog.ErrorWithSubscription("Streaming interrupted", state.Name(), "error", streamErr, "bytes", written)
	}

	s.recordMetrics(state.Name(), resp.StatusCode, true, latency)
	s.recordUsage(clientID, state.Name(), model, resp.StatusCode, latency, nil)

	rlog.Debug("streaming request completed",
		"subscription", state.Name(),
		"status", resp.StatusCode,
		"latency_ms", latency.Milliseconds(),
		"bytes", written)
}

// streamBody copies upstream chunks to the client, flushing after each one so
// SSE events are never held in a buffer. A downstream disconnect is the
// terminal event for the upstream stream; the body is closed, not drained.
func (s *Service) streamBody(ctx context.Context, w http.ResponseWriter, upstream io.Reader, rlog *logger.StyledLogger) (int, error) {
	flusher, canFlush := w.(http.Flusher)

	buffer := s.bufferPool.Get()
	defer s.bufferPool.Put(buffer)
	buf := *buffer

	total := 0
	for {
		n, readErr := upstream.Read(buf)
		if n > 0 {
			written, writeErr := w.Write(buf[:n])
			total += written
			if writeErr != nil {
				rlog.Debug("client disconnected during streaming", "bytes", total)
				return total, context.Canceled
			}
			if canFlush {
				flusher.Flush()
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return total, nil
			}
			if ctx.Err() != nil {
				rlog.Debug("client disconnected during streaming", "bytes", total)
				return total, context.Canceled
			}
			return total, readErr
		}
	}
}
