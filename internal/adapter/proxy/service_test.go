package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quenby/porter/internal/adapter/tracker"
	"github.com/quenby/porter/internal/config"
	"github.com/quenby/porter/internal/core/domain"
	"github.com/quenby/porter/internal/logger"
)

func testSubscription(name, key string, maxConcurrent, priority int) domain.Subscription {
	return domain.Subscription{
		Name:          name,
		APIKey:        key,
		MaxConcurrent: maxConcurrent,
		Priority:      priority,
		Enabled:       true,
	}
}

func testProxyConfig(baseURL string) config.ProxyConfig {
	return config.ProxyConfig{
		BaseURL:          baseURL,
		ConnectTimeout:   2 * time.Second,
		ResponseTimeout:  5 * time.Second,
		MaxIdleConns:     5,
		MaxConns:         10,
		MaxBodyBytes:     1 << 20,
		MaxRetries429:    2,
		StreamBufferSize: 1024,
	}
}

func newTestService(t *testing.T, baseURL string, tr *tracker.Tracker) *Service {
	t.Helper()
	svc, err := NewService(testProxyConfig(baseURL), tr, nil, nil, nil, logger.NewDiscard())
	require.NoError(t, err)
	return svc
}

func decodeEnvelope(t *testing.T, body string) domain.ErrorEnvelope {
	t.Helper()
	var envelope domain.ErrorEnvelope
	require.NoError(t, json.Unmarshal([]byte(body), &envelope))
	return envelope
}

func TestProxy_SimpleSuccess(t *testing.T) {
	var upstreamCalls atomic.Int64
	var gotKey atomic.Value

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamCalls.Add(1)
		gotKey.Store(r.Header.Get("x-api-key"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"msg_1","model":"m"}`))
	}))
	defer upstream.Close()

	tr := tracker.New([]domain.Subscription{
		testSubscription("a", "sk-ant-key-a", 5, 1),
		testSubscription("b", "sk-ant-key-b", 5, 2),
	}, time.Minute, logger.NewDiscard())
	svc := newTestService(t, upstream.URL, tr)

	req := httptest.NewRequest("POST", "/v1/messages", strings.NewReader(`{"model":"m","stream":false}`))
	w := httptest.NewRecorder()
	svc.ProxyRequest(req.Context(), w, req, logger.NewDiscard())

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"id":"msg_1","model":"m"}`, w.Body.String())
	assert.Equal(t, int64(1), upstreamCalls.Load())
	assert.Equal(t, "sk-ant-key-a", gotKey.Load())
	assert.Equal(t, 0, tr.Subscription("a").Active())
}

func TestProxy_RetryOn429(t *testing.T) {
	var upstreamCalls atomic.Int64

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamCalls.Add(1)
		if r.Header.Get("x-api-key") == "sk-ant-key-a" {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"id":"msg_b"}`))
	}))
	defer upstream.Close()

	tr := tracker.New([]domain.Subscription{
		testSubscription("a", "sk-ant-key-a", 5, 1),
		testSubscription("b", "sk-ant-key-b", 5, 2),
	}, time.Minute, logger.NewDiscard())
	svc := newTestService(t, upstream.URL, tr)

	req := httptest.NewRequest("POST", "/v1/messages", strings.NewReader(`{"model":"m"}`))
	w := httptest.NewRecorder()
	svc.ProxyRequest(req.Context(), w, req, logger.NewDiscard())

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"id":"msg_b"}`, w.Body.String())
	assert.Equal(t, int64(2), upstreamCalls.Load())

	a, b := tr.Subscription("a"), tr.Subscription("b")
	assert.True(t, a.InCooldown(time.Now()))
	assert.Equal(t, uint64(1), a.TotalErrors())
	assert.Equal(t, uint64(1), a.TotalRequests())
	assert.Equal(t, uint64(1), b.TotalRequests())
	assert.Equal(t, 0, a.Active())
	assert.Equal(t, 0, b.Active())
}

func TestProxy_AllSubscriptionsRateLimited(t *testing.T) {
	var upstreamCalls atomic.Int64

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamCalls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer upstream.Close()

	tr := tracker.New([]domain.Subscription{
		testSubscription("a", "sk-ant-key-a", 5, 1),
		testSubscription("b", "sk-ant-key-b", 5, 2),
	}, time.Minute, logger.NewDiscard())
	svc := newTestService(t, upstream.URL, tr)

	req := httptest.NewRequest("POST", "/v1/messages", strings.NewReader(`{"model":"m"}`))
	w := httptest.NewRecorder()
	svc.ProxyRequest(req.Context(), w, req, logger.NewDiscard())

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	envelope := decodeEnvelope(t, w.Body.String())
	assert.Equal(t, domain.ErrKindRateLimit, envelope.Error.Type)
	assert.Contains(t, envelope.Error.Message, "rate limited")

	assert.Equal(t, int64(2), upstreamCalls.Load())
	assert.True(t, tr.Subscription("a").InCooldown(time.Now()))
	assert.True(t, tr.Subscription("b").InCooldown(time.Now()))
}

func TestProxy_OverloadShed(t *testing.T) {
	var upstreamCalls atomic.Int64

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamCalls.Add(1)
	}))
	defer upstream.Close()

	disabled := testSubscription("a", "sk-ant-key-a", 5, 1)
	disabled.Enabled = false
	tr := tracker.New([]domain.Subscription{
		disabled,
		testSubscription("b", "sk-ant-key-b", 1, 2),
	}, time.Minute, logger.NewDiscard())

	release, ok := tr.Acquire(tr.Subscription("b"))
	require.True(t, ok)
	defer release()

	svc := newTestService(t, upstream.URL, tr)

	req := httptest.NewRequest("POST", "/v1/messages", strings.NewReader(`{"model":"m"}`))
	w := httptest.NewRecorder()
	svc.ProxyRequest(req.Context(), w, req, logger.NewDiscard())

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, domain.ErrKindOverloaded, decodeEnvelope(t, w.Body.String()).Error.Type)
	assert.Equal(t, int64(0), upstreamCalls.Load())
}

func TestProxy_StreamingPassThrough(t *testing.T) {
	chunks := []string{"event: a\ndata: c1\n\n", "event: a\ndata: c2\n\n", "event: a\ndata: c3\n\n"}

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, chunk := range chunks {
			w.Write([]byte(chunk))
			flusher.Flush()
			time.Sleep(10 * time.Millisecond)
		}
	}))
	defer upstream.Close()

	tr := tracker.New([]domain.Subscription{
		testSubscription("a", "sk-ant-key-a", 5, 1),
	}, time.Minute, logger.NewDiscard())
	svc := newTestService(t, upstream.URL, tr)

	req := httptest.NewRequest("POST", "/v1/messages", strings.NewReader(`{"model":"m","stream":true}`))
	w := httptest.NewRecorder()
	svc.ProxyRequest(req.Context(), w, req, logger.NewDiscard())

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, strings.Join(chunks, ""), w.Body.String())
	assert.Equal(t, 0, tr.Subscription("a").Active())
	assert.Equal(t, uint64(0), tr.Subscription("a").TotalErrors())
}

func TestProxy_Streaming429(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer upstream.Close()

	tr := tracker.New([]domain.Subscription{
		testSubscription("a", "sk-ant-key-a", 5, 1),
	}, time.Minute, logger.NewDiscard())
	svc := newTestService(t, upstream.URL, tr)

	req := httptest.NewRequest("POST", "/v1/messages", strings.NewReader(`{"stream":true}`))
	w := httptest.NewRecorder()
	svc.ProxyRequest(req.Context(), w, req, logger.NewDiscard())

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, domain.ErrKindRateLimit, decodeEnvelope(t, w.Body.String()).Error.Type)
	assert.True(t, tr.Subscription("a").InCooldown(time.Now()))
	assert.Equal(t, 0, tr.Subscription("a").Active())
}

func TestProxy_OversizeBody(t *testing.T) {
	var upstreamCalls atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamCalls.Add(1)
	}))
	defer upstream.Close()

	tr := tracker.New([]domain.Subscription{
		testSubscription("a", "sk-ant-key-a", 5, 1),
	}, time.Minute, logger.NewDiscard())
	svc := newTestService(t, upstream.URL, tr)
	limit := svc.cfg.MaxBodyBytes

	t.Run("content length over cap", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/v1/messages", strings.NewReader("x"))
		req.ContentLength = limit + 1
		w := httptest.NewRecorder()
		svc.ProxyRequest(req.Context(), w, req, logger.NewDiscard())

		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
		assert.Equal(t, domain.ErrKindRequestTooLarge, decodeEnvelope(t, w.Body.String()).Error.Type)
		assert.Equal(t, int64(0), upstreamCalls.Load())
	})

	t.Run("actual body over cap", func(t *testing.T) {
		body := strings.NewReader(strings.Repeat("x", int(limit)+1))
		req := httptest.NewRequest("POST", "/v1/messages", body)
		req.ContentLength = -1
		w := httptest.NewRecorder()
		svc.ProxyRequest(req.Context(), w, req, logger.NewDiscard())

		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
		assert.Equal(t, int64(0), upstreamCalls.Load())
	})

	t.Run("body exactly at cap accepted", func(t *testing.T) {
		body := strings.NewReader(strings.Repeat("x", int(limit)))
		req := httptest.NewRequest("POST", "/v1/messages", body)
		w := httptest.NewRecorder()
		svc.ProxyRequest(req.Context(), w, req, logger.NewDiscard())

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, int64(1), upstreamCalls.Load())
	})
}

func TestProxy_StreamingClientCancellation(t *testing.T) {
	started := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: c1\n\n"))
		w.(http.Flusher).Flush()
		close(started)
		<-r.Context().Done()
	}))
	defer upstream.Close()

	tr := tracker.New([]domain.Subscription{
		testSubscription("a", "sk-ant-key-a", 5, 1),
	}, time.Minute, logger.NewDiscard())
	svc := newTestService(t, upstream.URL, tr)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest("POST", "/v1/messages", strings.NewReader(`{"stream":true}`)).WithContext(ctx)
	w := httptest.NewRecorder()

	go func() {
		<-started
		cancel()
	}()

	done := make(chan struct{})
	go func() {
		svc.ProxyRequest(ctx, w, req, logger.NewDiscard())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("proxy did not terminate after client cancellation")
	}

	assert.Equal(t, 0, tr.Subscription("a").Active())
	assert.Equal(t, uint64(0), tr.Subscription("a").TotalErrors())
}

func TestProxy_TransportTimeout(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer upstream.Close()

	tr := tracker.New([]domain.Subscription{
		testSubscription("a", "sk-ant-key-a", 5, 1),
	}, time.Minute, logger.NewDiscard())
	cfg := testProxyConfig(upstream.URL)
	cfg.ResponseTimeout = 100 * time.Millisecond
	svc, err := NewService(cfg, tr, nil, nil, nil, logger.NewDiscard())
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/v1/messages", strings.NewReader(`{"model":"m"}`))
	w := httptest.NewRecorder()
	svc.ProxyRequest(req.Context(), w, req, logger.NewDiscard())

	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
	assert.Equal(t, domain.ErrKindTimeout, decodeEnvelope(t, w.Body.String()).Error.Type)
	assert.Equal(t, uint64(1), tr.Subscription("a").TotalErrors())
	assert.False(t, tr.Subscription("a").InCooldown(time.Now()))
	assert.Equal(t, 0, tr.Subscription("a").Active())
}

func TestProxy_TransportFailure(t *testing.T) {
	// A server that is already closed yields connection refused.
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	upstream.Close()

	tr := tracker.New([]domain.Subscription{
		testSubscription("a", "sk-ant-key-a", 5, 1),
	}, time.Minute, logger.NewDiscard())
	svc := newTestService(t, upstream.URL, tr)

	req := httptest.NewRequest("POST", "/v1/messages", strings.NewReader(`{"model":"m"}`))
	w := httptest.NewRecorder()
	svc.ProxyRequest(req.Context(), w, req, logger.NewDiscard())

	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, domain.ErrKindProxyError, decodeEnvelope(t, w.Body.String()).Error.Type)
	assert.Equal(t, uint64(1), tr.Subscription("a").TotalErrors())
}

func TestProxy_Upstream5xxPassedThrough(t *testing.T) {
	var upstreamCalls atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamCalls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":{"type":"api_error","message":"upstream broke"}}`))
	}))
	defer upstream.Close()

	tr := tracker.New([]domain.Subscription{
		testSubscription("a", "sk-ant-key-a", 5, 1),
		testSubscription("b", "sk-ant-key-b", 5, 2),
	}, time.Minute, logger.NewDiscard())
	svc := newTestService(t, upstream.URL, tr)

	req := httptest.NewRequest("POST", "/v1/messages", strings.NewReader(`{"model":"m"}`))
	w := httptest.NewRecorder()
	svc.ProxyRequest(req.Context(), w, req, logger.NewDiscard())

	// 5xx is not retried; the upstream body is forwarded verbatim.
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"error":{"type":"api_error","message":"upstream broke"}}`, w.Body.String())
	assert.Equal(t, int64(1), upstreamCalls.Load())
	assert.Equal(t, uint64(1), tr.Subscription("a").TotalErrors())
	assert.False(t, tr.Subscription("a").InCooldown(time.Now()))
}

func TestProxy_QueryStringForwarded(t *testing.T) {
	var gotQuery atomic.Value
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery.Store(r.URL.RawQuery)
	}))
	defer upstream.Close()

	tr := tracker.New([]domain.Subscription{
		testSubscription("a", "sk-ant-key-a", 5, 1),
	}, time.Minute, logger.NewDiscard())
	svc := newTestService(t, upstream.URL, tr)

	req := httptest.NewRequest("GET", "/v1/models?limit=5&after_id=m1", nil)
	w := httptest.NewRecorder()
	svc.ProxyRequest(req.Context(), w, req, logger.NewDiscard())

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "limit=5&after_id=m1", gotQuery.Load())
}

func TestProxy_CooldownExcludedMidLoop(t *testing.T) {
	// Single subscription, first attempt 429: the retry loop must not land on
	// it again once it is cooling down.
	var upstreamCalls atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamCalls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer upstream.Close()

	tr := tracker.New([]domain.Subscription{
		testSubscription("only", "sk-ant-key", 5, 1),
	}, time.Minute, logger.NewDiscard())
	svc := newTestService(t, upstream.URL, tr)

	req := httptest.NewRequest("POST", "/v1/messages", strings.NewReader(`{"model":"m"}`))
	w := httptest.NewRecorder()
	svc.ProxyRequest(req.Context(), w, req, logger.NewDiscard())

	assert.Equal(t, int64(1), upstreamCalls.Load())
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, domain.ErrKindRateLimit, decodeEnvelope(t, w.Body.String()).Error.Type)
}

func TestProxy_NonJSONBodyIsNonStreaming(t *testing.T) {
	var gotBody atomic.Value
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody.Store(string(body))
		w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	tr := tracker.New([]domain.Subscription{
		testSubscription("a", "sk-ant-key-a", 5, 1),
	}, time.Minute, logger.NewDiscard())
	svc := newTestService(t, upstream.URL, tr)

	req := httptest.NewRequest("POST", "/v1/messages", strings.NewReader("not json at all"))
	w := httptest.NewRecorder()
	svc.ProxyRequest(req.Context(), w, req, logger.NewDiscard())

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "not json at all", gotBody.Load())
}

func TestProxy_ResponseStatusPreserved(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity} {
		t.Run(fmt.Sprintf("status %d", status), func(t *testing.T) {
			upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(status)
				w.Write([]byte(`{"error":"client fault"}`))
			}))
			defer upstream.Close()

			tr := tracker.New([]domain.Subscription{
				testSubscription("a", "sk-ant-key-a", 5, 1),
			}, time.Minute, logger.NewDiscard())
			svc := newTestService(t, upstream.URL, tr)

			req := httptest.NewRequest("POST", "/v1/messages", strings.NewReader(`{"model":"m"}`))
			w := httptest.NewRecorder()
			svc.ProxyRequest(req.Context(), w, req, logger.NewDiscard())

			assert.Equal(t, status, w.Code)
			assert.JSONEq(t, `{"error":"client fault"}`, w.Body.String())
			// Client-fault statuses are not retried and not counted as errors.
			assert.Equal(t, uint64(0), tr.Subscription("a").TotalErrors())
		})
	}
}

func TestNextSubscription_NoCapacity(t *testing.T) {
	tr := tracker.New(nil, time.Minute, logger.NewDiscard())
	svc := newTestService(t, "http://127.0.0.1:1", tr)

	state, err := svc.nextSubscription(nil)
	assert.Nil(t, state)
	require.ErrorIs(t, err, domain.ErrNoCapacity)
}

func TestNextSubscription_ReturnsCandidate(t *testing.T) {
	tr := tracker.New([]domain.Subscription{
		testSubscription("solo", "sk-ant-solo", 2, 1),
	}, time.Minute, logger.NewDiscard())
	svc := newTestService(t, "http://127.0.0.1:1", tr)

	state, err := svc.nextSubscription(nil)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, "solo", state.Name())
}

func TestWrapAttemptError_CarriesRequestContext(t *testing.T) {
	tr := tracker.New([]domain.Subscription{
		testSubscription("solo", "sk-ant-solo", 2, 1),
	}, time.Minute, logger.NewDiscard())
	svc := newTestService(t, "http://127.0.0.1:1", tr)

	state, err := svc.nextSubscription(nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	cause := fmt.Errorf("connection refused")
	wrapped := svc.wrapAttemptError(req.Context(), req, state, cause, 250*time.Millisecond)

	var perr *domain.ProxyError
	require.ErrorAs(t, wrapped, &perr)
	assert.Equal(t, "solo", perr.Subscription)
	assert.Equal(t, http.MethodPost, perr.Method)
	assert.Equal(t, "/v1/messages", perr.Path)
	assert.ErrorIs(t, wrapped, cause)
	assert.Contains(t, wrapped.Error(), "/v1/messages")
	assert.Contains(t, wrapped.Error(), "solo")
}
