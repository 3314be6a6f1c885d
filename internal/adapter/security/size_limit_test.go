package security

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/quenby/porter/internal/logger"
)

func TestSizeValidator_UnderLimit(t *testing.T) {
	sv := NewSizeValidator(1024, logger.NewDiscard())
	handler := sv.CreateMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("POST", "/v1/messages", strings.NewReader(strings.Repeat("x", 1024)))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected body at the limit to pass, got %d", w.Code)
	}
}

func TestSizeValidator_OverLimit(t *testing.T) {
	sv := NewSizeValidator(1024, logger.NewDiscard())
	handler := sv.CreateMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("Handler must not run for oversized request")
	}))

	req := httptest.NewRequest("POST", "/v1/messages", strings.NewReader(strings.Repeat("x", 1025)))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("Expected 413, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected JSON envelope, got content-type %q", ct)
	}
	if !strings.Contains(w.Body.String(), "request_too_large") {
		t.Errorf("Expected request_too_large envelope, got %s", w.Body.String())
	}
}

func TestSizeValidator_ZeroLimitDisablesCheck(t *testing.T) {
	sv := NewSizeValidator(0, logger.NewDiscard())
	handler := sv.CreateMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("POST", "/v1/messages", strings.NewReader(strings.Repeat("x", 1<<16)))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected zero limit to disable the check, got %d", w.Code)
	}
}

func TestSizeValidator_UnknownLengthPasses(t *testing.T) {
	sv := NewSizeValidator(1024, logger.NewDiscard())
	handler := sv.CreateMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// Chunked uploads advertise no length; the dispatcher rechecks after read.
	req := httptest.NewRequest("POST", "/v1/messages", strings.NewReader("body"))
	req.ContentLength = -1
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected unknown-length request to pass to dispatcher, got %d", w.Code)
	}
}
