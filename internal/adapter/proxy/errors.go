package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"

	"github.com/quenby/porter/internal/core/constants"
	"github.com/quenby/porter/internal/core/domain"
)

// WriteError emits the JSON error envelope for a proxy-originated failure.
// Upstream-originated error bodies never pass through here; they are
// forwarded verbatim.
func WriteError(w http.ResponseWriter, status int, kind domain.ErrorKind, message string) {
	w.Header().Set(constants.ContentTypeHeader, constants.ContentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(domain.NewErrorEnvelope(kind, message))
}

// classifyTransportError maps an upstream transport failure onto the wire
// taxonomy. Timeouts get their own kind so clients can tell a slow model from
// a broken connection.
func classifyTransportError(err error) (int, domain.ErrorKind, string) {
	if isTimeout(err) {
		return http.StatusGatewayTimeout, domain.ErrKindTimeout, "upstream request timed out"
	}
	return http.StatusBadGateway, domain.ErrKindProxyError, "upstream request failed"
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// isClientDisconnect reports whether an error originated from the downstream
// client going away rather than from the upstream.
func isClientDisconnect(ctx context.Context, err error) bool {
	return ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled))
}
