package proxy

import (
	"net/http"

	"github.com/quenby/porter/internal/core/constants"
	"github.com/quenby/porter/internal/core/domain"
)

// strippedRequestHeaders are removed before forwarding upstream. Host and the
// length/framing headers are re-derived by the client; credentials are
// replaced per attempt because the subscription differs.
var strippedRequestHeaders = map[string]struct{}{
	"Host":              {},
	"Authorization":     {},
	"X-Api-Key":         {},
	"Content-Length":    {},
	"Transfer-Encoding": {},
}

// strippedResponseHeaders are removed from upstream responses in both the
// buffered and streaming paths. The server re-frames the body itself.
var strippedResponseHeaders = map[string]struct{}{
	"Content-Encoding":  {},
	"Content-Length":    {},
	"Transfer-Encoding": {},
	"Connection":        {},
}

// buildUpstreamHeaders copies the inbound headers minus the stripped set and
// installs the subscription's credential. OAuth-style tokens travel as a
// bearer Authorization header, plain API keys as x-api-key.
func buildUpstreamHeaders(inbound http.Header, sub domain.Subscription) http.Header {
	out := make(http.Header, len(inbound))
	for key, values := range inbound {
		if _, strip := strippedRequestHeaders[http.CanonicalHeaderKey(key)]; strip {
			continue
		}
		for _, value := range values {
			out.Add(key, value)
		}
	}

	if sub.UsesBearerAuth() {
		out.Set(constants.HeaderAuth, "Bearer "+sub.APIKey)
	} else {
		out.Set(constants.HeaderAPIKey, sub.APIKey)
	}
	return out
}

// copyResponseHeaders forwards upstream response headers minus the stripped
// set, preserving everything else verbatim.
func copyResponseHeaders(w http.ResponseWriter, upstream http.Header) {
	for key, values := range upstream {
		if _, strip := strippedResponseHeaders[http.CanonicalHeaderKey(key)]; strip {
			continue
		}
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
}
