package security

import (
	"crypto/subtle"
	"encoding/json"
	"net"
	"net/http"

	"github.com/quenby/porter/internal/config"
	"github.com/quenby/porter/internal/core/constants"
	"github.com/quenby/porter/internal/core/domain"
	"github.com/quenby/porter/internal/logger"
	"github.com/quenby/porter/internal/util"
)

// AdmissionValidator gates every non-public route. Loopback and declared
// local subnets are always admitted; remote callers are admitted only when
// external access is enabled and they present the shared token, plus a
// matching client id when an allowlist is configured.
type AdmissionValidator struct {
	logger   *logger.StyledLogger
	external config.ExternalAccessConfig
}

func NewAdmissionValidator(external config.ExternalAccessConfig, logger *logger.StyledLogger) *AdmissionValidator {
	return &AdmissionValidator{
		external: external,
		logger:   logger,
	}
}

func (av *AdmissionValidator) Name() string {
	return "admission"
}

// Allow reports whether the request is admitted and, when it is not, a
// reason suitable for logging. The reason is never sent to the caller.
func (av *AdmissionValidator) Allow(r *http.Request) (bool, string) {
	if av.isLocal(r) {
		return true, ""
	}

	if !av.external.Enabled {
		return false, "remote caller with external access disabled"
	}

	token := r.Header.Get(constants.HeaderAPIToken)
	if token == "" {
		return false, "missing api token"
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(av.external.APIToken)) != 1 {
		return false, "invalid api token"
	}

	if len(av.external.AllowedClients) > 0 {
		clientID := r.Header.Get(constants.HeaderClientID)
		if !av.clientAllowed(clientID) {
			return false, "client id not in allowlist"
		}
	}

	return true, ""
}

func (av *AdmissionValidator) isLocal(r *http.Request) bool {
	if util.IsLoopback(r.RemoteAddr) {
		return true
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return util.IsIPInCIDRs(ip, av.external.LocalCIDRsParsed)
}

func (av *AdmissionValidator) clientAllowed(clientID string) bool {
	if clientID == "" {
		return false
	}
	for _, allowed := range av.external.AllowedClients {
		if allowed == clientID {
			return true
		}
	}
	return false
}

func (av *AdmissionValidator) CreateMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allowed, reason := av.Allow(r)
			if !allowed {
				av.logger.Warn("Request rejected",
					"reason", reason,
					"method", r.Method,
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr)

				w.Header().Set(constants.ContentTypeHeader, constants.ContentTypeJSON)
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(domain.NewErrorEnvelope(domain.ErrKindUnauthorized, "unauthorized"))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
