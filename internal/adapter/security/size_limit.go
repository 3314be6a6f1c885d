package security

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/quenby/porter/internal/core/constants"
	"github.com/quenby/porter/internal/core/domain"
	"github.com/quenby/porter/internal/logger"
	"github.com/quenby/porter/pkg/format"
)

// SizeValidator rejects oversized bodies at the edge, before the dispatcher
// spends any work on them. It catches only requests that advertise their
// length; the dispatcher rechecks the actual length after reading the body.
type SizeValidator struct {
	logger      *logger.StyledLogger
	maxBodySize int64
}

func NewSizeValidator(maxBodySize int64, logger *logger.StyledLogger) *SizeValidator {
	return &SizeValidator{
		maxBodySize: maxBodySize,
		logger:      logger,
	}
}

func (sv *SizeValidator) Name() string {
	return "size_limit"
}

func (sv *SizeValidator) CreateMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if sv.maxBodySize > 0 && r.ContentLength > sv.maxBodySize {
				sv.logger.Warn("Request rejected",
					"reason", fmt.Sprintf("content-length %s exceeds limit %s",
						format.Bytes(uint64(r.ContentLength)), format.Bytes(uint64(sv.maxBodySize))),
					"method", r.Method,
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr)

				w.Header().Set(constants.ContentTypeHeader, constants.ContentTypeJSON)
				w.WriteHeader(http.StatusRequestEntityTooLarge)
				_ = json.NewEncoder(w).Encode(domain.NewErrorEnvelope(domain.ErrKindRequestTooLarge,
					fmt.Sprintf("request body exceeds %d byte limit", sv.maxBodySize)))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
