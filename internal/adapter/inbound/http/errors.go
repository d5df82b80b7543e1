package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Sentinel-Gate/scriptgate/internal/domain/chunk"
	"github.com/Sentinel-Gate/scriptgate/internal/domain/delivery"
	"github.com/Sentinel-Gate/scriptgate/internal/domain/keys"
	"github.com/Sentinel-Gate/scriptgate/internal/domain/telemetry"
	"github.com/Sentinel-Gate/scriptgate/internal/domain/token"
	"github.com/Sentinel-Gate/scriptgate/internal/domain/user"
)

// Stable machine-readable reasons returned in {"error": reason}.
const (
	ReasonUnauthorized      = "unauthorized"
	ReasonTokenExpired      = "token_expired"
	ReasonTokenInvalid      = "token_invalid"
	ReasonSessionInvalid    = "session_invalid"
	ReasonChunkNotFound     = "chunk_not_found"
	ReasonChunksUnavailable = "chunks_unavailable"
	ReasonInternal          = "internal_error"
	ReasonRateLimited       = "rate_limit_exceeded"
	ReasonPayloadTooLarge   = "payload_too_large"
	ReasonInvalidRequest    = "invalid_request"
	ReasonJSONTooDeep       = "json_too_deep"
	ReasonNotFound          = "not_found"
)

// ErrorResponse is the body of every error response.
type ErrorResponse struct {
	Error      string `json:"error"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// errorMapping pairs a sentinel with its status and reason. Order matters:
// the first match wins.
var errorMapping = []struct {
	err    error
	status int
	reason string
}{
	{user.ErrAuthFailed, http.StatusUnauthorized, ReasonUnauthorized},
	{token.ErrTokenExpired, http.StatusUnauthorized, ReasonTokenExpired},
	{token.ErrTokenInvalid, http.StatusUnauthorized, ReasonTokenInvalid},
	{delivery.ErrSessionInvalid, http.StatusUnauthorized, ReasonSessionInvalid},
	{chunk.ErrChunkNotFound, http.StatusNotFound, ReasonChunkNotFound},
	{chunk.ErrChunksUnavailable, http.StatusNotFound, ReasonChunksUnavailable},
	{telemetry.ErrEventRequired, http.StatusBadRequest, ReasonInvalidRequest},
	{telemetry.ErrEventTooLong, http.StatusBadRequest, ReasonInvalidRequest},
	{telemetry.ErrDetailsNotJSON, http.StatusBadRequest, ReasonInvalidRequest},
}

// classify returns the status and reason for err.
func classify(err error) (int, string) {
	for _, m := range errorMapping {
		if errors.Is(err, m.err) {
			return m.status, m.reason
		}
	}
	return http.StatusInternalServerError, ReasonInternal
}

// writeError maps err to a status and stable reason. Internal messages are
// logged, never sent.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, reason := classify(err)

	logger := LoggerFromContext(r.Context())
	switch {
	case status >= http.StatusInternalServerError:
		// Key or secret-store failures mean initialization or rotation broke.
		if errors.Is(err, keys.ErrKeyNotFound) || errors.Is(err, keys.ErrSecretStore) {
			logger.Error("signing key unavailable", "error", err, "path", r.URL.Path)
		} else {
			logger.Error("request failed", "error", err, "path", r.URL.Path)
		}
	default:
		logger.Debug("request rejected", "reason", reason, "error", err)
	}

	writeReason(w, status, reason)
}

// writeReason writes {"error": reason} with status.
func writeReason(w http.ResponseWriter, status int, reason string) {
	writeJSON(w, status, ErrorResponse{Error: reason})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
