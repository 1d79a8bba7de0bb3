package server

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/polisai/polis-exec/internal/governance"
	"github.com/polisai/polis-exec/pkg/pipeline"
	"github.com/polisai/polis-exec/pkg/zfs"
)

// Request-level error kinds that are not produced by the executor or the
// storage adapter.
const (
	KindNotFound        = "not_found"
	KindStdinNotAllowed = "stdin_not_allowed"
	KindInputTooLarge   = "input_too_large"
	KindBadRequest      = "bad_request"
	KindRateLimited     = "rate_limited"
	KindInternal        = "internal"
)

var (
	// ErrUnknownCommand indicates no enabled command serves the endpoint
	ErrUnknownCommand = errors.New("unknown command")

	// ErrStdinNotAllowed indicates input was sent to a command that does not accept it
	ErrStdinNotAllowed = errors.New("command does not accept input")
)

// ErrorResponse is the JSON body of every non-2xx response that is not a
// command result.
type ErrorResponse struct {
	Error     string `json:"error"`
	ErrorKind string `json:"error_kind"`
	RequestID string `json:"request_id,omitempty"`
}

// storageStatus maps a storage error to its HTTP status.
func storageStatus(err error) int {
	switch {
	case errors.Is(err, zfs.ErrDisabled), errors.Is(err, zfs.ErrBlacklisted):
		return http.StatusForbidden
	case errors.Is(err, zfs.ErrInvalidName), errors.Is(err, zfs.ErrPassphraseRequired):
		return http.StatusBadRequest
	case errors.Is(err, zfs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, zfs.ErrWrongPassphrase):
		return http.StatusUnauthorized
	case errors.Is(err, zfs.ErrAlreadyUnlocked), errors.Is(err, zfs.ErrKeyNotLoaded):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// pipelineStatus maps an execution outcome to its HTTP status. The body
// always carries the full outcome.
func pipelineStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, pipeline.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, pipeline.ErrCanceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, kind, msg string) {
	writeJSON(w, status, ErrorResponse{
		Error:     msg,
		ErrorKind: kind,
		RequestID: RequestIDFromContext(r.Context()),
	})
}

// allow consumes a token from limiter for key, answering 429 with
// Retry-After when none is left.
func (s *Server) allow(w http.ResponseWriter, r *http.Request, limiter *governance.RateLimiter, scope, key string) bool {
	ok, wait := limiter.Allow(key)
	if ok {
		return true
	}
	if s.metrics != nil {
		s.metrics.RecordRateLimited(scope)
	}
	w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
	writeError(w, r, http.StatusTooManyRequests, KindRateLimited, "too many requests for "+key)
	return false
}

func writeStorageError(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, r, storageStatus(err), zfs.ErrorKind(err), err.Error())
}
