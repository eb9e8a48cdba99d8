package apierror

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/vango-go/demo-copilot/pkg/core"
)

// CapacityRetryAfter is the Retry-After hint, in seconds, sent with
// capacity_exceeded responses.
const CapacityRetryAfter = 30

type Envelope struct {
	Error *core.Error `json:"error"`
}

func FromError(err error, requestID string) (*core.Error, int) {
	if err == nil {
		return nil, http.StatusOK
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &core.Error{
			Kind:      core.KindCollaboratorTimeout,
			Message:   "request timeout",
			RequestID: requestID,
		}, http.StatusGatewayTimeout
	}
	if errors.Is(err, context.Canceled) {
		return &core.Error{
			Kind:      core.KindInternal,
			Message:   "request cancelled",
			RequestID: requestID,
		}, http.StatusRequestTimeout
	}

	var coreErr *core.Error
	if errors.As(err, &coreErr) && coreErr != nil {
		out := *coreErr
		out.RequestID = requestID
		if out.Message == "" && out.Cause != nil {
			out.Message = out.Cause.Error()
		}
		if out.Kind == core.KindCapacityExceeded && out.RetryAfter == nil {
			v := CapacityRetryAfter
			out.RetryAfter = &v
		}
		return &out, StatusFromKind(out.Kind)
	}

	// Unknown errors: do not leak details.
	return &core.Error{
		Kind:      core.KindInternal,
		Message:   "internal error",
		RequestID: requestID,
	}, http.StatusInternalServerError
}

func StatusFromKind(k core.ErrorKind) int {
	switch k {
	case core.KindConfiguration, core.KindInvalidRequest:
		return http.StatusBadRequest
	case core.KindAuthentication:
		return http.StatusUnauthorized
	case core.KindSessionNotFound:
		return http.StatusNotFound
	case core.KindInvalidTransition, core.KindAlreadyInitialized, core.KindSessionTerminated, core.KindInvalidSection:
		return http.StatusConflict
	case core.KindRateLimit:
		return http.StatusTooManyRequests
	case core.KindResourceAcquisition, core.KindActionFailed:
		return http.StatusBadGateway
	case core.KindCapacityExceeded:
		return http.StatusServiceUnavailable
	case core.KindCollaboratorTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Write maps err and writes it as a JSON envelope.
func Write(w http.ResponseWriter, err error, requestID string) {
	ce, status := FromError(err, requestID)
	WriteError(w, status, ce)
}

func WriteError(w http.ResponseWriter, status int, ce *core.Error) {
	if ce != nil && ce.RetryAfter != nil && *ce.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(*ce.RetryAfter))
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Envelope{Error: ce})
}
