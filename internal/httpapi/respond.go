package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"welfare-agent/internal/observability"
	"welfare-agent/internal/usecase"
)

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err to a status and a client-safe body. Wrapped upstream
// detail is logged, never returned.
func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	status, body := errorToResponse(err)
	logger := observability.LoggerFromContext(ctx)
	if status >= http.StatusInternalServerError {
		logger.ErrorContext(ctx, "request failed", "code", body.Error, "reason", body.Reason, "err", err)
	} else {
		logger.InfoContext(ctx, "request rejected", "code", body.Error, "reason", body.Reason)
	}
	writeJSON(w, status, body)
}

func errorToResponse(err error) (int, errorResponse) {
	var ucErr *usecase.Error
	if !errors.As(err, &ucErr) {
		return http.StatusInternalServerError, errorResponse{Error: string(usecase.ErrorInternal), Reason: "unexpected"}
	}
	return statusFor(ucErr.Code), errorResponse{Error: string(ucErr.Code), Reason: ucErr.Reason}
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest
	case usecase.ErrorRateLimited:
		return http.StatusTooManyRequests
	case usecase.ErrorThreadNotFound:
		return http.StatusNotFound
	case usecase.ErrorGenerationTimeout:
		return http.StatusGatewayTimeout
	case usecase.ErrorGenerationFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
