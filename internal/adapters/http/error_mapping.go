package httpadapter

import (
	"context"
	"errors"
	"net/http"

	"github.com/kirillkom/study-assistant/internal/core/domain"
)

// statusClientClosedRequest is the nginx convention for a caller that went away.
const statusClientClosedRequest = 499

func mapErrorToHTTPStatus(err error) int {
	switch {
	case errors.Is(err, context.Canceled):
		return statusClientClosedRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case domain.IsKind(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case domain.IsKind(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	case domain.IsKind(err, domain.ErrSessionNotFound):
		return http.StatusNotFound
	case domain.IsKind(err, domain.ErrTemporary):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
