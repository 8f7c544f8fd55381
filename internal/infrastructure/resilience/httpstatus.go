package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/kirillkom/study-assistant/internal/core/domain"
)

// HTTPStatusError is a non-2xx answer from an upstream HTTP provider.
type HTTPStatusError struct {
	Provider   string
	Operation  string
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e == nil {
		return "http status error"
	}
	if strings.TrimSpace(e.Body) == "" {
		return fmt.Sprintf("%s %s status: %s", e.Provider, e.Operation, e.Status)
	}
	return fmt.Sprintf("%s %s status: %s: %s", e.Provider, e.Operation, e.Status, strings.TrimSpace(e.Body))
}

// NewHTTPStatusError reads at most 2KiB of the response body into the error.
func NewHTTPStatusError(provider, operation string, resp *http.Response) *HTTPStatusError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	return &HTTPStatusError{
		Provider:   provider,
		Operation:  operation,
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Body:       string(body),
	}
}

// ClassifyHTTPError is the classifier shared by the HTTP provider adapters.
func ClassifyHTTPError(err error) ErrorClassification {
	if err == nil {
		return ErrorClassification{}
	}
	if errors.Is(err, ErrAttemptTimeout) {
		return ErrorClassification{
			Retryable:     true,
			RecordFailure: true,
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassification{
			Retryable:     false,
			RecordFailure: false,
		}
	}
	if IsCircuitOpen(err) {
		return ErrorClassification{
			Retryable:     true,
			RecordFailure: true,
		}
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		if IsRetryableHTTPStatus(statusErr.StatusCode) {
			return ErrorClassification{
				Retryable:     true,
				RecordFailure: true,
			}
		}
		return ErrorClassification{
			Retryable:     false,
			RecordFailure: false,
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrorClassification{
			Retryable:     true,
			RecordFailure: true,
		}
	}

	return ErrorClassification{
		Retryable:     false,
		RecordFailure: true,
	}
}

// WrapTemporaryIfNeeded tags transient failures with domain.ErrTemporary so
// the HTTP adapter can answer 503.
func WrapTemporaryIfNeeded(operation string, err error, classifier ErrorClassifier) error {
	if err == nil {
		return nil
	}
	if domain.IsKind(err, domain.ErrTemporary) {
		return err
	}
	if classifier == nil {
		classifier = ClassifyHTTPError
	}
	if classifier(err).Retryable || IsCircuitOpen(err) || errors.Is(err, ErrGatewayBusy) {
		return domain.WrapError(domain.ErrTemporary, operation, err)
	}
	return err
}

func IsRetryableHTTPStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
