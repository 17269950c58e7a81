package client

import (
	"context"
	"errors"
	"strings"

	"github.com/kjstillabower/trip-weather-service/internal/cache"
	"github.com/kjstillabower/trip-weather-service/internal/dates"
)

// ErrorCategory is a stable label for error classification in metrics and logs.
type ErrorCategory string

const (
	ErrorCategoryTimeout      ErrorCategory = "timeout"
	ErrorCategoryNetwork      ErrorCategory = "network"
	ErrorCategoryRateLimited  ErrorCategory = "rate_limited"
	ErrorCategoryUpstream5xx  ErrorCategory = "upstream_5xx"
	ErrorCategoryBadRequest   ErrorCategory = "bad_request"
	ErrorCategoryCircuitOpen  ErrorCategory = "circuit_open"
	ErrorCategoryInsufficient ErrorCategory = "insufficient_history"
	ErrorCategoryNoData       ErrorCategory = "no_data"
	ErrorCategoryParsing      ErrorCategory = "parsing"
	ErrorCategoryValidation   ErrorCategory = "validation"
	ErrorCategoryCache        ErrorCategory = "cache"
	ErrorCategoryUnknown      ErrorCategory = "unknown"
)

// CategorizeError maps an error to a stable ErrorCategory.
func CategorizeError(err error) ErrorCategory {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ErrorCategoryTimeout
	case errors.Is(err, ErrCircuitOpen):
		return ErrorCategoryCircuitOpen
	case errors.Is(err, ErrRateLimited):
		return ErrorCategoryRateLimited
	case errors.Is(err, ErrUpstreamFailure):
		return ErrorCategoryUpstream5xx
	case errors.Is(err, ErrBadRequest):
		return ErrorCategoryBadRequest
	case errors.Is(err, ErrInsufficientHistory):
		return ErrorCategoryInsufficient
	case errors.Is(err, ErrNoData):
		return ErrorCategoryNoData
	case errors.Is(err, dates.ErrInvalidDate):
		return ErrorCategoryValidation
	case errors.Is(err, cache.ErrStoreFull):
		return ErrorCategoryCache
	}

	errStr := err.Error()
	if strings.Contains(errStr, "timeout") {
		return ErrorCategoryTimeout
	}
	if errors.Is(err, ErrTransport) || strings.Contains(errStr, "connection") {
		return ErrorCategoryNetwork
	}
	if strings.Contains(errStr, "parse") || strings.Contains(errStr, "unmarshal") {
		return ErrorCategoryParsing
	}
	return ErrorCategoryUnknown
}
