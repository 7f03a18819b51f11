package search

import (
	"net/http"

	"github.com/deepquery/deepquery/internal/apperr"
)

// classifyStatus maps a provider's HTTP response status to a typed error.
// 401 and 422 are not retryable; 429 is retryable by the caller's backoff
// loop; anything else is a generic provider error.
func classifyStatus(source string, status int, body string) error {
	switch status {
	case http.StatusUnauthorized:
		return apperr.New(apperr.KindAuth, source, "invalid or missing API credentials")
	case http.StatusUnprocessableEntity:
		return apperr.New(apperr.KindValidation, source, "query rejected by provider: "+body)
	case http.StatusTooManyRequests:
		return apperr.New(apperr.KindRateLimited, source, "rate limited by provider")
	default:
		return apperr.New(apperr.KindProvider, source, "unexpected response: "+body)
	}
}
