package llm

import (
	"net/http"

	"github.com/deepquery/deepquery/internal/apperr"
)

// classifyLLMStatus maps a provider's HTTP response status to the
// discriminated error set the LLM client contract exposes:
// CredentialMissing | RateLimited | ProviderError | ParseError | Timeout.
func classifyLLMStatus(source string, status int, body string) error {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return apperr.New(apperr.KindCredentialMissing, source, "rejected credentials")
	case http.StatusTooManyRequests:
		return apperr.New(apperr.KindRateLimited, source, "rate limited by provider")
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return apperr.New(apperr.KindTimeout, source, "provider timed out")
	default:
		return apperr.New(apperr.KindProvider, source, "unexpected response: "+body)
	}
}
