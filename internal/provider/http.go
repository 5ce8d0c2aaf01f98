package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const defaultProviderTimeout = 10 * time.Second

// httpTransport is the JSON-over-HTTP plumbing shared by the HTTP adapters.
type httpTransport struct {
	provider string
	client   *resty.Client
}

func newHTTPTransport(provider, endpoint, apiKey string, timeout time.Duration, client *resty.Client) (*httpTransport, error) {
	trimmedEndpoint := strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if trimmedEndpoint == "" {
		return nil, fmt.Errorf("provider %s endpoint is required", provider)
	}
	if _, err := url.ParseRequestURI(trimmedEndpoint); err != nil {
		return nil, fmt.Errorf("invalid provider %s endpoint: %w", provider, err)
	}
	if client == nil {
		client = resty.New()
	}
	if timeout <= 0 {
		timeout = defaultProviderTimeout
	}

	client.SetBaseURL(trimmedEndpoint)
	client.SetTimeout(timeout)
	client.SetRetryCount(0)
	if apiKey != "" {
		client.SetAuthToken(apiKey)
	}

	return &httpTransport{provider: provider, client: client}, nil
}

// do sends body as JSON and decodes a 2xx response into out when both are non-nil.
func (t *httpTransport) do(ctx context.Context, method, path string, query map[string]string, body, out any) (*resty.Response, error) {
	req := t.client.R().
		SetContext(ctx).
		SetHeader("Accept", "application/json")
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	if len(query) > 0 {
		req.SetQueryParams(query)
	}

	response, err := req.Execute(method, path)
	if err != nil {
		return nil, &ProviderError{
			Provider:  t.provider,
			Message:   "provider request failed",
			Retryable: !errors.Is(err, context.Canceled),
			Cause:     err,
		}
	}
	if response == nil {
		return nil, &ProviderError{
			Provider:  t.provider,
			Message:   "provider returned empty response",
			Retryable: true,
		}
	}

	statusCode := response.StatusCode()
	if statusCode < http.StatusOK || statusCode >= http.StatusMultipleChoices {
		return response, &ProviderError{
			Provider:   t.provider,
			StatusCode: statusCode,
			Message:    providerErrorMessage(statusCode, strings.TrimSpace(response.String())),
			Retryable:  isRetryableHTTPStatus(statusCode),
		}
	}

	if out != nil && len(response.Body()) > 0 {
		if err := json.Unmarshal(response.Body(), out); err != nil {
			return response, &ProviderError{
				Provider:   t.provider,
				StatusCode: statusCode,
				Message:    "failed to decode provider response",
				Retryable:  false,
				Cause:      err,
			}
		}
	}

	return response, nil
}

func (t *httpTransport) healthy(ctx context.Context, path string) bool {
	_, err := t.do(ctx, http.MethodGet, path, nil, nil, nil)
	return err == nil
}

func isRetryableHTTPStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests ||
		statusCode == http.StatusRequestTimeout ||
		(statusCode >= http.StatusInternalServerError && statusCode <= 599)
}

func providerErrorMessage(statusCode int, body string) string {
	base := fmt.Sprintf("provider returned status %d", statusCode)
	if body == "" {
		return base
	}
	return fmt.Sprintf("%s: %s", base, body)
}

func providerMessageID(response *resty.Response) string {
	if response == nil {
		return ""
	}

	for _, key := range []string{"X-Message-Id", "X-Request-ID", "X-Correlation-ID"} {
		if value := strings.TrimSpace(response.Header().Get(key)); value != "" {
			return value
		}
	}

	return ""
}
