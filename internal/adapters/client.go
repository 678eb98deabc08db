package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type ClientOptions struct {
	BaseURL       string
	TokenProvider TokenProvider
	HTTPClient    *http.Client
	UserAgent     string
	// Headers are added to every request (API version pins and the like).
	Headers map[string]string
	// AuthScheme prefixes the token in the Authorization header. Empty means
	// "Bearer"; "-" sends the raw token.
	AuthScheme string
}

// restClient issues exactly one HTTP request per call and classifies the
// outcome. Retrying is left to the sync engine.
type restClient struct {
	platform      string
	baseURL       string
	tokenProvider TokenProvider
	httpClient    *http.Client
	userAgent     string
	headers       map[string]string
	authScheme    string
}

type apiRequest struct {
	Method         string
	Path           string
	Body           any
	CorrelationID  string
	IdempotencyKey string
}

func newRESTClient(platform, defaultBaseURL string, opts ClientOptions) *restClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	userAgent := strings.TrimSpace(opts.UserAgent)
	if userAgent == "" {
		userAgent = "tasksync"
	}
	authScheme := strings.TrimSpace(opts.AuthScheme)
	if authScheme == "" {
		authScheme = "Bearer"
	}
	return &restClient{
		platform:      platform,
		baseURL:       baseURL,
		tokenProvider: opts.TokenProvider,
		httpClient:    httpClient,
		userAgent:     userAgent,
		headers:       opts.Headers,
		authScheme:    authScheme,
	}
}

// do sends req and decodes a 2xx JSON response into out (if non-nil). Any
// failure comes back as *DeliveryError.
func (c *restClient) do(ctx context.Context, req apiRequest, out any) (int, error) {
	if c.tokenProvider == nil {
		return 0, permanentError(c.platform, "token provider is required")
	}
	token, err := c.tokenProvider(ctx)
	if err != nil {
		return 0, transientError(c.platform, fmt.Errorf("resolve token: %w", err))
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return 0, permanentError(c.platform, "token is empty")
	}

	var body io.Reader
	if req.Body != nil {
		bodyBytes, err := json.Marshal(req.Body)
		if err != nil {
			return 0, permanentError(c.platform, "encode request: "+err.Error())
		}
		body = bytes.NewReader(bodyBytes)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, c.baseURL+req.Path, body)
	if err != nil {
		return 0, permanentError(c.platform, "build request: "+err.Error())
	}
	if c.authScheme == "-" {
		httpReq.Header.Set("Authorization", token)
	} else {
		httpReq.Header.Set("Authorization", c.authScheme+" "+token)
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("User-Agent", c.userAgent)
	for key, value := range c.headers {
		httpReq.Header.Set(key, value)
	}
	if req.CorrelationID != "" {
		httpReq.Header.Set("X-Correlation-Id", req.CorrelationID)
	}
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return 0, transientError(c.platform, err)
	}
	respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	_ = resp.Body.Close()
	if readErr != nil {
		return resp.StatusCode, transientError(c.platform, fmt.Errorf("read response: %w", readErr))
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if out != nil && len(bytes.TrimSpace(respBody)) > 0 {
			if err := json.Unmarshal(respBody, out); err != nil {
				return resp.StatusCode, permanentError(c.platform, "decode response: "+err.Error())
			}
		}
		return resp.StatusCode, nil
	}

	return resp.StatusCode, &DeliveryError{
		Platform:   c.platform,
		Class:      ClassifyStatus(resp.StatusCode),
		StatusCode: resp.StatusCode,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		Message:    errorMessage(respBody),
	}
}

func errorMessage(body []byte) string {
	message := strings.TrimSpace(string(body))
	var parsed map[string]any
	if json.Unmarshal(body, &parsed) == nil {
		code, _ := parsed["code"].(string)
		if text, ok := parsed["message"].(string); ok && strings.TrimSpace(text) != "" {
			message = text
		}
		if code != "" {
			return fmt.Sprintf("code=%s message=%s", code, message)
		}
	}
	if len(message) > 512 {
		message = message[:512]
	}
	return message
}

// parseRetryAfter understands both delta-seconds and HTTP-date forms.
func parseRetryAfter(header string, now time.Time) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if delay := at.Sub(now); delay > 0 {
			return delay
		}
	}
	return 0
}
