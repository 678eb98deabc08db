// Package opsclient calls the tasksync operator API.
package opsclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/tasksync/internal/canonical"
	"github.com/agentworkforce/tasksync/internal/engine"
	"github.com/agentworkforce/tasksync/internal/health"
	"github.com/agentworkforce/tasksync/internal/normalizer"
)

var ErrNotFound = errors.New("not found")

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

type PlatformsResponse struct {
	Platforms []health.PlatformHealth `json:"platforms"`
}

type IngressResponse struct {
	Normalizer normalizer.Stats `json:"normalizer"`
	Queue      struct {
		Depth    int `json:"depth"`
		Capacity int `json:"capacity"`
	} `json:"queue"`
	Engine engine.Stats `json:"engine"`
}

type ItemResponse struct {
	Item  canonical.TrackedItem `json:"item"`
	Pairs []engine.PairStatus   `json:"pairs"`
}

type DeadLettersResponse struct {
	DeadLetters []canonical.DeadLetter `json:"deadLetters"`
}

type ActionResponse struct {
	ID      string                     `json:"id"`
	Status  string                     `json:"status"`
	Attempt *canonical.DeliveryAttempt `json:"attempt,omitempty"`
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func New(baseURL, token string, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (c *Client) Platforms(ctx context.Context) (PlatformsResponse, error) {
	var out PlatformsResponse
	err := c.doJSON(ctx, http.MethodGet, "/v1/status/platforms", &out)
	return out, err
}

func (c *Client) Probe(ctx context.Context) (PlatformsResponse, error) {
	var out PlatformsResponse
	err := c.doJSON(ctx, http.MethodPost, "/v1/status/probe", &out)
	return out, err
}

func (c *Client) Ingress(ctx context.Context) (IngressResponse, error) {
	var out IngressResponse
	err := c.doJSON(ctx, http.MethodGet, "/v1/status/ingress", &out)
	return out, err
}

func (c *Client) Item(ctx context.Context, id string) (ItemResponse, error) {
	var out ItemResponse
	err := c.doJSON(ctx, http.MethodGet, "/v1/items/"+url.PathEscape(id), &out)
	return out, err
}

func (c *Client) DeadLetters(ctx context.Context, platform string, limit int) (DeadLettersResponse, error) {
	q := url.Values{}
	if platform != "" {
		q.Set("platform", platform)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/v1/dead-letters"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out DeadLettersResponse
	err := c.doJSON(ctx, http.MethodGet, path, &out)
	return out, err
}

func (c *Client) Replay(ctx context.Context, id string) (ActionResponse, error) {
	var out ActionResponse
	err := c.doJSON(ctx, http.MethodPost, "/v1/dead-letters/"+url.PathEscape(id)+"/replay", &out)
	return out, err
}

func (c *Client) Ack(ctx context.Context, id string) (ActionResponse, error) {
	var out ActionResponse
	err := c.doJSON(ctx, http.MethodPost, "/v1/dead-letters/"+url.PathEscape(id)+"/ack", &out)
	return out, err
}

// doJSON retries transport errors, 429 and 5xx responses with capped
// doubling delays, honoring Retry-After.
func (c *Client) doJSON(ctx context.Context, method, requestPath string, out any) error {
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bytes.NewReader(nil))
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("X-Correlation-Id", "ctl_"+uuid.NewString())

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payload) == 0 {
				return nil
			}
			return json.Unmarshal(payload, out)
		}
		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}
		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		return &HTTPError{StatusCode: resp.StatusCode, Code: errPayload.Code, Message: errPayload.Message}
	}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
