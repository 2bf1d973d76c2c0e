// Package remote talks to a drinklog server: row operations over HTTP and
// the change feed over a websocket.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Loues000/Alcohol-Tracking-App/internal/entries"
	"github.com/google/uuid"
)

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
	switch e.StatusCode {
	case http.StatusNotFound:
		return target == entries.ErrNotFound
	case http.StatusConflict:
		return target == entries.ErrConflict
	case http.StatusBadRequest:
		return target == entries.ErrInvalidInput
	}
	return false
}

// HTTPClient implements the row store contract against the HTTP API. The
// owner argument is informational: the server derives the owner from the
// bearer token and the client refuses calls for any other owner.
type HTTPClient struct {
	baseURL    string
	token      string
	owner      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

type ClientOptions struct {
	BaseURL    string
	Token      string
	Owner      string
	HTTPClient *http.Client
	MaxRetries int
}

func NewHTTPClient(opts ClientOptions) *HTTPClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(opts.Token),
		owner:      strings.TrimSpace(opts.Owner),
		httpClient: httpClient,
		maxRetries: maxRetries,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

type entriesResponse struct {
	Entries []entries.Entry `json:"entries"`
}

type entryResponse struct {
	Entry entries.Entry `json:"entry"`
}

type rowsRequest struct {
	Rows []entries.Row `json:"rows"`
}

func (c *HTTPClient) Select(ctx context.Context, owner string) ([]entries.Entry, error) {
	if err := c.checkOwner(owner); err != nil {
		return nil, err
	}
	var resp entriesResponse
	if err := c.doJSON(ctx, http.MethodGet, "/v1/entries", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

func (c *HTTPClient) Insert(ctx context.Context, owner string, rows []entries.Row) ([]entries.Entry, error) {
	if err := c.checkOwner(owner); err != nil {
		return nil, err
	}
	var resp entriesResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/entries", rowsRequest{Rows: rows}, &resp); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

func (c *HTTPClient) Upsert(ctx context.Context, owner string, rows []entries.Row) ([]entries.Entry, error) {
	if err := c.checkOwner(owner); err != nil {
		return nil, err
	}
	var resp entriesResponse
	if err := c.doJSON(ctx, http.MethodPut, "/v1/entries", rowsRequest{Rows: rows}, &resp); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

func (c *HTTPClient) Update(ctx context.Context, owner, id string, patch entries.Patch) (entries.Entry, error) {
	if err := c.checkOwner(owner); err != nil {
		return entries.Entry{}, err
	}
	var resp entryResponse
	if err := c.doJSON(ctx, http.MethodPatch, "/v1/entries/"+url.PathEscape(id), patch, &resp); err != nil {
		return entries.Entry{}, err
	}
	return resp.Entry, nil
}

func (c *HTTPClient) Delete(ctx context.Context, owner, id string) error {
	if err := c.checkOwner(owner); err != nil {
		return err
	}
	return c.doJSON(ctx, http.MethodDelete, "/v1/entries/"+url.PathEscape(id), nil, nil)
}

func (c *HTTPClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func (c *HTTPClient) checkOwner(owner string) error {
	if c.owner != "" && owner != c.owner {
		return fmt.Errorf("%w: client is bound to owner %s", entries.ErrInvalidInput, c.owner)
	}
	return nil
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("X-Correlation-Id", correlationID())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries && ctx.Err() == nil {
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
		if errPayload.Message == "" {
			errPayload.Message = http.StatusText(resp.StatusCode)
		}
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func correlationID() string {
	return "drinklog_" + uuid.NewString()
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	return backoffDelay(attempt, c.baseDelay, c.maxDelay, retryAfterHeader)
}

func backoffDelay(attempt int, base, maxDelay time.Duration, retryAfterHeader string) time.Duration {
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := base
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
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
