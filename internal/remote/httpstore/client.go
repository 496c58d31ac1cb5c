// Package httpstore is a remote.DocumentStore that talks JSON over HTTP to a
// document API such as the one served by internal/httpapi.
package httpstore

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

	"github.com/agentworkforce/mapsync/internal/remote"
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

// Is maps status codes onto the remote sentinel errors.
func (e *HTTPError) Is(target error) bool {
	switch target {
	case remote.ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case remote.ErrPreconditionFailed:
		return e.StatusCode == http.StatusPreconditionFailed || e.StatusCode == http.StatusConflict
	case remote.ErrInvalidInput:
		return e.StatusCode == http.StatusBadRequest || e.StatusCode == http.StatusRequestEntityTooLarge
	case remote.ErrUnavailable:
		return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500 ||
			e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
	}
	return false
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

var _ remote.DocumentStore = (*Client)(nil)

type Option func(*Client)

func WithRetries(maxRetries int, baseDelay, maxDelay time.Duration) Option {
	return func(c *Client) {
		c.maxRetries = maxRetries
		c.baseDelay = baseDelay
		c.maxDelay = maxDelay
	}
}

func New(baseURL, token string, httpClient *http.Client, opts ...Option) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	c := &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type writeResponse struct {
	Key     string `json:"key"`
	Created bool   `json:"created"`
	Version int    `json:"version"`
}

type selectResponse struct {
	Documents []remote.Document `json:"documents"`
}

func (c *Client) Upsert(ctx context.Context, collection, key string, doc any) (string, error) {
	var out writeResponse
	if err := c.doJSON(ctx, http.MethodPut, documentPath(collection, key), nil, doc, &out); err != nil {
		return "", err
	}
	if out.Key == "" {
		out.Key = key
	}
	return out.Key, nil
}

func (c *Client) Create(ctx context.Context, collection, key string, doc any) (bool, error) {
	var out writeResponse
	headers := map[string]string{"If-None-Match": "*"}
	if err := c.doJSON(ctx, http.MethodPut, documentPath(collection, key), headers, doc, &out); err != nil {
		return false, err
	}
	return out.Created, nil
}

func (c *Client) Get(ctx context.Context, collection, key string) (remote.Document, error) {
	var out remote.Document
	if err := c.doJSON(ctx, http.MethodGet, documentPath(collection, key), nil, nil, &out); err != nil {
		return remote.Document{}, err
	}
	return out, nil
}

func (c *Client) Select(ctx context.Context, collection string, q remote.Query) ([]remote.Document, error) {
	var out selectResponse
	path := fmt.Sprintf("/v1/collections/%s/query", url.PathEscape(collection))
	if err := c.doJSON(ctx, http.MethodPost, path, nil, q, &out); err != nil {
		return nil, err
	}
	return out.Documents, nil
}

func (c *Client) Update(ctx context.Context, collection, key string, patch remote.Patch) error {
	return c.doJSON(ctx, http.MethodPatch, documentPath(collection, key), nil, patch, nil)
}

func (c *Client) AppendVersion(ctx context.Context, collection, parent string, doc any) (int, error) {
	var out writeResponse
	path := fmt.Sprintf("/v1/collections/%s/versions/%s", url.PathEscape(collection), url.PathEscape(parent))
	if err := c.doJSON(ctx, http.MethodPost, path, nil, doc, &out); err != nil {
		return 0, err
	}
	return out.Version, nil
}

// CurrentUser asks the server who the bearer token belongs to. Any failure
// counts as signed out.
func (c *Client) CurrentUser(ctx context.Context) (remote.User, bool) {
	if c.token == "" {
		return remote.User{}, false
	}
	var user remote.User
	if err := c.doJSON(ctx, http.MethodGet, "/v1/auth/user", nil, nil, &user); err != nil {
		return remote.User{}, false
	}
	return user, user.ID != ""
}

func (c *Client) doJSON(
	ctx context.Context,
	method, requestPath string,
	headers map[string]string,
	body any,
	out any,
) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		if raw, ok := body.(json.RawMessage); ok {
			bodyBytes = raw
		} else if bodyBytes, err = json.Marshal(body); err != nil {
			return fmt.Errorf("%w: %v", remote.ErrInvalidInput, err)
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
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		req.Header.Set("X-Correlation-Id", "mapsync_"+uuid.NewString())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for key, value := range headers {
			req.Header.Set(key, value)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries && ctx.Err() == nil {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return fmt.Errorf("%w: %v", remote.ErrUnavailable, err)
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return fmt.Errorf("%w: %v", remote.ErrUnavailable, readErr)
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return delay
}

func documentPath(collection, key string) string {
	return fmt.Sprintf("/v1/collections/%s/documents/%s", url.PathEscape(collection), url.PathEscape(key))
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
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
		return errors.Join(remote.ErrUnavailable, ctx.Err())
	case <-timer.C:
		return nil
	}
}
