package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var _ Client = (*HTTPClient)(nil)

// HTTPClient talks to a PostgREST-style API: /rest/v1/<collection> for rows and
// /rest/v1/rpc/<name> for remote functions.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	token      string
	userAgent  string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPClient(baseURL, apiKey string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:54321"
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(apiKey),
		userAgent:  "inbox-sync/1.0",
		httpClient: httpClient,
		maxRetries: 2,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

// WithToken returns a copy that authenticates as the signed-in user.
func (c *HTTPClient) WithToken(token string) *HTTPClient {
	clone := *c
	clone.token = strings.TrimSpace(token)
	return &clone
}

func (c *HTTPClient) WithUserAgent(userAgent string) *HTTPClient {
	clone := *c
	if userAgent != "" {
		clone.userAgent = userAgent
	}
	return &clone
}

func (c *HTTPClient) Query(ctx context.Context, collection string, filter Filter, order Order, limit int) ([]Row, error) {
	q := url.Values{}
	q.Set("select", "*")
	for column, value := range filter {
		q.Set(column, "eq."+value)
	}
	if order.Column != "" {
		direction := "asc"
		if order.Descending {
			direction = "desc"
		}
		q.Set("order", order.Column+"."+direction)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	var rows []Row
	op := "query " + collection
	err := c.doJSON(ctx, op, http.MethodGet, "/rest/v1/"+url.PathEscape(collection)+"?"+q.Encode(), nil, nil, &rows)
	return rows, err
}

func (c *HTTPClient) Mutate(ctx context.Context, collection, id string, patch map[string]any) (Row, error) {
	q := url.Values{}
	q.Set("id", "eq."+id)

	headers := map[string]string{
		"Prefer": "return=representation",
	}

	var rows []Row
	op := "mutate " + collection
	err := c.doJSON(ctx, op, http.MethodPatch, "/rest/v1/"+url.PathEscape(collection)+"?"+q.Encode(), headers, patch, &rows)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, &Error{Kind: ErrNotFound, Op: op, Message: "no row with id " + id}
	}
	return rows[0], nil
}

func (c *HTTPClient) CallRemoteFunction(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	if args == nil {
		args = map[string]any{}
	}
	var out json.RawMessage
	err := c.doJSON(ctx, "rpc "+name, http.MethodPost, "/rest/v1/rpc/"+url.PathEscape(name), nil, args, &out)
	return out, err
}

func (c *HTTPClient) doJSON(
	ctx context.Context,
	op, method, requestPath string,
	headers map[string]string,
	body any,
	out any,
) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return &Error{Kind: ErrUnknown, Op: op, Err: err}
		}
	}

	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return &Error{Kind: ErrUnknown, Op: op, Err: err}
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", c.userAgent)
		if c.apiKey != "" {
			req.Header.Set("apikey", c.apiKey)
		}
		if bearer := c.bearer(); bearer != "" {
			req.Header.Set("Authorization", "Bearer "+bearer)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for key, value := range headers {
			req.Header.Set(key, value)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if isTimeoutErr(ctx, err) {
				return &Error{Kind: ErrTimeout, Op: op, Err: err}
			}
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return contextError(op, waitErr)
				}
				continue
			}
			return &Error{Kind: ErrUnknown, Op: op, Err: err}
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			if isTimeoutErr(ctx, readErr) {
				return &Error{Kind: ErrTimeout, Op: op, Err: readErr}
			}
			return &Error{Kind: ErrUnknown, Op: op, Err: readErr}
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			// numbers stay json.Number so bigint ids keep every digit
			decoder := json.NewDecoder(bytes.NewReader(payloadBytes))
			decoder.UseNumber()
			if err := decoder.Decode(out); err != nil {
				return &Error{Kind: ErrUnknown, Op: op, Err: fmt.Errorf("failed to decode response: %w", err)}
			}
			return nil
		}

		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < c.maxRetries {
			slog.Debug("Backend request retry scheduled", "op", op, "status", resp.StatusCode, "attempt", attempt+1)
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return contextError(op, waitErr)
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)

		return &Error{
			Kind:       kindForStatus(resp.StatusCode),
			Op:         op,
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(errPayload.Code + " " + errPayload.Message),
		}
	}
}

func (c *HTTPClient) bearer() string {
	if c.token != "" {
		return c.token
	}
	return c.apiKey
}

func (c *HTTPClient) retryDelay(attempt int, retryAfter string) time.Duration {
	if seconds, err := strconv.Atoi(strings.TrimSpace(retryAfter)); err == nil && seconds > 0 {
		delay := time.Duration(seconds) * time.Second
		if delay > c.maxDelay {
			return c.maxDelay
		}
		return delay
	}
	delay := c.baseDelay << uint(attempt-1)
	if delay > c.maxDelay {
		delay = c.maxDelay
	}
	return delay
}

func kindForStatus(status int) error {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return ErrTimeout
	default:
		return ErrUnknown
	}
}

func isTimeoutErr(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func contextError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: ErrTimeout, Op: op, Err: err}
	}
	return &Error{Kind: ErrUnknown, Op: op, Err: err}
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
