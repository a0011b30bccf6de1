// Package assistant answers document questions through the remote query
// backend, charging one credit per question and refunding it when the
// backend fails.
package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/JojoDuke/papermind-ai/internal/circuitbreaker"
	"github.com/JojoDuke/papermind-ai/internal/retry"
	"github.com/JojoDuke/papermind-ai/internal/traces"
	"go.opentelemetry.io/otel/codes"
)

// ErrBackendUnavailable is returned when the query backend could not answer.
var ErrBackendUnavailable = errors.New("query backend unavailable")

const queryPath = "/v1/collection/query/"

// Query is one question about one document collection.
type Query struct {
	CollectionID string
	Question     string
}

// Answer is the backend's reply.
type Answer struct {
	Text   string `json:"answer"`
	Tokens int    `json:"tokens,omitempty"`
}

// Backend answers queries. *Client satisfies it.
type Backend interface {
	Query(ctx context.Context, q Query) (*Answer, error)
}

// StatusError is a non-2xx reply from the backend.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("query backend returned %d: %s", e.Code, e.Body)
}

// Client calls the remote query service.
type Client struct {
	endpoint  string
	apiKey    string
	model     string
	http      *http.Client
	breaker   *circuitbreaker.Breaker
	key       string
	attempts  int
	baseDelay time.Duration
}

// NewClient creates a client for the service at baseURL. Calls share
// breaker under the backend's host name.
func NewClient(baseURL, apiKey, model string, timeout time.Duration, breaker *circuitbreaker.Breaker) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid query backend url %q", baseURL)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if breaker == nil {
		breaker = circuitbreaker.New(5, 30*time.Second)
	}
	return &Client{
		endpoint:  u.String() + queryPath,
		apiKey:    apiKey,
		model:     model,
		http:      &http.Client{Timeout: timeout},
		breaker:   breaker,
		key:       u.Host,
		attempts:  3,
		baseDelay: 250 * time.Millisecond,
	}, nil
}

// Query asks the backend a question. Transport errors and 5xx replies are
// retried with backoff; 4xx replies and an open circuit are not.
func (c *Client) Query(ctx context.Context, q Query) (*Answer, error) {
	ctx, span := traces.StartSpan(ctx, "assistant.query", traces.Provider(c.key))
	defer span.End()

	var ans *Answer
	err := retry.Do(ctx, c.attempts, c.baseDelay, func() error {
		err := c.breaker.Execute(c.key, func() error {
			var err error
			ans, err = c.do(ctx, q)
			return err
		}, countable)
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
	}
	return ans, nil
}

type queryResponse struct {
	Response json.RawMessage `json:"response"`
	Tokens   int             `json:"tokens"`
	Success  *bool           `json:"success"`
}

func (c *Client) do(ctx context.Context, q Query) (*Answer, error) {
	form := url.Values{
		"collection_id": {q.CollectionID},
		"request_query": {q.Question},
		"model":         {c.model},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Token "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		serr := &StatusError{Code: resp.StatusCode, Body: truncate(string(body), 200)}
		if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, retry.Permanent(serr)
		}
		return nil, serr
	}

	var qr queryResponse
	if err := json.Unmarshal(body, &qr); err != nil {
		return nil, fmt.Errorf("decode query response: %w", err)
	}
	if qr.Success != nil && !*qr.Success {
		return nil, fmt.Errorf("query backend reported failure: %s", truncate(string(body), 200))
	}
	return &Answer{Text: responseText(qr.Response), Tokens: qr.Tokens}, nil
}

// responseText accepts the answer as a JSON string or as structured JSON.
func responseText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// countable keeps caller mistakes (4xx) from tripping the breaker.
func countable(err error) bool {
	var serr *StatusError
	if errors.As(err, &serr) {
		return serr.Code >= 500 || serr.Code == http.StatusTooManyRequests
	}
	return !errors.Is(err, context.Canceled)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
