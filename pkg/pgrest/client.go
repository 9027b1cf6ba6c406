package pgrest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout   = 10 * time.Second
	defaultRateLimit = 20 // requests per second against the upstream
	defaultBurst     = 10
	maxRetries       = 3

	// Breaker tuning: open after this many consecutive upstream failures,
	// probe again after the timeout
	breakerFailureThreshold = 5
	breakerTimeout          = 30 * time.Second
)

// ErrNotFound is returned when the upstream answers 404 for a table or RPC
var ErrNotFound = errors.New("pgrest: not found")

// Config holds upstream connection settings
type Config struct {
	// BaseURL of the PostgREST-style API, e.g. http://telemetry:3000
	BaseURL string

	// Token is sent as a bearer token when non-empty
	Token string

	// Timeout per HTTP request (0 = default)
	Timeout time.Duration

	// RateLimit caps requests per second against the upstream (0 = default)
	RateLimit float64

	// Burst for the rate limiter (0 = default)
	Burst int
}

// Client issues parameterized GET/POST requests against a fixed set of
// REST-like endpoints: tables under the base URL and procedures under /rpc.
// Every call goes through a client-side rate limiter, a retry loop with
// exponential backoff, and a circuit breaker so a sick upstream cannot be
// hammered by the poller and the dashboard at once.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[[]byte]
}

// New creates an upstream client
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("pgrest: base URL required")
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("pgrest: invalid base URL: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	limit := cfg.RateLimit
	if limit <= 0 {
		limit = defaultRateLimit
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = defaultBurst
	}

	breaker := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:    "pgrest",
		Timeout: breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailureThreshold
		},
	})

	return &Client{
		baseURL: base,
		token:   cfg.Token,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(limit), burst),
		breaker: breaker,
	}, nil
}

// BreakerState reports the circuit breaker state for monitoring
func (c *Client) BreakerState() string {
	return c.breaker.State().String()
}

// Filter is one PostgREST column condition, rendered as column=op.value
type Filter struct {
	Column string
	Op     string
	Value  string
}

// Eq matches rows where column equals value
func Eq(column, value string) Filter { return Filter{Column: column, Op: "eq", Value: value} }

// Gt matches rows where column is greater than value
func Gt(column, value string) Filter { return Filter{Column: column, Op: "gt", Value: value} }

// Gte matches rows where column is at least value
func Gte(column, value string) Filter { return Filter{Column: column, Op: "gte", Value: value} }

// Lte matches rows where column is at most value
func Lte(column, value string) Filter { return Filter{Column: column, Op: "lte", Value: value} }

// Like matches rows where column matches a pattern with % wildcards
func Like(column, pattern string) Filter { return Filter{Column: column, Op: "like", Value: pattern} }

// In matches rows where column is one of the values
func In(column string, values ...string) Filter {
	return Filter{Column: column, Op: "in", Value: "(" + strings.Join(values, ",") + ")"}
}

// SelectRequest describes one table read
type SelectRequest struct {
	Table   string
	Filters []Filter

	// Order is a PostgREST order expression, e.g. "ts.desc"
	Order string

	// Limit and Offset page through the table (0 limit = server default)
	Limit  int
	Offset int

	// Count asks the server for an exact total via the Prefer header
	Count bool
}

// Select reads rows from a table into dest (a pointer to a slice) and
// returns the exact total row count when requested, -1 otherwise.
func (c *Client) Select(ctx context.Context, req SelectRequest, dest interface{}) (int64, error) {
	if req.Table == "" {
		return -1, errors.New("pgrest: table required")
	}

	params := url.Values{}
	for _, f := range req.Filters {
		params.Add(f.Column, f.Op+"."+f.Value)
	}
	if req.Order != "" {
		params.Set("order", req.Order)
	}
	if req.Limit > 0 {
		params.Set("limit", strconv.Itoa(req.Limit))
	}
	if req.Offset > 0 {
		params.Set("offset", strconv.Itoa(req.Offset))
	}

	endpoint := c.baseURL + "/" + url.PathEscape(req.Table)
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	headers := http.Header{}
	if req.Count {
		headers.Set("Prefer", "count=exact")
	}

	body, total, err := c.do(ctx, http.MethodGet, endpoint, nil, headers)
	if err != nil {
		return -1, err
	}

	if err := json.Unmarshal(body, dest); err != nil {
		return -1, fmt.Errorf("pgrest: failed to decode %s rows: %w", req.Table, err)
	}
	return total, nil
}

// RPC invokes a remote procedure under /rpc with a JSON argument object.
// The response is decoded into dest when dest is non-nil.
func (c *Client) RPC(ctx context.Context, proc string, args interface{}, dest interface{}) error {
	if proc == "" {
		return errors.New("pgrest: procedure name required")
	}

	var payload []byte
	if args != nil {
		var err error
		payload, err = json.Marshal(args)
		if err != nil {
			return fmt.Errorf("pgrest: failed to marshal %s args: %w", proc, err)
		}
	}

	endpoint := c.baseURL + "/rpc/" + url.PathEscape(proc)

	body, _, err := c.do(ctx, http.MethodPost, endpoint, payload, nil)
	if err != nil {
		return err
	}

	if dest != nil && len(body) > 0 {
		if err := json.Unmarshal(body, dest); err != nil {
			return fmt.Errorf("pgrest: failed to decode %s result: %w", proc, err)
		}
	}
	return nil
}

// do runs one upstream request through limiter, breaker and retry loop,
// returning the response body and the Content-Range total (-1 if absent).
func (c *Client) do(ctx context.Context, method, endpoint string, payload []byte, headers http.Header) ([]byte, int64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, -1, fmt.Errorf("pgrest: rate limiter: %w", err)
	}

	var total int64 = -1

	body, err := c.breaker.Execute(func() ([]byte, error) {
		policy := backoff.WithContext(
			backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries), ctx)

		return backoff.RetryWithData(func() ([]byte, error) {
			var reader io.Reader
			if payload != nil {
				reader = bytes.NewReader(payload)
			}

			req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
			if err != nil {
				return nil, backoff.Permanent(fmt.Errorf("pgrest: failed to create request: %w", err))
			}

			req.Header.Set("Accept", "application/json")
			if payload != nil {
				req.Header.Set("Content-Type", "application/json")
			}
			if c.token != "" {
				req.Header.Set("Authorization", "Bearer "+c.token)
			}
			for k, vs := range headers {
				for _, v := range vs {
					req.Header.Add(k, v)
				}
			}

			resp, err := c.client.Do(req)
			if err != nil {
				return nil, fmt.Errorf("pgrest: request failed: %w", err)
			}
			defer resp.Body.Close()

			data, err := io.ReadAll(resp.Body)
			if err != nil {
				return nil, fmt.Errorf("pgrest: failed to read response: %w", err)
			}

			switch {
			case resp.StatusCode == http.StatusNotFound:
				return nil, backoff.Permanent(ErrNotFound)
			case resp.StatusCode >= 500:
				// Server-side trouble is worth retrying
				return nil, fmt.Errorf("pgrest: upstream returned %d", resp.StatusCode)
			case resp.StatusCode < 200 || resp.StatusCode >= 300:
				// Client errors won't heal on retry
				return nil, backoff.Permanent(fmt.Errorf("pgrest: upstream returned %d: %s", resp.StatusCode, truncateBody(data)))
			}

			if t, ok := parseContentRangeTotal(resp.Header.Get("Content-Range")); ok {
				total = t
			}
			return data, nil
		}, policy)
	})
	if err != nil {
		return nil, -1, err
	}

	return body, total, nil
}

// parseContentRangeTotal extracts the total from a PostgREST Content-Range
// header, e.g. "0-24/3573" -> 3573. The total is "*" when count was not
// requested.
func parseContentRangeTotal(header string) (int64, bool) {
	idx := strings.LastIndexByte(header, '/')
	if idx < 0 {
		return 0, false
	}
	totalPart := header[idx+1:]
	if totalPart == "" || totalPart == "*" {
		return 0, false
	}
	total, err := strconv.ParseInt(totalPart, 10, 64)
	if err != nil {
		return 0, false
	}
	return total, true
}

// truncateBody keeps error messages readable when the upstream returns a page
// of HTML or a long JSON error
func truncateBody(body []byte) string {
	const max = 200
	s := string(body)
	if len(s) > max {
		return s[:max] + "…"
	}
	return s
}
