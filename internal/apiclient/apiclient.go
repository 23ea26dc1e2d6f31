// Package apiclient is the outbound HTTP client shared by every provider integration.
package apiclient

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

	"github.com/formrelay/formrelay/internal/apperr"
	"github.com/formrelay/formrelay/internal/metrics"
	"github.com/formrelay/formrelay/internal/util"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	// DefaultTimeout bounds a request when RequestArgs.Timeout is zero.
	DefaultTimeout = 30 * time.Second
	// UserAgent identifies outbound requests.
	UserAgent = "FormRelay/1.0 (+https://github.com/formrelay/formrelay)"

	maxResponseBytes = 4 << 20
)

// statusMessages is used when a non-2xx body carries no message.
var statusMessages = map[int]string{
	http.StatusBadRequest:          "Bad Request",
	http.StatusUnauthorized:        "Unauthorized - Invalid API key or credentials",
	http.StatusForbidden:           "Forbidden - Insufficient permissions",
	http.StatusNotFound:            "Not Found",
	http.StatusMethodNotAllowed:    "Method Not Allowed",
	http.StatusUnprocessableEntity: "Unprocessable Entity",
	http.StatusTooManyRequests:     "Rate limit exceeded",
	http.StatusInternalServerError: "Internal Server Error",
	http.StatusBadGateway:          "Bad Gateway",
	http.StatusServiceUnavailable:  "Service Unavailable",
	http.StatusGatewayTimeout:      "Gateway Timeout",
}

// RequestArgs describes one outbound call. At most one of JSON, Form and Body is used.
type RequestArgs struct {
	Headers map[string]string
	Query   url.Values
	JSON    any        // Marshalled as application/json.
	Form    url.Values // Encoded as application/x-www-form-urlencoded.
	Body    []byte     // Sent as-is with Headers["Content-Type"].
	Timeout time.Duration

	BearerToken string
	BasicUser   string
	BasicPass   string
}

// Response is the normalized outcome of a request. Transport failures set Err
// and leave StatusCode zero.
type Response struct {
	Success    bool
	StatusCode int
	Data       any
	Raw        []byte
	Header     http.Header
	Error      string
	RetryAfter time.Duration
	Err        error
}

// AsError converts an unsuccessful response into a classified error.
func (r Response) AsError() error {
	if r.Success {
		return nil
	}
	if r.Err != nil {
		msg := r.Error
		if msg == "" {
			msg = "transport error"
		}
		return apperr.Wrap(apperr.TransportError, msg, r.Err)
	}
	appErr := apperr.Provider(r.StatusCode, r.Error)
	appErr.RetryAfter = r.RetryAfter
	return appErr
}

// Client performs requests with a shared http.Client and optional throttle.
type Client struct {
	http    *http.Client
	limiter *rate.Limiter
}

// Option configures a Client.
type Option func(*Client)

// WithRateLimit throttles outbound calls to rps requests per second.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps > 0 {
			if burst <= 0 {
				burst = 1
			}
			c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		}
	}
}

// New builds a client.
func New(opts ...Option) *Client {
	c := &Client{http: &http.Client{}}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get is a shorthand for Request with GET.
func (c *Client) Get(ctx context.Context, rawURL string, args RequestArgs) Response {
	return c.Request(ctx, http.MethodGet, rawURL, args)
}

// Post is a shorthand for Request with POST.
func (c *Client) Post(ctx context.Context, rawURL string, args RequestArgs) Response {
	return c.Request(ctx, http.MethodPost, rawURL, args)
}

// Request sends one HTTP request. It never retries.
func (c *Client) Request(ctx context.Context, method, rawURL string, args RequestArgs) Response {
	if ctx == nil {
		ctx = context.Background()
	}
	timeout := args.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if c.limiter != nil {
		if errWait := c.limiter.Wait(ctx); errWait != nil {
			return Response{Err: fmt.Errorf("apiclient: throttle: %w", errWait), Error: "request throttled"}
		}
	}

	req, errBuild := buildRequest(ctx, method, rawURL, args)
	if errBuild != nil {
		return Response{Err: errBuild, Error: errBuild.Error()}
	}

	start := time.Now()
	resp, errDo := c.http.Do(req)
	if errDo != nil {
		metrics.ExternalAPIDuration.WithLabelValues(req.URL.Host, "error").Observe(time.Since(start).Seconds())
		msg := "network error"
		if errors.Is(errDo, context.DeadlineExceeded) {
			msg = "request timeout"
		}
		log.WithError(errDo).Debugf("apiclient: %s %s failed", method, util.MaskURL(rawURL))
		return Response{Err: errDo, Error: msg}
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.WithError(errClose).Debug("apiclient: close response body")
		}
	}()
	metrics.ExternalAPIDuration.WithLabelValues(req.URL.Host, strconv.Itoa(resp.StatusCode)).Observe(time.Since(start).Seconds())

	raw, errRead := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if errRead != nil {
		return Response{StatusCode: resp.StatusCode, Err: errRead, Error: "network error"}
	}
	out := Response{
		StatusCode: resp.StatusCode,
		Raw:        raw,
		Header:     resp.Header,
		Success:    resp.StatusCode >= 200 && resp.StatusCode < 300,
	}
	if len(bytes.TrimSpace(raw)) > 0 {
		var data any
		if errJSON := json.Unmarshal(raw, &data); errJSON == nil {
			out.Data = data
		} else {
			out.Data = string(raw)
		}
	}
	if !out.Success {
		out.Error = errorMessage(out.Data, resp.StatusCode)
		out.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
	}
	return out
}

func buildRequest(ctx context.Context, method, rawURL string, args RequestArgs) (*http.Request, error) {
	u, errParse := url.Parse(rawURL)
	if errParse != nil {
		return nil, fmt.Errorf("apiclient: parse url: %w", errParse)
	}
	if len(args.Query) > 0 {
		q := u.Query()
		for key, values := range args.Query {
			for _, v := range values {
				q.Add(key, v)
			}
		}
		u.RawQuery = q.Encode()
	}

	var (
		body        io.Reader
		contentType string
	)
	switch {
	case args.JSON != nil:
		payload, errMarshal := json.Marshal(args.JSON)
		if errMarshal != nil {
			return nil, fmt.Errorf("apiclient: marshal body: %w", errMarshal)
		}
		body = bytes.NewReader(payload)
		contentType = "application/json"
	case args.Form != nil:
		body = strings.NewReader(args.Form.Encode())
		contentType = "application/x-www-form-urlencoded"
	case args.Body != nil:
		body = bytes.NewReader(args.Body)
	}

	req, errReq := http.NewRequestWithContext(ctx, method, u.String(), body)
	if errReq != nil {
		return nil, fmt.Errorf("apiclient: build request: %w", errReq)
	}
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for key, value := range args.Headers {
		req.Header.Set(key, value)
	}
	switch {
	case args.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+args.BearerToken)
	case args.BasicUser != "" || args.BasicPass != "":
		req.SetBasicAuth(args.BasicUser, args.BasicPass)
	}
	return req, nil
}

// errorMessage extracts a provider message from a decoded error body.
func errorMessage(data any, statusCode int) string {
	if obj, ok := data.(map[string]any); ok {
		for _, key := range []string{"message", "error", "detail", "title"} {
			switch v := obj[key].(type) {
			case string:
				if strings.TrimSpace(v) != "" {
					return v
				}
			case map[string]any:
				if msg, okMsg := v["message"].(string); okMsg && msg != "" {
					return msg
				}
			}
		}
	}
	if msg, ok := statusMessages[statusCode]; ok {
		return msg
	}
	return fmt.Sprintf("HTTP Error %d", statusCode)
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, errAtoi := strconv.Atoi(value); errAtoi == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if at, errParse := http.ParseTime(value); errParse == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
