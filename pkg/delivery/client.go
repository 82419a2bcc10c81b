// Package delivery performs a single request/response cycle against the
// collection endpoint. It never retries; retry policy belongs to the worker.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultTimeout bounds one request, including reading the response body.
const DefaultTimeout = 30 * time.Second

// MaxResponseBytes caps how much of a response body is read.
const MaxResponseBytes = 1 << 20

// Response is what the worker needs from an HTTP reply.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Poster sends form fields to a URL with a POST request.
// Any failure to obtain a complete response is returned as an error.
type Poster interface {
	Post(ctx context.Context, url string, form url.Values) (*Response, error)
}

// Client is the net/http implementation of Poster.
type Client struct {
	http *http.Client
}

// NewClient returns a client whose requests time out after timeout.
// A zero timeout uses DefaultTimeout.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{http: &http.Client{Timeout: timeout}}
}

// NewClientFromHTTP wraps an existing http.Client, e.g. one with a custom transport.
func NewClientFromHTTP(c *http.Client) *Client {
	return &Client{http: c}
}

// Post sends form as application/x-www-form-urlencoded.
func (c *Client) Post(ctx context.Context, target string, form url.Values) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("delivery: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("delivery: post %s: %w", redact(target), stripURL(err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("delivery: read response from %s: %w", redact(target), stripURL(err))
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

// redact drops the query string and credentials from a URL for error messages.
func redact(target string) string {
	u, err := url.Parse(target)
	if err != nil {
		return "endpoint"
	}
	u.User = nil
	u.RawQuery = ""
	return u.String()
}

// stripURL unwraps a *url.Error, whose message repeats the full request URL.
func stripURL(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return ue.Err
	}
	return err
}
