package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/http2"
)

// Request headers understood by the Fig server.
const (
	HeaderClientSecret = "clientSecret"
	HeaderIPAddress    = "Fig_IpAddress"
	HeaderHostname     = "Fig_Hostname"
	HeaderMemoryUsage  = "Fig_MemoryUsageBytes"
)

// ErrTransportUnavailable is wrapped by every error caused by the server
// being unreachable or failing on its side.
var ErrTransportUnavailable = errors.New("fig server unavailable")

// StatusError is a non-2xx answer from the server.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("fig server returned %d", e.StatusCode)
	}
	return fmt.Sprintf("fig server returned %d: %s", e.StatusCode, e.Message)
}

// Unwrap reports server-side failures as transport unavailability.
func (e *StatusError) Unwrap() error {
	if e.StatusCode >= http.StatusInternalServerError {
		return ErrTransportUnavailable
	}
	return nil
}

// newHTTPClient builds a client that negotiates HTTP/2 over TLS and falls back
// to HTTP/1.1 for plain connections.
func newHTTPClient(timeout time.Duration) (*http.Client, error) {
	t := http.DefaultTransport.(*http.Transport).Clone()
	if _, err := http2.ConfigureTransports(t); err != nil {
		return nil, fmt.Errorf("configure http2: %w", err)
	}
	return &http.Client{Transport: t, Timeout: timeout}, nil
}

type transport struct {
	base    *url.URL
	http    *http.Client
	headers http.Header
}

func (t *transport) do(ctx context.Context, method, path string, query url.Values, extra http.Header, body, out any) error {
	u := *t.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = query.Encode()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return err
	}
	for k, vs := range t.headers {
		req.Header[k] = vs
	}
	for k, vs := range extra {
		req.Header[k] = vs
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, &apiErr) != nil || apiErr.Error == "" {
			apiErr.Error = strings.TrimSpace(string(raw))
		}
		return &StatusError{StatusCode: resp.StatusCode, Message: apiErr.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
