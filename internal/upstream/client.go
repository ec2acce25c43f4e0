// Package upstream provides the HTTP client used against the impersonated
// browser backend. Because the gateway sends its own Accept-Encoding header,
// the transport never auto-decompresses; bodies are unwrapped here based on
// the Content-Encoding the upstream actually used.
package upstream

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
)

const defaultTimeout = 15 * time.Second

// Client pairs a bounded-timeout client for unary calls with an unbounded
// one for event streams, both sharing the same optional forward proxy.
type Client struct {
	unary  *http.Client
	stream *http.Client
}

// New builds a client, optionally routed through proxyURL. An empty
// proxyURL uses the default transport. timeout bounds unary calls only;
// zero means the 15s default.
func New(proxyURL string, timeout time.Duration) (*Client, error) {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if proxyURL != "" {
		parsed, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("upstream: parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(parsed)
	}
	return &Client{
		unary:  &http.Client{Transport: transport, Timeout: timeout},
		stream: &http.Client{Transport: transport},
	}, nil
}

// CloseIdle drops the client's pooled connections.
func (c *Client) CloseIdle() {
	c.unary.CloseIdleConnections()
	c.stream.CloseIdleConnections()
}

// SessionProxy substitutes the per-credential session id into a proxy
// template's "{}" placeholder, giving each credential a sticky egress
// identity on rotating-proxy providers.
func SessionProxy(template, credential string) string {
	if template == "" || !strings.Contains(template, "{}") {
		return template
	}
	session := "default"
	if credential != "" {
		sum := md5.Sum([]byte(credential))
		session = hex.EncodeToString(sum[:])
	}
	return strings.ReplaceAll(template, "{}", session)
}

func (c *Client) Get(ctx context.Context, rawURL string, headers map[string]string) (*http.Response, error) {
	return c.do(ctx, c.unary, http.MethodGet, rawURL, nil, "", headers)
}

func (c *Client) PostJSON(ctx context.Context, rawURL string, body any, headers map[string]string) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("upstream: encode request body: %w", err)
	}
	return c.do(ctx, c.unary, http.MethodPost, rawURL, payload, "application/json", headers)
}

// PostStream issues a POST on the unbounded client so long-lived event
// streams are not cut off by the unary timeout. Cancellation is the
// caller's context.
func (c *Client) PostStream(ctx context.Context, rawURL string, body any, headers map[string]string) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("upstream: encode request body: %w", err)
	}
	return c.do(ctx, c.stream, http.MethodPost, rawURL, payload, "application/json", headers)
}

// Put issues a PUT on the unbounded client. Blob uploads routinely outlast
// the unary timeout, so the deadline is the caller's context.
func (c *Client) Put(ctx context.Context, rawURL string, body []byte, contentType string, headers map[string]string) (*http.Response, error) {
	return c.do(ctx, c.stream, http.MethodPut, rawURL, body, contentType, headers)
}

func (c *Client) do(ctx context.Context, hc *http.Client, method, rawURL string, body []byte, contentType string, headers map[string]string) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, fmt.Errorf("upstream: build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	if err := decodeBody(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp, nil
}

// decodeBody replaces resp.Body with a reader that transparently unwraps
// the negotiated content encoding. Unknown encodings pass through.
func decodeBody(resp *http.Response) error {
	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return fmt.Errorf("upstream: gzip body: %w", err)
		}
		resp.Body = &decodedBody{Reader: zr, underlying: resp.Body}
	case "deflate":
		resp.Body = &decodedBody{Reader: flate.NewReader(resp.Body), underlying: resp.Body}
	case "br":
		resp.Body = &decodedBody{Reader: brotli.NewReader(resp.Body), underlying: resp.Body}
	}
	resp.Header.Del("Content-Encoding")
	return nil
}

type decodedBody struct {
	io.Reader
	underlying io.ReadCloser
}

func (d *decodedBody) Close() error { return d.underlying.Close() }

// ReadJSON drains and decodes a response body into v, closing it.
func ReadJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("upstream: read response: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("upstream: decode response: %w", err)
	}
	return nil
}
