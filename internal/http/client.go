// Package http provides the plain HTTP client shared by the policy gate,
// sitemap discovery, stylesheet scanning and the asset downloader.
package http

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/html/charset"

	"github.com/PentesterFlow/SiteScape/internal/errors"
)

// BrowserUserAgent is the user agent sent with asset requests.
const BrowserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// Client is a thin wrapper over net/http that sends browser-like headers,
// caps redirects and categorizes failures.
type Client struct {
	client       *http.Client
	userAgent    string
	headers      map[string]string
	maxBodyBytes int64
}

// Config holds configuration for the client.
type Config struct {
	Timeout             time.Duration
	MaxRedirects        int
	MaxIdleConnsPerHost int
	UserAgent           string
	Headers             map[string]string
	SkipTLSVerify       bool
	MaxBodyBytes        int64 // 0 = unlimited
}

// DefaultConfig returns the settings used for asset downloads.
func DefaultConfig() Config {
	return Config{
		Timeout:             30 * time.Second,
		MaxRedirects:        5,
		MaxIdleConnsPerHost: 8,
		UserAgent:           BrowserUserAgent,
		Headers: map[string]string{
			"Accept":          "image/webp,image/apng,image/*,*/*;q=0.8",
			"Accept-Language": "en-US,en;q=0.9",
		},
		SkipTLSVerify: true,
		MaxBodyBytes:  100 << 20,
	}
}

// New creates a new client.
func New(config Config) *Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConnsPerHost:   config.MaxIdleConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     true,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: config.SkipTLSVerify,
		},
	}

	maxRedirects := config.MaxRedirects
	return &Client{
		client: &http.Client{
			Transport: transport,
			Timeout:   config.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) > maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
		userAgent:    config.UserAgent,
		headers:      config.Headers,
		maxBodyBytes: config.MaxBodyBytes,
	}
}

// Response is a fully read response.
type Response struct {
	URL         string
	FinalURL    string
	StatusCode  int
	ContentType string
	Body        []byte
	Duration    time.Duration
}

// Get performs a GET request and reads the whole body. Status codes of 400
// and above are returned as categorized errors, so a 404 surfaces as an
// errors.NotFound. extra headers override the configured ones.
func (c *Client) Get(ctx context.Context, targetURL string, extra map[string]string) (*Response, error) {
	start := time.Now()

	resp, err := c.do(ctx, targetURL, extra)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	result := &Response{
		URL:         targetURL,
		FinalURL:    resp.Request.URL.String(),
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
	}

	if httpErr := errors.CategorizeHTTPStatus(resp.StatusCode, targetURL); httpErr != nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return result, httpErr
	}

	var body io.Reader = resp.Body
	if c.maxBodyBytes > 0 {
		body = io.LimitReader(resp.Body, c.maxBodyBytes)
	}
	result.Body, err = io.ReadAll(body)
	if err != nil {
		return result, errors.Categorize(err, targetURL)
	}

	result.Duration = time.Since(start)
	return result, nil
}

// GetText fetches a text resource and decodes it to UTF-8 using the
// declared or sniffed charset. timeout bounds the whole call when positive.
func (c *Client) GetText(ctx context.Context, targetURL string, timeout time.Duration) (string, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	resp, err := c.do(ctx, targetURL, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if httpErr := errors.CategorizeHTTPStatus(resp.StatusCode, targetURL); httpErr != nil {
		return "", httpErr
	}

	reader, err := charset.NewReader(resp.Body, resp.Header.Get("Content-Type"))
	if err != nil {
		return "", errors.NewParseError(targetURL, "charset", err)
	}

	if c.maxBodyBytes > 0 {
		reader = io.LimitReader(reader, c.maxBodyBytes)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return "", errors.Categorize(err, targetURL)
	}
	return string(data), nil
}

func (c *Client) do(ctx context.Context, targetURL string, extra map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, nil)
	if err != nil {
		return nil, errors.NewValidationError(targetURL, "failed to create request: "+err.Error())
	}

	req.Header.Set("User-Agent", c.userAgent)
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	for k, v := range extra {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.Categorize(err, targetURL)
	}
	return resp, nil
}

// Close releases idle connections.
func (c *Client) Close() {
	c.client.CloseIdleConnections()
}
