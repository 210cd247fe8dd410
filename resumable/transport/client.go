// Package transport sends the HTTP requests of a resumable upload.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
)

// Options configures a Client.
type Options struct {
	// HTTPClient is the underlying client. If nil, DefaultHTTPClient is used.
	HTTPClient *http.Client

	// Authenticator signs every request. Optional.
	Authenticator Authenticator

	// CheckRetry and Backoff replace the retry policy of retryable requests.
	CheckRetry retryablehttp.CheckRetry
	Backoff    retryablehttp.Backoff

	// RetryMax bounds the retries of a single retryable request.
	RetryMax int

	Logger log.Logger
}

// Request describes one upload request.
type Request struct {
	Method string
	URL    string
	Query  url.Values
	Header http.Header

	// Body is sent as is. BodyReader streams the body instead and is never
	// retried by the client.
	Body       []byte
	BodyReader io.Reader

	// ContentLength of a BodyReader; -1 (or 0) sends it chunked.
	ContentLength int64

	// Retryable lets the client retry the request according to CheckRetry.
	Retryable bool
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Err returns a StatusError describing the response.
func (r *Response) Err() *StatusError {
	return &StatusError{StatusCode: r.StatusCode, Header: r.Header, Body: r.Body}
}

// Client is an authenticated HTTP client built on retryablehttp.
type Client struct {
	httpClient    *retryablehttp.Client
	authenticator Authenticator
	logger        log.Logger
}

// NewClient creates a Client.
func NewClient(opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewLogger()
	}

	httpClient := retryhttp.NewClient(logger)
	httpClient.HTTPClient = opts.HTTPClient
	if httpClient.HTTPClient == nil {
		httpClient.HTTPClient = DefaultHTTPClient()
	}
	httpClient.ErrorHandler = retryablehttp.PassthroughErrorHandler
	if opts.CheckRetry != nil {
		httpClient.CheckRetry = opts.CheckRetry
		httpClient.RetryMax = opts.RetryMax
	}
	if opts.Backoff != nil {
		httpClient.Backoff = opts.Backoff
	}

	return &Client{
		httpClient:    httpClient,
		authenticator: opts.Authenticator,
		logger:        logger,
	}
}

// DefaultHTTPClient creates an HTTP client for upload requests.
func DefaultHTTPClient() *http.Client {
	return &http.Client{
		// No timeout - request timeouts are handled via context
		Timeout: 0,
		Transport: &http.Transport{
			MaxIdleConns:          10,
			IdleConnTimeout:       30 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: time.Second,
			Proxy:                 http.ProxyFromEnvironment,
		},
	}
}

// Do sends the request and reads the whole response. Every status code is
// returned as a Response; only transport failures and exhausted retries are
// errors.
func (c *Client) Do(ctx context.Context, r Request) (*Response, error) {
	target, err := requestURL(r.URL, r.Query)
	if err != nil {
		return nil, err
	}

	var resp *http.Response
	if r.Retryable && r.BodyReader == nil {
		resp, err = c.doRetryable(ctx, r, target)
	} else {
		resp, err = c.doOnce(ctx, r, target)
	}
	if err != nil {
		if resp != nil && resp.Body != nil {
			c.closeBody(resp.Body)
		}
		return nil, err
	}
	defer c.closeBody(resp.Body)

	dump, err := httputil.DumpResponse(resp, true)
	if err != nil {
		c.logger.Warnf("error while dumping response: %s", err)
	}
	c.logger.Debugf("Response dump: %s", string(dump))

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

func (c *Client) doRetryable(ctx context.Context, r Request, target string) (*http.Response, error) {
	var rawBody interface{}
	if r.Body != nil {
		rawBody = r.Body
	}

	req, err := retryablehttp.NewRequest(r.Method, target, rawBody)
	if err != nil {
		return nil, err
	}
	req = req.WithContext(ctx)
	setHeaders(req.Request, r.Header)

	if err := c.prepare(req.Request); err != nil {
		return nil, err
	}

	return c.httpClient.Do(req)
}

func (c *Client) doOnce(ctx context.Context, r Request, target string) (*http.Response, error) {
	var body io.Reader
	switch {
	case r.BodyReader != nil:
		body = r.BodyReader
	case r.Body != nil:
		body = bytes.NewReader(r.Body)
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, target, body)
	if err != nil {
		return nil, err
	}
	setHeaders(req, r.Header)
	if r.BodyReader != nil {
		req.ContentLength = r.ContentLength
		if req.ContentLength <= 0 {
			req.ContentLength = -1
		}
	}

	if err := c.prepare(req); err != nil {
		return nil, err
	}

	return c.httpClient.HTTPClient.Do(req)
}

// prepare dumps the request before it is signed so credentials never reach the log.
func (c *Client) prepare(req *http.Request) error {
	dump, err := httputil.DumpRequest(req, false)
	if err != nil {
		c.logger.Warnf("error while dumping request: %s", err)
	}
	c.logger.Debugf("Request dump: %s", string(dump))

	if c.authenticator == nil {
		return nil
	}
	if err := c.authenticator.Authenticate(req); err != nil {
		return fmt.Errorf("authenticate request: %w", err)
	}
	return nil
}

func (c *Client) closeBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		c.logger.Warnf("failed to close response body: %s", err)
	}
}

func setHeaders(req *http.Request, header http.Header) {
	for k, values := range header {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
}

func requestURL(raw string, query url.Values) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse request URL: %w", err)
	}
	if len(query) == 0 {
		return u.String(), nil
	}

	q := u.Query()
	for k, values := range query {
		for _, v := range values {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
