// Package storeapi is the HTTP transport for the store protocol: plist
// request bodies, manual redirects and cookie propagation.
package storeapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
	"howett.net/plist"

	"github.com/and161185/ipakeeper/internal/errs"
	"github.com/and161185/ipakeeper/internal/model"
)

// DefaultUserAgent mimics the desktop configurator client the store expects.
const DefaultUserAgent = "Configurator/2.15 (Macintosh; OS X 11.0.0; 16G29) AppleWebKit/2603.3.8"

// Endpoints holds the protocol URLs. Tests point them at httptest servers.
type Endpoints struct {
	Authenticate string
	Download     string
	Purchase     string
	Lookup       string
	Search       string
}

// DefaultEndpoints returns the production endpoints.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		Authenticate: "https://buy.itunes.apple.com/WebObjects/MZFinance.woa/wa/authenticate",
		Download:     "https://p25-buy.itunes.apple.com/WebObjects/MZFinance.woa/wa/volumeStoreDownloadProduct",
		Purchase:     "https://buy.itunes.apple.com/WebObjects/MZBuy.woa/wa/buyProduct",
		Lookup:       "https://itunes.apple.com/lookup",
		Search:       "https://itunes.apple.com/search",
	}
}

// Options configures the client.
type Options struct {
	// Timeout for individual requests.
	// Default: 30s
	Timeout time.Duration

	// UserAgent sent with every request.
	// Default: DefaultUserAgent
	UserAgent string

	Endpoints Endpoints
}

// DefaultOptions returns options with production defaults.
func DefaultOptions() Options {
	return Options{
		Timeout:   30 * time.Second,
		UserAgent: DefaultUserAgent,
		Endpoints: DefaultEndpoints(),
	}
}

// StatusError is returned for an HTTP status the caller did not expect.
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.StatusCode, e.URL)
}

// Unwrap classifies server-side failures as network errors.
func (e *StatusError) Unwrap() error {
	if e.StatusCode >= 500 {
		return errs.ErrNetwork
	}
	return nil
}

// Request is one protocol call.
type Request struct {
	Method  string
	URL     string
	Header  http.Header
	Cookies model.Cookies
	// Plist, when set, is encoded as an XML plist body.
	Plist any
}

// Response is a fully read protocol response.
type Response struct {
	StatusCode int
	Header     http.Header
	Cookies    model.Cookies
	Body       []byte
}

// Location returns the redirect target, if any.
func (r *Response) Location() string { return r.Header.Get("Location") }

// Redirect reports whether the response is a redirect with a target.
func (r *Response) Redirect() bool {
	return r.StatusCode >= 300 && r.StatusCode < 400 && r.Location() != ""
}

// Dict decodes the body as a plist dictionary.
func (r *Response) Dict() (map[string]any, error) {
	return DecodeDict(r.Body)
}

// Client issues store protocol requests. Redirects are surfaced to the
// caller instead of being followed.
type Client struct {
	http *http.Client
	opts Options
	now  func() time.Time
}

// NewClient creates a client with a logging transport.
func NewClient(opts Options, log *zap.Logger) *Client {
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	return &Client{
		http: &http.Client{
			Transport: LoggingTransport(log.Named("storeapi"), http.DefaultTransport),
			Timeout:   opts.Timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		opts: opts,
		now:  time.Now,
	}
}

// Endpoints returns the configured endpoints.
func (c *Client) Endpoints() Endpoints { return c.opts.Endpoints }

// Do sends req and reads the full response. Transport failures wrap
// errs.ErrNetwork; any HTTP status is returned as a Response.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	var body io.Reader
	if req.Plist != nil {
		b, err := plist.Marshal(req.Plist, plist.XMLFormat)
		if err != nil {
			return nil, fmt.Errorf("encode plist: %w", err)
		}
		body = bytes.NewReader(b)
	}
	method := req.Method
	if method == "" {
		method = http.MethodPost
	}

	hr, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			hr.Header.Add(k, v)
		}
	}
	hr.Header.Set("User-Agent", c.opts.UserAgent)
	if req.Plist != nil {
		hr.Header.Set("Content-Type", "application/x-apple-plist")
	}
	if h := req.Cookies.Header(u, c.now()); h != "" {
		hr.Header.Set("Cookie", h)
	}

	resp, err := c.http.Do(hr)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", errs.ErrNetwork, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", errs.ErrNetwork, err)
	}
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Cookies:    model.FromHTTP(u, resp.Cookies()),
		Body:       data,
	}, nil
}

// GetJSON performs an unauthenticated GET and decodes the JSON body.
func (c *Client) GetJSON(ctx context.Context, endpoint string, query url.Values, out any) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	u.RawQuery = query.Encode()

	resp, err := c.Do(ctx, Request{Method: http.MethodGet, URL: u.String()})
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return &StatusError{StatusCode: resp.StatusCode, URL: endpoint}
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("%w: decode json: %v", errs.ErrMalformedResponse, err)
	}
	return nil
}

// DecodeDict decodes a plist document whose root is a dictionary.
func DecodeDict(b []byte) (map[string]any, error) {
	if len(bytes.TrimSpace(b)) == 0 {
		return nil, fmt.Errorf("%w: empty body", errs.ErrMalformedResponse)
	}
	var dict map[string]any
	if _, err := plist.Unmarshal(b, &dict); err != nil {
		return nil, fmt.Errorf("%w: decode plist: %v", errs.ErrMalformedResponse, err)
	}
	if dict == nil {
		return nil, fmt.Errorf("%w: plist root is not a dictionary", errs.ErrMalformedResponse)
	}
	return dict, nil
}

// IsServerError reports whether err carries a 5xx status.
func IsServerError(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode >= 500
}
