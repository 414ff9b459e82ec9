package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/ipakeeper/internal/errs"
)

// Options configures the HTTP downloader.
type Options struct {
	// Dir receives <name>.part while downloading and <name> when done.
	Dir string

	// Timeout bounds connection setup and response headers, not the body.
	// Default: 30s
	Timeout time.Duration

	// RetryAttempts is the maximum number of retry attempts.
	// Default: 5
	RetryAttempts int

	// RetryBackoff is the initial backoff duration.
	// Default: 1s
	RetryBackoff time.Duration

	// RetryMaxBackoff is the maximum backoff duration.
	// Default: 30s
	RetryMaxBackoff time.Duration

	// ReportInterval throttles progress and speed callbacks.
	// Default: 250ms
	ReportInterval time.Duration
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		Timeout:         30 * time.Second,
		RetryAttempts:   5,
		RetryBackoff:    time.Second,
		RetryMaxBackoff: 30 * time.Second,
		ReportInterval:  250 * time.Millisecond,
	}
}

// Client is an HTTP Downloader.
type Client struct {
	client *http.Client
	opts   Options
	log    *zap.Logger

	mu sync.Mutex
	// staging maps a file name to a channel closed when its owning task
	// has finished with name.part.
	staging map[string]chan struct{}
}

var _ Downloader = (*Client)(nil)

// NewClient creates a downloader writing into opts.Dir.
func NewClient(opts Options, log *zap.Logger) *Client {
	def := DefaultOptions()
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = def.RetryBackoff
	}
	if opts.RetryMaxBackoff <= 0 {
		opts.RetryMaxBackoff = def.RetryMaxBackoff
	}
	if opts.ReportInterval <= 0 {
		opts.ReportInterval = def.ReportInterval
	}
	if opts.RetryAttempts < 0 {
		opts.RetryAttempts = 0
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		ResponseHeaderTimeout: opts.Timeout,
		IdleConnTimeout:       90 * time.Second,
		DisableCompression:    true, // raw bytes for range requests
	}
	return &Client{
		client:  &http.Client{Transport: transport},
		opts:    opts,
		log:     log.Named("transfer"),
		staging: map[string]chan struct{}{},
	}
}

// claim waits until no other task owns name, then takes it. Tasks for the
// same name run one after another, so a cancelled task's cleanup never
// touches its successor's partial file.
func (c *Client) claim(ctx context.Context, name string) (func(), error) {
	for {
		c.mu.Lock()
		busy, ok := c.staging[name]
		if !ok {
			done := make(chan struct{})
			c.staging[name] = done
			c.mu.Unlock()
			return func() {
				c.mu.Lock()
				delete(c.staging, name)
				c.mu.Unlock()
				close(done)
			}, nil
		}
		c.mu.Unlock()
		select {
		case <-busy:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Download returns an unstarted task for url.
func (c *Client) Download(url, name string, cb Callbacks) Task {
	ctx, cancel := context.WithCancel(context.Background())
	return &httpTask{c: c, url: url, name: name, cb: cb, ctx: ctx, cancel: cancel}
}

type httpTask struct {
	c      *Client
	url    string
	name   string
	cb     Callbacks
	ctx    context.Context
	cancel context.CancelFunc

	once    sync.Once
	mu      sync.Mutex
	discard bool
}

func (t *httpTask) Start() {
	t.once.Do(func() { go t.run() })
}

func (t *httpTask) Stop() { t.cancel() }

func (t *httpTask) Cancel() {
	t.mu.Lock()
	t.discard = true
	t.mu.Unlock()
	t.cancel()
}

func (t *httpTask) run() {
	final := filepath.Join(t.c.opts.Dir, t.name)
	part := final + ".part"

	var path string
	release, err := t.c.claim(t.ctx, t.name)
	if err == nil {
		path, err = t.c.fetch(t.ctx, t.url, part, final, t.cb)
	}
	if err != nil && t.ctx.Err() != nil {
		err = ErrCancelled
		t.mu.Lock()
		discard := t.discard
		t.mu.Unlock()
		if discard && release != nil {
			_ = os.Remove(part)
		}
	}
	if release != nil {
		release()
	}
	t.cancel()
	if t.cb.Complete != nil {
		t.cb.Complete(path, err)
	}
}

// fetch downloads url into part, resuming from its current size, and
// renames it to final once complete.
func (c *Client) fetch(ctx context.Context, url, part, final string, cb Callbacks) (string, error) {
	if err := os.MkdirAll(filepath.Dir(part), 0o755); err != nil {
		return "", fmt.Errorf("%w: create staging dir: %v", errs.ErrTransfer, err)
	}
	var lastErr error
	for attempt := 0; attempt <= c.opts.RetryAttempts; attempt++ {
		if attempt > 0 {
			c.log.Debug("retrying transfer", zap.Int("attempt", attempt), zap.Error(lastErr))
			if err := c.backoff(ctx, attempt); err != nil {
				return "", err
			}
		}
		err := c.fetchOnce(ctx, url, part, cb)
		if err == nil {
			if err := os.Rename(part, final); err != nil {
				return "", fmt.Errorf("%w: %v", errs.ErrTransfer, err)
			}
			return final, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		var re *retryableError
		if !errors.As(err, &re) {
			return "", err
		}
		lastErr = re.err
	}
	return "", fmt.Errorf("%w: failed after %d attempts: %v", errs.ErrTransfer, c.opts.RetryAttempts+1, lastErr)
}

func (c *Client) fetchOnce(ctx context.Context, url, part string, cb Callbacks) error {
	var offset int64
	if fi, err := os.Stat(part); err == nil {
		offset = fi.Size()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%w: create request: %v", errs.ErrTransfer, err)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return &retryableError{err: err}
	}
	defer resp.Body.Close()

	flags := os.O_CREATE | os.O_WRONLY
	var total int64 = -1
	switch {
	case resp.StatusCode == http.StatusPartialContent && offset > 0:
		start, _, size, err := parseContentRange(resp.Header.Get("Content-Range"))
		if err != nil || start != offset {
			// server ignored our offset; start over on the next attempt
			_ = os.Remove(part)
			return &retryableError{err: fmt.Errorf("unexpected content range %q", resp.Header.Get("Content-Range"))}
		}
		flags |= os.O_APPEND
		total = size
	case resp.StatusCode == http.StatusOK:
		flags |= os.O_TRUNC
		offset = 0
		total = resp.ContentLength
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable && offset > 0:
		// the part file already holds the whole payload
		report(cb, 1)
		return nil
	case resp.StatusCode >= 500:
		return &retryableError{err: fmt.Errorf("server error: %d", resp.StatusCode)}
	default:
		return fmt.Errorf("%w: unexpected status %d", errs.ErrTransfer, resp.StatusCode)
	}

	f, err := os.OpenFile(part, flags, 0o644)
	if err != nil {
		return fmt.Errorf("%w: open staging file: %v", errs.ErrTransfer, err)
	}
	m := &meter{written: offset, total: total, cb: cb, interval: c.opts.ReportInterval, now: time.Now}
	m.start()
	_, err = io.Copy(io.MultiWriter(f, m), resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &retryableError{err: err}
	}
	if total > 0 && m.written < total {
		return &retryableError{err: io.ErrUnexpectedEOF}
	}
	report(cb, 1)
	return nil
}

// backoff waits for an exponentially increasing duration with jitter.
func (c *Client) backoff(ctx context.Context, attempt int) error {
	backoff := c.opts.RetryBackoff * time.Duration(1<<uint(attempt-1))
	if backoff > c.opts.RetryMaxBackoff {
		backoff = c.opts.RetryMaxBackoff
	}
	// 0.5 to 1.5 of backoff
	jitter := time.Duration(float64(backoff) * (0.5 + rand.Float64()))

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(jitter):
		return nil
	}
}

type retryableError struct{ err error }

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// meter turns written bytes into throttled progress and speed callbacks.
type meter struct {
	written  int64
	total    int64
	cb       Callbacks
	interval time.Duration
	now      func() time.Time

	last      time.Time
	lastBytes int64
}

func (m *meter) start() {
	m.last = m.now()
	m.lastBytes = m.written
}

func (m *meter) Write(p []byte) (int, error) {
	m.written += int64(len(p))
	now := m.now()
	if elapsed := now.Sub(m.last); elapsed >= m.interval {
		if m.cb.Speed != nil {
			m.cb.Speed(int64(float64(m.written-m.lastBytes) / elapsed.Seconds()))
		}
		if m.total > 0 {
			report(m.cb, float64(m.written)/float64(m.total))
		}
		m.last, m.lastBytes = now, m.written
	}
	return len(p), nil
}

func report(cb Callbacks, fraction float64) {
	if cb.Progress == nil {
		return
	}
	if fraction > 1 {
		fraction = 1
	}
	cb.Progress(fraction)
}

// parseContentRange parses "bytes start-end/total". Total is -1 when unknown.
func parseContentRange(header string) (start, end, total int64, err error) {
	header = strings.TrimPrefix(header, "bytes ")
	rng, size, ok := strings.Cut(header, "/")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %s", header)
	}
	a, b, ok := strings.Cut(rng, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %s", header)
	}
	if start, err = strconv.ParseInt(a, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid start byte: %w", err)
	}
	if end, err = strconv.ParseInt(b, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid end byte: %w", err)
	}
	if size == "*" {
		return start, end, -1, nil
	}
	if total, err = strconv.ParseInt(size, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid total bytes: %w", err)
	}
	return start, end, total, nil
}
