package syosetu

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/kalambet/okkake/internal/ncode"
)

const defaultUserAgent = "okkake/1.0 (+https://github.com/kalambet/okkake)"

// Client downloads and extracts novel index pages.
type Client struct {
	http     *resty.Client
	baseURLs map[Category]string
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the site root for a category (used by tests).
func WithBaseURL(c Category, baseURL string) Option {
	return func(cl *Client) {
		cl.baseURLs[c] = strings.TrimRight(baseURL, "/")
	}
}

// WithTimeout sets the per-attempt request timeout.
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) {
		if d > 0 {
			cl.http.SetTimeout(d)
		}
	}
}

// WithRetryCount sets how many times a failed request is retried.
func WithRetryCount(n int) Option {
	return func(cl *Client) {
		if n >= 0 {
			cl.http.SetRetryCount(n)
		}
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(cl *Client) {
		if ua = strings.TrimSpace(ua); ua != "" {
			cl.http.SetHeader("User-Agent", ua)
		}
	}
}

// WithLogger routes resty's internal messages to logger.
func WithLogger(logger *slog.Logger) Option {
	return func(cl *Client) {
		if logger != nil {
			cl.http.SetLogger(restyLogger{logger.With("component", "syosetu")})
		}
	}
}

// New creates a Client.
func New(opts ...Option) *Client {
	h := resty.New().
		SetTimeout(10*time.Second).
		SetHeader("User-Agent", defaultUserAgent).
		SetHeader("Accept-Charset", "utf-8").
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= 500
		}).
		SetLogger(restyLogger{slog.Default()})

	c := &Client{
		http:     h,
		baseURLs: make(map[Category]string),
	}
	for _, cat := range Categories {
		c.baseURLs[cat] = "https://" + cat.Host()
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NovelURL returns the index page URL of a novel.
func (c *Client) NovelURL(cat Category, code ncode.Ncode) string {
	return fmt.Sprintf("%s/%s/", c.baseURLs[cat], code)
}

// Fetch downloads and extracts the index page of a novel. Network failures,
// non-200 responses and extraction failures are all reported as errors.
func (c *Client) Fetch(ctx context.Context, cat Category, code ncode.Ncode) (Novel, error) {
	req := c.http.R().SetContext(ctx)
	if cat == Adult {
		req.SetCookie(&http.Cookie{Name: "over18", Value: "yes"})
	}

	url := c.NovelURL(cat, code)
	start := time.Now()
	resp, err := req.Get(url)
	latency := time.Since(start)
	if err != nil {
		return Novel{}, fmt.Errorf("request %s (latency=%v): %w", url, latency, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return Novel{}, fmt.Errorf("request %s: unexpected status %s", url, resp.Status())
	}

	novel, err := Extract(bytes.NewReader(resp.Body()))
	if err != nil {
		return Novel{}, fmt.Errorf("extract %s: %w", url, err)
	}
	return novel, nil
}

type restyLogger struct {
	l *slog.Logger
}

func (r restyLogger) Errorf(format string, v ...any) {
	r.l.Error(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (r restyLogger) Warnf(format string, v ...any) {
	r.l.Warn(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (r restyLogger) Debugf(format string, v ...any) {
	r.l.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)))
}
