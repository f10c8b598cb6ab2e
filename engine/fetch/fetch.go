// Package fetch defines the page fetcher seam. The headless browser fetcher
// is an external collaborator; CollyFetcher is the in-process default for
// plain HTTP targets.
package fetch

import (
	"context"
	"fmt"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/gocolly/colly/v2"
)

// Result is one fetched document.
type Result struct {
	URL       *url.URL
	Body      []byte
	Status    int
	Headers   map[string]string
	FetchedAt time.Time
}

// Policy tunes fetch behavior.
type Policy struct {
	UserAgent    string
	Timeout      time.Duration
	RequestDelay time.Duration
}

// Stats reports fetcher counters.
type Stats struct {
	RequestsCompleted int64
	RequestsFailed    int64
	BytesDownloaded   int64
}

// Fetcher retrieves one document per call.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (*Result, error)
	Stats() Stats
	Close() error
}

// CollyFetcher implements Fetcher using colly.
type CollyFetcher struct {
	collector *colly.Collector
	policy    Policy

	requestsCompleted int64
	requestsFailed    int64
	bytesDownloaded   int64
}

// NewCollyFetcher builds a fetcher with the given policy.
func NewCollyFetcher(policy Policy) (*CollyFetcher, error) {
	if policy.Timeout <= 0 {
		policy.Timeout = 30 * time.Second
	}
	c := colly.NewCollector()
	c.SetRequestTimeout(policy.Timeout)
	if policy.UserAgent != "" {
		c.UserAgent = policy.UserAgent
	}
	if err := c.Limit(&colly.LimitRule{DomainGlob: "*", Parallelism: 1, Delay: policy.RequestDelay}); err != nil {
		return nil, fmt.Errorf("set rate limit: %w", err)
	}
	// Callbacks are registered per-request on clones; colly clones do not
	// inherit them.
	return &CollyFetcher{collector: c, policy: policy}, nil
}

// Fetch retrieves one page synchronously.
func (f *CollyFetcher) Fetch(ctx context.Context, rawURL string) (*Result, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL %q: %w", rawURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var result *Result
	clone := f.collector.Clone()
	clone.SetRequestTimeout(f.policy.Timeout)
	clone.OnResponse(func(r *colly.Response) {
		atomic.AddInt64(&f.requestsCompleted, 1)
		atomic.AddInt64(&f.bytesDownloaded, int64(len(r.Body)))
		headers := map[string]string{}
		if r.Headers != nil {
			for k := range *r.Headers {
				headers[k] = r.Headers.Get(k)
			}
		}
		result = &Result{
			URL:       u,
			Body:      append([]byte(nil), r.Body...),
			Status:    r.StatusCode,
			Headers:   headers,
			FetchedAt: time.Now().UTC(),
		}
	})
	var fetchErr error
	clone.OnError(func(r *colly.Response, err error) {
		atomic.AddInt64(&f.requestsFailed, 1)
		fetchErr = err
	})

	if err := clone.Visit(u.String()); err != nil {
		return nil, err
	}
	clone.Wait()
	if fetchErr != nil {
		return nil, fetchErr
	}
	if result == nil {
		return nil, fmt.Errorf("no response for %s", rawURL)
	}
	return result, nil
}

// Stats returns current counters.
func (f *CollyFetcher) Stats() Stats {
	return Stats{
		RequestsCompleted: atomic.LoadInt64(&f.requestsCompleted),
		RequestsFailed:    atomic.LoadInt64(&f.requestsFailed),
		BytesDownloaded:   atomic.LoadInt64(&f.bytesDownloaded),
	}
}

// Close releases resources. Colly collectors hold none worth waiting on.
func (f *CollyFetcher) Close() error { return nil }
