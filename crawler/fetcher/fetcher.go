// Package fetcher defines and implements the downloading utilities for the
// upstream repository: a retrying HTTP client, mirror substitution and the
// adaptive backoff driven by upstream throttling responses
package fetcher

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/rehttp"
	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"

	"github.com/spice-labs-inc/mvn-crawler-carl/runstate"
)

// UserAgent identifies the crawler to the upstream repository
const UserAgent = "Spice Labs https://spicelabs.io"

const (
	// transportRetries is the number of times a request is resent after a
	// transport failure, for six attempts in total
	transportRetries = 5
	// backoff429 is the sleep after receiving a 429 before retrying the
	// same URL
	backoff429 = 350 * time.Millisecond
	// delayPerThrottled is the pre-request sleep applied per worker
	// currently backing off after a 429
	delayPerThrottled = 100 * time.Millisecond
	// max429Retries caps the 429 retry recursion. Upstream behavior bounds
	// the depth in practice; the cap guards against a stuck endpoint.
	max429Retries = 50
	// fetchLogInterval controls the progress log frequency
	fetchLogInterval = 10_000
)

// TransportError reports a GET whose transport failed on every attempt
// without ever producing a response
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failed for %s after %d attempts: %v", e.URL, transportRetries+1, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// StatusError reports a non-success, non-429 HTTP response
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("failed to load %s status %d", e.URL, e.Code)
}

// Fetcher performs single HTTP GETs against the upstream repository. Each
// worker constructs its own Fetcher once at start; the embedded client
// retries transport-level failures transparently.
type Fetcher struct {
	state  *runstate.RunState
	logger *log.Logger
	client *http.Client
}

// New creates a Fetcher whose client resends a request immediately after a
// transport failure, up to six attempts in total. Responses, 429s
// included, are never retried at the transport layer.
func New(state *runstate.RunState, logger *log.Logger) *Fetcher {
	transport := rehttp.NewTransport(
		&http.Transport{},
		rehttp.RetryAll(
			rehttp.RetryMaxRetries(transportRetries),
			func(attempt rehttp.Attempt) bool { return attempt.Error != nil },
		),
		rehttp.ConstDelay(0),
	)
	client := &http.Client{Timeout: state.FetchTimeout(), Transport: transport}
	return &Fetcher{state: state, logger: logger, client: client}
}

// FixURL collapses runs of '/' into a single '/' starting after character
// index 8, preserving the scheme:// prefix. Idempotent.
func FixURL(rawURL string) string {
	var b strings.Builder
	b.Grow(len(rawURL))
	lastSlash := false
	for idx, c := range rawURL {
		if idx > 8 {
			if c == '/' {
				if !lastSlash {
					b.WriteRune(c)
				}
				lastSlash = true
			} else {
				lastSlash = false
				b.WriteRune(c)
			}
		} else {
			b.WriteRune(c)
		}
	}
	return b.String()
}

// delay429 sleeps 100 ms for every worker currently backing off after a
// 429, spreading all request threads while upstream is throttling
func (f *Fetcher) delay429() {
	if throttled := f.state.Count429(); throttled > 0 {
		time.Sleep(time.Duration(throttled) * delayPerThrottled)
	}
}

// Get performs a single HTTP GET against url, normalizing it first. On a
// 429 the worker joins the throttled set, waits and retries the same URL;
// only transport failures count toward the six-attempt cap.
func (f *Fetcher) Get(serverPrefix, rawURL string) (*ResponseData, error) {
	return f.get(serverPrefix, FixURL(rawURL), 0)
}

func (f *Fetcher) get(serverPrefix, url string, retry429 int) (*ResponseData, error) {
	f.delay429()

	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", url, err)
	}
	req.Header.Set("User-Agent", UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &TransportError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		if retry429 >= max429Retries {
			return nil, &StatusError{Code: resp.StatusCode, URL: url}
		}
		cnt := f.state.Inc429()
		defer f.state.Dec429()
		f.logger.Info("throttled by upstream", "count", cnt, "url", url)
		time.Sleep(backoff429)
		return f.get(serverPrefix, url, retry429+1)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, &StatusError{Code: resp.StatusCode, URL: url}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body of %s: %w", url, err)
	}

	if cnt := f.state.IncFetchCount(); cnt%fetchLogInterval == 0 {
		f.logger.Info("fetch progress", "url", url, "count", humanize.Comma(cnt))
	}

	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "????"
	}

	return NewResponseData(url, serverPrefix, body, mimeType, f.state)
}

// GetMirrored fetches url preferring the configured mirror: when a mirror
// is set and url lives under the repository base, the mirror URL is tried
// first and any error falls back to the direct URL. Successful fetches
// count as assets.
func (f *Fetcher) GetMirrored(rawURL string) (*ResponseData, error) {
	repo, err := f.state.RepoURL()
	if err != nil {
		return nil, err
	}
	var data *ResponseData
	if mirror := f.state.MirrorURL(); mirror != "" && strings.HasPrefix(rawURL, repo) {
		first := mirror + rawURL[len(repo):]
		data, err = f.Get(mirror, first)
		if err != nil {
			data, err = f.Get(repo, rawURL)
		}
	} else {
		data, err = f.Get(repo, rawURL)
	}
	if err != nil {
		return nil, err
	}
	f.state.IncAssetFetchCount()
	return data, nil
}
