// Package fetcher defines and implements the downloading utilities for the
// upstream repository: a retrying HTTP client, mirror substitution and the
// adaptive backoff driven by upstream throttling responses
package fetcher

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/spice-labs-inc/mvn-crawler-carl/runstate"
)

// VersionMetadataFile is the per-coordinate descriptor listing the
// published versions of an artifact
const VersionMetadataFile = "maven-metadata.xml"

// ResponseData carries a fetched payload plus the derived operations on
// it: link extraction and on-disk persistence. Immutable after
// construction.
type ResponseData struct {
	// URL the payload was fetched from, already normalized
	URL string
	// ServerPrefix is the origin the fetch actually hit, repository or
	// mirror
	ServerPrefix string
	// Body is the raw response payload
	Body []byte
	// MimeType is the response content type, "????" when the upstream
	// omitted the header
	MimeType string

	state   *runstate.RunState
	baseURL string
}

// NewResponseData builds a ResponseData, requiring the repository URL to
// be configured and accounting the payload against the cumulative
// transfer counter
func NewResponseData(url, serverPrefix string, body []byte, mimeType string, state *runstate.RunState) (*ResponseData, error) {
	base, err := state.RepoURL()
	if err != nil {
		return nil, err
	}
	state.AddTotalBytes(len(body))
	return &ResponseData{
		URL:          url,
		ServerPrefix: serverPrefix,
		Body:         body,
		MimeType:     mimeType,
		state:        state,
		baseURL:      base,
	}, nil
}

// FilePath maps the URL onto this run's snapshot directory, preserving
// the upstream path structure after the repository base
func (r *ResponseData) FilePath() (string, error) {
	destDir, err := r.state.CrawlDestDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(destDir, strings.TrimPrefix(r.URL, r.baseURL)), nil
}

// Save writes the payload under the snapshot directory, creating parent
// directories and overwriting any existing file
func (r *ResponseData) Save() error {
	path, err := r.FilePath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create parent of %s: %w", path, err)
	}
	if err := os.WriteFile(path, r.Body, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// Links parses the payload as HTML and extracts the anchors worth
// descending into: directory listings (trailing '/') and version metadata
// descriptors. Anchors pointing outside the repository, parent references
// and single-character hrefs are dropped.
//
// A link resolving back to its own page means the URL model is broken and
// any crawl progress is suspect, so it panics rather than returning an
// error.
func (r *ResponseData) Links() ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(r.Body))
	if err != nil {
		return nil, fmt.Errorf("parse HTML of %s: %w", r.URL, err)
	}
	links := []string{}
	doc.Find("a").Each(func(_ int, sel *goquery.Selection) {
		href, exists := sel.Attr("href")
		if !exists {
			return
		}
		if len(href) <= 1 || strings.HasPrefix(href, ".") {
			return
		}
		if strings.HasPrefix(href, "http") && !strings.HasPrefix(href, r.baseURL) {
			return
		}
		if !strings.HasSuffix(href, "/") && !strings.HasSuffix(href, VersionMetadataFile) {
			return
		}
		target := href
		if !strings.HasPrefix(href, r.baseURL) {
			target = r.URL + href
		}
		if target == r.URL {
			panic(fmt.Sprintf("self-referencing link %q on page %s", href, r.URL))
		}
		links = append(links, target)
	})
	return links, nil
}
