// Package crawler contains the discovery side of the system: a pool of
// queue-driven workers walking the directory-style HTML listing of the
// upstream repository, short-circuiting as soon as a version metadata
// descriptor is found and persisting it into this run's crawl snapshot
package crawler

import (
	"net/url"

	"github.com/charmbracelet/log"
	"github.com/temoto/robotstxt"

	"github.com/spice-labs-inc/mvn-crawler-carl/crawler/fetcher"
)

// Default /robots.txt path on server
const robotsTxtPath = "/robots.txt"

// CrawlingRules holds the robots.txt allowances to be obeyed while
// crawling the upstream host. A zero-value rules set allows everything,
// matching the convention that a missing or invalid robots.txt grants
// full access.
type CrawlingRules struct {
	// temoto/robotstxt backend group matched against the crawler's user
	// agent
	robotsGroup *robotstxt.Group
}

// NewCrawlingRules fetches the upstream host's robots.txt once and
// resolves the group applying to the crawler's user agent. Any failure
// along the way yields a permissive rules set.
func NewCrawlingRules(f *fetcher.Fetcher, repoURL string, logger *log.Logger) *CrawlingRules {
	base, err := url.Parse(repoURL)
	if err != nil {
		return &CrawlingRules{}
	}
	robotsURL := base.Scheme + "://" + base.Host + robotsTxtPath
	page, err := f.Get(repoURL, robotsURL)
	if err != nil {
		logger.Info("no valid robots.txt found", "host", base.Host)
		return &CrawlingRules{}
	}
	robots, err := robotstxt.FromBytes(page.Body)
	if err != nil {
		// invalid robots.txt behaves like a missing one
		logger.Info("no valid robots.txt found", "host", base.Host)
		return &CrawlingRules{}
	}
	logger.Info("found a valid robots.txt", "host", base.Host)
	return &CrawlingRules{robotsGroup: robots.FindGroup(fetcher.UserAgent)}
}

// Allowed tests for eligibility of an URL to be crawled based on the
// rules of the robots.txt file on the server. If no valid robots.txt was
// found all URLs on the host are assumed to be allowed.
func (r *CrawlingRules) Allowed(pageURL string) bool {
	if r.robotsGroup == nil {
		return true
	}
	parsed, err := url.Parse(pageURL)
	if err != nil {
		return true
	}
	return r.robotsGroup.Test(parsed.RequestURI())
}
