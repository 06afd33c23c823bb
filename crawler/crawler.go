// Package crawler contains the discovery side of the system: a pool of
// queue-driven workers walking the directory-style HTML listing of the
// upstream repository, short-circuiting as soon as a version metadata
// descriptor is found and persisting it into this run's crawl snapshot
package crawler

import (
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"

	"github.com/spice-labs-inc/mvn-crawler-carl/crawler/fetcher"
	"github.com/spice-labs-inc/mvn-crawler-carl/merge"
	"github.com/spice-labs-inc/mvn-crawler-carl/runstate"
)

const (
	// supervisorPoll is how often the main loop re-evaluates the worker
	// pool
	supervisorPoll = 200 * time.Millisecond
	// workerQueueRatio is the target queue depth per worker; a new worker
	// spawns while the queue runs more than 40 pages per live worker
	workerQueueRatio = 40
	// queueHighWater is the queue length beyond which workers absorb
	// depth themselves instead of enqueueing, bounding queue memory
	queueHighWater = 10_000
	// fanoutThreshold forces listings with many children onto the queue
	// regardless of its depth
	fanoutThreshold = 15
)

// Crawler drives the discovery run: it seeds the queue with the
// repository root, spawns workers against queue growth and waits for the
// pool to drain
type Crawler struct {
	state  *runstate.RunState
	logger *log.Logger
	rules  *CrawlingRules
}

// New creates a Crawler over the shared run state
func New(state *runstate.RunState, logger *log.Logger) *Crawler {
	return &Crawler{state: state, logger: logger.With("component", "crawler")}
}

// Run executes a full discovery crawl and blocks until every worker has
// exited on an empty queue
func (c *Crawler) Run() error {
	repo, err := c.state.RepoURL()
	if err != nil {
		return err
	}
	if c.state.RespectRobots() {
		c.rules = NewCrawlingRules(fetcher.New(c.state, c.logger), repo, c.logger)
	}

	c.state.PushPage(repo)
	c.logger.Info("kicking off run", "repo", repo)
	c.spawnWorker()
	c.state.StartTelemetry(c.logger)

	for c.state.ThreadCount() > 0 {
		time.Sleep(supervisorPoll)
		threads := int(c.state.ThreadCount())
		if threads < c.state.MaxThreads() && threads*workerQueueRatio < c.state.QueueLen() {
			c.spawnWorker()
		}
	}

	c.logger.Info("done with run",
		"elapsed", c.state.RunDuration().Round(time.Second),
		"urls", humanize.Comma(c.state.URLsFetched()),
		"assets", humanize.Comma(c.state.AssetsFetched()))
	return nil
}

// spawnWorker starts one crawl worker. The running-thread counter is
// incremented before the goroutine exists so the supervisor cannot
// observe an empty pool during the spawn window.
func (c *Crawler) spawnWorker() {
	worker := c.state.IncRunningThreads()
	go func() {
		defer c.state.DecRunningThreads()
		f := fetcher.New(c.state, c.logger)
		for {
			page, ok := c.state.NextPage()
			if !ok {
				return
			}
			if _, err := c.processPage(f, page, 0); err != nil {
				c.logger.Error("page processing failed", "worker", worker, "url", page, "err", err)
			}
		}
	}()
}

// shouldDoLinks decides between inline processing and enqueueing: a page
// with at most one child is handled inline, larger listings go onto the
// queue while it has headroom or whenever the fan-out is big, and a
// saturated queue pushes depth back onto the worker. Returns true when
// the caller should process the links itself.
func (c *Crawler) shouldDoLinks(links []string) bool {
	if len(links) <= 1 {
		return true
	}
	if c.state.QueueLen() < queueHighWater || len(links) > fanoutThreshold {
		for _, link := range links {
			c.state.PushPage(link)
		}
		return false
	}
	return true
}

// processPage fetches one listing page and either short-circuits on a
// version metadata descriptor or descends into the listing's children.
// Returns the number of pages processed inline below this one.
func (c *Crawler) processPage(f *fetcher.Fetcher, pageURL string, depth int) (int, error) {
	if c.rules != nil && !c.rules.Allowed(pageURL) {
		c.logger.Debug("disallowed by robots.txt", "url", pageURL)
		return 0, nil
	}

	page, err := f.GetMirrored(pageURL)
	if err != nil {
		return 0, err
	}
	if !strings.HasPrefix(page.MimeType, "text/html") {
		return 0, nil
	}

	links, err := page.Links()
	if err != nil {
		return 0, err
	}
	goldLinks := []string{}
	for _, link := range links {
		if strings.HasSuffix(link, fetcher.VersionMetadataFile) {
			goldLinks = append(goldLinks, link)
		}
	}

	// a metadata descriptor on the page means this is an artifact
	// directory, not a tree level worth descending into
	loadLinks := true
	if len(goldLinks) > 0 {
		// there should only be one
		for _, goldLink := range goldLinks {
			descriptor, err := f.GetMirrored(goldLink)
			if err != nil {
				c.logger.Error("failed to fetch metadata", "url", goldLink, "err", err)
				continue
			}
			if _, _, _, err := merge.VersionsFromMetadata(descriptor.Body); err != nil {
				// unparseable metadata, keep walking into the page
				loadLinks = true
				break
			}
			loadLinks = false
			if err := descriptor.Save(); err != nil {
				return 0, err
			}
		}
	}

	processed := 0
	if loadLinks && c.shouldDoLinks(links) {
		for _, link := range links {
			if strings.HasSuffix(link, ".xml") {
				continue
			}
			processed++
			sub, err := c.processPage(f, link, depth+1)
			processed += sub
			if err != nil {
				c.logger.Error("failed to load", "url", link, "err", err)
			}
		}
	}
	return processed, nil
}
