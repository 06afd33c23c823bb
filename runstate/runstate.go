// Package runstate holds the process-wide state of a crawl or merge run:
// the configuration view, the URL work queue and the counters every worker
// reports into. A single *RunState is created at startup and shared by
// every component; counter and queue updates are also mirrored into the
// package-level collectors of the metrics package.
package runstate

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"

	"github.com/spice-labs-inc/mvn-crawler-carl/metrics"
)

const (
	// DefaultMaxThreads bounds the concurrent workers when no explicit cap
	// is configured
	DefaultMaxThreads = 200
	// defaultFetchTimeout is the per-request HTTP timeout when none is
	// configured
	defaultFetchTimeout = 30 * time.Second
	// telemetryInterval is how often the observer goroutine reports
	// progress while workers are alive
	telemetryInterval = 30 * time.Second
	// crawlDirSuffix is appended to the timestamp to form a snapshot
	// directory name
	crawlDirSuffix = "_crawl_db"
)

// ErrNotConfigured signals that a required configuration value was absent
// at access time. Callers test for it with errors.Is.
var ErrNotConfigured = errors.New("not configured")

// Config is the immutable configuration view of a run, built once by the
// CLI layer
type Config struct {
	// RepoURL is the base URL of the upstream repository, required before
	// any fetch
	RepoURL string
	// MirrorURL is an alternate origin tried first for asset fetches,
	// empty when unset
	MirrorURL string
	// CrawlDBRoot is the directory under which per-run snapshot
	// subdirectories are created
	CrawlDBRoot string
	// ArtifactDBRoot is the persistent artifact store directory, required
	// in merge modes, empty when unset
	ArtifactDBRoot string
	// MaxThreads caps the concurrent workers, 0 means DefaultMaxThreads
	MaxThreads int
	// FetchTimeout is the per-request HTTP timeout, 0 means the default
	FetchTimeout time.Duration
	// Plan selects plan-only mode
	Plan bool
	// ReifyArtifactDB selects merge-execute mode
	ReifyArtifactDB bool
	// RespectRobots makes the crawler honor the upstream robots.txt
	RespectRobots bool
	// MetricsAddr serves prometheus metrics when non-empty
	MetricsAddr string
}

// RunState is the shared state of the running job. All counters are
// individually consistent atomics; no invariant spans two of them.
type RunState struct {
	cfg Config

	fetchCount      atomic.Int64
	assetFetchCount atomic.Int64
	threadsIn429    atomic.Int64
	runningThreads  atomic.Int64
	totalAddedPages atomic.Int64
	totalBytes      atomic.Int64

	mu    sync.Mutex
	queue []string

	start time.Time
}

// New creates the run state, capturing the start timestamp used to name
// this run's crawl snapshot directory
func New(cfg Config) *RunState {
	return &RunState{cfg: cfg, start: time.Now()}
}

// RepoURL returns the upstream repository base URL, failing when it was
// not configured
func (s *RunState) RepoURL() (string, error) {
	if s.cfg.RepoURL == "" {
		return "", fmt.Errorf("repo URL %w", ErrNotConfigured)
	}
	return s.cfg.RepoURL, nil
}

// MirrorURL returns the mirror origin, empty when unset
func (s *RunState) MirrorURL() string { return s.cfg.MirrorURL }

// MaxThreads returns the worker cap
func (s *RunState) MaxThreads() int {
	if s.cfg.MaxThreads <= 0 {
		return DefaultMaxThreads
	}
	return s.cfg.MaxThreads
}

// FetchTimeout returns the per-request HTTP timeout
func (s *RunState) FetchTimeout() time.Duration {
	if s.cfg.FetchTimeout <= 0 {
		return defaultFetchTimeout
	}
	return s.cfg.FetchTimeout
}

// Plan reports whether the run is in plan-only mode
func (s *RunState) Plan() bool { return s.cfg.Plan }

// ReifyArtifactDB reports whether the run is in merge-execute mode
func (s *RunState) ReifyArtifactDB() bool { return s.cfg.ReifyArtifactDB }

// RespectRobots reports whether the crawler honors the upstream robots.txt
func (s *RunState) RespectRobots() bool { return s.cfg.RespectRobots }

// MetricsAddr returns the prometheus listen address, empty when disabled
func (s *RunState) MetricsAddr() string { return s.cfg.MetricsAddr }

// ArtifactDB returns the artifact store root, failing when it was not
// configured
func (s *RunState) ArtifactDB() (string, error) {
	if s.cfg.ArtifactDBRoot == "" {
		return "", fmt.Errorf("artifact db directory (--artifact-db) %w", ErrNotConfigured)
	}
	return s.cfg.ArtifactDBRoot, nil
}

// StartDateString formats the run start as YYYY_MM_DD_HH_MM_SS, the prefix
// of this run's snapshot directory name
func (s *RunState) StartDateString() string {
	return s.start.UTC().Format("2006_01_02_15_04_05")
}

// CrawlDestDir returns this run's snapshot directory, creating it on first
// access
func (s *RunState) CrawlDestDir() (string, error) {
	dir := filepath.Join(s.cfg.CrawlDBRoot, s.StartDateString()+crawlDirSuffix)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create crawl dir %s: %w", dir, err)
	}
	return dir, nil
}

// LatestCrawl returns the lexicographically greatest snapshot directory
// under the crawl root. Snapshot names start with a sortable timestamp, so
// lexicographic and chronological order coincide.
func (s *RunState) LatestCrawl() (string, error) {
	root := s.cfg.CrawlDBRoot
	entries, err := os.ReadDir(root)
	if err != nil {
		return "", fmt.Errorf("crawl directory %s: %w", root, err)
	}
	subDirs := []string{}
	for _, entry := range entries {
		if entry.IsDir() {
			subDirs = append(subDirs, entry.Name())
		}
	}
	if len(subDirs) == 0 {
		return "", fmt.Errorf("no crawl snapshots in %s: %w", root, ErrNotConfigured)
	}
	sort.Strings(subDirs)
	return filepath.Join(root, subDirs[len(subDirs)-1]), nil
}

// PushPage appends a page URL to the work queue
func (s *RunState) PushPage(page string) {
	s.totalAddedPages.Add(1)
	metrics.PagesQueued.Inc()
	s.mu.Lock()
	s.queue = append(s.queue, page)
	metrics.QueueDepth.Set(float64(len(s.queue)))
	s.mu.Unlock()
}

// NextPage pops the oldest queued page, reporting false on an empty queue
func (s *RunState) NextPage() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return "", false
	}
	page := s.queue[0]
	s.queue = s.queue[1:]
	metrics.QueueDepth.Set(float64(len(s.queue)))
	return page, true
}

// QueueLen returns the current queue length
func (s *RunState) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// AddTotalBytes records bytes received from upstream, transient responses
// included
func (s *RunState) AddTotalBytes(n int) int64 {
	metrics.BytesTotal.Add(float64(n))
	return s.totalBytes.Add(int64(n))
}

// TotalBytes returns the cumulative bytes received
func (s *RunState) TotalBytes() int64 { return s.totalBytes.Load() }

// IncFetchCount records one successful fetch
func (s *RunState) IncFetchCount() int64 {
	metrics.PagesFetched.Inc()
	return s.fetchCount.Add(1)
}

// URLsFetched returns the number of successful fetches so far
func (s *RunState) URLsFetched() int64 { return s.fetchCount.Load() }

// IncAssetFetchCount records one successful mirror-aware asset fetch
func (s *RunState) IncAssetFetchCount() int64 {
	metrics.AssetsFetched.Inc()
	return s.assetFetchCount.Add(1)
}

// AssetsFetched returns the number of successful asset fetches so far
func (s *RunState) AssetsFetched() int64 { return s.assetFetchCount.Load() }

// Inc429 records a worker entering throttle backoff
func (s *RunState) Inc429() int64 {
	metrics.ThrottledWorkers.Inc()
	return s.threadsIn429.Add(1)
}

// Dec429 records a worker leaving throttle backoff
func (s *RunState) Dec429() int64 {
	metrics.ThrottledWorkers.Dec()
	return s.threadsIn429.Add(-1)
}

// Count429 returns the number of workers currently in throttle backoff
func (s *RunState) Count429() int64 { return s.threadsIn429.Load() }

// IncRunningThreads records a worker about to start. Callers increment
// before the goroutine is truly running so the supervisor cannot observe
// zero workers during a spawn window.
func (s *RunState) IncRunningThreads() int64 {
	metrics.RunningWorkers.Inc()
	return s.runningThreads.Add(1)
}

// DecRunningThreads records a worker exiting
func (s *RunState) DecRunningThreads() int64 {
	metrics.RunningWorkers.Dec()
	return s.runningThreads.Add(-1)
}

// ThreadCount returns the number of live workers
func (s *RunState) ThreadCount() int64 { return s.runningThreads.Load() }

// TotalAddedPages returns the number of pages ever pushed onto the queue
func (s *RunState) TotalAddedPages() int64 { return s.totalAddedPages.Load() }

// RunDuration returns the elapsed time since the run started
func (s *RunState) RunDuration() time.Duration { return time.Since(s.start) }

// StartTelemetry spawns the observer goroutine reporting progress every 30
// seconds while any worker is alive
func (s *RunState) StartTelemetry(logger *log.Logger) {
	go func() {
		for s.ThreadCount() > 0 {
			time.Sleep(telemetryInterval)
			logger.Info("run status",
				"elapsed", s.RunDuration().Round(time.Second),
				"threads", s.ThreadCount(),
				"urls", humanize.Comma(s.URLsFetched()),
				"assets", humanize.Comma(s.AssetsFetched()),
				"queue", humanize.Comma(int64(s.QueueLen())),
				"gb", s.TotalBytes()/(1<<30))
		}
	}()
}
