package runstate

import (
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
)

func TestRepoURLNotConfigured(t *testing.T) {
	state := New(Config{})
	if _, err := state.RepoURL(); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("RunState#RepoURL failed: expected ErrNotConfigured got %v", err)
	}
	state = New(Config{RepoURL: "https://repo.example.com/maven2/"})
	repo, err := state.RepoURL()
	if err != nil || repo != "https://repo.example.com/maven2/" {
		t.Errorf("RunState#RepoURL failed: got %q, %v", repo, err)
	}
}

func TestArtifactDBNotConfigured(t *testing.T) {
	state := New(Config{})
	if _, err := state.ArtifactDB(); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("RunState#ArtifactDB failed: expected ErrNotConfigured got %v", err)
	}
}

func TestMaxThreadsDefault(t *testing.T) {
	if got := New(Config{}).MaxThreads(); got != DefaultMaxThreads {
		t.Errorf("RunState#MaxThreads failed: expected %d got %d", DefaultMaxThreads, got)
	}
	if got := New(Config{MaxThreads: 8}).MaxThreads(); got != 8 {
		t.Errorf("RunState#MaxThreads failed: expected 8 got %d", got)
	}
}

func TestQueueFIFO(t *testing.T) {
	state := New(Config{})
	state.PushPage("first")
	state.PushPage("second")
	if state.QueueLen() != 2 {
		t.Errorf("RunState#QueueLen failed: expected 2 got %d", state.QueueLen())
	}
	if page, ok := state.NextPage(); !ok || page != "first" {
		t.Errorf("RunState#NextPage failed: expected first got %q", page)
	}
	if page, ok := state.NextPage(); !ok || page != "second" {
		t.Errorf("RunState#NextPage failed: expected second got %q", page)
	}
	if _, ok := state.NextPage(); ok {
		t.Errorf("RunState#NextPage failed: expected empty queue")
	}
	if state.TotalAddedPages() != 2 {
		t.Errorf("RunState#TotalAddedPages failed: expected 2 got %d", state.TotalAddedPages())
	}
}

func TestCounters(t *testing.T) {
	state := New(Config{})
	if got := state.AddTotalBytes(1024); got != 1024 {
		t.Errorf("RunState#AddTotalBytes failed: expected 1024 got %d", got)
	}
	state.IncFetchCount()
	state.IncFetchCount()
	if state.URLsFetched() != 2 {
		t.Errorf("RunState#URLsFetched failed: expected 2 got %d", state.URLsFetched())
	}
	state.Inc429()
	if state.Count429() != 1 {
		t.Errorf("RunState#Count429 failed: expected 1 got %d", state.Count429())
	}
	state.Dec429()
	if state.Count429() != 0 {
		t.Errorf("RunState#Count429 failed: expected 0 got %d", state.Count429())
	}
}

func TestStartDateString(t *testing.T) {
	pattern := regexp.MustCompile(`^\d{4}_\d{2}_\d{2}_\d{2}_\d{2}_\d{2}$`)
	if got := New(Config{}).StartDateString(); !pattern.MatchString(got) {
		t.Errorf("RunState#StartDateString failed: %q does not match the snapshot format", got)
	}
}

func TestCrawlDestDir(t *testing.T) {
	root := t.TempDir()
	state := New(Config{CrawlDBRoot: root})
	dir, err := state.CrawlDestDir()
	if err != nil {
		t.Fatalf("RunState#CrawlDestDir failed: %v", err)
	}
	if !strings.HasPrefix(dir, root) || !strings.HasSuffix(dir, "_crawl_db") {
		t.Errorf("RunState#CrawlDestDir failed: unexpected path %q", dir)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Errorf("RunState#CrawlDestDir failed: directory not created: %v", err)
	}
}

func TestLatestCrawl(t *testing.T) {
	root := t.TempDir()
	state := New(Config{CrawlDBRoot: root})
	if _, err := state.LatestCrawl(); err == nil {
		t.Errorf("RunState#LatestCrawl failed: expected error on empty root")
	}
	for _, name := range []string{
		"2024_01_02_00_00_00_crawl_db",
		"2024_03_01_00_00_00_crawl_db",
		"2024_02_15_00_00_00_crawl_db",
	} {
		if err := os.Mkdir(filepath.Join(root, name), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	latest, err := state.LatestCrawl()
	if err != nil {
		t.Fatalf("RunState#LatestCrawl failed: %v", err)
	}
	if filepath.Base(latest) != "2024_03_01_00_00_00_crawl_db" {
		t.Errorf("RunState#LatestCrawl failed: expected newest snapshot got %q", latest)
	}
}

func TestLatestCrawlMissingRoot(t *testing.T) {
	state := New(Config{CrawlDBRoot: filepath.Join(t.TempDir(), "nope")})
	if _, err := state.LatestCrawl(); err == nil {
		t.Errorf("RunState#LatestCrawl failed: expected error on missing root")
	}
}
