package merge

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/spice-labs-inc/mvn-crawler-carl/messaging"
	"github.com/spice-labs-inc/mvn-crawler-carl/runstate"
)

func TestExecutorRun(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("artifact:" + r.URL.Path))
	}))
	defer server.Close()

	crawlRoot, artifactRoot := t.TempDir(), t.TempDir()
	writeSnapshot(t, crawlRoot, metadataXML("com.example", "foo", "1.0"))

	state := runstate.New(runstate.Config{
		RepoURL:        server.URL,
		CrawlDBRoot:    crawlRoot,
		ArtifactDBRoot: artifactRoot,
		MaxThreads:     2,
	})
	if err := NewExecutor(state, testLogger()).Run(); err != nil {
		t.Fatalf("Executor#Run failed: %v", err)
	}

	for _, suffix := range Suffixes() {
		path := filepath.Join(artifactRoot, "com/example/foo/1.0/foo-1.0"+suffix)
		data, err := os.ReadFile(path)
		if err != nil {
			t.Errorf("Executor#Run failed: missing artifact %s: %v", path, err)
			continue
		}
		if string(data) != "artifact:/com/example/foo/1.0/foo-1.0"+suffix {
			t.Errorf("Executor#Run failed: unexpected content %q", data)
		}
	}
	gold := filepath.Join(artifactRoot, "com/example/foo/maven-metadata.xml")
	data, err := os.ReadFile(gold)
	if err != nil || string(data) != string(metadataXML("com.example", "foo", "1.0")) {
		t.Errorf("Executor#Run failed: descriptor not refreshed: %v", err)
	}
	if state.ThreadCount() != 0 {
		t.Errorf("Executor#Run failed: expected all workers drained, got %d", state.ThreadCount())
	}
}

func TestExecutorFetchFailureStillRefreshesDescriptor(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(http.NotFound))
	defer server.Close()

	crawlRoot, artifactRoot := t.TempDir(), t.TempDir()
	writeSnapshot(t, crawlRoot, metadataXML("com.example", "foo", "1.0"))

	state := runstate.New(runstate.Config{
		RepoURL:        server.URL,
		CrawlDBRoot:    crawlRoot,
		ArtifactDBRoot: artifactRoot,
		MaxThreads:     2,
	})
	if err := NewExecutor(state, testLogger()).Run(); err != nil {
		t.Fatalf("Executor#Run failed: %v", err)
	}

	jar := filepath.Join(artifactRoot, "com/example/foo/1.0/foo-1.0.jar")
	if _, err := os.Stat(jar); err == nil {
		t.Errorf("Executor#Run failed: artifact should be absent after fetch failure")
	}
	gold := filepath.Join(artifactRoot, "com/example/foo/maven-metadata.xml")
	if _, err := os.Stat(gold); err != nil {
		t.Errorf("Executor#Run failed: descriptor refresh must survive fetch failures: %v", err)
	}
}

func TestDrainGroupsMalformedEntry(t *testing.T) {
	state := runstate.New(runstate.Config{RepoURL: "https://repo.example.com/"})
	e := NewExecutor(state, testLogger())

	queue := messaging.NewChannelQueue[Group](1)
	go func() {
		_ = queue.Produce(Group{
			GroupID:    "com.example",
			ArtifactID: "foo",
			Entries:    []Entry{{DestFile: "/tmp/nowhere"}},
		})
		queue.Close()
	}()
	if err := e.drainGroups(queue, 0); !errors.Is(err, ErrMalformedEntry) {
		t.Errorf("Executor#drainGroups failed: expected ErrMalformedEntry got %v", err)
	}
}

func TestDrainGroupsCopyEntry(t *testing.T) {
	state := runstate.New(runstate.Config{RepoURL: "https://repo.example.com/"})
	e := NewExecutor(state, testLogger())

	src := filepath.Join(t.TempDir(), "maven-metadata.xml")
	if err := os.WriteFile(src, []byte("descriptor"), 0o644); err != nil {
		t.Fatal(err)
	}
	dest := filepath.Join(t.TempDir(), "store", "maven-metadata.xml")

	queue := messaging.NewChannelQueue[Group](1)
	go func() {
		_ = queue.Produce(Group{
			GroupID:    "com.example",
			ArtifactID: "foo",
			Entries:    []Entry{{SourceFile: src, DestFile: dest}},
		})
		queue.Close()
	}()
	if err := e.drainGroups(queue, 0); err != nil {
		t.Fatalf("Executor#drainGroups failed: %v", err)
	}
	data, err := os.ReadFile(dest)
	if err != nil || string(data) != "descriptor" {
		t.Errorf("Executor#drainGroups failed: copy entry not materialized: %v", err)
	}
}
