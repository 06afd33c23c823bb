package merge

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"

	"github.com/spice-labs-inc/mvn-crawler-carl/crawler/fetcher"
	"github.com/spice-labs-inc/mvn-crawler-carl/messaging"
	"github.com/spice-labs-inc/mvn-crawler-carl/runstate"
)

const (
	// mergeQueueDepth bounds in-flight groups in merge-execute mode,
	// backpressuring the planner when executors fall behind
	mergeQueueDepth = 30
	// planQueueDepth bounds in-flight groups in plan-only mode
	planQueueDepth = 100
	// planLogInterval controls the planner's ETA log frequency
	planLogInterval = 1000
)

// Entry is a single unit of merge work: either fetch SourceURL from
// upstream into DestFile, or copy SourceFile from the crawl snapshot into
// DestFile. Exactly one source must be populated.
type Entry struct {
	// SourceURL is a repository-relative artifact URL to fetch
	SourceURL string
	// SourceFile is a path within the crawl snapshot to copy
	SourceFile string
	// DestFile is the destination within the artifact store
	DestFile string
}

func (e Entry) String() string {
	if e.SourceFile != "" {
		return fmt.Sprintf("copy %s -> %s", e.SourceFile, e.DestFile)
	}
	return fmt.Sprintf("fetch %s -> %s", e.SourceURL, e.DestFile)
}

// Group gathers every entry for one coordinate. A group is dispatched to
// a single worker so the descriptor refresh lands together with the files
// it announces.
type Group struct {
	GroupID    string
	ArtifactID string
	Entries    []Entry
}

// Planner walks the latest crawl snapshot and computes, per coordinate,
// the files the artifact store is missing
type Planner struct {
	state  *runstate.RunState
	logger *log.Logger
}

// NewPlanner creates a Planner over the shared run state
func NewPlanner(state *runstate.RunState, logger *log.Logger) *Planner {
	return &Planner{state: state, logger: logger.With("component", "planner")}
}

// Plan walks the latest crawl snapshot, diffs every version metadata
// descriptor against the artifact store and produces one Group per
// coordinate that needs work. An unparseable descriptor inside the
// snapshot aborts planning; an unparseable (or absent) descriptor in the
// store just means no prior versions.
func (p *Planner) Plan(dest messaging.Producer[Group]) error {
	crawlDB, err := p.state.LatestCrawl()
	if err != nil {
		return err
	}
	artifactDB, err := p.state.ArtifactDB()
	if err != nil {
		return err
	}

	start := time.Now()
	p.logger.Info("planning merge", "snapshot", crawlDB)
	descriptors := []string{}
	_ = filepath.WalkDir(crawlDB, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() && d.Name() == fetcher.VersionMetadataFile {
			descriptors = append(descriptors, path)
		}
		return nil
	})
	p.logger.Info("snapshot walked", "snapshot", crawlDB, "descriptors", len(descriptors))

	for idx, crawlMD := range descriptors {
		mdBytes, err := os.ReadFile(crawlMD)
		if err != nil {
			return fmt.Errorf("read snapshot descriptor %s: %w", crawlMD, err)
		}
		groupID, artifactID, crawlFiles, err := VersionsFromMetadata(mdBytes)
		if err != nil {
			return fmt.Errorf("snapshot descriptor %s: %w", crawlMD, err)
		}

		if idx > 0 && idx%planLogInterval == 0 {
			multiplier := float64(len(descriptors)) / float64(idx)
			estHours := time.Since(start).Seconds() * multiplier / 3600
			estGB := float64(p.state.TotalBytes()) * multiplier / (1 << 30)
			p.logger.Info("planning progress",
				"entry", idx, "of", len(descriptors),
				"coordinate", groupID+"/"+artifactID,
				"est_hours", fmt.Sprintf("%.1f", estHours),
				"est_total_gb", fmt.Sprintf("%.1f", estGB))
		}

		basePath := BasePath(groupID, artifactID)
		artifactGold := filepath.Join(artifactDB, basePath, fetcher.VersionMetadataFile)
		artBytes, err := os.ReadFile(artifactGold)
		if err != nil {
			artBytes = nil
		}

		// identical descriptors mean the store already holds everything
		// this coordinate announces
		if bytes.Equal(artBytes, mdBytes) {
			continue
		}

		_, _, priorFiles, err := VersionsFromMetadata(artBytes)
		if err != nil {
			// the store never held this coordinate
			priorFiles = nil
		}

		toFetch := map[string]struct{}{}
		for _, file := range crawlFiles {
			toFetch[file] = struct{}{}
		}
		for _, file := range priorFiles {
			delete(toFetch, file)
		}

		entries := []Entry{}
		for url := range toFetch {
			entries = append(entries, Entry{
				SourceURL: url,
				DestFile:  filepath.Join(artifactDB, url),
			})
		}
		entries = append(entries, Entry{
			SourceFile: crawlMD,
			DestFile:   artifactGold,
		})

		if err := dest.Produce(Group{GroupID: groupID, ArtifactID: artifactID, Entries: entries}); err != nil {
			return err
		}
	}
	return nil
}
