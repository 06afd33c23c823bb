package merge

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/spice-labs-inc/mvn-crawler-carl/crawler/fetcher"
	"github.com/spice-labs-inc/mvn-crawler-carl/messaging"
	"github.com/spice-labs-inc/mvn-crawler-carl/runstate"
)

// groupLogInterval controls per-group logging: every Nth group, or any
// group bigger than N entries
const groupLogInterval = 500

// ErrMalformedEntry signals an Entry with neither or both sources
// populated, a programming error that aborts the worker
var ErrMalformedEntry = errors.New("malformed merge entry")

// Executor drives a pool of workers consuming planned groups and
// materializing them into the artifact store
type Executor struct {
	state  *runstate.RunState
	logger *log.Logger
}

// NewExecutor creates an Executor over the shared run state
func NewExecutor(state *runstate.RunState, logger *log.Logger) *Executor {
	return &Executor{state: state, logger: logger.With("component", "merge")}
}

// Run plans the merge and executes it, blocking until every worker has
// drained the queue. The planner backpressures on the bounded queue while
// workers fetch.
func (e *Executor) Run() error {
	queue := messaging.NewChannelQueue[Group](mergeQueueDepth)

	var wg sync.WaitGroup
	for i := 0; i < e.state.MaxThreads(); i++ {
		worker := i
		e.state.IncRunningThreads()
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer e.state.DecRunningThreads()
			if err := e.drainGroups(queue, worker); err != nil {
				e.logger.Error("worker terminated abnormally", "worker", worker, "err", err)
				return
			}
			e.logger.Debug("worker terminated normally", "worker", worker)
		}()
	}

	e.state.StartTelemetry(e.logger)

	planErr := NewPlanner(e.state, e.logger).Plan(queue)
	queue.Close()
	wg.Wait()
	return planErr
}

// drainGroups consumes groups until the queue closes. Fetch failures are
// logged and skipped so the descriptor refresh still lands; the next
// planning pass will replan the missing files. A malformed entry aborts
// the worker.
func (e *Executor) drainGroups(queue messaging.ChannelQueue[Group], worker int) error {
	f := fetcher.New(e.state, e.logger)
	groupCnt := 0
	for {
		grp, ok := queue.Dequeue()
		if !ok {
			return nil
		}
		start := time.Now()
		for _, entry := range grp.Entries {
			switch {
			case entry.SourceURL != "" && entry.SourceFile == "":
				repo, err := e.state.RepoURL()
				if err != nil {
					return err
				}
				data, err := f.GetMirrored(repo + "/" + entry.SourceURL)
				if err != nil {
					e.logger.Error("failed to fetch artifact", "url", entry.SourceURL, "err", err)
					continue
				}
				if err := writeEntry(entry.DestFile, data.Body); err != nil {
					e.logger.Error("failed to write artifact", "dest", entry.DestFile, "err", err)
				}
			case entry.SourceFile != "" && entry.SourceURL == "":
				data, err := os.ReadFile(entry.SourceFile)
				if err != nil {
					e.logger.Error("failed to read snapshot file", "source", entry.SourceFile, "err", err)
					continue
				}
				if err := writeEntry(entry.DestFile, data); err != nil {
					e.logger.Error("failed to write snapshot copy", "dest", entry.DestFile, "err", err)
				}
			default:
				return fmt.Errorf("%w: %s", ErrMalformedEntry, entry)
			}
		}
		groupCnt++
		if groupCnt%groupLogInterval == 0 || len(grp.Entries) > groupLogInterval {
			e.logger.Info("merged group",
				"worker", worker,
				"coordinate", grp.GroupID+"/"+grp.ArtifactID,
				"entries", len(grp.Entries),
				"took", time.Since(start).Round(time.Millisecond))
		}
	}
}

// writeEntry writes data to dest, creating parent directories
func writeEntry(dest string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	return os.WriteFile(dest, data, 0o644)
}

// PlanToConsole runs the planner in plan-only mode, printing every
// planned entry instead of executing it
func PlanToConsole(state *runstate.RunState, logger *log.Logger) error {
	queue := messaging.NewChannelQueue[Group](planQueueDepth)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			grp, ok := queue.Dequeue()
			if !ok {
				return
			}
			for _, entry := range grp.Entries {
				fmt.Println(entry)
			}
		}
	}()
	err := NewPlanner(state, logger).Plan(queue)
	queue.Close()
	<-done
	return err
}
