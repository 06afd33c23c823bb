// Package cli implements the mvn-crawler command-line interface: flag
// parsing, logger setup and the selection between crawl, plan-only and
// merge-execute modes.
package cli

import (
	"os"

	charmlog "github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/spice-labs-inc/mvn-crawler-carl/crawler"
	"github.com/spice-labs-inc/mvn-crawler-carl/env"
	"github.com/spice-labs-inc/mvn-crawler-carl/merge"
	"github.com/spice-labs-inc/mvn-crawler-carl/metrics"
	"github.com/spice-labs-inc/mvn-crawler-carl/runstate"
)

// Execute runs the mvn-crawler CLI and returns an error if the selected
// mode fails. Mode precedence is --plan, then --reify-artifact-db, then a
// discovery crawl.
func Execute() error {
	var (
		cfg     runstate.Config
		verbose bool
	)

	root := &cobra.Command{
		Use:   "mvn-crawler",
		Short: "Crawl a Maven repository and synchronize a local artifact store",
		Long: `mvn-crawler walks the directory listing of a Maven-style repository,
snapshots every version metadata descriptor it finds, and can later update a
local artifact store by fetching only the files newly listed relative to what
the store already holds.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			level := charmlog.InfoLevel
			if verbose {
				level = charmlog.DebugLevel
			}
			return run(cfg, newLogger(os.Stderr, level))
		},
	}

	flags := root.Flags()
	flags.StringVarP(&cfg.RepoURL, "repo", "r", "", "URL of the Maven repository")
	flags.StringVarP(&cfg.CrawlDBRoot, "crawl-db", "c", "", "directory where crawl snapshots are stored")
	flags.StringVarP(&cfg.MirrorURL, "mirror", "m", "", "URL substituted when fetching metadata, jars, etc")
	flags.BoolVar(&cfg.Plan, "plan", false, "print the planned merge instead of executing it")
	flags.StringVar(&cfg.ArtifactDBRoot, "artifact-db", "", "directory where the artifacts are stored")
	flags.BoolVar(&cfg.ReifyArtifactDB, "reify-artifact-db", false, "update the artifact db from the latest crawl")
	flags.IntVar(&cfg.MaxThreads, "max-threads",
		env.GetEnvAsInt("MVN_CRAWLER_MAX_THREADS", runstate.DefaultMaxThreads),
		"maximum number of concurrent workers")
	flags.BoolVar(&cfg.RespectRobots, "respect-robots", false, "honor the upstream robots.txt while crawling")
	flags.StringVar(&cfg.MetricsAddr, "metrics-addr",
		env.GetEnv("MVN_CRAWLER_METRICS_ADDR", ""),
		"address serving prometheus metrics, empty to disable")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
	_ = root.MarkFlagRequired("crawl-db")

	return root.Execute()
}

func run(cfg runstate.Config, logger *charmlog.Logger) error {
	cfg.FetchTimeout = env.GetEnvAsDuration("MVN_CRAWLER_FETCH_TIMEOUT", 0)
	state := runstate.New(cfg)

	if addr := state.MetricsAddr(); addr != "" {
		go func() {
			if err := metrics.Serve(addr); err != nil {
				logger.Error("metrics endpoint failed", "addr", addr, "err", err)
			}
		}()
	}

	switch {
	case state.Plan():
		return merge.PlanToConsole(state, logger)
	case state.ReifyArtifactDB():
		logger.Info("started updating artifact db")
		return merge.NewExecutor(state, logger).Run()
	default:
		return crawler.New(state, logger).Run()
	}
}
