package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"newsbrief/internal/classify"
	"newsbrief/internal/clustering"
	"newsbrief/internal/config"
	"newsbrief/internal/core"
	"newsbrief/internal/entities"
	"newsbrief/internal/feeds"
	"newsbrief/internal/llm"
	"newsbrief/internal/logger"
	"newsbrief/internal/scheduler"
	"newsbrief/internal/server"
	"newsbrief/internal/store"
	"newsbrief/internal/summarize"
	"newsbrief/internal/synthesize"
)

var cfgFile string

// rootCmd is the base command. Every subcommand loads its own config via
// config.Load(cfgFile), since each wires a different subset of components.
var rootCmd = &cobra.Command{
	Use:   "newsbrief",
	Short: "newsbrief aggregates, clusters, and scores news stories from RSS/Atom feeds.",
	Long: `newsbrief is the story-aggregation core of a self-hosted news aggregator.

It polls subscribed feeds, extracts and enriches article content, clusters
related articles into stories, synthesises each story with a local LLM, and
scores stories for importance and freshness. A built-in scheduler runs the
refresh and generation passes on a cron schedule; the same pipelines are
reachable on demand through this CLI or the HTTP surface.`,
}

// Execute adds all child commands to rootCmd and runs it.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./newsbrief.yaml)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(refreshCmd)
	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(feedCmd)
	rootCmd.AddCommand(schedulerCmd)
}

// components holds every wired piece buildServer assembles, so callers that
// need to reach below the Server (e.g. to close the store) can.
type components struct {
	store *store.Store
	srv   *server.Server
}

// buildServer wires every component (C1-C10) from cfg into a Server.
// Callers are responsible for closing the returned store.
func buildServer(cfg *config.Config) (*components, error) {
	logger.SetLevel(cfg.App.LogLevel)

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	llmClient := llm.NewClient(cfg.LLM.BaseURL, cfg.LLM.RequestTimeout, cfg.LLM.MaxRetries)

	fetcher := feeds.NewFetcher(st, feeds.Config{
		MaxItemsPerRefresh: cfg.Fetcher.MaxItemsPerRefresh,
		MaxItemsPerFeed:    cfg.Fetcher.MaxItemsPerFeed,
		MaxRefreshTime:     cfg.Fetcher.MaxRefreshTime,
		WorkerPoolSize:     cfg.Fetcher.WorkerPoolSize,
		FailureThreshold:   cfg.Fetcher.FailureThreshold,
	})

	classifier := classify.NewClassifier(llmClient, cfg.LLM.Model)

	summarizer := summarize.NewSummarizer(st, llmClient, cfg.LLM.Model, summarize.Config{
		ChunkingThreshold: cfg.Summarizer.ChunkingThreshold,
		ChunkSize:         cfg.Summarizer.ChunkSize,
		MaxChunkSize:      cfg.Summarizer.MaxChunkSize,
		ChunkOverlap:      cfg.Summarizer.ChunkOverlap,
	})

	extractor := entities.NewExtractor(st, llmClient, cfg.LLM.Model)

	synthesizer := synthesize.NewSynthesizer(llmClient, cfg.LLM.StoryModel, cfg.Clustering.SynthesisPoolSize)

	clusterCfg := clustering.Config{
		KeywordWeight:       cfg.Clustering.KeywordWeight,
		EntityWeight:        cfg.Clustering.EntityWeight,
		TopicWeight:         cfg.Clustering.TopicWeight,
		SimilarityThreshold: cfg.Clustering.SimilarityThreshold,
		MinArticlesPerStory: cfg.Clustering.MinArticlesPerStory,
	}

	srv := server.New(server.Deps{
		Store:       st,
		Fetcher:     fetcher,
		Classifier:  classifier,
		Summarizer:  summarizer,
		Extractor:   extractor,
		LLM:         llmClient,
		Synthesizer: synthesizer,

		ClusterConfig:    clusterCfg,
		ClusterWindow:    cfg.Clustering.TimeWindow,
		ArchiveAfterDays: int(cfg.Clustering.ArchiveAfter.Hours() / 24),

		SynthesisModel:    cfg.LLM.StoryModel,
		SynthesisPoolSize: cfg.Clustering.SynthesisPoolSize,

		MaxItemsPerRefresh: cfg.Fetcher.MaxItemsPerRefresh,
		MaxItemsPerFeed:    cfg.Fetcher.MaxItemsPerFeed,
	}, cfg.Server)

	return &components{store: st, srv: srv}, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server and the background scheduler",
	Long: `Start newsbrief's HTTP surface and its cron-driven scheduler (C11).

The scheduler polls feeds and generates stories on the schedules configured
under scheduler.*; the HTTP surface lets you trigger either pass on demand
and read back stories, articles, and scheduler state.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func runServe(ctx context.Context) error {
	log := logger.Get()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	comps, err := buildServer(cfg)
	if err != nil {
		return err
	}
	defer comps.store.Close()

	sched, err := scheduler.New(comps.store, scheduler.Config{
		Timezone:                cfg.Scheduler.Timezone,
		FeedRefreshSchedule:     cfg.Scheduler.FeedRefreshSchedule,
		StoryGenerationSchedule: cfg.Scheduler.StoryGenerationSchedule,
		DecoupleJobOrdering:     cfg.Scheduler.DecoupleJobOrdering,
	},
		func(ctx context.Context) error {
			_, err := comps.srv.RunRefresh(ctx)
			return err
		},
		func(ctx context.Context) error {
			_, err := comps.srv.RunGenerateStories(ctx, server.GenerateRequest{})
			return err
		},
	)
	if err != nil {
		return fmt.Errorf("build scheduler: %w", err)
	}
	comps.srv.SetScheduler(sched)
	sched.Start()
	defer sched.Stop()

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("starting http server", "addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port))
		serverErrors <- comps.srv.Start()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		log.Info("shutdown initiated", "signal", sig.String())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := comps.srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
	}
	return nil
}

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Poll subscribed feeds and enrich pending articles once",
	Long:  `Run a single feed_refresh pass (C4) plus best-effort enrichment (C5/C6/C7), the same pipeline the scheduler and POST /refresh trigger, then exit.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		comps, err := buildServer(cfg)
		if err != nil {
			return err
		}
		defer comps.store.Close()

		resp, err := comps.srv.RunRefresh(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(resp)
	},
}

var (
	genTimeWindowHours     float64
	genMinArticlesPerStory int
	genSimilarityThreshold float64
	genModel               string
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Run one story-generation pass",
	Long:  `Run a single story_generation pass (C8 -> C9 -> C10), the same pipeline the scheduler and POST /stories/generate trigger, then exit.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		comps, err := buildServer(cfg)
		if err != nil {
			return err
		}
		defer comps.store.Close()

		req := server.GenerateRequest{}
		if cmd.Flags().Changed("time-window-hours") {
			req.TimeWindowHours = &genTimeWindowHours
		}
		if cmd.Flags().Changed("min-articles-per-story") {
			req.MinArticlesPerStory = &genMinArticlesPerStory
		}
		if cmd.Flags().Changed("similarity-threshold") {
			req.SimilarityThreshold = &genSimilarityThreshold
		}
		if cmd.Flags().Changed("model") {
			req.Model = &genModel
		}

		resp, err := comps.srv.RunGenerateStories(cmd.Context(), req)
		if err != nil {
			return err
		}
		return printJSON(resp)
	},
}

func init() {
	generateCmd.Flags().Float64Var(&genTimeWindowHours, "time-window-hours", 0, "override the clustering time window, in hours")
	generateCmd.Flags().IntVar(&genMinArticlesPerStory, "min-articles-per-story", 0, "override the minimum articles required to form a story")
	generateCmd.Flags().Float64Var(&genSimilarityThreshold, "similarity-threshold", 0, "override the clustering similarity threshold")
	generateCmd.Flags().StringVar(&genModel, "model", "", "override the synthesis model")
}

var feedCmd = &cobra.Command{
	Use:   "feed",
	Short: "Manage subscribed RSS/Atom feeds",
}

var feedAddCmd = &cobra.Command{
	Use:   "add [url]",
	Short: "Subscribe to a feed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		category, _ := cmd.Flags().GetString("category")
		priority, _ := cmd.Flags().GetInt("priority")
		if name == "" {
			name = args[0]
		}

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		st, err := store.Open(cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()

		id, err := st.UpsertFeed(cmd.Context(), args[0], name, category, priority)
		if err != nil {
			return fmt.Errorf("add feed: %w", err)
		}
		fmt.Printf("subscribed: id=%d url=%s\n", id, args[0])
		return nil
	},
}

var feedListCmd = &cobra.Command{
	Use:   "list",
	Short: "List subscribed feeds",
	RunE: func(cmd *cobra.Command, args []string) error {
		activeOnly, _ := cmd.Flags().GetBool("active-only")

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		st, err := store.Open(cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()

		var feedList []core.Feed
		if activeOnly {
			feedList, err = st.ListActiveFeeds(cmd.Context())
		} else {
			feedList, err = st.ListAllFeeds(cmd.Context())
		}
		if err != nil {
			return fmt.Errorf("list feeds: %w", err)
		}
		return printJSON(feedList)
	},
}

var feedRmCmd = &cobra.Command{
	Use:   "rm [feed-id]",
	Short: "Disable a feed so it is no longer polled",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid feed id %q", args[0])
		}

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		st, err := store.Open(cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()

		if err := st.SetFeedDisabled(cmd.Context(), id, true); err != nil {
			return fmt.Errorf("disable feed: %w", err)
		}
		fmt.Printf("disabled feed %d\n", id)
		return nil
	},
}

func init() {
	feedAddCmd.Flags().String("name", "", "display name for the feed (default: its URL)")
	feedAddCmd.Flags().String("category", "", "category label for the feed")
	feedAddCmd.Flags().Int("priority", 1, "polling priority, 1 (lowest) to 5 (highest)")
	feedListCmd.Flags().Bool("active-only", false, "only list enabled feeds")

	feedCmd.AddCommand(feedAddCmd)
	feedCmd.AddCommand(feedListCmd)
	feedCmd.AddCommand(feedRmCmd)
}

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Inspect the scheduler (C11)",
}

var schedulerStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show both jobs' schedules and last-recorded run state",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		st, err := store.Open(cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()

		noop := func(ctx context.Context) error { return nil }
		sched, err := scheduler.New(st, scheduler.Config{
			Timezone:                cfg.Scheduler.Timezone,
			FeedRefreshSchedule:     cfg.Scheduler.FeedRefreshSchedule,
			StoryGenerationSchedule: cfg.Scheduler.StoryGenerationSchedule,
			DecoupleJobOrdering:     cfg.Scheduler.DecoupleJobOrdering,
		}, noop, noop)
		if err != nil {
			return fmt.Errorf("build scheduler: %w", err)
		}

		status, err := sched.Status(cmd.Context())
		if err != nil {
			return fmt.Errorf("scheduler status: %w", err)
		}
		return printJSON(status)
	},
}

func init() {
	schedulerCmd.AddCommand(schedulerStatusCmd)
}
