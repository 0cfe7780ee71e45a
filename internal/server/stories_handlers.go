package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"newsbrief/internal/clustering"
	"newsbrief/internal/core"
	"newsbrief/internal/score"
	"newsbrief/internal/store"
	"newsbrief/internal/synthesize"
)

// refreshStats mirrors the `{ingested, stats:{...}}` contract of POST
// /refresh.
type refreshStats struct {
	Items       int            `json:"items"`
	Feeds       int            `json:"feeds"`
	Performance performanceStats `json:"performance"`
	Config      refreshConfig  `json:"config"`
}

type performanceStats struct {
	FeedsDisabled     int `json:"feeds_disabled"`
	ArticlesEnriched  int `json:"articles_enriched"`
	EnrichmentFailed  int `json:"enrichment_failed"`
	EnrichmentAttempted int `json:"enrichment_attempted"`
}

type refreshConfig struct {
	MaxItemsPerRefresh int `json:"max_items_per_refresh"`
	MaxItemsPerFeed    int `json:"max_items_per_feed"`
}

type RefreshResponse struct {
	Ingested int          `json:"ingested"`
	Stats    refreshStats `json:"stats"`
}

// RunRefresh triggers C4's feed poll, then best-effort enriches any articles
// still missing a topic or summary (C5/C6/C7), per §4.4/§4.6/§4.7's "on
// demand or batch" enrichment timing. Shared by the HTTP handler and the
// scheduler's feed_refresh job so both trigger the identical pipeline.
func (s *Server) RunRefresh(ctx context.Context) (RefreshResponse, error) {
	refreshResult, err := s.fetcher.Refresh(ctx)
	if err != nil {
		return RefreshResponse{}, fmt.Errorf("refresh feeds: %w", err)
	}

	enrichment := s.enrichPending(ctx)

	return RefreshResponse{
		Ingested: refreshResult.ItemsInserted,
		Stats: refreshStats{
			Items: refreshResult.ItemsInserted,
			Feeds: refreshResult.FeedsPolled,
			Performance: performanceStats{
				FeedsDisabled:       refreshResult.FeedsDisabled,
				ArticlesEnriched:    enrichment.Enriched,
				EnrichmentFailed:    enrichment.Failed,
				EnrichmentAttempted: enrichment.Attempted,
			},
			Config: refreshConfig{
				MaxItemsPerRefresh: s.maxItemsPerRefresh,
				MaxItemsPerFeed:    s.maxItemsPerFeed,
			},
		},
	}, nil
}

// handleRefresh serves POST /refresh over RunRefresh.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	resp, err := s.RunRefresh(r.Context())
	if err != nil {
		s.respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, resp)
}

// GenerateRequest is the optional override body for POST /stories/generate.
type GenerateRequest struct {
	TimeWindowHours     *float64 `json:"time_window_hours,omitempty"`
	MinArticlesPerStory *int     `json:"min_articles_per_story,omitempty"`
	SimilarityThreshold *float64 `json:"similarity_threshold,omitempty"`
	Model               *string  `json:"model,omitempty"`
}

type GenerateResponse struct {
	Success           bool   `json:"success"`
	StoriesGenerated  int    `json:"stories_generated"`
	ArticlesFound     int    `json:"articles_found"`
	ClustersCreated   int    `json:"clusters_created"`
	DuplicatesSkipped int    `json:"duplicates_skipped"`
	Message           string `json:"message"`
}

// RunGenerateStories runs the cluster -> synthesize -> score pipeline
// (C8 -> C9 -> C10) over the recent article window, honoring the caller's
// per-call overrides, and reproduces the four outcome diagnostics named in
// the error-handling design. Shared by the HTTP handler and the scheduler's
// story_generation job so both trigger the identical pipeline.
func (s *Server) RunGenerateStories(ctx context.Context, req GenerateRequest) (GenerateResponse, error) {
	if s.archiveAfterDays > 0 {
		if archived, err := s.store.ArchiveStoriesOlderThan(ctx, s.archiveAfterDays); err != nil {
			s.log.Warn("archive stale stories failed", "error", err.Error())
		} else if archived > 0 {
			s.log.Info("archived stale stories", "count", archived)
		}
	}

	cfg := s.clusterConfig
	window := s.clusterWindow
	if req.TimeWindowHours != nil {
		window = time.Duration(*req.TimeWindowHours * float64(time.Hour))
	}
	if req.MinArticlesPerStory != nil {
		cfg.MinArticlesPerStory = *req.MinArticlesPerStory
	}
	if req.SimilarityThreshold != nil {
		cfg.SimilarityThreshold = *req.SimilarityThreshold
	}

	runner := clustering.NewRunner(s.store, s.extractor, cfg, window)
	clusterResult, err := runner.Run(ctx)
	if err != nil {
		return GenerateResponse{}, fmt.Errorf("run clustering: %w", err)
	}

	totalClusters := clusterResult.ClustersCreated + clusterResult.DuplicatesSkipped

	switch {
	case clusterResult.ArticlesFound == 0:
		return GenerateResponse{
			Success: true,
			Message: "No new articles found in the selected window. Try fetching or expanding the window.",
		}, nil
	case totalClusters > 0 && clusterResult.ClustersCreated == 0:
		return GenerateResponse{
			Success:           true,
			ArticlesFound:     clusterResult.ArticlesFound,
			DuplicatesSkipped: clusterResult.DuplicatesSkipped,
			Message:           duplicateClustersMessage(totalClusters),
		}, nil
	case totalClusters == 0:
		return GenerateResponse{
			Success:       true,
			ArticlesFound: clusterResult.ArticlesFound,
			Message:       noClustersFormedMessage(clusterResult.ArticlesFound),
		}, nil
	}

	inputs := make([]synthesize.ClusterInput, 0, len(clusterResult.Clusters))
	for _, cluster := range clusterResult.Clusters {
		articles, err := s.loadArticles(ctx, cluster.ArticleIDs)
		if err != nil {
			return GenerateResponse{}, fmt.Errorf("load cluster articles: %w", err)
		}
		inputs = append(inputs, synthesize.ClusterInput{ClusterHash: cluster.Hash, Articles: articles})
	}

	synthesizer := s.synthesizer
	if req.Model != nil && *req.Model != "" {
		synthesizer = synthesize.NewSynthesizer(s.llm, *req.Model, s.synthesisPoolSize)
	}

	stories, err := synthesizer.SynthesizeAll(ctx, inputs)
	if err != nil {
		return GenerateResponse{}, fmt.Errorf("synthesize stories: %w", err)
	}

	feedHealth, err := s.feedHealthByID(ctx)
	if err != nil {
		return GenerateResponse{}, fmt.Errorf("load feed health: %w", err)
	}

	generated := 0
	for i, story := range stories {
		articles := inputs[i].Articles
		if err := s.persistStory(ctx, story, articles, feedHealth); err != nil {
			if errors.Is(err, store.ErrAlreadyExists) {
				clusterResult.DuplicatesSkipped++
				continue
			}
			s.log.Warn("persist story failed", "cluster_hash", story.ClusterHash, "error", err.Error())
			continue
		}
		generated++
	}

	return GenerateResponse{
		Success:           true,
		StoriesGenerated:  generated,
		ArticlesFound:     clusterResult.ArticlesFound,
		ClustersCreated:   clusterResult.ClustersCreated,
		DuplicatesSkipped: clusterResult.DuplicatesSkipped,
		Message:           successMessage(generated, clusterResult.DuplicatesSkipped),
	}, nil
}

// handleGenerateStories serves POST /stories/generate over RunGenerateStories.
func (s *Server) handleGenerateStories(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req GenerateRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.respondError(w, http.StatusBadRequest, "decode request body: "+err.Error())
			return
		}
	}

	resp, err := s.RunGenerateStories(ctx, req)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func duplicateClustersMessage(n int) string {
	return "All " + strconv.Itoa(n) + " story clusters were duplicates of already-active stories; up to date."
}

func noClustersFormedMessage(articlesFound int) string {
	return "Found " + strconv.Itoa(articlesFound) + " articles, no clusters formed; try adjusting the similarity threshold or minimum articles per story."
}

func successMessage(generated, duplicates int) string {
	return "Successfully generated " + strconv.Itoa(generated) + " new stories (" + strconv.Itoa(duplicates) + " duplicates skipped)."
}

func (s *Server) loadArticles(ctx context.Context, ids []int64) ([]core.Article, error) {
	articles := make([]core.Article, 0, len(ids))
	for _, id := range ids {
		article, err := s.store.GetArticle(ctx, id)
		if err != nil {
			return nil, err
		}
		articles = append(articles, *article)
	}
	return articles, nil
}

func (s *Server) feedHealthByID(ctx context.Context) (map[int64]float64, error) {
	feedList, err := s.store.ListActiveFeeds(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]float64, len(feedList))
	for _, f := range feedList {
		out[f.ID] = f.HealthScore
	}
	return out, nil
}

// persistStory scores a synthesised Story, writes it, and links its member
// articles, the primary one being whichever has the highest ranking score.
func (s *Server) persistStory(ctx context.Context, story core.Story, articles []core.Article, feedHealth map[int64]float64) error {
	sources := make(map[int64]bool)
	var published []time.Time
	var health []float64
	for _, a := range articles {
		sources[a.FeedID] = true
		if a.Published != nil {
			published = append(published, a.Published.UTC())
		}
		if h, ok := feedHealth[a.FeedID]; ok {
			health = append(health, h)
		}
	}

	scores := score.Compute(score.Inputs{
		ArticleCount:      len(articles),
		UniqueSourceCount: len(sources),
		EntityCount:       len(story.Entities),
		ArticlePublished:  published,
		Now:               time.Now().UTC(),
		FeedHealthScores:  health,
	})
	story.ImportanceScore = scores.Importance
	story.FreshnessScore = scores.Freshness
	story.QualityScore = scores.Quality

	storyID, err := s.store.CreateStory(ctx, story)
	if err != nil {
		return err
	}

	primaryID, bestScore := int64(0), -1.0
	for _, a := range articles {
		if a.RankingScore > bestScore {
			bestScore = a.RankingScore
			primaryID = a.ID
		}
	}
	for _, a := range articles {
		if err := s.store.LinkArticleToStory(ctx, storyID, a.ID, a.ID == primaryID, a.RankingScore); err != nil {
			return err
		}
	}
	return nil
}

// handleListStories serves GET /stories with optional filtering/reordering.
func (s *Server) handleListStories(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	status := core.StoryStatus(q.Get("status"))
	topic := core.Topic(q.Get("topic"))
	limit := parseIntDefault(q.Get("limit"), 0)
	offset := parseIntDefault(q.Get("offset"), 0)
	orderBy := q.Get("order_by")

	stories, err := s.store.ListStories(ctx, status, topic, 0, 0)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "list stories: "+err.Error())
		return
	}

	reorderStories(stories, orderBy)

	if limit > 0 || offset > 0 {
		stories = paginate(stories, limit, offset)
	}

	s.respondJSON(w, http.StatusOK, stories)
}

func reorderStories(stories []core.Story, orderBy string) {
	switch orderBy {
	case "freshness":
		sort.SliceStable(stories, func(i, j int) bool { return stories[i].FreshnessScore > stories[j].FreshnessScore })
	case "importance":
		sort.SliceStable(stories, func(i, j int) bool { return stories[i].ImportanceScore > stories[j].ImportanceScore })
	case "recent":
		sort.SliceStable(stories, func(i, j int) bool { return stories[i].GeneratedAt.After(stories[j].GeneratedAt) })
	default:
		// already ordered by quality_score desc from the store.
	}
}

func paginate(stories []core.Story, limit, offset int) []core.Story {
	if offset >= len(stories) {
		return nil
	}
	stories = stories[offset:]
	if limit > 0 && limit < len(stories) {
		stories = stories[:limit]
	}
	return stories
}

// storyWithArticles is the response shape of GET /stories/{id}.
type storyWithArticles struct {
	core.Story
	Articles []core.Article `json:"articles"`
}

func (s *Server) handleGetStory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid story id")
		return
	}

	story, err := s.store.GetStory(ctx, id)
	if err != nil {
		s.respondError(w, http.StatusNotFound, "story not found")
		return
	}

	articles, err := s.storyArticles(ctx, id)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "load story articles: "+err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, storyWithArticles{Story: *story, Articles: articles})
}

func (s *Server) handleGetStoryArticles(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid story id")
		return
	}

	articles, err := s.storyArticles(ctx, id)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "load story articles: "+err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, articles)
}

func (s *Server) storyArticles(ctx context.Context, storyID int64) ([]core.Article, error) {
	ids, err := s.store.ListStoryArticleIDs(ctx, storyID)
	if err != nil {
		return nil, err
	}
	return s.loadArticles(ctx, ids)
}

func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	filter := core.ArticleFilter{
		Topic:  core.Topic(q.Get("topic")),
		Limit:  parseIntDefault(q.Get("limit"), 50),
		Offset: parseIntDefault(q.Get("offset"), 0),
	}
	if v := q.Get("story_id"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			filter.StoryID = id
		}
	}
	if v := q.Get("feed_id"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			filter.FeedID = id
		}
	}
	if v := q.Get("published_after"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			tt := t.UTC()
			filter.PublishedAfter = &tt
		}
	}
	if v := q.Get("published_before"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			tt := t.UTC()
			filter.PublishedBefore = &tt
		}
	}
	if v := q.Get("has_story"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			filter.HasStory = &b
		}
	}

	articles, err := s.store.ListArticles(ctx, filter)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "list articles: "+err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, articles)
}

type schedulerStatusResponse struct {
	FeedRefresh     jobStatusResponse `json:"feed_refresh"`
	StoryGeneration jobStatusResponse `json:"story_generation"`
}

type jobStatusResponse struct {
	Schedule   string     `json:"schedule"`
	InProgress bool       `json:"in_progress"`
	LastStatus string     `json:"last_status"`
	NextRunAt  *time.Time `json:"next_run_at,omitempty"`
}

func (s *Server) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.scheduler.Status(r.Context())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "scheduler status: "+err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, schedulerStatusResponse{
		FeedRefresh: jobStatusResponse{
			Schedule:   status.FeedRefresh.Schedule,
			InProgress: status.FeedRefresh.InProgress,
			LastStatus: string(status.FeedRefresh.LastStatus),
			NextRunAt:  status.FeedRefresh.NextRunAt,
		},
		StoryGeneration: jobStatusResponse{
			Schedule:   status.StoryGeneration.Schedule,
			InProgress: status.StoryGeneration.InProgress,
			LastStatus: string(status.StoryGeneration.LastStatus),
			NextRunAt:  status.StoryGeneration.NextRunAt,
		},
	})
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
