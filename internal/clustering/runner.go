package clustering

import (
	"context"
	"fmt"
	"time"

	"newsbrief/internal/core"
	"newsbrief/internal/entities"
	"newsbrief/internal/store"
)

// Result reports the clusterer's counters for one run, surfaced upstream for
// user feedback.
type Result struct {
	ArticlesFound   int
	ClustersCreated int
	DuplicatesSkipped int
	Clusters        []Cluster
}

// EntityExtractor is the subset of *entities.Extractor the runner needs,
// narrowed for testability.
type EntityExtractor interface {
	Extract(ctx context.Context, articleID int64, title, text string) (core.EntitySet, error)
}

// Runner wires the store, the entity extractor, and the similarity config
// together to produce clusters from a recent window of articles.
type Runner struct {
	store    *store.Store
	extractor EntityExtractor
	cfg      Config
	window   time.Duration
}

// NewRunner builds a Runner against st, using extractor to fill any missing
// entity sets on miss.
func NewRunner(st *store.Store, extractor EntityExtractor, cfg Config, window time.Duration) *Runner {
	return &Runner{store: st, extractor: extractor, cfg: cfg, window: window}
}

// Run loads articles published within the configured window, ensures each
// has an entity set, builds clustering candidates, forms clusters, and
// drops any cluster whose hash already exists among active stories for the
// window (duplicate suppression).
func (r *Runner) Run(ctx context.Context) (Result, error) {
	since := time.Now().UTC().Add(-r.window)
	articles, err := r.store.ListArticles(ctx, core.ArticleFilter{PublishedAfter: &since})
	if err != nil {
		return Result{}, fmt.Errorf("list articles for clustering window: %w", err)
	}

	candidates := make([]Candidate, 0, len(articles))
	for _, article := range articles {
		entitySet, err := r.resolveEntities(ctx, article)
		if err != nil {
			return Result{}, fmt.Errorf("resolve entities for article %d: %w", article.ID, err)
		}
		text := article.ExtractedText
		if text == "" {
			text = article.Summary
		}
		candidates = append(candidates, BuildCandidate(article.ID, article.Title, text, article.Topic, entitySet, article.RankingScore))
	}

	clusters := ClusterCandidates(candidates, r.cfg)

	existingHashes, err := r.store.ListActiveStoryClusterHashes(ctx, since)
	if err != nil {
		return Result{}, fmt.Errorf("list active cluster hashes: %w", err)
	}

	surviving := make([]Cluster, 0, len(clusters))
	duplicates := 0
	for _, c := range clusters {
		if existingHashes[c.Hash] {
			duplicates++
			continue
		}
		surviving = append(surviving, c)
	}

	return Result{
		ArticlesFound:     len(articles),
		ClustersCreated:   len(surviving),
		DuplicatesSkipped: duplicates,
		Clusters:          surviving,
	}, nil
}

func (r *Runner) resolveEntities(ctx context.Context, article core.Article) (core.EntitySet, error) {
	if article.Entities != nil {
		return *article.Entities, nil
	}
	text := article.ExtractedText
	if text == "" {
		text = article.Summary
	}
	set, err := r.extractor.Extract(ctx, article.ID, article.Title, text)
	if err != nil {
		return core.EntitySet{}, err
	}
	if err := r.store.SetArticleEntities(ctx, article.ID, set, "", time.Now().UTC()); err != nil {
		return core.EntitySet{}, fmt.Errorf("cache resolved entities: %w", err)
	}
	return set, nil
}

var _ EntityExtractor = (*entities.Extractor)(nil)
