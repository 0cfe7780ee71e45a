package server

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"newsbrief/internal/core"
	"newsbrief/internal/store"
)

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "newsbrief.db"))
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return &Server{store: st, log: slog.Default()}, st
}

func TestLoadArticlesPreservesOrder(t *testing.T) {
	ctx := context.Background()
	s, st := newTestServer(t)

	feedID, err := st.UpsertFeed(ctx, "https://example.com/feed.xml", "Example", "", 1)
	if err != nil {
		t.Fatalf("UpsertFeed failed: %v", err)
	}
	id1, _, err := st.InsertArticleIfAbsent(ctx, feedID, "https://example.com/a", "A", nil, "summary a", 1.0)
	if err != nil {
		t.Fatalf("InsertArticleIfAbsent failed: %v", err)
	}
	id2, _, err := st.InsertArticleIfAbsent(ctx, feedID, "https://example.com/b", "B", nil, "summary b", 1.0)
	if err != nil {
		t.Fatalf("InsertArticleIfAbsent failed: %v", err)
	}

	articles, err := s.loadArticles(ctx, []int64{id2, id1})
	if err != nil {
		t.Fatalf("loadArticles failed: %v", err)
	}
	if len(articles) != 2 || articles[0].ID != id2 || articles[1].ID != id1 {
		t.Errorf("expected loadArticles to preserve requested id order, got %+v", articles)
	}
}

func TestFeedHealthByIDOnlyCoversActiveFeeds(t *testing.T) {
	ctx := context.Background()
	s, st := newTestServer(t)

	activeID, err := st.UpsertFeed(ctx, "https://example.com/active.xml", "Active", "", 1)
	if err != nil {
		t.Fatalf("UpsertFeed failed: %v", err)
	}
	disabledID, err := st.UpsertFeed(ctx, "https://example.com/disabled.xml", "Disabled", "", 1)
	if err != nil {
		t.Fatalf("UpsertFeed failed: %v", err)
	}
	if err := st.SetFeedDisabled(ctx, disabledID, true); err != nil {
		t.Fatalf("SetFeedDisabled failed: %v", err)
	}

	health, err := s.feedHealthByID(ctx)
	if err != nil {
		t.Fatalf("feedHealthByID failed: %v", err)
	}
	if _, ok := health[activeID]; !ok {
		t.Errorf("expected active feed %d to be present", activeID)
	}
	if _, ok := health[disabledID]; ok {
		t.Errorf("expected disabled feed %d to be absent", disabledID)
	}
}

func TestPersistStorySelectsHighestRankingScoreAsPrimary(t *testing.T) {
	ctx := context.Background()
	s, st := newTestServer(t)

	feedID, err := st.UpsertFeed(ctx, "https://example.com/feed.xml", "Example", "", 1)
	if err != nil {
		t.Fatalf("UpsertFeed failed: %v", err)
	}
	lowID, _, err := st.InsertArticleIfAbsent(ctx, feedID, "https://example.com/low", "Low", nil, "low", 0.2)
	if err != nil {
		t.Fatalf("InsertArticleIfAbsent failed: %v", err)
	}
	highID, _, err := st.InsertArticleIfAbsent(ctx, feedID, "https://example.com/high", "High", nil, "high", 0.9)
	if err != nil {
		t.Fatalf("InsertArticleIfAbsent failed: %v", err)
	}

	articles := []core.Article{
		{ID: lowID, FeedID: feedID, RankingScore: 0.2},
		{ID: highID, FeedID: feedID, RankingScore: 0.9},
	}
	story := core.Story{
		Title:       "A story",
		ClusterHash: "hash-1",
		GeneratedAt: time.Now().UTC(),
		Status:      core.StoryActive,
	}

	if err := s.persistStory(ctx, story, articles, map[int64]float64{feedID: 1.0}); err != nil {
		t.Fatalf("persistStory failed: %v", err)
	}

	stories, err := st.ListStories(ctx, core.StoryActive, "", 10, 0)
	if err != nil {
		t.Fatalf("ListStories failed: %v", err)
	}
	if len(stories) != 1 {
		t.Fatalf("expected 1 persisted story, got %d", len(stories))
	}

	ids, err := st.ListStoryArticleIDs(ctx, stories[0].ID)
	if err != nil {
		t.Fatalf("ListStoryArticleIDs failed: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 linked articles, got %d", len(ids))
	}
	if ids[0] != highID {
		t.Errorf("expected the highest ranking_score article %d to be linked as primary (listed first), got %v", highID, ids)
	}
}

func TestPersistStoryPropagatesDuplicateClusterHash(t *testing.T) {
	ctx := context.Background()
	s, st := newTestServer(t)

	feedID, err := st.UpsertFeed(ctx, "https://example.com/feed.xml", "Example", "", 1)
	if err != nil {
		t.Fatalf("UpsertFeed failed: %v", err)
	}
	articleID, _, err := st.InsertArticleIfAbsent(ctx, feedID, "https://example.com/a", "A", nil, "summary", 1.0)
	if err != nil {
		t.Fatalf("InsertArticleIfAbsent failed: %v", err)
	}
	articles := []core.Article{{ID: articleID, FeedID: feedID, RankingScore: 1.0}}

	story := core.Story{
		Title:       "First",
		ClusterHash: "dup-hash",
		GeneratedAt: time.Now().UTC(),
		Status:      core.StoryActive,
	}
	if err := s.persistStory(ctx, story, articles, nil); err != nil {
		t.Fatalf("persistStory (first) failed: %v", err)
	}

	story.Title = "Second, same cluster"
	if err := s.persistStory(ctx, story, articles, nil); !errors.Is(err, store.ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists from the underlying CreateStory on a duplicate active cluster_hash, got %v", err)
	}
}
