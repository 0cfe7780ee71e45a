package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"newsbrief/internal/core"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "newsbrief.db")
	st, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOpenCreatesSchema(t *testing.T) {
	st := newTestStore(t)
	if _, err := st.ListActiveFeeds(context.Background()); err != nil {
		t.Errorf("expected the feeds table to exist after Open, got %v", err)
	}
}

func TestToDBTimeIsUTCNaive(t *testing.T) {
	tz := time.FixedZone("UTC+5", 5*3600)
	t1 := time.Date(2026, 3, 1, 10, 0, 0, 0, tz)
	got := toDBTime(t1)
	if got != "2026-03-01T05:00:00" {
		t.Errorf("toDBTime = %q, want UTC-naive 2026-03-01T05:00:00", got)
	}
}

func TestFromDBTimeRoundTrips(t *testing.T) {
	original := time.Date(2026, 3, 1, 5, 0, 0, 0, time.UTC)
	str := toDBTime(original)
	got, err := fromDBTime(str)
	if err != nil {
		t.Fatalf("fromDBTime failed: %v", err)
	}
	if !got.Equal(original) {
		t.Errorf("round-trip mismatch: got %v, want %v", got, original)
	}
}

func TestContentHashIsDeterministic(t *testing.T) {
	a := ContentHash("hello world")
	b := ContentHash("hello world")
	if a != b {
		t.Errorf("expected deterministic hash, got %q vs %q", a, b)
	}
	if ContentHash("hello world") == ContentHash("goodbye world") {
		t.Error("expected different text to hash differently")
	}
}

func TestUpsertFeedIsIdempotentByURL(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	id1, err := st.UpsertFeed(ctx, "https://example.com/feed.xml", "Example", "tech", 3)
	if err != nil {
		t.Fatalf("UpsertFeed failed: %v", err)
	}
	id2, err := st.UpsertFeed(ctx, "https://example.com/feed.xml", "Example Renamed", "tech", 5)
	if err != nil {
		t.Fatalf("UpsertFeed (second call) failed: %v", err)
	}
	if id1 != id2 {
		t.Errorf("expected the same feed id on re-upsert by url, got %d vs %d", id1, id2)
	}
}

func TestListActiveFeedsExcludesDisabled(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	id, err := st.UpsertFeed(ctx, "https://example.com/a.xml", "A", "", 1)
	if err != nil {
		t.Fatalf("UpsertFeed failed: %v", err)
	}
	if err := st.RecordFeedError(ctx, id, "boom", 1); err != nil {
		t.Fatalf("RecordFeedError failed: %v", err)
	}

	feeds, err := st.ListActiveFeeds(ctx)
	if err != nil {
		t.Fatalf("ListActiveFeeds failed: %v", err)
	}
	for _, f := range feeds {
		if f.ID == id {
			t.Errorf("expected feed %d to be auto-disabled after hitting the failure threshold", id)
		}
	}
}

func TestRecordFeedErrorAutoDisablesAtThreshold(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	id, err := st.UpsertFeed(ctx, "https://example.com/b.xml", "B", "", 1)
	if err != nil {
		t.Fatalf("UpsertFeed failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := st.RecordFeedError(ctx, id, "timeout", 3); err != nil {
			t.Fatalf("RecordFeedError failed: %v", err)
		}
	}
	feeds, err := st.ListActiveFeeds(ctx)
	if err != nil {
		t.Fatalf("ListActiveFeeds failed: %v", err)
	}
	found := false
	for _, f := range feeds {
		if f.ID == id {
			found = true
		}
	}
	if !found {
		t.Error("expected feed to remain active below the failure threshold")
	}

	if err := st.RecordFeedError(ctx, id, "timeout", 3); err != nil {
		t.Fatalf("RecordFeedError failed: %v", err)
	}
	feeds, err = st.ListActiveFeeds(ctx)
	if err != nil {
		t.Fatalf("ListActiveFeeds failed: %v", err)
	}
	for _, f := range feeds {
		if f.ID == id {
			t.Error("expected feed to be auto-disabled once failures reached the threshold")
		}
	}
}

func TestInsertArticleIfAbsentDeduplicatesByURL(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	feedID, err := st.UpsertFeed(ctx, "https://example.com/feed.xml", "Example", "", 1)
	if err != nil {
		t.Fatalf("UpsertFeed failed: %v", err)
	}

	id1, inserted1, err := st.InsertArticleIfAbsent(ctx, feedID, "https://example.com/a", "Title", nil, "summary", 1.0)
	if err != nil {
		t.Fatalf("InsertArticleIfAbsent failed: %v", err)
	}
	if !inserted1 {
		t.Error("expected first insert to report inserted=true")
	}

	id2, inserted2, err := st.InsertArticleIfAbsent(ctx, feedID, "https://example.com/a", "Title", nil, "summary", 1.0)
	if err != nil {
		t.Fatalf("InsertArticleIfAbsent (duplicate) failed: %v", err)
	}
	if inserted2 {
		t.Error("expected duplicate insert to report inserted=false")
	}
	if id1 != id2 {
		t.Errorf("expected duplicate insert to return the existing id, got %d vs %d", id1, id2)
	}
}

func TestGetArticleNotFound(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	if _, err := st.GetArticle(ctx, 9999); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSetAndGetCachedSummary(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	feedID, err := st.UpsertFeed(ctx, "https://example.com/feed.xml", "Example", "", 1)
	if err != nil {
		t.Fatalf("UpsertFeed failed: %v", err)
	}
	articleID, _, err := st.InsertArticleIfAbsent(ctx, feedID, "https://example.com/a", "Title", nil, "summary", 1.0)
	if err != nil {
		t.Fatalf("InsertArticleIfAbsent failed: %v", err)
	}

	if err := st.SetArticleExtractedText(ctx, articleID, "full article text"); err != nil {
		t.Fatalf("SetArticleExtractedText failed: %v", err)
	}
	hash := ContentHash("full article text")

	if _, ok, err := st.GetCachedSummary(ctx, hash, "local-model"); err != nil || ok {
		t.Fatalf("expected cache miss before write, got ok=%v err=%v", ok, err)
	}

	summary := &core.StructuredSummary{
		Bullets:      []string{"point one", "point two"},
		WhyItMatters: "because it does",
		Tags:         []string{"tag1"},
		Model:        "local-model",
	}
	if err := st.SetArticleSummary(ctx, articleID, summary, ""); err != nil {
		t.Fatalf("SetArticleSummary failed: %v", err)
	}

	got, ok, err := st.GetCachedSummary(ctx, hash, "local-model")
	if err != nil {
		t.Fatalf("GetCachedSummary failed: %v", err)
	}
	if !ok {
		t.Fatal("expected cache hit after SetArticleSummary")
	}
	if len(got.Bullets) != 2 || got.Bullets[0] != "point one" {
		t.Errorf("unexpected cached summary bullets: %+v", got.Bullets)
	}
}

func TestSetAndGetCachedEntities(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	feedID, err := st.UpsertFeed(ctx, "https://example.com/feed.xml", "Example", "", 1)
	if err != nil {
		t.Fatalf("UpsertFeed failed: %v", err)
	}
	articleID, _, err := st.InsertArticleIfAbsent(ctx, feedID, "https://example.com/a", "Title", nil, "summary", 1.0)
	if err != nil {
		t.Fatalf("InsertArticleIfAbsent failed: %v", err)
	}

	if _, ok, err := st.GetCachedEntities(ctx, articleID, "local-model"); err != nil || ok {
		t.Fatalf("expected cache miss before write, got ok=%v err=%v", ok, err)
	}

	set := core.EntitySet{
		Companies: []core.Entity{{Name: "Acme", Confidence: 0.9, Role: core.RoleMentioned}},
	}
	if err := st.SetArticleEntities(ctx, articleID, set, "local-model", time.Now().UTC()); err != nil {
		t.Fatalf("SetArticleEntities failed: %v", err)
	}

	got, ok, err := st.GetCachedEntities(ctx, articleID, "local-model")
	if err != nil {
		t.Fatalf("GetCachedEntities failed: %v", err)
	}
	if !ok {
		t.Fatal("expected cache hit after SetArticleEntities")
	}
	if len(got.Companies) != 1 || got.Companies[0].Name != "Acme" {
		t.Errorf("unexpected cached entities: %+v", got.Companies)
	}
}

func TestCreateStoryRejectsDuplicateActiveClusterHash(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	story := core.Story{
		Title:       "First version",
		ClusterHash: "cluster-hash-1",
		GeneratedAt: time.Now().UTC(),
		Status:      core.StoryActive,
	}
	if _, err := st.CreateStory(ctx, story); err != nil {
		t.Fatalf("CreateStory failed: %v", err)
	}

	story.Title = "Second version, same cluster"
	if _, err := st.CreateStory(ctx, story); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists for duplicate active cluster_hash, got %v", err)
	}
}

func TestListActiveStoryClusterHashes(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	since := time.Now().UTC().Add(-1 * time.Hour)
	story := core.Story{
		Title:       "A story",
		ClusterHash: "abc123",
		GeneratedAt: time.Now().UTC(),
		Status:      core.StoryActive,
	}
	if _, err := st.CreateStory(ctx, story); err != nil {
		t.Fatalf("CreateStory failed: %v", err)
	}

	hashes, err := st.ListActiveStoryClusterHashes(ctx, since)
	if err != nil {
		t.Fatalf("ListActiveStoryClusterHashes failed: %v", err)
	}
	if !hashes["abc123"] {
		t.Error("expected cluster hash abc123 to be present among active hashes")
	}
}

func TestArchiveStoriesOlderThan(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	old := core.Story{
		Title:       "Old story",
		ClusterHash: "old-hash",
		GeneratedAt: time.Now().UTC().AddDate(0, 0, -30),
		Status:      core.StoryActive,
	}
	if _, err := st.CreateStory(ctx, old); err != nil {
		t.Fatalf("CreateStory failed: %v", err)
	}

	n, err := st.ArchiveStoriesOlderThan(ctx, 7)
	if err != nil {
		t.Fatalf("ArchiveStoriesOlderThan failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 story archived, got %d", n)
	}

	stories, err := st.ListStories(ctx, core.StoryActive, "", 10, 0)
	if err != nil {
		t.Fatalf("ListStories failed: %v", err)
	}
	for _, s := range stories {
		if s.ClusterHash == "old-hash" {
			t.Error("expected archived story to be excluded from active listing")
		}
	}
}

func TestRecordJobAndGetJob(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	start := time.Now().UTC()
	if err := st.RecordJob(ctx, core.JobFeedRefresh, &start, nil, "", nil); err != nil {
		t.Fatalf("RecordJob (start) failed: %v", err)
	}

	job, err := st.GetJob(ctx, core.JobFeedRefresh)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job.LastStartedAt == nil {
		t.Fatal("expected LastStartedAt to be set")
	}
	if job.LastStatus != "" {
		t.Errorf("expected empty status to not overwrite existing (nil) status, got %q", job.LastStatus)
	}

	finish := start.Add(2 * time.Second)
	if err := st.RecordJob(ctx, core.JobFeedRefresh, nil, &finish, core.JobOK, nil); err != nil {
		t.Fatalf("RecordJob (finish) failed: %v", err)
	}

	job, err = st.GetJob(ctx, core.JobFeedRefresh)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job.LastStatus != core.JobOK {
		t.Errorf("expected status ok, got %q", job.LastStatus)
	}
	if job.LastStartedAt == nil {
		t.Error("expected LastStartedAt to survive the status-only update via COALESCE")
	}
}

func TestGetJobForUnknownJobReturnsZeroValue(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	job, err := st.GetJob(ctx, core.JobStoryGeneration)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job.LastStartedAt != nil || job.LastStatus != "" {
		t.Errorf("expected zero-value job for a job that never ran, got %+v", job)
	}
}

func TestListAllFeedsIncludesDisabled(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	id, err := st.UpsertFeed(ctx, "https://example.com/c.xml", "C", "", 1)
	if err != nil {
		t.Fatalf("UpsertFeed failed: %v", err)
	}
	if err := st.RecordFeedError(ctx, id, "boom", 1); err != nil {
		t.Fatalf("RecordFeedError failed: %v", err)
	}

	active, err := st.ListActiveFeeds(ctx)
	if err != nil {
		t.Fatalf("ListActiveFeeds failed: %v", err)
	}
	for _, f := range active {
		if f.ID == id {
			t.Fatalf("expected feed %d to be auto-disabled and excluded from ListActiveFeeds", id)
		}
	}

	all, err := st.ListAllFeeds(ctx)
	if err != nil {
		t.Fatalf("ListAllFeeds failed: %v", err)
	}
	found := false
	for _, f := range all {
		if f.ID == id {
			found = true
			if !f.Disabled {
				t.Error("expected the auto-disabled feed to report Disabled=true")
			}
		}
	}
	if !found {
		t.Errorf("expected ListAllFeeds to include disabled feed %d", id)
	}
}

func TestSetFeedDisabled(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	id, err := st.UpsertFeed(ctx, "https://example.com/d.xml", "D", "", 1)
	if err != nil {
		t.Fatalf("UpsertFeed failed: %v", err)
	}

	if err := st.SetFeedDisabled(ctx, id, true); err != nil {
		t.Fatalf("SetFeedDisabled(true) failed: %v", err)
	}
	active, err := st.ListActiveFeeds(ctx)
	if err != nil {
		t.Fatalf("ListActiveFeeds failed: %v", err)
	}
	for _, f := range active {
		if f.ID == id {
			t.Fatalf("expected feed %d to be excluded from ListActiveFeeds after SetFeedDisabled(true)", id)
		}
	}

	if err := st.SetFeedDisabled(ctx, id, false); err != nil {
		t.Fatalf("SetFeedDisabled(false) failed: %v", err)
	}
	active, err = st.ListActiveFeeds(ctx)
	if err != nil {
		t.Fatalf("ListActiveFeeds failed: %v", err)
	}
	found := false
	for _, f := range active {
		if f.ID == id {
			found = true
		}
	}
	if !found {
		t.Errorf("expected feed %d to be active again after SetFeedDisabled(false)", id)
	}
}

func TestListArticlesFiltersByTopic(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	feedID, err := st.UpsertFeed(ctx, "https://example.com/feed.xml", "Example", "", 1)
	if err != nil {
		t.Fatalf("UpsertFeed failed: %v", err)
	}
	id, _, err := st.InsertArticleIfAbsent(ctx, feedID, "https://example.com/a", "Title", nil, "summary", 1.0)
	if err != nil {
		t.Fatalf("InsertArticleIfAbsent failed: %v", err)
	}
	if err := st.SetArticleTopic(ctx, id, core.TopicAIML, 0.9); err != nil {
		t.Fatalf("SetArticleTopic failed: %v", err)
	}

	matching, err := st.ListArticles(ctx, core.ArticleFilter{Topic: core.TopicAIML})
	if err != nil {
		t.Fatalf("ListArticles failed: %v", err)
	}
	if len(matching) != 1 {
		t.Fatalf("expected 1 article matching topic ai-ml, got %d", len(matching))
	}

	nonMatching, err := st.ListArticles(ctx, core.ArticleFilter{Topic: core.TopicSecurity})
	if err != nil {
		t.Fatalf("ListArticles failed: %v", err)
	}
	if len(nonMatching) != 0 {
		t.Errorf("expected 0 articles matching topic security, got %d", len(nonMatching))
	}
}
