package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"newsbrief/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "newsbrief.db")
	st, err := store.Open(path)
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func testConfig() Config {
	return Config{
		Timezone:                "UTC",
		FeedRefreshSchedule:     "30 5 * * *",
		StoryGenerationSchedule: "0 6 * * *",
	}
}

func TestNewRejectsInvalidTimezone(t *testing.T) {
	cfg := testConfig()
	cfg.Timezone = "Not/AZone"
	st := newTestStore(t)
	if _, err := New(st, cfg, noop, noop); err == nil {
		t.Fatal("expected error for invalid timezone")
	}
}

func TestNewRejectsInvalidCronExpression(t *testing.T) {
	cfg := testConfig()
	cfg.FeedRefreshSchedule = "not a cron expression"
	st := newTestStore(t)
	if _, err := New(st, cfg, noop, noop); err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
}

func TestTriggerFeedRefreshRunsTheJobFunc(t *testing.T) {
	st := newTestStore(t)
	var ran atomic.Bool
	s, err := New(st, testConfig(), func(ctx context.Context) error {
		ran.Store(true)
		return nil
	}, noop)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := s.TriggerFeedRefresh(context.Background()); err != nil {
		t.Fatalf("TriggerFeedRefresh failed: %v", err)
	}
	if !ran.Load() {
		t.Error("expected the feed_refresh job func to run")
	}
}

func TestOverlapGuardSkipsConcurrentRun(t *testing.T) {
	st := newTestStore(t)
	started := make(chan struct{})
	release := make(chan struct{})
	var runCount atomic.Int32

	s, err := New(st, testConfig(), func(ctx context.Context) error {
		runCount.Add(1)
		close(started)
		<-release
		return nil
	}, noop)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = s.TriggerFeedRefresh(context.Background())
	}()

	<-started
	if err := s.TriggerFeedRefresh(context.Background()); err != nil {
		t.Fatalf("second trigger should be skipped, not erroring: %v", err)
	}
	close(release)
	wg.Wait()

	if got := runCount.Load(); got != 1 {
		t.Errorf("expected the job func to run exactly once while overlapping, got %d", got)
	}
}

func TestStoryGenerationWaitsForFeedRefreshToFinish(t *testing.T) {
	st := newTestStore(t)
	release := make(chan struct{})
	var feedDone atomic.Bool
	var storyRanAfterFeed atomic.Bool

	feedFn := func(ctx context.Context) error {
		<-release
		feedDone.Store(true)
		return nil
	}
	storyFn := func(ctx context.Context) error {
		storyRanAfterFeed.Store(feedDone.Load())
		return nil
	}

	s, err := New(st, testConfig(), feedFn, storyFn)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = s.TriggerFeedRefresh(context.Background())
	}()
	go func() {
		defer wg.Done()
		time.Sleep(20 * time.Millisecond)
		_ = s.TriggerStoryGeneration(context.Background())
	}()

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if !storyRanAfterFeed.Load() {
		t.Error("expected story_generation to observe feed_refresh as finished")
	}
}

func TestStatusReportsLastRunState(t *testing.T) {
	st := newTestStore(t)
	s, err := New(st, testConfig(), noop, noop)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := s.TriggerFeedRefresh(context.Background()); err != nil {
		t.Fatalf("TriggerFeedRefresh failed: %v", err)
	}

	status, err := s.Status(context.Background())
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.FeedRefresh.InProgress {
		t.Error("expected feed_refresh to no longer be in progress after completion")
	}
}

func TestFailedJobRecordsFailedStatus(t *testing.T) {
	st := newTestStore(t)
	boom := errors.New("boom")
	s, err := New(st, testConfig(), func(ctx context.Context) error { return boom }, noop)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := s.TriggerFeedRefresh(context.Background()); err != boom {
		t.Errorf("expected TriggerFeedRefresh to surface the job error, got %v", err)
	}

	status, err := s.Status(context.Background())
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.FeedRefresh.LastStatus != "failed" {
		t.Errorf("expected last status failed, got %q", status.FeedRefresh.LastStatus)
	}
}

func noop(ctx context.Context) error { return nil }
