package score

import (
	"math"
	"testing"
	"time"
)

func approxEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestImportanceClampsAtOne(t *testing.T) {
	in := Inputs{ArticleCount: 50, UniqueSourceCount: 50, EntityCount: 50}
	if got := Importance(in); !approxEqual(got, 1.0) {
		t.Errorf("Importance = %f, want 1.0", got)
	}
}

func TestImportancePartialCounts(t *testing.T) {
	in := Inputs{ArticleCount: 5, UniqueSourceCount: 2, EntityCount: 3}
	want := 0.4*0.5 + 0.3*0.4 + 0.3*0.3
	if got := Importance(in); !approxEqual(got, want) {
		t.Errorf("Importance = %f, want %f", got, want)
	}
}

func TestFreshnessDecaysWithAge(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	in := Inputs{
		Now:              now,
		ArticlePublished: []time.Time{now.Add(-12 * time.Hour)},
	}
	got := Freshness(in)
	want := math.Exp(-1)
	if !approxEqual(got, want) {
		t.Errorf("Freshness = %f, want %f (12 hours of age)", got, want)
	}
}

func TestFreshnessClampsFuturePublications(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	in := Inputs{
		Now:              now,
		ArticlePublished: []time.Time{now.Add(1 * time.Hour)},
	}
	if got := Freshness(in); !approxEqual(got, 1.0) {
		t.Errorf("expected future publication to clamp to age 0 (freshness 1.0), got %f", got)
	}
}

func TestFreshnessEmptyIsZero(t *testing.T) {
	if got := Freshness(Inputs{}); got != 0 {
		t.Errorf("expected 0 freshness with no articles, got %f", got)
	}
}

func TestSourceQualityAveragesHealthScores(t *testing.T) {
	in := Inputs{FeedHealthScores: []float64{100, 50, 0}}
	want := (1.0 + 0.5 + 0.0) / 3.0
	if got := SourceQuality(in); !approxEqual(got, want) {
		t.Errorf("SourceQuality = %f, want %f", got, want)
	}
}

func TestQualityCombinesComponentsWithEngagementPlaceholder(t *testing.T) {
	got := Quality(1.0, 1.0, 1.0)
	want := 0.4 + 0.3 + 0.2 + 0.1*0.5
	if !approxEqual(got, want) {
		t.Errorf("Quality = %f, want %f", got, want)
	}
}

func TestComputeBundlesAllScores(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	in := Inputs{
		ArticleCount:      10,
		UniqueSourceCount: 5,
		EntityCount:       10,
		Now:               now,
		ArticlePublished:  []time.Time{now},
		FeedHealthScores:  []float64{100},
	}
	scores := Compute(in)
	if !approxEqual(scores.Importance, 1.0) {
		t.Errorf("expected importance 1.0, got %f", scores.Importance)
	}
	if !approxEqual(scores.Freshness, 1.0) {
		t.Errorf("expected freshness 1.0 at age 0, got %f", scores.Freshness)
	}
	if !approxEqual(scores.Quality, Quality(scores.Importance, scores.Freshness, scores.SourceQuality)) {
		t.Errorf("Compute's Quality does not match standalone Quality()")
	}
}
