package synthesize

import (
	"strings"
	"testing"

	"newsbrief/internal/core"
)

func TestFallbackTitleBothPresent(t *testing.T) {
	got := fallbackTitle("Acme", core.TopicBusiness)
	want := "Update on Acme and business"
	if got != want {
		t.Errorf("fallbackTitle = %q, want %q", got, want)
	}
}

func TestFallbackTitleEntityOnly(t *testing.T) {
	got := fallbackTitle("Acme", "")
	if got != "Update on Acme" {
		t.Errorf("fallbackTitle = %q", got)
	}
}

func TestFallbackTitleNeitherPresent(t *testing.T) {
	if got := fallbackTitle("", ""); got != "Developing story" {
		t.Errorf("fallbackTitle = %q", got)
	}
}

func TestConcatenateSummariesTruncates(t *testing.T) {
	articles := []core.Article{
		{Title: "A", FallbackSummary: strings.Repeat("word ", 500)},
	}
	got := concatenateSummaries(articles, 100)
	if len(got) > 100 {
		t.Errorf("expected truncation to 100 chars, got %d", len(got))
	}
}

func TestConcatenateSummariesPrefersStructuredSummary(t *testing.T) {
	articles := []core.Article{
		{
			Title: "A",
			StructuredSummary: &core.StructuredSummary{
				Bullets: []string{"point one", "point two"},
			},
			FallbackSummary: "should not appear",
		},
	}
	got := concatenateSummaries(articles, 1000)
	if strings.Contains(got, "should not appear") {
		t.Errorf("expected structured summary to take precedence, got %q", got)
	}
	if !strings.Contains(got, "point one") {
		t.Errorf("expected structured bullet in output, got %q", got)
	}
}

func TestDegradedStoryMarksFallbackTitleSource(t *testing.T) {
	cluster := ClusterInput{
		ClusterHash: "abc123",
		Articles: []core.Article{
			{Title: "Article One", Topic: core.TopicAIML, FallbackSummary: "summary text"},
		},
	}
	story := degradedStory(cluster, core.ParseRepair)
	if story.TitleSource != core.TitleFromFallback {
		t.Errorf("expected fallback title source, got %q", story.TitleSource)
	}
	if story.ArticleCount != 1 {
		t.Errorf("expected article count 1, got %d", story.ArticleCount)
	}
	if story.ClusterHash != "abc123" {
		t.Errorf("expected cluster hash to propagate, got %q", story.ClusterHash)
	}
}

func TestSummarizeClusterIncludesEveryArticleTitle(t *testing.T) {
	articles := []core.Article{
		{Title: "First"},
		{Title: "Second"},
	}
	got := summarizeCluster(articles)
	if !strings.Contains(got, "First") || !strings.Contains(got, "Second") {
		t.Errorf("expected both titles present, got %q", got)
	}
}
