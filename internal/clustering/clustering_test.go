package clustering

import (
	"testing"

	"newsbrief/internal/core"
)

func testConfig() Config {
	return Config{
		KeywordWeight:       0.3,
		EntityWeight:        0.5,
		TopicWeight:         0.2,
		SimilarityThreshold: 0.5,
		MinArticlesPerStory: 2,
	}
}

func setOf(keys ...string) map[string]bool {
	m := make(map[string]bool, len(keys))
	for _, k := range keys {
		m[k] = true
	}
	return m
}

func TestJaccardWorkedExample(t *testing.T) {
	k1 := setOf("a", "b", "c")
	k2 := setOf("b", "c", "d")
	got := jaccard(k1, k2)
	want := 2.0 / 4.0
	if got != want {
		t.Errorf("jaccard(K1, K2) = %f, want %f", got, want)
	}
}

func TestSimilarityWorkedExample(t *testing.T) {
	entA := core.EntitySet{Companies: []core.Entity{
		{Name: "Acme", Confidence: 1.0, Role: core.RoleMentioned},
	}}
	entB := core.EntitySet{Companies: []core.Entity{
		{Name: "Acme", Confidence: 0.6, Role: core.RoleMentioned},
	}}

	a := Candidate{ArticleID: 1, Topic: core.TopicAIML, Entities: entA, Keywords: setOf("a", "b", "c")}
	b := Candidate{ArticleID: 2, Topic: core.TopicAIML, Entities: entB, Keywords: setOf("b", "c", "d")}

	cfg := testConfig()
	got := Similarity(a, b, cfg)

	keywordTerm := 0.3 * (2.0 / 4.0)
	entityTerm := 0.5 * 0.6
	topicTerm := 0.2 * 1.0
	want := keywordTerm + entityTerm + topicTerm

	if diff := got - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("Similarity = %f, want %f", got, want)
	}
	if diff := want - 0.65; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("sanity check failed: worked example should total 0.65, computed %f", want)
	}
}

func TestSimilarityGatedByDifferentTopics(t *testing.T) {
	a := Candidate{ArticleID: 1, Topic: core.TopicAIML, Keywords: setOf("a", "b", "c")}
	b := Candidate{ArticleID: 2, Topic: core.TopicSecurity, Keywords: setOf("a", "b", "c")}

	if got := Similarity(a, b, testConfig()); got != 0 {
		t.Errorf("expected 0 similarity across different topics, got %f", got)
	}
}

func TestSimilarityRedistributesWeightsWhenEntitiesEmpty(t *testing.T) {
	a := Candidate{ArticleID: 1, Topic: core.TopicBusiness, Keywords: setOf("x", "y")}
	b := Candidate{ArticleID: 2, Topic: core.TopicBusiness, Keywords: setOf("x", "y")}

	got := Similarity(a, b, testConfig())
	want := 0.8*1.0 + 0.2*1.0
	if got != want {
		t.Errorf("expected redistributed weights (0.8 keyword + 0.2 topic) = %f, got %f", want, got)
	}
}

func TestClusterCandidatesGroupsSimilarArticles(t *testing.T) {
	shared := setOf("ai", "model", "release")
	candidates := []Candidate{
		{ArticleID: 1, Topic: core.TopicAIML, Keywords: shared, RankingScore: 0.9},
		{ArticleID: 2, Topic: core.TopicAIML, Keywords: shared, RankingScore: 0.7},
		{ArticleID: 3, Topic: core.TopicBusiness, Keywords: setOf("market", "stock"), RankingScore: 0.5},
	}

	clusters := ClusterCandidates(candidates, testConfig())
	if len(clusters) != 1 {
		t.Fatalf("expected 1 cluster (article 3 alone falls below MinArticlesPerStory), got %d", len(clusters))
	}
	if len(clusters[0].ArticleIDs) != 2 {
		t.Fatalf("expected cluster of 2 articles, got %d", len(clusters[0].ArticleIDs))
	}
}

func TestHashClusterIsOrderInvariant(t *testing.T) {
	h1 := hashCluster([]int64{3, 1, 2})
	h2 := hashCluster([]int64{1, 2, 3})
	if h1 != h2 {
		t.Errorf("expected order-invariant hash, got %q vs %q", h1, h2)
	}
}

func TestExtractWordsFiltersStopWordsAndShortTokens(t *testing.T) {
	words := extractWords("The AI model is a big deal for the industry")
	for _, w := range words {
		if w == "the" || w == "is" || w == "a" || w == "ai" {
			t.Errorf("expected stop word or short token %q to be filtered", w)
		}
	}
}
