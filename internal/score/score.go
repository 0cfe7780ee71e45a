// Package score implements the scorer (C10): pure functions computing a
// Story's importance, freshness, source-quality, and overall quality.
package score

import (
	"math"
	"time"
)

// engagementPlaceholder stands in for a future engagement signal; the
// weighted-quality formula reserves 0.1 of its weight for it.
const engagementPlaceholder = 0.5

// freshnessHalfLifeHours sets the exponential decay rate: a story's
// freshness score falls by a factor of e for every 12 hours of average
// article age.
const freshnessHalfLifeHours = 12.0

// Inputs bundles everything the three component scores need about a
// Story's contributing articles.
type Inputs struct {
	ArticleCount      int
	UniqueSourceCount int
	EntityCount       int
	ArticlePublished  []time.Time // UTC
	Now               time.Time   // UTC, injected for deterministic tests
	FeedHealthScores  []float64   // 0..100, one per contributing feed
}

// Importance = 0.4·min(article_count/10,1) + 0.3·min(unique_sources/5,1) +
// 0.3·min(entity_count/10,1).
func Importance(in Inputs) float64 {
	articleTerm := math.Min(float64(in.ArticleCount)/10.0, 1.0)
	sourceTerm := math.Min(float64(in.UniqueSourceCount)/5.0, 1.0)
	entityTerm := math.Min(float64(in.EntityCount)/10.0, 1.0)
	return 0.4*articleTerm + 0.3*sourceTerm + 0.3*entityTerm
}

// Freshness = exp(-avg_age_hours/12). Future publication times clamp their
// individual age to 0 rather than contributing a negative age to the mean.
func Freshness(in Inputs) float64 {
	if len(in.ArticlePublished) == 0 {
		return 0
	}
	var totalHours float64
	for _, published := range in.ArticlePublished {
		age := in.Now.Sub(published).Hours()
		if age < 0 {
			age = 0
		}
		totalHours += age
	}
	avgAge := totalHours / float64(len(in.ArticlePublished))
	return math.Exp(-avgAge / freshnessHalfLifeHours)
}

// SourceQuality is the mean of contributing feeds' health_score/100.
func SourceQuality(in Inputs) float64 {
	if len(in.FeedHealthScores) == 0 {
		return 0
	}
	var sum float64
	for _, h := range in.FeedHealthScores {
		sum += h / 100.0
	}
	return sum / float64(len(in.FeedHealthScores))
}

// Quality = 0.4·importance + 0.3·freshness + 0.2·source_quality +
// 0.1·engagementPlaceholder.
func Quality(importance, freshness, sourceQuality float64) float64 {
	return 0.4*importance + 0.3*freshness + 0.2*sourceQuality + 0.1*engagementPlaceholder
}

// Scores bundles the four computed values for a single Story.
type Scores struct {
	Importance    float64
	Freshness     float64
	SourceQuality float64
	Quality       float64
}

// Compute runs all three component scores and the combined quality score
// in one pass, for callers that want the full set at Story creation or
// recompute time.
func Compute(in Inputs) Scores {
	importance := Importance(in)
	freshness := Freshness(in)
	sourceQuality := SourceQuality(in)
	return Scores{
		Importance:    importance,
		Freshness:     freshness,
		SourceQuality: sourceQuality,
		Quality:       Quality(importance, freshness, sourceQuality),
	}
}
