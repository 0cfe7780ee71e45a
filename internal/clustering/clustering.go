// Package clustering implements the clusterer (C8): a topic-gated hybrid
// similarity over keyword overlap, entity overlap, and a topic-match bonus,
// grouped by single-link greedy clustering within a time window.
package clustering

import (
	"crypto/md5"
	"encoding/hex"
	"sort"
	"strings"

	"newsbrief/internal/core"
	"newsbrief/internal/entities"
)

// Config holds the similarity weights and grouping thresholds.
type Config struct {
	KeywordWeight       float64
	EntityWeight        float64
	TopicWeight         float64
	SimilarityThreshold float64
	MinArticlesPerStory int
}

// Candidate is one article's clustering-relevant projection.
type Candidate struct {
	ArticleID    int64
	Title        string
	Text         string
	Topic        core.Topic
	Entities     core.EntitySet
	RankingScore float64
	Keywords     map[string]bool
}

// Cluster is a group of candidates each of which passed the similarity
// threshold against at least one other member of the cluster.
type Cluster struct {
	Hash       string
	ArticleIDs []int64
}

var stopWords = buildStopWordSet([]string{
	"the", "a", "an", "and", "or", "but", "in", "on", "at", "to", "for", "of", "with",
	"by", "from", "up", "about", "into", "over", "after", "is", "are", "was", "were",
	"be", "been", "being", "have", "has", "had", "do", "does", "did", "will", "would",
	"could", "should", "may", "might", "must", "can", "this", "that", "these", "those",
	"it", "its", "as", "if", "than", "then", "so", "such", "not", "no", "nor", "all",
	"any", "some", "most", "other", "which", "who", "whom", "what", "when", "where",
	"why", "how", "said", "says", "say", "new", "also", "more", "one", "two", "will",
	"just", "now", "there", "their", "they", "them", "his", "her", "he", "she", "we",
	"you", "i", "our", "your", "my", "been", "only", "out", "off", "down", "still",
})

func buildStopWordSet(words []string) map[string]bool {
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return set
}

// BuildCandidate extracts the keyword set used by the Jaccard term, emphasising
// title words via repetition, and including unigrams and bigrams.
func BuildCandidate(articleID int64, title, text string, topic core.Topic, entitySet core.EntitySet, rankingScore float64) Candidate {
	titleWords := extractWords(title)
	bodyWords := extractWords(text)

	stream := make([]string, 0, 2*len(titleWords)+len(bodyWords))
	stream = append(stream, titleWords...)
	stream = append(stream, titleWords...)
	stream = append(stream, bodyWords...)

	keywords := make(map[string]bool)
	for _, w := range stream {
		keywords[w] = true
	}
	for _, bigram := range bigrams(stream) {
		keywords[bigram] = true
	}

	return Candidate{
		ArticleID:    articleID,
		Title:        title,
		Text:         text,
		Topic:        topic,
		Entities:     entitySet,
		RankingScore: rankingScore,
		Keywords:     keywords,
	}
}

// extractWords lowercases, strips punctuation, and filters stop words and
// very short tokens.
func extractWords(text string) []string {
	var words []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() == 0 {
			return
		}
		w := strings.ToLower(cur.String())
		cur.Reset()
		if len(w) <= 2 || stopWords[w] {
			return
		}
		words = append(words, w)
	}
	for _, r := range text {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			cur.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return words
}

func bigrams(words []string) []string {
	if len(words) < 2 {
		return nil
	}
	out := make([]string, 0, len(words)-1)
	for i := 0; i+1 < len(words); i++ {
		out = append(out, words[i]+" "+words[i+1])
	}
	return out
}

// jaccard computes |A∩B| / |A∪B| over two keyword sets.
func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	intersection := 0
	for k := range a {
		if b[k] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// Similarity computes the weighted hybrid score between two candidates,
// gated by topic equality: different topics score 0 regardless of overlap.
// When both entity sets are empty the keyword/topic weights are
// redistributed to 0.8/0.2 so the entity term's absence doesn't silently
// zero out the score.
func Similarity(a, b Candidate, cfg Config) float64 {
	if a.Topic != "" && b.Topic != "" && a.Topic != b.Topic {
		return 0
	}

	keywordSim := jaccard(a.Keywords, b.Keywords)
	entitySim := entities.Overlap(a.Entities, b.Entities)
	topicBonus := 0.0
	if a.Topic != "" && a.Topic == b.Topic {
		topicBonus = 1.0
	}

	keywordWeight, entityWeight, topicWeight := cfg.KeywordWeight, cfg.EntityWeight, cfg.TopicWeight
	if a.Entities.Empty() && b.Entities.Empty() {
		keywordWeight, entityWeight, topicWeight = 0.8, 0, 0.2
	}

	return keywordWeight*keywordSim + entityWeight*entitySim + topicWeight*topicBonus
}

// ClusterCandidates groups candidates by single-link greedy clustering:
// process candidates in descending ranking_score order; for each
// not-yet-assigned candidate, seed a new cluster and repeatedly attach any
// remaining unassigned candidate whose similarity to ANY current cluster
// member clears the threshold (true single-link, not just seed-similarity),
// until a full pass attaches nothing new. Clusters below
// MinArticlesPerStory are dropped unless it is 1.
func ClusterCandidates(candidates []Candidate, cfg Config) []Cluster {
	byID := make(map[int64]Candidate, len(candidates))
	for _, c := range candidates {
		byID[c.ArticleID] = c
	}

	ordered := make([]Candidate, len(candidates))
	copy(ordered, candidates)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].RankingScore > ordered[j].RankingScore
	})

	assigned := make(map[int64]bool)
	var clusters []Cluster

	for _, seed := range ordered {
		if assigned[seed.ArticleID] {
			continue
		}
		members := []int64{seed.ArticleID}
		assigned[seed.ArticleID] = true

		for {
			grew := false
			for _, candidate := range ordered {
				if assigned[candidate.ArticleID] {
					continue
				}
				if attachesToCluster(candidate, members, byID, cfg) {
					members = append(members, candidate.ArticleID)
					assigned[candidate.ArticleID] = true
					grew = true
				}
			}
			if !grew {
				break
			}
		}

		if cfg.MinArticlesPerStory > 1 && len(members) < cfg.MinArticlesPerStory {
			continue
		}
		clusters = append(clusters, Cluster{Hash: hashCluster(members), ArticleIDs: members})
	}

	return clusters
}

func attachesToCluster(candidate Candidate, members []int64, byID map[int64]Candidate, cfg Config) bool {
	for _, memberID := range members {
		if Similarity(candidate, byID[memberID], cfg) >= cfg.SimilarityThreshold {
			return true
		}
	}
	return false
}

// hashCluster returns a deterministic, order-invariant hash of a cluster's
// member article ids, so the same set of articles always produces the same
// cluster_hash regardless of discovery order.
func hashCluster(articleIDs []int64) string {
	sorted := make([]int64, len(articleIDs))
	copy(sorted, articleIDs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var b strings.Builder
	for i, id := range sorted {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(formatInt(id))
	}
	sum := md5.Sum([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func formatInt(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var digits []byte
	for v > 0 {
		digits = append([]byte{byte('0' + v%10)}, digits...)
		v /= 10
	}
	if neg {
		return "-" + string(digits)
	}
	return string(digits)
}
