// Package classify implements the topic classifier (C5): an LLM single-label
// prompt with a keyword-table fallback when the LLM is unavailable or
// unconfident.
package classify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"newsbrief/internal/core"
	"newsbrief/internal/llm"
)

// Result is a classified topic with its confidence.
type Result struct {
	Topic      core.Topic
	Confidence float64
}

// Classifier assigns one of core.ValidTopics to an article.
type Classifier struct {
	client *llm.Client
	model  string
}

// NewClassifier builds a Classifier using client for the LLM stage.
func NewClassifier(client *llm.Client, model string) *Classifier {
	return &Classifier{client: client, model: model}
}

// Classify runs the LLM-first, keyword-fallback two-stage pipeline. Title
// and text are the signal; text may be empty if extraction failed, in which
// case the keyword fallback still runs against the title alone.
func (c *Classifier) Classify(ctx context.Context, title, text string) Result {
	if result, ok := c.classifyWithLLM(ctx, title, text); ok && result.Confidence >= 0.5 {
		return result
	}
	return c.classifyWithKeywords(title, text)
}

func (c *Classifier) classifyWithLLM(ctx context.Context, title, text string) (Result, bool) {
	var categoryLines []string
	for _, t := range core.ValidTopics {
		categoryLines = append(categoryLines, string(t))
	}

	prompt := fmt.Sprintf(`Classify this article into exactly one of the following categories: %s.

Title: %s
Content: %s

Respond with EXACTLY this format:
CATEGORY: [category]
CONFIDENCE: [0.0-1.0]`,
		strings.Join(categoryLines, ", "), title, truncate(text, 2000))

	response, err := c.client.Complete(ctx, prompt, c.model, 0.1)
	if err != nil {
		if errors.Is(err, llm.ErrLLMUnavailable) || errors.Is(err, llm.ErrLLMTimeout) {
			return Result{}, false
		}
		return Result{}, false
	}

	return parseClassifyResponse(response)
}

func parseClassifyResponse(response string) (Result, bool) {
	var topic core.Topic
	var confidence float64

	for _, line := range strings.Split(response, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "CATEGORY:"):
			candidate := strings.TrimSpace(strings.TrimPrefix(line, "CATEGORY:"))
			for _, t := range core.ValidTopics {
				if strings.EqualFold(string(t), candidate) {
					topic = t
					break
				}
			}
		case strings.HasPrefix(line, "CONFIDENCE:"):
			if parsed, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimPrefix(line, "CONFIDENCE:")), 64); err == nil {
				confidence = parsed
			}
		}
	}

	if topic == "" {
		return Result{}, false
	}
	return Result{Topic: topic, Confidence: confidence}, true
}

// keywordTable is the closed-vocabulary fallback used when the LLM is
// unavailable or returned low confidence.
var keywordTable = map[core.Topic][]string{
	core.TopicAIML:         {"ai", "machine learning", "neural network", "llm", "gpt", "model training", "artificial intelligence"},
	core.TopicCloudK8s:     {"kubernetes", "cloud", "aws", "azure", "gcp", "container", "docker", "serverless"},
	core.TopicSecurity:     {"vulnerability", "breach", "exploit", "cve", "ransomware", "malware", "security"},
	core.TopicDevtools:     {"ide", "compiler", "linter", "debugger", "framework", "library", "sdk", "api"},
	core.TopicChipsHardware: {"chip", "processor", "semiconductor", "gpu", "cpu", "silicon", "fabrication"},
	core.TopicPolitics:     {"election", "senate", "congress", "legislation", "policy", "government"},
	core.TopicBusiness:     {"ipo", "acquisition", "merger", "revenue", "earnings", "funding round", "startup"},
	core.TopicScience:      {"research", "study", "discovery", "physics", "biology", "chemistry", "astronomy"},
}

// classifyWithKeywords scores each topic by its keyword hit count over
// the lowercased title+text, defaulting to general when nothing matches.
func (c *Classifier) classifyWithKeywords(title, text string) Result {
	haystack := strings.ToLower(title + " " + text)

	best := core.TopicGeneral
	bestHits := 0
	for _, topic := range core.ValidTopics {
		if topic == core.TopicGeneral {
			continue
		}
		hits := 0
		for _, kw := range keywordTable[topic] {
			if strings.Contains(haystack, kw) {
				hits++
			}
		}
		if hits > bestHits {
			bestHits = hits
			best = topic
		}
	}

	if bestHits == 0 {
		return Result{Topic: core.TopicGeneral, Confidence: 0.5}
	}
	confidence := 0.5 + 0.1*float64(bestHits)
	if confidence > 0.9 {
		confidence = 0.9
	}
	return Result{Topic: best, Confidence: confidence}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
