// Package synthesize implements the synthesiser (C9): a four-pass LLM
// pipeline that turns one article cluster into a complete Story.
package synthesize

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"newsbrief/internal/core"
	"newsbrief/internal/llm"
)

// degradedSynthesisCharLimit bounds the concatenated-summaries fallback used
// when every synthesis attempt fails to parse.
const degradedSynthesisCharLimit = 1500

// ClusterInput is everything the synthesiser needs about one candidate
// cluster to produce a Story.
type ClusterInput struct {
	ClusterHash string
	Articles    []core.Article
}

// Synthesizer drives the type-detection -> chain-of-thought -> synthesis ->
// refinement pipeline for one cluster at a time.
type Synthesizer struct {
	client   *llm.Client
	model    string
	poolSize int
}

// NewSynthesizer builds a Synthesizer using client/model for every LLM call
// and poolSize concurrent cluster syntheses.
func NewSynthesizer(client *llm.Client, model string, poolSize int) *Synthesizer {
	if poolSize < 1 {
		poolSize = 1
	}
	return &Synthesizer{client: client, model: model, poolSize: poolSize}
}

type typeDetectionJSON struct {
	Type string `json:"type"`
}

type analysisJSON struct {
	Timeline   []string `json:"timeline"`
	CoreFacts  []string `json:"core_facts"`
	Tensions   []string `json:"tensions"`
	KeyPlayers []string `json:"key_players"`
}

type synthesisJSON struct {
	Title        string   `json:"title"`
	Synthesis    string   `json:"synthesis"`
	KeyPoints    []string `json:"key_points"`
	WhyItMatters string   `json:"why_it_matters"`
	Topics       []string `json:"topics"`
	Entities     []string `json:"entities"`
}

// SynthesizeAll runs Synthesize over every cluster using a bounded worker
// pool, each worker sharing no mutable state beyond the LLM client. A
// cluster that fails entirely (LLM unavailable) is dropped from the result
// rather than returned as an error, so the remaining clusters still
// complete; the caller re-attempts dropped clusters on the next scheduled
// run since the cluster hash is not yet recorded as an active story.
func (s *Synthesizer) SynthesizeAll(ctx context.Context, clusters []ClusterInput) ([]core.Story, error) {
	stories := make([]core.Story, len(clusters))
	ok := make([]bool, len(clusters))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.poolSize)

	for i, cluster := range clusters {
		i, cluster := i, cluster
		g.Go(func() error {
			story, err := s.Synthesize(gctx, cluster)
			if err != nil {
				if err == errLLMUnavailable {
					return nil
				}
				return err
			}
			stories[i] = *story
			ok[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]core.Story, 0, len(stories))
	for i, story := range stories {
		if ok[i] {
			out = append(out, story)
		}
	}
	return out, nil
}

var errLLMUnavailable = fmt.Errorf("synthesize: llm unavailable")

// Synthesize runs the four-pass pipeline for one cluster. Parse failures at
// any pass degrade to a fallback rather than aborting; only an LLM
// transport failure (the service itself unreachable) returns
// errLLMUnavailable so the caller can skip the cluster entirely.
func (s *Synthesizer) Synthesize(ctx context.Context, cluster ClusterInput) (*core.Story, error) {
	summary := summarizeCluster(cluster.Articles)

	clusterType, err := s.detectType(ctx, summary)
	if err != nil {
		return nil, errLLMUnavailable
	}

	analysis, analysisStrategy, err := s.analyze(ctx, summary)
	if err != nil {
		return degradedStory(cluster, core.ParseStrategy("")), nil
	}

	draft, synthStrategy, err := s.synthesizeDraft(ctx, clusterType, summary, analysis)
	if err != nil {
		return degradedStory(cluster, analysisStrategy), nil
	}

	final, finalStrategy, err := s.refine(ctx, draft)
	if err != nil {
		final = draft
		finalStrategy = synthStrategy
	}

	topics := make([]core.Topic, 0, len(final.Topics))
	for _, t := range final.Topics {
		topics = append(topics, core.Topic(t))
	}

	return &core.Story{
		Title:         final.Title,
		Synthesis:     final.Synthesis,
		KeyPoints:     final.KeyPoints,
		WhyItMatters:  final.WhyItMatters,
		Topics:        topics,
		Entities:      final.Entities,
		ArticleCount:  len(cluster.Articles),
		Status:        core.StoryActive,
		GeneratedAt:   time.Now().UTC(),
		Model:         s.model,
		ClusterHash:   cluster.ClusterHash,
		TitleSource:   core.TitleFromLLM,
		ParseStrategy: finalStrategy,
	}, nil
}

func (s *Synthesizer) detectType(ctx context.Context, summary string) (string, error) {
	prompt := fmt.Sprintf(`Classify this news cluster as exactly one of: breaking, evolving, trend, comparison.

breaking: a single sudden newsworthy event
evolving: a developing situation with updates over time
trend: a pattern observed across multiple independent sources
comparison: two or more things being directly contrasted

Respond with JSON {"type": "..."} only.

%s`, summary)

	response, err := s.client.Complete(ctx, prompt, s.model, 0.2)
	if err != nil {
		return "", err
	}
	parsed, err := llm.ParseJSON(response)
	if err != nil {
		return "evolving", nil
	}
	var td typeDetectionJSON
	if err := json.Unmarshal(parsed.Raw, &td); err != nil || td.Type == "" {
		return "evolving", nil
	}
	return td.Type, nil
}

func (s *Synthesizer) analyze(ctx context.Context, summary string) (analysisJSON, core.ParseStrategy, error) {
	prompt := fmt.Sprintf(`Analyze this news cluster. Respond with JSON with exactly these keys:
- "timeline": chronological list of events, oldest first
- "core_facts": the load-bearing facts every article agrees on
- "tensions": disagreements, contradictions, or open questions across sources
- "key_players": people, companies, or organizations central to the story

Respond with JSON only.

%s`, summary)

	response, err := s.client.Complete(ctx, prompt, s.model, 0.3)
	if err != nil {
		return analysisJSON{}, "", err
	}
	parsed, err := llm.ParseJSON(response)
	if err != nil {
		return analysisJSON{}, "", err
	}
	var a analysisJSON
	if err := json.Unmarshal(parsed.Raw, &a); err != nil {
		return analysisJSON{}, "", err
	}
	return a, parsed.Strategy, nil
}

func (s *Synthesizer) synthesizeDraft(ctx context.Context, clusterType string, summary string, analysis analysisJSON) (synthesisJSON, core.ParseStrategy, error) {
	prompt := buildSynthesisPrompt(clusterType, summary, analysis)

	response, err := s.client.Complete(ctx, prompt, s.model, 0.5)
	if err != nil {
		return synthesisJSON{}, "", err
	}
	parsed, err := llm.ParseJSON(response)
	if err != nil {
		return synthesisJSON{}, "", err
	}
	var sj synthesisJSON
	if err := json.Unmarshal(parsed.Raw, &sj); err != nil {
		return synthesisJSON{}, "", err
	}
	return sj, parsed.Strategy, nil
}

func buildSynthesisPrompt(clusterType, summary string, analysis analysisJSON) string {
	var typeGuidance string
	switch clusterType {
	case "breaking":
		typeGuidance = "Lead with what happened and when. Keep it urgent and factual."
	case "trend":
		typeGuidance = "Lead with the pattern across sources, not any single event."
	case "comparison":
		typeGuidance = "Structure around what is being contrasted and why it matters."
	default:
		typeGuidance = "Lead with the current state of the situation and how it got there."
	}

	return fmt.Sprintf(`Write a news story synthesis. %s

Timeline: %s
Core facts: %s
Tensions: %s
Key players: %s

Source material:
%s

Respond with JSON with exactly these keys:
- "title": a concise headline
- "synthesis": 2-4 paragraphs combining every source
- "key_points": 3 to 8 bullet points
- "why_it_matters": one or two sentences
- "topics": 1-3 topic tags
- "entities": up to 8 named entities central to the story

Respond with JSON only.`,
		typeGuidance,
		strings.Join(analysis.Timeline, "; "),
		strings.Join(analysis.CoreFacts, "; "),
		strings.Join(analysis.Tensions, "; "),
		strings.Join(analysis.KeyPlayers, "; "),
		summary,
	)
}

func (s *Synthesizer) refine(ctx context.Context, draft synthesisJSON) (synthesisJSON, core.ParseStrategy, error) {
	draftJSON, err := json.Marshal(draft)
	if err != nil {
		return synthesisJSON{}, "", err
	}

	prompt := fmt.Sprintf(`Critique and polish this draft story for clarity, specificity, and factual consistency. Remove vague phrases. Keep the same JSON shape.

Draft:
%s

Respond with the improved JSON only, same keys.`, string(draftJSON))

	response, err := s.client.Complete(ctx, prompt, s.model, 0.4)
	if err != nil {
		return synthesisJSON{}, "", err
	}
	parsed, err := llm.ParseJSON(response)
	if err != nil {
		return synthesisJSON{}, "", err
	}
	var refined synthesisJSON
	if err := json.Unmarshal(parsed.Raw, &refined); err != nil {
		return synthesisJSON{}, "", err
	}
	return refined, parsed.Strategy, nil
}

// degradedStory builds the minimal Story spec requires when synthesis
// parsing fails after every strategy: title from the fallback construction,
// synthesis as a truncated concatenation of article summaries, and an empty
// why_it_matters, so progress stays observable even without a working LLM.
func degradedStory(cluster ClusterInput, strategy core.ParseStrategy) *core.Story {
	topics := make(map[core.Topic]bool)
	var firstEntity string
	var firstTopic core.Topic
	for _, a := range cluster.Articles {
		if a.Topic != "" {
			topics[a.Topic] = true
			if firstTopic == "" {
				firstTopic = a.Topic
			}
		}
		if firstEntity == "" && a.Entities != nil {
			if all := a.Entities.AllEntities(); len(all) > 0 {
				firstEntity = all[0].Name
			}
		}
	}

	topicList := make([]core.Topic, 0, len(topics))
	for t := range topics {
		topicList = append(topicList, t)
	}

	title := fallbackTitle(firstEntity, firstTopic)

	return &core.Story{
		Title:         title,
		Synthesis:     concatenateSummaries(cluster.Articles, degradedSynthesisCharLimit),
		KeyPoints:     nil,
		WhyItMatters:  "",
		Topics:        topicList,
		ArticleCount:  len(cluster.Articles),
		Status:        core.StoryActive,
		GeneratedAt:   time.Now().UTC(),
		ClusterHash:   cluster.ClusterHash,
		TitleSource:   core.TitleFromFallback,
		ParseStrategy: strategy,
	}
}

// fallbackTitle builds "Update on {first_entity} and {topic}", degrading
// further if either piece is unavailable.
func fallbackTitle(firstEntity string, topic core.Topic) string {
	switch {
	case firstEntity != "" && topic != "":
		return fmt.Sprintf("Update on %s and %s", firstEntity, topic)
	case firstEntity != "":
		return fmt.Sprintf("Update on %s", firstEntity)
	case topic != "":
		return fmt.Sprintf("Update on %s", topic)
	default:
		return "Developing story"
	}
}

func summarizeCluster(articles []core.Article) string {
	var b strings.Builder
	for i, a := range articles {
		fmt.Fprintf(&b, "[%d] %s\n", i+1, a.Title)
		if a.StructuredSummary != nil {
			for _, bullet := range a.StructuredSummary.Bullets {
				fmt.Fprintf(&b, "  - %s\n", bullet)
			}
		} else if a.FallbackSummary != "" {
			fmt.Fprintf(&b, "  %s\n", a.FallbackSummary)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func concatenateSummaries(articles []core.Article, limit int) string {
	var b strings.Builder
	for _, a := range articles {
		if a.StructuredSummary != nil && len(a.StructuredSummary.Bullets) > 0 {
			b.WriteString(strings.Join(a.StructuredSummary.Bullets, " "))
		} else if a.FallbackSummary != "" {
			b.WriteString(a.FallbackSummary)
		} else {
			b.WriteString(a.Title)
		}
		b.WriteString(" ")
	}
	out := strings.TrimSpace(b.String())
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
