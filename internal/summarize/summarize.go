// Package summarize implements the summariser (C6): a cache-first,
// direct-or-map-reduce pipeline that turns extracted article text into a
// StructuredSummary.
package summarize

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode"

	"newsbrief/internal/core"
	"newsbrief/internal/llm"
	"newsbrief/internal/store"
)

// Config bounds the chunker and selects the direct/map-reduce threshold.
type Config struct {
	ChunkingThreshold int // total_tokens at or above which map-reduce is used
	ChunkSize         int
	MaxChunkSize      int
	ChunkOverlap      int
}

// Summarizer produces StructuredSummary values from article text.
type Summarizer struct {
	store  *store.Store
	client *llm.Client
	model  string
	cfg    Config
}

// NewSummarizer builds a Summarizer against st, using client/model for LLM
// calls.
func NewSummarizer(st *store.Store, client *llm.Client, model string, cfg Config) *Summarizer {
	return &Summarizer{store: st, client: client, model: model, cfg: cfg}
}

type summaryJSON struct {
	Bullets      []string `json:"bullets"`
	WhyItMatters string   `json:"why_it_matters"`
	Tags         []string `json:"tags"`
}

// Summarize returns the structured summary for articleID, using the
// (content_hash, model)-keyed cache when present, and choosing between the
// direct and map-reduce path by estimated token count otherwise. On total
// LLM failure it returns a degraded fallback_summary instead of an error.
func (s *Summarizer) Summarize(ctx context.Context, articleID int64, contentHash, title, text string) (*core.StructuredSummary, string, error) {
	if cached, ok, err := s.store.GetCachedSummary(ctx, contentHash, s.model); err != nil {
		return nil, "", fmt.Errorf("get cached summary: %w", err)
	} else if ok {
		return cached, "", nil
	}

	tokens := estimateTokens(text)
	var summary *core.StructuredSummary
	var err error
	if tokens >= s.cfg.ChunkingThreshold {
		summary, err = s.summarizeMapReduce(ctx, title, text, tokens)
	} else {
		summary, err = s.summarizeDirect(ctx, title, text)
	}

	if err != nil {
		fallback := fallbackSummary(title, text)
		if setErr := s.store.SetArticleSummary(ctx, articleID, nil, fallback); setErr != nil {
			return nil, fallback, fmt.Errorf("summarize: %w (and persist fallback: %v)", err, setErr)
		}
		return nil, fallback, nil
	}

	summary.ContentHash = contentHash
	summary.Model = s.model
	summary.GeneratedAt = time.Now().UTC()
	if err := s.store.SetArticleSummary(ctx, articleID, summary, ""); err != nil {
		return nil, "", fmt.Errorf("persist summary: %w", err)
	}
	return summary, "", nil
}

func (s *Summarizer) summarizeDirect(ctx context.Context, title, text string) (*core.StructuredSummary, error) {
	prompt := buildSummaryPrompt(title, text)
	response, err := s.client.Complete(ctx, prompt, s.model, 0.3)
	if err != nil {
		return nil, fmt.Errorf("direct summarize: %w", err)
	}

	parsed, err := llm.ParseJSON(response)
	if err != nil {
		return nil, fmt.Errorf("parse direct summary: %w", err)
	}

	var sj summaryJSON
	if err := json.Unmarshal(parsed.Raw, &sj); err != nil {
		return nil, fmt.Errorf("unmarshal direct summary: %w", err)
	}

	return &core.StructuredSummary{
		Bullets:          sj.Bullets,
		WhyItMatters:     sj.WhyItMatters,
		Tags:             sj.Tags,
		ProcessingMethod: core.ProcessingDirect,
		IsChunked:        false,
	}, nil
}

func (s *Summarizer) summarizeMapReduce(ctx context.Context, title, text string, totalTokens int) (*core.StructuredSummary, error) {
	chunks := chunkText(text, s.cfg.ChunkSize, s.cfg.MaxChunkSize, s.cfg.ChunkOverlap)
	if len(chunks) == 0 {
		return nil, fmt.Errorf("map-reduce summarize: no chunks produced")
	}

	miniSummaries := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		prefixed := chunk
		if i == 0 {
			prefixed = title + "\n\n" + chunk
		}
		prompt := fmt.Sprintf("Summarize this excerpt in 2-3 sentences, preserving specific facts and numbers:\n\n%s", prefixed)
		response, err := s.client.Complete(ctx, prompt, s.model, 0.3)
		if err != nil {
			return nil, fmt.Errorf("map chunk %d: %w", i, err)
		}
		miniSummaries = append(miniSummaries, strings.TrimSpace(response))
	}

	reducePrompt := buildSummaryPrompt(title, strings.Join(miniSummaries, "\n\n"))
	response, err := s.client.Complete(ctx, reducePrompt, s.model, 0.3)
	if err != nil {
		return nil, fmt.Errorf("reduce summarize: %w", err)
	}

	parsed, err := llm.ParseJSON(response)
	if err != nil {
		return nil, fmt.Errorf("parse reduced summary: %w", err)
	}
	var sj summaryJSON
	if err := json.Unmarshal(parsed.Raw, &sj); err != nil {
		return nil, fmt.Errorf("unmarshal reduced summary: %w", err)
	}

	return &core.StructuredSummary{
		Bullets:          sj.Bullets,
		WhyItMatters:     sj.WhyItMatters,
		Tags:             sj.Tags,
		ProcessingMethod: core.ProcessingMapReduce,
		IsChunked:        true,
		ChunkCount:       len(chunks),
		TotalTokens:      totalTokens,
	}, nil
}

func buildSummaryPrompt(title, text string) string {
	return fmt.Sprintf(`Summarize the following article as JSON with exactly these keys:
- "bullets": 3-5 concise bullet points capturing the essential information
- "why_it_matters": one or two sentences on why this matters
- "tags": 2-5 short topical tags

Respond with JSON only, no commentary.

Title: %s

Content:
%s`, title, text)
}

// estimateTokens is a rough whitespace-based token estimate, enough to
// decide between direct and map-reduce without a real tokenizer.
func estimateTokens(text string) int {
	return len(strings.Fields(text))
}

// chunkText splits text into overlapping chunks, preferring to break at a
// paragraph boundary, then a sentence end, then a word boundary — never
// mid-word.
func chunkText(text string, chunkSize, maxChunkSize, overlap int) []string {
	text = strings.TrimSpace(text)
	if len(text) <= maxChunkSize {
		return []string{text}
	}

	var chunks []string
	pos := 0
	for pos < len(text) {
		end := pos + chunkSize
		if end >= len(text) {
			chunks = append(chunks, strings.TrimSpace(text[pos:]))
			break
		}
		if end > len(text) {
			end = len(text)
		}

		boundary := findBoundary(text, pos, end, maxChunkSize)
		chunks = append(chunks, strings.TrimSpace(text[pos:boundary]))

		next := boundary - overlap
		for next > pos && next < len(text) && !unicode.IsSpace(rune(text[next-1])) && !unicode.IsSpace(rune(text[next])) {
			next--
		}
		if next <= pos {
			next = boundary
		}
		pos = next
	}
	return chunks
}

// findBoundary looks for a paragraph break, then a sentence end, then a
// word boundary, scanning backward from target toward min, never exceeding
// max (the hard per-chunk ceiling).
func findBoundary(text string, min, target, maxChunkSize int) int {
	max := min + maxChunkSize
	if max > len(text) {
		max = len(text)
	}
	if target > max {
		target = max
	}

	if idx := strings.LastIndex(text[min:target], "\n\n"); idx != -1 {
		return min + idx + 2
	}
	for i := target; i > min; i-- {
		if i < len(text) && (text[i-1] == '.' || text[i-1] == '!' || text[i-1] == '?') {
			if i == len(text) || unicode.IsSpace(rune(text[i])) {
				return i
			}
		}
	}
	for i := target; i > min; i-- {
		if unicode.IsSpace(rune(text[i-1])) {
			return i
		}
	}
	return target
}

// fallbackSummary builds the degraded summary used when every LLM attempt
// fails: the first two sentences of the article, or the title, or a fixed
// placeholder.
func fallbackSummary(title, text string) string {
	sentences := splitSentences(text)
	if len(sentences) > 0 {
		n := 2
		if len(sentences) < n {
			n = len(sentences)
		}
		return strings.TrimSpace(strings.Join(sentences[:n], " "))
	}
	if title != "" {
		return title
	}
	return "Summary unavailable."
}

func splitSentences(text string) []string {
	var sentences []string
	start := 0
	for i, r := range text {
		if r == '.' || r == '!' || r == '?' {
			sentence := strings.TrimSpace(text[start : i+1])
			if sentence != "" {
				sentences = append(sentences, sentence)
			}
			start = i + 1
		}
	}
	if start < len(text) {
		if rest := strings.TrimSpace(text[start:]); rest != "" {
			sentences = append(sentences, rest)
		}
	}
	return sentences
}
