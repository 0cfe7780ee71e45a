package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"newsbrief/internal/core"
	"newsbrief/internal/extract"
	"newsbrief/internal/store"
)

// enrichmentBatchSize caps how many pending articles one refresh enriches,
// so a large backlog doesn't stall the HTTP response indefinitely.
const enrichmentBatchSize = 40

// enrichmentPoolSize bounds concurrent enrichment workers, mirroring the
// feed fetcher's own worker pool.
const enrichmentPoolSize = 3

// enrichResult counts what happened during one enrichment pass, surfaced in
// the /refresh response's performance block.
type enrichResult struct {
	Attempted int
	Enriched  int
	Failed    int
}

// enrichPending runs the extract -> classify -> summarize -> entities chain
// (C3, C5, C6, C7) over articles still missing a topic or summary. Each
// article's failure is independent and does not abort the batch, per the
// bad-external-data error policy: record, degrade locally, continue.
func (s *Server) enrichPending(ctx context.Context) enrichResult {
	articles, err := s.store.ListArticlesPendingEnrichment(ctx, enrichmentBatchSize)
	if err != nil {
		s.log.Warn("list articles pending enrichment failed", "error", err.Error())
		return enrichResult{}
	}

	var result enrichResult
	result.Attempted = len(articles)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(enrichmentPoolSize)

	var enriched, failed int32
	for _, article := range articles {
		article := article
		g.Go(func() error {
			if err := s.enrichOne(gctx, article); err != nil {
				s.log.Warn("enrich article failed", "article_id", article.ID, "error", err.Error())
				failed++
				return nil
			}
			enriched++
			return nil
		})
	}
	_ = g.Wait()

	result.Enriched = int(enriched)
	result.Failed = int(failed)
	return result
}

// enrichOne fetches an article's HTML if not already extracted, then runs
// classification, summarisation, and entity extraction over whatever text is
// available. A missing extracted_text degrades to the raw feed summary
// rather than failing the whole article.
func (s *Server) enrichOne(ctx context.Context, article core.Article) error {
	text := article.ExtractedText
	if text == "" {
		if fetched, ok := s.fetchAndExtract(ctx, article.URL); ok {
			text = fetched
			if err := s.store.SetArticleExtractedText(ctx, article.ID, text); err != nil {
				return fmt.Errorf("set extracted text: %w", err)
			}
		} else {
			text = article.Summary
		}
	}

	if article.Topic == "" {
		result := s.classifier.Classify(ctx, article.Title, text)
		if err := s.store.SetArticleTopic(ctx, article.ID, result.Topic, result.Confidence); err != nil {
			return fmt.Errorf("set article topic: %w", err)
		}
	}

	if article.StructuredSummary == nil {
		structured, fallback, err := s.summarizer.Summarize(ctx, article.ID, store.ContentHash(text), article.Title, text)
		if err != nil {
			return fmt.Errorf("summarize: %w", err)
		}
		if err := s.store.SetArticleSummary(ctx, article.ID, structured, fallback); err != nil {
			return fmt.Errorf("set article summary: %w", err)
		}
	}

	if article.Entities == nil {
		entitySet, err := s.extractor.Extract(ctx, article.ID, article.Title, text)
		if err != nil {
			return fmt.Errorf("extract entities: %w", err)
		}
		if err := s.store.SetArticleEntities(ctx, article.ID, entitySet, "", time.Now().UTC()); err != nil {
			return fmt.Errorf("set article entities: %w", err)
		}
	}

	return nil
}

// fetchAndExtract fetches url and runs C3 over the body. ok is false on any
// failure, signalling the caller to fall back to the raw feed summary.
func (s *Server) fetchAndExtract(ctx context.Context, url string) (text string, ok bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", false
	}
	req.Header.Set("User-Agent", "newsbrief/1.0")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", false
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 5<<20))
	if err != nil {
		return "", false
	}

	result, err := extract.Extract(string(body))
	if err != nil {
		return "", false
	}
	return result.Text, true
}
