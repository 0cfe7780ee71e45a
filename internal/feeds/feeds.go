// Package feeds implements the feed fetcher (C4): polling subscribed feeds,
// parsing RSS/Atom, and inserting newly discovered articles into the store.
package feeds

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"newsbrief/internal/core"
	"newsbrief/internal/logger"
	"newsbrief/internal/store"
)

// RSS is the root element of an RSS 2.0 document.
type RSS struct {
	XMLName xml.Name `xml:"rss"`
	Channel Channel  `xml:"channel"`
}

// Atom is the root element of an Atom feed document.
type Atom struct {
	XMLName xml.Name    `xml:"feed"`
	Title   string      `xml:"title"`
	Entries []AtomEntry `xml:"entry"`
}

// Channel is an RSS channel.
type Channel struct {
	Title string    `xml:"title"`
	Items []RSSItem `xml:"item"`
}

// RSSItem is a single RSS item.
type RSSItem struct {
	Title       string `xml:"title"`
	Link        string `xml:"link"`
	Description string `xml:"description"`
	PubDate     string `xml:"pubDate"`
}

// AtomLink is an Atom link element.
type AtomLink struct {
	Href string `xml:"href,attr"`
	Rel  string `xml:"rel,attr"`
}

// AtomEntry is a single Atom entry.
type AtomEntry struct {
	Title     string     `xml:"title"`
	Link      []AtomLink `xml:"link"`
	Summary   string     `xml:"summary"`
	Published string     `xml:"published"`
}

// parsedItem is a feed entry normalised from either RSS or Atom.
type parsedItem struct {
	Title     string
	Link      string
	Summary   string
	Published *time.Time
}

// Config bounds one refresh cycle, per the caps named in the Concurrency &
// Resource Model.
type Config struct {
	MaxItemsPerRefresh int
	MaxItemsPerFeed    int
	MaxRefreshTime     time.Duration
	WorkerPoolSize     int
	FailureThreshold   int
}

// Fetcher polls every active feed and inserts newly discovered articles.
type Fetcher struct {
	store      *store.Store
	httpClient *http.Client
	cfg        Config
}

// NewFetcher builds a Fetcher against st using cfg's caps and concurrency.
func NewFetcher(st *store.Store, cfg Config) *Fetcher {
	return &Fetcher{
		store:      st,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		cfg:        cfg,
	}
}

// RefreshResult summarises one refresh cycle's outcome.
type RefreshResult struct {
	FeedsPolled    int
	ItemsInserted  int
	FeedsDisabled  int
}

// Refresh polls every active feed concurrently (bounded by WorkerPoolSize),
// respecting MaxRefreshTime for the whole cycle and MaxItemsPerFeed /
// MaxItemsPerRefresh as item caps. Each feed's own error is recorded against
// that feed and does not abort the cycle.
func (f *Fetcher) Refresh(ctx context.Context) (RefreshResult, error) {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.MaxRefreshTime)
	defer cancel()

	feedList, err := f.store.ListActiveFeeds(ctx)
	if err != nil {
		return RefreshResult{}, fmt.Errorf("list active feeds: %w", err)
	}

	var result RefreshResult
	var inserted atomic.Int32
	var disabled atomic.Int32

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(f.cfg.WorkerPoolSize)

	for _, feed := range feedList {
		feed := feed
		g.Go(func() error {
			if int(inserted.Load()) >= f.cfg.MaxItemsPerRefresh {
				return nil
			}
			_, wasDisabled, err := f.refreshOne(gCtx, feed, &inserted)
			if err != nil {
				logger.Warn("feed refresh failed", "feed_id", feed.ID, "url", feed.URL, "error", err.Error())
			}
			if wasDisabled {
				disabled.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	result.FeedsPolled = len(feedList)
	result.ItemsInserted = int(inserted.Load())
	result.FeedsDisabled = int(disabled.Load())
	return result, nil
}

// refreshOne fetches, parses, and inserts items for a single feed, bounded
// by MaxItemsPerFeed and the remaining refresh-cycle budget. refreshTotal is
// the cycle-wide count of inserted items shared by all workers.
func (f *Fetcher) refreshOne(ctx context.Context, feed core.Feed, refreshTotal *atomic.Int32) (itemsInserted int, disabled bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feed.URL, nil)
	if err != nil {
		return 0, false, fmt.Errorf("build request: %w", err)
	}
	if feed.LastModified != "" {
		req.Header.Set("If-Modified-Since", feed.LastModified)
	}
	if feed.ETag != "" {
		req.Header.Set("If-None-Match", feed.ETag)
	}
	req.Header.Set("User-Agent", "newsbrief/1.0")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		if recErr := f.store.RecordFeedError(ctx, feed.ID, err.Error(), f.cfg.FailureThreshold); recErr != nil {
			return 0, false, fmt.Errorf("fetch feed: %w (and record error: %v)", err, recErr)
		}
		return 0, feed.ConsecutiveFailures+1 >= f.cfg.FailureThreshold, fmt.Errorf("fetch feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		if err := f.store.RecordFeedCacheHit(ctx, feed.ID); err != nil {
			return 0, false, fmt.Errorf("record cache hit: %w", err)
		}
		return 0, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		msg := fmt.Sprintf("status %d", resp.StatusCode)
		if recErr := f.store.RecordFeedError(ctx, feed.ID, msg, f.cfg.FailureThreshold); recErr != nil {
			return 0, false, fmt.Errorf("feed returned %s (and record error: %v)", msg, recErr)
		}
		return 0, feed.ConsecutiveFailures+1 >= f.cfg.FailureThreshold, fmt.Errorf("feed returned %s", msg)
	}

	items, parseErr := parseFeedBody(resp)
	if parseErr != nil {
		if recErr := f.store.RecordFeedError(ctx, feed.ID, parseErr.Error(), f.cfg.FailureThreshold); recErr != nil {
			return 0, false, fmt.Errorf("parse feed: %w (and record error: %v)", parseErr, recErr)
		}
		return 0, feed.ConsecutiveFailures+1 >= f.cfg.FailureThreshold, fmt.Errorf("parse feed: %w", parseErr)
	}

	if len(items) > f.cfg.MaxItemsPerFeed {
		items = items[:f.cfg.MaxItemsPerFeed]
	}

	for _, item := range items {
		if item.Link == "" {
			continue
		}
		if int(refreshTotal.Add(1)) > f.cfg.MaxItemsPerRefresh {
			refreshTotal.Add(-1)
			break
		}
		_, wasInserted, insErr := f.store.InsertArticleIfAbsent(ctx, feed.ID, item.Link, item.Title,
			item.Published, item.Summary, sourceWeightFor(feed))
		if insErr != nil || !wasInserted {
			refreshTotal.Add(-1)
			continue
		}
		itemsInserted++
	}

	if err := f.store.UpdateFeedCacheValidators(ctx, feed.ID, resp.Header.Get("ETag"), resp.Header.Get("Last-Modified")); err != nil {
		return itemsInserted, false, fmt.Errorf("update cache validators: %w", err)
	}
	return itemsInserted, false, nil
}

// sourceWeightFor maps a feed's configured priority (1..5) to the
// source_weight value stored on each article inserted from that feed.
func sourceWeightFor(feed core.Feed) float64 {
	if feed.Priority <= 0 {
		return 0.6
	}
	return float64(feed.Priority) / 5.0
}

// parseFeedBody tries RSS first, then Atom, returning normalised items.
func parseFeedBody(resp *http.Response) ([]parsedItem, error) {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read feed body: %w", err)
	}

	var rss RSS
	if err := xml.NewDecoder(bytes.NewReader(raw)).Decode(&rss); err == nil && rss.Channel.Title != "" {
		return itemsFromRSS(rss), nil
	}

	var atom Atom
	if err := xml.NewDecoder(bytes.NewReader(raw)).Decode(&atom); err == nil && atom.Title != "" {
		return itemsFromAtom(atom), nil
	}

	return nil, fmt.Errorf("unable to parse as RSS or Atom feed")
}

func itemsFromRSS(rss RSS) []parsedItem {
	items := make([]parsedItem, 0, len(rss.Channel.Items))
	for _, item := range rss.Channel.Items {
		items = append(items, parsedItem{
			Title:     item.Title,
			Link:      item.Link,
			Summary:   item.Description,
			Published: parseRSSDate(item.PubDate),
		})
	}
	return items
}

func itemsFromAtom(atom Atom) []parsedItem {
	items := make([]parsedItem, 0, len(atom.Entries))
	for _, entry := range atom.Entries {
		var link string
		for _, l := range entry.Link {
			if l.Rel == "" || l.Rel == "alternate" {
				link = l.Href
				break
			}
		}
		items = append(items, parsedItem{
			Title:     entry.Title,
			Link:      link,
			Summary:   entry.Summary,
			Published: parseAtomDate(entry.Published),
		})
	}
	return items
}

var rssDateFormats = []string{
	time.RFC1123,
	time.RFC1123Z,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 MST",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04:05Z",
	"2006-01-02 15:04:05",
}

func parseRSSDate(dateStr string) *time.Time {
	if dateStr == "" {
		return nil
	}
	for _, format := range rssDateFormats {
		if t, err := time.Parse(format, strings.TrimSpace(dateStr)); err == nil {
			utc := t.UTC()
			return &utc
		}
	}
	return nil
}

func parseAtomDate(dateStr string) *time.Time {
	if dateStr == "" {
		return nil
	}
	if t, err := time.Parse(time.RFC3339, strings.TrimSpace(dateStr)); err == nil {
		utc := t.UTC()
		return &utc
	}
	return parseRSSDate(dateStr)
}
