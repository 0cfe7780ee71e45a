// Package store is the durable, transactional home for every persisted
// record in the system: feeds, articles, stories, story-article links, and
// scheduled-job state. It is the only component that touches SQL; every
// other component operates on core value types and submits mutations through
// the typed methods here.
//
// Datetime storage contract: every timestamp is serialised as ISO-8601
// without a timezone suffix (UTC-naive), so that textual range comparisons
// in WHERE clauses are correct. Callers must normalise to UTC before calling
// any method that binds a time.Time; toDBTime enforces this at the boundary.
package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"newsbrief/internal/core"

	_ "github.com/mattn/go-sqlite3"
)

// Sentinel errors surfaced across the store boundary, per the error taxonomy:
// unique-key conflicts never panic, they return AlreadyExists; connectivity
// failures return StoreUnavailable for the caller to retry.
var (
	ErrAlreadyExists   = errors.New("store: already exists")
	ErrNotFound        = errors.New("store: not found")
	ErrStoreUnavailable = errors.New("store: unavailable")
)

const dbTimeLayout = "2006-01-02T15:04:05"

// toDBTime normalises t to UTC and formats it without a timezone suffix.
func toDBTime(t time.Time) string {
	return t.UTC().Format(dbTimeLayout)
}

// fromDBTime parses a UTC-naive timestamp back into a time.Time tagged UTC.
func fromDBTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(dbTimeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// ContentHash returns the SHA-256 hex digest of extracted article text, used
// to key the summary cache and to satisfy the content_hash invariant.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Store is the SQLite-backed durable store (C1).
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path, ensuring its parent directory
// exists, and creates every table if absent.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite: %v", ErrStoreUnavailable, err)
	}
	db.SetMaxOpenConns(1) // single-writer model; snapshot reads share the connection

	s := &Store{db: db}
	if err := s.initialize(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

// Ping verifies the underlying database connection is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initialize() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS feeds (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			url TEXT UNIQUE NOT NULL,
			name TEXT,
			category TEXT,
			priority INTEGER DEFAULT 3,
			disabled BOOLEAN DEFAULT FALSE,
			etag TEXT,
			last_modified TEXT,
			health_score REAL DEFAULT 100,
			fetch_count INTEGER DEFAULT 0,
			success_count INTEGER DEFAULT 0,
			consecutive_failures INTEGER DEFAULT 0,
			last_error TEXT,
			last_fetched_at TEXT,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS articles (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			feed_id INTEGER NOT NULL REFERENCES feeds(id),
			url TEXT NOT NULL,
			title TEXT,
			published TEXT,
			summary TEXT,
			extracted_text TEXT,
			content_hash TEXT,
			topic TEXT,
			topic_confidence REAL DEFAULT 0,
			source_weight REAL DEFAULT 0,
			ranking_score REAL DEFAULT 0,
			entities_json TEXT,
			entities_model TEXT,
			entities_at TEXT,
			summary_json TEXT,
			summary_model TEXT,
			fallback_summary TEXT,
			created_at TEXT NOT NULL,
			UNIQUE(url, content_hash)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_articles_published ON articles(published);`,
		`CREATE INDEX IF NOT EXISTS idx_articles_content_hash_model ON articles(content_hash, summary_model);`,
		`CREATE TABLE IF NOT EXISTS stories (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			title TEXT NOT NULL,
			synthesis TEXT,
			key_points_json TEXT,
			why_it_matters TEXT,
			topics_json TEXT,
			entities_json TEXT,
			importance_score REAL DEFAULT 0,
			freshness_score REAL DEFAULT 0,
			quality_score REAL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'active',
			generated_at TEXT NOT NULL,
			model TEXT,
			cluster_hash TEXT NOT NULL,
			title_source TEXT,
			parse_strategy TEXT
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_stories_active_cluster_hash
			ON stories(cluster_hash) WHERE status = 'active';`,
		`CREATE TABLE IF NOT EXISTS story_articles (
			story_id INTEGER NOT NULL REFERENCES stories(id),
			article_id INTEGER NOT NULL REFERENCES articles(id),
			primary_article BOOLEAN DEFAULT FALSE,
			relevance REAL DEFAULT 0,
			PRIMARY KEY (story_id, article_id)
		);`,
		`CREATE TABLE IF NOT EXISTS scheduled_jobs (
			job_id TEXT PRIMARY KEY,
			last_started_at TEXT,
			last_finished_at TEXT,
			last_status TEXT,
			next_run_at TEXT
		);`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}
	return nil
}

// withTx runs fn inside a transaction, committing on success and rolling back
// on any error or panic, so a scoped transaction always releases.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", ErrStoreUnavailable, err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()
	return fn(tx)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// UpsertFeed inserts a feed or returns the existing feed_id if url is already
// known.
func (s *Store) UpsertFeed(ctx context.Context, url, name, category string, priority int) (int64, error) {
	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT id FROM feeds WHERE url = ?`, url)
		if scanErr := row.Scan(&id); scanErr == nil {
			return nil
		} else if scanErr != sql.ErrNoRows {
			return scanErr
		}
		res, insErr := tx.ExecContext(ctx,
			`INSERT INTO feeds (url, name, category, priority, created_at) VALUES (?, ?, ?, ?, ?)`,
			url, name, category, priority, toDBTime(time.Now()))
		if insErr != nil {
			return insErr
		}
		id, insErr = res.LastInsertId()
		return insErr
	})
	if err != nil {
		return 0, fmt.Errorf("upsert feed: %w", err)
	}
	return id, nil
}

const feedSelectColumns = `
	SELECT id, url, name, category, priority, disabled, etag, last_modified,
	       health_score, fetch_count, success_count, consecutive_failures,
	       last_error, last_fetched_at, created_at
	FROM feeds`

func scanFeed(rows *sql.Rows) (*core.Feed, error) {
	var f core.Feed
	var category, lastModified, lastError, lastFetchedAt, createdAt sql.NullString
	if err := rows.Scan(&f.ID, &f.URL, &f.Name, &category, &f.Priority, &f.Disabled,
		&f.ETag, &lastModified, &f.HealthScore, &f.FetchCount, &f.SuccessCount,
		&f.ConsecutiveFailures, &lastError, &lastFetchedAt, &createdAt); err != nil {
		return nil, fmt.Errorf("scan feed: %w", err)
	}
	f.Category = category.String
	f.LastModified = lastModified.String
	f.LastError = lastError.String
	if lastFetchedAt.Valid {
		if t, perr := fromDBTime(lastFetchedAt.String); perr == nil {
			f.LastFetchedAt = t
		}
	}
	if createdAt.Valid {
		if t, perr := fromDBTime(createdAt.String); perr == nil {
			f.CreatedAt = t
		}
	}
	return &f, nil
}

// ListActiveFeeds returns enabled feeds ordered by priority desc then time
// since last fetch desc, the fairness order C4 polls in.
func (s *Store) ListActiveFeeds(ctx context.Context) ([]core.Feed, error) {
	rows, err := s.db.QueryContext(ctx, feedSelectColumns+`
		WHERE disabled = FALSE
		ORDER BY priority DESC, COALESCE(last_fetched_at, '') ASC`)
	if err != nil {
		return nil, fmt.Errorf("list active feeds: %w", err)
	}
	defer rows.Close()

	var feeds []core.Feed
	for rows.Next() {
		f, err := scanFeed(rows)
		if err != nil {
			return nil, err
		}
		feeds = append(feeds, *f)
	}
	return feeds, rows.Err()
}

// ListAllFeeds returns every subscribed feed, enabled or not, ordered by
// creation time, for feed-management tooling.
func (s *Store) ListAllFeeds(ctx context.Context) ([]core.Feed, error) {
	rows, err := s.db.QueryContext(ctx, feedSelectColumns+` ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list all feeds: %w", err)
	}
	defer rows.Close()

	var feeds []core.Feed
	for rows.Next() {
		f, err := scanFeed(rows)
		if err != nil {
			return nil, err
		}
		feeds = append(feeds, *f)
	}
	return feeds, rows.Err()
}

// SetFeedDisabled enables or disables a feed, used by feed-management
// tooling independent of the auto-disable path in RecordFeedError.
func (s *Store) SetFeedDisabled(ctx context.Context, feedID int64, disabled bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE feeds SET disabled = ? WHERE id = ?`, disabled, feedID)
	if err != nil {
		return fmt.Errorf("set feed disabled: %w", err)
	}
	return nil
}

// UpdateFeedCacheValidators records the conditional-GET validators and
// success bookkeeping after a non-304 fetch.
func (s *Store) UpdateFeedCacheValidators(ctx context.Context, feedID int64, etag, lastModified string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE feeds SET etag = ?, last_modified = ?, last_fetched_at = ?,
			fetch_count = fetch_count + 1, success_count = success_count + 1,
			consecutive_failures = 0, last_error = NULL
		WHERE id = ?`, etag, lastModified, toDBTime(time.Now()), feedID)
	if err != nil {
		return fmt.Errorf("update feed validators: %w", err)
	}
	return nil
}

// RecordFeedCacheHit bumps fetch bookkeeping on a 304 Not Modified without
// touching the validators.
func (s *Store) RecordFeedCacheHit(ctx context.Context, feedID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE feeds SET fetch_count = fetch_count + 1, success_count = success_count + 1,
			consecutive_failures = 0, last_fetched_at = ? WHERE id = ?`,
		toDBTime(time.Now()), feedID)
	if err != nil {
		return fmt.Errorf("record feed cache hit: %w", err)
	}
	return nil
}

// RecordFeedError increments consecutive_failures and stores last_error;
// when the count reaches threshold the feed is auto-disabled.
func (s *Store) RecordFeedError(ctx context.Context, feedID int64, errMsg string, threshold int) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE feeds SET fetch_count = fetch_count + 1, consecutive_failures = consecutive_failures + 1,
				last_error = ?, last_fetched_at = ? WHERE id = ?`,
			errMsg, toDBTime(time.Now()), feedID); err != nil {
			return err
		}
		var failures int
		if err := tx.QueryRowContext(ctx, `SELECT consecutive_failures FROM feeds WHERE id = ?`, feedID).Scan(&failures); err != nil {
			return err
		}
		if failures >= threshold {
			if _, err := tx.ExecContext(ctx, `UPDATE feeds SET disabled = TRUE WHERE id = ?`, feedID); err != nil {
				return err
			}
		}
		return nil
	})
}

// InsertArticleIfAbsent inserts a new article deduplicated by url, returning
// the existing id and inserted=false if one is already present.
func (s *Store) InsertArticleIfAbsent(ctx context.Context, feedID int64, url, title string, published *time.Time, summary string, sourceWeight float64) (id int64, inserted bool, err error) {
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT id FROM articles WHERE url = ?`, url)
		scanErr := row.Scan(&id)
		if scanErr == nil {
			inserted = false
			return nil
		}
		if scanErr != sql.ErrNoRows {
			return scanErr
		}

		var publishedStr any
		if published != nil {
			publishedStr = toDBTime(*published)
		}
		res, insErr := tx.ExecContext(ctx, `
			INSERT INTO articles (feed_id, url, title, published, summary, source_weight, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			feedID, url, title, publishedStr, summary, sourceWeight, toDBTime(time.Now()))
		if insErr != nil {
			if isUniqueViolation(insErr) {
				return ErrAlreadyExists
			}
			return insErr
		}
		id, insErr = res.LastInsertId()
		inserted = true
		return insErr
	})
	if err != nil {
		return 0, false, fmt.Errorf("insert article if absent: %w", err)
	}
	return id, inserted, nil
}

// GetArticle loads a single article by id.
func (s *Store) GetArticle(ctx context.Context, id int64) (*core.Article, error) {
	row := s.db.QueryRowContext(ctx, articleSelectColumns+` WHERE id = ?`, id)
	a, err := scanArticle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get article: %w", err)
	}
	return a, nil
}

const articleSelectColumns = `
	SELECT id, feed_id, url, title, published, summary, extracted_text, content_hash,
	       topic, topic_confidence, source_weight, ranking_score,
	       entities_json, entities_model, entities_at, summary_json, summary_model,
	       fallback_summary, created_at
	FROM articles`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanArticle(row rowScanner) (*core.Article, error) {
	var a core.Article
	var published, extractedText, contentHash, topic, entitiesJSON, entitiesModel, entitiesAt,
		summaryJSON, summaryModel, fallbackSummary, createdAt sql.NullString
	if err := row.Scan(&a.ID, &a.FeedID, &a.URL, &a.Title, &published, &a.Summary, &extractedText,
		&contentHash, &topic, &a.TopicConfidence, &a.SourceWeight, &a.RankingScore,
		&entitiesJSON, &entitiesModel, &entitiesAt, &summaryJSON, &summaryModel,
		&fallbackSummary, &createdAt); err != nil {
		return nil, err
	}
	a.ExtractedText = extractedText.String
	a.ContentHash = contentHash.String
	a.Topic = core.Topic(topic.String)
	a.EntitiesModel = entitiesModel.String
	a.FallbackSummary = fallbackSummary.String

	if published.Valid {
		if t, err := fromDBTime(published.String); err == nil && !t.IsZero() {
			a.Published = &t
		}
	}
	if createdAt.Valid {
		if t, err := fromDBTime(createdAt.String); err == nil {
			a.CreatedAt = t
		}
	}
	if entitiesAt.Valid {
		if t, err := fromDBTime(entitiesAt.String); err == nil && !t.IsZero() {
			a.EntitiesAt = &t
		}
	}
	if entitiesJSON.Valid && entitiesJSON.String != "" {
		var es core.EntitySet
		if err := unmarshalJSON(entitiesJSON.String, &es); err == nil {
			a.Entities = &es
		}
	}
	if summaryJSON.Valid && summaryJSON.String != "" {
		var ss core.StructuredSummary
		if err := unmarshalJSON(summaryJSON.String, &ss); err == nil {
			ss.Model = summaryModel.String
			a.StructuredSummary = &ss
		}
	}
	return &a, nil
}

// ListArticles returns articles matching filter.
func (s *Store) ListArticles(ctx context.Context, filter core.ArticleFilter) ([]core.Article, error) {
	query := `
	SELECT DISTINCT a.id, a.feed_id, a.url, a.title, a.published, a.summary, a.extracted_text,
	       a.content_hash, a.topic, a.topic_confidence, a.source_weight, a.ranking_score,
	       a.entities_json, a.entities_model, a.entities_at, a.summary_json, a.summary_model,
	       a.fallback_summary, a.created_at
	FROM articles a`
	var joins []string
	var conds []string
	var args []any

	if filter.StoryID != 0 {
		joins = append(joins, `JOIN story_articles sa ON sa.article_id = a.id`)
		conds = append(conds, `sa.story_id = ?`)
		args = append(args, filter.StoryID)
	}
	if filter.Topic != "" {
		conds = append(conds, `a.topic = ?`)
		args = append(args, string(filter.Topic))
	}
	if filter.FeedID != 0 {
		conds = append(conds, `a.feed_id = ?`)
		args = append(args, filter.FeedID)
	}
	if filter.PublishedAfter != nil {
		conds = append(conds, `a.published >= ?`)
		args = append(args, toDBTime(*filter.PublishedAfter))
	}
	if filter.PublishedBefore != nil {
		conds = append(conds, `a.published <= ?`)
		args = append(args, toDBTime(*filter.PublishedBefore))
	}
	if filter.HasStory != nil {
		if *filter.HasStory {
			conds = append(conds, `EXISTS (SELECT 1 FROM story_articles sa2 WHERE sa2.article_id = a.id)`)
		} else {
			conds = append(conds, `NOT EXISTS (SELECT 1 FROM story_articles sa2 WHERE sa2.article_id = a.id)`)
		}
	}

	for _, j := range joins {
		query += " " + j
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY a.published DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list articles: %w", err)
	}
	defer rows.Close()

	var out []core.Article
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, fmt.Errorf("scan article: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// ListArticlesPendingEnrichment returns the oldest articles still missing a
// topic or a structured summary, for the enrichment pass triggered alongside
// a refresh. Ordered oldest-first so a capped batch makes steady progress
// across repeated calls.
func (s *Store) ListArticlesPendingEnrichment(ctx context.Context, limit int) ([]core.Article, error) {
	query := articleSelectColumns + ` WHERE topic = '' OR topic IS NULL OR summary_json IS NULL OR summary_json = '' ORDER BY id ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list articles pending enrichment: %w", err)
	}
	defer rows.Close()

	var out []core.Article
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, fmt.Errorf("scan article: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// SetArticleSummary writes a structured summary (or, if structured is nil, a
// degraded fallback string) to the article.
func (s *Store) SetArticleSummary(ctx context.Context, articleID int64, structured *core.StructuredSummary, fallback string) error {
	var summaryJSON, model any
	if structured != nil {
		b, err := marshalJSON(structured)
		if err != nil {
			return fmt.Errorf("marshal structured summary: %w", err)
		}
		summaryJSON = b
		model = structured.Model
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE articles SET summary_json = ?, summary_model = ?, fallback_summary = ?,
			content_hash = COALESCE(content_hash, content_hash) WHERE id = ?`,
		summaryJSON, model, fallback, articleID)
	if err != nil {
		return fmt.Errorf("set article summary: %w", err)
	}
	return nil
}

// SetArticleExtractedText stores C3's output along with its content hash.
func (s *Store) SetArticleExtractedText(ctx context.Context, articleID int64, text string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE articles SET extracted_text = ?, content_hash = ? WHERE id = ?`,
		text, ContentHash(text), articleID)
	if err != nil {
		return fmt.Errorf("set article extracted text: %w", err)
	}
	return nil
}

// SetArticleEntities persists an EntitySet for an article keyed by model.
func (s *Store) SetArticleEntities(ctx context.Context, articleID int64, entities core.EntitySet, model string, generatedAt time.Time) error {
	b, err := marshalJSON(entities)
	if err != nil {
		return fmt.Errorf("marshal entities: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE articles SET entities_json = ?, entities_model = ?, entities_at = ? WHERE id = ?`,
		b, model, toDBTime(generatedAt), articleID)
	if err != nil {
		return fmt.Errorf("set article entities: %w", err)
	}
	return nil
}

// SetArticleTopic records the classifier's assignment.
func (s *Store) SetArticleTopic(ctx context.Context, articleID int64, topic core.Topic, confidence float64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE articles SET topic = ?, topic_confidence = ? WHERE id = ?`,
		string(topic), confidence, articleID)
	if err != nil {
		return fmt.Errorf("set article topic: %w", err)
	}
	return nil
}

// GetCachedSummary returns the summary cached under (content_hash, model), if
// present, satisfying the O(1) indexed cache-lookup contract.
func (s *Store) GetCachedSummary(ctx context.Context, contentHash, model string) (*core.StructuredSummary, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT summary_json FROM articles WHERE content_hash = ? AND summary_model = ? AND summary_json IS NOT NULL LIMIT 1`,
		contentHash, model)
	var summaryJSON string
	if err := row.Scan(&summaryJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get cached summary: %w", err)
	}
	var ss core.StructuredSummary
	if err := unmarshalJSON(summaryJSON, &ss); err != nil {
		return nil, false, fmt.Errorf("unmarshal cached summary: %w", err)
	}
	ss.Model = model
	return &ss, true, nil
}

// GetCachedEntities returns the EntitySet cached under (article_id, model).
func (s *Store) GetCachedEntities(ctx context.Context, articleID int64, model string) (*core.EntitySet, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT entities_json FROM articles WHERE id = ? AND entities_model = ? AND entities_json IS NOT NULL`,
		articleID, model)
	var entitiesJSON string
	if err := row.Scan(&entitiesJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get cached entities: %w", err)
	}
	var es core.EntitySet
	if err := unmarshalJSON(entitiesJSON, &es); err != nil {
		return nil, false, fmt.Errorf("unmarshal cached entities: %w", err)
	}
	return &es, true, nil
}

// CreateStory inserts a new active Story, rejecting with ErrAlreadyExists if
// an active story already owns the same cluster_hash.
func (s *Store) CreateStory(ctx context.Context, story core.Story) (int64, error) {
	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		keyPoints, err := marshalJSON(story.KeyPoints)
		if err != nil {
			return err
		}
		topics, err := marshalJSON(story.Topics)
		if err != nil {
			return err
		}
		entities, err := marshalJSON(story.Entities)
		if err != nil {
			return err
		}
		res, insErr := tx.ExecContext(ctx, `
			INSERT INTO stories (title, synthesis, key_points_json, why_it_matters, topics_json,
				entities_json, importance_score, freshness_score, quality_score, status,
				generated_at, model, cluster_hash, title_source, parse_strategy)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			story.Title, story.Synthesis, keyPoints, story.WhyItMatters, topics, entities,
			story.ImportanceScore, story.FreshnessScore, story.QualityScore, string(core.StoryActive),
			toDBTime(story.GeneratedAt), story.Model, story.ClusterHash, string(story.TitleSource),
			string(story.ParseStrategy))
		if insErr != nil {
			if isUniqueViolation(insErr) {
				return ErrAlreadyExists
			}
			return insErr
		}
		id, insErr = res.LastInsertId()
		return insErr
	})
	if err != nil {
		return 0, fmt.Errorf("create story: %w", err)
	}
	return id, nil
}

// LinkArticleToStory records the m:n join row for a story's member article.
func (s *Store) LinkArticleToStory(ctx context.Context, storyID, articleID int64, primary bool, relevance float64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO story_articles (story_id, article_id, primary_article, relevance) VALUES (?, ?, ?, ?)`,
		storyID, articleID, primary, relevance)
	if err != nil {
		return fmt.Errorf("link article to story: %w", err)
	}
	return nil
}

// ListActiveStoryClusterHashes returns the set of cluster hashes already
// claimed by an active story generated since `since`, for duplicate
// suppression.
func (s *Store) ListActiveStoryClusterHashes(ctx context.Context, since time.Time) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT cluster_hash FROM stories WHERE status = 'active' AND generated_at >= ?`,
		toDBTime(since))
	if err != nil {
		return nil, fmt.Errorf("list active cluster hashes: %w", err)
	}
	defer rows.Close()

	hashes := make(map[string]bool)
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("scan cluster hash: %w", err)
		}
		hashes[h] = true
	}
	return hashes, rows.Err()
}

// ArchiveStoriesOlderThan transitions active stories generated more than
// `days` ago to archived, returning the count archived.
func (s *Store) ArchiveStoriesOlderThan(ctx context.Context, days int) (int, error) {
	cutoff := toDBTime(time.Now().AddDate(0, 0, -days))
	res, err := s.db.ExecContext(ctx,
		`UPDATE stories SET status = ? WHERE status = 'active' AND generated_at < ?`,
		string(core.StoryArchived), cutoff)
	if err != nil {
		return 0, fmt.Errorf("archive stories: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// RecordJob upserts the last-run state for a named job.
func (s *Store) RecordJob(ctx context.Context, name core.JobName, start, end *time.Time, status core.JobStatus, next *time.Time) error {
	var startStr, endStr, nextStr, statusStr any
	if start != nil {
		startStr = toDBTime(*start)
	}
	if end != nil {
		endStr = toDBTime(*end)
	}
	if next != nil {
		nextStr = toDBTime(*next)
	}
	if status != "" {
		statusStr = string(status)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_jobs (job_id, last_started_at, last_finished_at, last_status, next_run_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			last_started_at = COALESCE(excluded.last_started_at, scheduled_jobs.last_started_at),
			last_finished_at = COALESCE(excluded.last_finished_at, scheduled_jobs.last_finished_at),
			last_status = COALESCE(excluded.last_status, scheduled_jobs.last_status),
			next_run_at = COALESCE(excluded.next_run_at, scheduled_jobs.next_run_at)`,
		string(name), startStr, endStr, statusStr, nextStr)
	if err != nil {
		return fmt.Errorf("record job: %w", err)
	}
	return nil
}

// GetJob returns the persisted state for a named job, or a zero-value record
// if it has never run.
func (s *Store) GetJob(ctx context.Context, name core.JobName) (core.ScheduledJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT last_started_at, last_finished_at, last_status, next_run_at FROM scheduled_jobs WHERE job_id = ?`,
		string(name))
	var started, finished, status, next sql.NullString
	job := core.ScheduledJob{JobID: name}
	if err := row.Scan(&started, &finished, &status, &next); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return job, nil
		}
		return job, fmt.Errorf("get job: %w", err)
	}
	if started.Valid {
		if t, err := fromDBTime(started.String); err == nil {
			job.LastStartedAt = &t
		}
	}
	if finished.Valid {
		if t, err := fromDBTime(finished.String); err == nil {
			job.LastFinishedAt = &t
		}
	}
	if status.Valid {
		job.LastStatus = core.JobStatus(status.String)
	}
	if next.Valid {
		if t, err := fromDBTime(next.String); err == nil {
			job.NextRunAt = &t
		}
	}
	return job, nil
}

// GetStory loads a single story by id.
func (s *Store) GetStory(ctx context.Context, id int64) (*core.Story, error) {
	row := s.db.QueryRowContext(ctx, storySelectColumns+` WHERE id = ?`, id)
	st, err := scanStory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get story: %w", err)
	}
	return st, nil
}

const storySelectColumns = `
	SELECT id, title, synthesis, key_points_json, why_it_matters, topics_json, entities_json,
	       importance_score, freshness_score, quality_score, status, generated_at, model,
	       cluster_hash, title_source, parse_strategy
	FROM stories`

func scanStory(row rowScanner) (*core.Story, error) {
	var st core.Story
	var keyPoints, topics, entities, model, generatedAt, titleSource, parseStrategy sql.NullString
	var status string
	if err := row.Scan(&st.ID, &st.Title, &st.Synthesis, &keyPoints, &st.WhyItMatters, &topics,
		&entities, &st.ImportanceScore, &st.FreshnessScore, &st.QualityScore, &status,
		&generatedAt, &model, &st.ClusterHash, &titleSource, &parseStrategy); err != nil {
		return nil, err
	}
	st.Status = core.StoryStatus(status)
	st.Model = model.String
	st.TitleSource = core.TitleSource(titleSource.String)
	st.ParseStrategy = core.ParseStrategy(parseStrategy.String)
	if generatedAt.Valid {
		if t, err := fromDBTime(generatedAt.String); err == nil {
			st.GeneratedAt = t
		}
	}
	_ = unmarshalJSON(keyPoints.String, &st.KeyPoints)
	_ = unmarshalJSON(topics.String, &st.Topics)
	_ = unmarshalJSON(entities.String, &st.Entities)
	return &st, nil
}

// ListStories lists stories ordered by quality desc, optionally filtered by
// status/topic, with limit/offset.
func (s *Store) ListStories(ctx context.Context, status core.StoryStatus, topic core.Topic, limit, offset int) ([]core.Story, error) {
	query := storySelectColumns + ` WHERE 1=1`
	var args []any
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	if topic != "" {
		query += ` AND topics_json LIKE ?`
		args = append(args, "%\""+string(topic)+"\"%")
	}
	query += ` ORDER BY quality_score DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list stories: %w", err)
	}
	defer rows.Close()

	var out []core.Story
	for rows.Next() {
		st, err := scanStory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan story: %w", err)
		}
		// article_count is derived, not stored, to keep the invariant
		// article_count = |story_articles(story_id)| trivially true.
		count, cerr := s.countStoryArticles(ctx, st.ID)
		if cerr == nil {
			st.ArticleCount = count
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

func (s *Store) countStoryArticles(ctx context.Context, storyID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM story_articles WHERE story_id = ?`, storyID).Scan(&n)
	return n, err
}

// ListStoryArticleIDs returns the article ids linked to a story, ordered
// (primary DESC, relevance DESC).
func (s *Store) ListStoryArticleIDs(ctx context.Context, storyID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT article_id FROM story_articles WHERE story_id = ? ORDER BY primary_article DESC, relevance DESC`,
		storyID)
	if err != nil {
		return nil, fmt.Errorf("list story article ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
