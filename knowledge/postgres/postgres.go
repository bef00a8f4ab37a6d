// Package postgres implements termpilot.KnowledgeStore using PostgreSQL
// with tsvector full-text search, for deployments where multiple agent
// hosts share one knowledge base.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/text/unicode/norm"

	"github.com/evanharso/termpilot"
)

// StoreOption configures a PostgreSQL Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements termpilot.KnowledgeStore backed by PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ termpilot.KnowledgeStore = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool, opts ...StoreOption) *Store {
	s := &Store{pool: pool, logger: slog.New(slog.DiscardHandler)}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init creates all required tables and indexes.
// Safe to call multiple times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			search tsvector GENERATED ALWAYS AS (
				to_tsvector('simple', title || ' ' || content)
			) STORED
		)`,
		`CREATE TABLE IF NOT EXISTS host_memories (
			id TEXT PRIMARY KEY,
			host_id TEXT NOT NULL,
			content TEXT NOT NULL,
			tags JSONB,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			search tsvector GENERATED ALWAYS AS (
				to_tsvector('simple', content)
			) STORED
		)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_search ON documents USING GIN (search)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_search ON host_memories USING GIN (search)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_host ON host_memories (host_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init: %w", err)
		}
	}
	s.logger.Info("postgres: knowledge init completed")
	return nil
}

// IsEnabled reports whether the store is usable.
func (s *Store) IsEnabled() bool { return s.pool != nil }

// AddDocument stores a document and returns its id.
func (s *Store) AddDocument(ctx context.Context, title, source, content string) (string, error) {
	id := termpilot.NewID()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO documents (id, title, source, content, created_at) VALUES ($1, $2, $3, $4, $5)`,
		id, title, source, content, time.Now().Unix(),
	)
	if err != nil {
		return "", fmt.Errorf("insert document: %w", err)
	}
	s.logger.Debug("postgres: add document ok", "id", id, "title", title)
	return id, nil
}

// GetDocuments lists stored documents, newest first, without content.
func (s *Store) GetDocuments(ctx context.Context) ([]termpilot.KnowledgeDoc, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, title, source, created_at FROM documents ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []termpilot.KnowledgeDoc
	for rows.Next() {
		var d termpilot.KnowledgeDoc
		if err := rows.Scan(&d.ID, &d.Title, &d.Source, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// GetDocument fetches one document with content.
func (s *Store) GetDocument(ctx context.Context, id string) (termpilot.KnowledgeDoc, error) {
	var d termpilot.KnowledgeDoc
	err := s.pool.QueryRow(ctx,
		`SELECT id, title, source, content, created_at FROM documents WHERE id = $1`, id,
	).Scan(&d.ID, &d.Title, &d.Source, &d.Content, &d.CreatedAt)
	if err == pgx.ErrNoRows {
		return termpilot.KnowledgeDoc{}, fmt.Errorf("document not found: %s", id)
	}
	if err != nil {
		return termpilot.KnowledgeDoc{}, fmt.Errorf("get document: %w", err)
	}
	return d, nil
}

// Search performs tsvector full-text search over documents and host
// memories, merged and sorted by relevance.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]termpilot.KnowledgeHit, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}

	var hits []termpilot.KnowledgeHit

	rows, err := s.pool.Query(ctx,
		`SELECT id, title,
			ts_headline('simple', content, plainto_tsquery('simple', $1), 'MaxFragments=1, MaxWords=24'),
			ts_rank(search, plainto_tsquery('simple', $1))
		 FROM documents
		 WHERE search @@ plainto_tsquery('simple', $1)
		 ORDER BY 4 DESC LIMIT $2`,
		query, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("search documents: %w", err)
	}
	for rows.Next() {
		var h termpilot.KnowledgeHit
		if err := rows.Scan(&h.DocID, &h.Title, &h.Snippet, &h.Score); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan hit: %w", err)
		}
		hits = append(hits, h)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate hits: %w", err)
	}

	rows, err = s.pool.Query(ctx,
		`SELECT id,
			ts_headline('simple', content, plainto_tsquery('simple', $1), 'MaxFragments=1, MaxWords=24'),
			ts_rank(search, plainto_tsquery('simple', $1))
		 FROM host_memories
		 WHERE search @@ plainto_tsquery('simple', $1)
		 ORDER BY 3 DESC LIMIT $2`,
		query, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("search memories: %w", err)
	}
	for rows.Next() {
		var h termpilot.KnowledgeHit
		if err := rows.Scan(&h.DocID, &h.Snippet, &h.Score); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan memory hit: %w", err)
		}
		h.Title = "memory"
		hits = append(hits, h)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memory hits: %w", err)
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// BuildContext returns knowledge snippets relevant to query: top document
// hits plus host memories when hostID is set.
func (s *Store) BuildContext(ctx context.Context, query, hostID string) ([]string, error) {
	var out []string

	hits, err := s.Search(ctx, query, 3)
	if err != nil {
		return nil, err
	}
	for _, h := range hits {
		out = append(out, fmt.Sprintf("[%s] %s", h.Title, h.Snippet))
	}

	if hostID != "" {
		memories, err := s.GetHostMemoriesForPrompt(ctx, hostID, query, 5)
		if err != nil {
			return nil, err
		}
		out = append(out, memories...)
	}
	return out, nil
}

// GetHostMemoriesForPrompt returns up to limit memory lines for the
// system prompt. When query is non-empty, keyword-matching memories rank
// ahead of recency.
func (s *Store) GetHostMemoriesForPrompt(ctx context.Context, hostID, query string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 5
	}
	query = strings.TrimSpace(query)

	var rows pgx.Rows
	var err error
	if query != "" {
		rows, err = s.pool.Query(ctx,
			`SELECT content, tags FROM host_memories
			 WHERE host_id = $1
			 ORDER BY (search @@ plainto_tsquery('simple', $2)) DESC,
				ts_rank(search, plainto_tsquery('simple', $2)) DESC,
				updated_at DESC
			 LIMIT $3`,
			hostID, query, limit,
		)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT content, tags FROM host_memories
			 WHERE host_id = $1
			 ORDER BY updated_at DESC LIMIT $2`,
			hostID, limit,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("get host memories: %w", err)
	}
	defer rows.Close()

	var lines []string
	for rows.Next() {
		var content string
		var tagsJSON []byte
		if err := rows.Scan(&content, &tagsJSON); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		line := "- " + content
		if len(tagsJSON) > 0 {
			var tags []string
			if json.Unmarshal(tagsJSON, &tags) == nil && len(tags) > 0 {
				line += " (" + strings.Join(tags, ", ") + ")"
			}
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

// AddMemory stores a host-scoped memory with the same dedup contract as
// the sqlite store: exact or contained content is skipped, an extended
// version replaces, and heavy token overlap merges.
func (s *Store) AddMemory(ctx context.Context, hostID, content string, tags []string) (termpilot.MemoryOutcome, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return termpilot.MemoryOutcome{}, fmt.Errorf("empty memory content")
	}
	if termpilot.IsDynamicContent(content) {
		return termpilot.MemoryOutcome{Status: termpilot.MemorySkipDynamic}, nil
	}

	existing, err := s.hostMemories(ctx, hostID)
	if err != nil {
		return termpilot.MemoryOutcome{}, err
	}

	newNorm := normalizeMemory(content)
	for _, m := range existing {
		oldNorm := normalizeMemory(m.Content)
		switch {
		case oldNorm == newNorm || strings.Contains(oldNorm, newNorm):
			return termpilot.MemoryOutcome{Status: termpilot.MemorySkipDuplicate, ID: m.ID}, nil
		case strings.Contains(newNorm, oldNorm):
			if err := s.updateMemory(ctx, m.ID, content, unionTags(m.Tags, tags)); err != nil {
				return termpilot.MemoryOutcome{}, err
			}
			return termpilot.MemoryOutcome{Status: termpilot.MemoryReplaced, ID: m.ID}, nil
		case tokenOverlap(oldNorm, newNorm) >= 0.8:
			merged := m.Content + "\n" + content
			if err := s.updateMemory(ctx, m.ID, merged, unionTags(m.Tags, tags)); err != nil {
				return termpilot.MemoryOutcome{}, err
			}
			return termpilot.MemoryOutcome{Status: termpilot.MemoryMerged, ID: m.ID}, nil
		}
	}

	id := termpilot.NewID()
	now := time.Now().Unix()
	tagsJSON, _ := json.Marshal(tags)
	if len(tags) == 0 {
		tagsJSON = nil
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO host_memories (id, host_id, content, tags, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		id, hostID, content, tagsJSON, now, now,
	)
	if err != nil {
		return termpilot.MemoryOutcome{}, fmt.Errorf("insert memory: %w", err)
	}
	s.logger.Debug("postgres: memory saved", "id", id, "host", hostID)
	return termpilot.MemoryOutcome{Status: termpilot.MemorySaved, ID: id}, nil
}

// Close is a no-op; the pool is owned by the caller.
func (s *Store) Close() error { return nil }

func (s *Store) hostMemories(ctx context.Context, hostID string) ([]termpilot.HostMemory, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, host_id, content, tags, created_at, updated_at
		 FROM host_memories WHERE host_id = $1
		 ORDER BY updated_at DESC`,
		hostID,
	)
	if err != nil {
		return nil, fmt.Errorf("get host memories: %w", err)
	}
	defer rows.Close()

	var memories []termpilot.HostMemory
	for rows.Next() {
		var m termpilot.HostMemory
		var tagsJSON []byte
		if err := rows.Scan(&m.ID, &m.HostID, &m.Content, &tagsJSON, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		if len(tagsJSON) > 0 {
			_ = json.Unmarshal(tagsJSON, &m.Tags)
		}
		memories = append(memories, m)
	}
	return memories, rows.Err()
}

func (s *Store) updateMemory(ctx context.Context, id, content string, tags []string) error {
	tagsJSON, _ := json.Marshal(tags)
	if len(tags) == 0 {
		tagsJSON = nil
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE host_memories SET content=$1, tags=$2, updated_at=$3 WHERE id=$4`,
		content, tagsJSON, time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("update memory: %w", err)
	}
	return nil
}

// --- dedup helpers (kept in sync with knowledge/sqlite) ---

func normalizeMemory(s string) string {
	s = norm.NFKC.String(s)
	s = strings.ToLower(s)
	return strings.Join(strings.Fields(s), " ")
}

func tokenOverlap(a, b string) float64 {
	as := map[string]bool{}
	for _, t := range strings.Fields(a) {
		as[t] = true
	}
	bs := map[string]bool{}
	for _, t := range strings.Fields(b) {
		bs[t] = true
	}
	if len(as) == 0 || len(bs) == 0 {
		return 0
	}
	inter := 0
	for t := range as {
		if bs[t] {
			inter++
		}
	}
	union := len(as) + len(bs) - inter
	return float64(inter) / float64(union)
}

func unionTags(a, b []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, t := range append(append([]string{}, a...), b...) {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
