// Package sqlite implements termpilot.KnowledgeStore using pure-Go SQLite
// with FTS5 full-text search. Zero CGO required, suitable for single-host
// deployments where the knowledge base lives next to the agent.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/evanharso/termpilot"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for every operation including
// timing, row counts, and key parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements termpilot.KnowledgeStore backed by a local SQLite file.
// Documents and host memories are indexed with FTS5 for keyword search.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ termpilot.KnowledgeStore = (*Store)(nil)

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: slog.New(slog.DiscardHandler)}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: knowledge store opened", "path", dbPath)
	return s
}

// Init creates all required tables and FTS indexes.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	tables := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS host_memories (
			id TEXT PRIMARY KEY,
			host_id TEXT NOT NULL,
			content TEXT NOT NULL,
			tags TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_memories_host ON host_memories(host_id)`)

	// FTS5 full-text indexes for keyword search.
	_, _ = s.db.ExecContext(ctx, `CREATE VIRTUAL TABLE IF NOT EXISTS documents_fts USING fts5(doc_id UNINDEXED, title, content)`)
	_, _ = s.db.ExecContext(ctx, `CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(memory_id UNINDEXED, content)`)

	s.logger.Info("sqlite: knowledge init completed", "duration", time.Since(start))
	return nil
}

// IsEnabled reports whether the store is usable. Always true for an open
// store; the engine treats a nil KnowledgeStore as disabled.
func (s *Store) IsEnabled() bool { return s.db != nil }

// AddDocument stores a document and indexes it for search. Returns the
// new document id.
func (s *Store) AddDocument(ctx context.Context, title, source, content string) (string, error) {
	start := time.Now()
	id := termpilot.NewID()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT INTO documents (id, title, source, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, title, source, content, time.Now().Unix(),
	)
	if err != nil {
		return "", fmt.Errorf("insert document: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO documents_fts(doc_id, title, content) VALUES (?, ?, ?)`,
		id, title, content,
	); err != nil {
		return "", fmt.Errorf("insert document fts: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit tx: %w", err)
	}

	s.logger.Debug("sqlite: add document ok", "id", id, "title", title, "duration", time.Since(start))
	return id, nil
}

// GetDocuments lists stored documents, newest first, without content.
func (s *Store) GetDocuments(ctx context.Context) ([]termpilot.KnowledgeDoc, error) {
	rows, err := s.db.QueryContext(ctx,
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
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, source, content, created_at FROM documents WHERE id = ?`, id,
	).Scan(&d.ID, &d.Title, &d.Source, &d.Content, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return termpilot.KnowledgeDoc{}, fmt.Errorf("document not found: %s", id)
	}
	if err != nil {
		return termpilot.KnowledgeDoc{}, fmt.Errorf("get document: %w", err)
	}
	return d, nil
}

// Search performs FTS5 keyword search over documents and host memories,
// merged and sorted by relevance.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]termpilot.KnowledgeHit, error) {
	start := time.Now()
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}

	var hits []termpilot.KnowledgeHit

	rows, err := s.db.QueryContext(ctx,
		`SELECT d.id, d.title, snippet(documents_fts, 2, '', '', '...', 24), f.rank
		 FROM documents_fts f
		 JOIN documents d ON d.id = f.doc_id
		 WHERE documents_fts MATCH ?
		 ORDER BY f.rank LIMIT ?`,
		match, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("search documents: %w", err)
	}
	for rows.Next() {
		var h termpilot.KnowledgeHit
		var rank float64
		if err := rows.Scan(&h.DocID, &h.Title, &h.Snippet, &rank); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan hit: %w", err)
		}
		// FTS5 rank is negative (closer to 0 = better). Use -rank as score.
		h.Score = -rank
		if h.Score < 0 {
			h.Score = 0
		}
		hits = append(hits, h)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate hits: %w", err)
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT m.id, snippet(memories_fts, 1, '', '', '...', 24), f.rank
		 FROM memories_fts f
		 JOIN host_memories m ON m.id = f.memory_id
		 WHERE memories_fts MATCH ?
		 ORDER BY f.rank LIMIT ?`,
		match, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("search memories: %w", err)
	}
	for rows.Next() {
		var h termpilot.KnowledgeHit
		var rank float64
		if err := rows.Scan(&h.DocID, &h.Snippet, &rank); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan memory hit: %w", err)
		}
		h.Title = "memory"
		h.Score = -rank
		if h.Score < 0 {
			h.Score = 0
		}
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

	s.logger.Debug("sqlite: search ok", "query", query, "returned", len(hits), "duration", time.Since(start))
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
// system prompt, most recently updated first. When query is non-empty,
// keyword-matching memories rank ahead of recency.
func (s *Store) GetHostMemoriesForPrompt(ctx context.Context, hostID, query string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 5
	}

	memories, err := s.hostMemories(ctx, hostID)
	if err != nil {
		return nil, err
	}

	if match := ftsQuery(query); match != "" {
		ranked := map[string]int{}
		rows, err := s.db.QueryContext(ctx,
			`SELECT m.id FROM memories_fts f
			 JOIN host_memories m ON m.id = f.memory_id
			 WHERE memories_fts MATCH ? AND m.host_id = ?
			 ORDER BY f.rank`,
			match, hostID,
		)
		if err == nil {
			pos := 0
			for rows.Next() {
				var id string
				if rows.Scan(&id) == nil {
					ranked[id] = pos
					pos++
				}
			}
			rows.Close()
		}
		sort.SliceStable(memories, func(i, j int) bool {
			ri, iOK := ranked[memories[i].ID]
			rj, jOK := ranked[memories[j].ID]
			if iOK != jOK {
				return iOK
			}
			if iOK && jOK {
				return ri < rj
			}
			return memories[i].UpdatedAt > memories[j].UpdatedAt
		})
	}

	if len(memories) > limit {
		memories = memories[:limit]
	}
	lines := make([]string, 0, len(memories))
	for _, m := range memories {
		line := "- " + m.Content
		if len(m.Tags) > 0 {
			line += " (" + strings.Join(m.Tags, ", ") + ")"
		}
		lines = append(lines, line)
	}
	return lines, nil
}

// AddMemory stores a host-scoped memory with dedup. Near-identical
// content reports skip_duplicate; content that extends an existing memory
// replaces it; heavily overlapping content merges into the existing row.
func (s *Store) AddMemory(ctx context.Context, hostID, content string, tags []string) (termpilot.MemoryOutcome, error) {
	start := time.Now()
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
		case oldNorm == newNorm:
			return termpilot.MemoryOutcome{Status: termpilot.MemorySkipDuplicate, ID: m.ID}, nil
		case strings.Contains(oldNorm, newNorm):
			// Existing memory already covers the new fact.
			return termpilot.MemoryOutcome{Status: termpilot.MemorySkipDuplicate, ID: m.ID}, nil
		case strings.Contains(newNorm, oldNorm):
			// New content is an extended version; replace.
			if err := s.updateMemory(ctx, m.ID, content, unionTags(m.Tags, tags)); err != nil {
				return termpilot.MemoryOutcome{}, err
			}
			s.logger.Debug("sqlite: memory replaced", "id", m.ID, "host", hostID, "duration", time.Since(start))
			return termpilot.MemoryOutcome{Status: termpilot.MemoryReplaced, ID: m.ID}, nil
		case tokenOverlap(oldNorm, newNorm) >= 0.8:
			// Same topic, partially new info; merge the texts.
			merged := m.Content + "\n" + content
			if err := s.updateMemory(ctx, m.ID, merged, unionTags(m.Tags, tags)); err != nil {
				return termpilot.MemoryOutcome{}, err
			}
			s.logger.Debug("sqlite: memory merged", "id", m.ID, "host", hostID, "duration", time.Since(start))
			return termpilot.MemoryOutcome{Status: termpilot.MemoryMerged, ID: m.ID}, nil
		}
	}

	id := termpilot.NewID()
	now := time.Now().Unix()
	var tagsJSON *string
	if len(tags) > 0 {
		data, _ := json.Marshal(tags)
		v := string(data)
		tagsJSON = &v
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return termpilot.MemoryOutcome{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT INTO host_memories (id, host_id, content, tags, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, hostID, content, tagsJSON, now, now,
	)
	if err != nil {
		return termpilot.MemoryOutcome{}, fmt.Errorf("insert memory: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO memories_fts(memory_id, content) VALUES (?, ?)`, id, content,
	); err != nil {
		return termpilot.MemoryOutcome{}, fmt.Errorf("insert memory fts: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return termpilot.MemoryOutcome{}, fmt.Errorf("commit tx: %w", err)
	}

	s.logger.Debug("sqlite: memory saved", "id", id, "host", hostID, "duration", time.Since(start))
	return termpilot.MemoryOutcome{Status: termpilot.MemorySaved, ID: id}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	s.logger.Debug("sqlite: closing knowledge store")
	return s.db.Close()
}

func (s *Store) hostMemories(ctx context.Context, hostID string) ([]termpilot.HostMemory, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, host_id, content, tags, created_at, updated_at
		 FROM host_memories WHERE host_id = ?
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
		var tagsJSON sql.NullString
		if err := rows.Scan(&m.ID, &m.HostID, &m.Content, &tagsJSON, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		if tagsJSON.Valid {
			_ = json.Unmarshal([]byte(tagsJSON.String), &m.Tags)
		}
		memories = append(memories, m)
	}
	return memories, rows.Err()
}

func (s *Store) updateMemory(ctx context.Context, id, content string, tags []string) error {
	var tagsJSON *string
	if len(tags) > 0 {
		data, _ := json.Marshal(tags)
		v := string(data)
		tagsJSON = &v
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`UPDATE host_memories SET content=?, tags=?, updated_at=? WHERE id=?`,
		content, tagsJSON, time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("update memory: %w", err)
	}
	_, _ = tx.ExecContext(ctx, `DELETE FROM memories_fts WHERE memory_id = ?`, id)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO memories_fts(memory_id, content) VALUES (?, ?)`, id, content,
	); err != nil {
		return fmt.Errorf("update memory fts: %w", err)
	}
	return tx.Commit()
}

// --- dedup helpers ---

// normalizeMemory canonicalizes content for comparison: NFKC, lowercase,
// collapsed whitespace.
func normalizeMemory(s string) string {
	s = norm.NFKC.String(s)
	s = strings.ToLower(s)
	return strings.Join(strings.Fields(s), " ")
}

// tokenOverlap computes the Jaccard similarity of the token sets of two
// normalized strings.
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

// ftsQuery converts free text into a safe FTS5 MATCH expression by quoting
// each token. An empty result means there is nothing to match.
func ftsQuery(query string) string {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return ""
	}
	quoted := make([]string, len(fields))
	for i, f := range fields {
		quoted[i] = `"` + strings.ReplaceAll(f, `"`, ``) + `"`
	}
	return strings.Join(quoted, " ")
}
