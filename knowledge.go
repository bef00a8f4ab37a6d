package termpilot

import (
	"context"
	"regexp"
	"strings"
)

// MemoryStatus is the dedup outcome of KnowledgeStore.AddMemory.
type MemoryStatus string

const (
	MemorySaved         MemoryStatus = "saved"
	MemoryMerged        MemoryStatus = "merged"
	MemoryReplaced      MemoryStatus = "replaced"
	MemorySkipDuplicate MemoryStatus = "skip_duplicate"
	MemorySkipDynamic   MemoryStatus = "skip_dynamic"
)

// MemoryOutcome describes what AddMemory did with the content.
type MemoryOutcome struct {
	Status MemoryStatus `json:"status"`
	ID     string       `json:"id,omitempty"`
}

// KnowledgeDoc is a stored document.
type KnowledgeDoc struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Content   string `json:"content"`
	Source    string `json:"source,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

// KnowledgeHit is one search result.
type KnowledgeHit struct {
	DocID   string  `json:"doc_id"`
	Title   string  `json:"title"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
}

// HostMemory is a host-scoped persistent fact the agent chose to remember.
type HostMemory struct {
	ID        string   `json:"id"`
	HostID    string   `json:"host_id"`
	Content   string   `json:"content"`
	Tags      []string `json:"tags,omitempty"`
	CreatedAt int64    `json:"created_at"`
	UpdatedAt int64    `json:"updated_at"`
}

// KnowledgeStore is the consumed knowledge contract. knowledge/sqlite and
// knowledge/postgres ship implementations; a nil store means knowledge
// tools surface ErrKnowledgeDisabled.
type KnowledgeStore interface {
	// IsEnabled reports whether knowledge features are active.
	IsEnabled() bool
	// BuildContext returns knowledge snippets relevant to query, scoped
	// to hostID when non-empty.
	BuildContext(ctx context.Context, query, hostID string) ([]string, error)
	// GetHostMemoriesForPrompt returns up to limit memory lines for the
	// system prompt.
	GetHostMemoriesForPrompt(ctx context.Context, hostID, query string, limit int) ([]string, error)
	// GetDocuments lists stored documents (metadata only).
	GetDocuments(ctx context.Context) ([]KnowledgeDoc, error)
	// Search performs full-text search over documents and memories.
	Search(ctx context.Context, query string, limit int) ([]KnowledgeHit, error)
	// GetDocument fetches one document with content.
	GetDocument(ctx context.Context, id string) (KnowledgeDoc, error)
	// AddMemory stores a host-scoped memory with dedup: near-identical
	// content reports skip_duplicate; an extended version of an existing
	// memory replaces or merges it; purely dynamic content is skipped.
	AddMemory(ctx context.Context, hostID, content string, tags []string) (MemoryOutcome, error)
	// Close releases store resources.
	Close() error
}

// dynamicContentPatterns identify content that is stale the moment it is
// written: timestamps, PIDs, transient counters.
var dynamicContentPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bpid\s*[:=]?\s*\d+`),
	regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}`),
	regexp.MustCompile(`(?i)\b(current|right now|at the moment)\b.*\b\d+(\.\d+)?\s*(%|mb|gb|kb)\b`),
	regexp.MustCompile(`(?i)\buptime\b`),
	regexp.MustCompile(`(?i)\bload average\b`),
}

// IsDynamicContent is the lightweight heuristic remember_info uses to
// skip purely dynamic data. It errs toward saving: only content that is
// dominated by a volatile reading is skipped.
func IsDynamicContent(content string) bool {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return true
	}
	hits := 0
	for _, re := range dynamicContentPatterns {
		if re.MatchString(trimmed) {
			hits++
		}
	}
	if hits == 0 {
		return false
	}
	// A volatile reading inside a longer durable fact is worth keeping.
	return len([]rune(trimmed)) < 120 || hits >= 2
}
