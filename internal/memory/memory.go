// Package memory implements the two-tier agent memory: TTL-bounded
// short-term entries scoped to a session, and importance-scored
// long-term entries scoped to a project and retrieved semantically.
package memory

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/archon-ai/archon/config"
	"github.com/archon-ai/archon/internal/progress"
	"github.com/blevesearch/bleve"
)

// ShortTermKind categorises short-term entries.
type ShortTermKind string

const (
	KindConversation ShortTermKind = "conversation"
	KindCodeSnippet  ShortTermKind = "code_snippet"
	KindDecision     ShortTermKind = "decision"
	KindContext      ShortTermKind = "context"
	KindState        ShortTermKind = "state"
)

// Category categorises long-term entries.
type Category string

const (
	CategoryArchitecturalDecision Category = "architectural_decision"
	CategoryUserPreference        Category = "user_preference"
	CategoryConstraint            Category = "constraint"
	CategoryPattern               Category = "pattern"
	CategoryMistake               Category = "mistake"
	CategoryBestPractice          Category = "best_practice"
	CategoryLessonLearned         Category = "lesson_learned"
)

// ShortTermEntry is a session-scoped note that expires after its TTL.
// Expiry is a logical read filter; physical deletion happens in the
// background sweep.
type ShortTermEntry struct {
	ID        string        `json:"id"`
	SessionID string        `json:"session_id"`
	Kind      ShortTermKind `json:"kind"`
	Content   string        `json:"content"`
	CreatedAt time.Time     `json:"created_at"`
	ExpiresAt time.Time     `json:"expires_at"`
}

// LongTermEntry is project-scoped knowledge with an importance score in
// [0,1]. Importance only ever moves upward, via reinforcement.
type LongTermEntry struct {
	ID             string    `json:"id"`
	ProjectID      string    `json:"project_id"`
	Category       Category  `json:"category"`
	Content        string    `json:"content"`
	Importance     float64   `json:"importance"`
	Embedding      []float32 `json:"-"`
	AccessCount    int       `json:"access_count"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
}

// LongTermSearchResult pairs an entry with its vector distance.
type LongTermSearchResult struct {
	Entry    LongTermEntry
	Distance float64
}

// ScoredEntry is a recall hit with its blended rank score.
type ScoredEntry struct {
	Entry      LongTermEntry `json:"entry"`
	Similarity float64       `json:"similarity"`
	Score      float64       `json:"score"`
}

// Embedder produces a semantic vector for a text. The engine reaches it
// through the tool boundary, not a concrete LLM client.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// storeAPI is the persistence surface the service needs.
type storeAPI interface {
	InsertShortTermMemory(ctx context.Context, rec ShortTermEntry) error
	ListShortTermMemory(ctx context.Context, sessionID string, now time.Time, limit int) ([]ShortTermEntry, error)
	GetShortTermMemoryByIDs(ctx context.Context, sessionID string, ids []string, now time.Time) ([]ShortTermEntry, error)
	DeleteExpiredShortTermMemory(ctx context.Context, cutoff time.Time) (int64, error)
	InsertLongTermMemory(ctx context.Context, rec LongTermEntry) error
	SearchLongTermMemory(ctx context.Context, projectID string, vector []float32, topK int) ([]LongTermSearchResult, error)
	ReinforceLongTermImportance(ctx context.Context, id string, boost, floor float64) (float64, error)
	TouchLongTermMemory(ctx context.Context, ids []string) error
}

// Service is the memory store facade. Short-term writes are serialized
// per session so the log ordering is stable; long-term writes across
// projects proceed fully concurrently.
type Service struct {
	store    storeAPI
	cfg      config.MemoryConfig
	embedder Embedder
	events   progress.Publisher
	logger   *log.Logger

	mu           sync.Mutex
	indexes      map[string]bleve.Index
	sessionLocks map[string]*sync.Mutex
}

// New constructs the memory service. events may be nil when no progress
// stream is attached (CLI maintenance paths).
func New(st storeAPI, cfg config.MemoryConfig, embedder Embedder, events progress.Publisher, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.New(log.Writer(), "[MEMORY] ", log.LstdFlags)
	}
	if cfg.ShortTermTTL <= 0 {
		cfg.ShortTermTTL = time.Hour
	}
	if cfg.RecallTopK <= 0 {
		cfg.RecallTopK = 10
	}
	if cfg.SimilarityWeight <= 0 || cfg.SimilarityWeight > 1 {
		cfg.SimilarityWeight = 0.7
	}
	if cfg.ReinforceBoost <= 0 {
		cfg.ReinforceBoost = 0.1
	}
	return &Service{
		store:        st,
		cfg:          cfg,
		embedder:     embedder,
		events:       events,
		logger:       logger,
		indexes:      make(map[string]bleve.Index),
		sessionLocks: make(map[string]*sync.Mutex),
	}
}

func (s *Service) sessionLock(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.sessionLocks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		s.sessionLocks[sessionID] = lock
	}
	return lock
}

func (s *Service) emit(ctx context.Context, sessionID, taskID string, payload map[string]interface{}) {
	if s.events == nil || sessionID == "" {
		return
	}
	s.events.Publish(ctx, progress.Event{
		SessionID: sessionID,
		TaskID:    taskID,
		Kind:      progress.KindMemoryWritten,
		Payload:   payload,
	})
}

// ReleaseSession drops the in-process recall index and lock once a
// session is terminal.
func (s *Service) ReleaseSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx, ok := s.indexes[sessionID]; ok {
		_ = idx.Close()
		delete(s.indexes, sessionID)
	}
	delete(s.sessionLocks, sessionID)
}
