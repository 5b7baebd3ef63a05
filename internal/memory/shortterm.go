package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/blevesearch/bleve"
	"github.com/google/uuid"
)

type shortTermDoc struct {
	Content string `json:"content"`
	Kind    string `json:"kind"`
}

// RememberShortTerm stores a session-scoped entry that expires after the
// configured TTL.
func (s *Service) RememberShortTerm(ctx context.Context, sessionID string, kind ShortTermKind, content string) (ShortTermEntry, error) {
	if sessionID == "" {
		return ShortTermEntry{}, fmt.Errorf("remember short-term: session id is required")
	}
	if content == "" {
		return ShortTermEntry{}, fmt.Errorf("remember short-term: content is required")
	}
	if kind == "" {
		kind = KindContext
	}

	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now().UTC()
	entry := ShortTermEntry{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Kind:      kind,
		Content:   content,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.ShortTermTTL),
	}
	if err := s.store.InsertShortTermMemory(ctx, entry); err != nil {
		return ShortTermEntry{}, fmt.Errorf("remember short-term: %w", err)
	}
	if idx := s.indexFor(sessionID, false); idx != nil {
		if err := idx.Index(entry.ID, shortTermDoc{Content: entry.Content, Kind: string(entry.Kind)}); err != nil {
			s.logger.Printf("index short-term entry %s: %v", entry.ID, err)
		}
	}
	s.emit(ctx, sessionID, "", map[string]interface{}{
		"tier": "short_term",
		"kind": string(kind),
		"id":   entry.ID,
	})
	return entry, nil
}

// RecallShortTerm returns unexpired entries for the session, most recent
// first. With a query it ranks by text relevance instead, still filtering
// out expired rows.
func (s *Service) RecallShortTerm(ctx context.Context, sessionID, q string, limit int) ([]ShortTermEntry, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("recall short-term: session id is required")
	}
	if limit <= 0 {
		limit = s.cfg.RecallTopK
	}
	now := time.Now().UTC()
	if q == "" {
		entries, err := s.store.ListShortTermMemory(ctx, sessionID, now, limit)
		if err != nil {
			return nil, fmt.Errorf("recall short-term: %w", err)
		}
		return entries, nil
	}

	lock := s.sessionLock(sessionID)
	lock.Lock()
	idx, err := s.ensureIndex(ctx, sessionID, now)
	lock.Unlock()
	if err != nil {
		return nil, fmt.Errorf("recall short-term: %w", err)
	}

	mq := bleve.NewMatchQuery(q)
	req := bleve.NewSearchRequestOptions(mq, limit*4, 0, false)
	res, err := idx.Search(req)
	if err != nil {
		return nil, fmt.Errorf("recall short-term: search: %w", err)
	}
	if len(res.Hits) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(res.Hits))
	for _, hit := range res.Hits {
		ids = append(ids, hit.ID)
	}
	entries, err := s.store.GetShortTermMemoryByIDs(ctx, sessionID, ids, now)
	if err != nil {
		return nil, fmt.Errorf("recall short-term: %w", err)
	}
	// Keep relevance order from the index, drop expired rows the index
	// may still hold.
	byID := make(map[string]ShortTermEntry, len(entries))
	for _, e := range entries {
		byID[e.ID] = e
	}
	out := make([]ShortTermEntry, 0, limit)
	for _, id := range ids {
		if e, ok := byID[id]; ok {
			out = append(out, e)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// indexFor returns the session index, creating it when create is set.
// Caller holds the session lock.
func (s *Service) indexFor(sessionID string, create bool) bleve.Index {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.indexes[sessionID]
	if !ok && create {
		mapping := bleve.NewIndexMapping()
		created, err := bleve.NewMemOnly(mapping)
		if err != nil {
			s.logger.Printf("create recall index for session %s: %v", sessionID, err)
			return nil
		}
		idx = created
		s.indexes[sessionID] = idx
	}
	return idx
}

// ensureIndex lazily rebuilds the in-memory index from the store so
// recall works after a process restart.
func (s *Service) ensureIndex(ctx context.Context, sessionID string, now time.Time) (bleve.Index, error) {
	if idx := s.indexFor(sessionID, false); idx != nil {
		return idx, nil
	}
	idx := s.indexFor(sessionID, true)
	if idx == nil {
		return nil, fmt.Errorf("recall index unavailable for session %s", sessionID)
	}
	entries, err := s.store.ListShortTermMemory(ctx, sessionID, now, 0)
	if err != nil {
		return nil, err
	}
	batch := idx.NewBatch()
	for _, e := range entries {
		if err := batch.Index(e.ID, shortTermDoc{Content: e.Content, Kind: string(e.Kind)}); err != nil {
			return nil, err
		}
	}
	if err := idx.Batch(batch); err != nil {
		return nil, err
	}
	return idx, nil
}

// SweepExpired physically deletes expired short-term rows and returns
// the count removed.
func (s *Service) SweepExpired(ctx context.Context) (int64, error) {
	n, err := s.store.DeleteExpiredShortTermMemory(ctx, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("sweep expired: %w", err)
	}
	if n > 0 {
		s.logger.Printf("swept %d expired short-term entries", n)
	}
	return n, nil
}
