package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// RememberLongTerm stores project-scoped knowledge. When an existing
// entry in the same category is semantically close enough (cosine
// similarity at or above the dedupe threshold) the write reinforces that
// entry instead of inserting a near-duplicate: its importance rises by
// the configured boost, never below the incoming importance, capped at 1.
// The returned bool reports whether the write was a reinforcement.
func (s *Service) RememberLongTerm(ctx context.Context, projectID string, category Category, content string, importance float64) (LongTermEntry, bool, error) {
	if projectID == "" {
		return LongTermEntry{}, false, fmt.Errorf("remember long-term: project id is required")
	}
	if content == "" {
		return LongTermEntry{}, false, fmt.Errorf("remember long-term: content is required")
	}
	if category == "" {
		category = CategoryLessonLearned
	}
	importance = clamp01(importance)

	vec, err := s.embedder.Embed(ctx, content)
	if err != nil {
		return LongTermEntry{}, false, fmt.Errorf("remember long-term: embed: %w", err)
	}

	near, err := s.store.SearchLongTermMemory(ctx, projectID, vec, 3)
	if err != nil {
		return LongTermEntry{}, false, fmt.Errorf("remember long-term: dedupe search: %w", err)
	}
	for _, hit := range near {
		if hit.Entry.Category != category {
			continue
		}
		if similarityFromDistance(hit.Distance) < s.cfg.DedupeThreshold {
			continue
		}
		newImportance, err := s.store.ReinforceLongTermImportance(ctx, hit.Entry.ID, s.cfg.ReinforceBoost, importance)
		if err != nil {
			return LongTermEntry{}, false, fmt.Errorf("remember long-term: reinforce: %w", err)
		}
		reinforced := hit.Entry
		reinforced.Importance = newImportance
		s.logger.Printf("reinforced long-term entry %s (project %s, importance %.2f)", reinforced.ID, projectID, newImportance)
		return reinforced, true, nil
	}

	now := time.Now().UTC()
	entry := LongTermEntry{
		ID:             uuid.NewString(),
		ProjectID:      projectID,
		Category:       category,
		Content:        content,
		Importance:     importance,
		Embedding:      vec,
		CreatedAt:      now,
		LastAccessedAt: now,
	}
	if err := s.store.InsertLongTermMemory(ctx, entry); err != nil {
		return LongTermEntry{}, false, fmt.Errorf("remember long-term: %w", err)
	}
	return entry, false, nil
}

// RecallLongTerm retrieves the most relevant project knowledge for a
// query, ranked by a blend of semantic similarity and importance. Each
// returned entry has its access count bumped.
func (s *Service) RecallLongTerm(ctx context.Context, projectID, query string, limit int) ([]ScoredEntry, error) {
	if projectID == "" {
		return nil, fmt.Errorf("recall long-term: project id is required")
	}
	if query == "" {
		return nil, fmt.Errorf("recall long-term: query is required")
	}
	if limit <= 0 {
		limit = s.cfg.RecallTopK
	}

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("recall long-term: embed: %w", err)
	}
	hits, err := s.store.SearchLongTermMemory(ctx, projectID, vec, s.cfg.RecallTopK*2)
	if err != nil {
		return nil, fmt.Errorf("recall long-term: %w", err)
	}
	if len(hits) == 0 {
		return nil, nil
	}

	w := s.cfg.SimilarityWeight
	scored := make([]ScoredEntry, 0, len(hits))
	for _, hit := range hits {
		sim := similarityFromDistance(hit.Distance)
		scored = append(scored, ScoredEntry{
			Entry:      hit.Entry,
			Similarity: sim,
			Score:      w*sim + (1-w)*hit.Entry.Importance,
		})
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > limit {
		scored = scored[:limit]
	}

	ids := make([]string, 0, len(scored))
	for _, sc := range scored {
		ids = append(ids, sc.Entry.ID)
	}
	if err := s.store.TouchLongTermMemory(ctx, ids); err != nil {
		s.logger.Printf("touch long-term entries: %v", err)
	}
	return scored, nil
}

// similarityFromDistance maps a cosine distance into [0,1].
func similarityFromDistance(d float64) float64 {
	return clamp01(1 - d)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
