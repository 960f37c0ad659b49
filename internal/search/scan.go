package search

import (
	"context"
	"sort"
	"strings"

	"ideaflow/syncd/internal/collection"
)

// CacheScan implements Searcher by scanning the local collection caches.
// It is the fallback when Meilisearch is not configured or unreachable.
type CacheScan struct {
	caches map[string]*collection.Cache
}

func NewCacheScan(caches []*collection.Cache) *CacheScan {
	byName := make(map[string]*collection.Cache, len(caches))
	for _, c := range caches {
		byName[c.Name()] = c
	}
	return &CacheScan{caches: byName}
}

// Healthy always returns true; the caches live in local storage.
func (s *CacheScan) Healthy() bool {
	return true
}

// Search matches q.Text case-insensitively against every string field.
func (s *CacheScan) Search(ctx context.Context, q Query) ([]Result, int, error) {
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return nil, 0, nil
	}

	names := make([]string, 0, len(s.caches))
	for name := range s.caches {
		if q.Collection == "" || q.Collection == name {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var matched []Result
	for _, name := range names {
		for _, r := range s.caches[name].Find(ctx, q.Filters) {
			if r.Contains(text) {
				matched = append(matched, recordToResult(name, r))
			}
		}
	}

	total := len(matched)
	limit := q.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	offset := max(q.Offset, 0)
	if offset >= total {
		return nil, total, nil
	}
	end := min(offset+limit, total)
	return matched[offset:end], total, nil
}
