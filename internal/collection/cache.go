package collection

import (
	"context"
	"net/url"

	"ideaflow/syncd/internal/storage"
)

// Key returns the storage key of a collection's cache.
func Key(appPrefix, name string) string {
	return appPrefix + "-" + name
}

// Cache mirrors one collection as an ordered list in durable storage.
type Cache struct {
	name  string
	key   string
	store *storage.Store
}

func NewCache(store *storage.Store, appPrefix, name string) *Cache {
	return &Cache{name: name, key: Key(appPrefix, name), store: store}
}

func (c *Cache) Name() string {
	return c.name
}

func (c *Cache) load(ctx context.Context) []Record {
	return storage.ReadOr[[]Record](ctx, c.store, c.key, nil)
}

// update rewrites the cached list in one atomic step. fn may run more than
// once when another process changes the list concurrently.
func (c *Cache) update(ctx context.Context, fn func([]Record) ([]Record, bool)) {
	// []Record always encodes and Store falls back to memory on backend
	// errors, so there is nothing for callers to act on.
	_ = storage.UpdateJSON(ctx, c.store, c.key, []Record{}, func(records []Record) ([]Record, bool) {
		next, changed := fn(records)
		if next == nil {
			next = []Record{}
		}
		return next, changed
	})
}

// All returns the cached records in order.
func (c *Cache) All(ctx context.Context) []Record {
	records := c.load(ctx)
	if records == nil {
		return []Record{}
	}
	return records
}

// Find returns the cached records matching query.
func (c *Cache) Find(ctx context.Context, query url.Values) []Record {
	all := c.All(ctx)
	if len(query) == 0 {
		return all
	}
	matched := make([]Record, 0, len(all))
	for _, r := range all {
		if r.Matches(query) {
			matched = append(matched, r)
		}
	}
	return matched
}

func (c *Cache) Get(ctx context.Context, id string) (Record, bool) {
	for _, r := range c.All(ctx) {
		if r.ID() == id {
			return r, true
		}
	}
	return nil, false
}

// Upsert replaces the record with the same id in place, or appends it.
func (c *Cache) Upsert(ctx context.Context, records ...Record) {
	if len(records) == 0 {
		return
	}
	c.update(ctx, func(current []Record) ([]Record, bool) {
		for _, record := range records {
			current = upsert(current, record)
		}
		return current, true
	})
}

func upsert(records []Record, record Record) []Record {
	id := record.ID()
	for i, existing := range records {
		if existing.ID() == id {
			records[i] = record
			return records
		}
	}
	return append(records, record)
}

// Patch merges patch into the cached record with id. It reports false when
// no such record is cached.
func (c *Cache) Patch(ctx context.Context, id string, patch Record) (Record, bool) {
	var merged Record
	c.update(ctx, func(current []Record) ([]Record, bool) {
		merged = nil
		for i, existing := range current {
			if existing.ID() == id {
				merged = existing.Merge(patch)
				merged["id"] = id
				current[i] = merged
				return current, true
			}
		}
		return current, false
	})
	return merged, merged != nil
}

func (c *Cache) Remove(ctx context.Context, id string) bool {
	var removed bool
	c.update(ctx, func(current []Record) ([]Record, bool) {
		removed = false
		for i, existing := range current {
			if existing.ID() == id {
				removed = true
				return append(current[:i], current[i+1:]...), true
			}
		}
		return current, false
	})
	return removed
}

func (c *Cache) Contains(ctx context.Context, id string) bool {
	_, ok := c.Get(ctx, id)
	return ok
}

// RemapID rewrites every occurrence of oldID, including references held by
// other fields, to newID. When a record with newID already exists, the
// placeholder record is dropped in its favour.
func (c *Cache) RemapID(ctx context.Context, oldID, newID string) bool {
	var changed bool
	c.update(ctx, func(current []Record) ([]Record, bool) {
		hasNew := false
		for _, r := range current {
			if r.ID() == newID {
				hasNew = true
				break
			}
		}

		changed = false
		out := current[:0]
		for _, r := range current {
			if r.ID() == oldID && hasNew {
				changed = true
				continue
			}
			if r.ReplaceValue(oldID, newID) {
				changed = true
			}
			out = append(out, r)
		}
		return out, changed
	})
	return changed
}
