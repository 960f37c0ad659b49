package data

import (
	"context"
	"fmt"
	"net/url"

	"ideaflow/syncd/internal/collection"
	"ideaflow/syncd/internal/realtime"
	"ideaflow/syncd/internal/remote"
	"ideaflow/syncd/internal/syncqueue"
	"ideaflow/syncd/internal/util"
)

// Collection is the access handle for one named collection.
type Collection struct {
	svc   *Service
	name  string
	cache *collection.Cache
}

func (c *Collection) Name() string {
	return c.name
}

// Create sends record to the remote, or stores it optimistically under a
// local placeholder id and queues it while offline.
func (c *Collection) Create(ctx context.Context, record collection.Record) (collection.Record, error) {
	if c.svc.online() {
		created, err := c.svc.opts.Remote.Create(ctx, c.name, record)
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", c.name, err)
		}
		c.cache.Upsert(ctx, created)
		c.svc.announce(ctx, c.name, realtime.ActionCreated, created)
		return created, nil
	}

	optimistic := record.Clone()
	if optimistic == nil {
		optimistic = collection.Record{}
	}
	if optimistic.ID() == "" {
		optimistic["id"] = c.svc.newLocalID()
	}
	c.cache.Upsert(ctx, optimistic)
	if err := c.enqueue(ctx, syncqueue.ActionCreate, optimistic.ID(), optimistic); err != nil {
		return nil, err
	}
	return optimistic, nil
}

// List prefers the remote and falls back to the cache, filtered by field
// equality, while offline or when the remote cannot be reached.
func (c *Collection) List(ctx context.Context, query url.Values) ([]collection.Record, error) {
	if c.svc.online() {
		records, err := c.svc.opts.Remote.List(ctx, c.name, query)
		if err == nil {
			c.cache.Upsert(ctx, records...)
			return records, nil
		}
		if !remote.IsTransport(err) {
			return nil, fmt.Errorf("list %s: %w", c.name, err)
		}
		c.svc.log.Debugf("data: list %s from cache: %v", c.name, err)
	}
	return c.cache.Find(ctx, query), nil
}

// Get reads one record. Placeholder ids are only known locally and are
// always served from the cache.
func (c *Collection) Get(ctx context.Context, id string) (collection.Record, error) {
	id = c.svc.resolve(id)
	if c.svc.online() && !util.IsLocalID(id) {
		record, err := c.svc.opts.Remote.Get(ctx, c.name, id)
		switch {
		case err == nil:
			c.cache.Upsert(ctx, record)
			return record, nil
		case remote.IsNotFound(err):
			c.cache.Remove(ctx, id)
			return nil, fmt.Errorf("%s/%s: %w", c.name, id, ErrNotFound)
		case !remote.IsTransport(err):
			return nil, fmt.Errorf("get %s/%s: %w", c.name, id, err)
		}
		c.svc.log.Debugf("data: get %s/%s from cache: %v", c.name, id, err)
	}
	record, ok := c.cache.Get(ctx, id)
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", c.name, id, ErrNotFound)
	}
	return record, nil
}

// Update patches a record. Records with a placeholder id still have their
// create queued, so their updates are queued behind it.
func (c *Collection) Update(ctx context.Context, id string, patch collection.Record) (collection.Record, error) {
	id = c.svc.resolve(id)
	if c.svc.online() && !util.IsLocalID(id) {
		updated, err := c.svc.opts.Remote.Update(ctx, c.name, id, patch)
		if err != nil {
			if remote.IsNotFound(err) {
				return nil, fmt.Errorf("%s/%s: %w", c.name, id, ErrNotFound)
			}
			return nil, fmt.Errorf("update %s/%s: %w", c.name, id, err)
		}
		c.cache.Upsert(ctx, updated)
		c.svc.announce(ctx, c.name, realtime.ActionUpdated, updated)
		return updated, nil
	}

	optimistic, ok := c.cache.Patch(ctx, id, patch)
	if !ok {
		optimistic = patch.Merge(collection.Record{"id": id})
		c.cache.Upsert(ctx, optimistic)
	}
	if err := c.enqueue(ctx, syncqueue.ActionUpdate, id, patch); err != nil {
		return nil, err
	}
	return optimistic, nil
}

// Delete removes a record remotely, or from the cache with a queued delete
// while offline.
func (c *Collection) Delete(ctx context.Context, id string) error {
	id = c.svc.resolve(id)
	if c.svc.online() && !util.IsLocalID(id) {
		if err := c.svc.opts.Remote.Delete(ctx, c.name, id); err != nil {
			if remote.IsNotFound(err) {
				c.cache.Remove(ctx, id)
				return fmt.Errorf("%s/%s: %w", c.name, id, ErrNotFound)
			}
			return fmt.Errorf("delete %s/%s: %w", c.name, id, err)
		}
		c.cache.Remove(ctx, id)
		c.svc.announce(ctx, c.name, realtime.ActionDeleted, collection.Record{"id": id})
		return nil
	}

	c.cache.Remove(ctx, id)
	return c.enqueue(ctx, syncqueue.ActionDelete, id, nil)
}

func (c *Collection) enqueue(ctx context.Context, action syncqueue.Action, id string, payload collection.Record) error {
	m := syncqueue.Mutation{Action: action, Collection: c.name, RecordID: id}
	if payload != nil {
		m.Payload = payload
	}
	if _, err := c.svc.queue.Enqueue(ctx, m); err != nil {
		return fmt.Errorf("queue %s %s/%s: %w", action, c.name, id, err)
	}
	return nil
}
