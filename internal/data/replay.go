package data

import (
	"context"
	"encoding/json"
	"fmt"

	"ideaflow/syncd/internal/collection"
	"ideaflow/syncd/internal/realtime"
	"ideaflow/syncd/internal/remote"
	"ideaflow/syncd/internal/syncqueue"
	"ideaflow/syncd/internal/util"
)

// replay delivers one queued mutation to the remote endpoint.
func (s *Service) replay(ctx context.Context, item syncqueue.Item) error {
	cache, ok := s.caches[item.Collection]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCollection, item.Collection)
	}

	var payload collection.Record
	if len(item.Payload) > 0 {
		if err := json.Unmarshal(item.Payload, &payload); err != nil {
			return fmt.Errorf("decode payload of %s: %w", item.ID, err)
		}
	}

	switch item.Action {
	case syncqueue.ActionCreate:
		body := payload.Clone()
		if body == nil {
			body = collection.Record{}
		}
		if util.IsLocalID(body.ID()) {
			delete(body, "id")
		}
		created, err := s.opts.Remote.Create(ctx, item.Collection, body)
		if err != nil {
			return err
		}
		if newID := created.ID(); newID != "" && newID != item.RecordID {
			s.remap(ctx, item.RecordID, newID)
		}
		cache.Upsert(ctx, created)
		s.announce(ctx, item.Collection, realtime.ActionCreated, created)
		return nil

	case syncqueue.ActionUpdate:
		updated, err := s.opts.Remote.Update(ctx, item.Collection, item.RecordID, payload)
		if err != nil {
			return err
		}
		cache.Upsert(ctx, updated)
		s.announce(ctx, item.Collection, realtime.ActionUpdated, updated)
		return nil

	case syncqueue.ActionDelete:
		err := s.opts.Remote.Delete(ctx, item.Collection, item.RecordID)
		if err != nil && !remote.IsNotFound(err) {
			return err
		}
		cache.Remove(ctx, item.RecordID)
		s.announce(ctx, item.Collection, realtime.ActionDeleted, collection.Record{"id": item.RecordID})
		return nil
	}
	return fmt.Errorf("unknown action %q", item.Action)
}

// remap replaces a placeholder id with the server's id in every cache and
// in every pending queue item, including references held in other fields.
func (s *Service) remap(ctx context.Context, oldID, newID string) {
	s.idMu.Lock()
	s.remapped[oldID] = newID
	s.idMu.Unlock()

	for _, name := range s.names {
		s.caches[name].RemapID(ctx, oldID, newID)
	}
	rewritten := s.queue.Rewrite(ctx, func(item *syncqueue.Item) bool {
		changed := false
		if item.RecordID == oldID {
			item.RecordID = newID
			changed = true
		}
		if len(item.Payload) == 0 {
			return changed
		}
		var payload collection.Record
		if err := json.Unmarshal(item.Payload, &payload); err != nil {
			return changed
		}
		if payload.ReplaceValue(oldID, newID) {
			if raw, err := json.Marshal(payload); err == nil {
				item.Payload = raw
				changed = true
			}
		}
		return changed
	})
	s.log.Infow("data: reconciled placeholder id",
		"local", oldID,
		"server", newID,
		"queueItems", rewritten,
	)
}

// resolve maps a placeholder id that has already been reconciled to the
// server's id.
func (s *Service) resolve(id string) string {
	if !util.IsLocalID(id) {
		return id
	}
	s.idMu.Lock()
	defer s.idMu.Unlock()
	if newID, ok := s.remapped[id]; ok {
		return newID
	}
	return id
}
