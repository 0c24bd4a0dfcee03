package store

import (
	"context"
	"errors"
	"time"

	"github.com/cockroachdb/pebble"

	"threadline/pkg/logger"
	"threadline/pkg/models"
	"threadline/pkg/store/keys"
	"threadline/pkg/telemetry"
	"threadline/pkg/timeline"
)

// Upsert folds a batch of events into the conversation and persists the
// accepted events together with every touched message record in one atomic
// batch. Malformed events are dropped and counted; duplicates are no-ops.
// The returned FoldResult is the change set for delegate notifications.
func (s *Store) Upsert(ctx context.Context, conv string, events []models.Event) (*timeline.FoldResult, error) {
	if err := keys.ValidateConversation(conv); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	valid := events[:0:0]
	for i := range events {
		ev := events[i]
		if ev.Conversation == "" {
			ev.Conversation = conv
		}
		if err := ev.Validate(); err != nil || ev.Conversation != conv {
			telemetry.EventsMalformed.Inc()
			logger.Warn("event_malformed", "conversation", conv, "error", err)
			continue
		}
		valid = append(valid, ev)
	}
	if len(valid) == 0 {
		return &timeline.FoldResult{}, nil
	}

	cs := s.conv(conv)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	tl, err := s.snapshot(conv, valid, cs.pending.Targets())
	if err != nil && IsCorrupt(err) {
		// derived state is damaged; rebuild it from the log and retry once
		logger.Warn("cache_corrupt_rebuilding", "conversation", conv, "error", err)
		if rerr := s.rebuildLocked(conv, cs); rerr != nil {
			return nil, rerr
		}
		tl, err = s.snapshot(conv, valid, cs.pending.Targets())
	}
	if err != nil {
		return nil, err
	}

	res := timeline.Fold(tl, cs.pending, valid)
	if len(res.Accepted) == 0 && len(res.Dirty) == 0 {
		telemetry.EventsDuplicate.Add(float64(res.Duplicates))
		return &res, nil
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	for i := range res.Accepted {
		ev := &res.Accepted[i]
		batch.Set([]byte(keys.GenEventKey(conv, ev.TS, ev.StableID())), marshal(ev), nil)
		batch.Set([]byte(keys.GenSeenIndexKey(conv, string(ev.Origin), ev.StableID())), []byte("1"), nil)
		telemetry.EventsFolded.WithLabelValues(string(ev.Origin)).Inc()
	}

	for _, msg := range res.Dirty {
		newKey := keys.GenMessageKey(conv, msg.CreatedTS, msg.OrderID())
		// identity promotion moves the record to its stanza-id ordered key
		var oldKey string
		if err := s.get(keys.GenIdentIndexKey(conv, msg.ID), &oldKey); err == nil {
			if oldKey != newKey {
				batch.Delete([]byte(oldKey), nil)
			}
		} else if !errors.Is(err, pebble.ErrNotFound) && !IsCorrupt(err) {
			return nil, transientErr("upsert", err)
		}
		batch.Set([]byte(newKey), marshal(msg), nil)
		for _, ident := range msg.Idents() {
			batch.Set([]byte(keys.GenIdentIndexKey(conv, ident)), marshal(newKey), nil)
		}
	}

	now := time.Now().UTC().UnixNano()
	meta, err := s.loadMeta(conv)
	if err != nil && !IsCorrupt(err) {
		return nil, transientErr("upsert", err)
	}
	if meta.CreatedTS == 0 {
		meta.CreatedTS = now
	}
	meta.UpdatedTS = now
	meta.EventCount += uint64(len(res.Accepted))
	batch.Set([]byte(keys.GenMetaKey(conv)), marshal(&meta), nil)

	if err := s.db.Apply(batch, s.writeOpt()); err != nil {
		logger.Error("upsert_apply_failed", "conversation", conv, "error", err)
		return nil, transientErr("upsert", err)
	}

	telemetry.EventsDuplicate.Add(float64(res.Duplicates))
	telemetry.Anomalies.Add(float64(res.Anomalies))
	if res.Anomalies > 0 {
		logger.Warn("unresolved_references_dropped", "conversation", conv, "count", res.Anomalies)
	}
	logger.Debug("events_folded", "conversation", conv,
		"accepted", len(res.Accepted), "created", len(res.Created),
		"updated", len(res.Updated), "duplicates", res.Duplicates)
	return &res, nil
}

// snapshot builds the partial timeline a batch can touch: every message
// addressed by an event identity or target (including targets buffered from
// earlier folds), plus the folded markers for the batch's dedupe keys.
func (s *Store) snapshot(conv string, events []models.Event, pendingTargets []string) (*timeline.Timeline, error) {
	idents := make(map[string]struct{})
	for i := range events {
		ev := &events[i]
		for _, id := range []string{ev.ID, ev.StanzaID, ev.Target} {
			if id != "" {
				idents[id] = struct{}{}
			}
		}
	}
	for _, id := range pendingTargets {
		if id != "" {
			idents[id] = struct{}{}
		}
	}

	msgs := make([]models.Message, 0, len(idents))
	loaded := make(map[string]struct{})
	for ident := range idents {
		var msgKey string
		err := s.get(keys.GenIdentIndexKey(conv, ident), &msgKey)
		if errors.Is(err, pebble.ErrNotFound) {
			continue
		}
		if err != nil {
			if IsCorrupt(err) {
				return nil, err
			}
			return nil, transientErr("snapshot", err)
		}
		if _, ok := loaded[msgKey]; ok {
			continue
		}
		loaded[msgKey] = struct{}{}
		var msg models.Message
		if err := s.get(msgKey, &msg); err != nil {
			if errors.Is(err, pebble.ErrNotFound) {
				// dangling index entry counts as corruption
				return nil, corruptErr("snapshot", err)
			}
			if IsCorrupt(err) {
				return nil, err
			}
			return nil, transientErr("snapshot", err)
		}
		msgs = append(msgs, msg)
	}

	var seen []string
	for i := range events {
		ev := &events[i]
		key := keys.GenSeenIndexKey(conv, string(ev.Origin), ev.StableID())
		ok, err := s.has(key)
		if err != nil {
			return nil, err
		}
		if ok {
			seen = append(seen, ev.SeenKey())
		}
	}

	tl := timeline.New()
	tl.Seed(msgs, seen)
	return tl, nil
}
