package store

import (
	"threadline/pkg/logger"
	"threadline/pkg/store/keys"
	"threadline/pkg/telemetry"
	"threadline/pkg/timeline"
)

// Rebuild discards a conversation's derived message table and identity
// indexes and replays the raw event log through the reducer from empty
// state. It is the recovery path for corrupt persistence; the log itself is
// never touched.
func (s *Store) Rebuild(conv string) error {
	if err := keys.ValidateConversation(conv); err != nil {
		return err
	}
	cs := s.conv(conv)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return s.rebuildLocked(conv, cs)
}

func (s *Store) rebuildLocked(conv string, cs *convState) error {
	events, err := s.EventLog(conv)
	if err != nil {
		return err
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	for _, prefix := range []string{keys.MessagePrefix(conv), keys.ConvIndexPrefix(conv)} {
		if err := batch.DeleteRange([]byte(prefix), prefixUpperBound(prefix), nil); err != nil {
			return transientErr("rebuild", err)
		}
	}

	// replay in one fold: the reducer seeds appends before modifiers, so a
	// single pass resolves everything the log can resolve
	tl := timeline.New()
	pending := timeline.NewPending(s.pendingBound)
	res := timeline.Fold(tl, pending, events)

	for i := range res.Accepted {
		ev := &res.Accepted[i]
		batch.Set([]byte(keys.GenSeenIndexKey(conv, string(ev.Origin), ev.StableID())), []byte("1"), nil)
	}
	for _, msg := range tl.Messages() {
		msgKey := keys.GenMessageKey(conv, msg.CreatedTS, msg.OrderID())
		batch.Set([]byte(msgKey), marshal(&msg), nil)
		for _, ident := range msg.Idents() {
			batch.Set([]byte(keys.GenIdentIndexKey(conv, ident)), marshal(msgKey), nil)
		}
	}

	if err := s.db.Apply(batch, s.writeOpt()); err != nil {
		return transientErr("rebuild", err)
	}

	// Buffered modifiers from before the rebuild reference pre-replay state
	// and do not survive it. Their events are in the log, so anything the log
	// can resolve was resolved above; whatever the replay still could not
	// attach is gone for good and counted as such.
	dropped := res.Anomalies + pending.Len()
	if dropped > 0 {
		telemetry.Anomalies.Add(float64(dropped))
		logger.Warn("unresolved_references_dropped", "conversation", conv, "count", dropped)
	}
	cs.pending = timeline.NewPending(s.pendingBound)
	telemetry.Rebuilds.Inc()
	logger.Warn("conversation_rebuilt", "conversation", conv, "events", len(events), "messages", len(tl.Messages()))
	return nil
}
