// Package timeline folds protocol events into materialized conversation
// state. Folding is deterministic: the same multiset of events produces the
// same timeline no matter how the batch is ordered or split across calls.
package timeline

import (
	"sort"

	"threadline/pkg/models"
)

// Timeline is the materialized state of one conversation: messages addressed
// by every identity they answer to (MessageId and, once promoted, StanzaId),
// plus the set of already-folded event identities.
type Timeline struct {
	byIdent map[string]*models.Message
	seen    map[string]struct{}
}

func New() *Timeline {
	return &Timeline{
		byIdent: make(map[string]*models.Message),
		seen:    make(map[string]struct{}),
	}
}

// Seed loads existing materialized messages and folded-event markers into
// the timeline. The store uses it to build a snapshot of the records a batch
// can touch.
func (t *Timeline) Seed(msgs []models.Message, seenKeys []string) {
	for i := range msgs {
		m := msgs[i]
		cp := m
		for _, ident := range cp.Idents() {
			t.byIdent[ident] = &cp
		}
	}
	for _, k := range seenKeys {
		t.seen[k] = struct{}{}
	}
}

// Lookup resolves a message by either of its identities.
func (t *Timeline) Lookup(ident string) *models.Message {
	return t.byIdent[ident]
}

// HasSeen reports whether an event identity was already folded.
func (t *Timeline) HasSeen(seenKey string) bool {
	_, ok := t.seen[seenKey]
	return ok
}

// Messages returns all materialized messages in total order
// (timestamp, stanza-id-or-message-id).
func (t *Timeline) Messages() []models.Message {
	out := make([]models.Message, 0, len(t.byIdent))
	emitted := make(map[*models.Message]struct{}, len(t.byIdent))
	for _, m := range t.byIdent {
		if _, ok := emitted[m]; ok {
			continue
		}
		emitted[m] = struct{}{}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedTS != out[j].CreatedTS {
			return out[i].CreatedTS < out[j].CreatedTS
		}
		return out[i].OrderID() < out[j].OrderID()
	})
	return out
}
