package timeline

import "threadline/pkg/models"

// DefaultPendingFolds bounds how many folds an event referencing an unknown
// target survives before it is dropped and counted as an anomaly. Archive
// pages can deliver a correction before its target, so dropping immediately
// would lose data; holding forever would leak on genuinely dangling refs.
const DefaultPendingFolds = 3

type pendingItem struct {
	ev        models.Event
	foldsLeft int
}

// Pending buffers modifier events whose target has not been observed yet.
// One Pending instance lives per conversation and carries over between
// folds; it is not persisted (a rebuild from the event log re-resolves
// everything anyway).
type Pending struct {
	bound int
	items []pendingItem
}

func NewPending(bound int) *Pending {
	if bound <= 0 {
		bound = DefaultPendingFolds
	}
	return &Pending{bound: bound}
}

// take removes and returns all buffered events for re-attempt.
func (p *Pending) take() []pendingItem {
	items := p.items
	p.items = nil
	return items
}

func (p *Pending) add(ev models.Event, foldsLeft int) {
	if foldsLeft <= 0 {
		foldsLeft = p.bound
	}
	p.items = append(p.items, pendingItem{ev: ev, foldsLeft: foldsLeft})
}

// Len reports how many events are currently buffered.
func (p *Pending) Len() int {
	return len(p.items)
}

// Targets lists the message identities buffered events are waiting on, so a
// fold snapshot can include them even when the incoming batch does not.
func (p *Pending) Targets() []string {
	out := make([]string, 0, len(p.items))
	for _, it := range p.items {
		out = append(out, it.ev.Target)
	}
	return out
}
