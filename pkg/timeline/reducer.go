package timeline

import (
	"sort"

	"threadline/pkg/models"
)

// FoldResult reports the outcome of one fold call.
type FoldResult struct {
	// Created, Updated and Unchanged carry message ids (client ids) for
	// delegate notifications. Unchanged lists messages that were targeted
	// by at least one event with no observable effect.
	Created   []string
	Updated   []string
	Unchanged []string

	// Dirty holds every message record that must be re-persisted, including
	// bookkeeping-only changes with no observable effect.
	Dirty []*models.Message

	// Accepted are the events newly taken into the log this call
	// (valid, not duplicates). Buffered unresolved events are included:
	// they are part of the log even while their target is unknown.
	Accepted []models.Event

	Duplicates int
	Anomalies  int
}

// Empty reports whether the fold had no observable effect.
func (r *FoldResult) Empty() bool {
	return len(r.Created) == 0 && len(r.Updated) == 0
}

type foldState struct {
	tl      *Timeline
	created map[*models.Message]struct{}
	updated map[*models.Message]struct{}
	touched map[*models.Message]struct{}
	dirty   map[*models.Message]struct{}
}

// Fold applies a batch of events to the timeline. The batch may arrive in
// any order and may contain duplicates of already-folded events; both are
// normalized here. Unresolved modifiers move to pending and are re-attempted
// on subsequent folds until their bound expires.
func Fold(tl *Timeline, pending *Pending, events []models.Event) FoldResult {
	var res FoldResult
	st := &foldState{
		tl:      tl,
		created: make(map[*models.Message]struct{}),
		updated: make(map[*models.Message]struct{}),
		touched: make(map[*models.Message]struct{}),
		dirty:   make(map[*models.Message]struct{}),
	}

	// Normalize: drop events seen in earlier folds or duplicated within the
	// batch, then establish the canonical apply order.
	batch := make([]pendingItem, 0, len(events))
	for _, ev := range events {
		key := ev.SeenKey()
		if tl.HasSeen(key) {
			res.Duplicates++
			continue
		}
		tl.seen[key] = struct{}{}
		res.Accepted = append(res.Accepted, ev)
		batch = append(batch, pendingItem{ev: ev})
	}
	batch = append(batch, pending.take()...)
	sort.SliceStable(batch, func(i, j int) bool {
		return batch[i].ev.Less(&batch[j].ev)
	})

	// Appends first so modifiers addressing either identity of a message
	// seeded in the same batch resolve immediately.
	for _, it := range batch {
		if it.ev.Kind == models.EventAppend {
			st.applyAppend(&it.ev)
		}
	}
	for _, it := range batch {
		if it.ev.Kind == models.EventAppend {
			continue
		}
		target := tl.Lookup(it.ev.Target)
		if target == nil {
			left := it.foldsLeft
			if left == 0 {
				left = pending.bound
			}
			left--
			if left <= 0 {
				res.Anomalies++
				continue
			}
			pending.add(it.ev, left)
			continue
		}
		st.applyModifier(target, &it.ev)
	}

	for m := range st.created {
		res.Created = append(res.Created, m.ID)
	}
	for m := range st.updated {
		if _, ok := st.created[m]; ok {
			continue
		}
		res.Updated = append(res.Updated, m.ID)
	}
	for m := range st.touched {
		if _, isC := st.created[m]; isC {
			continue
		}
		if _, isU := st.updated[m]; isU {
			continue
		}
		res.Unchanged = append(res.Unchanged, m.ID)
	}
	for m := range st.dirty {
		res.Dirty = append(res.Dirty, m)
	}
	sort.Strings(res.Created)
	sort.Strings(res.Updated)
	sort.Strings(res.Unchanged)
	sort.Slice(res.Dirty, func(i, j int) bool { return res.Dirty[i].ID < res.Dirty[j].ID })
	return res
}

func (st *foldState) applyAppend(ev *models.Event) {
	existing := st.tl.Lookup(ev.ID)
	if existing == nil && ev.StanzaID != "" {
		existing = st.tl.Lookup(ev.StanzaID)
	}
	if existing != nil {
		st.touched[existing] = struct{}{}
		// Identity promotion: the archive copy of a live message brings the
		// server-assigned id; both identities merge into one record.
		if existing.StanzaID == "" && ev.StanzaID != "" {
			existing.StanzaID = ev.StanzaID
			st.tl.byIdent[ev.StanzaID] = existing
			st.updated[existing] = struct{}{}
			st.dirty[existing] = struct{}{}
		}
		if observable, mutated := reconcileCreatedTS(existing, ev); mutated {
			st.dirty[existing] = struct{}{}
			if observable {
				st.updated[existing] = struct{}{}
			}
		}
		// A replayed Append never resurrects a tombstone and never rewrites
		// body or attachments on an already-seeded message.
		return
	}

	id := ev.ID
	if id == "" {
		id = ev.StableID()
	}
	msg := &models.Message{
		ID:            id,
		StanzaID:      ev.StanzaID,
		Conversation:  ev.Conversation,
		Sender:        ev.Sender,
		CreatedTS:     ev.TS,
		CreatedOrigin: ev.Origin,
		Body:          ev.Body,
		Attachments:   append([]models.Attachment(nil), ev.Attachments...),
	}
	for _, ident := range msg.Idents() {
		st.tl.byIdent[ident] = msg
	}
	st.created[msg] = struct{}{}
	st.dirty[msg] = struct{}{}
}

// reconcileCreatedTS merges a replayed Append's timestamp into the record.
// The live and archive copies of one message can carry different stamps; the
// archive stamp is server-assigned and wins, and within one origin the
// earliest stamp wins. The merge is commutative, so any split or ordering of
// the copies settles the message on one timeline position.
func reconcileCreatedTS(msg *models.Message, ev *models.Event) (observable, mutated bool) {
	if ev.Origin == msg.CreatedOrigin {
		if ev.TS >= msg.CreatedTS {
			return false, false
		}
		msg.CreatedTS = ev.TS
		return true, true
	}
	if ev.Origin != models.OriginArchive {
		return false, false
	}
	observable = msg.CreatedTS != ev.TS
	msg.CreatedTS = ev.TS
	msg.CreatedOrigin = models.OriginArchive
	return observable, true
}

func (st *foldState) applyModifier(msg *models.Message, ev *models.Event) {
	st.touched[msg] = struct{}{}
	observable, mutated := false, false

	switch ev.Kind {
	case models.EventCorrection:
		observable, mutated = st.applyCorrection(msg, ev)
	case models.EventReactionSet:
		observable, mutated = st.applyReaction(msg, ev)
	case models.EventRetraction:
		observable, mutated = st.applyRetraction(msg, ev)
	case models.EventFastening:
		observable = applyFastening(msg, ev)
		mutated = observable
	case models.EventReadMarker:
		if !msg.IsRead {
			msg.IsRead = true
			observable, mutated = true, true
		}
	case models.EventDeliveryMarker:
		if !msg.IsDelivered {
			msg.IsDelivered = true
			observable, mutated = true, true
		}
	case models.EventAppend:
		// handled in the first pass
	}

	if observable {
		st.updated[msg] = struct{}{}
	}
	if mutated {
		st.dirty[msg] = struct{}{}
	}
}

// applyCorrection replaces the body if this correction is newer than the
// last applied one. Equal timestamps break on the correction's stable id so
// replays in any order settle on the same body. Tombstones are sticky:
// the correction stamp still advances on a retracted message (so folds in
// any order converge on identical records) but the body stays cleared.
func (st *foldState) applyCorrection(msg *models.Message, ev *models.Event) (observable, mutated bool) {
	if ev.TS < msg.LastCorrectionTS {
		return false, false
	}
	if ev.TS == msg.LastCorrectionTS && ev.StableID() <= msg.LastCorrectionID {
		return false, false
	}
	msg.LastCorrectionTS = ev.TS
	msg.LastCorrectionID = ev.StableID()
	if msg.Retracted {
		return false, true
	}
	msg.Body = ev.Body
	msg.IsEdited = true
	return true, true
}

// applyReaction replaces the acting sender's emoji set, last write wins.
// Ties on timestamp fall to origin priority (archive is server-confirmed
// order and beats live), then to the event's stable id.
func (st *foldState) applyReaction(msg *models.Message, ev *models.Event) (observable, mutated bool) {
	stamp := models.ReactionStamp{TS: ev.TS, Origin: ev.Origin, EventID: ev.StableID()}
	prev, has := msg.ReactionStamps[ev.Sender]
	if has && !stampWins(stamp, prev) {
		return false, false
	}

	before := append([]string(nil), msg.Reactions[ev.Sender]...)
	msg.SetReaction(ev.Sender, ev.Emojis)
	if msg.ReactionStamps == nil {
		msg.ReactionStamps = make(map[string]models.ReactionStamp)
	}
	msg.ReactionStamps[ev.Sender] = stamp
	return !equalStrings(before, msg.Reactions[ev.Sender]), true
}

// stampWins reports whether next supersedes prev.
func stampWins(next, prev models.ReactionStamp) bool {
	if next.TS != prev.TS {
		return next.TS > prev.TS
	}
	if next.Origin != prev.Origin {
		return next.Origin == models.OriginArchive
	}
	return next.EventID > prev.EventID
}

// applyRetraction tombstones the message: body and attachments become
// inaccessible, identity and position persist. Monotonic: nothing folded
// later can undo it. RetractedTS settles on the earliest retraction seen so
// replay order cannot change the record.
func (st *foldState) applyRetraction(msg *models.Message, ev *models.Event) (observable, mutated bool) {
	if msg.Retracted {
		if ev.TS < msg.RetractedTS {
			msg.RetractedTS = ev.TS
			return false, true
		}
		return false, false
	}
	msg.Retracted = true
	msg.RetractedTS = ev.TS
	msg.Body = ""
	msg.Attachments = nil
	msg.IsEdited = false
	return true, true
}

// applyFastening upserts the fastening keyed by its id, last write wins per
// id; equal timestamps break on payload content.
func applyFastening(msg *models.Message, ev *models.Event) bool {
	f := *ev.Fastening
	if f.TS == 0 {
		f.TS = ev.TS
	}
	prev, has := msg.Fastenings[f.ID]
	if has {
		if f.TS < prev.TS {
			return false
		}
		if f.TS == prev.TS && f.Payload <= prev.Payload {
			return false
		}
	}
	if msg.Fastenings == nil {
		msg.Fastenings = make(map[string]models.Fastening)
	}
	msg.Fastenings[f.ID] = f
	return true
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
