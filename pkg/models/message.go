package models

import (
	"sort"

	"github.com/google/uuid"
)

// ReactionStamp records when and from where a sender's reaction set was last
// written, so replays resolve to the same winner regardless of arrival order.
type ReactionStamp struct {
	TS      int64  `json:"ts"`
	Origin  Origin `json:"origin"`
	EventID string `json:"event_id,omitempty"`
}

// Message is the materialized view of one logical message, derived entirely
// by folding events; it is never hand-constructed outside the reducer.
type Message struct {
	ID           string `json:"id"`
	StanzaID     string `json:"stanza_id,omitempty"`
	Conversation string `json:"conversation"`
	Sender       string `json:"sender"`
	CreatedTS    int64  `json:"created_ts"`

	// Body is empty once Retracted is set; the record itself survives as a
	// tombstone so identity and timeline position are retained.
	Body        string       `json:"body,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`

	// Reactions maps sender -> sorted emoji set (full replacement per
	// sender, XEP-style).
	Reactions map[string][]string `json:"reactions,omitempty"`

	Fastenings map[string]Fastening `json:"fastenings,omitempty"`

	IsEdited    bool `json:"is_edited,omitempty"`
	IsRead      bool `json:"is_read,omitempty"`
	IsDelivered bool `json:"is_delivered,omitempty"`
	Retracted   bool `json:"retracted,omitempty"`

	// Merge bookkeeping. Persisted so folds across process restarts keep
	// resolving last-write-wins the same way.
	// CreatedOrigin is the delivery path that stamped CreatedTS; the archive
	// copy carries the server stamp and overrides a live one on replay.
	CreatedOrigin    Origin                   `json:"created_origin,omitempty"`
	LastCorrectionTS int64                    `json:"last_correction_ts,omitempty"`
	LastCorrectionID string                   `json:"last_correction_id,omitempty"`
	RetractedTS      int64                    `json:"retracted_ts,omitempty"`
	ReactionStamps   map[string]ReactionStamp `json:"reaction_stamps,omitempty"`
}

// OrderID is the tie-break half of the total-order key: StanzaId once known,
// MessageId before that.
func (m *Message) OrderID() string {
	if m.StanzaID != "" {
		return m.StanzaID
	}
	return m.ID
}

// Idents lists the identities this message answers to. Both resolve to the
// same record once promotion has happened.
func (m *Message) Idents() []string {
	if m.StanzaID != "" && m.StanzaID != m.ID {
		return []string{m.ID, m.StanzaID}
	}
	return []string{m.ID}
}

// SetReaction replaces sender's emoji set, keeping it sorted so equal sets
// compare equal byte-for-byte.
func (m *Message) SetReaction(sender string, emojis []string) {
	if len(emojis) == 0 {
		delete(m.Reactions, sender)
		if len(m.Reactions) == 0 {
			m.Reactions = nil
		}
		return
	}
	set := append([]string(nil), emojis...)
	sort.Strings(set)
	set = dedupeSorted(set)
	if m.Reactions == nil {
		m.Reactions = make(map[string][]string)
	}
	m.Reactions[sender] = set
}

func dedupeSorted(in []string) []string {
	out := in[:0]
	for i, s := range in {
		if i > 0 && in[i-1] == s {
			continue
		}
		out = append(out, s)
	}
	return out
}

// GenMessageID returns a fresh client-generated message/event id.
// Origin-scoped, never reused.
func GenMessageID() string {
	return uuid.NewString()
}
