package models

import (
	"fmt"
)

// Origin marks which delivery path produced an event. Archive events carry
// server-confirmed order and win ties against live events.
type Origin string

const (
	OriginLive    Origin = "live"
	OriginArchive Origin = "archive"
)

// EventKind discriminates the event union. The reducer switches over this
// exhaustively; adding a kind without teaching the reducer about it is a
// compile-visible change there, not a silent no-op.
type EventKind string

const (
	EventAppend         EventKind = "append"
	EventCorrection     EventKind = "correction"
	EventReactionSet    EventKind = "reaction_set"
	EventRetraction     EventKind = "retraction"
	EventFastening      EventKind = "fastening"
	EventReadMarker     EventKind = "read_marker"
	EventDeliveryMarker EventKind = "delivery_marker"
)

// Attachment is an opaque reference to out-of-band content shipped with an
// Append. The core never dereferences it.
type Attachment struct {
	URL       string `json:"url"`
	MediaType string `json:"media_type,omitempty"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
}

// Fastening attaches auxiliary data to an existing message without altering
// its body. Last write per fastening ID wins.
type Fastening struct {
	ID      string `json:"id"`
	Payload string `json:"payload"`
	TS      int64  `json:"ts,omitempty"`
}

// Event is a single protocol-derived occurrence attributable to a message.
// Events are immutable once constructed; the store keeps them as an
// append-only log so materialized state can always be re-derived.
type Event struct {
	// ID is the client-generated identifier of the event itself. For an
	// Append it doubles as the MessageId of the message it seeds.
	ID string `json:"id"`
	// StanzaID is the server-assigned archive-stable identifier, present
	// once the server accepted the message into permanent history.
	StanzaID string `json:"stanza_id,omitempty"`

	Kind         EventKind `json:"kind"`
	Conversation string    `json:"conversation"`
	Sender       string    `json:"sender,omitempty"`
	// Target identifies the message a modifier applies to, by MessageId or
	// StanzaId. Empty for Append.
	Target string `json:"target,omitempty"`
	// TS is the logical timestamp (ns).
	TS     int64  `json:"ts"`
	Origin Origin `json:"origin"`

	// Variant payload fields; which are meaningful depends on Kind.
	Body        string       `json:"body,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Emojis      []string     `json:"emojis,omitempty"`
	Fastening   *Fastening   `json:"fastening,omitempty"`
}

// StableID returns the archive-stable identity when known, the client id
// otherwise. Two events with equal StanzaID are the same occurrence
// regardless of delivery path.
func (e *Event) StableID() string {
	if e.StanzaID != "" {
		return e.StanzaID
	}
	return e.ID
}

// SeenKey is the dedupe identity of the event: (origin, stable id).
func (e *Event) SeenKey() string {
	return string(e.Origin) + ":" + e.StableID()
}

// Validate rejects events that cannot be folded. Malformed events are
// dropped at the ingestion boundary and counted, never partially applied.
func (e *Event) Validate() error {
	if e.Conversation == "" {
		return fmt.Errorf("event missing conversation")
	}
	if e.ID == "" && e.StanzaID == "" {
		return fmt.Errorf("event missing id")
	}
	if e.TS <= 0 {
		return fmt.Errorf("event missing timestamp")
	}
	switch e.Kind {
	case EventAppend:
		if e.Sender == "" {
			return fmt.Errorf("append missing sender")
		}
	case EventCorrection:
		if e.Target == "" {
			return fmt.Errorf("correction missing target")
		}
	case EventReactionSet:
		if e.Target == "" || e.Sender == "" {
			return fmt.Errorf("reaction missing target or sender")
		}
	case EventRetraction, EventReadMarker, EventDeliveryMarker:
		if e.Target == "" {
			return fmt.Errorf("%s missing target", e.Kind)
		}
	case EventFastening:
		if e.Target == "" || e.Fastening == nil || e.Fastening.ID == "" {
			return fmt.Errorf("fastening missing target or payload id")
		}
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	switch e.Origin {
	case OriginLive, OriginArchive:
	default:
		return fmt.Errorf("unknown origin %q", e.Origin)
	}
	return nil
}

// Less orders events by the total-order key (timestamp, stable id).
func (e *Event) Less(other *Event) bool {
	if e.TS != other.TS {
		return e.TS < other.TS
	}
	return e.StableID() < other.StableID()
}
