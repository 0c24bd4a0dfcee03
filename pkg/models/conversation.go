package models

// Conversation is the per-room/peer metadata record. It plays the role the
// thread record plays in a thread store: updated alongside every upsert so
// conversations can be enumerated without scanning message keys.
type Conversation struct {
	Key       string `json:"key"`
	CreatedTS int64  `json:"created_ts,omitempty"`
	UpdatedTS int64  `json:"updated_ts,omitempty"`
	// EventCount counts folded (non-duplicate) events.
	EventCount uint64 `json:"event_count,omitempty"`
}

// ArchivedMessageRef marks the most recent point the client has fully
// synchronized against the remote archive for a conversation. Backfill
// anchors on the (StanzaID, Timestamp) pair by position, not by requiring
// the referenced message to still exist.
type ArchivedMessageRef struct {
	StanzaID  string `json:"stanza_id"`
	Timestamp int64  `json:"timestamp"`
}

// Draft is per-conversation local-only composer text. Drafts never carry a
// StanzaId and never participate in the event/message model or archive sync.
type Draft struct {
	Conversation string `json:"conversation"`
	Text         string `json:"text"`
	UpdatedTS    int64  `json:"updated_ts"`
}
