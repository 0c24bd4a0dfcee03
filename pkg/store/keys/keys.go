// Package keys defines the persisted key layout. All keys are ":"-separated
// with fixed-width padded numerics so lexicographic order equals timeline
// order.
package keys

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// notation:
	// c     = conversation
	// e     = raw event log entry
	// m     = materialized message
	// idx   = index
	// ref   = archive sync reference
	// draft = local draft
	// <...> = variable segment

	EventKey   = "c:%s:e:%s:%s" // c:<conv>:e:<ts20>:<event_id>
	MessageKey = "c:%s:m:%s:%s" // c:<conv>:m:<ts20>:<order_id>
	MetaKey    = "c:%s:meta"    // c:<conv>:meta

	IdentIndexKey = "idx:c:%s:id:%s"      // idx:c:<conv>:id:<ident> -> message key
	SeenIndexKey  = "idx:c:%s:seen:%s:%s" // idx:c:<conv>:seen:<origin>:<stable_id>

	RefKey   = "ref:%s"   // ref:<conv>
	DraftKey = "draft:%s" // draft:<conv>

	SchemaVersionKey = "system:schema_version"

	// fixed width for lexicographic ordering
	TSPadWidth = 20 // %020d
)

func PadTS(ts int64) string {
	return fmt.Sprintf("%0*d", TSPadWidth, ts)
}

// ValidateConversation rejects keys that would break the ":"-separated
// layout.
func ValidateConversation(conv string) error {
	if conv == "" {
		return fmt.Errorf("empty conversation key")
	}
	if strings.ContainsAny(conv, ": \n") {
		return fmt.Errorf("invalid conversation key %q", conv)
	}
	return nil
}

func GenEventKey(conv string, ts int64, eventID string) string {
	return fmt.Sprintf(EventKey, conv, PadTS(ts), eventID)
}

func GenMessageKey(conv string, ts int64, orderID string) string {
	return fmt.Sprintf(MessageKey, conv, PadTS(ts), orderID)
}

func GenMetaKey(conv string) string {
	return fmt.Sprintf(MetaKey, conv)
}

func GenIdentIndexKey(conv, ident string) string {
	return fmt.Sprintf(IdentIndexKey, conv, ident)
}

func GenSeenIndexKey(conv, origin, stableID string) string {
	return fmt.Sprintf(SeenIndexKey, conv, origin, stableID)
}

func GenRefKey(conv string) string {
	return fmt.Sprintf(RefKey, conv)
}

func GenDraftKey(conv string) string {
	return fmt.Sprintf(DraftKey, conv)
}

// Prefixes for range scans.
func EventPrefix(conv string) string   { return "c:" + conv + ":e:" }
func MessagePrefix(conv string) string { return "c:" + conv + ":m:" }
func ConvIndexPrefix(conv string) string {
	return "idx:c:" + conv + ":"
}

// ParsedMessageKey holds the components of a message storage key.
type ParsedMessageKey struct {
	Conversation string
	TS           int64
	OrderID      string
}

func ParseMessageKey(key string) (*ParsedMessageKey, error) {
	parts := strings.SplitN(key, ":", 5)
	if len(parts) != 5 || parts[0] != "c" || parts[2] != "m" {
		return nil, fmt.Errorf("not a message key: %q", key)
	}
	ts, err := strconv.ParseInt(strings.TrimLeft(parts[3], "0"), 10, 64)
	if err != nil {
		if strings.Trim(parts[3], "0") == "" {
			ts = 0
		} else {
			return nil, fmt.Errorf("bad timestamp in key %q: %w", key, err)
		}
	}
	return &ParsedMessageKey{Conversation: parts[1], TS: ts, OrderID: parts[4]}, nil
}
