package models

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Direction selects which side of the anchor a page covers.
type Direction string

const (
	// DirectionBackward pages toward older messages (newest first).
	DirectionBackward Direction = "backward"
	// DirectionForward pages toward newer messages (oldest first).
	DirectionForward Direction = "forward"
)

// PageRequest asks for one page of a conversation timeline. An empty Cursor
// starts from the newest (backward) or oldest (forward) end.
type PageRequest struct {
	Cursor    string    `json:"cursor,omitempty"`
	Direction Direction `json:"direction,omitempty"`
	Limit     int       `json:"limit,omitempty"`
}

// PageResponse is one page of materialized messages plus the continuation
// cursor. Cursors are anchored on the total-order key, not storage rows, so
// concurrent inserts of newer messages never shift an in-progress page.
type PageResponse struct {
	Messages   []Message `json:"messages"`
	HasMore    bool      `json:"has_more"`
	NextCursor string    `json:"next_cursor,omitempty"`
}

// MessageCursor is the decoded pagination anchor: the total-order key of the
// last message returned.
type MessageCursor struct {
	Conversation string `json:"conversation"`
	Timestamp    int64  `json:"timestamp"`
	OrderID      string `json:"order_id"`
}

func EncodeMessageCursor(conversation string, ts int64, orderID string) string {
	data, _ := json.Marshal(MessageCursor{
		Conversation: conversation,
		Timestamp:    ts,
		OrderID:      orderID,
	})
	return base64.StdEncoding.EncodeToString(data)
}

func DecodeMessageCursor(cursor string) (*MessageCursor, error) {
	data, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor: %w", err)
	}
	var mc MessageCursor
	if err := json.Unmarshal(data, &mc); err != nil {
		return nil, fmt.Errorf("invalid cursor: %w", err)
	}
	return &mc, nil
}
