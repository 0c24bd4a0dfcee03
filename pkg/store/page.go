package store

import (
	"encoding/json"
	"errors"

	"github.com/cockroachdb/pebble"

	"threadline/pkg/models"
	"threadline/pkg/store/keys"
)

// DefaultPageLimit applies when a request does not set one.
const DefaultPageLimit = 50

// Page returns one page of materialized messages. Cursors anchor on the
// total-order key (timestamp, order id), so a page in progress is unaffected
// by newer messages landing concurrently. Backward pages toward older
// messages, forward toward newer; messages are always returned in ascending
// timeline order.
func (s *Store) Page(conv string, req models.PageRequest) (*models.PageResponse, error) {
	if err := keys.ValidateConversation(conv); err != nil {
		return nil, err
	}
	limit := req.Limit
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	dir := req.Direction
	if dir == "" {
		dir = models.DirectionBackward
	}

	prefix := keys.MessagePrefix(conv)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, transientErr("page", err)
	}
	defer iter.Close()

	var anchor string
	if req.Cursor != "" {
		mc, err := models.DecodeMessageCursor(req.Cursor)
		if err != nil {
			return nil, err
		}
		if mc.Conversation != conv {
			return nil, transientErr("page", errCursorMismatch)
		}
		anchor = keys.GenMessageKey(conv, mc.Timestamp, mc.OrderID)
	}

	var out []models.Message
	hasMore := false

	decode := func() (models.Message, error) {
		var m models.Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			return m, corruptErr("page", err)
		}
		return m, nil
	}

	switch dir {
	case models.DirectionForward:
		if anchor != "" {
			// exclusive: resume just past the cursor key
			iter.SeekGE(append([]byte(anchor), 0))
		} else {
			iter.First()
		}
		for ; iter.Valid(); iter.Next() {
			if len(out) == limit {
				hasMore = true
				break
			}
			m, err := decode()
			if err != nil {
				return nil, err
			}
			out = append(out, m)
		}
	default: // backward, newest first
		if anchor != "" {
			iter.SeekLT([]byte(anchor))
		} else {
			iter.Last()
		}
		for ; iter.Valid(); iter.Prev() {
			if len(out) == limit {
				hasMore = true
				break
			}
			m, err := decode()
			if err != nil {
				return nil, err
			}
			out = append(out, m)
		}
		// collected newest-to-oldest; present in timeline order
		reverse(out)
	}
	if err := iter.Error(); err != nil {
		return nil, transientErr("page", err)
	}

	resp := &models.PageResponse{Messages: out, HasMore: hasMore}
	if len(out) > 0 {
		// continuation anchor: the boundary message on the paging side
		edge := out[len(out)-1]
		if dir == models.DirectionBackward {
			edge = out[0]
		}
		resp.NextCursor = models.EncodeMessageCursor(conv, edge.CreatedTS, edge.OrderID())
	}
	return resp, nil
}

// MessageByIdent resolves a single materialized message by MessageId or
// StanzaId.
func (s *Store) MessageByIdent(conv, ident string) (*models.Message, bool, error) {
	if err := keys.ValidateConversation(conv); err != nil {
		return nil, false, err
	}
	var msgKey string
	err := s.get(keys.GenIdentIndexKey(conv, ident), &msgKey)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, false, nil
		}
		if IsCorrupt(err) {
			return nil, false, err
		}
		return nil, false, transientErr("message_by_ident", err)
	}
	var msg models.Message
	if err := s.get(msgKey, &msg); err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, false, corruptErr("message_by_ident", err)
		}
		if IsCorrupt(err) {
			return nil, false, err
		}
		return nil, false, transientErr("message_by_ident", err)
	}
	return &msg, true, nil
}

func reverse(msgs []models.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}

var errCursorMismatch = &cursorMismatchError{}

type cursorMismatchError struct{}

func (*cursorMismatchError) Error() string { return "cursor conversation mismatch" }
