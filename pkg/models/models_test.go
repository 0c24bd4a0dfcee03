package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageCursorRoundtrip(t *testing.T) {
	enc := EncodeMessageCursor("room@example.org", 12345, "s42")
	mc, err := DecodeMessageCursor(enc)
	require.NoError(t, err)
	assert.Equal(t, "room@example.org", mc.Conversation)
	assert.Equal(t, int64(12345), mc.Timestamp)
	assert.Equal(t, "s42", mc.OrderID)
}

func TestDecodeMessageCursorGarbage(t *testing.T) {
	for _, raw := range []string{"", "not-base64!!", "bm90IGpzb24="} {
		_, err := DecodeMessageCursor(raw)
		assert.Error(t, err, "cursor %q", raw)
	}
}

func TestEventValidate(t *testing.T) {
	base := func() Event {
		return Event{
			ID: "m1", Kind: EventAppend, Conversation: "room@example.org",
			Sender: "alice@example.org", TS: 100, Origin: OriginLive,
		}
	}

	cases := map[string]struct {
		mutate  func(*Event)
		wantErr bool
	}{
		"valid append":            {func(e *Event) {}, false},
		"missing conversation":    {func(e *Event) { e.Conversation = "" }, true},
		"missing both ids":        {func(e *Event) { e.ID = "" }, true},
		"stanza id alone is fine": {func(e *Event) { e.ID = ""; e.StanzaID = "s1" }, false},
		"zero timestamp":          {func(e *Event) { e.TS = 0 }, true},
		"append without sender":   {func(e *Event) { e.Sender = "" }, true},
		"unknown kind":            {func(e *Event) { e.Kind = "bogus" }, true},
		"unknown origin":          {func(e *Event) { e.Origin = "carrier-pigeon" }, true},
		"correction needs target": {func(e *Event) { e.Kind = EventCorrection }, true},
		"correction with target":  {func(e *Event) { e.Kind = EventCorrection; e.Target = "m0" }, false},
		"reaction needs sender": {func(e *Event) {
			e.Kind = EventReactionSet
			e.Target = "m0"
			e.Sender = ""
		}, true},
		"fastening needs payload id": {func(e *Event) {
			e.Kind = EventFastening
			e.Target = "m0"
			e.Fastening = &Fastening{}
		}, true},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			ev := base()
			tc.mutate(&ev)
			err := ev.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestEventStableIDAndSeenKey(t *testing.T) {
	ev := Event{ID: "m1", Origin: OriginLive}
	assert.Equal(t, "m1", ev.StableID())
	assert.Equal(t, "live:m1", ev.SeenKey())

	ev.StanzaID = "s1"
	ev.Origin = OriginArchive
	assert.Equal(t, "s1", ev.StableID())
	assert.Equal(t, "archive:s1", ev.SeenKey())
}

func TestEventLess(t *testing.T) {
	a := Event{ID: "za", TS: 100}
	b := Event{ID: "ab", TS: 200}
	assert.True(t, a.Less(&b))
	assert.False(t, b.Less(&a))

	// equal timestamps break on stable id
	c := Event{ID: "m1", StanzaID: "s1", TS: 100}
	d := Event{ID: "m2", StanzaID: "s2", TS: 100}
	assert.True(t, c.Less(&d))
}

func TestSetReactionSortsAndDedupes(t *testing.T) {
	var m Message
	m.SetReaction("alice@example.org", []string{"🎉", "👍", "🎉"})
	assert.Equal(t, []string{"🎉", "👍"}, m.Reactions["alice@example.org"])

	m.SetReaction("alice@example.org", nil)
	assert.Nil(t, m.Reactions)
}

func TestMessageIdents(t *testing.T) {
	m := Message{ID: "m1"}
	assert.Equal(t, []string{"m1"}, m.Idents())
	assert.Equal(t, "m1", m.OrderID())

	m.StanzaID = "s1"
	assert.Equal(t, []string{"m1", "s1"}, m.Idents())
	assert.Equal(t, "s1", m.OrderID())
}

func TestGenMessageIDUnique(t *testing.T) {
	a, b := GenMessageID(), GenMessageID()
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}
