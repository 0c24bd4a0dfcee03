package store

import (
	"context"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"threadline/pkg/models"
	"threadline/pkg/store/keys"
	"threadline/pkg/telemetry"
)

const testConv = "room@example.org"

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), Options{DisableWAL: true})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func appendEv(id, stanza string, ts int64, body string) models.Event {
	return models.Event{
		ID:           id,
		StanzaID:     stanza,
		Kind:         models.EventAppend,
		Conversation: testConv,
		Sender:       "alice@example.org",
		TS:           ts,
		Origin:       models.OriginLive,
		Body:         body,
	}
}

func seedMessages(t *testing.T, s *Store, n int) {
	t.Helper()
	events := make([]models.Event, 0, n)
	for i := 1; i <= n; i++ {
		events = append(events, appendEv(fmt.Sprintf("m%03d", i), "", int64(i*100), fmt.Sprintf("msg %d", i)))
	}
	res, err := s.Upsert(context.Background(), testConv, events)
	require.NoError(t, err)
	require.Len(t, res.Created, n)
}

func TestUpsertAndPageRoundtrip(t *testing.T) {
	s := openTestStore(t)
	seedMessages(t, s, 5)

	page, err := s.Page(testConv, models.PageRequest{Limit: 10})
	require.NoError(t, err)
	require.Len(t, page.Messages, 5)
	assert.False(t, page.HasMore)
	for i, m := range page.Messages {
		assert.Equal(t, fmt.Sprintf("m%03d", i+1), m.ID)
		assert.Equal(t, fmt.Sprintf("msg %d", i+1), m.Body)
	}
}

func TestUpsertIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	events := []models.Event{appendEv("m1", "s1", 100, "hello")}

	first, err := s.Upsert(context.Background(), testConv, events)
	require.NoError(t, err)
	require.Len(t, first.Created, 1)

	second, err := s.Upsert(context.Background(), testConv, events)
	require.NoError(t, err)
	assert.True(t, second.Empty())
	assert.Equal(t, 1, second.Duplicates)

	meta, err := s.loadMeta(testConv)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), meta.EventCount)
}

func TestUpsertDropsMalformedEvents(t *testing.T) {
	s := openTestStore(t)
	events := []models.Event{
		appendEv("m1", "", 100, "ok"),
		{Kind: models.EventAppend, Conversation: testConv, TS: 100, Origin: models.OriginLive}, // no id, no sender
		{ID: "m2", Kind: "bogus", Conversation: testConv, TS: 100, Origin: models.OriginLive},
	}

	res, err := s.Upsert(context.Background(), testConv, events)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, res.Created)
	assert.Len(t, res.Accepted, 1)
}

func TestUpsertRejectsBadConversationKey(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Upsert(context.Background(), "has:colon", []models.Event{appendEv("m1", "", 100, "x")})
	assert.Error(t, err)
	_, err = s.Upsert(context.Background(), "", nil)
	assert.Error(t, err)
}

func TestIdentityPromotionMovesStorageKey(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Upsert(ctx, testConv, []models.Event{appendEv("m1", "", 100, "hi")})
	require.NoError(t, err)

	archived := appendEv("m1", "s1", 100, "hi")
	archived.Origin = models.OriginArchive
	res, err := s.Upsert(ctx, testConv, []models.Event{archived})
	require.NoError(t, err)
	require.Equal(t, []string{"m1"}, res.Updated)

	// one record, addressable by both identities, stored under the
	// stanza-id ordered key
	page, err := s.Page(testConv, models.PageRequest{})
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "s1", page.Messages[0].StanzaID)

	byClient, ok, err := s.MessageByIdent(testConv, "m1")
	require.NoError(t, err)
	require.True(t, ok)
	byStanza, ok, err := s.MessageByIdent(testConv, "s1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, byClient, byStanza)

	// the pre-promotion storage key is gone
	_, closer, err := s.db.Get([]byte(keys.GenMessageKey(testConv, 100, "m1")))
	if err == nil {
		closer.Close()
	}
	assert.Error(t, err)
}

func TestArchiveCopyRepositionsMessage(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Upsert(ctx, testConv, []models.Event{appendEv("m1", "", 100, "hi")})
	require.NoError(t, err)

	// the archive copy carries the server stamp; the record moves to it
	archived := appendEv("m1", "s1", 105, "hi")
	archived.Origin = models.OriginArchive
	_, err = s.Upsert(ctx, testConv, []models.Event{archived})
	require.NoError(t, err)

	page, err := s.Page(testConv, models.PageRequest{})
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, int64(105), page.Messages[0].CreatedTS)
	assert.Equal(t, models.OriginArchive, page.Messages[0].CreatedOrigin)

	_, closer, err := s.db.Get([]byte(keys.GenMessageKey(testConv, 100, "m1")))
	if err == nil {
		closer.Close()
	}
	assert.Error(t, err, "pre-reposition storage key must be deleted")
}

func TestPageBackwardThenContinue(t *testing.T) {
	s := openTestStore(t)
	seedMessages(t, s, 7)

	page1, err := s.Page(testConv, models.PageRequest{Limit: 3})
	require.NoError(t, err)
	require.Len(t, page1.Messages, 3)
	assert.True(t, page1.HasMore)
	assert.Equal(t, "m005", page1.Messages[0].ID)
	assert.Equal(t, "m007", page1.Messages[2].ID)

	page2, err := s.Page(testConv, models.PageRequest{Limit: 3, Cursor: page1.NextCursor})
	require.NoError(t, err)
	require.Len(t, page2.Messages, 3)
	assert.Equal(t, "m002", page2.Messages[0].ID)
	assert.Equal(t, "m004", page2.Messages[2].ID)

	page3, err := s.Page(testConv, models.PageRequest{Limit: 3, Cursor: page2.NextCursor})
	require.NoError(t, err)
	require.Len(t, page3.Messages, 1)
	assert.False(t, page3.HasMore)
	assert.Equal(t, "m001", page3.Messages[0].ID)
}

func TestPageForward(t *testing.T) {
	s := openTestStore(t)
	seedMessages(t, s, 5)

	page1, err := s.Page(testConv, models.PageRequest{Direction: models.DirectionForward, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page1.Messages, 2)
	assert.True(t, page1.HasMore)
	assert.Equal(t, "m001", page1.Messages[0].ID)

	page2, err := s.Page(testConv, models.PageRequest{
		Direction: models.DirectionForward, Limit: 2, Cursor: page1.NextCursor,
	})
	require.NoError(t, err)
	require.Len(t, page2.Messages, 2)
	assert.Equal(t, "m003", page2.Messages[0].ID)
}

func TestPageStableUnderNewerInserts(t *testing.T) {
	s := openTestStore(t)
	seedMessages(t, s, 6)

	page1, err := s.Page(testConv, models.PageRequest{Limit: 2})
	require.NoError(t, err)
	require.Equal(t, "m005", page1.Messages[0].ID)

	// newer messages landing mid-pagination must not shift the next page
	_, err = s.Upsert(context.Background(), testConv, []models.Event{
		appendEv("m100", "", 10000, "new"),
	})
	require.NoError(t, err)

	page2, err := s.Page(testConv, models.PageRequest{Limit: 2, Cursor: page1.NextCursor})
	require.NoError(t, err)
	require.Len(t, page2.Messages, 2)
	assert.Equal(t, "m003", page2.Messages[0].ID)
	assert.Equal(t, "m004", page2.Messages[1].ID)
}

func TestPageCursorConversationMismatch(t *testing.T) {
	s := openTestStore(t)
	seedMessages(t, s, 2)

	page, err := s.Page(testConv, models.PageRequest{Limit: 1})
	require.NoError(t, err)

	_, err = s.Page("other@example.org", models.PageRequest{Cursor: page.NextCursor})
	assert.Error(t, err)
}

func TestArchiveRefRoundtrip(t *testing.T) {
	s := openTestStore(t)

	ref, err := s.ArchiveRef(testConv)
	require.NoError(t, err)
	assert.Nil(t, ref)

	want := models.ArchivedMessageRef{StanzaID: "s42", Timestamp: 4200}
	require.NoError(t, s.SetArchiveRef(testConv, want))

	got, err := s.ArchiveRef(testConv)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want, *got)
}

func TestArchiveRefCorruptDegradesToNil(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.db.Set([]byte(keys.GenRefKey(testConv)), []byte("{broken"), s.writeOpt()))

	ref, err := s.ArchiveRef(testConv)
	require.NoError(t, err)
	assert.Nil(t, ref)
}

func TestDraftLifecycle(t *testing.T) {
	s := openTestStore(t)

	d, err := s.Draft(testConv)
	require.NoError(t, err)
	assert.Nil(t, d)

	require.NoError(t, s.SetDraft(testConv, "typing..."))
	require.NoError(t, s.SetDraft(testConv, "typing more"))

	d, err = s.Draft(testConv)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "typing more", d.Text)

	require.NoError(t, s.ClearDraft(testConv))
	d, err = s.Draft(testConv)
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestConversationsListing(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Upsert(ctx, "a@example.org", []models.Event{{
		ID: "m1", Kind: models.EventAppend, Conversation: "a@example.org",
		Sender: "x@example.org", TS: 100, Origin: models.OriginLive, Body: "a",
	}})
	require.NoError(t, err)
	_, err = s.Upsert(ctx, "b@example.org", []models.Event{{
		ID: "m2", Kind: models.EventAppend, Conversation: "b@example.org",
		Sender: "x@example.org", TS: 100, Origin: models.OriginLive, Body: "b",
	}})
	require.NoError(t, err)

	convs, err := s.Conversations()
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, "a@example.org", convs[0].Key)
	assert.Equal(t, "b@example.org", convs[1].Key)
	assert.Equal(t, uint64(1), convs[0].EventCount)
}

func TestEventLogKeepsAllEvents(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	retract := models.Event{
		ID: "e2", Kind: models.EventRetraction, Conversation: testConv,
		Sender: "alice@example.org", Target: "m1", TS: 200, Origin: models.OriginLive,
	}
	_, err := s.Upsert(ctx, testConv, []models.Event{appendEv("m1", "", 100, "hi"), retract})
	require.NoError(t, err)

	log, err := s.EventLog(testConv)
	require.NoError(t, err)
	require.Len(t, log, 2)
	assert.Equal(t, models.EventAppend, log[0].Kind)
	assert.Equal(t, models.EventRetraction, log[1].Kind)
	// the log keeps the retracted body even though the message table does not
	assert.Equal(t, "hi", log[0].Body)
}

func TestRebuildRestoresMessageTable(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	corr := models.Event{
		ID: "e2", Kind: models.EventCorrection, Conversation: testConv,
		Sender: "alice@example.org", Target: "m1", TS: 150, Origin: models.OriginLive, Body: "edited",
	}
	_, err := s.Upsert(ctx, testConv, []models.Event{appendEv("m1", "s1", 100, "hi"), corr})
	require.NoError(t, err)

	before, err := s.Page(testConv, models.PageRequest{})
	require.NoError(t, err)

	// smash the derived table; the raw log stays intact
	msgKey := keys.GenMessageKey(testConv, 100, "s1")
	require.NoError(t, s.db.Set([]byte(msgKey), []byte("{broken"), s.writeOpt()))

	require.NoError(t, s.Rebuild(testConv))

	after, err := s.Page(testConv, models.PageRequest{})
	require.NoError(t, err)
	assert.Equal(t, before.Messages, after.Messages)
	assert.Equal(t, "edited", after.Messages[0].Body)
	assert.True(t, after.Messages[0].IsEdited)
}

func TestRebuildCountsDanglingModifiers(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// a retraction whose target never arrives stays buffered, but the event
	// itself is in the log and replays on rebuild
	ret := models.Event{
		ID: "e1", Kind: models.EventRetraction, Conversation: testConv,
		Target: "ghost", TS: 150, Origin: models.OriginLive,
	}
	res, err := s.Upsert(ctx, testConv, []models.Event{ret})
	require.NoError(t, err)
	require.True(t, res.Empty())

	before := testutil.ToFloat64(telemetry.Anomalies)
	require.NoError(t, s.Rebuild(testConv))
	assert.Equal(t, 1.0, testutil.ToFloat64(telemetry.Anomalies)-before)
}

func TestUpsertRecoversFromDanglingIndex(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Upsert(ctx, testConv, []models.Event{appendEv("m1", "", 100, "hi")})
	require.NoError(t, err)

	// delete the message record but leave its identity index behind
	require.NoError(t, s.db.Delete([]byte(keys.GenMessageKey(testConv, 100, "m1")), s.writeOpt()))

	corr := models.Event{
		ID: "e2", Kind: models.EventCorrection, Conversation: testConv,
		Sender: "alice@example.org", Target: "m1", TS: 150, Origin: models.OriginLive, Body: "edited",
	}
	res, err := s.Upsert(ctx, testConv, []models.Event{corr})
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, res.Updated)

	msg, ok, err := s.MessageByIdent(testConv, "m1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "edited", msg.Body)
}

func TestMessageByIdentClassifiesFailures(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Upsert(ctx, testConv, []models.Event{appendEv("m1", "", 100, "hi")})
	require.NoError(t, err)

	// an undecodable record surfaces as corrupt, never as a bare error
	msgKey := keys.GenMessageKey(testConv, 100, "m1")
	require.NoError(t, s.db.Set([]byte(msgKey), []byte("{broken"), s.writeOpt()))
	_, _, err = s.MessageByIdent(testConv, "m1")
	require.Error(t, err)
	assert.True(t, IsCorrupt(err))

	// so does an index entry whose record is gone
	require.NoError(t, s.db.Delete([]byte(msgKey), s.writeOpt()))
	_, _, err = s.MessageByIdent(testConv, "m1")
	require.Error(t, err)
	assert.True(t, IsCorrupt(err))
	var ce *CacheError
	assert.ErrorAs(t, err, &ce)
}

func TestPendingModifierResolvesAcrossUpserts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	corr := models.Event{
		ID: "e1", Kind: models.EventCorrection, Conversation: testConv,
		Sender: "alice@example.org", Target: "m1", TS: 150, Origin: models.OriginArchive, Body: "edited",
	}
	res, err := s.Upsert(ctx, testConv, []models.Event{corr})
	require.NoError(t, err)
	assert.True(t, res.Empty())

	res, err = s.Upsert(ctx, testConv, []models.Event{appendEv("m1", "", 100, "orig")})
	require.NoError(t, err)
	require.Equal(t, []string{"m1"}, res.Created)

	msg, ok, err := s.MessageByIdent(testConv, "m1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "edited", msg.Body)
	assert.True(t, msg.IsEdited)
}
