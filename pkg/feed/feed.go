// Package feed consumes the transport collaborator's live event stream: a
// websocket delivering already-decoded events as JSON. Connection auth and
// session management belong to the transport; this adapter only reads typed
// events and hands them to the fold pipeline.
package feed

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"threadline/pkg/logger"
	"threadline/pkg/models"
)

// Sink receives each live event batch, grouped by conversation.
type Sink func(ctx context.Context, conv string, events []models.Event) error

// Feed is a reconnecting consumer of the live event stream.
type Feed struct {
	url     string
	sink    Sink
	backoff time.Duration
}

func New(url string, sink Sink) *Feed {
	return &Feed{url: url, sink: sink, backoff: time.Second}
}

// Run blocks until ctx is done, reconnecting with capped backoff whenever
// the stream drops. Events that fail to decode are dropped and logged; the
// stream itself stays up.
func (f *Feed) Run(ctx context.Context) {
	backoff := f.backoff
	for {
		if ctx.Err() != nil {
			return
		}
		err := f.consume(ctx)
		if ctx.Err() != nil {
			return
		}
		logger.Warn("feed_disconnected", "url", f.url, "error", err, "retry_in", backoff.String())
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff *= 2
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}
}

func (f *Feed) consume(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	logger.Info("feed_connected", "url", f.url)

	// unblock ReadMessage on shutdown
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var ev models.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			logger.Warn("feed_event_undecodable", "error", err)
			continue
		}
		ev.Origin = models.OriginLive
		if ev.ID == "" && ev.StanzaID == "" {
			// carbons of our own sends can arrive before the server echoes an
			// id; assign one locally so the event folds instead of bouncing
			ev.ID = models.GenMessageID()
		}
		if err := f.sink(ctx, ev.Conversation, []models.Event{ev}); err != nil {
			logger.Error("feed_sink_failed", "conversation", ev.Conversation, "error", err)
		}
	}
}
