package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"threadline/pkg/models"
)

type collector struct {
	mu     sync.Mutex
	events []models.Event
}

func (c *collector) sink(_ context.Context, _ string, events []models.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, events...)
	return nil
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func wsServer(t *testing.T, payloads []string) string {
	t.Helper()
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, p := range payloads {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(p)); err != nil {
				return
			}
		}
		// hold the stream open until the client goes away
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestFeedDeliversEventsToSink(t *testing.T) {
	url := wsServer(t, []string{
		`{"id":"m1","kind":"append","conversation":"room@example.org","sender":"alice@example.org","ts":100,"body":"hi"}`,
		`not json at all`,
		`{"id":"e2","kind":"retraction","conversation":"room@example.org","target":"m1","ts":200}`,
	})

	c := &collector{}
	f := New(url, c.sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.Run(ctx)
	}()

	require.Eventually(t, func() bool { return c.count() == 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Equal(t, "m1", c.events[0].ID)
	assert.Equal(t, models.EventRetraction, c.events[1].Kind)
	// whatever the wire said, live delivery stamps the live origin
	for _, ev := range c.events {
		assert.Equal(t, models.OriginLive, ev.Origin)
	}
}

func TestFeedAssignsIDToUnidentifiedEvents(t *testing.T) {
	url := wsServer(t, []string{
		`{"kind":"append","conversation":"room@example.org","sender":"alice@example.org","ts":100,"body":"no id on the wire"}`,
		`{"stanza_id":"s2","kind":"append","conversation":"room@example.org","sender":"alice@example.org","ts":200,"body":"server stamped"}`,
	})

	c := &collector{}
	f := New(url, c.sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.Run(ctx)
	}()

	require.Eventually(t, func() bool { return c.count() == 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.NotEmpty(t, c.events[0].ID, "event without any id gets a local one")
	assert.NoError(t, c.events[0].Validate())
	// events that already carry a stanza id keep it as their sole identity
	assert.Empty(t, c.events[1].ID)
	assert.Equal(t, "s2", c.events[1].StanzaID)
}

func TestFeedStopsOnContextCancel(t *testing.T) {
	url := wsServer(t, nil)
	f := New(url, (&collector{}).sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.Run(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("feed did not stop on cancel")
	}
}
