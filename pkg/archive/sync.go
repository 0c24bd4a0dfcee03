package archive

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"threadline/pkg/logger"
	"threadline/pkg/models"
	"threadline/pkg/store"
	"threadline/pkg/telemetry"
)

// State is the per-conversation sync lifecycle.
type State string

const (
	StateIdle     State = "idle"
	StateFetching State = "fetching"
	StateMerging  State = "merging"
	StateFailed   State = "failed"
)

// Config tunes the sync engine.
type Config struct {
	PageSize int
	// InitialDepthPages bounds the first-ever backfill of a conversation.
	InitialDepthPages int
	// MaxCatchupWindow bounds how far back any catch-up reaches.
	MaxCatchupWindow time.Duration
	RetryAttempts    int
	RetryBackoff     time.Duration
	RequestTimeout   time.Duration
	// RateRPS/RateBurst throttle page fetches across all conversations.
	RateRPS   float64
	RateBurst int
	// VersionHint is used when the archive's advertised version cannot be
	// resolved.
	VersionHint Version
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.PageSize <= 0 {
		out.PageSize = 100
	}
	if out.InitialDepthPages <= 0 {
		out.InitialDepthPages = 10
	}
	if out.MaxCatchupWindow <= 0 {
		out.MaxCatchupWindow = 7 * 24 * time.Hour
	}
	if out.RetryAttempts <= 0 {
		out.RetryAttempts = 3
	}
	if out.RetryBackoff <= 0 {
		out.RetryBackoff = 500 * time.Millisecond
	}
	if out.RequestTimeout <= 0 {
		out.RequestTimeout = 30 * time.Second
	}
	if out.RateRPS <= 0 {
		out.RateRPS = 5
	}
	if out.RateBurst <= 0 {
		out.RateBurst = 10
	}
	if out.VersionHint == "" {
		out.VersionHint = VersionV2
	}
	return out
}

// SyncFailedError reports a catch-up run that exhausted its retries. The
// conversation stays readable from cache; callers surface "sync
// unavailable", not a read error.
type SyncFailedError struct {
	Conversation string
	Attempts     int
	Err          error
}

func (e *SyncFailedError) Error() string {
	return fmt.Sprintf("archive sync failed for %s after %d attempts: %v", e.Conversation, e.Attempts, e.Err)
}

func (e *SyncFailedError) Unwrap() error { return e.Err }

type flight struct {
	done chan struct{}
	err  error
}

// Syncer runs archive catch-up per conversation: at most one in-flight
// backfill per conversation (later callers join the running one), any number
// across conversations.
type Syncer struct {
	store   *store.Store
	svc     Service
	cfg     Config
	limiter *rate.Limiter

	mu       sync.Mutex
	inflight map[string]*flight
	states   map[string]State

	versionOnce sync.Once
	version     Version
}

func NewSyncer(s *store.Store, svc Service, cfg Config) *Syncer {
	cfg = (&cfg).withDefaults()
	return &Syncer{
		store:    s,
		svc:      svc,
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RateRPS), cfg.RateBurst),
		inflight: make(map[string]*flight),
		states:   make(map[string]State),
	}
}

// State reports the conversation's sync state.
func (s *Syncer) State(conv string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[conv]; ok {
		return st
	}
	return StateIdle
}

func (s *Syncer) setState(conv string, st State) {
	s.mu.Lock()
	s.states[conv] = st
	s.mu.Unlock()
}

// CatchUp reconciles the conversation with the remote archive. A concurrent
// call for the same conversation joins the in-flight run and returns its
// result. Cancelling the passed context detaches the caller; cancelling the
// context of the owning call discards the in-flight page unfolded and
// leaves the archive reference untouched.
func (s *Syncer) CatchUp(ctx context.Context, conv string) error {
	s.mu.Lock()
	if f, ok := s.inflight[conv]; ok {
		s.mu.Unlock()
		select {
		case <-f.done:
			return f.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f := &flight{done: make(chan struct{})}
	s.inflight[conv] = f
	s.mu.Unlock()

	f.err = s.run(ctx, conv)

	s.mu.Lock()
	delete(s.inflight, conv)
	s.states[conv] = StateIdle
	s.mu.Unlock()
	close(f.done)
	return f.err
}

func (s *Syncer) run(ctx context.Context, conv string) error {
	version := s.resolveVersion(ctx)

	ref, err := s.store.ArchiveRef(conv)
	if err != nil {
		return err
	}

	s.setState(conv, StateFetching)
	start := time.Now()
	var pages, folded int
	if ref == nil {
		pages, folded, err = s.initialBackfill(ctx, conv, version)
	} else {
		pages, folded, err = s.forwardFill(ctx, conv, version, *ref)
	}
	if err != nil {
		s.setState(conv, StateFailed)
		if _, isSync := err.(*SyncFailedError); isSync {
			telemetry.SyncFailures.Inc()
			logger.Warn("catch_up_failed", "conversation", conv, "error", err)
		}
		return err
	}

	logger.Info("catch_up_done", "conversation", conv, "pages", pages,
		"events", folded, "took_ms", time.Since(start).Milliseconds())
	return nil
}

// initialBackfill loads history newest-first until the configured depth, the
// catch-up window, or archive exhaustion. The archive reference is written
// only once the whole run succeeded: a crash or failure mid-backfill leaves
// no reference, and the idempotent refetch costs nothing.
func (s *Syncer) initialBackfill(ctx context.Context, conv string, version Version) (pages, folded int, err error) {
	cutoff := time.Now().Add(-s.cfg.MaxCatchupWindow).UTC().UnixNano()
	var newest *models.ArchivedMessageRef

	q := Query{Conversation: conv, PageSize: s.cfg.PageSize, Version: version}
	for {
		page, err := s.fetchPage(ctx, q)
		if err != nil {
			return pages, folded, err
		}
		if err := ctx.Err(); err != nil {
			// torn down mid-backfill: discard, don't fold
			return pages, folded, err
		}

		n, top, err := s.mergePage(ctx, conv, page)
		if err != nil {
			return pages, folded, err
		}
		pages++
		folded += n
		if newest == nil {
			newest = top
		}

		if !page.HasMore || pages >= s.cfg.InitialDepthPages {
			break
		}
		if oldest := oldestTS(page.Events); oldest > 0 && oldest < cutoff {
			break
		}
		q.Before = page.NextCursor
		q.SinceTS = 0
	}

	if newest != nil {
		if err := s.store.SetArchiveRef(conv, *newest); err != nil {
			return pages, folded, err
		}
	}
	return pages, folded, nil
}

// forwardFill fetches only pages newer than the stored reference. The
// anchor is positional (cursor or timestamp per protocol version), so a
// since-retracted reference message still anchors correctly. The reference
// advances page by page, each only after its events are folded and
// persisted.
func (s *Syncer) forwardFill(ctx context.Context, conv string, version Version, ref models.ArchivedMessageRef) (pages, folded int, err error) {
	cutoff := time.Now().Add(-s.cfg.MaxCatchupWindow).UTC().UnixNano()
	sinceTS := ref.Timestamp
	if sinceTS < cutoff {
		sinceTS = cutoff
	}

	q := Query{Conversation: conv, PageSize: s.cfg.PageSize, Version: version}
	switch version {
	case VersionV1:
		q.SinceTS = sinceTS
	default:
		q.After = ref.StanzaID
		q.SinceTS = sinceTS
	}

	for {
		page, err := s.fetchPage(ctx, q)
		if err != nil {
			return pages, folded, err
		}
		if err := ctx.Err(); err != nil {
			return pages, folded, err
		}

		n, top, err := s.mergePage(ctx, conv, page)
		if err != nil {
			return pages, folded, err
		}
		pages++
		folded += n
		if top != nil && top.Timestamp >= ref.Timestamp {
			ref = *top
			if err := s.store.SetArchiveRef(conv, ref); err != nil {
				return pages, folded, err
			}
		}

		if !page.HasMore {
			return pages, folded, nil
		}
		q = Query{Conversation: conv, PageSize: s.cfg.PageSize, Version: version, After: page.NextCursor}
	}
}

// mergePage folds one page into the cache and returns the newest archive
// reference candidate it contained.
func (s *Syncer) mergePage(ctx context.Context, conv string, page *Page) (int, *models.ArchivedMessageRef, error) {
	s.setState(conv, StateMerging)
	defer s.setState(conv, StateFetching)

	events := make([]models.Event, len(page.Events))
	for i, ev := range page.Events {
		ev.Origin = models.OriginArchive
		events[i] = ev
	}
	if _, err := s.store.Upsert(ctx, conv, events); err != nil {
		return 0, nil, err
	}
	telemetry.SyncPages.Inc()

	var top *models.ArchivedMessageRef
	for i := range events {
		ev := &events[i]
		if ev.StanzaID == "" {
			continue
		}
		if top == nil || ev.TS > top.Timestamp ||
			(ev.TS == top.Timestamp && ev.StanzaID > top.StanzaID) {
			top = &models.ArchivedMessageRef{StanzaID: ev.StanzaID, Timestamp: ev.TS}
		}
	}
	return len(events), top, nil
}

// fetchPage runs one archive exchange with rate limiting, a bounded
// per-request timeout and bounded backoff retries.
func (s *Syncer) fetchPage(ctx context.Context, q Query) (*Page, error) {
	var lastErr error
	for attempt := 1; attempt <= s.cfg.RetryAttempts; attempt++ {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		tctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
		page, err := s.svc.FetchPage(tctx, q)
		cancel()
		if err == nil {
			return page, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.Warn("archive_fetch_retry", "conversation", q.Conversation,
			"attempt", attempt, "error", err)
		if attempt < s.cfg.RetryAttempts {
			select {
			case <-time.After(s.cfg.RetryBackoff * time.Duration(attempt)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, &SyncFailedError{Conversation: q.Conversation, Attempts: s.cfg.RetryAttempts, Err: lastErr}
}

func (s *Syncer) resolveVersion(ctx context.Context) Version {
	s.versionOnce.Do(func() {
		v, err := s.svc.Version(ctx)
		if err != nil || v == "" {
			logger.Warn("archive_version_unresolved", "fallback", string(s.cfg.VersionHint), "error", err)
			v = s.cfg.VersionHint
		}
		s.version = v
	})
	return s.version
}

func oldestTS(events []models.Event) int64 {
	var oldest int64
	for i := range events {
		if oldest == 0 || events[i].TS < oldest {
			oldest = events[i].TS
		}
	}
	return oldest
}
