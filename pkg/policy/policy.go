// Package policy decides, per read request, whether the archive is
// consulted before serving cached timeline state.
package policy

import (
	"context"

	"threadline/pkg/logger"
	"threadline/pkg/models"
	"threadline/pkg/store"
)

// CachePolicy selects cache-vs-network behavior for one read. Whatever the
// policy, anything fetched is always folded into the cache; the policy only
// governs whether a fetch happens.
type CachePolicy int

const (
	// ReturnCacheDataElseLoad serves the cache, triggering a catch-up first
	// when the cache cannot satisfy the requested range.
	ReturnCacheDataElseLoad CachePolicy = iota
	// ReturnCacheDataDontLoad serves the cache only, even when empty.
	ReturnCacheDataDontLoad
	// ReloadIgnoringCacheData always fetches and merges before reading.
	ReloadIgnoringCacheData
)

func (p CachePolicy) String() string {
	switch p {
	case ReturnCacheDataDontLoad:
		return "return-cache-data-dont-load"
	case ReloadIgnoringCacheData:
		return "reload-ignoring-cache-data"
	default:
		return "return-cache-data-else-load"
	}
}

// Syncer is the archive catch-up collaborator.
type Syncer interface {
	CatchUp(ctx context.Context, conv string) error
}

// Result is a timeline page plus whether sync was wanted but unavailable.
// A failed sync never fails the read; the caller gets cached state and the
// flag.
type Result struct {
	models.PageResponse
	SyncUnavailable bool
}

// Engine routes reads through the cache according to a policy.
type Engine struct {
	store  *store.Store
	syncer Syncer
}

func NewEngine(s *store.Store, syncer Syncer) *Engine {
	return &Engine{store: s, syncer: syncer}
}

// Messages serves one page of a conversation under the given policy.
func (e *Engine) Messages(ctx context.Context, conv string, req models.PageRequest, pol CachePolicy) (*Result, error) {
	syncUnavailable := false

	sync := func() {
		if e.syncer == nil {
			return
		}
		if err := e.syncer.CatchUp(ctx, conv); err != nil {
			syncUnavailable = true
			logger.Warn("sync_unavailable", "conversation", conv, "policy", pol.String(), "error", err)
		}
	}

	switch pol {
	case ReloadIgnoringCacheData:
		sync()
	case ReturnCacheDataElseLoad:
		page, err := e.readPage(conv, req)
		if err != nil {
			return nil, err
		}
		// enough cached data for the requested range: no network
		if len(page.Messages) >= effectiveLimit(req) || page.HasMore {
			return &Result{PageResponse: *page}, nil
		}
		sync()
	case ReturnCacheDataDontLoad:
		// cache only
	}

	page, err := e.readPage(conv, req)
	if err != nil {
		return nil, err
	}
	return &Result{PageResponse: *page, SyncUnavailable: syncUnavailable}, nil
}

// readPage reads from the cache, rebuilding the conversation from its event
// log once if derived state turns out corrupt.
func (e *Engine) readPage(conv string, req models.PageRequest) (*models.PageResponse, error) {
	page, err := e.store.Page(conv, req)
	if err == nil {
		return page, nil
	}
	if !store.IsCorrupt(err) {
		return nil, err
	}
	logger.Warn("cache_corrupt_rebuilding", "conversation", conv, "error", err)
	if rerr := e.store.Rebuild(conv); rerr != nil {
		return nil, rerr
	}
	return e.store.Page(conv, req)
}

func effectiveLimit(req models.PageRequest) int {
	if req.Limit > 0 {
		return req.Limit
	}
	return store.DefaultPageLimit
}
