// Package archive reconciles the local cache with the remote paginated
// history service.
package archive

import (
	"context"

	"threadline/pkg/models"
)

// Version is the archive protocol revision the remote side advertises. It
// only shapes the sync request; the reducer and cache never see it.
type Version string

const (
	// VersionV1 anchors pages on a time range.
	VersionV1 Version = "v1"
	// VersionV2 anchors pages on an opaque after/before cursor.
	VersionV2 Version = "v2"
)

// Query asks the remote archive for one page of a conversation's history.
// Exactly one of After/Before/SinceTS is set, per the protocol version.
type Query struct {
	Conversation string
	// After/Before are opaque cursors from a previous page (v2).
	After  string
	Before string
	// SinceTS is the inclusive lower time bound (v1).
	SinceTS  int64
	PageSize int
	Version  Version
}

// Page is one ordered page of raw events plus continuation state.
type Page struct {
	Events     []models.Event
	HasMore    bool
	NextCursor string
}

// Service is the external history collaborator. Implementations own the
// wire encoding; the sync engine treats the exchange as opaque
// request/response.
type Service interface {
	// Version reports the protocol revision the archive advertises.
	Version(ctx context.Context) (Version, error)
	// FetchPage runs one paginated query.
	FetchPage(ctx context.Context, q Query) (*Page, error)
}
