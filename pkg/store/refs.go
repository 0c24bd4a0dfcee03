package store

import (
	"errors"

	"github.com/cockroachdb/pebble"

	"threadline/pkg/logger"
	"threadline/pkg/models"
	"threadline/pkg/store/keys"
)

// ArchiveRef returns the backfill anchor for a conversation, nil when no
// sync has completed yet.
func (s *Store) ArchiveRef(conv string) (*models.ArchivedMessageRef, error) {
	if err := keys.ValidateConversation(conv); err != nil {
		return nil, err
	}
	var ref models.ArchivedMessageRef
	err := s.get(keys.GenRefKey(conv), &ref)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		if IsCorrupt(err) {
			// a broken ref record only costs a wider catch-up window
			logger.Warn("archive_ref_invalid", "conversation", conv, "error", err)
			return nil, nil
		}
		return nil, transientErr("archive_ref", err)
	}
	return &ref, nil
}

// SetArchiveRef records backfill progress. The sync service calls this only
// after the page behind it has been fully folded and persisted.
func (s *Store) SetArchiveRef(conv string, ref models.ArchivedMessageRef) error {
	if err := keys.ValidateConversation(conv); err != nil {
		return err
	}
	if err := s.db.Set([]byte(keys.GenRefKey(conv)), marshal(&ref), s.writeOpt()); err != nil {
		return transientErr("set_archive_ref", err)
	}
	logger.Debug("archive_ref_advanced", "conversation", conv, "stanza_id", ref.StanzaID, "ts", ref.Timestamp)
	return nil
}
