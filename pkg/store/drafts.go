package store

import (
	"errors"
	"time"

	"github.com/cockroachdb/pebble"

	"threadline/pkg/models"
	"threadline/pkg/store/keys"
)

// Drafts are local-only composer state. They share the storage substrate but
// never pass through the reducer and never reach the archive.

// SetDraft overwrites the conversation's draft; no history is kept.
func (s *Store) SetDraft(conv, text string) error {
	if err := keys.ValidateConversation(conv); err != nil {
		return err
	}
	d := models.Draft{
		Conversation: conv,
		Text:         text,
		UpdatedTS:    time.Now().UTC().UnixNano(),
	}
	if err := s.db.Set([]byte(keys.GenDraftKey(conv)), marshal(&d), s.writeOpt()); err != nil {
		return transientErr("set_draft", err)
	}
	return nil
}

// Draft returns the conversation's draft, nil when none is stored.
func (s *Store) Draft(conv string) (*models.Draft, error) {
	if err := keys.ValidateConversation(conv); err != nil {
		return nil, err
	}
	var d models.Draft
	err := s.get(keys.GenDraftKey(conv), &d)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		if IsCorrupt(err) {
			return nil, err
		}
		return nil, transientErr("draft", err)
	}
	return &d, nil
}

// ClearDraft removes the conversation's draft.
func (s *Store) ClearDraft(conv string) error {
	if err := keys.ValidateConversation(conv); err != nil {
		return err
	}
	if err := s.db.Delete([]byte(keys.GenDraftKey(conv)), s.writeOpt()); err != nil {
		return transientErr("clear_draft", err)
	}
	return nil
}
