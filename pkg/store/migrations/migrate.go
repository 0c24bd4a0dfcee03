// Package migrations upgrades persisted records to the current schema on
// startup. The current schema keeps a raw event log per conversation; the
// previous release persisted materialized messages only, so upgrading means
// synthesizing the events each old record implies and folding them through
// the normal upsert path.
package migrations

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cockroachdb/pebble"

	"threadline/pkg/logger"
	"threadline/pkg/models"
	"threadline/pkg/store"
	"threadline/pkg/store/keys"
)

// CurrentSchemaVersion is written to system:schema_version after a
// successful run.
const CurrentSchemaVersion = "2"

// Old record shapes from schema version 1.
type oldMessage struct {
	ID           string            `json:"id"`
	Conversation string            `json:"thread"`
	Author       string            `json:"author"`
	TS           int64             `json:"ts"`
	Body         string            `json:"body"`
	StanzaID     string            `json:"stanza_id,omitempty"`
	Deleted      bool              `json:"deleted,omitempty"`
	Reactions    map[string]string `json:"reactions,omitempty"`
}

// Stats reports what a migration run touched.
type Stats struct {
	Conversations int
	Migrated      int
	Skipped       int
}

// Run upgrades the store in place. It is idempotent: a store already at the
// current version is a no-op, and re-running after a partial failure only
// migrates what is left. Individual untranslatable records are logged and
// skipped, never fatal.
func Run(ctx context.Context, s *store.Store) (*Stats, error) {
	db := s.DB()
	version, err := schemaVersion(db)
	if err != nil {
		return nil, err
	}
	if version == CurrentSchemaVersion {
		logger.Debug("migration_not_needed", "version", version)
		return &Stats{}, nil
	}

	logger.Info("migration_started", "from", version, "to", CurrentSchemaVersion)
	stats := &Stats{}

	byConv, err := collectOldMessages(db, stats)
	if err != nil {
		return nil, err
	}

	for conv, records := range byConv {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		events := make([]models.Event, 0, len(records))
		var oldKeys [][]byte
		for _, rec := range records {
			evs, err := translate(conv, rec.msg)
			if err != nil {
				stats.Skipped++
				logger.Warn("migration_record_skipped", "conversation", conv, "key", string(rec.key), "error", err)
				continue
			}
			events = append(events, evs...)
			oldKeys = append(oldKeys, rec.key)
		}
		if _, err := s.Upsert(ctx, conv, events); err != nil {
			return stats, fmt.Errorf("migrating %s: %w", conv, err)
		}
		// old records are removed only once their replacements are durable
		batch := db.NewBatch()
		for _, k := range oldKeys {
			batch.Delete(k, nil)
		}
		batch.Delete([]byte("t:"+conv), nil)
		if err := db.Apply(batch, s.WriteOpt()); err != nil {
			batch.Close()
			return stats, fmt.Errorf("migrating %s: %w", conv, err)
		}
		batch.Close()
		stats.Conversations++
		stats.Migrated += len(oldKeys)
	}

	if err := db.Set([]byte(keys.SchemaVersionKey), []byte(CurrentSchemaVersion), s.WriteOpt()); err != nil {
		return stats, err
	}
	logger.Info("migration_done", "conversations", stats.Conversations,
		"migrated", stats.Migrated, "skipped", stats.Skipped)
	return stats, nil
}

type oldRecord struct {
	key []byte
	msg oldMessage
}

// collectOldMessages scans the v1 keyspace (t:<conv>:m:<ts>). Records that
// do not parse are counted and left in place.
func collectOldMessages(db *pebble.DB, stats *Stats) (map[string][]oldRecord, error) {
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	byConv := make(map[string][]oldRecord)
	for iter.SeekGE([]byte("t:")); iter.Valid(); iter.Next() {
		key := string(iter.Key())
		if !strings.HasPrefix(key, "t:") {
			break
		}
		parts := strings.SplitN(key, ":", 4)
		if len(parts) < 3 || parts[2] != "m" {
			continue
		}
		conv := parts[1]
		var om oldMessage
		if err := json.Unmarshal(iter.Value(), &om); err != nil {
			stats.Skipped++
			logger.Warn("migration_record_unreadable", "key", key, "error", err)
			continue
		}
		k := append([]byte(nil), iter.Key()...)
		byConv[conv] = append(byConv[conv], oldRecord{key: k, msg: om})
	}
	return byConv, iter.Error()
}

// translate expands one v1 message into the events it implies: the Append,
// a Retraction when it was soft-deleted, and one ReactionSet per reacting
// sender.
func translate(conv string, om oldMessage) ([]models.Event, error) {
	if om.ID == "" {
		return nil, fmt.Errorf("old message missing id")
	}
	if om.TS <= 0 {
		return nil, fmt.Errorf("old message missing timestamp")
	}
	sender := om.Author
	if sender == "" {
		sender = "unknown"
	}

	events := []models.Event{{
		ID:           om.ID,
		StanzaID:     om.StanzaID,
		Kind:         models.EventAppend,
		Conversation: conv,
		Sender:       sender,
		TS:           om.TS,
		Origin:       models.OriginArchive,
		Body:         om.Body,
	}}
	if om.Deleted {
		events = append(events, models.Event{
			ID:           om.ID + ":retract",
			Kind:         models.EventRetraction,
			Conversation: conv,
			Target:       om.ID,
			TS:           om.TS + 1,
			Origin:       models.OriginArchive,
		})
	}
	for reacter, emoji := range om.Reactions {
		events = append(events, models.Event{
			ID:           om.ID + ":react:" + reacter,
			Kind:         models.EventReactionSet,
			Conversation: conv,
			Sender:       reacter,
			Target:       om.ID,
			TS:           om.TS + 1,
			Origin:       models.OriginArchive,
			Emojis:       []string{emoji},
		})
	}
	return events, nil
}

func schemaVersion(db *pebble.DB) (string, error) {
	v, closer, err := db.Get([]byte(keys.SchemaVersionKey))
	if err != nil {
		if err == pebble.ErrNotFound {
			return "", nil
		}
		return "", err
	}
	defer closer.Close()
	return string(v), nil
}
