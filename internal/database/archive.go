package database

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/hemostat/internal/broker"
	"github.com/hemostat/internal/models"
	"github.com/hemostat/internal/schema"
)

// Archiver mirrors the store's merged event timeline into sqlite so history
// outlives the store's retention window. Rows are keyed by a content digest,
// so re-reading an unexpired timeline is idempotent.
type Archiver struct {
	db       *gorm.DB
	store    broker.Store
	interval time.Duration
	log      *slog.Logger
}

func NewArchiver(db *gorm.DB, store broker.Store, interval time.Duration, log *slog.Logger) *Archiver {
	return &Archiver{db: db, store: store, interval: interval, log: log}
}

// Run syncs once immediately, then once per interval, until ctx is cancelled.
func (a *Archiver) Run(ctx context.Context) error {
	if err := a.Sync(ctx); err != nil {
		a.log.Error("event archive sync failed", "error", err)
	}
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := a.Sync(ctx); err != nil {
				a.log.Error("event archive sync failed", "error", err)
			}
		}
	}
}

// Sync copies every event currently in the merged timeline into the archive.
func (a *Archiver) Sync(ctx context.Context) error {
	raws, err := a.store.Range(ctx, broker.EventsAllKey, 0, -1)
	if err != nil {
		return fmt.Errorf("read event timeline: %w", err)
	}
	inserted := 0
	for _, raw := range raws {
		var rec schema.EventRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			a.log.Warn("skipping undecodable timeline entry", "error", err)
			continue
		}
		row := models.ArchivedEvent{
			EventID:   eventDigest(rec),
			Timestamp: rec.Timestamp,
			Agent:     rec.Agent,
			Kind:      rec.Kind,
			Container: containerOf(rec.Data),
			Payload:   string(rec.Data),
		}
		res := a.db.WithContext(ctx).
			Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "event_id"}}, DoNothing: true}).
			Create(&row)
		if res.Error != nil {
			return fmt.Errorf("archive event %s: %w", row.EventID, res.Error)
		}
		inserted += int(res.RowsAffected)
	}
	if inserted > 0 {
		a.log.Info("archived events", "count", inserted)
	}
	return nil
}

func eventDigest(rec schema.EventRecord) string {
	sum := sha1.Sum([]byte(fmt.Sprintf("%d|%s|%s|%s",
		rec.Timestamp.UnixNano(), rec.Agent, rec.Kind, rec.Data)))
	return hex.EncodeToString(sum[:])
}

// containerOf pulls the container name out of an event payload when one is
// present, for indexed queries.
func containerOf(data json.RawMessage) string {
	var probe struct {
		Container string `json:"container"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return ""
	}
	return probe.Container
}
