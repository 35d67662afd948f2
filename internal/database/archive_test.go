package database

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/hemostat/internal/broker"
	"github.com/hemostat/internal/models"
	"github.com/hemostat/internal/schema"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.ArchivedEvent{}))
	return db
}

func pushEvent(t *testing.T, mem *broker.Memory, rec schema.EventRecord) {
	t.Helper()
	require.NoError(t, mem.PushBounded(context.Background(), broker.EventsAllKey, rec, 100, time.Hour))
}

func record(ts time.Time, kind, container string) schema.EventRecord {
	return schema.EventRecord{
		Timestamp: ts,
		Agent:     "responder",
		Kind:      kind,
		Data:      []byte(`{"container":"` + container + `","result":"success"}`),
	}
}

func TestSyncArchivesTimeline(t *testing.T) {
	db := testDB(t)
	mem := broker.NewMemory()
	base := time.Date(2026, 8, 6, 12, 0, 0, 0, time.UTC)
	pushEvent(t, mem, record(base, schema.EventRemediationComplete, "web"))
	pushEvent(t, mem, record(base.Add(time.Minute), schema.EventFalseAlarm, "db"))

	a := NewArchiver(db, mem, time.Minute, testLogger())
	require.NoError(t, a.Sync(context.Background()))

	var rows []models.ArchivedEvent
	require.NoError(t, db.Order("timestamp asc").Find(&rows).Error)
	require.Len(t, rows, 2)
	assert.Equal(t, "web", rows[0].Container)
	assert.Equal(t, schema.EventRemediationComplete, rows[0].Kind)
	assert.Equal(t, "responder", rows[0].Agent)
	assert.NotEmpty(t, rows[0].EventID)
}

func TestSyncIsIdempotent(t *testing.T) {
	db := testDB(t)
	mem := broker.NewMemory()
	pushEvent(t, mem, record(time.Unix(1754481600, 0).UTC(), schema.EventRemediationComplete, "web"))

	a := NewArchiver(db, mem, time.Minute, testLogger())
	require.NoError(t, a.Sync(context.Background()))
	require.NoError(t, a.Sync(context.Background()))

	var count int64
	require.NoError(t, db.Model(&models.ArchivedEvent{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestSyncSkipsUndecodableEntries(t *testing.T) {
	db := testDB(t)
	mem := broker.NewMemory()
	require.NoError(t, mem.PushBounded(context.Background(), broker.EventsAllKey, "not an event", 100, time.Hour))
	pushEvent(t, mem, record(time.Unix(1754481600, 0).UTC(), schema.EventRemediationComplete, "web"))

	a := NewArchiver(db, mem, time.Minute, testLogger())
	require.NoError(t, a.Sync(context.Background()))

	var count int64
	require.NoError(t, db.Model(&models.ArchivedEvent{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestContainerEmptyWhenAbsent(t *testing.T) {
	db := testDB(t)
	mem := broker.NewMemory()
	rec := schema.EventRecord{
		Timestamp: time.Unix(1754481600, 0).UTC(),
		Agent:     "scanner",
		Kind:      schema.EventVulnerabilityAlert,
		Data:      []byte(`{"target_url":"http://web:8080","critical_count":2}`),
	}
	pushEvent(t, mem, rec)

	a := NewArchiver(db, mem, time.Minute, testLogger())
	require.NoError(t, a.Sync(context.Background()))

	var row models.ArchivedEvent
	require.NoError(t, db.First(&row).Error)
	assert.Empty(t, row.Container)
	assert.Contains(t, row.Payload, "target_url")
}
