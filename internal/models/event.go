package models

import (
	"time"

	"gorm.io/gorm"
)

// ArchivedEvent is one pipeline event mirrored out of the shared store into
// sqlite so history outlives the store's short retention. EventID is a digest
// of the event content; replays of the same event collapse onto one row.
type ArchivedEvent struct {
	gorm.Model
	EventID   string    `gorm:"uniqueIndex;not null" json:"event_id"`
	Timestamp time.Time `gorm:"index" json:"timestamp"`
	Agent     string    `json:"agent"`
	Kind      string    `gorm:"index" json:"kind"`
	Container string    `gorm:"index" json:"container,omitempty"`
	Payload   string    `json:"payload"`
}
