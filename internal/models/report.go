package models

import (
	"time"

	"gorm.io/gorm"
)

// RemediationReport is one generated summary of pipeline outcomes over a
// period. TopContainers holds a JSON-encoded ranking.
type RemediationReport struct {
	gorm.Model
	PeriodStart   time.Time `gorm:"index" json:"period_start"`
	PeriodEnd     time.Time `gorm:"index" json:"period_end"`
	TotalOutcomes int       `json:"total_outcomes"`
	Succeeded     int       `json:"succeeded"`
	Failed        int       `json:"failed"`
	Rejected      int       `json:"rejected"`
	NotApplicable int       `json:"not_applicable"`
	FalseAlarms   int       `json:"false_alarms"`
	TopContainers string    `json:"top_containers"`
	GeneratedAt   time.Time `json:"generated_at"`
}
