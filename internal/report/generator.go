package report

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"gorm.io/gorm"

	"github.com/hemostat/internal/models"
	"github.com/hemostat/internal/schema"
)

const topContainerLimit = 5

// Generator summarizes archived pipeline outcomes into persisted report rows.
type Generator struct {
	db  *gorm.DB
	log *slog.Logger

	now func() time.Time
}

func NewGenerator(db *gorm.DB, log *slog.Logger) *Generator {
	return &Generator{
		db:  db,
		log: log,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// ContainerCount ranks one container by how many outcomes it produced.
type ContainerCount struct {
	Container string `json:"container"`
	Count     int    `json:"count"`
}

// Generate summarizes the [start, end) window and persists the report.
func (g *Generator) Generate(ctx context.Context, start, end time.Time) (*models.RemediationReport, error) {
	var events []models.ArchivedEvent
	err := g.db.WithContext(ctx).
		Where("timestamp >= ? AND timestamp < ?", start, end).
		Where("kind IN ?", []string{schema.EventRemediationComplete, schema.EventFalseAlarm}).
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("query archived events: %w", err)
	}

	rep := &models.RemediationReport{
		PeriodStart: start,
		PeriodEnd:   end,
		GeneratedAt: g.now(),
	}
	perContainer := make(map[string]int)
	for _, ev := range events {
		if ev.Kind == schema.EventFalseAlarm {
			rep.FalseAlarms++
			continue
		}
		var out schema.RemediationOutcome
		if err := json.Unmarshal([]byte(ev.Payload), &out); err != nil {
			g.log.Warn("skipping undecodable archived outcome", "event_id", ev.EventID, "error", err)
			continue
		}
		rep.TotalOutcomes++
		perContainer[out.Container]++
		switch out.Result {
		case schema.ResultSuccess:
			rep.Succeeded++
		case schema.ResultFailed:
			rep.Failed++
		case schema.ResultRejected:
			rep.Rejected++
		case schema.ResultNotApplicable:
			rep.NotApplicable++
		}
	}

	top, err := json.Marshal(rankContainers(perContainer))
	if err != nil {
		return nil, fmt.Errorf("encode container ranking: %w", err)
	}
	rep.TopContainers = string(top)

	if err := g.db.WithContext(ctx).Create(rep).Error; err != nil {
		return nil, fmt.Errorf("persist report: %w", err)
	}
	g.log.Info("report generated",
		"start", start, "end", end, "outcomes", rep.TotalOutcomes, "false_alarms", rep.FalseAlarms)
	return rep, nil
}

// GenerateDaily covers the 24h ending now.
func (g *Generator) GenerateDaily(ctx context.Context) (*models.RemediationReport, error) {
	end := g.now()
	return g.Generate(ctx, end.Add(-24*time.Hour), end)
}

// List returns the most recent reports, newest first.
func (g *Generator) List(ctx context.Context, limit int) ([]models.RemediationReport, error) {
	var reports []models.RemediationReport
	err := g.db.WithContext(ctx).
		Order("generated_at desc").
		Limit(limit).
		Find(&reports).Error
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	return reports, nil
}

// RunDaily generates one report per day until ctx is cancelled.
func (g *Generator) RunDaily(ctx context.Context) error {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := g.GenerateDaily(ctx); err != nil {
				g.log.Error("daily report failed", "error", err)
			}
		}
	}
}

func rankContainers(counts map[string]int) []ContainerCount {
	ranked := make([]ContainerCount, 0, len(counts))
	for c, n := range counts {
		ranked = append(ranked, ContainerCount{Container: c, Count: n})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Count != ranked[j].Count {
			return ranked[i].Count > ranked[j].Count
		}
		return ranked[i].Container < ranked[j].Container
	})
	if len(ranked) > topContainerLimit {
		ranked = ranked[:topContainerLimit]
	}
	return ranked
}
