// Package maintenance runs the scheduled transcript retention sweep.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"github.com/dotsetgreg/threadline/pkg/config"
	"github.com/dotsetgreg/threadline/pkg/logger"
	"github.com/dotsetgreg/threadline/pkg/transcript"
)

// Sweeper deletes transcript messages older than the retention window on a
// cron schedule. Checkpoints are untouched: a thread stays resumable even
// after its transcript ages out.
type Sweeper struct {
	log       *transcript.Log
	spec      string
	retention time.Duration
	cron      *gronx.Gronx
}

// NewSweeper returns nil when maintenance is not configured.
func NewSweeper(cfg *config.Config, log *transcript.Log) (*Sweeper, error) {
	spec := cfg.Maintenance.SweepCron
	days := cfg.Maintenance.RetentionDays
	if spec == "" || days <= 0 {
		return nil, nil
	}

	cron := gronx.New()
	if !cron.IsValid(spec) {
		return nil, fmt.Errorf("invalid sweep cron spec %q", spec)
	}
	return &Sweeper{
		log:       log,
		spec:      spec,
		retention: time.Duration(days) * 24 * time.Hour,
		cron:      cron,
	}, nil
}

// Run polls the schedule once a minute until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	logger.InfoCF("maintenance", "Retention sweep scheduled", map[string]interface{}{
		"cron":           s.spec,
		"retention_days": int(s.retention.Hours() / 24),
	})

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			due, err := s.cron.IsDue(s.spec, now)
			if err != nil {
				logger.WarnCF("maintenance", "Cron evaluation failed", map[string]interface{}{
					"cron":  s.spec,
					"error": err.Error(),
				})
				continue
			}
			if due {
				s.SweepNow(ctx)
			}
		}
	}
}

// SweepNow deletes everything older than the retention window.
func (s *Sweeper) SweepNow(ctx context.Context) {
	cutoff := time.Now().Add(-s.retention)
	deleted, err := s.log.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		logger.WarnCF("maintenance", "Retention sweep failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	logger.InfoCF("maintenance", "Retention sweep complete", map[string]interface{}{
		"deleted": deleted,
		"cutoff":  cutoff.Format(time.RFC3339),
	})
}
