package worker

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"mailpulse/models"
	"mailpulse/utils"
)

// CampaignStats is the recomputed aggregate counter set.
type CampaignStats struct {
	TotalSent    int `json:"total_sent"`
	Delivered    int `json:"delivered"`
	Opened       int `json:"opened"`
	Clicked      int `json:"clicked"`
	Bounced      int `json:"bounced"`
	Unsubscribed int `json:"unsubscribed"`
}

// Reconciler repairs drift between the campaign's cached counters and
// the ground truth in the email and tracking stores.
type Reconciler struct {
	DB     *gorm.DB
	Logger *logrus.Entry

	Interval time.Duration
}

func NewReconciler(db *gorm.DB, logger *logrus.Logger) *Reconciler {
	return &Reconciler{
		DB:       db,
		Logger:   logger.WithField("component", "reconciler"),
		Interval: time.Hour,
	}
}

// Start runs the periodic drift-repair loop until cancellation.
func (r *Reconciler) Start(ctx context.Context) {
	r.Logger.Info("reconciler started")

	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.Logger.Info("reconciler shutting down")
			return
		case <-ticker.C:
			results := r.RecalculateAll()
			for id, err := range results {
				if err != nil {
					r.Logger.WithError(err).WithField("campaign_id", id).Error("periodic recalculation failed")
				}
			}
		}
	}
}

// Recalculate rebuilds one campaign's aggregate stats from the raw
// stores and overwrites the cached counters. TotalSent comes from
// delivery record counts, never from any counter; the event counters
// use the same existence-per-record test the ingestor deduplicates
// with, so the two paths stay consistent.
//
// Only the current run feeds the live counters: records predating the
// run's start belong to totals already archived in campaign_runs, and
// a restarted campaign that has not been started again has no current
// run at all, so its live stats rebuild to zero.
func (r *Reconciler) Recalculate(campaignID uint) (*CampaignStats, error) {
	var campaign models.Campaign
	if err := r.DB.First(&campaign, campaignID).Error; err != nil {
		return nil, err
	}

	stats := &CampaignStats{}

	emails := r.DB.Model(&models.Email{}).
		Where("campaign_id = ? AND status IN ?", campaignID,
			[]string{models.EmailStatusSent, models.EmailStatusDelivered})
	trackingScope := r.DB.Where("campaign_id = ?", campaignID)

	switch {
	case campaign.StartedAt != nil:
		emails = emails.Where("created_at >= ?", *campaign.StartedAt)
		trackingScope = trackingScope.Where("created_at >= ?", *campaign.StartedAt)
	case campaign.RestartCount > 0:
		if err := r.writeStats(campaignID, stats); err != nil {
			return nil, err
		}
		return stats, nil
	}

	var sent int64
	if err := emails.Count(&sent).Error; err != nil {
		return nil, err
	}
	stats.TotalSent = int(sent)

	var trackings []models.EmailTracking
	if err := trackingScope.Find(&trackings).Error; err != nil {
		return nil, err
	}
	for i := range trackings {
		t := &trackings[i]
		if t.HasEvent(models.EventDelivered) {
			stats.Delivered++
		}
		if t.HasEvent(models.EventOpened) {
			stats.Opened++
		}
		if t.HasEvent(models.EventClicked) {
			stats.Clicked++
		}
		if t.HasEvent(models.EventBounced) {
			stats.Bounced++
		}
		if t.HasEvent(models.EventUnsubscribed) {
			stats.Unsubscribed++
		}
	}

	if err := r.writeStats(campaignID, stats); err != nil {
		return nil, err
	}
	return stats, nil
}

func (r *Reconciler) writeStats(campaignID uint, stats *CampaignStats) error {
	err := r.DB.Model(&models.Campaign{}).Where("id = ?", campaignID).
		Updates(map[string]interface{}{
			"total_sent":   stats.TotalSent,
			"delivered":    stats.Delivered,
			"opened":       stats.Opened,
			"clicked":      stats.Clicked,
			"bounced":      stats.Bounced,
			"unsubscribed": stats.Unsubscribed,
		}).Error
	if err != nil {
		return err
	}

	utils.MetricStatsRecalculations.Inc()
	return nil
}

// RecalculateAll applies Recalculate to every campaign sequentially,
// collecting per-campaign outcomes independently so one failure never
// aborts the batch.
func (r *Reconciler) RecalculateAll() map[uint]error {
	results := make(map[uint]error)

	var ids []uint
	if err := r.DB.Model(&models.Campaign{}).Pluck("id", &ids).Error; err != nil {
		r.Logger.WithError(err).Error("failed to list campaigns for bulk recalculation")
		return results
	}

	for _, id := range ids {
		_, err := r.Recalculate(id)
		results[id] = err
	}
	return results
}

// RepairMissingOpens backstops a data-quality gap: a click without an
// open is logically impossible, so for every tracking record in that
// state an opened event is synthesized one second before the earliest
// click, tagged so it stays distinguishable from an observed open.
// Guarded by the opened-existence check, so running it twice never
// double-inserts.
func (r *Reconciler) RepairMissingOpens() (int, error) {
	var trackings []models.EmailTracking
	if err := r.DB.Find(&trackings).Error; err != nil {
		return 0, err
	}

	repairedByCampaign := make(map[uint]int)
	repaired := 0
	for i := range trackings {
		t := &trackings[i]
		if !t.HasEvent(models.EventClicked) || t.HasEvent(models.EventOpened) {
			continue
		}

		firstClick := t.FirstEventOfType(models.EventClicked)
		t.AppendEvent(models.TrackingEvent{
			Type:      models.EventOpened,
			Timestamp: firstClick.Timestamp.Add(-time.Second),
			Data:      map[string]string{"source": "inferred_from_click"},
		})
		if err := r.DB.Save(t).Error; err != nil {
			r.Logger.WithError(err).WithField("tracking_id", t.ID).Error("failed to persist inferred open")
			continue
		}
		repairedByCampaign[t.CampaignID]++
		repaired++
	}

	for campaignID, count := range repairedByCampaign {
		if err := r.DB.Model(&models.Campaign{}).Where("id = ?", campaignID).
			Update("opened", gorm.Expr("opened + ?", count)).Error; err != nil {
			r.Logger.WithError(err).WithField("campaign_id", campaignID).Error("failed to bump opened counter")
		}
	}
	return repaired, nil
}
