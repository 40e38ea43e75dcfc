package worker

import (
	"testing"
	"time"

	"gorm.io/gorm"

	"mailpulse/models"
)

func newTestReconciler(db *gorm.DB) *Reconciler {
	return NewReconciler(db, testLogger())
}

// seedTrackedSend creates a sent delivery record with its tracking log
// holding the given events.
func seedTrackedSend(t *testing.T, db *gorm.DB, campaign *models.Campaign, contactID uint, sequence int, events []models.TrackingEvent) *models.EmailTracking {
	t.Helper()

	sentAt := time.Now().Add(-time.Hour)
	rec := queueStep(t, db, campaign, contactID, 0, sequence, sentAt)
	if err := db.Model(&models.Email{}).Where("id = ?", rec.ID).
		Updates(map[string]interface{}{"status": models.EmailStatusSent, "sent_at": sentAt}).Error; err != nil {
		t.Fatal(err)
	}

	var tracking models.EmailTracking
	if err := db.Where("email_id = ?", rec.ID).First(&tracking).Error; err != nil {
		t.Fatal(err)
	}
	tracking.Events = events
	if err := db.Save(&tracking).Error; err != nil {
		t.Fatal(err)
	}
	return &tracking
}

func TestRecalculateRebuildsFromGroundTruth(t *testing.T) {
	db := newTestDB(t)
	campaign := seedCampaign(t, db, []models.CampaignStep{{}})
	a := seedContact(t, db, "a@example.com")
	b := seedContact(t, db, "b@example.com")
	c := seedContact(t, db, "c@example.com")

	base := time.Now().Add(-time.Hour)
	seedTrackedSend(t, db, campaign, a.ID, 0, []models.TrackingEvent{
		{Type: models.EventSent, Timestamp: base},
		{Type: models.EventOpened, Timestamp: base.Add(time.Minute)},
		{Type: models.EventClicked, Timestamp: base.Add(2 * time.Minute)},
		{Type: models.EventClicked, Timestamp: base.Add(3 * time.Minute)},
	})
	seedTrackedSend(t, db, campaign, b.ID, 0, []models.TrackingEvent{
		{Type: models.EventSent, Timestamp: base},
		{Type: models.EventDelivered, Timestamp: base.Add(time.Second)},
		{Type: models.EventOpened, Timestamp: base.Add(time.Minute)},
	})
	seedTrackedSend(t, db, campaign, c.ID, 0, []models.TrackingEvent{
		{Type: models.EventSent, Timestamp: base},
		{Type: models.EventBounced, Timestamp: base.Add(time.Second)},
	})

	// Poison the cache so the rebuild is observable.
	if err := db.Model(&models.Campaign{}).Where("id = ?", campaign.ID).
		Updates(map[string]interface{}{"total_sent": 99, "opened": 99, "clicked": 99}).Error; err != nil {
		t.Fatal(err)
	}

	stats, err := newTestReconciler(db).Recalculate(campaign.ID)
	if err != nil {
		t.Fatal(err)
	}

	want := CampaignStats{TotalSent: 3, Delivered: 1, Opened: 2, Clicked: 1, Bounced: 1}
	if *stats != want {
		t.Errorf("stats = %+v, want %+v", *stats, want)
	}

	var reloaded models.Campaign
	if err := db.First(&reloaded, campaign.ID).Error; err != nil {
		t.Fatal(err)
	}
	if reloaded.TotalSent != 3 || reloaded.Opened != 2 || reloaded.Clicked != 1 {
		t.Errorf("cached counters not overwritten: sent=%d opened=%d clicked=%d",
			reloaded.TotalSent, reloaded.Opened, reloaded.Clicked)
	}
}

func TestRecalculateIsAFixedPoint(t *testing.T) {
	db := newTestDB(t)
	campaign := seedCampaign(t, db, []models.CampaignStep{{}})
	a := seedContact(t, db, "a@example.com")

	base := time.Now().Add(-time.Hour)
	seedTrackedSend(t, db, campaign, a.ID, 0, []models.TrackingEvent{
		{Type: models.EventSent, Timestamp: base},
		{Type: models.EventOpened, Timestamp: base.Add(time.Minute)},
	})

	r := newTestReconciler(db)
	first, err := r.Recalculate(campaign.ID)
	if err != nil {
		t.Fatal(err)
	}
	second, err := r.Recalculate(campaign.ID)
	if err != nil {
		t.Fatal(err)
	}
	if *first != *second {
		t.Errorf("repeated recalculation diverged: %+v then %+v", *first, *second)
	}
}

func TestRecalculateCountsFailedRecordsAsUnsent(t *testing.T) {
	db := newTestDB(t)
	campaign := seedCampaign(t, db, []models.CampaignStep{{}})
	a := seedContact(t, db, "a@example.com")

	rec := queueStep(t, db, campaign, a.ID, 0, 0, time.Now().Add(-time.Hour))
	if err := db.Model(&models.Email{}).Where("id = ?", rec.ID).
		Updates(map[string]interface{}{
			"status":      models.EmailStatusFailed,
			"fail_reason": models.FailReasonConditionNot,
		}).Error; err != nil {
		t.Fatal(err)
	}

	stats, err := newTestReconciler(db).Recalculate(campaign.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalSent != 0 {
		t.Errorf("total_sent = %d, want 0 for a skipped step", stats.TotalSent)
	}
}

func TestRecalculateAllIsolatesFailures(t *testing.T) {
	db := newTestDB(t)
	healthy := seedCampaign(t, db, []models.CampaignStep{{}})
	a := seedContact(t, db, "a@example.com")
	seedTrackedSend(t, db, healthy, a.ID, 0, []models.TrackingEvent{
		{Type: models.EventSent, Timestamp: time.Now().Add(-time.Hour)},
	})

	results := newTestReconciler(db).RecalculateAll()
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if err := results[healthy.ID]; err != nil {
		t.Errorf("healthy campaign errored: %v", err)
	}
}

func TestRepairMissingOpens(t *testing.T) {
	db := newTestDB(t)
	campaign := seedCampaign(t, db, []models.CampaignStep{{}})
	a := seedContact(t, db, "a@example.com")

	firstClick := time.Now().Add(-30 * time.Minute).Truncate(time.Second)
	tracking := seedTrackedSend(t, db, campaign, a.ID, 0, []models.TrackingEvent{
		{Type: models.EventSent, Timestamp: firstClick.Add(-time.Hour)},
		{Type: models.EventClicked, Timestamp: firstClick.Add(time.Minute)},
		{Type: models.EventClicked, Timestamp: firstClick},
	})

	r := newTestReconciler(db)
	repaired, err := r.RepairMissingOpens()
	if err != nil {
		t.Fatal(err)
	}
	if repaired != 1 {
		t.Fatalf("repaired = %d, want 1", repaired)
	}

	var reloaded models.EmailTracking
	if err := db.First(&reloaded, tracking.ID).Error; err != nil {
		t.Fatal(err)
	}
	open := reloaded.FirstEventOfType(models.EventOpened)
	if open == nil {
		t.Fatal("no opened event synthesized")
	}
	wantAt := firstClick.Add(-time.Second)
	if !open.Timestamp.Equal(wantAt) {
		t.Errorf("inferred open at %v, want %v (one second before earliest click)", open.Timestamp, wantAt)
	}
	if open.Data["source"] != "inferred_from_click" {
		t.Errorf("inferred open not tagged, data = %v", open.Data)
	}

	var reloadedCampaign models.Campaign
	if err := db.First(&reloadedCampaign, campaign.ID).Error; err != nil {
		t.Fatal(err)
	}
	if reloadedCampaign.Opened != 1 {
		t.Errorf("opened counter = %d, want 1", reloadedCampaign.Opened)
	}

	// Second pass finds nothing to repair and changes nothing.
	repaired, err = r.RepairMissingOpens()
	if err != nil {
		t.Fatal(err)
	}
	if repaired != 0 {
		t.Errorf("second pass repaired %d, want 0", repaired)
	}
	if err := db.First(&reloadedCampaign, campaign.ID).Error; err != nil {
		t.Fatal(err)
	}
	if reloadedCampaign.Opened != 1 {
		t.Errorf("second pass bumped the counter to %d", reloadedCampaign.Opened)
	}
}

func TestRepairSkipsObservedOpens(t *testing.T) {
	db := newTestDB(t)
	campaign := seedCampaign(t, db, []models.CampaignStep{{}})
	a := seedContact(t, db, "a@example.com")

	base := time.Now().Add(-time.Hour)
	seedTrackedSend(t, db, campaign, a.ID, 0, []models.TrackingEvent{
		{Type: models.EventSent, Timestamp: base},
		{Type: models.EventOpened, Timestamp: base.Add(time.Minute)},
		{Type: models.EventClicked, Timestamp: base.Add(2 * time.Minute)},
	})

	repaired, err := newTestReconciler(db).RepairMissingOpens()
	if err != nil {
		t.Fatal(err)
	}
	if repaired != 0 {
		t.Errorf("repaired = %d, want 0 when an open was observed", repaired)
	}
}

func TestRecalculateScopesToCurrentRun(t *testing.T) {
	db := newTestDB(t)
	campaign := seedCampaign(t, db, []models.CampaignStep{{}})
	a := seedContact(t, db, "a@example.com")
	b := seedContact(t, db, "b@example.com")

	base := time.Now().Add(-time.Hour)

	// A delivery from an earlier run, created before the campaign's
	// current started_at. Its totals live in the archived run row and
	// must not leak back into the live counters.
	prior := seedTrackedSend(t, db, campaign, a.ID, 0, []models.TrackingEvent{
		{Type: models.EventSent, Timestamp: base.Add(-72 * time.Hour)},
		{Type: models.EventOpened, Timestamp: base.Add(-71 * time.Hour)},
	})
	old := time.Now().Add(-72 * time.Hour)
	if err := db.Model(&models.Email{}).Where("id = ?", prior.EmailID).
		Update("created_at", old).Error; err != nil {
		t.Fatal(err)
	}
	if err := db.Model(&models.EmailTracking{}).Where("id = ?", prior.ID).
		Update("created_at", old).Error; err != nil {
		t.Fatal(err)
	}

	seedTrackedSend(t, db, campaign, b.ID, 1, []models.TrackingEvent{
		{Type: models.EventSent, Timestamp: base},
	})

	stats, err := newTestReconciler(db).Recalculate(campaign.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalSent != 1 {
		t.Errorf("total sent = %d, want 1", stats.TotalSent)
	}
	if stats.Opened != 0 {
		t.Errorf("opened = %d, want 0", stats.Opened)
	}
}

func TestRecalculateZerosRestartedCampaignBeforeNewStart(t *testing.T) {
	db := newTestDB(t)
	campaign := seedCampaign(t, db, []models.CampaignStep{{}})
	a := seedContact(t, db, "a@example.com")

	base := time.Now().Add(-time.Hour)
	seedTrackedSend(t, db, campaign, a.ID, 0, []models.TrackingEvent{
		{Type: models.EventSent, Timestamp: base},
		{Type: models.EventOpened, Timestamp: base.Add(time.Minute)},
	})

	// Restarted but not yet started again: no current run exists, so
	// the live counters stay at zero even though old records remain.
	if err := db.Model(&models.Campaign{}).Where("id = ?", campaign.ID).
		Updates(map[string]interface{}{
			"status":        models.CampaignStatusScheduled,
			"started_at":    nil,
			"restart_count": 1,
			"total_sent":    9,
			"opened":        9,
			"clicked":       9,
		}).Error; err != nil {
		t.Fatal(err)
	}

	stats, err := newTestReconciler(db).Recalculate(campaign.ID)
	if err != nil {
		t.Fatal(err)
	}
	if *stats != (CampaignStats{}) {
		t.Errorf("stats = %+v, want all zero", *stats)
	}

	var reloaded models.Campaign
	if err := db.First(&reloaded, campaign.ID).Error; err != nil {
		t.Fatal(err)
	}
	if reloaded.TotalSent != 0 || reloaded.Opened != 0 || reloaded.Clicked != 0 {
		t.Errorf("counters not zeroed: sent=%d opened=%d clicked=%d",
			reloaded.TotalSent, reloaded.Opened, reloaded.Clicked)
	}
}
