package worker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/badoux/checkmail"
	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"mailpulse/models"
	"mailpulse/utils"
)

const pollBatchSize = 200

// Notifier is the realtime sink the engine pushes campaign events to.
// The websocket hub implements it; a nil notifier is allowed.
type Notifier interface {
	NotifyCampaignEvent(campaignID uint, event string, data map[string]interface{})
}

// Dispatcher advances every in-flight campaign by exactly the work
// that is currently due. Multiple dispatcher processes may run against
// the same store; exclusivity is enforced entirely through the
// store-level compare-and-set on (status, processing_lock).
type Dispatcher struct {
	DB        *gorm.DB
	Transport utils.Transport
	Logger    *logrus.Entry
	Notifier  Notifier

	BaseURL     string
	Interval    time.Duration
	LockTimeout time.Duration
	SendTimeout time.Duration
	MaxRetries  int
	Concurrency int
}

func NewDispatcher(db *gorm.DB, transport utils.Transport, logger *logrus.Logger) *Dispatcher {
	return &Dispatcher{
		DB:          db,
		Transport:   transport,
		Logger:      logger.WithField("component", "dispatcher"),
		BaseURL:     "http://localhost:5000",
		Interval:    30 * time.Second,
		LockTimeout: 5 * time.Minute,
		SendTimeout: 30 * time.Second,
		MaxRetries:  3,
		Concurrency: 8,
	}
}

// Start runs the poll loop until the context is cancelled. In-flight
// sends are drained before returning so locks are released cleanly.
func (d *Dispatcher) Start(ctx context.Context) {
	d.Logger.Info("dispatcher started")

	ticker := time.NewTicker(d.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.Logger.Info("dispatcher shutting down")
			return
		case <-ticker.C:
			d.PollDue(time.Now())
		}
	}
}

// PollDue performs one dispatch cycle: migrate due legacy followups,
// process every due delivery record, then sweep for completed
// campaigns. It blocks until all records picked up in this cycle have
// finished.
func (d *Dispatcher) PollDue(now time.Time) {
	d.migrateLegacyFollowups(now)

	staleBefore := now.Add(-d.LockTimeout)
	var due []models.Email
	err := d.DB.
		Where("status IN ? AND scheduled_at <= ? AND (processing_lock IS NULL OR processing_lock < ?)",
			[]string{models.EmailStatusQueued, models.EmailStatusSending}, now, staleBefore).
		Limit(pollBatchSize).
		Find(&due).Error
	if err != nil {
		d.Logger.WithError(err).Error("failed to scan due delivery records")
		return
	}

	sem := make(chan struct{}, d.Concurrency)
	var wg sync.WaitGroup
	for i := range due {
		rec := due[i]
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			d.processRecord(rec, now)
		}()
	}
	wg.Wait()

	d.sweepCompleted(now)
}

// acquireLock is the store-side compare-and-set: the update only lands
// if the record still matches the due-selection predicate. A sending
// record whose lease expired is reclaimable, so a crashed worker never
// strands a record. Losing the race is not an error; the caller simply
// skips the record.
func (d *Dispatcher) acquireLock(emailID uint, now time.Time) bool {
	res := d.DB.Model(&models.Email{}).
		Where("id = ? AND status IN ? AND (processing_lock IS NULL OR processing_lock < ?)",
			emailID, []string{models.EmailStatusQueued, models.EmailStatusSending}, now.Add(-d.LockTimeout)).
		Updates(map[string]interface{}{
			"processing_lock": now,
			"status":          models.EmailStatusSending,
		})
	if res.Error != nil {
		d.Logger.WithError(res.Error).WithField("email_id", emailID).Error("lock acquisition failed")
		return false
	}
	return res.RowsAffected == 1
}

// release puts a locked record back in the queue without consuming a
// retry, used when the campaign turned out to be paused or a
// collaborator read failed.
func (d *Dispatcher) release(emailID uint) {
	if err := d.DB.Model(&models.Email{}).Where("id = ?", emailID).
		Updates(map[string]interface{}{
			"processing_lock": nil,
			"status":          models.EmailStatusQueued,
		}).Error; err != nil {
		d.Logger.WithError(err).WithField("email_id", emailID).Error("failed to release record")
	}
}

func (d *Dispatcher) processRecord(rec models.Email, now time.Time) {
	if !d.acquireLock(rec.ID, now) {
		return
	}

	log := d.Logger.WithFields(logrus.Fields{
		"email_id":    rec.ID,
		"campaign_id": rec.CampaignID,
		"contact_id":  rec.ContactID,
		"sequence":    rec.FollowupSequence,
	})

	var campaign models.Campaign
	if err := d.DB.First(&campaign, rec.CampaignID).Error; err != nil {
		log.WithError(err).Error("campaign not found, releasing record")
		d.release(rec.ID)
		return
	}

	// Pausing must stop sends after lock acquisition but before the
	// side-effect; an already-in-flight send is never undone.
	if !campaign.IsActive() {
		d.release(rec.ID)
		return
	}

	met, err := d.conditionsMet(&rec)
	if err != nil {
		log.WithError(err).Error("condition evaluation failed, releasing record")
		d.release(rec.ID)
		return
	}
	if !met {
		d.markFailed(rec.ID, models.FailReasonConditionNot)
		utils.MetricStepsSkipped.Inc()
		log.Info("step skipped, conditions not met")
		return
	}

	var contact models.Contact
	if err := d.DB.First(&contact, rec.ContactID).Error; err != nil {
		log.WithError(err).Error("contact not found, releasing record")
		d.release(rec.ID)
		return
	}
	if err := checkmail.ValidateFormat(contact.Email); err != nil {
		d.markFailed(rec.ID, models.FailReasonBadAddress)
		log.WithError(err).Warn("contact address invalid, step failed")
		return
	}

	subject, html, text, err := d.renderContent(&rec, &campaign)
	if err != nil {
		d.markFailed(rec.ID, models.FailReasonTransport)
		log.WithError(err).Error("content rendering failed")
		return
	}
	html = utils.InjectTracking(html, d.BaseURL, rec.TrackingPixelID)

	ctx, cancel := context.WithTimeout(context.Background(), d.SendTimeout)
	defer cancel()
	err = d.Transport.Send(ctx, utils.OutboundEmail{
		To:              contact.Email,
		Subject:         subject,
		HTMLContent:     html,
		TextContent:     text,
		TrackingPixelID: rec.TrackingPixelID,
	})
	if err != nil {
		d.handleSendFailure(&rec, err, now, log)
		return
	}

	sentAt := time.Now()
	if err := d.DB.Model(&models.Email{}).Where("id = ?", rec.ID).
		Updates(map[string]interface{}{
			"status":          models.EmailStatusSent,
			"sent_at":         sentAt,
			"processing_lock": nil,
		}).Error; err != nil {
		log.WithError(err).Error("failed to mark record sent")
		return
	}

	d.recordSentEvent(&rec, sentAt)
	d.DB.Model(&models.Campaign{}).Where("id = ?", campaign.ID).
		Update("total_sent", gorm.Expr("total_sent + ?", 1))
	utils.MetricEmailsDispatched.Inc()

	if d.Notifier != nil {
		d.Notifier.NotifyCampaignEvent(campaign.ID, "email_sent", map[string]interface{}{
			"contact_id": rec.ContactID,
			"sequence":   rec.FollowupSequence,
		})
	}

	if err := d.scheduleNextStep(&rec, &campaign, sentAt); err != nil {
		log.WithError(err).Error("failed to schedule next step")
	}
}

// conditionsMet re-validates the record's copied step conditions
// against the previous step's tracking state. A first step, or a step
// whose previous record is missing, has nothing to gate on.
func (d *Dispatcher) conditionsMet(rec *models.Email) (bool, error) {
	cond := rec.StepConditions
	if !cond.RequireOpen && !cond.RequireClick && !cond.RequireNoReply {
		return true, nil
	}
	if rec.FollowupSequence == 0 {
		return true, nil
	}

	var prev models.Email
	err := d.DB.Where("campaign_id = ? AND contact_id = ? AND followup_sequence = ?",
		rec.CampaignID, rec.ContactID, rec.FollowupSequence-1).First(&prev).Error
	if err == gorm.ErrRecordNotFound {
		return true, nil
	}
	if err != nil {
		return false, err
	}

	var tracking models.EmailTracking
	err = d.DB.Where("email_id = ?", prev.ID).First(&tracking).Error
	if err != nil && err != gorm.ErrRecordNotFound {
		return false, err
	}

	if cond.RequireOpen && !tracking.HasEvent(models.EventOpened) {
		return false, nil
	}
	if cond.RequireClick && !tracking.HasEvent(models.EventClicked) {
		return false, nil
	}
	if cond.RequireNoReply && prev.SentAt != nil {
		var contact models.Contact
		if err := d.DB.First(&contact, rec.ContactID).Error; err != nil {
			return false, err
		}
		if contact.RepliedSince(*prev.SentAt) {
			return false, nil
		}
	}
	return true, nil
}

func (d *Dispatcher) markFailed(emailID uint, reason string) {
	if err := d.DB.Model(&models.Email{}).Where("id = ?", emailID).
		Updates(map[string]interface{}{
			"status":          models.EmailStatusFailed,
			"fail_reason":     reason,
			"processing_lock": nil,
		}).Error; err != nil {
		d.Logger.WithError(err).WithField("email_id", emailID).Error("failed to mark record failed")
	}
}

// handleSendFailure re-queues the record with exponential backoff for
// a bounded number of attempts, then fails it terminally.
func (d *Dispatcher) handleSendFailure(rec *models.Email, sendErr error, now time.Time, log *logrus.Entry) {
	utils.MetricDispatchFailures.Inc()
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("campaign_id", fmt.Sprintf("%d", rec.CampaignID))
		scope.SetExtra("email_id", rec.ID)
		sentry.CaptureException(sendErr)
	})

	if rec.RetryCount+1 >= d.MaxRetries {
		d.markFailed(rec.ID, models.FailReasonTransport)
		log.WithError(sendErr).Error("transport failed, retries exhausted")
		return
	}

	backoff := retryBackoff(rec.RetryCount)
	if err := d.DB.Model(&models.Email{}).Where("id = ?", rec.ID).
		Updates(map[string]interface{}{
			"status":          models.EmailStatusQueued,
			"retry_count":     gorm.Expr("retry_count + ?", 1),
			"scheduled_at":    now.Add(backoff),
			"processing_lock": nil,
		}).Error; err != nil {
		log.WithError(err).Error("failed to requeue record")
		return
	}
	log.WithError(sendErr).WithField("backoff", backoff).Warn("transport failed, requeued")
}

func retryBackoff(retryCount int) time.Duration {
	return 10 * time.Minute << uint(retryCount)
}

// recordSentEvent appends the first-write-wins sent event to the
// record's tracking log.
func (d *Dispatcher) recordSentEvent(rec *models.Email, sentAt time.Time) {
	var tracking models.EmailTracking
	if err := d.DB.Where("tracking_pixel_id = ?", rec.TrackingPixelID).First(&tracking).Error; err != nil {
		d.Logger.WithError(err).WithField("email_id", rec.ID).Warn("tracking record missing for sent event")
		return
	}
	if tracking.AppendEvent(models.TrackingEvent{Type: models.EventSent, Timestamp: sentAt}) {
		if err := d.DB.Save(&tracking).Error; err != nil {
			d.Logger.WithError(err).Error("failed to persist sent event")
		}
	}
}

// scheduleNextStep materializes the (campaign, contact, k+1) record
// inside the successful-send path only, preserving per-contact step
// ordering. When the sequence is exhausted and the campaign repeats,
// a new cycle's first step is scheduled with the next monotonic
// sequence number.
func (d *Dispatcher) scheduleNextStep(rec *models.Email, campaign *models.Campaign, sentAt time.Time) error {
	nextNumber := rec.FollowupNumber + 1
	if nextNumber < len(campaign.Steps) {
		step := campaign.Steps[nextNumber]
		due := sentAt.Add(time.Duration(step.DelayHours) * time.Hour)
		_, err := CreateStepRecord(d.DB, campaign, rec.ContactID, nextNumber, rec.FollowupSequence+1, due)
		return err
	}

	if campaign.RepeatDays > 0 && len(campaign.Steps) > 0 {
		due := sentAt.Add(time.Duration(campaign.RepeatDays) * 24 * time.Hour)
		_, err := CreateStepRecord(d.DB, campaign, rec.ContactID, 0, rec.FollowupSequence+1, due)
		return err
	}
	return nil
}

// CreateStepRecord creates the delivery record plus its tracking
// record for a campaign step. The (campaign, contact, sequence)
// uniqueness invariant makes this idempotent: an existing record is
// left untouched and nil is returned.
func CreateStepRecord(db *gorm.DB, campaign *models.Campaign, contactID uint, stepNumber, sequence int, scheduledAt time.Time) (*models.Email, error) {
	if stepNumber >= len(campaign.Steps) {
		return nil, fmt.Errorf("campaign %d has no step %d", campaign.ID, stepNumber)
	}
	step := campaign.Steps[stepNumber]

	var existing int64
	if err := db.Model(&models.Email{}).
		Where("campaign_id = ? AND contact_id = ? AND followup_sequence = ?", campaign.ID, contactID, sequence).
		Count(&existing).Error; err != nil {
		return nil, err
	}
	if existing > 0 {
		return nil, nil
	}

	subject := step.Subject
	if subject == "" {
		subject = campaign.Subject
	}

	email := &models.Email{
		CampaignID:       campaign.ID,
		ContactID:        contactID,
		FollowupSequence: sequence,
		FollowupNumber:   stepNumber,
		IsFollowup:       sequence > 0,
		TemplateID:       step.TemplateID,
		Subject:          subject,
		Status:           models.EmailStatusQueued,
		ScheduledAt:      scheduledAt,
		StepConditions:   step.Conditions,
		TrackingPixelID:  utils.GenerateTrackingID(),
	}
	if err := db.Create(email).Error; err != nil {
		// A concurrent creator winning the unique-index race is fine.
		if strings.Contains(strings.ToLower(err.Error()), "unique") ||
			strings.Contains(strings.ToLower(err.Error()), "duplicate") {
			return nil, nil
		}
		return nil, err
	}

	tracking := &models.EmailTracking{
		TrackingPixelID: email.TrackingPixelID,
		EmailID:         email.ID,
		CampaignID:      campaign.ID,
		ContactID:       contactID,
		Events:          []models.TrackingEvent{},
	}
	if err := db.Create(tracking).Error; err != nil {
		return nil, err
	}
	return email, nil
}

// migrateLegacyFollowups converts due scheduled-step rows from the
// superseded followups table into delivery records, so pre-migration
// campaigns keep flowing through the same dispatch path.
func (d *Dispatcher) migrateLegacyFollowups(now time.Time) {
	var due []models.Followup
	err := d.DB.Where("status = ? AND scheduled_at <= ?", models.FollowupStatusScheduled, now).
		Limit(pollBatchSize).Find(&due).Error
	if err != nil {
		d.Logger.WithError(err).Error("failed to scan legacy followups")
		return
	}

	for _, f := range due {
		var campaign models.Campaign
		if err := d.DB.First(&campaign, f.CampaignID).Error; err != nil {
			d.DB.Model(&models.Followup{}).Where("id = ?", f.ID).
				Update("status", models.FollowupStatusCanceled)
			continue
		}

		stepNumber := f.SequenceNumber
		if stepNumber >= len(campaign.Steps) {
			stepNumber = 0
		}
		if len(campaign.Steps) == 0 {
			templateID := f.TemplateID
			campaign.Steps = []models.CampaignStep{{TemplateID: &templateID}}
			stepNumber = 0
		}

		if _, err := CreateStepRecord(d.DB, &campaign, f.ContactID, stepNumber, f.SequenceNumber, f.ScheduledAt); err != nil {
			d.Logger.WithError(err).WithField("followup_id", f.ID).Error("legacy followup migration failed")
			continue
		}
		d.DB.Model(&models.Followup{}).Where("id = ?", f.ID).
			Update("status", models.FollowupStatusMigrated)
	}
}

// sweepCompleted moves campaigns with no outstanding work to
// completed. The campaign-level processing_lock timestamp is the
// mutual-exclusion token so concurrent dispatchers never run the
// sweep for the same campaign twice.
func (d *Dispatcher) sweepCompleted(now time.Time) {
	var campaigns []models.Campaign
	err := d.DB.Where("status IN ?", []string{models.CampaignStatusScheduled, models.CampaignStatusSending}).
		Find(&campaigns).Error
	if err != nil {
		d.Logger.WithError(err).Error("completion sweep scan failed")
		return
	}

	for i := range campaigns {
		c := campaigns[i]
		if !d.acquireCampaignLock(c.ID, now) {
			continue
		}

		var total, outstanding int64
		d.DB.Model(&models.Email{}).Where("campaign_id = ?", c.ID).Count(&total)
		d.DB.Model(&models.Email{}).
			Where("campaign_id = ? AND status IN ?", c.ID,
				[]string{models.EmailStatusQueued, models.EmailStatusSending}).
			Count(&outstanding)

		if total > 0 && outstanding == 0 && models.CanTransitionCampaign(c.Status, models.CampaignStatusCompleted) {
			d.DB.Model(&models.Campaign{}).Where("id = ?", c.ID).
				Updates(map[string]interface{}{
					"status":          models.CampaignStatusCompleted,
					"completed_at":    now,
					"processing_lock": nil,
				})
			d.Logger.WithField("campaign_id", c.ID).Info("campaign completed")
			if d.Notifier != nil {
				d.Notifier.NotifyCampaignEvent(c.ID, "campaign_completed", nil)
			}
			continue
		}

		d.DB.Model(&models.Campaign{}).Where("id = ?", c.ID).
			Update("processing_lock", nil)
	}
}

func (d *Dispatcher) acquireCampaignLock(campaignID uint, now time.Time) bool {
	res := d.DB.Model(&models.Campaign{}).
		Where("id = ? AND (processing_lock IS NULL OR processing_lock < ?)", campaignID, now.Add(-d.LockTimeout)).
		Update("processing_lock", now)
	return res.Error == nil && res.RowsAffected == 1
}

// renderContent resolves the step's template or catalog items into
// subject and body.
func (d *Dispatcher) renderContent(rec *models.Email, campaign *models.Campaign) (string, string, string, error) {
	subject := rec.Subject
	if subject == "" {
		subject = campaign.Subject
	}

	if rec.TemplateID != nil {
		var tmpl models.Template
		if err := d.DB.First(&tmpl, *rec.TemplateID).Error; err != nil {
			return "", "", "", fmt.Errorf("template %d: %w", *rec.TemplateID, err)
		}
		if rec.Subject == "" && tmpl.Subject != "" {
			subject = tmpl.Subject
		}
		return subject, tmpl.HTMLContent, tmpl.TextContent, nil
	}

	// Catalog-based step
	if rec.FollowupNumber < len(campaign.Steps) {
		step := campaign.Steps[rec.FollowupNumber]
		if len(step.CatalogItemIDs) > 0 {
			var items []models.CatalogItem
			if err := d.DB.Where("id IN ?", step.CatalogItemIDs).Find(&items).Error; err != nil {
				return "", "", "", err
			}
			var b strings.Builder
			for _, item := range items {
				fmt.Fprintf(&b, `<div><h3>%s</h3><p>%s</p><a href="%s">View</a></div>`,
					item.Name, item.Description, item.ProductURL)
			}
			return subject, b.String(), "", nil
		}
	}

	if campaign.Description == "" {
		return "", "", "", fmt.Errorf("step %d of campaign %d has no content", rec.FollowupNumber, campaign.ID)
	}
	return subject, campaign.Description, "", nil
}
