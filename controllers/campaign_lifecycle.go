package controller

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"mailpulse/models"
	"mailpulse/utils"
	"mailpulse/worker"
)

// StartCampaign begins (or resumes scheduling for) a campaign:
// transitions it to sending and materializes the first-step delivery
// record for every enrolled contact that does not have one.
func (cc *CampaignController) StartCampaign(c *fiber.Ctx) error {
	campaign, err := cc.ownedCampaign(c)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Campaign not found", nil)
	}

	if len(campaign.Steps) == 0 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Campaign has no steps", nil)
	}
	if err := campaign.Transition(models.CampaignStatusSending); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Campaign cannot be started", err)
	}

	now := time.Now()
	// A nil StartedAt on a campaign with prior restarts means this is
	// the first start of a fresh run: contacts get new sequence numbers.
	freshRun := campaign.StartedAt == nil
	if campaign.StartedAt == nil {
		campaign.StartedAt = utils.Pointer(now)
	}
	// Column-scoped update so concurrent counter increments are never
	// clobbered by a stale struct save.
	if err := cc.DB.Model(&models.Campaign{}).Where("id = ?", campaign.ID).
		Updates(map[string]interface{}{
			"status":     campaign.Status,
			"started_at": campaign.StartedAt,
		}).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to update campaign", err)
	}

	created, err := cc.enqueueFirstSteps(campaign, now, freshRun)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to schedule first steps", err)
	}

	cc.Logger.WithFields(map[string]interface{}{
		"campaign_id": campaign.ID,
		"scheduled":   created,
	}).Info("campaign started")

	if cc.Hub != nil {
		cc.Hub.NotifyCampaignEvent(campaign.ID, "campaign_started", map[string]interface{}{
			"scheduled": created,
		})
	}

	return c.JSON(utils.SuccessResponse(fiber.Map{
		"status":    campaign.Status,
		"scheduled": created,
	}))
}

// enqueueFirstSteps creates a step-0 record per enrolled contact.
// Sequence numbers continue from the contact's highest existing one,
// so records from prior runs and cycles are never renumbered.
func (cc *CampaignController) enqueueFirstSteps(campaign *models.Campaign, now time.Time, freshRun bool) (int, error) {
	var enrollments []models.CampaignContact
	if err := cc.DB.Where("campaign_id = ?", campaign.ID).Find(&enrollments).Error; err != nil {
		return 0, err
	}

	firstStep := campaign.Steps[0]
	scheduledAt := now.Add(time.Duration(firstStep.DelayHours) * time.Hour)

	created := 0
	for _, enrollment := range enrollments {
		var maxSeq *int
		row := cc.DB.Model(&models.Email{}).
			Where("campaign_id = ? AND contact_id = ?", campaign.ID, enrollment.ContactID).
			Select("MAX(followup_sequence)").Row()
		if err := row.Scan(&maxSeq); err != nil {
			return created, err
		}

		sequence := 0
		if maxSeq != nil {
			// Contact already has records from a prior run; only the
			// first start of a fresh run hands out new numbers.
			if !freshRun {
				continue
			}
			sequence = *maxSeq + 1
		}

		rec, err := worker.CreateStepRecord(cc.DB, campaign, enrollment.ContactID, 0, sequence, scheduledAt)
		if err != nil {
			return created, err
		}
		if rec != nil {
			created++
		}
	}
	return created, nil
}

// PauseCampaign stops new sends. An already-in-flight send is not
// undone; the dispatcher checks campaign status after lock
// acquisition and before the transport call.
func (cc *CampaignController) PauseCampaign(c *fiber.Ctx) error {
	campaign, err := cc.ownedCampaign(c)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Campaign not found", nil)
	}

	if err := campaign.Transition(models.CampaignStatusPaused); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Campaign cannot be paused", err)
	}
	if err := cc.DB.Model(&models.Campaign{}).Where("id = ?", campaign.ID).
		Update("status", campaign.Status).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to pause campaign", err)
	}

	return c.JSON(utils.SuccessResponse(fiber.Map{"status": campaign.Status}))
}

// ResumeCampaign re-enters sending from paused.
func (cc *CampaignController) ResumeCampaign(c *fiber.Ctx) error {
	campaign, err := cc.ownedCampaign(c)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Campaign not found", nil)
	}

	if err := campaign.Transition(models.CampaignStatusSending); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Campaign cannot be resumed", err)
	}
	if err := cc.DB.Model(&models.Campaign{}).Where("id = ?", campaign.ID).
		Update("status", campaign.Status).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to resume campaign", err)
	}

	return c.JSON(utils.SuccessResponse(fiber.Map{"status": campaign.Status}))
}

// RestartCampaign archives the current stats into the run-history
// ledger, resets the live counters and re-enters scheduled. Existing
// delivery and tracking records are untouched; the next start hands
// out fresh sequence numbers so the uniqueness invariant holds across
// runs.
func (cc *CampaignController) RestartCampaign(c *fiber.Ctx) error {
	campaign, err := cc.ownedCampaign(c)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Campaign not found", nil)
	}

	if err := campaign.Transition(models.CampaignStatusScheduled); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Campaign cannot be restarted", err)
	}

	run := models.CampaignRun{
		CampaignID:   campaign.ID,
		RunNumber:    campaign.RestartCount,
		TotalSent:    campaign.TotalSent,
		Delivered:    campaign.Delivered,
		Opened:       campaign.Opened,
		Clicked:      campaign.Clicked,
		Bounced:      campaign.Bounced,
		Unsubscribed: campaign.Unsubscribed,
		StartedAt:    campaign.StartedAt,
		ArchivedAt:   time.Now(),
	}
	if err := cc.DB.Create(&run).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to archive run history", err)
	}

	campaign.RestartCount++
	campaign.ResetStats()
	if err := cc.DB.Model(&models.Campaign{}).Where("id = ?", campaign.ID).
		Updates(map[string]interface{}{
			"status":        campaign.Status,
			"restart_count": campaign.RestartCount,
			"started_at":    nil,
			"completed_at":  nil,
			"total_sent":    0,
			"delivered":     0,
			"opened":        0,
			"clicked":       0,
			"bounced":       0,
			"unsubscribed":  0,
		}).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to restart campaign", err)
	}

	cc.Logger.WithFields(map[string]interface{}{
		"campaign_id": campaign.ID,
		"run":         campaign.RestartCount,
	}).Info("campaign restarted")

	return c.JSON(utils.SuccessResponse(fiber.Map{
		"status":        campaign.Status,
		"restart_count": campaign.RestartCount,
	}))
}
