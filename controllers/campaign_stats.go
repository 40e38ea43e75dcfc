package controller

import (
	"strconv"

	"github.com/gofiber/fiber/v2"

	"mailpulse/models"
	"mailpulse/utils"
	"mailpulse/worker"
)

// GetCampaignStats returns the cached aggregate counters. They may be
// briefly stale; operators can force a synchronous reconciliation.
func (cc *CampaignController) GetCampaignStats(c *fiber.Ctx) error {
	campaign, err := cc.ownedCampaign(c)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Campaign not found", nil)
	}

	return c.JSON(fiber.Map{
		"total_sent":   campaign.TotalSent,
		"delivered":    campaign.Delivered,
		"opened":       campaign.Opened,
		"clicked":      campaign.Clicked,
		"bounced":      campaign.Bounced,
		"unsubscribed": campaign.Unsubscribed,
		"status":       campaign.Status,
	})
}

// RecalculateCampaignStats synchronously rebuilds one campaign's
// counters from the email and tracking stores and returns the result.
func (cc *CampaignController) RecalculateCampaignStats(c *fiber.Ctx) error {
	campaign, err := cc.ownedCampaign(c)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Campaign not found", nil)
	}

	reconciler := worker.NewReconciler(cc.DB, cc.Logger.Logger)
	stats, err := reconciler.Recalculate(campaign.ID)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Recalculation failed", err)
	}

	return c.JSON(stats)
}

// RecalculateAllStats runs the bulk reconciliation; per-campaign
// failures are reported without aborting the batch.
func (cc *CampaignController) RecalculateAllStats(c *fiber.Ctx) error {
	reconciler := worker.NewReconciler(cc.DB, cc.Logger.Logger)
	results := reconciler.RecalculateAll()

	succeeded := 0
	failures := fiber.Map{}
	for id, err := range results {
		if err != nil {
			failures[strconv.FormatUint(uint64(id), 10)] = err.Error()
			continue
		}
		succeeded++
	}

	return c.JSON(utils.SuccessResponse(fiber.Map{
		"recalculated": succeeded,
		"failures":     failures,
	}))
}

// RepairMissingOpens synthesizes opened events for clicked-but-never-
// opened tracking records. Idempotent.
func (cc *CampaignController) RepairMissingOpens(c *fiber.Ctx) error {
	reconciler := worker.NewReconciler(cc.DB, cc.Logger.Logger)
	repaired, err := reconciler.RepairMissingOpens()
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Repair failed", err)
	}

	return c.JSON(utils.SuccessResponse(fiber.Map{
		"repaired": repaired,
	}))
}

// GetCampaignDeliveries lists the campaign's delivery records, the
// per-contact audit trail behind the aggregate numbers.
func (cc *CampaignController) GetCampaignDeliveries(c *fiber.Ctx) error {
	campaign, err := cc.ownedCampaign(c)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Campaign not found", nil)
	}

	var emails []models.Email
	if err := cc.DB.Where("campaign_id = ?", campaign.ID).
		Order("contact_id, followup_sequence").Find(&emails).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch deliveries", err)
	}
	return c.JSON(utils.SuccessResponse(emails))
}
