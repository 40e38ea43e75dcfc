package controller

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"mailpulse/models"
	"mailpulse/utils"
)

// HandleDeliveryWebhook is the mail-transport collaborator's callback
// for post-send signals: delivery confirmations, bounces, unsubscribes
// and reply detection. Events are keyed by tracking id, never by
// database id.
func (cc *CampaignController) HandleDeliveryWebhook(c *fiber.Ctx) error {
	var input struct {
		EventType  string `json:"event_type" validate:"required"` // delivered, bounced, unsubscribed, replied
		TrackingID string `json:"tracking_id" validate:"required"`
		Timestamp  int64  `json:"timestamp"`
	}

	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	var tracking models.EmailTracking
	if err := cc.DB.Where("tracking_pixel_id = ?", input.TrackingID).First(&tracking).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Tracking record not found", nil)
	}

	eventTime := time.Now()
	if input.Timestamp > 0 {
		eventTime = time.Unix(input.Timestamp, 0)
	}

	switch input.EventType {
	case "delivered":
		// First-write-wins in the event log guards the counter too.
		if tracking.AppendEvent(models.TrackingEvent{Type: models.EventDelivered, Timestamp: eventTime}) {
			cc.DB.Model(&models.Email{}).
				Where("id = ? AND status = ?", tracking.EmailID, models.EmailStatusSent).
				Updates(map[string]interface{}{
					"status":       models.EmailStatusDelivered,
					"delivered_at": eventTime,
				})
			cc.DB.Model(&models.Campaign{}).Where("id = ?", tracking.CampaignID).
				Update("delivered", gorm.Expr("delivered + ?", 1))
		}

	case "bounced":
		if !tracking.HasEvent(models.EventBounced) {
			tracking.AppendEvent(models.TrackingEvent{Type: models.EventBounced, Timestamp: eventTime})
			cc.DB.Model(&models.Email{}).
				Where("id = ? AND status = ?", tracking.EmailID, models.EmailStatusSent).
				Update("status", models.EmailStatusBounced)
			cc.DB.Model(&models.Contact{}).Where("id = ?", tracking.ContactID).
				Update("is_bounced", true)
			cc.DB.Model(&models.Campaign{}).Where("id = ?", tracking.CampaignID).
				Update("bounced", gorm.Expr("bounced + ?", 1))
		}

	case "unsubscribed":
		if !tracking.HasEvent(models.EventUnsubscribed) {
			tracking.AppendEvent(models.TrackingEvent{Type: models.EventUnsubscribed, Timestamp: eventTime})
			cc.DB.Model(&models.Contact{}).Where("id = ?", tracking.ContactID).
				Update("is_unsubscribed", true)
			cc.DB.Model(&models.Campaign{}).Where("id = ?", tracking.CampaignID).
				Update("unsubscribed", gorm.Expr("unsubscribed + ?", 1))
		}

	case "replied":
		// The reply signal feeds requireNoReply condition gating; it
		// is not part of the tracking event log.
		cc.DB.Model(&models.Contact{}).Where("id = ?", tracking.ContactID).
			Update("replied_at", eventTime)

	default:
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Unknown event type", nil)
	}

	if err := cc.DB.Save(&tracking).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to update tracking record", err)
	}

	if cc.Hub != nil {
		cc.Hub.NotifyCampaignEvent(tracking.CampaignID, "webhook_"+input.EventType, map[string]interface{}{
			"contact_id": tracking.ContactID,
		})
	}

	return c.JSON(utils.SuccessResponse(fiber.Map{"processed": input.EventType}))
}
