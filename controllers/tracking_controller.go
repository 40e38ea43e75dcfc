package controller

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"mailpulse/models"
	"mailpulse/utils"
)

const engagementWriteAttempts = 5

// TrackingController ingests engagement beacons. Every handler is
// fail-open: the remote client always gets the expected beacon
// response, whatever happened server-side.
type TrackingController struct {
	DB     *gorm.DB
	Logger *logrus.Entry
	Hub    *EventHub
}

func NewTrackingController(db *gorm.DB, logger *logrus.Logger, hub *EventHub) *TrackingController {
	return &TrackingController{
		DB:     db,
		Logger: logger.WithField("component", "tracking"),
		Hub:    hub,
	}
}

// HandleOpenPixel records an email open. Bot traffic and unknown
// tracking ids get the identical pixel response with zero mutation,
// so the filtering is invisible to the sender. Opens are idempotent:
// at most one opened event per tracking record.
func (tc *TrackingController) HandleOpenPixel(c *fiber.Ctx) error {
	trackingID := c.Params("trackingId")
	userAgent := c.Get("User-Agent")
	clientIP := c.IP()

	if utils.IsAutomatedClient(userAgent, clientIP) {
		utils.MetricBotHitsFiltered.Inc()
		return tc.servePixel(c)
	}

	event := models.TrackingEvent{
		Type:      models.EventOpened,
		Timestamp: time.Now(),
		Data: map[string]string{
			"ip":         clientIP,
			"user_agent": userAgent,
		},
	}
	tracking, appended, err := tc.recordEngagement(trackingID, event, true, clientIP, userAgent)
	if err != nil {
		return tc.servePixel(c)
	}

	if appended {
		tc.DB.Model(&models.Campaign{}).Where("id = ?", tracking.CampaignID).
			Update("opened", gorm.Expr("opened + ?", 1))
		utils.MetricOpensRecorded.Inc()

		if tc.Hub != nil {
			tc.Hub.NotifyCampaignEvent(tracking.CampaignID, "email_opened", map[string]interface{}{
				"contact_id": tracking.ContactID,
			})
		}
	}

	return tc.servePixel(c)
}

// HandleClickTracking records a click and forwards to the decoded
// target. Clicks are not deduplicated: every hit is logged. The
// redirect is open by product requirement; the target only has to be
// a syntactically valid absolute URL.
func (tc *TrackingController) HandleClickTracking(c *fiber.Ctx) error {
	trackingID := c.Params("trackingId")
	userAgent := c.Get("User-Agent")
	clientIP := c.IP()

	// The query layer already percent-decoded the parameter; the
	// decoded value is used verbatim as the redirect target.
	target := c.Query("url")
	if target == "" {
		return c.Status(fiber.StatusBadRequest).SendString("missing url parameter")
	}
	if !utils.ValidRedirectTarget(target) {
		return c.Status(fiber.StatusBadRequest).SendString("invalid url parameter")
	}

	if utils.IsAutomatedClient(userAgent, clientIP) {
		utils.MetricBotHitsFiltered.Inc()
		return c.Redirect(target, fiber.StatusFound)
	}

	event := models.TrackingEvent{
		Type:      models.EventClicked,
		Timestamp: time.Now(),
		Data: map[string]string{
			"url":        target,
			"ip":         clientIP,
			"user_agent": userAgent,
		},
	}
	tracking, appended, err := tc.recordEngagement(trackingID, event, false, clientIP, userAgent)
	if err != nil {
		// Lookup or persistence failed, but the decoded target was
		// already validated, so forwarding is still safe.
		return c.Redirect(target, fiber.StatusFound)
	}

	if appended {
		tc.DB.Model(&models.Campaign{}).Where("id = ?", tracking.CampaignID).
			Update("clicked", gorm.Expr("clicked + ?", 1))
		utils.MetricClicksRecorded.Inc()

		if tc.Hub != nil {
			tc.Hub.NotifyCampaignEvent(tracking.CampaignID, "email_clicked", map[string]interface{}{
				"contact_id": tracking.ContactID,
				"url":        target,
			})
		}
	}

	return c.Redirect(target, fiber.StatusFound)
}

// recordEngagement appends a beacon event to the tracking log with a
// store-side guard: the events blob is only written when the row is
// unchanged since it was read, the same compare-and-set discipline the
// dispatcher uses on delivery records. A lost race reloads and retries,
// so concurrent hits neither double-count a once-only event nor drop
// one another's appends. Returns whether this call appended the event.
func (tc *TrackingController) recordEngagement(trackingID string, event models.TrackingEvent, once bool, clientIP, userAgent string) (*models.EmailTracking, bool, error) {
	for attempt := 0; attempt < engagementWriteAttempts; attempt++ {
		var tracking models.EmailTracking
		if err := tc.DB.Where("tracking_pixel_id = ?", trackingID).First(&tracking).Error; err != nil {
			return nil, false, err
		}
		if once && tracking.HasEvent(event.Type) {
			return &tracking, false, nil
		}

		readAt := tracking.UpdatedAt
		tracking.AppendEvent(event)
		tracking.IPAddress = clientIP
		tracking.UserAgent = userAgent

		res := tc.DB.Model(&models.EmailTracking{}).
			Where("id = ? AND updated_at = ?", tracking.ID, readAt).
			Select("events", "ip_address", "user_agent", "updated_at").
			Updates(&tracking)
		if res.Error != nil {
			tc.Logger.WithError(res.Error).WithField("tracking_id", trackingID).
				Error("failed to persist engagement event")
			return nil, false, res.Error
		}
		if res.RowsAffected == 1 {
			return &tracking, true, nil
		}
		// Another hit landed between read and write; retry on the
		// fresh row state.
	}
	return nil, false, fmt.Errorf("tracking record %s: write contention not resolved", trackingID)
}

// servePixel writes the fixed transparent PNG with aggressive
// no-cache headers. The response is byte-identical for every hit so
// neither content nor caching behavior leaks whether the hit counted.
func (tc *TrackingController) servePixel(c *fiber.Ctx) error {
	c.Set("Content-Type", "image/png")
	c.Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
	c.Set("Pragma", "no-cache")
	c.Set("Expires", "0")
	return c.Send(utils.TransparentPixel())
}
