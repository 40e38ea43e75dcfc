package controller

import (
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"mailpulse/models"
	"mailpulse/utils"
)

type CampaignController struct {
	DB     *gorm.DB
	Logger *logrus.Entry
	Hub    *EventHub
}

func NewCampaignController(db *gorm.DB, logger *logrus.Logger, hub *EventHub) *CampaignController {
	return &CampaignController{
		DB:     db,
		Logger: logger.WithField("component", "campaign"),
		Hub:    hub,
	}
}

type createCampaignInput struct {
	Name        string                `json:"name" validate:"required,min=1,max=200"`
	Subject     string                `json:"subject" validate:"required,min=1"`
	Description string                `json:"description"`
	RepeatDays  int                   `json:"repeat_days" validate:"gte=0"`
	Steps       []models.CampaignStep `json:"steps" validate:"required,min=1"`
}

// CreateCampaign creates a draft campaign with its sequence config.
func (cc *CampaignController) CreateCampaign(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var input createCampaignInput
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}
	for i, step := range input.Steps {
		if step.DelayHours < 0 {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed",
				fiber.NewError(fiber.StatusBadRequest, "delay_hours must be >= 0"))
		}
		if step.TemplateID == nil && len(step.CatalogItemIDs) == 0 && i > 0 {
			cc.Logger.WithField("step", i).Warn("step has no template or catalog items")
		}
	}

	campaign := models.Campaign{
		UserID:      user.ID,
		Name:        input.Name,
		Subject:     input.Subject,
		Description: input.Description,
		RepeatDays:  input.RepeatDays,
		Steps:       input.Steps,
		Status:      models.CampaignStatusDraft,
	}
	if err := cc.DB.Create(&campaign).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create campaign", err)
	}

	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(campaign))
}

// GetCampaigns lists the operator's campaigns.
func (cc *CampaignController) GetCampaigns(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var campaigns []models.Campaign
	if err := cc.DB.Where("user_id = ?", user.ID).Order("created_at DESC").Find(&campaigns).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch campaigns", err)
	}
	return c.JSON(utils.SuccessResponse(campaigns))
}

// GetCampaign returns one campaign with its run history.
func (cc *CampaignController) GetCampaign(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var campaign models.Campaign
	if err := cc.DB.Preload("Runs").
		Where("id = ? AND user_id = ?", c.Params("id"), user.ID).
		First(&campaign).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Campaign not found", nil)
	}
	return c.JSON(utils.SuccessResponse(campaign))
}

// ownedCampaign loads a campaign scoped to the requesting operator.
func (cc *CampaignController) ownedCampaign(c *fiber.Ctx) (*models.Campaign, error) {
	user := c.Locals("user").(*models.User)

	var campaign models.Campaign
	if err := cc.DB.Where("id = ? AND user_id = ?", c.Params("id"), user.ID).First(&campaign).Error; err != nil {
		return nil, err
	}
	return &campaign, nil
}
