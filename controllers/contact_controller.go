package controller

import (
	"github.com/badoux/checkmail"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"mailpulse/models"
	"mailpulse/utils"
)

type ContactController struct {
	DB     *gorm.DB
	Logger *logrus.Entry
}

func NewContactController(db *gorm.DB, logger *logrus.Logger) *ContactController {
	return &ContactController{
		DB:     db,
		Logger: logger.WithField("component", "contact"),
	}
}

type createContactInput struct {
	Email     string `json:"email" validate:"required,email"`
	FirstName string `json:"first_name" validate:"max=100"`
	LastName  string `json:"last_name" validate:"max=100"`
	Company   string `json:"company" validate:"max=200"`
}

func (cn *ContactController) CreateContact(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var input createContactInput
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}
	if err := checkmail.ValidateFormat(input.Email); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid email address", err)
	}

	contact := models.Contact{
		UserID:    user.ID,
		Email:     input.Email,
		FirstName: input.FirstName,
		LastName:  input.LastName,
		Company:   input.Company,
	}
	if err := cn.DB.Create(&contact).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create contact", err)
	}

	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(contact))
}

func (cn *ContactController) GetContacts(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var contacts []models.Contact
	if err := cn.DB.Where("user_id = ?", user.ID).Order("created_at DESC").Find(&contacts).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch contacts", err)
	}
	return c.JSON(utils.SuccessResponse(contacts))
}

// EnrollContacts adds contacts to a campaign. Unsubscribed and
// bounced contacts are skipped; the dispatcher would only burn sends
// on addresses that already opted out or failed.
func (cn *ContactController) EnrollContacts(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var campaign models.Campaign
	if err := cn.DB.Where("id = ? AND user_id = ?", c.Params("id"), user.ID).First(&campaign).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Campaign not found", nil)
	}

	var input struct {
		ContactIDs []uint `json:"contact_ids" validate:"required,min=1"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	enrolled := 0
	for _, contactID := range input.ContactIDs {
		var contact models.Contact
		if err := cn.DB.Where("id = ? AND user_id = ?", contactID, user.ID).First(&contact).Error; err != nil {
			continue
		}
		if contact.IsUnsubscribed || contact.IsBounced {
			continue
		}

		enrollment := models.CampaignContact{CampaignID: campaign.ID, ContactID: contactID}
		if err := cn.DB.FirstOrCreate(&enrollment,
			models.CampaignContact{CampaignID: campaign.ID, ContactID: contactID}).Error; err != nil {
			cn.Logger.WithError(err).WithField("contact_id", contactID).Error("enrollment failed")
			continue
		}
		enrolled++
	}

	return c.JSON(utils.SuccessResponse(fiber.Map{"enrolled": enrolled}))
}
