// Package contactutil resolves a phone number to a persisted Contact,
// tolerating the two storage forms (with and without a leading '+') and
// the create-race that concurrent inbound webhooks can trigger.
package contactutil

import (
	"github.com/google/uuid"
	"github.com/wabroker/msgcore/internal/models"
	"gorm.io/gorm"
)

// GetOrCreateContact finds or creates a contact for the given phone number
// within a tenant. Returns the contact, whether it was newly created, and
// any error.
func GetOrCreateContact(db *gorm.DB, tenantID uuid.UUID, phoneNumber, profileName string) (*models.Contact, bool, error) {
	normalizedPhone := phoneNumber
	if len(normalizedPhone) > 0 && normalizedPhone[0] == '+' {
		normalizedPhone = normalizedPhone[1:]
	}

	var contact models.Contact
	if err := db.Where("tenant_id = ? AND phone_number = ?", tenantID, normalizedPhone).First(&contact).Error; err == nil {
		if profileName != "" && contact.ProfileName != profileName {
			db.Model(&contact).Update("profile_name", profileName)
		}
		return &contact, false, nil
	}

	if err := db.Where("tenant_id = ? AND phone_number = ?", tenantID, "+"+normalizedPhone).First(&contact).Error; err == nil {
		if profileName != "" && contact.ProfileName != profileName {
			db.Model(&contact).Update("profile_name", profileName)
		}
		return &contact, false, nil
	}

	contact = models.Contact{
		BaseModel:   models.BaseModel{ID: uuid.New()},
		TenantID:    tenantID,
		PhoneNumber: normalizedPhone,
		ProfileName: profileName,
		OptStatus:   models.OptStatusUnknown,
	}
	if err := db.Create(&contact).Error; err != nil {
		if err2 := db.Where("tenant_id = ? AND phone_number = ?", tenantID, normalizedPhone).First(&contact).Error; err2 == nil {
			return &contact, false, nil
		}
		return nil, false, err
	}
	return &contact, true, nil
}
