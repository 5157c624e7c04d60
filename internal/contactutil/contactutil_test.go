package contactutil

import (
	"testing"

	"github.com/google/uuid"
	"github.com/wabroker/msgcore/internal/models"
	"github.com/wabroker/msgcore/test/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetOrCreateContact_CreatesNew(t *testing.T) {
	db := testutil.SetupTestDB(t)
	tenant := &models.Tenant{Name: "test-" + uuid.New().String()[:8]}
	require.NoError(t, db.Create(tenant).Error)

	contact, isNew, err := GetOrCreateContact(db, tenant.ID, "1234567890", "Alice")
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Equal(t, "1234567890", contact.PhoneNumber)
	assert.Equal(t, "Alice", contact.ProfileName)
}

func TestGetOrCreateContact_FindsExisting(t *testing.T) {
	db := testutil.SetupTestDB(t)
	tenant := &models.Tenant{Name: "test-" + uuid.New().String()[:8]}
	require.NoError(t, db.Create(tenant).Error)

	existing := models.Contact{
		TenantID:    tenant.ID,
		PhoneNumber: "1234567890",
		ProfileName: "Alice",
	}
	require.NoError(t, db.Create(&existing).Error)

	contact, isNew, err := GetOrCreateContact(db, tenant.ID, "1234567890", "Alice")
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, existing.ID, contact.ID)
}

func TestGetOrCreateContact_NormalizesPlus(t *testing.T) {
	db := testutil.SetupTestDB(t)
	tenant := &models.Tenant{Name: "test-" + uuid.New().String()[:8]}
	require.NoError(t, db.Create(tenant).Error)

	existing := models.Contact{
		TenantID:    tenant.ID,
		PhoneNumber: "1234567890",
		ProfileName: "Bob",
	}
	require.NoError(t, db.Create(&existing).Error)

	contact, isNew, err := GetOrCreateContact(db, tenant.ID, "+1234567890", "Bob")
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, existing.ID, contact.ID)
}

func TestGetOrCreateContact_FindsPlusPrefix(t *testing.T) {
	db := testutil.SetupTestDB(t)
	tenant := &models.Tenant{Name: "test-" + uuid.New().String()[:8]}
	require.NoError(t, db.Create(tenant).Error)

	existing := models.Contact{
		TenantID:    tenant.ID,
		PhoneNumber: "+1234567890",
		ProfileName: "Charlie",
	}
	require.NoError(t, db.Create(&existing).Error)

	contact, isNew, err := GetOrCreateContact(db, tenant.ID, "1234567890", "Charlie")
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, existing.ID, contact.ID)
}

func TestGetOrCreateContact_UpdatesProfileName(t *testing.T) {
	db := testutil.SetupTestDB(t)
	tenant := &models.Tenant{Name: "test-" + uuid.New().String()[:8]}
	require.NoError(t, db.Create(tenant).Error)

	existing := models.Contact{
		TenantID:    tenant.ID,
		PhoneNumber: "1234567890",
		ProfileName: "Old Name",
	}
	require.NoError(t, db.Create(&existing).Error)

	contact, isNew, err := GetOrCreateContact(db, tenant.ID, "1234567890", "New Name")
	require.NoError(t, err)
	assert.False(t, isNew)

	var reloaded models.Contact
	require.NoError(t, db.First(&reloaded, contact.ID).Error)
	assert.Equal(t, "New Name", reloaded.ProfileName)
}
