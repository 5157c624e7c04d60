package database

import (
	"fmt"
	"time"

	"github.com/wabroker/msgcore/internal/config"
	"github.com/wabroker/msgcore/internal/models"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewPostgres creates a new PostgreSQL connection from a structured config.
func NewPostgres(cfg *config.DatabaseConfig, debug bool) (*gorm.DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Name, cfg.SSLMode,
	)

	db, err := newGormDB(dsn, debug)
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Second)

	return db, nil
}

// NewPostgresFromDSN connects using a raw DSN, for callers (tests, one-off
// tools) that don't build a full config.DatabaseConfig.
func NewPostgresFromDSN(dsn string, debug bool) (*gorm.DB, error) {
	return newGormDB(dsn, debug)
}

func newGormDB(dsn string, debug bool) (*gorm.DB, error) {
	logLevel := logger.Silent
	if debug {
		logLevel = logger.Info
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// MigrationModel holds model info for migration progress.
type MigrationModel struct {
	Name  string
	Model interface{}
}

// GetMigrationModels returns every model this module persists, in
// dependency order (tenants before phones, templates/contacts before the
// campaign rows that reference them).
func GetMigrationModels() []MigrationModel {
	return []MigrationModel{
		{"Tenant", &models.Tenant{}},
		{"TenantPhone", &models.TenantPhone{}},
		{"Contact", &models.Contact{}},
		{"Template", &models.Template{}},
		{"Campaign", &models.Campaign{}},
		{"CampaignBatch", &models.CampaignBatch{}},
		{"CampaignMessage", &models.CampaignMessage{}},
		{"Conversation", &models.Conversation{}},
		{"ConversationLedgerEntry", &models.ConversationLedgerEntry{}},
		{"Message", &models.Message{}},
		{"AutomationRule", &models.AutomationRule{}},
		{"WebhookLog", &models.WebhookLog{}},
		{"KillSwitch", &models.KillSwitch{}},
	}
}

// AutoMigrate runs auto migration for all models (silent mode).
func AutoMigrate(db *gorm.DB) error {
	migrationModels := GetMigrationModels()
	for _, m := range migrationModels {
		if err := db.AutoMigrate(m.Model); err != nil {
			return fmt.Errorf("failed to migrate %s: %w", m.Name, err)
		}
	}
	return nil
}

// Migrate is the entry point used by the test helpers (cmd/server's
// -migrate flag calls AutoMigrate and CreateIndexes directly): it
// auto-migrates every model, then lays down the supplemental indexes
// GORM struct tags can't express (partial and multi-table ones).
func Migrate(db *gorm.DB) error {
	if err := AutoMigrate(db); err != nil {
		return err
	}
	return CreateIndexes(db)
}

// getIndexes returns index creation SQL statements not already covered by
// gorm struct tags (uniqueIndex/index: on Contact, Conversation,
// CampaignMessage, TenantPhone).
func getIndexes() []string {
	return []string{
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation_time ON messages(conversation_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_tenant_time ON messages(tenant_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_provider_message_id ON messages(provider_message_id)`,
		`CREATE INDEX IF NOT EXISTS idx_campaigns_tenant_status ON campaigns(tenant_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_campaigns_scheduled ON campaigns(scheduled_at) WHERE status = 'SCHEDULED'`,
		`CREATE INDEX IF NOT EXISTS idx_campaign_batches_campaign_status ON campaign_batches(campaign_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_campaign_messages_status ON campaign_messages(campaign_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_tenant_last_customer_msg ON conversations(tenant_id, last_customer_message_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_webhook_logs_tenant_time ON webhook_logs(tenant_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_automation_rules_tenant_enabled ON automation_rules(tenant_id, enabled)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_templates_tenant_name_lang ON templates(tenant_id, name, language)`,
	}
}

// CreateIndexes creates the supplemental indexes getIndexes lists.
func CreateIndexes(db *gorm.DB) error {
	for _, idx := range getIndexes() {
		if err := db.Exec(idx).Error; err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}

// TruncateAll wipes every module table, for per-test cleanup. Ignores
// errors from tables that AutoMigrate hasn't created yet.
func TruncateAll(db *gorm.DB) {
	tables := []string{
		"campaign_messages",
		"campaign_batches",
		"campaigns",
		"conversation_ledger_entries",
		"conversations",
		"messages",
		"automation_rules",
		"webhook_logs",
		"contacts",
		"templates",
		"tenant_phones",
		"kill_switches",
		"tenants",
	}
	for _, table := range tables {
		db.Exec(fmt.Sprintf("TRUNCATE TABLE %s CASCADE", table))
	}
}
