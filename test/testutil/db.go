package testutil

import (
	"io"
	"os"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/wabroker/msgcore/internal/database"
	"github.com/zerodha/logf"
	"gorm.io/gorm"
)

// NopLogger returns a logf.Logger that discards output, for tests that
// need a Logger value but don't assert on log content.
func NopLogger() logf.Logger {
	return logf.New(logf.Opts{Writer: io.Discard, Level: logf.FatalLevel})
}

// SetupTestDB connects to a Postgres instance named by TEST_DATABASE_URL
// and migrates the full model set, skipping the test if the variable is
// unset — this module's models target Postgres-only features (jsonb
// columns, embedded structs) that an in-memory stand-in can't exercise
// faithfully.
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping DB-backed test")
	}

	db, err := database.NewPostgresFromDSN(dsn, false)
	if err != nil {
		t.Fatalf("connect test database: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate test database: %v", err)
	}

	t.Cleanup(func() {
		database.TruncateAll(db)
	})

	return db
}

// SetupTestRedis returns a client backed by an in-process miniredis
// instance, closed automatically when the test ends.
func SetupTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}
