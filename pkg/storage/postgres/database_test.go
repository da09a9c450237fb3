package postgres_test

import (
	"testing"

	"tickstream/pkg/storage/postgres"
)

// go test -v --run TestCreateDatabase
func TestCreateDatabase(t *testing.T) {
	cfg := testConfig(t, "tickstream_create_test")

	if err := postgres.CreateDatabase(cfg, "dev"); err != nil {
		t.Fatalf("failed to create database: %v", err)
	}
	// second call finds the existing database
	if err := postgres.CreateDatabase(cfg, "dev"); err != nil {
		t.Fatalf("create on existing database failed: %v", err)
	}
}
