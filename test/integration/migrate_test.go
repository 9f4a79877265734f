//go:build integration

package integration

import (
	"context"
	"testing"

	"github.com/ehr/rcm/internal/platform/db"
	"github.com/ehr/rcm/migrations"
)

func TestMigrator_UpIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := db.NewMigrator(globalPool, migrations.FS)

	n, err := m.Up(ctx, "public")
	if err != nil {
		t.Fatalf("second Up: %v", err)
	}
	if n != 0 {
		t.Errorf("expected nothing left to apply, applied %d", n)
	}

	status, err := m.Status(ctx, "public")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if len(status) == 0 {
		t.Fatal("expected at least one migration")
	}
	for _, s := range status {
		if !s.Applied || s.AppliedAt == nil {
			t.Errorf("migration %d (%s) not applied", s.Version, s.Name)
		}
	}
}

func TestMigrator_SeparateSchema(t *testing.T) {
	ctx := context.Background()
	schema := "rcm_schema_check"
	defer globalPool.Exec(ctx, "DROP SCHEMA IF EXISTS "+schema+" CASCADE") //nolint:errcheck

	m := db.NewMigrator(globalPool, migrations.FS)
	n, err := m.Up(ctx, schema)
	if err != nil {
		t.Fatalf("Up(%s): %v", schema, err)
	}
	if n == 0 {
		t.Fatal("expected migrations to apply to a fresh schema")
	}

	var exists bool
	err = globalPool.QueryRow(ctx, `SELECT EXISTS (
		SELECT 1 FROM information_schema.tables WHERE table_schema = $1 AND table_name = 'claims')`, schema).Scan(&exists)
	if err != nil {
		t.Fatalf("query information_schema: %v", err)
	}
	if !exists {
		t.Errorf("expected claims table in schema %s", schema)
	}
}
