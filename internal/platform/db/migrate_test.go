package db

import (
	"context"
	"testing"
	"testing/fstest"
	"time"

	"github.com/byluca/ct-medical-images/migrations"
)

func TestLoadMigrations(t *testing.T) {
	fsys := fstest.MapFS{
		"001_warehouse.sql": {Data: []byte("CREATE TABLE dim_patient (id UUID PRIMARY KEY);")},
		"002_indexes.sql":   {Data: []byte("CREATE INDEX idx ON dim_patient (id);")},
		"003_facts.sql":     {Data: []byte("CREATE TABLE fact_table (id UUID PRIMARY KEY);")},
	}

	migrator := NewMigrator(nil, fsys)
	migs, err := migrator.LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}

	if len(migs) != 3 {
		t.Fatalf("expected 3 migrations, got %d", len(migs))
	}
	if migs[0].Version != 1 {
		t.Errorf("expected version 1, got %d", migs[0].Version)
	}
	if migs[0].Name != "001_warehouse.sql" {
		t.Errorf("expected name 001_warehouse.sql, got %s", migs[0].Name)
	}
	if migs[0].SQL != "CREATE TABLE dim_patient (id UUID PRIMARY KEY);" {
		t.Errorf("unexpected SQL content: %s", migs[0].SQL)
	}
	if migs[1].Version != 2 || migs[2].Version != 3 {
		t.Errorf("unexpected versions %d, %d", migs[1].Version, migs[2].Version)
	}
}

func TestLoadMigrations_SortOrder(t *testing.T) {
	fsys := fstest.MapFS{
		"010_tables.sql": {Data: []byte("SELECT 10;")},
		"002_second.sql": {Data: []byte("SELECT 2;")},
		"001_first.sql":  {Data: []byte("SELECT 1;")},
		"005_middle.sql": {Data: []byte("SELECT 5;")},
	}

	migs, err := NewMigrator(nil, fsys).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migs) != 4 {
		t.Fatalf("expected 4 migrations, got %d", len(migs))
	}

	expectedVersions := []int{1, 2, 5, 10}
	for i, expected := range expectedVersions {
		if migs[i].Version != expected {
			t.Errorf("migration[%d]: expected version %d, got %d", i, expected, migs[i].Version)
		}
	}
}

func TestLoadMigrations_InvalidFilename(t *testing.T) {
	fsys := fstest.MapFS{
		"001_valid.sql":      {Data: []byte("SELECT 1;")},
		"readme.sql":         {Data: []byte("-- no version prefix")},
		"notes.txt":          {Data: []byte("not a sql file")},
		"abc_invalid.sql":    {Data: []byte("-- non-numeric prefix")},
		"002_also_valid.sql": {Data: []byte("SELECT 2;")},
		"sub/003_nested.sql": {Data: []byte("SELECT 3;")},
	}

	migs, err := NewMigrator(nil, fsys).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migs) != 2 {
		t.Fatalf("expected 2 valid migrations, got %d", len(migs))
	}
	if migs[0].Version != 1 || migs[1].Version != 2 {
		t.Errorf("unexpected versions %d, %d", migs[0].Version, migs[1].Version)
	}
}

func TestLoadMigrations_Empty(t *testing.T) {
	migs, err := NewMigrator(nil, fstest.MapFS{}).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migs) != 0 {
		t.Errorf("expected 0 migrations, got %d", len(migs))
	}
}

func TestLoadMigrations_Embedded(t *testing.T) {
	migs, err := NewMigrator(nil, migrations.FS).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migs) == 0 {
		t.Fatal("expected at least one embedded migration")
	}
	if migs[0].Version != 1 || migs[0].Name != "001_warehouse.sql" {
		t.Errorf("unexpected first migration %d %s", migs[0].Version, migs[0].Name)
	}
}

func TestPending(t *testing.T) {
	migs := []Migration{{Version: 1}, {Version: 2}, {Version: 3}, {Version: 5}}

	tests := []struct {
		name    string
		applied map[int]bool
		target  int
		want    []int
	}{
		{"nothing applied", nil, 0, []int{1, 2, 3, 5}},
		{"some applied", map[int]bool{1: true, 3: true}, 0, []int{2, 5}},
		{"all applied", map[int]bool{1: true, 2: true, 3: true, 5: true}, 0, nil},
		{"target", map[int]bool{1: true}, 3, []int{2, 3}},
		{"target between versions", nil, 4, []int{1, 2, 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Pending(migs, tt.applied, tt.target)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d pending, want %d", len(got), len(tt.want))
			}
			for i, v := range tt.want {
				if got[i].Version != v {
					t.Errorf("pending[%d] = %d, want %d", i, got[i].Version, v)
				}
			}
		})
	}
}

func TestBuildStatus(t *testing.T) {
	migs := []Migration{
		{Version: 1, Name: "001_warehouse.sql"},
		{Version: 2, Name: "002_indexes.sql"},
	}
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	statuses := BuildStatus(migs, map[int]time.Time{1: at})
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if !statuses[0].Applied || statuses[0].AppliedAt == nil || !statuses[0].AppliedAt.Equal(at) {
		t.Errorf("expected 001 applied at %v, got %+v", at, statuses[0])
	}
	if statuses[1].Applied || statuses[1].AppliedAt != nil {
		t.Errorf("expected 002 pending, got %+v", statuses[1])
	}
}

func TestEnsureMigrationsTable_InvalidSchema(t *testing.T) {
	m := NewMigrator(nil, fstest.MapFS{})
	if err := m.EnsureMigrationsTable(context.Background(), "bad;schema"); err == nil {
		t.Error("expected invalid schema name to be rejected")
	}
}
