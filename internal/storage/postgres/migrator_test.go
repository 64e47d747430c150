package postgres

import (
	"strings"
	"testing"
	"testing/fstest"
)

func TestParseSchemaSteps_EmbeddedSchema(t *testing.T) {
	t.Parallel()

	plan, err := parseSchemaSteps(schemaFS, schemaDir)
	if err != nil {
		t.Fatalf("parse embedded schema: %v", err)
	}
	if len(plan) != 2 {
		t.Fatalf("expected 2 schema steps, got %d", len(plan))
	}

	kv, cache := plan[0], plan[1]
	if kv.label() != "0001_kv_entries" || cache.label() != "0002_cache_responses" {
		t.Fatalf("unexpected schema order: %s, %s", kv.label(), cache.label())
	}
	for _, want := range []string{"CREATE TABLE IF NOT EXISTS kv_entries", "key TEXT PRIMARY KEY", "idx_kv_entries_updated_at"} {
		if !strings.Contains(kv.Up, want) {
			t.Fatalf("kv_entries up step lacks %q", want)
		}
	}
	for _, want := range []string{"cache_buckets", "REFERENCES cache_buckets (name) ON DELETE CASCADE", "response JSONB", "PRIMARY KEY (bucket, key)"} {
		if !strings.Contains(cache.Up, want) {
			t.Fatalf("cache_responses up step lacks %q", want)
		}
	}
	// Ответы ссылаются на бакеты, поэтому откат удаляет их первыми.
	if strings.Index(cache.Down, "cache_responses") > strings.Index(cache.Down, "cache_buckets") {
		t.Fatalf("cache_responses must be dropped before cache_buckets:\n%s", cache.Down)
	}
}

func TestParseSchemaSteps_OrdersByVersion(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"schema/0010_sessions.up.sql":   {Data: []byte("CREATE TABLE sessions (id INT);")},
		"schema/0010_sessions.down.sql": {Data: []byte("DROP TABLE sessions;")},
		"schema/0002_ledger.up.sql":     {Data: []byte("CREATE TABLE ledger (id INT);")},
		"schema/0002_ledger.down.sql":   {Data: []byte("DROP TABLE ledger;")},
	}

	plan, err := parseSchemaSteps(fsys, "schema")
	if err != nil {
		t.Fatalf("parse schema: %v", err)
	}
	if len(plan) != 2 || plan[0].Version != 2 || plan[1].Version != 10 {
		t.Fatalf("unexpected plan: %+v", plan)
	}
	if plan[1].Name != "sessions" || plan[1].Down != "DROP TABLE sessions;" {
		t.Fatalf("unexpected step: %+v", plan[1])
	}
}

func TestParseSchemaSteps_Rejects(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		files fstest.MapFS
		want  string
	}{
		"missing down": {
			files: fstest.MapFS{"schema/0001_kv_entries.up.sql": {Data: []byte("SELECT 1;")}},
			want:  "both up and down",
		},
		"no direction": {
			files: fstest.MapFS{"schema/0001_kv_entries.sql": {Data: []byte("SELECT 1;")}},
			want:  ".up.sql or .down.sql",
		},
		"no version": {
			files: fstest.MapFS{"schema/kv_entries.up.sql": {Data: []byte("SELECT 1;")}},
			want:  "invalid version",
		},
		"empty body": {
			files: fstest.MapFS{
				"schema/0001_kv_entries.up.sql":   {Data: []byte("  \n")},
				"schema/0001_kv_entries.down.sql": {Data: []byte("DROP TABLE kv_entries;")},
			},
			want: "is empty",
		},
		"renamed version": {
			files: fstest.MapFS{
				"schema/0001_kv_entries.up.sql": {Data: []byte("SELECT 1;")},
				"schema/0001_kv_store.down.sql": {Data: []byte("SELECT 1;")},
			},
			want: "two names",
		},
		"foreign file": {
			files: fstest.MapFS{"schema/README": {Data: []byte("notes"), Mode: 0o644}},
			want:  "expected .sql",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := parseSchemaSteps(tc.files, "schema")
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestParseSchemaSteps_MissingDir(t *testing.T) {
	t.Parallel()

	if _, err := parseSchemaSteps(fstest.MapFS{}, "schema"); err == nil {
		t.Fatal("expected error for missing schema dir")
	}
}
