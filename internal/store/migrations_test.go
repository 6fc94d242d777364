package store

import (
	"strings"
	"testing"
)

func TestMigration0001_Init(t *testing.T) {
	b, err := migrationsFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}

	text := string(b)
	for _, needle := range []string{
		"node_user_usages",
		"node_usages",
		"usage_report_offsets",
		"notification_reminders",
		"user_usage_resets",
		"usage_coefficient",
	} {
		if !strings.Contains(text, needle) {
			t.Fatalf("migration missing %q", needle)
		}
	}

	stmts := splitSQLStatements(text)
	if len(stmts) != strings.Count(text, ";") {
		t.Fatalf("unexpected stmt count: %d", len(stmts))
	}
	for _, stmt := range stmts {
		if strings.HasPrefix(stmt, "--") {
			t.Fatalf("comment leaked into stmt: %q", stmt)
		}
	}
}

func TestSplitSQLStatements_SkipsCommentsAndBlanks(t *testing.T) {
	got := splitSQLStatements("-- header; with semicolon\nCREATE TABLE a (id INT);\n\n  ;\nINSERT INTO a VALUES (1);\n")
	if len(got) != 2 {
		t.Fatalf("expected 2 stmts, got %d: %q", len(got), got)
	}
	if got[0] != "CREATE TABLE a (id INT)" || got[1] != "INSERT INTO a VALUES (1)" {
		t.Fatalf("unexpected stmts: %q", got)
	}
}
