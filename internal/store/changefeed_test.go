package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseNotification(t *testing.T) {
	change, err := ParseNotification(`{"reportId":"r1","sectionId":"s1","userId":"u1","updatedAt":"2026-03-01T10:00:00.123456+00:00"}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if change.ReportID != "r1" || change.SectionID != "s1" || change.UserID != "u1" {
		t.Fatalf("unexpected change %+v", change)
	}
	want := time.Date(2026, 3, 1, 10, 0, 0, 123456000, time.UTC)
	if !change.UpdatedAt.Equal(want) {
		t.Fatalf("updatedAt = %v, want %v", change.UpdatedAt, want)
	}
}

func TestParseNotificationRejectsIncomplete(t *testing.T) {
	for _, payload := range []string{`not json`, `{"reportId":"r1"}`, `{"sectionId":"s1"}`} {
		if _, err := ParseNotification(payload); err == nil {
			t.Fatalf("expected error for %q", payload)
		}
	}
}

func TestMigrationDeclaresChangeTrigger(t *testing.T) {
	contents, err := os.ReadFile(filepath.Join("..", "..", "db", "migrations", "0001_reports_sections.up.sql"))
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	sql := string(contents)
	for _, want := range []string{"pg_notify('" + ChangeChannel + "'", "AFTER UPDATE OF content_blocks", "'sectionId'", "'reportId'"} {
		if !strings.Contains(sql, want) {
			t.Fatalf("migration missing %q", want)
		}
	}
}
