package wire

import (
	"testing"

	"github.com/buger/jsonparser"
)

func TestStampMigrated_AddsKeyWhenAbsent(t *testing.T) {
	raw := []byte(`{"ok":true,"engine":"rod","title":"Example"}`)
	out, err := StampMigrated(raw, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	v, err := jsonparser.GetBoolean(out, "migrated")
	if err != nil {
		t.Fatalf("expected migrated key present: %v", err)
	}
	if !v {
		t.Fatal("expected migrated=true")
	}
}

func TestStampMigrated_OverwritesExistingKey(t *testing.T) {
	raw := []byte(`{"ok":true,"migrated":true}`)
	out, err := StampMigrated(raw, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	v, err := jsonparser.GetBoolean(out, "migrated")
	if err != nil {
		t.Fatalf("expected migrated key present: %v", err)
	}
	if v {
		t.Fatal("expected migrated=false after overwrite")
	}
}
