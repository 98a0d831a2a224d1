package wire

import "github.com/buger/jsonparser"

// StampMigrated sets the top-level "migrated" boolean on a navigate
// metadata payload, adding the key if absent. The broker stamps
// migrated=true on the reply of a successful handoff and on every later
// navigate reply while the active engine is a SecondaryProxy (spec §6).
// Idempotent: an existing "migrated" key has its value replaced where it
// stands, so stamping the same value twice yields the same JSON.
func StampMigrated(metadata []byte, migrated bool) ([]byte, error) {
	value := "false"
	if migrated {
		value = "true"
	}
	return jsonparser.Set(metadata, []byte(value), "migrated")
}
