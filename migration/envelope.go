// Package migration defines the portable session-state snapshot that
// crosses an engine handoff: cookies and current-origin local storage.
// Session storage, IndexedDB, and in-flight network state never cross.
package migration

// Cookie mirrors the WebDriver cookie shape.
type Cookie struct {
	Name  string
	Value string

	Domain   *string
	Path     *string
	Secure   *bool
	HTTPOnly *bool
	Expiry   *int64
	SameSite *string
}

// KV is a single local-storage entry.
type KV struct {
	Key   string
	Value string
}

// Envelope is the portable snapshot transferred at handoff.
type Envelope struct {
	SourceEngine string
	CapturedAtMs uint64
	CurrentURL   *string
	Cookies      []Cookie
	LocalStorage []KV
}

// Empty reports whether the envelope carries no state at all, the
// condition under which Handoff skips import and the final navigate
// (spec §4.4 step 4).
func (e Envelope) Empty() bool {
	return len(e.Cookies) == 0 && len(e.LocalStorage) == 0
}
