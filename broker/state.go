// Package broker implements the service loop, its finite-state machine,
// and the client-facing request/reply interface.
package broker

import (
	"sync"
	"time"
)

// Role identifies which side of a handoff the active engine currently
// plays.
type Role uint8

const (
	// RolePrimary is the normal, pre-escalation role.
	RolePrimary Role = iota
	// RoleSecondaryProxy is held after a successful handoff: the active
	// engine is the former secondary, now serving in the primary's
	// place.
	RoleSecondaryProxy
)

func (r Role) String() string {
	if r == RoleSecondaryProxy {
		return "secondary_proxy"
	}
	return "primary"
}

// State is the broker's finite-state machine (spec §4.3). It is mutated
// only by the single-consumer service loop; the mutex exists solely so
// that opsapi's /statez handler (itself only ever invoked from inside the
// loop via a status request, never concurrently) and tests can read it
// safely.
type State struct {
	mu sync.Mutex

	role                Role
	standbyPresent      bool
	consecutiveFailures int
	backoffUntil        time.Time
	nextPageID          uint32

	activeFailureBudget            int
	escalationBackoffAfterRollback time.Duration
}

// NewState creates a fresh primary-role state with no standby and no
// failures recorded.
func NewState(activeFailureBudget int, escalationBackoffAfterRollback time.Duration) *State {
	return &State{
		role:                           RolePrimary,
		activeFailureBudget:            activeFailureBudget,
		escalationBackoffAfterRollback: escalationBackoffAfterRollback,
	}
}

// Snapshot is a read-only copy of State, safe to hand to opsapi or tests.
type Snapshot struct {
	Role                Role
	StandbyPresent      bool
	ConsecutiveFailures int
	InBackoff           bool
	NextPageID          uint32
}

// Snapshot returns the current state.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Role:                s.role,
		StandbyPresent:      s.standbyPresent,
		ConsecutiveFailures: s.consecutiveFailures,
		InBackoff:           time.Now().Before(s.backoffUntil),
		NextPageID:          s.nextPageID,
	}
}

// NextPage allocates and returns the next page id, saturating at
// math.MaxUint32 rather than wrapping.
func (s *State) NextPage() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextPageID
	if s.nextPageID != ^uint32(0) {
		s.nextPageID++
	}
	return id
}

// RecordSuccess resets the consecutive-failure counter.
func (s *State) RecordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutiveFailures = 0
}

// RecordFailure increments the consecutive-failure counter and reports
// whether the active-failure budget is now exhausted (spec §8: "reaches
// budget exhausted exactly on the third consecutive call" with the
// default budget of 3).
func (s *State) RecordFailure() (budgetExhausted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutiveFailures++
	return s.consecutiveFailures >= s.activeFailureBudget
}

// ShouldSkipEscalation reports whether escalation must be skipped given
// the current state (spec §4.4, §8): already a SecondaryProxy, a standby
// already present, or still inside a post-rollback backoff window.
func (s *State) ShouldSkipEscalation() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.role == RoleSecondaryProxy {
		return true
	}
	if s.standbyPresent {
		return true
	}
	return time.Now().Before(s.backoffUntil)
}

// ApplyEscalation transitions the state after a successful handoff: the
// secondary becomes active, the old primary is kept as standby (invariant
// (a): standby is present iff role is SecondaryProxy), and the failure
// counter resets (the new active engine has no failure history yet).
func (s *State) ApplyEscalation() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.role = RoleSecondaryProxy
	s.standbyPresent = true
	s.consecutiveFailures = 0
}

// ApplyRollback reverts a SecondaryProxy whose failure budget is
// exhausted back to its standby: role returns to Primary, the standby is
// gone (swapped back into active by the caller), and the failure counter
// resets. Escalation is skipped for EscalationBackoffAfterRollback from
// now.
func (s *State) ApplyRollback() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.role = RolePrimary
	s.standbyPresent = false
	s.consecutiveFailures = 0
	s.backoffUntil = time.Now().Add(s.escalationBackoffAfterRollback)
}

// SetStandbyPresent records whether a standby engine is currently held
// (spec §4.3's standby slot is a single optional owner).
func (s *State) SetStandbyPresent(present bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.standbyPresent = present
}

// Role returns the current role.
func (s *State) Role() Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// budgetExhaustedWhileSecondary reports whether the active engine, while
// serving as SecondaryProxy, has now exhausted its failure budget — the
// service loop's cue to roll back and close the degraded secondary
// (spec §4.5's Navigate handling).
func budgetExhaustedWhileSecondary(s *State, exhausted bool) bool {
	return s.Role() == RoleSecondaryProxy && exhausted
}
