// Package txn holds the small data-model types shared by the coordinator,
// participant, protocol log, and daemon: transaction roles, the closed set
// of lifecycle state records, and id minting/parsing.
package txn

import "github.com/google/uuid"

// Role identifies whether this site drives a transaction (COORDINATOR) or
// votes and applies another site's decision (PARTICIPANT).
type Role int

const (
	RoleParticipant Role = 0
	RoleCoordinator Role = 1
)

func (r Role) String() string {
	if r == RoleCoordinator {
		return "COORDINATOR"
	}
	return "PARTICIPANT"
}

// State is one of the five lifecycle state records appended to STATE_LOG.
type State string

const (
	StateInitialized State = "I"
	StatePrepared    State = "P"
	StateCommitted   State = "C"
	StateAborted     State = "A"
	StateDone        State = "D"
)

// NewID mints a fresh, globally unique transaction id.
func NewID() string {
	return uuid.New().String()
}

// ValidID reports whether s parses as a UUID. The RM layer trusts tids
// enough to interpolate them into SQL (PREPARE TRANSACTION
// takes no bind parameter in Postgres), so every tid crossing a process
// boundary is validated here first.
func ValidID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
