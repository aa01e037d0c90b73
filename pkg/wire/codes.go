// Package wire implements the framed message channel: the only primitive
// every other layer uses for inter-process communication, between a client
// and a transaction manager or between any two transaction manager
// endpoints.
package wire

// Code is the numeric tag carried as the first element of every message.
// Opcodes and response codes share one wire-level int and overlap
// numerically (NO_OP and OK are both 0), so which set applies is determined
// by protocol state. Where a reply may come from either set (a decision
// resend, a status reply), the codes compared together have distinct values.
type Code int32

// Opcodes. Numeric values are pinned across sites: every site directory
// entry speaks the same wire dialect.
const (
	Stop                    Code = -1
	NoOp                    Code = 0
	StartTransaction        Code = 1
	AbortTransaction        Code = 2
	CommitTransaction       Code = 3
	InsertFromClient        Code = 4
	Shutdown                Code = 5
	InitiateParticipant     Code = 6
	InsertFromCoordinator   Code = 7
	PrepareToCommit         Code = 8
	CommitFromCoordinator   Code = 9
	RollbackFromCoordinator Code = 10
	TransactionStatus       Code = 11
)

// Response codes.
const (
	OK                      Code = 0
	Fail                    Code = 1
	PreparedFromParticipant Code = 2
	AbortFromParticipant    Code = 3
	AcknowledgeEnd          Code = 4
	TransactionCommitted    Code = 5
	TransactionAborted      Code = 6
)
