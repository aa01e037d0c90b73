package protocollog

import (
	"path/filepath"
	"testing"

	"github.com/txcoord/txmanager/pkg/txn"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	path := filepath.Join(t.TempDir(), "protocol.db")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestLogInitializeAndGetRole(t *testing.T) {
	l := openTestLog(t)

	if err := l.LogInitialize("tx-1", txn.RoleCoordinator); err != nil {
		t.Fatalf("LogInitialize failed: %v", err)
	}

	role, err := l.GetRole("tx-1")
	if err != nil {
		t.Fatalf("GetRole failed: %v", err)
	}
	if role != txn.RoleCoordinator {
		t.Errorf("expected RoleCoordinator, got %v", role)
	}
}

func TestGetRoleUnknownTransaction(t *testing.T) {
	l := openTestLog(t)
	if _, err := l.GetRole("does-not-exist"); err == nil {
		t.Error("expected an error for an unknown transaction")
	}
}

func TestParticipantsAndCoordinator(t *testing.T) {
	l := openTestLog(t)

	if err := l.LogInitialize("tx-2", txn.RoleCoordinator); err != nil {
		t.Fatalf("LogInitialize failed: %v", err)
	}
	if err := l.AddCoordinator("tx-2", 0); err != nil {
		t.Fatalf("AddCoordinator failed: %v", err)
	}
	if err := l.AddParticipant("tx-2", 1); err != nil {
		t.Fatalf("AddParticipant failed: %v", err)
	}
	if err := l.AddParticipant("tx-2", 2); err != nil {
		t.Fatalf("AddParticipant failed: %v", err)
	}

	coord, err := l.GetCoordinator("tx-2")
	if err != nil {
		t.Fatalf("GetCoordinator failed: %v", err)
	}
	if coord != 0 {
		t.Errorf("expected coordinator 0, got %d", coord)
	}

	participants, err := l.GetParticipants("tx-2")
	if err != nil {
		t.Fatalf("GetParticipants failed: %v", err)
	}
	if len(participants) != 2 {
		t.Fatalf("expected 2 participants, got %d", len(participants))
	}
}

func TestAbortableTransactions(t *testing.T) {
	l := openTestLog(t)

	// tx-a: only initialized -> abortable.
	if err := l.LogInitialize("tx-a", txn.RoleCoordinator); err != nil {
		t.Fatal(err)
	}

	// tx-b: initialized then prepared -> not abortable.
	if err := l.LogInitialize("tx-b", txn.RoleCoordinator); err != nil {
		t.Fatal(err)
	}
	if err := l.LogPrepare("tx-b"); err != nil {
		t.Fatal(err)
	}

	// tx-c: initialized then aborted -> not abortable (already resolved).
	if err := l.LogInitialize("tx-c", txn.RoleCoordinator); err != nil {
		t.Fatal(err)
	}
	if err := l.LogAbort("tx-c"); err != nil {
		t.Fatal(err)
	}

	// tx-d: initialized, prepared, committed, then completed -> not
	// abortable. Its history ends in D, so a filter that only checks the
	// final state record would wrongly call this abortable; it must be
	// excluded because C appears anywhere in the history, not just at the
	// end.
	if err := l.LogInitialize("tx-d", txn.RoleCoordinator); err != nil {
		t.Fatal(err)
	}
	if err := l.LogPrepare("tx-d"); err != nil {
		t.Fatal(err)
	}
	if err := l.LogCommit("tx-d"); err != nil {
		t.Fatal(err)
	}
	if err := l.LogCompletion("tx-d"); err != nil {
		t.Fatal(err)
	}

	abortable, err := l.GetAbortableTransactions()
	if err != nil {
		t.Fatalf("GetAbortableTransactions failed: %v", err)
	}
	if len(abortable) != 1 || abortable[0] != "tx-a" {
		t.Errorf("expected only tx-a to be abortable, got %v", abortable)
	}
}

func TestPreparedTransactions(t *testing.T) {
	l := openTestLog(t)

	if err := l.LogInitialize("tx-x", txn.RoleParticipant); err != nil {
		t.Fatal(err)
	}
	if err := l.LogPrepare("tx-x"); err != nil {
		t.Fatal(err)
	}

	if err := l.LogInitialize("tx-y", txn.RoleParticipant); err != nil {
		t.Fatal(err)
	}
	if err := l.LogPrepare("tx-y"); err != nil {
		t.Fatal(err)
	}
	if err := l.LogCommit("tx-y"); err != nil {
		t.Fatal(err)
	}

	prepared, err := l.GetPreparedTransactions()
	if err != nil {
		t.Fatalf("GetPreparedTransactions failed: %v", err)
	}
	if len(prepared) != 1 || prepared[0] != "tx-x" {
		t.Errorf("expected only tx-x to be prepared, got %v", prepared)
	}
}

func TestLogCompletion(t *testing.T) {
	l := openTestLog(t)

	if err := l.LogInitialize("tx-z", txn.RoleCoordinator); err != nil {
		t.Fatal(err)
	}
	if err := l.LogCommit("tx-z"); err != nil {
		t.Fatal(err)
	}
	if err := l.LogCompletion("tx-z"); err != nil {
		t.Fatalf("LogCompletion failed: %v", err)
	}
}
