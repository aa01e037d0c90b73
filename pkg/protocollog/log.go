// Package protocollog implements the append-only protocol log each site
// keeps of every transaction it has touched, as coordinator or participant.
// Recovery after a crash never trusts in-memory state: it replays this log.
package protocollog

import (
	"database/sql"
	"fmt"
	"log"

	_ "github.com/mattn/go-sqlite3"

	"github.com/txcoord/txmanager/pkg/txn"
)

// Log wraps a sqlite3-backed protocol log. All writes are serialized through
// a single *sql.DB connection; sqlite3 does not tolerate concurrent writers
// across connections, so this mirrors the single-connection discipline of
// the original protocol store.
type Log struct {
	db *sql.DB
}

// Open opens (creating if necessary) the protocol log at path and ensures
// its schema exists.
func Open(path string) (*Log, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("protocollog: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	l := &Log{db: db}
	if err := l.createTables(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Log) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS TRANSACTION_LOG (
			tr_id TEXT PRIMARY KEY,
			tr_role INT
		)`,
		`CREATE TABLE IF NOT EXISTS TRANSACTION_SITE_LOG (
			tr_id TEXT,
			tr_role INT,
			node_id INT
		)`,
		`CREATE TABLE IF NOT EXISTS STATE_LOG (
			tr_id TEXT,
			state TEXT
		)`,
	}
	for _, stmt := range stmts {
		if _, err := l.db.Exec(stmt); err != nil {
			return fmt.Errorf("protocollog: create schema: %w", err)
		}
	}
	return nil
}

// Close flushes and closes the underlying database handle.
func (l *Log) Close() error {
	return l.db.Close()
}

// LogInitialize records that tid has been initialized in the given role.
// This is the first entry ever written for a transaction.
func (l *Log) LogInitialize(tid string, role txn.Role) error {
	log.Printf("[protocollog] transaction %s initialized as %s", tid, role)

	tx, err := l.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`INSERT INTO STATE_LOG (tr_id, state) VALUES (?, ?)`, tid, string(txn.StateInitialized)); err != nil {
		return fmt.Errorf("protocollog: log initialize: %w", err)
	}
	roleInt := 0
	if role == txn.RoleCoordinator {
		roleInt = 1
	}
	if _, err := tx.Exec(`INSERT INTO TRANSACTION_LOG (tr_id, tr_role) VALUES (?, ?)`, tid, roleInt); err != nil {
		return fmt.Errorf("protocollog: log initialize: %w", err)
	}
	return tx.Commit()
}

// AddParticipant records that node_id is a participant in tid.
func (l *Log) AddParticipant(tid string, nodeID int) error {
	log.Printf("[protocollog] adding participant %d to transaction %s", nodeID, tid)
	_, err := l.db.Exec(`INSERT INTO TRANSACTION_SITE_LOG (tr_id, tr_role, node_id) VALUES (?, 0, ?)`, tid, nodeID)
	return err
}

// AddCoordinator records that node_id is the coordinator of tid.
func (l *Log) AddCoordinator(tid string, nodeID int) error {
	log.Printf("[protocollog] adding coordinator %d to transaction %s", nodeID, tid)
	_, err := l.db.Exec(`INSERT INTO TRANSACTION_SITE_LOG (tr_id, tr_role, node_id) VALUES (?, 1, ?)`, tid, nodeID)
	return err
}

// LogPrepare appends a PREPARED state record for tid.
func (l *Log) LogPrepare(tid string) error {
	log.Printf("[protocollog] transaction %s prepared", tid)
	return l.appendState(tid, txn.StatePrepared)
}

// LogCommit appends a COMMITTED state record for tid.
func (l *Log) LogCommit(tid string) error {
	log.Printf("[protocollog] transaction %s committed", tid)
	return l.appendState(tid, txn.StateCommitted)
}

// LogAbort appends an ABORTED state record for tid.
func (l *Log) LogAbort(tid string) error {
	log.Printf("[protocollog] transaction %s aborted", tid)
	return l.appendState(tid, txn.StateAborted)
}

// LogCompletion appends a DONE state record for tid, marking it fully
// resolved and no longer a candidate for recovery.
func (l *Log) LogCompletion(tid string) error {
	log.Printf("[protocollog] transaction %s completed", tid)
	return l.appendState(tid, txn.StateDone)
}

func (l *Log) appendState(tid string, state txn.State) error {
	_, err := l.db.Exec(`INSERT INTO STATE_LOG (tr_id, state) VALUES (?, ?)`, tid, string(state))
	return err
}

// GetRole reports whether this site acted as coordinator or participant in
// tid. tid must already have an INITIALIZE record.
func (l *Log) GetRole(tid string) (txn.Role, error) {
	var roleInt int
	err := l.db.QueryRow(`SELECT tr_role FROM TRANSACTION_LOG WHERE tr_id = ?`, tid).Scan(&roleInt)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("protocollog: transaction %s does not exist in the protocol log", tid)
	}
	if err != nil {
		return 0, err
	}
	if roleInt == 1 {
		return txn.RoleCoordinator, nil
	}
	return txn.RoleParticipant, nil
}

// GetParticipants returns the node ids recorded as participants in tid.
func (l *Log) GetParticipants(tid string) ([]int, error) {
	rows, err := l.db.Query(`SELECT node_id FROM TRANSACTION_SITE_LOG WHERE tr_id = ? AND tr_role = 0`, tid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetCoordinator returns the node id recorded as coordinator of tid.
func (l *Log) GetCoordinator(tid string) (int, error) {
	var id int
	err := l.db.QueryRow(`SELECT node_id FROM TRANSACTION_SITE_LOG WHERE tr_id = ? AND tr_role = 1`, tid).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("protocollog: transaction %s has no recorded coordinator", tid)
	}
	return id, err
}

// GetAbortableTransactions returns every transaction whose state history
// contains neither a COMMITTED, PREPARED, nor ABORTED record — the set that
// presumed-abort recovery can safely treat as never having reached a
// decision point, and therefore abort outright.
func (l *Log) GetAbortableTransactions() ([]string, error) {
	rows, err := l.db.Query(`
		SELECT tr_id
		FROM STATE_LOG
		GROUP BY tr_id
		HAVING SUM(CASE WHEN state = ? THEN 1 ELSE 0 END) = 0
		   AND SUM(CASE WHEN state = ? THEN 1 ELSE 0 END) = 0
		   AND SUM(CASE WHEN state = ? THEN 1 ELSE 0 END) = 0
	`, string(txn.StateCommitted), string(txn.StatePrepared), string(txn.StateAborted))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetPreparedTransactions returns every transaction whose state history
// contains a PREPARED record but no COMMITTED or ABORTED record — the
// uncertain window recovery must resolve against the resource manager's own
// prepared-transaction list.
func (l *Log) GetPreparedTransactions() ([]string, error) {
	rows, err := l.db.Query(`
		SELECT tr_id
		FROM STATE_LOG
		GROUP BY tr_id
		HAVING SUM(CASE WHEN state = ? THEN 1 ELSE 0 END) > 0
		   AND SUM(CASE WHEN state = ? THEN 1 ELSE 0 END) = 0
		   AND SUM(CASE WHEN state = ? THEN 1 ELSE 0 END) = 0
	`, string(txn.StatePrepared), string(txn.StateCommitted), string(txn.StateAborted))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
