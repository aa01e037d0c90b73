// Package rm adapts a Postgres connection into the resource-manager
// interface a coordinator or participant drives through prepare, commit,
// and abort. Unlike a single-database transaction, a resource manager here
// participates in real two-phase commit: PREPARE TRANSACTION hands control
// of an in-flight branch to the server, to be resolved later by gid alone,
// even across a process restart.
package rm

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/txcoord/txmanager/pkg/txn"
)

const ddl = `
	CREATE TABLE IF NOT EXISTS distributed_tx (
		tx_id TEXT PRIMARY KEY,
		payload JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`

// Statement describes a single parameterized insert or update, the only
// two operations a branch applies before it prepares.
type Statement struct {
	Table     string
	Operation string // INSERT or UPDATE; ParseStatement upper-cases it and defaults "" to INSERT, UnmarshalStatement does neither
	Values    map[string]any
	Where     map[string]any // required for UPDATE
}

// ParseStatement normalizes and validates a raw statement description.
func ParseStatement(table, operation string, values, where map[string]any) (*Statement, error) {
	stmt := &Statement{
		Table:     strings.TrimSpace(table),
		Operation: strings.ToUpper(strings.TrimSpace(operation)),
		Values:    values,
		Where:     where,
	}
	if stmt.Operation == "" {
		stmt.Operation = "INSERT"
	}
	if err := validateStatement(stmt); err != nil {
		return nil, err
	}
	return stmt, nil
}

// MarshalStatement encodes a statement as JSON, the form carried across
// the wire channel inside an INSERT_FROM_CLIENT or INSERT_FROM_COORDINATOR
// message's sql field.
func MarshalStatement(s *Statement) (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("rm: marshal statement: %w", err)
	}
	return string(b), nil
}

// UnmarshalStatement decodes and validates a statement previously produced
// by MarshalStatement.
func UnmarshalStatement(raw string) (*Statement, error) {
	var s Statement
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("rm: unmarshal statement: %w", err)
	}
	if err := validateStatement(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

func validateStatement(s *Statement) error {
	if s.Table == "" {
		return errors.New("rm: table is required")
	}
	if len(s.Values) == 0 {
		return errors.New("rm: values are required")
	}
	switch s.Operation {
	case "INSERT":
		return nil
	case "UPDATE":
		if len(s.Where) == 0 {
			return errors.New("rm: where is required for UPDATE")
		}
		return nil
	default:
		return fmt.Errorf("rm: unsupported operation %q", s.Operation)
	}
}

// RM is a resource manager backed by one Postgres database. All branches
// prepared through it are visible to any process querying pg_prepared_xacts
// on the same database, which is what makes crash recovery possible.
type RM struct {
	db *sql.DB

	schemaOnce sync.Once
	schemaErr  error
}

// Open connects to dsn using the pgx stdlib driver.
func Open(dsn string) (*RM, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("rm: open: %w", err)
	}
	return &RM{db: db}, nil
}

// Close closes the underlying connection pool.
func (r *RM) Close() error {
	return r.db.Close()
}

func (r *RM) ensureSchema(ctx context.Context) error {
	r.schemaOnce.Do(func() {
		_, r.schemaErr = r.db.ExecContext(ctx, ddl)
	})
	return r.schemaErr
}

// Branch is one XA-style transaction bound to a single tid, open from the
// coordinator or participant's INITIALIZE state through its decision.
// Exactly one worker owns a Branch at a time; it is not safe for concurrent
// use.
type Branch struct {
	rm  *RM
	tid string
	tx  *sql.Tx
}

// Begin opens a new branch bound to tid. The underlying Postgres
// transaction stays open across every Exec call until Prepare or Discard
// resolves it.
func (r *RM) Begin(ctx context.Context, tid string) (*Branch, error) {
	if !txn.ValidID(tid) {
		return nil, fmt.Errorf("rm: invalid transaction id %q", tid)
	}
	if err := r.ensureSchema(ctx); err != nil {
		return nil, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("rm: begin: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO distributed_tx (tx_id, payload) VALUES ($1, $2::jsonb)`, tid, "{}"); err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("rm: record branch: %w", err)
	}

	return &Branch{rm: r, tid: tid, tx: tx}, nil
}

// Exec applies one insert or update within the branch's still-open
// transaction.
func (b *Branch) Exec(ctx context.Context, stmt *Statement) error {
	return applyStatement(ctx, b.tx, stmt)
}

// Prepare hands the branch to Postgres as a durable prepared transaction
// named after its tid. A nil return means the branch will survive this
// process dying before CommitPrepared or RollbackPrepared is ever called; it is simply
// waiting to be resolved by gid.
func (b *Branch) Prepare(ctx context.Context) error {
	if _, err := b.tx.ExecContext(ctx, fmt.Sprintf(`PREPARE TRANSACTION '%s'`, b.tid)); err != nil {
		_ = b.tx.Rollback()
		return fmt.Errorf("rm: prepare transaction: %w", err)
	}

	// The session is no longer inside a transaction block once PREPARE
	// TRANSACTION succeeds; Rollback here only releases the pooled
	// connection, it does not undo the now-durable prepared branch.
	_ = b.tx.Rollback()

	log.Printf("[rm] prepared branch %s", b.tid)
	return nil
}

// Discard rolls back a branch that never reached Prepare. Safe to call on
// a branch that was never written to.
func (b *Branch) Discard() error {
	err := b.tx.Rollback()
	if err != nil && isFinishedTxErr(err) {
		return nil
	}
	return err
}

// CommitPrepared resolves a previously prepared branch to committed. It is
// safe to call against a branch this process never itself prepared, which
// is exactly what recovery does after a restart.
func (r *RM) CommitPrepared(ctx context.Context, tid string) error {
	if !txn.ValidID(tid) {
		return fmt.Errorf("rm: invalid transaction id %q", tid)
	}
	_, err := r.db.ExecContext(ctx, fmt.Sprintf(`COMMIT PREPARED '%s'`, tid))
	if err != nil && isUnknownPreparedXact(err) {
		log.Printf("[rm] commit prepared %s: branch already resolved", tid)
		return nil
	}
	if err != nil {
		return fmt.Errorf("rm: commit prepared: %w", err)
	}
	log.Printf("[rm] committed branch %s", tid)
	return nil
}

// RollbackPrepared resolves a previously prepared branch to aborted.
func (r *RM) RollbackPrepared(ctx context.Context, tid string) error {
	if !txn.ValidID(tid) {
		return fmt.Errorf("rm: invalid transaction id %q", tid)
	}
	_, err := r.db.ExecContext(ctx, fmt.Sprintf(`ROLLBACK PREPARED '%s'`, tid))
	if err != nil && isUnknownPreparedXact(err) {
		log.Printf("[rm] rollback prepared %s: branch already resolved", tid)
		return nil
	}
	if err != nil {
		return fmt.Errorf("rm: rollback prepared: %w", err)
	}
	log.Printf("[rm] rolled back branch %s", tid)
	return nil
}

// PreparedTransactions lists the gids of every branch this database
// currently holds prepared but unresolved. Recovery resolves every gid in
// this list, and compares it with the protocol log's own notion of
// "prepared" only to warn where the two disagree.
func (r *RM) PreparedTransactions(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT gid FROM pg_prepared_xacts WHERE database = current_database()`)
	if err != nil {
		return nil, fmt.Errorf("rm: list prepared: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var gid string
		if err := rows.Scan(&gid); err != nil {
			return nil, err
		}
		ids = append(ids, gid)
	}
	return ids, rows.Err()
}

func isUnknownPreparedXact(err error) bool {
	return strings.Contains(err.Error(), "does not exist")
}

func isFinishedTxErr(err error) bool {
	return strings.Contains(err.Error(), "already been committed") ||
		strings.Contains(err.Error(), "already been rolled back") ||
		strings.Contains(err.Error(), "sql: transaction has already been committed or rolled back")
}

func applyStatement(ctx context.Context, tx *sql.Tx, stmt *Statement) error {
	table, err := safeIdent(stmt.Table)
	if err != nil {
		return err
	}

	switch stmt.Operation {
	case "INSERT":
		cols := sortedKeys(stmt.Values)
		colIdents := make([]string, len(cols))
		args := make([]any, len(cols))
		placeholders := make([]string, len(cols))

		for i, c := range cols {
			ident, err := safeIdent(c)
			if err != nil {
				return err
			}
			colIdents[i] = `"` + ident + `"`
			args[i] = stmt.Values[c]
			placeholders[i] = placeholder(i + 1)
		}

		sqlText := `INSERT INTO "` + table + `" (` + strings.Join(colIdents, ",") + `) VALUES (` + strings.Join(placeholders, ",") + `)`
		_, err := tx.ExecContext(ctx, sqlText, args...)
		return err

	case "UPDATE":
		setCols := sortedKeys(stmt.Values)
		whereCols := sortedKeys(stmt.Where)

		setParts := make([]string, len(setCols))
		args := make([]any, 0, len(setCols)+len(whereCols))
		idx := 1

		for i, c := range setCols {
			ident, err := safeIdent(c)
			if err != nil {
				return err
			}
			setParts[i] = `"` + ident + `"=` + placeholder(idx)
			args = append(args, stmt.Values[c])
			idx++
		}

		whereParts := make([]string, len(whereCols))
		for i, c := range whereCols {
			ident, err := safeIdent(c)
			if err != nil {
				return err
			}
			whereParts[i] = `"` + ident + `"=` + placeholder(idx)
			args = append(args, stmt.Where[c])
			idx++
		}

		sqlText := `UPDATE "` + table + `" SET ` + strings.Join(setParts, ",") + ` WHERE ` + strings.Join(whereParts, " AND ")
		_, err := tx.ExecContext(ctx, sqlText, args...)
		return err

	default:
		return fmt.Errorf("rm: unsupported operation %q", stmt.Operation)
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func placeholder(idx int) string {
	return "$" + strconv.Itoa(idx)
}

func safeIdent(id string) (string, error) {
	if id == "" {
		return "", errors.New("rm: identifier empty")
	}
	for _, r := range id {
		if !(r == '_' || r == '-' ||
			(r >= '0' && r <= '9') ||
			(r >= 'a' && r <= 'z') ||
			(r >= 'A' && r <= 'Z')) {
			return "", errors.New("rm: identifier contains invalid characters")
		}
	}
	return strings.ToLower(id), nil
}
