// Package coordinator implements the per-transaction coordinator state
// machine: a transaction's originating site drives it from INITIALIZE
// through ACTIVE, POLLING, and a decision state, guaranteeing eventual
// delivery of that decision via WAITING.
package coordinator

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/txcoord/txmanager/pkg/protocollog"
	"github.com/txcoord/txmanager/pkg/rm"
	"github.com/txcoord/txmanager/pkg/sitedir"
	"github.com/txcoord/txmanager/pkg/txn"
	"github.com/txcoord/txmanager/pkg/wire"
)

// State names the coordinator's position in its lifecycle.
type State string

const (
	StateInitialize State = "INITIALIZE"
	StateActive     State = "ACTIVE"
	StatePolling    State = "POLLING"
	StateAbort      State = "ABORT"
	StateCommit     State = "COMMIT"
	StateWaiting    State = "WAITING"
	StateFinished   State = "FINISHED"
)

// DialFunc opens a fresh channel to the site identified by nodeID. The
// daemon supplies this, backed by the site directory.
type DialFunc func(nodeID int) (*wire.Channel, error)

// PoolSize bounds how many participants a coordinator polls at once.
const PoolSize = 4

// Coordinator drives one transaction, in its own worker.
type Coordinator struct {
	tid    string
	nodeID int
	dir    *sitedir.Directory
	log    *protocollog.Log
	branch *rm.Branch
	dial   DialFunc

	client         *wire.Channel // nil once spawned in recovery
	failureTimeout time.Duration

	mu       sync.Mutex
	active   map[int]*wire.Channel // participant node_id -> channel
	state    State
	decision State // COMMIT or ABORT, fixed once logged
}

// New creates a coordinator for a brand-new, client-initiated transaction.
func New(client *wire.Channel, nodeID int, dir *sitedir.Directory, l *protocollog.Log, dial DialFunc, failureTimeout time.Duration) *Coordinator {
	return &Coordinator{
		tid:            txn.NewID(),
		nodeID:         nodeID,
		dir:            dir,
		log:            l,
		dial:           dial,
		client:         client,
		failureTimeout: failureTimeout,
		active:         make(map[int]*wire.Channel),
		state:          StateInitialize,
	}
}

// Resume rebuilds a coordinator for an in-flight transaction discovered
// during recovery, entering directly at initialState (POLLING or ABORT).
// There is no client channel: the original client, if any, is long gone.
func Resume(tid string, nodeID int, dir *sitedir.Directory, l *protocollog.Log, dial DialFunc, failureTimeout time.Duration, initialState State, participants map[int]*wire.Channel) *Coordinator {
	active := make(map[int]*wire.Channel)
	for id, ch := range participants {
		active[id] = ch
	}
	return &Coordinator{
		tid:            tid,
		nodeID:         nodeID,
		dir:            dir,
		log:            l,
		dial:           dial,
		failureTimeout: failureTimeout,
		active:         active,
		state:          initialState,
	}
}

// TID reports the transaction id this coordinator drives.
func (c *Coordinator) TID() string {
	return c.tid
}

// Run drives the coordinator's state machine to completion. c.branch is nil
// when resuming directly into POLLING or ABORT with no open branch (the
// original process's *sql.Tx is gone; decisions there are resolved purely
// against the resource manager's gid-addressed prepared-transaction API).
func (c *Coordinator) Run(ctx context.Context, database *rm.RM) {
	for {
		var next State
		switch c.currentState() {
		case StateInitialize:
			next = c.runInitialize(ctx, database)
		case StateActive:
			next = c.runActive(ctx, database)
		case StatePolling:
			next = c.runPolling(ctx)
		case StateCommit:
			next = c.runCommit(ctx, database)
		case StateAbort:
			next = c.runAbort(ctx, database)
		case StateWaiting:
			next = c.runWaiting(ctx)
		case StateFinished:
			c.runFinished()
			return
		default:
			log.Printf("[coordinator %s] unknown state %s, aborting", c.tid, c.currentState())
			next = StateAbort
		}
		c.setState(next)
	}
}

func (c *Coordinator) currentState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Coordinator) runInitialize(ctx context.Context, database *rm.RM) State {
	branch, err := database.Begin(ctx, c.tid)
	if err != nil {
		log.Printf("[coordinator %s] begin failed: %v", c.tid, err)
		return StateAbort
	}
	c.branch = branch

	if err := c.log.LogInitialize(c.tid, txn.RoleCoordinator); err != nil {
		log.Printf("[coordinator %s] log initialize failed: %v", c.tid, err)
		return StateAbort
	}

	if c.client != nil {
		if !c.client.SendMessage(wire.Message{Code: wire.StartTransaction, TID: c.tid}) {
			log.Printf("[coordinator %s] reply to client failed", c.tid)
		}
	}
	return StateActive
}

func (c *Coordinator) runActive(ctx context.Context, database *rm.RM) State {
	if c.client == nil {
		// Recovery never resumes into ACTIVE: a coordinator recovered from
		// the log either never prepared (ABORT) or already had (POLLING).
		return StateAbort
	}

	for {
		msg := c.client.ReadMessage()
		if msg == nil {
			return StateAbort
		}

		switch msg.Code {
		case wire.InsertFromClient:
			ok := c.handleInsert(ctx, database, msg)
			code := wire.OK
			if !ok {
				code = wire.Fail
			}
			if !c.client.SendResponse(code) {
				return StateAbort
			}
			if !ok {
				return StateAbort
			}

		case wire.AbortTransaction:
			return StateAbort

		case wire.CommitTransaction:
			return c.handleCommitRequest(ctx)

		default:
			log.Printf("[coordinator %s] unexpected opcode %d in ACTIVE, ignoring", c.tid, msg.Code)
		}
	}
}

func (c *Coordinator) handleInsert(ctx context.Context, database *rm.RM, msg *wire.Message) bool {
	endpoint, err := c.dir.RouteIn(msg.Key)
	if err != nil {
		log.Printf("[coordinator %s] routing failed: %v", c.tid, err)
		return false
	}

	if endpoint == c.nodeID {
		stmt, err := rm.UnmarshalStatement(msg.SQL)
		if err != nil {
			log.Printf("[coordinator %s] bad statement: %v", c.tid, err)
			return false
		}
		if err := c.branch.Exec(ctx, stmt); err != nil {
			log.Printf("[coordinator %s] local insert failed: %v", c.tid, err)
			return false
		}
		return true
	}

	ch, isNew, err := c.channelFor(endpoint)
	if err != nil {
		log.Printf("[coordinator %s] dial %d failed: %v", c.tid, endpoint, err)
		return false
	}
	if isNew {
		if err := c.log.AddParticipant(c.tid, endpoint); err != nil {
			log.Printf("[coordinator %s] log add participant failed: %v", c.tid, err)
			return false
		}
		if !ch.SendMessage(wire.Message{Code: wire.InitiateParticipant, TID: c.tid, NodeID: c.nodeID}) {
			return false
		}
	}

	if !ch.SendMessage(wire.Message{Code: wire.InsertFromCoordinator, SQL: msg.SQL}) {
		return false
	}
	reply := ch.ReadMessage()
	return reply != nil && reply.Code == wire.OK
}

func (c *Coordinator) channelFor(nodeID int) (*wire.Channel, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ch, ok := c.active[nodeID]; ok {
		return ch, false, nil
	}
	ch, err := c.dial(nodeID)
	if err != nil {
		return nil, false, err
	}
	c.active[nodeID] = ch
	return ch, true, nil
}

func (c *Coordinator) handleCommitRequest(ctx context.Context) State {
	if err := c.branch.Prepare(ctx); err != nil {
		log.Printf("[coordinator %s] local prepare failed: %v", c.tid, err)
		_ = c.branch.Discard()
		return StateAbort
	}
	if err := c.log.LogPrepare(c.tid); err != nil {
		log.Fatalf("[coordinator %s] log prepare failed, halting: %v", c.tid, err)
	}

	c.mu.Lock()
	empty := len(c.active) == 0
	c.mu.Unlock()

	if empty {
		return StateCommit
	}
	return StatePolling
}

func (c *Coordinator) runPolling(ctx context.Context) State {
	c.mu.Lock()
	targets := make(map[int]*wire.Channel, len(c.active))
	for id, ch := range c.active {
		targets[id] = ch
	}
	c.mu.Unlock()

	votes := make(map[int]bool, len(targets))
	var votesMu sync.Mutex

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(PoolSize)

	for id, ch := range targets {
		id, ch := id, ch
		g.Go(func() error {
			yes := false
			if ch == nil {
				// An entry with no channel cannot be polled; it counts as a
				// NO vote.
				votesMu.Lock()
				votes[id] = false
				votesMu.Unlock()
				return nil
			}
			if ch.SendOp(wire.PrepareToCommit) {
				if reply := ch.ReadMessage(); reply != nil && reply.Code == wire.PreparedFromParticipant {
					yes = true
				}
			}
			votesMu.Lock()
			votes[id] = yes
			votesMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	for _, yes := range votes {
		if !yes {
			return StateAbort
		}
	}
	return StateCommit
}

func (c *Coordinator) runCommit(ctx context.Context, database *rm.RM) State {
	if err := c.log.LogCommit(c.tid); err != nil {
		// The point of no return must precede the RM commit (§4.3); an
		// unwritable log means this process cannot safely advance past it.
		log.Fatalf("[coordinator %s] log commit failed, halting: %v", c.tid, err)
	}
	if err := database.CommitPrepared(ctx, c.tid); err != nil {
		log.Printf("[coordinator %s] RM commit failed: %v", c.tid, err)
	}
	c.decision = StateCommit
	return c.multicastDecision(wire.CommitFromCoordinator)
}

func (c *Coordinator) runAbort(ctx context.Context, database *rm.RM) State {
	if err := c.log.LogAbort(c.tid); err != nil {
		// Log failures are fatal (§7): this worker must not resolve the RM
		// branch without a durable record of which way it went.
		log.Fatalf("[coordinator %s] log abort failed, halting: %v", c.tid, err)
	}
	if c.branch != nil {
		_ = c.branch.Discard()
	}
	// A branch that reached Prepare is resolved only by gid; for one that
	// never did, RollbackPrepared finds no such gid and returns nil.
	_ = database.RollbackPrepared(ctx, c.tid)
	c.decision = StateAbort
	return c.multicastDecision(wire.RollbackFromCoordinator)
}

func (c *Coordinator) multicastDecision(code wire.Code) State {
	c.mu.Lock()
	targets := make(map[int]*wire.Channel, len(c.active))
	for id, ch := range c.active {
		targets[id] = ch
	}
	c.mu.Unlock()

	for id, ch := range targets {
		if ch == nil {
			continue
		}
		if c.sendDecisionAndAwaitAck(ch, code) {
			c.mu.Lock()
			delete(c.active, id)
			c.mu.Unlock()
		}
	}

	if c.client != nil {
		final := wire.TransactionCommitted
		if c.decision == StateAbort {
			final = wire.TransactionAborted
		}
		c.client.SendResponse(final)
	}

	c.mu.Lock()
	empty := len(c.active) == 0
	c.mu.Unlock()

	if empty {
		return StateFinished
	}
	return StateWaiting
}

// sendDecisionAndAwaitAck sends the decision over ch and waits for
// ACKNOWLEDGE_END. A participant that lost its channel before ever learning
// the decision re-enters WAITING not knowing commit from abort, and once
// the daemon hands it this very channel it re-asks via TRANSACTION_STATUS
// instead of acking outright; the coordinator already knows the answer, so
// it just repeats the decision rather than treating the query as a
// protocol error. Bounded so a participant stuck re-asking forever cannot
// wedge this worker.
func (c *Coordinator) sendDecisionAndAwaitAck(ch *wire.Channel, code wire.Code) bool {
	const maxRounds = 3
	for round := 0; round < maxRounds; round++ {
		if !ch.SendMessage(wire.Message{Code: code, TID: c.tid}) {
			return false
		}
		reply := ch.ReadMessage()
		if reply == nil {
			return false
		}
		switch reply.Code {
		case wire.AcknowledgeEnd:
			return true
		case wire.TransactionStatus:
			continue
		default:
			return false
		}
	}
	return false
}

func (c *Coordinator) runWaiting(ctx context.Context) State {
	ticker := time.NewTicker(c.waitInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// A cancelled context means this worker is being torn down:
			// exit rather than re-entering WAITING, which would just spin.
			return StateFinished
		case <-ticker.C:
			c.mu.Lock()
			targets := make([]int, 0, len(c.active))
			for id := range c.active {
				targets = append(targets, id)
			}
			c.mu.Unlock()

			for _, id := range targets {
				ch, err := c.dial(id)
				if err != nil {
					continue
				}
				c.mu.Lock()
				c.active[id] = ch
				c.mu.Unlock()
			}

			code := wire.CommitFromCoordinator
			if c.decision == StateAbort {
				code = wire.RollbackFromCoordinator
			}
			next := c.multicastDecision(code)
			if next == StateFinished {
				return StateFinished
			}
		}
	}
}

func (c *Coordinator) waitInterval() time.Duration {
	if c.failureTimeout <= 0 {
		return 10 * time.Second
	}
	return c.failureTimeout
}

func (c *Coordinator) runFinished() {
	if err := c.log.LogCompletion(c.tid); err != nil {
		log.Fatalf("[coordinator %s] log completion failed, halting: %v", c.tid, err)
	}
	if c.client != nil {
		c.client.Close()
	}
	c.mu.Lock()
	for _, ch := range c.active {
		ch.Close()
	}
	c.mu.Unlock()
}
