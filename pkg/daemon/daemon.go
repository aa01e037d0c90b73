// Package daemon implements the node-level TM process (C5): a listening
// socket and a dispatch loop that demultiplexes incoming connections into
// per-transaction coordinator and participant workers, and performs
// crash-recovery reattachment on startup by replaying the protocol log and
// the resource manager's own prepared-transaction list.
package daemon

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/txcoord/txmanager/pkg/coordinator"
	"github.com/txcoord/txmanager/pkg/participant"
	"github.com/txcoord/txmanager/pkg/protocollog"
	"github.com/txcoord/txmanager/pkg/rm"
	"github.com/txcoord/txmanager/pkg/sitedir"
	"github.com/txcoord/txmanager/pkg/txn"
	"github.com/txcoord/txmanager/pkg/wire"
)

// State names the daemon's own lifecycle. It is distinct from, and does
// not block on, the lifecycle of any individual transaction it hosts.
type State string

const (
	StateRecovery   State = "RECOVERY"
	StateInitialize State = "INITIALIZE"
	StateActive     State = "ACTIVE"
	StateFinished   State = "FINISHED"
)

// worker is satisfied by both *coordinator.Coordinator and
// *participant.Participant: each is driven to completion on its own
// goroutine and reports the tid it owns. No shared base type is needed; a
// narrow interface is enough for the daemon to spawn and reap either kind
// uniformly.
type worker interface {
	TID() string
	Run(ctx context.Context, database *rm.RM)
}

// Factories lets tests substitute dummy coordinators and participants
// without spinning up a real resource manager connection or protocol log.
type Factories struct {
	NewCoordinator    func(client *wire.Channel) *coordinator.Coordinator
	ResumeCoordinator func(tid string, initial coordinator.State, participants map[int]*wire.Channel) *coordinator.Coordinator
	NewParticipant    func(ch *wire.Channel, tid string, coordNodeID int) *participant.Participant
	ResumeParticipant func(ch *wire.Channel, tid string, coordNodeID int, initial participant.State) *participant.Participant
}

// childEntry is one live transaction worker. participant is non-nil only
// when worker is a *participant.Participant, giving the dispatcher
// somewhere to inject a freshly accepted channel while it sits in WAITING.
type childEntry struct {
	worker      worker
	participant *participant.Participant
}

// Daemon is the node-level process for one site: it owns the listening
// socket, demultiplexes inbound connections by opcode, and tracks every
// live transaction worker so that a decision message for an already-known
// tid can be routed to it instead of spawning a duplicate.
type Daemon struct {
	nodeID         int
	dir            *sitedir.Directory
	plog           *protocollog.Log
	database       *rm.RM
	failureTimeout time.Duration
	factories      Factories

	mu       sync.Mutex
	children map[string]*childEntry
	state    State

	listener net.Listener
	wg       sync.WaitGroup
}

// New builds a daemon for site nodeID. The default factories wire real
// coordinators and participants backed by plog, database, and dir; tests
// override them with SetFactories to avoid a real resource manager.
func New(nodeID int, dir *sitedir.Directory, plog *protocollog.Log, database *rm.RM, failureTimeout time.Duration) *Daemon {
	d := &Daemon{
		nodeID:         nodeID,
		dir:            dir,
		plog:           plog,
		database:       database,
		failureTimeout: failureTimeout,
		children:       make(map[string]*childEntry),
		state:          StateRecovery,
	}
	d.factories = Factories{
		NewCoordinator: func(client *wire.Channel) *coordinator.Coordinator {
			return coordinator.New(client, d.nodeID, d.dir, d.plog, d.dial, d.failureTimeout)
		},
		ResumeCoordinator: func(tid string, initial coordinator.State, participants map[int]*wire.Channel) *coordinator.Coordinator {
			return coordinator.Resume(tid, d.nodeID, d.dir, d.plog, d.dial, d.failureTimeout, initial, participants)
		},
		NewParticipant: func(ch *wire.Channel, tid string, coordNodeID int) *participant.Participant {
			return participant.New(ch, tid, coordNodeID, d.plog)
		},
		ResumeParticipant: func(ch *wire.Channel, tid string, coordNodeID int, initial participant.State) *participant.Participant {
			return participant.Resume(ch, tid, coordNodeID, d.plog, initial)
		},
	}
	return d
}

// SetFactories overrides the coordinator/participant construction
// functions, for tests that substitute dummies.
func (d *Daemon) SetFactories(f Factories) {
	d.factories = f
}

// NodeID reports the site this daemon serves.
func (d *Daemon) NodeID() int {
	return d.nodeID
}

func (d *Daemon) currentState() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Daemon) setState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

// dial opens a fresh channel to nodeID, looked up in the site directory.
// Coordinators use this directly (through the factory closures above) to
// open participant connections and to retry them from WAITING.
func (d *Daemon) dial(nodeID int) (*wire.Channel, error) {
	addr, err := d.dir.Addr(nodeID)
	if err != nil {
		return nil, err
	}
	return wire.Dial(addr)
}

// dialOrDead opens a fresh channel to nodeID, falling back to an
// already-closed channel when the peer cannot be reached right now.
// Recovery does not retry here itself: an already-closed channel makes the
// very first send or read the resumed worker attempts fail immediately,
// which is exactly the signal that sends a resumed coordinator's POLLING
// vote to NO or parks a resumed participant in WAITING until the daemon on
// the other end injects something live.
func (d *Daemon) dialOrDead(nodeID int) *wire.Channel {
	ch, err := d.dial(nodeID)
	if err != nil {
		log.Printf("[daemon] recovery: connect to node %d failed, leaving it for retry: %v", nodeID, err)
		return wire.NewChannel(nil)
	}
	return ch
}

// Recover replays the protocol log and the resource manager's own
// prepared-transaction list to reattach every transaction that was
// in-flight when this process last exited. It must run before Listen.
func (d *Daemon) Recover(ctx context.Context) error {
	d.setState(StateRecovery)

	abortable, err := d.plog.GetAbortableTransactions()
	if err != nil {
		return fmt.Errorf("daemon: recovery: list abortable transactions: %w", err)
	}
	for _, tid := range abortable {
		d.reattach(ctx, tid, coordinator.StateAbort, participant.StateAbort)
	}

	preparedRM, err := d.database.PreparedTransactions(ctx)
	if err != nil {
		return fmt.Errorf("daemon: recovery: list RM prepared transactions: %w", err)
	}
	d.warnOnPreparedMismatch(preparedRM)

	for _, tid := range preparedRM {
		d.reattach(ctx, tid, coordinator.StatePolling, participant.StatePrepared)
	}

	d.setState(StateInitialize)
	return nil
}

// warnOnPreparedMismatch cross-checks the resource manager's prepared set
// against the protocol log's own notion of "prepared" (see §9's open
// question on dual authority). The RM's list drives recovery; a mismatch
// here means the log and the RM disagreed about which branches reached the
// uncertain window, which should never happen absent a crash between a log
// write and its fsync, or the reverse on the RM side.
func (d *Daemon) warnOnPreparedMismatch(preparedRM []string) {
	preparedLog, err := d.plog.GetPreparedTransactions()
	if err != nil {
		log.Printf("[daemon] recovery: could not cross-check prepared transactions against the log: %v", err)
		return
	}

	logSet := make(map[string]bool, len(preparedLog))
	for _, tid := range preparedLog {
		logSet[tid] = true
	}
	rmSet := make(map[string]bool, len(preparedRM))
	for _, tid := range preparedRM {
		rmSet[tid] = true
		if !logSet[tid] {
			log.Printf("[daemon] recovery: tid %s is prepared in the resource manager but not in the protocol log", tid)
		}
	}
	for tid := range logSet {
		if !rmSet[tid] {
			log.Printf("[daemon] recovery: tid %s is prepared in the protocol log but not in the resource manager", tid)
		}
	}
}

// reattach determines tid's role from the log and spawns the matching
// worker at the given initial state, with channels reopened (or marked
// dead) to every recorded peer.
func (d *Daemon) reattach(ctx context.Context, tid string, coordState coordinator.State, partState participant.State) {
	role, err := d.plog.GetRole(tid)
	if err != nil {
		log.Printf("[daemon] recovery: %s: %v", tid, err)
		return
	}

	if role == txn.RoleCoordinator {
		participants, err := d.plog.GetParticipants(tid)
		if err != nil {
			log.Printf("[daemon] recovery: %s: list participants: %v", tid, err)
			return
		}
		chans := make(map[int]*wire.Channel, len(participants))
		for _, pid := range participants {
			chans[pid] = d.dialOrDead(pid)
		}
		co := d.factories.ResumeCoordinator(tid, coordState, chans)
		log.Printf("[daemon] recovery: reattached coordinator %s at %s", tid, coordState)
		d.spawn(ctx, tid, co, nil)
		return
	}

	coordID, err := d.plog.GetCoordinator(tid)
	if err != nil {
		log.Printf("[daemon] recovery: %s: get coordinator: %v", tid, err)
		return
	}
	ch := d.dialOrDead(coordID)
	p := d.factories.ResumeParticipant(ch, tid, coordID, partState)
	log.Printf("[daemon] recovery: reattached participant %s at %s", tid, partState)
	d.spawn(ctx, tid, p, p)
}

// spawn records w under tid and runs it to completion on its own
// goroutine, reaping the entry once Run returns. A tid already tracked is
// left alone: recovery must be idempotent against a log that was already
// replayed.
func (d *Daemon) spawn(ctx context.Context, tid string, w worker, p *participant.Participant) {
	d.mu.Lock()
	if _, exists := d.children[tid]; exists {
		d.mu.Unlock()
		return
	}
	d.children[tid] = &childEntry{worker: w, participant: p}
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		w.Run(ctx, d.database)
		d.mu.Lock()
		delete(d.children, tid)
		d.mu.Unlock()
	}()
}

// Listen binds the node's listening socket. Call after Recover and before
// Serve.
func (d *Daemon) Listen(port int) error {
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("daemon: listen on port %d: %w", port, err)
	}
	d.listener = l
	d.setState(StateActive)
	return nil
}

// Serve runs the accept loop until the listener is closed by Shutdown.
// Each connection's first message is read off the accept loop's own
// goroutine so a slow or hostile peer cannot stall new connections; the
// loop itself never blocks on a transaction's own work.
func (d *Daemon) Serve(ctx context.Context) {
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			if d.currentState() == StateFinished {
				return
			}
			log.Printf("[daemon] accept failed: %v", err)
			return
		}
		go d.handleConnection(ctx, wire.NewChannel(conn))
	}
}

// handleConnection reads exactly one message and routes it per the
// dispatch table in §4.5. This is the only place in the system where an
// inbound socket's disposition is decided; spawned workers never accept
// connections themselves.
func (d *Daemon) handleConnection(ctx context.Context, ch *wire.Channel) {
	msg := ch.ReadMessage()
	if msg == nil {
		ch.Close()
		return
	}

	switch msg.Code {
	case wire.NoOp:
		ch.Close()

	case wire.Shutdown:
		ch.Close()
		d.Shutdown()

	case wire.StartTransaction:
		co := d.factories.NewCoordinator(ch)
		d.spawn(ctx, co.TID(), co, nil)

	case wire.InitiateParticipant:
		if !txn.ValidID(msg.TID) {
			log.Printf("[daemon] INITIATE_PARTICIPANT with malformed tid %q, dropping", msg.TID)
			ch.Close()
			return
		}
		p := d.factories.NewParticipant(ch, msg.TID, msg.NodeID)
		d.spawn(ctx, msg.TID, p, p)

	case wire.CommitFromCoordinator, wire.RollbackFromCoordinator:
		d.routeDecision(msg, ch)

	default:
		log.Printf("[daemon] unexpected opcode %d, ignoring", msg.Code)
		ch.Close()
	}
}

// routeDecision handles a COMMIT_FROM_COORDINATOR or
// ROLLBACK_FROM_COORDINATOR arriving on a brand-new connection: either a
// participant's first decision, or a coordinator's WAITING retry to a
// participant it already told once. An unknown tid is answered with an
// immediate ACKNOWLEDGE_END: presumed abort already covers a tid this site
// never heard of, and a commit replayed at an already-finished transaction
// is exactly an ack-loss resend, so the same reply is correct either way.
func (d *Daemon) routeDecision(msg *wire.Message, ch *wire.Channel) {
	d.mu.Lock()
	entry, known := d.children[msg.TID]
	d.mu.Unlock()

	if !known || entry.participant == nil {
		ch.SendResponse(wire.AcknowledgeEnd)
		ch.Close()
		return
	}

	if !entry.participant.Inject(ch) {
		// The injection slot already holds a channel the participant has
		// not yet consumed.
		ch.Close()
	}
}

// Shutdown closes the listening socket and moves the daemon to FINISHED.
// It does not forcibly abort transactions already in flight; each worker
// runs to its own completion.
func (d *Daemon) Shutdown() {
	d.setState(StateFinished)
	if d.listener != nil {
		d.listener.Close()
	}
}

// Wait blocks until every spawned worker has finished.
func (d *Daemon) Wait() {
	d.wg.Wait()
}

// Addr reports the listener's bound address, for tests that bind to port 0.
func (d *Daemon) Addr() net.Addr {
	if d.listener == nil {
		return nil
	}
	return d.listener.Addr()
}
