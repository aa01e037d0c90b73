// Package participant implements the per-transaction participant state
// machine: the non-originating site in a transaction votes on and applies
// the coordinator's decision, blocking indefinitely rather than
// unilaterally aborting once prepared.
package participant

import (
	"context"
	"log"
	"sync"

	"github.com/txcoord/txmanager/pkg/protocollog"
	"github.com/txcoord/txmanager/pkg/rm"
	"github.com/txcoord/txmanager/pkg/txn"
	"github.com/txcoord/txmanager/pkg/wire"
)

// State names the participant's position in its lifecycle.
type State string

const (
	StateInitialize State = "INITIALIZE"
	StateActive     State = "ACTIVE"
	StatePrepared   State = "PREPARED"
	StateAbort      State = "ABORT"
	StateCommit     State = "COMMIT"
	StateWaiting    State = "WAITING"
	StateFinished   State = "FINISHED"
)

// previousEdge records what the participant was trying to do when its
// channel was lost, so WAITING knows what to replay once a fresh channel
// is injected.
type previousEdge int

const (
	edgeNone previousEdge = iota
	edgeAcknowledgeEnd
	edgeTransactionStatus
)

// Participant drives one transaction on a non-originating site.
type Participant struct {
	tid         string
	coordNodeID int
	log         *protocollog.Log
	branch      *rm.Branch
	isPrepared  bool
	decision    State // COMMIT or ABORT, once known
	prevEdge    previousEdge

	mu      sync.Mutex
	channel *wire.Channel

	// inject is the single-slot handoff the daemon uses to hand this
	// participant a freshly accepted channel while it sits in WAITING.
	inject chan *wire.Channel
	state  State
}

// New creates a participant bound to channel, freshly initiated by a
// coordinator.
func New(channel *wire.Channel, tid string, coordNodeID int, l *protocollog.Log) *Participant {
	return &Participant{
		tid:         tid,
		coordNodeID: coordNodeID,
		log:         l,
		channel:     channel,
		inject:      make(chan *wire.Channel, 1),
		state:       StateInitialize,
	}
}

// Resume rebuilds a participant for an in-flight transaction discovered
// during recovery, entering directly at initialState (PREPARED or ABORT),
// connected to the coordinator via channel.
func Resume(channel *wire.Channel, tid string, coordNodeID int, l *protocollog.Log, initialState State) *Participant {
	p := New(channel, tid, coordNodeID, l)
	p.state = initialState
	if initialState == StatePrepared {
		p.isPrepared = true
	}
	return p
}

// TID reports the transaction id this participant drives.
func (p *Participant) TID() string {
	return p.tid
}

// Inject hands a freshly accepted channel to the participant's single-slot
// handoff, which runWaiting consumes. Non-blocking: it succeeds whenever the
// slot is empty, whether or not the participant is in WAITING yet, and
// reports false when the slot already holds a channel not yet consumed.
func (p *Participant) Inject(ch *wire.Channel) bool {
	select {
	case p.inject <- ch:
		return true
	default:
		return false
	}
}

// Run drives the participant's state machine to completion.
func (p *Participant) Run(ctx context.Context, database *rm.RM) {
	for {
		var next State
		switch p.currentState() {
		case StateInitialize:
			next = p.runInitialize(ctx, database)
		case StateActive:
			next = p.runActive(ctx)
		case StatePrepared:
			next = p.runPrepared()
		case StateCommit:
			next = p.runCommit(ctx, database)
		case StateAbort:
			next = p.runAbort(ctx, database)
		case StateWaiting:
			next = p.runWaiting()
		case StateFinished:
			p.runFinished()
			return
		default:
			log.Printf("[participant %s] unknown state %s, aborting", p.tid, p.currentState())
			next = StateAbort
		}
		p.setState(next)
	}
}

func (p *Participant) currentState() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Participant) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *Participant) runInitialize(ctx context.Context, database *rm.RM) State {
	branch, err := database.Begin(ctx, p.tid)
	if err != nil {
		log.Printf("[participant %s] begin failed: %v", p.tid, err)
		return StateAbort
	}
	p.branch = branch

	if err := p.log.LogInitialize(p.tid, txn.RoleParticipant); err != nil {
		log.Printf("[participant %s] log initialize failed: %v", p.tid, err)
		return StateAbort
	}
	if err := p.log.AddCoordinator(p.tid, p.coordNodeID); err != nil {
		log.Printf("[participant %s] log add coordinator failed: %v", p.tid, err)
		return StateAbort
	}
	return StateActive
}

func (p *Participant) runActive(ctx context.Context) State {
	for {
		msg := p.channel.ReadMessage()
		if msg == nil {
			return StateAbort
		}

		switch msg.Code {
		case wire.InsertFromCoordinator:
			stmt, err := rm.UnmarshalStatement(msg.SQL)
			if err != nil {
				p.channel.SendResponse(wire.Fail)
				return StateAbort
			}
			if err := p.branch.Exec(ctx, stmt); err != nil {
				log.Printf("[participant %s] insert failed: %v", p.tid, err)
				p.channel.SendResponse(wire.Fail)
				return StateAbort
			}
			if !p.channel.SendResponse(wire.OK) {
				return StateAbort
			}

		case wire.PrepareToCommit:
			if err := p.branch.Prepare(ctx); err != nil {
				log.Printf("[participant %s] prepare failed: %v", p.tid, err)
				p.channel.SendResponse(wire.AbortFromParticipant)
				return StateAbort
			}
			if err := p.log.LogPrepare(p.tid); err != nil {
				log.Fatalf("[participant %s] log prepare failed, halting: %v", p.tid, err)
			}
			p.isPrepared = true
			if !p.channel.SendResponse(wire.PreparedFromParticipant) {
				return StateAbort
			}
			return StatePrepared

		case wire.RollbackFromCoordinator:
			return StateAbort

		default:
			log.Printf("[participant %s] unexpected opcode %d in ACTIVE, ignoring", p.tid, msg.Code)
		}
	}
}

func (p *Participant) runPrepared() State {
	msg := p.channel.ReadMessage()
	if msg == nil {
		p.prevEdge = edgeTransactionStatus
		return StateWaiting
	}

	switch msg.Code {
	case wire.CommitFromCoordinator:
		return StateCommit
	case wire.RollbackFromCoordinator:
		return StateAbort
	default:
		log.Printf("[participant %s] unexpected opcode %d in PREPARED, ignoring", p.tid, msg.Code)
		return StatePrepared
	}
}

func (p *Participant) runCommit(ctx context.Context, database *rm.RM) State {
	if err := database.CommitPrepared(ctx, p.tid); err != nil {
		log.Printf("[participant %s] RM commit failed: %v", p.tid, err)
	}
	if err := p.log.LogCommit(p.tid); err != nil {
		// Log failures are fatal (§7): an unwritable log here would leave
		// the committed RM branch with no durable record of the outcome.
		log.Fatalf("[participant %s] log commit failed, halting: %v", p.tid, err)
	}
	p.decision = StateCommit

	if p.channel.SendResponse(wire.AcknowledgeEnd) {
		return StateFinished
	}
	p.prevEdge = edgeAcknowledgeEnd
	return StateWaiting
}

func (p *Participant) runAbort(ctx context.Context, database *rm.RM) State {
	if p.isPrepared {
		if err := database.RollbackPrepared(ctx, p.tid); err != nil {
			log.Printf("[participant %s] RM rollback failed: %v", p.tid, err)
		}
	} else if p.branch != nil {
		_ = p.branch.Discard()
	}
	if err := p.log.LogAbort(p.tid); err != nil {
		log.Fatalf("[participant %s] log abort failed, halting: %v", p.tid, err)
	}
	p.decision = StateAbort

	if p.channel.SendResponse(wire.AcknowledgeEnd) {
		return StateFinished
	}
	p.prevEdge = edgeAcknowledgeEnd
	return StateWaiting
}

// runWaiting closes the lost channel and blocks until the daemon injects a
// fresh one, then replays whatever edge was interrupted.
func (p *Participant) runWaiting() State {
	if p.channel != nil {
		p.channel.Close()
	}

	fresh := <-p.inject
	p.mu.Lock()
	p.channel = fresh
	p.mu.Unlock()

	switch p.prevEdge {
	case edgeAcknowledgeEnd:
		if p.channel.SendResponse(wire.AcknowledgeEnd) {
			return StateFinished
		}
		return StateWaiting

	case edgeTransactionStatus:
		if !p.channel.SendOp(wire.TransactionStatus) {
			return StateWaiting
		}
		reply := p.channel.ReadMessage()
		if reply == nil {
			return StateWaiting
		}
		switch reply.Code {
		case wire.CommitFromCoordinator, wire.TransactionCommitted:
			return StateCommit
		case wire.RollbackFromCoordinator, wire.TransactionAborted:
			return StateAbort
		default:
			return StateWaiting
		}

	default:
		return StateWaiting
	}
}

func (p *Participant) runFinished() {
	if err := p.log.LogCompletion(p.tid); err != nil {
		log.Fatalf("[participant %s] log completion failed, halting: %v", p.tid, err)
	}
	if p.channel != nil {
		p.channel.Close()
	}
}
