package daemon

import (
	"context"
	"net"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/txcoord/txmanager/pkg/participant"
	"github.com/txcoord/txmanager/pkg/protocollog"
	"github.com/txcoord/txmanager/pkg/rm"
	"github.com/txcoord/txmanager/pkg/wire"
)

func pipe() (*wire.Channel, *wire.Channel) {
	a, b := net.Pipe()
	return wire.NewChannel(a), wire.NewChannel(b)
}

// fakeWorker satisfies the worker interface without driving any real
// state machine, so dispatch and bookkeeping can be tested without a
// resource manager or protocol log.
type fakeWorker struct {
	tid   string
	runs  int32
	ready chan struct{}
	block chan struct{} // if set, Run waits on this after signaling ready
}

func (f *fakeWorker) TID() string { return f.tid }
func (f *fakeWorker) Run(ctx context.Context, database *rm.RM) {
	atomic.AddInt32(&f.runs, 1)
	if f.ready != nil {
		close(f.ready)
	}
	if f.block != nil {
		<-f.block
	}
}

func newTestDaemon() *Daemon {
	return &Daemon{
		children: make(map[string]*childEntry),
		state:    StateActive,
	}
}

func TestRouteDecisionUnknownTidAcks(t *testing.T) {
	d := newTestDaemon()
	server, client := pipe()
	defer client.Close()

	go d.routeDecision(&wire.Message{Code: wire.CommitFromCoordinator, TID: "ghost"}, client)

	reply := server.ReadMessage()
	if reply == nil || reply.Code != wire.AcknowledgeEnd {
		t.Errorf("expected an immediate ACKNOWLEDGE_END for an unknown tid, got %+v", reply)
	}
}

func TestRouteDecisionInjectsKnownParticipant(t *testing.T) {
	d := newTestDaemon()
	p := participant.New(nil, "tid-1", 0, nil)
	d.children["tid-1"] = &childEntry{worker: p, participant: p}

	_, client := pipe()
	defer client.Close()

	d.routeDecision(&wire.Message{Code: wire.CommitFromCoordinator, TID: "tid-1"}, client)

	// The slot is single-capacity: if routeDecision already filled it, a
	// second Inject must report failure.
	_, other := pipe()
	defer other.Close()
	if p.Inject(other) {
		t.Error("expected the injection slot to already be occupied by routeDecision's channel")
	}
}

func TestRouteDecisionClosesChannelWhenSlotOccupied(t *testing.T) {
	d := newTestDaemon()
	p := participant.New(nil, "tid-2", 0, nil)
	// Fill the slot so the dispatcher's own Inject call is guaranteed to
	// report failure.
	_, filler := pipe()
	defer filler.Close()
	p.Inject(filler)
	d.children["tid-2"] = &childEntry{worker: p, participant: p}

	server, client := pipe()
	d.routeDecision(&wire.Message{Code: wire.RollbackFromCoordinator, TID: "tid-2"}, client)

	// client should now be closed by the dispatcher; reads on the peer
	// observe EOF rather than blocking.
	server.SetReadTimeout(200 * time.Millisecond)
	if msg := server.ReadMessage(); msg != nil {
		t.Errorf("expected the unconsumed channel to be closed, got %+v", msg)
	}
}

func TestHandleConnectionNoOpIsDroppedNotSpawned(t *testing.T) {
	d := newTestDaemon()
	server, client := pipe()

	go server.SendOp(wire.NoOp)
	d.handleConnection(context.Background(), client)

	if len(d.children) != 0 {
		t.Errorf("expected no child spawned for NO_OP, got %v", d.children)
	}
}

func TestHandleConnectionInitiateParticipantSpawns(t *testing.T) {
	// Wired with real factories so the spawned participant actually runs;
	// the resource manager points at an address nothing listens on, so its
	// Begin call returns a connection error and the participant resolves
	// to ABORT/FINISHED quickly instead of hanging, the same way it would
	// against any unreachable Postgres.
	plog, err := protocollog.Open(filepath.Join(t.TempDir(), "protocol.db"))
	if err != nil {
		t.Fatalf("protocollog.Open failed: %v", err)
	}
	defer plog.Close()

	database, err := rm.Open("postgres://u:p@127.0.0.1:1/d?sslmode=disable&connect_timeout=1")
	if err != nil {
		t.Fatalf("rm.Open failed: %v", err)
	}
	defer database.Close()

	d := New(0, nil, plog, database, time.Second)

	const tid = "11111111-1111-1111-1111-111111111111"
	server, client := pipe()
	defer server.Close()

	go func() {
		server.SendMessage(wire.Message{Code: wire.InitiateParticipant, TID: tid, NodeID: 0})
		// Drain whatever the participant sends back once it resolves
		// against the unreachable resource manager (an ACKNOWLEDGE_END for
		// its own unilateral abort), so its reply write does not block
		// forever against this unbuffered pipe.
		server.ReadMessage()
	}()
	d.handleConnection(context.Background(), client)

	d.mu.Lock()
	_, known := d.children[tid]
	d.mu.Unlock()
	if !known {
		t.Error("expected the participant to be tracked under its tid immediately after spawning")
	}

	done := make(chan struct{})
	go func() { d.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("expected the participant to resolve against an unreachable resource manager, not hang")
	}
}

func TestHandleConnectionMalformedInitiateParticipantIsDropped(t *testing.T) {
	d := newTestDaemon()
	called := false
	d.factories = Factories{
		NewParticipant: func(ch *wire.Channel, tid string, coordNodeID int) *participant.Participant {
			called = true
			return nil
		},
	}

	server, client := pipe()
	go server.SendMessage(wire.Message{Code: wire.InitiateParticipant, TID: "not-a-uuid"})
	d.handleConnection(context.Background(), client)

	if called {
		t.Error("expected a malformed tid to never reach the participant factory")
	}
}

func TestSpawnIsIdempotentForKnownTid(t *testing.T) {
	d := newTestDaemon()
	w := &fakeWorker{tid: "tid-3", ready: make(chan struct{}), block: make(chan struct{})}

	d.spawn(context.Background(), "tid-3", w, nil)
	<-w.ready // Run has started and is still tracked under tid-3

	// A second spawn for the same tid while the first is still running
	// must not invoke Run again: recovery replaying an already-recovered
	// log is a no-op.
	d.spawn(context.Background(), "tid-3", w, nil)
	close(w.block)
	d.wg.Wait()

	if atomic.LoadInt32(&w.runs) != 1 {
		t.Errorf("expected exactly one Run invocation, got %d", w.runs)
	}
}

func TestSpawnReapsOnCompletion(t *testing.T) {
	d := newTestDaemon()
	w := &fakeWorker{tid: "tid-4", ready: make(chan struct{})}

	d.spawn(context.Background(), "tid-4", w, nil)
	<-w.ready
	d.wg.Wait()

	d.mu.Lock()
	_, known := d.children["tid-4"]
	d.mu.Unlock()
	if known {
		t.Error("expected the child entry to be reaped once Run returns")
	}
}

func TestShutdownStopsAccepting(t *testing.T) {
	d := newTestDaemon()
	if err := d.Listen(0); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	done := make(chan struct{})
	go func() { d.Serve(context.Background()); close(done) }()

	d.Shutdown()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected Serve to return after Shutdown closed the listener")
	}
}
