package coordinator

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/txcoord/txmanager/pkg/wire"
)

func pipe() (*wire.Channel, *wire.Channel) {
	a, b := net.Pipe()
	return wire.NewChannel(a), wire.NewChannel(b)
}

func newTestCoordinator(tid string) *Coordinator {
	return &Coordinator{
		tid:    tid,
		nodeID: 0,
		active: make(map[int]*wire.Channel),
		state:  StateActive,
	}
}

func TestWaitIntervalDefault(t *testing.T) {
	c := newTestCoordinator("t1")
	if c.waitInterval() != 10*time.Second {
		t.Errorf("expected default wait interval of 10s, got %v", c.waitInterval())
	}
	c.failureTimeout = 2 * time.Second
	if c.waitInterval() != 2*time.Second {
		t.Errorf("expected configured wait interval of 2s, got %v", c.waitInterval())
	}
}

func TestChannelForCachesConnections(t *testing.T) {
	c := newTestCoordinator("t2")
	client, _ := pipe()
	defer client.Close()

	dialCount := 0
	c.dial = func(nodeID int) (*wire.Channel, error) {
		dialCount++
		a, _ := pipe()
		return a, nil
	}

	ch1, isNew1, err := c.channelFor(5)
	if err != nil {
		t.Fatalf("channelFor failed: %v", err)
	}
	if !isNew1 {
		t.Error("expected first channelFor call to report a new channel")
	}

	ch2, isNew2, err := c.channelFor(5)
	if err != nil {
		t.Fatalf("channelFor failed: %v", err)
	}
	if isNew2 {
		t.Error("expected second channelFor call to reuse the cached channel")
	}
	if ch1 != ch2 {
		t.Error("expected the same channel instance to be returned")
	}
	if dialCount != 1 {
		t.Errorf("expected exactly one dial, got %d", dialCount)
	}
}

func TestPollingAllVotesYes(t *testing.T) {
	c := newTestCoordinator("t3")

	serverA, clientA := pipe()
	serverB, clientB := pipe()
	defer serverA.Close()
	defer serverB.Close()

	c.active[1] = clientA
	c.active[2] = clientB

	respondPrepared := func(ch *wire.Channel) {
		msg := ch.ReadMessage()
		if msg == nil || msg.Code != wire.PrepareToCommit {
			t.Errorf("expected PrepareToCommit opcode, got %+v", msg)
		}
		ch.SendResponse(wire.PreparedFromParticipant)
	}
	go respondPrepared(serverA)
	go respondPrepared(serverB)

	next := c.runPolling(context.Background())
	if next != StateCommit {
		t.Errorf("expected StateCommit when all vote yes, got %s", next)
	}
}

func TestPollingOneVoteNoForcesAbort(t *testing.T) {
	c := newTestCoordinator("t4")

	serverA, clientA := pipe()
	serverB, clientB := pipe()
	defer serverA.Close()
	defer serverB.Close()

	c.active[1] = clientA
	c.active[2] = clientB

	go func() {
		serverA.ReadMessage()
		serverA.SendResponse(wire.PreparedFromParticipant)
	}()
	go func() {
		serverB.ReadMessage()
		serverB.SendResponse(wire.AbortFromParticipant)
	}()

	next := c.runPolling(context.Background())
	if next != StateAbort {
		t.Errorf("expected StateAbort when any participant votes no, got %s", next)
	}
}

func TestPollingLostConnectionCountsAsNo(t *testing.T) {
	c := newTestCoordinator("t5")

	_, clientA := pipe()
	c.active[1] = clientA
	clientA.Close() // simulate a dead participant

	next := c.runPolling(context.Background())
	if next != StateAbort {
		t.Errorf("expected StateAbort on a lost participant connection, got %s", next)
	}
}

func TestMulticastDecisionDropsAcknowledgers(t *testing.T) {
	c := newTestCoordinator("t6")
	c.decision = StateCommit

	server, client := pipe()
	defer server.Close()
	c.active[1] = client

	go func() {
		msg := server.ReadMessage()
		if msg == nil || msg.Code != wire.CommitFromCoordinator {
			t.Errorf("expected CommitFromCoordinator, got %+v", msg)
		}
		server.SendResponse(wire.AcknowledgeEnd)
	}()

	next := c.multicastDecision(wire.CommitFromCoordinator)
	if next != StateFinished {
		t.Errorf("expected StateFinished once every participant acknowledges, got %s", next)
	}
	if len(c.active) != 0 {
		t.Errorf("expected the active map to be empty after acknowledgement, got %v", c.active)
	}
}

func TestMulticastDecisionLeavesUnacknowledgedEntries(t *testing.T) {
	c := newTestCoordinator("t7")
	c.decision = StateAbort

	_, client := pipe()
	c.active[1] = client
	client.Close() // never responds

	next := c.multicastDecision(wire.RollbackFromCoordinator)
	if next != StateWaiting {
		t.Errorf("expected StateWaiting when a participant never acknowledges, got %s", next)
	}
}
