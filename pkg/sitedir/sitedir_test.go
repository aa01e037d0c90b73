package sitedir

import "testing"

func testSites() []Site {
	return []Site{
		{Alias: "A", Hostname: "localhost", Port: 9001},
		{Alias: "B", Hostname: "localhost", Port: 9002},
		{Alias: "C", Hostname: "localhost", Port: 9003},
	}
}

func TestNodeIDIsPositionInList(t *testing.T) {
	d := New(testSites())

	id, err := d.NodeID("B")
	if err != nil {
		t.Fatalf("NodeID failed: %v", err)
	}
	if id != 1 {
		t.Errorf("expected node id 1 for alias B, got %d", id)
	}
}

func TestNodeIDUnknownAlias(t *testing.T) {
	d := New(testSites())
	if _, err := d.NodeID("Z"); err == nil {
		t.Error("expected an error for an unknown alias")
	}
}

func TestAddrFormatsHostPort(t *testing.T) {
	d := New(testSites())
	addr, err := d.Addr(0)
	if err != nil {
		t.Fatalf("Addr failed: %v", err)
	}
	if addr != "localhost:9001" {
		t.Errorf("expected localhost:9001, got %s", addr)
	}
}

func TestSiteOutOfRange(t *testing.T) {
	d := New(testSites())
	if _, err := d.Site(99); err == nil {
		t.Error("expected an error for an out-of-range node id")
	}
}

func TestRouteIsDeterministic(t *testing.T) {
	a := Route("order-42", 5)
	b := Route("order-42", 5)
	if a != b {
		t.Errorf("expected Route to be deterministic, got %d and %d", a, b)
	}
	if a < 0 || a >= 5 {
		t.Errorf("expected route in [0,5), got %d", a)
	}
}

func TestRouteInAgreesWithIndependentDirectories(t *testing.T) {
	d1 := New(testSites())
	d2 := New(testSites())

	r1, err := d1.RouteIn("key-1")
	if err != nil {
		t.Fatalf("RouteIn failed: %v", err)
	}
	r2, err := d2.RouteIn("key-1")
	if err != nil {
		t.Fatalf("RouteIn failed: %v", err)
	}
	if r1 != r2 {
		t.Errorf("expected two directories built from the same list to route identically, got %d and %d", r1, r2)
	}
}

func TestRouteInRejectsEmptyDirectory(t *testing.T) {
	d := New(nil)
	if _, err := d.RouteIn("k"); err == nil {
		t.Error("expected an error routing through an empty directory")
	}
}
