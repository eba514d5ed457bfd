package inventory

import (
	"reflect"
	"testing"
	"time"

	"github.com/nicholasvmoore/labforge/pkg/discovery"
	"github.com/nicholasvmoore/labforge/pkg/faults"
	"github.com/nicholasvmoore/labforge/pkg/topology"
)

func testSpecs() []topology.ResourceSpec {
	return []topology.ResourceSpec{
		{ID: 1, Name: "k3s-server", Role: "server", OS: "debian"},
		{ID: 2, Name: "k3s-agent-1", Role: "agent", OS: "debian"},
		{ID: 3, Name: "k3s-agent-2", Role: "agent", OS: "debian"},
	}
}

func testAddresses() []discovery.Address {
	return []discovery.Address{
		{SpecID: 1, Addr: "10.0.0.1"},
		{SpecID: 2, Addr: "10.0.0.2"},
		{SpecID: 3, Addr: "10.0.0.3"},
	}
}

func TestResolveGroupsByRole(t *testing.T) {
	groups, err := Resolve(testAddresses(), testSpecs())
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	if got := groups.Roles(); !reflect.DeepEqual(got, []string{"agent", "server"}) {
		t.Fatalf("unexpected roles: %v", got)
	}

	server := groups["server"]
	if len(server.Members) != 1 || server.Members[0].Address != "10.0.0.1" {
		t.Errorf("unexpected server group: %+v", server)
	}

	agent := groups["agent"]
	if len(agent.Members) != 2 {
		t.Fatalf("expected 2 agents, got %d", len(agent.Members))
	}
	if agent.Members[0].SpecID != 2 || agent.Members[1].SpecID != 3 {
		t.Errorf("agents not ordered by spec id: %+v", agent.Members)
	}
}

func TestResolveIsOrderIndependent(t *testing.T) {
	forward, err := Resolve(testAddresses(), testSpecs())
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	addrs := testAddresses()
	addrs[0], addrs[2] = addrs[2], addrs[0]
	specs := testSpecs()
	specs[0], specs[1] = specs[1], specs[0]

	shuffled, err := Resolve(addrs, specs)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	if !reflect.DeepEqual(forward, shuffled) {
		t.Errorf("resolution depends on input order:\n%+v\n%+v", forward, shuffled)
	}
}

func TestResolveRejectsOrphanedAddress(t *testing.T) {
	addrs := append(testAddresses(), discovery.Address{SpecID: 99, Addr: "10.0.0.99"})

	_, err := Resolve(addrs, testSpecs())
	if !faults.IsKind(err, faults.KindUnresolved) {
		t.Fatalf("expected unresolved, got %v", err)
	}
}

func TestResolveCarriesOSTag(t *testing.T) {
	groups, err := Resolve(testAddresses(), testSpecs())
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got := groups["server"].Members[0].OS; got != "debian" {
		t.Errorf("expected os tag carried through, got %q", got)
	}
}

func TestRenderParseRoundTrip(t *testing.T) {
	groups, err := Resolve(testAddresses(), testSpecs())
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	doc, err := groups.Render("homelab", time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}

	parsed, err := ParseDocument(doc)
	if err != nil {
		t.Fatalf("ParseDocument failed: %v", err)
	}
	if !reflect.DeepEqual(groups, parsed) {
		t.Errorf("round trip changed the groups:\n%+v\n%+v", groups, parsed)
	}
}

func TestRenderIsDeterministic(t *testing.T) {
	groups, err := Resolve(testAddresses(), testSpecs())
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	at := time.Now()
	first, err := groups.Render("homelab", at)
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	second, err := groups.Render("homelab", at)
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if string(first) != string(second) {
		t.Error("two renders of the same groups differ")
	}
}
