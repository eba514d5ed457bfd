package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nicholasvmoore/labforge/pkg/apply"
	"github.com/nicholasvmoore/labforge/pkg/discovery"
	"github.com/nicholasvmoore/labforge/pkg/faults"
	"github.com/nicholasvmoore/labforge/pkg/inventory"
	"github.com/nicholasvmoore/labforge/pkg/provision"
	"github.com/nicholasvmoore/labforge/pkg/state"
	"github.com/nicholasvmoore/labforge/pkg/telemetry"
	"github.com/nicholasvmoore/labforge/pkg/topology"
)

// memStore is an in-memory state.Store for orchestrator tests.
type memStore struct {
	mu        sync.Mutex
	runs      map[string]*state.Run
	resources map[int]*state.ResourceRecord
	addresses map[int]*state.AddressRecord
	inventory *state.InventoryRecord
}

func newMemStore() *memStore {
	return &memStore{
		runs:      make(map[string]*state.Run),
		resources: make(map[int]*state.ResourceRecord),
		addresses: make(map[int]*state.AddressRecord),
	}
}

func (s *memStore) Init(context.Context) error    { return nil }
func (s *memStore) Close() error                  { return nil }
func (s *memStore) Migrate(context.Context) error { return nil }

func (s *memStore) CreateRun(_ context.Context, run *state.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *run
	s.runs[run.ID] = &cp
	return nil
}

func (s *memStore) FinishRun(_ context.Context, id string, status state.RunStatus, phaseReached string, errMsg *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return faults.Internal("unknown run", nil)
	}
	now := time.Now()
	run.Status = status
	run.PhaseReached = phaseReached
	run.CompletedAt = &now
	run.Error = errMsg
	return nil
}

func (s *memStore) GetRun(_ context.Context, id string) (*state.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[id], nil
}

func (s *memStore) ListRuns(context.Context, string, int) ([]*state.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*state.Run
	for _, run := range s.runs {
		out = append(out, run)
	}
	return out, nil
}

func (s *memStore) UpsertResource(_ context.Context, rec *state.ResourceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.resources[rec.SpecID] = &cp
	return nil
}

func (s *memStore) ListResources(context.Context, string) ([]*state.ResourceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*state.ResourceRecord
	for _, rec := range s.resources {
		out = append(out, rec)
	}
	return out, nil
}

func (s *memStore) UpsertAddress(_ context.Context, rec *state.AddressRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.addresses[rec.SpecID] = &cp
	return nil
}

func (s *memStore) ListAddresses(context.Context, string) ([]*state.AddressRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*state.AddressRecord
	for _, rec := range s.addresses {
		out = append(out, rec)
	}
	return out, nil
}

func (s *memStore) SaveInventory(_ context.Context, rec *state.InventoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.inventory = &cp
	return nil
}

func (s *memStore) GetInventory(context.Context, string) (*state.InventoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inventory, nil
}

func (s *memStore) HealthCheck(context.Context) error { return nil }

// fakeEnsurer provisions instantly, failing the ids listed in fail.
type fakeEnsurer struct {
	mu    sync.Mutex
	fail  map[int]error
	calls []int
}

func (f *fakeEnsurer) Ensure(_ context.Context, spec topology.ResourceSpec) (*provision.Resource, error) {
	f.mu.Lock()
	f.calls = append(f.calls, spec.ID)
	f.mu.Unlock()
	if err, ok := f.fail[spec.ID]; ok {
		return nil, err
	}
	return &provision.Resource{
		Spec: spec,
		Handle: provision.Handle{
			SpecID: spec.ID, PlatformID: "p", Node: "pve1", Kind: spec.Kind, Name: spec.Name,
		},
		State: provision.StateBooting,
	}, nil
}

// fakeWaiter resolves 10.0.0.<id>, failing the ids listed in fail.
type fakeWaiter struct {
	mu    sync.Mutex
	fail  map[int]error
	calls []int
}

func (f *fakeWaiter) WaitReady(_ context.Context, res *provision.Resource) (*discovery.Address, error) {
	f.mu.Lock()
	f.calls = append(f.calls, res.Spec.ID)
	f.mu.Unlock()
	if err, ok := f.fail[res.Spec.ID]; ok {
		res.State = provision.StateFailed
		return nil, err
	}
	res.State = provision.StateReady
	return &discovery.Address{
		SpecID:       res.Spec.ID,
		Addr:         addrFor(res.Spec.ID),
		DiscoveredAt: time.Now(),
	}, nil
}

func addrFor(id int) string {
	return fmt.Sprintf("10.0.0.%d", id)
}

// fakeApplier records the groups it was handed.
type fakeApplier struct {
	mu      sync.Mutex
	applied []inventory.Groups
	results []apply.Result
	err     error
}

func (f *fakeApplier) Apply(_ context.Context, groups inventory.Groups, _ []byte) ([]apply.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, groups)
	if f.results != nil || f.err != nil {
		return f.results, f.err
	}
	var results []apply.Result
	for _, role := range groups.Roles() {
		for _, member := range groups[role].Members {
			results = append(results, apply.Result{Role: role, SpecID: member.SpecID, Name: member.Name})
		}
	}
	return results, nil
}

func testTopo() (*topology.Topology, []topology.ResourceSpec) {
	specs := []topology.ResourceSpec{
		{ID: 1, Name: "k3s-server", Kind: topology.KindVM, Role: "server",
			Network: topology.Network{Mode: topology.AddressingDHCP}},
		{ID: 2, Name: "k3s-agent-1", Kind: topology.KindVM, Role: "agent",
			Network: topology.Network{Mode: topology.AddressingDHCP}},
		{ID: 3, Name: "k3s-agent-2", Kind: topology.KindVM, Role: "agent",
			Network: topology.Network{Mode: topology.AddressingDHCP}},
	}
	return &topology.Topology{Name: "homelab", Resources: specs}, specs
}

type fixture struct {
	orch    *Orchestrator
	store   *memStore
	ensurer *fakeEnsurer
	waiter  *fakeWaiter
	applier *fakeApplier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	topo, specs := testTopo()
	f := &fixture{
		store:   newMemStore(),
		ensurer: &fakeEnsurer{},
		waiter:  &fakeWaiter{},
		applier: &fakeApplier{},
	}
	f.orch = New(Options{
		Topology:    topo,
		Specs:       specs,
		Provisioner: f.ensurer,
		Poller:      f.waiter,
		Runner:      f.applier,
		Store:       f.store,
		Logger:      telemetry.NopLogger(),
		Metrics:     telemetry.NopMetrics(),
		Concurrency: 2,
		LockDir:     t.TempDir(),
	})
	return f
}

func TestRunFullSequenceSucceeds(t *testing.T) {
	f := newFixture(t)

	report, err := f.orch.Run(context.Background(), PhaseInfra, PhaseConfigure)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Status != state.RunStatusSucceeded {
		t.Errorf("expected succeeded, got %s", report.Status)
	}
	if report.Progress != ProgressConfigureDone {
		t.Errorf("expected configure_done, got %s", report.Progress)
	}
	if len(f.ensurer.calls) != 3 || len(f.waiter.calls) != 3 {
		t.Errorf("expected all 3 resources through both phases, got %d/%d",
			len(f.ensurer.calls), len(f.waiter.calls))
	}
	if len(f.applier.applied) != 1 {
		t.Fatalf("expected 1 apply invocation, got %d", len(f.applier.applied))
	}

	groups := f.applier.applied[0]
	if len(groups["agent"].Members) != 2 || len(groups["server"].Members) != 1 {
		t.Errorf("unexpected groups: %+v", groups)
	}

	run, _ := f.store.GetRun(context.Background(), report.RunID)
	if run == nil || run.Status != state.RunStatusSucceeded {
		t.Errorf("run record not finalized: %+v", run)
	}
	if f.store.inventory == nil {
		t.Error("inventory was not cached")
	}
}

func TestRunPartialFailureKeepsSiblings(t *testing.T) {
	f := newFixture(t)
	f.waiter.fail = map[int]error{2: faults.Timeout("resource not ready", nil).WithSpec(2)}

	report, err := f.orch.Run(context.Background(), PhaseInfra, PhaseConfigure)
	if err == nil {
		t.Fatal("expected aggregate error")
	}
	if report.Status != state.RunStatusPartial {
		t.Errorf("expected partial, got %s", report.Status)
	}
	if report.FailedPhase != PhaseBootstrap {
		t.Errorf("expected failure in bootstrap, got %s", report.FailedPhase)
	}
	if report.Progress != ProgressInfraDone {
		t.Errorf("expected infra_done, got %s", report.Progress)
	}

	// Every resource was still polled despite the timeout on id 2.
	if len(f.waiter.calls) != 3 {
		t.Errorf("expected all 3 resources polled, got %d", len(f.waiter.calls))
	}
	// The configure phase never ran.
	if len(f.applier.applied) != 0 {
		t.Error("configure must not run after a failed bootstrap")
	}

	for _, res := range report.Resources {
		switch res.SpecID {
		case 2:
			if res.Error == "" {
				t.Error("failed resource must carry its error")
			}
		default:
			if res.State != string(provision.StateReady) {
				t.Errorf("sibling %d should be ready, got %s", res.SpecID, res.State)
			}
		}
	}

	// The survivors are still resolved into their role groups and cached,
	// so a later configure run can act on the partial cluster.
	if f.store.inventory == nil {
		t.Fatal("survivors' inventory was not cached")
	}
	groups, err := inventory.ParseDocument(f.store.inventory.Document)
	if err != nil {
		t.Fatalf("cached inventory unreadable: %v", err)
	}
	if len(groups["server"].Members) != 1 || groups["server"].Members[0].SpecID != 1 {
		t.Errorf("surviving server missing from groups: %+v", groups["server"])
	}
	agents := groups["agent"].Members
	if len(agents) != 1 || agents[0].SpecID != 3 {
		t.Errorf("expected only the surviving agent, got %+v", agents)
	}
}

func TestRunResumeAtConfigureUsesCachedInventory(t *testing.T) {
	f := newFixture(t)

	// First run does everything and caches the inventory.
	if _, err := f.orch.Run(context.Background(), PhaseInfra, PhaseConfigure); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	f.ensurer.calls = nil
	f.waiter.calls = nil

	report, err := f.orch.Run(context.Background(), PhaseConfigure, PhaseConfigure)
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if report.Status != state.RunStatusSucceeded {
		t.Errorf("expected succeeded, got %s", report.Status)
	}
	if len(f.ensurer.calls) != 0 || len(f.waiter.calls) != 0 {
		t.Error("configure-only run must not provision or poll")
	}
	if len(f.applier.applied) != 2 {
		t.Fatalf("expected 2 apply invocations total, got %d", len(f.applier.applied))
	}
}

func TestRunConfigureWithoutCacheFails(t *testing.T) {
	f := newFixture(t)

	report, err := f.orch.Run(context.Background(), PhaseConfigure, PhaseConfigure)
	if !faults.IsKind(err, faults.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if report.Status != state.RunStatusFailed {
		t.Errorf("expected failed, got %s", report.Status)
	}
}

func TestRunBootstrapWithoutInfraStateFails(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.Run(context.Background(), PhaseBootstrap, PhaseBootstrap)
	if !faults.IsKind(err, faults.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(f.waiter.calls) != 0 {
		t.Error("missing infra cache must fail before polling")
	}
}

func TestRunBootstrapResumesFromCachedResources(t *testing.T) {
	f := newFixture(t)

	if _, err := f.orch.Run(context.Background(), PhaseInfra, PhaseInfra); err != nil {
		t.Fatalf("infra run failed: %v", err)
	}
	f.ensurer.calls = nil

	report, err := f.orch.Run(context.Background(), PhaseBootstrap, PhaseBootstrap)
	if err != nil {
		t.Fatalf("bootstrap resume failed: %v", err)
	}
	if report.Progress != ProgressBootstrapDone {
		t.Errorf("expected bootstrap_done, got %s", report.Progress)
	}
	if len(f.ensurer.calls) != 0 {
		t.Error("bootstrap resume must not re-provision")
	}
	if len(f.waiter.calls) != 3 {
		t.Errorf("expected all 3 resources polled, got %d", len(f.waiter.calls))
	}
}

func TestRunStopsAfterUntilPhase(t *testing.T) {
	f := newFixture(t)

	report, err := f.orch.Run(context.Background(), PhaseInfra, PhaseInfra)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Progress != ProgressInfraDone {
		t.Errorf("expected infra_done, got %s", report.Progress)
	}
	if len(f.waiter.calls) != 0 || len(f.applier.applied) != 0 {
		t.Error("later phases must not run")
	}
}

func TestRunInfraFailureSkipsBootstrap(t *testing.T) {
	f := newFixture(t)
	f.ensurer.fail = map[int]error{
		1: faults.Quota("node full", nil).WithSpec(1),
		2: faults.Quota("node full", nil).WithSpec(2),
		3: faults.Quota("node full", nil).WithSpec(3),
	}

	report, err := f.orch.Run(context.Background(), PhaseInfra, PhaseConfigure)
	if err == nil {
		t.Fatal("expected error")
	}
	if report.Status != state.RunStatusFailed {
		t.Errorf("expected failed, got %s", report.Status)
	}
	if report.FailedPhase != PhaseInfra {
		t.Errorf("expected infra as failed phase, got %s", report.FailedPhase)
	}
	if len(f.ensurer.calls) != 3 {
		t.Errorf("all specs must be attempted, got %d", len(f.ensurer.calls))
	}
	if len(f.waiter.calls) != 0 {
		t.Error("bootstrap must not run after a failed infra")
	}
}

func TestRunCancelledContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := f.orch.Run(ctx, PhaseInfra, PhaseConfigure)
	if err == nil {
		t.Fatal("expected error")
	}
	if report != nil && report.Status != state.RunStatusCancelled {
		t.Errorf("expected cancelled, got %s", report.Status)
	}
}

func TestRunRejectsInvalidPhaseRange(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.Run(context.Background(), PhaseConfigure, PhaseInfra)
	if !faults.IsKind(err, faults.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
