package apply

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/nicholasvmoore/labforge/pkg/config"
	"github.com/nicholasvmoore/labforge/pkg/inventory"
	"github.com/nicholasvmoore/labforge/pkg/telemetry"
)

// fakeHost records commands and uploads for one address.
type fakeHost struct {
	address string
	dialer  *fakeDialer

	// exitCode returned for every command; runErr simulates transport loss.
	exitCode int
	runErr   error
}

func (h *fakeHost) Run(_ context.Context, cmd string) (string, string, int, error) {
	h.dialer.mu.Lock()
	h.dialer.commands[h.address] = append(h.dialer.commands[h.address], cmd)
	h.dialer.mu.Unlock()
	if h.runErr != nil {
		return "", "", -1, h.runErr
	}
	return "done", "", h.exitCode, nil
}

func (h *fakeHost) Upload(_ context.Context, remotePath string, data []byte) error {
	h.dialer.mu.Lock()
	h.dialer.uploads[h.address] = append(h.dialer.uploads[h.address], remotePath+"="+string(data))
	h.dialer.mu.Unlock()
	return nil
}

func (h *fakeHost) Close() error { return nil }

// fakeDialer hands out fakeHosts and records everything they do.
type fakeDialer struct {
	mu       sync.Mutex
	commands map[string][]string
	uploads  map[string][]string

	// failing maps addresses to exit codes or transport errors.
	exitCodes map[string]int
	dialErr   map[string]error
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		commands: make(map[string][]string),
		uploads:  make(map[string][]string),
	}
}

func (d *fakeDialer) Dial(_ context.Context, address string) (host, error) {
	if err, ok := d.dialErr[address]; ok {
		return nil, err
	}
	return &fakeHost{address: address, dialer: d, exitCode: d.exitCodes[address]}, nil
}

func testGroups() inventory.Groups {
	return inventory.Groups{
		"server": {Role: "server", Members: []inventory.Member{
			{SpecID: 1, Name: "k3s-server", Address: "10.0.0.1", OS: "debian"},
		}},
		"agent": {Role: "agent", Members: []inventory.Member{
			{SpecID: 2, Name: "k3s-agent-1", Address: "10.0.0.2", OS: "debian"},
			{SpecID: 3, Name: "k3s-agent-2", Address: "10.0.0.3", OS: "alpine"},
		}},
	}
}

func testApplyConfig() config.ApplyConfig {
	return config.ApplyConfig{
		User:           "ops",
		PrivateKeyPath: "/dev/null",
		Steps: []config.ApplyStep{
			{Role: "server", Command: "/opt/bootstrap-server.sh", UploadInventory: true},
			{Role: "agent", Command: "/opt/join-agent.sh"},
		},
		Profiles: map[string]config.GuestProfile{
			"":       {Escalate: "sudo"},
			"alpine": {Escalate: "doas"},
		},
	}
}

func newTestRunner(cfg config.ApplyConfig, d dialer) *Runner {
	return newRunner(cfg, d, 2, telemetry.NopLogger(), telemetry.NopMetrics())
}

func TestApplyRunsStepsInOrder(t *testing.T) {
	d := newFakeDialer()
	r := newTestRunner(testApplyConfig(), d)

	results, err := r.Apply(context.Background(), testGroups(), []byte("inv"))
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}

	// The server step precedes the agent step in results.
	if results[0].Role != "server" {
		t.Errorf("expected server step first, got %s", results[0].Role)
	}
	for _, res := range results[1:] {
		if res.Role != "agent" {
			t.Errorf("expected agent results after server, got %s", res.Role)
		}
	}
}

func TestApplyUploadsInventory(t *testing.T) {
	d := newFakeDialer()
	r := newTestRunner(testApplyConfig(), d)

	if _, err := r.Apply(context.Background(), testGroups(), []byte("inv-doc")); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	uploads := d.uploads["10.0.0.1"]
	if len(uploads) != 1 {
		t.Fatalf("expected 1 upload to the server, got %d", len(uploads))
	}
	if uploads[0] != "/etc/labforge/inventory.yaml=inv-doc" {
		t.Errorf("unexpected upload: %s", uploads[0])
	}
	if len(d.uploads["10.0.0.2"]) != 0 {
		t.Error("agent step must not upload the inventory")
	}
}

func TestApplyEscalationProfiles(t *testing.T) {
	d := newFakeDialer()
	r := newTestRunner(testApplyConfig(), d)

	if _, err := r.Apply(context.Background(), testGroups(), nil); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	if cmd := d.commands["10.0.0.2"][0]; !strings.HasPrefix(cmd, "sudo ") {
		t.Errorf("debian member should use sudo, got %q", cmd)
	}
	if cmd := d.commands["10.0.0.3"][0]; !strings.HasPrefix(cmd, "doas ") {
		t.Errorf("alpine member should use doas, got %q", cmd)
	}
}

func TestApplyAggregatesMemberFailures(t *testing.T) {
	d := newFakeDialer()
	d.exitCodes = map[string]int{"10.0.0.2": 1}
	r := newTestRunner(testApplyConfig(), d)

	results, err := r.Apply(context.Background(), testGroups(), nil)
	if err == nil {
		t.Fatal("expected aggregate error")
	}

	var failed, succeeded int
	for _, res := range results {
		if res.Err != nil {
			failed++
		} else {
			succeeded++
		}
	}
	if failed != 1 || succeeded != 2 {
		t.Errorf("expected 1 failure and 2 successes, got %d/%d", failed, succeeded)
	}

	// The sibling agent still ran despite the failure.
	if len(d.commands["10.0.0.3"]) != 1 {
		t.Error("failure on one member must not stop its siblings")
	}
}

func TestApplySkipsRolesWithoutMembers(t *testing.T) {
	cfg := testApplyConfig()
	cfg.Steps = append(cfg.Steps, config.ApplyStep{Role: "backup", Command: "/opt/backup.sh"})

	d := newFakeDialer()
	r := newTestRunner(cfg, d)

	results, err := r.Apply(context.Background(), testGroups(), nil)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	for _, res := range results {
		if res.Role == "backup" {
			t.Error("step for an empty role must be skipped")
		}
	}
}

func TestApplyRecordsDialFailures(t *testing.T) {
	d := newFakeDialer()
	d.dialErr = map[string]error{"10.0.0.1": context.DeadlineExceeded}
	r := newTestRunner(testApplyConfig(), d)

	results, err := r.Apply(context.Background(), testGroups(), []byte("inv"))
	if err == nil {
		t.Fatal("expected aggregate error")
	}

	for _, res := range results {
		if res.SpecID == 1 {
			if res.Err == nil {
				t.Error("unreachable member must carry its error")
			}
			if res.ExitCode != -1 {
				t.Errorf("command never ran, expected exit -1, got %d", res.ExitCode)
			}
		}
	}
}
