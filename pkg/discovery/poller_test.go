package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/nicholasvmoore/labforge/pkg/faults"
	"github.com/nicholasvmoore/labforge/pkg/provision"
	"github.com/nicholasvmoore/labforge/pkg/telemetry"
	"github.com/nicholasvmoore/labforge/pkg/topology"
)

// fakeAgent returns a scripted sequence of responses, then repeats the last.
type fakeAgent struct {
	responses []agentResponse
	calls     int
}

type agentResponse struct {
	ifaces []NetworkInterface
	err    error
}

func (f *fakeAgent) NetworkInterfaces(_ context.Context, _ *provision.Resource) ([]NetworkInterface, error) {
	idx := f.calls
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	f.calls++
	r := f.responses[idx]
	return r.ifaces, r.err
}

func dhcpResource() *provision.Resource {
	return &provision.Resource{
		Spec: topology.ResourceSpec{
			ID:   300,
			Name: "k3s-server",
			Kind: topology.KindVM,
			Network: topology.Network{
				Mode:   topology.AddressingDHCP,
				Family: "ipv4",
			},
		},
		State: provision.StateBooting,
	}
}

func newTestPoller(agent AgentChannel, interval, timeout time.Duration) *Poller {
	return NewPoller(agent, interval, timeout, telemetry.NopLogger(), telemetry.NopMetrics())
}

func TestWaitReadyStaticShortCircuits(t *testing.T) {
	agent := &fakeAgent{responses: []agentResponse{{err: ErrAgentNotReady}}}
	p := newTestPoller(agent, time.Millisecond, time.Second)

	res := dhcpResource()
	res.Spec.Network.Mode = topology.AddressingStatic
	res.Spec.Network.Address = "10.0.0.10"

	addr, err := p.WaitReady(context.Background(), res)
	if err != nil {
		t.Fatalf("WaitReady failed: %v", err)
	}
	if addr.Addr != "10.0.0.10" {
		t.Errorf("expected declared address, got %s", addr.Addr)
	}
	if res.State != provision.StateReady {
		t.Errorf("expected ready, got %s", res.State)
	}
	if agent.calls != 0 {
		t.Error("static addressing must not touch the agent")
	}
}

func TestWaitReadyPollsUntilAddressAppears(t *testing.T) {
	agent := &fakeAgent{responses: []agentResponse{
		{err: ErrAgentNotReady},
		{ifaces: []NetworkInterface{{Name: "eth0"}}},
		{ifaces: []NetworkInterface{{
			Name:      "eth0",
			Addresses: []InterfaceAddress{{Family: "ipv4", Addr: "192.168.1.42"}},
		}}},
	}}
	p := newTestPoller(agent, time.Millisecond, time.Second)

	res := dhcpResource()
	addr, err := p.WaitReady(context.Background(), res)
	if err != nil {
		t.Fatalf("WaitReady failed: %v", err)
	}
	if addr.Addr != "192.168.1.42" {
		t.Errorf("expected 192.168.1.42, got %s", addr.Addr)
	}
	if addr.SpecID != 300 {
		t.Errorf("address not stamped with spec id: %d", addr.SpecID)
	}
	if agent.calls != 3 {
		t.Errorf("expected 3 polls, got %d", agent.calls)
	}
}

func TestWaitReadyTimesOut(t *testing.T) {
	agent := &fakeAgent{responses: []agentResponse{{err: ErrAgentNotReady}}}
	p := newTestPoller(agent, time.Millisecond, 10*time.Millisecond)

	res := dhcpResource()
	_, err := p.WaitReady(context.Background(), res)
	if !faults.IsKind(err, faults.KindTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if res.State != provision.StateFailed {
		t.Errorf("expected failed, got %s", res.State)
	}

	// No polls may happen after the deadline fired.
	polls := agent.calls
	time.Sleep(20 * time.Millisecond)
	if agent.calls != polls {
		t.Errorf("poller kept polling after timeout: %d -> %d", polls, agent.calls)
	}
}

func TestWaitReadyNoPollAfterDeadline(t *testing.T) {
	agent := &fakeAgent{responses: []agentResponse{{err: ErrAgentNotReady}}}
	p := newTestPoller(agent, 30*time.Millisecond, 50*time.Millisecond)

	res := dhcpResource()
	_, err := p.WaitReady(context.Background(), res)
	if !faults.IsKind(err, faults.KindTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}

	// Polls happen at 0ms and 30ms; the deadline fires during the second
	// sleep, so the loop must exit without a third agent call.
	if agent.calls > 2 {
		t.Errorf("agent polled after the deadline elapsed: %d calls", agent.calls)
	}
}

func TestWaitReadyCancellation(t *testing.T) {
	agent := &fakeAgent{responses: []agentResponse{{err: ErrAgentNotReady}}}
	p := newTestPoller(agent, 50*time.Millisecond, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := p.WaitReady(ctx, dhcpResource())
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("cancellation took too long: %s", elapsed)
	}
}

func TestSelectAddress(t *testing.T) {
	ifaces := []NetworkInterface{
		{Name: "lo", Addresses: []InterfaceAddress{{Family: "ipv4", Addr: "127.0.0.1"}}},
		{Name: "docker0", Addresses: []InterfaceAddress{{Family: "ipv4", Addr: "172.17.0.1"}}},
		{Name: "ens18", Addresses: []InterfaceAddress{
			{Family: "ipv6", Addr: "fe80::1"},
			{Family: "ipv4", Addr: "192.168.1.50"},
		}},
	}

	tests := []struct {
		name    string
		network topology.Network
		want    string
		wantNil bool
	}{
		{
			name:    "default family skips loopback",
			network: topology.Network{Mode: topology.AddressingDHCP},
			want:    "172.17.0.1",
		},
		{
			name:    "interface prefix narrows selection",
			network: topology.Network{Mode: topology.AddressingDHCP, InterfacePrefix: "ens"},
			want:    "192.168.1.50",
		},
		{
			name:    "ipv6 family",
			network: topology.Network{Mode: topology.AddressingDHCP, Family: "ipv6", InterfacePrefix: "ens"},
			want:    "fe80::1",
		},
		{
			name:    "no match",
			network: topology.Network{Mode: topology.AddressingDHCP, InterfacePrefix: "wlan"},
			wantNil: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr := selectAddress(tt.network, ifaces)
			if tt.wantNil {
				if addr != nil {
					t.Fatalf("expected no address, got %s", addr.Addr)
				}
				return
			}
			if addr == nil {
				t.Fatal("expected an address")
			}
			if addr.Addr != tt.want {
				t.Errorf("expected %s, got %s", tt.want, addr.Addr)
			}
		})
	}
}
