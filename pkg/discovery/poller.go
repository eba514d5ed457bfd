// Package discovery resolves the runtime network address of a booted
// resource by polling its in-guest agent channel. DHCP-addressed guests have
// no address known ahead of time; the poller bridges the gap between "the
// platform started the machine" and "we can reach it over the network".
package discovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nicholasvmoore/labforge/pkg/faults"
	"github.com/nicholasvmoore/labforge/pkg/provision"
	"github.com/nicholasvmoore/labforge/pkg/telemetry"
	"github.com/nicholasvmoore/labforge/pkg/topology"
)

// ErrAgentNotReady is returned by an AgentChannel when the guest agent is up
// but cannot answer yet. The poller keeps polling; it is not a failure.
var ErrAgentNotReady = errors.New("guest agent not ready")

// Address is the network address resolved for one resource. At most one
// active address exists per spec id; re-discovery overwrites earlier values.
type Address struct {
	// SpecID is the topology resource the address belongs to.
	SpecID int

	// Addr is the resolved IP address.
	Addr string

	// Interface is the guest interface the address was found on.
	Interface string

	// DiscoveredAt is when the address was observed.
	DiscoveredAt time.Time
}

// InterfaceAddress is one address on a guest network interface.
type InterfaceAddress struct {
	// Family is ipv4 or ipv6.
	Family string

	// Addr is the address without prefix length.
	Addr string
}

// NetworkInterface is one guest network interface as reported by the agent.
type NetworkInterface struct {
	// Name is the interface name inside the guest (eth0, ens18, lo).
	Name string

	// Addresses are the configured addresses.
	Addresses []InterfaceAddress
}

// AgentChannel queries a guest for its network interfaces. Implementations
// return ErrAgentNotReady while the guest is still booting and a transport
// error for anything else; both keep the poller going.
type AgentChannel interface {
	NetworkInterfaces(ctx context.Context, res *provision.Resource) ([]NetworkInterface, error)
}

// Poller waits for resources to report a usable address.
type Poller struct {
	agent   AgentChannel
	log     *telemetry.Logger
	metrics *telemetry.Metrics

	// Interval is the cadence between polls.
	Interval time.Duration

	// Timeout bounds the whole wait per resource.
	Timeout time.Duration
}

// NewPoller creates a poller with the given cadence and per-resource
// deadline. Zero values fall back to 5s/5m.
func NewPoller(agent AgentChannel, interval, timeout time.Duration, log *telemetry.Logger, metrics *telemetry.Metrics) *Poller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Poller{
		agent:    agent,
		log:      log,
		metrics:  metrics,
		Interval: interval,
		Timeout:  timeout,
	}
}

// WaitReady polls the resource until it yields an address matching its spec's
// declared family and interface prefix, the deadline passes, or the context
// is cancelled. Statically addressed specs resolve immediately without
// touching the agent. Transport errors and partial network bring-up are
// retried silently inside the deadline.
func (p *Poller) WaitReady(ctx context.Context, res *provision.Resource) (*Address, error) {
	if res.Spec.Network.Mode == topology.AddressingStatic {
		res.State = provision.StateReady
		return &Address{
			SpecID:       res.Spec.ID,
			Addr:         res.Spec.Network.Address,
			DiscoveredAt: time.Now(),
		}, nil
	}

	log := p.log.WithField("spec_id", res.Spec.ID).WithField("name", res.Spec.Name)
	deadline := time.Now().Add(p.Timeout)

	for {
		if err := ctx.Err(); err != nil {
			return nil, faults.Internal("run cancelled", err).
				WithSpec(res.Spec.ID).WithOp("wait_ready")
		}

		// Checked before the agent call: a deadline that fired during the
		// inter-poll sleep must not trigger one more poll.
		if time.Now().After(deadline) {
			res.State = provision.StateFailed
			return nil, faults.Timeout(
				fmt.Sprintf("resource %q (id %d) not ready within %s",
					res.Spec.Name, res.Spec.ID, p.Timeout), nil).
				WithSpec(res.Spec.ID).WithOp("wait_ready")
		}

		ifaces, err := p.agent.NetworkInterfaces(ctx, res)
		switch {
		case err == nil:
			if addr := selectAddress(res.Spec.Network, ifaces); addr != nil {
				p.metrics.PollCycle("ready")
				res.State = provision.StateReady
				addr.SpecID = res.Spec.ID
				addr.DiscoveredAt = time.Now()
				log.WithField("address", addr.Addr).Info("resource ready")
				return addr, nil
			}
			// Interfaces reported but nothing usable yet: partial network
			// bring-up, keep polling.
			p.metrics.PollCycle("no_address")
			log.Trace("no matching address yet")
		case errors.Is(err, ErrAgentNotReady):
			p.metrics.PollCycle("agent_not_ready")
			log.Trace("guest agent not ready")
		default:
			p.metrics.PollCycle("transport_error")
			log.WithError(err).Debug("agent poll failed, retrying")
		}

		select {
		case <-time.After(p.Interval):
		case <-ctx.Done():
			return nil, faults.Internal("run cancelled", ctx.Err()).
				WithSpec(res.Spec.ID).WithOp("wait_ready")
		}
	}
}

// selectAddress picks the first address matching the spec's declared family
// and interface naming convention. Loopback interfaces never match.
func selectAddress(network topology.Network, ifaces []NetworkInterface) *Address {
	family := network.Family
	if family == "" {
		family = "ipv4"
	}

	for _, iface := range ifaces {
		if iface.Name == "lo" || strings.HasPrefix(iface.Name, "lo:") {
			continue
		}
		if network.InterfacePrefix != "" && !strings.HasPrefix(iface.Name, network.InterfacePrefix) {
			continue
		}
		for _, addr := range iface.Addresses {
			if addr.Family != family {
				continue
			}
			return &Address{Addr: addr.Addr, Interface: iface.Name}
		}
	}
	return nil
}
