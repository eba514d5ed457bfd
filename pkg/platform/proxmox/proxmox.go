// Package proxmox adapts the Proxmox VE API to the provisioner's Platform
// interface and the poller's agent channel. All calls go through the cluster
// API with an API token; no SSH access to the hypervisor is needed.
package proxmox

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	proxmoxapi "github.com/luthermonson/go-proxmox"

	"github.com/nicholasvmoore/labforge/pkg/discovery"
	"github.com/nicholasvmoore/labforge/pkg/faults"
	"github.com/nicholasvmoore/labforge/pkg/provision"
	"github.com/nicholasvmoore/labforge/pkg/topology"
)

// taskWaitSeconds bounds how long create/start tasks may run on the node.
const taskWaitSeconds = 600

// Options configures the Proxmox client.
type Options struct {
	// Endpoint is the API base URL.
	Endpoint string

	// TokenID and Secret are the API token credential pair.
	TokenID string
	Secret  string

	// InsecureSkipTLSVerify accepts self-signed certificates.
	InsecureSkipTLSVerify bool

	// Storage is the datastore for new disks and container roots.
	Storage string
}

// Client implements provision.Platform and discovery.AgentChannel against a
// Proxmox VE cluster.
type Client struct {
	api  *proxmoxapi.Client
	opts Options
}

// NewClient creates a Proxmox client. Credentials are expected to be
// resolved by the caller (see pkg/secrets) and are held only in memory.
func NewClient(opts Options) (*Client, error) {
	if opts.Endpoint == "" {
		return nil, faults.Validation("proxmox endpoint is required", nil)
	}
	if opts.TokenID == "" || opts.Secret == "" {
		return nil, faults.Validation("proxmox API token credentials are required", nil)
	}

	httpClient := &http.Client{}
	if opts.InsecureSkipTLSVerify {
		httpClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}

	api := proxmoxapi.NewClient(
		opts.Endpoint,
		proxmoxapi.WithHTTPClient(httpClient),
		proxmoxapi.WithAPIToken(opts.TokenID, opts.Secret),
	)

	return &Client{api: api, opts: opts}, nil
}

// Find looks the id up across the cluster. Proxmox VMIDs are cluster-wide
// for both VMs and containers, so one resource listing answers the identity
// question for either kind.
func (c *Client) Find(ctx context.Context, id int) (*provision.Handle, error) {
	cluster, err := c.api.Cluster(ctx)
	if err != nil {
		return nil, classify(err, id, "find")
	}
	resources, err := cluster.Resources(ctx, "vm")
	if err != nil {
		return nil, classify(err, id, "find")
	}

	for _, res := range resources {
		if res.VMID != uint64(id) {
			continue
		}
		kind := topology.KindVM
		if res.Type == "lxc" {
			kind = topology.KindContainer
		}
		return &provision.Handle{
			SpecID:     id,
			PlatformID: strconv.FormatUint(res.VMID, 10),
			Node:       res.Node,
			Kind:       kind,
			Name:       res.Name,
		}, nil
	}
	return nil, nil
}

// Create realizes the spec on its placement node and waits for the creation
// task to finish.
func (c *Client) Create(ctx context.Context, spec topology.ResourceSpec) (*provision.Handle, error) {
	node, err := c.api.Node(ctx, spec.Placement)
	if err != nil {
		return nil, classify(err, spec.ID, "create")
	}

	var task *proxmoxapi.Task
	switch spec.Kind {
	case topology.KindVM:
		task, err = node.NewVirtualMachine(ctx, spec.ID, c.vmOptions(spec)...)
	case topology.KindContainer:
		task, err = node.NewContainer(ctx, spec.ID, c.containerOptions(spec)...)
	default:
		return nil, faults.Validation(fmt.Sprintf("unknown resource kind %q", spec.Kind), nil).WithSpec(spec.ID)
	}
	if err != nil {
		return nil, classify(err, spec.ID, "create")
	}
	if err := task.WaitFor(ctx, taskWaitSeconds); err != nil {
		return nil, classify(err, spec.ID, "create")
	}

	return &provision.Handle{
		SpecID:     spec.ID,
		PlatformID: strconv.Itoa(spec.ID),
		Node:       spec.Placement,
		Kind:       spec.Kind,
		Name:       spec.Name,
	}, nil
}

// Start powers the resource on. Starting an already running resource is not
// an error, keeping Ensure re-invocable after partial failures.
func (c *Client) Start(ctx context.Context, handle *provision.Handle) error {
	node, err := c.api.Node(ctx, handle.Node)
	if err != nil {
		return classify(err, handle.SpecID, "start")
	}

	var task *proxmoxapi.Task
	switch handle.Kind {
	case topology.KindContainer:
		ct, err := node.Container(ctx, handle.SpecID)
		if err != nil {
			return classify(err, handle.SpecID, "start")
		}
		if ct.Status == "running" {
			return nil
		}
		task, err = ct.Start(ctx)
		if err != nil {
			return classify(err, handle.SpecID, "start")
		}
	default:
		vm, err := node.VirtualMachine(ctx, handle.SpecID)
		if err != nil {
			return classify(err, handle.SpecID, "start")
		}
		if vm.Status == "running" {
			return nil
		}
		task, err = vm.Start(ctx)
		if err != nil {
			return classify(err, handle.SpecID, "start")
		}
	}

	if err := task.WaitFor(ctx, taskWaitSeconds); err != nil {
		return classify(err, handle.SpecID, "start")
	}
	return nil
}

// Destroy stops and deletes a resource. No orchestration phase drives this
// across a topology; it exists for operator tooling.
func (c *Client) Destroy(ctx context.Context, handle *provision.Handle) error {
	node, err := c.api.Node(ctx, handle.Node)
	if err != nil {
		return classify(err, handle.SpecID, "destroy")
	}
	vm, err := node.VirtualMachine(ctx, handle.SpecID)
	if err != nil {
		return classify(err, handle.SpecID, "destroy")
	}
	if vm.Status == "running" {
		task, err := vm.Stop(ctx)
		if err != nil {
			return classify(err, handle.SpecID, "destroy")
		}
		if err := task.WaitFor(ctx, taskWaitSeconds); err != nil {
			return classify(err, handle.SpecID, "destroy")
		}
	}
	task, err := vm.Delete(ctx)
	if err != nil {
		return classify(err, handle.SpecID, "destroy")
	}
	return task.WaitFor(ctx, taskWaitSeconds)
}

// NetworkInterfaces queries the QEMU guest agent for the VM's interfaces.
// Containers never reach this path; their addresses are static by topology
// validation.
func (c *Client) NetworkInterfaces(ctx context.Context, res *provision.Resource) ([]discovery.NetworkInterface, error) {
	node, err := c.api.Node(ctx, res.Handle.Node)
	if err != nil {
		return nil, classify(err, res.Spec.ID, "agent")
	}
	vm, err := node.VirtualMachine(ctx, res.Spec.ID)
	if err != nil {
		return nil, classify(err, res.Spec.ID, "agent")
	}

	ifaces, err := vm.AgentGetNetworkIFaces(ctx)
	if err != nil {
		if agentNotReady(err) {
			return nil, discovery.ErrAgentNotReady
		}
		return nil, classify(err, res.Spec.ID, "agent")
	}

	out := make([]discovery.NetworkInterface, 0, len(ifaces))
	for _, iface := range ifaces {
		ni := discovery.NetworkInterface{Name: iface.Name}
		for _, addr := range iface.IPAddresses {
			ni.Addresses = append(ni.Addresses, discovery.InterfaceAddress{
				Family: addr.IPAddressType,
				Addr:   addr.IPAddress,
			})
		}
		out = append(out, ni)
	}
	return out, nil
}

// vmOptions maps a spec to Proxmox VM creation options.
func (c *Client) vmOptions(spec topology.ResourceSpec) []proxmoxapi.VirtualMachineOption {
	opts := []proxmoxapi.VirtualMachineOption{
		{Name: "name", Value: spec.Name},
		{Name: "cores", Value: spec.Cores},
		{Name: "memory", Value: spec.MemoryMiB},
		{Name: "agent", Value: 1},
		{Name: "net0", Value: netDevice("virtio", spec.Network)},
		{Name: "scsi0", Value: fmt.Sprintf("%s:%d", c.opts.Storage, spec.DiskGiB)},
	}
	if spec.Template != "" {
		opts = append(opts, proxmoxapi.VirtualMachineOption{Name: "cdrom", Value: spec.Template})
	}
	if len(spec.Tags) > 0 {
		opts = append(opts, proxmoxapi.VirtualMachineOption{Name: "tags", Value: strings.Join(spec.Tags, ";")})
	}
	return opts
}

// containerOptions maps a spec to LXC creation options.
func (c *Client) containerOptions(spec topology.ResourceSpec) []proxmoxapi.ContainerOption {
	opts := []proxmoxapi.ContainerOption{
		{Name: "hostname", Value: spec.Name},
		{Name: "cores", Value: spec.Cores},
		{Name: "memory", Value: spec.MemoryMiB},
		{Name: "ostemplate", Value: spec.Template},
		{Name: "rootfs", Value: fmt.Sprintf("%s:%d", c.opts.Storage, spec.DiskGiB)},
		{Name: "net0", Value: lxcNetDevice(spec.Network)},
		{Name: "unprivileged", Value: 1},
	}
	if len(spec.Tags) > 0 {
		opts = append(opts, proxmoxapi.ContainerOption{Name: "tags", Value: strings.Join(spec.Tags, ";")})
	}
	return opts
}

// netDevice renders a VM network device string (model,bridge=...,tag=...).
func netDevice(model string, network topology.Network) string {
	parts := []string{model}
	if network.Bridge != "" {
		parts = append(parts, "bridge="+network.Bridge)
	}
	if network.VLANTag != 0 {
		parts = append(parts, fmt.Sprintf("tag=%d", network.VLANTag))
	}
	return strings.Join(parts, ",")
}

// lxcNetDevice renders an LXC network device string with its address mode.
func lxcNetDevice(network topology.Network) string {
	parts := []string{"name=eth0"}
	if network.Bridge != "" {
		parts = append(parts, "bridge="+network.Bridge)
	}
	if network.VLANTag != 0 {
		parts = append(parts, fmt.Sprintf("tag=%d", network.VLANTag))
	}
	if network.Mode == topology.AddressingStatic && network.Address != "" {
		parts = append(parts, "ip="+network.Address+"/24")
	} else {
		parts = append(parts, "ip=dhcp")
	}
	return strings.Join(parts, ",")
}

// agentNotReady recognizes the guest-agent-not-running response, which is
// expected while a VM boots.
func agentNotReady(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "guest agent is not running") ||
		strings.Contains(msg, "not running") ||
		strings.Contains(msg, "No QEMU guest agent")
}

// classify maps transport and API errors onto the fault taxonomy: network
// failures and 5xx/429 responses are transient, everything else is fatal.
func classify(err error, specID int, op string) error {
	var netErr net.Error
	var urlErr *url.Error
	if errors.As(err, &netErr) || errors.As(err, &urlErr) {
		return faults.Unavailable("proxmox API unreachable", err).WithSpec(specID).WithOp(op)
	}

	msg := err.Error()
	for _, code := range []string{"500", "502", "503", "504", "429"} {
		if strings.Contains(msg, code) {
			return faults.Unavailable("proxmox API transient failure", err).WithSpec(specID).WithOp(op)
		}
	}
	if strings.Contains(msg, "already exists") {
		return faults.Conflict("resource identity already taken", err).WithSpec(specID).WithOp(op)
	}
	if strings.Contains(strings.ToLower(msg), "quota") || strings.Contains(msg, "not enough") {
		return faults.Quota("platform refused request for capacity reasons", err).WithSpec(specID).WithOp(op)
	}
	return faults.Internal("proxmox API call failed", err).WithSpec(specID).WithOp(op)
}
