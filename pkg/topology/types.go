package topology

// Kind is the compute resource flavour a spec describes.
type Kind string

const (
	// KindContainer is an LXC-style system container.
	KindContainer Kind = "container"

	// KindVM is a full virtual machine.
	KindVM Kind = "vm"
)

// AddressingMode describes how a resource obtains its network address.
type AddressingMode string

const (
	// AddressingStatic means the address is declared in the spec and no
	// discovery is needed.
	AddressingStatic AddressingMode = "static"

	// AddressingDHCP means the address is leased at boot and must be
	// discovered through the guest agent.
	AddressingDHCP AddressingMode = "dhcp"
)

// Network declares the addressing expectations for a resource.
type Network struct {
	// Mode selects static or DHCP-discovered addressing.
	Mode AddressingMode `yaml:"mode" validate:"required,oneof=static dhcp"`

	// Address is the declared address when Mode is static.
	Address string `yaml:"address,omitempty" validate:"required_if=Mode static,omitempty,ip"`

	// Family is the expected address family for discovery (ipv4 or ipv6).
	Family string `yaml:"family,omitempty" validate:"omitempty,oneof=ipv4 ipv6"`

	// InterfacePrefix restricts discovery to guest interfaces whose name
	// starts with this prefix (e.g. "eth", "ens"). Empty accepts any
	// non-loopback interface.
	InterfacePrefix string `yaml:"interface_prefix,omitempty"`

	// Bridge is the host bridge the resource attaches to.
	Bridge string `yaml:"bridge,omitempty"`

	// VLANTag is the optional VLAN tag for the interface.
	VLANTag int `yaml:"vlan_tag,omitempty" validate:"min=0,max=4094"`
}

// ResourceSpec is the declarative description of one compute resource that
// should exist. Specs are immutable for the duration of a run; the topology
// file is the source of truth, never the platform or the state store.
type ResourceSpec struct {
	// ID is the platform identity of the resource, unique within a topology
	// and stable across runs.
	ID int `yaml:"id" validate:"required,min=100"`

	// Name is the resource name shown on the platform.
	Name string `yaml:"name" validate:"required,hostname_rfc1123"`

	// Kind selects container or vm.
	Kind Kind `yaml:"kind" validate:"required,oneof=container vm"`

	// Role determines which configuration group the resource joins after
	// discovery (e.g. "server", "agent", "media").
	Role string `yaml:"role" validate:"required"`

	// OS tags the guest operating system family, used to select the apply
	// conventions for the configure phase (e.g. "debian", "alpine").
	OS string `yaml:"os,omitempty"`

	// Cores is the vCPU allocation.
	Cores int `yaml:"cores" validate:"required,min=1"`

	// MemoryMiB is the memory allocation in MiB.
	MemoryMiB int64 `yaml:"memory_mib" validate:"required,min=16"`

	// DiskGiB is the root disk size in GiB.
	DiskGiB int64 `yaml:"disk_gib" validate:"required,min=1"`

	// Placement is the target cluster member the resource is created on.
	Placement string `yaml:"placement" validate:"required"`

	// Template is the image or template the resource is created from.
	Template string `yaml:"template,omitempty"`

	// Network declares the addressing expectations.
	Network Network `yaml:"network" validate:"required"`

	// Tags are free-form platform tags attached at creation.
	Tags []string `yaml:"tags,omitempty"`
}

// Topology is the full set of resource specs for one deployment.
type Topology struct {
	// Name identifies the topology in the state store and lock file.
	Name string `yaml:"name" validate:"required"`

	// Resources are the declared compute resources.
	Resources []ResourceSpec `yaml:"resources" validate:"required,min=1,dive"`
}

// Roles returns the distinct roles declared across the topology.
func (t *Topology) Roles() []string {
	seen := make(map[string]struct{}, len(t.Resources))
	roles := make([]string, 0, len(t.Resources))
	for _, spec := range t.Resources {
		if _, ok := seen[spec.Role]; ok {
			continue
		}
		seen[spec.Role] = struct{}{}
		roles = append(roles, spec.Role)
	}
	return roles
}

// Lookup returns the spec with the given id, or nil if none is declared.
func (t *Topology) Lookup(id int) *ResourceSpec {
	for i := range t.Resources {
		if t.Resources[i].ID == id {
			return &t.Resources[i]
		}
	}
	return nil
}
