// Package inventory turns discovered addresses into role groups: the output
// contract the configuration-apply layer consumes after bootstrap. Groups are
// rebuilt from scratch on every run; the topology file stays authoritative
// and the rendered inventory is only a cache.
package inventory

import (
	"fmt"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nicholasvmoore/labforge/pkg/discovery"
	"github.com/nicholasvmoore/labforge/pkg/faults"
	"github.com/nicholasvmoore/labforge/pkg/topology"
)

// Member is one resource inside a group.
type Member struct {
	// SpecID is the topology resource id.
	SpecID int `yaml:"id"`

	// Name is the resource name.
	Name string `yaml:"name"`

	// Address is the discovered network address.
	Address string `yaml:"address"`

	// OS is the guest OS tag, carried for the apply layer's conventions.
	OS string `yaml:"os,omitempty"`
}

// Group is a named collection of members sharing a role.
type Group struct {
	// Role is the group name.
	Role string `yaml:"role"`

	// Members are sorted ascending by spec id.
	Members []Member `yaml:"members"`
}

// Groups maps role names to their groups.
type Groups map[string]Group

// Resolve joins each discovered address to its spec by id and groups the
// results by role. It is a pure function: the same addresses and specs, in
// any order, produce the same mapping. An address with no matching spec is an
// orphaned resource and fails resolution outright, since dropping it silently
// would hand the apply layer an incomplete cluster.
func Resolve(addresses []discovery.Address, specs []topology.ResourceSpec) (Groups, error) {
	specByID := make(map[int]topology.ResourceSpec, len(specs))
	for _, spec := range specs {
		specByID[spec.ID] = spec
	}

	groups := make(Groups)
	for _, addr := range addresses {
		spec, ok := specByID[addr.SpecID]
		if !ok {
			return nil, faults.Unresolved(
				fmt.Sprintf("discovered address %s belongs to unknown spec id %d", addr.Addr, addr.SpecID), nil).
				WithSpec(addr.SpecID).WithOp("resolve")
		}

		group := groups[spec.Role]
		group.Role = spec.Role
		group.Members = append(group.Members, Member{
			SpecID:  spec.ID,
			Name:    spec.Name,
			Address: addr.Addr,
			OS:      spec.OS,
		})
		groups[spec.Role] = group
	}

	// Sort members so the mapping is deterministic regardless of the
	// concurrent completion order of the polls that produced the addresses.
	for role, group := range groups {
		sort.Slice(group.Members, func(i, j int) bool {
			return group.Members[i].SpecID < group.Members[j].SpecID
		})
		groups[role] = group
	}

	return groups, nil
}

// Roles returns the group names in sorted order.
func (g Groups) Roles() []string {
	roles := make([]string, 0, len(g))
	for role := range g {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	return roles
}

// Document is the rendered inventory handed to the apply layer.
type Document struct {
	// Topology is the topology name the inventory was resolved for.
	Topology string `yaml:"topology"`

	// ResolvedAt is when resolution happened.
	ResolvedAt time.Time `yaml:"resolved_at"`

	// Groups are the role groups, ordered by role name.
	Groups []Group `yaml:"groups"`
}

// Render serializes the groups to a YAML document with stable ordering.
func (g Groups) Render(topologyName string, resolvedAt time.Time) ([]byte, error) {
	doc := Document{
		Topology:   topologyName,
		ResolvedAt: resolvedAt.UTC(),
	}
	for _, role := range g.Roles() {
		doc.Groups = append(doc.Groups, g[role])
	}
	return yaml.Marshal(doc)
}

// ParseDocument loads a previously rendered inventory, used when resuming at
// the configure phase from cached state.
func ParseDocument(data []byte) (Groups, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, faults.Validation("parse cached inventory", err)
	}
	groups := make(Groups, len(doc.Groups))
	for _, group := range doc.Groups {
		groups[group.Role] = group
	}
	return groups, nil
}
