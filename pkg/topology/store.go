package topology

import (
	"bytes"
	"fmt"
	"os"
	"sort"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/nicholasvmoore/labforge/pkg/faults"
)

// Store loads topology files and hands out validated, deterministically
// ordered resource specs.
type Store struct {
	validate *validator.Validate
}

// NewStore creates a topology store.
func NewStore() *Store {
	return &Store{
		validate: validator.New(),
	}
}

// Load reads and validates a topology file. definedRoles is the set of roles
// the configure phase knows how to apply; a spec referencing any other role
// fails validation before anything touches the platform. A nil definedRoles
// skips the role cross-check (used by validate --no-config).
func (s *Store) Load(path string, definedRoles map[string]bool) (*Topology, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, faults.Validation(fmt.Sprintf("read topology %s", path), err)
	}

	var topo Topology
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&topo); err != nil {
		return nil, faults.Validation(fmt.Sprintf("parse topology %s", path), err)
	}

	if err := s.Validate(&topo, definedRoles); err != nil {
		return nil, err
	}
	return &topo, nil
}

// Validate checks structural constraints and the cross-entry invariants:
// unique ids, unique names, and every role backed by a defined apply step.
func (s *Store) Validate(topo *Topology, definedRoles map[string]bool) error {
	if err := s.validate.Struct(topo); err != nil {
		return faults.Validation("topology failed validation", err)
	}

	seenIDs := make(map[int]string, len(topo.Resources))
	seenNames := make(map[string]int, len(topo.Resources))
	for _, spec := range topo.Resources {
		if prev, ok := seenIDs[spec.ID]; ok {
			return faults.Validation(
				fmt.Sprintf("duplicate resource id %d (%s and %s)", spec.ID, prev, spec.Name), nil)
		}
		seenIDs[spec.ID] = spec.Name

		if prevID, ok := seenNames[spec.Name]; ok {
			return faults.Validation(
				fmt.Sprintf("duplicate resource name %q (ids %d and %d)", spec.Name, prevID, spec.ID), nil)
		}
		seenNames[spec.Name] = spec.ID

		// Guest-agent address discovery only exists for VMs; containers
		// must declare their address.
		if spec.Kind == KindContainer && spec.Network.Mode == AddressingDHCP {
			return faults.Validation(
				fmt.Sprintf("resource %d: containers require static addressing", spec.ID), nil).
				WithSpec(spec.ID)
		}

		if definedRoles != nil && !definedRoles[spec.Role] {
			return faults.Validation(
				fmt.Sprintf("resource %d references role %q with no configured apply step", spec.ID, spec.Role), nil).
				WithSpec(spec.ID)
		}
	}
	return nil
}

// List returns the topology's specs ordered ascending by id, so provisioning
// order is reproducible across runs. The returned slice is a copy.
func (s *Store) List(topo *Topology) []ResourceSpec {
	specs := make([]ResourceSpec, len(topo.Resources))
	copy(specs, topo.Resources)
	sort.Slice(specs, func(i, j int) bool {
		return specs[i].ID < specs[j].ID
	})
	return specs
}
