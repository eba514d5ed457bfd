package orchestrator

import (
	"fmt"

	"github.com/nicholasvmoore/labforge/pkg/faults"
)

// Phase is one of the three orchestration phases.
type Phase string

const (
	// PhaseInfra makes every topology resource exist and boot.
	PhaseInfra Phase = "infra"

	// PhaseBootstrap waits for readiness and resolves the inventory.
	PhaseBootstrap Phase = "bootstrap"

	// PhaseConfigure applies the per-role steps over the inventory.
	PhaseConfigure Phase = "configure"
)

// Sequence is the fixed phase order. Runs execute a contiguous suffix of it.
var Sequence = []Phase{PhaseInfra, PhaseBootstrap, PhaseConfigure}

// ParsePhase validates a phase name from the CLI.
func ParsePhase(s string) (Phase, error) {
	switch Phase(s) {
	case PhaseInfra, PhaseBootstrap, PhaseConfigure:
		return Phase(s), nil
	}
	return "", faults.Validation(fmt.Sprintf("unknown phase %q", s), nil)
}

// index returns the phase's position in the sequence.
func (p Phase) index() int {
	for i, phase := range Sequence {
		if phase == p {
			return i
		}
	}
	return -1
}

// Progress is how far a run got through the sequence.
type Progress string

const (
	// ProgressNotStarted means no phase has completed.
	ProgressNotStarted Progress = "not_started"

	// ProgressInfraDone means every resource exists and is booting.
	ProgressInfraDone Progress = "infra_done"

	// ProgressBootstrapDone means the inventory is resolved.
	ProgressBootstrapDone Progress = "bootstrap_done"

	// ProgressConfigureDone means all apply steps ran successfully.
	ProgressConfigureDone Progress = "configure_done"
)

// after returns the progress reached once the given phase completes.
func after(p Phase) Progress {
	switch p {
	case PhaseInfra:
		return ProgressInfraDone
	case PhaseBootstrap:
		return ProgressBootstrapDone
	case PhaseConfigure:
		return ProgressConfigureDone
	}
	return ProgressNotStarted
}
