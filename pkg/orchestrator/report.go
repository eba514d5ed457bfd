package orchestrator

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nicholasvmoore/labforge/pkg/state"
)

// ResourceOutcome is the final per-resource result of a run.
type ResourceOutcome struct {
	SpecID  int    `json:"spec_id"`
	Name    string `json:"name"`
	Role    string `json:"role"`
	State   string `json:"state"`
	Address string `json:"address,omitempty"`
	Adopted bool   `json:"adopted,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Report is the full outcome of one orchestration run, one entry per
// resource the run touched plus the run-level verdict.
type Report struct {
	RunID      string          `json:"run_id"`
	Topology   string          `json:"topology"`
	StartPhase Phase           `json:"start_phase"`
	Progress   Progress        `json:"progress"`
	Status     state.RunStatus `json:"status"`

	// FailedPhase names the phase the run stopped in, empty on success.
	FailedPhase Phase `json:"failed_phase,omitempty"`

	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`

	Resources []ResourceOutcome `json:"resources"`

	// Errors are the aggregated failure messages, one per failed unit of
	// work, sorted lexically for stable output.
	Errors []string `json:"errors,omitempty"`
}

// ExitCode maps the run status to a process exit code: 0 for success, 2 for
// a partial run where some resources progressed, 1 for everything else.
func (r *Report) ExitCode() int {
	switch r.Status {
	case state.RunStatusSucceeded:
		return 0
	case state.RunStatusPartial:
		return 2
	default:
		return 1
	}
}

// Summary renders a short human-readable account of the run.
func (r *Report) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "run %s: %s (reached %s in %s)\n",
		r.RunID, r.Status, r.Progress, r.Duration.Round(time.Millisecond))

	outcomes := make([]ResourceOutcome, len(r.Resources))
	copy(outcomes, r.Resources)
	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].SpecID < outcomes[j].SpecID })

	for _, res := range outcomes {
		line := fmt.Sprintf("  %d %s [%s] %s", res.SpecID, res.Name, res.Role, res.State)
		if res.Address != "" {
			line += " " + res.Address
		}
		if res.Error != "" {
			line += " error: " + res.Error
		}
		b.WriteString(line + "\n")
	}
	for _, msg := range r.Errors {
		fmt.Fprintf(&b, "  ! %s\n", msg)
	}
	return b.String()
}
