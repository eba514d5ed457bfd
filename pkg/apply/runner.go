package apply

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/nicholasvmoore/labforge/pkg/config"
	"github.com/nicholasvmoore/labforge/pkg/faults"
	"github.com/nicholasvmoore/labforge/pkg/inventory"
	"github.com/nicholasvmoore/labforge/pkg/telemetry"
)

// Result is the outcome of one step on one member.
type Result struct {
	// Role and Step identify the action.
	Role    string
	Command string

	// SpecID, Name, and Address identify the member.
	SpecID  int
	Name    string
	Address string

	// ExitCode is the remote command's exit status; -1 when the command
	// never ran.
	ExitCode int

	// Stdout and Stderr are the trimmed command output.
	Stdout string
	Stderr string

	// Err is set for transport failures and non-zero exits.
	Err error
}

// Runner drives the configure phase over SSH.
type Runner struct {
	cfg     config.ApplyConfig
	dial    dialer
	log     *telemetry.Logger
	metrics *telemetry.Metrics

	// concurrency bounds parallel members within one step.
	concurrency int
}

// NewRunner builds a runner from the apply configuration. The private key is
// loaded eagerly so a bad key fails the run before any host is touched.
func NewRunner(cfg config.ApplyConfig, concurrency int, log *telemetry.Logger, metrics *telemetry.Metrics) (*Runner, error) {
	d, err := newSSHDialer(cfg.User, cfg.PrivateKeyPath, cfg.Port, cfg.ConnectTimeout.Std())
	if err != nil {
		return nil, err
	}
	return newRunner(cfg, d, concurrency, log, metrics), nil
}

// newRunner is the seam tests use to substitute the dialer.
func newRunner(cfg config.ApplyConfig, d dialer, concurrency int, log *telemetry.Logger, metrics *telemetry.Metrics) *Runner {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Runner{
		cfg:         cfg,
		dial:        d,
		log:         log,
		metrics:     metrics,
		concurrency: concurrency,
	}
}

// Apply runs every configured step against its role group, steps in declared
// order, members within a step concurrently. inventoryDoc is the rendered
// inventory uploaded to members whose step asks for it. All members of a step
// are attempted even when some fail; the returned error aggregates the
// failures after the fact.
func (r *Runner) Apply(ctx context.Context, groups inventory.Groups, inventoryDoc []byte) ([]Result, error) {
	var results []Result
	var failed int

	for _, step := range r.cfg.Steps {
		group, ok := groups[step.Role]
		if !ok || len(group.Members) == 0 {
			r.log.WithField("role", step.Role).Debug("no members for role, skipping step")
			continue
		}

		stepResults := r.applyStep(ctx, step, group.Members, inventoryDoc)
		for _, res := range stepResults {
			if res.Err != nil {
				failed++
			}
		}
		results = append(results, stepResults...)

		// A cancelled context stops between steps; the step that observed
		// the cancellation already recorded it per member.
		if err := ctx.Err(); err != nil {
			return results, faults.Internal("run cancelled", err).WithOp("apply")
		}
	}

	if failed > 0 {
		return results, faults.Internal(
			fmt.Sprintf("%d of %d apply actions failed", failed, len(results)), nil).WithOp("apply")
	}
	return results, nil
}

// applyStep fans the step out over the group's members with the run's
// concurrency bound. Member failures are recorded, never propagated through
// the group.
func (r *Runner) applyStep(ctx context.Context, step config.ApplyStep, members []inventory.Member, inventoryDoc []byte) []Result {
	results := make([]Result, len(members))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, member := range members {
		g.Go(func() error {
			results[i] = r.applyMember(gctx, step, member, inventoryDoc)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// applyMember connects to one member, uploads the inventory if the step asks
// for it, and runs the step's command under the member's escalation profile.
func (r *Runner) applyMember(ctx context.Context, step config.ApplyStep, member inventory.Member, inventoryDoc []byte) Result {
	res := Result{
		Role:     step.Role,
		Command:  step.Command,
		SpecID:   member.SpecID,
		Name:     member.Name,
		Address:  member.Address,
		ExitCode: -1,
	}

	log := r.log.WithField("role", step.Role).
		WithField("spec_id", member.SpecID).
		WithField("address", member.Address)

	h, err := r.dial.Dial(ctx, member.Address)
	if err != nil {
		log.WithError(err).Warn("ssh connection failed")
		res.Err = err
		return res
	}
	defer h.Close()

	if step.UploadInventory {
		target := step.InventoryPath
		if target == "" {
			target = "/etc/labforge/inventory.yaml"
		}
		if err := h.Upload(ctx, target, inventoryDoc); err != nil {
			log.WithError(err).Warn("inventory upload failed")
			res.Err = err
			return res
		}
	}

	cmd := r.escalate(step.Command, member.OS)
	stdout, stderr, exitCode, err := h.Run(ctx, cmd)
	res.Stdout = stdout
	res.Stderr = stderr
	res.ExitCode = exitCode

	switch {
	case err != nil:
		log.WithError(err).Warn("command transport failure")
		r.metrics.ErrorObserved(string(faults.KindOf(err)))
		res.Err = err
	case exitCode != 0:
		log.WithField("exit_code", exitCode).Warn("command failed")
		res.Err = faults.Internal(
			fmt.Sprintf("command on %s exited with code %d", member.Name, exitCode), nil).
			WithSpec(member.SpecID).WithOp("apply")
	default:
		log.Info("step applied")
	}
	return res
}

// escalate wraps the command with the escalation convention of the member's
// guest profile. The empty OS tag maps to the default profile.
func (r *Runner) escalate(cmd, osTag string) string {
	profile, ok := r.cfg.Profiles[osTag]
	if !ok {
		profile = r.cfg.Profiles[""]
	}

	wrapped := cmd
	switch profile.Escalate {
	case "sudo":
		wrapped = "sudo " + cmd
	case "doas":
		wrapped = "doas " + cmd
	}
	if profile.Shell != "" {
		wrapped = fmt.Sprintf("%s -c %q", profile.Shell, wrapped)
	}
	return wrapped
}

// Summarize renders a short human line per failed result, for run reports.
func Summarize(results []Result) []string {
	var lines []string
	for _, res := range results {
		if res.Err == nil {
			continue
		}
		detail := res.Err.Error()
		if res.Stderr != "" {
			detail = strings.SplitN(res.Stderr, "\n", 2)[0]
		}
		lines = append(lines, fmt.Sprintf("%s (%s, role %s): %s", res.Name, res.Address, res.Role, detail))
	}
	return lines
}
