// Package provision realizes topology specs on the virtualization platform.
// Creation is at-least-once with identity-based deduplication: re-invoking
// Ensure after a partial failure adopts whatever the platform already holds
// under the spec's id instead of creating a duplicate.
package provision

import (
	"context"
	"fmt"
	"time"

	"github.com/nicholasvmoore/labforge/pkg/faults"
	"github.com/nicholasvmoore/labforge/pkg/telemetry"
	"github.com/nicholasvmoore/labforge/pkg/topology"
)

// State is the lifecycle state of a provisioned resource.
type State string

const (
	// StateCreating means the create call has been issued.
	StateCreating State = "creating"

	// StateCreated means the platform acknowledged the resource.
	StateCreated State = "created"

	// StateBooting means the resource has been started and is coming up.
	StateBooting State = "booting"

	// StateReady means the resource reported a usable address. Terminal.
	StateReady State = "ready"

	// StateFailed means an irrecoverable error or timeout occurred. Terminal.
	StateFailed State = "failed"
)

// IsTerminal reports whether the state is final for a run.
func (s State) IsTerminal() bool {
	return s == StateReady || s == StateFailed
}

// Handle is the platform's identity for a realized resource.
type Handle struct {
	// SpecID is the topology id the resource was created under.
	SpecID int

	// PlatformID is the opaque id assigned by the platform.
	PlatformID string

	// Node is the cluster member hosting the resource.
	Node string

	// Kind mirrors the spec kind, used to detect identity conflicts.
	Kind topology.Kind

	// Name is the platform-side name.
	Name string
}

// Resource is the runtime handle for one spec, tracked through a run.
type Resource struct {
	// Spec is the topology spec this resource realizes.
	Spec topology.ResourceSpec

	// Handle is the platform identity, set once provisioning succeeds.
	Handle Handle

	// State is the current lifecycle state.
	State State

	// Adopted is true when the resource already existed and was reused
	// rather than created by this run.
	Adopted bool
}

// Platform is the control API of the virtualization platform. Find returns
// (nil, nil) when no resource exists under the id; the platform is eventually
// consistent, so a successful Create does not guarantee immediate visibility
// through Find.
type Platform interface {
	Find(ctx context.Context, id int) (*Handle, error)
	Create(ctx context.Context, spec topology.ResourceSpec) (*Handle, error)
	Start(ctx context.Context, handle *Handle) error
}

// Retry tunes the backoff applied to transient platform failures.
type Retry struct {
	// MaxAttempts is the total number of tries per platform call.
	MaxAttempts int

	// Base is the first backoff delay; each retry doubles it.
	Base time.Duration

	// Cap bounds the backoff delay.
	Cap time.Duration
}

// DefaultRetry matches the platform interface contract: base 2s, cap 60s,
// five attempts before transient failures escalate.
func DefaultRetry() Retry {
	return Retry{MaxAttempts: 5, Base: 2 * time.Second, Cap: 60 * time.Second}
}

// Provisioner drives specs to booted resources against a Platform.
type Provisioner struct {
	platform Platform
	retry    Retry
	log      *telemetry.Logger
	metrics  *telemetry.Metrics
}

// NewProvisioner creates a provisioner. A zero Retry falls back to
// DefaultRetry.
func NewProvisioner(platform Platform, retry Retry, log *telemetry.Logger, metrics *telemetry.Metrics) *Provisioner {
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetry()
	}
	return &Provisioner{
		platform: platform,
		retry:    retry,
		log:      log,
		metrics:  metrics,
	}
}

// Ensure makes the spec exist on the platform and returns its runtime handle.
// If a resource already exists under spec.ID it is adopted after an identity
// check; otherwise it is created and started. Transient platform errors are
// retried with exponential backoff, everything else surfaces immediately.
func (p *Provisioner) Ensure(ctx context.Context, spec topology.ResourceSpec) (*Resource, error) {
	log := p.log.WithField("spec_id", spec.ID).WithField("name", spec.Name)

	existing, err := p.withRetry(ctx, spec.ID, "find", func(ctx context.Context) (*Handle, error) {
		return p.platform.Find(ctx, spec.ID)
	})
	if err != nil {
		return nil, err
	}

	if existing != nil {
		if existing.Kind != spec.Kind {
			return nil, faults.Conflict(
				fmt.Sprintf("id %d already exists as %s %q, spec wants %s",
					spec.ID, existing.Kind, existing.Name, spec.Kind), nil).
				WithSpec(spec.ID).WithOp("ensure")
		}
		log.Debug("adopting existing resource")
		res := &Resource{Spec: spec, Handle: *existing, State: StateCreated, Adopted: true}
		if err := p.start(ctx, res); err != nil {
			return nil, err
		}
		return res, nil
	}

	log.Info("creating resource")
	handle, err := p.withRetry(ctx, spec.ID, "create", func(ctx context.Context) (*Handle, error) {
		return p.platform.Create(ctx, spec)
	})
	if err != nil {
		return nil, err
	}
	p.metrics.ResourceCreated(string(spec.Kind))

	res := &Resource{Spec: spec, Handle: *handle, State: StateCreated}
	if err := p.start(ctx, res); err != nil {
		return nil, err
	}
	return res, nil
}

// start powers the resource on and moves it to booting.
func (p *Provisioner) start(ctx context.Context, res *Resource) error {
	_, err := p.withRetry(ctx, res.Spec.ID, "start", func(ctx context.Context) (*Handle, error) {
		return nil, p.platform.Start(ctx, &res.Handle)
	})
	if err != nil {
		return err
	}
	res.State = StateBooting
	return nil
}

// withRetry runs a platform call with exponential backoff on transient
// errors. In-flight calls always run to completion; cancellation is only
// observed between attempts so the platform is never left mid-mutation.
func (p *Provisioner) withRetry(ctx context.Context, specID int, op string, call func(context.Context) (*Handle, error)) (*Handle, error) {
	delay := p.retry.Base
	var lastErr error

	for attempt := 1; attempt <= p.retry.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, faults.Internal("run cancelled", err).WithSpec(specID).WithOp(op)
		}

		handle, err := call(ctx)
		p.metrics.PlatformCall(op, err == nil)
		if err == nil {
			return handle, nil
		}
		if !faults.IsRetryable(err) {
			return nil, err
		}
		lastErr = err

		if attempt == p.retry.MaxAttempts {
			break
		}

		p.log.WithField("spec_id", specID).
			WithField("op", op).
			WithField("attempt", attempt).
			WithError(err).
			Warn("platform call failed, backing off")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, faults.Internal("run cancelled during backoff", ctx.Err()).
				WithSpec(specID).WithOp(op)
		}
		delay *= 2
		if delay > p.retry.Cap {
			delay = p.retry.Cap
		}
	}

	return nil, faults.Unavailable(
		fmt.Sprintf("platform unavailable after %d attempts", p.retry.MaxAttempts), lastErr).
		WithSpec(specID).WithOp(op)
}
