package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nicholasvmoore/labforge/pkg/apply"
	"github.com/nicholasvmoore/labforge/pkg/discovery"
	"github.com/nicholasvmoore/labforge/pkg/faults"
	"github.com/nicholasvmoore/labforge/pkg/inventory"
	"github.com/nicholasvmoore/labforge/pkg/provision"
	"github.com/nicholasvmoore/labforge/pkg/state"
	"github.com/nicholasvmoore/labforge/pkg/telemetry"
	"github.com/nicholasvmoore/labforge/pkg/topology"
)

// ensurer is the provisioning dependency, satisfied by provision.Provisioner.
type ensurer interface {
	Ensure(ctx context.Context, spec topology.ResourceSpec) (*provision.Resource, error)
}

// waiter is the readiness dependency, satisfied by discovery.Poller.
type waiter interface {
	WaitReady(ctx context.Context, res *provision.Resource) (*discovery.Address, error)
}

// applier is the configure dependency, satisfied by apply.Runner.
type applier interface {
	Apply(ctx context.Context, groups inventory.Groups, inventoryDoc []byte) ([]apply.Result, error)
}

// Options wires an orchestrator.
type Options struct {
	Topology    *topology.Topology
	Specs       []topology.ResourceSpec
	Provisioner ensurer
	Poller      waiter
	Runner      applier
	Store       state.Store
	Logger      *telemetry.Logger
	Metrics     *telemetry.Metrics
	Tracer      *telemetry.Tracer

	// Concurrency bounds parallel per-resource work within a phase.
	Concurrency int

	// LockDir is where lease files live.
	LockDir string

	// LeaseTTL overrides the stale-lease threshold; zero uses the default.
	LeaseTTL time.Duration
}

// Orchestrator drives one topology through the phase sequence.
type Orchestrator struct {
	opts Options
	log  *telemetry.Logger
}

// New creates an orchestrator. Specs are expected in deterministic order, as
// produced by the topology store's List.
func New(opts Options) *Orchestrator {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NopLogger()
	}
	return &Orchestrator{opts: opts, log: opts.Logger.NewComponentLogger("orchestrator")}
}

// Run executes the phase sequence from start through until inclusive,
// holding the topology's lease for the duration. The returned report is
// non-nil whenever a run was recorded; the error aggregates whatever failed.
// Phase failures stop the sequence after the failing phase has been driven
// to completion for every resource it could.
func (o *Orchestrator) Run(ctx context.Context, start, until Phase) (*Report, error) {
	if start.index() < 0 {
		return nil, faults.Validation(fmt.Sprintf("unknown start phase %q", start), nil)
	}
	if until.index() < start.index() {
		return nil, faults.Validation(
			fmt.Sprintf("phase %q cannot run before %q", until, start), nil)
	}

	runID := uuid.NewString()
	log := o.log.WithRunID(runID)

	lease, err := AcquireLease(o.opts.LockDir, o.opts.Topology.Name, runID, o.opts.LeaseTTL)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	startedAt := time.Now()
	o.opts.Metrics.RunStarted()

	runCtx := ctx
	var endRunSpan func(error)
	if o.opts.Tracer != nil {
		sctx, sp := o.opts.Tracer.StartRunSpan(ctx, runID, o.opts.Topology.Name)
		runCtx = sctx
		endRunSpan = func(err error) {
			telemetry.RecordError(sp, err)
			sp.End()
		}
	}

	run := &state.Run{
		ID:           runID,
		Topology:     o.opts.Topology.Name,
		StartPhase:   string(start),
		PhaseReached: string(ProgressNotStarted),
		Status:       state.RunStatusRunning,
		StartedAt:    startedAt,
	}
	if err := o.opts.Store.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	report := &Report{
		RunID:      runID,
		Topology:   o.opts.Topology.Name,
		StartPhase: start,
		Progress:   ProgressNotStarted,
		StartedAt:  startedAt,
	}

	outcomes := make(map[int]*ResourceOutcome, len(o.opts.Specs))
	for _, spec := range o.opts.Specs {
		outcomes[spec.ID] = &ResourceOutcome{
			SpecID: spec.ID,
			Name:   spec.Name,
			Role:   spec.Role,
			State:  "pending",
		}
	}

	var (
		resources map[int]*provision.Resource
		addresses []discovery.Address
		groups    inventory.Groups
		invDoc    []byte
	)

	var runErrs []error
	for _, phase := range Sequence[start.index() : until.index()+1] {
		phaseLog := log.WithPhase(string(phase))
		phaseLog.Info("phase starting")
		phaseStart := time.Now()

		phaseCtx := runCtx
		var phaseSpan func(error)
		if o.opts.Tracer != nil {
			sctx, sp := o.opts.Tracer.StartPhaseSpan(runCtx, string(phase))
			phaseCtx = sctx
			phaseSpan = func(err error) {
				telemetry.RecordError(sp, err)
				sp.End()
			}
		}

		var phaseErrs []error
		switch phase {
		case PhaseInfra:
			resources, phaseErrs = o.runInfra(phaseCtx, outcomes)
		case PhaseBootstrap:
			if resources == nil {
				var loadErr error
				resources, loadErr = o.loadResources(phaseCtx, outcomes)
				if loadErr != nil {
					phaseErrs = append(phaseErrs, loadErr)
					break
				}
			}
			addresses, phaseErrs = o.runBootstrap(phaseCtx, resources, outcomes)
			// Resolve whatever did come up even when siblings failed: the
			// survivors stay in their role groups so a later configure run
			// can act on the partial cluster. The phase still fails.
			if len(addresses) > 0 {
				var resolveErr error
				groups, invDoc, resolveErr = o.resolveInventory(phaseCtx, addresses)
				if resolveErr != nil {
					phaseErrs = append(phaseErrs, resolveErr)
				}
			}
		case PhaseConfigure:
			if invDoc == nil {
				var loadErr error
				groups, invDoc, loadErr = o.loadInventory(phaseCtx)
				if loadErr != nil {
					phaseErrs = append(phaseErrs, loadErr)
					break
				}
			}
			phaseErrs = o.runConfigure(phaseCtx, groups, invDoc, outcomes)
		}

		status := "ok"
		if len(phaseErrs) > 0 {
			status = "error"
		}
		o.opts.Metrics.PhaseObserved(string(phase), status, time.Since(phaseStart))
		if phaseSpan != nil {
			phaseSpan(joinErrors(phaseErrs))
		}

		if len(phaseErrs) > 0 {
			report.FailedPhase = phase
			runErrs = phaseErrs
			phaseLog.WithField("errors", len(phaseErrs)).Error("phase failed")
			break
		}

		report.Progress = after(phase)
		phaseLog.Info("phase complete")

		if err := runCtx.Err(); err != nil {
			report.FailedPhase = phase
			runErrs = []error{faults.Internal("run cancelled", err)}
			break
		}
	}

	report.Duration = time.Since(startedAt)
	for _, outcome := range outcomes {
		report.Resources = append(report.Resources, *outcome)
	}
	sort.Slice(report.Resources, func(i, j int) bool {
		return report.Resources[i].SpecID < report.Resources[j].SpecID
	})
	for _, err := range runErrs {
		report.Errors = append(report.Errors, err.Error())
		o.opts.Metrics.ErrorObserved(string(faults.KindOf(err)))
	}
	sort.Strings(report.Errors)

	report.Status = o.verdict(ctx, runErrs, outcomes)
	o.opts.Metrics.RunCompleted(string(report.Status))

	var errMsg *string
	if agg := joinErrors(runErrs); agg != nil {
		msg := agg.Error()
		errMsg = &msg
	}
	if err := o.opts.Store.FinishRun(context.WithoutCancel(ctx), runID, report.Status, string(report.Progress), errMsg); err != nil {
		log.WithError(err).Warn("recording run outcome failed")
	}

	aggregate := joinErrors(runErrs)
	if endRunSpan != nil {
		endRunSpan(aggregate)
	}
	return report, aggregate
}

// verdict derives the run status from the aggregate errors and per-resource
// outcomes. A cancelled context wins over everything; otherwise a run with
// failures is partial when at least one resource still made progress.
func (o *Orchestrator) verdict(ctx context.Context, runErrs []error, outcomes map[int]*ResourceOutcome) state.RunStatus {
	if ctx.Err() != nil {
		return state.RunStatusCancelled
	}
	if len(runErrs) == 0 {
		return state.RunStatusSucceeded
	}
	for _, outcome := range outcomes {
		if outcome.Error == "" && outcome.State != "pending" {
			return state.RunStatusPartial
		}
	}
	return state.RunStatusFailed
}

// runInfra ensures every spec exists and is booting. All specs are attempted
// regardless of sibling failures; the errors come back together.
func (o *Orchestrator) runInfra(ctx context.Context, outcomes map[int]*ResourceOutcome) (map[int]*provision.Resource, []error) {
	resources := make(map[int]*provision.Resource, len(o.opts.Specs))
	var mu sync.Mutex
	var errs []error

	g := &errgroup.Group{}
	g.SetLimit(o.opts.Concurrency)
	for _, spec := range o.opts.Specs {
		g.Go(func() error {
			res, err := o.opts.Provisioner.Ensure(ctx, spec)

			mu.Lock()
			defer mu.Unlock()
			outcome := outcomes[spec.ID]
			if err != nil {
				errs = append(errs, err)
				outcome.State = string(provision.StateFailed)
				outcome.Error = err.Error()
				o.recordResource(ctx, spec, nil, err)
				return nil
			}
			resources[spec.ID] = res
			outcome.State = string(res.State)
			outcome.Adopted = res.Adopted
			o.recordResource(ctx, spec, res, nil)
			return nil
		})
	}
	g.Wait()

	return resources, errs
}

// runBootstrap waits for every booted resource to report an address. A
// resource timing out is fatal for that resource only; its siblings still
// resolve.
func (o *Orchestrator) runBootstrap(ctx context.Context, resources map[int]*provision.Resource, outcomes map[int]*ResourceOutcome) ([]discovery.Address, []error) {
	var mu sync.Mutex
	var addresses []discovery.Address
	var errs []error

	g := &errgroup.Group{}
	g.SetLimit(o.opts.Concurrency)
	for _, spec := range o.opts.Specs {
		res, ok := resources[spec.ID]
		if !ok {
			continue
		}
		g.Go(func() error {
			addr, err := o.opts.Poller.WaitReady(ctx, res)

			mu.Lock()
			defer mu.Unlock()
			outcome := outcomes[spec.ID]
			if err != nil {
				errs = append(errs, err)
				outcome.State = string(provision.StateFailed)
				outcome.Error = err.Error()
				return nil
			}
			addresses = append(addresses, *addr)
			outcome.State = string(provision.StateReady)
			outcome.Address = addr.Addr
			o.recordAddress(ctx, addr)
			return nil
		})
	}
	g.Wait()

	sort.Slice(addresses, func(i, j int) bool { return addresses[i].SpecID < addresses[j].SpecID })
	return addresses, errs
}

// resolveInventory turns the discovered addresses into role groups and
// caches the rendered document for later configure-only runs.
func (o *Orchestrator) resolveInventory(ctx context.Context, addresses []discovery.Address) (inventory.Groups, []byte, error) {
	groups, err := inventory.Resolve(addresses, o.opts.Specs)
	if err != nil {
		return nil, nil, err
	}
	resolvedAt := time.Now()
	doc, err := groups.Render(o.opts.Topology.Name, resolvedAt)
	if err != nil {
		return nil, nil, faults.Internal("render inventory", err)
	}
	if err := o.opts.Store.SaveInventory(ctx, &state.InventoryRecord{
		Topology:   o.opts.Topology.Name,
		Document:   doc,
		ResolvedAt: resolvedAt,
	}); err != nil {
		o.log.WithError(err).Warn("caching inventory failed")
	}
	return groups, doc, nil
}

// runConfigure applies the per-role steps and folds the per-member results
// into the resource outcomes.
func (o *Orchestrator) runConfigure(ctx context.Context, groups inventory.Groups, invDoc []byte, outcomes map[int]*ResourceOutcome) []error {
	results, err := o.opts.Runner.Apply(ctx, groups, invDoc)

	var errs []error
	for _, res := range results {
		outcome, ok := outcomes[res.SpecID]
		if !ok {
			continue
		}
		if res.Err != nil {
			errs = append(errs, res.Err)
			outcome.State = string(provision.StateFailed)
			outcome.Error = res.Err.Error()
			continue
		}
		outcome.State = "configured"
	}
	if err != nil && len(errs) == 0 {
		errs = append(errs, err)
	}
	return errs
}

// loadResources rebuilds the resource set from the state store, for runs
// starting at bootstrap. Every spec must have a cached record; a topology
// that was never provisioned has to go through infra first.
func (o *Orchestrator) loadResources(ctx context.Context, outcomes map[int]*ResourceOutcome) (map[int]*provision.Resource, error) {
	records, err := o.opts.Store.ListResources(ctx, o.opts.Topology.Name)
	if err != nil {
		return nil, err
	}
	byID := make(map[int]*state.ResourceRecord, len(records))
	for _, rec := range records {
		byID[rec.SpecID] = rec
	}

	resources := make(map[int]*provision.Resource, len(o.opts.Specs))
	for _, spec := range o.opts.Specs {
		rec, ok := byID[spec.ID]
		if !ok {
			return nil, faults.Validation(
				fmt.Sprintf("no cached state for resource %d (%s), run the infra phase first", spec.ID, spec.Name), nil).
				WithSpec(spec.ID)
		}
		resources[spec.ID] = &provision.Resource{
			Spec: spec,
			Handle: provision.Handle{
				SpecID:     spec.ID,
				PlatformID: rec.PlatformID,
				Node:       rec.Node,
				Kind:       spec.Kind,
				Name:       spec.Name,
			},
			State:   provision.StateBooting,
			Adopted: true,
		}
		outcomes[spec.ID].State = string(provision.StateBooting)
		outcomes[spec.ID].Adopted = true
	}
	return resources, nil
}

// loadInventory fetches the cached inventory, for runs starting at configure.
func (o *Orchestrator) loadInventory(ctx context.Context) (inventory.Groups, []byte, error) {
	rec, err := o.opts.Store.GetInventory(ctx, o.opts.Topology.Name)
	if err != nil {
		return nil, nil, err
	}
	if rec == nil {
		return nil, nil, faults.Validation(
			fmt.Sprintf("no cached inventory for topology %q, run the bootstrap phase first", o.opts.Topology.Name), nil)
	}
	groups, err := inventory.ParseDocument(rec.Document)
	if err != nil {
		return nil, nil, err
	}
	return groups, rec.Document, nil
}

// recordResource caches one provisioning outcome. Persistence failures are
// logged, never fatal; the cache is an optimization, not the truth.
func (o *Orchestrator) recordResource(ctx context.Context, spec topology.ResourceSpec, res *provision.Resource, resErr error) {
	rec := &state.ResourceRecord{
		Topology:  o.opts.Topology.Name,
		SpecID:    spec.ID,
		Name:      spec.Name,
		Role:      spec.Role,
		UpdatedAt: time.Now(),
	}
	if res != nil {
		rec.PlatformID = res.Handle.PlatformID
		rec.Node = res.Handle.Node
		rec.State = string(res.State)
	} else {
		rec.State = string(provision.StateFailed)
	}
	if resErr != nil {
		msg := resErr.Error()
		rec.Error = &msg
	}
	if err := o.opts.Store.UpsertResource(context.WithoutCancel(ctx), rec); err != nil {
		o.log.WithError(err).WithField("spec_id", spec.ID).Warn("caching resource state failed")
	}
}

// recordAddress caches one discovered address.
func (o *Orchestrator) recordAddress(ctx context.Context, addr *discovery.Address) {
	rec := &state.AddressRecord{
		Topology:     o.opts.Topology.Name,
		SpecID:       addr.SpecID,
		Address:      addr.Addr,
		Interface:    addr.Interface,
		DiscoveredAt: addr.DiscoveredAt,
	}
	if err := o.opts.Store.UpsertAddress(context.WithoutCancel(ctx), rec); err != nil {
		o.log.WithError(err).WithField("spec_id", addr.SpecID).Warn("caching address failed")
	}
}

// joinErrors folds the collected errors into one, preserving each message.
func joinErrors(errs []error) error {
	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	}
	msgs := make([]string, len(errs))
	for i, err := range errs {
		msgs[i] = err.Error()
	}
	sort.Strings(msgs)
	return faults.Internal(
		fmt.Sprintf("%d failures: %s", len(errs), strings.Join(msgs, "; ")), nil)
}
