package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nicholasvmoore/labforge/pkg/apply"
	"github.com/nicholasvmoore/labforge/pkg/config"
	"github.com/nicholasvmoore/labforge/pkg/discovery"
	"github.com/nicholasvmoore/labforge/pkg/faults"
	"github.com/nicholasvmoore/labforge/pkg/orchestrator"
	"github.com/nicholasvmoore/labforge/pkg/platform/proxmox"
	"github.com/nicholasvmoore/labforge/pkg/provision"
	"github.com/nicholasvmoore/labforge/pkg/secrets"
	"github.com/nicholasvmoore/labforge/pkg/state"
	"github.com/nicholasvmoore/labforge/pkg/telemetry"
	"github.com/nicholasvmoore/labforge/pkg/topology"
)

// runtime is the fully wired application: configuration, telemetry, platform
// client, state store, and the orchestrator built on top of them.
type runtime struct {
	cfg   *config.Config
	topo  *topology.Topology
	specs []topology.ResourceSpec

	log     *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer

	store *state.SQLiteStore
	orch  *orchestrator.Orchestrator
}

// close releases the runtime's resources.
func (r *runtime) close(ctx context.Context) {
	if r.store != nil {
		_ = r.store.Close()
	}
	if r.tracer != nil {
		_ = r.tracer.Shutdown(ctx)
	}
}

// buildRuntime wires everything from the config and topology files. The
// verbose and json global flags override the configured log level and format.
func buildRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	if jsonOutput {
		cfg.Telemetry.Logging.Format = "json"
	}

	log, err := telemetry.NewLogger(cfg.Telemetry.Logging)
	if err != nil {
		return nil, fmt.Errorf("initialize logging: %w", err)
	}
	metrics := telemetry.NewMetrics(cfg.Telemetry.Metrics)
	go func() {
		if err := metrics.Serve(); err != nil {
			log.WithError(err).Warn("metrics endpoint failed")
		}
	}()
	tracer, err := telemetry.NewTracer(cfg.Telemetry.Tracing, cfg.Telemetry.ServiceName, cfg.Telemetry.ServiceVersion)
	if err != nil {
		return nil, fmt.Errorf("initialize tracing: %w", err)
	}

	topoStore := topology.NewStore()
	topo, err := topoStore.Load(topologyPath, cfg.DefinedRoles())
	if err != nil {
		return nil, err
	}
	if cfg.Topology == "" {
		cfg.Topology = topo.Name
	} else {
		topo.Name = cfg.Topology
	}
	specs := topoStore.List(topo)

	provider, err := secretsProvider(cfg.Secrets)
	if err != nil {
		return nil, err
	}
	tokenID, err := provider.Get(cfg.Platform.TokenIDKey)
	if err != nil {
		return nil, faults.Validation("resolve platform token id", err)
	}
	tokenSecret, err := provider.Get(cfg.Platform.TokenSecretKey)
	if err != nil {
		return nil, faults.Validation("resolve platform token secret", err)
	}

	platform, err := proxmox.NewClient(proxmox.Options{
		Endpoint:              cfg.Platform.Endpoint,
		TokenID:               tokenID,
		Secret:                tokenSecret,
		InsecureSkipTLSVerify: cfg.Platform.InsecureSkipVerify,
		Storage:               cfg.Platform.Storage,
	})
	if err != nil {
		return nil, err
	}

	store, err := state.NewSQLiteStore(cfg.StatePath)
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, err
	}

	provisioner := provision.NewProvisioner(platform, provision.Retry{
		MaxAttempts: cfg.Retry.MaxAttempts,
		Base:        cfg.Retry.Base.Std(),
		Cap:         cfg.Retry.Cap.Std(),
	}, log.NewComponentLogger("provision"), metrics)

	poller := discovery.NewPoller(platform,
		cfg.Readiness.PollInterval.Std(), cfg.Readiness.Timeout.Std(),
		log.NewComponentLogger("discovery"), metrics)

	runner, err := apply.NewRunner(cfg.Apply, cfg.Concurrency, log.NewComponentLogger("apply"), metrics)
	if err != nil {
		return nil, err
	}

	lockDir := cfg.LockDir
	if lockDir == "" {
		lockDir = filepath.Dir(cfg.StatePath)
	}

	orch := orchestrator.New(orchestrator.Options{
		Topology:    topo,
		Specs:       specs,
		Provisioner: provisioner,
		Poller:      poller,
		Runner:      runner,
		Store:       store,
		Logger:      log,
		Metrics:     metrics,
		Tracer:      tracer,
		Concurrency: cfg.Concurrency,
		LockDir:     lockDir,
	})

	return &runtime{
		cfg:     cfg,
		topo:    topo,
		specs:   specs,
		log:     log,
		metrics: metrics,
		tracer:  tracer,
		store:   store,
		orch:    orch,
	}, nil
}

// secretsProvider builds the configured credential source.
func secretsProvider(cfg config.SecretsConfig) (secrets.Provider, error) {
	switch cfg.Source {
	case "env":
		return &secrets.EnvProvider{Prefix: cfg.EnvPrefix}, nil
	case "file":
		return secrets.NewFileProvider(cfg.Path)
	case "encrypted_file":
		passphrase := os.Getenv(cfg.PassphraseEnv)
		if passphrase == "" {
			return nil, faults.Validation(
				fmt.Sprintf("passphrase environment variable %s is empty", cfg.PassphraseEnv), nil)
		}
		return secrets.NewEncryptedFileProvider(cfg.Path, passphrase)
	}
	return nil, faults.Validation(fmt.Sprintf("unknown secrets source %q", cfg.Source), nil)
}

// runPhases is the shared body of up, infra, bootstrap, and configure.
func runPhases(cmd *cobra.Command, start, until orchestrator.Phase) error {
	ctx := cmd.Context()

	rt, err := buildRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close(context.WithoutCancel(ctx))

	report, runErr := rt.orch.Run(ctx, start, until)
	if report == nil {
		return runErr
	}

	if jsonOutput {
		out, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
	} else {
		fmt.Fprint(cmd.OutOrStdout(), report.Summary())
	}

	if code := report.ExitCode(); code != 0 {
		return &exitError{code: code, err: runErr}
	}
	return nil
}
