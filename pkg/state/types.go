package state

import (
	"context"
	"time"
)

// RunStatus is the final status of a recorded orchestration run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusPartial   RunStatus = "partial"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Run is one recorded orchestration run.
type Run struct {
	ID           string     `json:"id"`
	Topology     string     `json:"topology"`
	StartPhase   string     `json:"start_phase"`
	PhaseReached string     `json:"phase_reached"`
	Status       RunStatus  `json:"status"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	Error        *string    `json:"error,omitempty"`
}

// ResourceRecord is the cached provisioning outcome for one spec, keyed by
// topology and spec id. It lets a later run resume without re-querying the
// platform for resources already known.
type ResourceRecord struct {
	Topology   string    `json:"topology"`
	SpecID     int       `json:"spec_id"`
	Name       string    `json:"name"`
	Role       string    `json:"role"`
	PlatformID string    `json:"platform_id"`
	Node       string    `json:"node"`
	State      string    `json:"state"`
	Error      *string   `json:"error,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// AddressRecord is the cached discovered address for one spec. Re-discovery
// overwrites the previous value; only the latest address is kept.
type AddressRecord struct {
	Topology     string    `json:"topology"`
	SpecID       int       `json:"spec_id"`
	Address      string    `json:"address"`
	Interface    string    `json:"interface"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

// InventoryRecord is the cached rendered inventory for a topology, consumed
// when resuming directly at the configure phase.
type InventoryRecord struct {
	Topology   string    `json:"topology"`
	Document   []byte    `json:"document"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// Store is the persistence layer for run history and cached phase state.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Run history
	CreateRun(ctx context.Context, run *Run) error
	FinishRun(ctx context.Context, id string, status RunStatus, phaseReached string, errMsg *string) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, topology string, limit int) ([]*Run, error)

	// Cached phase state
	UpsertResource(ctx context.Context, rec *ResourceRecord) error
	ListResources(ctx context.Context, topology string) ([]*ResourceRecord, error)
	UpsertAddress(ctx context.Context, rec *AddressRecord) error
	ListAddresses(ctx context.Context, topology string) ([]*AddressRecord, error)
	SaveInventory(ctx context.Context, rec *InventoryRecord) error
	GetInventory(ctx context.Context, topology string) (*InventoryRecord, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
