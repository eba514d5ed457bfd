// Package orchestrator sequences a topology through its three phases: infra
// (make every resource exist and boot), bootstrap (wait for addresses and
// resolve the inventory), and configure (apply per-role steps over SSH). A
// run can start at any phase; later phases consume the cached outputs of
// earlier runs from the state store. Within a phase, per-resource work runs
// concurrently up to a bound and failures are aggregated so every resource's
// outcome is reported. Exactly one run per topology holds the lease lock at
// a time.
package orchestrator
