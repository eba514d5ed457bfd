// Package topology holds the declarative description of a deployment: which
// containers and VMs should exist, how they are sized and placed, and which
// role each one plays. Topology files are plain YAML and remain the sole
// source of truth across runs; runtime state (platform handles, discovered
// addresses) is derived from them, never the other way around.
package topology
