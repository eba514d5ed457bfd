// Package apply executes the configure phase: it takes the resolved
// inventory and runs each configured step's command on every member of the
// step's role group over SSH. Steps run in their declared order; members of
// a group run concurrently up to the run's concurrency bound. Failures are
// collected per member so one bad host never hides the others' outcomes.
package apply
