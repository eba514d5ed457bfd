package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nicholasvmoore/labforge/pkg/faults"
)

// defaultLeaseTTL is how long a lease file is honored before it is treated
// as left behind by a crashed run.
const defaultLeaseTTL = 2 * time.Hour

// Lease is an exclusive run lock for one topology, backed by a file created
// with O_EXCL. It prevents two orchestration runs from mutating the same
// topology concurrently.
type Lease struct {
	path string
}

// AcquireLease takes the topology's run lock. A lease older than ttl is
// treated as stale and replaced; a live lease fails with a conflict naming
// the run that holds it. A zero ttl uses the default.
func AcquireLease(dir, topologyName, runID string, ttl time.Duration) (*Lease, error) {
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, faults.Internal(fmt.Sprintf("create lock directory %s", dir), err)
	}

	path := filepath.Join(dir, topologyName+".lease")
	content := fmt.Sprintf("%s\n%d\n%s\n", runID, os.Getpid(), time.Now().UTC().Format(time.RFC3339))

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			if _, werr := f.WriteString(content); werr != nil {
				f.Close()
				os.Remove(path)
				return nil, faults.Internal("write lease file", werr)
			}
			f.Close()
			return &Lease{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, faults.Internal("create lease file", err)
		}

		holder, age, rerr := inspectLease(path)
		if rerr != nil {
			// The holder released between our create and read; try again.
			continue
		}
		if age < ttl {
			return nil, faults.Conflict(
				fmt.Sprintf("topology %q is locked by run %s (held %s)",
					topologyName, holder, age.Round(time.Second)), nil)
		}
		// Stale lease from a crashed run.
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, faults.Internal("remove stale lease", err)
		}
	}

	return nil, faults.Conflict(
		fmt.Sprintf("topology %q lease contended, retry", topologyName), nil)
}

// Release drops the lease. Safe to call on an already released lease.
func (l *Lease) Release() error {
	if l == nil || l.path == "" {
		return nil
	}
	err := os.Remove(l.path)
	l.path = ""
	if err != nil && !os.IsNotExist(err) {
		return faults.Internal("remove lease file", err)
	}
	return nil
}

// inspectLease reads the holding run id and the lease's age.
func inspectLease(path string) (runID string, age time.Duration, err error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", 0, err
	}
	lines := strings.SplitN(string(raw), "\n", 4)
	if len(lines) > 0 {
		runID = strings.TrimSpace(lines[0])
	}
	if len(lines) > 2 {
		if acquired, perr := time.Parse(time.RFC3339, strings.TrimSpace(lines[2])); perr == nil {
			return runID, time.Since(acquired), nil
		}
	}
	// Unparseable timestamp: fall back to file mtime.
	info, serr := os.Stat(path)
	if serr != nil {
		return runID, 0, serr
	}
	return runID, time.Since(info.ModTime()), nil
}
