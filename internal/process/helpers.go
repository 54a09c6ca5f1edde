package process

import (
	"errors"
	"strings"
)

// ErrSpawn wraps operating-system spawn failures so the sequencer can tell
// them apart from readiness timeouts; spawn failures are always fatal.
var ErrSpawn = errors.New("spawn failure")

// IsSpawnErr reports whether err originated from a failed cmd.Start.
func IsSpawnErr(err error) bool { return errors.Is(err, ErrSpawn) }

// IsExecNotFound reports whether an error looks like a missing executable.
// Used only for log phrasing; classification relies on ErrSpawn.
func IsExecNotFound(err error) bool {
	return err != nil && strings.Contains(err.Error(), "executable file not found")
}
