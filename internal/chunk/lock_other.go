//go:build !unix

package chunk

import "os"

// lockExclusive is a no-op on platforms without flock semantics; the
// session-level exclusivity lock still guarantees a single writer.
func lockExclusive(f *os.File) error {
	return nil
}
