//go:build unix

package chunk

import (
	"os"

	"golang.org/x/sys/unix"
)

// lockExclusive takes a blocking exclusive advisory lock on the open file.
// The kernel releases it automatically when the descriptor closes.
func lockExclusive(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_EX)
}
