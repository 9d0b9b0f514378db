//go:build unix

package audit

import (
	"os"

	"golang.org/x/sys/unix"
)

// flock locks belong to the open file description, so two Journals opened
// on the same path exclude each other even inside one process.
func lockFile(f *os.File) error {
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX)
		if err != unix.EINTR {
			return err
		}
	}
}

func unlockFile(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
