//go:build !unix && !windows

package audit

import "os"

// No file locking on this platform; appends are serialized per Journal only.
func lockFile(*os.File) error { return nil }

func unlockFile(*os.File) error { return nil }
