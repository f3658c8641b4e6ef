//go:build unix
// +build unix

package security

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

func hardenProcess() error {
	// Files created from here on are owner-only by default.
	syscall.Umask(0077)

	// No core dumps: a core image would contain session keys.
	if err := unix.Setrlimit(unix.RLIMIT_CORE, &unix.Rlimit{Cur: 0, Max: 0}); err != nil {
		return fmt.Errorf("disable core dumps: %w", err)
	}

	return nil
}
