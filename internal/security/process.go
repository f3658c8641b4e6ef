package security

import "os"

// Harden applies process-level protections for a key-holding daemon:
// a restrictive umask and disabled core dumps, so key material cannot
// leak through spilled files or kernel core images. Failures are
// returned but are safe to treat as warnings on platforms that do not
// support the underlying controls.
func Harden() error {
	return hardenProcess()
}

// RunningAsRoot reports whether the process has root privileges.
// vigil does not need them and running with them widens the blast
// radius of any compromise.
func RunningAsRoot() bool {
	return os.Geteuid() == 0
}
