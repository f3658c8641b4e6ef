//go:build !unix
// +build !unix

package security

func hardenProcess() error {
	// Core dump and umask controls are Unix concepts; nothing to do here.
	return nil
}
