//go:build windows
// +build windows

package main

import "os"

// notifyReload returns a channel that never delivers; Windows has no
// SIGHUP. Config changes still arrive through the file watcher.
func notifyReload() <-chan os.Signal {
	return make(chan os.Signal)
}
