//go:build !windows

package main

import (
	"os"
	"path/filepath"
	"syscall"
)

// terminateProcess asks the process to shut down gracefully.
func terminateProcess(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Signal(syscall.SIGTERM)
}

func defaultPIDDir() string {
	return filepath.Join(os.Getenv("HOME"), ".onpulse")
}
