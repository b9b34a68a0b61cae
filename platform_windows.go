//go:build windows

package main

import (
	"os"
	"path/filepath"
)

// terminateProcess stops the process. Windows has no SIGTERM, so this kills it.
func terminateProcess(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Kill()
}

func defaultPIDDir() string {
	if dir := os.Getenv("LOCALAPPDATA"); dir != "" {
		return filepath.Join(dir, "onpulse")
	}
	return filepath.Join(os.Getenv("USERPROFILE"), ".onpulse")
}
