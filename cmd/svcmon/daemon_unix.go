//go:build !windows

package main

import (
	"os/exec"
	"syscall"
)

// configureDaemonAttrs puts the child in its own session.
func configureDaemonAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
