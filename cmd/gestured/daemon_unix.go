//go:build unix

package main

import "syscall"

// getDaemonSysProcAttr puts the daemon in its own session so it outlives
// the terminal that started it.
func getDaemonSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setsid: true,
	}
}
