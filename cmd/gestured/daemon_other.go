//go:build !unix

package main

import "syscall"

func getDaemonSysProcAttr() *syscall.SysProcAttr {
	return nil
}
