//go:build !windows

package process

import "syscall"

// Children get their own process group so a signal to the node's group
// does not reach them.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}
