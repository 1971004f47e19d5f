package command

import "syscall"

// sysProcAttr places the child in its own process group, so terminal
// signals aimed at cmdfs do not reach it, and kills it if cmdfs dies.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
}
