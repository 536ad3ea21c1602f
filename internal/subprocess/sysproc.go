package subprocess

import "syscall"

// procAttrNewGroup places the child in its own process group so that
// Kill's killpg delivery only reaches this process and its descendants.
func procAttrNewGroup() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}
