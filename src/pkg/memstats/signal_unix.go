//go:build !windows

package memstats

import (
	"errors"

	"golang.org/x/sys/unix"
)

// signalZero 发送 0 号信号，EPERM 说明进程存在但属于其他用户
func signalZero(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
