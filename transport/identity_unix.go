//go:build !windows

package transport

import (
	"os"
	"syscall"
)

func processID() int  { return os.Getpid() }
func processUID() int { return syscall.Getuid() }
func processGID() int { return syscall.Getgid() }
