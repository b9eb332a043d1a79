//go:build windows

package transport

import "os"

// Windows has no unix uid/gid; EXTERNAL-mechanism self-credential checks
// fall back to process identity only (pid), matching the named-pipe
// backend's own ACL-based trust model rather than SO_PEERCRED.
func processID() int  { return os.Getpid() }
func processUID() int { return -1 }
func processGID() int { return -1 }
