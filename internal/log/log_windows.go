//go:build windows

package log

import "github.com/op/go-logging"

// SetupWithSyslog is Setup; Windows has no syslog(3) to forward to, so
// useSyslog is accepted for call-site parity with the unix build and
// otherwise ignored.
func SetupWithSyslog(module string, level logging.Level, useSyslog bool) *logging.Logger {
	return Setup(module, level)
}
