//go:build !windows

package log

import (
	"log/syslog"
	"os"

	"github.com/op/go-logging"
)

// SetupWithSyslog is Setup, plus a syslog backend alongside stderr when
// useSyslog is true, grounded in the teacher's SetupLogging(module, level,
// useSyslog) signature (logging.go, used by krd/main.go's useSyslog()).
func SetupWithSyslog(module string, level logging.Level, useSyslog bool) *logging.Logger {
	log := Setup(module, level)
	if !useSyslog {
		return log
	}

	syslogBackend, err := logging.NewSyslogBackendPriority(module, syslog.LOG_NOTICE)
	if err != nil {
		log.Warningf("syslog unavailable, logging to stderr only: %v", err)
		return log
	}

	current := logging.NewLogBackend(colorableStderr(os.Stderr), "", 0)
	formatted := logging.NewBackendFormatter(current, format)
	leveled := logging.AddModuleLevel(formatted)
	leveled.SetLevel(level, "")

	logging.SetBackend(leveled, syslogBackend)
	return log
}
