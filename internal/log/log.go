// Package log wires the process-wide op/go-logging logger the bus daemon
// (cmd/busd) logs through; the transport core and the CLI harness do not
// use it.
package log

import (
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/op/go-logging"
)

var format = logging.MustStringFormatter(
	`%{color}%{time:15:04:05.000} %{shortfunc} ▶ %{level:.4s}%{color:reset} %{message}`,
)

// Setup creates a named logger writing to stderr, colorized when stderr is a
// TTY. module names the returned logger; level is the minimum severity
// logged, applied to every module.
func Setup(module string, level logging.Level) *logging.Logger {
	log := logging.MustGetLogger(module)

	backend := logging.NewLogBackend(colorableStderr(os.Stderr), "", 0)
	formatted := logging.NewBackendFormatter(backend, format)

	leveled := logging.AddModuleLevel(formatted)
	leveled.SetLevel(level, "")

	logging.SetBackend(leveled)
	return log
}

func colorableStderr(f *os.File) io.Writer {
	if isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()) {
		return colorable.NewColorable(f)
	}
	return f
}

// Fatalf logs at critical level and exits, matching the teacher's
// log.Fatal(...) usage in krd/main.go for unrecoverable startup errors.
func Fatalf(l *logging.Logger, format string, args ...interface{}) {
	l.Critical(fmt.Sprintf(format, args...))
	os.Exit(1)
}
