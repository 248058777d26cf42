package logging

import (
	"log"
	"os"
)

var (
	disabled = false
	logger   = log.New(os.Stdout, "", log.LstdFlags)
)

// Disable turns off all logging (used by CLI commands that own stdout).
func Disable() {
	disabled = true
}

// Enable turns logging back on.
func Enable() {
	disabled = false
}

// SetOutput redirects log output, e.g. to a file when running as a daemon.
func SetOutput(f *os.File) {
	logger.SetOutput(f)
}

// Infof logs a formatted info message.
func Infof(format string, v ...any) {
	if !disabled {
		logger.Printf(format, v...)
	}
}

// Warnf logs a formatted warning message.
func Warnf(format string, v ...any) {
	if !disabled {
		logger.Printf(format, v...)
	}
}

// Errorf logs a formatted error message.
func Errorf(format string, v ...any) {
	if !disabled {
		logger.Printf(format, v...)
	}
}

// Sub returns a logger bound to a kernel subsystem. Output lines carry a
// "[subsystem]" prefix so interleaved kernel/host/supervisor logs stay
// attributable.
func Sub(name string) Logger {
	return Logger{prefix: "[" + name + "] "}
}

// Logger is a prefixed logger that can be embedded in structs.
type Logger struct {
	prefix string
}

// Infof logs a formatted info message with the subsystem prefix.
func (l Logger) Infof(format string, v ...any) {
	Infof(l.prefix+format, v...)
}

// Warnf logs a formatted warning message with the subsystem prefix.
func (l Logger) Warnf(format string, v ...any) {
	Warnf(l.prefix+format, v...)
}

// Errorf logs a formatted error message with the subsystem prefix.
func (l Logger) Errorf(format string, v ...any) {
	Errorf(l.prefix+format, v...)
}
