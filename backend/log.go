package backend

import "log"

// Logger is the package-level sink, overridable by an embedder the same way
// the teacher's tel package exposes a package-level, swappable default
// (costinm-hbone/tel/expvar.go). No structured logging library is used
// anywhere in the pack's core packages, so none is introduced here.
var Logger = log.Default()

func logf(format string, args ...interface{}) {
	Logger.Printf(format, args...)
}
