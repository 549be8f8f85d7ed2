// Package xlog centralizes the process-wide structured logger.
//
// core_engine threaded a bare Debug bool through every constructor and
// called log.Printf at the call site; this rewrite keeps that "logger is
// ambient, not injected per call" shape but backs it with logrus so every
// call site can attach structured fields (domid, component, port) instead
// of hand-formatting strings.
package xlog

import (
	"os"

	"github.com/sirupsen/logrus"
)

var base = newBase()

func newBase() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// SetDebug raises or lowers the global log level. Equivalent to the
// teacher's per-component Debug bool, but applied process-wide since every
// package here shares one event loop and one failure domain.
func SetDebug(enabled bool) {
	if enabled {
		base.SetLevel(logrus.DebugLevel)
		return
	}
	base.SetLevel(logrus.InfoLevel)
}

// For returns a logger scoped to one component, e.g. xlog.For("dispatch").
func For(component string) *logrus.Entry {
	return base.WithField("component", component)
}

// WithDomain tags a logger with the guest domain id being served.
func WithDomain(entry *logrus.Entry, domid uint32) *logrus.Entry {
	return entry.WithField("domid", domid)
}
