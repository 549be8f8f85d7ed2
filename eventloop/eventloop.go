// Package eventloop is the Signal & Event Loop: one goroutine multiplexing
// the hypervisor's event-channel fd and any collaborator-owned fd, with a
// per-tick housekeeping timeout and OS-signal-driven teardown.
//
// core_engine never had a real host-side event source to wait on (it drove
// vCPUs with a tight KVM_RUN loop); this package is grounded instead on the
// pack's own fd-multiplexing idiom (kata-containers' unix.Poll usage) since
// the spec calls for a genuinely fd-driven wait, not a busy loop.
package eventloop

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/weichen81/xenioreqd/internal/xlog"
)

// Handlers are the callbacks the Loop invokes; Loop owns no dispatch logic
// itself, it only owns the wait.
type Handlers struct {
	// OnEventChannel is called whenever the hypervisor event-channel fd is
	// readable. It must drain whatever ports are pending itself (Loop does
	// not interpret the read).
	OnEventChannel func()
	// OnCollaborator is called whenever a registered collaborator fd is
	// readable.
	OnCollaborator func(fd int)
	// OnTick runs once per housekeeping interval regardless of fd activity.
	OnTick func()
	// OnDiagnostic runs on SIGUSR1, for a state dump.
	OnDiagnostic func()
	// OnShutdown runs once, on the first teardown signal, before Run
	// returns.
	OnShutdown func()
}

// Loop multiplexes one required event-channel fd plus any number of
// collaborator fds via unix.Poll, with signal.Notify handling the OS signal
// side so no work happens inside an actual signal handler context.
type Loop struct {
	eventChannelFD int
	collaborators  []int
	handlers       Handlers
	tick           time.Duration
	log            *logrus.Entry
}

// New builds a Loop. tick is the housekeeping interval; collaborators are
// additional fds to multiplex alongside eventChannelFD.
func New(eventChannelFD int, collaborators []int, tick time.Duration, h Handlers) *Loop {
	return &Loop{
		eventChannelFD: eventChannelFD,
		collaborators:  collaborators,
		handlers:       h,
		tick:           tick,
		log:            xlog.For("eventloop"),
	}
}

// Run blocks until a teardown signal (SIGTERM/SIGINT/SIGHUP/SIGABRT)
// arrives, then invokes OnShutdown and returns. SIGUSR1 triggers
// OnDiagnostic without ending the loop, matching spec.md §5's "reserved
// diagnostic signal" contract.
func (l *Loop) Run() {
	sigc := make(chan os.Signal, 4)
	signal.Notify(sigc, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP, syscall.SIGABRT, syscall.SIGUSR1)
	defer signal.Stop(sigc)

	pollFDs := make([]unix.PollFd, 1+len(l.collaborators))
	pollFDs[0] = unix.PollFd{Fd: int32(l.eventChannelFD), Events: unix.POLLIN}
	for i, fd := range l.collaborators {
		pollFDs[i+1] = unix.PollFd{Fd: int32(fd), Events: unix.POLLIN}
	}

	timeoutMs := int(l.tick / time.Millisecond)

	for {
		select {
		case sig := <-sigc:
			if sig == syscall.SIGUSR1 {
				l.log.Info("SIGUSR1: running diagnostic dump")
				if l.handlers.OnDiagnostic != nil {
					l.handlers.OnDiagnostic()
				}
				continue
			}
			l.log.WithField("signal", sig).Info("received teardown signal")
			if l.handlers.OnShutdown != nil {
				l.handlers.OnShutdown()
			}
			return
		default:
		}

		n, err := unix.Poll(pollFDs, timeoutMs)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			l.log.WithError(err).Warn("poll failed")
			continue
		}

		if n == 0 {
			if l.handlers.OnTick != nil {
				l.handlers.OnTick()
			}
			continue
		}

		for i, pfd := range pollFDs {
			if pfd.Revents&unix.POLLIN == 0 {
				continue
			}
			if i == 0 {
				if l.handlers.OnEventChannel != nil {
					l.handlers.OnEventChannel()
				}
				continue
			}
			if l.handlers.OnCollaborator != nil {
				l.handlers.OnCollaborator(int(pfd.Fd))
			}
		}
	}
}
