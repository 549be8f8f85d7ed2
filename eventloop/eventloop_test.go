package eventloop

import (
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// waiter is a small helper to block a test goroutine until a handler fires,
// without relying on tick timing.
type waiter struct {
	mu   sync.Mutex
	done chan struct{}
}

func newWaiter() *waiter {
	return &waiter{done: make(chan struct{})}
}

func (w *waiter) fire() {
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-w.done:
	default:
		close(w.done)
	}
}

func (w *waiter) wait(t *testing.T, timeout time.Duration) {
	t.Helper()
	select {
	case <-w.done:
	case <-time.After(timeout):
		t.Fatal("timed out waiting for handler")
	}
}

func TestRunInvokesOnEventChannelWhenReadable(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	fired := newWaiter()
	var gotEventChannel bool
	l := New(int(r.Fd()), nil, time.Hour, Handlers{
		OnEventChannel: func() {
			gotEventChannel = true
			// Drain so Run doesn't spin forever re-triggering POLLIN.
			buf := make([]byte, 1)
			r.Read(buf)
			fired.fire()
		},
	})

	stopped := make(chan struct{})
	go func() {
		l.Run()
		close(stopped)
	}()

	_, err = w.Write([]byte{1})
	require.NoError(t, err)

	fired.wait(t, 5*time.Second)
	require.True(t, gotEventChannel)

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGTERM))
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after SIGTERM")
	}
}

func TestRunInvokesOnCollaboratorForExtraFD(t *testing.T) {
	eventR, eventW, err := os.Pipe()
	require.NoError(t, err)
	defer eventR.Close()
	defer eventW.Close()

	collabR, collabW, err := os.Pipe()
	require.NoError(t, err)
	defer collabR.Close()
	defer collabW.Close()

	fired := newWaiter()
	var gotFD int
	l := New(int(eventR.Fd()), []int{int(collabR.Fd())}, time.Hour, Handlers{
		OnCollaborator: func(fd int) {
			gotFD = fd
			buf := make([]byte, 1)
			collabR.Read(buf)
			fired.fire()
		},
	})

	stopped := make(chan struct{})
	go func() {
		l.Run()
		close(stopped)
	}()

	_, err = collabW.Write([]byte{1})
	require.NoError(t, err)

	fired.wait(t, 5*time.Second)
	require.Equal(t, int(collabR.Fd()), gotFD)

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGTERM))
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after SIGTERM")
	}
	_ = eventW
}

func TestRunFiresOnTickOnTimeout(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	fired := newWaiter()
	l := New(int(r.Fd()), nil, 20*time.Millisecond, Handlers{
		OnTick: fired.fire,
	})

	stopped := make(chan struct{})
	go func() {
		l.Run()
		close(stopped)
	}()

	fired.wait(t, 5*time.Second)

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGTERM))
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after SIGTERM")
	}
	_ = w
}

func TestRunRunsOnDiagnosticOnSIGUSR1WithoutStopping(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	diagFired := newWaiter()
	l := New(int(r.Fd()), nil, time.Hour, Handlers{
		OnDiagnostic: diagFired.fire,
	})

	stopped := make(chan struct{})
	go func() {
		l.Run()
		close(stopped)
	}()

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGUSR1))
	diagFired.wait(t, 5*time.Second)

	select {
	case <-stopped:
		t.Fatal("Run returned after SIGUSR1, it should only diagnose")
	case <-time.After(200 * time.Millisecond):
	}

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGTERM))
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after SIGTERM")
	}
	_ = w
}

func TestRunCallsOnShutdownBeforeReturning(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	shutdownFired := newWaiter()
	l := New(int(r.Fd()), nil, time.Hour, Handlers{
		OnShutdown: shutdownFired.fire,
	})

	stopped := make(chan struct{})
	go func() {
		l.Run()
		close(stopped)
	}()

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGINT))

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after SIGINT")
	}
	shutdownFired.wait(t, time.Second)
	_ = w
}
