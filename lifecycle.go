package rtas

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrNotInitialized = errors.New("rtas: not initialized")
	ErrBusy           = errors.New("rtas: lifecycle transition in progress")
	ErrShutDown       = errors.New("rtas: shut down")
	ErrFailed         = errors.New("rtas: device failure latched")
)

type Phase int

const (
	PhaseNew Phase = iota
	PhaseInitializing
	PhaseReady
	PhaseShuttingDown
	PhaseShutDown
)

func (p Phase) String() string {
	switch p {
	case PhaseNew:
		return "new"
	case PhaseInitializing:
		return "initializing"
	case PhaseReady:
		return "ready"
	case PhaseShuttingDown:
		return "shutting-down"
	case PhaseShutDown:
		return "shut-down"
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// Lifecycle guards init, execute and shutdown against each other. A latched
// device failure blocks execution until the subsystem is initialized again.
type Lifecycle struct {
	mu        sync.Mutex
	phase     Phase
	executing bool
	failure   error
}

func (l *Lifecycle) Phase() Phase {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.phase
}

// TryBeginInit starts initialization from a new, shut down or failed state.
func (l *Lifecycle) TryBeginInit() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case l.phase == PhaseInitializing || l.phase == PhaseShuttingDown || l.executing:
		return ErrBusy
	case l.phase == PhaseReady && l.failure == nil:
		return fmt.Errorf("%w: already initialized", ErrBusy)
	}
	l.phase = PhaseInitializing
	l.failure = nil
	return nil
}

// EndInit finishes initialization; a non-nil err leaves the failure latched.
func (l *Lifecycle) EndInit(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.phase = PhaseReady
	if err != nil {
		l.phase = PhaseNew
		l.failure = err
	}
}

// TryBeginExecute admits one frame at a time, and only while ready.
func (l *Lifecycle) TryBeginExecute() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failure != nil {
		return fmt.Errorf("%w: %v", ErrFailed, l.failure)
	}
	switch l.phase {
	case PhaseReady:
	case PhaseShuttingDown, PhaseShutDown:
		return ErrShutDown
	default:
		return ErrNotInitialized
	}
	if l.executing {
		return ErrBusy
	}
	l.executing = true
	return nil
}

func (l *Lifecycle) EndExecute() {
	l.mu.Lock()
	l.executing = false
	l.mu.Unlock()
}

// TryBeginShutdown succeeds once; shutting down an idle or failed subsystem
// is allowed.
func (l *Lifecycle) TryBeginShutdown() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case l.phase == PhaseShuttingDown || l.phase == PhaseShutDown:
		return ErrShutDown
	case l.phase == PhaseInitializing || l.executing:
		return ErrBusy
	}
	l.phase = PhaseShuttingDown
	return nil
}

func (l *Lifecycle) EndShutdown() {
	l.mu.Lock()
	l.phase = PhaseShutDown
	l.mu.Unlock()
}

// Latch records a device-fatal failure. The first failure wins.
func (l *Lifecycle) Latch(err error) {
	if err == nil {
		return
	}
	l.mu.Lock()
	if l.failure == nil {
		l.failure = err
	}
	l.mu.Unlock()
}

// Failed returns the latched failure, if any.
func (l *Lifecycle) Failed() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failure
}
