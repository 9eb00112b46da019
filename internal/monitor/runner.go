package monitor

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	logx "github.com/dustinyejun/monitor-bot/pkg/logx"
)

const (
	defaultCheckInterval = 30 * time.Second
	initTimeout          = 30 * time.Second
	cleanupTimeout       = 10 * time.Second
)

// runner owns one plugin's lifecycle and poll loop.
//
// All state transitions happen under mu. The loop goroutine reads the stop
// channel and the paused flag; callers never touch the plugin directly while
// the loop is running.
type runner struct {
	plugin Plugin
	log    logx.Logger

	mu          sync.Mutex
	state       State
	paused      bool
	stopCh      chan struct{}
	doneCh      chan struct{}
	cancelLoop  context.CancelFunc
	startedAt   time.Time
	total       uint64
	success     uint64
	failed      uint64
	lastErr     string
	lastCheckAt time.Time
}

func newRunner(p Plugin, log logx.Logger) *runner {
	return &runner{
		plugin: p,
		log:    log.With(logx.String("plugin", p.Name())),
		state:  StateStopped,
	}
}

func (r *runner) getState() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *runner) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// start runs Initialize and, on success, spawns the poll loop.
// Valid from StateStopped and StateError only.
func (r *runner) start(ctx context.Context) error {
	r.mu.Lock()
	if r.state != StateStopped && r.state != StateError {
		st := r.state
		r.mu.Unlock()
		return fmt.Errorf("cannot start from state %s", st)
	}
	r.state = StateStarting
	r.mu.Unlock()

	ictx, cancel := context.WithTimeout(ctx, initTimeout)
	err := safeCall(ictx, r.plugin.Initialize)
	cancel()
	if err != nil {
		r.mu.Lock()
		r.state = StateError
		r.lastErr = err.Error()
		r.mu.Unlock()
		return fmt.Errorf("initialize %s: %w", r.plugin.Name(), err)
	}

	loopCtx, loopCancel := context.WithCancel(context.Background())

	r.mu.Lock()
	r.state = StateRunning
	r.paused = false
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	r.cancelLoop = loopCancel
	r.startedAt = time.Now()
	stopCh := r.stopCh
	doneCh := r.doneCh
	r.mu.Unlock()

	go r.loop(loopCtx, stopCh, doneCh)
	r.log.Info("plugin started", logx.Duration("interval", r.interval()))
	return nil
}

// requestStop signals the loop to exit. Safe to call from any state.
func (r *runner) requestStop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateRunning && r.state != StatePaused {
		return
	}
	r.state = StateStopping
	if r.stopCh != nil {
		close(r.stopCh)
		r.stopCh = nil
	}
}

// awaitStop waits for the loop to finish, up to timeout. On timeout the loop
// context is force-canceled and the plugin lands in StateError.
func (r *runner) awaitStop(timeout time.Duration) bool {
	r.mu.Lock()
	doneCh := r.doneCh
	r.mu.Unlock()
	if doneCh == nil {
		r.setState(StateStopped)
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-doneCh:
		r.setState(StateStopped)
		return true
	case <-timer.C:
		r.mu.Lock()
		if r.cancelLoop != nil {
			r.cancelLoop()
		}
		r.state = StateError
		r.lastErr = "stop timeout exceeded"
		r.mu.Unlock()
		r.log.Warn("plugin stop timed out; force-canceled", logx.Duration("timeout", timeout))
		return false
	}
}

func (r *runner) pause() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateRunning {
		return false
	}
	r.state = StatePaused
	r.paused = true
	return true
}

func (r *runner) resume() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StatePaused {
		return false
	}
	r.state = StateRunning
	r.paused = false
	return true
}

func (r *runner) interval() time.Duration {
	if d := r.plugin.CheckInterval(); d > 0 {
		return d
	}
	return defaultCheckInterval
}

// loop polls at CheckInterval until stopped. A failed cycle never exits the
// loop; it only bumps counters.
func (r *runner) loop(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		if err := safeCall(cctx, r.plugin.Cleanup); err != nil {
			r.log.Warn("plugin cleanup failed", logx.Err(err))
		}
		cancel()
	}()

	timer := time.NewTimer(r.interval())
	defer timer.Stop()

	for {
		r.mu.Lock()
		paused := r.paused
		r.mu.Unlock()
		if !paused {
			r.runCheck(ctx)
		}

		timer.Reset(r.interval())
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}
}

func (r *runner) runCheck(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, r.interval())
	err := safeCall(cctx, r.plugin.Check)
	cancel()

	r.mu.Lock()
	r.total++
	r.lastCheckAt = time.Now()
	if err != nil {
		r.failed++
		r.lastErr = err.Error()
	} else {
		r.success++
	}
	r.mu.Unlock()

	if err != nil {
		r.log.Warn("check failed", logx.Err(err))
	}
}

func (r *runner) stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := Stats{
		Name:          r.plugin.Name(),
		State:         r.state,
		TotalChecks:   r.total,
		SuccessChecks: r.success,
		FailedChecks:  r.failed,
		LastError:     r.lastErr,
		LastCheckAt:   r.lastCheckAt,
	}
	if r.total > 0 {
		st.SuccessRate = float64(r.success) / float64(r.total)
	}
	if (r.state == StateRunning || r.state == StatePaused) && !r.startedAt.IsZero() {
		st.Uptime = time.Since(r.startedAt)
	}
	return st
}

// safeCall invokes fn with panic recovery; a panic becomes an error.
func safeCall(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v\n%s", rec, debug.Stack())
		}
	}()
	return fn(ctx)
}
