package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// LifecycleRunner keeps the process alive for the duration of a training
// session. Run blocks until the context is cancelled, then gives the
// drainer a bounded window to settle the in-flight call before the process
// exits. Stop is safe to call from a signal handler.
type LifecycleRunner struct {
	drainer Drainer
	hooks   Hooks
	timeout time.Duration

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func NewLifecycleRunner(drainer Drainer, hooks Hooks, timeout time.Duration) *LifecycleRunner {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &LifecycleRunner{
		drainer: drainer,
		hooks:   hooks,
		timeout: timeout,
		state:   StateNew,
		done:    make(chan struct{}),
	}
}

func (r *LifecycleRunner) Run(ctx context.Context) error {
	r.mu.Lock()
	if r.state != StateNew {
		r.mu.Unlock()
		return errors.New("runner already started")
	}
	r.state = StateStarting
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.mu.Unlock()

	PrintBanner()
	if r.hooks.OnStart != nil {
		r.hooks.OnStart()
	}
	// A Stop racing the startup may already have begun draining; never
	// regress the state if so.
	r.mu.Lock()
	if r.state == StateStarting {
		r.state = StateRunning
	}
	r.mu.Unlock()

	<-ctx.Done()
	return r.shutdown()
}

// Stop cancels a blocked Run and waits for the drain to finish. Both Run
// and Stop return the same shutdown error.
func (r *LifecycleRunner) Stop() error {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return r.shutdown()
}

func (r *LifecycleRunner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// shutdown drains in-flight work exactly once; concurrent callers wait for
// the first one to finish.
func (r *LifecycleRunner) shutdown() error {
	r.mu.Lock()
	if r.state == StateDraining || r.state == StateStopped {
		done := r.done
		r.mu.Unlock()
		<-done
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.err
	}
	r.state = StateDraining
	r.mu.Unlock()

	if r.drainer != nil {
		drained := make(chan error, 1)
		go func() { drained <- r.drainer.Drain() }()
		select {
		case err := <-drained:
			if err != nil {
				r.setErr(fmt.Errorf("shutdown drain: %w", err))
			}
		case <-time.After(r.timeout):
			r.setErr(fmt.Errorf("shutdown drain timed out after %s", r.timeout))
		}
	}
	if r.hooks.OnStop != nil {
		r.hooks.OnStop()
	}

	r.mu.Lock()
	r.state = StateStopped
	err := r.err
	r.mu.Unlock()
	close(r.done)
	return err
}

func (r *LifecycleRunner) setErr(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}
