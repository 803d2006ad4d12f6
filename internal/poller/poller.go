// Package poller runs a unit of work on a fixed interval until the work
// reports that it is finished or the poller is cancelled.
package poller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"
)

// Result tells the poller what to do after an invocation.
type Result int

const (
	// Continue keeps the poller running.
	Continue Result = iota
	// Done stops the poller; the work completed.
	Done
	// Failed stops the poller; the work hit an error it cannot recover from.
	Failed
)

func (r Result) String() string {
	switch r {
	case Continue:
		return "continue"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("result(%d)", int(r))
	}
}

// Func is invoked once per tick. The context is cancelled when the handle is.
// A non-nil error is logged; it does not stop the poller unless the result does.
type Func func(ctx context.Context) (Result, error)

// Option configures a Handle.
type Option func(*Handle)

// Immediately makes the first invocation happen right away instead of after
// the first interval.
func Immediately() Option {
	return func(h *Handle) { h.immediate = true }
}

// WithLogger sets the logger used for errors returned by the work.
func WithLogger(l *zap.Logger) Option {
	return func(h *Handle) {
		if l != nil {
			h.log = l
		}
	}
}

// WithName labels log lines emitted for this poller.
func WithName(name string) Option {
	return func(h *Handle) { h.name = name }
}

// Handle controls a scheduled poller.
type Handle struct {
	clk       clock.Clock
	interval  time.Duration
	fn        Func
	log       *zap.Logger
	name      string
	immediate bool

	ctx    context.Context
	cancel context.CancelFunc
	stop   chan struct{}
	done   chan struct{}

	mu      sync.Mutex
	stopped bool
	result  Result
}

// Schedule starts invoking fn every interval on its own goroutine.
func Schedule(clk clock.Clock, interval time.Duration, fn Func, opts ...Option) *Handle {
	if clk == nil {
		clk = clock.WallClock
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		clk:      clk,
		interval: interval,
		fn:       fn,
		log:      zap.L(),
		ctx:      ctx,
		cancel:   cancel,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	h.log = h.log.With(zap.String("poller", h.name))
	go h.loop()
	return h
}

// Cancel stops future invocations without waiting. It is idempotent and may
// be called from inside the work itself. An invocation already admitted sees
// its context cancelled but may still be running when Cancel returns.
func (h *Handle) Cancel() {
	if h == nil {
		return
	}
	h.mu.Lock()
	h.stopLocked()
	h.mu.Unlock()
}

// Stop cancels the poller and waits for its goroutine to exit, so no
// invocation is running or starts once it returns. It must not be called
// from the work itself.
func (h *Handle) Stop() {
	if h == nil {
		return
	}
	h.Cancel()
	<-h.done
}

// Done is closed once the poller goroutine has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Stopped reports whether the poller was cancelled or finished.
func (h *Handle) Stopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}

// Result returns the result that stopped the poller. It is Continue while the
// poller runs and after an external Cancel.
func (h *Handle) Result() Result {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result
}

func (h *Handle) stopLocked() {
	if h.stopped {
		return
	}
	h.stopped = true
	close(h.stop)
	h.cancel()
}

func (h *Handle) loop() {
	defer close(h.done)
	if !h.immediate && !h.wait() {
		return
	}
	for h.tick() {
		if !h.wait() {
			return
		}
	}
}

func (h *Handle) wait() bool {
	select {
	case <-h.stop:
		return false
	case <-h.clk.After(h.interval):
		return true
	}
}

// tick runs one invocation and reports whether the poller should keep going.
func (h *Handle) tick() bool {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return false
	}
	h.mu.Unlock()

	res, err := h.invoke()
	switch res {
	case Done, Failed:
		if err != nil {
			h.log.Error("poller stopped with error", zap.Stringer("result", res), zap.Error(err))
		}
		h.mu.Lock()
		h.result = res
		h.stopLocked()
		h.mu.Unlock()
		return false
	default:
		if err != nil {
			h.log.Warn("poll failed, retrying", zap.Duration("interval", h.interval), zap.Error(err))
		}
		return true
	}
}

func (h *Handle) invoke() (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = Continue, fmt.Errorf("panic: %v", r)
		}
	}()
	return h.fn(h.ctx)
}
