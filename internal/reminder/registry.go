package reminder

import (
	"log/slog"
	"sync"
	"time"
)

// TimerHandle is a cancellable one-shot timer.
type TimerHandle interface {
	Stop() bool
}

// TimerFactory arms a one-shot timer that runs fn after d.
type TimerFactory func(d time.Duration, fn func()) (TimerHandle, error)

func StdTimerFactory(d time.Duration, fn func()) (TimerHandle, error) {
	return time.AfterFunc(d, fn), nil
}

// Registry keeps at most one live timer per key. Lifecycle per key:
// {no timer} -> Schedule -> {pending} -> fire or Cancel -> {no timer}.
// Timers live only in this process; a restart loses them, which the daily
// sweep and the immediate-send fallback compensate for.
type Registry struct {
	logger   *slog.Logger
	newTimer TimerFactory
	now      func() time.Time

	mu     sync.Mutex
	timers map[string]TimerHandle
}

func NewRegistry(logger *slog.Logger, factory TimerFactory, now func() time.Time) *Registry {
	if factory == nil {
		factory = StdTimerFactory
	}
	if now == nil {
		now = time.Now
	}
	return &Registry{
		logger:   logger,
		newTimer: factory,
		now:      now,
		timers:   map[string]TimerHandle{},
	}
}

// Schedule arms a one-shot timer for key at fireAt. Registration is
// idempotent: a second call for a live key logs and reports false without
// touching the existing timer. The timer deregisters itself before running
// fn, so the key can be scheduled again afterwards.
func (r *Registry) Schedule(key string, fireAt time.Time, fn func()) bool {
	r.mu.Lock()
	if _, exists := r.timers[key]; exists {
		r.mu.Unlock()
		r.logger.Info("timer already registered", "key", key)
		return false
	}

	delay := fireAt.Sub(r.now())
	if delay < 0 {
		delay = 0
	}

	handle, err := r.newTimer(delay, func() {
		r.remove(key)
		fn()
	})
	if err != nil {
		r.mu.Unlock()
		// Degraded mode: untracked one-shot. A duplicate send becomes
		// possible here; the durable claim is the remaining gate.
		r.logger.Error("timer registration failed, falling back to bare delay", "key", key, "err", err)
		time.AfterFunc(delay, fn)
		return true
	}

	r.timers[key] = handle
	r.mu.Unlock()
	return true
}

// Cancel stops and removes a pending timer. Reports whether one existed.
func (r *Registry) Cancel(key string) bool {
	r.mu.Lock()
	handle, ok := r.timers[key]
	if ok {
		delete(r.timers, key)
	}
	r.mu.Unlock()
	if ok {
		handle.Stop()
	}
	return ok
}

// Len reports the number of pending timers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}

func (r *Registry) remove(key string) {
	r.mu.Lock()
	delete(r.timers, key)
	r.mu.Unlock()
}
