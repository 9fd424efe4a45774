// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package timerwheel drives the engine's durable (fireAt, kind,
// subjectId) timers: join/foreach deadlines, external-callback
// timeouts, and webhook retry backoffs. It ticks at coarse granularity
// and fires lazily when a timer is due, rather than arming one
// in-process timer per subject.
package timerwheel

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tombee/conductor/pkg/workflow"
)

// Handler reacts to one fired timer. The wheel calls it on a pool
// goroutine; the handler owns its own error handling and logging.
type Handler func(ctx context.Context, timer *workflow.Timer)

// Wheel polls Store.DueTimers once per tick and dispatches each fired
// timer to the handler registered for its kind.
type Wheel struct {
	store    workflow.Store
	tick     time.Duration
	logger   *slog.Logger
	dispatch func(func())

	mu       sync.RWMutex
	handlers map[workflow.TimerKind]Handler

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a wheel that polls store every tick (a tick below 100ms,
// including zero, falls back to one second) and hands fired timers to dispatch — the caller's function for
// running work off the polling goroutine (typically workpool.Pool.Submit
// wrapped to discard the error, or a direct `go`).
func New(store workflow.Store, tick time.Duration, dispatch func(func()), logger *slog.Logger) *Wheel {
	if tick < 100*time.Millisecond {
		tick = time.Second
	}
	if dispatch == nil {
		dispatch = func(f func()) { go f() }
	}
	return &Wheel{
		store:    store,
		tick:     tick,
		dispatch: dispatch,
		logger:   logger,
		handlers: make(map[workflow.TimerKind]Handler),
	}
}

// OnKind registers the handler invoked for timers of the given kind.
// Call before Start; registration is not safe to race with ticking.
func (w *Wheel) OnKind(kind workflow.TimerKind, handler Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[kind] = handler
}

// Start begins ticking until ctx is cancelled or Stop is called.
func (w *Wheel) Start(ctx context.Context) {
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	go w.run(ctx)
}

// Stop halts the tick loop and waits for the current tick to finish.
func (w *Wheel) Stop() {
	if w.stopCh == nil {
		return
	}
	close(w.stopCh)
	<-w.doneCh
}

func (w *Wheel) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case now := <-ticker.C:
			w.fireDue(ctx, now)
		}
	}
}

func (w *Wheel) fireDue(ctx context.Context, now time.Time) {
	due, err := w.store.DueTimers(ctx, now)
	if err != nil {
		if w.logger != nil {
			w.logger.Error("timer wheel failed to list due timers", "error", err)
		}
		return
	}

	for _, timer := range due {
		timer := timer
		w.mu.RLock()
		handler, ok := w.handlers[timer.Kind]
		w.mu.RUnlock()

		if err := w.store.MarkTimerFired(ctx, timer.ID); err != nil {
			if w.logger != nil {
				w.logger.Error("timer wheel failed to mark timer fired", "timer_id", timer.ID, "error", err)
			}
			continue
		}
		if !ok {
			if w.logger != nil {
				w.logger.Warn("timer wheel has no handler for kind", "kind", timer.Kind, "timer_id", timer.ID)
			}
			continue
		}
		w.dispatch(func() { handler(ctx, timer) })
	}
}
