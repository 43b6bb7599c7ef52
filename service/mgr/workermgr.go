package mgr

import (
	"context"
	"errors"
	"sync"
	"time"
)

// WorkerMgr schedules a worker.
type WorkerMgr struct {
	mgr *Manager
	ctx *WorkerCtx

	// Definition.
	name    string
	fn      func(w *WorkerCtx) error
	errorFn func(w *WorkerCtx, err error, panicInfo string)

	// Manual trigger.
	run chan struct{}

	// Actions.
	actionLock   sync.Mutex
	selectAction chan struct{}
	delay        *time.Timer
	repeat       *time.Ticker
	interval     time.Duration
}

// NewWorkerMgr creates a new scheduler for the given worker function.
// Errors and panic will only be logged by default.
// If custom behavior is required, supply an errorFn.
// If all scheduling has ended, the scheduler will end itself.
func (m *Manager) NewWorkerMgr(name string, fn func(w *WorkerCtx) error, errorFn func(w *WorkerCtx, err error, panicInfo string)) *WorkerMgr {
	wCtx := m.newWorkerCtx(name)
	wCtx.ctx, wCtx.cancelCtx = context.WithCancel(m.Ctx())

	s := &WorkerMgr{
		mgr:          m,
		ctx:          wCtx,
		name:         name,
		fn:           fn,
		errorFn:      errorFn,
		run:          make(chan struct{}, 1),
		selectAction: make(chan struct{}, 1),
	}

	m.workerStart()
	go s.taskMgr()
	return s
}

func (s *WorkerMgr) taskMgr() {
	defer s.mgr.workerDone()

	// If the task manager ends, end all descendants too.
	defer s.ctx.cancelCtx()
	defer func() {
		s.actionLock.Lock()
		defer s.actionLock.Unlock()
		if s.delay != nil {
			s.delay.Stop()
		}
		if s.repeat != nil {
			s.repeat.Stop()
		}
	}()

	// Wait for the first action.
	select {
	case <-s.selectAction:
	case <-s.ctx.Done():
		return
	}

manage:
	for {
		// Select action.
		var (
			delayC  <-chan time.Time
			repeatC <-chan time.Time
		)
		s.actionLock.Lock()
		if s.delay != nil {
			delayC = s.delay.C
		}
		if s.repeat != nil {
			repeatC = s.repeat.C
		}
		s.actionLock.Unlock()
		if delayC == nil && repeatC == nil {
			return
		}

		// Wait for trigger or action.
		select {
		case <-delayC:
			// A delay only fires once, a set repeat continues from here.
			s.actionLock.Lock()
			s.delay = nil
			if s.repeat != nil {
				s.repeat.Reset(s.interval)
			}
			s.actionLock.Unlock()
		case <-repeatC:
		case <-s.run:
			// Manually triggered execution.
		case <-s.selectAction:
			continue manage
		case <-s.ctx.Done():
			return
		}

		s.runOnce()
	}
}

func (s *WorkerMgr) runOnce() {
	wCtx := s.mgr.newWorkerCtx(s.name)
	wCtx.ctx = s.ctx.ctx
	panicInfo, err := s.mgr.runWorker(wCtx, s.fn)

	switch {
	case err == nil:
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// Worker was canceled, continue with scheduling.
	default:
		s.ctx.Error("worker failed", "err", err, "file", panicInfo)

		// Delegate error handling to the error function, otherwise just continue the scheduler.
		// The error handler can stop the scheduler if it wants to.
		if s.errorFn != nil {
			s.errorFn(s.ctx, err, panicInfo)
		}
	}
}

// Go executes the worker immediately.
// If the worker is currently being executed,
// the next execution will commence afterwards.
func (s *WorkerMgr) Go() {
	s.actionLock.Lock()
	defer s.actionLock.Unlock()

	if s.repeat != nil {
		s.repeat.Reset(s.interval)
	}
	select {
	case s.run <- struct{}{}:
	default:
	}
}

// Stop immediately stops the scheduler and all related workers.
func (s *WorkerMgr) Stop() {
	s.ctx.cancelCtx()
}

// Delay will schedule the worker to run after the given duration.
// If set, the repeat schedule will continue afterwards.
func (s *WorkerMgr) Delay(duration time.Duration) *WorkerMgr {
	s.actionLock.Lock()
	defer s.actionLock.Unlock()

	if s.delay != nil {
		s.delay.Stop()
	}
	s.delay = time.NewTimer(duration)

	s.check()
	return s
}

// Repeat will repeatedly execute the worker using the given interval.
func (s *WorkerMgr) Repeat(interval time.Duration) *WorkerMgr {
	s.actionLock.Lock()
	defer s.actionLock.Unlock()

	if s.repeat != nil {
		s.repeat.Stop()
	}
	s.interval = interval
	s.repeat = time.NewTicker(interval)

	s.check()
	return s
}

func (s *WorkerMgr) check() {
	select {
	case s.selectAction <- struct{}{}:
	default:
	}
}
