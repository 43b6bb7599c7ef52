package mgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"strings"
	"time"
)

// WorkerCtx provides workers with the necessary environment for flow control
// and logging.
type WorkerCtx struct {
	name string

	ctx       context.Context
	cancelCtx context.CancelFunc

	logger *slog.Logger
}

// Name returns the name of the worker.
func (w *WorkerCtx) Name() string {
	return w.name
}

// Ctx returns the worker context.
// Is automatically canceled after the worker stops/returns, regardless of error.
func (w *WorkerCtx) Ctx() context.Context {
	return w.ctx
}

// Cancel cancels the worker context.
func (w *WorkerCtx) Cancel() {
	w.cancelCtx()
}

// Done returns the context Done channel.
func (w *WorkerCtx) Done() <-chan struct{} {
	return w.ctx.Done()
}

// IsDone checks whether the worker context is done.
func (w *WorkerCtx) IsDone() bool {
	return w.ctx.Err() != nil
}

// Logger returns the logger used by the worker context.
func (w *WorkerCtx) Logger() *slog.Logger {
	return w.logger
}

// Debug logs at LevelDebug.
// The worker context is automatically supplied.
func (w *WorkerCtx) Debug(msg string, args ...any) {
	w.logger.DebugContext(w.ctx, msg, args...)
}

// Info logs at LevelInfo.
// The worker context is automatically supplied.
func (w *WorkerCtx) Info(msg string, args ...any) {
	w.logger.InfoContext(w.ctx, msg, args...)
}

// Warn logs at LevelWarn.
// The worker context is automatically supplied.
func (w *WorkerCtx) Warn(msg string, args ...any) {
	w.logger.WarnContext(w.ctx, msg, args...)
}

// Error logs at LevelError.
// The worker context is automatically supplied.
func (w *WorkerCtx) Error(msg string, args ...any) {
	w.logger.ErrorContext(w.ctx, msg, args...)
}

// Go starts the given function in a goroutine (as a "worker").
// The worker context has
// - A separate context which is canceled when the functions returns.
// - Access to named structure logging.
// - Given function is re-run after failure (with backoff).
// - Panic catching.
func (m *Manager) Go(name string, fn func(w *WorkerCtx) error) {
	// Count the worker before the goroutine is scheduled, so that
	// WaitForWorkers cannot miss it.
	m.workerStart()
	go m.manageWorker(name, fn)
}

func (m *Manager) newWorkerCtx(name string) *WorkerCtx {
	return &WorkerCtx{
		name:   name,
		ctx:    m.ctx,
		logger: m.logger.With("worker", name),
	}
}

func (m *Manager) manageWorker(name string, fn func(w *WorkerCtx) error) {
	defer m.workerDone()

	w := m.newWorkerCtx(name)
	backoff := time.Second
	failCnt := 0

	for {
		panicInfo, err := m.runWorker(w, fn)
		switch {
		case err == nil:
			// No error means that the worker is finished.
			return

		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			// A canceled context or exceeded deadline also means that the worker is finished.
			return

		default:
			// If manager is stopping, just log error and return.
			if m.IsDone() {
				w.Error("worker failed", "err", err, "file", panicInfo)
				return
			}

			// Count failure and increase backoff (up to limit).
			failCnt++
			backoff *= 2
			if backoff > time.Minute {
				backoff = time.Minute
			}

			w.Error(
				"worker failed",
				"failCnt", failCnt,
				"backoff", backoff,
				"err", err,
				"file", panicInfo,
			)
			select {
			case <-time.After(backoff):
			case <-m.ctx.Done():
				return
			}
		}
	}
}

// Do directly executes the given function (as a "worker").
// Errors are logged and returned, panics are recovered.
func (m *Manager) Do(name string, fn func(w *WorkerCtx) error) error {
	m.workerStart()
	defer m.workerDone()

	w := m.newWorkerCtx(name)
	panicInfo, err := m.runWorker(w, fn)
	switch {
	case err == nil:
		return nil

	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err

	default:
		w.Error("worker failed", "err", err, "file", panicInfo)
		return err
	}
}

func (m *Manager) runWorker(w *WorkerCtx, fn func(w *WorkerCtx) error) (panicInfo string, err error) {
	// Create worker context that is canceled when worker finished or dies.
	parentCtx := w.ctx
	w.ctx, w.cancelCtx = context.WithCancel(parentCtx)
	defer func() {
		w.cancelCtx()
		w.ctx = parentCtx
	}()

	// Recover from panic.
	defer func() {
		panicVal := recover()
		if panicVal != nil {
			err = fmt.Errorf("panic: %s", panicVal)

			// Print panic to stderr.
			stackTrace := string(debug.Stack())
			fmt.Fprintf(
				os.Stderr,
				"===== PANIC =====\n%s\n\n%s=====  END  =====\n",
				panicVal,
				stackTrace,
			)
			panicInfo = findPanicLocation(stackTrace)
		}
	}()

	err = fn(w)
	return //nolint
}

// findPanicLocation returns the first file:line of our own code below the
// panic call in the given stack trace.
func findPanicLocation(stackTrace string) string {
	stackLines := strings.Split(stackTrace, "\n")
	foundPanic := false
	for i, line := range stackLines {
		if !foundPanic {
			if strings.Contains(line, "panic(") {
				foundPanic = true
			}
			continue
		}
		if strings.Contains(line, "portguard") && i+1 < len(stackLines) {
			return strings.SplitN(strings.TrimSpace(stackLines[i+1]), " ", 2)[0]
		}
	}
	return ""
}

// Repeat executes the given function periodically in a goroutine (as a "worker").
// Errors and panics are logged, the schedule continues afterwards.
func (m *Manager) Repeat(name string, period time.Duration, fn func(w *WorkerCtx) error) *WorkerMgr {
	return m.NewWorkerMgr(name, fn, nil).Repeat(period)
}

// Delay starts the given function delayed in a goroutine (as a "worker").
func (m *Manager) Delay(name string, period time.Duration, fn func(w *WorkerCtx) error) *WorkerMgr {
	return m.NewWorkerMgr(name, fn, nil).Delay(period)
}
