package engine

import (
	"time"

	"github.com/safing/portguard/service/mgr"
	"github.com/safing/portguard/service/network/packet"
)

// detectionLoop feeds the segments of one source into detection. It waits
// at most the poll timeout for a segment so that it notices a cleared
// running flag quickly.
func (e *Engine) detectionLoop(w *mgr.WorkerCtx, src packet.Source) error {
	poll := time.NewTicker(e.cfg.PollTimeout)
	defer poll.Stop()

	segments := src.Segments()
	for e.running.IsSet() {
		select {
		case seg := <-segments:
			e.HandleSegment(w, seg)
		case <-poll.C:
		case <-w.Done():
			return nil
		}
	}
	return nil
}

func (e *Engine) controlLoop(w *mgr.WorkerCtx) error {
	tick := time.NewTicker(e.cfg.ControlInterval)
	defer tick.Stop()

	for e.running.IsSet() {
		select {
		case <-tick.C:
		case <-e.enforceNow:
		case <-w.Done():
			return nil
		}
		e.ControlTick(w, e.clock())
	}
	return nil
}

func (e *Engine) maintenanceLoop(w *mgr.WorkerCtx) error {
	tick := time.NewTicker(e.cfg.MaintenanceInterval)
	defer tick.Stop()

	for e.running.IsSet() {
		select {
		case <-tick.C:
		case <-w.Done():
			return nil
		}
		e.MaintenanceTick(w, e.clock())
	}
	return nil
}

// ControlTick decays threat scores, enforces blocks and recalibrates the
// detectors. Errors are logged and do not stop the loop.
func (e *Engine) ControlTick(w *mgr.WorkerCtx, now time.Time) {
	e.threats.DecayTick(now)

	if n, err := e.coordinator.Enforce(w.Ctx()); err != nil {
		w.Error("failed to enforce blocks", "blocked", n, "err", err)
	} else if n > 0 {
		w.Info("enforced blocks", "blocked", n)
	}

	e.Recalibrate(w)
}

// MaintenanceTick removes old scan profiles, rehabilitates sources whose
// block is eligible to be lifted and reinstalls lost enforcements.
func (e *Engine) MaintenanceTick(w *mgr.WorkerCtx, now time.Time) {
	if removed := e.scans.Sweep(now); removed > 0 {
		w.Debug("swept scan profiles", "removed", removed)
	}

	if n, err := e.coordinator.Rehabilitate(w.Ctx(), now); err != nil {
		w.Error("failed to rehabilitate sources", "unblocked", n, "err", err)
	} else if n > 0 {
		w.Info("rehabilitated sources", "unblocked", n)
	}

	if n, err := e.coordinator.Reconcile(w.Ctx(), now); err != nil {
		w.Error("failed to reinstall enforcements", "reinstalled", n, "err", err)
	} else if n > 0 {
		w.Info("reinstalled enforcements", "reinstalled", n)
	}
}
