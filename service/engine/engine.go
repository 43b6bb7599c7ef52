// Package engine drives detection and enforcement: one detection loop per
// packet source, a fast control loop for decay, enforcement and
// recalibration, and a slow maintenance loop for cleanup and rehabilitation.
package engine

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/tevino/abool"

	"github.com/safing/portguard/base/api"
	"github.com/safing/portguard/base/metrics"
	"github.com/safing/portguard/service/config"
	"github.com/safing/portguard/service/detection/portscan"
	"github.com/safing/portguard/service/enforcement"
	"github.com/safing/portguard/service/events"
	"github.com/safing/portguard/service/firewall/blocklist"
	"github.com/safing/portguard/service/intel/geoip"
	"github.com/safing/portguard/service/intel/threat"
	"github.com/safing/portguard/service/mgr"
	"github.com/safing/portguard/service/network/packet"
)

// Sensitivity levels applied by recalibration.
const (
	ElevatedSensitivity = 9

	elevateAbove = 100
	relaxBelow   = 10
)

// Engine is the detection and response module.
type Engine struct {
	mgr      *mgr.Manager
	instance instance
	cfg      config.Engine

	scans       *portscan.Store
	threats     *threat.Store
	coordinator *enforcement.Coordinator
	enricher    *geoip.Enricher

	baseSensitivity int

	running    *abool.AtomicBool
	loops      sync.WaitGroup
	enforceNow chan struct{}

	metrics *engineMetrics

	clockLock sync.Mutex
	now       func() time.Time
}

type instance interface {
	Config() *config.Config
	SecurityEvents() *mgr.EventMgr[events.SecurityEvent]
	Blocklist() *blocklist.Blocklist
	PacketSources() []packet.Source
	API() *api.API
	Metrics() *metrics.Registry
}

// New returns a new engine.
func New(instance instance) (*Engine, error) {
	cfg := instance.Config()

	scanSettings, err := portscan.SettingsFromConfig(cfg.Detection)
	if err != nil {
		return nil, fmt.Errorf("invalid detection config: %w", err)
	}
	scans, err := portscan.NewStore(scanSettings)
	if err != nil {
		return nil, fmt.Errorf("invalid detection config: %w", err)
	}

	enricher, err := geoip.Open(cfg.GeoIP)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		mgr:             mgr.New("Engine"),
		instance:        instance,
		cfg:             cfg.Engine,
		scans:           scans,
		threats:         threat.NewStore(threat.SettingsFromConfig(cfg.Intel)),
		enricher:        enricher,
		baseSensitivity: cfg.Detection.Sensitivity,
		running:         abool.New(),
		enforceNow:      make(chan struct{}, 1),
		now:             time.Now,
	}
	e.coordinator = enforcement.NewCoordinator(
		e.threats,
		instance.Blocklist().Filter(),
		events.SinkFunc(e.emit),
		enforcement.SettingsFromConfig(cfg.Enforcement),
	)

	if reg := instance.Metrics(); reg != nil {
		e.metrics, err = newEngineMetrics(reg, e)
		if err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
	}
	if a := instance.API(); a != nil {
		if err := e.registerAPIEndpoints(a); err != nil {
			return nil, fmt.Errorf("failed to register api endpoints: %w", err)
		}
	}

	return e, nil
}

// Manager returns the module manager.
func (e *Engine) Manager() *mgr.Manager {
	return e.mgr
}

// Start starts all loops.
func (e *Engine) Start() error {
	if !e.running.SetToIf(false, true) {
		return errors.New("already running")
	}

	sources := e.instance.PacketSources()
	if len(sources) == 0 {
		e.mgr.Warn("no packet sources, only enforcement maintenance is active")
	}
	for _, src := range sources {
		e.startLoop("detection loop "+src.Name(), func(w *mgr.WorkerCtx) error {
			return e.detectionLoop(w, src)
		})
	}
	e.startLoop("control loop", e.controlLoop)
	e.startLoop("maintenance loop", e.maintenanceLoop)
	return nil
}

// Stop clears the running flag and waits for the loops to notice it,
// at most for the shutdown grace period.
func (e *Engine) Stop() error {
	e.running.UnSet()

	done := make(chan struct{})
	go func() {
		e.loops.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(e.cfg.ShutdownGrace):
		e.mgr.Warn("loops did not stop within the shutdown grace period", "grace", e.cfg.ShutdownGrace)
	}

	return e.enricher.Close()
}

// Running returns whether the loops are running.
func (e *Engine) Running() bool {
	return e.running.IsSet()
}

func (e *Engine) startLoop(name string, fn func(w *mgr.WorkerCtx) error) {
	e.loops.Add(1)
	e.mgr.Go(name, func(w *mgr.WorkerCtx) error {
		defer e.loops.Done()
		return fn(w)
	})
}

// SetClock replaces the clock of the engine and of the enforcement coordinator.
func (e *Engine) SetClock(now func() time.Time) {
	e.clockLock.Lock()
	defer e.clockLock.Unlock()

	e.now = now
	e.coordinator.SetClock(now)
}

func (e *Engine) clock() time.Time {
	e.clockLock.Lock()
	defer e.clockLock.Unlock()

	return e.now()
}

// ScanProfiles returns the scan profile store.
func (e *Engine) ScanProfiles() *portscan.Store {
	return e.scans
}

// Threats returns the threat intelligence store.
func (e *Engine) Threats() *threat.Store {
	return e.threats
}

// Coordinator returns the enforcement coordinator.
func (e *Engine) Coordinator() *enforcement.Coordinator {
	return e.coordinator
}

// emit enriches an event and hands it to the event sink.
func (e *Engine) emit(evt events.SecurityEvent) {
	e.enricher.Enrich(&evt)
	if e.metrics != nil {
		e.metrics.countEvent(evt.Type)
	}
	e.instance.SecurityEvents().Submit(evt)
}

// HandleSegment runs a segment through detection and scoring.
func (e *Engine) HandleSegment(w *mgr.WorkerCtx, seg packet.Segment) {
	if e.metrics != nil {
		e.metrics.segments.Inc()
	}

	ts := seg.Timestamp
	if ts.IsZero() {
		ts = e.clock()
	}

	detected, err := e.scans.Ingest(seg.Src, seg.DstPort, seg.Flags, ts)
	if err != nil {
		if e.metrics != nil {
			e.metrics.skipped.Inc()
		}
		if errors.Is(err, portscan.ErrClassificationSkipped) {
			w.Debug("segment not classified", "src", seg.Src, "reason", err)
		} else {
			w.Warn("failed to classify segment", "segment", seg, "err", err)
		}
		return
	}

	var crossed bool
	for _, evt := range detected {
		e.enricher.Enrich(&evt)
		if profile, ok := e.threats.RecordEvent(evt); ok {
			if !profile.Blocked && profile.Score > e.threats.BlockThreshold() {
				crossed = true
			}
		}
		if e.metrics != nil {
			e.metrics.countEvent(evt.Type)
		}
		e.instance.SecurityEvents().Submit(evt)
	}

	// Let the control loop enforce right away instead of on its next tick.
	if crossed {
		select {
		case e.enforceNow <- struct{}{}:
		default:
		}
	}
}

// Recalibrate adjusts the detector sensitivity to the number of blocked
// sources. Above 100 blocked sources the level is raised to
// ElevatedSensitivity, below 10 it is reset to the configured
// detection.sensitivity, which defaults to the neutral level 5.
// Between the bounds the current level is kept.
func (e *Engine) Recalibrate(w *mgr.WorkerCtx) {
	blocked := e.threats.BlockedCount()
	current := e.scans.Sensitivity()

	target := current
	switch {
	case blocked > elevateAbove:
		target = ElevatedSensitivity
	case blocked < relaxBelow:
		target = e.baseSensitivity
	}
	if target == current {
		return
	}

	if err := e.scans.SetSensitivity(target); err != nil {
		w.Warn("failed to recalibrate sensitivity", "level", target, "err", err)
		return
	}

	evt := events.New(e.clock(), netip.Addr{}, events.SensitivityChanged, events.ThreatLevel{
		Severity:   1,
		Confidence: 1,
		Category:   events.Operational,
	}, events.ActionNone, fmt.Sprintf("sensitivity changed from %d to %d with %d blocked sources", current, target, blocked))
	evt.SetAttr("blocked_sources", fmt.Sprint(blocked))
	e.emit(evt)
}
