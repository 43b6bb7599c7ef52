package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/safing/portguard/service/mgr"
)

// AuditLog writes all security events to the log and, optionally, as JSON
// lines to an audit file.
type AuditLog struct {
	mgr      *mgr.Manager
	instance instance

	path string
	lock sync.Mutex
	file *os.File
	sub  *mgr.EventSubscription[SecurityEvent]
}

type instance interface {
	SecurityEvents() *mgr.EventMgr[SecurityEvent]
}

// NewAuditLog returns a new audit log module.
// An empty path only logs events.
func NewAuditLog(instance instance, path string) *AuditLog {
	return &AuditLog{
		mgr:      mgr.New("AuditLog"),
		instance: instance,
		path:     path,
	}
}

// Manager returns the module manager.
func (a *AuditLog) Manager() *mgr.Manager {
	return a.mgr
}

// Start opens the audit file and starts consuming events.
func (a *AuditLog) Start() error {
	if a.path != "" {
		if err := os.MkdirAll(filepath.Dir(a.path), 0o0750); err != nil {
			return fmt.Errorf("failed to create audit log dir: %w", err)
		}
		f, err := os.OpenFile(a.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o0640)
		if err != nil {
			return fmt.Errorf("failed to open audit log: %w", err)
		}
		a.file = f
	}

	a.sub = a.instance.SecurityEvents().Subscribe("audit log", 1024)
	a.mgr.Go("audit writer", a.writer)
	return nil
}

// Stop stops consuming events. The writer drains queued events and closes
// the audit file once the manager is canceled.
func (a *AuditLog) Stop() error {
	if a.sub != nil {
		a.sub.Cancel()
	}
	return nil
}

func (a *AuditLog) writer(w *mgr.WorkerCtx) error {
	defer a.closeFile(w)

	for {
		select {
		case <-w.Done():
			// Drain what is already queued.
			for {
				select {
				case event := <-a.sub.Events():
					a.Record(w.Logger(), event)
				default:
					return nil
				}
			}
		case event := <-a.sub.Events():
			a.Record(w.Logger(), event)
		}
	}
}

func (a *AuditLog) closeFile(w *mgr.WorkerCtx) {
	a.lock.Lock()
	defer a.lock.Unlock()

	if a.file != nil {
		if err := a.file.Close(); err != nil {
			w.Warn("failed to close audit log", "err", err)
		}
		a.file = nil
	}
}

// Record logs the event and appends it to the audit file.
func (a *AuditLog) Record(logger *slog.Logger, event SecurityEvent) {
	logger.Log(a.mgr.Ctx(), levelOf(event), event.Details,
		"event", event.Type,
		"src", event.Source,
		"severity", event.ThreatLevel.Severity,
		"confidence", event.ThreatLevel.Confidence,
		"category", event.ThreatLevel.Category,
		"action", event.Action,
	)

	a.lock.Lock()
	defer a.lock.Unlock()
	if a.file == nil {
		return
	}
	line, err := json.Marshal(event)
	if err != nil {
		logger.Warn("failed to encode security event", "err", err)
		return
	}
	line = append(line, '\n')
	if _, err := a.file.Write(line); err != nil {
		logger.Warn("failed to write audit log", "err", err)
	}
}

func levelOf(event SecurityEvent) slog.Level {
	switch {
	case event.Type == FilterCommandFailed:
		return slog.LevelError
	case event.ThreatLevel.Severity >= 7:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}
