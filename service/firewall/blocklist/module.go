package blocklist

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/safing/portguard/service/config"
	"github.com/safing/portguard/service/mgr"
)

const expiryInterval = 10 * time.Second

// Backend is a Filter with a lifecycle.
type Backend interface {
	Filter
	Setup(ctx context.Context) error
	Teardown(ctx context.Context) error
	Expire(ctx context.Context, now time.Time) ([]netip.Addr, error)
	Records() []Record
	// SetLockdown enables or releases the lockdown, which drops all new
	// connections except on loopback. It reports whether the state changed.
	SetLockdown(ctx context.Context, enabled bool) (changed bool, err error)
	Lockdown() bool
}

// backuper is a Backend that can save the system rules.
type backuper interface {
	Backup(dir string, now time.Time) (string, error)
}

// Blocklist is the packet filter module.
type Blocklist struct {
	mgr     *mgr.Manager
	backend Backend

	clearOnExit bool
	backupDir   string
}

// New returns the blocklist module with the backend selected by the configuration.
func New(cfg config.Enforcement) (*Blocklist, error) {
	var backend Backend
	if cfg.DryRun {
		backend = NewMemory()
	} else {
		ipt, err := NewIPTables(cfg)
		if err != nil {
			return nil, err
		}
		backend = ipt
	}

	b := NewWithBackend(backend, cfg.ClearOnExit)
	if cfg.BackupOnStart {
		b.backupDir = cfg.BackupDir
	}
	return b, nil
}

// NewWithBackend returns the blocklist module using the given backend.
func NewWithBackend(backend Backend, clearOnExit bool) *Blocklist {
	return &Blocklist{
		mgr:         mgr.New("Blocklist"),
		backend:     backend,
		clearOnExit: clearOnExit,
	}
}

// Manager returns the module manager.
func (b *Blocklist) Manager() *mgr.Manager {
	return b.mgr
}

// Start prepares the backend and starts expiring temporary blocks.
// A backend that cannot be set up is fatal.
func (b *Blocklist) Start() error {
	// Save the rules as they were before any of ours are installed.
	// A failed backup is not fatal.
	if bu, ok := b.backend.(backuper); ok && b.backupDir != "" {
		path, err := bu.Backup(b.backupDir, time.Now())
		if err != nil {
			b.mgr.Warn("failed to back up iptables rules", "err", err)
		} else {
			b.mgr.Info("backed up iptables rules", "path", path)
		}
	}

	if err := b.backend.Setup(b.mgr.Ctx()); err != nil {
		return fmt.Errorf("packet filter unreachable: %w", err)
	}

	b.mgr.Repeat("expire temporary blocks", expiryInterval, b.expire)
	return nil
}

// Stop removes all rules if configured to do so.
func (b *Blocklist) Stop() error {
	if b.clearOnExit {
		return b.backend.Teardown(context.Background())
	}
	return nil
}

// Filter returns the packet filter.
func (b *Blocklist) Filter() Filter {
	return b.backend
}

// Records returns all live enforcement records.
func (b *Blocklist) Records() []Record {
	return b.backend.Records()
}

// SetLockdown enables or releases the lockdown and reports whether the
// state changed.
func (b *Blocklist) SetLockdown(ctx context.Context, enabled bool) (changed bool, err error) {
	changed, err = b.backend.SetLockdown(ctx, enabled)
	if changed {
		if enabled {
			b.mgr.Warn("lockdown enabled, dropping all new connections")
		} else {
			b.mgr.Info("lockdown released")
		}
	}
	return changed, err
}

// Lockdown returns whether the lockdown is active.
func (b *Blocklist) Lockdown() bool {
	return b.backend.Lockdown()
}

func (b *Blocklist) expire(w *mgr.WorkerCtx) error {
	expired, err := b.backend.Expire(w.Ctx(), time.Now())
	for _, addr := range expired {
		w.Info("temporary block expired", "src", addr)
	}
	return err
}
