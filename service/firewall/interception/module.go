// Package interception feeds inbound TCP segments from the kernel to the
// detectors.
package interception

import (
	"errors"
	"fmt"

	"github.com/safing/portguard/service/config"
	"github.com/safing/portguard/service/mgr"
	"github.com/safing/portguard/service/network/packet"
)

// ErrUnsupported is returned on platforms without packet interception.
var ErrUnsupported = errors.New("packet interception is not supported on this platform")

// Interception is the packet interception module.
type Interception struct {
	mgr *mgr.Manager
	cfg config.Interception

	queues  []queue
	sources []packet.Source
}

// queue is an open queue of the platform.
type queue interface {
	packet.Source
	Destroy()
}

// New returns a new interception module.
func New(cfg config.Interception) *Interception {
	return &Interception{
		mgr: mgr.New("Interception"),
		cfg: cfg,
	}
}

// Manager returns the module manager.
func (i *Interception) Manager() *mgr.Manager {
	return i.mgr
}

// Start installs the queue rules and opens the queues.
func (i *Interception) Start() error {
	if !i.cfg.Enabled {
		i.mgr.Warn("packet interception is disabled, no traffic will be inspected")
		return nil
	}

	queues := queueSpecs(i.cfg.QueueBase, i.cfg.Interfaces)
	if err := activate(queues); err != nil {
		return fmt.Errorf("failed to install queue rules: %w", err)
	}

	for _, qs := range queues {
		q, err := openQueue(qs)
		if err != nil {
			i.destroyQueues()
			_ = deactivate()
			return err
		}
		i.queues = append(i.queues, q)
		i.sources = append(i.sources, q)
		i.mgr.Info("inspecting inbound tcp", "queue", q.Name())
	}
	return nil
}

// Stop closes the queues and removes the queue rules.
func (i *Interception) Stop() error {
	if !i.cfg.Enabled {
		return nil
	}

	i.destroyQueues()
	if err := deactivate(); err != nil {
		return fmt.Errorf("failed to remove queue rules: %w", err)
	}
	return nil
}

func (i *Interception) destroyQueues() {
	for _, q := range i.queues {
		q.Destroy()
	}
	i.queues = nil
	i.sources = nil
}

// Sources returns the packet sources, one per monitored interface.
func (i *Interception) Sources() []packet.Source {
	return i.sources
}
