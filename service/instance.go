package service

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/safing/portguard/base/api"
	"github.com/safing/portguard/base/info"
	"github.com/safing/portguard/base/metrics"
	"github.com/safing/portguard/service/config"
	"github.com/safing/portguard/service/engine"
	"github.com/safing/portguard/service/events"
	"github.com/safing/portguard/service/firewall/blocklist"
	"github.com/safing/portguard/service/firewall/interception"
	"github.com/safing/portguard/service/mgr"
	"github.com/safing/portguard/service/network/packet"
)

// Instance is an instance of the portguard service.
type Instance struct {
	ctx          context.Context
	cancelCtx    context.CancelFunc
	serviceGroup *mgr.Group

	exitCode atomic.Int32

	cfg *config.Config

	securityEvents *mgr.EventMgr[events.SecurityEvent]
	metrics        *metrics.Registry

	audit        *events.AuditLog
	blocklist    *blocklist.Blocklist
	interception *interception.Interception
	engine       *engine.Engine
	api          *api.API
}

// New returns a new portguard service instance.
func New(cfg *config.Config) (*Instance, error) {
	// Create instance to pass it to modules.
	instance := &Instance{
		cfg:     cfg,
		metrics: metrics.NewRegistry("portguard"),
	}
	instance.ctx, instance.cancelCtx = context.WithCancel(context.Background())
	instance.securityEvents = mgr.NewEventMgr[events.SecurityEvent]("security event", mgr.New("Events"))

	var err error

	instance.audit = events.NewAuditLog(instance, cfg.Events.AuditFile)
	instance.blocklist, err = blocklist.New(cfg.Enforcement)
	if err != nil {
		return instance, fmt.Errorf("create blocklist module: %w", err)
	}
	instance.interception = interception.New(cfg.Interception)
	instance.api = api.New(cfg.API.Listen)
	if err := instance.api.RegisterEndpoint(api.Endpoint{
		Name:        "Version",
		Description: "Returns the version and build information.",
		Path:        "version",
		StructFunc: func(_ *api.Request) (any, error) {
			return info.GetInfo(), nil
		},
	}); err != nil {
		return instance, fmt.Errorf("register version endpoint: %w", err)
	}
	instance.engine, err = engine.New(instance)
	if err != nil {
		return instance, fmt.Errorf("create engine module: %w", err)
	}

	// Add all modules to instance group.
	// Modules are stopped in reverse order, so the engine stops before its
	// packet sources and its packet filter.
	instance.serviceGroup = mgr.NewGroup(
		instance.audit,
		instance.blocklist,
		instance.interception,
		instance.engine,
		instance.api,
	)
	instance.serviceGroup.SetStopTimeout(cfg.Engine.ShutdownGrace + 3*time.Second)

	return instance, nil
}

// Version returns the version.
func (i *Instance) Version() string {
	return info.Version()
}

// Config returns the configuration.
func (i *Instance) Config() *config.Config {
	return i.cfg
}

// SecurityEvents returns the event manager for security events.
func (i *Instance) SecurityEvents() *mgr.EventMgr[events.SecurityEvent] {
	return i.securityEvents
}

// Metrics returns the metrics registry.
func (i *Instance) Metrics() *metrics.Registry {
	return i.metrics
}

// Blocklist returns the blocklist module.
func (i *Instance) Blocklist() *blocklist.Blocklist {
	return i.blocklist
}

// PacketSources returns the packet sources of the interception module.
// They are only available once the module is started.
func (i *Instance) PacketSources() []packet.Source {
	return i.interception.Sources()
}

// API returns the api module.
func (i *Instance) API() *api.API {
	return i.api
}

// Engine returns the engine module.
func (i *Instance) Engine() *engine.Engine {
	return i.engine
}

// Ready returns whether all modules have been started and are still running.
func (i *Instance) Ready() bool {
	return i.serviceGroup.Ready()
}

// Ctx returns the instance context.
// It is only canceled on shutdown.
func (i *Instance) Ctx() context.Context {
	return i.ctx
}

// Start starts the instance.
func (i *Instance) Start() error {
	return i.serviceGroup.Start()
}

// Stop stops the instance and cancels the instance context when done.
// A failed stop sets a non-zero exit code.
func (i *Instance) Stop() error {
	defer i.cancelCtx()

	err := i.serviceGroup.Stop()
	if err != nil {
		i.exitCode.CompareAndSwap(0, 1)
	}
	return err
}

// Shutdown asynchronously stops the instance.
func (i *Instance) Shutdown(exitCode int) {
	i.exitCode.Store(int32(exitCode))

	m := mgr.New("instance")
	m.Go("shutdown", func(w *mgr.WorkerCtx) error {
		if err := i.Stop(); err != nil {
			w.Error("failed to shutdown", "err", err)
		}
		return nil
	})
}

// Stopped returns a channel that is triggered when the instance has shut down.
func (i *Instance) Stopped() <-chan struct{} {
	return i.ctx.Done()
}

// ExitCode returns the set exit code of the instance.
func (i *Instance) ExitCode() int {
	return int(i.exitCode.Load())
}
