package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/netip"

	"github.com/safing/portguard/base/api"
	"github.com/safing/portguard/service/detection/portscan"
	"github.com/safing/portguard/service/enforcement"
	"github.com/safing/portguard/service/events"
	"github.com/safing/portguard/service/intel/threat"
)

// Status is the combined status of the engine.
type Status struct {
	Running   bool           `json:"running"`
	Detection portscan.Stats `json:"detection"`
	Intel     threat.Stats   `json:"intel"`
}

// Status returns the combined status of the engine.
func (e *Engine) Status() Status {
	return Status{
		Running:   e.Running(),
		Detection: e.scans.Stats(),
		Intel:     e.threats.Stats(),
	}
}

func (e *Engine) registerAPIEndpoints(a *api.API) error {
	if err := a.RegisterEndpoint(api.Endpoint{
		Name:        "Engine Status",
		Description: "Returns detection and threat statistics.",
		Path:        "stats",
		StructFunc: func(_ *api.Request) (any, error) {
			return e.Status(), nil
		},
	}); err != nil {
		return err
	}

	if err := a.RegisterEndpoint(api.Endpoint{
		Name:        "Threat Profiles",
		Description: "Returns all threat profiles.",
		Path:        "threats",
		StructFunc: func(_ *api.Request) (any, error) {
			return e.threats.Snapshot(), nil
		},
	}); err != nil {
		return err
	}

	if err := a.RegisterEndpoint(api.Endpoint{
		Name:        "Threat Profile",
		Description: "Returns the threat profile of a source address.",
		Path:        "threats/{ip}",
		StructFunc: func(ar *api.Request) (any, error) {
			src, err := sourceFromRequest(ar)
			if err != nil {
				return nil, err
			}
			profile, ok := e.threats.Get(src)
			if !ok {
				return nil, api.ErrorWithStatus(fmt.Errorf("no threat profile for %s", src), http.StatusNotFound)
			}
			return profile, nil
		},
	}); err != nil {
		return err
	}

	if err := a.RegisterEndpoint(api.Endpoint{
		Name:        "Unblock Source",
		Description: "Lifts the enforcement against a source address.",
		Path:        "threats/{ip}/unblock",
		Method:      http.MethodPost,
		ActionFunc: func(ar *api.Request) (string, error) {
			src, err := sourceFromRequest(ar)
			if err != nil {
				return "", err
			}
			err = e.coordinator.Unblock(ar.Context(), src)
			switch {
			case errors.Is(err, enforcement.ErrNotBlocked):
				return "", api.ErrorWithStatus(err, http.StatusNotFound)
			case err != nil:
				return "", err
			}
			return fmt.Sprintf("unblocked %s", src), nil
		},
	}); err != nil {
		return err
	}

	if err := a.RegisterEndpoint(api.Endpoint{
		Name:        "Scan Profiles",
		Description: "Returns all scan profiles.",
		Path:        "scans",
		StructFunc: func(_ *api.Request) (any, error) {
			return e.scans.Snapshot(), nil
		},
	}); err != nil {
		return err
	}

	if err := a.RegisterEndpoint(api.Endpoint{
		Name:        "Enforcements",
		Description: "Returns the enforcements installed in the packet filter.",
		Path:        "enforcements",
		StructFunc: func(_ *api.Request) (any, error) {
			return e.instance.Blocklist().Records(), nil
		},
	}); err != nil {
		return err
	}

	if err := a.RegisterEndpoint(api.Endpoint{
		Name:        "Lockdown Status",
		Description: "Returns whether the lockdown is active.",
		Path:        "lockdown",
		StructFunc: func(_ *api.Request) (any, error) {
			return LockdownStatus{Active: e.instance.Blocklist().Lockdown()}, nil
		},
	}); err != nil {
		return err
	}

	if err := a.RegisterEndpoint(api.Endpoint{
		Name:        "Enable Lockdown",
		Description: "Drops all new connections except on loopback.",
		Path:        "lockdown",
		Method:      http.MethodPost,
		ActionFunc: func(ar *api.Request) (string, error) {
			return e.SetLockdown(ar.Context(), true)
		},
	}); err != nil {
		return err
	}

	if err := a.RegisterEndpoint(api.Endpoint{
		Name:        "Release Lockdown",
		Description: "Accepts new connections again.",
		Path:        "lockdown",
		Method:      http.MethodDelete,
		ActionFunc: func(ar *api.Request) (string, error) {
			return e.SetLockdown(ar.Context(), false)
		},
	}); err != nil {
		return err
	}

	if reg := e.instance.Metrics(); reg != nil {
		a.RegisterHandler("/metrics", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "text/plain; version=0.0.4")
			reg.WritePrometheus(w, true)
		}))
	}

	return nil
}

// LockdownStatus is the state of the lockdown.
type LockdownStatus struct {
	Active bool `json:"active"`
}

// SetLockdown enables or releases the lockdown and returns a message for
// the user. Changes are reported as security events.
func (e *Engine) SetLockdown(ctx context.Context, enabled bool) (string, error) {
	changed, err := e.instance.Blocklist().SetLockdown(ctx, enabled)
	if err != nil {
		return "", err
	}

	state := "released"
	if enabled {
		state = "enabled"
	}
	if !changed {
		return "lockdown already " + state, nil
	}

	evtType, severity := events.LockdownReleased, uint8(1)
	if enabled {
		evtType, severity = events.LockdownEnabled, 8
	}
	e.emit(events.New(e.clock(), netip.Addr{}, evtType, events.ThreatLevel{
		Severity:   severity,
		Confidence: 1,
		Category:   events.Operational,
	}, events.ActionNone, "lockdown "+state))
	return "lockdown " + state, nil
}

func sourceFromRequest(ar *api.Request) (netip.Addr, error) {
	src, err := netip.ParseAddr(ar.URLVars["ip"])
	if err != nil {
		return netip.Addr{}, api.ErrorWithStatus(fmt.Errorf("invalid source address: %w", err), http.StatusBadRequest)
	}
	return src.Unmap(), nil
}
