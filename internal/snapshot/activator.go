// Package snapshot owns the process-wide active snapshot: the last-known-good
// resolved view served to runtime readers and the RPC surface. Installation
// is a single pointer swap over a defensively cloned document; readers always
// receive their own clone.
package snapshot

import (
	"context"
	"fmt"
	"sync"

	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/logging"
	"github.com/relaygate/relaygate/internal/pathtree"
	"github.com/relaygate/relaygate/internal/ref"
	"github.com/relaygate/relaygate/internal/registry"
	"github.com/relaygate/relaygate/internal/resolve"
)

// State names the reloader states.
type State string

const (
	StateUninitialized State = "uninitialized"
	StatePreparing     State = "preparing"
	StateReady         State = "ready"
	StateDegraded      State = "degraded"
	StateFatal         State = "fatal"
)

// Event kinds emitted by the reloader, one-shot per transition.
const (
	EventDegraded  = "RELOADER_DEGRADED"
	EventRecovered = "RELOADER_RECOVERED"
)

// Event is a reloader notification.
type Event struct {
	Kind    string
	Message string
}

// Activator holds the active snapshot and drives the reload state machine.
type Activator struct {
	logger  *logging.Logger
	metrics *Metrics

	mu        sync.RWMutex
	active    *resolve.Snapshot
	state     State
	wasReady  bool
	observers []func(Event)
}

// NewActivator creates an activator with no snapshot installed.
func NewActivator(logger *logging.Logger, metrics *Metrics) *Activator {
	if logger == nil {
		logger = logging.New(false, true)
	}
	return &Activator{logger: logger, metrics: metrics, state: StateUninitialized}
}

// Observe registers an event observer. Observers run synchronously under
// the state transition.
func (a *Activator) Observe(fn func(Event)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.observers = append(a.observers, fn)
}

func (a *Activator) emit(ev Event) {
	for _, fn := range a.observers {
		fn(ev)
	}
}

// State returns the current reloader state.
func (a *Activator) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// Active returns a clone of the active snapshot, or nil before the first
// successful activation.
func (a *Activator) Active() *resolve.Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.active == nil {
		return nil
	}
	return a.active.Clone()
}

// Activate clones next and installs it as the active snapshot.
func (a *Activator) Activate(next *resolve.Snapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.install(next)
}

func (a *Activator) install(next *resolve.Snapshot) {
	a.active = next.Clone()
	recovered := a.state == StateDegraded
	a.state = StateReady
	a.wasReady = true
	if a.metrics != nil {
		a.metrics.setDegraded(false)
		a.metrics.observeActivation(len(next.Warnings), next.AssignmentCount)
	}
	if recovered {
		a.logger.Info("Secrets reload recovered; fresh snapshot installed")
		a.emit(Event{Kind: EventRecovered, Message: "secrets reload recovered"})
	}
}

// Reload runs a full resolution pass. On success the snapshot is installed.
// On failure during startup the state goes fatal and the caller is expected
// to abort; on a runtime reload failure the last-known-good snapshot stays
// active and the reloader degrades, emitting RELOADER_DEGRADED exactly once
// until it recovers.
func (a *Activator) Reload(ctx context.Context, opts resolve.Options, startup bool) error {
	a.mu.Lock()
	wasReady := a.wasReady
	prev := a.state
	a.state = StatePreparing
	a.mu.Unlock()

	if a.metrics != nil && opts.ProviderObserver == nil {
		opts.ProviderObserver = a.metrics.ObserveProviderCall
	}
	snap, err := resolve.Prepare(ctx, opts)

	a.mu.Lock()
	defer a.mu.Unlock()
	if err == nil {
		// install reads the pre-reload state to detect a recovery.
		a.state = prev
		a.install(snap)
		if a.metrics != nil {
			a.metrics.countReload("ok")
		}
		return nil
	}
	if a.metrics != nil {
		a.metrics.countReload("error")
	}
	switch {
	case startup:
		a.state = StateFatal
	case !wasReady:
		// No LKG to fall back to; the failed reload leaves the
		// activator exactly as unprovisioned as startup would.
		a.state = StateUninitialized
	default:
		alreadyDegraded := prev == StateDegraded
		a.state = StateDegraded
		if a.metrics != nil {
			a.metrics.setDegraded(true)
		}
		if !alreadyDegraded {
			a.logger.Error("Secrets reload failed; keeping last-known-good snapshot: %v", err)
			a.emit(Event{Kind: EventDegraded, Message: err.Error()})
		} else {
			a.logger.Debug("Secrets reload failed while degraded: %v", err)
		}
	}
	return err
}

// CommandAssignment is one hydrated value handed to a CLI command.
type CommandAssignment struct {
	Path         string   `json:"path"`
	PathSegments []string `json:"pathSegments"`
	Value        any      `json:"value"`
}

// CommandSecrets is the outcome of a command-scoped lookup.
type CommandSecrets struct {
	Assignments []CommandAssignment `json:"assignments"`
	Diagnostics []string            `json:"diagnostics"`
}

// ResolveCommandSecrets walks the configured refs for the requested target
// ids only and reads their already-resolved values from the active
// snapshot. A ref that did not resolve raises unless its path is in the
// caller-supplied inactive set or the snapshot recorded it as sitting on an
// inactive surface.
func (a *Activator) ResolveCommandSecrets(commandName string, targetIDs []string, inactivePaths map[string]bool) (*CommandSecrets, error) {
	snap := a.Active()
	if snap == nil {
		return nil, fmt.Errorf("no active snapshot; the gateway has not completed a secrets activation")
	}
	reg, err := registry.Compile()
	if err != nil {
		return nil, err
	}
	secretsSettings, err := config.DecodeSecretsSettings(snap.SourceConfig)
	if err != nil {
		return nil, err
	}
	settings := secretsSettings.Defaults

	filter := map[string]bool{}
	for _, id := range targetIDs {
		filter[id] = true
	}

	inactiveByWarning := map[string]bool{}
	diagnosticByPath := map[string]string{}
	for _, w := range snap.Warnings {
		if w.Code == resolve.CodeRefIgnoredInactiveSurface {
			inactiveByWarning[w.Path] = true
			diagnosticByPath[w.Path] = w.Message
		}
	}

	out := &CommandSecrets{Assignments: []CommandAssignment{}, Diagnostics: []string{}}
	for _, d := range reg.DiscoverConfigSecretTargets(snap.SourceConfig, filter) {
		input := ref.ResolveInput(d.Value, d.RefValue, settings)
		if input.Ref == nil {
			continue
		}
		resolved, ok := pathtree.Get(snap.ResolvedConfig, d.PathSegments)
		if ok && ref.IsExpectedResolvedValue(d.Entry.Expected, resolved) && ref.Coerce(resolved, settings) == nil {
			out.Assignments = append(out.Assignments, CommandAssignment{
				Path:         d.Path,
				PathSegments: append([]string(nil), d.PathSegments...),
				Value:        resolved,
			})
			continue
		}
		if inactiveByWarning[d.Path] {
			out.Diagnostics = append(out.Diagnostics, diagnosticByPath[d.Path])
			continue
		}
		if inactivePaths[d.Path] {
			continue
		}
		return nil, fmt.Errorf("command %q needs the secret at %s, but its ref %s is unresolved in the active snapshot",
			commandName, d.Path, input.Ref.Key())
	}
	return out, nil
}
