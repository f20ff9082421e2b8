// Package subcluster implements the kernel's vat lifecycle manager: launch,
// terminate, and restart vats belonging to a named subcluster, grounded on
// the same add/remove-partition shape the vendored garbage collector uses
// to wire and unwire per-cluster informer pipelines.
package subcluster

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"go.ocapkernel.dev/kernel/internal/dispatch"
	"go.ocapkernel.dev/kernel/internal/kernel"
	"go.ocapkernel.dev/kernel/internal/kernelerrors"
	"go.ocapkernel.dev/kernel/internal/metrics"
	"go.ocapkernel.dev/kernel/internal/promise"
	"go.ocapkernel.dev/kernel/internal/refs"
	"go.ocapkernel.dev/kernel/internal/vat"
)

// WorkerService is the external collaborator that spawns and kills isolated
// vat worker processes, per §1's "black box" worker interface. It hands
// back a bidirectional stream that carries the JSON-RPC 2.0 protocol of §6.
type WorkerService interface {
	Spawn(ctx context.Context, vatID kernel.VatID, bundleSpec string) (io.ReadWriteCloser, error)
	Kill(ctx context.Context, vatID kernel.VatID) error
}

// ClusterConfig is the cluster config document of §6.
type ClusterConfig struct {
	Bootstrap string                     `json:"bootstrap"`
	Vats      map[string]VatDefinition   `json:"vats"`
	Services  []string                   `json:"services,omitempty"`
}

type VatDefinition struct {
	BundleSpec string            `json:"bundleSpec"`
	Parameters map[string]string `json:"parameters,omitempty"`
	Endowments []string          `json:"endowments,omitempty"`
}

// Manager owns every live vat handle and its worker lifetime.
type Manager struct {
	store      *kernel.Store
	accounting *refs.Accounting
	promises   *promise.Table
	workers    WorkerService
	logger     *slog.Logger
	metrics    *metrics.Metrics

	mu      sync.RWMutex
	handles map[kernel.VatID]*vat.Handle
	kill    map[kernel.VatID]context.CancelFunc
	names   map[kernel.VatID]string // friendly name within its subcluster, for bootstrap wiring
}

func NewManager(store *kernel.Store, accounting *refs.Accounting, promises *promise.Table, workers WorkerService, logger *slog.Logger, m *metrics.Metrics) *Manager {
	return &Manager{
		store:      store,
		accounting: accounting,
		promises:   promises,
		workers:    workers,
		logger:     logger,
		metrics:    m,
		handles:    make(map[kernel.VatID]*vat.Handle),
		kill:       make(map[kernel.VatID]context.CancelFunc),
		names:      make(map[kernel.VatID]string),
	}
}

var _ dispatch.Registry = (*Manager)(nil)

func (m *Manager) Handle(v kernel.VatID) (dispatch.VatHandle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handles[v]
	return h, ok
}

// LaunchSubcluster executes the launch sequence of §4.7: allocate the
// subcluster, spawn each vat definition's worker, and enqueue the bootstrap
// send. It does not drive the scheduler, and neither does the façade: the
// bootstrap send is delivered later by the crank loop, and the returned kref
// is the bootstrap result promise, not its resolved value.
func (m *Manager) LaunchSubcluster(ctx context.Context, cfg ClusterConfig) (kernel.SubclusterID, kernel.Kref, error) {
	if err := validateEndowments(cfg); err != nil {
		return "", "", err
	}

	scID, err := m.store.AllocSubclusterID(ctx)
	if err != nil {
		return "", "", err
	}
	if err := m.store.AddSubcluster(ctx, scID); err != nil {
		return "", "", err
	}

	rootByName := make(map[string]kernel.Kref, len(cfg.Vats))
	vatByName := make(map[string]kernel.VatID, len(cfg.Vats))

	for name, def := range cfg.Vats {
		vatID, err := m.spawnVat(ctx, scID, def)
		if err != nil {
			return scID, "", err
		}
		vatByName[name] = vatID

		rootKref, err := m.store.AllocObjectID(ctx)
		if err != nil {
			return scID, "", err
		}
		if err := m.store.SetObjectOwner(ctx, rootKref, vatID); err != nil {
			return scID, "", err
		}
		if err := m.store.SetRefCount(ctx, rootKref, kernel.RefCount{Reachable: 1, Recognizable: 1}); err != nil {
			return scID, "", err
		}
		rootByName[name] = rootKref
	}

	bootstrapVat, ok := vatByName[cfg.Bootstrap]
	if !ok {
		return scID, "", kernelerrors.New(kernelerrors.KindInternal, fmt.Sprintf("bootstrap vat %q not defined", cfg.Bootstrap))
	}

	slots := make([]kernel.Kref, 0, len(rootByName))
	for name, kref := range rootByName {
		if name == cfg.Bootstrap {
			continue
		}
		slots = append(slots, kref)
	}

	resultKp, err := m.promises.Create(ctx, bootstrapVat)
	if err != nil {
		return scID, "", err
	}

	if err := m.store.Enqueue(ctx, kernel.Event{
		Kind:   "send",
		Target: rootByName[cfg.Bootstrap],
		Method: "bootstrap",
		Args:   kernel.CapData{Slots: slots},
		Result: resultKp,
	}); err != nil {
		return scID, "", err
	}

	if m.metrics != nil {
		m.metrics.ActiveVats.Set(float64(len(m.handles)))
	}

	return scID, resultKp, nil
}

func (m *Manager) spawnVat(ctx context.Context, sc kernel.SubclusterID, def VatDefinition) (kernel.VatID, error) {
	vatID, err := m.store.AllocVatID(ctx)
	if err != nil {
		return "", err
	}
	cfg := kernel.VatConfig{BundleSpec: def.BundleSpec, Parameters: def.Parameters, Endowments: def.Endowments}
	if err := m.store.SetVatConfig(ctx, vatID, cfg); err != nil {
		return "", err
	}
	if err := m.store.SetVatSubcluster(ctx, vatID, sc); err != nil {
		return "", err
	}
	if err := m.store.AddLiveVat(ctx, vatID); err != nil {
		return "", err
	}

	workerCtx, cancel := context.WithCancel(ctx)
	stream, err := m.workers.Spawn(workerCtx, vatID, def.BundleSpec)
	if err != nil {
		cancel()
		return "", kernelerrors.Wrap(kernelerrors.KindInternal, "failed to spawn vat worker", err)
	}

	handle := vat.NewHandle(vatID, m.store, m.accounting, m.promises, vat.NewStream(stream), m.logger)
	if err := handle.StartVat(def.BundleSpec, def.Parameters); err != nil {
		cancel()
		return "", kernelerrors.StreamReadError(string(vatID), err)
	}

	m.mu.Lock()
	m.handles[vatID] = handle
	m.kill[vatID] = cancel
	m.mu.Unlock()

	return vatID, nil
}

// Terminate tears a vat down: marks it terminated, kills its worker, drains
// its c-list into retireImports for every other holder, rejects every
// promise it decided with a disconnect reason, and deletes its sub-store.
func (m *Manager) Terminate(ctx context.Context, v kernel.VatID, reason string) error {
	m.mu.Lock()
	handle, ok := m.handles[v]
	cancel := m.kill[v]
	delete(m.handles, v)
	delete(m.kill, v)
	m.mu.Unlock()

	if err := m.store.AddTerminatedVat(ctx, v); err != nil {
		return err
	}

	if ok {
		_ = handle.StopVat()
	}
	if err := m.workers.Kill(ctx, v); err != nil {
		m.logger.Warn("failed to kill vat worker", slog.String("vat", string(v)), slog.String("error", err.Error()))
	}
	if cancel != nil {
		cancel()
	}

	if err := m.accounting.OnVatTerminated(ctx, v); err != nil {
		return err
	}
	if err := m.rejectDecidedPromises(ctx, v, reason); err != nil {
		return err
	}

	if err := m.store.KV().DeleteVatStore(ctx, string(v)); err != nil {
		return err
	}
	if err := m.store.DeleteTranscript(ctx, v); err != nil {
		return err
	}
	if err := m.store.RemoveVatSubcluster(ctx, v); err != nil {
		return err
	}
	if err := m.store.RemoveLiveVat(ctx, v); err != nil {
		return err
	}
	if err := m.store.ClearTerminatedVat(ctx, v); err != nil {
		return err
	}

	if m.metrics != nil {
		m.metrics.ActiveVats.Set(float64(len(m.handles)))
		m.metrics.VatRestarts.WithLabelValues(reason).Inc()
	}
	return nil
}

// rejectDecidedPromises rejects with a disconnect reason every promise v
// still decides, since a terminated vat can never resolve them.
func (m *Manager) rejectDecidedPromises(ctx context.Context, v kernel.VatID, reason string) error {
	rows, err := m.store.ClistRowsForVat(ctx, v)
	if err != nil {
		return err
	}
	for vref, kref := range rows {
		if !vref.IsPromise() || !vref.IsOwner() {
			continue
		}
		row, ok, err := m.store.Promise(ctx, kref)
		if err != nil {
			return err
		}
		if !ok || row.State != kernel.PromiseUnresolved {
			continue
		}
		events, err := m.promises.Resolve(ctx, v, promise.Resolution{Kp: kref, Fulfill: false, RejectAs: reason})
		if err != nil {
			return err
		}
		for _, ev := range events {
			if err := m.store.Enqueue(ctx, ev); err != nil {
				return err
			}
		}
	}
	return nil
}

// Restart respawns vat, keeping its persisted vatConfig, and replays its
// transcript in order so its in-worker state matches what the kernel
// already recorded (the deterministic-replay contract of §4.7).
func (m *Manager) Restart(ctx context.Context, v kernel.VatID) error {
	cfg, ok, err := m.store.VatConfig(ctx, v)
	if err != nil {
		return err
	}
	if !ok {
		return kernelerrors.VatNotFound(string(v))
	}

	workerCtx, cancel := context.WithCancel(ctx)
	stream, err := m.workers.Spawn(workerCtx, v, cfg.BundleSpec)
	if err != nil {
		cancel()
		return kernelerrors.Wrap(kernelerrors.KindInternal, "failed to respawn vat worker", err)
	}
	handle := vat.NewHandle(v, m.store, m.accounting, m.promises, vat.NewStream(stream), m.logger)
	if err := handle.StartVat(cfg.BundleSpec, cfg.Parameters); err != nil {
		cancel()
		return kernelerrors.StreamReadError(string(v), err)
	}

	records, err := m.store.TranscriptRecords(ctx, v)
	if err != nil {
		cancel()
		return err
	}
	if err := vat.ReplayTranscript(ctx, handle, records); err != nil {
		cancel()
		if termErr := m.Terminate(ctx, v, "transcript divergence during replay"); termErr != nil {
			return termErr
		}
		return kernelerrors.Wrap(kernelerrors.KindInternal, "vat diverged from its transcript during replay; terminating", err)
	}

	m.mu.Lock()
	m.handles[v] = handle
	m.kill[v] = cancel
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.VatRestarts.WithLabelValues("restart").Inc()
	}
	return nil
}

func validateEndowments(cfg ClusterConfig) error {
	for name, def := range cfg.Vats {
		seen := map[string]bool{}
		for _, e := range def.Endowments {
			if seen[e] {
				return kernelerrors.DuplicateEndowment(fmt.Sprintf("%s/%s", name, e))
			}
			seen[e] = true
		}
	}
	return nil
}
