// Package facade exposes the kernel's host-facing operations: the calls a
// cluster operator or the diagnostic CLI issues against a running kernel,
// as opposed to the vat-facing syscall surface in package vat.
package facade

import (
	"context"
	"log/slog"
	"time"

	"go.ocapkernel.dev/kernel/internal/dispatch"
	"go.ocapkernel.dev/kernel/internal/kernel"
	"go.ocapkernel.dev/kernel/internal/kernelerrors"
	"go.ocapkernel.dev/kernel/internal/kv"
	"go.ocapkernel.dev/kernel/internal/metrics"
	"go.ocapkernel.dev/kernel/internal/promise"
	"go.ocapkernel.dev/kernel/internal/refs"
	"go.ocapkernel.dev/kernel/internal/subcluster"
	"go.ocapkernel.dev/kernel/pkg/ocapurl"
)

// gcTimeout bounds how long an explicit collectGarbage call will drive the
// crank loop before giving up on reaching quiescence.
const gcTimeout = 30 * time.Second

// Kernel is the façade's single collaborator: every host RPC is a thin
// wrapper around one or two calls into it.
type Kernel struct {
	store      *kernel.Store
	dispatcher *dispatch.Dispatcher
	manager    *subcluster.Manager
	promises   *promise.Table
	accounting *refs.Accounting
	ocap       *ocapurl.Registry
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

func New(store *kernel.Store, dispatcher *dispatch.Dispatcher, manager *subcluster.Manager,
	promises *promise.Table, accounting *refs.Accounting, ocap *ocapurl.Registry,
	logger *slog.Logger, m *metrics.Metrics) *Kernel {
	return &Kernel{
		store: store, dispatcher: dispatcher, manager: manager,
		promises: promises, accounting: accounting, ocap: ocap, logger: logger, metrics: m,
	}
}

// LaunchSubclusterResult is the bootstrap outcome of §4.7: the allocated
// subcluster and the promise for whatever the bootstrap vat's "bootstrap"
// method resolves to.
type LaunchSubclusterResult struct {
	SubclusterID kernel.SubclusterID `json:"subclusterId"`
	BootstrapKp  kernel.Kref         `json:"bootstrapKp"`
}

func (k *Kernel) LaunchSubcluster(ctx context.Context, cfg subcluster.ClusterConfig) (LaunchSubclusterResult, error) {
	scID, kp, err := k.manager.LaunchSubcluster(ctx, cfg)
	if err != nil {
		return LaunchSubclusterResult{}, err
	}
	return LaunchSubclusterResult{SubclusterID: scID, BootstrapKp: kp}, nil
}

// QueueMessage enqueues a send targeting kref and returns the result
// promise's kref, per the queueMessage operation of §4.8.
func (k *Kernel) QueueMessage(ctx context.Context, target kernel.Kref, method string, args kernel.CapData) (kernel.Kref, error) {
	decider, err := k.deciderFor(ctx, target)
	if err != nil {
		return "", err
	}
	resultKp, err := k.promises.Create(ctx, decider)
	if err != nil {
		return "", err
	}
	if err := k.store.Enqueue(ctx, kernel.Event{
		Kind: "send", Target: target, Method: method, Args: args, Result: resultKp,
	}); err != nil {
		return "", err
	}
	return resultKp, nil
}

// deciderFor resolves the vat a fresh result promise should be decided by:
// the owner of an object target, or the decider of an unresolved promise
// target.
func (k *Kernel) deciderFor(ctx context.Context, target kernel.Kref) (kernel.VatID, error) {
	if target.IsPromise() {
		row, ok, err := k.store.Promise(ctx, target)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", kernelerrors.New(kernelerrors.KindInternal, "queueMessage target promise not found")
		}
		return row.Decider, nil
	}
	owner, ok, err := k.store.ObjectOwner(ctx, target)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", kernelerrors.VatNotFound(string(target))
	}
	return owner, nil
}

func (k *Kernel) TerminateVat(ctx context.Context, v kernel.VatID, reason string) error {
	return k.manager.Terminate(ctx, v, reason)
}

func (k *Kernel) ReloadSubcluster(ctx context.Context, sc kernel.SubclusterID) error {
	mapping, err := k.store.VatToSubclusterMap(ctx)
	if err != nil {
		return err
	}
	for v, vatSC := range mapping {
		if vatSC != sc {
			continue
		}
		if err := k.manager.Restart(ctx, v); err != nil {
			return err
		}
	}
	return nil
}

func (k *Kernel) TerminateSubcluster(ctx context.Context, sc kernel.SubclusterID) error {
	mapping, err := k.store.VatToSubclusterMap(ctx)
	if err != nil {
		return err
	}
	for v, vatSC := range mapping {
		if vatSC != sc {
			continue
		}
		if err := k.manager.Terminate(ctx, v, "subcluster terminated"); err != nil {
			return err
		}
	}
	return k.store.RemoveSubcluster(ctx, sc)
}

// CollectGarbage runs cranks until both the run queue and the pending GC
// actions drain, per the collectGarbage operation of §4.8.
func (k *Kernel) CollectGarbage(ctx context.Context) error {
	return k.dispatcher.WaitUntilQuiescent(ctx, gcTimeout)
}

func (k *Kernel) IssueOcapURL(ctx context.Context, kref kernel.Kref) (string, error) {
	return k.ocap.Issue(ctx, kref)
}

func (k *Kernel) RedeemOcapURL(ctx context.Context, url string) (kernel.Kref, error) {
	return k.ocap.Redeem(ctx, url)
}

func (k *Kernel) ExecuteDBQuery(ctx context.Context, sql string) ([]kv.KVPair, error) {
	return k.store.KV().ExecuteQuery(ctx, sql)
}

func (k *Kernel) Ping(ctx context.Context) (string, error) {
	return "pong", nil
}

// ListVats supports the CLI's "view vats" surface.
func (k *Kernel) ListVats(ctx context.Context) ([]kernel.VatID, error) {
	return k.store.LiveVats(ctx)
}

// ListSubclusters supports the CLI's "view subclusters" surface.
func (k *Kernel) ListSubclusters(ctx context.Context) ([]kernel.SubclusterID, error) {
	return k.store.Subclusters(ctx)
}

// ListObjects supports the CLI's "view objects" surface.
func (k *Kernel) ListObjects(ctx context.Context) ([]kernel.Kref, error) {
	return k.store.AllObjects(ctx)
}

// ListPromises supports the CLI's "view promises" surface.
func (k *Kernel) ListPromises(ctx context.Context) ([]kernel.Kref, error) {
	return k.store.AllPromises(ctx)
}

// ObjectInfo is the "inspect" view of one kref's object-table row.
type ObjectInfo struct {
	Kref     kernel.Kref     `json:"kref"`
	Owner    kernel.VatID    `json:"owner,omitempty"`
	RefCount kernel.RefCount `json:"refCount"`
	Revoked  bool            `json:"revoked"`
}

// PromiseInfo is the "inspect" view of one kp's promise-table row.
type PromiseInfo struct {
	Kref        kernel.Kref         `json:"kref"`
	State       kernel.PromiseState `json:"state"`
	Decider     kernel.VatID        `json:"decider,omitempty"`
	Subscribers []kernel.VatID      `json:"subscribers,omitempty"`
	QueueDepth  int                 `json:"queueDepth"`
}

// Inspect returns either an ObjectInfo or a PromiseInfo depending on kref's
// shape, for the CLI's "inspect <kref>" command.
func (k *Kernel) Inspect(ctx context.Context, kref kernel.Kref) (any, error) {
	if kref.IsPromise() {
		row, ok, err := k.store.Promise(ctx, kref)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, kernelerrors.New(kernelerrors.KindInternal, "no such promise "+string(kref))
		}
		return PromiseInfo{Kref: kref, State: row.State, Decider: row.Decider, Subscribers: row.Subscribers, QueueDepth: len(row.Queue)}, nil
	}
	owner, ok, err := k.store.ObjectOwner(ctx, kref)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, kernelerrors.New(kernelerrors.KindInternal, "no such object "+string(kref))
	}
	rc, _, err := k.store.RefCount(ctx, kref)
	if err != nil {
		return nil, err
	}
	revoked, err := k.store.IsRevoked(ctx, kref)
	if err != nil {
		return nil, err
	}
	return ObjectInfo{Kref: kref, Owner: owner, RefCount: rc, Revoked: revoked}, nil
}
