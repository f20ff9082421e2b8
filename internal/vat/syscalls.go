package vat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.ocapkernel.dev/kernel/internal/dispatch"
	"go.ocapkernel.dev/kernel/internal/kernel"
	"go.ocapkernel.dev/kernel/internal/kernelerrors"
	"go.ocapkernel.dev/kernel/internal/promise"
)

// syscallApplier validates and applies every syscall issued during a single
// dispatch, accumulating the events it produces and a transcript-ready
// record of what ran.
type syscallApplier struct {
	handle  *Handle
	ctx     context.Context
	events  []kernel.Event
	records []dispatch.SyscallRecord

	exitRequested bool
}

func (a *syscallApplier) apply(method string, params json.RawMessage) (any, error) {
	a.records = append(a.records, dispatch.SyscallRecord{Name: method, Params: string(params)})

	h := a.handle
	switch method {
	case "syscall.send":
		var p struct {
			Target kernel.Vref `json:"target"`
			Method string      `json:"method"`
			Args   struct {
				Body  string        `json:"body"`
				Slots []kernel.Vref `json:"slots"`
			} `json:"args"`
			Result kernel.Vref `json:"result,omitempty"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, kernelerrors.Internal("malformed syscall.send params", err)
		}
		targetKref, ok, err := h.store.KrefForVref(a.ctx, h.id, p.Target)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, kernelerrors.New(kernelerrors.KindAbort, fmt.Sprintf("send to unknown vref %s", p.Target))
		}
		if err := requireReachable(a.ctx, h, p.Target); err != nil {
			return nil, err
		}

		slots := make([]kernel.Kref, 0, len(p.Args.Slots))
		for _, vref := range p.Args.Slots {
			kref, ok, err := h.store.KrefForVref(a.ctx, h.id, vref)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, kernelerrors.New(kernelerrors.KindAbort, fmt.Sprintf("send arg references unknown vref %s", vref))
			}
			slots = append(slots, kref)
		}

		var resultKref kernel.Kref
		if p.Result != "" {
			if !p.Result.IsOwner() {
				return nil, kernelerrors.New(kernelerrors.KindAbort, "send result must be a freshly owned promise")
			}
			kref, err := h.promises.Create(a.ctx, h.id)
			if err != nil {
				return nil, err
			}
			resultKref = kref
			if err := h.store.AddCListEntry(a.ctx, h.id, p.Result, kref, kernel.FlagReachable); err != nil {
				return nil, err
			}
		}

		ev := kernel.Event{Kind: "send", Target: targetKref, Method: p.Method,
			Args: kernel.CapData{Body: p.Args.Body, Slots: slots}, Result: resultKref}

		if targetKref.IsPromise() {
			row, ok, err := h.store.Promise(a.ctx, targetKref)
			if err != nil {
				return nil, err
			}
			if ok && row.State == kernel.PromiseUnresolved {
				if err := h.promises.EnqueueSend(a.ctx, targetKref, ev); err != nil {
					return nil, err
				}
				return map[string]string{"result": string(resultKref)}, nil
			}
		}
		a.events = append(a.events, ev)
		return map[string]string{"result": string(resultKref)}, nil

	case "syscall.subscribe":
		var p struct {
			Vref kernel.Vref `json:"vref"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, kernelerrors.Internal("malformed syscall.subscribe params", err)
		}
		kp, ok, err := h.store.KrefForVref(a.ctx, h.id, p.Vref)
		if err != nil {
			return nil, err
		}
		if !ok || !kp.IsPromise() {
			return nil, kernelerrors.New(kernelerrors.KindAbort, fmt.Sprintf("subscribe to non-promise vref %s", p.Vref))
		}
		immediate, err := h.promises.Subscribe(a.ctx, kp, h.id)
		if err != nil {
			return nil, err
		}
		if immediate != nil {
			a.events = append(a.events, *immediate)
		}
		return map[string]bool{"ok": true}, nil

	case "syscall.resolve":
		var p struct {
			Resolutions []struct {
				Vref     kernel.Vref `json:"vref"`
				Reject   bool        `json:"reject"`
				Value    struct {
					Body  string        `json:"body"`
					Slots []kernel.Vref `json:"slots"`
				} `json:"value"`
				RejectAs string `json:"rejectAs,omitempty"`
			} `json:"resolutions"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, kernelerrors.Internal("malformed syscall.resolve params", err)
		}
		for _, r := range p.Resolutions {
			kp, ok, err := h.store.KrefForVref(a.ctx, h.id, r.Vref)
			if err != nil {
				return nil, err
			}
			if !ok || !kp.IsPromise() {
				return nil, kernelerrors.New(kernelerrors.KindAbort, fmt.Sprintf("resolve of non-promise vref %s", r.Vref))
			}
			slots := make([]kernel.Kref, 0, len(r.Value.Slots))
			for _, vref := range r.Value.Slots {
				slotKref, ok, err := h.store.KrefForVref(a.ctx, h.id, vref)
				if err != nil {
					return nil, err
				}
				if !ok {
					return nil, kernelerrors.New(kernelerrors.KindAbort, fmt.Sprintf("resolution value references unknown vref %s", vref))
				}
				slots = append(slots, slotKref)
			}
			res := promise.Resolution{Kp: kp, Fulfill: !r.Reject, Value: kernel.CapData{Body: r.Value.Body, Slots: slots}, RejectAs: r.RejectAs}
			produced, err := h.promises.Resolve(a.ctx, h.id, res)
			if err != nil {
				return nil, err
			}
			a.events = append(a.events, produced...)
		}
		return map[string]bool{"ok": true}, nil

	case "syscall.exit":
		a.exitRequested = true
		return map[string]bool{"ok": true}, nil

	case "syscall.vatstoreGet":
		var p struct {
			Key string `json:"key"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, kernelerrors.Internal("malformed syscall.vatstoreGet params", err)
		}
		value, ok, err := h.store.KV().Get(a.ctx, vatStoreKey(h.id, p.Key))
		if err != nil {
			return nil, err
		}
		return map[string]any{"value": value, "found": ok}, nil

	case "syscall.vatstoreSet":
		var p struct {
			Key   string `json:"key"`
			Value string `json:"value"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, kernelerrors.Internal("malformed syscall.vatstoreSet params", err)
		}
		if err := h.store.KV().Set(a.ctx, vatStoreKey(h.id, p.Key), p.Value); err != nil {
			return nil, err
		}
		return map[string]bool{"ok": true}, nil

	case "syscall.vatstoreDelete":
		var p struct {
			Key string `json:"key"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, kernelerrors.Internal("malformed syscall.vatstoreDelete params", err)
		}
		if err := h.store.KV().Delete(a.ctx, vatStoreKey(h.id, p.Key)); err != nil {
			return nil, err
		}
		return map[string]bool{"ok": true}, nil

	case "syscall.vatstoreGetNextKey":
		var p struct {
			PreviousKey string `json:"previousKey"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, kernelerrors.Internal("malformed syscall.vatstoreGetNextKey params", err)
		}
		prefix := vatStorePrefix(h.id)
		key, ok, err := h.store.KV().GetNextKey(a.ctx, prefix+p.PreviousKey)
		if err != nil {
			return nil, err
		}
		if !ok || !strings.HasPrefix(key, prefix) {
			return map[string]any{"key": nil, "found": false}, nil
		}
		return map[string]any{"key": strings.TrimPrefix(key, prefix), "found": true}, nil

	case "syscall.dropImports":
		return a.applyRefcountSyscall(params, h.accounting.OnDropImports)

	case "syscall.retireImports":
		return a.applyRefcountSyscall(params, h.accounting.OnRetireImports)

	case "syscall.retireExports":
		var p struct {
			Vrefs []kernel.Vref `json:"vrefs"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, kernelerrors.Internal("malformed syscall.retireExports params", err)
		}
		for _, vref := range p.Vrefs {
			if !vref.IsOwner() {
				return nil, kernelerrors.New(kernelerrors.KindAbort, fmt.Sprintf("retireExports of non-owned vref %s", vref))
			}
			kref, ok, err := h.store.KrefForVref(a.ctx, h.id, vref)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			if err := h.accounting.OnRetireExportsAck(a.ctx, kref); err != nil {
				return nil, err
			}
		}
		return map[string]bool{"ok": true}, nil

	default:
		return nil, kernelerrors.New(kernelerrors.KindAbort, fmt.Sprintf("unknown syscall %q", method))
	}
}

func (a *syscallApplier) applyRefcountSyscall(params json.RawMessage, apply func(context.Context, kernel.VatID, kernel.Kref) error) (any, error) {
	var p struct {
		Vrefs []kernel.Vref `json:"vrefs"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, kernelerrors.Internal("malformed syscall params", err)
	}
	h := a.handle
	for _, vref := range p.Vrefs {
		kref, ok, err := h.store.KrefForVref(a.ctx, h.id, vref)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if err := apply(a.ctx, h.id, kref); err != nil {
			return nil, err
		}
	}
	return map[string]bool{"ok": true}, nil
}

func requireReachable(ctx context.Context, h *Handle, vref kernel.Vref) error {
	flag, ok, err := h.store.FlagForVref(ctx, h.id, vref)
	if err != nil {
		return err
	}
	if !ok || flag != kernel.FlagReachable {
		return kernelerrors.New(kernelerrors.KindAbort, fmt.Sprintf("send target %s is not reachable", vref))
	}
	return nil
}

func vatStorePrefix(v kernel.VatID) string { return "vat." + string(v) + ".store." }
func vatStoreKey(v kernel.VatID, key string) string { return vatStorePrefix(v) + key }
