// Package kernel provides typed, checked access to the kernel's object,
// promise, vat, and queue tables, all of which live in the kv.Store as rows
// keyed by the naming scheme of the data model: krefs (ko<N>, kp<N>, kd<N>),
// per-vat c-lists, and a handful of reserved scalar/JSON keys. Every mutation
// the rest of the kernel makes passes through this package so the debug
// invariant checks in invariants.go see a consistent view.
package kernel

import "fmt"

// Kref is a kernel-unique, monotonic reference: ko<N>, kp<N>, or kd<N>.
type Kref string

func ObjectKref(n int64) Kref  { return Kref(fmt.Sprintf("ko%d", n)) }
func PromiseKref(n int64) Kref { return Kref(fmt.Sprintf("kp%d", n)) }
func DeviceKref(n int64) Kref  { return Kref(fmt.Sprintf("kd%d", n)) }

func (k Kref) IsObject() bool  { return len(k) > 2 && k[:2] == "ko" }
func (k Kref) IsPromise() bool { return len(k) > 2 && k[:2] == "kp" }
func (k Kref) IsDevice() bool  { return len(k) > 2 && k[:2] == "kd" }

// Vref is a vat-local reference: o+<n>, o-<n>, p+<n>, or p-<n>.
type Vref string

func ObjectVref(n int64, owner bool) Vref  { return vref('o', n, owner) }
func PromiseVref(n int64, owner bool) Vref { return vref('p', n, owner) }

func vref(kind byte, n int64, owner bool) Vref {
	sign := byte('-')
	if owner {
		sign = '+'
	}
	return Vref(fmt.Sprintf("%c%c%d", kind, sign, n))
}

func (v Vref) IsObject() bool  { return len(v) > 0 && v[0] == 'o' }
func (v Vref) IsPromise() bool { return len(v) > 0 && v[0] == 'p' }
func (v Vref) IsOwner() bool   { return len(v) > 1 && v[1] == '+' }

// VatID identifies a vat; it is itself an opaque short identifier (e.g. "v3").
type VatID string

// SubclusterID identifies a subcluster.
type SubclusterID string

// Flag marks a c-list entry as reachable ("R") or merely recognizable ("_").
type Flag byte

const (
	FlagReachable    Flag = 'R'
	FlagRecognizable Flag = '_'
)

// RefCount is the reachable/recognizable pair carried by every kref. The
// data model stores this as a "<reachable>,<recognizable>" string; RefCount
// is the typed in-memory form (see SPEC_FULL open-question decisions), and
// (Un)MarshalRefCount is the only place the comma-joined wire form exists.
type RefCount struct {
	Reachable    int
	Recognizable int
}

func MarshalRefCount(rc RefCount) string {
	return fmt.Sprintf("%d,%d", rc.Reachable, rc.Recognizable)
}

func UnmarshalRefCount(s string) (RefCount, error) {
	var rc RefCount
	if _, err := fmt.Sscanf(s, "%d,%d", &rc.Reachable, &rc.Recognizable); err != nil {
		return RefCount{}, fmt.Errorf("kernel: malformed refcount %q: %w", s, err)
	}
	return rc, nil
}

// PromiseState is one of the three states a kp can be in.
type PromiseState string

const (
	PromiseUnresolved PromiseState = "unresolved"
	PromiseFulfilled  PromiseState = "fulfilled"
	PromiseRejected   PromiseState = "rejected"
)

// CapData is an opaque, serialized capability-bearing value: a message
// argument list, a promise's resolved value, or a syscall's params payload.
// The kernel never interprets its body, only the Slots it carries.
type CapData struct {
	Body  string `json:"body"`
	Slots []Kref `json:"slots"`
}
