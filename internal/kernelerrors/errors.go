// Package kernelerrors defines the closed set of error kinds the kernel
// core must distinguish and surface, and the record used to marshal them
// across the host/vat boundary.
package kernelerrors

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind identifies one of the error kinds the core distinguishes.
type Kind string

const (
	KindVatNotFound        Kind = "VAT_NOT_FOUND"
	KindSubclusterNotFound Kind = "SUBCLUSTER_NOT_FOUND"
	KindVatAlreadyExists   Kind = "VAT_ALREADY_EXISTS"
	KindVatDeleted         Kind = "VAT_DELETED"
	KindDuplicateEndowment Kind = "DUPLICATE_ENDOWMENT"
	KindStreamReadError    Kind = "STREAM_READ_ERROR"
	KindResourceLimit      Kind = "RESOURCE_LIMIT"
	KindInternal           Kind = "INTERNAL"
	KindAbort              Kind = "ABORT"
)

// sentinel is the fixed identifier every marshaled kernel error carries so a
// peer can tell a kernel error record apart from an arbitrary JSON object.
const sentinel = "ocap-kernel-error"

// Error is the marshaled form of a kernel error crossing the host/vat
// boundary: { sentinel, message, code, data?, stack?, cause? }.
type Error struct {
	Sentinel string `json:"sentinel"`
	Kind     Kind   `json:"code"`
	Message  string `json:"message"`
	Data     any    `json:"data,omitempty"`
	Stack    string `json:"stack,omitempty"`
	Cause    error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// MarshalJSON materializes the cause as a string so the record round-trips
// through JSON without losing context about a wrapped error.
func (e *Error) MarshalJSON() ([]byte, error) {
	type wire struct {
		Sentinel string `json:"sentinel"`
		Kind     Kind   `json:"code"`
		Message  string `json:"message"`
		Data     any    `json:"data,omitempty"`
		Stack    string `json:"stack,omitempty"`
		Cause    string `json:"cause,omitempty"`
	}
	w := wire{Sentinel: sentinel, Kind: e.Kind, Message: e.Message, Data: e.Data, Stack: e.Stack}
	if e.Cause != nil {
		w.Cause = e.Cause.Error()
	}
	return json.Marshal(w)
}

func New(kind Kind, msg string) *Error {
	return &Error{Sentinel: sentinel, Kind: kind, Message: msg}
}

func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Sentinel: sentinel, Kind: kind, Message: msg, Cause: cause}
}

func WithData(kind Kind, msg string, data any) *Error {
	return &Error{Sentinel: sentinel, Kind: kind, Message: msg, Data: data}
}

func VatNotFound(vatID string) *Error {
	return WithData(KindVatNotFound, "vat not found", map[string]string{"vatId": vatID})
}

func SubclusterNotFound(subclusterID string) *Error {
	return WithData(KindSubclusterNotFound, "subcluster not found", map[string]string{"subclusterId": subclusterID})
}

func VatAlreadyExists(vatID string) *Error {
	return WithData(KindVatAlreadyExists, "vat already exists", map[string]string{"vatId": vatID})
}

func VatDeleted(vatID string) *Error {
	return WithData(KindVatDeleted, "operation issued against a terminated vat", map[string]string{"vatId": vatID})
}

func DuplicateEndowment(name string) *Error {
	return WithData(KindDuplicateEndowment, "cluster config lists an endowment twice", map[string]string{"endowment": name})
}

func StreamReadError(vatID string, cause error) *Error {
	return Wrap(KindStreamReadError, "worker stream died mid-delivery", cause).withData(map[string]string{"vatId": vatID})
}

func ResourceLimit(msg string) *Error {
	return New(KindResourceLimit, msg)
}

func Internal(msg string, cause error) *Error {
	if cause != nil {
		return Wrap(KindInternal, msg, cause)
	}
	return New(KindInternal, msg)
}

func Abort(msg string) *Error {
	return New(KindAbort, msg)
}

func (e *Error) withData(data any) *Error {
	e.Data = data
	return e
}

// GRPCStatus lets a *Error be returned directly from a gRPC handler and be
// converted to a status by the grpc runtime (it implements the interface
// google.golang.org/grpc/status.FromError looks for).
func (e *Error) GRPCStatus() *status.Status {
	return status.New(e.grpcCode(), e.Error())
}

func (e *Error) grpcCode() codes.Code {
	switch e.Kind {
	case KindVatNotFound, KindSubclusterNotFound:
		return codes.NotFound
	case KindVatAlreadyExists, KindDuplicateEndowment:
		return codes.AlreadyExists
	case KindVatDeleted:
		return codes.FailedPrecondition
	case KindStreamReadError:
		return codes.Unavailable
	case KindResourceLimit:
		return codes.ResourceExhausted
	case KindAbort:
		return codes.Canceled
	default:
		return codes.Internal
	}
}

// Is reports whether err is a kernel error of the given kind, unwrapping as
// needed so callers can do kernelerrors.Is(err, kernelerrors.KindVatDeleted).
func Is(err error, kind Kind) bool {
	var kerr *Error
	for err != nil {
		if e, ok := err.(*Error); ok {
			kerr = e
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return kerr != nil && kerr.Kind == kind
}
