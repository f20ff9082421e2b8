// Package ocapurl issues and redeems opaque capability URLs: tokens that
// stand in for a kernel kref when it must cross the remote-gateway boundary
// to another peer. The kernel core doesn't speak the remote wire format
// itself (that's an out-of-scope collaborator, per spec §1); it only needs
// a durable, idempotent token<->kref mapping, which this package provides.
package ocapurl

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"go.ocapkernel.dev/kernel/internal/kernel"
	"go.ocapkernel.dev/kernel/internal/kernelerrors"
	"go.ocapkernel.dev/kernel/internal/kv"
)

const scheme = "ocap://"

// Registry maps issued tokens to the kref they denote, persisted so a
// redeem still works after a kernel restart.
type Registry struct {
	store kv.Store
}

func NewRegistry(store kv.Store) *Registry {
	return &Registry{store: store}
}

func tokenKey(token string) string { return "ocapurl." + token }

// Issue mints a fresh opaque URL for kref. Calling Issue again for the same
// kref mints a new, independent token; redeeming either one still resolves
// back to kref.
func (r *Registry) Issue(ctx context.Context, kref kernel.Kref) (string, error) {
	token := uuid.NewString()
	if err := r.store.Set(ctx, tokenKey(token), string(kref)); err != nil {
		return "", err
	}
	return scheme + token, nil
}

// Redeem resolves a previously issued URL back to its kref.
func (r *Registry) Redeem(ctx context.Context, url string) (kernel.Kref, error) {
	if len(url) <= len(scheme) || url[:len(scheme)] != scheme {
		return "", kernelerrors.New(kernelerrors.KindInternal, fmt.Sprintf("malformed ocap url %q", url))
	}
	token := url[len(scheme):]
	if _, err := uuid.Parse(token); err != nil {
		return "", kernelerrors.New(kernelerrors.KindInternal, fmt.Sprintf("malformed ocap url token %q", token))
	}
	value, ok, err := r.store.Get(ctx, tokenKey(token))
	if err != nil {
		return "", err
	}
	if !ok {
		return "", kernelerrors.New(kernelerrors.KindInternal, fmt.Sprintf("ocap url %q has no registered kref", url))
	}
	return kernel.Kref(value), nil
}
