package ocapurl_test

import (
	"context"
	"strings"
	"testing"

	"go.ocapkernel.dev/kernel/internal/kernel"
	"go.ocapkernel.dev/kernel/internal/kv/memory"
	"go.ocapkernel.dev/kernel/pkg/ocapurl"
)

func newTestRegistry(t *testing.T) *ocapurl.Registry {
	t.Helper()
	store, err := memory.Open(":memory:")
	if err != nil {
		t.Fatalf("memory.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return ocapurl.NewRegistry(store)
}

func TestIssueAndRedeemRoundtrip(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)

	kref := kernel.ObjectKref(7)
	url, err := reg.Issue(ctx, kref)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if !strings.HasPrefix(url, "ocap://") {
		t.Fatalf("Issue returned %q, want ocap:// prefix", url)
	}

	got, err := reg.Redeem(ctx, url)
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if got != kref {
		t.Fatalf("Redeem = %q, want %q", got, kref)
	}
}

func TestIssueTwiceMintsIndependentTokens(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)

	kref := kernel.ObjectKref(1)
	url1, err := reg.Issue(ctx, kref)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	url2, err := reg.Issue(ctx, kref)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if url1 == url2 {
		t.Fatalf("two Issue calls for the same kref returned the same token: %q", url1)
	}

	for _, url := range []string{url1, url2} {
		got, err := reg.Redeem(ctx, url)
		if err != nil || got != kref {
			t.Fatalf("Redeem(%q) = %q, %v; want %q, nil", url, got, err, kref)
		}
	}
}

func TestRedeemMalformedURL(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)

	cases := []string{
		"",
		"not-a-url",
		"http://example.com",
		"ocap://not-a-uuid",
	}
	for _, url := range cases {
		if _, err := reg.Redeem(ctx, url); err == nil {
			t.Errorf("Redeem(%q) succeeded, want error", url)
		}
	}
}

func TestRedeemUnknownToken(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)

	// a syntactically valid but never-issued token
	unissued, err := reg.Issue(ctx, kernel.ObjectKref(1))
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	tampered := unissued[:len(unissued)-1] + flipHexDigit(unissued[len(unissued)-1])
	if tampered == unissued {
		t.Skip("could not construct a distinct tampered token")
	}
	if _, err := reg.Redeem(ctx, tampered); err == nil {
		t.Errorf("Redeem(%q) succeeded, want error (unregistered token)", tampered)
	}
}

func flipHexDigit(b byte) string {
	if b == '0' {
		return "1"
	}
	return "0"
}
