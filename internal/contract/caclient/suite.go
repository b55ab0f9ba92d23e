// Package caclient provides a contract test suite for ports.CAClient
// implementations, matching the teacher's contract-suite pattern (one
// package per port, a Factory building a fresh implementation per
// subtest).
package caclient

import (
	"context"
	"testing"
	"time"

	"github.com/pqsecure/mesh/internal/core/domain"
	"github.com/pqsecure/mesh/internal/core/ports"
)

// Factory constructs a fresh ports.CAClient for one subtest, along with a
// request that factory is known to accept (so the suite can stay
// implementation-agnostic about CSR/tenant shape).
type Factory func(t *testing.T) (client ports.CAClient, req domain.CertificateRequest)

// Run executes the contract test suite against any ports.CAClient
// implementation.
func Run(t *testing.T, newImpl Factory) {
	t.Helper()

	t.Run("request returns a bundle matching the requested SPIFFE ID", func(t *testing.T) {
		client, req := newImpl(t)
		bundle, err := client.Request(context.Background(), req)
		if err != nil {
			t.Fatalf("Request failed: %v", err)
		}
		assertValidBundle(t, bundle, req.RequestedSpiffeID)
	})

	t.Run("request is repeatable", func(t *testing.T) {
		client, req := newImpl(t)
		ctx := context.Background()
		if _, err := client.Request(ctx, req); err != nil {
			t.Fatalf("first Request failed: %v", err)
		}
		if _, err := client.Request(ctx, req); err != nil {
			t.Fatalf("second Request failed: %v", err)
		}
	})

	t.Run("request honors context cancellation", func(t *testing.T) {
		client, req := newImpl(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if _, err := client.Request(ctx, req); err == nil {
			t.Error("Request with a canceled context should return an error")
		}
	})

	t.Run("revoke of an unknown serial does not panic", func(t *testing.T) {
		client, _ := newImpl(t)
		_ = client.Revoke(context.Background(), "nonexistent-serial", "contract test")
	})
}

func assertValidBundle(t *testing.T, bundle *domain.CertificateBundle, wantSpiffeID string) {
	t.Helper()
	if bundle == nil {
		t.Fatal("Request returned nil bundle without error")
	}
	if bundle.Leaf == nil {
		t.Fatal("CertificateBundle.Leaf must not be nil")
	}
	got, err := bundle.SpiffeURI()
	if err != nil {
		t.Fatalf("SpiffeURI() failed: %v", err)
	}
	if got != wantSpiffeID {
		t.Errorf("issued SAN = %q, want %q", got, wantSpiffeID)
	}
	if !bundle.ValidAt(time.Now()) {
		t.Error("freshly issued bundle should be valid now")
	}
	if bundle.NotAfter.Before(bundle.NotBefore) {
		t.Error("NotAfter must not be before NotBefore")
	}
}
