// Package policysource provides a contract test suite for ports.PolicySource
// implementations.
package policysource

import (
	"testing"

	"github.com/pqsecure/mesh/internal/core/domain"
	"github.com/pqsecure/mesh/internal/core/ports"
)

// Factory constructs a fresh ports.PolicySource backed by a ruleset the
// factory is known to provide (at least one allow rule, a default-deny).
type Factory func(t *testing.T) ports.PolicySource

// Run executes the contract test suite against any ports.PolicySource
// implementation.
func Run(t *testing.T, newImpl Factory) {
	t.Helper()

	t.Run("load returns a non-nil ruleset", func(t *testing.T) {
		source := newImpl(t)
		ruleset, err := source.Load()
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if ruleset == nil {
			t.Fatal("Load returned nil ruleset without error")
		}
	})

	t.Run("load is repeatable and deterministic", func(t *testing.T) {
		source := newImpl(t)
		first, err := source.Load()
		if err != nil {
			t.Fatalf("first Load failed: %v", err)
		}
		second, err := source.Load()
		if err != nil {
			t.Fatalf("second Load failed: %v", err)
		}
		if first.ID != second.ID {
			t.Errorf("repeated Load produced different ruleset IDs: %q vs %q", first.ID, second.ID)
		}
		if first.DefaultAction != second.DefaultAction {
			t.Error("repeated Load produced different DefaultAction")
		}
	})

	t.Run("watch returns a stop function that is safe to call twice", func(t *testing.T) {
		source := newImpl(t)
		stop, err := source.Watch(func(*domain.PolicyRuleset) {})
		if err != nil {
			t.Fatalf("Watch failed: %v", err)
		}
		if stop == nil {
			t.Fatal("Watch returned a nil stop function")
		}
		stop()
		stop()
	})
}
