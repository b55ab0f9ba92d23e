package ports

import "github.com/pqsecure/mesh/internal/core/domain"

// PolicySource loads a PolicyRuleset from whatever document format and
// location the deployment uses (spec §6: "structured document ... SIGHUP
// or platform equivalent"). Load-time validation errors (malformed regex,
// unknown action) must be returned here, never deferred to evaluation time
// (spec §4.6).
type PolicySource interface {
	Load() (*domain.PolicyRuleset, error)

	// Watch invokes onChange with each subsequently loaded ruleset,
	// returning a stop function. Implementations that cannot watch (e.g.
	// a one-shot static loader) may return a no-op stop function and
	// never invoke onChange.
	Watch(onChange func(*domain.PolicyRuleset)) (stop func(), err error)
}
