// Package enforcer composes a loaded Policy with a parsed request into a
// single allow/deny decision for the pipeline to act on.
package enforcer

import (
	"github.com/zeroveil/gateway/internal/apierr"
	"github.com/zeroveil/gateway/internal/policy"
	"github.com/zeroveil/gateway/internal/validate"
)

// Decision is the outcome of evaluating a request against a policy.
type Decision struct {
	Allow bool
	Err   *apierr.Error
}

// Enforcer decides whether a parsed request may proceed to the upstream
// provider under the given policy.
type Enforcer struct{}

// New constructs an Enforcer. It holds no state — the policy is immutable
// and passed per call.
func New() *Enforcer {
	return &Enforcer{}
}

// Decide runs the full ordered validation against req (shape checks, then
// policy-governed checks) and returns the resulting Decision.
func (e *Enforcer) Decide(pol *policy.Policy, req *validate.Request) Decision {
	if err := validate.Check(req, pol); err != nil {
		return Decision{Allow: false, Err: err}
	}
	return Decision{Allow: true}
}
