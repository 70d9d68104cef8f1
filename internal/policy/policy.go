// Package policy implements the pure automated verdict function. It
// performs no I/O; the broker feeds it the manifest, the request, the
// active trust level and any remembered decision, and acts on the result.
package policy

import (
	"errors"
	"fmt"

	"github.com/gateinfra/toolgate/internal/types"
)

var (
	// ErrInvalidManifest is returned when a manifest carries a risk level
	// outside the enumerated set. Fatal to the request, not the engine.
	ErrInvalidManifest = errors.New("policy: invalid manifest")
	// ErrInvalidRequest is returned when no scope fingerprint can be
	// derived from a request (scope and input both absent).
	ErrInvalidRequest = errors.New("policy: invalid request")
)

// Verdict is the automated outcome of evaluating one request.
type Verdict int

const (
	// VerdictAsk means automated policy cannot decide alone and a human
	// round trip is required.
	VerdictAsk Verdict = iota
	// VerdictAllow conclusively allows the request.
	VerdictAllow
	// VerdictDeny conclusively denies the request.
	VerdictDeny
)

func (v Verdict) String() string {
	switch v {
	case VerdictAllow:
		return "allow"
	case VerdictDeny:
		return "deny"
	}
	return "ask"
}

// EffectiveRisk returns the manifest risk discounted by one tier when the
// request is reversible. Reversible actions are safer to auto-approve.
func EffectiveRisk(m types.ToolManifest, req types.PermissionRequest) types.RiskLevel {
	if req.Reversible {
		return m.Risk.Discounted()
	}
	return m.Risk
}

// Evaluate computes the automated verdict for one request. Deterministic,
// no side effects.
//
// A remembered decision for the exact (tool, fingerprint) key
// short-circuits trust-level logic entirely. Otherwise the trust level
// decides: 0 denies, 3 allows, 1 and 2 ask (level-2 callers are expected
// to remember the answer so each key is asked at most once).
//
// A cloud descriptor never changes the verdict by itself; it is surfaced
// to the approver prompt as context. Cloud-tagged requests at trust
// level 3 still auto-allow.
func Evaluate(m types.ToolManifest, req types.PermissionRequest, trust types.TrustLevel, remembered *types.RememberedDecision) (Verdict, error) {
	if !m.Risk.Valid() {
		return VerdictDeny, fmt.Errorf("%w: tool %q risk level %q", ErrInvalidManifest, m.ID, m.Risk)
	}
	if _, err := Fingerprint(req); err != nil {
		return VerdictDeny, err
	}

	if remembered != nil {
		switch remembered.Decision {
		case types.AllowAlways:
			return VerdictAllow, nil
		case types.Deny:
			return VerdictDeny, nil
		}
	}

	switch trust {
	case types.TrustDenyAll:
		return VerdictDeny, nil
	case types.TrustAllowAll:
		return VerdictAllow, nil
	case types.TrustAskAlways, types.TrustAskOnce:
		return VerdictAsk, nil
	}
	return VerdictDeny, fmt.Errorf("policy: trust level %d out of range", trust)
}
