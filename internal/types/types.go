// Package types provides shared types used across toolgate packages
// to avoid import cycles between the broker and the approval surfaces.
package types

import (
	"time"

	"github.com/google/uuid"
)

// TrustLevel is the profile-wide policy knob controlling how much is
// decided automatically. Valid values are 0 through 3.
type TrustLevel int

const (
	// TrustDenyAll denies every request automatically.
	TrustDenyAll TrustLevel = 0
	// TrustAskAlways asks the approver for every request.
	TrustAskAlways TrustLevel = 1
	// TrustAskOnce asks once per (tool, scope) key, then remembers.
	TrustAskOnce TrustLevel = 2
	// TrustAllowAll allows every request automatically.
	TrustAllowAll TrustLevel = 3
)

// Valid reports whether the trust level is within the [0,3] range.
func (t TrustLevel) Valid() bool {
	return t >= TrustDenyAll && t <= TrustAllowAll
}

// RiskLevel classifies a tool's inherent danger.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Valid reports whether the risk level is one of the enumerated values.
func (r RiskLevel) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh:
		return true
	}
	return false
}

// Discounted returns the risk level lowered by one tier. Reversible
// actions are evaluated at the discounted tier.
func (r RiskLevel) Discounted() RiskLevel {
	switch r {
	case RiskHigh:
		return RiskMedium
	case RiskMedium:
		return RiskLow
	}
	return RiskLow
}

// Decision is a permission outcome. AllowOnce authorizes exactly one
// request and is never persisted; AllowAlways (and, optionally, Deny)
// may be remembered per (tool, scope) key.
type Decision string

const (
	Deny        Decision = "deny"
	AllowOnce   Decision = "allow_once"
	AllowAlways Decision = "allow_always"
)

// Valid reports whether the decision is one of the enumerated values.
func (d Decision) Valid() bool {
	switch d {
	case Deny, AllowOnce, AllowAlways:
		return true
	}
	return false
}

// Allowed reports whether the decision permits execution.
func (d Decision) Allowed() bool {
	return d == AllowOnce || d == AllowAlways
}

// Permissions declares what a tool may touch.
type Permissions struct {
	Read    bool `json:"read" yaml:"read"`
	Write   bool `json:"write" yaml:"write"`
	Execute bool `json:"execute" yaml:"execute"`
}

// ToolManifest describes a registered tool. Manifests are owned by the
// tool registry and are read-only from the engine's point of view.
type ToolManifest struct {
	ID          string      `json:"id" yaml:"id"`
	Permissions Permissions `json:"permissions" yaml:"permissions"`
	Risk        RiskLevel   `json:"riskLevel" yaml:"riskLevel"`
	Reversible  bool        `json:"reversible" yaml:"reversible"`
	Sandbox     bool        `json:"sandbox" yaml:"sandbox"`
}

// CloudDescriptor marks a request that may transmit data off-device.
type CloudDescriptor struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// RiskSummary is the human-facing risk breakdown carried on a request.
type RiskSummary struct {
	Primary   string   `json:"primary"`
	Secondary []string `json:"secondary,omitempty"`
}

// PermissionRequest is one tool-invocation attempt awaiting a verdict.
// Immutable once created; owned by the arbitration session that
// processes it until resolution.
type PermissionRequest struct {
	ID         string           `json:"id"`
	Tool       string           `json:"tool"`
	Action     string           `json:"action,omitempty"`
	Scope      string           `json:"scope,omitempty"`
	Input      string           `json:"input,omitempty"`
	Output     string           `json:"output,omitempty"`
	Risk       RiskSummary      `json:"risk"`
	Reversible bool             `json:"reversible"`
	Cloud      *CloudDescriptor `json:"cloud,omitempty"`
	Remember   bool             `json:"remember"`
	Trust      TrustLevel       `json:"trustLevel"`
	CreatedAt  time.Time        `json:"createdAt"`
}

// NewRequestID returns a fresh unique request identifier.
func NewRequestID() string {
	return uuid.NewString()
}

// RememberedDecision is a persisted outcome keyed by
// (profile, tool, scope fingerprint).
type RememberedDecision struct {
	Decision   Decision  `json:"decision"`
	RecordedAt time.Time `json:"recordedAt"`
}

// PromptEvent is the outbound event delivered to approval surfaces when
// automated policy cannot decide alone.
type PromptEvent struct {
	RequestID  string           `json:"requestId"`
	Profile    string           `json:"profile"`
	Tool       string           `json:"tool"`
	Action     string           `json:"action,omitempty"`
	Scope      string           `json:"scope,omitempty"`
	Risk       RiskSummary      `json:"risk"`
	Reversible bool             `json:"reversible"`
	Cloud      *CloudDescriptor `json:"cloud,omitempty"`
	IssuedAt   time.Time        `json:"issuedAt"`
}

// DecisionEvent is the inbound event from an approval surface answering
// a prompt. Duplicate events for an already-resolved request are no-ops.
type DecisionEvent struct {
	RequestID string   `json:"requestId"`
	Decision  Decision `json:"decision"`
	Remember  bool     `json:"remember"`
	Approver  string   `json:"approver,omitempty"`
}

// ReasonCode identifies where an outcome came from. Every failure path
// surfaces as a Deny with a distinguishable reason, never as a hang.
type ReasonCode string

const (
	ReasonPolicy          ReasonCode = "trust_policy"
	ReasonRemembered      ReasonCode = "remembered"
	ReasonHuman           ReasonCode = "human"
	ReasonTimeout         ReasonCode = "timeout"
	ReasonCanceled        ReasonCode = "canceled"
	ReasonInvalidRequest  ReasonCode = "invalid_request"
	ReasonInvalidManifest ReasonCode = "invalid_manifest"
	ReasonNoProfile       ReasonCode = "no_active_profile"
	ReasonUnknownTool     ReasonCode = "unknown_tool"
)

// Outcome is the final resolution delivered to a submitter.
type Outcome struct {
	Decision Decision   `json:"decision"`
	Reason   ReasonCode `json:"reason"`
}

// Denied returns a Deny outcome with the given reason.
func Denied(reason ReasonCode) Outcome {
	return Outcome{Decision: Deny, Reason: reason}
}

// ResolutionRecord captures one resolved request for the audit trail.
type ResolutionRecord struct {
	RequestID   string        `json:"requestId"`
	Profile     string        `json:"profile"`
	Tool        string        `json:"tool"`
	Fingerprint string        `json:"fingerprint"`
	Decision    Decision      `json:"decision"`
	Reason      ReasonCode    `json:"reason"`
	Latency     time.Duration `json:"latency"`
	RecordedAt  time.Time     `json:"recordedAt"`
}
