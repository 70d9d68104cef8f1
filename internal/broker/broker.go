// Package broker arbitrates tool permission requests. For every
// submission it produces an authoritative outcome: automatically via
// the policy evaluator when the trust level or a remembered decision is
// conclusive, otherwise through a human round trip over the approval
// surfaces. Concurrent submissions for the same (profile, tool, scope)
// key coalesce onto one session so the approver sees exactly one prompt.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gateinfra/toolgate/internal/policy"
	"github.com/gateinfra/toolgate/internal/profile"
	"github.com/gateinfra/toolgate/internal/store"
	"github.com/gateinfra/toolgate/internal/types"
)

var (
	// ErrNoActiveProfile is returned when a submission arrives before any
	// profile is bound.
	ErrNoActiveProfile = errors.New("broker: no active profile")
	// ErrUnknownTool is returned when the registry has no manifest for
	// the requested tool.
	ErrUnknownTool = errors.New("broker: unknown tool")
)

// ManifestSource supplies read-only tool manifests, queried by id.
type ManifestSource interface {
	Manifest(toolID string) (types.ToolManifest, bool)
}

// Recorder receives one record per resolved request for the audit trail.
type Recorder interface {
	Record(ctx context.Context, rec types.ResolutionRecord) error
}

// NoopRecorder discards audit records.
type NoopRecorder struct{}

func (NoopRecorder) Record(context.Context, types.ResolutionRecord) error { return nil }

// Option is a functional option for configuring a Broker.
type Option func(*Broker)

// WithTimeout sets how long a session waits for a human decision before
// failing closed.
func WithTimeout(d time.Duration) Option {
	return func(b *Broker) { b.timeout = d }
}

// WithRecorder wires an audit recorder into the broker.
func WithRecorder(r Recorder) Option {
	return func(b *Broker) { b.recorder = r }
}

// WithRememberDeny enables persisting a human deny when the decision
// event asks for it. Off by default; only allow_always is persisted.
func WithRememberDeny(enabled bool) Option {
	return func(b *Broker) { b.rememberDeny = enabled }
}

// WithPromptBuffer sets the outbound prompt channel capacity.
func WithPromptBuffer(n int) Option {
	return func(b *Broker) { b.prompts = make(chan types.PromptEvent, n) }
}

// Broker is the single decision authority for the active profile. All
// session-table mutation happens under one mutex, so at most one
// session exists per key and every waiter on a key observes the same
// outcome. Submitters block outside the mutex.
type Broker struct {
	manifests    ManifestSource
	st           *store.Store
	recorder     Recorder
	logger       *slog.Logger
	timeout      time.Duration
	rememberDeny bool
	prompts      chan types.PromptEvent

	mu        sync.Mutex
	scope     *profile.Scope
	sessions  map[sessionKey]*session
	byRequest map[string]sessionKey
}

// New creates a Broker with no active profile bound.
func New(manifests ManifestSource, st *store.Store, logger *slog.Logger, opts ...Option) *Broker {
	b := &Broker{
		manifests: manifests,
		st:        st,
		recorder:  NoopRecorder{},
		logger:    logger.With("component", "broker"),
		timeout:   2 * time.Minute,
		prompts:   make(chan types.PromptEvent, 64),
		sessions:  make(map[sessionKey]*session),
		byRequest: make(map[string]sessionKey),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Prompts returns the outbound prompt stream consumed by the approval
// surface dispatcher.
func (b *Broker) Prompts() <-chan types.PromptEvent {
	return b.prompts
}

// ActiveProfile returns the bound profile id, or "" when none is bound.
func (b *Broker) ActiveProfile() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.scope == nil {
		return ""
	}
	return b.scope.ID()
}

// TrustLevel returns the active profile's trust level.
func (b *Broker) TrustLevel() (types.TrustLevel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.scope == nil {
		return 0, ErrNoActiveProfile
	}
	return b.scope.Trust(), nil
}

// SetTrustLevel updates the active profile's trust level.
func (b *Broker) SetTrustLevel(level types.TrustLevel) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.scope == nil {
		return ErrNoActiveProfile
	}
	return b.scope.SetTrust(level)
}

// RememberedAll lists the active profile's persisted decisions.
func (b *Broker) RememberedAll() (map[string]types.RememberedDecision, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.scope == nil {
		return nil, ErrNoActiveProfile
	}
	return b.scope.RememberedAll(), nil
}

// Forget revokes one remembered decision on the active profile.
func (b *Broker) Forget(toolID, fingerprint string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.scope == nil {
		return ErrNoActiveProfile
	}
	return b.scope.Forget(toolID, fingerprint)
}

// Submit arbitrates one permission request. It blocks until the request
// resolves: automatically, by a human decision, by timeout, or by
// cancellation. Every failure surfaces as a Deny outcome with a
// distinguishable reason, never as a hang.
func (b *Broker) Submit(ctx context.Context, req types.PermissionRequest) (types.Outcome, error) {
	start := time.Now()

	fp, err := policy.Fingerprint(req)
	if err != nil {
		return types.Denied(types.ReasonInvalidRequest), err
	}

	b.mu.Lock()
	if b.scope == nil {
		b.mu.Unlock()
		return types.Denied(types.ReasonNoProfile), ErrNoActiveProfile
	}
	scope := b.scope
	key := sessionKey{Profile: scope.ID(), Tool: req.Tool, Fingerprint: fp}

	// Coalesce onto an in-flight session for the same key: no second
	// prompt goes out while a human has not yet answered.
	if sess, ok := b.sessions[key]; ok && !sess.terminal() {
		w := sess.attach()
		b.mu.Unlock()
		return b.await(ctx, key, w, start)
	}

	manifest, ok := b.manifests.Manifest(req.Tool)
	if !ok {
		b.mu.Unlock()
		return types.Denied(types.ReasonUnknownTool), fmt.Errorf("%w: %s", ErrUnknownTool, req.Tool)
	}

	var remembered *types.RememberedDecision
	if rd, ok := scope.Remembered(req.Tool, fp); ok {
		remembered = &rd
	}

	verdict, err := policy.Evaluate(manifest, req, scope.Trust(), remembered)
	if err != nil {
		b.mu.Unlock()
		reason := types.ReasonInvalidRequest
		if errors.Is(err, policy.ErrInvalidManifest) {
			reason = types.ReasonInvalidManifest
		}
		return types.Denied(reason), err
	}

	switch verdict {
	case policy.VerdictAllow:
		out := b.concludeAllowLocked(scope, req, fp, remembered)
		b.mu.Unlock()
		b.record(req, key, out, start)
		return out, nil

	case policy.VerdictDeny:
		reason := types.ReasonPolicy
		if remembered != nil {
			reason = types.ReasonRemembered
		}
		b.mu.Unlock()
		out := types.Denied(reason)
		b.record(req, key, out, start)
		return out, nil
	}

	// VerdictAsk: open a fresh session with this request as its sole
	// initial waiter and dispatch exactly one prompt.
	prompt := b.buildPrompt(scope.ID(), manifest, req, fp)
	sess := newSession(key, prompt)
	w := sess.attach()
	b.sessions[key] = sess
	b.byRequest[req.ID] = key
	sess.timer = time.AfterFunc(b.timeout, func() { b.expire(key, sess) })
	b.mu.Unlock()

	select {
	case b.prompts <- prompt:
		b.mu.Lock()
		if cur, ok := b.sessions[key]; ok && cur == sess && sess.state == stateCreated {
			sess.state = stateAwaitingHuman
		}
		b.mu.Unlock()
	case <-ctx.Done():
		b.abandon(key, sess, w)
		return types.Denied(types.ReasonCanceled), ctx.Err()
	}

	return b.await(ctx, key, w, start)
}

// concludeAllowLocked finalizes a conclusive allow. Called with b.mu
// held. A remembered allow_always reports as allow_always; a trust-3
// allow with the caller's remember hint set is persisted, and only then
// (explicit remember persists on caller intent, never silently).
func (b *Broker) concludeAllowLocked(scope *profile.Scope, req types.PermissionRequest, fp string, remembered *types.RememberedDecision) types.Outcome {
	if remembered != nil {
		return types.Outcome{Decision: types.AllowAlways, Reason: types.ReasonRemembered}
	}
	if req.Remember {
		if err := scope.Remember(req.Tool, fp, types.AllowAlways); err != nil {
			// The in-memory verdict stays authoritative; only the memory
			// of it for future calls is lost, which biases toward asking
			// again rather than silently allowing.
			b.logger.Warn("persist allow failed", "tool", req.Tool, "error", err)
		}
		return types.Outcome{Decision: types.AllowAlways, Reason: types.ReasonPolicy}
	}
	return types.Outcome{Decision: types.AllowOnce, Reason: types.ReasonPolicy}
}

// await blocks until the session resolves or the submitter's context is
// canceled. A canceled submitter detaches without affecting the session
// or the other waiters on it.
func (b *Broker) await(ctx context.Context, key sessionKey, w *waiter, start time.Time) (types.Outcome, error) {
	select {
	case out := <-w.ch:
		return out, nil
	case <-ctx.Done():
		b.mu.Lock()
		if sess, ok := b.sessions[key]; ok {
			sess.detach(w)
		}
		b.mu.Unlock()
		// The outcome may have raced the cancellation; prefer it.
		select {
		case out := <-w.ch:
			return out, nil
		default:
		}
		return types.Denied(types.ReasonCanceled), ctx.Err()
	}
}

// Resolve applies an inbound decision event. It reports false when the
// event matches no live session (late or duplicate events are no-ops,
// the surface channel is at-least-once).
func (b *Broker) Resolve(ev types.DecisionEvent) bool {
	if !ev.Decision.Valid() {
		b.logger.Warn("dropping malformed decision event", "request", ev.RequestID, "decision", ev.Decision)
		return false
	}

	b.mu.Lock()
	key, ok := b.byRequest[ev.RequestID]
	if !ok {
		b.mu.Unlock()
		return false
	}
	sess, ok := b.sessions[key]
	if !ok || sess.terminal() {
		b.mu.Unlock()
		return false
	}

	out := types.Outcome{Decision: ev.Decision, Reason: types.ReasonHuman}
	scope := b.scope

	// Persist before delivery so a submitter that immediately retries
	// the same key sees the remembered decision.
	if scope != nil && scope.ID() == key.Profile {
		switch {
		case ev.Decision == types.AllowAlways:
			if err := scope.Remember(key.Tool, key.Fingerprint, types.AllowAlways); err != nil {
				b.logger.Warn("persist allow_always failed", "tool", key.Tool, "error", err)
			}
		case ev.Decision == types.Deny && ev.Remember && b.rememberDeny:
			if err := scope.Remember(key.Tool, key.Fingerprint, types.Deny); err != nil {
				b.logger.Warn("persist deny failed", "tool", key.Tool, "error", err)
			}
		}
	}

	waiting := len(sess.waiters)
	sess.finish(stateResolved, out)
	b.dropSessionLocked(key)
	b.mu.Unlock()

	b.logger.Info("session resolved",
		"tool", key.Tool, "decision", ev.Decision, "approver", ev.Approver, "waiters", waiting)
	b.recordResolution(key, sess.prompt.RequestID, out, sess.created)
	return true
}

// expire fails a session closed after the approver window elapses. The
// session pointer guards against a key that was freed and reused.
func (b *Broker) expire(key sessionKey, sess *session) {
	b.mu.Lock()
	cur, ok := b.sessions[key]
	if !ok || cur != sess || sess.terminal() {
		b.mu.Unlock()
		return
	}
	out := types.Denied(types.ReasonTimeout)
	sess.finish(stateTimedOut, out)
	b.dropSessionLocked(key)
	b.mu.Unlock()

	b.logger.Warn("session timed out", "tool", key.Tool, "scope", key.Fingerprint)
	b.recordResolution(key, sess.prompt.RequestID, out, sess.created)
}

// abandon tears down a session whose sole submitter gave up before the
// prompt could even be dispatched.
func (b *Broker) abandon(key sessionKey, sess *session, w *waiter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cur, ok := b.sessions[key]
	if !ok || cur != sess || sess.terminal() {
		return
	}
	sess.detach(w)
	if len(sess.waiters) == 0 {
		sess.finish(stateCanceled, types.Denied(types.ReasonCanceled))
		b.dropSessionLocked(key)
	}
}

// SwitchProfile atomically swaps the active scope. Every session bound
// to the outgoing profile resolves its waiters with Deny and is
// discarded without persisting: switching profiles is not a decision by
// the new profile's owner. No submission is ever evaluated against a
// trust level belonging to a different profile than it targets.
func (b *Broker) SwitchProfile(profileID string) error {
	scope, err := profile.NewScope(profileID, b.st)
	if err != nil {
		return err
	}

	b.mu.Lock()
	canceled := b.cancelAllLocked()
	old := ""
	if b.scope != nil {
		old = b.scope.ID()
	}
	b.scope = scope
	b.mu.Unlock()

	b.logger.Info("profile switched", "from", old, "to", profileID, "canceledSessions", canceled)
	return nil
}

// DeleteProfile purges a profile's persisted state. Deleting the active
// profile also cancels its sessions and unbinds the broker.
func (b *Broker) DeleteProfile(profileID string) error {
	b.mu.Lock()
	if b.scope != nil && b.scope.ID() == profileID {
		b.cancelAllLocked()
		b.scope = nil
	}
	b.mu.Unlock()

	if err := b.st.PurgeProfile(profileID); err != nil {
		return err
	}
	b.logger.Info("profile deleted", "profile", profileID)
	return nil
}

// cancelAllLocked fails every live session closed with Canceled. Called
// with b.mu held.
func (b *Broker) cancelAllLocked() int {
	n := 0
	for key, sess := range b.sessions {
		if sess.terminal() {
			continue
		}
		sess.finish(stateCanceled, types.Denied(types.ReasonCanceled))
		delete(b.sessions, key)
		delete(b.byRequest, sess.prompt.RequestID)
		n++
	}
	return n
}

func (b *Broker) dropSessionLocked(key sessionKey) {
	if sess, ok := b.sessions[key]; ok {
		delete(b.byRequest, sess.prompt.RequestID)
		delete(b.sessions, key)
	}
}

// buildPrompt assembles the event the approver sees: risk summary at
// the effective (reversibility-discounted) tier, reversibility, and the
// cloud descriptor when the action may leave the device.
func (b *Broker) buildPrompt(profileID string, manifest types.ToolManifest, req types.PermissionRequest, fp string) types.PromptEvent {
	risk := req.Risk
	if risk.Primary == "" {
		risk.Primary = string(policy.EffectiveRisk(manifest, req))
	}
	return types.PromptEvent{
		RequestID:  req.ID,
		Profile:    profileID,
		Tool:       req.Tool,
		Action:     req.Action,
		Scope:      req.Scope,
		Risk:       risk,
		Reversible: req.Reversible,
		Cloud:      req.Cloud,
		IssuedAt:   time.Now().UTC(),
	}
}

func (b *Broker) record(req types.PermissionRequest, key sessionKey, out types.Outcome, start time.Time) {
	rec := types.ResolutionRecord{
		RequestID:   req.ID,
		Profile:     key.Profile,
		Tool:        key.Tool,
		Fingerprint: key.Fingerprint,
		Decision:    out.Decision,
		Reason:      out.Reason,
		Latency:     time.Since(start),
		RecordedAt:  time.Now().UTC(),
	}
	if err := b.recorder.Record(context.Background(), rec); err != nil {
		b.logger.Warn("audit record failed", "request", req.ID, "error", err)
	}
}

func (b *Broker) recordResolution(key sessionKey, requestID string, out types.Outcome, started time.Time) {
	rec := types.ResolutionRecord{
		RequestID:   requestID,
		Profile:     key.Profile,
		Tool:        key.Tool,
		Fingerprint: key.Fingerprint,
		Decision:    out.Decision,
		Reason:      out.Reason,
		Latency:     time.Since(started),
		RecordedAt:  time.Now().UTC(),
	}
	if err := b.recorder.Record(context.Background(), rec); err != nil {
		b.logger.Warn("audit record failed", "request", requestID, "error", err)
	}
}
