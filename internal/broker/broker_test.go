package broker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gateinfra/toolgate/internal/store"
	"github.com/gateinfra/toolgate/internal/types"
)

type fakeManifests map[string]types.ToolManifest

func (f fakeManifests) Manifest(id string) (types.ToolManifest, bool) {
	m, ok := f[id]
	return m, ok
}

type countingRecorder struct {
	mu   sync.Mutex
	recs []types.ResolutionRecord
}

func (c *countingRecorder) Record(_ context.Context, rec types.ResolutionRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recs = append(c.recs, rec)
	return nil
}

func (c *countingRecorder) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.recs)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testManifests() fakeManifests {
	return fakeManifests{
		"file.write": {ID: "file.write", Permissions: types.Permissions{Write: true}, Risk: types.RiskMedium},
		"file.read":  {ID: "file.read", Permissions: types.Permissions{Read: true}, Risk: types.RiskLow, Reversible: true},
	}
}

func testBroker(t *testing.T, opts ...Option) *Broker {
	t.Helper()
	st, err := store.New(t.TempDir(), discardLogger())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	b := New(testManifests(), st, discardLogger(), opts...)
	if err := b.SwitchProfile("p1"); err != nil {
		t.Fatalf("switch profile: %v", err)
	}
	return b
}

func request(tool, scope string) types.PermissionRequest {
	return types.PermissionRequest{
		ID:        types.NewRequestID(),
		Tool:      tool,
		Action:    "write",
		Scope:     scope,
		Risk:      types.RiskSummary{Primary: "medium"},
		CreatedAt: time.Now(),
	}
}

// drainPrompt waits for exactly one prompt event.
func drainPrompt(t *testing.T, b *Broker) types.PromptEvent {
	t.Helper()
	select {
	case p := <-b.Prompts():
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("no prompt dispatched")
		return types.PromptEvent{}
	}
}

func TestSubmitNoActiveProfile(t *testing.T) {
	st, err := store.New(t.TempDir(), discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	b := New(testManifests(), st, discardLogger())

	out, err := b.Submit(context.Background(), request("file.write", "/x"))
	if !errors.Is(err, ErrNoActiveProfile) {
		t.Fatalf("expected ErrNoActiveProfile, got %v", err)
	}
	if out.Decision != types.Deny || out.Reason != types.ReasonNoProfile {
		t.Fatalf("got %+v, want deny/no_active_profile", out)
	}
}

func TestSubmitUnknownTool(t *testing.T) {
	b := testBroker(t)
	out, err := b.Submit(context.Background(), request("nope", "/x"))
	if !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("expected ErrUnknownTool, got %v", err)
	}
	if out.Decision != types.Deny || out.Reason != types.ReasonUnknownTool {
		t.Fatalf("got %+v", out)
	}
}

func TestSubmitInvalidRequest(t *testing.T) {
	b := testBroker(t)
	req := request("file.write", "")
	out, err := b.Submit(context.Background(), req)
	if err == nil {
		t.Fatal("expected error for request with no scope")
	}
	if out.Reason != types.ReasonInvalidRequest {
		t.Fatalf("reason = %s, want invalid_request", out.Reason)
	}
}

func TestTrustZeroAutoDenies(t *testing.T) {
	b := testBroker(t)
	if err := b.SetTrustLevel(types.TrustDenyAll); err != nil {
		t.Fatal(err)
	}
	out, err := b.Submit(context.Background(), request("file.write", "/x"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out.Decision != types.Deny || out.Reason != types.ReasonPolicy {
		t.Fatalf("got %+v, want policy deny", out)
	}
}

func TestTrustThreeAutoAllows(t *testing.T) {
	b := testBroker(t)
	if err := b.SetTrustLevel(types.TrustAllowAll); err != nil {
		t.Fatal(err)
	}
	out, err := b.Submit(context.Background(), request("file.write", "/x"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out.Decision != types.AllowOnce || out.Reason != types.ReasonPolicy {
		t.Fatalf("got %+v, want allow_once/policy", out)
	}

	select {
	case p := <-b.Prompts():
		t.Fatalf("unexpected prompt at trust 3: %+v", p)
	default:
	}
}

func TestTrustThreeRememberPersists(t *testing.T) {
	b := testBroker(t)
	if err := b.SetTrustLevel(types.TrustAllowAll); err != nil {
		t.Fatal(err)
	}

	req := request("file.write", "/x")
	req.Remember = true
	out, err := b.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out.Decision != types.AllowAlways {
		t.Fatalf("decision = %s, want allow_always", out.Decision)
	}

	// Drop back to ask-always; the remembered decision must still allow.
	if err := b.SetTrustLevel(types.TrustAskAlways); err != nil {
		t.Fatal(err)
	}
	out2, err := b.Submit(context.Background(), request("file.write", "/x"))
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if out2.Decision != types.AllowAlways || out2.Reason != types.ReasonRemembered {
		t.Fatalf("got %+v, want remembered allow", out2)
	}
}

func TestHumanRoundTrip(t *testing.T) {
	b := testBroker(t, WithTimeout(5*time.Second))

	done := make(chan types.Outcome, 1)
	go func() {
		out, _ := b.Submit(context.Background(), request("file.write", "/reports/out.csv"))
		done <- out
	}()

	p := drainPrompt(t, b)
	if p.Tool != "file.write" || p.Scope != "/reports/out.csv" {
		t.Fatalf("prompt = %+v", p)
	}
	if !b.Resolve(types.DecisionEvent{RequestID: p.RequestID, Decision: types.AllowOnce, Approver: "tester"}) {
		t.Fatal("resolve rejected a live session")
	}

	out := <-done
	if out.Decision != types.AllowOnce || out.Reason != types.ReasonHuman {
		t.Fatalf("got %+v, want human allow_once", out)
	}
}

func TestAskOnceThenRemember(t *testing.T) {
	// trustLevel=2: ask once per key, remember the answer, never prompt
	// again for the same key.
	b := testBroker(t, WithTimeout(5*time.Second))
	if err := b.SetTrustLevel(types.TrustAskOnce); err != nil {
		t.Fatal(err)
	}

	req := request("file.write", "/reports/out.csv")
	req.Remember = true
	done := make(chan types.Outcome, 1)
	go func() {
		out, _ := b.Submit(context.Background(), req)
		done <- out
	}()

	p := drainPrompt(t, b)
	b.Resolve(types.DecisionEvent{RequestID: p.RequestID, Decision: types.AllowAlways})

	if out := <-done; out.Decision != types.AllowAlways {
		t.Fatalf("first outcome = %+v", out)
	}

	// Identical request later in the same profile session: no prompt.
	out2, err := b.Submit(context.Background(), request("file.write", "/reports/out.csv"))
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if out2.Decision != types.AllowAlways || out2.Reason != types.ReasonRemembered {
		t.Fatalf("second outcome = %+v", out2)
	}
	select {
	case p := <-b.Prompts():
		t.Fatalf("second prompt dispatched: %+v", p)
	default:
	}

	// A different scope under the same tool still asks.
	go func() {
		out, _ := b.Submit(context.Background(), request("file.write", "/reports/other.csv"))
		done <- out
	}()
	p2 := drainPrompt(t, b)
	b.Resolve(types.DecisionEvent{RequestID: p2.RequestID, Decision: types.Deny})
	if out := <-done; out.Decision != types.Deny {
		t.Fatalf("other-scope outcome = %+v", out)
	}
}

func TestConcurrentSubmissionsCoalesce(t *testing.T) {
	b := testBroker(t, WithTimeout(5*time.Second))

	const n = 5
	outs := make(chan types.Outcome, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, _ := b.Submit(context.Background(), request("file.write", "/shared"))
			outs <- out
		}()
	}

	p := drainPrompt(t, b)

	// Give the remaining submissions time to coalesce, then check that
	// only one prompt went out.
	deadline := time.After(2 * time.Second)
	for {
		b.mu.Lock()
		var waiting int
		for _, sess := range b.sessions {
			waiting = len(sess.waiters)
		}
		b.mu.Unlock()
		if waiting == n {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("only %d of %d submissions coalesced", waiting, n)
		case <-time.After(10 * time.Millisecond):
		}
	}

	select {
	case extra := <-b.Prompts():
		t.Fatalf("second prompt for coalesced key: %+v", extra)
	default:
	}

	b.Resolve(types.DecisionEvent{RequestID: p.RequestID, Decision: types.AllowOnce})

	wg.Wait()
	close(outs)
	for out := range outs {
		if out.Decision != types.AllowOnce || out.Reason != types.ReasonHuman {
			t.Fatalf("waiter saw %+v, want identical human allow_once", out)
		}
	}
}

func TestTimeoutFailsClosedAndFreesKey(t *testing.T) {
	b := testBroker(t, WithTimeout(50*time.Millisecond))

	out, err := b.Submit(context.Background(), request("file.write", "/x"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out.Decision != types.Deny || out.Reason != types.ReasonTimeout {
		t.Fatalf("got %+v, want timeout deny", out)
	}
	p := drainPrompt(t, b)

	// Late decision for the expired session is a no-op.
	if b.Resolve(types.DecisionEvent{RequestID: p.RequestID, Decision: types.AllowAlways}) {
		t.Fatal("late decision resolved an expired session")
	}
	all, err := b.RememberedAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 0 {
		t.Fatalf("late decision persisted after timeout: %v", all)
	}

	// The key is free again: a new submission opens a fresh session.
	done := make(chan types.Outcome, 1)
	go func() {
		out, _ := b.Submit(context.Background(), request("file.write", "/x"))
		done <- out
	}()
	p2 := drainPrompt(t, b)
	if p2.RequestID == p.RequestID {
		t.Fatal("expired session reused for new submission")
	}
	b.Resolve(types.DecisionEvent{RequestID: p2.RequestID, Decision: types.AllowOnce})
	if out := <-done; out.Decision != types.AllowOnce {
		t.Fatalf("fresh session outcome = %+v", out)
	}
}

func TestProfileSwitchCancelsSessions(t *testing.T) {
	b := testBroker(t, WithTimeout(5*time.Second))

	done := make(chan types.Outcome, 1)
	go func() {
		out, _ := b.Submit(context.Background(), request("file.write", "/x"))
		done <- out
	}()
	p := drainPrompt(t, b)

	if err := b.SwitchProfile("p2"); err != nil {
		t.Fatalf("switch: %v", err)
	}

	out := <-done
	if out.Decision != types.Deny || out.Reason != types.ReasonCanceled {
		t.Fatalf("got %+v, want canceled deny", out)
	}

	// A decision for the old session arriving after the switch is a
	// no-op and persists nothing for the new profile.
	if b.Resolve(types.DecisionEvent{RequestID: p.RequestID, Decision: types.AllowAlways}) {
		t.Fatal("stale decision resolved after profile switch")
	}
	all, err := b.RememberedAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 0 {
		t.Fatalf("stale decision persisted: %v", all)
	}
}

func TestDuplicateDecisionIsNoOp(t *testing.T) {
	b := testBroker(t, WithTimeout(5*time.Second))

	done := make(chan types.Outcome, 1)
	go func() {
		out, _ := b.Submit(context.Background(), request("file.write", "/x"))
		done <- out
	}()
	p := drainPrompt(t, b)

	if !b.Resolve(types.DecisionEvent{RequestID: p.RequestID, Decision: types.Deny}) {
		t.Fatal("first decision rejected")
	}
	if b.Resolve(types.DecisionEvent{RequestID: p.RequestID, Decision: types.AllowAlways}) {
		t.Fatal("duplicate decision was not a no-op")
	}
	if out := <-done; out.Decision != types.Deny {
		t.Fatalf("got %+v, want the first decision", out)
	}
}

func TestSubmitterContextCancelDetaches(t *testing.T) {
	b := testBroker(t, WithTimeout(5*time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan types.Outcome, 1)
	go func() {
		out, _ := b.Submit(ctx, request("file.write", "/x"))
		done <- out
	}()
	p := drainPrompt(t, b)

	// A second waiter stays attached after the first gives up.
	done2 := make(chan types.Outcome, 1)
	go func() {
		out, _ := b.Submit(context.Background(), request("file.write", "/x"))
		done2 <- out
	}()

	deadline := time.After(2 * time.Second)
	for {
		b.mu.Lock()
		var waiting int
		for _, sess := range b.sessions {
			waiting = len(sess.waiters)
		}
		b.mu.Unlock()
		if waiting == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("second submission never coalesced")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	out := <-done
	if out.Decision != types.Deny || out.Reason != types.ReasonCanceled {
		t.Fatalf("canceled submitter got %+v", out)
	}

	b.Resolve(types.DecisionEvent{RequestID: p.RequestID, Decision: types.AllowOnce})
	if out2 := <-done2; out2.Decision != types.AllowOnce {
		t.Fatalf("surviving waiter got %+v", out2)
	}
}

func TestRememberedDenyRequiresOptIn(t *testing.T) {
	// Persisted deny-remembering is configurable; default off.
	run := func(t *testing.T, optIn bool) map[string]types.RememberedDecision {
		var opts []Option
		opts = append(opts, WithTimeout(5*time.Second))
		if optIn {
			opts = append(opts, WithRememberDeny(true))
		}
		b := testBroker(t, opts...)

		done := make(chan types.Outcome, 1)
		go func() {
			out, _ := b.Submit(context.Background(), request("file.write", "/x"))
			done <- out
		}()
		p := drainPrompt(t, b)
		b.Resolve(types.DecisionEvent{RequestID: p.RequestID, Decision: types.Deny, Remember: true})
		<-done

		all, err := b.RememberedAll()
		if err != nil {
			t.Fatal(err)
		}
		return all
	}

	if all := run(t, false); len(all) != 0 {
		t.Fatalf("deny persisted without opt-in: %v", all)
	}
	if all := run(t, true); len(all) != 1 {
		t.Fatalf("deny not persisted with opt-in: %v", all)
	}
}

func TestDeleteProfilePurgesDecisions(t *testing.T) {
	b := testBroker(t)
	if err := b.SetTrustLevel(types.TrustAllowAll); err != nil {
		t.Fatal(err)
	}
	req := request("file.write", "/x")
	req.Remember = true
	if _, err := b.Submit(context.Background(), req); err != nil {
		t.Fatal(err)
	}

	if err := b.DeleteProfile("p1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got := b.ActiveProfile(); got != "" {
		t.Fatalf("active profile after delete = %q", got)
	}

	if err := b.SwitchProfile("p1"); err != nil {
		t.Fatal(err)
	}
	all, err := b.RememberedAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 0 {
		t.Fatalf("decisions survived profile delete: %v", all)
	}
}

func TestAuditRecordsEveryResolution(t *testing.T) {
	rec := &countingRecorder{}
	b := testBroker(t, WithTimeout(5*time.Second), WithRecorder(rec))

	// Automatic resolution.
	if err := b.SetTrustLevel(types.TrustAllowAll); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Submit(context.Background(), request("file.write", "/a")); err != nil {
		t.Fatal(err)
	}

	// Human resolution.
	if err := b.SetTrustLevel(types.TrustAskAlways); err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = b.Submit(context.Background(), request("file.write", "/b"))
	}()
	p := drainPrompt(t, b)
	b.Resolve(types.DecisionEvent{RequestID: p.RequestID, Decision: types.Deny})
	<-done

	if got := rec.count(); got != 2 {
		t.Fatalf("audit records = %d, want 2", got)
	}
}
