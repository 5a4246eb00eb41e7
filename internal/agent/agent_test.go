package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/quicktab/tabsync/internal/tabsync"
	"github.com/quicktab/tabsync/internal/transport"
)

// fakeTier is a scriptable Tier. When respond is set, a mutation send
// is answered synchronously with the scripted result, the way the HTTP
// tier surfaces coordinator replies.
type fakeTier struct {
	name      string
	available bool
	sendErr   error
	respond   func(req tabsync.MutationRequest) tabsync.MutationResult

	mu   sync.Mutex
	sent []tabsync.Envelope
	subs []func(tabsync.Envelope)
}

func newFakeTier(name string) *fakeTier {
	return &fakeTier{name: name, available: true}
}

func (f *fakeTier) Name() string    { return f.name }
func (f *fakeTier) Available() bool { return f.available }

func (f *fakeTier) Send(ctx context.Context, env tabsync.Envelope) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.mu.Lock()
	f.sent = append(f.sent, env)
	respond := f.respond
	f.mu.Unlock()
	if respond != nil && env.Type == tabsync.EnvelopeMutation && env.Mutation != nil {
		result := respond(*env.Mutation)
		f.deliver(tabsync.Envelope{
			Type:          tabsync.EnvelopeMutationResult,
			CorrelationID: env.CorrelationID,
			Result:        &result,
		})
	}
	return nil
}

func (f *fakeTier) Subscribe(fn func(tabsync.Envelope)) func() {
	f.mu.Lock()
	f.subs = append(f.subs, fn)
	idx := len(f.subs) - 1
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.subs[idx] = nil
		f.mu.Unlock()
	}
}

func (f *fakeTier) deliver(env tabsync.Envelope) {
	f.mu.Lock()
	fns := append([]func(tabsync.Envelope){}, f.subs...)
	f.mu.Unlock()
	for _, fn := range fns {
		if fn != nil {
			fn(env)
		}
	}
}

func (f *fakeTier) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// fakeQuerier serves a scripted snapshot.
type fakeQuerier struct {
	mu   sync.Mutex
	snap tabsync.StateSnapshot
	err  error
}

func (f *fakeQuerier) Query(ctx context.Context) (tabsync.StateSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return tabsync.StateSnapshot{}, f.err
	}
	return f.snap.Clone(), nil
}

func (f *fakeQuerier) set(snap tabsync.StateSnapshot) {
	f.mu.Lock()
	f.snap = snap
	f.mu.Unlock()
}

func snapshotWith(recs ...tabsync.Record) tabsync.StateSnapshot {
	snap := tabsync.StateSnapshot{Records: map[string]tabsync.Record{}}
	for _, rec := range recs {
		snap.Records[rec.ID] = rec
		if rec.Revision > snap.GlobalRevision {
			snap.GlobalRevision = rec.Revision
		}
	}
	return snap
}

func notify(rec tabsync.Record, change tabsync.ChangeKind) tabsync.Envelope {
	return tabsync.Envelope{
		Type:       tabsync.EnvelopeNotify,
		UpdateID:   tabsync.UpdateIDFor(rec.ID, rec.Revision),
		ChangeKind: change,
		Record:     &rec,
	}
}

func startAgent(t *testing.T, tier *fakeTier, q *fakeQuerier) *PeerAgent {
	t.Helper()
	a, err := New(Options{
		ContextID: "ctx-a",
		Chain:     transport.NewChain(nil, tier),
		Querier:   q,
		Clock:     tabsync.NewVirtualClock(time.Unix(0, 0)),
	})
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start agent: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestAgentSeedsFromQuery(t *testing.T) {
	tier := newFakeTier("tier1")
	q := &fakeQuerier{snap: snapshotWith(
		tabsync.Record{ID: "tab-1", OwnerContextID: "ctx-b", Revision: 3},
	)}
	a := startAgent(t, tier, q)

	rec, ok := a.Record("tab-1")
	if !ok || rec.Revision != 3 {
		t.Fatalf("record = %+v ok=%v, want revision 3", rec, ok)
	}
	if a.GlobalRevision() != 3 {
		t.Fatalf("global revision = %d, want 3", a.GlobalRevision())
	}
}

func TestAgentOutOfOrderNotifiesConverge(t *testing.T) {
	tier := newFakeTier("tier1")
	q := &fakeQuerier{snap: snapshotWith()}
	a := startAgent(t, tier, q)

	rec := tabsync.Record{ID: "tab-1", OwnerContextID: "ctx-b"}
	rec.Revision = 3
	rec.Title = "third"
	tier.deliver(notify(rec, tabsync.ChangeUpdated))

	// Older update arrives late; it must be dropped.
	rec.Revision = 2
	rec.Title = "second"
	tier.deliver(notify(rec, tabsync.ChangeUpdated))

	got, _ := a.Record("tab-1")
	if got.Revision != 3 || got.Title != "third" {
		t.Fatalf("record = %+v, want revision 3 title third", got)
	}
}

func TestAgentCrossTierDedup(t *testing.T) {
	tier1 := newFakeTier("tier1")
	tier3 := newFakeTier("tier3")
	q := &fakeQuerier{snap: snapshotWith()}

	var events []RecordEvent
	a, err := New(Options{
		ContextID:       "ctx-a",
		Chain:           transport.NewChain(nil, tier1, tier3),
		Querier:         q,
		Clock:           tabsync.NewVirtualClock(time.Unix(0, 0)),
		OnRecordChanged: func(ev RecordEvent) { events = append(events, ev) },
	})
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer a.Close()

	rec := tabsync.Record{ID: "tab-1", OwnerContextID: "ctx-b", Revision: 1}
	env := notify(rec, tabsync.ChangeCreated)
	tier1.deliver(env)
	tier3.deliver(env)

	if len(events) != 1 {
		t.Fatalf("events = %d, want exactly 1 despite two deliveries", len(events))
	}
	if events[0].Tier != "tier1" {
		t.Fatalf("event tier = %q, want tier1", events[0].Tier)
	}
}

func TestAgentMutationRoundTrip(t *testing.T) {
	tier := newFakeTier("tier1")
	tier.respond = func(req tabsync.MutationRequest) tabsync.MutationResult {
		rec := tabsync.Record{
			ID:             req.RecordID,
			OwnerContextID: req.ContextID,
			Revision:       1,
		}
		req.Fields.Apply(&rec)
		return tabsync.MutationResult{
			CorrelationID: req.CorrelationID,
			Status:        tabsync.MutationApplied,
			Record:        &rec,
		}
	}
	q := &fakeQuerier{snap: snapshotWith()}
	a := startAgent(t, tier, q)

	title := "search results"
	rec, err := a.Create(context.Background(), tabsync.RecordFields{Title: &title})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.Title != "search results" || rec.Revision != 1 {
		t.Fatalf("created record = %+v", rec)
	}

	local, ok := a.Record(rec.ID)
	if !ok || local.Revision != 1 {
		t.Fatalf("local record = %+v ok=%v", local, ok)
	}

	// The notify for the same update arriving later is a duplicate.
	tier.deliver(notify(rec, tabsync.ChangeCreated))
	local, _ = a.Record(rec.ID)
	if local.Revision != 1 {
		t.Fatalf("revision = %d after echo, want 1", local.Revision)
	}
}

func TestAgentMutationRejection(t *testing.T) {
	tier := newFakeTier("tier1")
	tier.respond = func(req tabsync.MutationRequest) tabsync.MutationResult {
		return tabsync.MutationResult{
			CorrelationID: req.CorrelationID,
			Status:        tabsync.MutationRejectedNotOwner,
			Error:         "record owned by ctx-b",
		}
	}
	q := &fakeQuerier{snap: snapshotWith()}
	a := startAgent(t, tier, q)

	_, err := a.Update(context.Background(), "tab-1", tabsync.RecordFields{})
	if !errors.Is(err, tabsync.ErrOwnershipViolation) {
		t.Fatalf("err = %v, want ErrOwnershipViolation", err)
	}
}

func TestAgentQueuesWhenAllTiersDown(t *testing.T) {
	tier := newFakeTier("tier1")
	tier.sendErr = errors.New("socket closed")
	q := &fakeQuerier{snap: snapshotWith()}
	a := startAgent(t, tier, q)

	title := "parked"
	_, err := a.Create(context.Background(), tabsync.RecordFields{Title: &title})
	if !errors.Is(err, tabsync.ErrTransportUnavailable) {
		t.Fatalf("err = %v, want ErrTransportUnavailable", err)
	}
	if a.PendingCount() != 1 {
		t.Fatalf("pending = %d, want 1", a.PendingCount())
	}

	tier.sendErr = nil
	if flushed := a.FlushPending(context.Background()); flushed != 1 {
		t.Fatalf("flushed = %d, want 1", flushed)
	}
	if a.PendingCount() != 0 {
		t.Fatalf("pending = %d after flush, want 0", a.PendingCount())
	}
	if tier.sentCount() != 1 {
		t.Fatalf("tier saw %d sends, want 1", tier.sentCount())
	}
}

func TestAgentSuspendResumeResyncs(t *testing.T) {
	tier := newFakeTier("tier1")
	base := tabsync.Record{ID: "tab-1", OwnerContextID: "ctx-b", Revision: 3}
	q := &fakeQuerier{snap: snapshotWith(base)}
	a := startAgent(t, tier, q)

	a.Suspend()

	// Updates during suspension are dropped, not buffered.
	missed := base
	missed.Revision = 4
	tier.deliver(notify(missed, tabsync.ChangeUpdated))
	if got, _ := a.Record("tab-1"); got.Revision != 3 {
		t.Fatalf("revision = %d while suspended, want 3", got.Revision)
	}

	// Meanwhile the shared state moved on to revision 5.
	latest := base
	latest.Revision = 5
	q.set(snapshotWith(latest))

	if err := a.Resume(context.Background()); err != nil {
		t.Fatalf("resume: %v", err)
	}
	got, _ := a.Record("tab-1")
	if got.Revision != 5 {
		t.Fatalf("revision = %d after resume, want 5", got.Revision)
	}

	// The pre-suspension revision replayed now must be rejected.
	tier.deliver(notify(missed, tabsync.ChangeUpdated))
	got, _ = a.Record("tab-1")
	if got.Revision != 5 {
		t.Fatalf("revision = %d after stale replay, want 5", got.Revision)
	}
}

func TestAgentStaleUpdateAfterDeleteStaysDeleted(t *testing.T) {
	tier := newFakeTier("tier1")
	q := &fakeQuerier{snap: snapshotWith()}
	a := startAgent(t, tier, q)

	rec := tabsync.Record{ID: "tab-1", OwnerContextID: "ctx-b", Revision: 2}
	tier.deliver(notify(rec, tabsync.ChangeDeleted))

	// The pre-delete revision arrives late, under its own update id.
	stale := rec
	stale.Revision = 1
	stale.Title = "stale"
	tier.deliver(notify(stale, tabsync.ChangeUpdated))

	if got, ok := a.Record("tab-1"); ok {
		t.Fatalf("record resurrected by stale update after delete: %+v", got)
	}
}

func TestAgentRecreateAfterDelete(t *testing.T) {
	tier := newFakeTier("tier1")
	q := &fakeQuerier{snap: snapshotWith()}
	clock := tabsync.NewVirtualClock(time.Unix(0, 0))
	a, err := New(Options{
		ContextID: "ctx-a",
		Chain:     transport.NewChain(nil, tier),
		Querier:   q,
		Clock:     clock,
	})
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { a.Close() })

	first := tabsync.Record{ID: "tab-1", OwnerContextID: "ctx-b", Revision: 1}
	tier.deliver(notify(first, tabsync.ChangeCreated))
	gone := first
	gone.Revision = 2
	tier.deliver(notify(gone, tabsync.ChangeDeleted))

	// The recreate reuses update id tab-1@1; move past the dedup
	// horizon so only the revision gate decides.
	clock.Advance(10 * time.Second)

	// Revision numbering restarts when the id is created again.
	second := tabsync.Record{ID: "tab-1", OwnerContextID: "ctx-c", Revision: 1, Title: "fresh"}
	tier.deliver(notify(second, tabsync.ChangeCreated))

	got, ok := a.Record("tab-1")
	if !ok || got.Title != "fresh" || got.OwnerContextID != "ctx-c" {
		t.Fatalf("record = %+v ok=%v, want recreated record", got, ok)
	}
}

func TestAgentDeleteRemovesRecord(t *testing.T) {
	tier := newFakeTier("tier1")
	base := tabsync.Record{ID: "tab-1", OwnerContextID: "ctx-a", Revision: 2}
	tier.respond = func(req tabsync.MutationRequest) tabsync.MutationResult {
		gone := base
		gone.Revision = 3
		return tabsync.MutationResult{
			CorrelationID: req.CorrelationID,
			Status:        tabsync.MutationApplied,
			Record:        &gone,
		}
	}
	q := &fakeQuerier{snap: snapshotWith(base)}
	a := startAgent(t, tier, q)

	if err := a.Delete(context.Background(), "tab-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := a.Record("tab-1"); ok {
		t.Fatal("record still present after delete")
	}
}
