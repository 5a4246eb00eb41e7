package tabsync

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
)

func newTestCoordinator(t *testing.T, tabdir TabDirectory) (*Coordinator, *DurableStore) {
	t.Helper()
	store := newTestStore(t, StoreOptions{})
	coord, err := NewCoordinator(CoordinatorOptions{Store: store, TabDirectory: tabdir})
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	t.Cleanup(coord.Close)
	return coord, store
}

func strptr(s string) *string { return &s }
func intptr(n int) *int       { return &n }
func boolptr(b bool) *bool    { return &b }

func TestCoordinatorCreate(t *testing.T) {
	coord, _ := newTestCoordinator(t, nil)

	result := coord.HandleMutation(context.Background(), MutationRequest{
		Kind:      MutationCreate,
		ContextID: "ctx-a",
		Fields:    RecordFields{Title: strptr("scratch"), X: intptr(40)},
	})
	if result.Status != MutationApplied {
		t.Fatalf("status = %s (%s)", result.Status, result.Error)
	}
	rec := result.Record
	if rec == nil || rec.ID == "" {
		t.Fatal("applied create carries no record id")
	}
	if rec.Revision != 1 {
		t.Fatalf("revision = %d, want 1", rec.Revision)
	}
	if rec.OwnerContextID != "ctx-a" || rec.Title != "scratch" || rec.X != 40 {
		t.Fatalf("record = %+v", rec)
	}
	if !rec.Visible {
		t.Fatal("new records must default to visible")
	}
	if result.ChangeKind != ChangeCreated || result.GlobalRevision != 1 {
		t.Fatalf("result = %+v", result)
	}
}

func TestCoordinatorUpdateRequiresOwnership(t *testing.T) {
	coord, _ := newTestCoordinator(t, nil)

	created := coord.HandleMutation(context.Background(), MutationRequest{
		Kind: MutationCreate, ContextID: "ctx-a",
	})
	if created.Status != MutationApplied {
		t.Fatalf("create: %s", created.Error)
	}
	recordID := created.Record.ID

	denied := coord.HandleMutation(context.Background(), MutationRequest{
		Kind: MutationUpdate, RecordID: recordID, ContextID: "ctx-b",
		Fields: RecordFields{Title: strptr("hijack")},
	})
	if denied.Status != MutationRejectedNotOwner {
		t.Fatalf("non-owner status = %s, want %s", denied.Status, MutationRejectedNotOwner)
	}

	allowed := coord.HandleMutation(context.Background(), MutationRequest{
		Kind: MutationUpdate, RecordID: recordID, ContextID: "ctx-a",
		Fields: RecordFields{Title: strptr("mine")},
	})
	if allowed.Status != MutationApplied {
		t.Fatalf("owner update: %s (%s)", allowed.Status, allowed.Error)
	}
	if allowed.Record.Revision != 2 {
		t.Fatalf("revision = %d, want 2", allowed.Record.Revision)
	}
	if allowed.Record.Title != "mine" {
		t.Fatalf("title = %q after rejected hijack", allowed.Record.Title)
	}
}

func TestCoordinatorConcurrentCreates(t *testing.T) {
	coord, store := newTestCoordinator(t, nil)

	const n = 8
	results := make([]MutationResult, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = coord.HandleMutation(context.Background(), MutationRequest{
				Kind:      MutationCreate,
				ContextID: fmt.Sprintf("ctx-%d", i),
			})
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for i, result := range results {
		if result.Status != MutationApplied {
			t.Fatalf("create %d: %s (%s)", i, result.Status, result.Error)
		}
		if result.Record.Revision != 1 {
			t.Fatalf("create %d revision = %d, want 1", i, result.Record.Revision)
		}
		if seen[result.Record.ID] {
			t.Fatalf("duplicate record id %s", result.Record.ID)
		}
		seen[result.Record.ID] = true
	}
	if got := store.GlobalRevision(); got != n {
		t.Fatalf("global revision = %d, want %d", got, n)
	}
}

func TestCoordinatorUpdateMissingRecord(t *testing.T) {
	coord, _ := newTestCoordinator(t, nil)

	result := coord.HandleMutation(context.Background(), MutationRequest{
		Kind: MutationUpdate, RecordID: "tab-nope", ContextID: "ctx-a",
	})
	if result.Status != MutationValidationFailure {
		t.Fatalf("status = %s, want %s", result.Status, MutationValidationFailure)
	}
}

func TestCoordinatorCreateExistingRecordRejected(t *testing.T) {
	coord, _ := newTestCoordinator(t, nil)

	first := coord.HandleMutation(context.Background(), MutationRequest{
		Kind: MutationCreate, RecordID: "tab-1", ContextID: "ctx-a",
	})
	if first.Status != MutationApplied {
		t.Fatalf("create: %s", first.Error)
	}
	second := coord.HandleMutation(context.Background(), MutationRequest{
		Kind: MutationCreate, RecordID: "tab-1", ContextID: "ctx-a",
	})
	if second.Status != MutationValidationFailure {
		t.Fatalf("duplicate create status = %s, want %s", second.Status, MutationValidationFailure)
	}
}

func TestCoordinatorDeleteBroadcastsFinalRevision(t *testing.T) {
	coord, _ := newTestCoordinator(t, nil)

	var mu sync.Mutex
	var envelopes []Envelope
	cancel := coord.SubscribeBroadcast(func(env Envelope) {
		mu.Lock()
		envelopes = append(envelopes, env)
		mu.Unlock()
	})
	defer cancel()

	created := coord.HandleMutation(context.Background(), MutationRequest{
		Kind: MutationCreate, RecordID: "tab-1", ContextID: "ctx-a",
	})
	if created.Status != MutationApplied {
		t.Fatalf("create: %s", created.Error)
	}
	updated := coord.HandleMutation(context.Background(), MutationRequest{
		Kind: MutationUpdate, RecordID: "tab-1", ContextID: "ctx-a",
		Fields: RecordFields{Pinned: boolptr(true)},
	})
	if updated.Status != MutationApplied {
		t.Fatalf("update: %s", updated.Error)
	}
	deleted := coord.HandleMutation(context.Background(), MutationRequest{
		Kind: MutationDelete, RecordID: "tab-1", ContextID: "ctx-a",
	})
	if deleted.Status != MutationApplied {
		t.Fatalf("delete: %s", deleted.Error)
	}
	if deleted.Record.Revision != 3 {
		t.Fatalf("final revision = %d, want 3", deleted.Record.Revision)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(envelopes) != 3 {
		t.Fatalf("broadcasts = %d, want 3", len(envelopes))
	}
	last := envelopes[2]
	if last.ChangeKind != ChangeDeleted || last.UpdateID != UpdateIDFor("tab-1", 3) {
		t.Fatalf("delete broadcast = %+v", last)
	}
}

func TestCoordinatorDeleteThenRecreate(t *testing.T) {
	coord, _ := newTestCoordinator(t, nil)

	for _, kind := range []MutationKind{MutationCreate, MutationDelete, MutationCreate} {
		result := coord.HandleMutation(context.Background(), MutationRequest{
			Kind: kind, RecordID: "tab-1", ContextID: "ctx-a",
		})
		if result.Status != MutationApplied {
			t.Fatalf("%s: %s (%s)", kind, result.Status, result.Error)
		}
	}
	snap, err := coord.HandleQuery(context.Background(), "ctx-a")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	// Revision tracking restarts for a recreated id.
	if rec := snap.Records["tab-1"]; rec.Revision != 1 {
		t.Fatalf("recreated revision = %d, want 1", rec.Revision)
	}
}

func TestCoordinatorContextRemovedCleansOrphans(t *testing.T) {
	tabdir := NewStaticTabDirectory("ctx-host")
	tabdir.Add("ctx-gone")
	tabdir.Add("ctx-live")
	coord, _ := newTestCoordinator(t, tabdir)

	for _, req := range []MutationRequest{
		{Kind: MutationCreate, RecordID: "tab-g1", ContextID: "ctx-gone"},
		{Kind: MutationCreate, RecordID: "tab-g2", ContextID: "ctx-gone"},
		{Kind: MutationCreate, RecordID: "tab-l1", ContextID: "ctx-live"},
	} {
		if result := coord.HandleMutation(context.Background(), req); result.Status != MutationApplied {
			t.Fatalf("create %s: %s", req.RecordID, result.Error)
		}
	}

	var mu sync.Mutex
	var deletes []Envelope
	cancel := coord.SubscribeBroadcast(func(env Envelope) {
		if env.ChangeKind == ChangeDeleted {
			mu.Lock()
			deletes = append(deletes, env)
			mu.Unlock()
		}
	})
	defer cancel()

	tabdir.Remove("ctx-gone")

	snap, err := coord.HandleQuery(context.Background(), "ctx-host")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(snap.Records) != 1 {
		t.Fatalf("records = %d after cleanup, want 1", len(snap.Records))
	}
	if _, ok := snap.Records["tab-l1"]; !ok {
		t.Fatal("survivor record deleted during orphan cleanup")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(deletes) != 2 {
		t.Fatalf("delete broadcasts = %d, want 2", len(deletes))
	}
	for _, env := range deletes {
		if !strings.HasPrefix(env.CorrelationID, "orphan_") {
			t.Fatalf("cleanup correlation id = %q", env.CorrelationID)
		}
	}
}

func TestCoordinatorSeedsFromExistingState(t *testing.T) {
	backend := NewInMemoryStateBackend()
	store := newTestStore(t, StoreOptions{Backend: backend})
	first, err := NewCoordinator(CoordinatorOptions{Store: store})
	if err != nil {
		t.Fatalf("coordinator: %v", err)
	}
	created := first.HandleMutation(context.Background(), MutationRequest{
		Kind: MutationCreate, RecordID: "tab-1", ContextID: "ctx-a",
	})
	if created.Status != MutationApplied {
		t.Fatalf("create: %s", created.Error)
	}
	updated := first.HandleMutation(context.Background(), MutationRequest{
		Kind: MutationUpdate, RecordID: "tab-1", ContextID: "ctx-a",
	})
	if updated.Status != MutationApplied {
		t.Fatalf("update: %s", updated.Error)
	}
	first.Close()
	store.Close()

	restarted := newTestStore(t, StoreOptions{Backend: backend})
	second, err := NewCoordinator(CoordinatorOptions{Store: restarted})
	if err != nil {
		t.Fatalf("restarted coordinator: %v", err)
	}
	t.Cleanup(second.Close)

	// Ownership and revision assignment survive the restart.
	denied := second.HandleMutation(context.Background(), MutationRequest{
		Kind: MutationUpdate, RecordID: "tab-1", ContextID: "ctx-b",
	})
	if denied.Status != MutationRejectedNotOwner {
		t.Fatalf("non-owner after restart = %s", denied.Status)
	}
	applied := second.HandleMutation(context.Background(), MutationRequest{
		Kind: MutationUpdate, RecordID: "tab-1", ContextID: "ctx-a",
	})
	if applied.Status != MutationApplied {
		t.Fatalf("owner after restart: %s (%s)", applied.Status, applied.Error)
	}
	if applied.Record.Revision != 3 {
		t.Fatalf("revision after restart = %d, want 3", applied.Record.Revision)
	}
}

func TestCoordinatorCreatesBlockedByQuota(t *testing.T) {
	backend := &countLimitBackend{inner: NewInMemoryStateBackend(), limit: 0}
	store := newTestStore(t, StoreOptions{Backend: backend})
	coord, err := NewCoordinator(CoordinatorOptions{Store: store})
	if err != nil {
		t.Fatalf("coordinator: %v", err)
	}
	t.Cleanup(coord.Close)

	first := coord.HandleMutation(context.Background(), MutationRequest{
		Kind: MutationCreate, RecordID: "tab-1", ContextID: "ctx-a",
	})
	if first.Status != MutationStorageFailure {
		t.Fatalf("status = %s, want %s", first.Status, MutationStorageFailure)
	}

	// With creates blocked, further creates are refused before touching
	// storage.
	second := coord.HandleMutation(context.Background(), MutationRequest{
		Kind: MutationCreate, RecordID: "tab-2", ContextID: "ctx-a",
	})
	if second.Status != MutationStorageFailure {
		t.Fatalf("blocked status = %s, want %s", second.Status, MutationStorageFailure)
	}
	if !strings.Contains(second.Error, "blocked") {
		t.Fatalf("blocked error = %q", second.Error)
	}
}

func TestCoordinatorMissingContextID(t *testing.T) {
	coord, _ := newTestCoordinator(t, nil)
	result := coord.HandleMutation(context.Background(), MutationRequest{Kind: MutationCreate})
	if result.Status != MutationValidationFailure {
		t.Fatalf("status = %s, want %s", result.Status, MutationValidationFailure)
	}
}
