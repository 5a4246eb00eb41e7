package tabsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T, opts StoreOptions) *DurableStore {
	t.Helper()
	if opts.Backend == nil {
		opts.Backend = NewInMemoryStateBackend()
	}
	store, err := NewDurableStore(opts)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func mustWrite(t *testing.T, store *DurableStore, rec Record) uint64 {
	t.Helper()
	rev, err := store.Write(context.Background(), WriteDelta{Put: &rec})
	if err != nil {
		t.Fatalf("write %s: %v", rec.ID, err)
	}
	return rev
}

func TestStoreWriteRead(t *testing.T) {
	store := newTestStore(t, StoreOptions{})

	rev := mustWrite(t, store, Record{ID: "tab-1", OwnerContextID: "ctx-a", Title: "docs", Revision: 1})
	if rev != 1 {
		t.Fatalf("global revision = %d, want 1", rev)
	}
	rev = mustWrite(t, store, Record{ID: "tab-2", OwnerContextID: "ctx-b", Revision: 1})
	if rev != 2 {
		t.Fatalf("global revision = %d, want 2", rev)
	}

	snap, err := store.Read(context.Background())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(snap.Records) != 2 || snap.GlobalRevision != 2 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if !snap.VerifyChecksum() {
		t.Fatal("snapshot checksum invalid")
	}
}

func TestStoreDelete(t *testing.T) {
	store := newTestStore(t, StoreOptions{})
	mustWrite(t, store, Record{ID: "tab-1", OwnerContextID: "ctx-a", Revision: 1})

	if _, err := store.Write(context.Background(), WriteDelta{DeleteID: "tab-1"}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	snap, _ := store.Read(context.Background())
	if len(snap.Records) != 0 {
		t.Fatalf("records = %d after delete, want 0", len(snap.Records))
	}

	if _, err := store.Write(context.Background(), WriteDelta{DeleteID: "tab-1"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("double delete err = %v, want ErrNotFound", err)
	}
}

func TestStoreEmptyDeltaRejected(t *testing.T) {
	store := newTestStore(t, StoreOptions{})
	if _, err := store.Write(context.Background(), WriteDelta{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
}

func TestStoreLoadsExistingState(t *testing.T) {
	backend := NewInMemoryStateBackend()
	first := newTestStore(t, StoreOptions{Backend: backend, DisableWatch: true})
	mustWrite(t, first, Record{ID: "tab-1", OwnerContextID: "ctx-a", Revision: 1})
	first.Close()

	second := newTestStore(t, StoreOptions{Backend: backend, DisableWatch: true})
	snap, err := second.Read(context.Background())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if _, ok := snap.Records["tab-1"]; !ok {
		t.Fatalf("persisted record missing: %+v", snap)
	}
}

func TestStoreCorruptedLoadStartsEmpty(t *testing.T) {
	backend := NewInMemoryStateBackend()
	seed := EmptySnapshot()
	seed.Records["tab-1"] = Record{ID: "tab-1", Revision: 1}
	seed.GlobalRevision = 1
	seed.Checksum = seed.ComputeChecksum()
	if err := backend.Save(&seed); err != nil {
		t.Fatalf("seed save: %v", err)
	}
	backend.Corrupt()

	var warnings []string
	store := newTestStore(t, StoreOptions{
		Backend:   backend,
		OnWarning: func(msg string) { warnings = append(warnings, msg) },
	})
	snap, err := store.Read(context.Background())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(snap.Records) != 0 {
		t.Fatalf("records = %d, want 0 after corrupted load", len(snap.Records))
	}
	if len(warnings) == 0 {
		t.Fatal("no integrity warning surfaced")
	}
}

func TestStoreSubscribe(t *testing.T) {
	store := newTestStore(t, StoreOptions{})

	snapshots := make(chan StateSnapshot, 4)
	cancel := store.Subscribe(func(snap StateSnapshot) { snapshots <- snap })
	defer cancel()

	mustWrite(t, store, Record{ID: "tab-1", OwnerContextID: "ctx-a", Revision: 1})

	select {
	case snap := <-snapshots:
		if snap.GlobalRevision != 1 || len(snap.Records) != 1 {
			t.Fatalf("notified snapshot = %+v", snap)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no change notification delivered")
	}
}

// countLimitBackend refuses saves while the snapshot holds more records
// than the limit, simulating a storage quota in a size-independent way.
type countLimitBackend struct {
	mu    sync.Mutex
	inner *InMemoryStateBackend
	limit int
	saves int
}

func (b *countLimitBackend) Load() (*StateSnapshot, error) { return b.inner.Load() }

func (b *countLimitBackend) Save(state *StateSnapshot) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.saves++
	if b.limit >= 0 && len(state.Records) > b.limit {
		return fmt.Errorf("%w: %d records over limit %d", ErrQuotaExceeded, len(state.Records), b.limit)
	}
	return b.inner.Save(state)
}

func (b *countLimitBackend) setLimit(limit int) {
	b.mu.Lock()
	b.limit = limit
	b.mu.Unlock()
}

func TestStoreQuotaDegradationDropsOldest(t *testing.T) {
	backend := &countLimitBackend{inner: NewInMemoryStateBackend(), limit: -1}
	store := newTestStore(t, StoreOptions{Backend: backend})

	mustWrite(t, store, Record{ID: "tab-old", OwnerContextID: "ctx-a", Revision: 1, LastModified: "2026-01-01T00:00:00Z"})
	mustWrite(t, store, Record{ID: "tab-mid", OwnerContextID: "ctx-a", Revision: 1, LastModified: "2026-01-02T00:00:00Z"})

	// From now on the backend only accepts two records.
	backend.setLimit(2)
	mustWrite(t, store, Record{ID: "tab-new", OwnerContextID: "ctx-a", Revision: 1, LastModified: "2026-01-03T00:00:00Z"})

	snap, err := store.Read(context.Background())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if _, ok := snap.Records["tab-old"]; ok {
		t.Fatal("oldest record survived quota degradation")
	}
	if _, ok := snap.Records["tab-new"]; !ok {
		t.Fatal("record being written was sacrificed; it must be protected")
	}
	if _, ok := snap.Records["tab-mid"]; !ok {
		t.Fatal("more recent record dropped before the oldest")
	}
	if store.CreatesBlocked() {
		t.Fatal("creates blocked although degradation succeeded")
	}
}

func TestStoreQuotaExhaustionBlocksCreates(t *testing.T) {
	backend := &countLimitBackend{inner: NewInMemoryStateBackend(), limit: 0}
	var warnings []string
	store := newTestStore(t, StoreOptions{
		Backend:   backend,
		OnWarning: func(msg string) { warnings = append(warnings, msg) },
	})

	_, err := store.Write(context.Background(), WriteDelta{Put: &Record{ID: "tab-1", OwnerContextID: "ctx-a", Revision: 1}})
	if !errors.Is(err, ErrStorageFatal) {
		t.Fatalf("err = %v, want ErrStorageFatal", err)
	}
	if !store.CreatesBlocked() {
		t.Fatal("creates not blocked after exhausting the degradation ladder")
	}
	if len(warnings) == 0 {
		t.Fatal("no quota warning surfaced")
	}

	// Space recovers: the next successful write clears the block.
	backend.setLimit(10)
	mustWrite(t, store, Record{ID: "tab-1", OwnerContextID: "ctx-a", Revision: 1})
	if store.CreatesBlocked() {
		t.Fatal("creates still blocked after a successful write")
	}
}

// tamperBackend serves corrupted snapshots on Load once armed, to force
// read-after-write validation failures.
type tamperBackend struct {
	mu     sync.Mutex
	inner  *InMemoryStateBackend
	tamper bool
}

func (b *tamperBackend) Load() (*StateSnapshot, error) {
	snap, err := b.inner.Load()
	if err != nil || snap == nil {
		return snap, err
	}
	b.mu.Lock()
	tamper := b.tamper
	b.mu.Unlock()
	if tamper {
		snap.Checksum = "deadbeef"
	}
	return snap, nil
}

func (b *tamperBackend) Save(state *StateSnapshot) error { return b.inner.Save(state) }

func (b *tamperBackend) arm() {
	b.mu.Lock()
	b.tamper = true
	b.mu.Unlock()
}

func TestStoreReadAfterWriteValidation(t *testing.T) {
	backend := &tamperBackend{inner: NewInMemoryStateBackend()}
	var warnings []string
	store := newTestStore(t, StoreOptions{
		Backend:           backend,
		ValidationRetries: 2,
		OnWarning:         func(msg string) { warnings = append(warnings, msg) },
	})

	mustWrite(t, store, Record{ID: "tab-1", OwnerContextID: "ctx-a", Revision: 1})

	backend.arm()
	_, err := store.Write(context.Background(), WriteDelta{Put: &Record{ID: "tab-2", OwnerContextID: "ctx-a", Revision: 1}})
	if !errors.Is(err, ErrStorageCorruption) {
		t.Fatalf("err = %v, want ErrStorageCorruption", err)
	}
	if len(warnings) == 0 {
		t.Fatal("no validation warning surfaced")
	}

	// The in-memory state is still the last committed snapshot.
	snap, readErr := store.Read(context.Background())
	if readErr != nil {
		t.Fatalf("read: %v", readErr)
	}
	if len(snap.Records) != 1 || snap.GlobalRevision != 1 {
		t.Fatalf("snapshot after failed write = %+v", snap)
	}
}

func TestStoreReadCanceledContext(t *testing.T) {
	store := newTestStore(t, StoreOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := store.Read(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
