package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/quicktab/tabsync/internal/tabsync"
)

// StoreTier is the Tier-3 fallback: change notification through the
// shared durable store. It is receive-only; a write that reached the
// store already happened, so "sending" through it is meaningless. It
// diffs successive store snapshots into the same notify envelopes the
// live tiers carry, with deterministic update ids so the dedup cache
// drops cross-tier duplicates.
type StoreTier struct {
	store  *tabsync.DurableStore
	logger tabsync.Logger

	mu     sync.Mutex
	last   tabsync.StateSnapshot
	primed bool
	subs   subscriberSet
	cancel func()
}

func NewStoreTier(store *tabsync.DurableStore, logger tabsync.Logger) *StoreTier {
	return &StoreTier{store: store, logger: logger, subs: newSubscriberSet()}
}

// Name implements Tier.
func (t *StoreTier) Name() string { return "tier3-store" }

// Available implements Tier. The store tier never accepts sends, so it
// reports unavailable and the chain skips it on the send path.
func (t *StoreTier) Available() bool { return false }

// Send implements Tier.
func (t *StoreTier) Send(ctx context.Context, env tabsync.Envelope) error {
	return fmt.Errorf("%w: store tier is receive-only", tabsync.ErrTransportUnavailable)
}

// Subscribe implements Tier. The first subscriber primes the baseline
// snapshot and attaches to the store.
func (t *StoreTier) Subscribe(fn func(env tabsync.Envelope)) (cancel func()) {
	t.mu.Lock()
	if t.cancel == nil {
		if snap, err := t.store.Read(context.Background()); err == nil {
			t.last = snap
		} else {
			t.last = tabsync.EmptySnapshot()
			t.logf("baseline read failed, starting empty: %v", err)
		}
		t.primed = true
		t.cancel = t.store.Subscribe(t.onSnapshot)
	}
	id := t.subs.add(fn)
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		t.subs.remove(id)
		if len(t.subs.subs) == 0 && t.cancel != nil {
			t.cancel()
			t.cancel = nil
			t.primed = false
		}
		t.mu.Unlock()
	}
}

// onSnapshot turns a store change into per-record notify envelopes.
func (t *StoreTier) onSnapshot(snap tabsync.StateSnapshot) {
	t.mu.Lock()
	if !t.primed {
		t.mu.Unlock()
		return
	}
	prev := t.last
	t.last = snap.Clone()
	fns := t.subs.snapshot()
	t.mu.Unlock()

	var envs []tabsync.Envelope
	for id, rec := range snap.Records {
		old, existed := prev.Records[id]
		switch {
		case !existed:
			envs = append(envs, notifyEnvelope(rec, tabsync.ChangeCreated, snap.GlobalRevision))
		case rec.Revision > old.Revision:
			envs = append(envs, notifyEnvelope(rec, tabsync.ChangeUpdated, snap.GlobalRevision))
		}
	}
	for id, old := range prev.Records {
		if _, still := snap.Records[id]; still {
			continue
		}
		// The coordinator assigns a deletion its own revision, one past
		// the record's last stored revision. Reconstructing the same
		// value here keeps the update id identical across tiers.
		gone := old
		gone.Revision = old.Revision + 1
		envs = append(envs, notifyEnvelope(gone, tabsync.ChangeDeleted, snap.GlobalRevision))
	}

	for _, env := range envs {
		for _, fn := range fns {
			fn(env)
		}
	}
}

func notifyEnvelope(rec tabsync.Record, change tabsync.ChangeKind, globalRev uint64) tabsync.Envelope {
	return tabsync.Envelope{
		Type:           tabsync.EnvelopeNotify,
		UpdateID:       tabsync.UpdateIDFor(rec.ID, rec.Revision),
		ChangeKind:     change,
		Record:         &rec,
		GlobalRevision: globalRev,
		Timestamp:      tabsync.NowRFC3339(time.Now()),
	}
}

func (t *StoreTier) logf(format string, args ...any) {
	if t.logger != nil {
		t.logger.Printf("storetier: "+format, args...)
	}
}
