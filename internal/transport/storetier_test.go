package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/quicktab/tabsync/internal/tabsync"
)

func newStoreForTier(t *testing.T) *tabsync.DurableStore {
	t.Helper()
	store, err := tabsync.NewDurableStore(tabsync.StoreOptions{
		Backend: tabsync.NewInMemoryStateBackend(),
	})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

type envelopeSink struct {
	mu   sync.Mutex
	envs []tabsync.Envelope
}

func (s *envelopeSink) add(env tabsync.Envelope) {
	s.mu.Lock()
	s.envs = append(s.envs, env)
	s.mu.Unlock()
}

func (s *envelopeSink) waitFor(t *testing.T, n int) []tabsync.Envelope {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		if len(s.envs) >= n {
			out := append([]tabsync.Envelope(nil), s.envs...)
			s.mu.Unlock()
			return out
		}
		s.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t.Fatalf("timed out waiting for %d envelopes, have %d", n, len(s.envs))
	return nil
}

func TestStoreTierEmitsCreateUpdateDelete(t *testing.T) {
	store := newStoreForTier(t)
	tier := NewStoreTier(store, nil)

	sink := &envelopeSink{}
	cancel := tier.Subscribe(sink.add)
	defer cancel()

	rec := tabsync.Record{ID: "tab-1", OwnerContextID: "ctx-a", Title: "docs", Revision: 1}
	if _, err := store.Write(context.Background(), tabsync.WriteDelta{Put: &rec}); err != nil {
		t.Fatalf("write: %v", err)
	}
	envs := sink.waitFor(t, 1)
	if envs[0].Type != tabsync.EnvelopeNotify || envs[0].ChangeKind != tabsync.ChangeCreated {
		t.Fatalf("first envelope = %+v, want created notify", envs[0])
	}
	if envs[0].UpdateID != "tab-1@1" {
		t.Fatalf("update id = %q, want tab-1@1", envs[0].UpdateID)
	}

	rec.Revision = 2
	rec.Title = "docs v2"
	if _, err := store.Write(context.Background(), tabsync.WriteDelta{Put: &rec}); err != nil {
		t.Fatalf("write: %v", err)
	}
	envs = sink.waitFor(t, 2)
	if envs[1].ChangeKind != tabsync.ChangeUpdated || envs[1].UpdateID != "tab-1@2" {
		t.Fatalf("second envelope = %+v, want updated tab-1@2", envs[1])
	}

	if _, err := store.Write(context.Background(), tabsync.WriteDelta{DeleteID: "tab-1"}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	envs = sink.waitFor(t, 3)
	if envs[2].ChangeKind != tabsync.ChangeDeleted || envs[2].UpdateID != "tab-1@3" {
		t.Fatalf("third envelope = %+v, want deleted tab-1@3", envs[2])
	}
}

func TestStoreTierIsReceiveOnly(t *testing.T) {
	store := newStoreForTier(t)
	tier := NewStoreTier(store, nil)

	if tier.Available() {
		t.Fatal("store tier must not advertise send availability")
	}
	err := tier.Send(context.Background(), tabsync.Envelope{Type: tabsync.EnvelopeNotify})
	if !errors.Is(err, tabsync.ErrTransportUnavailable) {
		t.Fatalf("err = %v, want ErrTransportUnavailable", err)
	}
}
