package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/quicktab/tabsync/internal/tabsync"
	"github.com/quicktab/tabsync/internal/transport"
)

// ObserverOptions configures an Observer.
type ObserverOptions struct {
	Chain   *transport.Chain
	Querier transport.Querier

	Dedup tabsync.DedupOptions

	// OnRecordChanged fires for every accepted update.
	OnRecordChanged func(ev RecordEvent)

	Clock  tabsync.Clock
	Logger tabsync.Logger
}

// ContextCount is one row of an Observer summary.
type ContextCount struct {
	ContextID string `json:"contextId"`
	Records   int    `json:"records"`
}

// Observer is a read-only participant: it mirrors the shared state and
// answers aggregate questions but never mutates. Dashboards and
// diagnostics attach here without entering the ownership domain.
type Observer struct {
	chain   *transport.Chain
	querier transport.Querier
	logger  tabsync.Logger

	dedup *tabsync.DeduplicationCache
	revs  *tabsync.RevisionValidator

	onRecordChanged func(ev RecordEvent)

	mu             sync.Mutex
	records        map[string]tabsync.Record
	globalRevision uint64
	cancelSubs     func()
	started        bool
}

func NewObserver(opts ObserverOptions) (*Observer, error) {
	if opts.Chain == nil || opts.Querier == nil {
		return nil, fmt.Errorf("%w: chain and querier are required", tabsync.ErrInvalidInput)
	}
	if opts.Dedup.Clock == nil {
		opts.Dedup.Clock = opts.Clock
	}
	return &Observer{
		chain:           opts.Chain,
		querier:         opts.Querier,
		logger:          opts.Logger,
		dedup:           tabsync.NewDeduplicationCache(opts.Dedup),
		revs:            tabsync.NewRevisionValidator(),
		onRecordChanged: opts.OnRecordChanged,
		records:         map[string]tabsync.Record{},
	}, nil
}

// Start hydrates from a full-state query and follows updates.
func (o *Observer) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return fmt.Errorf("%w: observer already started", tabsync.ErrInvalidInput)
	}
	o.started = true
	o.mu.Unlock()

	cancel := o.chain.SubscribeAll(o.handleEnvelope)
	o.mu.Lock()
	o.cancelSubs = cancel
	o.mu.Unlock()

	snap, err := o.querier.Query(ctx)
	if err != nil {
		return fmt.Errorf("initial state query: %w", err)
	}
	o.mu.Lock()
	for id, rec := range snap.Records {
		o.records[id] = rec
	}
	o.globalRevision = snap.GlobalRevision
	o.mu.Unlock()
	o.revs.Seed(snap)
	return nil
}

func (o *Observer) Close() error {
	o.mu.Lock()
	cancel := o.cancelSubs
	o.cancelSubs = nil
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	o.dedup.Close()
	return nil
}

// Records returns the mirrored state.
func (o *Observer) Records() map[string]tabsync.Record {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]tabsync.Record, len(o.records))
	for id, rec := range o.records {
		out[id] = rec
	}
	return out
}

// GlobalRevision reports the highest global revision observed.
func (o *Observer) GlobalRevision() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.globalRevision
}

// Summary aggregates records per owning context, sorted by context id.
func (o *Observer) Summary() []ContextCount {
	o.mu.Lock()
	counts := map[string]int{}
	for _, rec := range o.records {
		counts[rec.OwnerContextID]++
	}
	o.mu.Unlock()

	out := make([]ContextCount, 0, len(counts))
	for ctxID, n := range counts {
		out = append(out, ContextCount{ContextID: ctxID, Records: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContextID < out[j].ContextID })
	return out
}

func (o *Observer) handleEnvelope(env tabsync.Envelope) {
	if env.Type != tabsync.EnvelopeNotify || env.Record == nil || env.UpdateID == "" {
		return
	}
	rec := *env.Record

	o.mu.Lock()
	if !o.dedup.ShouldProcess(env.UpdateID) {
		o.mu.Unlock()
		return
	}
	if env.ChangeKind == tabsync.ChangeCreated {
		if _, held := o.records[rec.ID]; !held {
			o.revs.Forget(rec.ID)
		}
	}
	if !o.revs.Accept(rec.ID, rec.Revision) {
		o.mu.Unlock()
		return
	}
	switch env.ChangeKind {
	case tabsync.ChangeDeleted:
		// Kept as a tombstone revision; stale pre-delete updates must
		// not resurrect the record.
		delete(o.records, rec.ID)
	default:
		o.records[rec.ID] = rec
	}
	if env.GlobalRevision > o.globalRevision {
		o.globalRevision = env.GlobalRevision
	}
	hook := o.onRecordChanged
	o.mu.Unlock()

	if hook != nil {
		hook(RecordEvent{Record: rec, Change: env.ChangeKind})
	}
}

func (o *Observer) logf(format string, args ...any) {
	if o.logger != nil {
		o.logger.Printf("observer: "+format, args...)
	}
}
