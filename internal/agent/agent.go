// Package agent implements the per-context sync participant: it issues
// mutations through the ranked transport chain, maintains a local view
// of the shared tab state and gates every inbound update through the
// dedup cache and revision validator.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quicktab/tabsync/internal/tabsync"
	"github.com/quicktab/tabsync/internal/transport"
)

const (
	defaultMutationTimeout = 10 * time.Second
	maxPendingMutations    = 256
)

// ErrPendingOverflow reports a queued mutation dropped because the
// offline queue is full.
var ErrPendingOverflow = errors.New("agent: pending mutation queue full")

// RecordEvent is delivered to the OnRecordChanged hook.
type RecordEvent struct {
	Record tabsync.Record
	Change tabsync.ChangeKind
	// Tier names the transport that delivered the update; empty for
	// locally applied mutation results.
	Tier string
}

// Options configures a PeerAgent. ContextID, Chain and Querier are
// required; zero values elsewhere take defaults.
type Options struct {
	ContextID string
	Chain     *transport.Chain
	Querier   transport.Querier

	// Supervisor, when set, is suspended and resumed alongside the
	// agent so the Tier-1 channel stops probing while hidden.
	Supervisor *transport.Supervisor

	MutationTimeout time.Duration
	Dedup           tabsync.DedupOptions

	OnRecordChanged func(ev RecordEvent)
	// OnSyncHealth observes which tier served each acknowledged
	// mutation and how long the round trip took.
	OnSyncHealth func(tier string, latency time.Duration)

	Clock  tabsync.Clock
	Logger tabsync.Logger
}

// pendingMutation is a mutation that found no usable tier, parked until
// connectivity returns.
type pendingMutation struct {
	req      tabsync.MutationRequest
	queuedAt time.Time
}

// PeerAgent is one context's participant in the sync mesh.
type PeerAgent struct {
	contextID string
	chain     *transport.Chain
	querier   transport.Querier
	sup       *transport.Supervisor
	clock     tabsync.Clock
	logger    tabsync.Logger
	timeout   time.Duration

	onRecordChanged func(ev RecordEvent)
	onSyncHealth    func(tier string, latency time.Duration)

	dedup *tabsync.DeduplicationCache
	revs  *tabsync.RevisionValidator

	mu             sync.Mutex
	records        map[string]tabsync.Record
	globalRevision uint64
	suspended      bool
	pending        []pendingMutation
	waiters        map[string]chan tabsync.MutationResult
	cancelSubs     func()
	started        bool
	closed         bool
}

func New(opts Options) (*PeerAgent, error) {
	if opts.ContextID == "" {
		return nil, fmt.Errorf("%w: context id is required", tabsync.ErrInvalidInput)
	}
	if opts.Chain == nil || opts.Querier == nil {
		return nil, fmt.Errorf("%w: chain and querier are required", tabsync.ErrInvalidInput)
	}
	if opts.MutationTimeout <= 0 {
		opts.MutationTimeout = defaultMutationTimeout
	}
	if opts.Clock == nil {
		opts.Clock = tabsync.SystemClock()
	}
	if opts.Dedup.Clock == nil {
		opts.Dedup.Clock = opts.Clock
	}

	a := &PeerAgent{
		contextID:       opts.ContextID,
		chain:           opts.Chain,
		querier:         opts.Querier,
		sup:             opts.Supervisor,
		clock:           opts.Clock,
		logger:          opts.Logger,
		timeout:         opts.MutationTimeout,
		onRecordChanged: opts.OnRecordChanged,
		onSyncHealth:    opts.OnSyncHealth,
		dedup:           tabsync.NewDeduplicationCache(opts.Dedup),
		revs:            tabsync.NewRevisionValidator(),
		records:         map[string]tabsync.Record{},
		waiters:         map[string]chan tabsync.MutationResult{},
	}
	return a, nil
}

// Start hydrates the local view from a full-state query and subscribes
// to every tier. Notifications that raced the query are reconciled by
// the revision validator, not by ordering luck.
func (a *PeerAgent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started || a.closed {
		a.mu.Unlock()
		return fmt.Errorf("%w: agent already started", tabsync.ErrInvalidInput)
	}
	a.started = true
	a.mu.Unlock()

	// Subscribe before querying so nothing is missed in between; the
	// validator drops anything the query already covers.
	cancels := make([]func(), 0)
	for _, tier := range a.chain.Tiers() {
		tierName := tier.Name()
		cancels = append(cancels, tier.Subscribe(func(env tabsync.Envelope) {
			a.handleEnvelope(tierName, env)
		}))
	}
	a.mu.Lock()
	a.cancelSubs = func() {
		for _, cancel := range cancels {
			cancel()
		}
	}
	a.mu.Unlock()

	if err := a.resync(ctx); err != nil {
		return fmt.Errorf("initial state query: %w", err)
	}
	if a.sup != nil {
		a.sup.Start()
	}
	return nil
}

// Close tears the agent down.
func (a *PeerAgent) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	cancelSubs := a.cancelSubs
	a.cancelSubs = nil
	a.mu.Unlock()
	if cancelSubs != nil {
		cancelSubs()
	}
	a.dedup.Close()
	if a.sup != nil {
		return a.sup.Close()
	}
	return nil
}

// Create registers a new quick tab owned by this context. The record id
// is assigned here so concurrent creates from different contexts never
// collide.
func (a *PeerAgent) Create(ctx context.Context, fields tabsync.RecordFields) (tabsync.Record, error) {
	req := tabsync.MutationRequest{
		Kind:          tabsync.MutationCreate,
		RecordID:      uuid.NewString(),
		ContextID:     a.contextID,
		Fields:        fields,
		CorrelationID: uuid.NewString(),
	}
	return a.mutate(ctx, req)
}

// Update mutates a record this context owns.
func (a *PeerAgent) Update(ctx context.Context, recordID string, fields tabsync.RecordFields) (tabsync.Record, error) {
	req := tabsync.MutationRequest{
		Kind:          tabsync.MutationUpdate,
		RecordID:      recordID,
		ContextID:     a.contextID,
		Fields:        fields,
		CorrelationID: uuid.NewString(),
	}
	return a.mutate(ctx, req)
}

// Delete removes a record this context owns.
func (a *PeerAgent) Delete(ctx context.Context, recordID string) error {
	req := tabsync.MutationRequest{
		Kind:          tabsync.MutationDelete,
		RecordID:      recordID,
		ContextID:     a.contextID,
		CorrelationID: uuid.NewString(),
	}
	_, err := a.mutate(ctx, req)
	return err
}

func (a *PeerAgent) mutate(ctx context.Context, req tabsync.MutationRequest) (tabsync.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	waiter := make(chan tabsync.MutationResult, 1)
	a.mu.Lock()
	if a.suspended {
		a.mu.Unlock()
		return tabsync.Record{}, fmt.Errorf("%w: agent suspended", tabsync.ErrTransportUnavailable)
	}
	a.waiters[req.CorrelationID] = waiter
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.waiters, req.CorrelationID)
		a.mu.Unlock()
	}()

	env := tabsync.Envelope{
		Type:          tabsync.EnvelopeMutation,
		ContextID:     a.contextID,
		CorrelationID: req.CorrelationID,
		Mutation:      &req,
		Timestamp:     tabsync.NowRFC3339(time.Now()),
	}

	start := a.clock.Now()
	tierName, err := a.chain.Send(ctx, env)
	if err != nil {
		// Every tier refused. Park the mutation for FlushPending unless
		// the queue itself is full.
		if qErr := a.enqueuePending(req); qErr != nil {
			return tabsync.Record{}, fmt.Errorf("%v (and %w)", err, qErr)
		}
		a.logf("mutation %s queued, no transport: %v", req.CorrelationID, err)
		return tabsync.Record{}, err
	}

	select {
	case result := <-waiter:
		if result.Status != tabsync.MutationApplied {
			return tabsync.Record{}, resultError(result)
		}
		if a.onSyncHealth != nil {
			a.onSyncHealth(tierName, a.clock.Now().Sub(start))
		}
		if result.Record != nil {
			a.applyResult(*result.Record, req.Kind)
			return *result.Record, nil
		}
		return tabsync.Record{}, nil
	case <-ctx.Done():
		// An in-flight mutation past its deadline is failed, never
		// retried: a replay could double-apply.
		return tabsync.Record{}, fmt.Errorf("mutation %s: %w", req.CorrelationID, ctx.Err())
	}
}

func resultError(result tabsync.MutationResult) error {
	switch result.Status {
	case tabsync.MutationRejectedNotOwner:
		return fmt.Errorf("%w: %s", tabsync.ErrOwnershipViolation, result.Error)
	case tabsync.MutationRejectedStale:
		return fmt.Errorf("%w: %s", tabsync.ErrStaleRevision, result.Error)
	case tabsync.MutationValidationFailure:
		return fmt.Errorf("%w: %s", tabsync.ErrValidation, result.Error)
	case tabsync.MutationStorageFailure:
		return fmt.Errorf("%w: %s", tabsync.ErrStorageFatal, result.Error)
	default:
		return fmt.Errorf("mutation rejected (%s): %s", result.Status, result.Error)
	}
}

// applyResult folds an acknowledged mutation into the local view. The
// same gate as notifications runs, so when the notify for this very
// update arrives over another tier it is dropped as a duplicate.
func (a *PeerAgent) applyResult(rec tabsync.Record, kind tabsync.MutationKind) {
	change := tabsync.ChangeUpdated
	switch kind {
	case tabsync.MutationCreate:
		change = tabsync.ChangeCreated
	case tabsync.MutationDelete:
		change = tabsync.ChangeDeleted
	}
	env := tabsync.Envelope{
		Type:       tabsync.EnvelopeNotify,
		UpdateID:   tabsync.UpdateIDFor(rec.ID, rec.Revision),
		ChangeKind: change,
		Record:     &rec,
	}
	a.applyNotify("", env)
}

func (a *PeerAgent) enqueuePending(req tabsync.MutationRequest) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.pending) >= maxPendingMutations {
		return ErrPendingOverflow
	}
	a.pending = append(a.pending, pendingMutation{req: req, queuedAt: a.clock.Now()})
	return nil
}

// FlushPending replays mutations parked while every tier was down. Each
// is attempted once; still-unsendable mutations stay queued.
func (a *PeerAgent) FlushPending(ctx context.Context) int {
	a.mu.Lock()
	queued := a.pending
	a.pending = nil
	a.mu.Unlock()

	flushed := 0
	for i := range queued {
		env := tabsync.Envelope{
			Type:          tabsync.EnvelopeMutation,
			ContextID:     a.contextID,
			CorrelationID: queued[i].req.CorrelationID,
			Mutation:      &queued[i].req,
			Timestamp:     tabsync.NowRFC3339(time.Now()),
		}
		if _, err := a.chain.Send(ctx, env); err != nil {
			a.mu.Lock()
			a.pending = append(a.pending, queued[i:]...)
			a.mu.Unlock()
			break
		}
		flushed++
	}
	return flushed
}

// PendingCount reports mutations parked for lack of transport.
func (a *PeerAgent) PendingCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Record returns the local copy of one record.
func (a *PeerAgent) Record(id string) (tabsync.Record, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.records[id]
	return rec, ok
}

// Records returns the local view of all records.
func (a *PeerAgent) Records() map[string]tabsync.Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]tabsync.Record, len(a.records))
	for id, rec := range a.records {
		out[id] = rec
	}
	return out
}

// GlobalRevision reports the highest global revision observed.
func (a *PeerAgent) GlobalRevision() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.globalRevision
}

// Suspend halts inbound processing and parks the Tier-1 channel, for
// contexts that go invisible or idle.
func (a *PeerAgent) Suspend() {
	a.mu.Lock()
	a.suspended = true
	a.mu.Unlock()
	if a.sup != nil {
		a.sup.Suspend()
	}
	a.logf("suspended")
}

// Resume lifts a suspension. The local view is rebuilt from a fresh
// full-state query instead of trusting what was cached before, then
// parked mutations are flushed.
func (a *PeerAgent) Resume(ctx context.Context) error {
	a.mu.Lock()
	a.suspended = false
	a.mu.Unlock()
	if a.sup != nil {
		a.sup.Resume()
	}
	if err := a.resync(ctx); err != nil {
		return fmt.Errorf("resync: %w", err)
	}
	a.FlushPending(ctx)
	a.logf("resumed")
	return nil
}

// resync replaces the local view with the result of a full-state query.
func (a *PeerAgent) resync(ctx context.Context) error {
	snap, err := a.querier.Query(ctx)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.records = make(map[string]tabsync.Record, len(snap.Records))
	for id, rec := range snap.Records {
		a.records[id] = rec
	}
	a.globalRevision = snap.GlobalRevision
	a.mu.Unlock()
	a.revs.Reset()
	a.revs.Seed(snap)
	return nil
}

func (a *PeerAgent) handleEnvelope(tierName string, env tabsync.Envelope) {
	switch env.Type {
	case tabsync.EnvelopeMutationResult:
		if env.Result == nil {
			return
		}
		a.mu.Lock()
		waiter, ok := a.waiters[env.CorrelationID]
		a.mu.Unlock()
		if !ok {
			return
		}
		select {
		case waiter <- *env.Result:
		default:
		}
	case tabsync.EnvelopeNotify:
		a.applyNotify(tierName, env)
	}
}

// applyNotify is the single funnel: dedup first, then revision gate,
// then the local view. Updates surviving both gates are applied exactly
// once regardless of how many tiers delivered them.
func (a *PeerAgent) applyNotify(tierName string, env tabsync.Envelope) {
	if env.Record == nil || env.UpdateID == "" {
		return
	}
	rec := *env.Record

	a.mu.Lock()
	if a.suspended || a.closed {
		a.mu.Unlock()
		return
	}
	if !a.dedup.ShouldProcess(env.UpdateID) {
		a.mu.Unlock()
		return
	}
	if env.ChangeKind == tabsync.ChangeCreated {
		// A recreate restarts revision numbering for the id. Only an id
		// we are not holding qualifies; a create for a live record goes
		// through the normal gate like any replay.
		if _, held := a.records[rec.ID]; !held {
			a.revs.Forget(rec.ID)
		}
	}
	if !a.revs.Accept(rec.ID, rec.Revision) {
		a.mu.Unlock()
		return
	}
	switch env.ChangeKind {
	case tabsync.ChangeDeleted:
		// The delete's revision stays tracked as a tombstone so a stale
		// pre-delete update replayed later cannot resurrect the record.
		delete(a.records, rec.ID)
	default:
		a.records[rec.ID] = rec
	}
	if env.GlobalRevision > a.globalRevision {
		a.globalRevision = env.GlobalRevision
	}
	hook := a.onRecordChanged
	a.mu.Unlock()

	if hook != nil {
		hook(RecordEvent{Record: rec, Change: env.ChangeKind, Tier: tierName})
	}
}

func (a *PeerAgent) logf(format string, args ...any) {
	if a.logger != nil {
		a.logger.Printf("agent[%s]: "+format, append([]any{a.contextID}, args...)...)
	}
}
