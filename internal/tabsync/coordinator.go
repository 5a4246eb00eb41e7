package tabsync

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

type CoordinatorOptions struct {
	Store        *DurableStore
	TabDirectory TabDirectory
	Logger       Logger
	Clock        Clock
}

// Coordinator is the sole owner of canonical state. Every mutation passes
// ownership and revision checks before the store write; the coordinator —
// never the requester — assigns revisions. Mutations for the same record
// are serialized; different records proceed concurrently.
type Coordinator struct {
	store     *DurableStore
	ownership *OwnershipPartition
	revisions *RevisionValidator
	tabdir    TabDirectory
	logger    Logger
	clock     Clock

	recordMuGuard sync.Mutex
	recordMu      map[string]*sync.Mutex

	broadcastMu   sync.Mutex
	broadcasters  map[int]func(Envelope)
	nextBroadcast int

	tabdirCancel func()
	closeOnce    sync.Once
}

func NewCoordinator(opts CoordinatorOptions) (*Coordinator, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidInput)
	}
	clock := opts.Clock
	if clock == nil {
		clock = SystemClock()
	}
	c := &Coordinator{
		store:        opts.Store,
		ownership:    NewOwnershipPartition(),
		revisions:    NewRevisionValidator(),
		tabdir:       opts.TabDirectory,
		logger:       opts.Logger,
		clock:        clock,
		recordMu:     map[string]*sync.Mutex{},
		broadcasters: map[int]func(Envelope){},
	}

	snapshot, err := opts.Store.Read(context.Background())
	if err != nil && !errors.Is(err, ErrStorageCorruption) {
		return nil, err
	}
	c.ownership.Seed(snapshot)
	c.revisions.Seed(snapshot)

	if opts.TabDirectory != nil {
		c.tabdirCancel = opts.TabDirectory.OnContextRemoved(c.HandleContextRemoved)
	}
	return c, nil
}

// SubscribeBroadcast registers a fan-out sink for accepted mutations;
// the Tier-1 hub is the usual subscriber. Tier-3 fan-out happens through
// the store's own change notification and needs no registration.
func (c *Coordinator) SubscribeBroadcast(fn func(Envelope)) (cancel func()) {
	if fn == nil {
		return func() {}
	}
	c.broadcastMu.Lock()
	c.nextBroadcast++
	id := c.nextBroadcast
	c.broadcasters[id] = fn
	c.broadcastMu.Unlock()
	return func() {
		c.broadcastMu.Lock()
		delete(c.broadcasters, id)
		c.broadcastMu.Unlock()
	}
}

// HandleMutation validates and applies one mutation. All failure modes
// are explicit in the result status; nothing is swallowed.
func (c *Coordinator) HandleMutation(ctx context.Context, req MutationRequest) MutationResult {
	if req.ContextID == "" {
		return c.reject(req, MutationValidationFailure, fmt.Errorf("%w: missing context id", ErrValidation))
	}
	switch req.Kind {
	case MutationCreate:
		return c.handleCreate(ctx, req)
	case MutationUpdate, MutationDelete:
		if req.RecordID == "" {
			return c.reject(req, MutationValidationFailure, fmt.Errorf("%w: missing record id", ErrValidation))
		}
		return c.handleWrite(ctx, req)
	default:
		return c.reject(req, MutationValidationFailure, fmt.Errorf("%w: unknown mutation kind %q", ErrValidation, req.Kind))
	}
}

// HandleQuery returns the full canonical state. No ownership filtering:
// display scoping is a presentation concern, not a data-access
// restriction.
func (c *Coordinator) HandleQuery(ctx context.Context, contextID string) (StateSnapshot, error) {
	snapshot, err := c.store.Read(ctx)
	if err != nil && !errors.Is(err, ErrStorageCorruption) {
		return StateSnapshot{}, err
	}
	if err != nil {
		c.logf("query from %s served degraded state after corruption reset", contextID)
	}
	return snapshot, nil
}

// HandleContextRemoved deletes every record owned by the removed context
// and broadcasts each delete. The ownership check is bypassed with an
// orphan-cleanup decision since the owner no longer exists.
func (c *Coordinator) HandleContextRemoved(contextID string) {
	if contextID == "" {
		return
	}
	owned := c.ownership.OwnedBy(contextID)
	if len(owned) == 0 {
		return
	}
	c.logf("context %s removed, cleaning up %d orphaned records", contextID, len(owned))
	for _, recordID := range owned {
		decision := c.ownership.OrphanDecision(recordID, contextID)
		if decision != WriteAllowedOrphanCleanup {
			continue
		}
		result := c.handleWrite(context.Background(), MutationRequest{
			Kind:          MutationDelete,
			RecordID:      recordID,
			ContextID:     contextID,
			OrphanCleanup: true,
			CorrelationID: "orphan_" + uuid.NewString(),
		})
		if result.Status != MutationApplied {
			c.logf("orphan cleanup of record %s for context %s failed: %s %s",
				recordID, contextID, result.Status, result.Error)
		}
	}
}

// ContextSummary describes one context's footprint for management views.
type ContextSummary struct {
	ContextID   string `json:"contextId"`
	RecordCount int    `json:"recordCount"`
}

// Contexts aggregates record counts per owning context.
func (c *Coordinator) Contexts(ctx context.Context) ([]ContextSummary, error) {
	snapshot, err := c.HandleQuery(ctx, "")
	if err != nil {
		return nil, err
	}
	counts := map[string]int{}
	for _, rec := range snapshot.Records {
		counts[rec.OwnerContextID]++
	}
	summaries := make([]ContextSummary, 0, len(counts))
	for contextID, n := range counts {
		summaries = append(summaries, ContextSummary{ContextID: contextID, RecordCount: n})
	}
	return summaries, nil
}

// RevisionRejections exposes the ordering authority's rejection counter.
func (c *Coordinator) RevisionRejections() uint64 {
	return c.revisions.Rejections()
}

func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		if c.tabdirCancel != nil {
			c.tabdirCancel()
		}
	})
}

func (c *Coordinator) handleCreate(ctx context.Context, req MutationRequest) MutationResult {
	if c.store.CreatesBlocked() {
		return c.reject(req, MutationStorageFailure, fmt.Errorf("%w: creates blocked until storage space recovers", ErrStorageFatal))
	}
	recordID := req.RecordID
	if recordID == "" {
		recordID = uuid.NewString()
	}
	req.RecordID = recordID
	return c.handleWrite(ctx, req)
}

func (c *Coordinator) handleWrite(ctx context.Context, req MutationRequest) MutationResult {
	unlock := c.lockRecord(req.RecordID)
	defer unlock()

	if req.OrphanCleanup {
		if decision := c.ownership.OrphanDecision(req.RecordID, req.ContextID); decision != WriteAllowedOrphanCleanup {
			return c.reject(req, MutationRejectedNotOwner, &OwnershipError{
				RecordID:  req.RecordID,
				ContextID: req.ContextID,
				OwnerID:   c.currentOwner(req.RecordID),
			})
		}
	} else if decision := c.ownership.CanWrite(req.RecordID, req.ContextID); decision != WriteAllowed {
		return c.reject(req, MutationRejectedNotOwner, &OwnershipError{
			RecordID:  req.RecordID,
			ContextID: req.ContextID,
			OwnerID:   c.currentOwner(req.RecordID),
		})
	}

	switch req.Kind {
	case MutationCreate, MutationUpdate:
		return c.applyUpsert(ctx, req)
	case MutationDelete:
		return c.applyDelete(ctx, req)
	default:
		return c.reject(req, MutationValidationFailure, fmt.Errorf("%w: unknown mutation kind %q", ErrValidation, req.Kind))
	}
}

func (c *Coordinator) applyUpsert(ctx context.Context, req MutationRequest) MutationResult {
	snapshot, err := c.store.Read(ctx)
	if err != nil && !errors.Is(err, ErrStorageCorruption) {
		return c.reject(req, MutationStorageFailure, err)
	}
	now := NowRFC3339(c.clock.Now())
	existing, exists := snapshot.Records[req.RecordID]

	var rec Record
	if exists {
		if req.Kind == MutationCreate {
			return c.reject(req, MutationValidationFailure,
				fmt.Errorf("%w: record %s already exists", ErrValidation, req.RecordID))
		}
		rec = existing
	} else {
		if req.Kind == MutationUpdate {
			return c.reject(req, MutationValidationFailure,
				fmt.Errorf("%w: record %s: %v", ErrValidation, req.RecordID, ErrNotFound))
		}
		rec = Record{
			ID:             req.RecordID,
			OwnerContextID: req.ContextID,
			Visible:        true,
			CreatedAt:      now,
		}
	}
	req.Fields.Apply(&rec)
	rec.LastModified = now

	// Coordinator assigns the revision. The validator then confirms the
	// assignment advances the record; a failure here means the stored
	// state moved underneath us, which per-record locking should prevent.
	nextRevision := c.revisions.LastSeen(req.RecordID) + 1
	if !c.revisions.Accept(req.RecordID, nextRevision) {
		return c.reject(req, MutationRejectedStale, &StaleRevisionError{
			RecordID: req.RecordID,
			Expected: c.revisions.LastSeen(req.RecordID),
			Actual:   nextRevision,
		})
	}
	rec.Revision = nextRevision

	globalRevision, err := c.store.Write(ctx, WriteDelta{Put: &rec})
	if err != nil {
		c.revisions.Forget(req.RecordID)
		if exists {
			// Restore the tracked revision of the stored record.
			c.revisions.Accept(req.RecordID, existing.Revision)
		}
		return c.reject(req, MutationStorageFailure, err)
	}
	if !exists {
		c.ownership.Claim(req.RecordID, req.ContextID)
	}

	changeKind := ChangeUpdated
	if !exists {
		changeKind = ChangeCreated
	}
	result := MutationResult{
		Status:         MutationApplied,
		Record:         &rec,
		ChangeKind:     changeKind,
		GlobalRevision: globalRevision,
		CorrelationID:  req.CorrelationID,
	}
	c.broadcast(Envelope{
		Type:           EnvelopeNotify,
		UpdateID:       UpdateIDFor(rec.ID, rec.Revision),
		ChangeKind:     changeKind,
		Record:         &rec,
		ContextID:      req.ContextID,
		CorrelationID:  req.CorrelationID,
		GlobalRevision: globalRevision,
	})
	return result
}

func (c *Coordinator) applyDelete(ctx context.Context, req MutationRequest) MutationResult {
	snapshot, err := c.store.Read(ctx)
	if err != nil && !errors.Is(err, ErrStorageCorruption) {
		return c.reject(req, MutationStorageFailure, err)
	}
	existing, exists := snapshot.Records[req.RecordID]
	if !exists {
		return c.reject(req, MutationValidationFailure,
			fmt.Errorf("%w: record %s: %v", ErrValidation, req.RecordID, ErrNotFound))
	}

	// Deletes get a final revision too, so replayed delete notifications
	// dedupe like any other change.
	finalRevision := c.revisions.LastSeen(req.RecordID) + 1
	if !c.revisions.Accept(req.RecordID, finalRevision) {
		return c.reject(req, MutationRejectedStale, &StaleRevisionError{
			RecordID: req.RecordID,
			Expected: c.revisions.LastSeen(req.RecordID),
			Actual:   finalRevision,
		})
	}

	globalRevision, err := c.store.Write(ctx, WriteDelta{DeleteID: req.RecordID})
	if err != nil {
		return c.reject(req, MutationStorageFailure, err)
	}
	c.ownership.Release(req.RecordID)
	c.revisions.Forget(req.RecordID)

	deleted := existing
	deleted.Revision = finalRevision
	deleted.LastModified = NowRFC3339(c.clock.Now())
	result := MutationResult{
		Status:         MutationApplied,
		Record:         &deleted,
		ChangeKind:     ChangeDeleted,
		GlobalRevision: globalRevision,
		CorrelationID:  req.CorrelationID,
	}
	c.broadcast(Envelope{
		Type:           EnvelopeNotify,
		UpdateID:       UpdateIDFor(deleted.ID, finalRevision),
		ChangeKind:     ChangeDeleted,
		Record:         &deleted,
		ContextID:      req.ContextID,
		CorrelationID:  req.CorrelationID,
		GlobalRevision: globalRevision,
	})
	return result
}

func (c *Coordinator) reject(req MutationRequest, status MutationStatus, err error) MutationResult {
	expected := c.revisions.LastSeen(req.RecordID)
	c.logf("mutation rejected: kind=%s record=%s context=%s status=%s lastRevision=%d err=%v",
		req.Kind, req.RecordID, req.ContextID, status, expected, err)
	return MutationResult{
		Status:        status,
		Error:         err.Error(),
		CorrelationID: req.CorrelationID,
	}
}

func (c *Coordinator) broadcast(env Envelope) {
	c.broadcastMu.Lock()
	sinks := make([]func(Envelope), 0, len(c.broadcasters))
	for _, fn := range c.broadcasters {
		sinks = append(sinks, fn)
	}
	c.broadcastMu.Unlock()
	for _, fn := range sinks {
		fn(env)
	}
}

func (c *Coordinator) lockRecord(recordID string) (unlock func()) {
	c.recordMuGuard.Lock()
	mu, ok := c.recordMu[recordID]
	if !ok {
		mu = &sync.Mutex{}
		c.recordMu[recordID] = mu
	}
	c.recordMuGuard.Unlock()
	mu.Lock()
	return mu.Unlock
}

func (c *Coordinator) currentOwner(recordID string) string {
	owner, _ := c.ownership.Owner(recordID)
	return owner
}

func (c *Coordinator) logf(format string, args ...any) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}
