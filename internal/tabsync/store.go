package tabsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

const (
	defaultValidationRetries = 3
	defaultFlushQueueSize    = 64
)

// Degradation ladder for quota exhaustion: share of records discarded,
// oldest first by lastModified, before each retry.
var quotaDegradationSteps = []float64{0.25, 0.50, 0.75}

// WriteDelta is one write against the canonical snapshot: an upsert or a
// delete, never both.
type WriteDelta struct {
	Put      *Record
	DeleteID string
}

type StoreOptions struct {
	Backend StateBackend
	// MaxSnapshotBytes caps the encoded snapshot size; 0 means the
	// backend's native limits are the only cap.
	MaxSnapshotBytes  int
	ValidationRetries int
	FlushQueueSize    int
	Clock             Clock
	Logger            Logger
	// OnWarning receives user-visible integrity warnings (corruption
	// recovery, state reset).
	OnWarning    func(message string)
	DisableWatch bool
}

// DurableStore owns the persisted snapshot. All writes are globally
// serialized through one flush goroutine since the backing store has no
// native transactions; reads verify the checksum every time; writes are
// validated by re-reading what was saved.
type DurableStore struct {
	backend   StateBackend
	maxBytes  int
	retries   int
	clock     Clock
	logger    Logger
	onWarning func(string)

	mu       sync.RWMutex
	current  StateSnapshot
	lastGood StateSnapshot

	subMu     sync.Mutex
	subs      map[int]func(StateSnapshot)
	nextSubID int

	flushCh        chan *flushRequest
	watchCancel    func()
	createsBlocked atomic.Bool

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type flushRequest struct {
	delta WriteDelta
	reply chan flushReply
}

type flushReply struct {
	globalRevision uint64
	err            error
}

func NewDurableStore(opts StoreOptions) (*DurableStore, error) {
	backend := opts.Backend
	if backend == nil {
		backend = NewInMemoryStateBackend()
	}
	retries := opts.ValidationRetries
	if retries <= 0 {
		retries = defaultValidationRetries
	}
	queueSize := opts.FlushQueueSize
	if queueSize <= 0 {
		queueSize = defaultFlushQueueSize
	}
	clock := opts.Clock
	if clock == nil {
		clock = SystemClock()
	}
	s := &DurableStore{
		backend:   backend,
		maxBytes:  opts.MaxSnapshotBytes,
		retries:   retries,
		clock:     clock,
		logger:    opts.Logger,
		onWarning: opts.OnWarning,
		current:   EmptySnapshot(),
		lastGood:  EmptySnapshot(),
		subs:      map[int]func(StateSnapshot){},
		flushCh:   make(chan *flushRequest, queueSize),
		closed:    make(chan struct{}),
	}

	loaded, err := backend.Load()
	if err != nil {
		s.warnf("state load failed, starting from empty snapshot: %v", err)
	} else if loaded != nil {
		if loaded.Records == nil {
			loaded.Records = map[string]Record{}
		}
		if loaded.VerifyChecksum() {
			s.current = loaded.Clone()
			s.lastGood = loaded.Clone()
		} else {
			s.warnf("state checksum mismatch on load, starting from empty snapshot")
		}
	}

	s.wg.Add(1)
	go s.flushLoop()

	if !opts.DisableWatch {
		if watcher, ok := backend.(backendWatcher); ok {
			cancel, watchErr := watcher.Watch(s.reloadFromBackend)
			if watchErr != nil {
				s.logf("backend watch unavailable: %v", watchErr)
			} else {
				s.watchCancel = cancel
			}
		}
	}
	return s, nil
}

// Write applies the delta and returns the new global revision. Writes are
// queued in order; the caller's context bounds the wait, but a deadline
// hit after enqueue does not undo the write — the caller learns the true
// outcome from change notifications.
func (s *DurableStore) Write(ctx context.Context, delta WriteDelta) (uint64, error) {
	if delta.Put == nil && delta.DeleteID == "" {
		return 0, ErrInvalidInput
	}
	req := &flushRequest{delta: delta, reply: make(chan flushReply, 1)}
	select {
	case s.flushCh <- req:
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-s.closed:
		return 0, ErrInvalidInput
	}
	select {
	case reply := <-req.reply:
		return reply.globalRevision, reply.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Read returns the current snapshot after verifying its checksum. On
// corruption it recovers from the last known-good copy, else resets to an
// empty snapshot and surfaces a warning.
func (s *DurableStore) Read(ctx context.Context) (StateSnapshot, error) {
	select {
	case <-ctx.Done():
		return StateSnapshot{}, ctx.Err()
	default:
	}
	s.mu.RLock()
	snapshot := s.current.Clone()
	s.mu.RUnlock()
	if snapshot.VerifyChecksum() {
		return snapshot, nil
	}
	return s.recoverCorruption()
}

// Subscribe registers a change listener. Delivery is at-least-once and
// unordered across listeners; each listener runs on its own goroutine.
func (s *DurableStore) Subscribe(fn func(StateSnapshot)) (cancel func()) {
	if fn == nil {
		return func() {}
	}
	s.subMu.Lock()
	s.nextSubID++
	id := s.nextSubID
	s.subs[id] = fn
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

// CreatesBlocked reports whether quota exhaustion has exhausted the
// degradation ladder. Further creates are refused until a write succeeds.
func (s *DurableStore) CreatesBlocked() bool {
	return s.createsBlocked.Load()
}

// GlobalRevision returns the current global revision.
func (s *DurableStore) GlobalRevision() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.GlobalRevision
}

func (s *DurableStore) Close() {
	s.closeOnce.Do(func() {
		if s.watchCancel != nil {
			s.watchCancel()
		}
		close(s.closed)
		s.wg.Wait()
		if closer, ok := s.backend.(backendCloser); ok {
			_ = closer.Close()
		}
	})
}

func (s *DurableStore) flushLoop() {
	defer s.wg.Done()
	for {
		select {
		case req := <-s.flushCh:
			rev, err := s.applyDelta(req.delta)
			req.reply <- flushReply{globalRevision: rev, err: err}
		case <-s.closed:
			// Fail whatever is still queued.
			for {
				select {
				case req := <-s.flushCh:
					req.reply <- flushReply{err: ErrInvalidInput}
				default:
					return
				}
			}
		}
	}
}

func (s *DurableStore) applyDelta(delta WriteDelta) (uint64, error) {
	s.mu.RLock()
	next := s.current.Clone()
	s.mu.RUnlock()

	protectedID := ""
	if delta.Put != nil {
		next.Records[delta.Put.ID] = *delta.Put
		protectedID = delta.Put.ID
	} else {
		if _, ok := next.Records[delta.DeleteID]; !ok {
			return 0, fmt.Errorf("%w: record %s", ErrNotFound, delta.DeleteID)
		}
		delete(next.Records, delta.DeleteID)
	}
	next.GlobalRevision++
	next.Checksum = next.ComputeChecksum()

	if err := s.saveWithQuotaDegradation(&next, protectedID); err != nil {
		return 0, err
	}
	if err := s.validateReadAfterWrite(&next); err != nil {
		return 0, err
	}

	s.mu.Lock()
	s.current = next.Clone()
	s.lastGood = next.Clone()
	s.mu.Unlock()
	s.createsBlocked.Store(false)

	s.notify(next)
	return next.GlobalRevision, nil
}

func (s *DurableStore) saveWithQuotaDegradation(next *StateSnapshot, protectedID string) error {
	err := s.trySave(next)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrQuotaExceeded) {
		return fmt.Errorf("%w: %v", ErrStorageFatal, err)
	}
	for _, share := range quotaDegradationSteps {
		dropped := discardOldest(next, share, protectedID)
		if dropped == 0 {
			continue
		}
		next.Checksum = next.ComputeChecksum()
		s.logf("quota exceeded, discarded %d oldest records (%d%% step) and retrying", dropped, int(share*100))
		if err = s.trySave(next); err == nil {
			return nil
		}
		if !errors.Is(err, ErrQuotaExceeded) {
			return fmt.Errorf("%w: %v", ErrStorageFatal, err)
		}
	}
	s.createsBlocked.Store(true)
	s.warnf("storage quota exhausted after all degradation steps; new records are blocked until space recovers")
	return fmt.Errorf("%w: quota degradation exhausted", ErrStorageFatal)
}

func (s *DurableStore) trySave(next *StateSnapshot) error {
	if s.maxBytes > 0 {
		encoded, err := json.Marshal(next)
		if err != nil {
			return err
		}
		if len(encoded) > s.maxBytes {
			return fmt.Errorf("%w: snapshot %d bytes exceeds cap %d", ErrQuotaExceeded, len(encoded), s.maxBytes)
		}
	}
	return s.backend.Save(next)
}

// validateReadAfterWrite re-reads the snapshot just saved and verifies
// checksum plus global revision, retrying the save a bounded number of
// times before declaring corruption.
func (s *DurableStore) validateReadAfterWrite(next *StateSnapshot) error {
	var lastErr error
	for attempt := 0; attempt <= s.retries; attempt++ {
		if attempt > 0 {
			if err := s.backend.Save(next); err != nil {
				lastErr = err
				continue
			}
		}
		loaded, err := s.backend.Load()
		if err != nil {
			lastErr = err
			continue
		}
		if loaded == nil {
			lastErr = errors.New("snapshot missing after save")
			continue
		}
		if loaded.GlobalRevision == next.GlobalRevision && loaded.Checksum == next.Checksum && loaded.VerifyChecksum() {
			return nil
		}
		lastErr = fmt.Errorf("read-after-write mismatch: revision %d checksum %.8s, want revision %d checksum %.8s",
			loaded.GlobalRevision, loaded.Checksum, next.GlobalRevision, next.Checksum)
	}
	s.warnf("read-after-write validation failed after %d retries: %v", s.retries, lastErr)
	return fmt.Errorf("%w: %v", ErrStorageCorruption, lastErr)
}

func (s *DurableStore) recoverCorruption() (StateSnapshot, error) {
	s.mu.Lock()
	if s.lastGood.VerifyChecksum() {
		s.current = s.lastGood.Clone()
		recovered := s.current.Clone()
		s.mu.Unlock()
		s.warnf("state corruption detected; recovered from last known-good snapshot at revision %d", recovered.GlobalRevision)
		return recovered, nil
	}
	s.mu.Unlock()

	if loaded, err := s.backend.Load(); err == nil && loaded != nil && loaded.VerifyChecksum() {
		s.mu.Lock()
		s.current = loaded.Clone()
		s.lastGood = loaded.Clone()
		s.mu.Unlock()
		s.warnf("state corruption detected; recovered from backend at revision %d", loaded.GlobalRevision)
		return loaded.Clone(), nil
	}

	s.mu.Lock()
	s.current = EmptySnapshot()
	s.lastGood = EmptySnapshot()
	s.mu.Unlock()
	s.warnf("state corruption unrecoverable; reset to empty snapshot")
	return EmptySnapshot(), ErrStorageCorruption
}

// reloadFromBackend handles cross-process change signals from the
// backend watcher. The store's own saves are skipped by revision compare.
func (s *DurableStore) reloadFromBackend() {
	loaded, err := s.backend.Load()
	if err != nil || loaded == nil {
		return
	}
	if !loaded.VerifyChecksum() {
		s.warnf("external snapshot change failed checksum verification; ignoring")
		return
	}
	s.mu.Lock()
	if loaded.GlobalRevision <= s.current.GlobalRevision {
		s.mu.Unlock()
		return
	}
	s.current = loaded.Clone()
	s.lastGood = loaded.Clone()
	s.mu.Unlock()
	s.notify(loaded.Clone())
}

func (s *DurableStore) notify(snapshot StateSnapshot) {
	s.subMu.Lock()
	listeners := make([]func(StateSnapshot), 0, len(s.subs))
	for _, fn := range s.subs {
		listeners = append(listeners, fn)
	}
	s.subMu.Unlock()
	for _, fn := range listeners {
		listener := fn
		go listener(snapshot.Clone())
	}
}

func (s *DurableStore) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

func (s *DurableStore) warnf(format string, args ...any) {
	s.logf(format, args...)
	if s.onWarning != nil {
		s.onWarning(fmt.Sprintf(format, args...))
	}
}

// discardOldest removes the given share of records ordered by
// lastModified, never touching protectedID. Returns how many were
// removed.
func discardOldest(snapshot *StateSnapshot, share float64, protectedID string) int {
	type aged struct {
		id           string
		lastModified string
	}
	candidates := make([]aged, 0, len(snapshot.Records))
	for id, rec := range snapshot.Records {
		if id == protectedID {
			continue
		}
		candidates = append(candidates, aged{id: id, lastModified: rec.LastModified})
	}
	if len(candidates) == 0 {
		return 0
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].lastModified == candidates[j].lastModified {
			return candidates[i].id < candidates[j].id
		}
		return candidates[i].lastModified < candidates[j].lastModified
	})
	drop := int(float64(len(snapshot.Records)) * share)
	if drop < 1 {
		drop = 1
	}
	if drop > len(candidates) {
		drop = len(candidates)
	}
	for _, victim := range candidates[:drop] {
		delete(snapshot.Records, victim.id)
	}
	return drop
}
