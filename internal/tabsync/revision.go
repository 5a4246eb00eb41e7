package tabsync

import "sync"

// RevisionValidator is the sole ordering authority: an incoming revision is
// accepted only if it is strictly greater than the last revision seen for
// the record. Ties and regressions are rejected and counted. No mutation
// applies anywhere without passing this check.
type RevisionValidator struct {
	mu       sync.Mutex
	lastSeen map[string]uint64
	rejected uint64
}

func NewRevisionValidator() *RevisionValidator {
	return &RevisionValidator{lastSeen: map[string]uint64{}}
}

// Accept reports whether the incoming revision advances the record and, if
// so, records it as the new last-seen revision.
func (v *RevisionValidator) Accept(recordID string, incoming uint64) bool {
	if recordID == "" {
		return false
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if incoming <= v.lastSeen[recordID] {
		v.rejected++
		return false
	}
	v.lastSeen[recordID] = incoming
	return true
}

// LastSeen returns the highest accepted revision for the record.
func (v *RevisionValidator) LastSeen(recordID string) uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.lastSeen[recordID]
}

// Rejections returns how many ties and regressions were dropped.
func (v *RevisionValidator) Rejections() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.rejected
}

// Forget drops the record's tracked revision. Called after a delete so a
// recreated record with the same id starts over.
func (v *RevisionValidator) Forget(recordID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.lastSeen, recordID)
}

// Reset clears all tracked revisions. Used on full resync, where the next
// snapshot is authoritative.
func (v *RevisionValidator) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.lastSeen = map[string]uint64{}
}

// Seed records the revisions carried by a snapshot without counting
// rejections, so post-seed updates are validated against snapshot state.
func (v *RevisionValidator) Seed(snapshot StateSnapshot) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for id, rec := range snapshot.Records {
		if rec.Revision > v.lastSeen[id] {
			v.lastSeen[id] = rec.Revision
		}
	}
}
