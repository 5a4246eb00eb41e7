package tabsync

import (
	"sort"
	"sync"
)

// WriteDecision is the outcome of an ownership check.
type WriteDecision int

const (
	WriteDeniedNotOwner WriteDecision = iota
	WriteAllowed
	WriteAllowedOrphanCleanup
)

func (d WriteDecision) String() string {
	switch d {
	case WriteAllowed:
		return "ALLOWED"
	case WriteAllowedOrphanCleanup:
		return "ALLOWED_ORPHAN_CLEANUP"
	default:
		return "DENIED_NOT_OWNER"
	}
}

// OwnershipPartition maps each record to its sole writer context. A write
// succeeds only when the requester is the owner; orphan-cleanup deletes
// bypass the check because the owner is gone.
type OwnershipPartition struct {
	mu     sync.RWMutex
	owners map[string]string
}

func NewOwnershipPartition() *OwnershipPartition {
	return &OwnershipPartition{owners: map[string]string{}}
}

// CanWrite decides whether contextID may write recordID. An unknown record
// is always allowed; the requester becomes owner when the write commits.
func (p *OwnershipPartition) CanWrite(recordID, contextID string) WriteDecision {
	if recordID == "" || contextID == "" {
		return WriteDeniedNotOwner
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	owner, ok := p.owners[recordID]
	if !ok || owner == contextID {
		return WriteAllowed
	}
	return WriteDeniedNotOwner
}

// OrphanDecision decides a cleanup delete for a record whose owning
// context was reported removed.
func (p *OwnershipPartition) OrphanDecision(recordID, removedContextID string) WriteDecision {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if owner, ok := p.owners[recordID]; ok && owner == removedContextID {
		return WriteAllowedOrphanCleanup
	}
	return WriteDeniedNotOwner
}

// Claim records contextID as the owner of recordID.
func (p *OwnershipPartition) Claim(recordID, contextID string) {
	if recordID == "" || contextID == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.owners[recordID] = contextID
}

// Release forgets the record's owner. Called after a delete.
func (p *OwnershipPartition) Release(recordID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.owners, recordID)
}

// Owner returns the record's owner, if any.
func (p *OwnershipPartition) Owner(recordID string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	owner, ok := p.owners[recordID]
	return owner, ok
}

// OwnedBy lists the records owned by contextID, sorted for determinism.
func (p *OwnershipPartition) OwnedBy(contextID string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, 4)
	for recordID, owner := range p.owners {
		if owner == contextID {
			ids = append(ids, recordID)
		}
	}
	sort.Strings(ids)
	return ids
}

// Seed rebuilds the partition from a snapshot, typically at coordinator
// startup.
func (p *OwnershipPartition) Seed(snapshot StateSnapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, rec := range snapshot.Records {
		if rec.OwnerContextID != "" {
			p.owners[id] = rec.OwnerContextID
		}
	}
}
