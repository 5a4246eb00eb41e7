package tabsync

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrInvalidInput         = errors.New("invalid input")
	ErrOwnershipViolation   = errors.New("ownership violation")
	ErrStaleRevision        = errors.New("stale revision")
	ErrTransportUnavailable = errors.New("transport unavailable")
	ErrCircuitOpen          = errors.New("circuit open")
	ErrStorageCorruption    = errors.New("storage corruption")
	ErrQuotaExceeded        = errors.New("quota exceeded")
	ErrStorageFatal         = errors.New("storage fatal")
	ErrValidation           = errors.New("validation failure")
	ErrNotImplemented       = errors.New("not implemented")
)

// OwnershipError reports a write attempted by a context that does not own
// the record. It carries enough detail to reconstruct the rejection from
// logs alone.
type OwnershipError struct {
	RecordID  string
	ContextID string
	OwnerID   string
}

func (e *OwnershipError) Error() string {
	return fmt.Sprintf("ownership violation: record %s owned by %s, write from %s", e.RecordID, e.OwnerID, e.ContextID)
}

func (e *OwnershipError) Is(target error) bool {
	return target == ErrOwnershipViolation
}

// StaleRevisionError reports an update whose revision is not strictly
// greater than the last accepted revision for the record. Expected under
// replay; dropped, never applied.
type StaleRevisionError struct {
	RecordID string
	Expected uint64
	Actual   uint64
}

func (e *StaleRevisionError) Error() string {
	return fmt.Sprintf("stale revision for record %s: expected > %d, got %d", e.RecordID, e.Expected, e.Actual)
}

func (e *StaleRevisionError) Is(target error) bool {
	return target == ErrStaleRevision
}

// Logger is the minimal logging surface components accept. A nil Logger
// disables logging.
type Logger interface {
	Printf(format string, args ...any)
}

// Record is a single synchronized quick-tab overlay window.
type Record struct {
	ID             string `json:"id"`
	OwnerContextID string `json:"ownerContextId"`
	Title          string `json:"title,omitempty"`
	URL            string `json:"url,omitempty"`
	X              int    `json:"x"`
	Y              int    `json:"y"`
	Width          int    `json:"width"`
	Height         int    `json:"height"`
	Visible        bool   `json:"visible"`
	Pinned         bool   `json:"pinned,omitempty"`
	CreatedAt      string `json:"createdAt"`
	LastModified   string `json:"lastModified"`
	Revision       uint64 `json:"revision"`
}

// RecordFields carries the mutable fields of a record. Nil pointers leave
// the stored value untouched on update.
type RecordFields struct {
	Title   *string `json:"title,omitempty"`
	URL     *string `json:"url,omitempty"`
	X       *int    `json:"x,omitempty"`
	Y       *int    `json:"y,omitempty"`
	Width   *int    `json:"width,omitempty"`
	Height  *int    `json:"height,omitempty"`
	Visible *bool   `json:"visible,omitempty"`
	Pinned  *bool   `json:"pinned,omitempty"`
}

// Apply copies the set fields onto the record.
func (f RecordFields) Apply(rec *Record) {
	if f.Title != nil {
		rec.Title = *f.Title
	}
	if f.URL != nil {
		rec.URL = *f.URL
	}
	if f.X != nil {
		rec.X = *f.X
	}
	if f.Y != nil {
		rec.Y = *f.Y
	}
	if f.Width != nil {
		rec.Width = *f.Width
	}
	if f.Height != nil {
		rec.Height = *f.Height
	}
	if f.Visible != nil {
		rec.Visible = *f.Visible
	}
	if f.Pinned != nil {
		rec.Pinned = *f.Pinned
	}
}

// StateSnapshot is the full canonical state. Written only by the
// Coordinator; read by everyone. Checksum covers records and
// globalRevision and is verified on every read.
type StateSnapshot struct {
	Records        map[string]Record `json:"records"`
	GlobalRevision uint64            `json:"globalRevision"`
	Checksum       string            `json:"checksum"`
}

// Clone returns a deep copy safe to hand to callers.
func (s StateSnapshot) Clone() StateSnapshot {
	records := make(map[string]Record, len(s.Records))
	for id, rec := range s.Records {
		records[id] = rec
	}
	return StateSnapshot{
		Records:        records,
		GlobalRevision: s.GlobalRevision,
		Checksum:       s.Checksum,
	}
}

// ComputeChecksum hashes the canonical encoding of the snapshot content:
// records sorted by id, then the global revision. SHA-256 hex.
func (s StateSnapshot) ComputeChecksum() string {
	ids := make([]string, 0, len(s.Records))
	for id := range s.Records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	h := sha256.New()
	for _, id := range ids {
		data, err := json.Marshal(s.Records[id])
		if err != nil {
			continue
		}
		h.Write(data)
		h.Write([]byte{0})
	}
	h.Write([]byte(strconv.FormatUint(s.GlobalRevision, 10)))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyChecksum reports whether the stored checksum matches the content.
// An empty snapshot with no checksum is valid.
func (s StateSnapshot) VerifyChecksum() bool {
	if s.Checksum == "" && len(s.Records) == 0 && s.GlobalRevision == 0 {
		return true
	}
	return s.Checksum == s.ComputeChecksum()
}

// EmptySnapshot returns a fresh valid snapshot.
func EmptySnapshot() StateSnapshot {
	return StateSnapshot{Records: map[string]Record{}}
}

type MutationKind string

const (
	MutationCreate MutationKind = "create"
	MutationUpdate MutationKind = "update"
	MutationDelete MutationKind = "delete"
)

type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeUpdated ChangeKind = "updated"
	ChangeDeleted ChangeKind = "deleted"
)

// MutationRequest is a write issued by a context. Requesters never assign
// revisions; the Coordinator does.
type MutationRequest struct {
	Kind          MutationKind `json:"kind"`
	RecordID      string       `json:"recordId,omitempty"`
	ContextID     string       `json:"contextId"`
	Fields        RecordFields `json:"fields"`
	OrphanCleanup bool         `json:"-"`
	CorrelationID string       `json:"correlationId,omitempty"`
}

type MutationStatus string

const (
	MutationApplied           MutationStatus = "applied"
	MutationRejectedNotOwner  MutationStatus = "rejected_not_owner"
	MutationRejectedStale     MutationStatus = "rejected_stale"
	MutationStorageFailure    MutationStatus = "storage_failure"
	MutationValidationFailure MutationStatus = "validation_failure"
)

// MutationResult is the typed outcome of HandleMutation. Status is always
// set; Record is set only when the mutation applied.
type MutationResult struct {
	Status         MutationStatus `json:"status"`
	Record         *Record        `json:"record,omitempty"`
	ChangeKind     ChangeKind     `json:"changeKind,omitempty"`
	GlobalRevision uint64         `json:"globalRevision,omitempty"`
	Error          string         `json:"error,omitempty"`
	CorrelationID  string         `json:"correlationId,omitempty"`
}

// Envelope is the wire frame shared by all transport tiers.
type EnvelopeType string

const (
	EnvelopeNotify         EnvelopeType = "notify"
	EnvelopeMutation       EnvelopeType = "mutation"
	EnvelopeMutationResult EnvelopeType = "mutation_result"
	EnvelopeHeartbeat      EnvelopeType = "heartbeat"
	EnvelopeHeartbeatAck   EnvelopeType = "heartbeat_ack"
	EnvelopeHello          EnvelopeType = "hello"
)

type Envelope struct {
	Type           EnvelopeType     `json:"type"`
	UpdateID       string           `json:"updateId,omitempty"`
	ChangeKind     ChangeKind       `json:"changeKind,omitempty"`
	Record         *Record          `json:"record,omitempty"`
	Mutation       *MutationRequest `json:"mutation,omitempty"`
	Result         *MutationResult  `json:"result,omitempty"`
	ContextID      string           `json:"contextId,omitempty"`
	CorrelationID  string           `json:"correlationId,omitempty"`
	GlobalRevision uint64           `json:"globalRevision,omitempty"`
	Timestamp      string           `json:"timestamp,omitempty"`
}

// UpdateIDFor builds the deterministic update identifier for a change
// notification. Deterministic across tiers so the same logical update
// deduplicates no matter which tier delivered it first.
func UpdateIDFor(recordID string, revision uint64) string {
	return recordID + "@" + strconv.FormatUint(revision, 10)
}

// NowRFC3339 formats the given time the way records store timestamps.
func NowRFC3339(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
