// Package kv is the transactional engine underneath the object
// layer: object rows, field values, indexes and schema records in a
// pebble store, with optimistic transactions that surface conflicts
// as retryable errors. The object layer above never touches pebble
// directly; everything goes through the Tx interface.
package kv

import (
	"iter"

	"github.com/pkg/errors"

	"github.com/permazen/permazen-go/oid"
	"github.com/permazen/permazen-go/schema"
)

var (
	ErrClosed         = errors.New("permazen: store is closed")
	ErrTxClosed       = errors.New("permazen: transaction is closed")
	ErrRetryConflict  = errors.New("permazen: transaction conflict, retry")
	ErrObjectUnknown  = errors.New("permazen: unknown object")
	ErrObjectExists   = errors.New("permazen: object already exists")
	ErrSchemaUnknown  = errors.New("permazen: unknown schema version")
	ErrSchemaMismatch = errors.New("permazen: incompatible schema definitions")
	ErrWrongFieldKind = errors.New("permazen: wrong field kind")
)

// DeletedRef reports a copied reference field pointing at an object
// absent from the destination. The caller decides whether the target
// shows up later or the reference is a hard failure.
type DeletedRef struct {
	Referrer oid.ID
	Target   oid.ID
	Field    string
}

// TypeRange is one contiguous id range belonging to a single type
// tag; index scans skip entries outside the caller's ranges.
type TypeRange struct {
	Min oid.ID
	Max oid.ID
}

func RangeOf(tag uint16) TypeRange {
	return TypeRange{Min: oid.Min(tag), Max: oid.Max(tag)}
}

func inRanges(id oid.ID, ranges []TypeRange) bool {
	if ranges == nil {
		return true
	}
	for _, r := range ranges {
		if id >= r.Min && id <= r.Max {
			return true
		}
	}
	return false
}

// IndexEntry is one decoded index row: the owning object plus the
// element position (list indexes) or encoded map key (map-value
// indexes) when present.
type IndexEntry struct {
	ID  oid.ID
	Pos uint64
	Key []byte
}

// Listener observes object lifecycle events. Dispatch happens inside
// the mutating call; a type tag absent from the listener's interest
// set is skipped silently.
type Listener struct {
	OnCreate       func(id oid.ID)
	OnDelete       func(id oid.ID)
	OnFieldChange  func(id oid.ID, storageID uint32)
	OnSchemaChange func(id oid.ID, oldVersion, newVersion uint32)
	Tags           []uint16 // empty means all types
}

// Store is the engine's database handle: schema registry plus
// transaction factory.
type Store interface {
	// RegisterSchema persists the schema record for its version and
	// makes it the target of new transactions.
	RegisterSchema(s *schema.Schema) error
	Schema(version uint32) (*schema.Schema, error)
	Schemas() ([]*schema.Schema, error)

	Begin() (Tx, error)
	// BeginDetached opens a transaction against a fresh in-memory
	// store carrying the same schema registrations. It is not
	// connected to the live store; commit is local and trivial.
	BeginDetached() (Tx, error)

	AddListener(l *Listener)
	HasListeners(tag uint16) bool

	Close() error
}

// Tx is one engine transaction. Instances are single-writer; the
// store's own concurrency control turns interference into
// ErrRetryConflict at commit.
type Tx interface {
	TargetSchema() *schema.Schema
	Detached() bool

	Exists(id oid.ID) (bool, error)
	Create(id oid.ID) error
	Delete(id oid.ID) (bool, error)
	ObjectVersion(id oid.ID) (uint32, error)
	SetObjectVersion(id oid.ID, version uint32) error
	InstancesOf(tag uint16) iter.Seq[oid.ID]

	// ReadRaw and WriteRaw move TLV-framed field values; the object
	// layer owns encoding and conversion. WriteRaw maintains the
	// field's index entries. A nil value deletes the field.
	ReadRaw(id oid.ID, f *schema.Field) ([]byte, error)
	WriteRaw(id oid.ID, f *schema.Field, tlv []byte) error

	// ClearField leaves the field unset: value row, element rows and
	// index entries gone, whatever the field's kind.
	ClearField(id oid.ID, f *schema.Field) error

	ReadCounter(id oid.ID, f *schema.Field) (int64, error)
	AdjustCounter(id oid.ID, f *schema.Field, delta int64) error

	SetAdd(id oid.ID, f *schema.Field, elem []byte) error
	SetRemove(id oid.ID, f *schema.Field, elem []byte) error
	SetElems(id oid.ID, f *schema.Field) iter.Seq[[]byte]
	ListAppend(id oid.ID, f *schema.Field, elem []byte) error
	ListElems(id oid.ID, f *schema.Field) iter.Seq2[uint64, []byte]
	MapPut(id oid.ID, f *schema.Field, key, value []byte) error
	MapElems(id oid.ID, f *schema.Field) iter.Seq2[[]byte, []byte]

	ScanSimpleIndex(storageID uint32, key []byte, ranges []TypeRange) iter.Seq[IndexEntry]
	ScanListIndex(storageID uint32, key []byte, ranges []TypeRange) iter.Seq[IndexEntry]
	ScanMapValueIndex(storageID uint32, key []byte, ranges []TypeRange) iter.Seq[IndexEntry]
	ScanCompositeIndex(indexID uint32, key []byte, ranges []TypeRange) iter.Seq[IndexEntry]

	// CopyObject copies all fields of src into dst, converting
	// values to dst's target schema version. Reference fields whose
	// target is absent in dst are reported, not failed. The remap
	// function, when set, renames ids on the way over. Listener
	// dispatch in dst is skipped when notify is false.
	CopyObject(dst Tx, src oid.ID, remap func(oid.ID) oid.ID, notify bool) ([]DeletedRef, error)

	// SetReadTracking toggles conflict tracking of reads and
	// reports whether the transaction supports it at all.
	SetReadTracking(on bool) (prev, supported bool)

	Commit() error
	Rollback() error
	Closed() bool
}
