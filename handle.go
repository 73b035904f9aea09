package permazen

import (
	"iter"

	"github.com/permazen/permazen-go/oid"
)

// Object is the live in-memory representative of one database object
// within one transaction. Handles are owned by the transaction's
// identity cache and have no independent lifetime: for a given
// (transaction, id) pair at most one handle exists. A deleted and
// recreated object keeps its handle; only the cached field values
// are dropped.
type Object struct {
	id oid.ID
	tx *Transaction

	// decoded field values, by storage id, filled lazily by reads
	values map[uint32]any
}

func (o *Object) ID() oid.ID                { return o.id }
func (o *Object) Transaction() *Transaction { return o.tx }

// invalidate drops the cached field values; subsequent reads
// re-fetch from the engine or fail as deleted.
func (o *Object) invalidate() {
	clear(o.values)
}

func (o *Object) cached(storageID uint32) (any, bool) {
	v, ok := o.values[storageID]
	return v, ok
}

func (o *Object) cache(storageID uint32, v any) {
	o.values[storageID] = v
}

// Get returns the handle for an id, creating it if needed. The
// handle is returned even when the underlying object does not exist;
// existence is checked lazily by whoever touches the fields.
func (tx *Transaction) Get(id oid.ID) *Object {
	if o, ok := tx.handles[id]; ok {
		return o
	}
	o := &Object{id: id, tx: tx, values: make(map[uint32]any)}
	tx.handles[id] = o
	return o
}

// GetIfExists never creates a handle.
func (tx *Transaction) GetIfExists(id oid.ID) (*Object, bool) {
	o, ok := tx.handles[id]
	return o, ok
}

// Register installs a handle built by a re-entrant construction path,
// idempotently: if the cache already holds one for the id, the cached
// handle wins and is returned.
func (tx *Transaction) Register(o *Object) *Object {
	if prev, ok := tx.handles[o.id]; ok {
		return prev
	}
	if o.values == nil {
		o.values = make(map[uint32]any)
	}
	o.tx = tx
	tx.handles[o.id] = o
	return o
}

func (tx *Transaction) Exists(id oid.ID) (bool, error) {
	if err := tx.check(); err != nil {
		return false, err
	}
	return tx.kvt.Exists(id)
}

// Create makes a new object of the named type under a fresh id.
func (tx *Transaction) Create(typeName string) (*Object, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	ot, err := tx.schema.Type(typeName)
	if err != nil {
		return nil, err
	}
	id := oid.New(ot.StorageTag)
	if err = tx.CreateWithID(id); err != nil {
		return nil, err
	}
	return tx.Get(id), nil
}

// CreateWithID makes the object under a caller-chosen id.
func (tx *Transaction) CreateWithID(id oid.ID) error {
	if err := tx.check(); err != nil {
		return err
	}
	if err := tx.kvt.Create(id); err != nil {
		return err
	}
	if o, ok := tx.handles[id]; ok {
		o.invalidate()
	}
	if ot, err := tx.schema.TypeByTag(id.Tag()); err == nil && ot.AutoValidate {
		tx.enqueueValidation(id, nil)
	}
	return nil
}

// Delete removes the object. The handle survives with its cached
// values invalidated; the object drops out of the validation queue.
func (tx *Transaction) Delete(id oid.ID) (bool, error) {
	if err := tx.check(); err != nil {
		return false, err
	}
	existed, err := tx.kvt.Delete(id)
	if err != nil {
		return false, err
	}
	if o, ok := tx.handles[id]; ok {
		o.invalidate()
	}
	tx.dequeueValidation(id)
	return existed, nil
}

// GetAll yields a handle per live instance of the named type.
func (tx *Transaction) GetAll(typeName string) (iter.Seq[*Object], error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	ot, err := tx.schema.Type(typeName)
	if err != nil {
		return nil, err
	}
	return func(yield func(*Object) bool) {
		for id := range tx.kvt.InstancesOf(ot.StorageTag) {
			if !yield(tx.Get(id)) {
				return
			}
		}
	}, nil
}
