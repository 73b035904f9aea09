package permazen

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/permazen/permazen-go/kv"
	"github.com/permazen/permazen-go/oid"
	"github.com/permazen/permazen-go/schema"
	"github.com/permazen/permazen-go/utils"
)

// Transaction is the live view of the store for one logical flow of
// control. Instances are single-writer: the underlying engine's
// concurrency control arbitrates between transactions, while inside
// one only the validation queue and the commit guard are shared
// state, protected by the transaction lock. That lock is never held
// across a call into the engine or a user hook.
type Transaction struct {
	db     *Database
	kvt    kv.Tx
	schema *schema.Schema
	log    utils.Logger
	id     string

	detached bool

	lock       sync.Mutex
	committing bool
	closed     bool

	validationDisabled bool

	handles map[oid.ID]*Object
	queue   map[oid.ID]schema.Groups
}

func (db *Database) newTransaction(kvt kv.Tx, detached bool) *Transaction {
	return &Transaction{
		db:       db,
		kvt:      kvt,
		schema:   kvt.TargetSchema(),
		log:      db.log,
		id:       uuid.NewString(),
		detached: detached,
		handles:  make(map[oid.ID]*Object),
		queue:    make(map[oid.ID]schema.Groups),
	}
}

func (db *Database) Transaction() (*Transaction, error) {
	kvt, err := db.store.Begin()
	if err != nil {
		return nil, err
	}
	return db.newTransaction(kvt, false), nil
}

// DetachedTransaction opens an in-memory snapshot transaction, not
// connected to the live store; copy operations use it to hold object
// subgraphs.
func (db *Database) DetachedTransaction() (*Transaction, error) {
	kvt, err := db.store.BeginDetached()
	if err != nil {
		return nil, err
	}
	return db.newTransaction(kvt, true), nil
}

func (tx *Transaction) Database() *Database    { return tx.db }
func (tx *Transaction) Schema() *schema.Schema { return tx.schema }
func (tx *Transaction) Detached() bool         { return tx.detached }

func (tx *Transaction) IsOpen() bool {
	tx.lock.Lock()
	defer tx.lock.Unlock()
	return !tx.closed
}

// check guards every entry point against use after close.
func (tx *Transaction) check() error {
	tx.lock.Lock()
	defer tx.lock.Unlock()
	if tx.closed {
		return ErrStaleTransaction
	}
	return nil
}

type txContextKey struct{}

// WithCurrent binds the transaction into the context; nested binds
// shadow outer ones and unwind naturally with the context itself.
func WithCurrent(ctx context.Context, tx *Transaction) context.Context {
	return context.WithValue(ctx, txContextKey{}, tx)
}

func Current(ctx context.Context) (*Transaction, bool) {
	tx, ok := ctx.Value(txContextKey{}).(*Transaction)
	return tx, ok
}

// PerformAction runs fn with the transaction bound as the context's
// current transaction. The previous binding is visible again as soon
// as fn returns, normally or not.
func (tx *Transaction) PerformAction(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := tx.check(); err != nil {
		return err
	}
	ctx = utils.WithDefaultArgs(WithCurrent(ctx, tx), "tx", tx.id)
	return fn(ctx)
}

// Commit validates the queue and commits the engine transaction. A
// validation failure rolls the transaction back and propagates. A
// second Commit while one is in flight is a programming error.
func (tx *Transaction) Commit() error {
	tx.lock.Lock()
	if tx.closed {
		tx.lock.Unlock()
		return ErrStaleTransaction
	}
	if tx.committing {
		tx.lock.Unlock()
		return ErrCommitInProgress
	}
	tx.committing = true
	tx.lock.Unlock()

	if err := tx.Validate(); err != nil {
		_ = tx.Rollback()
		return err
	}

	tx.lock.Lock()
	tx.closed = true
	tx.lock.Unlock()
	return tx.kvt.Commit()
}

func (tx *Transaction) Rollback() error {
	tx.lock.Lock()
	if tx.closed {
		tx.lock.Unlock()
		return ErrStaleTransaction
	}
	tx.closed = true
	tx.lock.Unlock()
	return tx.kvt.Rollback()
}

// WithWeakConsistency runs fn with conflict tracking of reads
// disabled, when the engine transaction supports disabling it at all.
// Reads made under fn can be stale without failing the commit; a
// write depending on such a read is NOT protected — this is an
// explicit escape hatch, not a consistency mode.
func (tx *Transaction) WithWeakConsistency(fn func() error) error {
	if err := tx.check(); err != nil {
		return err
	}
	prev, supported := tx.kvt.SetReadTracking(false)
	if !supported {
		return fn()
	}
	defer tx.kvt.SetReadTracking(prev)
	return fn()
}

// SetValidationDisabled turns the whole validation drain into a no-op
// for this transaction.
func (tx *Transaction) SetValidationDisabled(disabled bool) {
	tx.lock.Lock()
	tx.validationDisabled = disabled
	tx.lock.Unlock()
}
