// Package permazen is the transaction bridge of an object database
// layered over a transactional key/value engine. It gives every
// database object a stable identity within a transaction, migrates
// field values across schema versions on access, enforces validation
// and uniqueness constraints at commit, and copies object graphs
// (cyclic ones included) between transactions.
package permazen

import (
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/permazen/permazen-go/kv"
	"github.com/permazen/permazen-go/oid"
	"github.com/permazen/permazen-go/schema"
	"github.com/permazen/permazen-go/utils"
)

type Options struct {
	Logger         utils.Logger
	QueryCacheSize int
}

func (o *Options) SetDefaults() {
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(utils.DefaultLogLevel)
	}
	if o.QueryCacheSize == 0 {
		o.QueryCacheSize = 1000
	}
}

// Validator runs statically-registered constraint checks for one
// object under the active validation group set. Violations become
// validation failures naming the object and type; the engine's retry
// signal passes through unchanged.
type Validator interface {
	Validate(tx *Transaction, id oid.ID, groups schema.Groups) error
}

type ValidatorFunc func(tx *Transaction, id oid.ID, groups schema.Groups) error

func (f ValidatorFunc) Validate(tx *Transaction, id oid.ID, groups schema.Groups) error {
	return f(tx, id, groups)
}

// ValidationHook is a custom pre- or post-validation callback. An
// early hook may delete the object; the checker then stops processing
// that id without error.
type ValidationHook func(tx *Transaction, id oid.ID, groups schema.Groups) error

// SchemaChangeHook observes a migrated object. Old field values come
// converted to model-level representation, keyed both by field name
// and by field storage id; reference values arrive as handles of this
// layer.
type SchemaChangeHook func(tx *Transaction, id oid.ID, oldVersion, newVersion uint32,
	oldByName map[string]any, oldByID map[uint32]any)

type Database struct {
	store kv.Store
	opts  Options
	log   utils.Logger

	validators  *xsync.MapOf[string, []Validator]
	earlyHooks  *xsync.MapOf[string, []ValidationHook]
	lateHooks   *xsync.MapOf[string, []ValidationHook]
	schemaHooks *xsync.MapOf[string, []SchemaChangeHook]

	// query descriptors are schema-independent once computed; cached
	// at the database level, bounded
	queries *lru.Cache[uint64, *queryDescriptor]
}

func New(store kv.Store, opts Options) (*Database, error) {
	opts.SetDefaults()
	queries, err := lru.New[uint64, *queryDescriptor](opts.QueryCacheSize)
	if err != nil {
		return nil, err
	}
	return &Database{
		store:       store,
		opts:        opts,
		log:         opts.Logger,
		validators:  xsync.NewMapOf[string, []Validator](),
		earlyHooks:  xsync.NewMapOf[string, []ValidationHook](),
		lateHooks:   xsync.NewMapOf[string, []ValidationHook](),
		schemaHooks: xsync.NewMapOf[string, []SchemaChangeHook](),
		queries:     queries,
	}, nil
}

func (db *Database) Store() kv.Store { return db.store }

func (db *Database) RegisterSchema(s *schema.Schema) error {
	return db.store.RegisterSchema(s)
}

func (db *Database) RegisterValidator(typeName string, v Validator) {
	db.validators.Compute(typeName, func(old []Validator, _ bool) ([]Validator, bool) {
		return append(old, v), false
	})
}

func (db *Database) RegisterEarlyHook(typeName string, h ValidationHook) {
	db.earlyHooks.Compute(typeName, func(old []ValidationHook, _ bool) ([]ValidationHook, bool) {
		return append(old, h), false
	})
}

func (db *Database) RegisterLateHook(typeName string, h ValidationHook) {
	db.lateHooks.Compute(typeName, func(old []ValidationHook, _ bool) ([]ValidationHook, bool) {
		return append(old, h), false
	})
}

func (db *Database) RegisterSchemaChangeHook(typeName string, h SchemaChangeHook) {
	db.schemaHooks.Compute(typeName, func(old []SchemaChangeHook, _ bool) ([]SchemaChangeHook, bool) {
		return append(old, h), false
	})
}

func (db *Database) hasSchemaHooks(typeName string) bool {
	hooks, _ := db.schemaHooks.Load(typeName)
	return len(hooks) > 0
}
