package kv

import (
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/permazen/permazen-go/schema"
	"github.com/permazen/permazen-go/utils"
)

type Options struct {
	Logger       utils.Logger
	WriteOptions *pebble.WriteOptions
}

func (o *Options) SetDefaults() {
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(utils.DefaultLogLevel)
	}
	if o.WriteOptions == nil {
		o.WriteOptions = &pebble.WriteOptions{Sync: false}
	}
}

type pebbleStore struct {
	db   *pebble.DB
	opts Options
	mem  bool

	// commitLock serializes optimistic validation + batch apply
	commitLock sync.Mutex

	lock      sync.Mutex
	schemas   map[uint32]*schema.Schema
	target    *schema.Schema
	listeners []*Listener
}

// Open opens (or creates) a durable store in dir.
func Open(dir string, opts Options) (Store, error) {
	opts.SetDefaults()
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	st := &pebbleStore{db: db, opts: opts, schemas: make(map[uint32]*schema.Schema)}
	if err = st.loadSchemas(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

// OpenMem opens a store on a memory filesystem; detached and
// snapshot transactions live in stores like this.
func OpenMem(opts Options) (Store, error) {
	opts.SetDefaults()
	db, err := pebble.Open("", &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		return nil, err
	}
	return &pebbleStore{db: db, opts: opts, mem: true, schemas: make(map[uint32]*schema.Schema)}, nil
}

// schemaRecord is the persisted form of a schema version.
type schemaRecord struct {
	Version uint32
	Types   []*schema.ObjectType
}

func (st *pebbleStore) loadSchemas() error {
	it, err := st.db.NewIter(&pebble.IterOptions{
		LowerBound: sKey(0),
		UpperBound: sKey(^uint32(0)),
	})
	if err != nil {
		return err
	}
	defer it.Close()
	for valid := it.First(); valid; valid = it.Next() {
		var rec schemaRecord
		if err := msgpack.Unmarshal(it.Value(), &rec); err != nil {
			return errors.Wrap(err, "corrupt schema record")
		}
		s, err := schema.New(rec.Version, rec.Types...)
		if err != nil {
			return err
		}
		st.schemas[s.Version] = s
		if st.target == nil || s.Version > st.target.Version {
			st.target = s
		}
	}
	return nil
}

func (st *pebbleStore) RegisterSchema(s *schema.Schema) error {
	if st.db == nil {
		return ErrClosed
	}
	st.lock.Lock()
	defer st.lock.Unlock()
	if prev, ok := st.schemas[s.Version]; ok && prev != s {
		// same version must mean the same definitions
		if !sameTypes(prev, s) {
			return errors.Wrapf(ErrSchemaMismatch, "version %d", s.Version)
		}
	}
	rec := schemaRecord{Version: s.Version, Types: s.TypeList()}
	blob, err := msgpack.Marshal(&rec)
	if err != nil {
		return err
	}
	if err = st.db.Set(sKey(s.Version), blob, st.opts.WriteOptions); err != nil {
		return err
	}
	st.schemas[s.Version] = s
	if st.target == nil || s.Version >= st.target.Version {
		st.target = s
	}
	return nil
}

func sameTypes(a, b *schema.Schema) bool {
	at, bt := a.TypeList(), b.TypeList()
	if len(at) != len(bt) {
		return false
	}
	for i := range at {
		if at[i].Name != bt[i].Name || at[i].StorageTag != bt[i].StorageTag ||
			len(at[i].Fields) != len(bt[i].Fields) {
			return false
		}
	}
	return true
}

func (st *pebbleStore) Schema(version uint32) (*schema.Schema, error) {
	st.lock.Lock()
	defer st.lock.Unlock()
	s, ok := st.schemas[version]
	if !ok {
		return nil, errors.Wrapf(ErrSchemaUnknown, "version %d", version)
	}
	return s, nil
}

func (st *pebbleStore) Schemas() ([]*schema.Schema, error) {
	st.lock.Lock()
	defer st.lock.Unlock()
	ret := make([]*schema.Schema, 0, len(st.schemas))
	for _, s := range st.schemas {
		ret = append(ret, s)
	}
	return ret, nil
}

func (st *pebbleStore) Begin() (Tx, error) {
	st.lock.Lock()
	target := st.target
	st.lock.Unlock()
	if st.db == nil {
		return nil, ErrClosed
	}
	if target == nil {
		return nil, ErrSchemaUnknown
	}
	return &pebbleTx{
		st:        st,
		b:         st.db.NewIndexedBatch(),
		target:    target,
		readTrack: !st.mem,
		reads:     make(map[string]uint64),
		writes:    make(map[string]struct{}),
	}, nil
}

func (st *pebbleStore) BeginDetached() (Tx, error) {
	st.lock.Lock()
	schemas := make([]*schema.Schema, 0, len(st.schemas))
	for _, s := range st.schemas {
		schemas = append(schemas, s)
	}
	st.lock.Unlock()
	det, err := OpenMem(st.opts)
	if err != nil {
		return nil, err
	}
	for _, s := range schemas {
		if err = det.RegisterSchema(s); err != nil {
			_ = det.Close()
			return nil, err
		}
	}
	dst := det.(*pebbleStore)
	tx, err := dst.Begin()
	if err != nil {
		_ = det.Close()
		return nil, err
	}
	ptx := tx.(*pebbleTx)
	ptx.detached = true
	ptx.ownStore = dst
	return ptx, nil
}

func (st *pebbleStore) AddListener(l *Listener) {
	st.lock.Lock()
	st.listeners = append(st.listeners, l)
	st.lock.Unlock()
}

func (st *pebbleStore) HasListeners(tag uint16) bool {
	st.lock.Lock()
	defer st.lock.Unlock()
	for _, l := range st.listeners {
		if len(l.Tags) == 0 {
			return true
		}
		for _, t := range l.Tags {
			if t == tag {
				return true
			}
		}
	}
	return false
}

func (st *pebbleStore) eachListener(tag uint16, fn func(l *Listener)) {
	st.lock.Lock()
	ls := st.listeners
	st.lock.Unlock()
	for _, l := range ls {
		if len(l.Tags) > 0 {
			hit := false
			for _, t := range l.Tags {
				if t == tag {
					hit = true
					break
				}
			}
			if !hit {
				continue
			}
		}
		fn(l)
	}
}

func (st *pebbleStore) Close() error {
	if st.db == nil {
		return ErrClosed
	}
	err := st.db.Close()
	st.db = nil
	return err
}
