package permazen

import (
	"fmt"
	"iter"

	"github.com/cespare/xxhash"
	"github.com/pkg/errors"

	"github.com/permazen/permazen-go/kv"
	"github.com/permazen/permazen-go/oid"
	"github.com/permazen/permazen-go/schema"
)

type queryKind byte

const (
	querySimple queryKind = iota
	queryListElem
	queryMapValue
	queryComposite
)

// queryDescriptor resolves one (kind, type, field-or-index) query key
// to the underlying index plus the converters for every position.
// Descriptors depend only on the schema version, never on transaction
// state, so they live in a bounded cache on the Database.
type queryDescriptor struct {
	kind      queryKind
	storageID uint32
	typeName  string
	name      string

	enc    schema.Encoding   // value encoding; element/value for complex fields
	keyEnc schema.Encoding   // map key encoding
	tuple  []schema.Encoding // composite member encodings, in index order

	// eligible-type filter: the queried type's tag plus descendants.
	// Keeps a supertype query from surfacing sibling-type rows living
	// under the same field storage id.
	ranges []kv.TypeRange
}

func queryCacheKey(version uint32, kind queryKind, typeName, name string) uint64 {
	return xxhash.Sum64String(fmt.Sprintf("%d\x00%d\x00%s\x00%s", version, kind, typeName, name))
}

func (db *Database) queryDescriptor(s *schema.Schema, kind queryKind, typeName, name string) (*queryDescriptor, error) {
	key := queryCacheKey(s.Version, kind, typeName, name)
	if d, ok := db.queries.Get(key); ok {
		QueryCacheResults.WithLabelValues("hit").Inc()
		return d, nil
	}
	QueryCacheResults.WithLabelValues("miss").Inc()
	d, err := buildQueryDescriptor(s, kind, typeName, name)
	if err != nil {
		return nil, err
	}
	db.queries.Add(key, d)
	return d, nil
}

func typeRanges(s *schema.Schema, typeName string) []kv.TypeRange {
	tags := s.SubTags(typeName)
	ranges := make([]kv.TypeRange, 0, len(tags))
	for _, tag := range tags {
		ranges = append(ranges, kv.RangeOf(tag))
	}
	return ranges
}

func buildQueryDescriptor(s *schema.Schema, kind queryKind, typeName, name string) (*queryDescriptor, error) {
	ot, err := s.Type(typeName)
	if err != nil {
		return nil, err
	}
	d := &queryDescriptor{
		kind:     kind,
		typeName: typeName,
		name:     name,
		ranges:   typeRanges(s, typeName),
	}

	if kind == queryComposite {
		ci, err := ot.CompositeIndex(name)
		if err != nil {
			return nil, err
		}
		d.storageID = ci.StorageID
		d.tuple = make([]schema.Encoding, 0, len(ci.FieldNames))
		for _, fn := range ci.FieldNames {
			f, err := ot.Field(fn)
			if err != nil {
				return nil, err
			}
			enc, err := schema.Lookup(f.Encoding)
			if err != nil {
				return nil, err
			}
			d.tuple = append(d.tuple, enc)
		}
		return d, nil
	}

	f, err := ot.Field(name)
	if err != nil {
		return nil, err
	}
	if !f.Indexed {
		return nil, errors.Errorf("permazen: field %s.%s is not indexed", typeName, name)
	}
	d.storageID = f.StorageID
	switch kind {
	case querySimple:
		if f.Kind != schema.Simple && f.Kind != schema.Reference {
			return nil, kv.ErrWrongFieldKind
		}
		if d.enc, err = f.ValueEncoding(); err != nil {
			return nil, err
		}
	case queryListElem:
		if f.Kind != schema.List {
			return nil, kv.ErrWrongFieldKind
		}
		if d.enc, err = schema.Lookup(f.Encoding); err != nil {
			return nil, err
		}
	case queryMapValue:
		if f.Kind != schema.Map {
			return nil, kv.ErrWrongFieldKind
		}
		if d.enc, err = schema.Lookup(f.Encoding); err != nil {
			return nil, err
		}
		if d.keyEnc, err = schema.Lookup(f.KeyEncoding); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// IndexQuery is a prepared, reusable view over one index for one
// queried type; Find* methods scan for objects matching a value.
type IndexQuery struct {
	tx *Transaction
	d  *queryDescriptor
}

func (tx *Transaction) indexQuery(kind queryKind, typeName, name string) (*IndexQuery, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	d, err := tx.db.queryDescriptor(tx.schema, kind, typeName, name)
	if err != nil {
		return nil, err
	}
	return &IndexQuery{tx: tx, d: d}, nil
}

func (tx *Transaction) QuerySimpleIndex(typeName, fieldName string) (*IndexQuery, error) {
	return tx.indexQuery(querySimple, typeName, fieldName)
}

func (tx *Transaction) QueryListElementIndex(typeName, fieldName string) (*IndexQuery, error) {
	return tx.indexQuery(queryListElem, typeName, fieldName)
}

func (tx *Transaction) QueryMapValueIndex(typeName, fieldName string) (*IndexQuery, error) {
	return tx.indexQuery(queryMapValue, typeName, fieldName)
}

func (tx *Transaction) QueryCompositeIndex(typeName, indexName string) (*IndexQuery, error) {
	return tx.indexQuery(queryComposite, typeName, indexName)
}

// handles pass for their ids in query values
func queryValue(v any) any {
	if o, ok := v.(*Object); ok {
		return o.ID()
	}
	return v
}

// Find yields the ids of objects whose indexed field holds the value.
func (q *IndexQuery) Find(value any) (iter.Seq[oid.ID], error) {
	if q.d.kind == queryComposite {
		return nil, kv.ErrWrongFieldKind
	}
	key, err := q.d.enc.Encode(queryValue(value))
	if err != nil {
		return nil, err
	}
	var scan iter.Seq[kv.IndexEntry]
	switch q.d.kind {
	case querySimple:
		scan = q.tx.kvt.ScanSimpleIndex(q.d.storageID, key, q.d.ranges)
	case queryListElem:
		scan = q.tx.kvt.ScanListIndex(q.d.storageID, key, q.d.ranges)
	case queryMapValue:
		scan = q.tx.kvt.ScanMapValueIndex(q.d.storageID, key, q.d.ranges)
	}
	return func(yield func(oid.ID) bool) {
		for e := range scan {
			if !yield(e.ID) {
				return
			}
		}
	}, nil
}

// FindElements yields (id, list position) pairs for a list-element
// index.
func (q *IndexQuery) FindElements(value any) (iter.Seq2[oid.ID, uint64], error) {
	if q.d.kind != queryListElem {
		return nil, kv.ErrWrongFieldKind
	}
	key, err := q.d.enc.Encode(queryValue(value))
	if err != nil {
		return nil, err
	}
	return func(yield func(oid.ID, uint64) bool) {
		for e := range q.tx.kvt.ScanListIndex(q.d.storageID, key, q.d.ranges) {
			if !yield(e.ID, e.Pos) {
				return
			}
		}
	}, nil
}

// FindMapEntries yields (id, decoded map key) pairs for a map-value
// index.
func (q *IndexQuery) FindMapEntries(value any) (iter.Seq2[oid.ID, any], error) {
	if q.d.kind != queryMapValue {
		return nil, kv.ErrWrongFieldKind
	}
	key, err := q.d.enc.Encode(queryValue(value))
	if err != nil {
		return nil, err
	}
	return func(yield func(oid.ID, any) bool) {
		for e := range q.tx.kvt.ScanMapValueIndex(q.d.storageID, key, q.d.ranges) {
			mk, err := q.d.keyEnc.Decode(e.Key)
			if err != nil {
				q.tx.log.Warn("undecodable map key in index", "field", q.d.name)
				continue
			}
			if !yield(e.ID, mk) {
				return
			}
		}
	}, nil
}

// FindTuple yields the ids matching the full value tuple of a
// composite index; values arrive in the index's field order.
func (q *IndexQuery) FindTuple(values ...any) (iter.Seq[oid.ID], error) {
	if q.d.kind != queryComposite {
		return nil, kv.ErrWrongFieldKind
	}
	if len(values) != len(q.d.tuple) {
		return nil, errors.Errorf("permazen: composite index %q wants %d values, got %d",
			q.d.name, len(q.d.tuple), len(values))
	}
	var key []byte
	for i, v := range values {
		part, err := q.d.tuple[i].Encode(queryValue(v))
		if err != nil {
			return nil, err
		}
		key = append(key, part...)
	}
	return func(yield func(oid.ID) bool) {
		for e := range q.tx.kvt.ScanCompositeIndex(q.d.storageID, key, q.d.ranges) {
			if !yield(e.ID) {
				return
			}
		}
	}, nil
}
