package kv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/permazen/permazen-go/oid"
	"github.com/permazen/permazen-go/schema"
)

func testSchema(t *testing.T) *schema.Schema {
	s, err := schema.New(1, &schema.ObjectType{
		Name:       "Person",
		StorageTag: 0x10,
		Fields: schema.Fields{
			{Name: "name", StorageID: 1, Kind: schema.Simple, Encoding: schema.StringName, Indexed: true},
			{Name: "age", StorageID: 2, Kind: schema.Simple, Encoding: schema.Int64Name, Indexed: true},
			{Name: "friend", StorageID: 3, Kind: schema.Reference, Indexed: true},
			{Name: "visits", StorageID: 4, Kind: schema.Counter},
			{Name: "nick", StorageID: 5, Kind: schema.Set, Encoding: schema.StringName},
			{Name: "log", StorageID: 6, Kind: schema.List, Encoding: schema.StringName, Indexed: true},
			{Name: "attrs", StorageID: 7, Kind: schema.Map, Encoding: schema.StringName,
				KeyEncoding: schema.StringName, Indexed: true},
		},
		Composite: []schema.CompositeIndex{
			{Name: "name-age", StorageID: 100, FieldNames: []string{"name", "age"}, Unique: true},
		},
	})
	require.NoError(t, err)
	return s
}

func openMemStore(t *testing.T) Store {
	st, err := OpenMem(Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.RegisterSchema(testSchema(t)))
	return st
}

func TestSchemaPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	st, err := Open(dir, Options{})
	require.NoError(t, err)
	require.NoError(t, st.RegisterSchema(testSchema(t)))
	require.NoError(t, st.Close())

	st, err = Open(dir, Options{})
	require.NoError(t, err)
	defer st.Close()

	s, err := st.Schema(1)
	assert.NoError(t, err)
	ot, err := s.Type("Person")
	assert.NoError(t, err)
	assert.Equal(t, uint16(0x10), ot.StorageTag)

	tx, err := st.Begin()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), tx.TargetSchema().Version)
	assert.NoError(t, tx.Rollback())
}

func TestRegisterSchemaVersionClash(t *testing.T) {
	st := openMemStore(t)

	other, err := schema.New(1, &schema.ObjectType{Name: "Other", StorageTag: 0x99})
	require.NoError(t, err)
	assert.ErrorIs(t, st.RegisterSchema(other), ErrSchemaMismatch)

	// re-registering the same definitions is fine
	assert.NoError(t, st.RegisterSchema(testSchema(t)))
}

func TestBeginWithoutSchema(t *testing.T) {
	st, err := OpenMem(Options{})
	require.NoError(t, err)
	defer st.Close()
	_, err = st.Begin()
	assert.ErrorIs(t, err, ErrSchemaUnknown)
}

func TestDetachedTransactionIsIsolated(t *testing.T) {
	st := openMemStore(t)
	id := oid.Make(0x10, 7)

	det, err := st.BeginDetached()
	require.NoError(t, err)
	assert.True(t, det.Detached())
	require.NoError(t, det.Create(id))
	exists, err := det.Exists(id)
	assert.NoError(t, err)
	assert.True(t, exists)
	assert.NoError(t, det.Commit())

	// nothing leaked into the live store
	tx, err := st.Begin()
	require.NoError(t, err)
	exists, err = tx.Exists(id)
	assert.NoError(t, err)
	assert.False(t, exists)
	assert.NoError(t, tx.Rollback())
}

func TestNumericUniqueExclusionSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := schema.New(1, &schema.ObjectType{
		Name:       "Gauge",
		StorageTag: 0x30,
		Fields: schema.Fields{
			{Name: "level", StorageID: 1, Kind: schema.Simple, Encoding: schema.Int64Name,
				Indexed: true, Unique: true, UniqueExcluded: []any{int64(0)}},
		},
	})
	require.NoError(t, err)
	st, err := Open(dir, Options{})
	require.NoError(t, err)
	require.NoError(t, st.RegisterSchema(s))
	require.NoError(t, st.Close())

	st, err = Open(dir, Options{})
	require.NoError(t, err)
	defer st.Close()
	loaded, err := st.Schema(1)
	require.NoError(t, err)
	ot, err := loaded.Type("Gauge")
	require.NoError(t, err)
	f, err := ot.Field("level")
	require.NoError(t, err)

	// msgpack hands integers back in their smallest type; the
	// exclusion must still match the int64 the encoding decodes
	assert.True(t, f.Excluded(int64(0)))
	assert.False(t, f.Excluded(int64(1)))
}

func TestListenerDispatch(t *testing.T) {
	st := openMemStore(t)
	var created, deleted, changed []oid.ID
	st.AddListener(&Listener{
		OnCreate:      func(id oid.ID) { created = append(created, id) },
		OnDelete:      func(id oid.ID) { deleted = append(deleted, id) },
		OnFieldChange: func(id oid.ID, _ uint32) { changed = append(changed, id) },
		Tags:          []uint16{0x10},
	})
	assert.True(t, st.HasListeners(0x10))
	assert.False(t, st.HasListeners(0x11))

	tx, err := st.Begin()
	require.NoError(t, err)
	id := oid.Make(0x10, 1)
	require.NoError(t, tx.Create(id))

	f, _ := tx.TargetSchema().TypeList()[0].Field("age")
	enc, _ := schema.Lookup(schema.Int64Name)
	body, _ := enc.Encode(int64(30))
	require.NoError(t, tx.WriteRaw(id, f, record(enc.Letter(), body)))

	_, err = tx.Delete(id)
	require.NoError(t, err)
	assert.NoError(t, tx.Commit())

	assert.Equal(t, []oid.ID{id}, created)
	assert.Equal(t, []oid.ID{id}, changed)
	assert.Equal(t, []oid.ID{id}, deleted)
}
