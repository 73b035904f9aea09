package permazen

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/permazen/permazen-go/kv"
	"github.com/permazen/permazen-go/schema"
)

func statsType(version uint32) *schema.ObjectType {
	if version == 1 {
		return &schema.ObjectType{Name: "Stats", StorageTag: 0x12, Fields: schema.Fields{
			{Name: "score", StorageID: 1, Kind: schema.Simple, Encoding: schema.Int64Name},
			{Name: "title", StorageID: 2, Kind: schema.Simple, Encoding: schema.StringName},
		}}
	}
	return &schema.ObjectType{Name: "Stats", StorageTag: 0x12, Fields: schema.Fields{
		{Name: "score", StorageID: 1, Kind: schema.Counter},
		{Name: "title", StorageID: 2, Kind: schema.Counter, Conversion: schema.ConvertRequire},
	}}
}

func buildSchema(t *testing.T, version uint32) *schema.Schema {
	person := &schema.ObjectType{
		Name: "Person", StorageTag: 0x10, AutoValidate: true,
		Fields: schema.Fields{
			{Name: "email", StorageID: 1, Kind: schema.Simple, Encoding: schema.StringName,
				Indexed: true, Unique: true, UniqueExcluded: []any{""}},
			{Name: "name", StorageID: 2, Kind: schema.Simple, Encoding: schema.StringName, Indexed: true},
			{Name: "age", StorageID: 3, Kind: schema.Simple, Encoding: schema.Int64Name, Indexed: true},
			{Name: "friend", StorageID: 4, Kind: schema.Reference, Indexed: true,
				ForwardCascades: []string{"copy"}, InverseCascades: []string{"fans"}},
			{Name: "tags", StorageID: 5, Kind: schema.List, Encoding: schema.StringName, Indexed: true},
			{Name: "attrs", StorageID: 6, Kind: schema.Map, Encoding: schema.StringName,
				KeyEncoding: schema.StringName, Indexed: true},
			{Name: "visits", StorageID: 7, Kind: schema.Counter},
		},
		Composite: []schema.CompositeIndex{
			{Name: "name-age", StorageID: 100, FieldNames: []string{"name", "age"}, Unique: true},
		},
	}
	config := &schema.ObjectType{
		Name: "Config", StorageTag: 0x11, Singleton: true, AutoValidate: true,
		Fields: schema.Fields{
			{Name: "motd", StorageID: 1, Kind: schema.Simple, Encoding: schema.StringName},
		},
	}
	widget := &schema.ObjectType{
		Name: "Widget", StorageTag: 0x13,
		Fields: schema.Fields{
			{Name: "serial", StorageID: 1, Kind: schema.Simple, Encoding: schema.StringName,
				Indexed: true, Unique: true},
		},
	}
	animal := &schema.ObjectType{
		Name: "Animal", StorageTag: 0x20,
		Fields: schema.Fields{
			{Name: "nick", StorageID: 1, Kind: schema.Simple, Encoding: schema.StringName, Indexed: true},
		},
	}
	dog := &schema.ObjectType{
		Name: "Dog", StorageTag: 0x21, Parent: "Animal",
		Fields: schema.Fields{
			{Name: "nick", StorageID: 1, Kind: schema.Simple, Encoding: schema.StringName, Indexed: true},
		},
	}
	cat := &schema.ObjectType{
		Name: "Cat", StorageTag: 0x22, Parent: "Animal",
		Fields: schema.Fields{
			{Name: "nick", StorageID: 1, Kind: schema.Simple, Encoding: schema.StringName, Indexed: true},
		},
	}
	s, err := schema.New(version, person, config, widget, statsType(version), animal, dog, cat)
	require.NoError(t, err)
	return s
}

func newTestDB(t *testing.T) *Database {
	st, err := kv.OpenMem(kv.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	db, err := New(st, Options{})
	require.NoError(t, err)
	require.NoError(t, db.RegisterSchema(buildSchema(t, 1)))
	return db
}

func begin(t *testing.T, db *Database) *Transaction {
	tx, err := db.Transaction()
	require.NoError(t, err)
	t.Cleanup(func() {
		if tx.IsOpen() {
			_ = tx.Rollback()
		}
	})
	return tx
}
