package permazen

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/permazen/permazen-go/oid"
)

func TestQuerySimpleIndex(t *testing.T) {
	db := newTestDB(t)
	tx := begin(t, db)

	o1, err := tx.Create("Person")
	require.NoError(t, err)
	o2, err := tx.Create("Person")
	require.NoError(t, err)
	require.NoError(t, tx.WriteSimpleField(o1.ID(), 2, "pat", false))
	require.NoError(t, tx.WriteSimpleField(o2.ID(), 2, "pat", false))

	q, err := tx.QuerySimpleIndex("Person", "name")
	require.NoError(t, err)
	seq, err := q.Find("pat")
	require.NoError(t, err)
	var got []oid.ID
	for id := range seq {
		got = append(got, id)
	}
	assert.ElementsMatch(t, []oid.ID{o1.ID(), o2.ID()}, got)

	seq, err = q.Find("nobody")
	require.NoError(t, err)
	count := 0
	for range seq {
		count++
	}
	assert.Zero(t, count)
}

func TestQueryReferenceIndexAcceptsHandles(t *testing.T) {
	db := newTestDB(t)
	tx := begin(t, db)

	star, err := tx.Create("Person")
	require.NoError(t, err)
	fan, err := tx.Create("Person")
	require.NoError(t, err)
	require.NoError(t, tx.WriteSimpleField(fan.ID(), 4, star, false))

	q, err := tx.QuerySimpleIndex("Person", "friend")
	require.NoError(t, err)
	seq, err := q.Find(star)
	require.NoError(t, err)
	var got []oid.ID
	for id := range seq {
		got = append(got, id)
	}
	assert.Equal(t, []oid.ID{fan.ID()}, got)
}

func TestSupertypeQueryExcludesSiblings(t *testing.T) {
	db := newTestDB(t)
	tx := begin(t, db)

	dog, err := tx.Create("Dog")
	require.NoError(t, err)
	cat, err := tx.Create("Cat")
	require.NoError(t, err)
	require.NoError(t, tx.WriteSimpleField(dog.ID(), 1, "rex", false))
	require.NoError(t, tx.WriteSimpleField(cat.ID(), 1, "rex", false))

	q, err := tx.QuerySimpleIndex("Dog", "nick")
	require.NoError(t, err)
	seq, err := q.Find("rex")
	require.NoError(t, err)
	var got []oid.ID
	for id := range seq {
		got = append(got, id)
	}
	assert.Equal(t, []oid.ID{dog.ID()}, got, "no sibling-type rows")

	// the supertype query sees the whole family
	q, err = tx.QuerySimpleIndex("Animal", "nick")
	require.NoError(t, err)
	seq, err = q.Find("rex")
	require.NoError(t, err)
	got = nil
	for id := range seq {
		got = append(got, id)
	}
	assert.ElementsMatch(t, []oid.ID{dog.ID(), cat.ID()}, got)
}

func TestQueryListElementIndex(t *testing.T) {
	db := newTestDB(t)
	tx := begin(t, db)

	o, err := tx.Create("Person")
	require.NoError(t, err)
	require.NoError(t, tx.ListFieldAppend(o.ID(), 5, "alpha", false))
	require.NoError(t, tx.ListFieldAppend(o.ID(), 5, "beta", false))
	require.NoError(t, tx.ListFieldAppend(o.ID(), 5, "alpha", false))

	q, err := tx.QueryListElementIndex("Person", "tags")
	require.NoError(t, err)
	seq, err := q.FindElements("alpha")
	require.NoError(t, err)
	var posns []uint64
	for id, pos := range seq {
		assert.Equal(t, o.ID(), id)
		posns = append(posns, pos)
	}
	assert.ElementsMatch(t, []uint64{0, 2}, posns)
}

func TestQueryMapValueIndex(t *testing.T) {
	db := newTestDB(t)
	tx := begin(t, db)

	o, err := tx.Create("Person")
	require.NoError(t, err)
	require.NoError(t, tx.MapFieldPut(o.ID(), 6, "home", "paris", false))
	require.NoError(t, tx.MapFieldPut(o.ID(), 6, "work", "paris", false))

	q, err := tx.QueryMapValueIndex("Person", "attrs")
	require.NoError(t, err)
	seq, err := q.FindMapEntries("paris")
	require.NoError(t, err)
	var keys []any
	for id, key := range seq {
		assert.Equal(t, o.ID(), id)
		keys = append(keys, key)
	}
	assert.ElementsMatch(t, []any{"home", "work"}, keys)
}

func TestQueryCompositeIndex(t *testing.T) {
	db := newTestDB(t)
	tx := begin(t, db)

	o1, err := tx.Create("Person")
	require.NoError(t, err)
	o2, err := tx.Create("Person")
	require.NoError(t, err)
	require.NoError(t, tx.WriteSimpleField(o1.ID(), 2, "kim", false))
	require.NoError(t, tx.WriteSimpleField(o1.ID(), 3, int64(40), false))
	require.NoError(t, tx.WriteSimpleField(o2.ID(), 2, "kim", false))
	require.NoError(t, tx.WriteSimpleField(o2.ID(), 3, int64(41), false))

	q, err := tx.QueryCompositeIndex("Person", "name-age")
	require.NoError(t, err)
	seq, err := q.FindTuple("kim", int64(40))
	require.NoError(t, err)
	var got []oid.ID
	for id := range seq {
		got = append(got, id)
	}
	assert.Equal(t, []oid.ID{o1.ID()}, got)

	_, err = q.FindTuple("kim")
	assert.Error(t, err, "arity mismatch")
}

func TestQueryDescriptorCache(t *testing.T) {
	db := newTestDB(t)
	tx := begin(t, db)

	q1, err := tx.QuerySimpleIndex("Person", "name")
	require.NoError(t, err)
	q2, err := tx.QuerySimpleIndex("Person", "name")
	require.NoError(t, err)
	assert.Same(t, q1.d, q2.d, "descriptor served from cache")

	_, err = tx.QuerySimpleIndex("Person", "nope")
	assert.Error(t, err)
	_, err = tx.QuerySimpleIndex("Person", "visits")
	assert.Error(t, err, "counters have no index")
}
