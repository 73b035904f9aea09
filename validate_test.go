package permazen

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/permazen/permazen-go/oid"
	"github.com/permazen/permazen-go/schema"
)

func TestRevalidateUnionsGroupsSingleDrain(t *testing.T) {
	db := newTestDB(t)
	var calls int
	var seen schema.Groups
	db.RegisterValidator("Widget", ValidatorFunc(func(tx *Transaction, id oid.ID, groups schema.Groups) error {
		calls++
		seen = groups
		return nil
	}))
	tx := begin(t, db)

	w, err := tx.Create("Widget")
	require.NoError(t, err)
	require.NoError(t, tx.Revalidate(w.ID(), "A"))
	require.NoError(t, tx.Revalidate(w.ID(), "B"))

	require.NoError(t, tx.Validate())
	assert.Equal(t, 1, calls)
	assert.True(t, seen.Has("A"))
	assert.True(t, seen.Has("B"))

	// drained; another pass checks nothing
	require.NoError(t, tx.Validate())
	assert.Equal(t, 1, calls)
}

func TestRevalidateDeletedObject(t *testing.T) {
	db := newTestDB(t)
	tx := begin(t, db)
	err := tx.Revalidate(oid.Make(0x13, 404))
	var del *DeletedObjectError
	assert.ErrorAs(t, err, &del)
}

func TestResetValidationQueue(t *testing.T) {
	db := newTestDB(t)
	var calls int
	db.RegisterValidator("Widget", ValidatorFunc(func(tx *Transaction, id oid.ID, groups schema.Groups) error {
		calls++
		return nil
	}))
	tx := begin(t, db)
	w, err := tx.Create("Widget")
	require.NoError(t, err)
	require.NoError(t, tx.Revalidate(w.ID()))
	require.NoError(t, tx.ResetValidationQueue())
	require.NoError(t, tx.Validate())
	assert.Zero(t, calls)
}

func TestUniqueFieldConflictNamesBothIds(t *testing.T) {
	db := newTestDB(t)
	tx := begin(t, db)

	o1, err := tx.Create("Person")
	require.NoError(t, err)
	o2, err := tx.Create("Person")
	require.NoError(t, err)
	require.NoError(t, tx.WriteSimpleField(o1.ID(), 1, "x@y.z", false))
	require.NoError(t, tx.WriteSimpleField(o2.ID(), 1, "x@y.z", false))

	err = tx.Validate()
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "Person", ve.Type)
	assert.Contains(t, ve.Detail, o1.ID().String())
	assert.Contains(t, ve.Detail, o2.ID().String())
}

func TestUniqueConflictNamesAtMostFive(t *testing.T) {
	db := newTestDB(t)
	tx := begin(t, db)

	for i := 0; i < 8; i++ {
		o, err := tx.Create("Person")
		require.NoError(t, err)
		require.NoError(t, tx.WriteSimpleField(o.ID(), 1, "crowded@y.z", false))
	}
	err := tx.Validate()
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	named := strings.Count(ve.Detail, "-")
	assert.LessOrEqual(t, named, maxNamedConflicts)
}

func TestUniqueExclusionSkipsCheck(t *testing.T) {
	db := newTestDB(t)
	tx := begin(t, db)

	o1, err := tx.Create("Person")
	require.NoError(t, err)
	o2, err := tx.Create("Person")
	require.NoError(t, err)
	require.NoError(t, tx.WriteSimpleField(o1.ID(), 1, "", false))
	require.NoError(t, tx.WriteSimpleField(o2.ID(), 1, "", false))
	assert.NoError(t, tx.Validate())
}

func TestCompositeUniqueConflict(t *testing.T) {
	db := newTestDB(t)
	tx := begin(t, db)

	for i := 0; i < 2; i++ {
		o, err := tx.Create("Person")
		require.NoError(t, err)
		require.NoError(t, tx.WriteSimpleField(o.ID(), 2, "sam", false))
		require.NoError(t, tx.WriteSimpleField(o.ID(), 3, int64(33), false))
	}
	err := tx.Validate()
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Detail, "name-age")
}

func TestSingletonConstraint(t *testing.T) {
	db := newTestDB(t)
	tx := begin(t, db)

	_, err := tx.Create("Config")
	require.NoError(t, err)
	require.NoError(t, tx.Validate())

	_, err = tx.Create("Config")
	require.NoError(t, err)
	err = tx.Validate()
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "Config", ve.Type)
	assert.Contains(t, ve.Detail, "singleton")
}

func TestEarlyHookDeletionStopsProcessing(t *testing.T) {
	db := newTestDB(t)
	var validated int
	db.RegisterEarlyHook("Person", func(tx *Transaction, id oid.ID, groups schema.Groups) error {
		_, err := tx.Delete(id)
		return err
	})
	db.RegisterValidator("Person", ValidatorFunc(func(tx *Transaction, id oid.ID, groups schema.Groups) error {
		validated++
		return nil
	}))
	tx := begin(t, db)

	o, err := tx.Create("Person")
	require.NoError(t, err)
	require.NoError(t, tx.WriteSimpleField(o.ID(), 1, "gone@y.z", false))
	require.NoError(t, tx.Validate())
	assert.Zero(t, validated)
}

func TestFailureLeavesRemainingQueue(t *testing.T) {
	db := newTestDB(t)
	tx := begin(t, db)

	o1, err := tx.Create("Person")
	require.NoError(t, err)
	o2, err := tx.Create("Person")
	require.NoError(t, err)
	require.NoError(t, tx.WriteSimpleField(o1.ID(), 1, "dup@y.z", false))
	require.NoError(t, tx.WriteSimpleField(o2.ID(), 1, "dup@y.z", false))

	require.Error(t, tx.Validate())
	tx.lock.Lock()
	remaining := len(tx.queue)
	tx.lock.Unlock()
	assert.Equal(t, 1, remaining, "the unprocessed entry stays queued")

	// fix the data and drain again
	require.NoError(t, tx.WriteSimpleField(o2.ID(), 1, "other@y.z", false))
	assert.NoError(t, tx.Validate())
}

func TestValidationDisabled(t *testing.T) {
	db := newTestDB(t)
	tx := begin(t, db)

	for i := 0; i < 2; i++ {
		o, err := tx.Create("Person")
		require.NoError(t, err)
		require.NoError(t, tx.WriteSimpleField(o.ID(), 1, "same@y.z", false))
	}
	tx.SetValidationDisabled(true)
	assert.NoError(t, tx.Validate())
	tx.SetValidationDisabled(false)
	assert.Error(t, tx.Validate())
}

func TestEndToEndUniqueScenario(t *testing.T) {
	db := newTestDB(t)

	tx := begin(t, db)
	o1, err := tx.Create("Person")
	require.NoError(t, err)
	require.NoError(t, tx.WriteSimpleField(o1.ID(), 1, "five@y.z", false))
	require.NoError(t, tx.Commit())

	tx2 := begin(t, db)
	o2, err := tx2.Create("Person")
	require.NoError(t, err)
	require.NoError(t, tx2.WriteSimpleField(o2.ID(), 1, "five@y.z", false))

	err = tx2.Validate()
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Detail, o1.ID().String())
	assert.Contains(t, ve.Detail, o2.ID().String())

	// deleting the committed conflicter clears the way
	_, err = tx2.Delete(o1.ID())
	require.NoError(t, err)
	require.NoError(t, tx2.Revalidate(o2.ID()))
	require.NoError(t, tx2.Validate())
	require.NoError(t, tx2.Commit())
}
