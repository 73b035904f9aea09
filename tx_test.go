package permazen

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/permazen/permazen-go/oid"
	"github.com/permazen/permazen-go/schema"
)

func TestCommitValidateThenCommit(t *testing.T) {
	db := newTestDB(t)
	tx := begin(t, db)
	o, err := tx.Create("Person")
	require.NoError(t, err)
	require.NoError(t, tx.WriteSimpleField(o.ID(), 1, "solo@y.z", false))
	require.NoError(t, tx.Commit())
	assert.False(t, tx.IsOpen())

	// committed state visible to the next transaction
	tx2 := begin(t, db)
	exists, err := tx2.Exists(o.ID())
	assert.NoError(t, err)
	assert.True(t, exists)
}

func TestCommitRollsBackOnValidationFailure(t *testing.T) {
	db := newTestDB(t)
	tx := begin(t, db)
	for i := 0; i < 2; i++ {
		o, err := tx.Create("Person")
		require.NoError(t, err)
		require.NoError(t, tx.WriteSimpleField(o.ID(), 1, "clash@y.z", false))
	}
	err := tx.Commit()
	var ve *ValidationError
	assert.ErrorAs(t, err, &ve)
	assert.False(t, tx.IsOpen())

	tx2 := begin(t, db)
	seq, err := tx2.GetAll("Person")
	require.NoError(t, err)
	count := 0
	for range seq {
		count++
	}
	assert.Zero(t, count, "nothing persisted")
}

func TestCommitReentrancyGuard(t *testing.T) {
	db := newTestDB(t)
	var nested error
	db.RegisterValidator("Widget", ValidatorFunc(func(tx *Transaction, id oid.ID, groups schema.Groups) error {
		nested = tx.Commit()
		return nil
	}))
	tx := begin(t, db)
	w, err := tx.Create("Widget")
	require.NoError(t, err)
	require.NoError(t, tx.Revalidate(w.ID()))

	require.NoError(t, tx.Commit())
	assert.ErrorIs(t, nested, ErrCommitInProgress)
}

func TestStaleTransaction(t *testing.T) {
	db := newTestDB(t)
	tx := begin(t, db)
	require.NoError(t, tx.Rollback())

	_, err := tx.Create("Person")
	assert.ErrorIs(t, err, ErrStaleTransaction)
	assert.ErrorIs(t, tx.Commit(), ErrStaleTransaction)
	assert.ErrorIs(t, tx.Rollback(), ErrStaleTransaction)
}

func TestCurrentTransactionBinding(t *testing.T) {
	db := newTestDB(t)
	outer := begin(t, db)
	inner := begin(t, db)

	_, ok := Current(context.Background())
	assert.False(t, ok)

	err := outer.PerformAction(context.Background(), func(ctx context.Context) error {
		cur, ok := Current(ctx)
		require.True(t, ok)
		assert.Same(t, outer, cur)

		// nested binding shadows, then unwinds with the context
		return inner.PerformAction(ctx, func(ctx context.Context) error {
			cur, _ := Current(ctx)
			assert.Same(t, inner, cur)
			return nil
		})
	})
	assert.NoError(t, err)
}

func TestWithWeakConsistencyUnsupported(t *testing.T) {
	// memory stores have no read tracking; the action still runs
	db := newTestDB(t)
	tx := begin(t, db)
	ran := false
	require.NoError(t, tx.WithWeakConsistency(func() error {
		ran = true
		return nil
	}))
	assert.True(t, ran)
}

func TestDetachedTransaction(t *testing.T) {
	db := newTestDB(t)

	tx := begin(t, db)
	o, err := tx.Create("Widget")
	require.NoError(t, err)
	require.NoError(t, tx.WriteSimpleField(o.ID(), 1, "w-9", false))
	require.NoError(t, tx.Commit())

	det, err := db.DetachedTransaction()
	require.NoError(t, err)
	assert.True(t, det.Detached())

	// the snapshot starts empty; objects arrive by copying
	exists, err := det.Exists(o.ID())
	assert.NoError(t, err)
	assert.False(t, exists)

	src := begin(t, db)
	require.NoError(t, src.CopyTo(det, NewCopyState(), o.ID()))
	v, err := det.ReadSimpleField(o.ID(), 1, false)
	assert.NoError(t, err)
	assert.Equal(t, "w-9", v)
	assert.NoError(t, det.Rollback())
}
