package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewGroupsEmptyIsShared(t *testing.T) {
	g := NewGroups()
	assert.Equal(t, len(DefaultGroups), len(g))
	assert.True(t, g.Has(Default))
}

func TestUnionNeverMutatesDefault(t *testing.T) {
	before := len(DefaultGroups)
	u := DefaultGroups.Union(NewGroups("custom"))
	assert.Equal(t, before, len(DefaultGroups))
	assert.True(t, u.Has(Default))
	assert.True(t, u.Has(Group("custom")))
}

func TestUnionOfSubsetReturnsReceiver(t *testing.T) {
	g := NewGroups(Default, Uniqueness)
	u := g.Union(NewGroups(Default))
	assert.Equal(t, 2, len(u))
	u = g.Union(nil)
	assert.Equal(t, 2, len(u))
}
