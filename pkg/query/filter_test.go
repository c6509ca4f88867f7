package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPureAndOfPrefixRangeAcceptsLeaves(t *testing.T) {
	assert.True(t, Prefix("path", "/docs").pureAndOfPrefixRange())
	assert.True(t, Range("score", 0, 1).pureAndOfPrefixRange())
	assert.False(t, Equals("lang", "en").pureAndOfPrefixRange())
}

func TestPureAndOfPrefixRangeAcceptsNestedAnd(t *testing.T) {
	f := And(Prefix("path", "/docs"), Range("score", 0, 1), And(Prefix("path", "/a")))
	assert.True(t, f.pureAndOfPrefixRange())
}

func TestPureAndOfPrefixRangeRejectsOrAndNot(t *testing.T) {
	assert.False(t, Or(Prefix("path", "/docs"), Range("score", 0, 1)).pureAndOfPrefixRange())
	assert.False(t, Not(Prefix("path", "/docs")).pureAndOfPrefixRange())
	assert.False(t, And(Prefix("path", "/docs"), Equals("lang", "en")).pureAndOfPrefixRange())
}

func TestFilterHashNilIsZero(t *testing.T) {
	var f *Filter
	assert.Equal(t, uint64(0), f.Hash())
}

func TestFilterHashIsStableAndDistinguishesFilters(t *testing.T) {
	a := Equals("lang", "en")
	b := Equals("lang", "en")
	c := Equals("lang", "fr")

	assert.Equal(t, a.Hash(), b.Hash())
	assert.NotEqual(t, a.Hash(), c.Hash())

	and1 := And(Prefix("path", "/docs"), Range("score", 0, 1))
	and2 := And(Range("score", 0, 1), Prefix("path", "/docs"))
	assert.NotEqual(t, and1.Hash(), and2.Hash(), "child order is part of the tree shape")
}
