package rpcevents

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRing_EvictsOldestWhenFull(t *testing.T) {
	r := NewRing(3)
	r.Push(Event{Type: "a"})
	r.Push(Event{Type: "b"})
	r.Push(Event{Type: "c"})
	r.Push(Event{Type: "d"})

	snap := r.Snapshot()
	assert.Len(t, snap, 3)
	assert.Equal(t, "b", snap[0].Type)
	assert.Equal(t, "d", snap[2].Type)
}

func TestRing_DefaultCapacity(t *testing.T) {
	r := NewRing(0)
	assert.Equal(t, DefaultRingCapacity, r.capacity)
}

func TestRing_Last(t *testing.T) {
	r := NewRing(10)
	for _, tp := range []string{"a", "b", "c", "d", "e"} {
		r.Push(Event{Type: tp})
	}
	last := r.Last(2)
	assert.Equal(t, []string{"d", "e"}, []string{last[0].Type, last[1].Type})

	all := r.Last(100)
	assert.Len(t, all, 5)
}

func TestRing_Len(t *testing.T) {
	r := NewRing(5)
	assert.Equal(t, 0, r.Len())
	r.Push(Event{Type: "a"})
	assert.Equal(t, 1, r.Len())
}
