package surbstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hashcloak/mixnode/internal/types"
)

func testPseudonym(b byte) types.Pseudonym {
	var p types.Pseudonym
	p[0] = b
	return p
}

func TestPushManyThenPopOneIsFIFO(t *testing.T) {
	s := New(Config{RingCapacity: 4, IdleTTL: time.Minute, SweepEvery: time.Hour})
	defer s.Close()

	p := testPseudonym(1)
	s.PushMany(p, []types.SURB{
		{ID: types.SurbID{1}},
		{ID: types.SurbID{2}},
	})
	assert.Equal(t, 2, s.RingLen(p))

	got, ok := s.PopOne(p)
	require.True(t, ok)
	assert.Equal(t, types.SurbID{1}, got.ID)

	got, ok = s.PopOne(p)
	require.True(t, ok)
	assert.Equal(t, types.SurbID{2}, got.ID)

	_, ok = s.PopOne(p)
	assert.False(t, ok)
}

func TestPopIfIDMatchesOnlyPopsWhenNext(t *testing.T) {
	s := New(Config{RingCapacity: 4, IdleTTL: time.Minute, SweepEvery: time.Hour})
	defer s.Close()

	p := testPseudonym(1)
	s.PushMany(p, []types.SURB{{ID: types.SurbID{1}}, {ID: types.SurbID{2}}})

	_, ok := s.PopIfIDMatches(p, types.SurbID{2})
	assert.False(t, ok, "id 2 is not yet the oldest entry")

	got, ok := s.PopIfIDMatches(p, types.SurbID{1})
	require.True(t, ok)
	assert.Equal(t, types.SurbID{1}, got.ID)
}

func TestRingEvictsOldestBeyondCapacity(t *testing.T) {
	s := New(Config{RingCapacity: 2, IdleTTL: time.Minute, SweepEvery: time.Hour})
	defer s.Close()

	p := testPseudonym(1)
	s.PushMany(p, []types.SURB{{ID: types.SurbID{1}}, {ID: types.SurbID{2}}, {ID: types.SurbID{3}}})
	assert.Equal(t, 2, s.RingLen(p))

	got, ok := s.PopOne(p)
	require.True(t, ok)
	assert.Equal(t, types.SurbID{2}, got.ID, "the oldest entry (id 1) should have been evicted")
}

func TestInsertOpenerThenFindOpenerConsumesIt(t *testing.T) {
	s := New(Config{RingCapacity: 4, IdleTTL: time.Minute, SweepEvery: time.Hour})
	defer s.Close()

	p := testPseudonym(1)
	id := types.SurbID{7}
	opener := types.ReplyOpener{PayloadKeys: [][32]byte{{1}, {2}}}
	s.InsertOpener(p, id, opener)

	got, ok := s.FindOpener(p, id)
	require.True(t, ok)
	assert.Equal(t, opener, got)

	_, ok = s.FindOpener(p, id)
	assert.False(t, ok, "a reply opener is single-use")
}

func TestSweepEvictsIdlePseudonym(t *testing.T) {
	s := New(Config{RingCapacity: 4, IdleTTL: time.Millisecond, SweepEvery: time.Hour})
	defer s.Close()

	p := testPseudonym(1)
	s.PushMany(p, []types.SURB{{ID: types.SurbID{1}}})
	time.Sleep(5 * time.Millisecond)

	s.sweep(time.Now())
	assert.Equal(t, 0, s.RingLen(p))
}

func TestFindOpenerForUnknownPseudonymNotFound(t *testing.T) {
	s := New(Config{RingCapacity: 4, IdleTTL: time.Minute, SweepEvery: time.Hour})
	defer s.Close()

	_, ok := s.FindOpener(testPseudonym(9), types.SurbID{1})
	assert.False(t, ok)
}
