package replay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/hashcloak/mixnode/internal/types"
)

func testTag(b byte) types.PacketTag {
	var tag types.PacketTag
	tag[0] = b
	return tag
}

func TestCheckAndSetFirstSeenIsFalseThenTrue(t *testing.T) {
	f := New(Config{PeakPacketsPerSecond: 100, RetentionWindow: time.Hour})
	defer f.Close()

	tag := testTag(1)
	assert.False(t, f.CheckAndSet(tag), "first observation should not be flagged as a replay")
	assert.True(t, f.CheckAndSet(tag), "second observation of the same tag is a replay")
}

func TestDistinctTagsDoNotCollide(t *testing.T) {
	f := New(Config{PeakPacketsPerSecond: 100, RetentionWindow: time.Hour})
	defer f.Close()

	assert.False(t, f.CheckAndSet(testTag(1)))
	assert.False(t, f.CheckAndSet(testTag(2)))
	assert.False(t, f.CheckAndSet(testTag(3)))
}

func TestRotationForgetsPreviouslySeenTags(t *testing.T) {
	f := New(Config{PeakPacketsPerSecond: 100, RetentionWindow: 5 * time.Millisecond})
	defer f.Close()

	tag := testTag(1)
	assert.False(t, f.CheckAndSet(tag))

	time.Sleep(30 * time.Millisecond)

	assert.False(t, f.CheckAndSet(tag), "rotation should have forgotten the tag")
}

func TestDefaultConfigConstructsAUsableFilter(t *testing.T) {
	f := New(DefaultConfig())
	defer f.Close()

	assert.False(t, f.CheckAndSet(testTag(1)))
	assert.True(t, f.CheckAndSet(testTag(1)))
}
