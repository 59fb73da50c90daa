package session

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type loopback struct {
	peer *Socket
}

func (l *loopback) Send(wire []byte) error {
	cp := append([]byte(nil), wire...)
	go func() { _ = l.peer.Deliver(cp) }()
	return nil
}

// droppingLoopback behaves like loopback except it silently swallows every
// segment matching (dropFrame, dropSeq), including retransmissions, so the
// peer never sees that one segment no matter how many times it is resent.
// Used to force a frame that never completes, so sweepStaleFrames' discard
// path can be exercised deterministically.
type droppingLoopback struct {
	peer      *Socket
	dropFrame FrameID
	dropSeq   SeqIndex
}

func (l *droppingLoopback) Send(wire []byte) error {
	m, err := Decode(wire)
	if err == nil && m.Segment != nil && m.Segment.ID.FrameID == l.dropFrame && m.Segment.ID.SeqIndex == l.dropSeq {
		return nil
	}
	cp := append([]byte(nil), wire...)
	go func() { _ = l.peer.Deliver(cp) }()
	return nil
}

func newLoopbackPair(t *testing.T, cfg Config) (*Socket, *Socket) {
	t.Helper()
	aliceDown := &loopback{}
	bobDown := &loopback{}

	alice, err := New("alice", NewStateless("alice"), aliceDown, cfg)
	require.NoError(t, err)
	bob, err := New("bob", NewStateless("bob"), bobDown, cfg)
	require.NoError(t, err)

	aliceDown.peer = bob
	bobDown.peer = alice
	return alice, bob
}

func TestSocketDeliversSingleSegmentFrameInOrder(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FrameSize = 16
	cfg.SegmentMTU = 32

	alice, bob := newLoopbackPair(t, cfg)
	defer alice.Close()
	defer bob.Close()

	payload := []byte("0123456789abcdef") // exactly one frame
	_, err := alice.Write(payload)
	require.NoError(t, err)
	require.NoError(t, alice.Flush())

	got := make([]byte, len(payload))
	readAllWithTimeout(t, bob, got, 2*time.Second)
	assert.Equal(t, payload, got)
}

func TestSocketSegmentsFrameLargerThanMTU(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FrameSize = 64
	cfg.SegmentMTU = 20 // forces multiple segments per frame

	alice, bob := newLoopbackPair(t, cfg)
	defer alice.Close()
	defer bob.Close()

	payload := make([]byte, 64)
	for i := range payload {
		payload[i] = byte(i)
	}
	_, err := alice.Write(payload)
	require.NoError(t, err)
	require.NoError(t, alice.Flush())

	got := make([]byte, len(payload))
	readAllWithTimeout(t, bob, got, 2*time.Second)
	assert.Equal(t, payload, got)
}

func TestSocketDeliversFramesInOrderAcrossTwoFrames(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FrameSize = 8
	cfg.SegmentMTU = 32

	alice, bob := newLoopbackPair(t, cfg)
	defer alice.Close()
	defer bob.Close()

	first := []byte("AAAAAAAA")
	second := []byte("BBBBBBBB")
	_, err := alice.Write(append(append([]byte(nil), first...), second...))
	require.NoError(t, err)
	require.NoError(t, alice.Flush())

	got := make([]byte, len(first)+len(second))
	readAllWithTimeout(t, bob, got, 2*time.Second)
	assert.Equal(t, append(first, second...), got)
}

func TestSocketCloseSignalsEOFAfterDrain(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FrameSize = 16
	cfg.SegmentMTU = 32

	alice, bob := newLoopbackPair(t, cfg)
	defer bob.Close()

	payload := []byte("closing-frame...")[:16]
	_, err := alice.Write(payload)
	require.NoError(t, err)
	require.NoError(t, alice.Close())

	got := make([]byte, len(payload))
	readAllWithTimeout(t, bob, got, 2*time.Second)
	assert.Equal(t, payload, got)

	buf := make([]byte, 1)
	done := make(chan struct{})
	var readErr error
	go func() {
		_, readErr = bob.Read(buf)
		close(done)
	}()
	select {
	case <-done:
		assert.ErrorIs(t, readErr, io.EOF)
	case <-time.After(2 * time.Second):
		t.Fatal("Read did not observe peer EOF")
	}
}

func readAllWithTimeout(t *testing.T, s *Socket, buf []byte, timeout time.Duration) {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		total := 0
		for total < len(buf) {
			n, err := s.Read(buf[total:])
			total += n
			if err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(timeout):
		t.Fatal("timed out waiting for frame delivery")
	}
}
