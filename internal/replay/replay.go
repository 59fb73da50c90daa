// Package replay implements C3, the per-packet-tag replay filter (spec §4.3).
//
// Grounded directly on the teacher's go.mod dependency
// git.schwanenlied.me/yawning/bloom.git, a classic counting-free Bloom
// filter with the same NewWithEstimates/TestAndAdd shape as willf/bloom.
//
// Open Question (§9) resolved: the retention window is not bounded by
// tracking deletions (Bloom filters cannot delete), but by periodically
// rotating to a fresh filter every RetentionWindow. A short-lived false
// negative window right after rotation is an accepted tradeoff — it only
// ever narrows the replay-protection window, never produces spurious
// acknowledgements for a first-time tag.
package replay

import (
	"sync"
	"time"

	bloom "git.schwanenlied.me/yawning/bloom.git"

	"github.com/hashcloak/mixnode/internal/constants"
	"github.com/hashcloak/mixnode/internal/types"
)

// Filter is a rotating Bloom filter keyed on PacketTag.
type Filter struct {
	mu sync.Mutex

	expectedPerWindow uint
	fpRate            float64
	cur               *bloom.BloomFilter

	retentionWindow time.Duration
	stopCh          chan struct{}
	stopOnce        sync.Once
}

// Config parameterizes the filter's sizing and rotation policy.
type Config struct {
	// PeakPacketsPerSecond is the expected peak in-flight packet rate.
	PeakPacketsPerSecond uint
	// RetentionWindow is the interval at which the filter is replaced by a
	// fresh one. A tag is remembered at most this long; one recorded shortly
	// before a rotation is forgotten at that rotation.
	RetentionWindow time.Duration
	// FalsePositiveRate is the target false-positive rate (default 2^-20).
	FalsePositiveRate float64
}

// DefaultConfig returns the spec's default sizing (§4.3, §9).
func DefaultConfig() Config {
	return Config{
		PeakPacketsPerSecond: constants.DefaultPeakPacketsPerSecond,
		RetentionWindow:      constants.DefaultReplayRetentionWindow,
		FalsePositiveRate:    constants.ReplayFilterFalsePositiveRate,
	}
}

// New constructs a Filter sized for cfg.PeakPacketsPerSecond*RetentionWindow
// in-flight tags and starts its background rotation ticker.
func New(cfg Config) *Filter {
	if cfg.FalsePositiveRate <= 0 {
		cfg.FalsePositiveRate = constants.ReplayFilterFalsePositiveRate
	}
	if cfg.RetentionWindow <= 0 {
		cfg.RetentionWindow = constants.DefaultReplayRetentionWindow
	}
	expected := uint(cfg.PeakPacketsPerSecond) * uint(cfg.RetentionWindow/time.Second)
	if expected == 0 {
		expected = constants.DefaultPeakPacketsPerSecond
	}

	f := &Filter{
		expectedPerWindow: expected,
		fpRate:            cfg.FalsePositiveRate,
		cur:               bloom.NewWithEstimates(expected, cfg.FalsePositiveRate),
		retentionWindow:   cfg.RetentionWindow,
		stopCh:            make(chan struct{}),
	}
	go f.rotateLoop()
	return f
}

func (f *Filter) rotateLoop() {
	t := time.NewTicker(f.retentionWindow)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			f.mu.Lock()
			f.cur = bloom.NewWithEstimates(f.expectedPerWindow, f.fpRate)
			f.mu.Unlock()
		case <-f.stopCh:
			return
		}
	}
}

// Close stops the background rotation goroutine.
func (f *Filter) Close() {
	f.stopOnce.Do(func() { close(f.stopCh) })
}

// CheckAndSet reports whether tag has already been seen, recording it for
// future calls. Matches the constant-time (w.r.t. filter contents), short
// critical section budget of §4.3/§5: the lock is held only for the
// duration of the Bloom filter test-and-add itself.
func (f *Filter) CheckAndSet(tag types.PacketTag) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cur.TestAndAdd(tag[:])
}
