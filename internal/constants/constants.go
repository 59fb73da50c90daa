// Package constants holds the fixed sizes and tunables shared across the
// packet, ticket and session pipelines.
package constants

import "time"

const (
	// Namespace is the common Prometheus metric namespace for this node.
	Namespace = "mixnode"

	// OffchainPublicKeyLength is the size in bytes of an OffchainPublicKey.
	OffchainPublicKeyLength = 32
	// ChainAddressLength is the size in bytes of a ChainAddress.
	ChainAddressLength = 20
	// KeyIDLength is the size in bytes of a compact KeyId.
	KeyIDLength = 4
	// SurbIDLength is the size in bytes of a SurbId.
	SurbIDLength = 8
	// PseudonymLength is the size in bytes of a Pseudonym.
	PseudonymLength = 16

	// MaxHops is the default maximum number of intermediate hops (H_max).
	MaxHops = 3
	// MaxSurbsPerPacket is the default maximum number of SURBs a packet may carry (S_max).
	MaxSurbsPerPacket = 3
	// PayloadSize is the fixed size of the Sphinx payload plaintext.
	PayloadSize = 500

	// TicketChannelIDLength, etc. are the fixed wire widths from the ticket encoding in spec §6.
	TicketChannelIDLength  = 32
	TicketAmountLength     = 12
	TicketIndexLength      = 6
	TicketIndexOffsetLen   = 4
	TicketWinProbLength    = 7
	TicketEpochLength      = 3
	TicketChallengeLength  = 20
	TicketSignatureLength  = 65
	TicketEncodedLength    = TicketChannelIDLength + TicketAmountLength + TicketIndexLength +
		TicketIndexOffsetLen + TicketWinProbLength + TicketEpochLength + TicketChallengeLength + TicketSignatureLength

	// DefaultPendingAckTTL is the lifetime of a PendingAcknowledgement (§3.4).
	DefaultPendingAckTTL = 30 * time.Second

	// DefaultSurbRingCapacity is the default per-pseudonym SURB ring buffer capacity (§4.2).
	DefaultSurbRingCapacity = 10000
	// DefaultOpenerIdleTTL is the time-to-idle for the reply-opener table (§4.2).
	DefaultOpenerIdleTTL = 10 * time.Minute

	// ReplayFilterFalsePositiveRate is the target false-positive rate for C3 (§4.3).
	ReplayFilterFalsePositiveRate = 1.0 / (1 << 20)
	// DefaultReplayRetentionWindow bounds the replay filter's memory by
	// rotating it on this interval (Open Question, resolved in DESIGN.md).
	DefaultReplayRetentionWindow = 5 * time.Minute
	// DefaultPeakPacketsPerSecond sizes the replay filter's expected load.
	DefaultPeakPacketsPerSecond = 10000

	// DefaultFrameSize is the default Session frame size F (§4.9).
	DefaultFrameSize = 1500
	// DefaultSegmentMTU is the default Session segment MTU (§4.9).
	DefaultSegmentMTU = 1000
	// SegmentHeaderSize is the size of the segment header (frame_id‖seq_index‖seq_flags), §6.
	SegmentHeaderSize = 4 + 2 + 1
	// DefaultSessionWindow is the default sliding window size C (§4.9/§3.5).
	DefaultSessionWindow = 32
	// DefaultFrameTimeout bounds how long an incomplete frame is retained before discard.
	DefaultFrameTimeout = 2 * time.Second

	// SessionTagSegment, SessionTagRequest, SessionTagAcknowledge are the
	// Session message framing tags from spec §6.
	SessionTagSegment     byte = 0x00
	SessionTagRequest     byte = 0x01
	SessionTagAcknowledge byte = 0x02
)
