// Package errs collects the error kinds named in spec §7. Sentinel errors
// are used where no payload is needed; the parameterized kinds get their own
// struct type so callers can errors.As() out the fields they need.
package errs

import (
	"errors"
	"fmt"
)

// Sentinel errors that carry no additional payload.
var (
	// ErrUndecodable marks a structural or cryptographic failure at the
	// packet boundary. Fatal to the current packet; never retried.
	ErrUndecodable = errors.New("mixnode: undecodable packet")
	// ErrReplay marks a packet whose tag has already been seen.
	ErrReplay = errors.New("mixnode: replayed packet tag")
	// ErrKeyNotFound is a transient state gap, retryable on the next indexing tick.
	ErrKeyNotFound = errors.New("mixnode: key not found")
	// ErrChannelNotFound is a transient state gap, retryable on the next indexing tick.
	ErrChannelNotFound = errors.New("mixnode: channel not found")
	// ErrUnregistered marks an expectation withdrawn before it resolved.
	ErrUnregistered = errors.New("mixnode: expectation unregistered")
	// ErrTimeout marks an action or expectation future that exceeded its deadline.
	ErrTimeout = errors.New("mixnode: timeout")
	// ErrInconsistentBinding marks a KeyId update that conflicts with an existing binding (§3.1).
	ErrInconsistentBinding = errors.New("mixnode: inconsistent key binding")
	// ErrSurbOpenerMissing marks a SURB reply whose opener could not be found.
	ErrSurbOpenerMissing = errors.New("mixnode: surb opener missing")
	// ErrEmptyTag marks a packet tag that decoded to all-zero/empty, which is never valid.
	ErrEmptyTag = errors.New("mixnode: empty packet tag")
	// ErrInvalidSize marks a packet whose length does not match the fixed wire size.
	ErrInvalidSize = errors.New("mixnode: invalid packet size")
	// ErrDecryptionFailed marks a failed AEAD/MAC check during decoding.
	ErrDecryptionFailed = errors.New("mixnode: decryption failed")
	// ErrUnknownKeyID marks a KeyId absent from the key/ID mapper.
	ErrUnknownKeyID = errors.New("mixnode: unknown key id")
	// ErrAckNotPending marks a half-key reveal with no matching
	// PendingAcknowledgement, either never filed or already resolved/aged out.
	ErrAckNotPending = errors.New("mixnode: no pending acknowledgement for that challenge")
	// ErrAckMismatch marks a half-key reveal that does not satisfy the
	// pending ticket's challenge.
	ErrAckMismatch = errors.New("mixnode: half-key response does not satisfy challenge")
)

// ResolverError wraps a failure from the chain-view collaborator (§4.5).
type ResolverError struct{ Err error }

func (e *ResolverError) Error() string { return fmt.Sprintf("mixnode: resolver error: %v", e.Err) }
func (e *ResolverError) Unwrap() error { return e.Err }

// InvalidState marks a programmer-level precondition failure.
type InvalidState struct{ Msg string }

func (e *InvalidState) Error() string { return fmt.Sprintf("mixnode: invalid state: %s", e.Msg) }

// InvalidTicket marks a ticket that failed validation, with the peer it
// should be reported to and the reason.
type InvalidTicket struct {
	Peer   string
	Reason string
}

func (e *InvalidTicket) Error() string {
	return fmt.Sprintf("mixnode: invalid ticket from %s: %s", e.Peer, e.Reason)
}

// ProcessingError marks a non-ticket decoder failure attributable to a peer.
type ProcessingError struct {
	Peer string
	Err  error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("mixnode: processing error from %s: %v", e.Peer, e.Err)
}
func (e *ProcessingError) Unwrap() error { return e.Err }

// OutOfFunds marks an outgoing channel unable to fund the next ticket.
// The incoming ticket that triggered this must not be persisted (§4.6).
type OutOfFunds struct {
	ChannelID [32]byte
	Amount    string // as formatted by currency.Balance.String (amount and unit)
}

func (e *OutOfFunds) Error() string {
	return fmt.Sprintf("mixnode: out of funds on channel %x: need %s", e.ChannelID, e.Amount)
}
