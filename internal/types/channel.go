package types

import "github.com/hashcloak/mixnode/internal/currency"

// ChannelStatus is the lifecycle state of a payment channel (§3.3).
type ChannelStatus uint8

const (
	ChannelOpen ChannelStatus = iota
	ChannelPendingToClose
	ChannelClosed
)

func (s ChannelStatus) String() string {
	switch s {
	case ChannelOpen:
		return "Open"
	case ChannelPendingToClose:
		return "PendingToClose"
	case ChannelClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Channel is a payment channel between two on-chain parties (§3.3).
type Channel struct {
	ID          [32]byte
	Source      ChainAddress
	Dest        ChainAddress
	Balance     currency.Balance[currency.HOPRToken]
	Epoch       uint32
	Status      ChannelStatus
	TicketIndex uint64
}

// NewChannel constructs a Channel with its ID derived from its parties.
func NewChannel(source, dest ChainAddress, balance currency.Balance[currency.HOPRToken], epoch uint32) Channel {
	return Channel{
		ID:      ChannelID(source, dest),
		Source:  source,
		Dest:    dest,
		Balance: balance,
		Epoch:   epoch,
		Status:  ChannelOpen,
	}
}
