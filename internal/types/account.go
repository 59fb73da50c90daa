package types

// EntryType distinguishes how an AccountEntry was observed on-chain (§3.4/§6).
type EntryType uint8

const (
	EntryAnnouncement EntryType = iota
	EntrySafeRegistration
)

// AccountEntry binds an off-chain packet key to an on-chain address (§3.3).
type AccountEntry struct {
	KeyID       KeyID
	PublicKey   OffchainPublicKey
	ChainAddr   ChainAddress
	SafeAddress *ChainAddress
	EntryType   EntryType
}
