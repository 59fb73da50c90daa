package types

// SURB is a pre-built Single-Use Reply Block: a reply header plus the
// opener seeds needed to decrypt a reply arriving along it (§3.4). It is
// single-use and owned by its creator until released to the packet codec.
type SURB struct {
	ID            SurbID
	FirstHopKeyID KeyID
	Header        []byte // pre-built onion header bytes for the reply path
}

// ReplyOpener holds the per-hop payload keys needed to peel a reply onion
// built from a SURB this node generated, in hop order (first hop first).
// A reply packet is wrapped once per hop on its way back, so the opener
// must undo those wraps in reverse hop order.
type ReplyOpener struct {
	PayloadKeys [][32]byte
}
