package tanda

import (
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// AdminCap authorises terminal settlement of exactly one tanda. Its fields are
// unexported, so a non-zero value comes only from Create or from the engine
// rebuilding it for the recorded holder.
type AdminCap struct {
	id    [32]byte
	tanda [32]byte
}

func newAdminCap(tandaID [32]byte) *AdminCap {
	return &AdminCap{
		id:    ethcrypto.Keccak256Hash([]byte("tanda.admin"), tandaID[:]),
		tanda: tandaID,
	}
}

// ID identifies the capability object itself.
func (c *AdminCap) ID() [32]byte { return c.id }

// TandaID is the instance the capability is bound to.
func (c *AdminCap) TandaID() [32]byte { return c.tanda }

// authorizes reports whether the capability was minted for t.
func (c *AdminCap) authorizes(t *Tanda) bool {
	if c == nil || t == nil {
		return false
	}
	if c.tanda == ([32]byte{}) || c.tanda != t.id {
		return false
	}
	return c.id == newAdminCap(t.id).id
}
