package deal

import (
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Custody roles. Each deal owns at most one custody account per role; the
// record itself is addressed under RoleRecord.
const (
	RoleRecord       = "deal_state"
	RolePrincipal    = "deal_principal"
	RoleClientBond   = "deal_client_bond"
	RoleExecutorBond = "deal_executor_bond"
	RoleHolder       = "deal_holder"
)

// Deriver computes the deterministic addresses the engine works with.
type Deriver interface {
	// RecordAddress addresses the deal record for key.
	RecordAddress(key Key) [20]byte
	// CustodyAddress addresses the custody account of a role for key.
	CustodyAddress(key Key, role string) [20]byte
	// AssociatedAddress is the canonical wallet account of owner for asset.
	AssociatedAddress(asset string, owner [20]byte) [20]byte
}

// KeccakDeriver derives addresses as the last 20 bytes of a Keccak-256 hash
// over the seed components.
type KeccakDeriver struct{}

func (d KeccakDeriver) RecordAddress(key Key) [20]byte {
	return d.CustodyAddress(key, RoleRecord)
}

func (KeccakDeriver) CustodyAddress(key Key, role string) [20]byte {
	hash := ethcrypto.Keccak256(key.ID[:], []byte(role), key.Client[:], key.Executor[:])
	var out [20]byte
	copy(out[:], hash[12:])
	return out
}

func (KeccakDeriver) AssociatedAddress(asset string, owner [20]byte) [20]byte {
	hash := ethcrypto.Keccak256([]byte("associated"), []byte(asset), owner[:])
	var out [20]byte
	copy(out[:], hash[12:])
	return out
}
