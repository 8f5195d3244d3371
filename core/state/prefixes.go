package state

import ethcrypto "github.com/ethereum/go-ethereum/crypto"

var (
	tokenPrefix        = []byte("token:")
	tokenListKey       = ethcrypto.Keccak256([]byte("token-list"))
	dealRecordPrefix   = []byte("deal/record/")
	dealPartyPrefix    = []byte("deal/party/")
	ledgerAccountPref  = []byte("ledger/account/")
	ledgerNativePrefix = []byte("ledger/native/")
)

func prefixed(prefix []byte, suffix []byte) []byte {
	buf := make([]byte, len(prefix)+len(suffix))
	copy(buf, prefix)
	copy(buf[len(prefix):], suffix)
	return buf
}

// DealRecordKey is the KV key of the deal record at addr.
func DealRecordKey(addr [20]byte) []byte { return prefixed(dealRecordPrefix, addr[:]) }

// DealPartyKey indexes the record addresses a party participates in.
func DealPartyKey(party [20]byte) []byte { return prefixed(dealPartyPrefix, party[:]) }

// LedgerAccountKey is the KV key of the token account at addr.
func LedgerAccountKey(addr [20]byte) []byte { return prefixed(ledgerAccountPref, addr[:]) }

// LedgerNativeKey is the KV key of addr's native deposit balance.
func LedgerNativeKey(addr [20]byte) []byte { return prefixed(ledgerNativePrefix, addr[:]) }
