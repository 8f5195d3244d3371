package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/ethereum/go-ethereum/crypto"
)

// AddressPrefix defines the different types of human-readable address prefixes.
type AddressPrefix string

const (
	// DealPrefix marks party identities (clients, executors, checkers).
	DealPrefix AddressPrefix = "deal"
	// CustodyPrefix marks addresses derived by the engine (records and
	// custody accounts) which no private key controls.
	CustodyPrefix AddressPrefix = "dealx"
)

// Address represents a 20-byte identity with a specific prefix.
type Address struct {
	prefix AddressPrefix
	bytes  []byte
}

func NewAddress(prefix AddressPrefix, b []byte) Address {
	if len(b) != 20 {
		panic("address must be 20 bytes long")
	}
	return Address{prefix: prefix, bytes: append([]byte(nil), b...)}
}

func (a Address) String() string {
	conv, err := bech32.ConvertBits(a.bytes, 8, 5, true)
	if err != nil {
		panic(err)
	}
	encoded, err := bech32.Encode(string(a.prefix), conv)
	if err != nil {
		panic(err)
	}
	return encoded
}

func (a Address) Bytes() []byte {
	return a.bytes
}

// Array returns the address as a fixed-size array.
func (a Address) Array() [20]byte {
	var out [20]byte
	copy(out[:], a.bytes)
	return out
}

// Prefix returns the human-readable prefix associated with the address.
func (a Address) Prefix() AddressPrefix {
	return a.prefix
}

func DecodeAddress(addrStr string) (Address, error) {
	prefix, decoded, err := bech32.Decode(addrStr)
	if err != nil {
		return Address{}, fmt.Errorf("invalid bech32 string: %w", err)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("error converting bits: %w", err)
	}
	if len(conv) != 20 {
		return Address{}, fmt.Errorf("address must decode to 20 bytes, got %d", len(conv))
	}
	return NewAddress(AddressPrefix(prefix), conv), nil
}

// ParseIdentity accepts either a bech32 address (any known prefix) or a
// 0x-prefixed hex string and returns the raw 20 bytes.
func ParseIdentity(value string) ([20]byte, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return [20]byte{}, fmt.Errorf("identity must not be empty")
	}
	if strings.HasPrefix(trimmed, "0x") || strings.HasPrefix(trimmed, "0X") {
		raw, err := hex.DecodeString(trimmed[2:])
		if err != nil {
			return [20]byte{}, fmt.Errorf("invalid hex identity: %w", err)
		}
		if len(raw) != 20 {
			return [20]byte{}, fmt.Errorf("hex identity must be 20 bytes, got %d", len(raw))
		}
		var out [20]byte
		copy(out[:], raw)
		return out, nil
	}
	addr, err := DecodeAddress(trimmed)
	if err != nil {
		return [20]byte{}, err
	}
	switch addr.Prefix() {
	case DealPrefix, CustodyPrefix:
	default:
		return [20]byte{}, fmt.Errorf("unsupported address prefix %q", addr.Prefix())
	}
	return addr.Array(), nil
}

// FormatIdentity renders a party identity with the deal prefix.
func FormatIdentity(b [20]byte) string {
	return NewAddress(DealPrefix, b[:]).String()
}

// FormatCustody renders an engine-derived address with the custody prefix.
func FormatCustody(b [20]byte) string {
	return NewAddress(CustodyPrefix, b[:]).String()
}

// --- Key Management ---

type PrivateKey struct {
	*ecdsa.PrivateKey
}

type PublicKey struct {
	*ecdsa.PublicKey
}

func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the byte representation of the private key.
func (k *PrivateKey) Bytes() []byte {
	return crypto.FromECDSA(k.PrivateKey)
}

func (k *PrivateKey) PubKey() *PublicKey {
	return &PublicKey{&k.PrivateKey.PublicKey}
}

// Sign produces a 65-byte recoverable signature over a 32-byte digest.
func (k *PrivateKey) Sign(digest []byte) ([]byte, error) {
	return crypto.Sign(digest, k.PrivateKey)
}

func (k *PublicKey) Address() Address {
	addrBytes := crypto.PubkeyToAddress(*k.PublicKey).Bytes()
	return NewAddress(DealPrefix, addrBytes)
}

func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// ErrNonCanonicalSignature is returned for signatures whose s value lies in
// the upper half of the curve order. Each signature has exactly one accepted
// encoding.
var ErrNonCanonicalSignature = errors.New("crypto: non-canonical signature")

// RecoverIdentity returns the identity whose key produced sig over digest.
func RecoverIdentity(digest, sig []byte) ([20]byte, error) {
	if len(sig) != crypto.SignatureLength {
		return [20]byte{}, fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(sig))
	}
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:64])
	if !crypto.ValidateSignatureValues(sig[64], r, s, true) {
		return [20]byte{}, ErrNonCanonicalSignature
	}
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return [20]byte{}, err
	}
	var out [20]byte
	copy(out[:], crypto.PubkeyToAddress(*pub).Bytes())
	return out, nil
}
