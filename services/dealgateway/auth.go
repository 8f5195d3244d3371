package dealgateway

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"dealchain/crypto"
)

const (
	// HeaderTimestamp is the unix timestamp (seconds) covered by the signatures.
	HeaderTimestamp = "X-Deal-Timestamp"
	// HeaderSignature carries one or more comma separated hex encoded
	// recoverable secp256k1 signatures.
	HeaderSignature = "X-Deal-Signature"
	// HeaderIdempotencyKey lets callers retry a mutating request safely.
	HeaderIdempotencyKey = "Idempotency-Key"
	// HeaderRequestID echoes the request id assigned by the gateway.
	HeaderRequestID = "X-Request-Id"

	// MaxBodyForSignature is the maximum body size we will hash when authenticating.
	MaxBodyForSignature = 1 << 20

	maxSignatures        = 8
	defaultTimestampSkew = 2 * time.Minute
	maxTimestampSkew     = 10 * time.Minute
)

var (
	errMissingTimestamp = errors.New("missing " + HeaderTimestamp + " header")
	errMissingSignature = errors.New("missing " + HeaderSignature + " header")
	errStaleTimestamp   = errors.New("timestamp outside allowed skew")
	errReplayed         = errors.New("signature already used")
)

// SigningDigest returns keccak256(method ‖ path ‖ timestamp ‖ body), the
// digest every request signature covers.
func SigningDigest(method, path, timestamp string, body []byte) []byte {
	return ethcrypto.Keccak256(
		[]byte(strings.ToUpper(method)),
		[]byte(path),
		[]byte(timestamp),
		body,
	)
}

// SignRequest produces the header value for a single signer.
func SignRequest(key *crypto.PrivateKey, method, path, timestamp string, body []byte) (string, error) {
	sig, err := key.Sign(SigningDigest(method, path, timestamp, body))
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sig), nil
}

// Authenticator recovers the signer set of a request and rejects stale or
// replayed signatures.
type Authenticator struct {
	skew  time.Duration
	nowFn func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewAuthenticator builds an Authenticator accepting timestamps within skew
// of nowFn.
func NewAuthenticator(skew time.Duration, nowFn func() time.Time) *Authenticator {
	if skew <= 0 {
		skew = defaultTimestampSkew
	}
	if skew > maxTimestampSkew {
		skew = maxTimestampSkew
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Authenticator{skew: skew, nowFn: nowFn, seen: make(map[string]time.Time)}
}

// Authenticate returns the distinct identities that signed the request, in
// header order.
func (a *Authenticator) Authenticate(r *http.Request, body []byte) ([][20]byte, error) {
	if len(body) > MaxBodyForSignature {
		return nil, fmt.Errorf("request body exceeds %d bytes", MaxBodyForSignature)
	}
	timestamp := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	if timestamp == "" {
		return nil, errMissingTimestamp
	}
	seconds, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp: %w", err)
	}
	now := a.nowFn()
	drift := now.Sub(time.Unix(seconds, 0))
	if drift < 0 {
		drift = -drift
	}
	if drift > a.skew {
		return nil, fmt.Errorf("%w of %s", errStaleTimestamp, a.skew)
	}
	rawSigs := strings.TrimSpace(r.Header.Get(HeaderSignature))
	if rawSigs == "" {
		return nil, errMissingSignature
	}
	parts := strings.Split(rawSigs, ",")
	if len(parts) > maxSignatures {
		return nil, fmt.Errorf("at most %d signatures allowed", maxSignatures)
	}
	digest := SigningDigest(r.Method, r.URL.Path, timestamp, body)
	signers := make([][20]byte, 0, len(parts))
	fingerprints := make([]string, 0, len(parts))
	for _, part := range parts {
		encoded := strings.TrimPrefix(strings.TrimSpace(part), "0x")
		sig, err := hex.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("invalid signature encoding: %w", err)
		}
		who, err := crypto.RecoverIdentity(digest, sig)
		if err != nil {
			return nil, fmt.Errorf("invalid signature: %w", err)
		}
		if !containsIdentity(signers, who) {
			signers = append(signers, who)
		}
		fingerprints = append(fingerprints, hex.EncodeToString(who[:])+":"+hex.EncodeToString(digest))
	}
	if err := a.register(fingerprints, now); err != nil {
		return nil, err
	}
	return signers, nil
}

// register records each (signer, digest) pair until it can no longer pass
// the skew check. A request is rejected if any signer already signed the
// same digest, whatever encoding the signature used.
func (a *Authenticator) register(fingerprints []string, now time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for key, expires := range a.seen {
		if now.After(expires) {
			delete(a.seen, key)
		}
	}
	for _, fp := range fingerprints {
		if _, ok := a.seen[fp]; ok {
			return errReplayed
		}
	}
	expires := now.Add(2 * a.skew)
	for _, fp := range fingerprints {
		a.seen[fp] = expires
	}
	return nil
}

func containsIdentity(list [][20]byte, who [20]byte) bool {
	for _, candidate := range list {
		if candidate == who {
			return true
		}
	}
	return false
}
