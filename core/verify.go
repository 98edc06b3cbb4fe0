package core

// verify.go implements the verifier: canonicalize-and-hash the commit block,
// parse the envelope's signature for the author's curve, and check it
// against the resolved public key. Parsed public keys are cached by their
// raw 33-byte encoding to amortize the dominant per-frame cost (EC point
// parsing); the cache is a plain mutex-guarded map capped at 100k entries
// and cleared wholesale on overflow rather than run as an LRU (an LRU would
// cost more per lookup than the parse it saves).
//
// Signatures are the curve's raw 64-byte (r || s) compact encoding, not
// ASN.1 DER, matching how every signed commit in this ecosystem is shipped.

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"fmt"
	"math/big"
	"sync"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	dcrecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

const parsedKeyCacheCap = 100_000

// parsedKey is either a secp256k1 or a P-256 verifying key, tagged by type
// so the cache can hold both curves behind one key space.
type parsedKey struct {
	keyType KeyType
	secp    *secp256k1.PublicKey
	p256    *ecdsa.PublicKey
}

// keyCache is the verifier's shared parsed-public-key cache.
type keyCache struct {
	mu   sync.Mutex
	data map[[33]byte]parsedKey
}

func newKeyCache() *keyCache {
	return &keyCache{data: make(map[[33]byte]parsedKey, parsedKeyCacheCap/4)}
}

func (c *keyCache) get(raw [33]byte) (parsedKey, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pk, ok := c.data[raw]
	return pk, ok
}

func (c *keyCache) put(raw [33]byte, pk parsedKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.data) >= parsedKeyCacheCap {
		c.data = make(map[[33]byte]parsedKey, parsedKeyCacheCap/4)
	}
	c.data[raw] = pk
}

// Verifier checks commit signatures against resolved key material.
type Verifier struct {
	cache *keyCache
}

// NewVerifier constructs a Verifier with a fresh parsed-key cache.
func NewVerifier() *Verifier {
	return &Verifier{cache: newKeyCache()}
}

// Verify canonicalizes and hashes env's commit block, then checks signature
// against key. It returns (true, nil) on a valid signature, (false, nil) on
// a cleanly rejected one, and a non-nil error for a missing or malformed
// commit or signature, or for key material that cannot be parsed or has an
// unknown type (ErrUnknownKeyType).
func (v *Verifier) Verify(env *Envelope, key PublicKeyMaterial) (bool, error) {
	if env.CommitBlock == nil || env.Signature == nil {
		return false, ErrParse
	}
	hash, err := CanonicalCommitHash(env.CommitBlock)
	if err != nil {
		return false, err
	}
	if len(env.Signature) != 64 {
		return false, fmt.Errorf("verify: signature length %d != 64", len(env.Signature))
	}

	pk, err := v.parsedKeyFor(key)
	if err != nil {
		return false, err
	}

	switch key.Type {
	case KeyTypeSecp256k1:
		return verifySecp256k1(hash, env.Signature, pk.secp), nil
	case KeyTypeP256:
		return verifyP256(hash, env.Signature, pk.p256), nil
	default:
		return false, ErrUnknownKeyType
	}
}

func (v *Verifier) parsedKeyFor(key PublicKeyMaterial) (parsedKey, error) {
	if pk, ok := v.cache.get(key.Key); ok {
		return pk, nil
	}

	var pk parsedKey
	pk.keyType = key.Type
	switch key.Type {
	case KeyTypeSecp256k1:
		pub, err := secp256k1.ParsePubKey(key.Key[:])
		if err != nil {
			verifyLog.WithError(err).Debug("verify: bad secp256k1 key")
			return parsedKey{}, ErrUnknownKeyType
		}
		pk.secp = pub
	case KeyTypeP256:
		x, y := elliptic.UnmarshalCompressed(elliptic.P256(), key.Key[:])
		if x == nil {
			return parsedKey{}, ErrUnknownKeyType
		}
		pk.p256 = &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}
	default:
		return parsedKey{}, ErrUnknownKeyType
	}

	v.cache.put(key.Key, pk)
	return pk, nil
}

func verifySecp256k1(hash Hash, sig []byte, pub *secp256k1.PublicKey) bool {
	var r, s secp256k1.ModNScalar
	if r.SetByteSlice(sig[:32]) {
		return false // overflowed the group order
	}
	if s.SetByteSlice(sig[32:]) {
		return false
	}
	signature := dcrecdsa.NewSignature(&r, &s)
	return signature.Verify(hash[:], pub)
}

func verifyP256(hash Hash, sig []byte, pub *ecdsa.PublicKey) bool {
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:])
	return ecdsa.Verify(pub, hash[:], r, s)
}
