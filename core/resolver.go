package core

// resolver.go implements the key resolver: synchronous, HTTP-backed
// fetching of an author's public key material from the authoritative
// directory, or from the author's own hosting endpoint for did:web-style
// identifiers, with single-in-flight-per-author coalescing so a burst of
// frames from the same unresolved author triggers exactly one fetch.
//
// Key material arrives in one of three embeddings: prefix-tagged
// multibase-58 (secp256k1 and P-256 multicodec prefixes), a JWK-like
// {kty,crv,x,y} structure, or a direct base64/hex text form of the raw
// compressed key. No third-party HTTP client appears anywhere in the
// example corpus, so this is the one place the package reaches for
// net/http directly.

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mr-tron/base58"
)

const (
	didKeyPrefixSecp = "\xe7\x01" // multicodec secp256k1-pub
	didKeyPrefixP256 = "\x80\x24" // multicodec p256-pub
)

// DirectoryClient is the subset of behavior the resolver needs from a
// directory/hosting lookup, split out so tests can substitute a fake
// transport without standing up a real HTTP server.
type DirectoryClient interface {
	FetchDocument(ctx context.Context, authorID string) ([]byte, error)
}

// httpDirectoryClient resolves author identifiers against a configurable
// directory base URL, mirroring the plc.directory / did:web lookup shapes.
type httpDirectoryClient struct {
	client        *http.Client
	directoryBase string
}

// NewHTTPDirectoryClient builds a DirectoryClient that fetches did:plc-style
// identifiers from directoryBase and falls back to the embedded host for
// did:web-style identifiers.
func NewHTTPDirectoryClient(directoryBase string, timeout time.Duration) DirectoryClient {
	return &httpDirectoryClient{
		client:        &http.Client{Timeout: timeout},
		directoryBase: strings.TrimRight(directoryBase, "/"),
	}
}

func (h *httpDirectoryClient) FetchDocument(ctx context.Context, authorID string) ([]byte, error) {
	url, err := directoryURL(h.directoryBase, authorID)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("resolver: directory returned status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func directoryURL(base, authorID string) (string, error) {
	switch {
	case strings.HasPrefix(authorID, "did:plc:"):
		return fmt.Sprintf("%s/%s/log/last", base, authorID), nil
	case strings.HasPrefix(authorID, "did:web:"):
		parts := strings.Split(authorID, ":")
		if len(parts) < 3 {
			return "", ErrUnresolvable
		}
		host := parts[2]
		if len(parts) == 3 {
			return fmt.Sprintf("https://%s/.well-known/did.json", host), nil
		}
		return fmt.Sprintf("https://%s/%s/did.json", host, strings.Join(parts[3:], "/")), nil
	default:
		return "", ErrUnresolvable
	}
}

// pendingResolution is one in-flight fetch; waiters block on done.
type pendingResolution struct {
	done   chan struct{}
	result PublicKeyMaterial
	err    error
}

// KeyResolver fetches and decodes author key material, coalescing
// concurrent callers for the same author into a single fetch.
type KeyResolver struct {
	dir DirectoryClient

	mu      sync.Mutex
	pending map[string]*pendingResolution
}

// NewKeyResolver constructs a resolver over the given directory client.
func NewKeyResolver(dir DirectoryClient) *KeyResolver {
	return &KeyResolver{dir: dir, pending: make(map[string]*pendingResolution)}
}

// Resolve fetches authorID's current key material. Concurrent callers for
// the same authorID share one fetch: the first claims a pending entry, the
// rest wait on it and receive its result.
func (r *KeyResolver) Resolve(ctx context.Context, authorID string) (PublicKeyMaterial, error) {
	r.mu.Lock()
	if p, ok := r.pending[authorID]; ok {
		r.mu.Unlock()
		<-p.done
		return p.result, p.err
	}
	p := &pendingResolution{done: make(chan struct{})}
	r.pending[authorID] = p
	r.mu.Unlock()

	p.result, p.err = r.fetchAndDecode(ctx, authorID)

	r.mu.Lock()
	delete(r.pending, authorID)
	r.mu.Unlock()
	close(p.done)

	return p.result, p.err
}

func (r *KeyResolver) fetchAndDecode(ctx context.Context, authorID string) (PublicKeyMaterial, error) {
	doc, err := r.dir.FetchDocument(ctx, authorID)
	if err != nil {
		resolveLog.WithError(err).WithField("author", authorID).Debug("resolver: fetch failed")
		return PublicKeyMaterial{}, ErrUnresolvable
	}
	pk, err := decodeKeyDocument(doc)
	if err != nil {
		resolveLog.WithError(err).WithField("author", authorID).Debug("resolver: decode failed")
		return PublicKeyMaterial{}, ErrUnresolvable
	}
	return pk, nil
}

// decodeKeyDocument extracts key material from a directory response, trying
// each of the recognized verification-method shapes in turn.
func decodeKeyDocument(doc []byte) (PublicKeyMaterial, error) {
	var generic map[string]any
	if err := json.Unmarshal(doc, &generic); err != nil {
		return PublicKeyMaterial{}, err
	}

	if key, ok := findString(generic, "verificationMethods", "atproto"); ok {
		if pk, err := decodeEmbeddedKeyText(key); err == nil {
			return pk, nil
		}
	}
	if key, ok := generic["signingKey"].(string); ok {
		if pk, err := decodeEmbeddedKeyText(key); err == nil {
			return pk, nil
		}
	}
	if vms, ok := generic["verificationMethods"].(map[string]any); ok {
		for name, v := range vms {
			if name == "atproto" {
				continue
			}
			if s, ok := v.(string); ok {
				if pk, err := decodeEmbeddedKeyText(s); err == nil {
					return pk, nil
				}
			}
		}
	}
	if vms, ok := generic["verificationMethod"].([]any); ok {
		for _, item := range vms {
			obj, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if mb, ok := obj["publicKeyMultibase"].(string); ok {
				if pk, err := decodeMultibaseKey(mb); err == nil {
					return pk, nil
				}
			}
			if jwk, ok := obj["publicKeyJwk"].(map[string]any); ok {
				if pk, err := decodeJWKKey(jwk); err == nil {
					return pk, nil
				}
			}
		}
	}

	return PublicKeyMaterial{}, errors.New("resolver: no recognized key field in document")
}

func findString(m map[string]any, objectField, key string) (string, bool) {
	obj, ok := m[objectField].(map[string]any)
	if !ok {
		return "", false
	}
	s, ok := obj[key].(string)
	return s, ok
}

// decodeEmbeddedKeyText tries each embedding format in turn on a single text
// value: a did:key, a bare multibase string, or a direct hex/base64 blob.
func decodeEmbeddedKeyText(text string) (PublicKeyMaterial, error) {
	switch {
	case strings.HasPrefix(text, "did:key:"):
		return decodeMultibaseKey(strings.TrimPrefix(text, "did:key:"))
	case strings.HasPrefix(text, "z"):
		return decodeMultibaseKey(text)
	default:
		return decodeDirectTextKey(text)
	}
}

// decodeMultibaseKey decodes a "z"-prefixed base58btc multibase string
// carrying a multicodec-tagged compressed public key.
func decodeMultibaseKey(s string) (PublicKeyMaterial, error) {
	if !strings.HasPrefix(s, "z") {
		return PublicKeyMaterial{}, ErrUnknownKeyType
	}
	decoded, err := base58.Decode(s[1:])
	if err != nil {
		return PublicKeyMaterial{}, err
	}
	if len(decoded) != 35 {
		return PublicKeyMaterial{}, fmt.Errorf("resolver: unexpected multibase key length %d", len(decoded))
	}
	prefix, raw := string(decoded[:2]), decoded[2:]
	var pk PublicKeyMaterial
	switch prefix {
	case didKeyPrefixSecp:
		pk.Type = KeyTypeSecp256k1
	case didKeyPrefixP256:
		pk.Type = KeyTypeP256
	default:
		return PublicKeyMaterial{}, ErrUnknownKeyType
	}
	copy(pk.Key[:], raw)
	return pk, nil
}

// decodeJWKKey converts an EC JWK (secp256k1 or P-256) into a compressed
// public key, deriving the sign byte from the parity of y.
func decodeJWKKey(jwk map[string]any) (PublicKeyMaterial, error) {
	kty, _ := jwk["kty"].(string)
	crv, _ := jwk["crv"].(string)
	xb64, _ := jwk["x"].(string)
	yb64, _ := jwk["y"].(string)
	if kty != "EC" || xb64 == "" || yb64 == "" {
		return PublicKeyMaterial{}, ErrUnknownKeyType
	}
	var keyType KeyType
	switch crv {
	case "secp256k1":
		keyType = KeyTypeSecp256k1
	case "P-256":
		keyType = KeyTypeP256
	default:
		return PublicKeyMaterial{}, ErrUnknownKeyType
	}
	x, err := base64.RawURLEncoding.DecodeString(xb64)
	if err != nil {
		return PublicKeyMaterial{}, err
	}
	y, err := base64.RawURLEncoding.DecodeString(yb64)
	if err != nil {
		return PublicKeyMaterial{}, err
	}
	if len(x) != 32 || len(y) != 32 {
		return PublicKeyMaterial{}, fmt.Errorf("resolver: unexpected JWK coordinate length")
	}
	var pk PublicKeyMaterial
	pk.Type = keyType
	if y[31]%2 == 0 {
		pk.Key[0] = 0x02
	} else {
		pk.Key[0] = 0x03
	}
	copy(pk.Key[1:], x)
	return pk, nil
}

// decodeDirectTextKey handles a key embedded as a plain base64 or hex blob
// of the raw 33-byte compressed encoding, with no format tagging at all.
func decodeDirectTextKey(text string) (PublicKeyMaterial, error) {
	var raw []byte
	var err error
	if raw, err = base64.StdEncoding.DecodeString(text); err != nil {
		if raw, err = hex.DecodeString(text); err != nil {
			return PublicKeyMaterial{}, ErrUnknownKeyType
		}
	}
	if len(raw) != 33 {
		return PublicKeyMaterial{}, fmt.Errorf("resolver: direct key length %d != 33", len(raw))
	}
	var pk PublicKeyMaterial
	switch raw[0] {
	case 0x02, 0x03:
		pk.Type = KeyTypeSecp256k1
	default:
		return PublicKeyMaterial{}, ErrUnknownKeyType
	}
	copy(pk.Key[:], raw)
	return pk, nil
}
