package handoff

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"
)

// canonicalJSON serializes v with keys sorted and no extraneous whitespace,
// matching Python's json.dumps(sort_keys=True, separators=(",", ":")) so
// the signature computed here agrees byte-for-byte with the reference.
func canonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := encodeCanonical(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeCanonical(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			buf.Write(kb)
			buf.WriteByte(':')
			if err := encodeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []interface{}:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(b)
	}
	return nil
}

// Security signs and verifies packets with HMAC-SHA256 keyed by the
// packet's own access_token, and optionally encrypts them, mirroring the
// Python reference's HandoffSecurity.
type Security struct{}

// NewSecurity constructs a Security helper. It holds no state: the signing
// key is the packet's own access_token, never a process-wide secret.
func NewSecurity() *Security { return &Security{} }

// Sign computes HMAC-SHA256(access_token, canonical_json(packet)) and
// returns it hex-encoded.
func (Security) Sign(p Packet) (string, error) {
	canon, err := canonicalJSON(p)
	if err != nil {
		return "", fmt.Errorf("handoff: canonicalize packet: %w", err)
	}
	mac := hmac.New(sha256.New, []byte(p.AccessToken))
	mac.Write(canon)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify reports whether signature matches Sign(p), using a constant-time
// comparison so timing cannot leak information about the expected MAC.
func (s Security) Verify(p Packet, signature string) (bool, error) {
	expected, err := s.Sign(p)
	if err != nil {
		return false, err
	}
	expectedBytes, err1 := hex.DecodeString(expected)
	gotBytes, err2 := hex.DecodeString(signature)
	if err1 != nil || err2 != nil {
		return false, nil
	}
	return subtle.ConstantTimeCompare(expectedBytes, gotBytes) == 1, nil
}

// GeneratePacketID returns a new packet_id. A packet id is a public
// identifier, not a secret, so a UUIDv4 is sufficient (spec §3).
func GeneratePacketID() string {
	return uuid.NewString()
}

// GenerateAccessToken returns a cryptographically random, URL-safe token
// suitable for access_token (spec §3: "unforgeable random"). Unlike the
// packet id this value gates AcceptHandoff, so it needs more entropy than
// a UUID provides.
func GenerateAccessToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("handoff: generate access token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Encrypt seals plaintext with a caller-supplied key using ChaCha20-Poly1305,
// the idiomatic Go AEAD standing in for the reference's Fernet construction
// (spec §6: encryption key storage/management is explicitly out of scope;
// Encrypt/Decrypt accept the key, they never manage one). Returns base64
// ciphertext and an 8-byte key hint for operator identification.
func (Security) Encrypt(key, plaintext []byte) (ciphertextB64 string, keyHint []byte, err error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", nil, fmt.Errorf("handoff: init cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", nil, fmt.Errorf("handoff: generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, plaintext, nil)

	hint := make([]byte, 8)
	copy(hint, key)
	return base64.StdEncoding.EncodeToString(sealed), hint, nil
}

// Decrypt reverses Encrypt given the same key.
func (Security) Decrypt(key []byte, ciphertextB64 string) ([]byte, error) {
	sealed, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return nil, fmt.Errorf("handoff: decode ciphertext: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("handoff: init cipher: %w", err)
	}
	if len(sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("handoff: ciphertext too short")
	}
	nonce, encrypted := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, encrypted, nil)
	if err != nil {
		return nil, fmt.Errorf("handoff: decrypt: %w", err)
	}
	return plaintext, nil
}
