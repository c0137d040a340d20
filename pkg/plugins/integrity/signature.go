package integrity

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Algorithm names a supported signature scheme.
type Algorithm string

const (
	AlgorithmEd25519 Algorithm = "ed25519"
	AlgorithmECDSA   Algorithm = "ecdsa" // P-256, SHA-256, ASN.1 DER
	AlgorithmRSA     Algorithm = "rsa"   // PKCS#1 v1.5, SHA-256
)

// SignatureExt is appended to a signed file's name to find its signature.
const SignatureExt = ".sig"

// Signature is a parsed "algorithm:signature_hex:key_id" file.
type Signature struct {
	Algorithm Algorithm
	Value     []byte
	KeyID     string
}

// ParseSignature parses the companion signature file format.
func ParseSignature(data []byte) (*Signature, error) {
	parts := strings.SplitN(strings.TrimSpace(string(data)), ":", 3)
	if len(parts) != 3 {
		return nil, errors.New("expected algorithm:signature_hex:key_id")
	}

	alg := Algorithm(strings.ToLower(parts[0]))
	switch alg {
	case AlgorithmEd25519, AlgorithmECDSA, AlgorithmRSA:
	default:
		return nil, fmt.Errorf("unsupported algorithm %q", parts[0])
	}

	value, err := hex.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("signature is not hex: %w", err)
	}
	if parts[2] == "" {
		return nil, errors.New("key id is empty")
	}

	return &Signature{Algorithm: alg, Value: value, KeyID: parts[2]}, nil
}

// Format renders the signature in file form.
func (s *Signature) Format() string {
	return fmt.Sprintf("%s:%s:%s", s.Algorithm, hex.EncodeToString(s.Value), s.KeyID)
}

func verifyWith(alg Algorithm, key crypto.PublicKey, payload, sig []byte) error {
	digest := sha256.Sum256(payload)

	switch alg {
	case AlgorithmEd25519:
		pub, ok := key.(ed25519.PublicKey)
		if !ok {
			return fmt.Errorf("key is %T, not ed25519", key)
		}
		if !ed25519.Verify(pub, payload, sig) {
			return errors.New("ed25519 verification failed")
		}
	case AlgorithmECDSA:
		pub, ok := key.(*ecdsa.PublicKey)
		if !ok {
			return fmt.Errorf("key is %T, not ecdsa", key)
		}
		if !ecdsa.VerifyASN1(pub, digest[:], sig) {
			return errors.New("ecdsa verification failed")
		}
	case AlgorithmRSA:
		pub, ok := key.(*rsa.PublicKey)
		if !ok {
			return fmt.Errorf("key is %T, not rsa", key)
		}
		if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unsupported algorithm %q", alg)
	}
	return nil
}

// KeySet is the set of trusted signer public keys, addressed by key id.
type KeySet struct {
	mu   sync.RWMutex
	keys map[string]crypto.PublicKey
}

// NewKeySet creates an empty key set.
func NewKeySet() *KeySet {
	return &KeySet{keys: make(map[string]crypto.PublicKey)}
}

// Add trusts key under id.
func (k *KeySet) Add(id string, key crypto.PublicKey) error {
	switch key.(type) {
	case ed25519.PublicKey, *ecdsa.PublicKey, *rsa.PublicKey:
	default:
		return fmt.Errorf("unsupported key type %T", key)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[id] = key
	return nil
}

// Get returns the key trusted under id.
func (k *KeySet) Get(id string) (crypto.PublicKey, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	key, ok := k.keys[id]
	return key, ok
}

// IDs lists the trusted key ids.
func (k *KeySet) IDs() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	ids := make([]string, 0, len(k.keys))
	for id := range k.keys {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of trusted keys.
func (k *KeySet) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.keys)
}

// LoadKeyDir trusts every *.pem and *.pub file in dir, naming each key by
// its file name without extension.
func LoadKeyDir(dir string) (*KeySet, error) {
	set := NewKeySet()
	if dir == "" {
		return set, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read trusted keys directory: %w", err)
	}

	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || (ext != ".pem" && ext != ".pub") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read key %s: %w", e.Name(), err)
		}
		key, err := ParsePublicKeyPEM(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse key %s: %w", e.Name(), err)
		}
		if err := set.Add(strings.TrimSuffix(e.Name(), ext), key); err != nil {
			return nil, fmt.Errorf("key %s: %w", e.Name(), err)
		}
	}
	return set, nil
}

// ParsePublicKeyPEM decodes a PKIX ("PUBLIC KEY") or PKCS#1
// ("RSA PUBLIC KEY") PEM block.
func ParsePublicKeyPEM(data []byte) (crypto.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	switch block.Type {
	case "PUBLIC KEY":
		return x509.ParsePKIXPublicKey(block.Bytes)
	case "RSA PUBLIC KEY":
		return x509.ParsePKCS1PublicKey(block.Bytes)
	default:
		return nil, fmt.Errorf("unsupported PEM block %q", block.Type)
	}
}
