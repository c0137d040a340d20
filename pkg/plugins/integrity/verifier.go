package integrity

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/plughost/pkg/plugins"
)

// Request is one verification of resolved plugin bytes.
type Request struct {
	Plugin string

	// Artifact is the raw pre-extraction bytes the checksum is computed over.
	Artifact []byte
	// ExpectedChecksum is an optional sha256 hex digest, "sha256:" prefix allowed.
	ExpectedChecksum string

	// Payload is what the signature covers: the raw artifact for archives,
	// BundleDigest of manifest and module otherwise.
	Payload []byte
	// Signature is the content of the companion .sig file, nil when absent.
	Signature []byte
	// RequireSignature makes a missing signature a hard failure.
	RequireSignature bool
}

// Result reports what was verified.
type Result struct {
	Checksum string `json:"checksum"`
	Signed   bool   `json:"signed"`
	KeyID    string `json:"key_id,omitempty"`
}

// Verifier checks artifact checksums and payload signatures against a
// trusted key set.
type Verifier struct {
	keys   *KeySet
	logger *logrus.Logger
}

// NewVerifier creates a verifier. A nil key set trusts no signer.
func NewVerifier(keys *KeySet, logger *logrus.Logger) *Verifier {
	if keys == nil {
		keys = NewKeySet()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Verifier{keys: keys, logger: logger}
}

// Verify runs the checksum check and then the signature check.
func (v *Verifier) Verify(req Request) (*Result, error) {
	sum, err := v.VerifyChecksum(req.Plugin, req.Artifact, req.ExpectedChecksum)
	if err != nil {
		return nil, err
	}
	result := &Result{Checksum: sum}

	if req.Signature == nil {
		if req.RequireSignature {
			return nil, plugins.NewError(plugins.ErrMissingSignature, req.Plugin,
				"no signature file found and signature verification is required")
		}
		v.logger.WithField("plugin", req.Plugin).Debug("Skipping signature verification")
		return result, nil
	}

	keyID, err := v.VerifySignature(req.Plugin, req.Payload, req.Signature)
	if err != nil {
		return nil, err
	}
	result.Signed = true
	result.KeyID = keyID
	return result, nil
}

// VerifyChecksum hashes data and compares against expected when given. It
// returns the actual digest.
func (v *Verifier) VerifyChecksum(plugin string, data []byte, expected string) (string, error) {
	actual := Checksum(data)
	if expected == "" {
		return actual, nil
	}

	want, ok := NormalizeChecksum(expected)
	if !ok {
		return "", plugins.NewError(plugins.ErrChecksumMismatch, plugin,
			"expected checksum %q is not a sha256 hex digest", expected)
	}
	if subtle.ConstantTimeCompare([]byte(actual), []byte(want)) != 1 {
		return "", plugins.NewError(plugins.ErrChecksumMismatch, plugin,
			"expected sha256 %s, got %s", want, actual)
	}

	v.logger.WithFields(logrus.Fields{
		"plugin":   plugin,
		"checksum": actual,
	}).Debug("Checksum verified")
	return actual, nil
}

// VerifySignature validates a signature file over payload and returns the
// trusted key id that produced it.
func (v *Verifier) VerifySignature(plugin string, payload, sigFile []byte) (string, error) {
	sig, err := ParseSignature(sigFile)
	if err != nil {
		return "", plugins.WrapError(plugins.ErrSignatureInvalid, plugin, err, "malformed signature file")
	}

	key, ok := v.keys.Get(sig.KeyID)
	if !ok {
		return "", plugins.NewError(plugins.ErrSignatureInvalid, plugin,
			"signing key %q is not trusted", sig.KeyID)
	}

	if err := verifyWith(sig.Algorithm, key, payload, sig.Value); err != nil {
		return "", plugins.WrapError(plugins.ErrSignatureInvalid, plugin, err,
			"signature by %q does not verify", sig.KeyID)
	}

	v.logger.WithFields(logrus.Fields{
		"plugin":    plugin,
		"key_id":    sig.KeyID,
		"algorithm": sig.Algorithm,
	}).Info("Signature verified")
	return sig.KeyID, nil
}

// Checksum returns the lowercase sha256 hex digest of data.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// NormalizeChecksum lowercases a digest and strips an optional "sha256:"
// prefix. ok is false unless the result is 64 hex characters.
func NormalizeChecksum(raw string) (string, bool) {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.TrimPrefix(s, "sha256:")
	if len(s) != sha256.Size*2 {
		return "", false
	}
	if _, err := hex.DecodeString(s); err != nil {
		return "", false
	}
	return s, true
}
