package integrity

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/plughost/pkg/plugins"
)

var artifact = []byte("\x00asm\x01\x00\x00\x00 plugin bytes")

func TestVerifyChecksum(t *testing.T) {
	v := NewVerifier(nil, nil)
	good := Checksum(artifact)

	sum, err := v.VerifyChecksum("p", artifact, good)
	require.NoError(t, err)
	assert.Equal(t, good, sum)

	_, err = v.VerifyChecksum("p", artifact, "SHA256:"+strings.ToUpper(good))
	assert.NoError(t, err)

	_, err = v.VerifyChecksum("p", artifact, "")
	assert.NoError(t, err, "no expected checksum means no comparison")

	_, err = v.VerifyChecksum("p", artifact, "abc")
	assert.True(t, errors.Is(err, plugins.ErrChecksumMismatch))
}

// Every single-byte corruption must be rejected against the correct checksum.
func TestVerifyChecksum_AnyCorruptionRejected(t *testing.T) {
	v := NewVerifier(nil, nil)
	want := Checksum(artifact)

	for i := range artifact {
		corrupted := append([]byte(nil), artifact...)
		corrupted[i] ^= 0x01
		_, err := v.VerifyChecksum("p", corrupted, want)
		require.Error(t, err, "byte %d", i)
		assert.True(t, errors.Is(err, plugins.ErrChecksumMismatch))
	}
}

// A valid artifact never passes against a wrong user-supplied checksum.
func TestVerifyChecksum_WrongExpected(t *testing.T) {
	v := NewVerifier(nil, nil)
	wrong := Checksum([]byte("something else"))

	_, err := v.Verify(Request{Plugin: "p", Artifact: artifact, ExpectedChecksum: wrong})
	assert.True(t, errors.Is(err, plugins.ErrChecksumMismatch))
}

func TestParseSignature(t *testing.T) {
	sig, err := ParseSignature([]byte("ed25519:0a0b0c:release-2024\n"))
	require.NoError(t, err)
	assert.Equal(t, AlgorithmEd25519, sig.Algorithm)
	assert.Equal(t, []byte{0x0a, 0x0b, 0x0c}, sig.Value)
	assert.Equal(t, "release-2024", sig.KeyID)
	assert.Equal(t, "ed25519:0a0b0c:release-2024", sig.Format())

	for _, bad := range []string{"", "ed25519:zz:key", "dsa:00:key", "ed25519:00:", "ed25519:00"} {
		_, err := ParseSignature([]byte(bad))
		assert.Error(t, err, bad)
	}
}

func signPayload(t *testing.T, alg Algorithm, priv crypto.Signer, keyID string, payload []byte) []byte {
	t.Helper()
	var value []byte
	var err error
	switch alg {
	case AlgorithmEd25519:
		value, err = priv.Sign(rand.Reader, payload, crypto.Hash(0))
	default:
		digest := sha256.Sum256(payload)
		value, err = priv.Sign(rand.Reader, digest[:], crypto.SHA256)
	}
	require.NoError(t, err)
	return []byte((&Signature{Algorithm: alg, Value: value, KeyID: keyID}).Format())
}

func TestVerifySignature_Algorithms(t *testing.T) {
	edPub, edPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	ecPriv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	rsaPriv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	keys := NewKeySet()
	require.NoError(t, keys.Add("ed", edPub))
	require.NoError(t, keys.Add("ec", &ecPriv.PublicKey))
	require.NoError(t, keys.Add("rsa", &rsaPriv.PublicKey))
	v := NewVerifier(keys, nil)

	tests := []struct {
		alg    Algorithm
		signer crypto.Signer
		keyID  string
	}{
		{AlgorithmEd25519, edPriv, "ed"},
		{AlgorithmECDSA, ecPriv, "ec"},
		{AlgorithmRSA, rsaPriv, "rsa"},
	}

	for _, tt := range tests {
		t.Run(string(tt.alg), func(t *testing.T) {
			sig := signPayload(t, tt.alg, tt.signer, tt.keyID, artifact)

			res, err := v.Verify(Request{Plugin: "p", Artifact: artifact, Payload: artifact, Signature: sig, RequireSignature: true})
			require.NoError(t, err)
			assert.True(t, res.Signed)
			assert.Equal(t, tt.keyID, res.KeyID)

			tampered := append([]byte(nil), artifact...)
			tampered[0] ^= 0xff
			_, err = v.VerifySignature("p", tampered, sig)
			assert.True(t, errors.Is(err, plugins.ErrSignatureInvalid))
		})
	}
}

func TestVerifySignature_UntrustedOrMismatchedKey(t *testing.T) {
	edPub, edPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	ecPriv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	keys := NewKeySet()
	require.NoError(t, keys.Add("ed", edPub))
	v := NewVerifier(keys, nil)

	// Unknown key id
	sig := signPayload(t, AlgorithmEd25519, edPriv, "someone-else", artifact)
	_, err = v.VerifySignature("p", artifact, sig)
	assert.True(t, errors.Is(err, plugins.ErrSignatureInvalid))

	// Algorithm does not match the trusted key type
	sig = signPayload(t, AlgorithmECDSA, ecPriv, "ed", artifact)
	_, err = v.VerifySignature("p", artifact, sig)
	assert.True(t, errors.Is(err, plugins.ErrSignatureInvalid))
}

func TestVerify_MissingSignature(t *testing.T) {
	v := NewVerifier(nil, nil)

	_, err := v.Verify(Request{Plugin: "p", Artifact: artifact, RequireSignature: true})
	assert.True(t, errors.Is(err, plugins.ErrMissingSignature))

	res, err := v.Verify(Request{Plugin: "p", Artifact: artifact, RequireSignature: false})
	require.NoError(t, err)
	assert.False(t, res.Signed)
	assert.Equal(t, Checksum(artifact), res.Checksum)
}

func TestBundleDigest_CoversManifestAndModule(t *testing.T) {
	manifest := []byte("id: a\nversion: 1.0.0\n")
	module := []byte{0x00, 0x61, 0x73, 0x6d}

	base := BundleDigest(manifest, module)
	assert.Equal(t, base, BundleDigest(manifest, module))
	assert.NotEqual(t, base, BundleDigest([]byte("id: a\nversion: 1.0.0\ncapabilities: {}\n"), module))
	assert.NotEqual(t, base, BundleDigest(manifest, []byte{0x00, 0x61, 0x73, 0x6e}))
	assert.NotEqual(t, base, BundleDigest(manifest, nil))
	assert.Contains(t, string(base), Checksum(module))
}

func TestVerify_SignatureOverBundleRejectsRewrittenManifest(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	keys := NewKeySet()
	require.NoError(t, keys.Add("release", pub))
	v := NewVerifier(keys, nil)

	module := []byte("module bytes")
	signed := BundleDigest([]byte("id: a\n"), module)
	sig := signPayload(t, AlgorithmEd25519, priv, "release", signed)

	_, err = v.Verify(Request{Plugin: "a", Artifact: module, Payload: signed, Signature: sig})
	require.NoError(t, err)

	tampered := BundleDigest([]byte("id: a\ncapabilities:\n  filesystem:\n    allow_write: true\n"), module)
	_, err = v.Verify(Request{Plugin: "a", Artifact: module, Payload: tampered, Signature: sig})
	require.Error(t, err)
	assert.True(t, errors.Is(err, plugins.ErrSignatureInvalid))
}

func TestLoadKeyDir(t *testing.T) {
	dir := t.TempDir()

	edPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(edPub)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "release.pem"),
		pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), 0644))

	rsaPriv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "legacy.pub"),
		pem.EncodeToMemory(&pem.Block{Type: "RSA PUBLIC KEY", Bytes: x509.MarshalPKCS1PublicKey(&rsaPriv.PublicKey)}), 0644))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0644))

	keys, err := LoadKeyDir(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, keys.Len())
	assert.ElementsMatch(t, []string{"release", "legacy"}, keys.IDs())

	empty, err := LoadKeyDir("")
	require.NoError(t, err)
	assert.Zero(t, empty.Len())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.pem"), []byte("nope"), 0644))
	_, err = LoadKeyDir(dir)
	assert.Error(t, err)
}
