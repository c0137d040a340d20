package host

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/plughost/pkg/plugins"
	"github.com/platinummonkey/plughost/pkg/plugins/integrity"
	"github.com/platinummonkey/plughost/pkg/plugins/sandbox/wasmtest"
)

// artifactServer serves one archive at /plugin.zip and, when set, its
// detached signature at /plugin.zip.sig.
type artifactServer struct {
	mu      sync.Mutex
	archive []byte
	sig     []byte
	srv     *httptest.Server
}

func newArtifactServer(t *testing.T, archive []byte) *artifactServer {
	t.Helper()
	a := &artifactServer{archive: archive}
	a.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.mu.Lock()
		defer a.mu.Unlock()
		switch {
		case r.URL.Path == "/plugin.zip":
			w.Write(a.archive)
		case r.URL.Path == "/plugin.zip.sig" && a.sig != nil:
			w.Write(a.sig)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(a.srv.Close)
	return a
}

func (a *artifactServer) set(archive, sig []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.archive, a.sig = archive, sig
}

func (a *artifactServer) url() string { return a.srv.URL + "/plugin.zip" }

func pluginZip(t *testing.T, p pluginDef) []byte {
	t.Helper()
	if len(p.types) == 0 {
		p.types = []plugins.PluginType{plugins.TypeAuth}
	}
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, data := range map[string][]byte{
		plugins.ManifestFile:      []byte(p.manifest()),
		plugins.DefaultModuleFile: wasmtest.Responder(authOutput, "authenticate"),
	} {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

type signer struct {
	id   string
	priv ed25519.PrivateKey
	keys *integrity.KeySet
}

func newSigner(t *testing.T) *signer {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	keys := integrity.NewKeySet()
	require.NoError(t, keys.Add("release", pub))
	return &signer{id: "release", priv: priv, keys: keys}
}

func (s *signer) sign(payload []byte) []byte {
	sig := &integrity.Signature{
		Algorithm: integrity.AlgorithmEd25519,
		Value:     ed25519.Sign(s.priv, payload),
		KeyID:     s.id,
	}
	return []byte(sig.Format())
}

func signedHost(t *testing.T, s *signer) *Host {
	t.Helper()
	cfg := testConfig(t)
	cfg.Security.RequireSignatures = true
	return newHost(t, cfg, WithTrustedKeys(s.keys))
}

func TestInstall_RequiredSignatureMissing(t *testing.T) {
	s := newSigner(t)
	h := signedHost(t, s)
	art := newArtifactServer(t, pluginZip(t, pluginDef{id: "zipped", version: "1.0.0"}))

	_, err := h.Install(context.Background(), art.url(), InstallOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, plugins.ErrMissingSignature))
	assert.Empty(t, h.List())

	stats, err := h.CacheStats()
	require.NoError(t, err)
	assert.Equal(t, 0, stats.DownloadEntries)
}

func TestInstall_NoVerifyBypassesRequiredSignature(t *testing.T) {
	s := newSigner(t)
	h := signedHost(t, s)
	art := newArtifactServer(t, pluginZip(t, pluginDef{id: "zipped", version: "1.0.0"}))

	res, err := h.Install(context.Background(), art.url(), InstallOptions{NoVerify: true})
	require.NoError(t, err)
	assert.True(t, res.Installed)
	assert.Equal(t, plugins.StateReady, res.Instance.State())
}

func TestInstall_LocalSourceExemptFromRequiredSignature(t *testing.T) {
	s := newSigner(t)
	h := signedHost(t, s)
	dir := writePlugin(t, pluginDef{id: "local", version: "1.0.0"})

	res, err := h.Install(context.Background(), dir, InstallOptions{})
	require.NoError(t, err)
	assert.True(t, res.Installed)
}

func TestInstall_ArchiveSignatureCoversManifest(t *testing.T) {
	s := newSigner(t)
	archive := pluginZip(t, pluginDef{id: "zipped", version: "1.0.0"})
	art := newArtifactServer(t, archive)
	art.set(archive, s.sign(archive))

	h := signedHost(t, s)
	res, err := h.Install(context.Background(), art.url(), InstallOptions{})
	require.NoError(t, err)
	assert.Equal(t, integrity.Checksum(archive), res.Instance.Checksum)

	// Same module, same signature, manifest now asks for a huge sandbox.
	rewritten := pluginZip(t, pluginDef{id: "zipped", version: "1.0.0", memory: 128 << 20, concurrency: 1})
	art.set(rewritten, s.sign(archive))

	other := signedHost(t, s)
	_, err = other.Install(context.Background(), art.url(), InstallOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, plugins.ErrSignatureInvalid))
	assert.Empty(t, other.List())
}

func TestInstall_DirectorySignatureCoversManifest(t *testing.T) {
	s := newSigner(t)
	dir := writePlugin(t, pluginDef{id: "signed", version: "1.0.0"})
	manifest, err := os.ReadFile(filepath.Join(dir, plugins.ManifestFile))
	require.NoError(t, err)
	module, err := os.ReadFile(filepath.Join(dir, plugins.DefaultModuleFile))
	require.NoError(t, err)
	sigPath := filepath.Join(dir, integrity.BundleSignatureFile)
	require.NoError(t, os.WriteFile(sigPath, s.sign(integrity.BundleDigest(manifest, module)), 0o644))

	h := newHost(t, testConfig(t), WithTrustedKeys(s.keys))
	_, err = h.Install(context.Background(), dir, InstallOptions{})
	require.NoError(t, err)

	tampered := append([]byte{}, manifest...)
	tampered = append(tampered, "description: now with more reach\n"...)
	require.NoError(t, os.WriteFile(filepath.Join(dir, plugins.ManifestFile), tampered, 0o644))

	other := newHost(t, testConfig(t), WithTrustedKeys(s.keys))
	_, err = other.Install(context.Background(), dir, InstallOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, plugins.ErrSignatureInvalid))
}

func TestUpdate_ReplaysInstallOptions(t *testing.T) {
	s := newSigner(t)
	h := signedHost(t, s)
	art := newArtifactServer(t, pluginZip(t, pluginDef{id: "zipped", version: "1.0.0"}))

	_, err := h.Install(context.Background(), art.url(), InstallOptions{NoVerify: true})
	require.NoError(t, err)

	art.set(pluginZip(t, pluginDef{id: "zipped", version: "1.1.0"}), nil)
	res, err := h.Update(context.Background(), "zipped")
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", res.Instance.Version())
	assert.Equal(t, "1.0.0", res.Previous)

	rec, err := h.store.Get(context.Background(), "zipped")
	require.NoError(t, err)
	assert.True(t, rec.NoVerify)
}

func TestUpdate_KeepsPinnedChecksum(t *testing.T) {
	h := newHost(t, testConfig(t))
	archive := pluginZip(t, pluginDef{id: "zipped", version: "1.0.0"})
	art := newArtifactServer(t, archive)

	_, err := h.Install(context.Background(), art.url(), InstallOptions{Checksum: integrity.Checksum(archive)})
	require.NoError(t, err)

	art.set(pluginZip(t, pluginDef{id: "zipped", version: "1.1.0"}), nil)
	_, err = h.Update(context.Background(), "zipped")
	require.Error(t, err)
	assert.True(t, errors.Is(err, plugins.ErrChecksumMismatch))

	inst, ok := h.registry.Get("zipped")
	require.True(t, ok)
	assert.Equal(t, "1.0.0", inst.Version())
}
