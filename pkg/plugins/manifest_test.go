package plugins

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleManifest = `
id: jwt-auth
version: 1.2.0
name: JWT Auth
description: Validates bearer tokens
author:
  name: Mock Team
types: [auth, template]
capabilities:
  network:
    allow_http_outbound: true
    allowed_hosts: ["*.example.com", "issuer.test"]
  filesystem:
    allow_read: true
    allowed_paths: ["/etc/plughost"]
  resources:
    max_memory_bytes: 20971520
    max_cpu_time_ms: 500
dependencies:
  - id: base-crypto
    version: ">= 1.0, < 2.0"
  - id: metrics
    optional: true
config_schema:
  issuer:
    type: string
    required: true
`

// TestParseManifest tests decoding a complete manifest
func TestParseManifest(t *testing.T) {
	m, err := ParseManifest([]byte(sampleManifest))
	require.NoError(t, err)

	assert.Equal(t, "jwt-auth", m.ID)
	assert.Equal(t, "1.2.0", m.Version)
	assert.Equal(t, []PluginType{TypeAuth, TypeTemplate}, m.Types)
	assert.Equal(t, RuntimeWasm, m.RuntimeKind())
	assert.Equal(t, DefaultModuleFile, m.ModuleFile())
	assert.True(t, m.Capabilities.Network.AllowHTTPOutbound)
	assert.Equal(t, []string{"*.example.com", "issuer.test"}, m.Capabilities.Network.AllowedHosts)
	assert.Equal(t, int64(20971520), m.Capabilities.Resources.MaxMemoryBytes)
	assert.Equal(t, int64(500), m.Capabilities.Resources.MaxCPUTimeMs)
	require.Len(t, m.Dependencies, 2)
	assert.True(t, m.Dependencies[1].Optional)
	assert.True(t, m.ConfigSchema["issuer"].Required)
	assert.True(t, m.HasType(TypeAuth))
	assert.False(t, m.HasType(TypeDataSource))
}

// TestParseManifest_UnknownField tests that misspelled keys are rejected
func TestParseManifest_UnknownField(t *testing.T) {
	_, err := ParseManifest([]byte("id: x\nversion: 1.0.0\ntypes: [auth]\ncapabilites: {}\n"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))
}

// TestParseManifest_Empty tests an empty manifest document
func TestParseManifest_Empty(t *testing.T) {
	_, err := ParseManifest(nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))
}

// TestLoadManifest_RoundTrip tests SaveManifest followed by LoadManifestFromDir
func TestLoadManifest_RoundTrip(t *testing.T) {
	tmpDir := t.TempDir()
	manifest := &Manifest{
		ID:      "remote-ds",
		Version: "0.3.1",
		Name:    "Remote Datasource",
		Types:   []PluginType{TypeDataSource},
		Runtime: RuntimeRemote,
		Remote: &RemoteConfig{
			Protocol: ProtocolHTTP,
			Endpoint: "http://localhost:9000",
			Auth:     &RemoteAuth{Type: "bearer", Value: "secret"},
		},
	}
	require.NoError(t, SaveManifest(manifest, filepath.Join(tmpDir, ManifestFile)))

	loaded, err := LoadManifestFromDir(tmpDir)
	require.NoError(t, err)
	assert.Equal(t, manifest.ID, loaded.ID)
	assert.Equal(t, RuntimeRemote, loaded.RuntimeKind())
	require.NotNil(t, loaded.Remote)
	assert.Equal(t, "secret", loaded.Remote.Auth.Value)
}

// TestLoadManifest_NonexistentFile tests loading from a non-existent file
func TestLoadManifest_NonexistentFile(t *testing.T) {
	loaded, err := LoadManifest("/nonexistent/path/plugin.yaml")
	assert.Error(t, err)
	assert.Nil(t, loaded)
	assert.True(t, errors.Is(err, ErrValidation))
}

// TestFindPluginRoot tests locating the manifest at the root or one level down
func TestFindPluginRoot(t *testing.T) {
	t.Run("root", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFile), []byte("id: a"), 0644))

		root, err := FindPluginRoot(dir)
		require.NoError(t, err)
		assert.Equal(t, dir, root)
	})

	t.Run("single subdirectory", func(t *testing.T) {
		dir := t.TempDir()
		sub := filepath.Join(dir, "my-plugin-1.0.0")
		require.NoError(t, os.MkdirAll(sub, 0755))
		require.NoError(t, os.WriteFile(filepath.Join(sub, ManifestFile), []byte("id: a"), 0644))

		root, err := FindPluginRoot(dir)
		require.NoError(t, err)
		assert.Equal(t, sub, root)
	})

	t.Run("missing", func(t *testing.T) {
		_, err := FindPluginRoot(t.TempDir())
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrValidation))
	})
}
