package plugins

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ParseManifest decodes a plugin manifest. Unknown keys are rejected.
func ParseManifest(data []byte) (*Manifest, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var manifest Manifest
	if err := dec.Decode(&manifest); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, NewError(ErrValidation, "", "manifest is empty")
		}
		return nil, WrapError(ErrValidation, "", err, "failed to parse manifest")
	}
	return &manifest, nil
}

// LoadManifest loads and parses a plugin manifest from a file
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, WrapError(ErrValidation, "", err, "manifest %s not found", path)
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return ParseManifest(data)
}

// LoadManifestFromDir loads a plugin manifest from a directory (looks for plugin.yaml)
func LoadManifestFromDir(dir string) (*Manifest, error) {
	return LoadManifest(filepath.Join(dir, ManifestFile))
}

// SaveManifest saves a plugin manifest to a file
func SaveManifest(manifest *Manifest, path string) error {
	data, err := yaml.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}

	return nil
}

// FindPluginRoot returns dir if it holds a manifest, or its single
// subdirectory when an archive wrapped everything in one top-level folder.
func FindPluginRoot(dir string) (string, error) {
	if _, err := os.Stat(filepath.Join(dir, ManifestFile)); err == nil {
		return dir, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("failed to read plugin directory: %w", err)
	}

	var subdirs []string
	for _, e := range entries {
		if e.IsDir() && e.Name() != "__MACOSX" {
			subdirs = append(subdirs, e.Name())
		}
	}
	if len(subdirs) == 1 {
		candidate := filepath.Join(dir, subdirs[0])
		if _, err := os.Stat(filepath.Join(candidate, ManifestFile)); err == nil {
			return candidate, nil
		}
	}

	return "", NewError(ErrValidation, "", "no %s found in %s", ManifestFile, dir)
}
