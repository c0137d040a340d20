package source

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/platinummonkey/plughost/pkg/plugins"
)

// Format is an artifact encoding.
type Format string

const (
	FormatWasm  Format = "wasm"
	FormatZip   Format = "zip"
	FormatTarGz Format = "tar.gz"
)

var (
	wasmMagic = []byte{0x00, 'a', 's', 'm'}
	zipMagic  = []byte{'P', 'K', 0x03, 0x04}
	gzipMagic = []byte{0x1f, 0x8b}
)

// DetectFormat sniffs the artifact header, falling back to the name suffix.
func DetectFormat(path string) (Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	head := make([]byte, 4)
	n, _ := io.ReadFull(f, head)
	head = head[:n]

	switch {
	case bytes.HasPrefix(head, wasmMagic):
		return FormatWasm, nil
	case bytes.HasPrefix(head, zipMagic):
		return FormatZip, nil
	case bytes.HasPrefix(head, gzipMagic):
		return FormatTarGz, nil
	}

	name := strings.ToLower(path)
	switch {
	case strings.HasSuffix(name, ".wasm"):
		return FormatWasm, nil
	case strings.HasSuffix(name, ".zip"):
		return FormatZip, nil
	case strings.HasSuffix(name, ".tar.gz"), strings.HasSuffix(name, ".tgz"):
		return FormatTarGz, nil
	}
	return "", fmt.Errorf("unrecognised artifact format")
}

// IsArchivePath reports whether a local path names a single-file artifact.
func IsArchivePath(path string) bool {
	name := strings.ToLower(path)
	for _, suffix := range []string{".wasm", ".zip", ".tar.gz", ".tgz"} {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

// extractor unpacks an artifact into destDir. maxBytes bounds the total
// extracted size.
type extractor struct {
	maxBytes int64
	written  int64
}

// Extract unpacks artifactPath into destDir. A raw module is copied to
// destDir/moduleName.
func Extract(artifactPath, destDir, moduleName string, maxBytes int64) error {
	format, err := DetectFormat(artifactPath)
	if err != nil {
		return plugins.WrapError(plugins.ErrInvalidSource, "", err, "cannot extract %s", filepath.Base(artifactPath))
	}

	x := &extractor{maxBytes: maxBytes}
	switch format {
	case FormatWasm:
		err = x.copyFile(artifactPath, filepath.Join(destDir, moduleName))
	case FormatZip:
		err = x.extractZip(artifactPath, destDir)
	case FormatTarGz:
		err = x.extractTarGz(artifactPath, destDir)
	}
	if err != nil {
		var pe *plugins.Error
		if errors.As(err, &pe) {
			return err
		}
		return plugins.WrapError(plugins.ErrInvalidSource, "", err, "failed to extract %s archive", format)
	}
	return nil
}

// safeJoin resolves name under destDir and rejects entries that escape it.
func safeJoin(destDir, name string) (string, error) {
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("archive entry %q is absolute", name)
	}
	target := filepath.Join(destDir, name)
	rel, err := filepath.Rel(destDir, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("archive entry %q escapes the destination", name)
	}
	return target, nil
}

func (x *extractor) write(dest string, r io.Reader, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm()|0600)
	if err != nil {
		return err
	}
	defer out.Close()

	limit := x.maxBytes - x.written
	if x.maxBytes <= 0 {
		limit = 1<<62 - 1
	}
	n, err := io.Copy(out, io.LimitReader(r, limit+1))
	x.written += n
	if err != nil {
		return err
	}
	if x.maxBytes > 0 && x.written > x.maxBytes {
		return plugins.NewError(plugins.ErrSizeExceeded, "", "extracted content exceeds %d bytes", x.maxBytes)
	}
	return nil
}

func (x *extractor) copyFile(src, dest string) error {
	return x.copyFileMode(src, dest, 0644)
}

func (x *extractor) extractZip(archivePath, destDir string) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return err
	}
	defer r.Close()

	for _, f := range r.File {
		target, err := safeJoin(destDir, f.Name)
		if err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
			continue
		}
		if !f.Mode().IsRegular() {
			continue // Skip symlinks and devices
		}

		rc, err := f.Open()
		if err != nil {
			return err
		}
		err = x.write(target, rc, f.Mode())
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func (x *extractor) extractTarGz(archivePath, destDir string) error {
	file, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer file.Close()

	gzReader, err := gzip.NewReader(file)
	if err != nil {
		return err
	}
	defer gzReader.Close()

	tarReader := tar.NewReader(gzReader)
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		target, err := safeJoin(destDir, header.Name)
		if err != nil {
			return err
		}
		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := x.write(target, tarReader, os.FileMode(header.Mode)); err != nil {
				return err
			}
		}
	}
	return nil
}

// CopyTree copies a plugin directory, skipping VCS metadata.
func CopyTree(src, dest string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if d.IsDir() && d.Name() == ".git" {
			return filepath.SkipDir
		}
		target := filepath.Join(dest, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		x := &extractor{}
		return x.copyFileMode(path, target, info.Mode())
	})
}

func (x *extractor) copyFileMode(src, dest string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	return x.write(dest, in, mode)
}
