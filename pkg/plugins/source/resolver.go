package source

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/platinummonkey/plughost/pkg/plugins"
	"github.com/platinummonkey/plughost/pkg/plugins/cache"
)

// extractRatio bounds extracted content relative to the download ceiling.
const extractRatio = 4

// Options adjusts one resolution.
type Options struct {
	// ExpectedChecksum pins the artifact digest. It takes precedence over a
	// registry-supplied checksum and is part of the download cache key.
	ExpectedChecksum string
	// Refresh bypasses cached entries and replaces them on Commit.
	Refresh bool
}

// Resolved is a plugin tree on local disk, ready for verification. Callers
// must call Release, and Commit once the plugin has been accepted.
type Resolved struct {
	Source Source
	// Dir holds plugin.yaml.
	Dir string
	// ArtifactPath is the raw downloaded or local archive, empty for
	// directories and git checkouts.
	ArtifactPath string
	// SignaturePath is a detached signature fetched alongside a URL artifact.
	SignaturePath string
	// ExpectedChecksum is the user- or registry-supplied digest.
	ExpectedChecksum string
	CacheKey         string
	FromCache        bool

	mu        sync.Mutex
	cache     *cache.Cache
	kind      cache.Kind
	staging   *cache.Staging
	cacheable bool
	refresh   bool
	entry     cache.Entry
	done      bool
}

// Commit promotes a staged download or clone into the cache.
func (r *Resolved) Commit(checksum string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return nil
	}
	r.done = true

	if r.staging == nil {
		return nil
	}
	if !r.cacheable {
		return r.staging.Discard()
	}
	if r.refresh {
		if err := r.cache.Remove(r.kind, r.CacheKey); err != nil {
			return fmt.Errorf("failed to replace cache entry: %w", err)
		}
	}
	entry := r.entry
	entry.Checksum = checksum
	if _, err := r.staging.Promote(entry); err != nil {
		return err
	}
	return nil
}

// Release discards anything staged and not committed.
func (r *Resolved) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return
	}
	r.done = true
	if r.staging != nil {
		r.staging.Discard()
	}
}

// fetcher retrieves one remote object into a local file.
type fetcher interface {
	Fetch(ctx context.Context, location, dest string) (int64, error)
	FetchOptional(ctx context.Context, location, dest string) (bool, error)
}

// Resolver turns a source string into a local plugin tree.
type Resolver struct {
	cache      *cache.Cache
	downloader *Downloader
	s3         *S3Fetcher
	git        *Git
	registry   *RegistryClient
	logger     *logrus.Logger
	lookups    singleflight.Group
}

// NewResolver wires a resolver. registry may be nil to disable registry
// sources.
func NewResolver(c *cache.Cache, d *Downloader, g *Git, registry *RegistryClient, logger *logrus.Logger) *Resolver {
	if logger == nil {
		logger = logrus.New()
	}
	return &Resolver{cache: c, downloader: d, git: g, registry: registry, logger: logger}
}

// UseS3 enables s3:// sources, including registry releases published to S3.
func (r *Resolver) UseS3(f *S3Fetcher) {
	r.s3 = f
}

func (r *Resolver) fetcherFor(location string) (fetcher, error) {
	if strings.HasPrefix(location, "s3://") {
		if r.s3 == nil {
			return nil, plugins.NewError(plugins.ErrInvalidSource, "", "s3 sources are disabled")
		}
		return r.s3, nil
	}
	return r.downloader, nil
}

// Resolve parses raw and materializes the plugin it names.
func (r *Resolver) Resolve(ctx context.Context, raw string, opts Options) (*Resolved, error) {
	src, err := Parse(raw)
	if err != nil {
		return nil, err
	}

	var res *Resolved
	switch src.Kind {
	case KindURL, KindS3:
		res, err = r.resolveURL(ctx, src, src.URL, opts.ExpectedChecksum, opts)
	case KindRegistry:
		res, err = r.resolveRegistry(ctx, src, opts)
	case KindGit:
		res, err = r.resolveGit(ctx, src, opts)
	case KindLocal:
		res, err = r.resolveLocal(src)
	default:
		err = plugins.NewError(plugins.ErrInvalidSource, "", "unsupported source kind %q", src.Kind)
	}
	if err != nil {
		return nil, err
	}

	if opts.ExpectedChecksum != "" {
		res.ExpectedChecksum = opts.ExpectedChecksum
	}

	root, err := plugins.FindPluginRoot(res.Dir)
	if err != nil {
		res.Release()
		return nil, err
	}
	res.Dir = root
	return res, nil
}

func (r *Resolver) resolveRegistry(ctx context.Context, src Source, opts Options) (*Resolved, error) {
	if r.registry == nil {
		return nil, plugins.NewError(plugins.ErrInvalidSource, "", "registry sources are disabled")
	}
	v, err, _ := r.lookups.Do(src.Identity(), func() (interface{}, error) {
		return r.registry.Resolve(ctx, src.Name, src.Version)
	})
	if err != nil {
		return nil, err
	}
	rel := v.(*Release)

	expected := opts.ExpectedChecksum
	if expected == "" {
		expected = rel.Checksum
	}
	src.URL = rel.DownloadURL
	if src.Version == "" {
		src.Version = rel.Version
	}
	return r.resolveURL(ctx, src, rel.DownloadURL, expected, opts)
}

func (r *Resolver) resolveURL(ctx context.Context, src Source, url, expected string, opts Options) (*Resolved, error) {
	key := cache.Key(url, expected)
	res := &Resolved{
		Source:           src,
		ExpectedChecksum: expected,
		CacheKey:         key,
		cache:            r.cache,
		kind:             cache.KindDownload,
		cacheable:        true,
		refresh:          opts.Refresh,
		entry:            cache.Entry{Key: key, Source: url},
	}

	if !opts.Refresh {
		if entry, err := r.cache.Lookup(cache.KindDownload, key); err == nil && entry.HasArtifact() {
			r.logger.WithField("source", url).Debug("Using cached download")
			res.Dir = entry.ContentDir()
			res.ArtifactPath = entry.ArtifactPath()
			if _, err := os.Stat(entry.SignaturePath()); err == nil {
				res.SignaturePath = entry.SignaturePath()
			}
			res.FromCache = true
			res.done = true
			return res, nil
		}
	}

	staging, err := r.cache.Stage(cache.KindDownload)
	if err != nil {
		return nil, err
	}
	res.staging = staging
	res.Dir = staging.ContentDir()
	res.ArtifactPath = staging.ArtifactPath()

	if err := r.download(ctx, url, staging); err != nil {
		res.Release()
		return nil, err
	}
	if _, err := os.Stat(staging.SignaturePath()); err == nil {
		res.SignaturePath = staging.SignaturePath()
	}
	return res, nil
}

func (r *Resolver) download(ctx context.Context, url string, staging *cache.Staging) error {
	f, err := r.fetcherFor(url)
	if err != nil {
		return err
	}
	if _, err := f.Fetch(ctx, url, staging.ArtifactPath()); err != nil {
		return err
	}
	if _, err := f.FetchOptional(ctx, url+".sig", staging.SignaturePath()); err != nil {
		r.logger.WithError(err).WithField("source", url).Warn("Failed to fetch detached signature")
	}

	format, err := DetectFormat(staging.ArtifactPath())
	if err != nil {
		return plugins.WrapError(plugins.ErrInvalidSource, "", err, "cannot use %s", url)
	}
	if format != FormatWasm {
		return Extract(staging.ArtifactPath(), staging.ContentDir(), plugins.DefaultModuleFile, r.extractLimit())
	}

	// A bare module needs its manifest published next to it.
	manifestURL := siblingURL(url, plugins.ManifestFile)
	manifestPath := filepath.Join(staging.ContentDir(), plugins.ManifestFile)
	found, err := f.FetchOptional(ctx, manifestURL, manifestPath)
	if err != nil {
		return err
	}
	if !found {
		return plugins.NewError(plugins.ErrSourceNotFound, "", "no %s published next to %s", plugins.ManifestFile, url)
	}
	return r.placeModule(staging.ArtifactPath(), staging.ContentDir(), manifestPath)
}

// placeModule copies a bare module to the file name its manifest expects.
func (r *Resolver) placeModule(modulePath, destDir, manifestPath string) error {
	module := plugins.DefaultModuleFile
	if m, err := plugins.LoadManifest(manifestPath); err == nil {
		module = m.ModuleFile()
	}
	if strings.ContainsAny(module, `/\`) {
		return plugins.NewError(plugins.ErrValidation, "", "module %q must be a file name", module)
	}
	return Extract(modulePath, destDir, module, r.extractLimit())
}

func (r *Resolver) resolveGit(ctx context.Context, src Source, opts Options) (*Resolved, error) {
	key := cache.Key(src.URL, src.Ref.String())
	res := &Resolved{
		Source:    src,
		CacheKey:  key,
		cache:     r.cache,
		kind:      cache.KindGit,
		cacheable: true,
		refresh:   opts.Refresh,
		entry:     cache.Entry{Key: key, Source: src.URL, Ref: src.Ref.String()},
	}

	if !opts.Refresh {
		if entry, err := r.cache.Lookup(cache.KindGit, key); err == nil {
			r.logger.WithField("source", src.Raw).Debug("Using cached clone")
			res.FromCache = true
			res.done = true
			dir, err := subdir(entry.ContentDir(), src.Subdir)
			if err != nil {
				return nil, err
			}
			res.Dir = dir
			return res, nil
		}
	}

	staging, err := r.cache.Stage(cache.KindGit)
	if err != nil {
		return nil, err
	}
	res.staging = staging

	if err := r.git.Clone(ctx, src, staging.ContentDir()); err != nil {
		res.Release()
		return nil, err
	}
	dir, err := subdir(staging.ContentDir(), src.Subdir)
	if err != nil {
		res.Release()
		return nil, err
	}
	res.Dir = dir
	return res, nil
}

func subdir(root, sub string) (string, error) {
	if sub == "" {
		return root, nil
	}
	dir := filepath.Join(root, filepath.FromSlash(sub))
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return "", plugins.NewError(plugins.ErrSourceNotFound, "", "subdirectory %q not found in repository", sub)
	}
	return dir, nil
}

func (r *Resolver) resolveLocal(src Source) (*Resolved, error) {
	abs, err := filepath.Abs(src.Path)
	if err != nil {
		return nil, plugins.WrapError(plugins.ErrInvalidSource, "", err, "invalid path %q", src.Path)
	}
	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, plugins.NewError(plugins.ErrSourceNotFound, "", "path %s does not exist", abs)
		}
		return nil, plugins.WrapError(plugins.ErrInvalidSource, "", err, "cannot read %s", abs)
	}
	src.Path = abs

	if info.IsDir() {
		return &Resolved{Source: src, Dir: abs, done: true}, nil
	}
	if !IsArchivePath(abs) {
		return nil, plugins.NewError(plugins.ErrInvalidSource, "", "%s is not a plugin directory or archive", abs)
	}

	// Archives are unpacked into a staging dir that is never promoted.
	staging, err := r.cache.Stage(cache.KindDownload)
	if err != nil {
		return nil, err
	}
	res := &Resolved{
		Source:       src,
		Dir:          staging.ContentDir(),
		ArtifactPath: abs,
		staging:      staging,
	}
	if _, err := os.Stat(abs + ".sig"); err == nil {
		res.SignaturePath = abs + ".sig"
	}

	format, err := DetectFormat(abs)
	if err != nil {
		res.Release()
		return nil, plugins.WrapError(plugins.ErrInvalidSource, "", err, "cannot use %s", abs)
	}
	if format == FormatWasm {
		manifest := filepath.Join(filepath.Dir(abs), plugins.ManifestFile)
		if err := (&extractor{}).copyFile(manifest, filepath.Join(staging.ContentDir(), plugins.ManifestFile)); err != nil {
			res.Release()
			return nil, plugins.WrapError(plugins.ErrSourceNotFound, "", err, "no %s next to %s", plugins.ManifestFile, abs)
		}
		err = r.placeModule(abs, staging.ContentDir(), manifest)
	} else {
		err = Extract(abs, staging.ContentDir(), plugins.DefaultModuleFile, r.extractLimit())
	}
	if err != nil {
		res.Release()
		return nil, err
	}
	return res, nil
}

func (r *Resolver) extractLimit() int64 {
	if r.downloader == nil {
		return DefaultMaxBytes * extractRatio
	}
	return r.downloader.MaxBytes() * extractRatio
}

// siblingURL replaces the last path segment of raw with name.
func siblingURL(raw, name string) string {
	base, query, _ := strings.Cut(raw, "?")
	out := base[:strings.LastIndex(base, "/")+1] + name
	if query != "" {
		out += "?" + query
	}
	return out
}
