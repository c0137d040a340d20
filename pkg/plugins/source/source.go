package source

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/platinummonkey/plughost/pkg/plugins"
)

// Kind identifies where a plugin comes from.
type Kind string

const (
	KindURL      Kind = "url"
	KindGit      Kind = "git"
	KindLocal    Kind = "local"
	KindRegistry Kind = "registry"
	KindS3       Kind = "s3"
)

// RefKind classifies a git ref.
type RefKind string

const (
	RefDefault RefKind = "default"
	RefBranch  RefKind = "branch"
	RefTag     RefKind = "tag"
	RefCommit  RefKind = "commit"
)

// GitRef is a branch, tag or commit to check out.
type GitRef struct {
	Kind  RefKind
	Value string
}

func (r GitRef) String() string {
	if r.Kind == RefDefault || r.Value == "" {
		return "HEAD"
	}
	return r.Value
}

// Source is a parsed plugin source. Only the fields relevant to Kind are set.
type Source struct {
	Kind Kind
	Raw  string

	// URL, S3 and git
	URL string

	// git
	Ref    GitRef
	Subdir string

	// local
	Path string

	// registry
	Name    string
	Version string
}

func (s Source) String() string {
	return s.Raw
}

var (
	commitPattern = regexp.MustCompile(`^[0-9a-fA-F]{40}$`)
	tagPattern    = regexp.MustCompile(`^v[0-9]`)
	namePattern   = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)
)

// Parse classifies a raw source string.
func Parse(raw string) (Source, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Source{}, plugins.NewError(plugins.ErrInvalidSource, "", "source is empty")
	}

	switch {
	case strings.HasPrefix(raw, "git@"), strings.HasPrefix(raw, "ssh://"), strings.HasPrefix(raw, "git://"):
		return parseGit(raw)
	case strings.HasPrefix(raw, "https://"), strings.HasPrefix(raw, "http://"):
		if looksLikeGit(raw) {
			return parseGit(raw)
		}
		return Source{Kind: KindURL, Raw: raw, URL: raw}, nil
	case strings.HasPrefix(raw, "s3://"):
		if _, _, err := ParseS3URL(raw); err != nil {
			return Source{}, err
		}
		return Source{Kind: KindS3, Raw: raw, URL: raw}, nil
	case strings.HasPrefix(raw, "file://"):
		return Source{Kind: KindLocal, Raw: raw, Path: strings.TrimPrefix(raw, "file://")}, nil
	}

	if strings.ContainsAny(raw, `/\`) || strings.HasPrefix(raw, ".") || exists(raw) {
		return Source{Kind: KindLocal, Raw: raw, Path: raw}, nil
	}

	name, version, _ := strings.Cut(raw, "@")
	if !namePattern.MatchString(name) {
		return Source{}, plugins.NewError(plugins.ErrInvalidSource, "", "unrecognised source %q", raw)
	}
	return Source{Kind: KindRegistry, Raw: raw, Name: name, Version: version}, nil
}

func looksLikeGit(raw string) bool {
	u, _, _ := strings.Cut(raw, "#")
	return strings.Contains(u, ".git") ||
		strings.Contains(u, "github.com/") ||
		strings.Contains(u, "gitlab.com/")
}

// parseGit splits url[#ref][:subdir].
func parseGit(raw string) (Source, error) {
	src := Source{Kind: KindGit, Raw: raw, Ref: GitRef{Kind: RefDefault}}

	repo, fragment, hasFragment := strings.Cut(raw, "#")
	src.URL = repo
	if hasFragment {
		ref, subdir, _ := strings.Cut(fragment, ":")
		src.Subdir = strings.Trim(subdir, "/")
		switch {
		case ref == "":
		case commitPattern.MatchString(ref):
			src.Ref = GitRef{Kind: RefCommit, Value: strings.ToLower(ref)}
		case tagPattern.MatchString(ref):
			src.Ref = GitRef{Kind: RefTag, Value: ref}
		default:
			src.Ref = GitRef{Kind: RefBranch, Value: ref}
		}
	}

	if src.URL == "" {
		return Source{}, plugins.NewError(plugins.ErrInvalidSource, "", "git source %q has no repository", raw)
	}
	if strings.Contains(src.Subdir, "..") {
		return Source{}, plugins.NewError(plugins.ErrInvalidSource, "", "git subdirectory %q escapes the repository", src.Subdir)
	}
	return src, nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Identity is the cache identity of a source.
func (s Source) Identity() string {
	switch s.Kind {
	case KindGit:
		return fmt.Sprintf("%s@%s", s.URL, s.Ref)
	case KindRegistry:
		return fmt.Sprintf("registry:%s@%s", s.Name, s.Version)
	default:
		return s.Raw
	}
}
