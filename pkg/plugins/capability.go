package plugins

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// Access is the kind of effect a host function is about to perform.
type Access int

const (
	AccessHTTP Access = iota
	AccessRead
	AccessWrite
)

func (a Access) String() string {
	switch a {
	case AccessHTTP:
		return "http"
	case AccessRead:
		return "fs-read"
	case AccessWrite:
		return "fs-write"
	default:
		return "unknown"
	}
}

// Gate is consulted by every effectful host function before it acts. It is
// built once per instance from the declared capabilities and is safe for
// concurrent use.
type Gate struct {
	pluginID string
	caps     Capabilities
	roots    []string
}

// NewGate resolves the allowed filesystem roots once so later checks compare
// canonical paths. Roots that do not exist yet are kept in cleaned form.
func NewGate(pluginID string, caps Capabilities) *Gate {
	g := &Gate{pluginID: pluginID, caps: caps}
	for _, p := range caps.Filesystem.AllowedPaths {
		if !filepath.IsAbs(p) {
			continue
		}
		g.roots = append(g.roots, canonical(p))
	}
	return g
}

// Grants reports whether the capability class is enabled at all. Host
// functions for classes that are not granted are never linked.
func (g *Gate) Grants(a Access) bool {
	switch a {
	case AccessHTTP:
		return g.caps.Network.AllowHTTPOutbound
	case AccessRead:
		return g.caps.Filesystem.AllowRead
	case AccessWrite:
		return g.caps.Filesystem.AllowWrite
	default:
		return false
	}
}

// CheckURL authorises an outbound HTTP request to rawURL.
func (g *Gate) CheckURL(rawURL string) error {
	if !g.Grants(AccessHTTP) {
		return g.deny("outbound HTTP is not permitted")
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return g.deny("malformed URL %q", rawURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return g.deny("scheme %q is not permitted", u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	for _, pattern := range g.caps.Network.AllowedHosts {
		if MatchHost(pattern, host) {
			return nil
		}
	}
	return g.deny("host %q is not in allowed_hosts", host)
}

// CheckPath authorises a filesystem access and returns the canonical path to
// use. Symlinks are resolved before the containment check, so a link inside
// an allowed root that points outside it is rejected.
func (g *Gate) CheckPath(a Access, path string) (string, error) {
	if a != AccessRead && a != AccessWrite {
		return "", g.deny("unsupported access %s", a)
	}
	if !g.Grants(a) {
		return "", g.deny("%s is not permitted", a)
	}
	if !filepath.IsAbs(path) {
		return "", g.deny("path %q must be absolute", path)
	}

	resolved := canonical(path)
	for _, root := range g.roots {
		if within(root, resolved) {
			return resolved, nil
		}
	}
	return "", g.deny("path %q is outside allowed_paths", path)
}

func (g *Gate) deny(format string, args ...interface{}) error {
	return NewError(ErrCapabilityDenied, g.pluginID, format, args...)
}

// MatchHost matches host against an exact pattern or a "*." suffix
// wildcard. "*.example.com" matches "api.example.com" and
// "a.b.example.com" but not "example.com".
func MatchHost(pattern, host string) bool {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if suffix, ok := strings.CutPrefix(pattern, "*."); ok {
		return strings.HasSuffix(host, "."+suffix)
	}
	return host == pattern
}

// canonical resolves symlinks on the longest existing prefix of path and
// re-appends the remainder, so paths to files that do not exist yet still
// resolve through linked parent directories.
func canonical(path string) string {
	clean := filepath.Clean(path)
	var rest []string
	cur := clean
	for {
		if resolved, err := filepath.EvalSymlinks(cur); err == nil {
			parts := append([]string{resolved}, rest...)
			return filepath.Join(parts...)
		} else if !os.IsNotExist(err) {
			return clean
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return clean
		}
		rest = append([]string{filepath.Base(cur)}, rest...)
		cur = parent
	}
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// String summarises the granted capabilities for logs and CLI output.
func (c Capabilities) String() string {
	var parts []string
	if c.Network.AllowHTTPOutbound {
		parts = append(parts, fmt.Sprintf("http%v", c.Network.AllowedHosts))
	}
	if c.Filesystem.AllowRead {
		parts = append(parts, "fs-read")
	}
	if c.Filesystem.AllowWrite {
		parts = append(parts, "fs-write")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ",")
}
