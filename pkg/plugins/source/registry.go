package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/plughost/pkg/plugins"
)

// Release is one resolvable plugin version in a registry.
type Release struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	DownloadURL string `json:"download_url"`
	Checksum    string `json:"checksum"`
	Yanked      bool   `json:"yanked,omitempty"`
}

// RegistryClient resolves registry names to download urls.
type RegistryClient struct {
	baseURL string
	client  *http.Client
	cache   *expirable.LRU[string, *Release]
	logger  *logrus.Logger
}

// NewRegistryClient creates a client for the registry at baseURL.
func NewRegistryClient(baseURL string, client *http.Client, logger *logrus.Logger) *RegistryClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &RegistryClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		cache:   expirable.NewLRU[string, *Release](256, nil, 5*time.Minute),
		logger:  logger,
	}
}

// Resolve finds the release for name at version, or the latest non-yanked
// release when version is empty.
func (r *RegistryClient) Resolve(ctx context.Context, name, version string) (*Release, error) {
	if r.baseURL == "" {
		return nil, plugins.NewError(plugins.ErrInvalidSource, "", "no plugin registry configured for %q", name)
	}

	key := name + "@" + version
	if rel, ok := r.cache.Get(key); ok {
		return rel, nil
	}

	endpoint := fmt.Sprintf("%s/api/v1/plugins/%s", r.baseURL, url.PathEscape(name))
	if version != "" {
		endpoint = fmt.Sprintf("%s/versions/%s", endpoint, url.PathEscape(version))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, plugins.WrapError(plugins.ErrInvalidSource, "", err, "invalid registry url")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, plugins.WrapError(plugins.ErrNetwork, "", err, "registry lookup for %s failed", key)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, plugins.NewError(plugins.ErrSourceNotFound, "", "plugin %s not found in registry", key)
	case resp.StatusCode != http.StatusOK:
		return nil, plugins.NewError(plugins.ErrNetwork, "", "registry returned HTTP %d for %s", resp.StatusCode, key)
	}

	var rel Release
	if err := json.NewDecoder(resp.Body).Decode(&rel); err != nil {
		return nil, plugins.WrapError(plugins.ErrNetwork, "", err, "malformed registry response for %s", key)
	}
	if rel.Yanked && version == "" {
		return nil, plugins.NewError(plugins.ErrSourceNotFound, "", "latest release of %s is yanked", name)
	}
	if rel.DownloadURL == "" {
		return nil, plugins.NewError(plugins.ErrSourceNotFound, "", "registry release %s has no download url", key)
	}
	if rel.Name == "" {
		rel.Name = name
	}

	r.cache.Add(key, &rel)
	r.logger.WithFields(logrus.Fields{
		"plugin":  name,
		"version": rel.Version,
	}).Debug("Resolved plugin from registry")
	return &rel, nil
}
