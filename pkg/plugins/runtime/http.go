package runtime

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/plughost/pkg/plugins"
)

const (
	// RequestIDHeader correlates a remote call with its response.
	RequestIDHeader = "X-Request-ID"
	apiKeyHeader    = "X-API-Key"

	maxResponseBytes = 16 << 20
)

type httpTransport struct {
	pluginID string
	endpoint string
	auth     *plugins.RemoteAuth
	client   *http.Client
	logger   *logrus.Logger
}

func newHTTPTransport(pluginID string, cfg *plugins.RemoteConfig, maxConns int, logger *logrus.Logger) (*httpTransport, error) {
	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		return nil, fmt.Errorf("endpoint %q must be an http(s) url", cfg.Endpoint)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConns = maxConns
	transport.MaxIdleConnsPerHost = maxConns
	transport.MaxConnsPerHost = maxConns
	transport.IdleConnTimeout = 90 * time.Second

	return &httpTransport{
		pluginID: pluginID,
		endpoint: endpoint,
		auth:     cfg.Auth,
		client:   &http.Client{Transport: otelhttp.NewTransport(transport)},
		logger:   logger,
	}, nil
}

func (t *httpTransport) authorize(req *http.Request) {
	if t.auth == nil || t.auth.Value == "" {
		return
	}
	switch t.auth.Type {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+t.auth.Value)
	case "api_key":
		req.Header.Set(apiKeyHeader, t.auth.Value)
	}
}

func (t *httpTransport) call(ctx context.Context, v verb, body []byte, requestID string) ([]byte, error) {
	url := t.endpoint + "/plugin/" + v.Path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &attemptError{err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(RequestIDHeader, requestID)
	t.authorize(req)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, &attemptError{err: err, transport: true}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &attemptError{err: err, transport: true, observed: true, status: resp.StatusCode}
	}

	if echoed := resp.Header.Get(RequestIDHeader); echoed != "" && echoed != requestID {
		return nil, plugins.NewError(plugins.ErrExecutionFailed, t.pluginID,
			"response correlates to request %s, expected %s", echoed, requestID)
	} else if echoed == "" {
		t.logger.WithFields(logrus.Fields{
			"plugin":     t.pluginID,
			"request_id": requestID,
		}).Debug("Remote plugin did not echo request id")
	}

	if resp.StatusCode >= 500 {
		return nil, &attemptError{
			err:      fmt.Errorf("HTTP %d: %s", resp.StatusCode, snippet(data)),
			observed: true,
			status:   resp.StatusCode,
		}
	}
	if resp.StatusCode != http.StatusOK {
		// A plugin-level error envelope is reported as such.
		if gjson.ValidBytes(data) && gjson.GetBytes(data, "success").Exists() {
			if _, derr := decodeResult(t.pluginID, data); derr != nil {
				return nil, derr
			}
		}
		return nil, &attemptError{
			err:      fmt.Errorf("HTTP %d: %s", resp.StatusCode, snippet(data)),
			observed: true,
			status:   resp.StatusCode,
		}
	}
	return data, nil
}

func (t *httpTransport) health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.endpoint+"/health", nil)
	if err != nil {
		return err
	}
	t.authorize(req)
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health endpoint returned HTTP %d", resp.StatusCode)
	}
	return nil
}

func (t *httpTransport) close() error {
	t.client.CloseIdleConnections()
	return nil
}

func snippet(data []byte) string {
	s := strings.TrimSpace(string(data))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
