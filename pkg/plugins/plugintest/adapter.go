// Package plugintest provides a scriptable plugins.Adapter for tests.
package plugintest

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/platinummonkey/plughost/pkg/plugins"
)

// Adapter records calls and answers with canned values. Zero values
// answer every call successfully with empty results.
type Adapter struct {
	Kind plugins.RuntimeKind

	Auth     *plugins.AuthResult
	Template json.RawMessage
	Response *plugins.ResponseData
	Data     *plugins.DataResult
	Err      error
	Health   error

	// Block, when set, is waited on by every call before it answers.
	Block chan struct{}

	calls  atomic.Int32
	closed atomic.Int32

	mu       sync.Mutex
	contexts []plugins.PluginContext
}

var _ plugins.Adapter = (*Adapter)(nil)

// Calls is the number of typed calls served.
func (a *Adapter) Calls() int { return int(a.calls.Load()) }

// Closed is the number of times Close was called.
func (a *Adapter) Closed() int { return int(a.closed.Load()) }

// Contexts returns the plugin contexts seen, in call order.
func (a *Adapter) Contexts() []plugins.PluginContext {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]plugins.PluginContext(nil), a.contexts...)
}

func (a *Adapter) enter(ctx context.Context, pctx plugins.PluginContext) error {
	a.calls.Add(1)
	a.mu.Lock()
	a.contexts = append(a.contexts, pctx)
	a.mu.Unlock()
	if a.Block != nil {
		select {
		case <-a.Block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return a.Err
}

func (a *Adapter) Runtime() plugins.RuntimeKind {
	if a.Kind == "" {
		return plugins.RuntimeWasm
	}
	return a.Kind
}

func (a *Adapter) Authenticate(ctx context.Context, pctx plugins.PluginContext, req plugins.AuthRequest) (*plugins.AuthResult, error) {
	if err := a.enter(ctx, pctx); err != nil {
		return nil, err
	}
	if a.Auth == nil {
		return &plugins.AuthResult{}, nil
	}
	return a.Auth, nil
}

func (a *Adapter) TemplateFunction(ctx context.Context, pctx plugins.PluginContext, name string, args []interface{}) (json.RawMessage, error) {
	if err := a.enter(ctx, pctx); err != nil {
		return nil, err
	}
	if a.Template == nil {
		return json.RawMessage("null"), nil
	}
	return a.Template, nil
}

func (a *Adapter) GenerateResponse(ctx context.Context, pctx plugins.PluginContext, req plugins.ResponseRequest) (*plugins.ResponseData, error) {
	if err := a.enter(ctx, pctx); err != nil {
		return nil, err
	}
	if a.Response == nil {
		return &plugins.ResponseData{StatusCode: 200}, nil
	}
	return a.Response, nil
}

func (a *Adapter) ModifyResponse(ctx context.Context, pctx plugins.PluginContext, req plugins.ResponseRequest, resp plugins.ResponseData) (*plugins.ResponseData, error) {
	if err := a.enter(ctx, pctx); err != nil {
		return nil, err
	}
	if a.Response == nil {
		return &resp, nil
	}
	return a.Response, nil
}

func (a *Adapter) QueryDataSource(ctx context.Context, pctx plugins.PluginContext, query plugins.DataQuery) (*plugins.DataResult, error) {
	if err := a.enter(ctx, pctx); err != nil {
		return nil, err
	}
	if a.Data == nil {
		return &plugins.DataResult{Rows: []map[string]interface{}{}}, nil
	}
	return a.Data, nil
}

func (a *Adapter) HealthCheck(ctx context.Context) error {
	return a.Health
}

func (a *Adapter) Close(ctx context.Context) error {
	a.closed.Add(1)
	return nil
}

// Manifest returns a minimal valid manifest declaring types.
func Manifest(id, version string, types ...plugins.PluginType) *plugins.Manifest {
	return &plugins.Manifest{ID: id, Version: version, Name: id, Types: types}
}
