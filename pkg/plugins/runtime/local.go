package runtime

import (
	"context"
	"encoding/json"

	"github.com/platinummonkey/plughost/pkg/plugins"
	"github.com/platinummonkey/plughost/pkg/plugins/sandbox"
)

// LocalAdapter runs a plugin in the WASM sandbox.
type LocalAdapter struct {
	typedCalls
	manifest *plugins.Manifest
	module   *sandbox.Module
}

var _ plugins.Adapter = (*LocalAdapter)(nil)

// NewLocalAdapter wraps a bound sandbox module.
func NewLocalAdapter(module *sandbox.Module) *LocalAdapter {
	a := &LocalAdapter{manifest: module.Manifest(), module: module}
	a.typedCalls = typedCalls{pluginID: a.manifest.ID, inv: a}
	return a
}

// Runtime reports the wasm runtime.
func (a *LocalAdapter) Runtime() plugins.RuntimeKind {
	return plugins.RuntimeWasm
}

func (a *LocalAdapter) invoke(ctx context.Context, v verb, payload interface{}) (json.RawMessage, error) {
	if !a.manifest.HasType(v.Type) {
		return nil, plugins.NewError(plugins.ErrBinding, a.manifest.ID, "plugin does not implement %s", v.Type)
	}
	input, err := json.Marshal(payload)
	if err != nil {
		return nil, plugins.WrapError(plugins.ErrExecutionFailed, a.manifest.ID, err, "failed to encode %s input", v.Type)
	}
	out, err := a.module.Call(ctx, v.Export, input)
	if err != nil {
		return nil, err
	}
	return decodeResult(a.manifest.ID, out)
}

// HealthCheck succeeds while the module is loaded.
func (a *LocalAdapter) HealthCheck(ctx context.Context) error {
	return nil
}

// Close releases the sandbox instance pool.
func (a *LocalAdapter) Close(ctx context.Context) error {
	return a.module.Close(ctx)
}
