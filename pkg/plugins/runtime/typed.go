package runtime

import (
	"context"
	"encoding/json"

	"github.com/platinummonkey/plughost/pkg/plugins"
)

// invoker sends a JSON payload for one verb and returns the decoded result.
type invoker interface {
	invoke(ctx context.Context, v verb, payload interface{}) (json.RawMessage, error)
}

// typedCalls implements the typed half of plugins.Adapter over an invoker.
type typedCalls struct {
	pluginID string
	inv      invoker
}

func call[T any](ctx context.Context, t typedCalls, v verb, payload interface{}) (*T, error) {
	raw, err := t.inv.invoke(ctx, v, payload)
	if err != nil {
		return nil, err
	}
	var out T
	if err := unmarshalResult(t.pluginID, raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (t typedCalls) Authenticate(ctx context.Context, pctx plugins.PluginContext, req plugins.AuthRequest) (*plugins.AuthResult, error) {
	return call[plugins.AuthResult](ctx, t, verbAuthenticate, authPayload{Context: pctx, Request: req})
}

func (t typedCalls) TemplateFunction(ctx context.Context, pctx plugins.PluginContext, name string, args []interface{}) (json.RawMessage, error) {
	if args == nil {
		args = []interface{}{}
	}
	return t.inv.invoke(ctx, verbTemplate, templatePayload{Context: pctx, Function: name, Args: args})
}

func (t typedCalls) GenerateResponse(ctx context.Context, pctx plugins.PluginContext, req plugins.ResponseRequest) (*plugins.ResponseData, error) {
	return call[plugins.ResponseData](ctx, t, verbGenerate, responsePayload{Context: pctx, Request: req})
}

func (t typedCalls) ModifyResponse(ctx context.Context, pctx plugins.PluginContext, req plugins.ResponseRequest, resp plugins.ResponseData) (*plugins.ResponseData, error) {
	return call[plugins.ResponseData](ctx, t, verbModify, modifyPayload{Context: pctx, Request: req, Response: resp})
}

func (t typedCalls) QueryDataSource(ctx context.Context, pctx plugins.PluginContext, query plugins.DataQuery) (*plugins.DataResult, error) {
	return call[plugins.DataResult](ctx, t, verbQuery, queryPayload{Context: pctx, Query: query})
}
