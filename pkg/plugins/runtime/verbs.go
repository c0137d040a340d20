// Package runtime provides the plugins.Adapter implementations: a local
// adapter over the WASM sandbox and a remote adapter speaking HTTP or gRPC.
package runtime

import (
	"encoding/json"

	"github.com/tidwall/gjson"

	"github.com/platinummonkey/plughost/pkg/plugins"
	"github.com/platinummonkey/plughost/pkg/plugins/sandbox"
)

// verb is one plugin operation and its names on each runtime.
type verb struct {
	Type       plugins.PluginType
	Export     string // WASM export
	Path       string // HTTP path under /plugin/
	Method     string // gRPC method name
	Idempotent bool
}

var (
	verbAuthenticate = verb{plugins.TypeAuth, sandbox.ExportFor(plugins.TypeAuth), "authenticate", "Authenticate", true}
	verbTemplate     = verb{plugins.TypeTemplate, sandbox.ExportFor(plugins.TypeTemplate), "template/execute", "TemplateFunction", true}
	verbGenerate     = verb{plugins.TypeResponse, sandbox.ExportFor(plugins.TypeResponse), "response/generate", "GenerateResponse", true}
	verbModify       = verb{plugins.TypeResponseModifier, sandbox.ExportFor(plugins.TypeResponseModifier), "response/modify", "ModifyResponse", false}
	verbQuery        = verb{plugins.TypeDataSource, sandbox.ExportFor(plugins.TypeDataSource), "datasource/query", "QueryDataSource", true}
)

// GRPCService is the fully-qualified service remote gRPC plugins implement.
const GRPCService = "plughost.plugin.v1.PluginService"

// FullMethod returns the gRPC method path for v.
func (v verb) FullMethod() string {
	return "/" + GRPCService + "/" + v.Method
}

// Request payloads. The context is always present; the remaining fields
// depend on the verb.
type authPayload struct {
	Context plugins.PluginContext `json:"context"`
	Request plugins.AuthRequest   `json:"request"`
}

type templatePayload struct {
	Context  plugins.PluginContext `json:"context"`
	Function string                `json:"function"`
	Args     []interface{}         `json:"args"`
}

type responsePayload struct {
	Context plugins.PluginContext   `json:"context"`
	Request plugins.ResponseRequest `json:"request"`
}

type modifyPayload struct {
	Context  plugins.PluginContext   `json:"context"`
	Request  plugins.ResponseRequest `json:"request"`
	Response plugins.ResponseData    `json:"response"`
}

type queryPayload struct {
	Context plugins.PluginContext `json:"context"`
	Query   plugins.DataQuery     `json:"query"`
}

// decodeResult unwraps a {success, result|error} envelope when present and
// returns the raw result otherwise.
func decodeResult(pluginID string, out []byte) (json.RawMessage, error) {
	if !gjson.ValidBytes(out) {
		return nil, plugins.NewError(plugins.ErrExecutionFailed, pluginID, "plugin returned invalid JSON")
	}

	success := gjson.GetBytes(out, "success")
	if !success.Exists() {
		return json.RawMessage(out), nil
	}
	if !success.Bool() {
		msg := gjson.GetBytes(out, "error").String()
		if msg == "" {
			msg = "plugin reported failure"
		}
		return nil, plugins.NewError(plugins.ErrExecutionFailed, pluginID, "%s", msg)
	}

	result := gjson.GetBytes(out, "result")
	if !result.Exists() {
		return json.RawMessage("null"), nil
	}
	return json.RawMessage(result.Raw), nil
}

// unmarshalResult decodes a verb's result into v.
func unmarshalResult(pluginID string, raw json.RawMessage, v interface{}) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return plugins.WrapError(plugins.ErrExecutionFailed, pluginID, err, "malformed plugin result")
	}
	return nil
}
