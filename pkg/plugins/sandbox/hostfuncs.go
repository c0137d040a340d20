package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/platinummonkey/plughost/pkg/plugins"
)

func access(a plugins.Access) *plugins.Access { return &a }

// hostImports lists the functions of the host module and the capability
// each requires. A nil access means always linked.
var hostImports = map[string]*plugins.Access{
	"log":          nil,
	"http_request": access(plugins.AccessHTTP),
	"fs_read":      access(plugins.AccessRead),
	"fs_write":     access(plugins.AccessWrite),
}

// Log levels passed to the log host function.
const (
	LogDebug uint32 = iota
	LogInfo
	LogWarn
	LogError
)

// hostResult is the envelope written back to the guest.
type hostResult struct {
	OK    bool        `json:"ok"`
	Data  interface{} `json:"data,omitempty"`
	Error string      `json:"error,omitempty"`
}

// HTTPRequest is the guest's outbound request.
type HTTPRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// HTTPResponse is returned to the guest for a granted request.
type HTTPResponse struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body"`
}

// FileRequest is the guest's fs_read or fs_write argument.
type FileRequest struct {
	Path    string `json:"path"`
	Content string `json:"content,omitempty"`
	Append  bool   `json:"append,omitempty"`
}

type hostFuncs struct {
	pluginID string
	gate     *plugins.Gate
	client   *http.Client
	logger   *logrus.Logger
	onDenied DenyFunc
	maxBytes int64
}

// instantiate links the host module, exporting only granted functions.
func (h *hostFuncs) instantiate(ctx context.Context, rt wazero.Runtime) error {
	b := rt.NewHostModuleBuilder(HostModule)
	b.NewFunctionBuilder().WithFunc(h.log).Export("log")
	if h.gate.Grants(plugins.AccessHTTP) {
		b.NewFunctionBuilder().WithFunc(h.httpRequest).Export("http_request")
	}
	if h.gate.Grants(plugins.AccessRead) {
		b.NewFunctionBuilder().WithFunc(h.fsRead).Export("fs_read")
	}
	if h.gate.Grants(plugins.AccessWrite) {
		b.NewFunctionBuilder().WithFunc(h.fsWrite).Export("fs_write")
	}
	_, err := b.Instantiate(ctx)
	return err
}

func instantiateWASI(ctx context.Context, rt wazero.Runtime) error {
	_, err := wasi_snapshot_preview1.Instantiate(ctx, rt)
	return err
}

func (h *hostFuncs) log(_ context.Context, mod api.Module, level, ptr, length uint32) {
	msg, ok := mod.Memory().Read(ptr, length)
	if !ok {
		return
	}
	entry := h.logger.WithField("plugin", h.pluginID)
	switch level {
	case LogDebug:
		entry.Debug(string(msg))
	case LogWarn:
		entry.Warn(string(msg))
	case LogError:
		entry.Error(string(msg))
	default:
		entry.Info(string(msg))
	}
}

func (h *hostFuncs) httpRequest(ctx context.Context, mod api.Module, ptr, length uint32) uint64 {
	var req HTTPRequest
	if err := h.readJSON(mod, ptr, length, &req); err != nil {
		return h.reply(ctx, mod, hostResult{Error: err.Error()})
	}
	if err := h.gate.CheckURL(req.URL); err != nil {
		return h.deny(ctx, mod, plugins.AccessHTTP, err)
	}

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, strings.NewReader(req.Body))
	if err != nil {
		return h.reply(ctx, mod, hostResult{Error: err.Error()})
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	client := *h.client
	client.CheckRedirect = func(r *http.Request, via []*http.Request) error {
		if len(via) >= 5 {
			return fmt.Errorf("stopped after 5 redirects")
		}
		return h.gate.CheckURL(r.URL.String())
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return h.reply(ctx, mod, hostResult{Error: err.Error()})
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBytes))
	if err != nil {
		return h.reply(ctx, mod, hostResult{Error: err.Error()})
	}
	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	return h.reply(ctx, mod, hostResult{OK: true, Data: HTTPResponse{
		Status:  resp.StatusCode,
		Headers: headers,
		Body:    string(body),
	}})
}

func (h *hostFuncs) fsRead(ctx context.Context, mod api.Module, ptr, length uint32) uint64 {
	var req FileRequest
	if err := h.readJSON(mod, ptr, length, &req); err != nil {
		return h.reply(ctx, mod, hostResult{Error: err.Error()})
	}
	path, err := h.gate.CheckPath(plugins.AccessRead, req.Path)
	if err != nil {
		return h.deny(ctx, mod, plugins.AccessRead, err)
	}

	f, err := os.Open(path)
	if err != nil {
		return h.reply(ctx, mod, hostResult{Error: err.Error()})
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, h.maxBytes))
	if err != nil {
		return h.reply(ctx, mod, hostResult{Error: err.Error()})
	}
	return h.reply(ctx, mod, hostResult{OK: true, Data: string(data)})
}

func (h *hostFuncs) fsWrite(ctx context.Context, mod api.Module, ptr, length uint32) uint64 {
	var req FileRequest
	if err := h.readJSON(mod, ptr, length, &req); err != nil {
		return h.reply(ctx, mod, hostResult{Error: err.Error()})
	}
	path, err := h.gate.CheckPath(plugins.AccessWrite, req.Path)
	if err != nil {
		return h.deny(ctx, mod, plugins.AccessWrite, err)
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if req.Append {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return h.reply(ctx, mod, hostResult{Error: err.Error()})
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return h.reply(ctx, mod, hostResult{Error: err.Error()})
	}
	defer f.Close()
	n, err := f.WriteString(req.Content)
	if err != nil {
		return h.reply(ctx, mod, hostResult{Error: err.Error()})
	}
	return h.reply(ctx, mod, hostResult{OK: true, Data: n})
}

func (h *hostFuncs) deny(ctx context.Context, mod api.Module, a plugins.Access, err error) uint64 {
	h.onDenied(h.pluginID, a)
	h.logger.WithFields(logrus.Fields{
		"plugin": h.pluginID,
		"access": a.String(),
	}).WithError(err).Warn("Denied host call")
	return h.reply(ctx, mod, hostResult{Error: err.Error()})
}

func (h *hostFuncs) readJSON(mod api.Module, ptr, length uint32, v interface{}) error {
	data, ok := mod.Memory().Read(ptr, length)
	if !ok {
		return fmt.Errorf("argument out of bounds")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("malformed argument: %w", err)
	}
	return nil
}

// reply writes res into guest memory and returns the packed pointer, or 0
// when the guest cannot take it.
func (h *hostFuncs) reply(ctx context.Context, mod api.Module, res hostResult) uint64 {
	data, err := json.Marshal(res)
	if err != nil {
		return 0
	}
	ptr, err := writeGuest(ctx, mod, data)
	if err != nil {
		return 0
	}
	return pack(ptr, uint32(len(data)))
}
