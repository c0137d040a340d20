// Package dispatch routes typed plugin calls from protocol servers to the
// registered instance that serves them.
package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/plughost/pkg/observability"
	"github.com/platinummonkey/plughost/pkg/plugins"
	"github.com/platinummonkey/plughost/pkg/plugins/registry"
)

const tracerName = "github.com/platinummonkey/plughost/pkg/plugins/dispatch"

// Options configures a Dispatcher. Every field is optional.
type Options struct {
	Logger      *logrus.Logger
	Metrics     *observability.Metrics
	OTelMetrics *observability.OTelMetrics
	Tracer      trace.Tracer
}

// Dispatcher resolves a plugin for each call and invokes its adapter.
// Adapter errors are returned untouched; degradation policy belongs to the
// caller.
type Dispatcher struct {
	registry    *registry.Registry
	logger      *logrus.Logger
	metrics     *observability.Metrics
	otelMetrics *observability.OTelMetrics
	tracer      trace.Tracer
}

// New creates a Dispatcher over reg.
func New(reg *registry.Registry, opts Options) *Dispatcher {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}
	return &Dispatcher{
		registry:    reg,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		otelMetrics: opts.OTelMetrics,
		tracer:      opts.Tracer,
	}
}

// Resolve returns the instance serving t. An empty id selects the first
// registered instance of that type, preferring Ready over Failed.
func (d *Dispatcher) Resolve(id string, t plugins.PluginType) (*registry.Instance, error) {
	if id == "" {
		inst, ok := d.registry.FirstOfType(t)
		if !ok {
			return nil, plugins.NewError(plugins.ErrPluginNotFound, "", "no plugin serves type %s", t)
		}
		return inst, nil
	}

	inst, ok := d.registry.Get(id)
	if !ok {
		return nil, plugins.NewError(plugins.ErrPluginNotFound, id, "not installed")
	}
	switch inst.State() {
	case plugins.StateLoading:
		return nil, plugins.NewError(plugins.ErrPluginNotFound, id, "plugin is still loading")
	case plugins.StateUnloading:
		return nil, plugins.NewError(plugins.ErrPluginNotFound, id, "plugin is unloading")
	}
	if !inst.Manifest.HasType(t) {
		return nil, plugins.NewError(plugins.ErrBinding, id, "plugin does not implement %s", t)
	}
	return inst, nil
}

// enter registers a call against inst. If inst started draining after it
// was resolved and the registry now serves a different instance, the call
// enters that one instead.
func (d *Dispatcher) enter(inst *registry.Instance, id string, t plugins.PluginType) (*registry.Instance, func(), error) {
	release, err := inst.Enter()
	if err == nil {
		return inst, release, nil
	}
	next, rerr := d.Resolve(id, t)
	if rerr != nil || next == inst {
		return inst, nil, err
	}
	release, err = next.Enter()
	if err != nil {
		return next, nil, err
	}
	return next, release, nil
}

// invoke resolves the plugin, guards the instance against closing and runs
// call inside a span with metrics.
func invoke[T any](ctx context.Context, d *Dispatcher, id string, t plugins.PluginType, pctx plugins.PluginContext,
	call func(context.Context, plugins.Adapter, plugins.PluginContext) (T, error)) (T, error) {

	var zero T
	if pctx.RequestID == "" {
		pctx.RequestID = uuid.NewString()
	}

	inst, err := d.Resolve(id, t)
	if err != nil {
		d.record(ctx, id, t, 0, err)
		return zero, err
	}
	inst, release, err := d.enter(inst, id, t)
	if err != nil {
		d.record(ctx, inst.ID(), t, 0, err)
		return zero, err
	}
	defer release()

	pctx = pctx.ForPlugin(inst.ID(), inst.Version())
	ctx = observability.WithRequestID(ctx, pctx.RequestID)

	ctx, span := d.tracer.Start(ctx, "plugin."+string(t),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("plugin.id", pctx.PluginID),
			attribute.String("plugin.version", pctx.PluginVersion),
			attribute.String("plugin.type", string(t)),
			attribute.String("plugin.runtime", string(inst.Adapter.Runtime())),
			attribute.String("request.id", pctx.RequestID),
		),
	)
	defer span.End()

	start := time.Now()
	out, err := call(ctx, inst.Adapter, pctx)
	elapsed := time.Since(start)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, plugins.Category(err))
		observability.FromContext(ctx, d.logger).WithFields(logrus.Fields{
			"plugin":   pctx.PluginID,
			"type":     t,
			"category": plugins.Category(err),
		}).WithError(err).Debug("Plugin call failed")
	}
	d.record(ctx, pctx.PluginID, t, elapsed, err)
	return out, err
}

func (d *Dispatcher) record(ctx context.Context, id string, t plugins.PluginType, elapsed time.Duration, err error) {
	category := ""
	if err != nil {
		category = plugins.Category(err)
	}
	if id == "" {
		id = "unresolved"
	}
	if d.metrics != nil {
		d.metrics.ObserveCall(id, string(t), elapsed, category)
	}
	if d.otelMetrics != nil {
		d.otelMetrics.RecordCall(ctx, id, string(t), elapsed, category)
	}
}

// Authenticate calls an auth plugin.
func (d *Dispatcher) Authenticate(ctx context.Context, id string, pctx plugins.PluginContext, req plugins.AuthRequest) (*plugins.AuthResult, error) {
	return invoke(ctx, d, id, plugins.TypeAuth, pctx,
		func(ctx context.Context, a plugins.Adapter, pctx plugins.PluginContext) (*plugins.AuthResult, error) {
			return a.Authenticate(ctx, pctx, req)
		})
}

// TemplateFunction calls a named template function.
func (d *Dispatcher) TemplateFunction(ctx context.Context, id string, pctx plugins.PluginContext, name string, args []interface{}) (json.RawMessage, error) {
	return invoke(ctx, d, id, plugins.TypeTemplate, pctx,
		func(ctx context.Context, a plugins.Adapter, pctx plugins.PluginContext) (json.RawMessage, error) {
			return a.TemplateFunction(ctx, pctx, name, args)
		})
}

// GenerateResponse asks a response plugin to answer req.
func (d *Dispatcher) GenerateResponse(ctx context.Context, id string, pctx plugins.PluginContext, req plugins.ResponseRequest) (*plugins.ResponseData, error) {
	return invoke(ctx, d, id, plugins.TypeResponse, pctx,
		func(ctx context.Context, a plugins.Adapter, pctx plugins.PluginContext) (*plugins.ResponseData, error) {
			return a.GenerateResponse(ctx, pctx, req)
		})
}

// ModifyResponse passes resp through a response modifier.
func (d *Dispatcher) ModifyResponse(ctx context.Context, id string, pctx plugins.PluginContext, req plugins.ResponseRequest, resp plugins.ResponseData) (*plugins.ResponseData, error) {
	return invoke(ctx, d, id, plugins.TypeResponseModifier, pctx,
		func(ctx context.Context, a plugins.Adapter, pctx plugins.PluginContext) (*plugins.ResponseData, error) {
			return a.ModifyResponse(ctx, pctx, req, resp)
		})
}

// QueryDataSource runs query against a datasource plugin.
func (d *Dispatcher) QueryDataSource(ctx context.Context, id string, pctx plugins.PluginContext, query plugins.DataQuery) (*plugins.DataResult, error) {
	return invoke(ctx, d, id, plugins.TypeDataSource, pctx,
		func(ctx context.Context, a plugins.Adapter, pctx plugins.PluginContext) (*plugins.DataResult, error) {
			return a.QueryDataSource(ctx, pctx, query)
		})
}
