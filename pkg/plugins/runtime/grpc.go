package runtime

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/platinummonkey/plughost/pkg/plugins"
)

const requestIDMetadata = "x-request-id"

// grpcTransport calls PluginService methods with structpb.Struct messages
// carrying the same JSON documents as the HTTP protocol.
type grpcTransport struct {
	pluginID string
	conn     *grpc.ClientConn
	auth     *plugins.RemoteAuth
	checker  healthpb.HealthClient
}

// parseGRPCEndpoint accepts host:port, grpc://host:port (plaintext) or
// grpcs://host:port (TLS).
func parseGRPCEndpoint(endpoint string) (target string, secure bool) {
	switch {
	case strings.HasPrefix(endpoint, "grpcs://"):
		return strings.TrimPrefix(endpoint, "grpcs://"), true
	case strings.HasPrefix(endpoint, "grpc://"):
		return strings.TrimPrefix(endpoint, "grpc://"), false
	default:
		return endpoint, false
	}
}

func newGRPCTransport(pluginID string, cfg *plugins.RemoteConfig) (*grpcTransport, error) {
	target, secure := parseGRPCEndpoint(cfg.Endpoint)
	if target == "" {
		return nil, fmt.Errorf("empty gRPC endpoint")
	}

	creds := insecure.NewCredentials()
	if secure {
		creds = credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, err
	}
	return &grpcTransport{
		pluginID: pluginID,
		conn:     conn,
		auth:     cfg.Auth,
		checker:  healthpb.NewHealthClient(conn),
	}, nil
}

func (t *grpcTransport) outgoing(ctx context.Context, requestID string) context.Context {
	pairs := []string{}
	if requestID != "" {
		pairs = append(pairs, requestIDMetadata, requestID)
	}
	if t.auth != nil && t.auth.Value != "" {
		switch t.auth.Type {
		case "bearer":
			pairs = append(pairs, "authorization", "Bearer "+t.auth.Value)
		case "api_key":
			pairs = append(pairs, "x-api-key", t.auth.Value)
		}
	}
	if len(pairs) == 0 {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, pairs...)
}

func (t *grpcTransport) call(ctx context.Context, v verb, body []byte, requestID string) ([]byte, error) {
	var fields map[string]interface{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, &attemptError{err: err}
	}
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, &attemptError{err: fmt.Errorf("request is not representable as a struct: %w", err)}
	}

	out := &structpb.Struct{}
	var header metadata.MD
	err = t.conn.Invoke(t.outgoing(ctx, requestID), v.FullMethod(), in, out, grpc.Header(&header))
	if err != nil {
		return nil, grpcAttemptError(err)
	}

	if echoed := header.Get(requestIDMetadata); len(echoed) > 0 && echoed[0] != requestID {
		return nil, plugins.NewError(plugins.ErrExecutionFailed, t.pluginID,
			"response correlates to request %s, expected %s", echoed[0], requestID)
	}

	data, err := json.Marshal(out.AsMap())
	if err != nil {
		return nil, &attemptError{err: err, observed: true}
	}
	return data, nil
}

func grpcAttemptError(err error) *attemptError {
	st, _ := status.FromError(err)
	switch st.Code() {
	case codes.Unavailable:
		return &attemptError{err: err, transport: true}
	case codes.Internal, codes.Unknown, codes.ResourceExhausted, codes.Aborted:
		return &attemptError{err: err, observed: true, status: 500}
	default:
		return &attemptError{err: err, observed: true, status: 400}
	}
}

func (t *grpcTransport) health(ctx context.Context) error {
	resp, err := t.checker.Check(t.outgoing(ctx, ""), &healthpb.HealthCheckRequest{Service: GRPCService})
	if err != nil {
		return err
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("service is %s", resp.GetStatus())
	}
	return nil
}

func (t *grpcTransport) close() error {
	return t.conn.Close()
}
