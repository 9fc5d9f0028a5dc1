package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fullstorydev/grpcurl"
	"github.com/jhump/protoreflect/grpcreflect"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/reflection/grpc_reflection_v1alpha"

	"github.com/markus-lassfolk/celldata/pkg/logx"
	"github.com/markus-lassfolk/celldata/pkg/service"
)

// Client calls the cellular data service through server reflection, the
// way grpcurl does
type Client struct {
	target  string
	authKey string
	timeout time.Duration
	logger  *logx.Logger

	conn   *grpc.ClientConn
	refl   *grpcreflect.Client
	source grpcurl.DescriptorSource
}

// NewClient creates a client for target (host:port)
func NewClient(target, authKey string, timeout time.Duration, logger *logx.Logger) *Client {
	return &Client{target: target, authKey: authKey, timeout: timeout, logger: logger}
}

// Connect dials the server. Extra options are appended to the insecure
// transport credentials.
func (c *Client) Connect(ctx context.Context, opts ...grpc.DialOption) error {
	dialOpts := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.DialContext(ctx, c.target, dialOpts...)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.target, err)
	}
	c.conn = conn
	c.refl = grpcreflect.NewClient(context.Background(), grpc_reflection_v1alpha.NewServerReflectionClient(conn))
	c.source = grpcurl.DescriptorSourceFromServer(ctx, c.refl)
	return nil
}

// Close releases the connection
func (c *Client) Close() error {
	if c.refl != nil {
		c.refl.Reset()
	}
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Methods lists the methods the server offers
func (c *Client) Methods() ([]string, error) {
	if c.source == nil {
		return nil, fmt.Errorf("client not connected")
	}
	methods, err := grpcurl.ListMethods(c.source, ServiceName)
	if err != nil {
		return nil, fmt.Errorf("failed to list methods: %w", err)
	}
	out := make([]string, 0, len(methods))
	for _, m := range methods {
		out = append(out, strings.TrimPrefix(m, ServiceName+"."))
	}
	return out, nil
}

// Call invokes method with params and returns the response fields. A
// non-zero code in the response is returned as the matching service error.
func (c *Client) Call(ctx context.Context, method string, params map[string]interface{}) (map[string]interface{}, error) {
	if c.conn == nil {
		return nil, fmt.Errorf("client not connected")
	}
	if params == nil {
		params = map[string]interface{}{}
	}
	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to encode parameters: %w", err)
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	resolver := grpcurl.AnyResolverFromDescriptorSource(c.source)
	parser := grpcurl.NewJSONRequestParser(strings.NewReader(string(body)), resolver)

	var out strings.Builder
	handler := &grpcurl.DefaultEventHandler{
		Out:            &out,
		Formatter:      grpcurl.NewJSONFormatter(false, resolver),
		VerbosityLevel: 0,
	}

	var headers []string
	if c.authKey != "" {
		headers = append(headers, AuthHeader+": "+c.authKey)
	}
	if err := grpcurl.InvokeRPC(ctx, c.source, c.conn, ServiceName+"/"+method, headers, handler, parser.Next); err != nil {
		return nil, fmt.Errorf("%s failed: %w", method, err)
	}
	if handler.Status != nil && handler.Status.Err() != nil {
		return nil, fmt.Errorf("%s failed: %w", method, handler.Status.Err())
	}

	resp := map[string]interface{}{}
	if err := json.Unmarshal([]byte(out.String()), &resp); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", method, err)
	}
	c.logger.Debug("ipc response", "method", method, "response", resp)

	code, _ := resp["code"].(float64)
	if code != 0 {
		msg, _ := resp["message"].(string)
		return resp, fmt.Errorf("%w: %s", service.ErrorOf(service.Code(code)), msg)
	}
	return resp, nil
}
