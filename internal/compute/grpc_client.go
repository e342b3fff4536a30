package compute

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// Metadata keys sent with every RPC.
const (
	MetadataAuthToken = "x-cluster-token"
	MetadataQueryID   = "x-query-id"
)

// DefaultRPCTimeout bounds an RPC whose context carries no deadline.
const DefaultRPCTimeout = 30 * time.Second

// DialOptions configures outbound connections.
type DialOptions struct {
	AuthToken string
	Timeout   time.Duration
}

func dial(address string) (*grpc.ClientConn, error) {
	EnsureGRPCJSONCodec()

	target, secure, err := grpcDialTarget(address)
	if err != nil {
		return nil, err
	}

	creds := insecure.NewCredentials()
	if secure {
		creds = credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	conn, err := grpc.NewClient(target,
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(JSONCodecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}
	return conn, nil
}

// grpcDialTarget accepts bare host:port addresses as well as grpc:// and
// grpcs:// URLs.
func grpcDialTarget(address string) (target string, secure bool, err error) {
	if !strings.Contains(address, "://") {
		if strings.TrimSpace(address) == "" {
			return "", false, fmt.Errorf("grpc address is required")
		}
		return address, false, nil
	}
	u, parseErr := url.Parse(address)
	if parseErr != nil {
		return "", false, fmt.Errorf("parse address: %w", parseErr)
	}

	scheme := strings.ToLower(strings.TrimSpace(u.Scheme))
	switch scheme {
	case "grpc", "grpcs":
		if u.Host == "" {
			return "", false, fmt.Errorf("grpc endpoint host is required")
		}
		return u.Host, scheme == "grpcs", nil
	default:
		return "", false, fmt.Errorf("grpc transport requires grpc:// or grpcs:// endpoint")
	}
}

func (o DialOptions) withMetadata(ctx context.Context, queryID string) context.Context {
	var pairs []string
	if o.AuthToken != "" {
		pairs = append(pairs, MetadataAuthToken, o.AuthToken)
	}
	if queryID != "" {
		pairs = append(pairs, MetadataQueryID, queryID)
	}
	if len(pairs) == 0 {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, pairs...)
}

func (o DialOptions) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	timeout := o.Timeout
	if timeout <= 0 {
		timeout = DefaultRPCTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

// MetadataValue returns the first value of key in the incoming metadata.
func MetadataValue(ctx context.Context, key string) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	values := md.Get(key)
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// Authorize checks the cluster token on an incoming RPC.
func Authorize(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	if MetadataValue(ctx, MetadataAuthToken) == token {
		return nil
	}
	return status.Error(codes.Unauthenticated, "unauthorized")
}
