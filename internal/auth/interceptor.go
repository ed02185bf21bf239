// ABOUTME: gRPC stream interceptor authenticating workers attaching to their agent
// ABOUTME: Extracts the bearer token from metadata and populates context for handlers

package auth

import (
	"context"
	"log/slog"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// logAuthFailure logs an authentication failure with structured context.
func logAuthFailure(ctx context.Context, logger *slog.Logger, reason string, attrs ...any) {
	if logger == nil {
		return
	}
	baseAttrs := []any{"reason", reason}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		baseAttrs = append(baseAttrs, "peer_addr", p.Addr.String())
	}
	baseAttrs = append(baseAttrs, attrs...)
	logger.Warn("auth failure", baseAttrs...)
}

// StreamInterceptor returns a gRPC stream interceptor that authenticates workers.
func StreamInterceptor(tokens TokenVerifier, logger *slog.Logger) grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		id, err := extractAuth(ss.Context(), tokens, logger)
		if err != nil {
			return err
		}

		wrapped := &wrappedServerStream{
			ServerStream: ss,
			ctx:          WithWorker(ss.Context(), id),
		}
		return handler(srv, wrapped)
	}
}

// wrappedServerStream wraps a grpc.ServerStream with a custom context.
type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

// Context returns the wrapped context.
func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}

func extractAuth(ctx context.Context, tokens TokenVerifier, logger *slog.Logger) (WorkerIdentity, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		logAuthFailure(ctx, logger, "missing metadata")
		return WorkerIdentity{}, status.Error(codes.Unauthenticated, "missing metadata")
	}

	values := md.Get("authorization")
	if len(values) == 0 {
		logAuthFailure(ctx, logger, "missing authorization header")
		return WorkerIdentity{}, status.Error(codes.Unauthenticated, "missing authorization header")
	}

	token, found := strings.CutPrefix(values[0], "Bearer ")
	if !found || token == "" {
		logAuthFailure(ctx, logger, "malformed authorization header")
		return WorkerIdentity{}, status.Error(codes.Unauthenticated, "malformed authorization header")
	}

	id, err := tokens.Verify(token)
	if err != nil {
		logAuthFailure(ctx, logger, "invalid token", "error", err)
		return WorkerIdentity{}, status.Error(codes.Unauthenticated, "invalid token")
	}
	return id, nil
}

// BearerCredentials attaches a worker token to every RPC of a client connection.
type BearerCredentials string

// GetRequestMetadata implements credentials.PerRPCCredentials.
func (c BearerCredentials) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + string(c)}, nil
}

// RequireTransportSecurity implements credentials.PerRPCCredentials.
// Workers attach over loopback, so plaintext is allowed.
func (c BearerCredentials) RequireTransportSecurity() bool {
	return false
}
