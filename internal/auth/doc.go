// Package auth authenticates worker processes attaching to their agent.
//
// # Worker Tokens
//
// When an agent spawns a worker it issues an HS256 JWT whose subject is the
// worker's address and whose role claim is the worker type, and hands it to
// the process through its environment. The secret comes from
// workers.token_secret and must be at least MinSecretLength bytes.
//
// # gRPC Interceptor
//
// The worker presents the token as "authorization: Bearer <token>" metadata
// (see BearerCredentials). StreamInterceptor verifies it and stores the
// WorkerIdentity in the stream context:
//
//	grpc.NewServer(grpc.StreamInterceptor(auth.StreamInterceptor(verifier, logger)))
//	id, ok := auth.FromContext(stream.Context())
package auth
