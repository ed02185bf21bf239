// ABOUTME: gRPC service carrying envelopes between an agent and its workers
// ABOUTME: One bidirectional Attach stream per worker; messages are BytesValue-wrapped JSON envelopes

package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/2389/coven-sim/internal/address"
	"github.com/2389/coven-sim/internal/auth"
	"github.com/2389/coven-sim/internal/operation"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "coven.sim.WorkerLink"

	attachMethod = "/" + ServiceName + "/Attach"
)

// workerLinkServer is the server API for the WorkerLink service.
type workerLinkServer interface {
	Attach(stream grpc.ServerStream) error
}

func attachHandler(srv any, stream grpc.ServerStream) error {
	return srv.(workerLinkServer).Attach(stream)
}

// ServiceDesc describes the WorkerLink service for grpc.Server registration.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*workerLinkServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Attach",
			Handler:       attachHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "coven/sim/link.proto",
}

// msgStream is the part of grpc.ClientStream and grpc.ServerStream used here.
type msgStream interface {
	SendMsg(m any) error
	RecvMsg(m any) error
}

func sendEnvelope(stream msgStream, env *operation.Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	return stream.SendMsg(wrapperspb.Bytes(data))
}

func recvEnvelope(stream msgStream) (*operation.Envelope, error) {
	var frame wrapperspb.BytesValue
	if err := stream.RecvMsg(&frame); err != nil {
		return nil, err
	}
	return operation.UnmarshalEnvelope(frame.GetValue())
}

// Server accepts worker Attach streams and registers them with a Hub.
type Server struct {
	hub    *Hub
	logger *slog.Logger
	grpc   *grpc.Server
}

// NewServer creates a Server. When tokens is nil workers attach unauthenticated.
func NewServer(hub *Hub, tokens auth.TokenVerifier, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	var opts []grpc.ServerOption
	if tokens != nil {
		opts = append(opts, grpc.StreamInterceptor(auth.StreamInterceptor(tokens, logger)))
	}
	s := &Server{
		hub:    hub,
		logger: logger,
		grpc:   grpc.NewServer(opts...),
	}
	s.grpc.RegisterService(&ServiceDesc, s)
	return s
}

// Serve accepts workers on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("worker link listening", "addr", ln.Addr().String())
		errCh <- s.grpc.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		s.grpc.Stop()
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("worker link server: %w", err)
	}
}

// Attach handles one worker stream. The first envelope must register the worker.
func (s *Server) Attach(stream grpc.ServerStream) error {
	ctx := stream.Context()

	first, err := recvEnvelope(stream)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "reading registration: %v", err)
	}
	if first.Kind != operation.KindRegister {
		return status.Errorf(codes.InvalidArgument, "expected %s envelope, got %s", operation.KindRegister, first.Kind)
	}
	worker := first.Source
	if id, ok := auth.FromContext(ctx); ok && id.Address != worker {
		s.logger.Warn("worker registered under a foreign address", "token_address", id.Address, "registered", worker)
		return status.Errorf(codes.PermissionDenied, "token issued for %s, not %s", id.Address, worker)
	}

	var sendMu sync.Mutex
	detach, err := s.hub.Attach(worker, func(_ context.Context, env *operation.Envelope) error {
		sendMu.Lock()
		defer sendMu.Unlock()
		return sendEnvelope(stream, env)
	})
	if err != nil {
		return status.Error(codes.AlreadyExists, err.Error())
	}
	defer detach()

	for {
		env, err := recvEnvelope(stream)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil || status.Code(err) == codes.Canceled {
				return nil
			}
			s.logger.Warn("worker stream failed", "worker", worker, "error", err)
			return err
		}
		if err := s.hub.Receive(worker, env); err != nil {
			s.logger.Debug("inbound envelope rejected", "worker", worker, "correlation_id", env.ID, "error", err)
		}
	}
}

// Client is a worker's end of the link.
type Client struct {
	self   address.Address
	conn   *grpc.ClientConn
	stream grpc.ClientStream
	cancel context.CancelFunc
	logger *slog.Logger

	sendMu sync.Mutex
}

// Dial attaches worker self to the agent link at target, authenticating with token.
func Dial(ctx context.Context, target string, self address.Address, token string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	if token != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(auth.BearerCredentials(token)))
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("dialing agent link %s: %w", target, err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	stream, err := conn.NewStream(streamCtx, &ServiceDesc.Streams[0], attachMethod)
	if err != nil {
		cancel()
		_ = conn.Close()
		return nil, fmt.Errorf("opening attach stream: %w", err)
	}

	c := &Client{self: self, conn: conn, stream: stream, cancel: cancel, logger: logger}
	if err := c.Send(ctx, &operation.Envelope{Kind: operation.KindRegister, Source: self, Token: token}); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("registering %s: %w", self, err)
	}
	return c, nil
}

// Send writes env to the agent.
func (c *Client) Send(_ context.Context, env *operation.Envelope) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return sendEnvelope(c.stream, env)
}

// Run delivers envelopes from the agent to r until the stream ends.
func (c *Client) Run(r Receiver) error {
	for {
		env, err := recvEnvelope(c.stream)
		if err != nil {
			if errors.Is(err, io.EOF) || status.Code(err) == codes.Canceled {
				return nil
			}
			return fmt.Errorf("agent link: %w", err)
		}
		if err := r.Deliver(env); err != nil {
			c.logger.Debug("envelope rejected", "correlation_id", env.ID, "destination", env.Destination, "error", err)
		}
	}
}

// Close ends the stream and the connection.
func (c *Client) Close() error {
	c.sendMu.Lock()
	_ = c.stream.CloseSend()
	c.sendMu.Unlock()
	c.cancel()
	return c.conn.Close()
}
