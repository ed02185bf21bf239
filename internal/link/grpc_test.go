// ABOUTME: Tests for the gRPC worker link over a loopback listener.
// ABOUTME: Workers dial with real tokens; envelopes flow both ways through the Hub.

package link

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-sim/internal/address"
	"github.com/2389/coven-sim/internal/auth"
	"github.com/2389/coven-sim/internal/harness"
	"github.com/2389/coven-sim/internal/operation"
)

var linkSecret = []byte("link-test-secret-with-32-bytes!!")

func startLink(t *testing.T, tokens auth.TokenVerifier) (*Hub, chanReceiver, string) {
	t.Helper()
	hub := NewHub(nil)
	inbox := make(chanReceiver, 8)
	hub.Bind(inbox)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewServer(hub, tokens, nil).Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return hub, inbox, ln.Addr().String()
}

func TestLink_EnvelopesFlowBothWays(t *testing.T) {
	verifier, err := auth.NewJWTVerifier(linkSecret)
	require.NoError(t, err)
	hub, inbox, addr := startLink(t, verifier)

	worker := address.Worker(1, 1)
	token, err := verifier.Generate(worker, harness.MemberWorker, time.Minute)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := Dial(ctx, addr, worker, token, nil)
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	workerInbox := make(chanReceiver, 8)
	go func() { _ = client.Run(workerInbox) }()

	require.NoError(t, hub.WaitAttached(ctx, worker))

	ping, err := operation.NewOperationEnvelope("p-1", address.Agent(1), worker, operation.Ping{})
	require.NoError(t, err)
	require.NoError(t, hub.Send(ctx, ping))

	select {
	case got := <-workerInbox:
		assert.Equal(t, "p-1", got.ID)
		assert.Equal(t, operation.TypePing, got.OperationType)
	case <-ctx.Done():
		t.Fatal("worker never received ping")
	}

	pong, err := operation.NewResponseEnvelope(&operation.Response{
		ID:          "p-1",
		Source:      worker,
		Destination: address.Agent(1),
		Type:        operation.Success,
		Payload:     operation.Pong{},
	})
	require.NoError(t, err)
	require.NoError(t, client.Send(ctx, pong))

	select {
	case got := <-inbox:
		resp, err := got.Response()
		require.NoError(t, err)
		assert.Equal(t, operation.Pong{}, resp.Payload)
	case <-ctx.Done():
		t.Fatal("agent never received pong")
	}
}

func TestLink_DetachesWhenWorkerCloses(t *testing.T) {
	hub, _, addr := startLink(t, nil)
	worker := address.Worker(1, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := Dial(ctx, addr, worker, "", nil)
	require.NoError(t, err)
	require.NoError(t, hub.WaitAttached(ctx, worker))

	require.NoError(t, client.Close())
	assert.Eventually(t, func() bool { return !hub.Attached(worker) }, 2*time.Second, 10*time.Millisecond)
}

func TestLink_RejectsForeignRegistration(t *testing.T) {
	verifier, err := auth.NewJWTVerifier(linkSecret)
	require.NoError(t, err)
	hub, _, addr := startLink(t, verifier)

	token, err := verifier.Generate(address.Worker(1, 1), harness.ClientWorker, time.Minute)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := Dial(ctx, addr, address.Worker(1, 7), token, nil)
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	err = client.Run(make(chanReceiver, 1))
	assert.Error(t, err)
	assert.False(t, hub.Attached(address.Worker(1, 7)))
}

func TestLink_RejectsMissingToken(t *testing.T) {
	verifier, err := auth.NewJWTVerifier(linkSecret)
	require.NoError(t, err)
	hub, _, addr := startLink(t, verifier)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := Dial(ctx, addr, address.Worker(1, 1), "", nil)
	if err == nil {
		err = client.Run(make(chanReceiver, 1))
		_ = client.Close()
	}
	assert.Error(t, err)
	assert.False(t, hub.Attached(address.Worker(1, 1)))
}
