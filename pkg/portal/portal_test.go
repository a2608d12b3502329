package portal

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daviddao/clockproof/pkg/attested"
	"github.com/daviddao/clockproof/pkg/clock"
	"github.com/daviddao/clockproof/pkg/wire"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// echoPeer reads n requests off conn, then replies with one response
// per listed id, in exactly the given order.
func echoPeer(t *testing.T, conn net.Conn, n int, replyOrder []uint64) {
	t.Helper()
	seen := make(map[uint64]wire.Update, n)
	for i := 0; i < n; i++ {
		buf, err := wire.ReadFrame(conn)
		require.NoError(t, err)
		req, err := wire.DecodeUpdate(buf)
		require.NoError(t, err)
		seen[req.ID] = req
	}
	for _, id := range replyOrder {
		req, ok := seen[id]
		require.True(t, ok, "peer asked to reply to unseen id %d", id)
		resp := wire.UpdateOK{
			ID:    req.ID,
			Clock: attested.Clock{Plain: req.Prev.Plain.Update(nil, req.Dimension)},
		}
		buf, err := wire.EncodeUpdateOK(resp)
		require.NoError(t, err)
		require.NoError(t, wire.WriteFrame(conn, buf))
	}
}

func TestSessionCorrelatesOutOfOrderResponses(t *testing.T) {
	host, peer := net.Pipe()
	requests := make(chan wire.Update, 3)
	responses := make(chan wire.UpdateOK, 3)

	prev, err := attested.FromGenesis(clock.New())
	require.NoError(t, err)
	for _, id := range []uint64{1, 2, 3} {
		requests <- wire.Update{ID: id, Prev: prev, Dimension: id * 10}
	}

	peerDone := make(chan struct{})
	go func() {
		defer close(peerDone)
		echoPeer(t, peer, 3, []uint64{3, 1, 2})
	}()

	sessionDone := make(chan error, 1)
	go func() { sessionDone <- Run(context.Background(), host, requests, responses, quietLogger()) }()

	// Responses arrive in the peer's order, each tagged with the id it
	// belongs to — never reassigned by arrival position.
	wantOrder := []uint64{3, 1, 2}
	for i, want := range wantOrder {
		select {
		case resp := <-responses:
			assert.Equal(t, want, resp.ID, "response %d misattributed", i)
			assert.Equal(t, uint64(1), resp.Clock.Plain.Get(want*10))
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for response")
		}
	}

	<-peerDone
	// All responses are in; closing the request source ends the session
	// as a clean writer completion.
	close(requests)
	select {
	case err := <-sessionDone:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end")
	}
	peer.Close()
}

func TestSessionEndsCleanlyWhenRequestSourceCloses(t *testing.T) {
	host, peer := net.Pipe()
	defer peer.Close()
	requests := make(chan wire.Update)
	responses := make(chan wire.UpdateOK, 1)
	close(requests)

	done := make(chan error, 1)
	go func() { done <- Run(context.Background(), host, requests, responses, quietLogger()) }()
	select {
	case err := <-done:
		assert.NoError(t, err, "drained writer completion is the terminal outcome")
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end after request source closed")
	}
}

func TestSessionReadFailureIsFatal(t *testing.T) {
	host, peer := net.Pipe()
	requests := make(chan wire.Update)
	responses := make(chan wire.UpdateOK, 1)

	done := make(chan error, 1)
	go func() { done <- Run(context.Background(), host, requests, responses, quietLogger()) }()

	// Keep the writer idle; kill the read direction.
	peer.Close()
	select {
	case err := <-done:
		require.Error(t, err, "read failure must end the session even with the writer healthy")
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end after read failure")
	}
}

func TestSessionMalformedResponseIsFatal(t *testing.T) {
	host, peer := net.Pipe()
	requests := make(chan wire.Update)
	responses := make(chan wire.UpdateOK, 1)

	done := make(chan error, 1)
	go func() { done <- Run(context.Background(), host, requests, responses, quietLogger()) }()

	require.NoError(t, wire.WriteFrame(peer, []byte{0xff, 0x00}))
	select {
	case err := <-done:
		assert.ErrorIs(t, err, wire.ErrMalformed)
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end after malformed frame")
	}
}

func TestSessionCancellationStopsBothLoops(t *testing.T) {
	host, peer := net.Pipe()
	defer peer.Close()
	requests := make(chan wire.Update)
	responses := make(chan wire.UpdateOK)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, host, requests, responses, quietLogger()) }()

	cancel()
	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end after cancellation")
	}
}
