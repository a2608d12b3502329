package enclave

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daviddao/clockproof/pkg/attest"
	"github.com/daviddao/clockproof/pkg/attested"
	"github.com/daviddao/clockproof/pkg/clock"
	"github.com/daviddao/clockproof/pkg/wire"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startWorker wires a worker to one end of an in-memory pipe and hands
// back the host end plus the worker's verification policy.
func startWorker(t *testing.T) (net.Conn, attest.Policy, chan error) {
	t.Helper()
	att, anchor, err := attest.NewSoftwareAttester("worker-image", map[int][]byte{0: {1, 2, 3}}, time.Hour)
	require.NoError(t, err)
	policy := attest.Policy{Roots: anchor.Pool(), PCRs: att.PCRs()}
	w := New(att, policy, quietLogger())

	host, enclaveSide := net.Pipe()
	done := make(chan error, 1)
	go func() { done <- w.Serve(context.Background(), enclaveSide) }()
	t.Cleanup(func() { host.Close() })
	return host, policy, done
}

func sendUpdate(t *testing.T, conn net.Conn, u wire.Update) {
	t.Helper()
	buf, err := wire.EncodeUpdate(u)
	require.NoError(t, err)
	require.NoError(t, wire.WriteFrame(conn, buf))
}

func recvResponse(t *testing.T, conn net.Conn) wire.UpdateOK {
	t.Helper()
	buf, err := wire.ReadFrame(conn)
	require.NoError(t, err)
	ok, err := wire.DecodeUpdateOK(buf)
	require.NoError(t, err)
	return ok
}

func TestWorkerAdvancesAndAttests(t *testing.T) {
	host, policy, _ := startWorker(t)

	prev, err := attested.FromGenesis(clock.New())
	require.NoError(t, err)
	sendUpdate(t, host, wire.Update{ID: 11, Prev: prev, Dimension: 7})

	resp := recvResponse(t, host)
	assert.Equal(t, uint64(11), resp.ID)
	assert.Equal(t, uint64(1), resp.Clock.Plain.Get(7))
	assert.Len(t, resp.Latencies, 5, "decode, verify, update, attest, total")

	doc, err := resp.Clock.Verify(policy)
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "worker-image", doc.ModuleID)
}

func TestWorkerChainsUpdatesWithDeps(t *testing.T) {
	host, policy, _ := startWorker(t)

	prev, err := attested.FromGenesis(clock.New())
	require.NoError(t, err)
	sendUpdate(t, host, wire.Update{ID: 1, Prev: prev, Dimension: 3})
	first := recvResponse(t, host)

	// Second update depends on the worker-minted first clock; its
	// attestation must verify inside the worker before the merge.
	sendUpdate(t, host, wire.Update{
		ID:        2,
		Prev:      prev,
		Deps:      []attested.Clock{first.Clock},
		Dimension: 9,
	})
	second := recvResponse(t, host)
	assert.Equal(t, uint64(2), second.ID)
	assert.Equal(t, uint64(1), second.Clock.Plain.Get(3), "dependency dimension carried over")
	assert.Equal(t, uint64(1), second.Clock.Plain.Get(9))

	_, err = second.Clock.Verify(policy)
	require.NoError(t, err)
}

func TestWorkerDropsMalformedAndKeepsServing(t *testing.T) {
	host, _, _ := startWorker(t)

	// Not a valid Update payload; the worker must drop it silently.
	require.NoError(t, wire.WriteFrame(host, []byte{0xff, 0xfe, 0xfd}))

	prev, err := attested.FromGenesis(clock.New())
	require.NoError(t, err)
	sendUpdate(t, host, wire.Update{ID: 5, Prev: prev, Dimension: 1})
	resp := recvResponse(t, host)
	assert.Equal(t, uint64(5), resp.ID, "valid request after garbage still answered")
}

func TestWorkerDropsForgedInput(t *testing.T) {
	host, _, _ := startWorker(t)

	forged := attested.Clock{Plain: clock.Vector{1: 99}, Document: []byte("bogus")}
	sendUpdate(t, host, wire.Update{ID: 6, Prev: forged, Dimension: 1})

	prev, err := attested.FromGenesis(clock.New())
	require.NoError(t, err)
	sendUpdate(t, host, wire.Update{ID: 7, Prev: prev, Dimension: 1})

	resp := recvResponse(t, host)
	assert.Equal(t, uint64(7), resp.ID, "forged request dropped, no response sent for it")
}

// brokenWriteConn refuses every write while leaving reads intact.
type brokenWriteConn struct {
	net.Conn
	err error
}

func (c brokenWriteConn) Write([]byte) (int, error) { return 0, c.err }

func TestWorkerServeReportsWriteFailure(t *testing.T) {
	att, anchor, err := attest.NewSoftwareAttester("worker-image", map[int][]byte{0: {1, 2, 3}}, time.Hour)
	require.NoError(t, err)
	policy := attest.Policy{Roots: anchor.Pool(), PCRs: att.PCRs()}
	w := New(att, policy, quietLogger())

	host, enclaveSide := net.Pipe()
	t.Cleanup(func() { host.Close() })
	wantErr := errors.New("stream write refused")
	done := make(chan error, 1)
	go func() {
		done <- w.Serve(context.Background(), brokenWriteConn{Conn: enclaveSide, err: wantErr})
	}()

	prev, err := attested.FromGenesis(clock.New())
	require.NoError(t, err)
	sendUpdate(t, host, wire.Update{ID: 8, Prev: prev, Dimension: 2})

	select {
	case err := <-done:
		assert.ErrorIs(t, err, wantErr, "write failure must decide the session outcome")
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop after write failure")
	}
}

func TestWorkerServeEndsCleanlyOnPeerClose(t *testing.T) {
	host, _, done := startWorker(t)
	host.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop after peer close")
	}
}
