// Package enclave implements the clock-update worker that runs inside
// an isolated, measured execution environment.
//
// The worker is the only party that mints non-genesis attested clocks.
// Per request it verifies every input attestation against its own
// trust policy (mutual trust: inputs must come from an allow-listed
// image), advances the clock, binds the new fingerprint into a fresh
// attestation document, and replies. Any failure drops just that
// request with a logged warning — the worker never crashes and never
// emits a partial response, so a client that hears nothing applies its
// own timeout and retries with a fresh request.
package enclave

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/daviddao/clockproof/pkg/attest"
	"github.com/daviddao/clockproof/pkg/attested"
	"github.com/daviddao/clockproof/pkg/clock"
	"github.com/daviddao/clockproof/pkg/wire"
)

// Worker advances attested clocks on behalf of untrusted hosts. Safe
// for concurrent use; requests share no mutable state beyond their own
// inputs, so in-flight requests may complete in any order.
type Worker struct {
	attester attest.Attester
	policy   attest.Policy
	log      *slog.Logger
}

// New builds a worker. The attester is the environment's attestation
// primitive; policy carries the trust anchor and the expected registers
// every non-genesis input must match. A nil logger falls back to
// slog.Default.
func New(attester attest.Attester, policy attest.Policy, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	return &Worker{attester: attester, policy: policy, log: log}
}

// Serve handles one connection until either stream direction fails or
// the context is cancelled. Each decoded frame is processed in its own
// goroutine; responses are serialized through a single writer so frames
// never interleave. The return value reflects why the session ended,
// with read failures taking precedence over write failures; a clean
// peer close returns nil.
func (w *Worker) Serve(ctx context.Context, conn io.ReadWriteCloser) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Close the conn when the context ends so blocked reads unstick.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	responses := make(chan []byte)
	var inflight sync.WaitGroup
	var writer sync.WaitGroup
	var writeErr error
	writer.Add(1)
	go func() {
		defer writer.Done()
		for buf := range responses {
			if err := wire.WriteFrame(conn, buf); err != nil {
				w.log.Warn("response write failed", "err", err)
				writeErr = err
				cancel()
				return
			}
		}
	}()

	var readErr error
	for {
		buf, err := wire.ReadFrame(conn)
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				readErr = err
			}
			break
		}
		inflight.Add(1)
		go func() {
			defer inflight.Done()
			out, err := w.handle(buf)
			if err != nil {
				// Drop the request; the client times out and retries.
				w.log.Warn("update request dropped", "err", err)
				return
			}
			select {
			case responses <- out:
			case <-ctx.Done():
			}
		}()
	}
	inflight.Wait()
	close(responses)
	writer.Wait()
	// A read failure decides the outcome; otherwise report the write
	// failure that tore the session down (if any).
	if readErr != nil {
		return readErr
	}
	return writeErr
}

// handle runs one update request end to end, timing each stage:
// decode, verify inputs, advance clock, attest, plus the total.
func (w *Worker) handle(buf []byte) ([]byte, error) {
	var timers []time.Duration
	full := time.Now()

	start := time.Now()
	req, err := wire.DecodeUpdate(buf)
	if err != nil {
		return nil, err
	}
	timers = append(timers, time.Since(start))

	start = time.Now()
	for _, c := range append([]attested.Clock{req.Prev}, req.Deps...) {
		// Verify checks the trust anchor, the window, our expected
		// PCRs and the fingerprint binding; genesis clocks pass with
		// no document.
		if _, err := c.Verify(w.policy); err != nil {
			return nil, err
		}
	}
	timers = append(timers, time.Since(start))

	start = time.Now()
	deps := make([]clock.Vector, len(req.Deps))
	for i, c := range req.Deps {
		deps[i] = c.Plain
	}
	plain := req.Prev.Plain.Update(deps, req.Dimension)
	timers = append(timers, time.Since(start))

	start = time.Now()
	// Different clocks hash to different digests, so attesting the
	// fingerprint commits this document to exactly this causal state.
	fp := plain.Fingerprint()
	document, err := w.attester.Attest(fp[:])
	if err != nil {
		return nil, err
	}
	timers = append(timers, time.Since(start))
	timers = append(timers, time.Since(full))

	return wire.EncodeUpdateOK(wire.UpdateOK{
		ID:        req.ID,
		Clock:     attested.Clock{Plain: plain, Document: document},
		Latencies: timers,
	})
}

// Run accepts connections from ln and serves each on its own goroutine
// until the context is cancelled. Per-connection failures are logged
// and do not stop the listener.
func (w *Worker) Run(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		go func() {
			if err := w.Serve(ctx, conn); err != nil {
				w.log.Warn("connection ended", "err", err)
			}
		}()
	}
}
