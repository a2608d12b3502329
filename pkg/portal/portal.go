// Package portal is the untrusted-host side of an enclave connection.
//
// A session turns an outbound queue of update requests into a framed
// byte stream and the inbound byte stream back into a response queue,
// running both directions as concurrent loops over the split halves of
// one connection. The loops race: whichever stops first decides the
// session's outcome, with one deliberate asymmetry — a read failure
// always wins over a writer completion, because a broken read direction
// means responses can never again be correlated even if writes still
// succeed.
//
// Responses are delivered carrying the correlation id embedded in the
// response itself, never by arrival order; in-flight requests may
// legitimately complete out of order.
package portal

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/daviddao/clockproof/pkg/wire"
)

// Run drives one session over conn. The writer loop drains requests in
// FIFO order until the channel is closed; the reader loop publishes
// every decoded response to responses. Run returns when the session
// ends: nil if the request source closed and was drained before any
// read failure, the fatal error otherwise. On return the connection is
// closed and both loops have been cancelled.
func Run(ctx context.Context, conn io.ReadWriteCloser, requests <-chan wire.Update, responses chan<- wire.UpdateOK, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	// Closing the conn is the cancellation mechanism for whichever loop
	// is blocked in I/O when the other one settles the session.
	defer conn.Close()

	writeDone := make(chan error, 1)
	go func() {
		for {
			select {
			case <-ctx.Done():
				writeDone <- ctx.Err()
				return
			case req, ok := <-requests:
				if !ok {
					writeDone <- nil
					return
				}
				buf, err := wire.EncodeUpdate(req)
				if err != nil {
					writeDone <- fmt.Errorf("request %d: %w", req.ID, err)
					return
				}
				// Length prefix and payload go out as one write; the
				// next request is not touched until this frame is
				// fully on the wire.
				if err := wire.WriteFrame(conn, buf); err != nil {
					writeDone <- fmt.Errorf("request %d: %w", req.ID, err)
					return
				}
			}
		}
	}()

	readDone := make(chan error, 1)
	go func() {
		for {
			buf, err := wire.ReadFrame(conn)
			if err != nil {
				readDone <- err
				return
			}
			resp, err := wire.DecodeUpdateOK(buf)
			if err != nil {
				readDone <- err
				return
			}
			select {
			case responses <- resp:
			case <-ctx.Done():
				readDone <- ctx.Err()
				return
			}
		}
	}()

	var err error
	select {
	case err = <-readDone:
	case werr := <-writeDone:
		// Prefer a read failure that raced in with the writer's exit.
		select {
		case err = <-readDone:
		default:
			err = werr
		}
	}
	cancel()
	conn.Close()
	if err != nil {
		log.Warn("portal session ended", "err", err)
	}
	return err
}
