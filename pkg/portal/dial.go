package portal

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/mdlayher/vsock"

	"github.com/daviddao/clockproof/pkg/wire"
)

// Dial opens the virtual-socket connection to an enclave identified by
// context id and port. Dialing happens once, before any loop starts; a
// failure here is fatal and not retried.
func Dial(contextID, port uint32) (net.Conn, error) {
	conn, err := vsock.Dial(contextID, port, nil)
	if err != nil {
		return nil, fmt.Errorf("dial vsock cid=%d port=%d: %w", contextID, port, err)
	}
	return conn, nil
}

// Session dials the enclave and runs the portal loops over the
// resulting connection until the session ends (see Run).
func Session(ctx context.Context, contextID, port uint32, requests <-chan wire.Update, responses chan<- wire.UpdateOK, log *slog.Logger) error {
	conn, err := Dial(contextID, port)
	if err != nil {
		return err
	}
	return Run(ctx, conn, requests, responses, log)
}
