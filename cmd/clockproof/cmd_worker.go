package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/mdlayher/vsock"

	"github.com/daviddao/clockproof/pkg/attest"
	"github.com/daviddao/clockproof/pkg/enclave"
)

func (a *app) cmdWorker(args []string) int {
	flags := flag.NewFlagSet("worker", flag.ContinueOnError)
	tcp := flags.String("tcp", a.cfg.Enclave.TCP, "listen on host:port over TCP instead of a virtual socket")
	port := flags.Uint("port", uint(a.cfg.Enclave.Port), "virtual socket port")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	anchor, err := attest.LoadAnchor(a.cfg.Attestation.AnchorCert, a.cfg.Attestation.AnchorKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "clockproof: worker: %v (run 'clockproof keygen' first)\n", err)
		return 1
	}
	pcrs, err := a.cfg.pcrPolicy()
	if err != nil {
		fmt.Fprintf(os.Stderr, "clockproof: worker: %v\n", err)
		return 1
	}
	attester, err := anchor.Attester(a.cfg.Attestation.ModuleID, pcrs, a.cfg.Attestation.Validity.Std())
	if err != nil {
		fmt.Fprintf(os.Stderr, "clockproof: worker: %v\n", err)
		return 1
	}

	// The worker verifies incoming clocks against the same anchor it
	// attests with, so a chain of updates stays closed under one policy.
	policy := attest.Policy{Roots: anchor.Pool(), PCRs: pcrs}

	var ln net.Listener
	if *tcp != "" {
		ln, err = net.Listen("tcp", *tcp)
	} else {
		ln, err = vsock.Listen(uint32(*port), nil)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "clockproof: worker: listen: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.log.Info("worker listening",
		"addr", ln.Addr().String(),
		"module_id", a.cfg.Attestation.ModuleID)

	w := enclave.New(attester, policy, a.log)
	if err := w.Run(ctx, ln); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "clockproof: worker: %v\n", err)
		return 1
	}
	a.log.Info("worker stopped")
	return 0
}
