package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/daviddao/clockproof/pkg/attested"
	"github.com/daviddao/clockproof/pkg/clock"
	"github.com/daviddao/clockproof/pkg/model"
	"github.com/daviddao/clockproof/pkg/portal"
	"github.com/daviddao/clockproof/pkg/wire"
)

// sessionResult is one round of the session, shaped for --json output.
type sessionResult struct {
	ID        uint64          `json:"id"`
	Clock     clock.Vector    `json:"clock"`
	Reduced   clock.Lamport   `json:"reduced"`
	Latencies []time.Duration `json:"latencies"`
}

func (a *app) cmdSession(args []string) int {
	flags := flag.NewFlagSet("session", flag.ContinueOnError)
	tcp := flags.String("tcp", a.cfg.Enclave.TCP, "connect over TCP (host:port) instead of a virtual socket")
	cid := flags.Uint("cid", uint(a.cfg.Enclave.CID), "virtual socket context id of the worker")
	port := flags.Uint("port", uint(a.cfg.Enclave.Port), "virtual socket port")
	dimension := flags.Uint64("dimension", 1, "vector dimension advanced by each update")
	count := flags.Int("count", 1, "number of chained updates to request")
	timeout := flags.Duration("timeout", 10*time.Second, "deadline for the whole session")
	node := flags.String("node", "", "node id for recorded snapshots (defaults to config)")
	record := flags.Bool("record", false, "persist snapshots and merge-audit rows")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if *count < 1 {
		fmt.Fprintln(os.Stderr, "clockproof: session: --count must be at least 1")
		return 1
	}

	policy, err := a.cfg.policy()
	if err != nil {
		fmt.Fprintf(os.Stderr, "clockproof: session: %v\n", err)
		return 1
	}

	var nodeID uuid.UUID
	if *record {
		if nodeID, err = a.nodeID(*node); err != nil {
			fmt.Fprintf(os.Stderr, "clockproof: session: %v\n", err)
			return 1
		}
		if _, err := a.openStore(); err != nil {
			fmt.Fprintf(os.Stderr, "clockproof: session: %v\n", err)
			return 1
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var conn io.ReadWriteCloser
	if *tcp != "" {
		conn, err = net.Dial("tcp", *tcp)
	} else {
		conn, err = portal.Dial(uint32(*cid), uint32(*port))
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "clockproof: session: dial: %v\n", err)
		return 1
	}

	requests := make(chan wire.Update)
	responses := make(chan wire.UpdateOK, 1)
	portalErr := make(chan error, 1)
	go func() { portalErr <- portal.Run(ctx, conn, requests, responses, a.log) }()

	prev, _ := attested.FromGenesis(clock.New())
	results := make([]sessionResult, 0, *count)
	for i := 1; i <= *count; i++ {
		req := wire.Update{ID: uint64(i), Prev: prev, Dimension: *dimension}
		select {
		case requests <- req:
		case err := <-portalErr:
			fmt.Fprintf(os.Stderr, "clockproof: session: %v\n", err)
			return 1
		case <-ctx.Done():
			fmt.Fprintf(os.Stderr, "clockproof: session: %v\n", ctx.Err())
			return 1
		}

		var ok wire.UpdateOK
		select {
		case ok = <-responses:
		case err := <-portalErr:
			fmt.Fprintf(os.Stderr, "clockproof: session: %v\n", err)
			return 1
		case <-ctx.Done():
			fmt.Fprintf(os.Stderr, "clockproof: session: %v\n", ctx.Err())
			return 1
		}
		if ok.ID != req.ID {
			fmt.Fprintf(os.Stderr, "clockproof: session: response id %d does not match request %d\n", ok.ID, req.ID)
			return 1
		}
		if _, err := ok.Clock.Verify(policy); err != nil {
			fmt.Fprintf(os.Stderr, "clockproof: session: worker response rejected: %v\n", err)
			return 1
		}
		if ok.Clock.Compare(prev) != clock.Greater {
			fmt.Fprintf(os.Stderr, "clockproof: session: response does not advance the clock\n")
			return 1
		}

		results = append(results, sessionResult{
			ID:        ok.ID,
			Clock:     ok.Clock.Plain,
			Reduced:   ok.Clock.Reduce(),
			Latencies: ok.Latencies,
		})
		if *record {
			if err := a.recordRound(nodeID, prev.Plain, ok.Clock.Plain); err != nil {
				fmt.Fprintf(os.Stderr, "clockproof: session: %v\n", err)
				return 1
			}
		}
		prev = ok.Clock
	}

	close(requests)
	if err := <-portalErr; err != nil && !errors.Is(err, context.Canceled) {
		a.log.Warn("session teardown", "err", err)
	}

	if *jsonOut {
		printJSON(map[string]interface{}{"rounds": results, "count": len(results)})
		return 0
	}
	for _, r := range results {
		fmt.Printf("round %d: clock=%v reduced=%d\n", r.ID, r.Clock, r.Reduced)
		if len(r.Latencies) == 5 {
			fmt.Printf("  decode=%v verify=%v update=%v attest=%v total=%v\n",
				r.Latencies[0], r.Latencies[1], r.Latencies[2], r.Latencies[3], r.Latencies[4])
		}
	}
	return 0
}

// recordRound persists one update as a snapshot plus a merge-audit row
// tracking the advance from before to after.
func (a *app) recordRound(id uuid.UUID, before, after clock.Vector) error {
	st, err := a.openStore()
	if err != nil {
		return err
	}
	if _, err := st.InsertSnapshot(model.NewSnapshot(id, after)); err != nil {
		return fmt.Errorf("record snapshot: %w", err)
	}
	if _, err := st.InsertMergeLog(model.NewMergeLog(id, id, before, after)); err != nil {
		return fmt.Errorf("record merge log: %w", err)
	}
	return nil
}
