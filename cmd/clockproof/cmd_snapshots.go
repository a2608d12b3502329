package main

import (
	"flag"
	"fmt"
	"os"
)

func (a *app) cmdSnapshots(args []string) int {
	flags := flag.NewFlagSet("snapshots", flag.ContinueOnError)
	node := flags.String("node", "", "filter by node id (default: all nodes)")
	limit := flags.Int("limit", 50, "max rows to return")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	nodeID, err := filterNode(*node)
	if err != nil {
		fmt.Fprintf(os.Stderr, "clockproof: snapshots: %v\n", err)
		return 1
	}
	st, err := a.openStore()
	if err != nil {
		fmt.Fprintf(os.Stderr, "clockproof: snapshots: %v\n", err)
		return 1
	}
	snaps, err := st.ListSnapshots(nodeID, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "clockproof: snapshots: %v\n", err)
		return 1
	}

	if *jsonOut {
		printJSON(map[string]interface{}{"snapshots": snaps, "count": len(snaps)})
		return 0
	}
	if len(snaps) == 0 {
		fmt.Println("no snapshots")
		return 0
	}
	for _, s := range snaps {
		fmt.Printf("[%d] node=%s events=%d hash=%s at=%s\n",
			s.ID, s.NodeID, s.EventCount, s.Fingerprint[:16], s.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return 0
}
