package main

import (
	"flag"
	"fmt"
	"os"
)

func (a *app) cmdMergeLog(args []string) int {
	flags := flag.NewFlagSet("mergelog", flag.ContinueOnError)
	node := flags.String("node", "", "filter by receiving node id (default: all nodes)")
	limit := flags.Int("limit", 50, "max rows to return")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	toID, err := filterNode(*node)
	if err != nil {
		fmt.Fprintf(os.Stderr, "clockproof: mergelog: %v\n", err)
		return 1
	}
	st, err := a.openStore()
	if err != nil {
		fmt.Fprintf(os.Stderr, "clockproof: mergelog: %v\n", err)
		return 1
	}
	logs, err := st.ListMergeLogs(toID, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "clockproof: mergelog: %v\n", err)
		return 1
	}

	if *jsonOut {
		printJSON(map[string]interface{}{"merges": logs, "count": len(logs)})
		return 0
	}
	if len(logs) == 0 {
		fmt.Println("no merges")
		return 0
	}
	for _, m := range logs {
		fmt.Printf("[%d] %s -> %s events %d->%d hash %s->%s at=%s\n",
			m.ID, m.FromID, m.ToID, m.StartCount, m.EndCount,
			m.StartHash[:16], m.EndHash[:16], m.MergedAt.Format("2006-01-02 15:04:05"))
	}
	return 0
}
