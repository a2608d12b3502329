package main

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/daviddao/clockproof/pkg/gossip"
)

func (a *app) cmdAccumulate(args []string) int {
	flags := flag.NewFlagSet("accumulate", flag.ContinueOnError)
	listen := flags.String("listen", "", "run an accumulator server on this UDP address")
	peers := flags.String("peers", "", "comma-separated peer addresses for the server")
	send := flags.String("send", "", "disseminate this item to --server")
	terminate := flags.Bool("terminate", false, "tell --server to shut down")
	server := flags.String("server", "", "server address for --send and --terminate")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	switch {
	case *listen != "":
		return a.accumulateServe(*listen, *peers)
	case *send != "":
		return a.accumulateSend(*server, *send)
	case *terminate:
		return a.accumulateTerminate(*server)
	default:
		fmt.Fprintln(os.Stderr, "clockproof: accumulate: need one of --listen, --send, or --terminate")
		return 1
	}
}

func (a *app) accumulateServe(addr, peers string) int {
	srv, err := gossip.NewServer(addr, a.log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "clockproof: accumulate: %v\n", err)
		return 1
	}
	defer srv.Close()
	if peers != "" {
		srv.SetPeers(strings.Split(peers, ","))
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-stop
		srv.Close()
	}()

	a.log.Info("accumulator listening", "addr", srv.Addr())
	err = srv.Run()
	if err != nil && !errors.Is(err, net.ErrClosed) {
		fmt.Fprintf(os.Stderr, "clockproof: accumulate: %v\n", err)
		return 1
	}

	for _, item := range srv.State() {
		fmt.Println(item)
	}
	return 0
}

func (a *app) accumulateSend(server, item string) int {
	if server == "" {
		fmt.Fprintln(os.Stderr, "clockproof: accumulate: --send requires --server")
		return 1
	}
	c, err := gossip.NewClient()
	if err != nil {
		fmt.Fprintf(os.Stderr, "clockproof: accumulate: %v\n", err)
		return 1
	}
	defer c.Close()
	if err := c.Disseminate(server, item); err != nil {
		fmt.Fprintf(os.Stderr, "clockproof: accumulate: %v\n", err)
		return 1
	}
	return 0
}

func (a *app) accumulateTerminate(server string) int {
	if server == "" {
		fmt.Fprintln(os.Stderr, "clockproof: accumulate: --terminate requires --server")
		return 1
	}
	c, err := gossip.NewClient()
	if err != nil {
		fmt.Fprintf(os.Stderr, "clockproof: accumulate: %v\n", err)
		return 1
	}
	defer c.Close()
	if err := c.Terminate(server); err != nil {
		fmt.Fprintf(os.Stderr, "clockproof: accumulate: %v\n", err)
		return 1
	}
	return 0
}
