// Package gossip implements a small accumulator network: each node
// maintains an unordered set of strings and broadcasts its state to its
// peers whenever the set grows. All nodes eventually converge to the
// union of everything disseminated — set union is a textbook CRDT, so
// no ordering, retries or causal metadata are needed.
//
// This is an illustrative collaborator for the clock core, not a
// load-bearing one: it shows the convergence style the clock generalizes
// (merge = pointwise max instead of set union) over the simplest
// possible transport, a datagram socket with JSON payloads.
package gossip

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"sync"
)

// MessageKind discriminates the accumulator wire messages.
type MessageKind string

const (
	// KindClient carries one new item from a client.
	KindClient MessageKind = "client"
	// KindServer carries a peer's full state.
	KindServer MessageKind = "server"
	// KindTerminate asks a server to stop.
	KindTerminate MessageKind = "terminate"
)

// Message is the JSON datagram exchanged by accumulator nodes.
type Message struct {
	Kind  MessageKind `json:"kind"`
	Item  string      `json:"item,omitempty"`
	State []string    `json:"state,omitempty"`
}

const maxDatagram = 64 << 10

// Server is one accumulator node: a UDP socket plus a set of strings.
type Server struct {
	conn *net.UDPConn
	log  *slog.Logger

	mu    sync.Mutex
	peers []string
	state map[string]struct{}
}

// NewServer binds a node to addr (use "127.0.0.1:0" for an ephemeral
// port). Peers are set separately so a network of ephemeral-port nodes
// can be wired up after all of them are bound.
func NewServer(addr string, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}
	return &Server{
		conn:  conn,
		log:   log,
		state: make(map[string]struct{}),
	}, nil
}

// Addr returns the node's bound address.
func (s *Server) Addr() string { return s.conn.LocalAddr().String() }

// SetPeers replaces the broadcast list. The node's own address is
// filtered out so a shared peer list can be handed to every node.
func (s *Server) SetPeers(addrs []string) {
	own := s.Addr()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers = s.peers[:0]
	for _, a := range addrs {
		if a != own {
			s.peers = append(s.peers, a)
		}
	}
}

// State returns the current item set, sorted for stable output.
func (s *Server) State() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]string, 0, len(s.state))
	for item := range s.state {
		items = append(items, item)
	}
	slices.Sort(items)
	return items
}

// Run reads and handles datagrams until a terminate message arrives or
// the socket is closed. Malformed datagrams are logged and skipped.
func (s *Server) Run() error {
	buf := make([]byte, maxDatagram)
	for {
		n, _, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			return fmt.Errorf("read datagram: %w", err)
		}
		var msg Message
		if err := json.Unmarshal(buf[:n], &msg); err != nil {
			s.log.Warn("dropping malformed datagram", "err", err)
			continue
		}
		switch msg.Kind {
		case KindClient:
			s.merge([]string{msg.Item})
		case KindServer:
			s.merge(msg.State)
		case KindTerminate:
			s.log.Info("accumulator terminating", "addr", s.Addr())
			return s.conn.Close()
		default:
			s.log.Warn("dropping datagram with unknown kind", "kind", msg.Kind)
		}
	}
}

// Close releases the socket, unblocking Run.
func (s *Server) Close() error { return s.conn.Close() }

// merge folds items into the state and, if the state grew, broadcasts
// the new state to every peer. An unchanged state is not rebroadcast,
// which is what lets the flood quiesce.
func (s *Server) merge(items []string) {
	s.mu.Lock()
	before := len(s.state)
	for _, item := range items {
		s.state[item] = struct{}{}
	}
	grew := len(s.state) > before
	var state []string
	var peers []string
	if grew {
		for item := range s.state {
			state = append(state, item)
		}
		peers = slices.Clone(s.peers)
	}
	s.mu.Unlock()
	if !grew {
		return
	}
	payload, err := json.Marshal(Message{Kind: KindServer, State: state})
	if err != nil {
		s.log.Warn("encode state", "err", err)
		return
	}
	for _, peer := range peers {
		addr, err := net.ResolveUDPAddr("udp", peer)
		if err != nil {
			s.log.Warn("resolve peer", "peer", peer, "err", err)
			continue
		}
		if _, err := s.conn.WriteToUDP(payload, addr); err != nil {
			s.log.Warn("broadcast failed", "peer", peer, "err", err)
		}
	}
}

// Client disseminates items into an accumulator network.
type Client struct {
	conn *net.UDPConn
}

// NewClient binds an ephemeral socket for sending.
func NewClient() (*Client, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		return nil, fmt.Errorf("bind client socket: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Disseminate sends one item to a server; the network floods it from
// there.
func (c *Client) Disseminate(server, item string) error {
	return c.send(server, Message{Kind: KindClient, Item: item})
}

// Terminate asks one server to stop.
func (c *Client) Terminate(server string) error {
	return c.send(server, Message{Kind: KindTerminate})
}

// Close releases the client socket.
func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) send(server string, msg Message) error {
	addr, err := net.ResolveUDPAddr("udp", server)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", server, err)
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if _, err := c.conn.WriteToUDP(payload, addr); err != nil {
		return fmt.Errorf("send to %s: %w", server, err)
	}
	return nil
}
