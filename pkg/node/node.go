// Package node assembles a CoreLink peer: a libp2p host, the transfer
// manager, local discovery and the optional observability feed.
package node

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	coreproto "github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"

	"github.com/corelink-net/corelink/pkg/api"
	"github.com/corelink-net/corelink/pkg/file"
	"github.com/corelink-net/corelink/pkg/protocol"
	"github.com/corelink-net/corelink/pkg/transfer"
	"github.com/corelink-net/corelink/pkg/transport"
)

var log = logging.Logger("corelink/node")

// Config assembles the explicit construction parameters of a node.
type Config struct {
	Transfer transfer.Config
	Host     transport.HostConfig
	// ServiceName is the mDNS tag; empty selects the default.
	ServiceName string
	// EnableDiscovery turns on mDNS announcement and dialing.
	EnableDiscovery bool
	// APIAddr, when non-empty, serves the websocket event feed on this
	// address under /ws.
	APIAddr string
}

// DefaultConfig returns a node configuration with stock transfer and
// transport settings and discovery enabled.
func DefaultConfig() Config {
	return Config{
		Transfer:        transfer.DefaultConfig(),
		Host:            transport.DefaultHostConfig(),
		EnableDiscovery: true,
	}
}

// Node is one CoreLink peer.
type Node struct {
	cfg  Config
	host host.Host
	mgr  *transfer.Manager
	disc mdns.Service
	hub  *api.Hub
	srv  *http.Server

	mu sync.Mutex
	// attached maps each peer to a channel closed once its outbound
	// writer is registered with the manager.
	attached map[peer.ID]chan struct{}
}

// New constructs and starts a node. The transfer core, stream handlers
// and discovery are running when it returns.
func New(cfg Config) (*Node, error) {
	var hub *api.Hub
	var observer transfer.Observer
	if cfg.APIAddr != "" {
		hub = api.NewHub()
		observer = hub
	}

	mgr, err := transfer.NewManager(cfg.Transfer, observer)
	if err != nil {
		return nil, err
	}

	h, err := transport.NewHost(cfg.Host)
	if err != nil {
		mgr.Close()
		return nil, err
	}

	n := &Node{
		cfg:      cfg,
		host:     h,
		mgr:      mgr,
		hub:      hub,
		attached: make(map[peer.ID]chan struct{}),
	}
	mgr.Start()

	h.SetStreamHandler(coreproto.ID(protocol.ID), func(s network.Stream) {
		// Attach the writer before reading anything, so a message that
		// needs a reply never races the peer's registration.
		n.attachPeer(s.Conn().RemotePeer())
		transport.ReadLoop(s, mgr)
	})
	h.Network().Notify(&network.NotifyBundle{
		ConnectedF: func(_ network.Network, c network.Conn) {
			go n.attachPeer(c.RemotePeer())
		},
		DisconnectedF: func(nw network.Network, c network.Conn) {
			if nw.Connectedness(c.RemotePeer()) == network.Connected {
				return
			}
			n.detachPeer(c.RemotePeer())
		},
	})

	if cfg.EnableDiscovery {
		disc, err := transport.StartDiscovery(h, cfg.ServiceName)
		if err != nil {
			n.Close()
			return nil, fmt.Errorf("failed to start discovery: %w", err)
		}
		n.disc = disc
	}

	if cfg.APIAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/ws", hub)
		n.srv = &http.Server{Addr: cfg.APIAddr, Handler: mux}
		go func() {
			if err := n.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Errorf("api server: %v", err)
			}
		}()
	}

	return n, nil
}

// attachPeer opens the outbound protocol stream for a newly connected
// peer and starts its writer. Each peer is attached once regardless of
// how many connections it holds.
func (n *Node) attachPeer(id peer.ID) {
	n.mu.Lock()
	if ready, ok := n.attached[id]; ok {
		n.mu.Unlock()
		<-ready
		return
	}
	ready := make(chan struct{})
	n.attached[id] = ready
	n.mu.Unlock()
	defer close(ready)

	// The remote may still be finishing identify; give the stream a few
	// tries before giving up on the peer.
	var s network.Stream
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		s, err = n.host.NewStream(ctx, id, coreproto.ID(protocol.ID))
		cancel()
		if err == nil {
			break
		}
		time.Sleep(500 * time.Millisecond)
	}
	if err != nil {
		log.Warnf("failed to open stream to %s: %v", id, err)
		n.forget(id)
		return
	}

	out, err := n.mgr.PeerConnected(id)
	if err != nil {
		s.Reset()
		n.forget(id)
		return
	}
	go transport.WriteLoop(s, out)
}

func (n *Node) detachPeer(id peer.ID) {
	n.mu.Lock()
	_, ok := n.attached[id]
	delete(n.attached, id)
	n.mu.Unlock()
	if ok {
		n.mgr.PeerDisconnected(id)
	}
}

func (n *Node) forget(id peer.ID) {
	n.mu.Lock()
	delete(n.attached, id)
	n.mu.Unlock()
}

// Host returns the underlying libp2p host.
func (n *Node) Host() host.Host { return n.host }

// Connect dials the given peer directly, bypassing discovery.
func (n *Node) Connect(ctx context.Context, pi peer.AddrInfo) error {
	return n.host.Connect(ctx, pi)
}

// Offer registers the file at path and announces it to every connected
// peer.
func (n *Node) Offer(path string) (*file.Manifest, error) {
	return n.mgr.Offer(path)
}

// Cancel aborts an active download.
func (n *Node) Cancel(fileID string) error {
	return n.mgr.Cancel(fileID)
}

// Progress reports one download's status and percent.
func (n *Node) Progress(fileID string) (transfer.Progress, bool) {
	return n.mgr.Progress(fileID)
}

// Sessions lists every download session.
func (n *Node) Sessions() []transfer.Progress {
	return n.mgr.Sessions()
}

// Peers returns the peers currently attached to the transfer core.
func (n *Node) Peers() []peer.ID {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]peer.ID, 0, len(n.attached))
	for id := range n.attached {
		out = append(out, id)
	}
	return out
}

// Close shuts the node down: discovery first so no new peers arrive,
// then the host, then the transfer core.
func (n *Node) Close() error {
	if n.disc != nil {
		n.disc.Close()
	}
	if n.srv != nil {
		n.srv.Close()
	}
	err := n.host.Close()
	n.mgr.Close()
	return err
}
