// Package transport owns the libp2p side of a node: host construction,
// local peer discovery and the per-peer protocol handlers that bridge
// streams to the transfer manager.
package transport

import (
	"fmt"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	libp2pquic "github.com/libp2p/go-libp2p/p2p/transport/quic"
)

var log = logging.Logger("corelink/transport")

// HostConfig holds the transport settings for a node's libp2p host.
type HostConfig struct {
	ListenAddrs []string
	EnableQUIC  bool
}

// DefaultHostConfig returns listen addresses for TCP and QUIC on all
// interfaces with OS-assigned ports.
func DefaultHostConfig() HostConfig {
	return HostConfig{
		ListenAddrs: []string{
			"/ip4/0.0.0.0/tcp/0",
			"/ip4/0.0.0.0/udp/0/quic-v1",
		},
		EnableQUIC: true,
	}
}

// NewHost creates a libp2p host with noise channel security. Peers that
// fail the handshake or negotiate an incompatible protocol never reach the
// transfer core.
func NewHost(cfg HostConfig) (host.Host, error) {
	opts := []libp2p.Option{
		libp2p.ListenAddrStrings(cfg.ListenAddrs...),
		libp2p.Security(noise.ID, noise.New),
	}
	if cfg.EnableQUIC {
		opts = append(opts,
			libp2p.Transport(libp2pquic.NewTransport),
			libp2p.DefaultTransports,
		)
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}
	log.Infof("host %s listening on %v", h.ID(), h.Addrs())
	return h, nil
}
