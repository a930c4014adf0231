package transport

import (
	"context"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
)

// DefaultServiceName is the mDNS service tag CoreLink nodes announce on
// the local network.
const DefaultServiceName = "corelink.local"

const connectTimeout = 10 * time.Second

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.h.ID() {
		return
	}
	log.Debugf("mdns found peer %s", pi.ID)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := n.h.Connect(ctx, pi); err != nil {
		log.Debugf("failed to connect to discovered peer %s: %v", pi.ID, err)
	}
}

// StartDiscovery announces the host on the local network and dials every
// peer found under the same service name.
func StartDiscovery(h host.Host, serviceName string) (mdns.Service, error) {
	if serviceName == "" {
		serviceName = DefaultServiceName
	}
	svc := mdns.NewMdnsService(h, serviceName, &mdnsNotifee{h: h})
	if err := svc.Start(); err != nil {
		return nil, err
	}
	log.Infof("mdns discovery started as %q", serviceName)
	return svc, nil
}
