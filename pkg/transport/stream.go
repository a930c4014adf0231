package transport

import (
	"errors"
	"io"

	"github.com/libp2p/go-libp2p/core/network"

	"github.com/corelink-net/corelink/pkg/protocol"
	"github.com/corelink-net/corelink/pkg/transfer"
)

// ReadLoop drains one inbound stream, delivering each decoded message to
// the manager. Malformed frames close the stream after a best-effort
// Error reply; the manager is told so it can drop the peer.
func ReadLoop(s network.Stream, mgr *transfer.Manager) {
	peerID := s.Conn().RemotePeer()
	codec := protocol.NewCodec(s)

	for {
		msg, err := codec.ReadMessage()
		if err != nil {
			if errors.Is(err, protocol.ErrMalformed) {
				log.Warnf("malformed frame from %s: %v", peerID, err)
				codec.WriteMessage(protocol.NewError(protocol.CodeMalformed, err.Error())) //nolint:errcheck
				mgr.StreamError(peerID, err)
				// Close, not reset, so the error reply still reaches the
				// remote before the stream dies.
				if err := s.Close(); err != nil {
					s.Reset()
				}
				return
			}
			if err != io.EOF {
				log.Debugf("read from %s ended: %v", peerID, err)
			}
			s.Close()
			return
		}
		if err := mgr.Deliver(peerID, msg); err != nil {
			s.Reset()
			return
		}
	}
}

// WriteLoop drains the peer's outbound queue onto the stream, one frame
// per message, until the manager closes the queue or a write fails.
func WriteLoop(s network.Stream, out <-chan *protocol.Message) {
	codec := protocol.NewCodec(s)

	for msg := range out {
		if err := codec.WriteMessage(msg); err != nil {
			log.Warnf("write to %s failed: %v", s.Conn().RemotePeer(), err)
			s.Reset()
			// Keep draining so the manager never blocks on a dead peer's
			// queue; the disconnect notification cleans it up.
			for range out {
			}
			return
		}
	}
	s.Close()
}
