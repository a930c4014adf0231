package transfer

import (
	"github.com/libp2p/go-libp2p/core/peer"
)

// Progress is the externally visible state of one download session.
type Progress struct {
	FileID  string      `json:"file_id"`
	Name    string      `json:"name"`
	Source  peer.ID     `json:"source"`
	Status  Status      `json:"-"`
	Failure FailureKind `json:"-"`
	Percent int         `json:"percent"`
}

// Observer receives notifications from the manager's event loop. Hooks are
// invoked synchronously on the loop goroutine and must not block.
type Observer interface {
	PeerConnected(id peer.ID)
	PeerDisconnected(id peer.ID)
	SessionOpened(p Progress)
	ChunkVerified(fileID string, index uint32, percent int)
	ChunkAcked(fileID string, index uint32, by peer.ID)
	SessionClosed(p Progress)
}

// NoopObserver ignores every notification.
type NoopObserver struct{}

func (NoopObserver) PeerConnected(peer.ID)              {}
func (NoopObserver) PeerDisconnected(peer.ID)           {}
func (NoopObserver) SessionOpened(Progress)             {}
func (NoopObserver) ChunkVerified(string, uint32, int)  {}
func (NoopObserver) ChunkAcked(string, uint32, peer.ID) {}
func (NoopObserver) SessionClosed(Progress)             {}

var _ Observer = NoopObserver{}
