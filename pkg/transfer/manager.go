package transfer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/corelink-net/corelink/pkg/cache"
	"github.com/corelink-net/corelink/pkg/file"
	"github.com/corelink-net/corelink/pkg/protocol"
)

// Config carries the explicit construction parameters of the transfer
// core. No environment variables are consulted.
type Config struct {
	// StoragePath is the root under which uploads/, downloads/ and
	// complete/ live.
	StoragePath string
	// BatchSize bounds simultaneously outstanding chunk requests per
	// session.
	BatchSize int
	// CacheCapacity bounds the served-chunk LRU in entries.
	CacheCapacity int
	// RequestTimeout is how long an in-flight chunk may stay unanswered.
	RequestTimeout time.Duration
	// TickInterval drives the timeout watchdog.
	TickInterval time.Duration
	// OutboundQueueLen bounds each per-peer outbound message queue.
	OutboundQueueLen int
	// EventQueueLen bounds the manager's inbound event channel.
	EventQueueLen int
}

// DefaultConfig returns the stock transfer configuration.
func DefaultConfig() Config {
	return Config{
		StoragePath:      "storage",
		BatchSize:        5,
		CacheCapacity:    100,
		RequestTimeout:   10 * time.Second,
		TickInterval:     time.Second,
		OutboundQueueLen: 64,
		EventQueueLen:    256,
	}
}

// ErrClosed is returned by manager calls after Close.
var ErrClosed = errors.New("transfer manager closed")

// ErrUnknownFile is returned when an operation names a file the manager
// does not track.
var ErrUnknownFile = errors.New("unknown file")

type event interface{}

type evPeerConnected struct {
	id    peer.ID
	reply chan (<-chan *protocol.Message)
}

type evPeerDisconnected struct{ id peer.ID }

type evInbound struct {
	from peer.ID
	msg  *protocol.Message
}

type evStreamError struct {
	from peer.ID
	err  error
}

type evOffer struct {
	path  string
	reply chan offerReply
}

type offerReply struct {
	manifest *file.Manifest
	err      error
}

type evCancel struct {
	fileID string
	reply  chan error
}

type evProgress struct {
	fileID string
	reply  chan progressReply
}

type progressReply struct {
	p  Progress
	ok bool
}

type evSessions struct {
	reply chan []Progress
}

// Manager orchestrates the upload registry, download sessions and chunk
// cache. All of them are mutated exclusively on the run loop goroutine;
// the exported methods communicate with it by message passing.
type Manager struct {
	cfg      Config
	observer Observer

	registry *UploadRegistry
	sessions map[string]*Session
	peers    map[peer.ID]chan *protocol.Message
	acked    map[string]uint32 // fileID -> acked chunk count, upload side

	downloadsDir string
	completeDir  string

	events chan event
	done   chan struct{}
	closed chan struct{}
}

// NewManager creates the storage layout and the manager. Pass a nil
// observer to discard notifications. Start must be called before use.
func NewManager(cfg Config, observer Observer) (*Manager, error) {
	if observer == nil {
		observer = NoopObserver{}
	}

	uploadsDir := filepath.Join(cfg.StoragePath, "uploads")
	downloadsDir := filepath.Join(cfg.StoragePath, "downloads")
	completeDir := filepath.Join(cfg.StoragePath, "complete")
	for _, dir := range []string{uploadsDir, downloadsDir, completeDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create storage directory: %w", err)
		}
	}

	chunks, err := cache.New(cfg.CacheCapacity)
	if err != nil {
		return nil, err
	}

	return &Manager{
		cfg:          cfg,
		observer:     observer,
		registry:     NewUploadRegistry(chunks),
		sessions:     make(map[string]*Session),
		peers:        make(map[peer.ID]chan *protocol.Message),
		acked:        make(map[string]uint32),
		downloadsDir: downloadsDir,
		completeDir:  completeDir,
		events:       make(chan event, cfg.EventQueueLen),
		done:         make(chan struct{}),
		closed:       make(chan struct{}),
	}, nil
}

// Start launches the event loop.
func (m *Manager) Start() {
	go m.run()
}

// Close stops the event loop and closes every outbound queue.
func (m *Manager) Close() {
	select {
	case <-m.done:
	default:
		close(m.done)
	}
	<-m.closed
}

func (m *Manager) run() {
	defer close(m.closed)

	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			for id, q := range m.peers {
				close(q)
				delete(m.peers, id)
			}
			return
		case now := <-ticker.C:
			m.handleTick(now)
		case ev := <-m.events:
			m.dispatch(ev)
		}
	}
}

func (m *Manager) dispatch(ev event) {
	switch ev := ev.(type) {
	case evPeerConnected:
		ev.reply <- m.handlePeerConnected(ev.id)
	case evPeerDisconnected:
		m.handlePeerDisconnected(ev.id)
	case evInbound:
		m.handleInbound(ev.from, ev.msg)
	case evStreamError:
		log.Warnf("protocol error on stream from %s: %v", ev.from, ev.err)
		m.dropPeer(ev.from)
	case evOffer:
		manifest, err := m.handleOperatorOffer(ev.path)
		ev.reply <- offerReply{manifest: manifest, err: err}
	case evCancel:
		ev.reply <- m.handleCancel(ev.fileID)
	case evProgress:
		p, ok := m.progressOf(ev.fileID)
		ev.reply <- progressReply{p: p, ok: ok}
	case evSessions:
		out := make([]Progress, 0, len(m.sessions))
		for id := range m.sessions {
			p, _ := m.progressOf(id)
			out = append(out, p)
		}
		ev.reply <- out
	}
}

// post delivers an event to the run loop, blocking while the queue is full.
func (m *Manager) post(ev event) error {
	select {
	case m.events <- ev:
		return nil
	case <-m.done:
		return ErrClosed
	}
}

// PeerConnected registers a peer and returns its outbound message queue,
// which the caller's writer drains until it is closed.
func (m *Manager) PeerConnected(id peer.ID) (<-chan *protocol.Message, error) {
	reply := make(chan (<-chan *protocol.Message), 1)
	if err := m.post(evPeerConnected{id: id, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case q := <-reply:
		return q, nil
	case <-m.closed:
		return nil, ErrClosed
	}
}

// PeerDisconnected removes the peer; any active download sourced from it
// fails with source_gone.
func (m *Manager) PeerDisconnected(id peer.ID) {
	m.post(evPeerDisconnected{id: id}) //nolint:errcheck
}

// Deliver hands an inbound message to the event loop. It blocks while the
// event queue is full, which bounds work in flight per reader.
func (m *Manager) Deliver(from peer.ID, msg *protocol.Message) error {
	return m.post(evInbound{from: from, msg: msg})
}

// StreamError reports a malformed stream; the peer's outbound queue is
// dropped.
func (m *Manager) StreamError(from peer.ID, err error) {
	m.post(evStreamError{from: from, err: err}) //nolint:errcheck
}

// Offer registers the file at path and broadcasts it to every connected
// peer. Returns the manifest with the file's stable ID.
func (m *Manager) Offer(path string) (*file.Manifest, error) {
	reply := make(chan offerReply, 1)
	if err := m.post(evOffer{path: path, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case r := <-reply:
		return r.manifest, r.err
	case <-m.closed:
		return nil, ErrClosed
	}
}

// Cancel aborts an active download and deletes its partial file.
func (m *Manager) Cancel(fileID string) error {
	reply := make(chan error, 1)
	if err := m.post(evCancel{fileID: fileID, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-m.closed:
		return ErrClosed
	}
}

// Progress reports the status and percent of a download session.
func (m *Manager) Progress(fileID string) (Progress, bool) {
	reply := make(chan progressReply, 1)
	if err := m.post(evProgress{fileID: fileID, reply: reply}); err != nil {
		return Progress{}, false
	}
	select {
	case r := <-reply:
		return r.p, r.ok
	case <-m.closed:
		return Progress{}, false
	}
}

// Sessions lists the progress of every download session, terminal ones
// included.
func (m *Manager) Sessions() []Progress {
	reply := make(chan []Progress, 1)
	if err := m.post(evSessions{reply: reply}); err != nil {
		return nil
	}
	select {
	case out := <-reply:
		return out
	case <-m.closed:
		return nil
	}
}

// --- event handlers, run loop goroutine only ---

func (m *Manager) handlePeerConnected(id peer.ID) <-chan *protocol.Message {
	if q, ok := m.peers[id]; ok {
		return q
	}
	q := make(chan *protocol.Message, m.cfg.OutboundQueueLen)
	m.peers[id] = q
	log.Infof("peer connected: %s", id)
	m.observer.PeerConnected(id)

	// A freshly connected peer learns about everything we already offer.
	for _, manifest := range m.registry.Manifests() {
		m.send(id, protocol.NewFileOffer(manifest))
	}
	return q
}

func (m *Manager) handlePeerDisconnected(id peer.ID) {
	m.dropPeer(id)
	log.Infof("peer disconnected: %s", id)
	m.observer.PeerDisconnected(id)

	for _, s := range m.sessions {
		if s.Status() == StatusActive && s.Source() == id {
			s.Fail(FailSourceGone)
			m.closeSession(s)
		}
	}
}

func (m *Manager) dropPeer(id peer.ID) {
	if q, ok := m.peers[id]; ok {
		close(q)
		delete(m.peers, id)
	}
}

func (m *Manager) handleInbound(from peer.ID, msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeFileOffer:
		m.handleFileOffer(from, msg.Offer)
	case protocol.TypeChunkRequest:
		m.handleChunkRequest(from, msg.Request)
	case protocol.TypeChunkData:
		m.handleChunkData(from, msg.Data)
	case protocol.TypeChunkNotFound:
		m.handleChunkNotFound(from, msg.NotFound)
	case protocol.TypeAck:
		m.handleAck(from, msg.Ack)
	case protocol.TypeError:
		m.handlePeerError(from, msg.Error)
	}
}

func (m *Manager) handleFileOffer(from peer.ID, manifest *file.Manifest) {
	// First offer wins; duplicate offers and offers for files we serve
	// ourselves are ignored.
	if _, exists := m.sessions[manifest.FileID]; exists {
		return
	}
	if _, ours := m.registry.Manifest(manifest.FileID); ours {
		return
	}

	s, err := OpenSession(manifest, from, m.downloadsDir, m.completeDir)
	if err != nil {
		log.Errorf("failed to open download for %s: %v", manifest.Name, err)
		return
	}
	m.sessions[manifest.FileID] = s
	log.Infof("downloading %s (%s, %d chunks) from %s",
		manifest.Name, manifest.FileID[:8], manifest.TotalChunks, from)
	p, _ := m.progressOf(manifest.FileID)
	m.observer.SessionOpened(p)

	if s.Status() == StatusComplete {
		// Zero-chunk file, nothing to request.
		m.closeSession(s)
		return
	}
	m.requestMore(s)
}

func (m *Manager) handleChunkRequest(from peer.ID, req *protocol.ChunkRequest) {
	if len(req.Indexes) > m.cfg.BatchSize {
		log.Warnf("peer %s requested %d chunks, batch limit is %d",
			from, len(req.Indexes), m.cfg.BatchSize)
		m.send(from, protocol.NewError(protocol.CodeMalformed, "request exceeds batch size"))
		return
	}
	for _, index := range req.Indexes {
		if data, ok := m.registry.ReadChunk(req.FileID, index); ok {
			m.send(from, protocol.NewChunkData(req.FileID, index, data))
		} else {
			m.send(from, protocol.NewChunkNotFound(req.FileID, index))
		}
	}
}

func (m *Manager) handleChunkData(from peer.ID, data *protocol.ChunkData) {
	s, ok := m.sessions[data.FileID]
	if !ok || s.Source() != from {
		log.Debugf("chunk for unknown or foreign session %s from %s", data.FileID, from)
		return
	}

	outcome, err := s.OnChunkData(data.Index, data.Data, data.Hash)
	if err != nil {
		log.Errorf("session %s: %v", data.FileID[:8], err)
	}

	switch outcome {
	case OutcomeWritten:
		m.observer.ChunkVerified(data.FileID, data.Index, s.Percent())
		m.send(from, protocol.NewAck(data.FileID, data.Index))
	case OutcomeIntegrityFailure:
		log.Warnf("chunk %d of %s failed verification", data.Index, data.FileID[:8])
	case OutcomeDuplicate:
		if err != nil {
			// The write failure above killed the session.
			m.closeSession(s)
		}
		return
	}

	switch s.Status() {
	case StatusActive:
		m.requestMore(s)
	default:
		m.closeSession(s)
	}
}

func (m *Manager) handleChunkNotFound(from peer.ID, ref *protocol.ChunkRef) {
	s, ok := m.sessions[ref.FileID]
	if !ok || s.Source() != from {
		return
	}
	log.Warnf("source %s has no chunk %d of %s", from, ref.Index, ref.FileID[:8])
	s.OnChunkNotFound(ref.Index)
	if s.Status() == StatusActive {
		m.requestMore(s)
	} else {
		m.closeSession(s)
	}
}

func (m *Manager) handleAck(from peer.ID, ref *protocol.ChunkRef) {
	if _, ok := m.registry.Manifest(ref.FileID); !ok {
		return
	}
	m.acked[ref.FileID]++
	log.Debugf("peer %s verified chunk %d of %s", from, ref.Index, ref.FileID[:8])
	m.observer.ChunkAcked(ref.FileID, ref.Index, from)
}

func (m *Manager) handlePeerError(from peer.ID, info *protocol.ErrorInfo) {
	log.Warnf("peer %s reported error %s: %s", from, info.Code, info.Message)
	m.dropPeer(from)

	for _, s := range m.sessions {
		if s.Status() == StatusActive && s.Source() == from {
			s.Fail(FailPeerError)
			m.closeSession(s)
		}
	}
}

func (m *Manager) handleTick(now time.Time) {
	for _, s := range m.sessions {
		if s.Status() != StatusActive {
			continue
		}
		s.OnTimeout(now, m.cfg.RequestTimeout)
		if s.Status() == StatusActive {
			m.requestMore(s)
		} else {
			m.closeSession(s)
		}
	}
}

func (m *Manager) handleOperatorOffer(path string) (*file.Manifest, error) {
	manifest, err := m.registry.Offer(path)
	if err != nil {
		return nil, err
	}
	offer := protocol.NewFileOffer(manifest)
	for id := range m.peers {
		m.send(id, offer)
	}
	return manifest, nil
}

func (m *Manager) handleCancel(fileID string) error {
	s, ok := m.sessions[fileID]
	if !ok {
		return ErrUnknownFile
	}
	if s.Status() != StatusActive {
		return nil
	}
	s.Cancel()
	log.Infof("cancelled download %s", fileID[:8])
	m.closeSession(s)
	return nil
}

// requestMore schedules the next batch and sends the request to the
// source peer. A new batch is issued only once the current one has fully
// resolved, so request traces stay deterministic: [0,1] then [2,3], never
// interleaved single-chunk top-ups.
func (m *Manager) requestMore(s *Session) {
	if s.InFlight() > 0 {
		return
	}
	indexes := s.ScheduleNext(m.cfg.BatchSize, time.Now())
	if len(indexes) == 0 {
		return
	}
	m.send(s.Source(), protocol.NewChunkRequest(s.Manifest().FileID, indexes))
}

// send enqueues a message for the peer's writer. It blocks while the
// bounded queue is full; a slow peer slows the loop instead of growing
// memory.
func (m *Manager) send(id peer.ID, msg *protocol.Message) {
	q, ok := m.peers[id]
	if !ok {
		log.Debugf("dropping %s to unknown peer %s", msg.Type, id)
		return
	}
	select {
	case q <- msg:
	case <-m.done:
	}
}

func (m *Manager) progressOf(fileID string) (Progress, bool) {
	s, ok := m.sessions[fileID]
	if !ok {
		return Progress{}, false
	}
	return Progress{
		FileID:  fileID,
		Name:    s.Manifest().Name,
		Source:  s.Source(),
		Status:  s.Status(),
		Failure: s.Failure(),
		Percent: s.Percent(),
	}, true
}

func (m *Manager) closeSession(s *Session) {
	if s.reported {
		return
	}
	s.reported = true
	p, _ := m.progressOf(s.Manifest().FileID)
	log.Infof("download %s finished: %s", s.Manifest().FileID[:8], p.Status)
	m.observer.SessionClosed(p)
}
