package transfer

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/corelink-net/corelink/pkg/file"
)

// ChunkState tracks one chunk slot of a download.
type ChunkState uint8

const (
	ChunkMissing ChunkState = iota
	ChunkInFlight
	ChunkWritten
)

// Status is the session-level state. All states other than StatusActive
// are terminal and absorbing.
type Status uint8

const (
	StatusActive Status = iota
	StatusComplete
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusComplete:
		return "complete"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	}
	return "unknown"
}

// FailureKind names the unrecoverable condition that terminated a session.
type FailureKind uint8

const (
	FailNone FailureKind = iota
	FailIntegrityExceeded
	FailTimeout
	FailSourceUnavailable
	FailSourceGone
	FailPeerError
	FailIo
)

func (k FailureKind) String() string {
	switch k {
	case FailNone:
		return "none"
	case FailIntegrityExceeded:
		return "integrity_exceeded"
	case FailTimeout:
		return "timeout"
	case FailSourceUnavailable:
		return "source_unavailable"
	case FailSourceGone:
		return "source_gone"
	case FailPeerError:
		return "peer_error"
	case FailIo:
		return "io"
	}
	return "unknown"
}

// Outcome classifies the session's reaction to an incoming chunk.
type Outcome uint8

const (
	// OutcomeWritten means the chunk verified and was written in place.
	OutcomeWritten Outcome = iota
	// OutcomeDuplicate means the chunk was ignored: terminal session,
	// index out of range, or slot already written.
	OutcomeDuplicate
	// OutcomeIntegrityFailure means verification failed and the slot was
	// returned to missing for a retry.
	OutcomeIntegrityFailure
)

// Retry thresholds per chunk index before a session fails outright.
const (
	maxIntegrityFailures = 3
	maxTimeouts          = 3
	maxNotFound          = 2
)

type chunkSlot struct {
	state     ChunkState
	since     time.Time // request time while in flight
	timeouts  uint8
	integrity uint8
	notFound  uint8
}

// Session is the receiver-side state machine for one download. It owns the
// partial file and is mutated only from the manager's event loop.
type Session struct {
	manifest *file.Manifest
	source   peer.ID

	slots    []chunkSlot
	inFlight int
	written  uint32

	status  Status
	failure FailureKind

	part        *os.File
	partPath    string
	completeDir string

	// reported marks that the manager already announced the terminal
	// state, so late events cannot announce it twice.
	reported bool
}

// OpenSession allocates the partial file preallocated to the final size and
// initializes every chunk slot to missing. A zero-chunk manifest completes
// immediately, leaving an empty file in the complete directory.
func OpenSession(manifest *file.Manifest, source peer.ID, downloadsDir, completeDir string) (*Session, error) {
	partPath := filepath.Join(downloadsDir, manifest.FileID+".part")
	part, err := os.OpenFile(partPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create partial file: %w", err)
	}
	if err := part.Truncate(int64(manifest.Size)); err != nil {
		part.Close()
		os.Remove(partPath)
		return nil, fmt.Errorf("failed to preallocate partial file: %w", err)
	}

	s := &Session{
		manifest:    manifest,
		source:      source,
		slots:       make([]chunkSlot, manifest.TotalChunks),
		status:      StatusActive,
		part:        part,
		partPath:    partPath,
		completeDir: completeDir,
	}

	if manifest.TotalChunks == 0 {
		if err := s.finalize(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Manifest returns the manifest this session downloads against.
func (s *Session) Manifest() *file.Manifest { return s.manifest }

// Source returns the peer the download was sourced from.
func (s *Session) Source() peer.ID { return s.source }

// Status returns the current session status.
func (s *Session) Status() Status { return s.status }

// Failure returns the failure kind for a failed session, FailNone otherwise.
func (s *Session) Failure() FailureKind { return s.failure }

// InFlight returns the number of outstanding chunk requests.
func (s *Session) InFlight() int { return s.inFlight }

// Percent returns download progress as 0..100.
func (s *Session) Percent() int {
	if s.manifest.TotalChunks == 0 {
		return 100
	}
	return int(uint64(s.written) * 100 / uint64(s.manifest.TotalChunks))
}

// Counts returns the number of slots in each chunk state.
func (s *Session) Counts() (missing, inFlight, written int) {
	for i := range s.slots {
		switch s.slots[i].state {
		case ChunkMissing:
			missing++
		case ChunkInFlight:
			inFlight++
		case ChunkWritten:
			written++
		}
	}
	return
}

// ScheduleNext marks up to batch−inFlight missing chunks as in flight, in
// ascending index order, and returns their indexes. Ascending order keeps
// request traces deterministic and grows the file contiguously.
func (s *Session) ScheduleNext(batch int, now time.Time) []uint32 {
	if s.status != StatusActive || s.inFlight >= batch {
		return nil
	}
	var picked []uint32
	for i := range s.slots {
		if s.inFlight >= batch {
			break
		}
		if s.slots[i].state != ChunkMissing {
			continue
		}
		s.slots[i].state = ChunkInFlight
		s.slots[i].since = now
		s.inFlight++
		picked = append(picked, uint32(i))
	}
	return picked
}

// OnChunkData applies an incoming chunk. sentHash is the digest the sender
// attached; the manifest remains the single source of truth, so both the
// computed digest and the sender's must match it.
func (s *Session) OnChunkData(index uint32, data []byte, sentHash string) (Outcome, error) {
	if s.status != StatusActive || index >= s.manifest.TotalChunks {
		return OutcomeDuplicate, nil
	}
	slot := &s.slots[index]
	if slot.state == ChunkWritten {
		return OutcomeDuplicate, nil
	}

	computed := file.HashChunk(data)
	if !s.manifest.VerifyChunk(index, data) || sentHash != computed {
		if slot.state == ChunkInFlight {
			slot.state = ChunkMissing
			s.inFlight--
		}
		slot.integrity++
		if slot.integrity >= maxIntegrityFailures {
			s.fail(FailIntegrityExceeded)
		}
		return OutcomeIntegrityFailure, nil
	}

	if _, err := s.part.WriteAt(data, s.manifest.ChunkOffset(index)); err != nil {
		s.fail(FailIo)
		return OutcomeDuplicate, fmt.Errorf("failed to write chunk %d: %w", index, err)
	}

	if slot.state == ChunkInFlight {
		s.inFlight--
	}
	slot.state = ChunkWritten
	s.written++

	if s.written == s.manifest.TotalChunks {
		if err := s.finalize(); err != nil {
			return OutcomeWritten, err
		}
	}
	return OutcomeWritten, nil
}

// OnChunkNotFound records a refusal from the source. The slot returns to
// missing for one retry; a second refusal for the same index fails the
// session.
func (s *Session) OnChunkNotFound(index uint32) {
	if s.status != StatusActive || index >= s.manifest.TotalChunks {
		return
	}
	slot := &s.slots[index]
	if slot.state == ChunkInFlight {
		slot.state = ChunkMissing
		s.inFlight--
	}
	slot.notFound++
	if slot.notFound >= maxNotFound {
		s.fail(FailSourceUnavailable)
	}
}

// OnTimeout returns every in-flight slot older than timeout to missing.
// An index that times out maxTimeouts times fails the session.
func (s *Session) OnTimeout(now time.Time, timeout time.Duration) {
	if s.status != StatusActive {
		return
	}
	for i := range s.slots {
		slot := &s.slots[i]
		if slot.state != ChunkInFlight || now.Sub(slot.since) < timeout {
			continue
		}
		slot.state = ChunkMissing
		s.inFlight--
		slot.timeouts++
		if slot.timeouts >= maxTimeouts {
			s.fail(FailTimeout)
			return
		}
	}
}

// Fail terminates the session with the given kind and discards the partial
// file. No-op on a session that is already terminal.
func (s *Session) Fail(kind FailureKind) {
	s.fail(kind)
}

// Cancel terminates the session on operator request and discards the
// partial file.
func (s *Session) Cancel() {
	if s.status != StatusActive {
		return
	}
	s.status = StatusCancelled
	s.discard()
}

func (s *Session) fail(kind FailureKind) {
	if s.status != StatusActive {
		return
	}
	s.status = StatusFailed
	s.failure = kind
	s.discard()
}

func (s *Session) discard() {
	if s.part != nil {
		s.part.Close()
		s.part = nil
	}
	os.Remove(s.partPath)
}

// finalize fsyncs the partial file and renames it into the complete
// directory; a file appearing there is fully verified.
func (s *Session) finalize() error {
	if err := s.part.Sync(); err != nil {
		s.fail(FailIo)
		return fmt.Errorf("failed to sync partial file: %w", err)
	}
	if err := s.part.Close(); err != nil {
		s.part = nil
		s.fail(FailIo)
		return fmt.Errorf("failed to close partial file: %w", err)
	}
	s.part = nil
	finalPath := filepath.Join(s.completeDir, s.manifest.Name)
	if err := os.Rename(s.partPath, finalPath); err != nil {
		s.fail(FailIo)
		return fmt.Errorf("failed to move completed file: %w", err)
	}
	s.status = StatusComplete
	return nil
}
