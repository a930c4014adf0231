package transfer

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corelink-net/corelink/pkg/file"
)

type sessionEnv struct {
	data         []byte
	manifest     *file.Manifest
	session      *Session
	downloadsDir string
	completeDir  string
}

func newSessionEnv(t *testing.T, size int) *sessionEnv {
	t.Helper()
	root := t.TempDir()
	downloadsDir := filepath.Join(root, "downloads")
	completeDir := filepath.Join(root, "complete")
	require.NoError(t, os.MkdirAll(downloadsDir, 0755))
	require.NoError(t, os.MkdirAll(completeDir, 0755))

	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i * 7 % 256)
	}
	src := filepath.Join(root, "source.bin")
	require.NoError(t, os.WriteFile(src, data, 0644))

	manifest, err := file.BuildManifest(src)
	require.NoError(t, err)

	peerID, err := test.RandPeerID()
	require.NoError(t, err)

	session, err := OpenSession(manifest, peerID, downloadsDir, completeDir)
	require.NoError(t, err)

	return &sessionEnv{
		data:         data,
		manifest:     manifest,
		session:      session,
		downloadsDir: downloadsDir,
		completeDir:  completeDir,
	}
}

func (e *sessionEnv) chunk(index uint32) []byte {
	start := int(e.manifest.ChunkOffset(index))
	return e.data[start : start+e.manifest.ChunkLen(index)]
}

func (e *sessionEnv) assertConservation(t *testing.T) {
	t.Helper()
	missing, inFlight, written := e.session.Counts()
	assert.Equal(t, int(e.manifest.TotalChunks), missing+inFlight+written,
		"chunk conservation must hold")
}

func TestScheduleNextAscendingAndBounded(t *testing.T) {
	env := newSessionEnv(t, 4*file.DefaultChunkSize) // 4 chunks
	now := time.Now()

	first := env.session.ScheduleNext(2, now)
	assert.Equal(t, []uint32{0, 1}, first)
	assert.Equal(t, 2, env.session.InFlight())
	env.assertConservation(t)

	// Batch is saturated, nothing more to hand out.
	assert.Empty(t, env.session.ScheduleNext(2, now))

	_, err := env.session.OnChunkData(0, env.chunk(0), file.HashChunk(env.chunk(0)))
	require.NoError(t, err)

	second := env.session.ScheduleNext(2, now)
	assert.Equal(t, []uint32{2}, second)
	env.assertConservation(t)
}

func TestDownloadToCompletion(t *testing.T) {
	env := newSessionEnv(t, 3*file.DefaultChunkSize+8*1024)
	now := time.Now()

	for env.session.Status() == StatusActive {
		batch := env.session.ScheduleNext(5, now)
		require.NotEmpty(t, batch)
		for _, index := range batch {
			outcome, err := env.session.OnChunkData(index, env.chunk(index), file.HashChunk(env.chunk(index)))
			require.NoError(t, err)
			assert.Equal(t, OutcomeWritten, outcome)
			env.assertConservation(t)
		}
	}

	assert.Equal(t, StatusComplete, env.session.Status())
	assert.Equal(t, 100, env.session.Percent())

	final := filepath.Join(env.completeDir, env.manifest.Name)
	got, err := os.ReadFile(final)
	require.NoError(t, err)
	assert.Equal(t, env.data, got)

	// Partial file was renamed away.
	_, err = os.Stat(filepath.Join(env.downloadsDir, env.manifest.FileID+".part"))
	assert.True(t, os.IsNotExist(err))
}

func TestDuplicateAndOutOfRangeChunks(t *testing.T) {
	env := newSessionEnv(t, 2*file.DefaultChunkSize)
	now := time.Now()
	env.session.ScheduleNext(5, now)

	outcome, err := env.session.OnChunkData(0, env.chunk(0), file.HashChunk(env.chunk(0)))
	require.NoError(t, err)
	require.Equal(t, OutcomeWritten, outcome)

	// Replay of an already written chunk
	outcome, err = env.session.OnChunkData(0, env.chunk(0), file.HashChunk(env.chunk(0)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)

	// Index past the end
	outcome, err = env.session.OnChunkData(9, env.chunk(0), file.HashChunk(env.chunk(0)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)
	env.assertConservation(t)
}

func TestIntegrityRetryThenSuccess(t *testing.T) {
	env := newSessionEnv(t, 2 * file.DefaultChunkSize)
	now := time.Now()
	env.session.ScheduleNext(5, now)

	corrupt := make([]byte, file.DefaultChunkSize)

	// Two bad deliveries leave the session active with the slot missing.
	for i := 0; i < 2; i++ {
		outcome, err := env.session.OnChunkData(0, corrupt, file.HashChunk(corrupt))
		require.NoError(t, err)
		assert.Equal(t, OutcomeIntegrityFailure, outcome)
		assert.Equal(t, StatusActive, env.session.Status())
		env.assertConservation(t)
		env.session.ScheduleNext(5, now)
	}

	// Third attempt with the true bytes succeeds.
	outcome, err := env.session.OnChunkData(0, env.chunk(0), file.HashChunk(env.chunk(0)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeWritten, outcome)

	outcome, err = env.session.OnChunkData(1, env.chunk(1), file.HashChunk(env.chunk(1)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeWritten, outcome)
	assert.Equal(t, StatusComplete, env.session.Status())
}

func TestIntegrityEscalatesToFailure(t *testing.T) {
	env := newSessionEnv(t, 2 * file.DefaultChunkSize)
	now := time.Now()
	corrupt := make([]byte, file.DefaultChunkSize)

	for i := 0; i < 3; i++ {
		env.session.ScheduleNext(5, now)
		outcome, err := env.session.OnChunkData(0, corrupt, file.HashChunk(corrupt))
		require.NoError(t, err)
		assert.Equal(t, OutcomeIntegrityFailure, outcome)
	}

	assert.Equal(t, StatusFailed, env.session.Status())
	assert.Equal(t, FailIntegrityExceeded, env.session.Failure())

	// Partial file removed, complete directory untouched.
	_, err := os.Stat(filepath.Join(env.downloadsDir, env.manifest.FileID+".part"))
	assert.True(t, os.IsNotExist(err))
	entries, err := os.ReadDir(env.completeDir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	// Terminal state absorbs further deliveries.
	outcome, err := env.session.OnChunkData(1, env.chunk(1), file.HashChunk(env.chunk(1)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)
}

func TestSenderHashMismatchRejected(t *testing.T) {
	env := newSessionEnv(t, file.DefaultChunkSize)
	now := time.Now()
	env.session.ScheduleNext(5, now)

	// Correct bytes, lying digest: still an integrity failure.
	outcome, err := env.session.OnChunkData(0, env.chunk(0), file.HashChunk([]byte("wrong")))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIntegrityFailure, outcome)
}

func TestChunkNotFoundEscalates(t *testing.T) {
	env := newSessionEnv(t, file.DefaultChunkSize)
	now := time.Now()
	env.session.ScheduleNext(5, now)

	env.session.OnChunkNotFound(0)
	assert.Equal(t, StatusActive, env.session.Status())
	env.assertConservation(t)

	env.session.ScheduleNext(5, now)
	env.session.OnChunkNotFound(0)
	assert.Equal(t, StatusFailed, env.session.Status())
	assert.Equal(t, FailSourceUnavailable, env.session.Failure())
}

func TestTimeoutReturnsSlotAndEscalates(t *testing.T) {
	env := newSessionEnv(t, 2 * file.DefaultChunkSize)
	start := time.Now()

	for round := 0; round < 3; round++ {
		env.session.ScheduleNext(5, start)
		require.Equal(t, 2, env.session.InFlight())

		// Not yet expired
		env.session.OnTimeout(start.Add(5*time.Second), 10*time.Second)
		assert.Equal(t, 2, env.session.InFlight())

		env.session.OnTimeout(start.Add(11*time.Second), 10*time.Second)
		env.assertConservation(t)
		if round < 2 {
			assert.Equal(t, StatusActive, env.session.Status())
			assert.Equal(t, 0, env.session.InFlight())
		}
	}

	assert.Equal(t, StatusFailed, env.session.Status())
	assert.Equal(t, FailTimeout, env.session.Failure())
}

func TestCancelRemovesPartialFile(t *testing.T) {
	env := newSessionEnv(t, file.DefaultChunkSize)
	env.session.ScheduleNext(5, time.Now())

	env.session.Cancel()
	assert.Equal(t, StatusCancelled, env.session.Status())

	_, err := os.Stat(filepath.Join(env.downloadsDir, env.manifest.FileID+".part"))
	assert.True(t, os.IsNotExist(err))

	// Absorbing: cancel again and deliver a chunk, nothing changes.
	env.session.Cancel()
	outcome, err := env.session.OnChunkData(0, env.chunk(0), file.HashChunk(env.chunk(0)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)
}

func TestZeroByteFileCompletesOnOpen(t *testing.T) {
	env := newSessionEnv(t, 0)

	assert.Equal(t, StatusComplete, env.session.Status())
	assert.Equal(t, 100, env.session.Percent())
	assert.Empty(t, env.session.ScheduleNext(5, time.Now()))

	got, err := os.ReadFile(filepath.Join(env.completeDir, env.manifest.Name))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestPreallocationSizesPartialFile(t *testing.T) {
	env := newSessionEnv(t, 3*file.DefaultChunkSize+123)

	info, err := os.Stat(filepath.Join(env.downloadsDir, env.manifest.FileID+".part"))
	require.NoError(t, err)
	assert.Equal(t, int64(3*file.DefaultChunkSize+123), info.Size())
}
