package file

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func patternData(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func TestBuildManifestSmallFile(t *testing.T) {
	data := []byte("Hello CoreLink!\n")
	path := writeTestFile(t, "hi.txt", data)

	m, err := BuildManifest(path)
	require.NoError(t, err)

	assert.Equal(t, "hi.txt", m.Name)
	assert.Equal(t, uint64(len(data)), m.Size)
	assert.Equal(t, uint32(1), m.TotalChunks)
	require.Len(t, m.ChunkHashes, 1)
	assert.Equal(t, HashChunk(data), m.ChunkHashes[0])
	assert.True(t, m.Valid())
}

func TestBuildManifestMultiChunk(t *testing.T) {
	// 3 full chunks plus an 8KiB tail
	data := patternData(3*DefaultChunkSize + 8*1024)
	path := writeTestFile(t, "big.bin", data)

	m, err := BuildManifest(path)
	require.NoError(t, err)

	assert.Equal(t, uint32(4), m.TotalChunks)
	assert.Equal(t, DefaultChunkSize, m.ChunkLen(0))
	assert.Equal(t, DefaultChunkSize, m.ChunkLen(2))
	assert.Equal(t, 8*1024, m.ChunkLen(3))
	assert.Equal(t, int64(2*DefaultChunkSize), m.ChunkOffset(2))

	for i := uint32(0); i < m.TotalChunks; i++ {
		start := int(m.ChunkOffset(i))
		end := start + m.ChunkLen(i)
		assert.True(t, m.VerifyChunk(i, data[start:end]), "chunk %d", i)
	}
}

func TestBuildManifestEmptyFile(t *testing.T) {
	path := writeTestFile(t, "empty", nil)

	m, err := BuildManifest(path)
	require.NoError(t, err)

	assert.Equal(t, uint32(0), m.TotalChunks)
	assert.Empty(t, m.ChunkHashes)
	assert.NotEmpty(t, m.FileID)
	assert.True(t, m.Valid())
}

func TestBuildManifestMissingFile(t *testing.T) {
	_, err := BuildManifest(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestFileIDDeterministic(t *testing.T) {
	data := patternData(100_000)
	pathA := writeTestFile(t, "a.bin", data)
	pathB := writeTestFile(t, "b.bin", data)

	a, err := BuildManifest(pathA)
	require.NoError(t, err)
	b, err := BuildManifest(pathB)
	require.NoError(t, err)

	// Identity follows content, not name or location.
	assert.Equal(t, a.FileID, b.FileID)

	data[0] ^= 0xff
	pathC := writeTestFile(t, "c.bin", data)
	c, err := BuildManifest(pathC)
	require.NoError(t, err)
	assert.NotEqual(t, a.FileID, c.FileID)
}

func TestVerifyChunkRejects(t *testing.T) {
	data := patternData(DefaultChunkSize + 100)
	path := writeTestFile(t, "v.bin", data)

	m, err := BuildManifest(path)
	require.NoError(t, err)

	// Out of range index
	assert.False(t, m.VerifyChunk(2, data[:100]))
	// Wrong length for position
	assert.False(t, m.VerifyChunk(0, data[:100]))
	// Right length, wrong bytes
	bad := make([]byte, DefaultChunkSize)
	assert.False(t, m.VerifyChunk(0, bad))
	// Full chunk bytes presented at the tail index
	assert.False(t, m.VerifyChunk(1, data[:DefaultChunkSize]))
}

func TestManifestValidRejectsTampering(t *testing.T) {
	path := writeTestFile(t, "t.bin", patternData(1000))
	m, err := BuildManifest(path)
	require.NoError(t, err)

	forged := *m
	forged.Size = m.Size + 1
	assert.False(t, forged.Valid())

	forged = *m
	forged.FileID = "deadbeef"
	assert.False(t, forged.Valid())
}
