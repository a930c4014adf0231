package file

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// DefaultChunkSize is the fixed slice size files are split into. Only the
// last chunk of a file may be shorter.
const DefaultChunkSize = 64 * 1024

// Manifest describes an offered file: its identity, size and the SHA-256
// digest of every chunk. The file ID is derived from the chunk hashes and
// the total size, so re-offering identical content yields the same ID.
type Manifest struct {
	FileID      string   `json:"file_id"`
	Name        string   `json:"name"`
	Size        uint64   `json:"size"`
	ChunkSize   uint32   `json:"chunk_size"`
	TotalChunks uint32   `json:"total_chunks"`
	ChunkHashes []string `json:"chunk_hashes"`
}

// HashChunk returns the hex-encoded SHA-256 digest of chunk data.
func HashChunk(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// DeriveFileID computes the file ID from the ordered chunk digests and the
// total file size. Hashes must be hex-encoded SHA-256 digests.
func DeriveFileID(chunkHashes []string, size uint64) (string, error) {
	h := sha256.New()
	for i, hs := range chunkHashes {
		raw, err := hex.DecodeString(hs)
		if err != nil || len(raw) != sha256.Size {
			return "", fmt.Errorf("invalid chunk hash at index %d", i)
		}
		h.Write(raw)
	}
	var sz [8]byte
	binary.BigEndian.PutUint64(sz[:], size)
	h.Write(sz[:])
	return hex.EncodeToString(h.Sum(nil)), nil
}

// BuildManifest reads the file at path sequentially and produces its
// manifest. A zero-byte file is valid and yields a manifest with no chunks.
func BuildManifest(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	size := uint64(info.Size())
	totalChunks := uint32((size + DefaultChunkSize - 1) / DefaultChunkSize)

	hashes := make([]string, 0, totalChunks)
	buf := make([]byte, DefaultChunkSize)
	for i := uint32(0); i < totalChunks; i++ {
		n, err := io.ReadFull(f, buf)
		if err == io.ErrUnexpectedEOF && i == totalChunks-1 {
			err = nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read chunk %d: %w", i, err)
		}
		hashes = append(hashes, HashChunk(buf[:n]))
	}

	fileID, err := DeriveFileID(hashes, size)
	if err != nil {
		return nil, err
	}

	return &Manifest{
		FileID:      fileID,
		Name:        filepath.Base(path),
		Size:        size,
		ChunkSize:   DefaultChunkSize,
		TotalChunks: totalChunks,
		ChunkHashes: hashes,
	}, nil
}

// ChunkLen returns the expected byte length of the chunk at index.
func (m *Manifest) ChunkLen(index uint32) int {
	if index >= m.TotalChunks {
		return 0
	}
	if index == m.TotalChunks-1 {
		return int(m.Size - uint64(index)*uint64(m.ChunkSize))
	}
	return int(m.ChunkSize)
}

// ChunkOffset returns the byte offset of the chunk at index.
func (m *Manifest) ChunkOffset(index uint32) int64 {
	return int64(index) * int64(m.ChunkSize)
}

// Valid reports whether the manifest is internally consistent: chunk count
// matches size, hash list matches chunk count, and the file ID is derivable
// from the hashes.
func (m *Manifest) Valid() bool {
	if m.ChunkSize == 0 {
		return false
	}
	want := uint32((m.Size + uint64(m.ChunkSize) - 1) / uint64(m.ChunkSize))
	if m.TotalChunks != want || uint32(len(m.ChunkHashes)) != want {
		return false
	}
	id, err := DeriveFileID(m.ChunkHashes, m.Size)
	if err != nil {
		return false
	}
	return id == m.FileID
}

// VerifyChunk reports whether data is byte-exact for the chunk at index:
// the expected length for its position and the digest recorded in the
// manifest.
func (m *Manifest) VerifyChunk(index uint32, data []byte) bool {
	if index >= m.TotalChunks {
		return false
	}
	if len(data) != m.ChunkLen(index) {
		return false
	}
	return HashChunk(data) == m.ChunkHashes[index]
}
