package transfer

import (
	"fmt"
	"os"

	logging "github.com/ipfs/go-log/v2"

	"github.com/corelink-net/corelink/pkg/cache"
	"github.com/corelink-net/corelink/pkg/file"
)

var log = logging.Logger("corelink/transfer")

// offeredFile pairs a manifest with the path chunks are served from.
type offeredFile struct {
	manifest *file.Manifest
	path     string
}

// UploadRegistry tracks locally offered files and serves their chunks,
// consulting the shared chunk cache before touching disk. It is mutated
// only from the manager's event loop and needs no locking.
type UploadRegistry struct {
	files  map[string]*offeredFile
	chunks *cache.ChunkCache
}

// NewUploadRegistry creates a registry backed by the given chunk cache.
func NewUploadRegistry(chunks *cache.ChunkCache) *UploadRegistry {
	return &UploadRegistry{
		files:  make(map[string]*offeredFile),
		chunks: chunks,
	}
}

// Offer builds the manifest for path and registers it. Re-offering the
// same content yields the same file ID and replaces the stored path.
func (r *UploadRegistry) Offer(path string) (*file.Manifest, error) {
	manifest, err := file.BuildManifest(path)
	if err != nil {
		return nil, fmt.Errorf("failed to offer %s: %w", path, err)
	}
	r.files[manifest.FileID] = &offeredFile{manifest: manifest, path: path}
	log.Infof("offering file %s (%s, %d bytes, %d chunks)",
		manifest.Name, manifest.FileID[:8], manifest.Size, manifest.TotalChunks)
	return manifest, nil
}

// Manifest returns the manifest for an offered file.
func (r *UploadRegistry) Manifest(fileID string) (*file.Manifest, bool) {
	of, ok := r.files[fileID]
	if !ok {
		return nil, false
	}
	return of.manifest, true
}

// Manifests returns the manifests of every offered file.
func (r *UploadRegistry) Manifests() []*file.Manifest {
	out := make([]*file.Manifest, 0, len(r.files))
	for _, of := range r.files {
		out = append(out, of.manifest)
	}
	return out
}

// ReadChunk returns the bytes of one chunk of an offered file. It consults
// the cache first; on a miss it performs a positional read from the source
// path and verifies the bytes against the manifest before caching them.
func (r *UploadRegistry) ReadChunk(fileID string, index uint32) ([]byte, bool) {
	of, ok := r.files[fileID]
	if !ok {
		log.Debugf("chunk request for unknown file %s", fileID)
		return nil, false
	}
	manifest := of.manifest
	if index >= manifest.TotalChunks {
		log.Warnf("chunk index %d out of range for %s (%d chunks)",
			index, fileID[:8], manifest.TotalChunks)
		return nil, false
	}

	if data, ok := r.chunks.Get(fileID, index); ok {
		return data, true
	}

	f, err := os.Open(of.path)
	if err != nil {
		log.Errorf("failed to open offered file %s: %v", of.path, err)
		return nil, false
	}
	defer f.Close()

	buf := make([]byte, manifest.ChunkLen(index))
	if _, err := f.ReadAt(buf, manifest.ChunkOffset(index)); err != nil {
		log.Errorf("failed to read chunk %d of %s: %v", index, of.path, err)
		return nil, false
	}

	// The source file may have changed since it was offered; never serve
	// bytes that no longer match the manifest.
	if !manifest.VerifyChunk(index, buf) {
		log.Errorf("offered file %s changed on disk, chunk %d no longer matches", of.path, index)
		return nil, false
	}

	r.chunks.Put(fileID, index, buf)
	return buf, true
}
