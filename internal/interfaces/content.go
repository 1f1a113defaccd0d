package interfaces

import (
	"io"

	"github.com/llathrop/ansible-simpleweb-sub000/internal/models"
)

// ContentService - the revisioned playbook bundle
type ContentService interface {
	// CurrentRevision returns the content-addressed revision string
	CurrentRevision() (string, error)

	// Manifest maps bundle-relative paths to size and sha256
	Manifest() (models.Manifest, error)

	// WriteArchive streams a tar.gz of the bundle to w
	WriteArchive(w io.Writer) error

	// Open returns a single bundle file; paths escaping the bundle root
	// are rejected.
	Open(path string) (io.ReadCloser, int64, error)

	// Commit applies changes inside the bundle directory and recomputes
	// the revision, emitting a revision_changed event when it moved.
	Commit(apply func(dir string) error) (string, error)
}
