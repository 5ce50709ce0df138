// Package blob provides the blob-store client behind one capability
// interface with two implementations: Google Cloud Storage for production
// and a local filesystem tree for offline development and tests. The
// implementation is selected at construction; nothing branches on a mode
// flag inside the pipeline.
package blob

import (
	"context"
	"errors"
	"time"
)

// FormatNDJSON is the format tag attached to every uploaded object.
const FormatNDJSON = "newline_delimited_json"

// Metadata keys attached to uploaded objects. The warehouse side and the
// janitor both read these back, so the names are part of the contract.
const (
	MetaDataType     = "dataType"
	MetaProcessingID = "processingId"
	MetaRecordCount  = "recordCount"
	MetaUploadedAt   = "uploadedAt"
	MetaFormat       = "format"
)

// Error kinds. ErrTransient covers network faults and 5xx responses;
// ErrPermanentConfig covers missing buckets, denied credentials and other
// conditions that need operator action rather than a retry.
var (
	ErrTransient       = errors.New("blob: transient store error")
	ErrPermanentConfig = errors.New("blob: permanent configuration error")
	ErrNotFound        = errors.New("blob: object not found")
)

// Metadata describes one uploaded batch object.
type Metadata struct {
	DataType     string
	ProcessingID string
	RecordCount  int
	UploadedAt   time.Time
	Format       string
}

// UploadInfo reports where an object landed and how big it is.
type UploadInfo struct {
	URI       string
	SizeBytes int64
}

// ObjectInfo describes one stored object in a listing.
type ObjectInfo struct {
	Name      string
	SizeBytes int64
	CreatedAt time.Time
	Metadata  map[string]string
}

// Store is the capability interface the shipper consumes.
type Store interface {
	// Upload writes body under name with the given metadata, overwriting
	// silently if name already exists. There is no partial-upload retry;
	// the caller decides what to do with a failure.
	Upload(ctx context.Context, name string, body []byte, md Metadata) (UploadInfo, error)

	// List returns objects under prefix, ordered by name.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// Read returns the full body of the named object.
	Read(ctx context.Context, name string) ([]byte, error)

	// Delete removes the named object.
	Delete(ctx context.Context, name string) error
}
