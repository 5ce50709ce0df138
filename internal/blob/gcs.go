package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSStore implements Store against a Google Cloud Storage bucket.
type GCSStore struct {
	client *storage.Client
	bucket string
	logger *slog.Logger
}

// NewGCSStore creates a GCS-backed store. Credentials resolve through
// Application Default Credentials unless extra client options are passed
// (e.g. option.WithCredentialsFile).
func NewGCSStore(ctx context.Context, bucket string, logger *slog.Logger, opts ...option.ClientOption) (*GCSStore, error) {
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("blob: creating GCS client: %w", errors.Join(ErrPermanentConfig, err))
	}

	return &GCSStore{client: client, bucket: bucket, logger: logger}, nil
}

// Close releases the underlying client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}

// Upload writes body to gs://{bucket}/{name} with the batch metadata
// attached as object metadata. GCS object writes are atomic: the object
// becomes visible only when Close succeeds.
func (s *GCSStore) Upload(ctx context.Context, name string, body []byte, md Metadata) (UploadInfo, error) {
	w := s.client.Bucket(s.bucket).Object(name).NewWriter(ctx)
	w.ContentType = "application/x-ndjson"
	w.Metadata = metadataAttrs(md)

	if _, err := w.Write(body); err != nil {
		_ = w.Close()
		return UploadInfo{}, classifyGCS("uploading", name, err)
	}

	if err := w.Close(); err != nil {
		return UploadInfo{}, classifyGCS("uploading", name, err)
	}

	info := UploadInfo{
		URI:       fmt.Sprintf("gs://%s/%s", s.bucket, name),
		SizeBytes: w.Attrs().Size,
	}

	s.logger.Debug("blob uploaded",
		slog.String("uri", info.URI),
		slog.Int64("size_bytes", info.SizeBytes),
	)

	return info, nil
}

// List returns objects under prefix ordered by name.
func (s *GCSStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo

	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: prefix})

	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}

		if err != nil {
			return nil, classifyGCS("listing", prefix, err)
		}

		out = append(out, ObjectInfo{
			Name:      attrs.Name,
			SizeBytes: attrs.Size,
			CreatedAt: attrs.Created,
			Metadata:  attrs.Metadata,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out, nil
}

// Read returns the full object body.
func (s *GCSStore) Read(ctx context.Context, name string) ([]byte, error) {
	r, err := s.client.Bucket(s.bucket).Object(name).NewReader(ctx)
	if err != nil {
		return nil, classifyGCS("reading", name, err)
	}
	defer r.Close()

	body, err := io.ReadAll(r)
	if err != nil {
		return nil, classifyGCS("reading", name, err)
	}

	return body, nil
}

// Delete removes the object.
func (s *GCSStore) Delete(ctx context.Context, name string) error {
	if err := s.client.Bucket(s.bucket).Object(name).Delete(ctx); err != nil {
		return classifyGCS("deleting", name, err)
	}

	return nil
}

// metadataAttrs flattens Metadata into GCS string attributes.
func metadataAttrs(md Metadata) map[string]string {
	return map[string]string{
		MetaDataType:     md.DataType,
		MetaProcessingID: md.ProcessingID,
		MetaRecordCount:  strconv.Itoa(md.RecordCount),
		MetaUploadedAt:   md.UploadedAt.UTC().Format(time.RFC3339Nano),
		MetaFormat:       md.Format,
	}
}

// classifyGCS maps vendor errors onto the error kinds the pipeline
// understands. Auth and missing-resource failures need an operator;
// everything else is retried on a later cycle.
func classifyGCS(op, name string, err error) error {
	kind := ErrTransient

	switch {
	case errors.Is(err, storage.ErrBucketNotExist), errors.Is(err, storage.ErrObjectNotExist):
		kind = ErrNotFound
		if op == "uploading" || op == "listing" {
			kind = ErrPermanentConfig
		}
	default:
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) {
			switch apiErr.Code {
			case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
				kind = ErrPermanentConfig
			}
		}
	}

	return fmt.Errorf("blob: %s %s: %w", op, name, errors.Join(kind, err))
}
