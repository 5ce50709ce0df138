package blob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// metadataSuffix names the sidecar file that holds object metadata in
// simulation mode, e.g. gps-data/x.json.metadata.json.
const metadataSuffix = ".metadata.json"

const (
	fsDirPerms  = 0o700
	fsFilePerms = 0o600
)

// FSStore implements Store on a local directory tree. It exists for offline
// development and tests and must not be used in production; behavior
// otherwise matches GCSStore, including silent overwrite on Upload.
type FSStore struct {
	root    string
	logger  *slog.Logger
	nowFunc func() time.Time
}

// NewFSStore creates a filesystem store rooted at root, creating the
// directory if needed.
func NewFSStore(root string, logger *slog.Logger) (*FSStore, error) {
	if err := os.MkdirAll(root, fsDirPerms); err != nil {
		return nil, fmt.Errorf("blob: creating simulation root %s: %w", root, errors.Join(ErrPermanentConfig, err))
	}

	return &FSStore{root: root, logger: logger, nowFunc: time.Now}, nil
}

// sidecar is the on-disk shape of the metadata file.
type sidecar struct {
	DataType     string `json:"dataType"`
	ProcessingID string `json:"processingId"`
	RecordCount  int    `json:"recordCount"`
	UploadedAt   string `json:"uploadedAt"`
	Format       string `json:"format"`
}

// Upload writes the body and a metadata sidecar, both atomically
// (write-to-temp then rename), so a concurrent List never observes a
// half-written object.
func (s *FSStore) Upload(ctx context.Context, name string, body []byte, md Metadata) (UploadInfo, error) {
	if err := ctx.Err(); err != nil {
		return UploadInfo{}, fmt.Errorf("blob: uploading %s: %w", name, errors.Join(ErrTransient, err))
	}

	path := filepath.Join(s.root, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(path), fsDirPerms); err != nil {
		return UploadInfo{}, fmt.Errorf("blob: uploading %s: %w", name, errors.Join(ErrTransient, err))
	}

	if err := writeFileAtomic(path, body); err != nil {
		return UploadInfo{}, fmt.Errorf("blob: uploading %s: %w", name, errors.Join(ErrTransient, err))
	}

	sc := sidecar{
		DataType:     md.DataType,
		ProcessingID: md.ProcessingID,
		RecordCount:  md.RecordCount,
		UploadedAt:   md.UploadedAt.UTC().Format(time.RFC3339Nano),
		Format:       md.Format,
	}

	scData, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return UploadInfo{}, fmt.Errorf("blob: encoding metadata for %s: %w", name, err)
	}

	if err := writeFileAtomic(path+metadataSuffix, scData); err != nil {
		return UploadInfo{}, fmt.Errorf("blob: uploading metadata for %s: %w", name, errors.Join(ErrTransient, err))
	}

	info := UploadInfo{
		URI:       "file://" + path,
		SizeBytes: int64(len(body)),
	}

	s.logger.Debug("blob uploaded (simulation)",
		slog.String("uri", info.URI),
		slog.Int64("size_bytes", info.SizeBytes),
	)

	return info, nil
}

// List walks the tree under prefix, skipping sidecars, ordered by name.
func (s *FSStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("blob: listing %s: %w", prefix, errors.Join(ErrTransient, err))
	}

	var out []ObjectInfo

	walkErr := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil //nolint:nilerr // unreadable entries are skipped, matching listing semantics
		}

		if strings.HasSuffix(path, metadataSuffix) {
			return nil
		}

		rel, relErr := filepath.Rel(s.root, path)
		if relErr != nil {
			return nil
		}

		name := filepath.ToSlash(rel)
		if prefix != "" && !strings.HasPrefix(name, prefix) {
			return nil
		}

		info, infoErr := d.Info()
		if infoErr != nil {
			return nil
		}

		out = append(out, ObjectInfo{
			Name:      name,
			SizeBytes: info.Size(),
			CreatedAt: info.ModTime(),
			Metadata:  s.readSidecar(path),
		})

		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("blob: listing %s: %w", prefix, errors.Join(ErrTransient, walkErr))
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out, nil
}

// Read returns the body of the named object.
func (s *FSStore) Read(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("blob: reading %s: %w", name, errors.Join(ErrTransient, err))
	}

	body, err := os.ReadFile(filepath.Join(s.root, filepath.FromSlash(name)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("blob: reading %s: %w", name, ErrNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("blob: reading %s: %w", name, errors.Join(ErrTransient, err))
	}

	return body, nil
}

// Delete removes the object and its sidecar.
func (s *FSStore) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("blob: deleting %s: %w", name, errors.Join(ErrTransient, err))
	}

	path := filepath.Join(s.root, filepath.FromSlash(name))

	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("blob: deleting %s: %w", name, ErrNotFound)
		}

		return fmt.Errorf("blob: deleting %s: %w", name, errors.Join(ErrTransient, err))
	}

	// Sidecar may be missing for objects written by other tools.
	_ = os.Remove(path + metadataSuffix)

	return nil
}

// readSidecar loads the metadata sidecar for an object path. Missing or
// malformed sidecars yield nil metadata rather than failing the listing.
func (s *FSStore) readSidecar(path string) map[string]string {
	data, err := os.ReadFile(path + metadataSuffix)
	if err != nil {
		return nil
	}

	var sc sidecar
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil
	}

	return map[string]string{
		MetaDataType:     sc.DataType,
		MetaProcessingID: sc.ProcessingID,
		MetaRecordCount:  fmt.Sprintf("%d", sc.RecordCount),
		MetaUploadedAt:   sc.UploadedAt,
		MetaFormat:       sc.Format,
	}
}

// writeFileAtomic writes data to path via a temp file in the same directory
// plus rename, so readers never observe partial content.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, ".upload-*.tmp")
	if err != nil {
		return err
	}

	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := os.Chmod(tmpPath, fsFilePerms); err != nil {
		tmp.Close()
		return err
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}

	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}

	success = true

	return nil
}
