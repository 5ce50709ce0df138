package blob

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"
)

func testFSStore(t *testing.T) *FSStore {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	s, err := NewFSStore(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}

	return s
}

func testMetadata() Metadata {
	return Metadata{
		DataType:     "gps",
		ProcessingID: "7f3a0001",
		RecordCount:  3,
		UploadedAt:   time.Date(2024, 1, 15, 10, 31, 0, 0, time.UTC),
		Format:       FormatNDJSON,
	}
}

func TestFSStore_UploadReadRoundTrip(t *testing.T) {
	t.Parallel()

	s := testFSStore(t)
	ctx := context.Background()

	body := []byte(`{"deviceId":"A","lat":-12.0464,"lng":-77.0428,"timestamp":"2024-01-15T10:30:00Z"}` + "\n")

	info, err := s.Upload(ctx, "gps-data/2024-01-15T10-31-00.000Z_7f3a0001.json", body, testMetadata())
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}

	if info.SizeBytes != int64(len(body)) {
		t.Fatalf("SizeBytes = %d, want %d", info.SizeBytes, len(body))
	}

	got, err := s.Read(ctx, "gps-data/2024-01-15T10-31-00.000Z_7f3a0001.json")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	if string(got) != string(body) {
		t.Fatalf("Read = %q, want %q", got, body)
	}
}

func TestFSStore_ListReturnsMetadataAndSkipsSidecars(t *testing.T) {
	t.Parallel()

	s := testFSStore(t)
	ctx := context.Background()

	if _, err := s.Upload(ctx, "gps-data/a.json", []byte("{}\n"), testMetadata()); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	if _, err := s.Upload(ctx, "mobile-data/b.json", []byte("{}\n"), testMetadata()); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	objs, err := s.List(ctx, "gps-data/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}

	if len(objs) != 1 {
		t.Fatalf("List = %d objects, want 1", len(objs))
	}

	if objs[0].Name != "gps-data/a.json" {
		t.Fatalf("Name = %q", objs[0].Name)
	}

	if objs[0].Metadata[MetaProcessingID] != "7f3a0001" {
		t.Fatalf("Metadata[%s] = %q, want 7f3a0001", MetaProcessingID, objs[0].Metadata[MetaProcessingID])
	}

	if objs[0].Metadata[MetaFormat] != FormatNDJSON {
		t.Fatalf("Metadata[%s] = %q", MetaFormat, objs[0].Metadata[MetaFormat])
	}
}

func TestFSStore_UploadOverwritesSilently(t *testing.T) {
	t.Parallel()

	s := testFSStore(t)
	ctx := context.Background()

	if _, err := s.Upload(ctx, "gps-data/a.json", []byte("first\n"), testMetadata()); err != nil {
		t.Fatalf("first Upload: %v", err)
	}

	if _, err := s.Upload(ctx, "gps-data/a.json", []byte("second\n"), testMetadata()); err != nil {
		t.Fatalf("second Upload: %v", err)
	}

	got, err := s.Read(ctx, "gps-data/a.json")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	if string(got) != "second\n" {
		t.Fatalf("Read = %q, want overwrite to win", got)
	}
}

func TestFSStore_DeleteRemovesObjectAndSidecar(t *testing.T) {
	t.Parallel()

	s := testFSStore(t)
	ctx := context.Background()

	if _, err := s.Upload(ctx, "gps-data/a.json", []byte("{}\n"), testMetadata()); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	if err := s.Delete(ctx, "gps-data/a.json"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if _, err := s.Read(ctx, "gps-data/a.json"); err == nil {
		t.Fatal("Read after Delete should fail")
	}

	objs, err := s.List(ctx, "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}

	if len(objs) != 0 {
		t.Fatalf("List after Delete = %v, want empty", objs)
	}
}
