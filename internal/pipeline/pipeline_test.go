package pipeline

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/fleettrace/locship/internal/backup"
	"github.com/fleettrace/locship/internal/blob"
	"github.com/fleettrace/locship/internal/queue"
	"github.com/fleettrace/locship/internal/warehouse"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// flakyBlob wraps a real store with an injectable upload failure.
type flakyBlob struct {
	blob.Store

	mu        sync.Mutex
	uploadErr error
}

func (f *flakyBlob) setUploadErr(err error) {
	f.mu.Lock()
	f.uploadErr = err
	f.mu.Unlock()
}

func (f *flakyBlob) Upload(ctx context.Context, name string, body []byte, md blob.Metadata) (blob.UploadInfo, error) {
	f.mu.Lock()
	err := f.uploadErr
	f.mu.Unlock()

	if err != nil {
		return blob.UploadInfo{}, err
	}

	return f.Store.Upload(ctx, name, body, md)
}

// flakyWarehouse wraps a real client with per-table load failures.
type flakyWarehouse struct {
	warehouse.Client

	mu         sync.Mutex
	failTables map[string]error
}

func (f *flakyWarehouse) failTable(table string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failTables == nil {
		f.failTables = make(map[string]error)
	}

	if err == nil {
		delete(f.failTables, table)
	} else {
		f.failTables[table] = err
	}
}

func (f *flakyWarehouse) StartLoad(ctx context.Context, blobURI, table string, opts warehouse.LoadOptions) (string, error) {
	f.mu.Lock()
	err := f.failTables[table]
	f.mu.Unlock()

	if err != nil {
		return "", err
	}

	return f.Client.StartLoad(ctx, blobURI, table, opts)
}

// harness wires the full pipeline over miniredis, a filesystem blob store,
// and a filesystem warehouse, with failure injection in front of both
// downstream systems.
type harness struct {
	queues  *queue.RedisStore
	blobs   *flakyBlob
	fsBlobs *blob.FSStore
	wh      *flakyWarehouse
	fswh    *warehouse.FSWarehouse
	backups *backup.Store
	metrics *Metrics
	coord   *Coordinator
	shipper *Shipper

	backupRoot string
}

// breakBackupStore removes the journal directories out from under the
// store, simulating an unusable filesystem.
func breakBackupStore(t *testing.T, h *harness) {
	t.Helper()

	if err := os.RemoveAll(h.backupRoot); err != nil {
		t.Fatalf("breaking backup store: %v", err)
	}
}

const (
	gpsKey    = "gps:history:global"
	mobileKey = "mobile:history:global"

	gpsTable    = "gps_history"
	mobileTable = "mobile_history"
)

func newHarness(t *testing.T) *harness {
	t.Helper()

	logger := testLogger()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	fsBlobs, err := blob.NewFSStore(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}

	fswh, err := warehouse.NewFSWarehouse(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("NewFSWarehouse: %v", err)
	}

	backupRoot := t.TempDir()

	backups, err := backup.NewStore(backupRoot, 3, logger)
	if err != nil {
		t.Fatalf("backup.NewStore: %v", err)
	}

	h := &harness{
		queues:     queue.NewRedisStore(rdb, logger),
		blobs:      &flakyBlob{Store: fsBlobs},
		fsBlobs:    fsBlobs,
		wh:         &flakyWarehouse{Client: fswh},
		fswh:       fswh,
		backups:    backups,
		metrics:    NewMetrics(prometheus.NewRegistry()),
		backupRoot: backupRoot,
	}

	keys := map[Family]string{FamilyGPS: gpsKey, FamilyMobile: mobileKey}
	tables := map[Family]string{FamilyGPS: gpsTable, FamilyMobile: mobileTable}
	prefixes := map[Family]string{FamilyGPS: "gps-data", FamilyMobile: "mobile-data"}

	drainer := NewDrainer(h.queues, keys, h.metrics, logger)
	h.shipper = NewShipper(h.blobs, h.wh, h.backups, tables, prefixes,
		warehouse.LoadOptions{JobTimeout: 5 * time.Second}, h.metrics, logger)
	replayer := NewReplayer(h.backups, h.shipper, h.metrics, logger)
	h.coord = NewCoordinator(drainer, h.shipper, replayer, h.metrics, logger)

	return h
}

func (h *harness) seed(t *testing.T, key string, entries ...string) {
	t.Helper()

	if err := h.queues.AppendMany(context.Background(), key, entries); err != nil {
		t.Fatalf("seeding %s: %v", key, err)
	}
}

func (h *harness) queueLen(t *testing.T, key string) int64 {
	t.Helper()

	n, err := h.queues.Len(context.Background(), key)
	if err != nil {
		t.Fatalf("Len %s: %v", key, err)
	}

	return n
}

func (h *harness) pending(t *testing.T) []*backup.Entry {
	t.Helper()

	entries, err := h.backups.ListPending(context.Background())
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}

	return entries
}

func (h *harness) rows(t *testing.T, table string) int64 {
	t.Helper()

	n, err := h.fswh.RowCount(table)
	if err != nil {
		t.Fatalf("RowCount %s: %v", table, err)
	}

	return n
}

var gpsEntries = []string{
	`{"deviceId":"A","lat":-12.0464,"lng":-77.0428,"timestamp":"2024-01-15T10:30:00Z"}`,
	`{"deviceId":"B","lat":-12.05,"lng":-77.045,"timestamp":"2024-01-15T10:30:30Z"}`,
	`{"deviceId":"C","lat":-12.052,"lng":-77.047,"timestamp":"2024-01-15T10:31:00Z"}`,
}

var mobileEntries = []string{
	`{"userId":"u1","name":"Eva","email":"eva@example.com","lat":-12.05,"lng":-77.04,"timestamp":"2024-01-15T10:30:00Z"}`,
	`{"userId":"u2","name":"Max","email":"max@example.com","lat":-12.06,"lng":-77.05,"timestamp":"2024-01-15T10:30:30Z"}`,
}
