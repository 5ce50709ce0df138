package warehouse

import (
	"sync"
	"time"

	"cloud.google.com/go/bigquery"
)

// submittedJob pairs a BigQuery job handle with the submission details the
// SDK does not echo back.
type submittedJob struct {
	job         *bigquery.Job
	blobURI     string
	table       string
	submittedAt time.Time
}

// jobCache is a small concurrency-safe map of in-flight jobs. Entries are
// removed once AwaitLoad observes a terminal state, so the cache stays
// bounded by the number of concurrently awaited jobs (two per cycle).
type jobCache struct {
	mu   sync.Mutex
	jobs map[string]*submittedJob
}

func newJobCache() *jobCache {
	return &jobCache{jobs: make(map[string]*submittedJob)}
}

func (c *jobCache) put(id string, j *submittedJob) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.jobs[id] = j
}

func (c *jobCache) get(id string) *submittedJob {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.jobs[id]
}

func (c *jobCache) delete(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.jobs, id)
}
